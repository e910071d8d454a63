package migrations

import (
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestApplyWrapsUnreadableSourceDir(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()
	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := Apply(db, "/nonexistent/migrations/dir"); err == nil {
		t.Fatal("expected an error for a source directory that does not exist")
	}
}
