package dispatcher

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	coreerrors "github.com/synqx/pipeline-core/internal/core/errors"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "postgres")), mock
}

func TestLeaseJobUsesSkipLockedAndMarksRunning(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	cols := []string{"id", "pipeline_id", "pipeline_version", "status", "correlation_id", "retry_count",
		"priority", "queue_name", "workspace_id", "worker_id", "created_at", "started_at",
		"completed_at", "execution_time_ms", "backfill_start", "backfill_end", "error_message"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, pipeline_id, pipeline_version.*FROM jobs.*FOR UPDATE SKIP LOCKED`).
		WithArgs("ws1", sqlmock.AnyArg(), "agent1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"job1", "pipe1", 1, "Queued", "", 0, 5, "default", "ws1", "", now, nil, nil, int64(0), nil, nil, ""))
	mock.ExpectExec(`UPDATE jobs SET status = 'Running'`).
		WithArgs(sqlmock.AnyArg(), "agent1", "job1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := store.LeaseJob(context.Background(), "ws1", "agent1", []string{"default"})
	require.NoError(t, err)
	assert.Equal(t, "job1", job.ID)
	assert.Equal(t, "agent1", job.WorkerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseJobNoRowsReturnsErrNoJob(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, pipeline_id, pipeline_version.*FROM jobs`).
		WithArgs("ws1", sqlmock.AnyArg(), "agent1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.LeaseJob(context.Background(), "ws1", "agent1", []string{"default"})
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestAuthenticateAgentRejectsWrongKey(t *testing.T) {
	store, mock := newMockStore(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-key"), bcrypt.MinCost)
	require.NoError(t, err)

	cols := []string{"client_id", "api_key_hash", "workspace_id", "groups", "status", "last_heartbeat", "in_flight_count"}
	mock.ExpectQuery(`SELECT client_id, api_key_hash.*FROM agents`).
		WithArgs("agent1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("agent1", string(hash), "ws1", "default,gpu", "Online", time.Now().UTC(), 0))

	_, err = store.AuthenticateAgent(context.Background(), "agent1", "wrong-key")
	assert.Error(t, err)
	ce, ok := coreerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coreerrors.KindAuthentication, ce.Kind)
}

func TestAuthenticateAgentAcceptsCorrectKey(t *testing.T) {
	store, mock := newMockStore(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-key"), bcrypt.MinCost)
	require.NoError(t, err)

	cols := []string{"client_id", "api_key_hash", "workspace_id", "groups", "status", "last_heartbeat", "in_flight_count"}
	mock.ExpectQuery(`SELECT client_id, api_key_hash.*FROM agents`).
		WithArgs("agent1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("agent1", string(hash), "ws1", "default,gpu", "Online", time.Now().UTC(), 0))

	agent, err := store.AuthenticateAgent(context.Background(), "agent1", "correct-key")
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "gpu"}, agent.Groups)
}
