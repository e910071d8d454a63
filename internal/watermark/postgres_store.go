package watermark

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresStore persists watermarks in the `watermarks` table (spec §6),
// unique-keyed by (pipeline_id, asset_id).
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, pipelineID, assetID string) (*Watermark, bool, error) {
	var wm Watermark
	err := s.db.GetContext(ctx, &wm, `
		SELECT pipeline_id, asset_id, column_name AS column, last_value, last_updated
		FROM watermarks
		WHERE pipeline_id = $1 AND asset_id = $2
	`, pipelineID, assetID)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &wm, true, nil
}

// Advance performs the strictly-greater-than check and upsert inside one
// transaction so concurrent extract nodes for the same asset never race
// past each other.
func (s *PostgresStore) Advance(ctx context.Context, pipelineID, assetID, column, value string, colType ColumnType) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var current struct {
		LastValue string `db:"last_value"`
	}
	err = tx.GetContext(ctx, &current, `
		SELECT last_value FROM watermarks WHERE pipeline_id=$1 AND asset_id=$2 FOR UPDATE
	`, pipelineID, assetID)

	switch err {
	case sql.ErrNoRows:
		// First watermark for this asset; always applies.
	case nil:
		cmp, cmpErr := Compare(value, current.LastValue, colType)
		if cmpErr != nil {
			return false, cmpErr
		}
		if cmp <= 0 {
			return false, nil
		}
	default:
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO watermarks (pipeline_id, asset_id, column_name, last_value, last_updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pipeline_id, asset_id)
		DO UPDATE SET column_name = $3, last_value = $4, last_updated = $5
	`, pipelineID, assetID, column, value, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
