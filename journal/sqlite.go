package journal

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/optqueue/pkg/id"
)

type SQLite struct {
	db *sql.DB
}

var _ Journal = (*SQLite)(nil)

// NewSQLite opens (or creates) the journal database at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// RecordAttempt stores a. A missing ID is generated.
func (j *SQLite) RecordAttempt(ctx context.Context, a Attempt) error {
	if a.ID == "" {
		a.ID = id.New()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO attempts
		(id, item_id, item_index, run_id, request_id, mode, strategy_id, source_path, outcome, study_id, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ItemID, a.ItemIndex, a.RunID, a.RequestID, a.Mode, a.StrategyID,
		a.SourcePath, a.Outcome, a.StudyID, a.Error, a.StartedAt.UTC(), a.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
