package journal

import (
	"context"
	"database/sql"
	"fmt"
)

const attemptColumns = `id, item_id, item_index, run_id, request_id, mode, strategy_id, source_path, outcome, study_id, error, started_at, finished_at`

// GetAttempt returns a single attempt by ID.
func (j *SQLite) GetAttempt(ctx context.Context, attemptID string) (Attempt, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, attemptID)

	a, err := scanAttempt(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Attempt{}, fmt.Errorf("attempt %q not found", attemptID)
		}
		return Attempt{}, err
	}
	return a, nil
}

// ListAttempts returns the attempts of one item, or every attempt when
// itemID is empty, oldest first.
func (j *SQLite) ListAttempts(ctx context.Context, itemID string) ([]Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts`
	var args []any
	if itemID != "" {
		query += ` WHERE item_id = ?`
		args = append(args, itemID)
	}
	query += ` ORDER BY started_at ASC, id ASC`

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CountByOutcome tallies attempts for a run. An empty runID counts all.
func (j *SQLite) CountByOutcome(ctx context.Context, runID string) (map[string]int, error) {
	query := `SELECT outcome, COUNT(*) FROM attempts`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` GROUP BY outcome`

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		out[outcome] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(s scanner) (Attempt, error) {
	var a Attempt
	err := s.Scan(
		&a.ID,
		&a.ItemID,
		&a.ItemIndex,
		&a.RunID,
		&a.RequestID,
		&a.Mode,
		&a.StrategyID,
		&a.SourcePath,
		&a.Outcome,
		&a.StudyID,
		&a.Error,
		&a.StartedAt,
		&a.FinishedAt,
	)
	return a, err
}
