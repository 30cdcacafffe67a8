package db

import (
	"context"
	"database/sql"
	"fmt"
)

type RunRepo struct {
	db *sql.DB
}

func NewRunRepo(db *sql.DB) *RunRepo {
	return &RunRepo{db: db}
}

func (r *RunRepo) Create(ctx context.Context, run *Run) error {
	if run == nil {
		return fmt.Errorf("run is required")
	}
	if run.ID == "" {
		run.ID = NewID()
	}
	if run.DurationMS == 0 && !run.StartedAt.IsZero() && run.EndedAt.After(run.StartedAt) {
		run.DurationMS = run.EndedAt.Sub(run.StartedAt).Milliseconds()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO runs (id, game_id, title, started_at, ended_at, duration_ms, reason)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, run.ID, run.GameID, run.Title, formatTimestamp(run.StartedAt), formatTimestamp(run.EndedAt), run.DurationMS, run.Reason)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// List returns the most recent runs first. gameID filters when non-empty.
func (r *RunRepo) List(ctx context.Context, gameID string, limit int) ([]*Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, game_id, title, started_at, ended_at, duration_ms, reason FROM runs`
	args := []any{}
	if gameID != "" {
		query += ` WHERE game_id = ?`
		args = append(args, gameID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	items := make([]*Run, 0)
	for rows.Next() {
		var item Run
		var startedRaw, endedRaw string
		if err := rows.Scan(&item.ID, &item.GameID, &item.Title, &startedRaw, &endedRaw, &item.DurationMS, &item.Reason); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if item.StartedAt, err = parseTimestamp(startedRaw); err != nil {
			return nil, err
		}
		if item.EndedAt, err = parseTimestamp(endedRaw); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return items, nil
}
