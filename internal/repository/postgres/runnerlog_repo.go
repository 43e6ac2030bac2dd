package postgres

import (
	"context"
	"fmt"

	"github.com/vhostlab/hostmatrix/internal/domain/runnerlog"
)

var _ runnerlog.Repo = (*RunnerLogRepoImpl)(nil)

type RunnerLogRepoImpl struct{ db *DB }

func NewRunnerLogRepo(db *DB) *RunnerLogRepoImpl { return &RunnerLogRepoImpl{db: db} }

const (
	qLogInsert = `
INSERT INTO runner_logs (run_id, level, message)
VALUES ($1, $2, $3)
RETURNING id, created_at;
`

	qLogsByRun = `
SELECT id, run_id, level, message, created_at
FROM runner_logs
WHERE run_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3;
`
)

func (r *RunnerLogRepoImpl) Append(ctx context.Context, e *runnerlog.Entry) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if e.Level == "" {
		e.Level = "info"
	}

	row := r.db.Pool.QueryRow(ctx, qLogInsert, e.RunID, e.Level, e.Message)
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		return fmt.Errorf("insert runner log: %w", err)
	}
	return nil
}

func (r *RunnerLogRepoImpl) ListByRun(ctx context.Context, runID int64, limit, offset int) ([]*runnerlog.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, qLogsByRun, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query runner logs: %w", err)
	}
	defer rows.Close()

	var out []*runnerlog.Entry
	for rows.Next() {
		var e runnerlog.Entry
		if err := rows.Scan(&e.ID, &e.RunID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan runner log: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}
