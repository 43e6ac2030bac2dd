package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vhostlab/hostmatrix/internal/domain/aggregate"
)

var _ aggregate.Repo = (*AggregateRepoImpl)(nil)

type AggregateRepoImpl struct{ db *DB }

func NewAggregateRepo(db *DB) *AggregateRepoImpl { return &AggregateRepoImpl{db: db} }

const (
	qAggUpsert = `
INSERT INTO aggregates (run_id, matrix_json, status_distribution_json, latency_stats_json, diffs_json, summary_421_json)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (run_id) DO UPDATE
SET matrix_json = EXCLUDED.matrix_json,
    status_distribution_json = EXCLUDED.status_distribution_json,
    latency_stats_json = EXCLUDED.latency_stats_json,
    diffs_json = EXCLUDED.diffs_json,
    summary_421_json = EXCLUDED.summary_421_json
RETURNING id, created_at;
`

	qAggByRun = `
SELECT id, run_id, matrix_json, status_distribution_json, latency_stats_json, diffs_json, summary_421_json, created_at
FROM aggregates
WHERE run_id = $1;
`
)

func (r *AggregateRepoImpl) Upsert(ctx context.Context, a *aggregate.Aggregate) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	eq := r.db.execQueryer(ctx)
	row := eq.QueryRow(ctx, qAggUpsert,
		a.RunID, a.MatrixJSON, a.StatusDistributionJSON, a.LatencyStatsJSON, a.DiffsJSON, a.Summary421JSON,
	)
	if err := row.Scan(&a.ID, &a.CreatedAt); err != nil {
		return fmt.Errorf("upsert aggregate: %w", err)
	}
	return nil
}

func (r *AggregateRepoImpl) GetByRun(ctx context.Context, runID int64) (*aggregate.Aggregate, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var a aggregate.Aggregate
	err := r.db.Pool.QueryRow(ctx, qAggByRun, runID).Scan(
		&a.ID, &a.RunID, &a.MatrixJSON, &a.StatusDistributionJSON,
		&a.LatencyStatsJSON, &a.DiffsJSON, &a.Summary421JSON, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get aggregate: %w", err)
	}
	return &a, nil
}
