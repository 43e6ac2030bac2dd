package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vhostlab/hostmatrix/internal/domain/probe"
)

var (
	_ probe.Repo      = (*ProbeRepoImpl)(nil)
	_ probe.StatsRepo = (*ProbeRepoImpl)(nil)
)

type ProbeRepoImpl struct{ db *DB }

func NewProbeRepo(db *DB) *ProbeRepoImpl { return &ProbeRepoImpl{db: db} }

const (
	qProbeInsert = `
INSERT INTO probes (run_id, target_url, tested_host_header, http_status, status_text, bytes_total,
                    response_time_ms, snippet_b64, raw_response_path, attempt, sni_used, sni_overridden,
                    auto_421_override, hit_ip_blacklist, correlation_id, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
RETURNING id, created_at;
`

	qProbeGetByID = `
SELECT id, run_id, target_url, tested_host_header, http_status, status_text, bytes_total,
       response_time_ms, snippet_b64, raw_response_path, attempt, sni_used, sni_overridden,
       auto_421_override, hit_ip_blacklist, correlation_id, reason, created_at
FROM probes
WHERE id = $1;
`

	qProbesByRun = `
SELECT id, run_id, target_url, tested_host_header, http_status, status_text, bytes_total,
       response_time_ms, snippet_b64, raw_response_path, attempt, sni_used, sni_overridden,
       auto_421_override, hit_ip_blacklist, correlation_id, reason, created_at
FROM probes
WHERE run_id = $1
ORDER BY id;
`

	qProbeStatusDist = `
SELECT COALESCE(SUM(CASE WHEN http_status BETWEEN 200 AND 299 THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN http_status BETWEEN 300 AND 399 THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN http_status BETWEEN 400 AND 499 THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN http_status BETWEEN 500 AND 599 THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN http_status NOT BETWEEN 200 AND 599 THEN 1 ELSE 0 END), 0)
FROM probes
WHERE run_id = $1;
`

	qProbeLatency = `
SELECT COALESCE(AVG(response_time_ms), 0),
       COALESCE(MIN(response_time_ms), 0),
       COALESCE(MAX(response_time_ms), 0)
FROM probes
WHERE run_id = $1 AND response_time_ms > 0;
`

	qProbe421Summary = `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN http_status BETWEEN 200 AND 399 THEN 1 ELSE 0 END), 0)
FROM probes
WHERE run_id = $1 AND auto_421_override = TRUE;
`
)

func scanProbe(row pgx.Row, p *probe.Probe) error {
	var (
		statusText *string
		snippet    *string
		rawPath    *string
		corrID     *string
		reason     *string
		respTime   *int64
	)
	if err := row.Scan(
		&p.ID,
		&p.RunID,
		&p.TargetURL,
		&p.TestedHostHeader,
		&p.HTTPStatus,
		&statusText,
		&p.BytesTotal,
		&respTime,
		&snippet,
		&rawPath,
		&p.Attempt,
		&p.SNIUsed,
		&p.SNIOverridden,
		&p.Auto421Override,
		&p.HitIPBlacklist,
		&corrID,
		&reason,
		&p.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("scan probe: %w", err)
	}
	p.StatusText = deref(statusText)
	p.SnippetB64 = deref(snippet)
	p.RawResponsePath = deref(rawPath)
	p.CorrelationID = deref(corrID)
	p.Reason = deref(reason)
	if respTime != nil {
		p.ResponseTimeMS = *respTime
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *ProbeRepoImpl) Insert(ctx context.Context, p *probe.Probe) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	eq := r.db.execQueryer(ctx)
	row := eq.QueryRow(ctx, qProbeInsert,
		p.RunID, p.TargetURL, p.TestedHostHeader, p.HTTPStatus, nullable(p.StatusText), p.BytesTotal,
		p.ResponseTimeMS, nullable(p.SnippetB64), nullable(p.RawResponsePath), p.Attempt,
		p.SNIUsed, p.SNIOverridden, p.Auto421Override, p.HitIPBlacklist,
		nullable(p.CorrelationID), nullable(p.Reason),
	)
	if err := row.Scan(&p.ID, &p.CreatedAt); err != nil {
		return fmt.Errorf("insert probe: %w", err)
	}
	return nil
}

func (r *ProbeRepoImpl) GetByID(ctx context.Context, id int64) (*probe.Probe, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var p probe.Probe
	if err := scanProbe(r.db.Pool.QueryRow(ctx, qProbeGetByID, id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ProbeRepoImpl) ListByRun(ctx context.Context, runID int64) ([]*probe.Probe, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, qProbesByRun, runID)
	if err != nil {
		return nil, fmt.Errorf("query probes: %w", err)
	}
	defer rows.Close()

	var out []*probe.Probe
	for rows.Next() {
		var p probe.Probe
		if err := scanProbe(rows, &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (r *ProbeRepoImpl) StatusDistribution(ctx context.Context, runID int64) (probe.Distribution, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var d probe.Distribution
	err := r.db.Pool.QueryRow(ctx, qProbeStatusDist, runID).Scan(
		&d.Success, &d.Redirect, &d.ClientError, &d.ServerError, &d.Other,
	)
	if err != nil {
		return probe.Distribution{}, fmt.Errorf("status distribution: %w", err)
	}
	return d, nil
}

func (r *ProbeRepoImpl) LatencyStats(ctx context.Context, runID int64) (probe.LatencyStats, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var s probe.LatencyStats
	err := r.db.Pool.QueryRow(ctx, qProbeLatency, runID).Scan(&s.AvgMS, &s.MinMS, &s.MaxMS)
	if err != nil {
		return probe.LatencyStats{}, fmt.Errorf("latency stats: %w", err)
	}
	return s, nil
}

func (r *ProbeRepoImpl) Summary421(ctx context.Context, runID int64) (probe.Summary421, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var total, successful int
	err := r.db.Pool.QueryRow(ctx, qProbe421Summary, runID).Scan(&total, &successful)
	if err != nil {
		return probe.Summary421{}, fmt.Errorf("421 summary: %w", err)
	}
	return probe.Summary421{
		Total421:          total,
		Retries:           total,
		SuccessfulRetries: successful,
		FailedRetries:     total - successful,
	}, nil
}
