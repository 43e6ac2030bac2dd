package aggregate

import "time"

// Aggregate caches the derived statistics for one run, unique per run and
// overwritten in place on recompute.
type Aggregate struct {
	ID                     int64     `json:"id"`
	RunID                  int64     `json:"run_id"`
	MatrixJSON             string    `json:"matrix_json"`
	StatusDistributionJSON string    `json:"status_distribution_json"`
	LatencyStatsJSON       string    `json:"latency_stats_json"`
	DiffsJSON              string    `json:"diffs_json"`
	Summary421JSON         string    `json:"summary_421_json"`
	CreatedAt              time.Time `json:"created_at"`
}
