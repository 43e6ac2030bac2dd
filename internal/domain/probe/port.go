package probe

import "context"

type Repo interface {
	Insert(ctx context.Context, p *Probe) error
	GetByID(ctx context.Context, id int64) (*Probe, error)
	ListByRun(ctx context.Context, runID int64) ([]*Probe, error)
}

// StatsRepo exposes the server-side aggregate queries that avoid loading a
// run's full probe set into memory.
type StatsRepo interface {
	StatusDistribution(ctx context.Context, runID int64) (Distribution, error)
	LatencyStats(ctx context.Context, runID int64) (LatencyStats, error)
	Summary421(ctx context.Context, runID int64) (Summary421, error)
}
