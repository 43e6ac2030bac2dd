package aggregate

import "context"

type Repo interface {
	Upsert(ctx context.Context, a *Aggregate) error
	GetByRun(ctx context.Context, runID int64) (*Aggregate, error)
}
