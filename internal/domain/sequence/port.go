package sequence

import "context"

type Repo interface {
	Insert(ctx context.Context, r *Result) error
	ListByRun(ctx context.Context, runID int64) ([]*Result, error)
}
