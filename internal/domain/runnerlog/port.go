package runnerlog

import "context"

type Repo interface {
	Append(ctx context.Context, e *Entry) error
	ListByRun(ctx context.Context, runID int64, limit, offset int) ([]*Entry, error)
}
