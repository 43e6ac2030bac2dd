package run

import "context"

type Repo interface {
	Create(ctx context.Context, r *Run) error
	GetByID(ctx context.Context, id int64) (*Run, error)
	Update(ctx context.Context, r *Run) error
	Delete(ctx context.Context, id int64) error
}
