package kafka

import "context"

type RunEvents interface {
	PublishRunRequested(ctx context.Context, runID int64, attempt int, applyBlacklist bool) error
	PublishRunFinished(ctx context.Context, runID int64, status string) error
}
