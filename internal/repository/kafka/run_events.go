package kafka

import (
	"context"
	"errors"
	"time"

	kafkadomain "github.com/vhostlab/hostmatrix/internal/domain/kafka"
)

// RunRequest asks the prober worker to execute a prepared run. The input
// lists themselves live in the artifact store's imports directory.
type RunRequest struct {
	RunID          int64 `json:"run_id"`
	Attempt        int   `json:"attempt"`
	ApplyBlacklist bool  `json:"apply_blacklist"`
}

type RunFinished struct {
	RunID  int64     `json:"run_id"`
	Status string    `json:"status"`
	TS     time.Time `json:"ts"`
}

type RunEventsKafka struct {
	requests *Producer
	finished *Producer
}

func NewRunEventsKafka(requests, finished *Producer) *RunEventsKafka {
	return &RunEventsKafka{requests: requests, finished: finished}
}

var _ kafkadomain.RunEvents = (*RunEventsKafka)(nil)

func (e *RunEventsKafka) PublishRunRequested(ctx context.Context, runID int64, attempt int, applyBlacklist bool) error {
	if e.requests == nil {
		return errors.New("run-request producer not configured")
	}
	return e.requests.PublishJSON(ctx, KeyFromInt64(runID), &RunRequest{
		RunID:          runID,
		Attempt:        attempt,
		ApplyBlacklist: applyBlacklist,
	})
}

func (e *RunEventsKafka) PublishRunFinished(ctx context.Context, runID int64, status string) error {
	if e.finished == nil {
		return errors.New("run-finished producer not configured")
	}
	return e.finished.PublishJSON(ctx, KeyFromInt64(runID), &RunFinished{
		RunID:  runID,
		Status: status,
		TS:     time.Now().UTC(),
	})
}
