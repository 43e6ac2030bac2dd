package probing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vhostlab/hostmatrix/internal/domain/probe"
	"github.com/vhostlab/hostmatrix/internal/domain/run"
)

const (
	defaultBatchSize  = 500
	defaultBatchPause = 2 * time.Second
)

// Transactor scopes a function to one atomic commit. A batch either lands
// whole or not at all.
type Transactor interface {
	WithTx(ctx context.Context, function func(ctx context.Context) error) error
}

// Scheduler walks the expanded combination list in fixed-size batches,
// persisting each batch atomically and polling the run row for a cooperative
// stop between batches and between persisted results.
type Scheduler struct {
	Runs       run.Repo
	Probes     probe.Repo
	Tx         Transactor
	Executor   *Executor
	BatchSize  int
	BatchPause time.Duration
	Log        Logf
}

func (s *Scheduler) batchSize() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return defaultBatchSize
}

func (s *Scheduler) batchPause() time.Duration {
	if s.BatchPause > 0 {
		return s.BatchPause
	}
	return defaultBatchPause
}

// Execute drives one run to completion or to a cooperative stop. It returns
// the final observed run status; the caller owns the terminal transition of
// the run row.
func (s *Scheduler) Execute(ctx context.Context, r *run.Run, exp *Expansion) (run.Status, error) {
	if exp.Total() == 0 {
		s.Log.printf("No valid URL/Host combinations found, aborting run.")
		return run.StatusFailed, errors.New("no combinations to probe")
	}

	// Synthetic blacklist rows never touch the network; they commit up
	// front so partial runs still account for every skipped combination.
	if len(exp.Blacklisted) > 0 {
		results := make([]Result, 0, len(exp.Blacklisted))
		for _, combo := range exp.Blacklisted {
			results = append(results, s.Executor.BlacklistResult(combo))
		}
		stopped, err := s.persistBatch(ctx, r, results)
		if err != nil {
			s.Log.printf(fmt.Sprintf("failed to persist blacklist results: %v", err))
		}
		if stopped {
			s.Log.printf(fmt.Sprintf("Run %d stopped while persisting blacklist results.", r.ID))
			return run.StatusStopped, nil
		}
	}

	size := s.batchSize()
	combos := exp.Combos
	for start := 0; start < len(combos); start += size {
		stopped, err := s.checkStop(ctx, r)
		if err != nil {
			return r.Status, err
		}
		if stopped {
			s.Log.printf(fmt.Sprintf("Run %d stopped before batch at offset %d.", r.ID, start))
			return run.StatusStopped, nil
		}

		end := start + size
		if end > len(combos) {
			end = len(combos)
		}
		batch := combos[start:end]
		s.Log.printf(fmt.Sprintf("Executing batch %d-%d of %d combinations.", start+1, end, len(combos)))

		results := s.Executor.Run(ctx, batch)
		stopped, err = s.persistBatch(ctx, r, results)
		if err != nil {
			// The batch rolled back; later batches still run.
			s.Log.printf(fmt.Sprintf("Batch commit failed, continuing with next batch: %v", err))
		}
		if stopped {
			s.Log.printf(fmt.Sprintf("Run %d stopped during batch at offset %d.", r.ID, start))
			return run.StatusStopped, nil
		}

		if end < len(combos) {
			if err := sleepCtx(ctx, s.batchPause()); err != nil {
				return r.Status, err
			}
		}
	}

	// A stop that landed while the last batch was in flight must not be
	// overwritten by the caller's terminal transition.
	stopped, err := s.checkStop(ctx, r)
	if err != nil {
		return r.Status, err
	}
	if stopped {
		s.Log.printf(fmt.Sprintf("Run %d stopped after the final batch.", r.ID))
		return run.StatusStopped, nil
	}
	return run.StatusRunning, nil
}

// checkStop polls the persisted run status and acknowledges a stop request
// by transitioning stopping to stopped.
func (s *Scheduler) checkStop(ctx context.Context, r *run.Run) (bool, error) {
	current, err := s.Runs.GetByID(ctx, r.ID)
	if err != nil {
		return false, fmt.Errorf("poll run status: %w", err)
	}
	r.Status = current.Status
	if current.Status == run.StatusStopping {
		r.Status = run.StatusStopped
		if err := s.Runs.Update(ctx, r); err != nil {
			return true, fmt.Errorf("acknowledge stop: %w", err)
		}
		return true, nil
	}
	if current.Status == run.StatusStopped {
		return true, nil
	}
	return false, nil
}

// persistBatch writes one batch of results and the run counters in a single
// transaction. Probes whose status is disabled by the run's filter set are
// counted as processed but never stored. The stop flag is polled per result,
// so a stop arriving mid-batch is honored without waiting for the next batch
// boundary; remaining results of the batch are discarded.
func (s *Scheduler) persistBatch(ctx context.Context, r *run.Run, results []Result) (bool, error) {
	disabled := map[int]struct{}(nil)
	if r.SubTestCase == 2 {
		disabled = r.DisabledStatuses()
	}

	processedBefore := r.ProcessedCombinations
	stopped := false
	err := s.Tx.WithTx(ctx, func(ctx context.Context) error {
		for i := range results {
			if s.stopRequested(ctx, r) {
				stopped = true
				r.Status = run.StatusStopped
				break
			}
			res := &results[i]
			if _, filtered := disabled[res.HTTPStatus]; filtered {
				s.Log.printf(fmt.Sprintf("Status %d for %s (Host: %s) is filtered, result not stored.",
					res.HTTPStatus, res.Combination.RequestURL, res.Combination.HostHeader))
			} else {
				if err := s.Probes.Insert(ctx, resultToProbe(r.ID, res)); err != nil {
					return fmt.Errorf("insert probe: %w", err)
				}
			}
			if r.ProcessedCombinations < r.TotalCombinations {
				r.ProcessedCombinations++
			}
		}
		if err := s.Runs.Update(ctx, r); err != nil {
			return fmt.Errorf("update run progress: %w", err)
		}
		return nil
	})
	if err != nil {
		// The tx rolled back; the in-memory counter must match the rows
		// that actually landed.
		r.ProcessedCombinations = processedBefore
		return stopped, err
	}
	return stopped, nil
}

// stopRequested is the in-batch poll. Read errors count as "keep going"; the
// next batch boundary re-checks with full error handling.
func (s *Scheduler) stopRequested(ctx context.Context, r *run.Run) bool {
	current, err := s.Runs.GetByID(ctx, r.ID)
	if err != nil {
		s.Log.printf(fmt.Sprintf("poll run status: %v", err))
		return false
	}
	return current.Status == run.StatusStopping || current.Status == run.StatusStopped
}

func resultToProbe(runID int64, res *Result) *probe.Probe {
	return &probe.Probe{
		RunID:            runID,
		TargetURL:        res.Combination.RequestURL,
		TestedHostHeader: res.Combination.HostHeader,
		HTTPStatus:       res.HTTPStatus,
		StatusText:       res.StatusText,
		BytesTotal:       res.BytesTotal,
		ResponseTimeMS:   res.ResponseTimeMS,
		SnippetB64:       res.SnippetB64,
		RawResponsePath:  res.RawResponsePath,
		Attempt:          res.Attempt,
		SNIUsed:          res.SNIUsed,
		SNIOverridden:    res.SNIOverridden,
		Auto421Override:  res.Auto421Override,
		HitIPBlacklist:   res.HitIPBlacklist,
		CorrelationID:    res.Combination.CorrelationID(),
		Reason:           res.Reason,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
