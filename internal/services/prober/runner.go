// Package prober is the kafka-driven worker that executes probing runs end
// to end: input expansion, batched HTTP execution, aggregation and the final
// status transition.
package prober

import (
	"context"
	"errors"
	"fmt"
	"time"

	proberconfig "github.com/vhostlab/hostmatrix/internal/config/prober"
	"github.com/vhostlab/hostmatrix/internal/analysis"
	"github.com/vhostlab/hostmatrix/internal/artifacts"
	"github.com/vhostlab/hostmatrix/internal/blacklist"
	kafkadomain "github.com/vhostlab/hostmatrix/internal/domain/kafka"
	"github.com/vhostlab/hostmatrix/internal/domain/probe"
	"github.com/vhostlab/hostmatrix/internal/domain/run"
	"github.com/vhostlab/hostmatrix/internal/domain/runnerlog"
	"github.com/vhostlab/hostmatrix/internal/domain/sequence"
	"github.com/vhostlab/hostmatrix/internal/obs"
	"github.com/vhostlab/hostmatrix/internal/obs/retry"
	"github.com/vhostlab/hostmatrix/internal/probing"
	kafkax "github.com/vhostlab/hostmatrix/internal/repository/kafka"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Runner struct {
	log    *zap.Logger
	cons   *kafkax.Consumer
	events kafkadomain.RunEvents

	runs    run.Repo
	probes  probe.Repo
	seqs    sequence.Repo
	runlogs runnerlog.Repo
	tx      probing.Transactor
	agg     *analysis.Aggregator
	store   *artifacts.Store
	bl      *blacklist.List

	httpcfg   proberconfig.HTTPProbe
	runnercfg proberconfig.Runner

	mMsgs     prometheus.Counter
	mSuccess  prometheus.Counter
	mFailed   prometheus.Counter
	mStopped  prometheus.Counter
	mErrors   prometheus.Counter
	mDuration prometheus.Histogram
}

func NewRunner(
	log *zap.Logger,
	cons *kafkax.Consumer,
	events kafkadomain.RunEvents,
	runs run.Repo,
	probes probe.Repo,
	seqs sequence.Repo,
	runlogs runnerlog.Repo,
	tx probing.Transactor,
	agg *analysis.Aggregator,
	store *artifacts.Store,
	bl *blacklist.List,
	httpcfg proberconfig.HTTPProbe,
	runnercfg proberconfig.Runner,
) *Runner {
	return &Runner{
		log:       log,
		cons:      cons,
		events:    events,
		runs:      runs,
		probes:    probes,
		seqs:      seqs,
		runlogs:   runlogs,
		tx:        tx,
		agg:       agg,
		store:     store,
		bl:        bl,
		httpcfg:   httpcfg,
		runnercfg: runnercfg,
		mMsgs: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prober_run_requests_total", Help: "Run request messages consumed",
		}),
		mSuccess: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prober_runs_success_total", Help: "Runs completed successfully",
		}),
		mFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prober_runs_failed_total", Help: "Runs ended in failure",
		}),
		mStopped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prober_runs_stopped_total", Help: "Runs stopped cooperatively",
		}),
		mErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prober_errors_total", Help: "Errors",
		}),
		mDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "prober_run_duration_seconds",
			Help:    "Wall time of one run execution",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

func (r *Runner) Run(ctx context.Context) error {
	handler := kafkax.JSONHandler(
		func(ctx context.Context, _ []byte, msg *kafkax.RunRequest) error {
			r.mMsgs.Inc()
			return r.handleRun(ctx, msg)
		},
	)
	if err := r.cons.Consume(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
		r.mErrors.Inc()
		r.log.Warn("kafka consume", zap.Error(err))
		return err
	}
	return ctx.Err()
}

// handleRun executes one run. Unexpected errors land the run in the failed
// state; they are not bounced back to kafka for redelivery.
func (r *Runner) handleRun(ctx context.Context, req *kafkax.RunRequest) error {
	if req.RunID <= 0 {
		r.mErrors.Inc()
		r.log.Warn("invalid run request", zap.Int64("run_id", req.RunID))
		return nil
	}

	ctx, span := otel.Tracer("prober").Start(ctx, "run.execute",
		trace.WithAttributes(attribute.Int64("run.id", req.RunID)))
	defer span.End()
	log := obs.WithTrace(ctx, r.log)

	rn, err := r.runs.GetByID(ctx, req.RunID)
	if err != nil {
		r.mErrors.Inc()
		log.Warn("get run", zap.Int64("run_id", req.RunID), zap.Error(err))
		return err
	}
	if rn.Status.Terminal() {
		log.Info("run already terminal, skipping", zap.Int64("run_id", rn.ID), zap.String("status", string(rn.Status)))
		return nil
	}

	logf := r.runLogf(ctx, rn.ID)

	// A stop requested before the worker picked the run up is honored
	// without any probing.
	if rn.Status == run.StatusStopping {
		rn.Status = run.StatusStopped
		if err := r.runs.Update(ctx, rn); err != nil {
			r.mErrors.Inc()
			return fmt.Errorf("acknowledge stop: %w", err)
		}
		logf(fmt.Sprintf("Run %d stopped before execution.", rn.ID))
		r.mStopped.Inc()
		if err := retry.Do(ctx, func() error {
			return r.events.PublishRunFinished(ctx, rn.ID, string(run.StatusStopped))
		}, retry.DefaultKafkaPolicy(r.log)); err != nil {
			log.Warn("publish run finished", zap.Int64("run_id", rn.ID), zap.Error(err))
		}
		return nil
	}

	start := time.Now()

	rn.Status = run.StatusRunning
	if err := r.runs.Update(ctx, rn); err != nil {
		r.mErrors.Inc()
		return fmt.Errorf("mark run running: %w", err)
	}
	logf(fmt.Sprintf("Run %d started (attempt %d).", rn.ID, req.Attempt))

	var execErr error
	switch rn.RunType {
	case run.TypeSequenceGroup:
		execErr = r.executeSequence(ctx, rn, logf)
	default:
		execErr = r.executeStandard(ctx, rn, req, logf)
	}

	final := r.finalStatus(rn, execErr)
	rn.Status = final
	if err := r.runs.Update(ctx, rn); err != nil {
		r.mErrors.Inc()
		log.Warn("final run update", zap.Int64("run_id", rn.ID), zap.Error(err))
	}

	if _, err := r.agg.Recompute(ctx, rn.ID); err != nil {
		r.mErrors.Inc()
		logf(fmt.Sprintf("Aggregation failed: %v", err))
	}

	r.mDuration.Observe(time.Since(start).Seconds())
	switch final {
	case run.StatusSuccess:
		r.mSuccess.Inc()
	case run.StatusStopped:
		r.mStopped.Inc()
	default:
		r.mFailed.Inc()
	}
	logf(fmt.Sprintf("Run %d finished with status %s.", rn.ID, final))

	if err := retry.Do(ctx, func() error {
		return r.events.PublishRunFinished(ctx, rn.ID, string(final))
	}, retry.DefaultKafkaPolicy(r.log)); err != nil {
		r.mErrors.Inc()
		log.Warn("publish run finished", zap.Int64("run_id", rn.ID), zap.Error(err))
	}
	return nil
}

func (r *Runner) finalStatus(rn *run.Run, execErr error) run.Status {
	if execErr != nil {
		r.log.Error("run execution", zap.Int64("run_id", rn.ID), zap.Error(execErr))
		return run.StatusFailed
	}
	switch rn.Status {
	case run.StatusStopping, run.StatusStopped:
		return run.StatusStopped
	case run.StatusFailed:
		return run.StatusFailed
	default:
		return run.StatusSuccess
	}
}

// executeStandard runs the expand/execute/persist pipeline for a standard
// host-matrix run.
func (r *Runner) executeStandard(ctx context.Context, rn *run.Run, req *kafkax.RunRequest, logf probing.Logf) error {
	inputs, err := r.readStandardInputs(rn.ID)
	if err != nil {
		return err
	}

	// Directory-matrix runs without an explicit Host list probe the URLs
	// as given: no resolution, the blacklist applies to the literal host.
	skipDNS := rn.SubTestCase == 2 && len(inputs.Hosts) == 0

	var matcher probing.Matcher
	if req.ApplyBlacklist {
		matcher = r.bl
	}

	expander := &probing.Expander{
		Blacklist:      matcher,
		ResolveAll:     rn.ResolveAllDNSRecords,
		ApplyBlacklist: req.ApplyBlacklist,
		SkipDNS:        skipDNS,
		Log:            logf,
	}
	exp := expander.Expand(ctx, inputs.URLs, inputs.Hosts, inputs.Directories)

	rn.TotalCombinations = exp.Total()
	rn.ProcessedCombinations = 0
	if err := r.runs.Update(ctx, rn); err != nil {
		return fmt.Errorf("commit run totals: %w", err)
	}
	logf(fmt.Sprintf("Expanded %d combinations (%d blacklisted).", exp.Total(), len(exp.Blacklisted)))

	attempt := req.Attempt
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 2 {
		attempt = 2
	}

	executor := &probing.Executor{
		Clients:         probing.DefaultClientFactory(r.httpcfg.Timeout),
		Artifacts:       r.store,
		Attempt:         attempt,
		Concurrency:     rn.Concurrency,
		SnippetCap:      r.runnercfg.SnippetBytes,
		AutoOverride421: rn.AutoOverride421,
		Log:             logf,
	}
	scheduler := &probing.Scheduler{
		Runs:       r.runs,
		Probes:     r.probes,
		Tx:         r.tx,
		Executor:   executor,
		BatchSize:  r.runnercfg.BatchSize,
		BatchPause: r.runnercfg.BatchPause,
		Log:        logf,
	}

	status, err := scheduler.Execute(ctx, rn, exp)
	if err != nil {
		return err
	}
	rn.Status = status
	return nil
}

// executeSequence runs a sequence-group run: ordered baseline/injected pairs
// over single connections.
func (r *Runner) executeSequence(ctx context.Context, rn *run.Run, logf probing.Logf) error {
	defs, err := r.readSequenceInputs(rn.ID)
	if err != nil {
		return err
	}

	rn.TotalCombinations = len(defs)
	rn.ProcessedCombinations = 0
	if err := r.runs.Update(ctx, rn); err != nil {
		return fmt.Errorf("commit run totals: %w", err)
	}
	logf(fmt.Sprintf("Sequence group with %d pairs.", len(defs)))

	prober := &probing.SequenceProber{
		Runs:       r.runs,
		Probes:     r.probes,
		Results:    r.seqs,
		Artifacts:  r.store,
		Timeout:    r.httpcfg.SequenceTimeout,
		SnippetCap: r.runnercfg.SnippetBytes,
		Log:        logf,
	}
	return prober.Execute(ctx, rn, defs)
}

// runLogf mirrors every engine log line into zap and the per-run log table.
// Persistence of a log line is best effort.
func (r *Runner) runLogf(ctx context.Context, runID int64) probing.Logf {
	return func(line string) {
		r.log.Info(line, zap.Int64("run_id", runID))
		if err := r.runlogs.Append(ctx, &runnerlog.Entry{RunID: runID, Level: "info", Message: line}); err != nil {
			r.log.Debug("append run log", zap.Int64("run_id", runID), zap.Error(err))
		}
	}
}
