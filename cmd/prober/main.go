package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vhostlab/hostmatrix/internal/analysis"
	"github.com/vhostlab/hostmatrix/internal/artifacts"
	"github.com/vhostlab/hostmatrix/internal/blacklist"
	config "github.com/vhostlab/hostmatrix/internal/config/prober"
	"github.com/vhostlab/hostmatrix/internal/obs"
	"github.com/vhostlab/hostmatrix/internal/repository/kafka"
	pg "github.com/vhostlab/hostmatrix/internal/repository/postgres"
	prober "github.com/vhostlab/hostmatrix/internal/services/prober"

	"go.uber.org/zap"
)

func wire(cfg *config.Config, db *pg.DB, cons *kafka.Consumer, events *kafka.RunEventsKafka, bl *blacklist.List, l *zap.Logger) *prober.Runner {
	runs := pg.NewRunRepo(db)
	probes := pg.NewProbeRepo(db)
	seqs := pg.NewSequenceRepo(db)
	runlogs := pg.NewRunnerLogRepo(db)
	aggregates := pg.NewAggregateRepo(db)
	transactor := pg.NewTransactor(db, l)

	store := artifacts.NewStore(cfg.Runner.ArtifactsDir)
	aggregator := analysis.NewAggregator(probes, aggregates)

	return prober.NewRunner(
		l, cons, events,
		runs, probes, seqs, runlogs,
		transactor, aggregator, store, bl,
		cfg.HTTP, cfg.Runner,
	)
}

func main() {
	configPath := flag.String("config", "./config/prober.yaml", "path to config file")
	flag.Parse()

	root, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	l, err := obs.NewLogger(cfg.Log.AsLoggerConfig())
	if err != nil {
		log.Fatal(err)
	}

	otelCloser, err := obs.SetupOTel(root, cfg.OTEL.AsOTELConfig())
	if err != nil {
		l.Fatal("otel init", zap.Error(err))
	}
	defer func() { _ = otelCloser.Shutdown(context.Background()) }()

	db, err := pg.New(root, cfg.DB)
	if err != nil {
		l.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	bl, err := blacklist.Load(cfg.Runner.BlacklistFile)
	if err != nil {
		l.Fatal("load blacklist", zap.Error(err))
	}

	ms := obs.BootstrapMetricsServer(cfg.Server.MetricsAddr, func(ctx context.Context) error {
		hctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		return db.Pool.Ping(hctx)
	}, l)

	cons := kafka.BootstrapConsumer(root, cfg.In.AsConsumerConfig(), l).WithLogger(l)
	defer func() { _ = cons.Close() }()

	finished := kafka.NewProducer(cfg.Out.Brokers, cfg.Out.Topic).WithLogger(l)
	defer func() { _ = finished.Close() }()

	events := kafka.NewRunEventsKafka(nil, finished)

	runner := wire(cfg, db, cons, events, bl, l)

	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(root) }()

	select {
	case <-root.Done():
	case err = <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			l.Error("runner error", zap.Error(err))
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = ms.Shutdown(shCtx)
	l.Info("bye")
}
