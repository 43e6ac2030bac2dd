// Recomputes the cached aggregate for one run on demand.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/vhostlab/hostmatrix/internal/analysis"
	config "github.com/vhostlab/hostmatrix/internal/config/prober"
	"github.com/vhostlab/hostmatrix/internal/obs"
	pg "github.com/vhostlab/hostmatrix/internal/repository/postgres"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "./config/prober.yaml", "path to config file")
	runID := flag.Int64("run-id", 0, "run to aggregate")
	flag.Parse()

	if *runID <= 0 {
		log.Fatal("run-id is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	l, err := obs.NewLogger(cfg.Log.AsLoggerConfig())
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	db, err := pg.New(ctx, cfg.DB)
	if err != nil {
		l.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	aggregator := analysis.NewAggregator(pg.NewProbeRepo(db), pg.NewAggregateRepo(db))
	agg, err := aggregator.Recompute(ctx, *runID)
	if err != nil {
		l.Fatal("recompute", zap.Int64("run_id", *runID), zap.Error(err))
	}
	l.Info("aggregate recomputed",
		zap.Int64("run_id", *runID),
		zap.Int64("aggregate_id", agg.ID),
		zap.Int("matrix_bytes", len(agg.MatrixJSON)),
	)
}
