// Command runctl is the operator entry point for starting and stopping
// probing runs: it creates the run row, stages the input lists under the
// artifact root and publishes the run request.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/vhostlab/hostmatrix/internal/artifacts"
	config "github.com/vhostlab/hostmatrix/internal/config/prober"
	"github.com/vhostlab/hostmatrix/internal/domain/run"
	"github.com/vhostlab/hostmatrix/internal/obs"
	"github.com/vhostlab/hostmatrix/internal/repository/kafka"
	pg "github.com/vhostlab/hostmatrix/internal/repository/postgres"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "./config/prober.yaml", "path to config file")
	name := flag.String("name", "", "run name")
	description := flag.String("description", "", "run description")
	urlsFile := flag.String("urls", "", "file with target URLs, one per line")
	hostsFile := flag.String("hosts", "", "file with Host-header candidates, one per line")
	dirsFile := flag.String("dirs", "", "file with path directories, one per line")
	sequenceFile := flag.String("sequence", "", "file with sequence pair definitions, one JSON object per line")
	concurrency := flag.Int("concurrency", 5, "parallel requests, 1-20")
	resolveAll := flag.Bool("resolve-all", false, "probe every DNS record instead of first per family")
	auto421 := flag.Bool("auto-421", false, "retry 421 responses once with overridden SNI")
	applyBlacklist := flag.Bool("apply-blacklist", true, "enforce the CIDR blacklist")
	subTest := flag.Int("sub-test", 1, "1 = host matrix, 2 = host+directory matrix")
	statusFilters := flag.String("status-filters", "", "comma-separated statuses to drop (sub-test 2 only)")
	attempt := flag.Int("attempt", 1, "run attempt, 1 or 2")
	stopID := flag.Int64("stop", 0, "request a cooperative stop of this run instead of starting one")
	flag.Parse()

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
	runs := pg.NewRunRepo(db)

	if *stopID > 0 {
		stopRun(ctx, runs, *stopID, l)
		return
	}

	if *urlsFile == "" && *sequenceFile == "" {
		log.Fatal("either -urls or -sequence is required")
	}

	runType := run.TypeStandard
	if *sequenceFile != "" {
		runType = run.TypeSequenceGroup
	}

	rn := &run.Run{
		Name:                 *name,
		Description:          *description,
		Concurrency:          *concurrency,
		ResolveAllDNSRecords: *resolveAll,
		SubTestCase:          *subTest,
		AutoOverride421:      *auto421,
		StatusFilters:        parseStatusFilters(*statusFilters),
		RunType:              runType,
	}
	if err := runs.Create(ctx, rn); err != nil {
		l.Fatal("create run", zap.Error(err))
	}

	store := artifacts.NewStore(cfg.Runner.ArtifactsDir)
	if runType == run.TypeStandard {
		stageImport(store, rn.ID, "urls.txt", *urlsFile, true, l)
		stageImport(store, rn.ID, "fqdns.txt", *hostsFile, false, l)
		stageImport(store, rn.ID, "directories.txt", *dirsFile, false, l)
	} else {
		stageImport(store, rn.ID, "sequence.jsonl", *sequenceFile, true, l)
	}

	requests := kafka.NewProducer(cfg.In.Brokers, cfg.In.Topic).WithLogger(l)
	defer func() { _ = requests.Close() }()
	events := kafka.NewRunEventsKafka(requests, nil)

	if err := events.PublishRunRequested(ctx, rn.ID, *attempt, *applyBlacklist); err != nil {
		l.Fatal("publish run request", zap.Int64("run_id", rn.ID), zap.Error(err))
	}
	l.Info("run requested", zap.Int64("run_id", rn.ID), zap.String("type", string(runType)))
}

func stopRun(ctx context.Context, runs run.Repo, id int64, l *zap.Logger) {
	rn, err := runs.GetByID(ctx, id)
	if err != nil {
		l.Fatal("get run", zap.Int64("run_id", id), zap.Error(err))
	}
	if rn.Status.Terminal() {
		l.Info("run already terminal", zap.Int64("run_id", id), zap.String("status", string(rn.Status)))
		return
	}
	rn.Status = run.StatusStopping
	if err := runs.Update(ctx, rn); err != nil {
		l.Fatal("request stop", zap.Int64("run_id", id), zap.Error(err))
	}
	l.Info("stop requested", zap.Int64("run_id", id))
}

func stageImport(store *artifacts.Store, runID int64, name, path string, required bool, l *zap.Logger) {
	if path == "" {
		if required {
			l.Fatal("missing required input", zap.String("name", name))
		}
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		l.Fatal("read input", zap.String("path", path), zap.Error(err))
	}
	if err := store.WriteImport(runID, name, string(data)); err != nil {
		l.Fatal("stage input", zap.String("name", name), zap.Error(err))
	}
}

func parseStatusFilters(raw string) []int {
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out = append(out, code)
	}
	return out
}
