package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"floodmesh.ai/internal/persistence/indexdb"
	persistlog "floodmesh.ai/internal/persistence/log"
	"floodmesh.ai/internal/persistence/natssink"
	"floodmesh.ai/internal/sim/catalogs"
	"floodmesh.ai/internal/sim/metrics"
	"floodmesh.ai/internal/sim/scenario"
	"floodmesh.ai/internal/sim/scheduler"
	"floodmesh.ai/internal/sim/tuning"
	"floodmesh.ai/internal/transport/observer"
)

func main() {
	var (
		configDir    = flag.String("configs", "./configs", "config directory")
		scenarioArg  = flag.String("scenario", "baseline", "scenario name (configs/scenarios/<name>.yaml) or path")
		tuningPath   = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		outDir       = flag.String("out", "./runs", "run output directory; each run writes to <out>/<run_id>")
		runID        = flag.String("run_id", "", "run id (default: random uuid)")
		seed         = flag.Int64("seed", 0, "override the scenario seed (0 keeps it)")
		ticks        = flag.Uint64("ticks", 0, "override the scenario tick count (0 keeps it)")
		evaluator    = flag.String("evaluator", "", "override the scenario evaluator: rules|llm")
		dbPath       = flag.String("db", "", "sqlite results index (default: <out>/index.sqlite)")
		disableDB    = flag.Bool("disable_db", false, "disable the sqlite results index")
		metricsAddr  = flag.String("metrics_addr", "", "serve Prometheus metrics on this address (empty to disable)")
		observerAddr = flag.String("observer_addr", "", "serve the loopback observer websocket on this address (empty to disable)")
		natsURL      = flag.String("nats_url", "", "publish tick summaries to this NATS server (empty to disable)")
		natsPrefix   = flag.String("nats_prefix", "floodmesh.runs", "NATS subject prefix")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[floodsim] ", log.LstdFlags|log.Lmicroseconds)

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}
	scn, err := scenario.Load(resolveScenarioPath(*configDir, *scenarioArg))
	if err != nil {
		logger.Fatalf("load scenario: %v", err)
	}
	if *seed != 0 {
		scn.Seed = *seed
	}
	if *ticks != 0 {
		scn.Ticks = *ticks
	}
	if ev := strings.TrimSpace(*evaluator); ev != "" {
		scn.Evaluator = strings.ToLower(ev)
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	oracle, err := buildOracle(scn.Evaluator, tune, apiKeyFromEnv())
	if err != nil {
		logger.Fatalf("oracle: %v", err)
	}

	id := strings.TrimSpace(*runID)
	if id == "" {
		id = uuid.NewString()
	}
	runDir := filepath.Join(*outDir, id)

	runLog, err := persistlog.NewRunLogger(runDir)
	if err != nil {
		logger.Fatalf("run log: %v", err)
	}
	if err := runLog.WriteConfig(&scn, tune); err != nil {
		logger.Fatalf("run log: %v", err)
	}
	sinks := []scheduler.Sink{runLog}

	// Optional: results index (does not affect sim determinism).
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		p := strings.TrimSpace(*dbPath)
		if p == "" {
			p = filepath.Join(*outDir, "index.sqlite")
		}
		idx, err = indexdb.OpenSQLite(p)
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		if err := idx.BeginRun(indexdb.RunInfo{RunID: id, Scenario: &scn, Catalogs: cats, Tuning: tune, StartedAt: time.Now()}); err != nil {
			logger.Fatalf("index run: %v", err)
		}
		sinks = append(sinks, idx.Sink(id, tune.IndexSnapshotEveryTicks))
	}

	var servers []*http.Server
	if *metricsAddr != "" {
		exp := metrics.NewExporter()
		sinks = append(sinks, promSink{exp})
		mux := http.NewServeMux()
		mux.Handle("/metrics", exp.Handler())
		servers = append(servers, serve(*metricsAddr, mux, logger))
	}
	if *observerAddr != "" {
		obs := observer.NewServer(id, logger)
		sinks = append(sinks, obs)
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/observe", obs.WSHandler())
		mux.HandleFunc("/v1/status", obs.StatusHandler())
		servers = append(servers, serve(*observerAddr, mux, logger))
	}
	if *natsURL != "" {
		nc, err := natssink.Connect(natssink.Config{URL: *natsURL})
		if err != nil {
			logger.Fatalf("nats: %v", err)
		}
		defer nc.Close()
		sinks = append(sinks, natssink.New(nc, *natsPrefix, id))
	}

	sim, err := scheduler.New(&scn, cats, tune, oracle, scheduler.Options{Logger: logger, Sinks: sinks})
	if err != nil {
		logger.Fatalf("init: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Printf("run_id=%s dir=%s evaluator=%s", id, runDir, scn.Evaluator)
	sum, runErr := sim.Run(ctx)

	if err := runLog.Close(); err != nil {
		logger.Printf("close run log: %v", err)
	}
	if idx != nil {
		if err := idx.Close(); err != nil {
			logger.Printf("close index: %v", err)
		}
	}
	for _, srv := range servers {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(sum)

	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled):
		logger.Printf("interrupted after %d ticks", sum.TicksCompleted)
	default:
		logger.Printf("run aborted: %v", runErr)
		os.Exit(1)
	}
}

// resolveScenarioPath accepts a bare scenario name or a path to a YAML file.
func resolveScenarioPath(configDir, arg string) string {
	arg = strings.TrimSpace(arg)
	if strings.ContainsRune(arg, os.PathSeparator) || strings.HasSuffix(arg, ".yaml") || strings.HasSuffix(arg, ".yml") {
		return arg
	}
	return filepath.Join(configDir, "scenarios", arg+".yaml")
}

func serve(addr string, h http.Handler, logger *log.Logger) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http %s: %v", addr, err)
		}
	}()
	return srv
}
