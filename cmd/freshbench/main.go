package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/torosent/freshbench/internal/catalog"
	"github.com/torosent/freshbench/internal/config"
	"github.com/torosent/freshbench/internal/dashboard"
	"github.com/torosent/freshbench/internal/engine"
	"github.com/torosent/freshbench/internal/logging"
	"github.com/torosent/freshbench/internal/output"
	"github.com/torosent/freshbench/internal/server"
	"github.com/torosent/freshbench/internal/threshold"
	"github.com/torosent/freshbench/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}

// run drives the whole benchmark lifecycle. The returned code follows the
// usual convention: 0 clean, 1 runtime failure, 2 configuration error.
func run(args []string) (int, error) {
	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return 0, nil
		}
		return 2, err
	}

	if cfg.PrintConfig {
		dump, err := cfg.Dump()
		if err != nil {
			return 2, err
		}
		fmt.Print(dump)
		return 0, nil
	}

	if err := cfg.Validate(); err != nil {
		return 2, err
	}

	// One benchmark per target: two instances hammering the same databases
	// would corrupt each other's freshness numbers.
	if cfg.LockFile != "" {
		lock := flock.New(cfg.LockFile)
		held, err := lock.TryLock()
		if err != nil {
			return 1, fmt.Errorf("acquire lock %s: %w", cfg.LockFile, err)
		}
		if !held {
			return 1, fmt.Errorf("another instance holds %s", cfg.LockFile)
		}
		defer func() { _ = lock.Unlock() }()
	}

	runID := ulid.Make().String()
	logging.Init(cfg.LogLevel, cfg.LogFormat, runID)
	log := logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return 1, fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(flushCtx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	products, err := catalog.Load(cfg.Catalog.Path, cfg.Catalog.Type, cfg.ProductID)
	if err != nil {
		return 2, fmt.Errorf("load catalog: %w", err)
	}

	checks, err := threshold.ParseMultiple(cfg.Thresholds)
	if err != nil {
		return 2, err
	}

	eng := engine.New(engine.Options{
		Config:   cfg,
		Products: products,
		RunID:    runID,
		Checks:   checks,
		Tracer:   tp.Tracer(),
	}, logging.Component("engine"))

	if err := eng.Start(ctx); err != nil {
		return 1, fmt.Errorf("start engine: %w", err)
	}

	srv := server.New(eng, cfg.ListenAddr, logging.Component("api"))
	if err := srv.Start(); err != nil {
		eng.Stop()
		return 1, err
	}

	log.Info().
		Int("product_id", eng.Product()).
		Int("products", products.Len()).
		Str("listen", srv.Addr()).
		Bool("streaming", eng.StreamingAvailable()).
		Msg("freshbench started")

	var dash *dashboard.Dashboard
	if cfg.Dashboard {
		dash, err = dashboard.New(eng, cfg.LagCeiling, stop)
		if err != nil {
			stopServer(srv, log)
			eng.Stop()
			return 1, err
		}
		dash.Start()
	}

	var progress *output.ProgressReporter
	if !cfg.JSONOutput && !cfg.Dashboard {
		progress = output.NewProgressReporter(eng, cfg.ProgressInterval, logging.Component("progress"))
		progress.Start()
	}

	<-ctx.Done()
	stop()
	log.Info().Msg("shutting down")

	if dash != nil {
		dash.Stop()
	}
	if progress != nil {
		progress.Stop()
	}
	stopServer(srv, log)

	// Snapshot the run before the engine tears the pools down.
	rep := output.Report{
		RunID:    eng.RunID(),
		Product:  eng.Product(),
		Elapsed:  eng.Elapsed(),
		Backends: eng.LifetimeStats(),
		Pool:     eng.PoolCounters(),
		Checks:   eng.Evaluate(),
	}
	eng.Stop()

	if cfg.JSONOutput {
		if err := output.PrintJSONReport(os.Stdout, rep); err != nil {
			return 1, err
		}
	} else {
		output.PrintReport(os.Stdout, rep)
	}

	if cfg.HTMLOutput != "" {
		if err := writeHTMLReport(cfg.HTMLOutput, rep); err != nil {
			return 1, err
		}
		log.Info().Str("path", cfg.HTMLOutput).Msg("html report written")
	}

	if failed := failedChecks(rep.Checks); failed > 0 {
		return 1, fmt.Errorf("%d threshold checks failed", failed)
	}
	return 0, nil
}

func stopServer(srv *server.Server, log zerolog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api shutdown")
	}
}

func writeHTMLReport(path string, rep output.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create html report: %w", err)
	}
	if err := output.GenerateHTMLReport(f, rep); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func failedChecks(results []threshold.Result) int {
	failed := 0
	for _, r := range results {
		if !r.Pass {
			failed++
		}
	}
	return failed
}
