package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fedigraph/fedigraph/internal/adapters"
	"github.com/fedigraph/fedigraph/internal/api"
	"github.com/fedigraph/fedigraph/internal/config"
	"github.com/fedigraph/fedigraph/internal/directory"
	"github.com/fedigraph/fedigraph/internal/fedi"
	"github.com/fedigraph/fedigraph/internal/fetch"
	"github.com/fedigraph/fedigraph/internal/output"
	"github.com/fedigraph/fedigraph/internal/ratelimit"
	"github.com/fedigraph/fedigraph/internal/rawstore"
	"github.com/fedigraph/fedigraph/internal/reducer"
	"github.com/fedigraph/fedigraph/internal/registry"
	"github.com/fedigraph/fedigraph/internal/scheduler"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl <software|all>",
		Short: "Crawl one software family and reduce its graph",
		Long: `Seeds a crawl from the instance directory, visits every discovered
instance of the given software family, and writes the raw and reduced
graph artifacts into a per-run output directory. "all" runs every
supported family sequentially.`,
		Args: cobra.ExactArgs(1),
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var families []fedi.Software
	if args[0] == "all" {
		families = fedi.AllSoftware()
	} else {
		software, err := fedi.ParseSoftware(args[0])
		if err != nil {
			return err
		}
		families = []fedi.Software{software}
	}

	gate := ratelimit.New(ratelimit.Config{
		RPS:   cfg.Crawler.HostRPS,
		Burst: cfg.Crawler.HostBurst,
	})
	exec := fetch.NewExecutor(gate, fetch.Config{
		Timeout:   cfg.RequestTimeout(),
		UserAgent: cfg.HTTP.UserAgent,
	}, logger)
	dir := directory.NewObserver(exec, cfg.Directory.Host, logger)

	tracker := newProgressTracker()
	if cfg.API.Enabled {
		startAPI(cmd.Context(), cfg.API.Addr, tracker, logger)
	}

	for _, software := range families {
		if err := runOne(cmd.Context(), cfg, software, gate, exec, dir, tracker, logger); err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Warn("crawl interrupted", zap.String("software", string(software)))
				return nil
			}
			return fmt.Errorf("crawl %s: %w", software, err)
		}
	}
	return nil
}

func runOne(
	ctx context.Context,
	cfg config.Config,
	software fedi.Software,
	gate *ratelimit.Gate,
	exec *fetch.Executor,
	dir fedi.Directory,
	tracker *progressTracker,
	logger *zap.Logger,
) error {
	runID := uuid.NewString()
	runDir := filepath.Join(cfg.Output.Dir, fmt.Sprintf("%s_%s", software, runID))
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	logger = logger.With(
		zap.String("software", string(software)),
		zap.String("run_id", runID),
	)

	store, err := openStore(ctx, cfg, runDir)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Warn("store close failed", zap.Error(cerr))
		}
	}()

	seeds, err := dir.Hosts(ctx, software)
	if err != nil {
		return fmt.Errorf("resolve seeds: %w", err)
	}
	if len(seeds) == 0 {
		logger.Warn("directory returned no seeds")
		return nil
	}

	reg := registry.New()
	for _, seed := range seeds {
		reg.Register(seed, software)
	}

	adapter, err := adapters.For(software, exec, adapters.Config{
		SampleSize: cfg.Crawler.SampleSize,
	}, logger)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Config{
		Concurrency: cfg.Crawler.Concurrency,
		BatchSize:   cfg.Crawler.BatchSize,
	}, reg, adapter, store, gate, logger)
	tracker.track(sched)

	start := time.Now()
	if err := sched.Run(ctx); err != nil {
		return err
	}

	result, err := reducer.Reduce(ctx, store, logger)
	if err != nil {
		return err
	}
	if err := output.WriteCSV(runDir, result); err != nil {
		return err
	}
	if cfg.Output.Parquet {
		if err := output.WriteParquet(runDir, result); err != nil {
			return err
		}
	}

	counts := reg.Counts()
	logger.Info("crawl run finished",
		zap.Int("seeds", len(seeds)),
		zap.Int("reachable", counts.Reachable),
		zap.Int("unreachable", counts.Unreachable),
		zap.Int("nodes", len(result.Nodes)),
		zap.Int("edges", len(result.Edges)),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("output", runDir),
	)
	return nil
}

func openStore(ctx context.Context, cfg config.Config, runDir string) (fedi.RawStore, error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		return rawstore.OpenSQLite(runDir)
	case config.StorePostgres:
		return rawstore.NewPostgresStore(ctx, rawstore.PostgresConfig{
			DSN: cfg.Store.PostgresDSN,
		})
	default:
		return rawstore.NewCSVStore(runDir)
	}
}

// progressTracker keeps every scheduler started in this process so the
// API can report finished runs alongside the live one.
type progressTracker struct {
	mu     sync.Mutex
	scheds []*scheduler.Scheduler
}

func newProgressTracker() *progressTracker {
	return &progressTracker{}
}

func (p *progressTracker) track(s *scheduler.Scheduler) {
	p.mu.Lock()
	p.scheds = append(p.scheds, s)
	p.mu.Unlock()
}

func (p *progressTracker) progress() []scheduler.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]scheduler.Progress, 0, len(p.scheds))
	for _, s := range p.scheds {
		out = append(out, s.Progress())
	}
	return out
}

func startAPI(ctx context.Context, addr string, tracker *progressTracker, logger *zap.Logger) {
	server := api.NewServer(logger)
	server.SetProgress(tracker.progress)

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("api listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
