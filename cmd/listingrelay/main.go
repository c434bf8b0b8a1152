// ListingRelay keeps a vehicle catalogue in step with the change feeds of
// several used-car marketplaces and publishes their merged filter taxonomy.
//
// Usage:
//
//	listingrelay daemon [--config <path>]                 # poll every source, serve the admin API
//	listingrelay sync-once [--config ...] [--source ...]  # one tick per source then exit
//	listingrelay filters [--config ...]                   # refresh and publish the merged taxonomy
//	listingrelay status [--config ...]                    # show cursors and recent runs
//	listingrelay reset-cursor --source <s> --change-id <n> | --clear [--force]
//	listingrelay version                                  # print version
//
// reset-cursor writes the state DB directly and refuses while the daemon
// appears to be running; with the daemon up, use the admin API instead.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/listingrelay/internal/admin"
	"github.com/njoerd114/listingrelay/internal/catalog"
	"github.com/njoerd114/listingrelay/internal/config"
	"github.com/njoerd114/listingrelay/internal/filters"
	"github.com/njoerd114/listingrelay/internal/model"
	"github.com/njoerd114/listingrelay/internal/normalize"
	"github.com/njoerd114/listingrelay/internal/publish"
	"github.com/njoerd114/listingrelay/internal/source"
	"github.com/njoerd114/listingrelay/internal/source/autoapi"
	"github.com/njoerd114/listingrelay/internal/source/che168"
	"github.com/njoerd114/listingrelay/internal/source/dongchedi"
	"github.com/njoerd114/listingrelay/internal/source/encar"
	"github.com/njoerd114/listingrelay/internal/state"
	syncp "github.com/njoerd114/listingrelay/internal/sync"
	"github.com/njoerd114/listingrelay/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the requested subcommand.
func run() error {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "daemon":
		return runDaemon(args)
	case "sync-once":
		return runSyncOnce(args)
	case "filters":
		return runFilters(args)
	case "status":
		return runStatus(args)
	case "reset-cursor":
		return runResetCursor(args)
	case "version":
		fmt.Println("listingrelay", version)
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	}
	return fmt.Errorf("unknown command %q, run 'listingrelay help' for usage", cmd)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "ListingRelay: incremental marketplace listing sync")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  listingrelay daemon [--config ...]               Poll every source and serve the admin API")
	fmt.Fprintln(os.Stderr, "  listingrelay sync-once [--config ..] [--source]  One tick per source then exit")
	fmt.Fprintln(os.Stderr, "  listingrelay filters [--config ...]              Refresh and publish the merged taxonomy")
	fmt.Fprintln(os.Stderr, "  listingrelay status [--config ...]               Show cursors and recent runs")
	fmt.Fprintln(os.Stderr, "  listingrelay reset-cursor --source S --change-id N | --clear [--force]")
	fmt.Fprintln(os.Stderr, "  listingrelay version                             Print version")
}

// commonFlags registers --config and --verbose on fs.
func commonFlags(fs *flag.FlagSet) (cfgPath *string, verbose *bool) {
	defaultCfg, _ := config.DefaultPath()
	cfgPath = fs.String("config", defaultCfg, "path to config.yaml")
	verbose = fs.Bool("verbose", false, "enable debug logging")
	return cfgPath, verbose
}

// --- Subcommands -------------------------------------------------------------

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app, err := start(ctx, *cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer app.close()

	logger := app.log
	logger.Info("daemon starting",
		"sources", app.registry.Sources(),
		"poll_interval", app.cfg.PollInterval,
		"filters_interval", app.cfg.FiltersInterval,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := app.engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sync engine: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := app.filters.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("filters aggregator: %w", err)
		}
		return nil
	})
	if app.cfg.Admin != nil {
		srv := admin.New(app.engine, app.registry, app.filters, app.serviceName, logger)
		g.Go(func() error { return srv.ListenAndServe(gctx, app.cfg.Admin.Listen) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func runSyncOnce(args []string) error {
	fs := flag.NewFlagSet("sync-once", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	only := fs.String("source", "", "tick only this source")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var sources []model.Source
	if *only != "" {
		src, err := model.ParseSource(*only)
		if err != nil {
			return err
		}
		sources = append(sources, src)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app, err := start(ctx, *cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer app.close()

	app.log.Info("running single sync pass")
	results, err := app.engine.RunOnce(ctx, sources...)
	for src, stats := range results {
		app.log.Info("sync complete",
			"source", src,
			"seeded", stats.Seeded,
			"cursor_from", stats.CursorFrom,
			"cursor_to", stats.CursorTo,
			"applied", stats.Applied,
			"unchanged", stats.Unchanged,
			"tombstoned", stats.Tombstoned,
			"skipped", stats.Skipped,
			"hydrated", stats.Hydrated,
			"gaps", stats.Gaps,
			"truncated", stats.Truncated,
		)
	}
	return err
}

func runFilters(args []string) error {
	fs := flag.NewFlagSet("filters", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app, err := start(ctx, *cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer app.close()

	snap, err := app.filters.Refresh(ctx)
	if snap == nil {
		return err
	}
	if len(snap.Stale) > 0 {
		app.log.Warn("published with last-known-good taxonomies", "stale", joinSources(snap.Stale))
	}
	doc, encErr := publish.Encode(*snap)
	if encErr != nil {
		return encErr
	}
	fmt.Println(string(doc))
	return err
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath, _ := commonFlags(fs)
	runs := fs.Int("runs", 5, "recent runs to show per source")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("ListingRelay Status")
	fmt.Println("───────────────────")

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Printf("  Config:    %s (%v)\n", *cfgPath, err)
		return nil
	}
	fmt.Printf("  Config:    %s ✓\n", *cfgPath)
	fmt.Printf("  Sources:   %s\n", joinSources(cfg.EnabledSources()))
	fmt.Printf("  Poll:      %s (degraded %s)\n", cfg.PollInterval, cfg.DegradedInterval)
	fmt.Printf("  Backfill:  %s\n", cfg.BackfillDate)

	info, err := os.Stat(cfg.StateDB)
	if err != nil {
		fmt.Printf("  State DB:  not found (%s)\n", cfg.StateDB)
		return nil
	}
	fmt.Printf("  State DB:  %s (%s)\n", cfg.StateDB, humanSize(info.Size()))

	store, err := state.Open(cfg.StateDB)
	if err != nil {
		return fmt.Errorf("opening state DB at %q: %w", cfg.StateDB, err)
	}
	defer store.Close()

	ctx := context.Background()
	cursors, err := store.ListCursors(ctx)
	if err != nil {
		return err
	}
	byName := make(map[model.Source]model.ChangeCursor, len(cursors))
	for _, c := range cursors {
		byName[c.Source] = c
	}

	fmt.Println("")
	for _, src := range cfg.EnabledSources() {
		if c, ok := byName[src]; ok {
			fmt.Printf("  %-10s cursor %d (synced %s)\n", src, c.LastChangeID, c.LastSyncedAt.Format(time.RFC3339))
		} else {
			fmt.Printf("  %-10s not seeded\n", src)
		}
		recent, err := store.RecentRuns(ctx, src, *runs)
		if err != nil {
			return err
		}
		for _, r := range recent {
			line := fmt.Sprintf("    %s  %-9s %d→%d applied=%d tombstoned=%d skipped=%d",
				r.StartedAt.Format(time.RFC3339), r.Status, r.CursorFrom, r.CursorTo, r.Applied, r.Tombstoned, r.Skipped)
			if r.Error != "" {
				line += "  error: " + r.Error
			}
			fmt.Println(line)
		}
	}

	if snap, err := store.LatestSnapshot(ctx); err == nil && snap != nil {
		fmt.Println("")
		fmt.Printf("  Filters:   %d make(s) from %s at %s\n", len(snap.Taxonomy.Marks), joinSources(snap.Sources), snap.GeneratedAt.Format(time.RFC3339))
	}
	return nil
}

func runResetCursor(args []string) error {
	fs := flag.NewFlagSet("reset-cursor", flag.ExitOnError)
	cfgPath, _ := commonFlags(fs)
	name := fs.String("source", "", "source whose cursor to reset")
	changeID := fs.Int64("change-id", -1, "change id to set the cursor to")
	clearCursor := fs.Bool("clear", false, "delete the cursor so the next tick seeds it from backfill_date")
	force := fs.Bool("force", false, "reset even though the daemon appears to be running")
	if err := fs.Parse(args); err != nil {
		return err
	}

	src, err := model.ParseSource(*name)
	if err != nil {
		return err
	}
	if *clearCursor == (*changeID >= 0) {
		return fmt.Errorf("exactly one of --change-id or --clear is required")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}
	store, err := state.Open(cfg.StateDB)
	if err != nil {
		return fmt.Errorf("opening state DB at %q: %w", cfg.StateDB, err)
	}
	defer store.Close()

	ctx := context.Background()
	recent, err := store.RecentRuns(ctx, src, 1)
	if err != nil {
		return err
	}
	if !*force && daemonActive(recent, time.Now(), cfg.PollInterval) {
		return fmt.Errorf("%s last synced at %s, so the daemon looks active and would overwrite the reset: "+
			"stop it first, use PUT /api/sources/%s/cursor on the admin API, or pass --force",
			src, recent[0].FinishedAt.Format(time.RFC3339), src)
	}

	if *clearCursor {
		if err := store.ClearCursor(ctx, src); err != nil {
			return err
		}
		fmt.Printf("✓ Cursor for %s cleared; next tick seeds from %s\n", src, cfg.BackfillDate)
		return nil
	}
	if err := store.ResetCursor(ctx, src, *changeID, time.Now()); err != nil {
		return err
	}
	fmt.Printf("✓ Cursor for %s set to %d\n", src, *changeID)
	return nil
}

// --- Wiring ------------------------------------------------------------------

// app is the wired service graph shared by the long-running subcommands.
type app struct {
	cfg         *config.Config
	log         *slog.Logger
	serviceName string
	store       *state.Store
	registry    *source.Registry
	engine      *syncp.Engine
	filters     *filters.Aggregator
	closers     []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// start loads the config and builds every component. On error everything
// opened so far is closed again.
func start(ctx context.Context, cfgPath string, verbose bool) (_ *app, err error) {
	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := telemetry.NewLogger(os.Stderr, logLevel, "", false)
	slog.SetDefault(logger)

	a := &app{log: logger, serviceName: telemetry.DefaultServiceName}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	a.cfg = cfg
	logger.Info("config loaded",
		"sources", cfg.EnabledSources(),
		"backfill_date", cfg.BackfillDate,
		"poll_interval", cfg.PollInterval,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		}
		a.serviceName = telCfg.Name()
		shutdownTel, err := telemetry.Setup(ctx, telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger = telemetry.NewLogger(os.Stderr, logLevel, a.serviceName, true)
			slog.SetDefault(logger)
			a.log = logger
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	// --- State DB ------------------------------------------------------------

	store, err := state.Open(cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("opening state DB at %q: %w", cfg.StateDB, err)
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing state DB", "error", closeErr)
		}
	})
	logger.Info("state DB opened", "path", cfg.StateDB)

	// --- Vehicle catalogue ---------------------------------------------------

	cat, err := catalog.Open(ctx, catalog.Options{
		DSN:      cfg.Catalog.DSN,
		Schema:   cfg.Catalog.Schema,
		MaxConns: int(cfg.Catalog.MaxConns),
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, cat.Close)
	logger.Info("catalog reachable")

	// --- Adapters ------------------------------------------------------------

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.registry = registry

	extraHosts := make(map[model.Source][]string)
	for _, src := range cfg.EnabledSources() {
		if hosts := cfg.Sources[string(src)].ImageHosts; len(hosts) > 0 {
			extraHosts[src] = hosts
		}
	}
	norm := normalize.New(normalize.Options{ExtraImageHosts: extraHosts})

	// --- Sync engine ---------------------------------------------------------

	reconciler := syncp.NewReconciler(registry, norm, cat, store, syncp.Options{
		BackfillDate: cfg.BackfillDate,
		Backoff: syncp.Backoff{
			Attempts: cfg.Retry.Attempts,
			Base:     cfg.Retry.BaseDelay,
			Max:      cfg.Retry.MaxDelay,
		},
		WriteTimeout:  cfg.WriteTimeout,
		ShutdownGrace: cfg.ShutdownGrace,
	}, logger)
	a.engine = syncp.NewEngine(reconciler, store, syncp.EngineOptions{
		PollInterval:     cfg.PollInterval,
		DegradedInterval: cfg.DegradedInterval,
	}, logger)

	// --- Filters -------------------------------------------------------------

	publishers := []filters.Publisher{store}
	if rc := cfg.Publish.Redis; rc != nil {
		r, err := publish.NewRedis(ctx, publish.RedisOptions{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			Key:      rc.Key,
			Channel:  rc.Channel,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if closeErr := r.Close(); closeErr != nil {
				logger.Error("closing redis", "error", closeErr)
			}
		})
		publishers = append(publishers, r)
		logger.Info("redis publisher ready", "addr", rc.Addr, "key", rc.Key)
	}
	a.filters = filters.New(registry, store, filters.Options{
		Interval:     cfg.FiltersInterval,
		FetchTimeout: cfg.HTTPTimeout,
	}, logger, publishers...)

	return a, nil
}

// buildRegistry creates one adapter per enabled source.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*source.Registry, error) {
	var adapters []source.Adapter
	for _, src := range cfg.EnabledSources() {
		sc := cfg.Sources[string(src)]
		opts := autoapi.Options{
			BaseURL:   sc.BaseURL,
			APIKey:    sc.APIKey,
			Timeout:   cfg.HTTPTimeout,
			RateLimit: sc.RateLimit,
			Burst:     sc.Burst,
		}
		srcLog := logger.With("source", src)

		var (
			a   source.Adapter
			err error
		)
		switch src {
		case model.SourceEncar:
			a, err = encar.New(encar.Options{Options: opts, MaxPages: sc.MaxPages}, srcLog)
		case model.SourceChe168:
			a, err = che168.New(che168.Options{Options: opts, MaxPages: sc.MaxPages}, srcLog)
		case model.SourceDongchedi:
			a, err = dongchedi.New(dongchedi.Options{Options: opts, MaxPages: sc.MaxPages}, srcLog)
		default:
			err = fmt.Errorf("no adapter for source %q", src)
		}
		if err != nil {
			return nil, fmt.Errorf("initialising %s adapter: %w", src, err)
		}
		adapters = append(adapters, a)
	}
	return source.NewRegistry(adapters...)
}

// daemonActive reports whether the latest run finished recently enough that
// a daemon is probably still polling the source. A reset written behind a
// running daemon's back is overwritten by its next cursor advance.
func daemonActive(recent []state.Run, now time.Time, poll time.Duration) bool {
	if len(recent) == 0 {
		return false
	}
	return now.Sub(recent[0].FinishedAt) < 2*poll
}

func joinSources(srcs []model.Source) string {
	if len(srcs) == 0 {
		return "none"
	}
	names := make([]string, len(srcs))
	for i, s := range srcs {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
