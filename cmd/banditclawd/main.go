package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/clawinfra/banditclaw/internal/api"
	"github.com/clawinfra/banditclaw/internal/config"
	"github.com/clawinfra/banditclaw/internal/engine"
	"github.com/clawinfra/banditclaw/internal/policy"
	"github.com/clawinfra/banditclaw/internal/proposer"
	"github.com/clawinfra/banditclaw/internal/qtable"
	"github.com/clawinfra/banditclaw/internal/rollback"
	"github.com/clawinfra/banditclaw/internal/scheduler"
	"github.com/clawinfra/banditclaw/internal/security"
	"github.com/clawinfra/banditclaw/internal/store"
	"github.com/clawinfra/banditclaw/internal/transfer"
	"github.com/clawinfra/banditclaw/internal/variant"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// replayLimit caps how much history per scope is replayed into the
// value table on startup.
const replayLimit = 500

// App holds all the runtime components
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
	DB         *store.Store
	Table      *qtable.Table
	Registry   *variant.Registry
	Engine     *engine.Engine
	Rollbacks  *rollback.Manager
	Analyzer   *proposer.Analyzer
	Batch      *engine.Batch
	Scheduler  *scheduler.Scheduler
	APIServer  *api.Server
	Watcher    *config.Watcher
	apiContext context.Context
	apiCancel  context.CancelFunc
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("banditclawd", flag.ExitOnError)
	configPath := fs.String("config", "banditclaw.json", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("banditclawd v%s (built %s)\n", version, buildTime)
		fmt.Println("Adaptive variant selection for agent fleets")
		return 0
	}

	app, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	if err := startServices(app); err != nil {
		app.Logger.Error("failed to start services", "error", err)
		return 1
	}

	printBanner(app)

	if err := waitForShutdown(app); err != nil {
		app.Logger.Error("shutdown error", "error", err)
		return 1
	}

	return 0
}

// setup initializes all application components
func setup(configPath string) (*App, error) {
	app := &App{ConfigPath: configPath}

	// Setup logger (initially at Info level)
	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	app.Logger.Info("starting banditclawd",
		"version", version,
		"config", configPath,
	)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	// Recreate logger with config's log level
	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Server.SlogLevel(),
	}))

	db, err := store.Open(filepath.Join(cfg.Server.DataDir, "banditclaw.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	app.DB = db

	app.Table = qtable.New(cfg.Learning.AlphaFloor)
	app.Registry = variant.NewRegistry(app.Logger)

	if err := loadVariants(app); err != nil {
		return nil, fmt.Errorf("load variants: %w", err)
	}
	if err := replayHistory(app); err != nil {
		return nil, fmt.Errorf("replay history: %w", err)
	}
	if cfg.Transfer.Enabled {
		if err := warmStart(app); err != nil {
			app.Logger.Warn("transfer warm-start failed", "error", err)
		}
	}

	pol, err := policy.New(cfg.Policy, app.Table, rand.New(rand.NewSource(time.Now().UnixNano())))
	if err != nil {
		return nil, fmt.Errorf("build policy: %w", err)
	}

	app.Engine = engine.New(app.Table, app.Registry, pol,
		cfg.Reward, cfg.Safety, db, app.Logger)
	app.Rollbacks = rollback.NewManager(cfg.Rollback.Runtime(), db, app.Table, app.Registry, app.Logger)
	app.Analyzer = proposer.NewAnalyzer(cfg.Proposer, db, app.Table, app.Registry, nil, app.Logger)
	app.Batch = engine.NewBatch(app.Engine, app.Rollbacks, app.Analyzer, db, app.Logger)

	if cfg.Scheduler.Enabled {
		app.Scheduler = scheduler.NewScheduler(app.Batch, app.Logger)
		if err := app.Scheduler.LoadJobs(cfg.Scheduler.Jobs); err != nil {
			return nil, fmt.Errorf("load jobs: %w", err)
		}
	}

	app.APIServer = api.NewServer(
		cfg.Server.Port,
		app.Engine,
		db,
		app.Scheduler,
		security.GetJWTSecret(),
		app.Logger,
	)

	app.Watcher = config.NewWatcher(configPath, 30*time.Second, app.Logger, func() {
		result, err := app.Config.Reload(configPath)
		if err != nil {
			app.Logger.Error("config reload failed", "error", err)
			return
		}
		result.LogResult(app.Logger)
	})

	return app, nil
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// loadVariants restores the registry from persisted variant documents,
// then merges any YAML definitions shipped alongside the config.
func loadVariants(app *App) error {
	ctx := context.Background()

	docs, err := app.DB.VariantDocs(ctx, "")
	if err != nil {
		return err
	}
	for _, doc := range docs {
		var v variant.Variant
		if err := json.Unmarshal(doc, &v); err != nil {
			app.Logger.Warn("skipping malformed variant document", "error", err)
			continue
		}
		if err := app.Registry.Add(&v); err != nil {
			app.Logger.Warn("skipping persisted variant", "variant", v.ID, "error", err)
		}
	}

	if dir := app.Config.Server.VariantsDir; dir != "" {
		loader := variant.NewLoader(dir, app.Logger)
		loaded, err := loader.LoadAll()
		if err != nil {
			return err
		}
		added := 0
		for _, v := range loaded {
			if err := app.Registry.Add(v); err != nil {
				app.Logger.Debug("variant already registered", "variant", v.ID)
				continue
			}
			added++
		}
		if added > 0 {
			app.Logger.Info("variant definitions loaded", "dir", dir, "added", added)
		}
	}

	app.Logger.Info("registry restored", "variants", len(app.Registry.All()))
	return nil
}

// replayHistory rebuilds the value table from recorded invocations so
// learned estimates survive a restart.
func replayHistory(app *App) error {
	ctx := context.Background()

	scopes, err := app.DB.Scopes(ctx)
	if err != nil {
		return err
	}
	replayed := 0
	for _, sc := range scopes {
		recs, err := app.DB.RecentInvocations(ctx, sc[0], sc[1], replayLimit)
		if err != nil {
			return err
		}
		// RecentInvocations is newest-first; updates must apply in
		// arrival order.
		for i := len(recs) - 1; i >= 0; i-- {
			agent, taskType, variantID := recs[i].Key()
			app.Table.Update(qtable.Key{Agent: agent, TaskType: taskType, VariantID: variantID}, recs[i].Reward)
			replayed++
		}
	}
	if replayed > 0 {
		app.Logger.Info("value table replayed", "scopes", len(scopes), "records", replayed)
	}
	return nil
}

// warmStart seeds value estimates for registered scopes that have no
// history yet, borrowing from the most similar task type.
func warmStart(app *App) error {
	cfg := app.Config.Transfer

	matrix := transfer.NewMatrix()
	if cfg.MatrixPath != "" {
		m, err := transfer.LoadMatrix(cfg.MatrixPath)
		if err != nil {
			return err
		}
		matrix = m
	}

	eng := transfer.NewEngine(app.Table, matrix, cfg.Ratio, cfg.MinNativeVisits, app.Logger)

	seen := map[variant.Scope]bool{}
	seeded := 0
	for _, v := range app.Registry.All() {
		scope := variant.Scope{Agent: v.Agent, TaskType: v.TaskType}
		if seen[scope] {
			continue
		}
		seen[scope] = true
		if len(app.Table.Entries(scope.Agent, scope.TaskType)) > 0 {
			continue
		}
		seeded += eng.WarmStartFromBest(scope.Agent, scope.TaskType)
	}
	if seeded > 0 {
		app.Logger.Info("transfer warm-start complete", "arms", seeded)
	}
	return nil
}

// startServices starts all services
func startServices(app *App) error {
	app.apiContext, app.apiCancel = context.WithCancel(context.Background())

	if app.Scheduler != nil {
		if err := app.Scheduler.Start(app.apiContext); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	app.Watcher.Start()

	go func() {
		if err := app.APIServer.Start(app.apiContext); err != nil {
			app.Logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// printBanner displays the startup banner
func printBanner(app *App) {
	summary := app.Engine.Summarize(false)
	fmt.Println()
	fmt.Printf("  banditclawd v%s\n", version)
	fmt.Printf("  API:      http://localhost:%d\n", app.Config.Server.Port)
	fmt.Printf("  Policy:   %s\n", summary.Policy)
	fmt.Printf("  Variants: %d registered\n", summary.Variants)
	fmt.Printf("  Arms:     %d learned\n", summary.Entries)
	fmt.Println()
}

// waitForShutdown waits for termination signal and performs graceful shutdown
func waitForShutdown(app *App) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	app.Logger.Info("shutdown signal received", "signal", sig)

	app.Watcher.Stop()

	if app.Scheduler != nil {
		app.Scheduler.Stop()
	}

	if app.apiCancel != nil {
		app.apiCancel()
	}
	// Give the API server a moment to drain in-flight requests.
	time.Sleep(100 * time.Millisecond)

	if err := app.DB.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	app.Logger.Info("banditclawd stopped")
	return nil
}
