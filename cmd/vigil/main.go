package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"vigil/internal/actuator"
	"vigil/internal/config"
	"vigil/internal/ingress"
	"vigil/internal/logging"
	"vigil/internal/loop"
	"vigil/internal/model"
	"vigil/internal/percept"
	"vigil/internal/policy"
	"vigil/internal/server"
	"vigil/internal/store"
)

var (
	// Global flags
	cfgPath    string
	workspace  string
	listenAddr string
	verbose    bool
	autoStart  bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "vigil - autonomous sense/reason/act agent",
	Long: `vigil is an always-on agent that watches its sensors, asks a local
model what is surprising, asks a frontier model what to do about it, and
acts through policy-guarded actuators.

Every iteration is recorded in an append-only SQLite ledger, and the
whole loop is driven over a local REST API with an SSE event stream.

Run without arguments to start the agent.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runAgent,
}

// initCmd writes a starter configuration into the workspace.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default vigil.yaml into the workspace",
	Long: `Creates the .vigil/ state directory and a default configuration:
one chat sensor, the internal assistant and sandboxed workbench
actuators, and the offline rules model provider.`,
	RunE: initWorkspace,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default <workspace>/.vigil/vigil.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "agent workspace directory (default current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")
	rootCmd.Flags().BoolVar(&autoStart, "auto-start", false, "start the loop immediately instead of waiting for the start command")

	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolvePaths fills workspace and cfgPath defaults and anchors relative
// paths in the workspace.
func resolvePaths(cfg *config.Config) error {
	if workspace == "" {
		workspace = cfg.Workspace
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace: %w", err)
	}
	workspace = abs
	cfg.Workspace = abs

	if !filepath.IsAbs(cfg.DatabasePath) {
		cfg.DatabasePath = filepath.Join(abs, cfg.DatabasePath)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if autoStart {
		cfg.AutoStart = true
	}
	return nil
}

func configPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	ws := workspace
	if ws == "" {
		ws = "."
	}
	return filepath.Join(ws, ".vigil", "vigil.yaml")
}

func initWorkspace(cmd *cobra.Command, args []string) error {
	path := configPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}

	cfg := config.DefaultConfig()
	if workspace != "" {
		cfg.Workspace = workspace
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("Initialized vigil workspace. Config written to %s\n", path)
	return nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := resolvePaths(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Initialize(workspace); err != nil {
		return fmt.Errorf("failed to initialize file logging: %w", err)
	}
	defer logging.CloseAll()
	logging.Boot("vigil starting in %s", workspace)

	ledger, err := store.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer ledger.Close()

	sensors := percept.NewRegistry()
	for _, sc := range cfg.Sensors {
		if err := sensors.Add(sc.BuildSensor()); err != nil {
			return fmt.Errorf("failed to register sensor %q: %w", sc.Name, err)
		}
	}

	registry := actuator.NewRegistry()
	for _, a := range cfg.Actuators {
		if err := registry.Add(a); err != nil {
			return fmt.Errorf("failed to register actuator %q: %w", a.Name, err)
		}
	}

	local, frontier, err := buildModels(cfg)
	if err != nil {
		return err
	}

	eval := policy.NewEvaluator(policy.NewRateLimiter(), policy.NewApprovalGate())
	executor := actuator.NewExecutor(registry, eval, workspace)

	orch := loop.New(loop.Options{
		Sensors:    sensors,
		Executor:   executor,
		Local:      local,
		Frontier:   frontier,
		Store:      ledger,
		IntervalMS: cfg.LoopIntervalMS,
	})
	if err := orch.RestorePolicyState(); err != nil {
		return fmt.Errorf("failed to restore policy state: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher, err := ingress.NewDirWatcher(sensors)
	if err != nil {
		return fmt.Errorf("failed to create directory watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start directory watcher: %w", err)
	}
	defer watcher.Stop()

	srv := server.New(server.Options{
		Orchestrator: orch,
		Sensors:      sensors,
		Ledger:       ledger,
		Config:       cfg,
		ConfigPath:   path,
		Watcher:      watcher,
		Logger:       logger,
		RunContext:   ctx,
	})

	if cfg.AutoStart {
		if err := orch.Start(ctx); err != nil {
			return fmt.Errorf("failed to start loop: %w", err)
		}
		logger.Info("loop auto-started", zap.Int("interval_ms", cfg.LoopIntervalMS))
	}
	defer orch.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, cfg.ListenAddr)
	})

	logger.Info("vigil ready",
		zap.String("workspace", workspace),
		zap.String("listen", cfg.ListenAddr),
		zap.String("model_provider", cfg.Model.Provider),
	)
	return g.Wait()
}

// buildModels selects the inference backends for both tiers.
func buildModels(cfg *config.Config) (model.LocalModel, model.FrontierModel, error) {
	switch cfg.Model.Provider {
	case "gemini":
		client, err := model.NewGeminiClient(cfg.Model.APIKey, cfg.Model.Local, cfg.Model.Frontier)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		return client, client, nil
	case "rules":
		local := model.NewKeywordLocalModel(cfg.Model.SurpriseKeywords...)
		local.NoveltyDetection = true
		echo := cfg.Model.EchoActuator
		if echo == "" {
			echo = "assistant"
		}
		return local, model.NewEchoPlanner(echo), nil
	}
	return nil, nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
}
