package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Limetric/dbferry/internal/config"
	_ "github.com/Limetric/dbferry/internal/dialect/mongodb"
	_ "github.com/Limetric/dbferry/internal/dialect/mssql"
	_ "github.com/Limetric/dbferry/internal/dialect/mysql"
	_ "github.com/Limetric/dbferry/internal/dialect/postgres"
	_ "github.com/Limetric/dbferry/internal/dialect/sqlite"
	"github.com/Limetric/dbferry/internal/metrics"
	"github.com/Limetric/dbferry/internal/model"
	"github.com/Limetric/dbferry/internal/orchestrator"
	"github.com/Limetric/dbferry/internal/storage"
)

var (
	configPath  string
	verbose     bool
	metricsFile string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dbferry",
		Short:         "Cross-dialect database conversion tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to project TOML config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this file when the command ends")

	root.AddCommand(
		newAnalyzeCmd(),
		newPlanCmd(),
		newRunCmd(),
		newStatusCmd(),
		newResumeCmd(),
		newVersionCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is what every project command needs: the config, the store and an
// orchestrator wired to both.
type app struct {
	cfg      *config.Config
	store    storage.Store
	orch     *orchestrator.Orchestrator
	logger   *slog.Logger
	registry *prometheus.Registry
}

// resolveConfigPath picks the positional argument over --config.
func resolveConfigPath(args []string) (string, error) {
	p := configPath
	if len(args) > 0 {
		p = args[0]
	}
	if p == "" {
		return "", fmt.Errorf("config file required: dbferry <command> <config.toml> or dbferry <command> --config <config.toml>")
	}
	return p, nil
}

func newApp(ctx context.Context, args []string) (*app, error) {
	path, err := resolveConfigPath(args)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var store storage.Store
	if cfg.Storage.Path != "" {
		store, err = storage.OpenSQLite(ctx, cfg.ResolvePath(cfg.Storage.Path))
		if err != nil {
			return nil, err
		}
	} else {
		logger.Debug("no storage.path configured, project state is kept in memory")
		store = storage.NewMemoryStore()
	}

	registry := prometheus.NewRegistry()
	orch := orchestrator.New(orchestrator.Options{
		Store:     store,
		Suggester: cfg.Suggester(),
		Notifier:  cfg.Notifier(logger),
		Metrics:   metrics.New(registry),
		Logger:    logger,
	})
	return &app{cfg: cfg, store: store, orch: orch, logger: logger, registry: registry}, nil
}

func (a *app) Close() error {
	if metricsFile != "" {
		if err := prometheus.WriteToTextfile(metricsFile, a.registry); err != nil {
			a.logger.Warn("write metrics", "file", metricsFile, "err", err)
		}
	}
	return a.store.Close()
}

// project returns the stored project named in the config, creating it on
// first use.
func (a *app) project(ctx context.Context) (*model.ConversionProject, error) {
	p, err := a.find(ctx)
	if err != nil || p != nil {
		return p, err
	}
	opts, err := a.cfg.Options()
	if err != nil {
		return nil, err
	}
	return a.orch.CreateProject(ctx, a.cfg.Name, a.cfg.Source, a.cfg.Target, opts)
}

// find returns the most recently created project with the config's name,
// or nil.
func (a *app) find(ctx context.Context) (*model.ConversionProject, error) {
	projects, err := a.orch.Projects(ctx)
	if err != nil {
		return nil, err
	}
	var found *model.ConversionProject
	for _, p := range projects {
		if p.Name == a.cfg.Name && (found == nil || p.CreatedAt.After(found.CreatedAt)) {
			found = p
		}
	}
	return found, nil
}

// withApp wraps a command body with config loading and cleanup.
func withApp(fn func(cmd *cobra.Command, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), args)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a)
	}
}
