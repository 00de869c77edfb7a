// Package cmd defines and implements the CLI commands for the archiver executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/aggregate"
	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/config"
	"github.com/JakeFAU/web-archiver/internal/logging"
	"github.com/JakeFAU/web-archiver/internal/server"
)

// Snapshots is the snapshot service surface the commands drive.
type Snapshots interface {
	Submit(ctx context.Context, rawURL string) (archive.Snapshot, bool, error)
	Archive(ctx context.Context, id string, opts archive.Options) (archive.Record, error)
	Rearchive(ctx context.Context, id string, opts archive.Options) (archive.Record, error)
	Get(ctx context.Context, id string) (archive.Record, error)
	Repair(ctx context.Context) (aggregate.RepairReport, error)
	Options() archive.Options
}

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Logger() *zap.Logger
	Snapshots() Snapshots
	Run(ctx context.Context) error
	Close(ctx context.Context)
}

type serverApp struct {
	*server.App
}

func (a serverApp) Snapshots() Snapshots { return a.App.Snapshots() }

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return serverApp{app}, nil
}

type ctxKey string

const (
	appKey    ctxKey = "app"
	configKey ctxKey = "config"

	// skipAppAnnotation marks commands that only need configuration.
	skipAppAnnotation = "skip-app"
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "archiver",
		Short: "Archive web pages as self-contained snapshots.",
		Long: `archiver captures URLs with a set of independent extractors (raw HTML,
wget mirror, rendered DOM, screenshot, PDF, media, ...) and records every
attempt in a per-snapshot index so interrupted runs resume where they stopped.`,
		SilenceUsage: true,

		// Runs before every subcommand: load config, then build the services
		// unless the command opted out.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			if cmd.Annotations[skipAppAnnotation] == "" {
				appInstance, err := newApp(ctx, cfg)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				ctx = context.WithValue(ctx, appKey, appInstance)
			}
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); ARCHIVER_* env vars override it")

	cmd.AddCommand(
		newServeCmd(),
		newAddCmd(),
		newRearchiveCmd(),
		newStatusCmd(),
		newRepairCmd(),
		newExtractorsCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logger, lerr := logging.New(logging.Options{Development: true})
		if lerr != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		logger.Fatal("command execution failed", zap.Error(err))
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}
