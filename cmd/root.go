// Package cmd defines and implements the CLI commands for the gamecrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/game-catalog-crawler/internal/app"
	"github.com/JakeFAU/game-catalog-crawler/internal/config"
	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/game-catalog-crawler/internal/orchestrator"
	"github.com/JakeFAU/game-catalog-crawler/internal/store"
)

// annotationAutoMigrate marks commands that must apply the catalog schema
// while building the application.
const annotationAutoMigrate = "auto_migrate"

const closeTimeout = 30 * time.Second

var cfgFile string

// appKeyType is the key for storing the runtime in the context.
type appKeyType string

const appKey appKeyType = "app"

// Service is the application surface commands use. Tests inject a fake.
type Service interface {
	Crawl(ctx context.Context, src crawler.Source) (orchestrator.Result, error)
	Serve(ctx context.Context) error
	Active() []orchestrator.RunInfo
	Runs() store.RunRepository
	Checkpoints() crawler.CheckpointStore
	Close(ctx context.Context) error
}

type runtime struct {
	cfg config.Config
	app Service
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config) (Service, error) {
	return app.Build(ctx, cfg, app.Options{})
}

// loadConfig is replaced in tests to avoid touching disk.
var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gamecrawler",
		Short: "Crawls Steam, Metacritic and Epic into a unified game catalog.",
		Long: `gamecrawler renders storefront listings with a headless browser, extracts
product detail pages, normalizes and deduplicates them across sources, and
commits products, price and review snapshots, and media to the catalog.`,
		SilenceUsage: true,

		// Builds the application after flags are parsed and before the
		// subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Annotations[annotationAutoMigrate] == "true" {
				cfg.Catalog.AutoMigrate = true
			}
			svc, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, &runtime{cfg: cfg, app: svc}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON); CRAWLER_* env vars override it")

	cmd.AddCommand(newCrawlCmd(), newServeCmd(), newStatusCmd(), newMigrateCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(appKey).(*runtime)
	if !ok || rt == nil || rt.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt, nil
}

// Execute runs the root command until it finishes or a termination signal
// arrives.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gamecrawler: %v\n", err)
		os.Exit(1)
	}
}

// run executes one command line and releases the application afterwards,
// whether or not the command succeeded.
func run(ctx context.Context, args []string, out io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	executed, err := root.ExecuteContextC(ctx)
	if executed == nil {
		return err
	}
	rt, rerr := resolveRuntime(executed.Context())
	if rerr != nil {
		return err
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	return errors.Join(err, rt.app.Close(closeCtx))
}
