package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/javi11/nzbfetch/internal/aggregator"
	"github.com/javi11/nzbfetch/internal/config"
	"github.com/javi11/nzbfetch/internal/deobfuscate"
	"github.com/javi11/nzbfetch/internal/fetcher"
	"github.com/javi11/nzbfetch/internal/limiter"
	"github.com/javi11/nzbfetch/internal/nntp"
	"github.com/javi11/nzbfetch/internal/notify"
	"github.com/javi11/nzbfetch/internal/pathutil"
	"github.com/javi11/nzbfetch/internal/pipeline"
	"github.com/javi11/nzbfetch/internal/queue"
	"github.com/javi11/nzbfetch/internal/slogutil"
	"github.com/javi11/nzbfetch/internal/store/sqlstore"
)

var dbPath string

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fetch core's queue worker loop",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&dbPath, "db", "./nzbfetch.db", "path to the sqlite metadata store")
	rootCmd.AddCommand(serveCmd)
}

// runServe wires config -> nntp -> limiter -> fetcher -> deobfuscate ->
// pipeline -> queue manager, grounded on the teacher's cmd/altmount/cmd/
// serve.go's wiring order (load config, build pool, register change
// handler, start, wait for signal) but trimmed to this module's narrower
// scope: no WebDAV/API/auth/rclone surface, just the queue worker loop.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		slog.Default().Error("failed to load config", "err", err)
		return err
	}

	logger := slogutil.SetupLogRotationWithFallback(cfg.Log, "")
	slog.SetDefault(logger)

	if cfg.Pipeline.ImportStrategy == config.ImportStrategySTRM && cfg.Pipeline.StrmOutputDir != "" {
		if err := pathutil.CheckDirectoryWritable(cfg.Pipeline.StrmOutputDir); err != nil {
			logger.Error("strm output directory is not usable", "err", err)
			return err
		}
	}

	configManager := config.NewManager(cfg, configFile)
	cfgGet := configManager.GetConfigGetter()

	nntpManager, err := nntp.NewManager(cfg.Providers, logger)
	if err != nil {
		logger.Error("failed to build nntp manager", "err", err)
		return err
	}

	lim, err := limiter.New(cfg.Streaming.TotalStreamingConnections, cfg.Limiter)
	if err != nil {
		logger.Error("failed to build limiter", "err", err)
		return err
	}

	f := fetcher.New(nntpManager, lim, cfgGet, logger)

	deob, err := deobfuscate.New(f, cfgGet, logger)
	if err != nil {
		logger.Error("failed to build deobfuscation pipeline", "err", err)
		return err
	}

	db, err := sqlstore.Open(dbPath)
	if err != nil {
		logger.Error("failed to open metadata store", "err", err)
		return err
	}
	defer db.Close()

	finalizer := aggregator.New(db, notify.NewSlogSink(logger), cfgGet)

	proc := pipeline.New(db, pipeline.DefaultContentRootResolver{}, deob, f, finalizer, cfgGet, logger)
	mgr := queue.New(db, proc, cfgGet, logger)

	registry := config.NewComponentRegistry(logger)
	registry.RegisterPool(nntpManager)
	registry.RegisterLimiter(lim)
	registry.RegisterQueue(mgr)
	configManager.OnConfigChange(registry.ApplyUpdates)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr.Start(ctx)
	logger.Info("nzbfetch queue worker started", "db", dbPath, "providers", len(cfg.Providers))

	<-ctx.Done()
	logger.Info("shutting down")
	mgr.Stop()
	return nil
}
