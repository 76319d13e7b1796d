// Snapqueue is a local daemon that keeps a photo feed usable while offline:
// new items are queued and uploaded when the network returns, and likes,
// reports and removals apply immediately and are confirmed in the background.
//
// Usage:
//
//	snapqueue daemon [--config <path>] [--verbose]  # run the sync engine and control API
//	snapqueue flush [--config <path>] [--verbose]   # upload the journaled queue once, then exit
//	snapqueue status [--config <path>]              # show config and journal state
//	snapqueue version                               # print version
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/log/global"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/snapqueue/internal/api"
	"github.com/njoerd114/snapqueue/internal/config"
	"github.com/njoerd114/snapqueue/internal/connectivity"
	"github.com/njoerd114/snapqueue/internal/gateway"
	"github.com/njoerd114/snapqueue/internal/inbox"
	"github.com/njoerd114/snapqueue/internal/journal"
	"github.com/njoerd114/snapqueue/internal/store"
	syncp "github.com/njoerd114/snapqueue/internal/sync"
	"github.com/njoerd114/snapqueue/internal/telemetry"
	"github.com/njoerd114/snapqueue/internal/view"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// shutdownGrace bounds graceful shutdown of the API and telemetry.
const shutdownGrace = 5 * time.Second

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		cfgPath string
		verbose bool
	)
	defaultCfg, _ := config.DefaultPath()

	root := &cobra.Command{
		Use:           "snapqueue",
		Short:         "Offline-first photo queue and sync daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultCfg, "path to config.yaml")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		&cobra.Command{
			Use:   "daemon",
			Short: "Run the sync engine and local control API",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return startSync(cmd.Context(), cfgPath, verbose, true)
			},
		},
		&cobra.Command{
			Use:   "flush",
			Short: "Upload the journaled queue once, then exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return startSync(cmd.Context(), cfgPath, verbose, false)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show config and journal state",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runStatus(cmd.Context(), cfgPath)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(*cobra.Command, []string) {
				fmt.Println("snapqueue", version)
			},
		},
	)
	return root
}

// --- Subcommands -------------------------------------------------------------

// runStatus prints the configuration and the journaled queue.
func runStatus(ctx context.Context, cfgPath string) error {
	fmt.Println("Snapqueue Status")
	fmt.Println("────────────────")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config:    %s (%v)\n", cfgPath, err)
		return nil
	}
	fmt.Printf("  Config:    %s ✓\n", cfgPath)
	fmt.Printf("  API URL:   %s\n", cfg.APIURL)
	fmt.Printf("  Probe:     %s every %s\n", cfg.ProbeURL, cfg.ProbeInterval)
	fmt.Printf("  Retry:     auto=%t every %s\n", cfg.RetryAutomatically(), cfg.RetryInterval)
	fmt.Printf("  Listen:    %s\n", cfg.ListenAddr)
	if cfg.InboxDir != "" {
		fmt.Printf("  Inbox:     %s\n", cfg.InboxDir)
	}

	if cfg.JournalPath == "" {
		fmt.Println("  Journal:   disabled (queue is kept in memory)")
		return nil
	}
	info, err := os.Stat(cfg.JournalPath)
	if err != nil {
		fmt.Printf("  Journal:   not found (%s)\n", cfg.JournalPath)
		return nil
	}
	fmt.Printf("  Journal:   %s (%s)\n", cfg.JournalPath, humanSize(info.Size()))

	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("opening journal at %q: %w", cfg.JournalPath, err)
	}
	defer j.Close()
	counts, err := j.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting journal: %w", err)
	}
	fmt.Printf("  Queued:    %d pending, %d errored\n", counts.Pending, counts.Errored)
	return nil
}

// --- Sync core ---------------------------------------------------------------

// startSync is the shared implementation for daemon and flush modes.
func startSync(parent context.Context, cfgPath string, verbose, daemon bool) error {
	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(baseHandler)
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
			Version:      version,
		}
		shutdownTel, err := telemetry.Setup(parent, telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger = slog.New(telemetry.NewHandler(baseHandler, global.GetLoggerProvider()))
			slog.SetDefault(logger)
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	logger.Info("config loaded",
		"api_url", cfg.APIURL,
		"probe_interval", cfg.ProbeInterval,
		"auto_retry", cfg.RetryAutomatically(),
		"journal", cfg.JournalPath != "",
	)

	// --- Journal (optional) --------------------------------------------------

	opts := syncp.Options{
		MaxInFlight:   cfg.MaxInFlight,
		RetryInterval: cfg.RetryInterval,
		AutoRetry:     cfg.RetryAutomatically(),
	}
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("opening journal at %q: %w", cfg.JournalPath, err)
		}
		defer func() {
			if closeErr := j.Close(); closeErr != nil {
				logger.Error("closing journal", "error", closeErr)
			}
		}()
		opts.Journal = j
		logger.Info("journal opened", "path", cfg.JournalPath)
	}

	// --- Gateway & connectivity ----------------------------------------------

	client, err := gateway.NewClient(cfg.APIURL,
		gateway.WithTimeout(cfg.RequestTimeout),
		gateway.WithToken(cfg.APIToken),
	)
	if err != nil {
		return fmt.Errorf("initialising gateway client: %w", err)
	}
	monitor := connectivity.NewMonitor(
		&connectivity.HTTPProber{URL: cfg.ProbeURL, Client: &http.Client{}},
		connectivity.Config{
			Interval:     cfg.ProbeInterval,
			ProbeTimeout: cfg.RequestTimeout,
			RecoverAfter: cfg.RecoverAfter,
		},
		logger,
	)

	// --- Sync engine ---------------------------------------------------------

	st := store.New(store.WithTombstoneTTL(cfg.TombstoneTTL))
	engine := syncp.NewEngine(st, client, monitor, opts, logger)
	defer engine.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	restored, err := engine.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restoring queue: %w", err)
	}
	logger.Info("queue restored", "items", restored)

	status := monitor.CheckNow(ctx)
	logger.Info("network status", "status", status)

	// --- Dispatch mode -------------------------------------------------------

	if !daemon {
		return flushOnce(ctx, engine, logger)
	}

	if engine.Online() {
		if stats, err := engine.FetchPage(ctx); err != nil {
			logger.Warn("initial fetch failed", "error", err)
		} else {
			logger.Info("initial page fetched", "added", stats.Added)
		}
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(engine, api.Options{}, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(monitor.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(engine.Run(gctx)) })
	g.Go(func() error {
		logger.Info("control API listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.InboxDir != "" {
		w := inbox.New(cfg.InboxDir, engine, inbox.DefaultSettle, logger)
		g.Go(func() error { return w.Run(gctx) })
	}

	logger.Info("daemon starting", "version", version)
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// flushOnce uploads pending items and retries errored ones, then returns.
func flushOnce(ctx context.Context, engine *syncp.Engine, logger *slog.Logger) error {
	if !engine.Online() {
		return fmt.Errorf("flush: %w", syncp.ErrOffline)
	}
	logger.Info("flushing queue")
	// Retry first so items that fail during the flush are not retried twice.
	retryErr := engine.RetryErrored().Wait(ctx)
	flushErr := engine.FlushPending().Wait(ctx)

	counts := view.CountItems(engine.Snapshot())
	logger.Info("flush complete",
		"confirmed", counts.Confirmed,
		"remaining_pending", counts.Pending,
		"remaining_errored", counts.Errored,
	)
	return errors.Join(retryErr, flushErr)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
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
