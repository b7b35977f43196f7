package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/legion/internal/config"
	"github.com/zjrosen/legion/internal/log"
	"github.com/zjrosen/legion/internal/orchestration/client"
	"github.com/zjrosen/legion/internal/orchestration/comms"
	"github.com/zjrosen/legion/internal/orchestration/coordinator"
	"github.com/zjrosen/legion/internal/orchestration/storage"
	"github.com/zjrosen/legion/internal/tracing"
	"github.com/zjrosen/legion/internal/watcher"

	// Register assistant adapters.
	_ "github.com/zjrosen/legion/internal/orchestration/claude"
	_ "github.com/zjrosen/legion/internal/orchestration/mock"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the orchestrator daemon",
	Long: `Run the orchestrator as a long-lived process. The daemon restores
session state from the data directory, resumes queue processing for
sessions with pending work, and watches the store for external changes.

Example:
  legion daemon
  legion daemon --data-dir /srv/legion --debug`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(_ *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cleanup, err := initLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	log.Info(log.CatConfig, "Legion daemon starting",
		"version", version, "dataDir", cfg.DataDir)

	// Tracing (no-op unless enabled in config).
	traceCfg := tracing.DefaultConfig()
	traceCfg.Enabled = cfg.Tracing.Enabled
	if cfg.Tracing.Exporter != "" {
		traceCfg.Exporter = cfg.Tracing.Exporter
	}
	traceCfg.FilePath = cfg.Tracing.FilePath
	if traceCfg.FilePath == "" {
		traceCfg.FilePath = config.DefaultTracesFilePath()
	}
	if cfg.Tracing.OTLPEndpoint != "" {
		traceCfg.OTLPEndpoint = cfg.Tracing.OTLPEndpoint
	}
	traceCfg.SampleRate = cfg.Tracing.SampleRate

	traceProvider, err := tracing.NewProvider(traceCfg)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	layout := storage.NewLayout(cfg.DataDir)
	coord := coordinator.New(coordinator.Config{
		Layout:         layout,
		AdapterFactory: adapterFactory(),
		Container: client.ContainerConfig{
			Image:       cfg.Container.Image,
			ExtraMounts: cfg.Container.ExtraMounts,
			Workspace:   cfg.Container.Workspace,
		},
		Tracer:        traceProvider.Tracer(),
		PollInterval:  cfg.Queue.PollInterval,
		ActiveTimeout: cfg.Queue.ActiveTimeout,
	})

	// Restore persisted state. Sessions left ACTIVE or STARTING by a crash
	// come back as CREATED.
	if err := coord.Sessions().LoadAll(); err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}
	if err := coord.Legions().LoadAll(); err != nil {
		return fmt.Errorf("restoring legions: %w", err)
	}

	// Resume queue processing for sessions with pending work.
	resumed := 0
	for _, rec := range coord.ListSessions() {
		id := rec.SessionID.String()
		if coord.Queue().PendingCount(id) > 0 {
			coord.Pool().EnsureRunning(id)
			resumed++
		}
	}
	log.Info(log.CatCoord, "Restored state",
		"sessions", len(coord.ListSessions()), "resumedQueues", resumed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The comm router delivers minion-bound traffic through the coordinator.
	// User-bound comms land on the console until a front-end subscribes.
	router := comms.NewRouter(layout, coord.Sessions(), coord)
	go func() {
		for event := range router.UserBroker().Subscribe(ctx) {
			comm := event.Payload
			fmt.Printf("[%s] %s from %s: %s\n",
				comm.Timestamp.Format(time.RFC3339), comm.Type,
				comm.FromMinionID, comm.Content)
		}
	}()

	// Watch for external writes to the session store. The watcher also
	// fires on the daemon's own atomic writes, so the reload path must
	// leave sessions this process is running untouched.
	w, err := watcher.New(watcher.DefaultConfig(layout.SessionsDir()))
	if err != nil {
		return fmt.Errorf("creating store watcher: %w", err)
	}
	changes, err := w.Start()
	if err != nil {
		return fmt.Errorf("starting store watcher: %w", err)
	}
	defer func() { _ = w.Stop() }()

	go func() {
		for {
			select {
			case <-changes:
				log.Info(log.CatWatcher, "Session store changed, reloading")
				if err := coord.Sessions().Reload(); err != nil {
					log.ErrorErr(log.CatWatcher, "Reload failed", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("Legion daemon started (data: %s)\n", cfg.DataDir)
	fmt.Println("Press Ctrl+C to stop")

	sig := <-sigCh
	fmt.Printf("\nReceived %s, shutting down...\n", sig)

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	coord.Cleanup(shutdownCtx)
	if err := traceProvider.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatConfig, "Error shutting down tracing", err)
	}

	fmt.Println("Daemon stopped")
	return nil
}

// adapterFactory resolves the configured adapter type through the client
// registry. An unknown type degrades to the mock adapter with a loud log
// line rather than crashing mid-session.
func adapterFactory() client.Factory {
	adapterType := client.AdapterType(cfg.Adapter.Type)
	return func(acfg client.AdapterConfig) client.Adapter {
		if acfg.Model == "" {
			acfg.Model = cfg.Adapter.Model
		}
		if acfg.PermissionMode == "" {
			acfg.PermissionMode = cfg.Adapter.PermissionMode
		}
		adapter, err := client.NewAdapter(adapterType, acfg)
		if err != nil {
			log.ErrorErr(log.CatClient, "Unknown adapter type, using mock", err,
				"type", cfg.Adapter.Type)
			fallback, _ := client.NewAdapter(client.AdapterMock, acfg)
			return fallback
		}
		return adapter
	}
}
