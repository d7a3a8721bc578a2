package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ingenieroredes/netvault/internal/agentchannel"
	"github.com/ingenieroredes/netvault/internal/api"
	"github.com/ingenieroredes/netvault/internal/collector"
	"github.com/ingenieroredes/netvault/internal/config"
	"github.com/ingenieroredes/netvault/internal/connector"
	"github.com/ingenieroredes/netvault/internal/events"
	"github.com/ingenieroredes/netvault/internal/health"
	"github.com/ingenieroredes/netvault/internal/inventory"
	"github.com/ingenieroredes/netvault/internal/metrics"
	"github.com/ingenieroredes/netvault/internal/orchestrator"
	"github.com/ingenieroredes/netvault/internal/rules"
	"github.com/ingenieroredes/netvault/internal/secrets"
	"github.com/ingenieroredes/netvault/internal/store"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the audit server",
	Long:  "Run the scheduler, the agent channel and the HTTP API. Configuration is read from NETVAULT_* environment variables and an optional .env file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("Starting NetVault",
		"http_addr", cfg.HTTPAddr,
		"store_driver", cfg.StoreDriver,
		"rules_dir", cfg.RulesDir,
		"inventory_file", cfg.InventoryFile,
		"tick_interval", cfg.TickInterval,
		"max_in_flight", cfg.MaxInFlight,
		"degraded_after", cfg.DegradedAfter,
		"heartbeat_interval", cfg.HeartbeatInterval)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	st, err := store.Open(ctx, store.Options{
		Driver:      cfg.StoreDriver,
		DSN:         cfg.StoreDSN,
		MaxFindings: cfg.MaxFindings,
		CacheSize:   cfg.MaxFindings,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if cfg.InventoryFile != "" {
		targets, err := inventory.Load(cfg.InventoryFile)
		if err != nil {
			return err
		}
		if _, err := inventory.Sync(ctx, st, targets, logger); err != nil {
			return err
		}
	}

	vault := secrets.NewVault(cfg.CredentialsFile, cfg.MasterKey, logger)
	if err := vault.Load(); err != nil {
		return err
	}

	channel, err := agentchannel.New(agentchannel.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleFactor:       cfg.StaleFactor,
		SweepInterval:     cfg.SweepInterval,
		InboxSize:         cfg.InboxSize,
		SharedEnrollToken: cfg.SharedEnrollToken,
	}, st, st, agentchannel.NewTokenIssuer(cfg.AgentTokenSecret, cfg.AgentTokenTTL), m, logger)
	if err != nil {
		return err
	}
	if err := channel.Restore(ctx); err != nil {
		return err
	}

	coll := collector.New(
		connector.NewRegistry(
			connector.NewSNMP(logger),
			connector.NewSSH(cfg.SSHKnownHosts, logger),
			connector.NewREST(logger),
		),
		vault,
		channel,
		collector.Options{
			Retry: collector.RetryPolicy{
				MaxRetries:      cfg.RetryMax,
				InitialInterval: cfg.RetryInitial,
				MaxInterval:     cfg.RetryMaxInterval,
			},
			TimeoutFloor: cfg.ConnectorTimeoutFloor,
		},
		m,
		logger,
	)

	loader := rules.NewLoader(cfg.RulesDir, cfg.RulesHotReload, time.Duration(cfg.RulesDebounceMs)*time.Millisecond, logger)
	if _, err := loader.LoadSnapshot(); err != nil {
		return fmt.Errorf("failed to load initial rules snapshot: %w", err)
	}
	loader.WatchForChanges(ctx)
	catalog := rules.NewCatalog(loader, rules.NewOverrideManager(logger))

	suppressor, err := rules.NewSuppressor(cfg.SuppressionCapacity)
	if err != nil {
		return err
	}

	healthServer := health.NewHealthServer(logger)
	healthServer.AddCheck("store", st.Ping)

	hub := events.NewHub(logger)
	publisher := events.NewMulti(m, logger)
	publisher.Add("stream", hub)
	addEventSinks(ctx, cfg, publisher, healthServer, logger)
	defer publisher.Close()

	orch := orchestrator.New(orchestrator.Options{
		TickInterval:              cfg.TickInterval,
		MaxInFlight:               cfg.MaxInFlight,
		DegradedAfter:             cfg.DegradedAfter,
		EvaluateFailedCollections: cfg.EvaluateFailedCollections,
		CollectOnSubmission:       cfg.CollectOnSubmission,
	}, orchestrator.Deps{
		Store:      st,
		Collector:  coll,
		Rules:      catalog,
		Engine:     rules.NewEngine(cfg.RuleParallelism, logger),
		Suppressor: suppressor,
		Publisher:  publisher,
		Agents:     channel,
		Metrics:    m,
		Logger:     logger,
	})
	channel.SetHooks(orch.AgentHooks())
	if err := orch.Restore(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewServer(api.Deps{
			Store:        st,
			Orchestrator: orch,
			Channel:      channel,
			Catalog:      catalog,
			Health:       healthServer,
			Stream:       hub,
			Gatherer:     reg,
			Logger:       logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go channel.RunSweeper(ctx)
	go orch.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info("NetVault started successfully")
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
			return err
		}
	}

	logger.Info("Shutting down NetVault...")
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("Orchestrator shutdown error", "error", err)
	}

	logger.Info("NetVault stopped")
	return nil
}

// addEventSinks connects the optional NATS and Redis sinks. An unreachable
// broker is logged and skipped.
func addEventSinks(ctx context.Context, cfg *config.Config, publisher *events.Multi, hs *health.HealthServer, logger *slog.Logger) {
	if cfg.NATSURL != "" {
		nc, err := events.NewNATSPublisher(cfg.NATSURL, cfg.EventPrefix, logger)
		if err != nil {
			logger.Warn("NATS sink disabled", "error", err)
		} else {
			publisher.Add("nats", nc)
			hs.AddCheck("nats", func(ctx context.Context) error {
				if !nc.IsReady() {
					return errors.New("not connected")
				}
				return nil
			})
		}
	}

	if cfg.RedisAddr != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rp, err := events.NewRedisPublisher(connectCtx, events.RedisConfig{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.EventPrefix,
		}, logger)
		if err != nil {
			logger.Warn("Redis sink disabled", "error", err)
		} else {
			publisher.Add("redis", rp)
		}
	}
}
