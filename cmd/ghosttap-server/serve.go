package main

import (
	"context"
	"fmt"
	"time"

	"github.com/life-stream-dev/ghosttap-server/internal/callback"
	"github.com/life-stream-dev/ghosttap-server/internal/config"
	"github.com/life-stream-dev/ghosttap-server/internal/connection"
	"github.com/life-stream-dev/ghosttap-server/internal/database"
	"github.com/life-stream-dev/ghosttap-server/internal/event"
	"github.com/life-stream-dev/ghosttap-server/internal/logger"
	"github.com/life-stream-dev/ghosttap-server/internal/metrics"
	"github.com/life-stream-dev/ghosttap-server/internal/orchestrator"
	"github.com/life-stream-dev/ghosttap-server/internal/provider"
	"github.com/life-stream-dev/ghosttap-server/internal/reconnect"
	"github.com/life-stream-dev/ghosttap-server/internal/server"
	"github.com/life-stream-dev/ghosttap-server/internal/session"
	"github.com/life-stream-dev/ghosttap-server/internal/utils"
	"github.com/spf13/cobra"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the device gateway and task API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.ReadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("error occured while reading config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func openStore(ctx context.Context, cfg *config.Config) (database.Store, event.Callable, error) {
	if !cfg.Database.Enabled {
		logger.Warn("Database disabled, task records are kept in memory only")
		return database.NewMemoryStore(), nil, nil
	}
	client, db, err := database.ConnectDatabase(ctx, cfg.Database, cfg.AppName)
	if err != nil {
		return nil, nil, err
	}
	opTimeout := utils.ParseStringTime(cfg.Database.OperationTimeout, 5*time.Second)
	return database.NewDatabaseStore(db, opTimeout), database.NewDBCloseCallback(client, 10*time.Second), nil
}

func loadPricing(cfg *config.Config) metrics.Pricing {
	raw := make(map[string][2]string, len(cfg.Pricing))
	for model, p := range cfg.Pricing {
		raw[model] = [2]string{p.InputPerMillion, p.OutputPerMillion}
	}
	pricing, invalid := metrics.ParsePricing(raw)
	for _, model := range invalid {
		logger.WarnF("Invalid pricing for model %s, cost will be zero", model)
	}
	return pricing
}

func serve(parent context.Context, cfg *config.Config) error {
	loggerCallback := logger.Init(logger.Options{
		Dir:           cfg.LogDir,
		Debug:         cfg.DebugMode,
		RetentionDays: cfg.LogRetentionDays,
	})
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner(loggerCallback, event.DefaultStepTimeout)
	defer func() { _ = cleaner.Clean() }()

	ctx, stop := cleaner.NotifyContext(parent)
	defer stop()

	store, dbClose, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("error occured while initializing database: %w", err)
	}
	opTimeout := utils.ParseStringTime(cfg.Database.OperationTimeout, 5*time.Second)
	writer := database.NewAsyncWriter(store, cfg.Persist.QueueSize, opTimeout)

	sessions := session.NewStore(session.Options{
		Accumulator: metrics.NewAccumulator(loadPricing(cfg)),
		Writer:      writer,
		Reader:      store,
		Model:       cfg.Provider.Model,
		RecentSize:  cfg.Session.RecentSize,
		RecentTTL:   cfg.RecentTTL(),
	})

	registry := connection.NewRegistry(connection.Options{
		AllowedUsers:  cfg.Auth.AllowedUsers,
		Token:         cfg.Auth.Token,
		Timeout:       cfg.HeartbeatTimeout(),
		ActiveSession: sessions.ActiveSessionID,
	})

	dispatcher := callback.NewDispatcher(registry, callback.NewClient(cfg.CallbackTimeout()), cfg.CallbackTimeout())
	sessions.SetNotifier(dispatcher)

	reconnects := reconnect.NewManager(reconnect.Options{
		Sessions:         sessions,
		Sender:           registry,
		GracePeriod:      cfg.GracePeriod(),
		ReconcileTimeout: opTimeout,
	})
	reconnects.Attach(registry)

	if cfg.Provider.APIKey == "" {
		logger.Warn("provider.api_key is empty, decision calls will fail")
	}
	decider := provider.WithRetry(
		provider.NewOpenAIProvider(provider.OpenAIOptions{
			BaseURL:     cfg.Provider.BaseURL,
			APIKey:      cfg.Provider.APIKey,
			Model:       cfg.Provider.Model,
			Temperature: cfg.Provider.Temperature,
			MaxTokens:   cfg.Provider.MaxTokens,
			Timeout:     cfg.ProviderTimeout(),
		}),
		provider.RetryPolicy{
			MaxRetries: cfg.Provider.MaxRetries,
			BaseDelay:  cfg.ProviderBaseDelay(),
			MaxDelay:   cfg.ProviderMaxDelay(),
		},
	)

	orc := orchestrator.New(orchestrator.Options{
		Sessions:         sessions,
		Sender:           registry,
		Provider:         decider,
		Notifier:         dispatcher,
		MaxSteps:         cfg.Task.MaxSteps,
		MaxIterations:    cfg.Task.MaxDecisionIterations,
		FailureThreshold: cfg.Task.FailureThreshold,
		WaitMs:           cfg.Task.WaitMs,
	})

	srv := server.New(server.Options{
		Addr:         cfg.Listen,
		Registry:     registry,
		Sessions:     sessions,
		Orchestrator: orc,
	})

	// 先停止接入，再等待回调与落盘，最后断开数据库
	cleaner.Add("server", srv)
	cleaner.Add("callback", dispatcher)
	cleaner.Add("persistence", writer)
	if dbClose != nil {
		cleaner.Add("database", dbClose)
	}

	go registry.Run(ctx, cfg.HeartbeatInterval())
	go sessions.Run(ctx, cfg.TaskSweepInterval(), cfg.TaskTimeout(), cfg.PauseTimeout())
	go reconnects.Run(ctx, cfg.ReconnectSweepInterval())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		return nil
	case err := <-errCh:
		if err != nil {
			logger.ErrorF("Server stopped unexpectedly: %v", err)
			return err
		}
		return nil
	}
}
