package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/alert"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/config"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/ledger"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/pipeline"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/scorer"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/store/postgres"
	redispkg "github.com/0xSoftBoi/base-usdc-monitor/internal/store/redis"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/tracing"
	"github.com/0xSoftBoi/base-usdc-monitor/internal/window"
)

const migrationsDir = "migrations"

func main() {
	logLevel := slog.LevelInfo
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting base-usdc-monitor",
		"rpc", cfg.Ledger.RPCURL,
		"contract", cfg.Ledger.ContractAddress,
		"token_symbol", cfg.Ledger.TokenSymbol,
		"poll_interval", cfg.Poller.Interval,
		"confirmation_depth", cfg.Poller.ConfirmationDepth,
		"monitored_addresses", len(cfg.Scorer.MonitoredAddrs),
	)

	shutdownTracing, err := tracing.Init(context.Background(), "base-usdc-monitor", cfg.Tracing.OTLPEndpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.OTLPEndpoint != "" {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.OTLPEndpoint)
	}

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(context.Background(), migrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	transferRepo := postgres.NewTransferRepo(db)
	alertRepo := postgres.NewAlertRepo(db)
	cursorRepo := postgres.NewCursorRepo(db)

	// Redis keeps delivery confirmations across restarts. Without it the
	// coordinator falls back to in-process state and a restart may resend.
	var deliveryStore alert.DeliveryStore
	if cfg.Redis.URL != "" {
		ds, err := redispkg.NewDeliveryState(cfg.Redis.URL, 0)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer ds.Close()
		deliveryStore = ds
		logger.Info("redis delivery state enabled")
	} else {
		logger.Warn("REDIS_URL not set, delivery idempotency is process-local")
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 15*time.Second)
	source, err := ledger.Dial(dialCtx, ledger.ClientConfig{
		URL:          cfg.Ledger.RPCURL,
		Contract:     cfg.Ledger.ContractAddress,
		RequestsPS:   cfg.Ledger.RequestsPS,
		RequestBurst: cfg.Ledger.RequestBurst,
	}, logger)
	dialCancel()
	if err != nil {
		logger.Error("failed to dial ledger RPC", "error", err)
		os.Exit(1)
	}
	defer source.Close()

	sc, err := scorer.New(cfg.Scorer, cfg.Ledger.TokenDecimals, logger)
	if err != nil {
		logger.Error("failed to build scorer", "error", err)
		os.Exit(1)
	}

	channels, err := buildChannels(cfg, logger)
	if err != nil {
		logger.Error("failed to build alert channels", "error", err)
		os.Exit(1)
	}

	coordinator := alert.NewCoordinator(channels, deliveryStore, alertRepo, alert.Options{
		MaxAttempts:    cfg.Alert.MaxAttempts,
		RetryBaseDelay: cfg.Alert.RetryBaseDelay,
		RetryMaxDelay:  cfg.Alert.RetryMaxDelay,
		DrainTimeout:   cfg.Alert.DrainTimeout,
	}, logger)

	evaluator := alert.NewEvaluator(cfg.Scorer.AlertThreshold, cfg.Alert.Cooldown)

	p := pipeline.New(
		pipeline.Config{
			Poller:            cfg.Poller,
			DecodeWorkers:     cfg.Pipeline.DecodeWorkers,
			ChannelBufferSize: cfg.Pipeline.ChannelBufferSize,
			MonitoredAddrs:    cfg.Scorer.MonitoredAddrs,
			AlertThreshold:    cfg.Scorer.AlertThreshold,
		},
		source,
		cursorRepo,
		transferRepo,
		alertRepo,
		sc,
		evaluator,
		coordinator,
		window.New(cfg.Window.Capacity, cfg.Window.Horizon),
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, p.Health(), logger)
	})
	g.Go(func() error {
		return p.Run(gCtx)
	})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("monitor exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("monitor shut down gracefully")
}

// buildChannels assembles every delivery channel the configuration names.
// With none configured the coordinator still runs against a noop channel
// so alert dedup and persistence behave the same everywhere.
func buildChannels(cfg *config.Config, logger *slog.Logger) ([]alert.Channel, error) {
	var channels []alert.Channel
	symbol := cfg.Ledger.TokenSymbol
	decimals := cfg.Ledger.TokenDecimals

	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackChannel(cfg.Alert.SlackWebhookURL, symbol, decimals))
	}
	if cfg.Alert.TelegramBotToken != "" {
		tg, err := alert.NewTelegramChannel(cfg.Alert.TelegramBotToken, cfg.Alert.TelegramChatID, symbol, decimals)
		if err != nil {
			return nil, fmt.Errorf("telegram channel: %w", err)
		}
		channels = append(channels, tg)
	}
	if cfg.Alert.DiscordWebhookURL != "" {
		channels = append(channels, alert.NewDiscordChannel(cfg.Alert.DiscordWebhookURL, symbol, decimals))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel(cfg.Alert.WebhookURL, decimals))
	}
	if len(cfg.Alert.KafkaBrokers) > 0 {
		kc, err := alert.NewKafkaChannel(cfg.Alert.KafkaBrokers, cfg.Alert.KafkaTopic, nil)
		if err != nil {
			return nil, fmt.Errorf("kafka channel: %w", err)
		}
		channels = append(channels, kc)
	}

	if len(channels) == 0 {
		logger.Warn("no alert channels configured, using noop channel")
		channels = append(channels, &alert.NoopChannel{})
	}

	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, ch.Name())
	}
	logger.Info("alert channels configured", "channels", names)
	return channels, nil
}

func runHealthServer(ctx context.Context, port int, health *pipeline.Health, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := health.Snapshot()
		status := http.StatusOK
		if snap.Status == string(pipeline.HealthStatusUnhealthy) {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if _, err := fmt.Fprintf(w, `{"status":%q,"consecutive_failures":%d}`, snap.Status, snap.ConsecutiveFailures); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
