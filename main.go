package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execution-core/internal/advisory"
	"execution-core/internal/api"
	"execution-core/internal/audit"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/market"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/schedule"
	"execution-core/pkg/auth"
	"execution-core/pkg/broker"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/logging"
	"execution-core/pkg/ratelimit"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New("execution-core", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("execution core stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	mode := order.ModeFromFlag(cfg.DryRun)
	logger.Info("starting execution core",
		zap.String("version", buildVersion),
		zap.String("mode", mode.String()),
		zap.String("db_path", cfg.DBPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	gate, err := ratelimit.NewGatekeeper(cfg.RateLimits, logger)
	if err != nil {
		return err
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init db: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	brokerClient := broker.New(broker.Config{
		BaseURL:   cfg.BrokerBaseURL,
		AppKey:    cfg.BrokerAppKey,
		AppSecret: cfg.BrokerAppSecret,
		AccountNo: cfg.BrokerAccountNo,
		Virtual:   cfg.BrokerVirtual,
	}, gate, logger)
	tokens := auth.NewTokenCache(brokerClient, cfg.TokenRefreshMargin, auth.WithLogger(logger))

	// Alerting
	alerts := monitor.MultiSink{monitor.LogSink{Logger: logger}}
	if cfg.AlertWebhookURL != "" {
		alerts = append(alerts, monitor.NewWebhookSink(cfg.AlertWebhookURL))
	}

	// Audit trail
	sinks := audit.Multi{audit.SQLiteSink{DB: database}, audit.LogSink{Logger: logger}}
	if len(cfg.KafkaBrokers) > 0 {
		kc, err := audit.NewKafkaClient(cfg.KafkaBrokers, logger)
		if err != nil {
			logger.Warn("kafka audit disabled", zap.Error(err))
		} else {
			defer kc.Close()
			sinks = append(sinks, audit.NewKafkaSink(kc, cfg.KafkaAuditTopic, logger))
		}
	}

	// Order flow
	positions := order.NewPositionBook(logger)
	go positions.Run(ctx, bus)

	executor := order.NewExecutor(brokerClient, tokens, positions, logger)
	queue := order.NewQueue(order.QueueConfig{Mode: mode, PollInterval: cfg.QueuePollInterval}, executor, logger)
	queue.SetAuditSink(sinks)
	queue.SetAlertSink(alerts)
	queue.SetBus(bus)
	if mode == order.ModeDryRun {
		logger.Warn("dry-run mode: orders are recorded, never sent")
	}

	// Trading loop
	policy, err := risk.NewTrailingPolicy(cfg.TrailingStartPct, cfg.TrailingRatio)
	if err != nil {
		return err
	}
	registry := engine.NewRegistry()
	loop := engine.NewLoop(engine.LoopConfig{Workers: cfg.LoopWorkers, Policy: policy}, registry, queue, logger)
	loop.SetBus(bus)

	// Market data: provider stream, or the mock feed when none is configured
	var stream *market.StreamClient
	if cfg.StreamURL != "" {
		stream = market.NewStreamClient(market.StreamConfig{URL: cfg.StreamURL, RetryDelay: cfg.StreamRetryDelay}, bus, logger)
		stream.SetGate(gate)
		stream.SetTokenSource(tokens)
		loop.SetStream(stream)
	} else {
		mock := market.MockFeed{Bus: bus, Instruments: registry.Instruments, Seed: registry.Midpoint, Logger: logger}
		mock.Start(ctx)
		logger.Info("mock market feed started")
	}

	if err := loop.Start(ctx); err != nil {
		return err
	}
	go queue.Run(ctx)

	// Static plans
	if cfg.TargetsFile != "" {
		plans, err := advisory.LoadPlansFile(cfg.TargetsFile)
		if err != nil {
			logger.Warn("load targets file failed", zap.String("path", cfg.TargetsFile), zap.Error(err))
		}
		for _, p := range plans {
			if err := loop.RegisterTarget(p); err != nil {
				logger.Warn("static plan rejected", zap.String("instrument", p.Instrument), zap.Error(err))
			}
		}
		logger.Info("static plans loaded", zap.Int("count", registry.Len()))
	}

	// Optional advisory service
	var planner *advisory.Planner
	if cfg.AdvisoryAddr != "" {
		client, err := advisory.Dial(cfg.AdvisoryAddr, gate, logger)
		if err != nil {
			logger.Warn("advisory client init failed", zap.Error(err))
		} else {
			defer client.Close()
			planner = &advisory.Planner{
				Source:   client,
				Reviewer: client,
				MinScore: cfg.AdvisoryMinScore,
				Plans:    loop,
				Orders:   queue,
				Logger:   logger,
			}
			logger.Info("advisory service enabled", zap.String("addr", cfg.AdvisoryAddr))
		}
	}

	// Live accounts only: compare the position book with broker holdings.
	if mode == order.ModeProduction {
		recon := reconciliation.NewService(brokerClient, tokens, positions, reconciliation.Config{
			Interval:    cfg.ReconcileInterval,
			AutoSync:    cfg.ReconcileAutoSync,
			Instruments: registry.Instruments,
		}, logger)
		recon.SetBus(bus)
		recon.Start(ctx)
	}

	// Engine service
	svcCfg := engine.Config{Loop: loop, Queue: queue, Rates: gate, Version: buildVersion}
	if stream != nil {
		svcCfg.Stream = stream
	}
	engService := engine.NewImpl(svcCfg)

	// Trading session
	session := schedule.Session{
		Prepare: func(ctx context.Context) error {
			if cfg.BrokerBaseURL != "" {
				if _, err := tokens.GetValidToken(ctx); err != nil {
					return fmt.Errorf("warm token: %w", err)
				}
			}
			if planner != nil {
				if _, err := planner.Refresh(ctx); err != nil {
					return fmt.Errorf("advisory refresh: %w", err)
				}
			}
			return nil
		},
		Open: func(ctx context.Context) error {
			if stream == nil {
				return nil
			}
			cred, err := tokens.GetValidToken(ctx)
			if err != nil {
				return fmt.Errorf("stream token: %w", err)
			}
			if err := stream.Connect(cred); err != nil {
				return err
			}
			n := loop.ResubscribeAll()
			logger.Info("session opened", zap.Int("subscribed", n))
			return nil
		},
		Close: func(ctx context.Context) error {
			if stream != nil {
				stream.Disconnect()
			}
			logger.Info("session closed", zap.Int("pending_intents", queue.PendingCount()))
			return nil
		},
		Report: func(ctx context.Context) error {
			s, err := database.DailySummary(ctx, time.Now(), loc)
			if err != nil {
				return err
			}
			logger.Info("daily summary",
				zap.String("day", s.Day),
				zap.Int("total", s.Total),
				zap.Int("succeeded", s.Succeeded),
				zap.Int("failed", s.Failed),
				zap.Int("emergency", s.Emergency),
				zap.Int("dry_run", s.DryRun),
			)
			return nil
		},
	}

	// Jobs stay runnable from the API when the clock is off.
	sched, err := schedule.New(loc, logger, session.Jobs()...)
	if err != nil {
		return err
	}
	if cfg.EnableScheduler {
		go sched.Run(ctx)
	}

	// Alert forwarding
	mon := &monitor.Monitor{Bus: bus, Sink: alerts, Logger: logger}
	mon.Start(ctx)

	// Catch up when started mid-session or without a scheduler.
	if err := session.Prepare(ctx); err != nil {
		logger.Warn("startup prepare failed", zap.Error(err))
	}
	if !cfg.EnableScheduler || inSession(time.Now().In(loc)) {
		if err := session.Open(ctx); err != nil {
			logger.Warn("startup open failed", zap.Error(err))
		}
	}

	// Health
	health := monitor.NewHealth(logger)
	go func() {
		if err := health.Serve(cfg.HealthGRPCAddr); err != nil {
			logger.Error("health server error", zap.Error(err))
		}
	}()

	// API
	server := api.NewServer(api.ServerConfig{
		Engine:    engService,
		Bus:       bus,
		Health:    health,
		Jobs:      sched,
		JWTSecret: cfg.JWTSecret,
		Logger:    logger,
	})
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set; protected endpoints are disabled")
	}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(":" + cfg.Port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("api server error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	health.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("api shutdown", zap.Error(err))
	}
	if stream != nil {
		stream.Disconnect()
	}
	cancel()
	loop.Wait()
	sched.Wait()
	logger.Info("execution core stopped", zap.Int("pending_intents", queue.PendingCount()))
	return nil
}

// inSession reports whether now falls inside weekday exchange hours.
func inSession(now time.Time) bool {
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= 9*60 && minutes < 15*60+30
}
