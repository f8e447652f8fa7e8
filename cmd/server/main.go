// Package main is the entry point for the relaymux control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/relaymux/internal/api"
	"github.com/blueberrycongee/relaymux/internal/capacity"
	"github.com/blueberrycongee/relaymux/internal/config"
	"github.com/blueberrycongee/relaymux/internal/health"
	"github.com/blueberrycongee/relaymux/internal/metrics"
	"github.com/blueberrycongee/relaymux/internal/observability"
	"github.com/blueberrycongee/relaymux/internal/orchestrator"
	"github.com/blueberrycongee/relaymux/internal/provider"
	"github.com/blueberrycongee/relaymux/internal/provider/anthropic"
	"github.com/blueberrycongee/relaymux/internal/provider/bedrock"
	"github.com/blueberrycongee/relaymux/internal/provider/gemini"
	"github.com/blueberrycongee/relaymux/internal/provider/ollama"
	"github.com/blueberrycongee/relaymux/internal/provider/openai"
	"github.com/blueberrycongee/relaymux/internal/queue"
	"github.com/blueberrycongee/relaymux/internal/ratelimit"
	"github.com/blueberrycongee/relaymux/internal/retry"
	"github.com/blueberrycongee/relaymux/internal/router"
	"github.com/blueberrycongee/relaymux/internal/stream"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

// Exit codes: 2 when the drain deadline passes with work still in
// flight, 3 when the coordination store is unreachable at startup.
const (
	exitDrainOverrun = 2
	exitStoreDown    = 3
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfgManager, err := config.NewManager(*configPath, slog.Default())
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("starting relaymux", "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}
	defer cfgManager.Close()

	// Coordination store. Everything shared across replicas lives here;
	// without it the control plane cannot run.
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer client.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = client.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		logger.Error("coordination store unreachable", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(exitStoreDown)
	}

	// Tracing is optional; when disabled the provider is a no-exporter
	// SDK so span calls stay cheap.
	tracerProvider, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Provider registry and adapters.
	registry := provider.NewRegistry()
	registry.RegisterFactory("openai", openai.New)
	registry.RegisterFactory("anthropic", anthropic.New)
	registry.RegisterFactory("gemini", gemini.New)
	registry.RegisterFactory("ollama", ollama.New)
	registry.RegisterFactory("bedrock", bedrock.New)

	capMgr := capacity.NewManager(client, capacityConfig(cfg), logger)

	for _, provCfg := range cfg.Providers {
		adapter, err := registry.Create(adapterConfig(provCfg))
		if err != nil {
			logger.Error("failed to create provider", "name", provCfg.Name, "error", err)
			continue
		}
		capMgr.SetLimits(adapter.Name(), limitsOf(provCfg.Limits))
		logger.Info("provider registered",
			"name", adapter.Name(),
			"type", provCfg.Type,
			"models", len(adapter.Models()))
	}

	monitor := capacity.NewMonitor(capMgr, func(ev capacity.Event) {
		metrics.CapacityThresholdEvents.WithLabelValues(ev.ProviderID, string(ev.Kind)).Inc()
		logger.Warn("capacity threshold crossed",
			"provider", ev.ProviderID,
			"kind", string(ev.Kind),
			"utilization", ev.Utilization,
			"health", ev.HealthScore)
	})
	monitor.Start(ctx)

	// Admission layers: per-tier sliding window, token-bucket burst
	// borrowing, and the in-process edge guard.
	limiter := ratelimit.NewSlidingWindow(client, logger)
	burst := ratelimit.NewBurstHandler(client, burstConfig(cfg.Burst), logger)
	guard := ratelimit.NewEdgeGuard(cfg.Server.EdgeRPM, cfg.Server.EdgeBurst, 0)
	defer guard.Close()

	q := queue.New(client, queueConfig(cfg), limiter, burst, logger)
	q.SetEventFunc(func(ev queue.Event) {
		metrics.QueueEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	})

	recorder := metrics.NewRecorder(client, logger)
	evaluator := metrics.NewEvaluator(client, recorder, capMgr, alertThresholds(cfg.Alerts), logger)
	evaluator.SetDepthSource(func(ctx context.Context) (metrics.QueueDepths, error) {
		d, err := q.Depths(ctx)
		if err != nil {
			return metrics.QueueDepths{}, err
		}
		return metrics.QueueDepths{Pending: d.Pending, Delayed: d.Delayed, Processing: d.Processing}, nil
	})
	evaluator.Start(ctx)

	selector := router.NewSelector(registry, capMgr, recorder, logger)

	learner := retry.NewLearner(retryConfig(cfg.Retry))
	defer learner.Close()
	retrier := retry.NewController(retryConfig(cfg.Retry), learner)

	dispatcher := stream.NewDispatcher(stream.DefaultConfig(), logger)
	defer dispatcher.Close()

	orc := orchestrator.New(orchestrator.Config{
		MaxConcurrent:      cfg.MaxConcurrent,
		ProcessingInterval: time.Duration(cfg.ProcessingIntervalMs) * time.Millisecond,
	}, q, selector, registry, capMgr, retrier, logger)
	orc.SetStreamRelay(dispatcher)
	orc.SetMetricsRecorder(recorder)
	if cfg.Tracing.Enabled {
		orc.SetTracer(tracerProvider.Tracer())
	}
	metrics.RegisterInflight(orc.Inflight)

	prober := health.NewProber(health.Config{
		Enabled:        cfg.Health.Enabled,
		Interval:       time.Duration(cfg.Health.IntervalMs) * time.Millisecond,
		Timeout:        time.Duration(cfg.Health.TimeoutMs) * time.Millisecond,
		CooldownPeriod: time.Duration(cfg.Health.CooldownPeriodMs) * time.Millisecond,
	}, registry, selector, logger)
	prober.Start(ctx)

	// Hot-reloadable knobs: tier throttles and provider limits. A swap
	// applies to new admissions; in-flight work keeps its policy.
	cfgManager.OnChange(func(next *config.Config) {
		q.SetTierPolicies(tierPolicies(next.Tiers))
		for _, provCfg := range next.Providers {
			if _, ok := registry.Get(provCfg.Name); ok {
				capMgr.SetLimits(provCfg.Name, limitsOf(provCfg.Limits))
			}
		}
		logger.Info("runtime policies refreshed")
	})

	handler := api.NewHandler(client, q, dispatcher, registry, capMgr, recorder, logger, &api.HandlerConfig{
		Prober: prober,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	var httpHandler http.Handler = mux
	httpHandler = guard.Middleware(httpHandler)
	httpHandler = metrics.Middleware(httpHandler)
	httpHandler = observability.RequestIDMiddleware(httpHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	orc.Start(ctx)

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	// Stop intake first so workers stop picking up new requests, then
	// close the listener, then wait out in-flight work.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	drain := time.Duration(cfg.Server.DrainTimeoutSec) * time.Second
	if drain <= 0 {
		drain = 30 * time.Second
	}
	if !orc.Drain(drain) {
		logger.Error("drain deadline exceeded with requests in flight", "timeout", drain)
		os.Exit(exitDrainOverrun)
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	if err := tracerProvider.Shutdown(flushCtx); err != nil {
		logger.Warn("trace flush failed", "error", err)
	}

	logger.Info("server stopped")
}

// adapterConfig translates one provider block into the adapter contract.
func adapterConfig(p config.ProviderConfig) provider.Config {
	models := make([]types.ModelInfo, 0, len(p.Models))
	for _, m := range p.Models {
		models = append(models, types.ModelInfo{
			Name:             m.Name,
			InputCostPer1K:   m.InputCostPer1K,
			OutputCostPer1K:  m.OutputCostPer1K,
			MaxContextTokens: m.MaxContextTokens,
		})
	}
	return provider.Config{
		Name:       p.Name,
		Type:       p.Type,
		APIKey:     p.APIKey,
		BaseURL:    p.BaseURL,
		Region:     p.Region,
		Models:     models,
		Limits:     limitsOf(p.Limits),
		TimeoutSec: p.TimeoutSec,
		Headers:    p.Headers,
	}
}

func limitsOf(l config.LimitsConfig) types.Limits {
	return types.Limits{
		MaxConcurrent:     l.MaxConcurrent,
		RequestsPerMinute: l.RequestsPerMinute,
		RequestsPerHour:   l.RequestsPerHour,
		RequestsPerDay:    l.RequestsPerDay,
		TokensPerMinute:   l.TokensPerMinute,
		TokensPerHour:     l.TokensPerHour,
		TokensPerDay:      l.TokensPerDay,
	}
}

func queueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		MaxQueueSize: cfg.Queue.MaxQueueSize,
		BatchSize:    cfg.BatchSize,
		PriorityWeights: map[types.Priority]float64{
			types.PriorityCritical: cfg.PriorityWeights.Critical,
			types.PriorityHigh:     cfg.PriorityWeights.High,
			types.PriorityMedium:   cfg.PriorityWeights.Medium,
			types.PriorityLow:      cfg.PriorityWeights.Low,
		},
		TierMultipliers: map[types.Tier]float64{
			types.TierBasic:      cfg.Queue.TierMultipliers.Basic,
			types.TierPremium:    cfg.Queue.TierMultipliers.Premium,
			types.TierEnterprise: cfg.Queue.TierMultipliers.Enterprise,
		},
		Tiers:              tierPolicies(cfg.Tiers),
		CompletedRetention: time.Duration(cfg.Queue.CompletedRetentionHours) * time.Hour,
		FailedRetention:    time.Duration(cfg.Queue.FailedRetentionHours) * time.Hour,
	}
}

func tierPolicies(t config.TiersConfig) map[types.Tier]queue.TierPolicy {
	return map[types.Tier]queue.TierPolicy{
		types.TierBasic:      {RequestsPerMinute: t.Basic.RequestsPerMinute, BurstCapacity: t.Basic.BurstLimit},
		types.TierPremium:    {RequestsPerMinute: t.Premium.RequestsPerMinute, BurstCapacity: t.Premium.BurstLimit},
		types.TierEnterprise: {RequestsPerMinute: t.Enterprise.RequestsPerMinute, BurstCapacity: t.Enterprise.BurstLimit},
	}
}

func capacityConfig(cfg *config.Config) capacity.Config {
	return capacity.Config{
		WarningUtilization:  cfg.Capacity.WarningUtilization,
		CriticalUtilization: cfg.Capacity.CriticalUtilization,
		RateLimitWarning:    cfg.Capacity.RateLimitWarning,
		OverloadProtection:  cfg.Capacity.OverloadProtection,
		QueueLengthLimit:    cfg.Capacity.QueueLengthLimit,
		MonitoringInterval:  time.Duration(cfg.Capacity.MonitoringIntervalMs) * time.Millisecond,
	}
}

func burstConfig(b config.BurstConfig) ratelimit.BurstConfig {
	return ratelimit.BurstConfig{
		RefillRate:       b.RefillRate,
		BurstSize:        b.BurstSize,
		MaxBurstDuration: time.Duration(b.MaxBurstDurationMs) * time.Millisecond,
		CooldownPeriod:   time.Duration(b.CooldownPeriodMs) * time.Millisecond,
		BurstThreshold:   b.BurstThreshold,
	}
}

func retryConfig(r config.RetryConfig) retry.Config {
	return retry.Config{
		Strategy:          retry.Strategy(r.Strategy),
		MaxAttempts:       r.MaxAttempts,
		BaseDelay:         time.Duration(r.BaseDelayMs) * time.Millisecond,
		MaxDelay:          time.Duration(r.MaxDelayMs) * time.Millisecond,
		BackoffMultiplier: r.BackoffMultiplier,
		JitterRange:       r.JitterRange,
		AdaptiveFactor:    r.AdaptiveFactor,
		LearningEnabled:   r.LearningEnabled,
		SuccessThreshold:  r.SuccessThreshold,
	}
}

func alertThresholds(a config.AlertsConfig) metrics.Thresholds {
	return metrics.Thresholds{
		MinSuccessRate: a.MinSuccessRate,
		MaxP95Latency:  time.Duration(a.MaxP95LatencyMs) * time.Millisecond,
		MaxUtilization: a.MaxUtilization,
		MinSamples:     a.MinSamples,
		Interval:       time.Duration(a.IntervalMs) * time.Millisecond,
	}
}
