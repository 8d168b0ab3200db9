// Command engine runs the adaptive job scheduling engine: it wires config,
// logging, tracing and metrics, then the store/AI/executor/breaker/cycle
// stack, starts the engine's ticker loop, and serves the ambient
// health/metrics HTTP surface until signalled to shut down.
package main

import (
	"context"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nightcrew/skedge/internal/adminhttp"
	"github.com/nightcrew/skedge/internal/config"
	"github.com/nightcrew/skedge/internal/logx"
	"github.com/nightcrew/skedge/internal/metrics"
	"github.com/nightcrew/skedge/internal/tracing"
	"github.com/nightcrew/skedge/pkg/aiagent"
	"github.com/nightcrew/skedge/pkg/aiagent/httpmodel"
	"github.com/nightcrew/skedge/pkg/breaker"
	"github.com/nightcrew/skedge/pkg/cycle"
	"github.com/nightcrew/skedge/pkg/engine"
	"github.com/nightcrew/skedge/pkg/executor"
	"github.com/nightcrew/skedge/pkg/store/blobstore"
	storebreaker "github.com/nightcrew/skedge/pkg/store/breaker"
	"github.com/nightcrew/skedge/pkg/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		panic(err)
	}

	logger, err := logx.Init(logx.Config{
		Level:      cfg.Logger.Level,
		Encoding:   cfg.Logger.Encoding,
		OutputPath: cfg.Logger.OutputPath,
		Service:    "skedge-engine",
	})
	if err != nil {
		panic(err)
	}
	defer logx.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  cfg.Tracing.ServiceName,
		Environment:  os.Getenv("ENVIRONMENT"),
		Endpoint:     cfg.Tracing.Endpoint,
		Enabled:      cfg.Tracing.Enabled,
		SamplingRate: cfg.Tracing.SamplingRate,
	})
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}
	defer tracer.Shutdown(context.Background())

	st, err := postgres.New(cfg.Store.PostgresDSN)
	if err != nil {
		logger.Fatal("init postgres store", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
	breakerCache := storebreaker.New(rdb, 24*time.Hour)

	archiver, err := blobstore.New(ctx, blobstore.Config{
		Bucket:          cfg.Store.S3Bucket,
		Prefix:          "endpoint-responses",
		Region:          cfg.Store.S3Region,
		Endpoint:        cfg.Store.S3Endpoint,
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	})
	if err != nil {
		logger.Fatal("init blobstore", zap.Error(err))
	}

	httpCaller := executor.NewHTTPCaller(&http.Client{Timeout: time.Duration(cfg.Execution.DefaultTimeoutMs) * time.Millisecond})
	httpCaller.Archiver = archiver

	execRNG := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0xC0FFEE))
	exec := executor.New(httpCaller, cfg.Execution.DefaultTimeoutMs, cfg.Execution.DefaultConcurrencyLimit, execRNG)

	modelClient := httpmodel.New(cfg.AIAgent.ModelServiceURL)
	aiCfg := aiagent.Config{
		Model:                    cfg.AIAgent.Model,
		ValidateSemantics:        cfg.AIAgent.ValidateSemantics,
		SemanticStrict:           cfg.AIAgent.SemanticStrict,
		RepairMalformedResponses: cfg.AIAgent.RepairMalformedResponses,
		PromptOptimization:       cfg.AIAgent.PromptOptimization,
		MetricsHook:              aiMetricsHook,
	}
	aiAdapter := aiagent.New(modelClient, aiCfg, aiagent.DefaultSchemas())

	breakerRegistry := breaker.NewRegistry(cfg.BreakerConfig())

	cycleRNG := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0xFEEDFACE))
	hostname, _ := os.Hostname()
	processor := cycle.New(st, aiAdapter, exec, breakerRegistry, cfg.CycleConfig(hostname), cycleRNG).
		WithBreakerCache(breakerCache)

	eng, err := engine.New(engine.Config{
		IntervalMs:                 cfg.Scheduler.IntervalMs,
		CycleTimeoutMs:             cfg.Scheduler.CycleTimeoutMs,
		EnvironmentRefreshInterval: 5 * time.Minute,
	}, processor, st)
	if err != nil {
		logger.Fatal("init engine", zap.Error(err))
	}

	if err := eng.Start(ctx); err != nil {
		logger.Fatal("start engine", zap.Error(err))
	}
	logger.Info("engine started", zap.Int("intervalMs", cfg.Scheduler.IntervalMs))

	var adminServer *adminhttp.Server
	if cfg.Admin.Enabled {
		adminServer = adminhttp.New(adminhttp.Config{Port: cfg.Admin.Port}, eng, cfg.Tracing.ServiceName)
		go func() {
			logger.Info("admin http server listening", zap.String("port", cfg.Admin.Port))
			if err := adminServer.Run(); err != nil {
				logger.Error("admin http server stopped", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	eng.Stop()

	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = adminServer.Shutdown(shutdownCtx)
	}

	logger.Info("engine stopped cleanly")
}

// aiMetricsHook bridges aiagent.MetricsEvent onto the engine's Prometheus
// metrics.
func aiMetricsHook(evt aiagent.MetricsEvent) {
	switch evt.Type {
	case "call":
		metrics.AICallsTotal.WithLabelValues(evt.Phase).Inc()
	case "repairAttempt":
		metrics.RepairAttempts.WithLabelValues(evt.Phase).Inc()
	case "repairSuccess":
		metrics.RepairSuccesses.WithLabelValues(evt.Phase).Inc()
	case "repairFailure":
		metrics.RepairFailures.WithLabelValues(evt.Phase).Inc()
	case "malformed":
		metrics.MalformedResponses.WithLabelValues(evt.Phase, evt.Category).Inc()
	}
}
