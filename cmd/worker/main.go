// Command worker runs the engine-side service (§4.1): it fetches and locks
// external tasks from the Camunda engine for the configured topics,
// publishes them to their system queues, and drains the responses queue to
// complete or fail the corresponding engine tasks.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vlikhobabin/exchanger/internal/bpmncache"
	"github.com/vlikhobabin/exchanger/internal/config"
	"github.com/vlikhobabin/exchanger/internal/engine"
	"github.com/vlikhobabin/exchanger/internal/httpserver"
	"github.com/vlikhobabin/exchanger/internal/logging"
	"github.com/vlikhobabin/exchanger/internal/metrics"
	"github.com/vlikhobabin/exchanger/internal/mq"
	"github.com/vlikhobabin/exchanger/internal/service"
	"github.com/vlikhobabin/exchanger/internal/singleton"
	"github.com/vlikhobabin/exchanger/internal/worker"
)

const role = config.RoleWorker

func main() {
	env, cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(role, cfg.LogLevel, cfg.LogFormat)
	ctx := context.Background()

	lock, err := singleton.Acquire(singleton.DefaultPath(role, string(env)))
	if err != nil {
		logger.Fatal(ctx, "another worker instance is already running", err)
	}
	defer lock.Release()

	engineClient, err := engine.New(engine.Config{
		BaseURL:  cfg.EngineBaseURL,
		WorkerID: cfg.EngineWorkerID,
		Timeout:  cfg.EngineTimeout,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal(ctx, "build engine client", err)
	}

	cache := bpmncache.New(engineClient.ProcessDefinitionXML, bpmncache.DefaultSize, bpmncache.DefaultTTL)

	broker, err := mq.Dial(cfg.MQURL, logger)
	if err != nil {
		logger.Fatal(ctx, "dial message broker", err)
	}
	defer broker.Close()

	topics := cfg.Topics()
	if err := broker.DeclareTopology(ctx, mq.Topology{
		Exchange:    cfg.MQExchange,
		TopicQueues: topics,
		PlainQueues: []string{cfg.MQResponseQueue, cfg.MQErrorsQueue},
	}); err != nil {
		logger.Fatal(ctx, "declare queue topology", err)
	}

	w := worker.New(engineClient, broker, cache, worker.Config{
		Exchange:       cfg.MQExchange,
		ResponsesQueue: cfg.MQResponseQueue,
		ErrorsQueue:    cfg.MQErrorsQueue,
		MaxTasks:       cfg.WorkerMaxTasks,
		LockDuration:   cfg.LockDuration,
		ResponseBatch:  cfg.WorkerResponseBatch,
	}, logger)

	base := service.NewBase(&service.BaseConfig{
		ID:      role,
		Name:    "exchanger-worker",
		Version: "dev",
		Logger:  logger,
	})

	for _, topic := range topics {
		topic := topic
		base.AddTickerWorker(cfg.WorkerPollInterval, func(ctx context.Context) error {
			return w.FetchAndDispatch(ctx, topic, cfg.WorkerMaxTasks)
		}, service.WithTickerWorkerName("fetch-dispatch:"+topic))
	}
	base.AddTickerWorker(cfg.WorkerResponseInterval, w.DrainResponses, service.WithTickerWorkerName("drain-responses"))

	m := metrics.New(role)
	httpSrv := buildHTTPServer(role, base, m, config.GetPort(role, 8091))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := base.Start(runCtx); err != nil {
		logger.Fatal(ctx, "start worker service", err)
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithContext(ctx).WithError(err).Error("http server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.WithContext(ctx).Info("shutting down worker")
	_ = base.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// buildHTTPServer exposes the admin surface common to all three services:
// /healthz, /metrics, /info.
func buildHTTPServer(roleName string, base *service.BaseService, m *metrics.Metrics, port int) *http.Server {
	router := mux.NewRouter()
	router.Use(httpserver.LoggingMiddleware(base.Logger()))
	router.Use(httpserver.NewRecoveryMiddleware(base.Logger()).Handler)
	router.Use(httpserver.MetricsMiddleware(roleName, m))

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := base.HealthStatus(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintf(w, `{"status":%q}`, status)
	}).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"role":%q,"health":%v}`, roleName, base.HealthDetails())
	}).Methods(http.MethodGet)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
