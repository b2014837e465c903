// Command tracker runs the Tracker service (§4.3): it polls the sent queues
// for downstream tasks that have reached a completed status and promotes
// them into CompletionEvents on the responses queue for the Worker to
// consume.
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

	"github.com/vlikhobabin/exchanger/internal/bitrix"
	"github.com/vlikhobabin/exchanger/internal/config"
	"github.com/vlikhobabin/exchanger/internal/httpserver"
	"github.com/vlikhobabin/exchanger/internal/logging"
	"github.com/vlikhobabin/exchanger/internal/metrics"
	"github.com/vlikhobabin/exchanger/internal/mq"
	"github.com/vlikhobabin/exchanger/internal/service"
	"github.com/vlikhobabin/exchanger/internal/singleton"
	"github.com/vlikhobabin/exchanger/internal/tracker"
)

const role = config.RoleTracker

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
		logger.Fatal(ctx, "another tracker instance is already running", err)
	}
	defer lock.Release()

	downstreamClient, err := bitrix.New(bitrix.Config{
		BaseURL:       cfg.DownstreamBaseURL,
		Timeout:       cfg.DownstreamTimeout,
		RateLimitPerS: cfg.DownstreamRateLimit,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal(ctx, "build downstream client", err)
	}

	broker, err := mq.Dial(cfg.MQURL, logger)
	if err != nil {
		logger.Fatal(ctx, "dial message broker", err)
	}
	defer broker.Close()

	if err := broker.DeclareTopology(ctx, mq.Topology{
		Exchange:    cfg.MQExchange,
		PlainQueues: []string{cfg.MQSentQueue, cfg.MQResponseQueue},
	}); err != nil {
		logger.Fatal(ctx, "declare queue topology", err)
	}

	tr := tracker.New(downstreamClient, broker, tracker.Config{
		ResponsesQueue: cfg.MQResponseQueue,
		Batch:          cfg.TrackerBatch,
		AnswerLabels:   cfg.AnswerLabels(),
	}, logger)

	base := service.NewBase(&service.BaseConfig{
		ID:      role,
		Name:    "exchanger-tracker",
		Version: "dev",
		Logger:  logger,
	})

	base.AddTickerWorker(cfg.TrackerPollInterval, func(ctx context.Context) error {
		return tr.PollQueue(ctx, cfg.MQSentQueue)
	}, service.WithTickerWorkerName("poll:"+cfg.MQSentQueue))

	m := metrics.New(role)
	httpSrv := buildHTTPServer(role, base, m, config.GetPort(role, 8093))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := base.Start(runCtx); err != nil {
		logger.Fatal(ctx, "start tracker service", err)
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithContext(ctx).WithError(err).Error("http server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.WithContext(ctx).Info("shutting down tracker")
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
