// Command task-creator runs the Task-Creator service (§4.2): it consumes
// TaskPayloads from the per-topic system queues, ensures a downstream task
// exists for each, and hands completion tracking off to the Tracker via the
// sent queue.
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
	"github.com/vlikhobabin/exchanger/internal/engine"
	"github.com/vlikhobabin/exchanger/internal/httpserver"
	"github.com/vlikhobabin/exchanger/internal/logging"
	"github.com/vlikhobabin/exchanger/internal/metrics"
	"github.com/vlikhobabin/exchanger/internal/mq"
	"github.com/vlikhobabin/exchanger/internal/service"
	"github.com/vlikhobabin/exchanger/internal/singleton"
	"github.com/vlikhobabin/exchanger/internal/taskcreator"
	"github.com/vlikhobabin/exchanger/internal/template"
)

const role = config.RoleTaskCreator

// requiredUserFields are the custom task fields the downstream system must
// expose before the Task-Creator may safely consume any message (§6 startup
// precondition, §8 property 10).
var requiredUserFields = []string{
	"externalTaskId",
	"resultAnswer",
	"resultQuestion",
	"resultExpected",
	"elementId",
	"processInstanceId",
}

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
		logger.Fatal(ctx, "another task-creator instance is already running", err)
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

	if err := checkUserFields(ctx, downstreamClient); err != nil {
		logger.Fatal(ctx, "startup precondition failed", err)
	}

	engineClient, err := engine.New(engine.Config{
		BaseURL:  cfg.EngineBaseURL,
		WorkerID: cfg.EngineWorkerID,
		Timeout:  cfg.EngineTimeout,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal(ctx, "build engine client", err)
	}

	templates := template.New(downstreamClient.GetTaskTemplate, template.DefaultSize, template.DefaultTTL)

	broker, err := mq.Dial(cfg.MQURL, logger)
	if err != nil {
		logger.Fatal(ctx, "dial message broker", err)
	}
	defer broker.Close()

	topics := cfg.Topics()
	if err := broker.DeclareTopology(ctx, mq.Topology{
		Exchange:    cfg.MQExchange,
		TopicQueues: topics,
		PlainQueues: []string{cfg.MQSentQueue, cfg.MQErrorsQueue},
	}); err != nil {
		logger.Fatal(ctx, "declare queue topology", err)
	}

	queues := make([]string, len(topics))
	for i, topic := range topics {
		queues[i] = mq.QueueName(topic)
	}

	tc := taskcreator.New(downstreamClient, templates, engineClient, broker, taskcreator.Config{
		Exchange:             cfg.MQExchange,
		SentQueue:            cfg.MQSentQueue,
		ErrorsQueue:          cfg.MQErrorsQueue,
		Queues:               queues,
		Batch:                cfg.TaskCreatorBatch,
		DefaultPriority:      cfg.DefaultPriority,
		DefaultResponsibleID: cfg.DefaultResponsibleID,
	}, logger)

	base := service.NewBase(&service.BaseConfig{
		ID:      role,
		Name:    "exchanger-task-creator",
		Version: "dev",
		Logger:  logger,
	})

	for _, queue := range queues {
		queue := queue
		base.AddTickerWorker(cfg.TaskCreatorPollInterval, func(ctx context.Context) error {
			return tc.PollQueue(ctx, queue)
		}, service.WithTickerWorkerName("poll:"+queue))
	}

	m := metrics.New(role)
	httpSrv := buildHTTPServer(role, base, m, config.GetPort(role, 8092))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := base.Start(runCtx); err != nil {
		logger.Fatal(ctx, "start task-creator service", err)
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithContext(ctx).WithError(err).Error("http server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.WithContext(ctx).Info("shutting down task-creator")
	_ = base.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// checkUserFields enforces the §6 startup precondition: the downstream
// system must expose every required custom task field before the process
// may consume a single message.
func checkUserFields(ctx context.Context, client *bitrix.Client) error {
	fields, err := client.UserFieldNames(ctx)
	if err != nil {
		return fmt.Errorf("fetch downstream user fields: %w", err)
	}
	var missing []string
	for _, name := range requiredUserFields {
		if !fields[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("downstream system is missing required custom task fields: %v", missing)
	}
	return nil
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
