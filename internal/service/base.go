// Package service provides the shared process lifecycle used by the worker,
// task-creator and tracker binaries: a stop channel, optional hydrate hook,
// and periodic background workers driven by AddTickerWorker.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vlikhobabin/exchanger/internal/logging"
)

// Dependency is a component the service depends on and can probe for
// liveness (the MQ broker, the engine client, the downstream client).
type Dependency interface {
	Ping(ctx context.Context) error
}

// BaseConfig contains shared configuration for a role process.
type BaseConfig struct {
	ID           string
	Name         string
	Version      string
	Logger       *logging.Logger
	Dependencies map[string]Dependency
}

// BaseService provides hydrate/worker wiring and stop handling shared by the
// worker, task-creator and tracker roles.
type BaseService struct {
	id      string
	name    string
	version string
	logger  *logging.Logger

	stopCh   chan struct{}
	stopOnce sync.Once

	hydrate func(context.Context) error
	statsFn func() map[string]any

	workers []func(context.Context)

	deps map[string]Dependency

	healthMu        sync.RWMutex
	lastHealthCheck time.Time
	lastHealthy     map[string]bool
	startTime       time.Time
}

// NewBase constructs a BaseService from shared config.
func NewBase(cfg *BaseConfig) *BaseService {
	cfgValue := BaseConfig{}
	if cfg != nil {
		cfgValue = *cfg
	}

	logger := cfgValue.Logger
	if logger == nil {
		serviceName := cfgValue.ID
		if serviceName == "" {
			serviceName = "service"
		}
		logger = logging.NewFromEnv(serviceName)
	}

	return &BaseService{
		id:      cfgValue.ID,
		name:    cfgValue.Name,
		version: cfgValue.Version,
		logger:  logger,
		stopCh:  make(chan struct{}),
		deps:    cfgValue.Dependencies,
	}
}

// ID returns the role identifier (e.g. "worker", "task-creator", "tracker").
func (b *BaseService) ID() string { return b.id }

// Name returns the human-readable service name.
func (b *BaseService) Name() string { return b.name }

// Version returns the build version string.
func (b *BaseService) Version() string { return b.version }

// Logger returns the service's structured logger.
func (b *BaseService) Logger() *logging.Logger {
	if b == nil || b.logger == nil {
		return logging.NewFromEnv("service")
	}
	return b.logger
}

// WithHydrate sets an optional hydrate hook executed during Start, before
// any background workers are launched.
func (b *BaseService) WithHydrate(fn func(context.Context) error) *BaseService {
	b.hydrate = fn
	return b
}

// WithStats sets a statistics provider function for the /info endpoint.
func (b *BaseService) WithStats(fn func() map[string]any) *BaseService {
	b.statsFn = fn
	return b
}

// Stats returns the current statistics snapshot, or nil if none was set.
func (b *BaseService) Stats() map[string]any {
	if b.statsFn == nil {
		return nil
	}
	return b.statsFn()
}

// AddWorker registers a background worker started after hydrate completes.
// Workers receive the context and should also monitor StopChan().
func (b *BaseService) AddWorker(fn func(context.Context)) *BaseService {
	b.workers = append(b.workers, fn)
	return b
}

type tickerWorkerConfig struct {
	name           string
	runImmediately bool
}

// TickerWorkerOption configures AddTickerWorker behavior.
type TickerWorkerOption func(*tickerWorkerConfig)

// WithTickerWorkerName sets a friendly name used in error logs.
func WithTickerWorkerName(name string) TickerWorkerOption {
	return func(cfg *tickerWorkerConfig) { cfg.name = name }
}

// WithTickerWorkerImmediate causes the worker to run once immediately on
// start, before waiting for the first ticker interval.
func WithTickerWorkerImmediate() TickerWorkerOption {
	return func(cfg *tickerWorkerConfig) { cfg.runImmediately = true }
}

// AddTickerWorker registers a periodic background worker. This is the
// pattern the worker's per-topic fetch loop, the task-creator's per-queue
// consume loop, and the tracker's per-sent-queue poll loop are all built on.
func (b *BaseService) AddTickerWorker(interval time.Duration, fn func(context.Context) error, opts ...TickerWorkerOption) *BaseService {
	cfg := tickerWorkerConfig{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	worker := func(ctx context.Context) {
		logWorkerError := func(err error) {
			if err == nil {
				return
			}
			entry := b.Logger().WithContext(ctx).WithError(err)
			if cfg.name != "" {
				entry = entry.WithField("worker", cfg.name)
			}
			entry.Warn("worker error")
		}

		if cfg.runImmediately {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			default:
			}
			if err := fn(ctx); err != nil {
				logWorkerError(err)
			}
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					logWorkerError(err)
				}
			}
		}
	}
	b.workers = append(b.workers, worker)
	return b
}

// StopChan exposes the stop channel for worker goroutines.
func (b *BaseService) StopChan() <-chan struct{} {
	return b.stopCh
}

// Start runs hydrate once, then spins up all registered workers as
// goroutines sharing ctx.
func (b *BaseService) Start(ctx context.Context) error {
	b.healthMu.Lock()
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	b.healthMu.Unlock()

	if b.hydrate != nil {
		if err := b.hydrate(ctx); err != nil {
			return fmt.Errorf("hydrate: %w", err)
		}
	}

	for _, w := range b.workers {
		worker := w
		go worker(ctx)
	}
	return nil
}

// Stop signals all workers to exit. Idempotent.
func (b *BaseService) Stop() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	return nil
}

// WorkerCount returns the number of registered background workers.
func (b *BaseService) WorkerCount() int {
	return len(b.workers)
}

// CheckHealth refreshes the cached health state by pinging every registered
// dependency (MQ broker, engine client, downstream client).
func (b *BaseService) CheckHealth(ctx context.Context) {
	healthy := make(map[string]bool, len(b.deps))
	for name, dep := range b.deps {
		if dep == nil {
			continue
		}
		healthy[name] = dep.Ping(ctx) == nil
	}

	b.healthMu.Lock()
	b.lastHealthy = healthy
	b.lastHealthCheck = time.Now()
	b.healthMu.Unlock()
}

// HealthStatus returns "healthy" if every dependency last pinged clean,
// "degraded" if at least one is down, after refreshing the cache.
func (b *BaseService) HealthStatus(ctx context.Context) string {
	b.CheckHealth(ctx)
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	for _, ok := range b.lastHealthy {
		if !ok {
			return "degraded"
		}
	}
	return "healthy"
}

// HealthDetails returns a map describing the most recent health probe.
func (b *BaseService) HealthDetails() map[string]any {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()

	details := map[string]any{
		"dependencies": b.lastHealthy,
	}
	if !b.lastHealthCheck.IsZero() {
		details["last_check"] = b.lastHealthCheck.Format(time.RFC3339)
	} else {
		details["last_check"] = ""
	}
	uptime := time.Duration(0)
	if !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}
	details["uptime"] = uptime.String()
	return details
}
