package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/review-pulse/config"
	"github.com/target/review-pulse/internal/adapters/analyzer"
	"github.com/target/review-pulse/internal/adapters/charts"
	redisadapter "github.com/target/review-pulse/internal/adapters/redis"
	"github.com/target/review-pulse/internal/adapters/storage"
	"github.com/target/review-pulse/internal/adapters/worker"
	"github.com/target/review-pulse/internal/core"
	"github.com/target/review-pulse/internal/data"
	"github.com/target/review-pulse/internal/domain/job"
	httpx "github.com/target/review-pulse/internal/http"
	"github.com/target/review-pulse/internal/observability/notify/pagerduty"
	"github.com/target/review-pulse/internal/observability/notify/slack"
	"github.com/target/review-pulse/internal/observability/statsd"
	"github.com/target/review-pulse/internal/service"
	"github.com/target/review-pulse/internal/service/failurenotifier"
)

// ServiceContainer holds all application services. Mode-specific members are
// nil when their mode is disabled.
type ServiceContainer struct {
	Repo   *data.JobRepo
	Queue  *redisadapter.TaskQueue
	Bus    *redisadapter.EventBus
	Store  core.ArtifactStore
	Hub    *job.Hub
	Events core.EventPublisher
	// Cache is nil when HTTP_JOB_CACHE_TTL is 0.
	Cache core.CacheRepository

	Jobs       *service.JobService
	Submitter  *service.SubmitterService
	Reconciler *service.ReconcilerService
	Retention  *service.RetentionService
	Executor   *worker.Executor

	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
}

// Close releases observability resources.
func (o ObservabilityContainer) Close() error {
	return o.MetricsSink.Close()
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// buildObservability configures metrics and failure alert sinks. A StatsD
// endpoint that cannot be dialed disables metrics rather than the process.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.Prefix,
			Logger:  logger,
		})
		if err != nil {
			logger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:     metricsSink,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: buildFailureNotifier(logger, cfg.Notifications),
	}
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	var sinks []failurenotifier.SinkRegistration

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			DashboardURL: cfg.Slack.DashboardURL,
		})
		if err != nil {
			logger.Error("failed to configure slack notifications", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			logger.Error("failed to configure pagerduty notifications", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
		}
	}

	if len(sinks) > 0 {
		logger.Info("job failure alerts enabled", "sinks", len(sinks))
	}
	return failurenotifier.NewService(failurenotifier.Options{Logger: logger, Sinks: sinks})
}

// NewServices constructs every component the enabled modes need.
func NewServices(ctx context.Context, deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	enabled, err := cfg.GetEnabledServices()
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("determine enabled services: %w", err)
	}

	obs := buildObservability(logger, cfg.Observability)
	metrics := obs.MetricsSink

	c := ServiceContainer{
		Repo: data.NewJobRepo(deps.DB, data.RepoConfig{Logger: logger}),
		Hub: job.NewHub(job.HubOptions{
			Buffer:      cfg.Hub.Buffer,
			MaxOverflow: cfg.Hub.MaxOverflow,
			Logger:      logger,
			Metrics:     metrics,
		}),
		Observability: obs,
	}

	if c.Queue, err = redisadapter.NewTaskQueue(deps.RedisClient, redisadapter.TaskQueueOptions{
		Prefix:            cfg.Queue.Prefix,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxDeliveries:     cfg.Queue.MaxDeliveries,
		ResultTTL:         cfg.Queue.ResultTTL,
		Logger:            logger,
	}); err != nil {
		return ServiceContainer{}, fmt.Errorf("task queue: %w", err)
	}
	if c.Bus, err = redisadapter.NewEventBus(deps.RedisClient, redisadapter.EventBusOptions{
		Channel: cfg.Hub.EventChannel,
		Logger:  logger,
	}); err != nil {
		return ServiceContainer{}, fmt.Errorf("event bus: %w", err)
	}
	if c.Store, err = storage.New(ctx, cfg.Storage); err != nil {
		return ServiceContainer{}, fmt.Errorf("artifact store: %w", err)
	}

	if cfg.HTTP.JobCacheTTL > 0 {
		c.Cache = data.NewRedisCacheRepo(deps.RedisClient, "")
	}

	// Every process publishes to the bus; HTTP processes relay it into their hub.
	c.Events = failurenotifier.NewAlertingPublisher(failurenotifier.PublisherOptions{
		Next:     c.Bus,
		Jobs:     c.Repo,
		Notifier: obs.FailureNotifier,
		Timeout:  cfg.Observability.Notifications.Timeout * time.Duration(cfg.Observability.Notifications.RetryLimit+1),
		Logger:   logger,
	})

	if enabled[config.ServiceModeHTTP] {
		c.Jobs = service.MustNewJobService(service.JobServiceOptions{
			Repo:     c.Repo,
			Store:    c.Store,
			Cache:    c.Cache,
			CacheTTL: cfg.HTTP.JobCacheTTL,
			Logger:   logger,
		})
		c.Submitter = service.MustNewSubmitterService(service.SubmitterServiceOptions{
			Jobs:    c.Repo,
			Queue:   c.Queue,
			Store:   c.Store,
			Events:  c.Events,
			Logger:  logger,
			Metrics: metrics,
		})
	}

	if enabled[config.ServiceModeWorker] {
		if c.Executor, err = newExecutor(&c, cfg, logger); err != nil {
			return ServiceContainer{}, err
		}
	}

	if enabled[config.ServiceModeReconciler] {
		if c.Reconciler, err = service.NewReconcilerService(service.ReconcilerServiceOptions{
			Jobs:    c.Repo,
			Broker:  c.Queue,
			Events:  c.Events,
			Config:  cfg.Reconciler,
			Logger:  logger,
			Metrics: metrics,
		}); err != nil {
			return ServiceContainer{}, fmt.Errorf("reconciler: %w", err)
		}
		if cfg.Retention.Enabled {
			if c.Retention, err = service.NewRetentionService(service.RetentionServiceOptions{
				Repo:    c.Repo,
				Store:   c.Store,
				Cache:   c.Cache,
				Config:  cfg.Retention,
				Logger:  logger,
				Metrics: metrics,
			}); err != nil {
				return ServiceContainer{}, fmt.Errorf("retention: %w", err)
			}
		}
	}

	return c, nil
}

func newExecutor(c *ServiceContainer, cfg *config.AppConfig, logger *slog.Logger) (*worker.Executor, error) {
	a, err := analyzer.New(cfg.Analyzer)
	if err != nil {
		return nil, fmt.Errorf("analyzer: %w", err)
	}
	retry, err := job.NewBackoff(200*time.Millisecond, 5*time.Second, cfg.Worker.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("worker retry policy: %w", err)
	}
	exec, err := worker.NewExecutor(worker.ExecutorOptions{
		Jobs:            c.Repo,
		Tasks:           c.Queue,
		Reader:          storage.NewDocumentReader(c.Store, 0),
		Analyzer:        a,
		Charts:          charts.NewGenerator(charts.Options{}),
		Store:           c.Store,
		Events:          c.Events,
		Metrics:         c.Observability.MetricsSink,
		Logger:          logger,
		ItemConcurrency: cfg.Worker.ItemConcurrency,
		ItemTimeout:     cfg.Worker.ItemTimeout,
		SoftBudget:      cfg.Worker.SoftBudget,
		HardBudget:      cfg.Worker.HardBudget,
		Retry:           retry,
	})
	if err != nil {
		return nil, fmt.Errorf("worker executor: %w", err)
	}
	logger.Info("analysis worker configured",
		"analyzer", cfg.Analyzer.Backend,
		"storage", cfg.Storage.Backend,
		"item_concurrency", cfg.Worker.ItemConcurrency,
	)
	return exec, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// healthChecks probes the infrastructure every mode depends on.
func healthChecks(db *sql.DB, client redis.UniversalClient) map[string]httpx.HealthCheck {
	checks := map[string]httpx.HealthCheck{}
	if db != nil {
		checks["postgres"] = db.PingContext
	}
	if client != nil {
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return checks
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:       deps.cfg.Config,
		Services:     deps.cfg.Services,
		HealthChecks: healthChecks(deps.cfg.DB, deps.cfg.RedisClient),
		Logger:       deps.logger,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))
	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}
		handles = append(handles, backgroundServiceHandle{mode: svc.mode, name: svc.name, done: done})
	}
	return handles
}

func newEventRelayBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeHTTP,
		name: "event relay",
		start: func(ctx context.Context) error {
			return RunEventRelay(ctx, EventRelayConfig{
				Bus:    deps.cfg.Services.Bus,
				Hub:    deps.cfg.Services.Hub,
				Logger: deps.logger,
			})
		},
	}
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "analysis worker",
		start: func(ctx context.Context) error {
			return RunWorker(ctx, WorkerRunConfig{
				Executor: deps.cfg.Services.Executor,
				Queue:    deps.cfg.Services.Queue,
				Config:   deps.cfg.Config.Worker,
				Metrics:  deps.cfg.Services.Observability.MetricsSink,
				Logger:   deps.logger,
			})
		},
	}
}

func newReconcilerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReconciler,
		name: "status reconciler",
		start: func(ctx context.Context) error {
			if deps.cfg.Services.Reconciler == nil {
				return errors.New("reconciler service not configured")
			}
			return RunReconciler(ctx, ReconcilerRunConfig{
				Sweeper:  deps.cfg.Services.Reconciler,
				Schedule: deps.cfg.Config.Reconciler.Schedule,
				Metrics:  deps.cfg.Services.Observability.MetricsSink,
				Logger:   deps.logger,
			})
		},
	}
}

// newRetentionBackgroundService runs alongside the reconciler when retention is enabled.
func newRetentionBackgroundService(deps *serviceStartupDeps) backgroundService {
	retention := deps.cfg.Services.Retention
	return backgroundService{
		mode:  config.ServiceModeReconciler,
		name:  "retention purge",
		start: retention.Run,
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil || deps.cfg == nil || deps.cfg.Config == nil {
		return nil
	}
	services := []backgroundService{
		newEventRelayBackgroundService(deps),
		newWorkerBackgroundService(deps),
		newReconcilerBackgroundService(deps),
	}
	if deps.cfg.Services.Retention != nil {
		services = append(services, newRetentionBackgroundService(deps))
	}
	return services
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(ctx context.Context, cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	serviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	return waitForShutdown(shutdownConfig{
		ctx:         ctx,
		cancel:      cancel,
		quit:        quit,
		errCh:       errCh,
		httpServer:  result.HTTPServer,
		httpTimeout: cfg.Config.HTTP.ShutdownTimeout,
		hub:         cfg.Services.Hub,
		logger:      logger,
		backgrounds: result.Background,
	})
}

// errorChannelBufferSize leaves room for one error per enabled mode plus the relay.
func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	size := 1
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			size++
		}
	}
	return size
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	quit        <-chan os.Signal
	errCh       <-chan error
	httpServer  *http.Server
	httpTimeout time.Duration
	hub         *job.Hub
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal, parent cancellation or service error.
func waitForShutdown(cfg shutdownConfig) error {
	select {
	case sig := <-cfg.quit:
		cfg.logger.Info("shutting down services...", "signal", sig.String())
		cfg.cancel()
		return gracefulStop(cfg)
	case <-cfg.ctx.Done():
		cfg.logger.Info("shutting down services...", "reason", cfg.ctx.Err())
		cfg.cancel()
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop stops the HTTP server first so no new submissions arrive,
// then waits for background services to drain.
func gracefulStop(cfg shutdownConfig) error {
	var stopErr error
	if cfg.httpServer != nil {
		timeout := cfg.httpTimeout
		if timeout <= 0 {
			timeout = shutdownWaitTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(cfg.ctx), timeout)
		defer cancel()

		stopErr = ShutdownHTTPServer(ShutdownConfig{
			Context: shutdownCtx,
			Server:  cfg.httpServer,
			Hub:     cfg.hub,
			Logger:  cfg.logger,
		})
	}

	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
	return stopErr
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
