package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Postgres and Redis configuration
//   - http.go: HTTP server and live update hub configuration
//   - services.go: Service mode, queue, worker, reconciler and retention configuration
//   - pipeline.go: Artifact storage and analyzer configuration
type AppConfig struct {
	// IsDev controls development mode behavior (verbose logging, relaxed defaults).
	// Set DEV=true or NODE_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// HTTP server configuration
	HTTP HTTPConfig
	Hub  HubConfig

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"http"`

	Queue      QueueConfig
	Worker     WorkerConfig
	Reconciler ReconcilerConfig
	Retention  RetentionConfig

	Storage  StorageConfig
	Analyzer AnalyzerConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Postgres.Sanitize()
	c.HTTP.Sanitize()
	c.Hub.Sanitize()

	c.Queue.Sanitize()
	c.Worker.Sanitize()
	c.Queue.FitLease(c.Worker.HardBudget)
	c.Reconciler.Sanitize()
	c.Retention.Sanitize()

	c.Storage.Sanitize()
	c.Analyzer.Sanitize()
	c.Observability.Sanitize()

	// Check NODE_ENV for dev mode
	c.detectDevMode()
}

// detectDevMode checks both DEV and NODE_ENV environment variables.
// NODE_ENV is checked as a fallback (common in frontend tooling).
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	return c.serviceEnabled(ServiceModeHTTP)
}

// IsWorkerEnabled returns true if the analysis worker pool is enabled.
func (c *AppConfig) IsWorkerEnabled() bool {
	return c.serviceEnabled(ServiceModeWorker)
}

// IsReconcilerEnabled returns true if the status reconciler is enabled.
func (c *AppConfig) IsReconcilerEnabled() bool {
	return c.serviceEnabled(ServiceModeReconciler)
}
