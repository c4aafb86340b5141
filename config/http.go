package config

import "time"

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// MaxUploadBytes caps multipart uploads accepted by POST /api/jobs.
	MaxUploadBytes int64 `env:"HTTP_MAX_UPLOAD_BYTES" envDefault:"33554432"` // 32 MiB

	// DefaultPageSize and MaxPageSize bound job listings.
	DefaultPageSize int `env:"HTTP_DEFAULT_PAGE_SIZE" envDefault:"50"`
	MaxPageSize     int `env:"HTTP_MAX_PAGE_SIZE"     envDefault:"500"`

	// Server timeouts. Websocket connections manage their own write deadlines
	// once hijacked.
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT"     envDefault:"60s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT"    envDefault:"60s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT"     envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// JobCacheTTL is how long terminal jobs stay in the Redis read cache. 0 disables it.
	JobCacheTTL time.Duration `env:"HTTP_JOB_CACHE_TTL" envDefault:"10m"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	if h.MaxUploadBytes < 1024 {
		h.MaxUploadBytes = 1024
	}
	if h.MaxPageSize < 1 {
		h.MaxPageSize = 1
	}
	if h.DefaultPageSize < 1 || h.DefaultPageSize > h.MaxPageSize {
		h.DefaultPageSize = h.MaxPageSize
	}
	if h.Addr == "" {
		h.Addr = ":8080"
	}
	if h.ReadTimeout <= 0 {
		h.ReadTimeout = 60 * time.Second
	}
	if h.WriteTimeout <= 0 {
		h.WriteTimeout = 60 * time.Second
	}
	if h.IdleTimeout <= 0 {
		h.IdleTimeout = 120 * time.Second
	}
	if h.ShutdownTimeout <= 0 {
		h.ShutdownTimeout = 15 * time.Second
	}
	if h.JobCacheTTL < 0 {
		h.JobCacheTTL = 0
	}
}

// HubConfig controls the live update fan-out to websocket subscribers.
type HubConfig struct {
	// Buffer is the per-subscriber queue depth.
	Buffer int `env:"HUB_SUBSCRIBER_BUFFER" envDefault:"64"`

	// MaxOverflow is the number of consecutive full-queue publishes tolerated
	// before a subscriber is evicted.
	MaxOverflow int `env:"HUB_MAX_OVERFLOW" envDefault:"32"`

	// WriteTimeout bounds a single websocket frame write.
	WriteTimeout time.Duration `env:"HUB_WRITE_TIMEOUT" envDefault:"10s"`

	// EventChannel is the Redis pub/sub channel carrying job events between processes.
	EventChannel string `env:"HUB_EVENT_CHANNEL" envDefault:"reviewpulse:job-events"`
}

// Sanitize applies guardrails to hub configuration values.
func (h *HubConfig) Sanitize() {
	if h.Buffer < 1 {
		h.Buffer = 1
	}
	if h.MaxOverflow < 1 {
		h.MaxOverflow = 1
	}
	if h.WriteTimeout < time.Second {
		h.WriteTimeout = time.Second
	}
	if h.EventChannel == "" {
		h.EventChannel = "reviewpulse:job-events"
	}
}
