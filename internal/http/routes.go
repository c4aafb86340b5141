package httpx

import (
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	reviewpulse "github.com/target/review-pulse"
	"github.com/target/review-pulse/config"
	"github.com/target/review-pulse/internal/domain/job"
	"github.com/target/review-pulse/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Jobs      *service.JobService
	Submitter *service.SubmitterService
	Hub       *job.Hub
	HTTP      config.HTTPConfig
	// LiveWriteTimeout bounds one websocket frame write.
	LiveWriteTimeout time.Duration
	// HealthChecks are run by /healthz; keys name the dependency.
	HealthChecks map[string]HealthCheck
	// Dashboard overrides the embedded dashboard files (tests).
	Dashboard fs.FS
	Logger    *slog.Logger
}

// NewRouter creates and configures the HTTP router with its middleware.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := services.HTTP
	cfg.Sanitize()

	mux := http.NewServeMux()

	jobHandlers := &JobHandlers{
		Jobs:            services.Jobs,
		Submitter:       services.Submitter,
		MaxUploadBytes:  cfg.MaxUploadBytes,
		DefaultPageSize: cfg.DefaultPageSize,
		MaxPageSize:     cfg.MaxPageSize,
		Logger:          logger,
	}
	registerJobRoutes(mux, jobHandlers)

	live := &LiveHandlers{Hub: services.Hub, WriteTimeout: services.LiveWriteTimeout, Logger: logger}
	mux.Handle("GET /ws/", live.Handler())

	health := healthHandler(services.HealthChecks)
	mux.Handle("GET /healthz", health)
	mux.Handle("HEAD /healthz", health)
	mux.Handle("GET /{$}", dashboardHandler(services.Dashboard, logger))

	return Chain(mux,
		Recover(logger),
		Logging(logger),
		Compression(0),
	)
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /api/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /api/jobs/{id}/charts", h.DownloadCharts)
}

// dashboardHandler serves index.html from the embedded web directory.
func dashboardHandler(dashboard fs.FS, logger *slog.Logger) http.Handler {
	if dashboard == nil {
		sub, err := fs.Sub(reviewpulse.DashboardFS, "web")
		if err != nil {
			logger.Error("dashboard assets unavailable", "error", err)
			return http.NotFoundHandler()
		}
		dashboard = sub
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFileFS(w, r, dashboard, "index.html")
	})
}
