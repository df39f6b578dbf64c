// Package api serves the admin HTTP interface: status, mode control, the task
// queue, origin blocking, blocked execution release and the live event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/pixeldispatch/internal/coordinator"
	"github.com/mattjoyce/pixeldispatch/internal/device"
	"github.com/mattjoyce/pixeldispatch/internal/events"
	"github.com/mattjoyce/pixeldispatch/internal/intercept"
	"github.com/mattjoyce/pixeldispatch/internal/queue"
)

// TaskService is the queue surface the API needs. *queue.Queue satisfies it.
type TaskService interface {
	AddTask(ctx context.Context, req queue.AddRequest) (string, error)
	RemoveTask(ctx context.Context, id string) bool
	Get(id string) (*queue.Task, error)
	Waiting() []*queue.Task
	Executing() []*queue.Task
	Completed() []*queue.Task
	Failed() []*queue.Task
	Depth() queue.Depth
	BlockOrigin(ctx context.Context, origin string) error
	UnblockOrigin(ctx context.Context, origin string) bool
	BlockedOrigins() []string
}

// ModeService is the interceptor surface. *intercept.Interceptor satisfies it.
type ModeService interface {
	Status() intercept.Status
	SwitchModeString(ctx context.Context, mode string) error
	Resume(id string, result any) bool
	ResumeAll(result any) int
	Pending() []string
}

// ExecutionLog exposes captured executions. *coordinator.Coordinator satisfies it.
type ExecutionLog interface {
	Journal() []coordinator.Record
	RemoteLog(ctx context.Context) ([]intercept.ExecutionContext, error)
	DrainRemoteLog(ctx context.Context) ([]intercept.ExecutionContext, error)
}

// DeviceService is the device pool surface. *device.Pool satisfies it.
type DeviceService interface {
	List() []device.Device
	TogglePower(id string) (device.State, error)
	SetDisabled(id string, disabled bool) error
}

// CallService runs named operations as guarded calls.
// *coordinator.Invoker satisfies it.
type CallService interface {
	Invoke(ctx context.Context, operation string, args map[string]any, origin string) any
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// KeepAlive is the SSE comment interval.
	KeepAlive time.Duration
}

// Deps are the components behind the routes. Devices, Executions and Calls
// may be nil.
type Deps struct {
	Tasks      TaskService
	Modes      ModeService
	Executions ExecutionLog
	Devices    DeviceService
	Calls      CallService
	Events     *events.Hub
}

type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.KeepAlive <= 0 {
		config.KeepAlive = 15 * time.Second
	}
	if deps.Events == nil {
		deps.Events = events.NewHub(0)
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/openapi.json", s.handleOpenAPI)
	r.Post("/mode", s.handleSetMode)

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleAddTask)
		r.Get("/{taskID}", s.handleGetTask)
		r.Delete("/{taskID}", s.handleRemoveTask)
	})

	r.Post("/calls/{operation}", s.handleCall)

	r.Get("/origins", s.handleListBlocked)
	r.Post("/origins/{origin}/block", s.handleBlockOrigin)
	r.Delete("/origins/{origin}/block", s.handleUnblockOrigin)

	r.Get("/executions", s.handleListExecutions)
	r.Post("/executions/resume", s.handleResume)
	r.Get("/remote", s.handleRemoteLog)
	r.Post("/remote/drain", s.handleDrainRemoteLog)

	r.Get("/devices", s.handleListDevices)
	r.Post("/devices/{deviceID}/power", s.handleTogglePower)
	r.Put("/devices/{deviceID}/enabled", s.handleSetEnabled)

	r.Get("/events", s.handleEvents)
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
