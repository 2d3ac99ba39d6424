// Package api exposes executions over HTTP: submit, status, cancel, health
// and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/taskbatch/cache"
	"github.com/c360studio/taskbatch/pool"
	"github.com/c360studio/taskbatch/storage"
	"github.com/c360studio/taskbatch/workflow"
	"github.com/c360studio/taskbatch/workflow/runner"
)

// Submitter starts executions. *runner.Runner and
// *taskorchestrator.Submitter implement it.
type Submitter interface {
	Submit(ctx context.Context, input workflow.WorkflowInput) (string, error)
}

// Canceller aborts running executions.
type Canceller interface {
	Cancel(executionID string) error
}

// StatusReader reads recorded execution status.
type StatusReader interface {
	GetExecution(ctx context.Context, executionID string) (storage.ExecutionRecord, error)
}

// Server holds the dependencies for the API server.
type Server struct {
	submitter Submitter
	status    StatusReader
	canceller Canceller
	pools     *pool.Manager
	caches    *cache.Contexts
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithCanceller enables DELETE /v1/executions/:id.
func WithCanceller(c Canceller) Option {
	return func(s *Server) {
		s.canceller = c
	}
}

// WithPools reports pool health on /healthz.
func WithPools(m *pool.Manager) Option {
	return func(s *Server) {
		s.pools = m
	}
}

// WithCaches reports cache counters on /healthz.
func WithCaches(c *cache.Contexts) Option {
	return func(s *Server) {
		s.caches = c
	}
}

// WithGatherer serves g on /metrics instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new Server.
func NewServer(submitter Submitter, status StatusReader, opts ...Option) *Server {
	s := &Server{
		submitter: submitter,
		status:    status,
		gatherer:  prometheus.DefaultGatherer,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Echo builds the router with every route registered.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			s.logger.Log(context.Background(), level, "HTTP request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
				"error", v.Error)
			return nil
		},
	}))

	s.Register(e)
	return e
}

// Register adds the routes to e.
func (s *Server) Register(e *echo.Echo) {
	v1 := e.Group("/v1")
	v1.POST("/executions", s.SubmitExecution)
	v1.GET("/executions/:id", s.GetExecution)
	v1.DELETE("/executions/:id", s.CancelExecution)

	e.GET("/healthz", s.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
}

// SubmitRequest is the body of POST /v1/executions.
type SubmitRequest struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	GoalID      string   `json:"goal_id"`
	UserID      string   `json:"user_id"`
	ActionIDs   []string `json:"action_ids"`
}

// SubmitResponse is returned once an execution is accepted.
type SubmitResponse struct {
	ExecutionID string `json:"execution_id"`
	StatusURL   string `json:"status_url"`
}

// SubmitExecution starts an execution
// (POST /v1/executions)
func (s *Server) SubmitExecution(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	var missing []string
	if req.GoalID == "" {
		missing = append(missing, "goal_id")
	}
	if req.UserID == "" {
		missing = append(missing, "user_id")
	}
	if len(req.ActionIDs) == 0 {
		missing = append(missing, "action_ids")
	}
	if len(missing) > 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing required fields: "+strings.Join(missing, ", "))
	}

	id, err := s.submitter.Submit(c.Request().Context(), workflow.WorkflowInput{
		ExecutionID: req.ExecutionID,
		GoalID:      req.GoalID,
		UserID:      req.UserID,
		ActionIDs:   req.ActionIDs,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Failed to start execution: "+err.Error())
	}

	return c.JSON(http.StatusAccepted, SubmitResponse{
		ExecutionID: id,
		StatusURL:   "/v1/executions/" + id,
	})
}

// GetExecution returns the recorded status of an execution
// (GET /v1/executions/:id)
func (s *Server) GetExecution(c echo.Context) error {
	id := c.Param("id")
	rec, err := s.status.GetExecution(c.Request().Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Execution not found: "+id)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

// CancelExecution aborts a running execution
// (DELETE /v1/executions/:id)
func (s *Server) CancelExecution(c echo.Context) error {
	if s.canceller == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "Cancellation is not available in this mode")
	}
	id := c.Param("id")
	if err := s.canceller.Cancel(id); err != nil {
		if errors.Is(err, runner.ErrUnknownExecution) {
			return echo.NewHTTPError(http.StatusNotFound, "Execution not running: "+id)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status string        `json:"status"`
	Pools  *pool.Stats   `json:"pools,omitempty"`
	Caches []cache.Stats `json:"caches,omitempty"`
}

// Health reports pool and cache health. It answers 503 only when a pool
// category exceeds its socket ceiling; idle categories report "stale".
// (GET /healthz)
func (s *Server) Health(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	code := http.StatusOK
	if s.pools != nil {
		stats := s.pools.Stats()
		resp.Pools = &stats
		switch {
		case stats.OverCeiling:
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		case stats.Stale:
			resp.Status = "stale"
		}
	}
	if s.caches != nil {
		resp.Caches = s.caches.Stats()
	}
	return c.JSON(code, resp)
}
