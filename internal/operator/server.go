// Package operator provides the HTTP API the human-operator tool uses to
// list waiting escalations and answer them.
package operator

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepflow/internal/escalation"
	"github.com/fyrsmithlabs/stepflow/internal/mailbox"
)

// Server exposes the operator endpoints over HTTP.
type Server struct {
	echo    *echo.Echo
	mailbox mailbox.Mailbox
	logger  *zap.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new operator server.
func NewServer(mb mailbox.Mailbox, logger *zap.Logger, cfg *Config) (*Server, error) {
	if mb == nil {
		return nil, fmt.Errorf("mailbox cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9170,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		mailbox: mb,
		logger:  logger,
		config:  cfg,
	}

	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/escalations", s.handleList)
	s.echo.POST("/escalations/:id/response", s.handleRespond)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ListResponse is the response body for GET /escalations.
type ListResponse struct {
	Escalations []*mailbox.Escalation `json:"escalations"`
	Count       int                   `json:"count"`
}

// RespondRequest is the request body for POST /escalations/:id/response.
type RespondRequest struct {
	Response string `json:"response"`
}

// RespondResponse is the response body for POST /escalations/:id/response.
type RespondResponse struct {
	EscalationID string `json:"escalation_id"`
	Status       string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleList returns escalations, filtered by ?status= when present,
// highest priority first.
func (s *Server) handleList(c echo.Context) error {
	status := mailbox.EscalationStatus(c.QueryParam("status"))

	escalations, err := s.mailbox.ListEscalations(c.Request().Context(), status)
	if err != nil {
		s.logger.Error("failed to list escalations", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list escalations")
	}

	sort.SliceStable(escalations, func(i, j int) bool {
		pi, pj := priorityRank(escalations[i].Priority), priorityRank(escalations[j].Priority)
		if pi != pj {
			return pi > pj
		}
		return escalations[i].CreatedAt.Before(escalations[j].CreatedAt)
	})

	return c.JSON(http.StatusOK, ListResponse{
		Escalations: escalations,
		Count:       len(escalations),
	})
}

// handleRespond records a human answer for a waiting escalation.
func (s *Server) handleRespond(c echo.Context) error {
	id := c.Param("id")

	var req RespondRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid respond request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Response == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "response field is required")
	}

	ctx := c.Request().Context()

	esc, err := s.mailbox.GetEscalation(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "escalation not found")
	}
	if esc.Status != mailbox.StatusWaiting {
		return echo.NewHTTPError(http.StatusConflict,
			fmt.Sprintf("escalation already %s", esc.Status))
	}

	if !escalation.ProvideHumanResponse(ctx, s.mailbox, s.logger, id, req.Response) {
		return echo.NewHTTPError(http.StatusConflict, "escalation could not be answered")
	}

	return c.JSON(http.StatusOK, RespondResponse{
		EscalationID: id,
		Status:       string(mailbox.StatusResolved),
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting operator server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down operator server")
	return s.echo.Shutdown(ctx)
}

// ServeHTTP makes the server testable with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func priorityRank(p mailbox.Priority) int {
	switch p {
	case mailbox.PriorityHigh:
		return 2
	case mailbox.PriorityMedium:
		return 1
	default:
		return 0
	}
}
