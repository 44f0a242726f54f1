package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pgpilot/pgpilot/pkg/log"
	"github.com/pgpilot/pgpilot/pkg/metrics"
	"github.com/pgpilot/pgpilot/pkg/monitor"
)

// Server exposes the monitor procedures over HTTP/JSON. Keepers and the
// operator CLI are its only intended clients.
type Server struct {
	monitor *monitor.Monitor
	engine  *gin.Engine
	http    *http.Server
	logger  zerolog.Logger
}

// NewServer assembles the route table over the monitor.
func NewServer(m *monitor.Monitor) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		monitor: m,
		engine:  engine,
		logger:  log.WithComponent("api"),
	}

	engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	engine.GET("/healthz", gin.WrapF(metrics.HealthHandler()))
	engine.GET("/readyz", gin.WrapF(metrics.ReadyHandler()))

	v1 := engine.Group("/api/v1")
	NewNodeAPI(m).Register(v1)
	NewAdminAPI(m).Register(v1)
	NewStateAPI(m).Register(v1)

	return s
}

// Start begins serving on addr until the context is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("API server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	metrics.RegisterComponent("api", true, "")

	select {
	case err := <-errCh:
		metrics.UpdateComponent("api", false, err.Error())
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// respondError maps error classes onto HTTP statuses and renders the
// classified payload clients key their retry behavior on.
func respondError(c *gin.Context, err error) {
	var merr *monitor.Error
	if !errors.As(err, &merr) {
		merr = monitor.NewError(monitor.ClassInternalError, "%v", err)
	}

	status := http.StatusInternalServerError
	switch merr.Class {
	case monitor.ClassUndefinedObject:
		status = http.StatusNotFound
	case monitor.ClassInvalidObjectDefinition, monitor.ClassInvalidParameterValue,
		monitor.ClassFeatureNotSupported:
		status = http.StatusBadRequest
	case monitor.ClassObjectNotInPrerequisiteState, monitor.ClassObjectInUse:
		status = http.StatusConflict
	case monitor.ClassConnectionException:
		status = http.StatusServiceUnavailable
	}
	if merr.Retryable && status == http.StatusConflict {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, merr)
}

func respondBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, monitor.NewError(
		monitor.ClassInvalidParameterValue, "%v", err))
}
