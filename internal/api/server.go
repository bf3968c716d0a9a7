// Package api serves correlation queries, health and metrics over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"detection-engine/internal/correlation"
)

// Correlations is the read side of the correlation engine.
type Correlations interface {
	TopCorrelations(limit int, minCoefficient float64) []correlation.PairStat
	Pair(a, b string) (correlation.PairStat, error)
}

// Server wraps an echo instance.
type Server struct {
	echo *echo.Echo
	addr string
	log  zerolog.Logger
}

// NewServer registers /healthz and /metrics, and the correlation routes when
// corr is non-nil.
func NewServer(addr string, corr Correlations, health http.Handler, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	log = log.With().Str("component", "api").Logger()
	e.Use(middleware.Recover())
	e.Use(requestLogger(log))

	if health != nil {
		e.GET("/healthz", echo.WrapHandler(health))
	}
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	if corr != nil {
		h := &correlationHandler{corr: corr}
		g := e.Group("/api/correlations")
		g.GET("/top", h.Top)
		g.GET("/pair", h.Pair)
	}

	return &Server{echo: e, addr: addr, log: log}
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("http server listening")
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server error")
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info().Msg("http server stopped")
	return nil
}

func requestLogger(log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			log.Debug().
				Str("method", req.Method).
				Str("path", c.Path()).
				Int("status", c.Response().Status).
				Dur("took", time.Since(start)).
				Msg("request")
			return nil
		}
	}
}
