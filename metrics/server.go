package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig configures the metrics/health HTTP surface.
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{Addr: ":8081", ShutdownTimeout: 10 * time.Second}
}

// Server exposes /healthz, /readyz, and /metrics — nothing else. The
// wider HTTP/XRPC read surface is out of scope for this core.
type Server struct {
	echo *echo.Echo
	cfg  ServerConfig
}

func NewServer(cfg ServerConfig, ready *Readiness) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/readyz", func(c echo.Context) error {
		rep := ready.Check(c.Request().Context())
		status := http.StatusOK
		if !rep.Ready {
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, rep)
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &Server{echo: e, cfg: cfg}
}

func (s *Server) Start() error {
	return s.echo.Start(s.cfg.Addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
