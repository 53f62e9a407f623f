package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

// Server hosts one HTTP surface on its own port.
type Server struct {
	echo   *echo.Echo
	port   int
	logger *logrus.Logger
}

// NewServer builds an echo server with panic recovery and the given extra
// middlewares mounted.
func NewServer(port int, logger *logrus.Logger, middlewares ...echo.MiddlewareFunc) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	for _, m := range middlewares {
		e.Use(m)
	}
	return &Server{
		echo:   e,
		port:   port,
		logger: logger,
	}
}

// Echo exposes the router for handler registration.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start serves until ctx is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(fmt.Sprintf(":%d", s.port))
	}()
	s.logger.Infof("http server listening on port %d", s.port)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve http: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}
