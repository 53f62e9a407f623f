package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// Server answers liveness probes on a dedicated port so the signing worker can
// report healthy even while a long device interaction blocks the task queue.
type Server struct {
	port int
	echo *echo.Echo
}

func New(port int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	server := &Server{
		port: port,
		echo: e,
	}
	e.GET("/healthz", server.handleHealthz)
	return server
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Start serves until ctx is canceled or the listener fails.
func (s *Server) Start(ctx context.Context, logger *logrus.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(fmt.Sprintf(":%d", s.port))
	}()
	logger.Infof("health server listening on port %d", s.port)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve health endpoint: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}
