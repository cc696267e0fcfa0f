// README: API gateway; owns the gin engine and the HTTP server lifecycle.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ridehail/internal/infra"
	"ridehail/internal/modules/acceptance"
	"ridehail/internal/modules/dispatch"
	"ridehail/internal/modules/geo"
	"ridehail/internal/modules/matching"
	"ridehail/internal/modules/ride"
)

type ServerDeps struct {
	Rides    *ride.Service
	Dispatch *dispatch.Service
	Arbiter  *acceptance.Arbiter
	Geo      *geo.Service
	Matching *matching.Service
	// Verifier may be nil, in which case /api runs unauthenticated.
	Verifier infra.TokenVerifier
	Log      logrus.FieldLogger
}

type Server struct {
	deps ServerDeps
}

func NewServer(deps ServerDeps) *Server {
	return &Server{deps: deps}
}

func (s *Server) Routes() http.Handler {
	return NewRouter(s.deps)
}

// ListenAndServe serves until ctx is cancelled, then drains for up to shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Log.WithField("addr", addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.deps.Log.Info("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}
