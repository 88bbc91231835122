package httpapi

import (
	"context"
	"net/http"
	"time"
)

// Server wraps the gin engine in a stdlib http.Server so cmd/orchestrator
// can drive graceful shutdown against shutdown.NotifyContext.
type Server struct {
	httpServer *http.Server
}

func NewServer(cfg RouterConfig, addr string, readHeaderTimeout, idleTimeout time.Duration) *Server {
	engine := NewRouter(cfg)
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
		},
	}
}

// Run blocks serving until the server is shut down, returning nil on a
// clean shutdown (http.ErrServerClosed) and any other error otherwise.
func (s *Server) Run() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
