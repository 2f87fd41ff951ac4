package control

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// ServerConfig configures the REST server.
type ServerConfig struct {
	Addr            string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Server serves the metrics API, plus whatever else callers mount on Mux.
type Server struct {
	engine  *Engine
	cfg     ServerConfig
	mux     *http.ServeMux
	wrap    []func(http.Handler) http.Handler
	httpSrv *http.Server
}

// NewServer creates a server with the metrics API routes registered.
func NewServer(cfg ServerConfig, engine *Engine) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		engine: engine,
		cfg:    cfg,
		mux:    http.NewServeMux(),
	}
	s.RegisterAPIRoutes(s.mux)
	return s
}

// Mux returns the server's mux for mounting additional routes.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Use adds middleware. The first added runs outermost.
func (s *Server) Use(mw func(http.Handler) http.Handler) {
	s.wrap = append(s.wrap, mw)
}

// Handler returns the mux wrapped in the registered middleware.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	for i := len(s.wrap) - 1; i >= 0; i-- {
		h = s.wrap[i](h)
	}
	return h
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully. It
// does not close the engine.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("blobgate listening", "addr", s.cfg.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
