// Package server builds the HTTP router and runs the listener until the
// process is told to stop.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Closer releases a backing service (database pool, Redis client) once HTTP
// traffic has drained.
type Closer func(ctx context.Context) error

type component struct {
	name  string
	close Closer
}

// Options configures a Server.
type Options struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server serves HTTP and closes its registered components on shutdown.
type Server struct {
	http    *http.Server
	grace   time.Duration
	logger  *slog.Logger
	mu      sync.Mutex
	closers []component
}

// New returns a Server listening on opts.Port once Run is called.
func New(h http.Handler, opts Options, logger *slog.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", opts.Port),
			Handler:           h,
			ReadTimeout:       opts.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      opts.WriteTimeout,
		},
		grace:  opts.ShutdownTimeout,
		logger: logger,
	}
}

// OnShutdown registers fn under name. Components close in reverse order of
// registration, after the listener has stopped.
func (s *Server) OnShutdown(name string, fn Closer) {
	s.mu.Lock()
	s.closers = append(s.closers, component{name: name, close: fn})
	s.mu.Unlock()
}

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.http.Addr }

// Run listens on the configured port and calls Serve.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve handles requests on ln until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	failed := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", ln.Addr().String()))
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()

	select {
	case err := <-failed:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
		s.logger.Info("stopping", slog.Any("cause", context.Cause(ctx)))
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()

	s.http.SetKeepAlivesEnabled(false)
	if err := s.http.Shutdown(ctx); err != nil {
		// Components are still closed below.
		s.logger.Error("http shutdown", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	closers := append([]component(nil), s.closers...)
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.close(ctx); err != nil {
			s.logger.Error("close component", slog.String("name", c.name), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		s.logger.Debug("component closed", slog.String("name", c.name))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("stopped")
	return nil
}
