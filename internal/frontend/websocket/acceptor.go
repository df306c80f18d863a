// Package websocket serves the lobby endpoint and owns each upgraded connection.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/config"
)

// shutdownTimeout bounds how long Stop waits for plain HTTP requests to drain.
const shutdownTimeout = 5 * time.Second

// SessionHandler runs one connection from upgrade to close.
type SessionHandler interface {
	HandleSession(ctx context.Context, conn *Conn) error
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Option configures an Acceptor.
type Option func(*Acceptor)

// WithMetrics serves h at path.
func WithMetrics(path string, h http.Handler) Option {
	return func(a *Acceptor) {
		a.metricsPath = path
		a.metrics = h
	}
}

// WithHealthCheck adds a named check to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(a *Acceptor) {
		a.checks = append(a.checks, namedCheck{name: name, check: check})
	}
}

// WithRoute serves h at pattern, using http.ServeMux pattern syntax.
func WithRoute(pattern string, h http.Handler) Option {
	return func(a *Acceptor) {
		a.routes = append(a.routes, route{pattern: pattern, handler: h})
	}
}

type route struct {
	pattern string
	handler http.Handler
}

type namedCheck struct {
	name  string
	check HealthCheck
}

// Acceptor serves HTTP, upgrades requests on the lobby path, and dispatches
// each connection to a SessionHandler.
type Acceptor struct {
	cfg         config.ServerConfig
	handler     SessionHandler
	logger      *zap.Logger
	upgrader    ws.Upgrader
	metricsPath string
	metrics     http.Handler
	checks      []namedCheck
	routes      []route

	ctx    context.Context
	cancel context.CancelFunc

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewAcceptor creates an Acceptor.
//
// Precondition: cfg must have passed config validation; handler and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.ServerConfig, handler SessionHandler, logger *zap.Logger, opts ...Option) *Acceptor {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Acceptor{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		upgrader: ws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Game clients are not browsers and send no Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(a)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+cfg.Path, a.serveLobby)
	mux.HandleFunc("GET /healthz", a.serveHealth)
	if a.metrics != nil {
		mux.Handle("GET "+a.metricsPath, a.metrics)
	}
	for _, rt := range a.routes {
		mux.Handle(rt.pattern, rt.handler)
	}
	a.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadTimeout,
		ErrorLog:          zap.NewStdLog(logger),
	}
	return a
}

// ListenAndServe listens on the configured address and serves until Stop is called.
//
// Precondition: The acceptor must not already be running.
// Postcondition: Returns nil after Stop, or the listen/serve error.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	a.mu.Lock()
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("lobby server listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

func (a *Acceptor) serveLobby(w http.ResponseWriter, r *http.Request) {
	if !ws.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	raw, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	conn := NewConn(uuid.NewString(), raw, r.Header.Clone(), a.cfg.ReadTimeout, a.cfg.WriteTimeout, a.cfg.PingInterval)
	a.handleConn(conn)
}

// handleConn runs one session and guarantees the socket is closed afterwards.
func (a *Acceptor) handleConn(conn *Conn) {
	start := time.Now()
	logger := a.logger.With(zap.String("conn_id", conn.ID()), zap.String("remote_addr", conn.RemoteAddr()))
	logger.Info("client connected")

	ctx, cancel := context.WithCancel(a.ctx)
	defer cancel()

	go conn.keepalive()
	go func() {
		select {
		case <-ctx.Done():
			if a.ctx.Err() != nil {
				_ = conn.Close(CloseGoingAway, "server shutting down")
			}
		case <-conn.Done():
		}
	}()

	err := a.handler.HandleSession(ctx, conn)
	_ = conn.Close(CloseNormal, "")

	if err != nil && !IsNormalClose(err) {
		logger.Debug("session ended", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return
	}
	logger.Info("session ended cleanly", zap.Duration("duration", time.Since(start)))
}

func (a *Acceptor) serveHealth(w http.ResponseWriter, r *http.Request) {
	for _, c := range a.checks {
		if err := c.check(r.Context()); err != nil {
			a.logger.Warn("health check failed", zap.String("check", c.name), zap.Error(err))
			http.Error(w, c.name+": unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// Stop closes the listener, closes every session with going-away, and waits
// for all session goroutines to exit.
//
// Postcondition: No session goroutines remain.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	a.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	a.wg.Wait()

	a.logger.Info("lobby server stopped")
}

// Addr returns the listening address, or the empty string before ListenAndServe.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning reports whether the acceptor is accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
