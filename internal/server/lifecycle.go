// Package server runs the lobby's long-lived components and shuts them down
// in reverse order on signal, context cancellation, or the first failure.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// stopGrace bounds how long Run waits for Start calls to return after Stop.
const stopGrace = 10 * time.Second

// Service is a component with a blocking Start and a Stop that makes Start return.
type Service interface {
	Start() error
	Stop()
}

// FuncService adapts a start/stop pair into a Service. A nil StartFn makes a
// resource that only needs releasing at shutdown, such as a connection pool.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls StartFn, or returns immediately when it is nil.
func (f *FuncService) Start() error {
	if f.StartFn == nil {
		return nil
	}
	return f.StartFn()
}

// Stop calls StopFn if set.
func (f *FuncService) Stop() {
	if f.StopFn != nil {
		f.StopFn()
	}
}

// Lifecycle starts services in the order added and stops them in reverse.
type Lifecycle struct {
	logger   *zap.Logger
	signals  []os.Signal
	services []namedService
	mu       sync.Mutex
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a Lifecycle that shuts down on SIGINT or SIGTERM.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		logger:  logger,
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Add registers a named service.
//
// Precondition: name must be non-empty; svc must be non-nil; Run must not have started.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Run starts every service and blocks until a termination signal, ctx
// cancellation, or a service failure. Every service is then stopped.
//
// Postcondition: All services are stopped. Returns the first service failure, or nil.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	ctx, stop := signal.NotifyContext(ctx, l.signals...)
	defer stop()

	errCh := make(chan error, len(services))
	var running sync.WaitGroup
	for _, ns := range services {
		running.Add(1)
		go func() {
			defer running.Done()
			l.logger.Info("starting service", zap.String("service", ns.name))
			svcStart := time.Now()
			if err := ns.service.Start(); err != nil {
				l.logger.Error("service failed",
					zap.String("service", ns.name),
					zap.Error(err),
					zap.Duration("uptime", time.Since(svcStart)),
				)
				errCh <- fmt.Errorf("service %s: %w", ns.name, err)
			}
		}()
	}

	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	var runErr error
	select {
	case <-ctx.Done():
		l.logger.Info("shutting down", zap.NamedError("cause", context.Cause(ctx)))
	case runErr = <-errCh:
		l.logger.Error("service error, shutting down", zap.Error(runErr))
	}

	l.shutdown(services)

	exited := make(chan struct{})
	go func() {
		running.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(stopGrace):
		l.logger.Warn("services still running after stop", zap.Duration("grace", stopGrace))
	}

	// Failures raised while stopping are reported too.
	errs := []error{runErr}
drain:
	for {
		select {
		case err := <-errCh:
			errs = append(errs, err)
		default:
			break drain
		}
	}

	l.logger.Info("shutdown complete", zap.Duration("total_uptime", time.Since(start)))
	return errors.Join(errs...)
}

func (l *Lifecycle) shutdown(services []namedService) {
	shutdownStart := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service", zap.String("service", ns.name))
		ns.service.Stop()
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	l.logger.Info("all services stopped", zap.Duration("shutdown_elapsed", time.Since(shutdownStart)))
}
