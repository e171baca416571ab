package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kinoramahq/kinorama-backend/pkg/logger"
	"github.com/kinoramahq/kinorama-backend/pkg/metrics"
)

const defaultInterval = time.Minute

// ServiceParams configure the worker service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.WorkerJobMetrics
	Interval time.Duration
}

// Service executes registered sweep jobs on a fixed cadence. The first
// tick runs immediately on start, subsequent ticks follow the interval.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.WorkerJobMetrics
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewService builds a worker service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("worker service needs a logger")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("worker service needs a lock")
	}

	svc := &Service{
		logg:     params.Logger,
		registry: params.Registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		interval: params.Interval,
	}
	if svc.registry == nil {
		svc.registry = NewRegistry()
	}
	if svc.interval <= 0 {
		svc.interval = defaultInterval
	}
	return svc, nil
}

// Start launches the tick loop in the background. Calling Start on a
// running service warns and no-ops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logg.Warn(ctx, "worker already running; start ignored")
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	stopCh, done := s.stopCh, s.done
	s.mu.Unlock()

	go s.loop(ctx, stopCh, done)
	return nil
}

// Stop cancels scheduling of further ticks and waits for an in-flight
// tick to finish, bounded by ctx. The in-flight tick itself is not
// interrupted.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		s.logg.Info(ctx, "worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run blocks executing the tick loop until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if err := s.sweep(ctx); err != nil {
		s.logg.Error(ctx, "sweep cycle failed", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			s.logg.Info(ctx, "worker context canceled")
			return
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				s.logg.Error(ctx, "sweep cycle failed", err)
			}
		}
	}
}

// sweep runs every registered job under the replica lock. A job failure is
// logged and counted but never stops the jobs behind it.
func (s *Service) sweep(ctx context.Context) error {
	claimed, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !claimed {
		s.logg.Info(ctx, "sweep lock held elsewhere, skipping cycle")
		return nil
	}
	defer func() {
		if err := s.lock.Release(ctx); err != nil {
			s.logg.Error(ctx, "release sweep lock", err)
		}
	}()

	s.logg.Info(ctx, "sweep cycle starting")
	for _, job := range s.registry.Jobs() {
		s.execute(ctx, job)
	}
	s.logg.Info(ctx, "sweep cycle complete")
	return nil
}

func (s *Service) execute(ctx context.Context, job Job) {
	ctx = s.logg.WithJob(ctx, job.Name())
	s.logg.Info(ctx, "job start")

	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)

	if s.metrics != nil {
		s.metrics.ObserveDuration(job.Name(), elapsed)
		if err != nil {
			s.metrics.IncFailure(job.Name())
		} else {
			s.metrics.IncSuccess(job.Name())
		}
	}

	ctx = s.logg.WithField(ctx, "duration_ms", elapsed.Milliseconds())
	if err != nil {
		s.logg.Error(ctx, "job failed", err)
		return
	}
	s.logg.Info(ctx, "job completed")
}
