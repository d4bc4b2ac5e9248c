// Package taskservice provides named, resizable worker pools ("task services")
// that execute asynchronous tile loading work, and a registry that keeps one
// service per work class.
package taskservice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("task service closed")

// ID keys a service in the registry.
type ID int

// Task is a unit of asynchronous work. A failed task reports its error back
// to whoever built it; the service only counts and logs the failure and never
// retries.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Run(ctx context.Context) error { return f(ctx) }

// Expirable tasks carry the stamp they were issued under. When a worker picks
// one up after the service stamp has moved more than StaleAfter past it, the
// worker calls Expire instead of Run.
type Expirable interface {
	Task
	Stamp() int64
	Expire()
}

// Config configures a Service.
type Config struct {
	ID         ID
	Name       string
	Threads    int   // initial worker count; 0 starts paused
	StaleAfter int64 // 0 disables expiry
	Logger     zerolog.Logger
}

// Service is a worker pool whose size can change at any time. Shrinking lets
// running tasks finish; growing starts new workers immediately. A size of
// zero pauses processing without dropping queued tasks.
type Service struct {
	id         ID
	name       string
	log        zerolog.Logger
	staleAfter int64

	stamp atomic.Int64

	mu      sync.Mutex
	queue   *jobQueue
	target  int // desired workers
	alive   int // workers started and not yet exited
	running int // tasks currently executing
	closed  bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	executed atomic.Int64
	failed   atomic.Int64
	expired  atomic.Int64

	pendingGauge prometheus.Gauge
	threadsGauge prometheus.Gauge
}

// New creates a service and starts cfg.Threads workers.
func New(cfg Config) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		id:           cfg.ID,
		name:         cfg.Name,
		log:          cfg.Logger.With().Str("service", cfg.Name).Logger(),
		staleAfter:   cfg.StaleAfter,
		ctx:          ctx,
		cancel:       cancel,
		pendingGauge: pendingTasks.WithLabelValues(cfg.Name),
		threadsGauge: serviceThreads.WithLabelValues(cfg.Name),
	}
	s.queue = newJobQueue(&s.mu)
	s.SetThreadCount(cfg.Threads)
	return s
}

func (s *Service) ID() ID       { return s.id }
func (s *Service) Name() string { return s.name }

// Submit queues t and returns without waiting.
func (s *Service) Submit(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.queue.push(t)
	s.pendingGauge.Inc()
	return nil
}

// SetThreadCount resizes the pool. Negative values count as zero.
func (s *Service) SetThreadCount(n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	old := s.target
	s.target = n
	for s.alive < s.target {
		s.alive++
		s.wg.Add(1)
		go s.worker()
	}
	// Wake idle workers so surplus ones can exit.
	s.queue.cond.Broadcast()
	s.threadsGauge.Set(float64(n))
	if old != n {
		s.log.Debug().Int("old", old).Int("new", n).Msg("set thread count")
	}
}

// ThreadCount returns the configured pool size.
func (s *Service) ThreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// SetStamp records the current frame stamp.
func (s *Service) SetStamp(stamp int64) {
	s.stamp.Store(stamp)
}

// Stamp returns the last recorded frame stamp.
func (s *Service) Stamp() int64 {
	return s.stamp.Load()
}

// IsStale reports whether work issued at stamp is older than the staleness
// threshold allows. A threshold of zero never considers work stale.
func (s *Service) IsStale(stamp int64) bool {
	return s.staleAfter > 0 && s.Stamp()-stamp > s.staleAfter
}

// PendingCount returns the number of tasks queued or running.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len() + s.running
}

// Close stops accepting work, cancels the context handed to tasks, drains the
// queue (tasks observe the cancelled context), and waits for workers to exit.
func (s *Service) Close() {
	s.cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.alive == 0 && s.queue.len() > 0 {
		s.alive++
		s.wg.Add(1)
		go s.worker()
	}
	s.queue.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
	s.threadsGauge.Set(0)
}

func (s *Service) worker() {
	defer s.wg.Done()

	s.mu.Lock()
	for {
		if (s.closed && s.queue.len() == 0) || (!s.closed && s.alive > s.target) {
			s.alive--
			// Pass on any wakeup this worker consumed.
			s.queue.cond.Signal()
			s.mu.Unlock()
			return
		}
		t, ok := s.queue.pop()
		if !ok {
			s.queue.cond.Wait()
			continue
		}
		s.running++
		s.mu.Unlock()

		s.execute(t)

		s.mu.Lock()
		s.running--
		s.pendingGauge.Dec()
	}
}

func (s *Service) execute(t Task) {
	if e, ok := t.(Expirable); ok && s.IsStale(e.Stamp()) {
		e.Expire()
		s.expired.Add(1)
		taskOutcomes.WithLabelValues(s.name, "expired").Inc()
		return
	}
	if err := t.Run(s.ctx); err != nil {
		s.failed.Add(1)
		taskOutcomes.WithLabelValues(s.name, "failed").Inc()
		s.log.Debug().Err(err).Msg("task failed")
		return
	}
	s.executed.Add(1)
	taskOutcomes.WithLabelValues(s.name, "ok").Inc()
}

// Status is a point-in-time view of a service.
type Status struct {
	ID       ID     `json:"id"`
	Name     string `json:"name"`
	Threads  int    `json:"threads"`
	Pending  int    `json:"pending"`
	Stamp    int64  `json:"stamp"`
	Executed int64  `json:"executed"`
	Failed   int64  `json:"failed"`
	Expired  int64  `json:"expired"`
}

// Status returns the current status of the service.
func (s *Service) Status() Status {
	s.mu.Lock()
	threads, pending := s.target, s.queue.len()+s.running
	s.mu.Unlock()
	return Status{
		ID:       s.id,
		Name:     s.name,
		Threads:  threads,
		Pending:  pending,
		Stamp:    s.Stamp(),
		Executed: s.executed.Load(),
		Failed:   s.failed.Load(),
		Expired:  s.expired.Load(),
	}
}
