package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/x402gate/internal/automation"
	"github.com/mbd888/x402gate/internal/metrics"
	"github.com/mbd888/x402gate/internal/realtime"
	"github.com/mbd888/x402gate/internal/requestlog"
	"github.com/mbd888/x402gate/internal/retry"
)

// Defaults for NewSink arguments left zero.
const (
	DefaultSinkWorkers   = 4
	DefaultSinkQueueSize = 1024
)

// ErrSinkClosed is returned by Submit after Close.
var ErrSinkClosed = errors.New("gateway: sink closed")

// Job is the post-response work for one forwarded call.
type Job struct {
	Log     requestlog.Entry
	Events  []automation.EventType
	Context automation.TriggerContext
}

// Triggerer runs automation for a job.
type Triggerer interface {
	Trigger(ctx context.Context, apiID string, events []automation.EventType, tc automation.TriggerContext) automation.Result
}

// Sink persists request logs and runs automation off the request path.
type Sink struct {
	store     requestlog.Store
	engine    Triggerer
	publisher automation.Publisher
	policy    retry.Policy
	logger    *slog.Logger

	jobs    chan Job
	workers int

	runCtx context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex // guards closed against Submit
	closed   bool
	wg       sync.WaitGroup
	overflow sync.WaitGroup
}

// NewSink creates a sink. engine and publisher may be nil.
func NewSink(store requestlog.Store, engine Triggerer, publisher automation.Publisher, workers, queueSize int, logger *slog.Logger) *Sink {
	if workers <= 0 {
		workers = DefaultSinkWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultSinkQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sink{
		store:     store,
		engine:    engine,
		publisher: publisher,
		policy:    retry.Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
		logger:    logger.With("component", "sink"),
		jobs:      make(chan Job, queueSize),
		workers:   workers,
		runCtx:    ctx,
		cancel:    cancel,
	}
}

// WithRetryPolicy overrides how request log writes are retried.
func (s *Sink) WithRetryPolicy(p retry.Policy) *Sink {
	s.policy = p
	return s
}

// Start launches the workers. It must be called before Submit. Jobs keep
// their values from ctx but not its cancellation; Close bounds them.
func (s *Sink) Start(ctx context.Context) {
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work()
	}
}

func (s *Sink) work() {
	defer s.wg.Done()
	for job := range s.jobs {
		metrics.SinkQueueDepth.Set(float64(len(s.jobs)))
		s.process(s.runCtx, job)
	}
}

// Submit queues job without blocking. When the queue is full the job runs
// on its own goroutine instead of being dropped.
func (s *Sink) Submit(job Job) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		metrics.SinkJobsTotal.WithLabelValues("rejected").Inc()
		return ErrSinkClosed
	}

	select {
	case s.jobs <- job:
		metrics.SinkQueueDepth.Set(float64(len(s.jobs)))
	default:
		metrics.SinkJobsTotal.WithLabelValues("overflow").Inc()
		s.logger.Warn("sink queue full, running job detached", "api_id", job.Log.APIID, "capacity", cap(s.jobs))
		s.overflow.Add(1)
		go func() {
			defer s.overflow.Done()
			s.process(s.runCtx, job)
		}()
	}
	return nil
}

func (s *Sink) process(ctx context.Context, job Job) {
	log := s.logger.With("api_id", job.Log.APIID, "log_id", job.Log.ID)
	defer func() {
		if r := recover(); r != nil {
			metrics.SinkJobsTotal.WithLabelValues("panic").Inc()
			log.Error("panic in sink job", "panic", fmt.Sprint(r))
		}
	}()

	result := "ok"
	err := retry.Do(ctx, s.policy, func(attempt int) error {
		err := s.store.Append(ctx, &job.Log)
		if err != nil {
			log.Warn("request log write failed", "attempt", attempt+1, "error", err)
		}
		return err
	})
	if err != nil {
		result = "failed"
		log.Error("request log dropped", "error", err)
	}

	if s.publisher != nil {
		s.publisher.Publish(realtime.EventRequestCompleted, job.Log.APIID, realtime.RequestData{
			Success:    job.Log.Success,
			StatusCode: job.Log.StatusCode,
			ResponseMs: job.Log.ResponseMs,
		})
	}

	if s.engine != nil && len(job.Events) > 0 {
		s.engine.Trigger(ctx, job.Log.APIID, job.Events, job.Context)
	}
	metrics.SinkJobsTotal.WithLabelValues(result).Inc()
}

// Close stops accepting jobs and waits for queued and detached jobs to
// finish. If ctx ends first, in-flight jobs are cancelled and ctx's error
// is returned.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.overflow.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		metrics.SinkQueueDepth.Set(0)
		return nil
	case <-ctx.Done():
		s.cancel()
		s.logger.Warn("sink close deadline reached, abandoning jobs", "queued", len(s.jobs))
		return ctx.Err()
	}
}

// Depth is the number of queued jobs.
func (s *Sink) Depth() int { return len(s.jobs) }

// Capacity is the queue size.
func (s *Sink) Capacity() int { return cap(s.jobs) }
