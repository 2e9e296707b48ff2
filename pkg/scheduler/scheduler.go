// SPDX-License-Identifier: AGPL-3.0-only

// Package scheduler queues outbound requests to a rate limited upstream and dispatches
// them one at a time, highest priority first, within the upstream's quota. Failed
// requests are retried according to retry.Policy and every attempt is bounded by a timeout.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/ordergate/ordergate/pkg/priority"
	"github.com/ordergate/ordergate/pkg/scheduler/admission"
	"github.com/ordergate/ordergate/pkg/scheduler/retry"
)

// QueueStatus is a snapshot of the scheduler state.
type QueueStatus struct {
	// QueueLength is the number of requests waiting to be dispatched.
	QueueLength int `json:"queue_length"`
	// Processing is true while the admission loop is draining the queue.
	Processing bool `json:"processing"`
	// RequestCount is the number of dispatches in the current one second window.
	RequestCount    int       `json:"request_count"`
	LastRequestTime time.Time `json:"last_request_time"`
	InFlight        int       `json:"in_flight"`
	// Retrying is the number of failed requests waiting for their retry delay to elapse.
	Retrying int `json:"retrying"`
}

// Scheduler serializes outbound requests through a priority queue and an admission window.
//
// A single drain loop runs while there is pending work. It waits until the window admits
// a dispatch, pops the highest priority request and runs it to completion before picking
// the next one, so at most one request is in flight at any time.
type Scheduler struct {
	services.Service

	cfg          Config
	log          log.Logger
	clock        clock.Clock
	policy       retry.Policy
	window       *admission.Window
	retryLimiter *rate.Limiter

	// ctx is cancelled on stop to abort in-flight work and admission waits.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    pendingQueue
	items    map[string]*item // Pending, in flight and awaiting retry.
	seq      uint64
	draining bool
	stopped  bool
	inFlight int
	retrying int
	loops    sync.WaitGroup

	// Called on every dispatch, before running the work.
	onDispatch func(id string, at time.Time)

	queueLength        *prometheus.GaugeVec
	inflightRequests   prometheus.Gauge
	dispatchedRequests *prometheus.CounterVec
	retries            *prometheus.CounterVec
	failedRequests     *prometheus.CounterVec
	admissionWait      prometheus.Histogram
	queueDuration      *prometheus.HistogramVec
}

type Option func(*Scheduler)

// WithClock replaces the wall clock used for admission, timeouts and retry delays.
func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clk
	}
}

// New returns a Scheduler. It has to be started before requests can be enqueued.
func New(cfg Config, logger log.Logger, registerer prometheus.Registerer, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid scheduler config")
	}

	s := &Scheduler{
		cfg:    cfg,
		log:    logger,
		clock:  clock.New(),
		policy: retry.Policy{RetryDelay: cfg.RetryDelay, MaxDelay: cfg.MaxRetryDelay},
		items:  map[string]*item{},
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	s.window, err = admission.New(cfg.RequestsPerSecond, cfg.BurstLimit, s.clock)
	if err != nil {
		return nil, err
	}
	if cfg.MaxRetryRate > 0 {
		s.retryLimiter = rate.NewLimiter(rate.Limit(cfg.MaxRetryRate), 1)
	}

	s.queueLength = promauto.With(registerer).NewGaugeVec(prometheus.GaugeOpts{
		Name: "ordergate_scheduler_queue_length",
		Help: "Number of requests waiting to be dispatched.",
	}, []string{"priority"})
	s.inflightRequests = promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
		Name: "ordergate_scheduler_inflight_requests",
		Help: "Number of requests currently running against the upstream.",
	})
	s.dispatchedRequests = promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
		Name: "ordergate_scheduler_dispatched_requests_total",
		Help: "Total number of dispatched attempts, retries included.",
	}, []string{"priority"})
	s.retries = promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
		Name: "ordergate_scheduler_retries_total",
		Help: "Total number of scheduled retries.",
	}, []string{"priority", "kind"})
	s.failedRequests = promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
		Name: "ordergate_scheduler_failed_requests_total",
		Help: "Total number of requests settled with an error.",
	}, []string{"priority", "reason"})
	s.admissionWait = promauto.With(registerer).NewHistogram(prometheus.HistogramOpts{
		Name:    "ordergate_scheduler_admission_wait_seconds",
		Help:    "Time the admission loop waited for the rate limit window before a dispatch.",
		Buckets: prometheus.DefBuckets,
	})
	s.queueDuration = promauto.With(registerer).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ordergate_scheduler_queue_duration_seconds",
		Help:    "Time a request spent in the queue before being dispatched.",
		Buckets: prometheus.DefBuckets,
	}, []string{"priority"})

	s.Service = services.NewIdleService(s.starting, s.stopping)
	return s, nil
}

type enqueueOptions struct {
	id         string
	maxRetries *int
}

type EnqueueOption func(*enqueueOptions)

// WithID sets the request id instead of generating one.
func WithID(id string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.id = id
	}
}

// WithMaxRetries overrides the configured number of retries for a single request.
func WithMaxRetries(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.maxRetries = &n
	}
}

// Enqueue queues work and returns a Future settling with its outcome. The admission loop
// is started if it isn't running yet.
func (s *Scheduler) Enqueue(p priority.Priority, endpoint Endpoint, work WorkFunc, opts ...EnqueueOption) (*Future, error) {
	if !p.IsValid() {
		return nil, errors.Wrapf(ErrInvalidPriority, "priority %d", int(p))
	}
	if work == nil {
		return nil, ErrNoWork
	}

	o := enqueueOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = ulid.Make().String()
	}
	maxRetries := s.cfg.MaxRetries
	if o.maxRetries != nil {
		if *o.maxRetries < 0 {
			return nil, errors.Errorf("max retries must not be negative, got %d", *o.maxRetries)
		}
		maxRetries = *o.maxRetries
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.State() != services.Running {
		return nil, ErrStopped
	}
	if _, ok := s.items[o.id]; ok {
		return nil, errors.Wrapf(ErrDuplicateID, "id %s", o.id)
	}

	now := s.clock.Now()
	s.seq++
	it := &item{
		id:         o.id,
		priority:   p,
		endpoint:   endpoint,
		work:       work,
		maxRetries: maxRetries,
		createdAt:  now,
		seq:        s.seq,
		future:     newFuture(o.id),
		heapIdx:    -1,
	}
	s.items[it.id] = it
	s.pushLocked(it, now)

	level.Debug(s.log).Log("msg", "request enqueued", "id", it.id, "priority", p, "method", endpoint.Method, "path", endpoint.Path, "queue_length", s.queue.Len())
	return it.future, nil
}

// Do enqueues work and waits for its outcome. If ctx is done first, a request that
// hasn't been dispatched yet is cancelled and ctx.Err() is returned. An in-flight
// request has its context cancelled.
func (s *Scheduler) Do(ctx context.Context, p priority.Priority, endpoint Endpoint, work WorkFunc, opts ...EnqueueOption) (any, error) {
	f, err := s.Enqueue(p, endpoint, work, opts...)
	if err != nil {
		return nil, err
	}

	select {
	case <-f.Done():
		return f.Result()
	case <-ctx.Done():
		s.CancelRequest(f.ID())
		return nil, ctx.Err()
	}
}

// CancelRequest cancels the request with the given id. Requests waiting for dispatch or
// for a retry are settled with ErrRequestCancelled right away and true is returned.
//
// An in-flight request can't be pulled back: its context is cancelled and false is
// returned. Its Future then settles with the actual outcome of the attempt, except that
// a failure is reported as ErrRequestCancelled and never retried.
func (s *Scheduler) CancelRequest(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cancelLocked(id)
}

func (s *Scheduler) cancelLocked(id string) bool {
	it, ok := s.items[id]
	if !ok {
		return false
	}

	switch it.state {
	case statePending:
		heap.Remove(&s.queue, it.heapIdx)
		s.queueLength.WithLabelValues(it.priority.String()).Dec()
	case stateAwaitingRetry:
		it.retryTimer.Stop()
		it.retryTimer = nil
		s.retrying--
	case stateInFlight:
		// The attempt may already be over and waiting for the lock, in which case
		// cancelling the context has no effect: execute checks the flag instead.
		it.cancelRequested = true
		it.cancel(ErrRequestCancelled)
		level.Debug(s.log).Log("msg", "cancelling in-flight request", "id", id)
		return false
	default:
		return false
	}

	level.Debug(s.log).Log("msg", "request cancelled", "id", id, "priority", it.priority)
	s.settleLocked(it, nil, ErrRequestCancelled, reasonCancelled)
	return true
}

func (s *Scheduler) QueueStatus() QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.window.Snapshot()
	return QueueStatus{
		QueueLength:     s.queue.Len(),
		Processing:      s.draining,
		RequestCount:    w.RequestCount,
		LastRequestTime: w.LastRequestTime,
		InFlight:        s.inFlight,
		Retrying:        s.retrying,
	}
}

func (s *Scheduler) starting(_ context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return nil
}

func (s *Scheduler) stopping(_ error) error {
	s.mu.Lock()
	s.stopped = true
	for s.queue.Len() > 0 {
		it := heap.Pop(&s.queue).(*item)
		s.queueLength.WithLabelValues(it.priority.String()).Dec()
		s.settleLocked(it, nil, ErrStopped, reasonStopped)
	}
	for _, it := range s.items {
		if it.state == stateAwaitingRetry {
			it.retryTimer.Stop()
			s.retrying--
			s.settleLocked(it, nil, ErrStopped, reasonStopped)
		}
	}
	s.mu.Unlock()

	// Aborts the admission wait and the in-flight request, if any.
	s.cancel()
	s.loops.Wait()
	return nil
}

// pushLocked adds it to the pending queue and makes sure the drain loop is running.
func (s *Scheduler) pushLocked(it *item, now time.Time) {
	it.state = statePending
	it.enqueuedAt = now
	heap.Push(&s.queue, it)
	s.queueLength.WithLabelValues(it.priority.String()).Inc()

	if !s.draining {
		s.draining = true
		s.loops.Add(1)
		go s.drain()
	}
}

func (s *Scheduler) drain() {
	defer s.loops.Done()

	for {
		it := s.next()
		if it == nil {
			return
		}
		s.execute(it)
	}
}

// next waits for the admission window and pops the head of the queue, marking it in
// flight. It returns nil, and marks the loop idle, once the queue is empty or the
// scheduler is stopping.
func (s *Scheduler) next() *item {
	for {
		if s.idleIfDrained() {
			return nil
		}

		waited, err := s.window.Await(s.ctx)
		if err != nil {
			// Only happens when stopping.
			continue
		}

		s.mu.Lock()
		if s.stopped || s.queue.Len() == 0 {
			// Everything got cancelled while waiting.
			s.mu.Unlock()
			continue
		}

		now := s.clock.Now()
		it := heap.Pop(&s.queue).(*item)
		s.window.Admit(now)

		it.state = stateInFlight
		it.dispatchedAt = now
		it.ctx, it.cancel = context.WithCancelCause(s.ctx)
		s.inFlight++
		s.mu.Unlock()

		s.admissionWait.Observe(waited.Seconds())
		s.queueLength.WithLabelValues(it.priority.String()).Dec()
		s.queueDuration.WithLabelValues(it.priority.String()).Observe(now.Sub(it.enqueuedAt).Seconds())
		s.dispatchedRequests.WithLabelValues(it.priority.String()).Inc()
		s.inflightRequests.Inc()
		return it
	}
}

func (s *Scheduler) idleIfDrained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.queue.Len() == 0 {
		s.draining = false
		return true
	}
	return false
}

type result struct {
	value any
	err   error
}

// execute runs a single attempt of it, bounded by the configured timeout, and then
// either settles it or schedules a retry.
func (s *Scheduler) execute(it *item) {
	if s.onDispatch != nil {
		s.onDispatch(it.id, it.dispatchedAt)
	}
	level.Debug(s.log).Log("msg", "dispatching request", "id", it.id, "priority", it.priority, "method", it.endpoint.Method, "path", it.endpoint.Path, "attempt", it.retryCount+1)

	// The timer starts before the work so that the timeout covers all of it.
	timer := s.clock.Timer(s.cfg.Timeout)
	resultC := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultC <- result{err: fmt.Errorf("request panicked: %v", r)}
			}
		}()
		v, err := it.work(it.ctx)
		resultC <- result{value: v, err: err}
	}()

	var res result
	select {
	case res = <-resultC:
		timer.Stop()
	case <-timer.C:
		it.cancel(ErrRequestTimeout)
		res = result{err: fmt.Errorf("%w after %s", ErrRequestTimeout, s.cfg.Timeout)}
	}

	it.cancel(context.Canceled)
	s.inflightRequests.Dec()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--

	switch {
	case res.err == nil:
		s.settleLocked(it, res.value, nil, "")

	case errors.Is(res.err, ErrRequestTimeout):
		level.Warn(s.log).Log("msg", "request timed out", "id", it.id, "priority", it.priority, "method", it.endpoint.Method, "path", it.endpoint.Path, "timeout", s.cfg.Timeout)
		s.settleLocked(it, nil, res.err, reasonTimeout)

	case it.cancelRequested:
		s.settleLocked(it, nil, fmt.Errorf("%w: %w", ErrRequestCancelled, res.err), reasonCancelled)

	case s.stopped:
		s.settleLocked(it, nil, fmt.Errorf("%w: %w", ErrStopped, res.err), reasonStopped)

	case s.policy.ShouldRetry(retry.Attempt{RetryCount: it.retryCount, MaxRetries: it.maxRetries}, res.err):
		s.scheduleRetryLocked(it, res.err)

	default:
		reason := reasonError
		if retry.KindOf(res.err).Retryable() {
			reason = reasonRetriesExhausted
		}
		level.Warn(s.log).Log("msg", "request failed", "id", it.id, "priority", it.priority, "method", it.endpoint.Method, "path", it.endpoint.Path, "retries", it.retryCount, "err", res.err)
		s.settleLocked(it, nil, res.err, reason)
	}
}

// scheduleRetryLocked parks it until its retry delay elapses and then puts it back into
// the pending queue, where it competes with the other requests by priority again.
func (s *Scheduler) scheduleRetryLocked(it *item, err error) {
	it.retryCount++
	kind := retry.KindOf(err)
	delay := s.policy.NextDelay(retry.Attempt{RetryCount: it.retryCount, MaxRetries: it.maxRetries}, err)

	if s.retryLimiter != nil {
		now := s.clock.Now()
		reservation := s.retryLimiter.ReserveN(now, 1)
		if reservation.OK() {
			delay = max(delay, reservation.DelayFrom(now))
		}
	}

	level.Warn(s.log).Log("msg", "request failed, will retry", "id", it.id, "priority", it.priority, "method", it.endpoint.Method, "path", it.endpoint.Path, "kind", kind, "retry", it.retryCount, "max_retries", it.maxRetries, "retry_in", delay, "err", err)
	s.retries.WithLabelValues(it.priority.String(), kind.String()).Inc()

	it.state = stateAwaitingRetry
	s.retrying++
	it.retryTimer = s.clock.AfterFunc(delay, func() {
		s.requeue(it)
	})
}

func (s *Scheduler) requeue(it *item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Cancelled or stopped in the meantime.
	if it.state != stateAwaitingRetry || s.stopped {
		return
	}

	it.retryTimer = nil
	s.retrying--
	s.pushLocked(it, s.clock.Now())
}

func (s *Scheduler) settleLocked(it *item, value any, err error, reason string) {
	it.state = stateSettled
	delete(s.items, it.id)

	if !it.future.settle(value, err) {
		return
	}
	if err != nil {
		s.failedRequests.WithLabelValues(it.priority.String(), reason).Inc()
	}
}
