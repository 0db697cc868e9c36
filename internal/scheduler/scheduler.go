// Package scheduler queues, dispatches, retries and bounds calls to external capabilities.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ILLUVRSE/design-core/internal/errs"
	"github.com/ILLUVRSE/design-core/internal/logging"
	"github.com/ILLUVRSE/design-core/internal/models"
)

// Handler invokes the external capability behind one job kind.
type Handler interface {
	Invoke(ctx context.Context, job models.Job) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, job models.Job) (json.RawMessage, error)

func (f HandlerFunc) Invoke(ctx context.Context, job models.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Listener receives every terminal job exactly once, on the dispatcher goroutine.
type Listener func(job models.Job)

type KindConfig struct {
	Workers       int
	QueueCapacity int
	// RatePerSecond limits dispatches; zero means unlimited.
	RatePerSecond float64
	Deadline      time.Duration
}

type Config struct {
	PollInterval time.Duration
	Retry        RetryPolicy
	Breaker      BreakerConfig
	// Retention is how long terminal jobs stay queryable.
	Retention time.Duration
	Kinds     map[models.JobKind]KindConfig
}

// DefaultConfig mirrors the capability limits the service ships with.
func DefaultConfig() Config {
	return Config{
		PollInterval: 500 * time.Millisecond,
		Retry:        DefaultRetryPolicy(),
		Breaker:      DefaultBreakerConfig(),
		Retention:    time.Hour,
		Kinds: map[models.JobKind]KindConfig{
			models.JobAnalyze:          {Workers: 4, QueueCapacity: 64, RatePerSecond: 5, Deadline: 30 * time.Second},
			models.JobRender:           {Workers: 2, QueueCapacity: 32, RatePerSecond: 1, Deadline: 2 * time.Minute},
			models.JobSimulateLighting: {Workers: 1, QueueCapacity: 8, RatePerSecond: 0.2, Deadline: 5 * time.Minute},
			models.JobCheckCompliance:  {Workers: 8, QueueCapacity: 128, RatePerSecond: 10, Deadline: time.Minute},
			models.JobExport:           {Workers: 2, QueueCapacity: 32, RatePerSecond: 2, Deadline: 2 * time.Minute},
		},
	}
}

// JobRequest is what callers hand to Submit.
type JobRequest struct {
	Kind           models.JobKind
	DesignID       uuid.UUID
	InputVersionID uuid.UUID
	InputRef       string
	Params         json.RawMessage
}

type jobState struct {
	job    models.Job
	cancel context.CancelFunc
	done   chan struct{}
}

type kindQueue struct {
	kind    models.JobKind
	cfg     KindConfig
	handler Handler
	limiter *rate.Limiter
	breaker *Breaker
	cond    *sync.Cond

	pending    []uuid.UUID
	running    int
	avgService time.Duration
}

// Scheduler owns every job it creates; callers only see copies.
type Scheduler struct {
	cfg    Config
	log    *logging.Logger
	now    func() time.Time
	random func() float64

	mu        sync.Mutex
	jobs      map[uuid.UUID]*jobState
	queues    map[models.JobKind]*kindQueue
	closed    bool
	listeners []Listener
	outbox    []models.Job
	notify    chan struct{}

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
	workers    sync.WaitGroup
	started    bool
}

type Option func(*Scheduler)

// WithClock overrides time.Now for job timestamps, the watchdog and breaker windows. Call
// contexts still time out on the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithRandom overrides the jitter source.
func WithRandom(r func() float64) Option {
	return func(s *Scheduler) { s.random = r }
}

// New builds a scheduler. Every kind in cfg.Kinds needs a handler.
func New(cfg Config, handlers map[models.JobKind]Handler, log *logging.Logger, opts ...Option) (*Scheduler, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	s := &Scheduler{
		cfg:    cfg,
		log:    logging.OrNop(log).With("component", "scheduler"),
		now:    time.Now,
		jobs:   map[uuid.UUID]*jobState{},
		queues: map[models.JobKind]*kindQueue{},
		notify: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	for kind, kc := range cfg.Kinds {
		h, ok := handlers[kind]
		if !ok {
			return nil, fmt.Errorf("no handler for job kind %q", kind)
		}
		if kc.Workers < 1 {
			return nil, fmt.Errorf("job kind %q needs at least one worker", kind)
		}
		if kc.Deadline <= 0 {
			return nil, fmt.Errorf("job kind %q needs a deadline", kind)
		}
		limit := rate.Inf
		if kc.RatePerSecond > 0 {
			limit = rate.Limit(kc.RatePerSecond)
		}
		s.queues[kind] = &kindQueue{
			kind:       kind,
			cfg:        kc,
			handler:    h,
			limiter:    rate.NewLimiter(limit, kc.Workers),
			breaker:    NewBreaker(cfg.Breaker, s.now),
			cond:       sync.NewCond(&s.mu),
			avgService: kc.Deadline / 4,
		}
	}
	return s, nil
}

// Subscribe registers a completion listener. Listeners must not block for long.
func (s *Scheduler) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start launches the worker pools, the deadline watchdog and the event dispatcher.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.baseCtx, s.cancelBase = context.WithCancel(ctx)
	s.mu.Unlock()

	for _, q := range s.queues {
		for i := 0; i < q.cfg.Workers; i++ {
			s.workers.Add(1)
			go s.worker(q)
		}
	}
	s.wg.Add(2)
	go s.watchdog()
	go s.dispatcher()
	s.log.Info("scheduler started", "kinds", len(s.queues))
}

// Stop cancels queued and in-flight jobs and waits for workers, the watchdog and the dispatcher.
// Every job cancelled this way is delivered to listeners before Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancelBase
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// Submit enqueues a job and returns immediately. A full queue still accepts the job and flags
// it as backpressured. An open breaker fails the job at once with errs.Unavailable.
func (s *Scheduler) Submit(ctx context.Context, req JobRequest) (models.Job, error) {
	q, ok := s.queues[req.Kind]
	if !ok {
		return models.Job{}, errs.E(errs.Validation, errs.CodeInvalidInput, fmt.Sprintf("unknown job kind %q", req.Kind), nil)
	}
	if req.DesignID == uuid.Nil {
		return models.Job{}, errs.E(errs.Validation, errs.CodeInvalidInput, "design id required", nil)
	}
	now := s.now().UTC()
	job := models.Job{
		ID:             uuid.New(),
		Kind:           req.Kind,
		DesignID:       req.DesignID,
		InputVersionID: req.InputVersionID,
		InputRef:       req.InputRef,
		Params:         append(json.RawMessage(nil), req.Params...),
		Status:         models.JobQueued,
		SubmittedAt:    now,
	}

	if !q.breaker.Allow() {
		breakerOpen.WithLabelValues(string(q.kind)).Set(1)
		err := errs.E(errs.Unavailable, errs.CodeServiceDegraded, fmt.Sprintf("%s service degraded, try again later", req.Kind), nil)
		s.mu.Lock()
		st := &jobState{job: job, done: make(chan struct{})}
		s.jobs[job.ID] = st
		s.mu.Unlock()
		failed := s.finish(job.ID, models.JobFailed, nil, err)
		s.log.Warn("submission short-circuited", "kind", req.Kind, "job_id", job.ID, "design_id", req.DesignID)
		return failed, err
	}
	breakerOpen.WithLabelValues(string(q.kind)).Set(0)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.Job{}, errs.E(errs.Unavailable, errs.CodeServiceDegraded, "scheduler is shutting down", nil)
	}
	ahead := len(q.pending) + q.running
	job.EstimatedCompletion = now.Add(time.Duration(float64(q.avgService) * float64(ahead+1) / float64(q.cfg.Workers)))
	job.Backpressured = q.cfg.QueueCapacity > 0 && len(q.pending) >= q.cfg.QueueCapacity
	s.jobs[job.ID] = &jobState{job: job, done: make(chan struct{})}
	q.pending = append(q.pending, job.ID)
	queueDepth.WithLabelValues(string(q.kind)).Set(float64(len(q.pending)))
	q.cond.Signal()
	s.mu.Unlock()

	s.log.Debug("job queued", "kind", job.Kind, "job_id", job.ID, "design_id", job.DesignID, "backpressured", job.Backpressured)
	return job, nil
}

// Status returns a copy of the job.
func (s *Scheduler) Status(id uuid.UUID) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[id]
	if !ok {
		return models.Job{}, errs.E(errs.Validation, errs.CodeNotFound, "job not found", nil)
	}
	return st.job, nil
}

// Cancel removes a queued job or cancels a running one. It reports false for unknown or
// already terminal jobs.
func (s *Scheduler) Cancel(id uuid.UUID) bool {
	s.mu.Lock()
	st, ok := s.jobs[id]
	if !ok || st.job.Status.Terminal() {
		s.mu.Unlock()
		return false
	}
	if q := s.queues[st.job.Kind]; q != nil {
		for i, pid := range q.pending {
			if pid == id {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				queueDepth.WithLabelValues(string(q.kind)).Set(float64(len(q.pending)))
				break
			}
		}
	}
	s.mu.Unlock()
	s.finish(id, models.JobCancelled, nil, cancelledError(nil))
	return true
}

// Await blocks until the job is terminal or timeout elapses. On timeout it returns the current
// job together with a transient await_timeout error.
func (s *Scheduler) Await(ctx context.Context, id uuid.UUID, timeout time.Duration) (models.Job, error) {
	s.mu.Lock()
	st, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return models.Job{}, errs.E(errs.Validation, errs.CodeNotFound, "job not found", nil)
	}
	done := st.done
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return s.Status(id)
	case <-timer.C:
		job, _ := s.Status(id)
		return job, errs.E(errs.Transient, errs.CodeAwaitTimeout, "job still in progress", nil)
	case <-ctx.Done():
		job, _ := s.Status(id)
		return job, ctx.Err()
	}
}

// Depth returns the number of queued jobs of a kind.
func (s *Scheduler) Depth(kind models.JobKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.queues[kind]; q != nil {
		return len(q.pending)
	}
	return 0
}

// BreakerState reports the breaker state of a kind.
func (s *Scheduler) BreakerState(kind models.JobKind) BreakerState {
	if q := s.queues[kind]; q != nil {
		return q.breaker.State()
	}
	return BreakerClosed
}

func (s *Scheduler) worker(q *kindQueue) {
	defer s.workers.Done()
	for {
		id, ok := s.next(q)
		if !ok {
			return
		}
		if err := q.limiter.Wait(s.baseCtx); err != nil {
			s.finish(id, models.JobCancelled, nil, cancelledError(err))
			s.release(q)
			continue
		}
		s.run(q, id)
		s.release(q)
	}
}

func (s *Scheduler) next(q *kindQueue) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(q.pending) == 0 && !s.closed {
		q.cond.Wait()
	}
	if s.closed {
		return uuid.Nil, false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	q.running++
	queueDepth.WithLabelValues(string(q.kind)).Set(float64(len(q.pending)))
	return id, true
}

func (s *Scheduler) release(q *kindQueue) {
	s.mu.Lock()
	q.running--
	s.mu.Unlock()
}

func (s *Scheduler) run(q *kindQueue, id uuid.UUID) {
	s.mu.Lock()
	st := s.jobs[id]
	if st == nil || st.job.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	started := s.now().UTC()
	deadline := started.Add(q.cfg.Deadline)
	ctx, cancel := context.WithTimeout(s.baseCtx, q.cfg.Deadline)
	st.cancel = cancel
	st.job.Status = models.JobRunning
	st.job.StartedAt = &started
	st.job.Deadline = &deadline
	s.mu.Unlock()
	defer cancel()

	for attempt := 1; ; attempt++ {
		s.mu.Lock()
		st.job.Attempts = attempt
		snapshot := st.job
		s.mu.Unlock()

		callStart := time.Now()
		result, err := s.invoke(ctx, q.handler, snapshot)
		elapsed := time.Since(callStart)
		serviceTime.WithLabelValues(string(q.kind)).Observe(elapsed.Seconds())

		if ctx.Err() != nil {
			s.interrupted(q, st, ctx.Err())
			return
		}
		s.observe(q, elapsed)

		if err == nil {
			q.breaker.Record(false)
			s.finish(id, models.JobSucceeded, result, nil)
			return
		}
		kind := errs.KindOf(err)
		q.breaker.Record(kind == errs.Transient || kind == errs.Fatal)
		if kind != errs.Transient {
			// Handlers may return a partial result alongside a permanent error, e.g. the
			// clarification questions of an ambiguous analysis.
			s.finish(id, models.JobFailed, result, err)
			return
		}
		if attempt >= s.cfg.Retry.MaxAttempts {
			s.finish(id, models.JobFailed, nil, errs.E(errs.Fatal, errs.CodeRetriesExhausted,
				fmt.Sprintf("%s failed after %d attempts", q.kind, attempt), err))
			return
		}

		s.mu.Lock()
		st.job.LastError = jobError(err)
		s.mu.Unlock()
		retries.WithLabelValues(string(q.kind)).Inc()
		wait := s.cfg.Retry.Backoff(attempt, s.random)
		s.log.Debug("retrying job", "kind", q.kind, "job_id", id, "attempt", attempt, "backoff", wait, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			s.interrupted(q, st, ctx.Err())
			return
		}
	}
}

// interrupted finishes a job whose call context ended. A deadline overrun counts against the
// breaker whether the context expired first or the watchdog already failed the job.
func (s *Scheduler) interrupted(q *kindQueue, st *jobState, ctxErr error) {
	s.mu.Lock()
	overrun := errors.Is(ctxErr, context.DeadlineExceeded) ||
		(st.job.Status == models.JobFailed && st.job.LastError != nil && st.job.LastError.Code == errs.CodeTimeout)
	id := st.job.ID
	s.mu.Unlock()
	if overrun {
		q.breaker.Record(true)
		s.finish(id, models.JobFailed, nil, timeoutError(q))
		return
	}
	s.finish(id, models.JobCancelled, nil, cancelledError(ctxErr))
}

// invoke calls the handler on its own goroutine so that a call ignoring ctx cannot outlive the
// deadline. Panics become fatal errors.
func (s *Scheduler) invoke(ctx context.Context, h Handler, job models.Job) (json.RawMessage, error) {
	type result struct {
		raw json.RawMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("capability call panicked", "kind", job.Kind, "job_id", job.ID, "panic", r)
				ch <- result{err: errs.E(errs.Fatal, errs.CodeInternal, "capability call crashed", fmt.Errorf("panic: %v", r))}
			}
		}()
		raw, err := h.Invoke(ctx, job)
		ch <- result{raw: raw, err: err}
	}()
	select {
	case r := <-ch:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) observe(q *kindQueue, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	const alpha = 0.2
	q.avgService = time.Duration(alpha*float64(elapsed) + (1-alpha)*float64(q.avgService))
}

// finish performs the single terminal transition of a job. Later calls are no-ops that return
// the already terminal job.
func (s *Scheduler) finish(id uuid.UUID, status models.JobStatus, result json.RawMessage, err error) models.Job {
	s.mu.Lock()
	st, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return models.Job{}
	}
	if st.job.Status.Terminal() {
		job := st.job
		s.mu.Unlock()
		return job
	}
	now := s.now().UTC()
	st.job.Status = status
	st.job.CompletedAt = &now
	if result != nil {
		st.job.Result = append(json.RawMessage(nil), result...)
	}
	if err != nil {
		st.job.LastError = jobError(err)
	}
	if st.cancel != nil {
		st.cancel()
	}
	close(st.done)
	job := st.job
	s.outbox = append(s.outbox, job)
	s.mu.Unlock()

	code := ""
	if job.LastError != nil && status != models.JobSucceeded {
		code = job.LastError.Code
	}
	jobOutcomes.WithLabelValues(string(job.Kind), string(status), code).Inc()
	if err != nil && status == models.JobFailed {
		s.log.Warn("job failed", "kind", job.Kind, "job_id", job.ID, "design_id", job.DesignID, "attempts", job.Attempts, "error", err)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return job
}

// watchdog fails running jobs whose deadline has passed, at most one PollInterval late.
func (s *Scheduler) watchdog() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Scheduler) sweep() {
	now := s.now()
	var overdue []uuid.UUID
	s.mu.Lock()
	for id, st := range s.jobs {
		switch {
		case st.job.Status == models.JobRunning && st.job.Deadline != nil && !now.Before(*st.job.Deadline):
			overdue = append(overdue, id)
		case st.job.Status.Terminal() && st.job.CompletedAt != nil && now.Sub(*st.job.CompletedAt) > s.cfg.Retention:
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()
	for _, id := range overdue {
		job, _ := s.Status(id)
		q := s.queues[job.Kind]
		if q == nil {
			continue
		}
		s.finish(id, models.JobFailed, nil, timeoutError(q))
	}
}

func (s *Scheduler) dispatcher() {
	defer s.wg.Done()
	for {
		select {
		case <-s.notify:
			s.drain()
		case <-s.baseCtx.Done():
			s.close()
			s.workers.Wait()
			s.drain()
			return
		}
	}
}

// close stops the worker pools and cancels every job still queued.
func (s *Scheduler) close() {
	s.mu.Lock()
	s.closed = true
	var queued []uuid.UUID
	for _, q := range s.queues {
		queued = append(queued, q.pending...)
		q.pending = nil
		queueDepth.WithLabelValues(string(q.kind)).Set(0)
		q.cond.Broadcast()
	}
	s.mu.Unlock()
	for _, id := range queued {
		s.finish(id, models.JobCancelled, nil, cancelledError(context.Canceled))
	}
	if len(queued) > 0 {
		s.log.Info("queued jobs cancelled at shutdown", "count", len(queued))
	}
}

func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		if len(s.outbox) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.outbox
		s.outbox = nil
		listeners := append([]Listener(nil), s.listeners...)
		s.mu.Unlock()

		for _, job := range batch {
			for _, l := range listeners {
				s.deliver(l, job)
			}
		}
	}
}

func (s *Scheduler) deliver(l Listener, job models.Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("completion listener panicked", "job_id", job.ID, "panic", r)
		}
	}()
	l(job)
}

func timeoutError(q *kindQueue) error {
	return errs.E(errs.Transient, errs.CodeTimeout, fmt.Sprintf("%s exceeded its %s deadline", q.kind, q.cfg.Deadline), context.DeadlineExceeded)
}

func cancelledError(cause error) error {
	return errs.E(errs.Validation, errs.CodeCancelled, "job cancelled", cause)
}

func jobError(err error) *models.JobError {
	return &models.JobError{
		Kind:    string(errs.KindOf(err)),
		Code:    errs.CodeOf(err),
		Message: errs.UserMessage(err),
	}
}
