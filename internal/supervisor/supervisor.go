// Package supervisor owns the set of long-running workers (agents, plugin
// loops, system loops), watches their heartbeats on a fixed tick, and
// restarts failed workers according to a per-worker policy.
//
// The supervision loop is a single goroutine. A sweep that outlasts the tick
// delays the next sweep; sweeps never overlap. Each worker record has its own
// mutex, and every value handed out is a copy.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/guardianos/guardian/internal/model"
	"github.com/guardianos/guardian/internal/telemetry"
)

const defaultHistoryLimit = 16

// Config holds supervisor settings. Zero values fall back to defaults.
type Config struct {
	Tick                    time.Duration // default 5s
	DefaultHeartbeatTimeout time.Duration // default 30s
	DefaultPolicy           RestartPolicy // default 3 retries, 1s base, 1m cap
	StopGrace               time.Duration // Unregister wait, default 10s
	HistoryLimit            int           // error history bound, default 16
	Observer                Observer
	// Now is the clock. Tests substitute a manual one.
	Now func() time.Time
}

func (c *Config) withDefaults() {
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.DefaultHeartbeatTimeout <= 0 {
		c.DefaultHeartbeatTimeout = 30 * time.Second
	}
	if c.DefaultPolicy.BackoffBase <= 0 {
		c.DefaultPolicy = RestartPolicy{MaxRetries: 3, BackoffBase: time.Second, MaxBackoff: time.Minute}
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Supervisor registers, health-checks, and restarts workers.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	workers map[string]*worker

	// rootCtx parents every worker context; cancelled by Stop.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	sweepMu    sync.Mutex // serializes sweeps
	started    atomic.Bool
	stopped    atomic.Bool
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
	lastSweep  atomic.Int64 // unix nanos

	restarts  metric.Int64Counter
	exhausted metric.Int64Counter
}

// New creates a supervisor. Workers may be registered before Start; they run
// immediately, and supervision begins once Start is called.
func New(cfg Config, logger *slog.Logger) *Supervisor {
	cfg.withDefaults()
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:        cfg,
		logger:     logger,
		workers:    make(map[string]*worker),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		loopDone:   make(chan struct{}),
	}
}

// Start begins the supervision loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (s *Supervisor) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("supervisor: Start called more than once, ignoring")
		return
	}
	s.registerMetrics()
	s.lastSweep.Store(s.cfg.Now().UnixNano())
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.loop(loopCtx)
}

// Tick returns the configured supervision interval.
func (s *Supervisor) Tick() time.Duration { return s.cfg.Tick }

// LastSweep returns when the supervision loop last completed a sweep. A
// stale value means the supervisor itself is unresponsive.
func (s *Supervisor) LastSweep() time.Time {
	return time.Unix(0, s.lastSweep.Load())
}

// Running reports whether the supervision loop is active.
func (s *Supervisor) Running() bool {
	if !s.started.Load() || s.stopped.Load() {
		return false
	}
	select {
	case <-s.loopDone:
		return false
	default:
		return true
	}
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(s.cfg.Now())
		}
	}
}

// Register adds a worker and launches it.
func (s *Supervisor) Register(spec Spec) (*Handle, error) {
	if err := model.ValidateWorkerID(spec.ID); err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	switch spec.Kind {
	case model.WorkerAgent, model.WorkerPluginLoop, model.WorkerSystem:
	default:
		return nil, fmt.Errorf("supervisor: worker %s has unknown kind %q", spec.ID, spec.Kind)
	}
	if spec.Run == nil {
		return nil, fmt.Errorf("supervisor: worker %s has no run function", spec.ID)
	}
	if spec.HeartbeatTimeout <= 0 {
		spec.HeartbeatTimeout = s.cfg.DefaultHeartbeatTimeout
	}
	if spec.Policy.BackoffBase <= 0 {
		spec.Policy = s.cfg.DefaultPolicy
	}

	now := s.cfg.Now()
	w := &worker{
		spec: spec,
		rec: model.WorkerRecord{
			ID:            spec.ID,
			Kind:          spec.Kind,
			State:         model.WorkerStarting,
			LastHeartbeat: now,
			RegisteredAt:  now,
		},
	}

	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if _, exists := s.workers[spec.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, spec.ID)
	}
	s.workers[spec.ID] = w
	s.mu.Unlock()

	s.cfg.Observer.WorkerRegistered(model.WorkerRegistration{ID: spec.ID, Kind: spec.Kind, RegisteredAt: now})
	s.logger.Info("supervisor: worker registered", "worker_id", spec.ID, "kind", spec.Kind)

	w.mu.Lock()
	s.launchLocked(w, now)
	w.mu.Unlock()
	s.cfg.Observer.WorkerStateChanged(spec.ID, model.WorkerStarting, model.WorkerRunning)

	return &Handle{s: s, w: w}, nil
}

// Heartbeat records liveness for the worker's current run. A degraded worker
// returns to running; a worker that has already failed is not revived.
func (s *Supervisor) Heartbeat(id string) error {
	w := s.lookup(id)
	if w == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	s.heartbeat(w, 0)
	return nil
}

func (s *Supervisor) heartbeat(w *worker, gen uint64) {
	w.mu.Lock()
	if gen != 0 && gen != w.gen {
		w.mu.Unlock()
		return
	}
	from := w.rec.State
	switch from {
	case model.WorkerRunning:
		w.rec.LastHeartbeat = s.cfg.Now()
		w.mu.Unlock()
	case model.WorkerDegraded:
		w.rec.LastHeartbeat = s.cfg.Now()
		w.rec.State = model.WorkerRunning
		w.mu.Unlock()
		s.logger.Info("supervisor: worker recovered", "worker_id", w.spec.ID)
		s.cfg.Observer.WorkerStateChanged(w.spec.ID, from, model.WorkerRunning)
	default:
		w.mu.Unlock()
	}
}

// Unregister cancels the worker, waits up to the stop grace (or ctx) for it
// to return, marks it stopped, and removes it.
func (s *Supervisor) Unregister(ctx context.Context, id string) error {
	w := s.lookup(id)
	if w == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}

	exited := s.beginStop(w)
	timer := time.NewTimer(s.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		s.logger.Warn("supervisor: worker ignored cancellation, forcing stop", "worker_id", id)
	case <-ctx.Done():
		s.logger.Warn("supervisor: unregister interrupted, forcing stop", "worker_id", id, "error", ctx.Err())
	}
	s.markStopped(w)

	s.mu.Lock()
	if s.workers[id] == w {
		delete(s.workers, id)
	}
	s.mu.Unlock()

	s.cfg.Observer.WorkerRemoved(id)
	s.logger.Info("supervisor: worker unregistered", "worker_id", id)
	return nil
}

// Status returns a snapshot of every worker record.
func (s *Supervisor) Status() map[string]model.WorkerRecord {
	s.mu.RLock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.RUnlock()

	out := make(map[string]model.WorkerRecord, len(workers))
	for _, w := range workers {
		w.mu.Lock()
		out[w.spec.ID] = w.rec.Clone()
		w.mu.Unlock()
	}
	return out
}

// Stop cancels every worker and waits until they return or ctx expires.
// Stragglers are marked stopped at the deadline and abandoned. Records stay
// visible in Status; Register fails afterwards.
func (s *Supervisor) Stop(ctx context.Context) {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	if s.cancelLoop != nil {
		s.cancelLoop()
		select {
		case <-s.loopDone:
		case <-ctx.Done():
		}
	}

	s.mu.RLock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.RUnlock()

	var g errgroup.Group
	var stragglers atomic.Int64
	for _, w := range workers {
		exited := s.beginStop(w)
		g.Go(func() error {
			select {
			case <-exited:
			case <-ctx.Done():
				stragglers.Add(1)
				s.logger.Warn("supervisor: worker ignored cancellation, forcing stop", "worker_id", w.spec.ID)
			}
			s.markStopped(w)
			return nil
		})
	}
	_ = g.Wait()
	s.rootCancel()

	s.logger.Info("supervisor: stopped", "workers", len(workers), "forced", stragglers.Load())
}

func (s *Supervisor) lookup(id string) *worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workers[id]
}

// beginStop flags the worker as stopping so sweeps leave it alone, cancels
// its current run, and returns the channel closed when that run returns.
func (s *Supervisor) beginStop(w *worker) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopping = true
	if w.cancel != nil {
		w.cancel()
	}
	return w.exited
}

func (s *Supervisor) markStopped(w *worker) {
	w.mu.Lock()
	from := w.rec.State
	w.rec.State = model.WorkerStopped
	w.mu.Unlock()
	if from != model.WorkerStopped {
		s.cfg.Observer.WorkerStateChanged(w.spec.ID, from, model.WorkerStopped)
	}
}

// launchLocked starts a new run of w. Caller holds w.mu.
func (s *Supervisor) launchLocked(w *worker, now time.Time) {
	w.gen++
	ctx, cancel := context.WithCancel(s.rootCtx)
	w.cancel = cancel
	exited := make(chan struct{})
	w.exited = exited
	w.rec.State = model.WorkerRunning
	w.rec.LastHeartbeat = now
	w.restartAt = time.Time{}

	h := &Handle{s: s, w: w, gen: w.gen}
	go s.run(ctx, w, h, exited)
}

func (s *Supervisor) run(ctx context.Context, w *worker, h *Handle, exited chan struct{}) {
	defer close(exited)
	err := safeRun(ctx, w.spec.Run, h)
	s.exited(ctx, w, h.gen, err)
}

func safeRun(ctx context.Context, fn RunFunc, h *Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, h)
}

// exited handles a run returning on its own. Runs that were cancelled by the
// supervisor have already been transitioned by whoever cancelled them.
func (s *Supervisor) exited(ctx context.Context, w *worker, gen uint64, err error) {
	if ctx.Err() != nil {
		return
	}
	now := s.cfg.Now()
	w.mu.Lock()
	if gen != w.gen || w.stopping {
		w.mu.Unlock()
		return
	}
	if err == nil {
		from := w.rec.State
		w.rec.State = model.WorkerStopped
		w.mu.Unlock()
		s.logger.Info("supervisor: worker finished", "worker_id", w.spec.ID)
		s.cfg.Observer.WorkerStateChanged(w.spec.ID, from, model.WorkerStopped)
		return
	}
	s.logger.Error("supervisor: worker crashed", "worker_id", w.spec.ID, "error", err)
	events := s.failLocked(w, now, err)
	w.mu.Unlock()
	s.emit(events)
}

// sweep runs one supervision pass at time now.
func (s *Supervisor) sweep(now time.Time) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	s.mu.RLock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.RUnlock()

	for _, w := range workers {
		s.emit(s.check(w, now))
	}
	s.lastSweep.Store(now.UnixNano())
}

func (s *Supervisor) check(w *worker, now time.Time) []event {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopping {
		return nil
	}

	var events []event
	switch w.rec.State {
	case model.WorkerRunning, model.WorkerDegraded:
		if !w.spec.Heartbeats {
			return nil
		}
		elapsed := now.Sub(w.rec.LastHeartbeat)
		timeout := w.spec.HeartbeatTimeout
		if w.rec.State == model.WorkerRunning && elapsed >= timeout {
			w.rec.State = model.WorkerDegraded
			s.appendErrorLocked(w, now, fmt.Sprintf("%v after %s", ErrHeartbeatMissed, elapsed.Round(time.Millisecond)))
			s.logger.Warn("supervisor: heartbeat missed, worker degraded",
				"worker_id", w.spec.ID, "elapsed", elapsed, "timeout", timeout)
			events = append(events, event{id: w.spec.ID, from: model.WorkerRunning, to: model.WorkerDegraded})
		}
		if w.rec.State == model.WorkerDegraded && elapsed >= 2*timeout {
			if w.cancel != nil {
				w.cancel()
			}
			events = append(events, s.failLocked(w, now, fmt.Errorf("%w: silent for %s", ErrHeartbeatMissed, elapsed.Round(time.Millisecond)))...)
		}
	case model.WorkerStarting:
		if !w.restartAt.IsZero() && !now.Before(w.restartAt) {
			s.launchLocked(w, now)
			s.logger.Info("supervisor: worker restarted", "worker_id", w.spec.ID, "restart_count", w.rec.RestartCount)
			events = append(events, event{id: w.spec.ID, from: model.WorkerStarting, to: model.WorkerRunning})
		}
	}
	return events
}

// failLocked moves w to Failed and applies the restart policy. Caller holds
// w.mu. A terminal failure is recorded exactly once.
func (s *Supervisor) failLocked(w *worker, now time.Time, cause error) []event {
	if w.rec.Terminal {
		return nil
	}
	from := w.rec.State
	w.rec.State = model.WorkerFailed
	s.appendErrorLocked(w, now, cause.Error())
	events := []event{{id: w.spec.ID, from: from, to: model.WorkerFailed}}

	if w.rec.RestartCount < w.spec.Policy.MaxRetries {
		delay := w.spec.Policy.Backoff(w.rec.RestartCount)
		w.rec.RestartCount++
		w.rec.State = model.WorkerStarting
		w.restartAt = now.Add(delay)
		if s.restarts != nil {
			s.restarts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(w.spec.Kind))))
		}
		s.logger.Warn("supervisor: worker failed, restart scheduled",
			"worker_id", w.spec.ID, "restart_count", w.rec.RestartCount, "backoff", delay, "error", cause)
		return append(events, event{id: w.spec.ID, from: model.WorkerFailed, to: model.WorkerStarting})
	}

	w.rec.Terminal = true
	s.appendErrorLocked(w, now, fmt.Sprintf("%v after %d restarts", ErrRestartsExhausted, w.rec.RestartCount))
	if s.exhausted != nil {
		s.exhausted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(w.spec.Kind))))
	}
	s.logger.Error("supervisor: restarts exhausted, worker permanently failed",
		"worker_id", w.spec.ID, "restart_count", w.rec.RestartCount, "error", cause)
	return append(events, event{exhausted: true, rec: w.rec.Clone()})
}

func (s *Supervisor) appendErrorLocked(w *worker, now time.Time, msg string) {
	w.rec.ErrorHistory = append(w.rec.ErrorHistory, model.WorkerError{At: now, Message: msg})
	if over := len(w.rec.ErrorHistory) - s.cfg.HistoryLimit; over > 0 {
		w.rec.ErrorHistory = append(w.rec.ErrorHistory[:0:0], w.rec.ErrorHistory[over:]...)
	}
}

// event is an observer notification collected under a lock and delivered
// after it is released.
type event struct {
	id        string
	from, to  model.WorkerState
	exhausted bool
	rec       model.WorkerRecord
}

func (s *Supervisor) emit(events []event) {
	for _, e := range events {
		if e.exhausted {
			s.cfg.Observer.WorkerExhausted(e.rec)
			continue
		}
		s.cfg.Observer.WorkerStateChanged(e.id, e.from, e.to)
	}
}

// registerMetrics registers supervisor counters and an observable gauge of
// workers by state.
func (s *Supervisor) registerMetrics() {
	meter := telemetry.Meter("guardian/supervisor")

	s.restarts, _ = meter.Int64Counter("guardian.supervisor.restarts",
		metric.WithDescription("Worker restarts scheduled by the supervisor"))
	s.exhausted, _ = meter.Int64Counter("guardian.supervisor.exhausted",
		metric.WithDescription("Workers that exhausted their restart policy"))

	_, _ = meter.Int64ObservableGauge("guardian.supervisor.workers",
		metric.WithDescription("Supervised workers by state"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			counts := make(map[model.WorkerState]int64)
			for _, rec := range s.Status() {
				counts[rec.State]++
			}
			for state, n := range counts {
				o.Observe(n, metric.WithAttributes(attribute.String("state", string(state))))
			}
			return nil
		}),
	)
}

// worker is the supervisor's mutable state for one registration.
type worker struct {
	spec Spec

	mu        sync.Mutex
	rec       model.WorkerRecord
	gen       uint64 // incremented on every launch
	cancel    context.CancelFunc
	exited    chan struct{}
	restartAt time.Time
	stopping  bool
}

// Handle is a worker's view of its own registration.
type Handle struct {
	s   *Supervisor
	w   *worker
	gen uint64 // zero: follows the current run
}

// ID returns the worker ID.
func (h *Handle) ID() string { return h.w.spec.ID }

// Heartbeat records liveness. Heartbeats from a run the supervisor has
// already replaced are ignored.
func (h *Handle) Heartbeat() { h.s.heartbeat(h.w, h.gen) }
