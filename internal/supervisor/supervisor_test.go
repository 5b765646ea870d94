package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardianos/guardian/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock() *manualClock {
	return &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type transition struct {
	id       string
	from, to model.WorkerState
}

type recorder struct {
	mu          sync.Mutex
	registered  []string
	removed     []string
	transitions []transition
	exhausted   []model.WorkerRecord
}

func (r *recorder) WorkerRegistered(reg model.WorkerRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, reg.ID)
}

func (r *recorder) WorkerRemoved(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
}

func (r *recorder) WorkerStateChanged(id string, from, to model.WorkerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition{id, from, to})
}

func (r *recorder) WorkerExhausted(rec model.WorkerRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exhausted = append(r.exhausted, rec)
}

func (r *recorder) exhaustedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exhausted)
}

func (r *recorder) statesOf(id string) []model.WorkerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.WorkerState
	for _, tr := range r.transitions {
		if tr.id == id {
			out = append(out, tr.to)
		}
	}
	return out
}

func newTestSupervisor(t *testing.T, clock *manualClock, obs Observer) *Supervisor {
	t.Helper()
	s := New(Config{
		Tick:                    time.Hour,
		DefaultHeartbeatTimeout: 10 * time.Second,
		DefaultPolicy:           RestartPolicy{MaxRetries: 0, BackoffBase: time.Second},
		StopGrace:               50 * time.Millisecond,
		Observer:                obs,
		Now:                     clock.Now,
	}, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func blockUntilCancelled(ctx context.Context, _ *Handle) error {
	<-ctx.Done()
	return nil
}

func stateOf(s *Supervisor, id string) model.WorkerState {
	return s.Status()[id].State
}

func TestBackoff(t *testing.T) {
	p := RestartPolicy{MaxRetries: 5, BackoffBase: time.Second, MaxBackoff: 10 * time.Second}
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 10*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(60))

	uncapped := RestartPolicy{BackoffBase: time.Millisecond}
	assert.Equal(t, 1024*time.Millisecond, uncapped.Backoff(10))
	assert.Equal(t, time.Duration(0), RestartPolicy{}.Backoff(3))
}

func TestRegisterDuplicateID(t *testing.T) {
	s := newTestSupervisor(t, newManualClock(), nil)

	_, err := s.Register(Spec{ID: "agent:watcher", Kind: model.WorkerAgent, Run: blockUntilCancelled})
	require.NoError(t, err)

	_, err = s.Register(Spec{ID: "agent:watcher", Kind: model.WorkerAgent, Run: blockUntilCancelled})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateID))
	assert.Len(t, s.Status(), 1)
}

func TestRegisterValidation(t *testing.T) {
	s := newTestSupervisor(t, newManualClock(), nil)

	_, err := s.Register(Spec{ID: "", Kind: model.WorkerAgent, Run: blockUntilCancelled})
	assert.Error(t, err)

	_, err = s.Register(Spec{ID: "x", Kind: "daemon", Run: blockUntilCancelled})
	assert.Error(t, err)

	_, err = s.Register(Spec{ID: "x", Kind: model.WorkerSystem})
	assert.Error(t, err)

	assert.Empty(t, s.Status())
}

func TestRegisterStartsRunning(t *testing.T) {
	clock := newManualClock()
	rec := &recorder{}
	s := newTestSupervisor(t, clock, rec)

	h, err := s.Register(Spec{ID: "system:codex", Kind: model.WorkerSystem, Run: blockUntilCancelled})
	require.NoError(t, err)
	assert.Equal(t, "system:codex", h.ID())

	st := s.Status()["system:codex"]
	assert.Equal(t, model.WorkerRunning, st.State)
	assert.Equal(t, model.WorkerSystem, st.Kind)
	assert.Equal(t, clock.Now(), st.RegisteredAt)
	assert.Equal(t, []string{"system:codex"}, rec.registered)
}

func TestHeartbeatDegradeThenFail(t *testing.T) {
	clock := newManualClock()
	rec := &recorder{}
	s := newTestSupervisor(t, clock, rec)
	t0 := clock.Now()

	_, err := s.Register(Spec{
		ID:               "agent:silent",
		Kind:             model.WorkerAgent,
		Run:              blockUntilCancelled,
		HeartbeatTimeout: 10 * time.Second,
		Heartbeats:       true,
	})
	require.NoError(t, err)

	s.sweep(t0.Add(5 * time.Second))
	assert.Equal(t, model.WorkerRunning, stateOf(s, "agent:silent"))

	s.sweep(t0.Add(10 * time.Second))
	assert.Equal(t, model.WorkerDegraded, stateOf(s, "agent:silent"))

	s.sweep(t0.Add(15 * time.Second))
	assert.Equal(t, model.WorkerDegraded, stateOf(s, "agent:silent"))

	s.sweep(t0.Add(20 * time.Second))
	st := s.Status()["agent:silent"]
	assert.Equal(t, model.WorkerFailed, st.State)
	assert.True(t, st.Terminal)
	require.NotEmpty(t, st.ErrorHistory)
	assert.Contains(t, st.ErrorHistory[0].Message, ErrHeartbeatMissed.Error())
	assert.Contains(t, st.ErrorHistory[len(st.ErrorHistory)-1].Message, ErrRestartsExhausted.Error())

	assert.Equal(t,
		[]model.WorkerState{model.WorkerRunning, model.WorkerDegraded, model.WorkerFailed},
		rec.statesOf("agent:silent"))
	assert.Equal(t, 1, rec.exhaustedCount())

	// Terminal workers are never retried nor reported again.
	s.sweep(t0.Add(time.Minute))
	s.sweep(t0.Add(time.Hour))
	assert.Equal(t, model.WorkerFailed, stateOf(s, "agent:silent"))
	assert.Equal(t, 1, rec.exhaustedCount())
}

func TestHeartbeatRecoversDegraded(t *testing.T) {
	clock := newManualClock()
	s := newTestSupervisor(t, clock, nil)
	t0 := clock.Now()

	h, err := s.Register(Spec{ID: "agent:slow", Kind: model.WorkerAgent, Run: blockUntilCancelled, Heartbeats: true})
	require.NoError(t, err)

	s.sweep(t0.Add(12 * time.Second))
	require.Equal(t, model.WorkerDegraded, stateOf(s, "agent:slow"))

	clock.Set(t0.Add(13 * time.Second))
	h.Heartbeat()
	assert.Equal(t, model.WorkerRunning, stateOf(s, "agent:slow"))
	assert.Equal(t, t0.Add(13*time.Second), s.Status()["agent:slow"].LastHeartbeat)

	// The fresh heartbeat resets the clock for the next sweep.
	s.sweep(t0.Add(20 * time.Second))
	assert.Equal(t, model.WorkerRunning, stateOf(s, "agent:slow"))
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	s := newTestSupervisor(t, newManualClock(), nil)
	err := s.Heartbeat("nope")
	assert.True(t, errors.Is(err, ErrUnknownWorker))
}

func TestWorkersWithoutHeartbeatsNeverDegrade(t *testing.T) {
	clock := newManualClock()
	s := newTestSupervisor(t, clock, nil)

	_, err := s.Register(Spec{ID: "system:quiet", Kind: model.WorkerSystem, Run: blockUntilCancelled})
	require.NoError(t, err)

	s.sweep(clock.Now().Add(time.Hour))
	assert.Equal(t, model.WorkerRunning, stateOf(s, "system:quiet"))
}

func TestCrashRestartsWithBackoffThenExhausts(t *testing.T) {
	clock := newManualClock()
	rec := &recorder{}
	s := newTestSupervisor(t, clock, rec)
	t0 := clock.Now()

	var mu sync.Mutex
	runs := 0
	crash := func(context.Context, *Handle) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return errors.New("boom")
	}

	_, err := s.Register(Spec{
		ID:     "plugin:flaky",
		Kind:   model.WorkerPluginLoop,
		Run:    crash,
		Policy: RestartPolicy{MaxRetries: 2, BackoffBase: time.Second, MaxBackoff: time.Minute},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := s.Status()["plugin:flaky"]
		return st.State == model.WorkerStarting && st.RestartCount == 1
	}, time.Second, 5*time.Millisecond)

	// Backoff is 1s after the first failure.
	s.sweep(t0.Add(500 * time.Millisecond))
	assert.Equal(t, model.WorkerStarting, stateOf(s, "plugin:flaky"))
	s.sweep(t0.Add(time.Second))

	require.Eventually(t, func() bool {
		st := s.Status()["plugin:flaky"]
		return st.State == model.WorkerStarting && st.RestartCount == 2
	}, time.Second, 5*time.Millisecond)

	// Backoff doubles to 2s.
	s.sweep(t0.Add(time.Second + 500*time.Millisecond))
	assert.Equal(t, model.WorkerStarting, stateOf(s, "plugin:flaky"))
	s.sweep(t0.Add(2 * time.Second))

	require.Eventually(t, func() bool {
		return s.Status()["plugin:flaky"].Terminal
	}, time.Second, 5*time.Millisecond)

	st := s.Status()["plugin:flaky"]
	assert.Equal(t, model.WorkerFailed, st.State)
	assert.Equal(t, uint(2), st.RestartCount)
	assert.Equal(t, 1, rec.exhaustedCount())

	s.sweep(t0.Add(time.Hour))
	mu.Lock()
	assert.Equal(t, 3, runs)
	mu.Unlock()
	assert.Equal(t, 1, rec.exhaustedCount())
}

func TestPanicIsFailure(t *testing.T) {
	s := newTestSupervisor(t, newManualClock(), nil)

	_, err := s.Register(Spec{
		ID:   "agent:panicky",
		Kind: model.WorkerAgent,
		Run:  func(context.Context, *Handle) error { panic("kaboom") },
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.Status()["agent:panicky"].Terminal
	}, time.Second, 5*time.Millisecond)

	st := s.Status()["agent:panicky"]
	assert.Equal(t, model.WorkerFailed, st.State)
	require.NotEmpty(t, st.ErrorHistory)
	assert.True(t, strings.HasPrefix(st.ErrorHistory[0].Message, "panic: kaboom"))
}

func TestNilReturnIsStopped(t *testing.T) {
	rec := &recorder{}
	s := newTestSupervisor(t, newManualClock(), rec)

	_, err := s.Register(Spec{
		ID:   "system:oneshot",
		Kind: model.WorkerSystem,
		Run:  func(context.Context, *Handle) error { return nil },
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return stateOf(s, "system:oneshot") == model.WorkerStopped
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, rec.exhaustedCount())
}

func TestUnregisterCooperative(t *testing.T) {
	rec := &recorder{}
	s := newTestSupervisor(t, newManualClock(), rec)

	cancelled := make(chan struct{})
	_, err := s.Register(Spec{
		ID:   "agent:polite",
		Kind: model.WorkerAgent,
		Run: func(ctx context.Context, _ *Handle) error {
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.Unregister(context.Background(), "agent:polite"))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("worker context was not cancelled")
	}
	assert.NotContains(t, s.Status(), "agent:polite")
	assert.Equal(t, []string{"agent:polite"}, rec.removed)

	err = s.Unregister(context.Background(), "agent:polite")
	assert.True(t, errors.Is(err, ErrUnknownWorker))
}

func TestUnregisterForcesStuckWorker(t *testing.T) {
	s := newTestSupervisor(t, newManualClock(), nil)

	release := make(chan struct{})
	defer close(release)
	_, err := s.Register(Spec{
		ID:   "agent:stuck",
		Kind: model.WorkerAgent,
		Run: func(context.Context, *Handle) error {
			<-release
			return nil
		},
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Unregister(context.Background(), "agent:stuck"))
	assert.Less(t, time.Since(start), time.Second)
	assert.NotContains(t, s.Status(), "agent:stuck")
}

func TestStopForcesStragglers(t *testing.T) {
	s := New(Config{Tick: time.Hour, Now: newManualClock().Now}, testLogger())

	release := make(chan struct{})
	defer close(release)
	_, err := s.Register(Spec{ID: "agent:good", Kind: model.WorkerAgent, Run: blockUntilCancelled})
	require.NoError(t, err)
	_, err = s.Register(Spec{
		ID:   "agent:stubborn",
		Kind: model.WorkerAgent,
		Run: func(context.Context, *Handle) error {
			<-release
			return nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Stop(ctx)

	for id, st := range s.Status() {
		assert.Equal(t, model.WorkerStopped, st.State, id)
	}

	_, err = s.Register(Spec{ID: "agent:late", Kind: model.WorkerAgent, Run: blockUntilCancelled})
	assert.True(t, errors.Is(err, ErrStopped))
}

func TestStatusReturnsCopies(t *testing.T) {
	clock := newManualClock()
	s := newTestSupervisor(t, clock, nil)

	_, err := s.Register(Spec{ID: "agent:a", Kind: model.WorkerAgent, Run: blockUntilCancelled, Heartbeats: true})
	require.NoError(t, err)
	s.sweep(clock.Now().Add(11 * time.Second))

	snap := s.Status()
	st := snap["agent:a"]
	require.Len(t, st.ErrorHistory, 1)
	st.ErrorHistory[0].Message = "tampered"
	st.State = model.WorkerStopped

	again := s.Status()["agent:a"]
	assert.Equal(t, model.WorkerDegraded, again.State)
	assert.NotEqual(t, "tampered", again.ErrorHistory[0].Message)
}

func TestErrorHistoryBounded(t *testing.T) {
	clock := newManualClock()
	s := New(Config{HistoryLimit: 3, Now: clock.Now}, testLogger())
	w := &worker{spec: Spec{ID: "w"}}

	for i := range 5 {
		s.appendErrorLocked(w, clock.Now(), string(rune('a'+i)))
	}
	require.Len(t, w.rec.ErrorHistory, 3)
	assert.Equal(t, "c", w.rec.ErrorHistory[0].Message)
	assert.Equal(t, "e", w.rec.ErrorHistory[2].Message)
}

func TestStaleHandleHeartbeatIgnored(t *testing.T) {
	clock := newManualClock()
	s := newTestSupervisor(t, clock, nil)
	t0 := clock.Now()

	handles := make(chan *Handle, 4)
	_, err := s.Register(Spec{
		ID:         "agent:gen",
		Kind:       model.WorkerAgent,
		Heartbeats: true,
		Policy:     RestartPolicy{MaxRetries: 1, BackoffBase: time.Second},
		Run: func(ctx context.Context, h *Handle) error {
			handles <- h
			<-ctx.Done()
			return nil
		},
	})
	require.NoError(t, err)
	first := <-handles

	// Silence past 2x timeout fails the run; the restart replaces it.
	s.sweep(t0.Add(20 * time.Second))
	require.Equal(t, model.WorkerStarting, stateOf(s, "agent:gen"))
	s.sweep(t0.Add(21 * time.Second))
	require.Equal(t, model.WorkerRunning, stateOf(s, "agent:gen"))
	<-handles

	before := s.Status()["agent:gen"].LastHeartbeat
	clock.Set(t0.Add(25 * time.Second))
	first.Heartbeat()
	assert.Equal(t, before, s.Status()["agent:gen"].LastHeartbeat)
}

func TestStartLoopSweeps(t *testing.T) {
	s := New(Config{Tick: 10 * time.Millisecond}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Start(ctx) // second call is a no-op
	initial := s.LastSweep()
	assert.True(t, s.Running())

	require.Eventually(t, func() bool {
		return s.LastSweep().After(initial)
	}, time.Second, 5*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	assert.False(t, s.Running())
}
