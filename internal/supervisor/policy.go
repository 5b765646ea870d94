package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/guardianos/guardian/internal/model"
)

var (
	// ErrDuplicateID is returned by Register when the worker ID is taken.
	ErrDuplicateID = errors.New("supervisor: duplicate worker id")
	// ErrUnknownWorker is returned for operations on an unregistered ID.
	ErrUnknownWorker = errors.New("supervisor: unknown worker")
	// ErrHeartbeatMissed is the transient failure recorded when a worker goes
	// quiet. It is absorbed by the restart policy and never returned to callers.
	ErrHeartbeatMissed = errors.New("supervisor: heartbeat missed")
	// ErrRestartsExhausted is the terminal failure of a worker whose restart
	// policy ran out. It is reported once and the worker is not retried.
	ErrRestartsExhausted = errors.New("supervisor: restarts exhausted")
	// ErrStopped is returned by Register after Stop.
	ErrStopped = errors.New("supervisor: stopped")
)

// RestartPolicy controls how a failed worker is restarted.
type RestartPolicy struct {
	MaxRetries  uint
	BackoffBase time.Duration
	// MaxBackoff caps the exponential delay. Zero means no cap.
	MaxBackoff time.Duration
}

// Backoff returns the delay before restart number restarts+1:
// BackoffBase * 2^restarts, capped at MaxBackoff.
func (p RestartPolicy) Backoff(restarts uint) time.Duration {
	d := p.BackoffBase
	if d <= 0 {
		return 0
	}
	for range restarts {
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			break
		}
		if d > time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// RunFunc is a worker body. It must return when ctx is cancelled and should
// call h.Heartbeat at least once per heartbeat timeout when the worker was
// registered with Heartbeats set.
type RunFunc func(ctx context.Context, h *Handle) error

// Spec describes a worker to supervise. Timeout and policy are per worker so a
// slow plugin loop never dilutes the detection latency of a fast agent.
type Spec struct {
	ID   string
	Kind model.WorkerKind
	Run  RunFunc

	// HeartbeatTimeout of zero uses the supervisor default.
	HeartbeatTimeout time.Duration
	// Policy with a zero BackoffBase uses the supervisor default.
	Policy RestartPolicy
	// Heartbeats marks workers that report liveness. Workers without it are
	// judged only by whether Run is still executing.
	Heartbeats bool
}

// Observer receives worker lifecycle notifications. Calls are made outside
// supervisor locks, synchronously from the goroutine that caused them.
type Observer interface {
	WorkerRegistered(reg model.WorkerRegistration)
	WorkerRemoved(id string)
	WorkerStateChanged(id string, from, to model.WorkerState)
	WorkerExhausted(rec model.WorkerRecord)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) WorkerRegistered(model.WorkerRegistration) {}
func (NopObserver) WorkerRemoved(string) {}
func (NopObserver) WorkerStateChanged(string, model.WorkerState, model.WorkerState) {}
func (NopObserver) WorkerExhausted(model.WorkerRecord) {}
