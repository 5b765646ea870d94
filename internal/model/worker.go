package model

import "time"

// WorkerKind tags what a supervised worker is. The supervisor treats all kinds
// the same way; the kind exists for reporting and for the manifest.
type WorkerKind string

const (
	WorkerAgent      WorkerKind = "agent"
	WorkerPluginLoop WorkerKind = "plugin-loop"
	WorkerSystem     WorkerKind = "system"
)

// WorkerState is a position in the supervision state machine.
//
//	starting -> running -> degraded -> running
//	                    -> degraded -> failed -> starting (retry)
//	                                         -> failed   (terminal, retries exhausted)
//	any      -> stopped (explicit)
type WorkerState string

const (
	WorkerStarting WorkerState = "starting"
	WorkerRunning  WorkerState = "running"
	WorkerDegraded WorkerState = "degraded"
	WorkerFailed   WorkerState = "failed"
	WorkerStopped  WorkerState = "stopped"
)

// WorkerError is one entry in a worker's bounded error history.
type WorkerError struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// WorkerRecord is the supervisor's view of one worker. Values handed out by
// the supervisor are copies; mutating them has no effect.
type WorkerRecord struct {
	ID            string        `json:"id"`
	Kind          WorkerKind    `json:"kind"`
	State         WorkerState   `json:"state"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	RestartCount  uint          `json:"restart_count"`
	ErrorHistory  []WorkerError `json:"error_history"`
	// Terminal is set once the restart policy is exhausted. A terminal worker
	// stays Failed until it is unregistered.
	Terminal     bool      `json:"terminal"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Clone returns a deep copy of r.
func (r WorkerRecord) Clone() WorkerRecord {
	out := r
	if r.ErrorHistory != nil {
		out.ErrorHistory = make([]WorkerError, len(r.ErrorHistory))
		copy(out.ErrorHistory, r.ErrorHistory)
	}
	return out
}

// WorkerRegistration is the durable part of a worker: what was registered and
// when. Runtime state is never persisted.
type WorkerRegistration struct {
	ID           string     `json:"id"`
	Kind         WorkerKind `json:"kind"`
	RegisteredAt time.Time  `json:"registered_at"`
}
