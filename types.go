package guardian

import (
	"time"

	"github.com/guardianos/guardian/internal/model"
)

// HealthState grades the host as a whole.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthReport is the result of Core.Health.
type HealthReport struct {
	State HealthState `json:"state"`
	// Reasons lists what pulled the state below healthy, sorted.
	Reasons   []string  `json:"reasons,omitempty"`
	LastSweep time.Time `json:"last_sweep"`
	CheckedAt time.Time `json:"checked_at"`
}

// Status is a point-in-time snapshot of the host.
type Status struct {
	Running   bool                          `json:"running"`
	StartedAt time.Time                     `json:"started_at"`
	Workers   map[string]model.WorkerRecord `json:"workers"`
	Manifest  model.ManifestRecord          `json:"manifest"`
	CodexSize int                           `json:"codex_size"`
}
