package guardian

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/guardianos/guardian/internal/model"
	"github.com/guardianos/guardian/internal/plugin"
	"github.com/guardianos/guardian/internal/storage"
)

const observerWriteTimeout = 5 * time.Second

// observer receives supervisor lifecycle events. It persists worker
// registrations beside the plugin manifest and hands exhausted plugin loops
// to the registry.
type observer struct {
	store    storage.ManifestStore
	registry atomic.Pointer[plugin.Registry]
	logger   *slog.Logger
}

func (o *observer) WorkerRegistered(reg model.WorkerRegistration) {
	ctx, cancel := context.WithTimeout(context.Background(), observerWriteTimeout)
	defer cancel()
	if err := o.store.PutWorker(ctx, reg); err != nil {
		o.logger.Warn("guardian: persist worker registration", "worker_id", reg.ID, "error", err)
	}
}

func (o *observer) WorkerRemoved(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), observerWriteTimeout)
	defer cancel()
	if err := o.store.DeleteWorker(ctx, id); err != nil {
		o.logger.Warn("guardian: delete worker registration", "worker_id", id, "error", err)
	}
}

func (o *observer) WorkerStateChanged(id string, from, to model.WorkerState) {
	o.logger.Debug("guardian: worker state changed", "worker_id", id, "from", from, "to", to)
}

func (o *observer) WorkerExhausted(rec model.WorkerRecord) {
	var last string
	if n := len(rec.ErrorHistory); n > 0 {
		last = rec.ErrorHistory[n-1].Message
	}
	o.logger.Error("guardian: worker permanently failed",
		"worker_id", rec.ID, "kind", rec.Kind, "restart_count", rec.RestartCount, "last_error", last)
	if r := o.registry.Load(); r != nil {
		r.WorkerExhausted(rec)
	}
}
