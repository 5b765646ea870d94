package guardian

import (
	"context"
	"log/slog"
	"time"

	"github.com/guardianos/guardian/internal/codex"
	"github.com/guardianos/guardian/internal/config"
	"github.com/guardianos/guardian/internal/model"
	"github.com/guardianos/guardian/internal/supervisor"
)

// MaintenanceID is the worker that ages and compacts the Codex.
const MaintenanceID = "system:codex-maintenance"

func maintenanceSpec(cx *codex.Index, cfg config.Config, logger *slog.Logger) supervisor.Spec {
	return supervisor.Spec{
		ID:         MaintenanceID,
		Kind:       model.WorkerSystem,
		Heartbeats: true,
		Run: func(ctx context.Context, h *supervisor.Handle) error {
			return maintain(ctx, cx, cfg, logger, h.Heartbeat)
		},
	}
}

// maintain decays artifacts untouched for CodexDecayAge once per
// CodexDecayInterval and compacts the journal when it has pending records.
func maintain(ctx context.Context, cx *codex.Index, cfg config.Config, logger *slog.Logger, beat func()) error {
	decay := time.NewTicker(cfg.CodexDecayInterval)
	defer decay.Stop()
	alive := time.NewTicker(max(cfg.HeartbeatTimeout/3, time.Millisecond))
	defer alive.Stop()

	beat()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-alive.C:
			beat()
		case <-decay.C:
			if n := cx.DecayStale(cfg.CodexDecayAge, cfg.CodexDecayStep); n > 0 {
				logger.Info("guardian: decayed stale artifacts", "count", n, "step", cfg.CodexDecayStep)
			}
			if pending := cx.JournalPending(); pending > 0 {
				if err := cx.Compact(); err != nil {
					logger.Warn("guardian: codex compaction failed", "error", err, "pending", pending)
				} else {
					logger.Debug("guardian: codex compacted", "records", pending)
				}
			}
			beat()
		}
	}
}
