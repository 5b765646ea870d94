package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/guardianos/guardian/internal/model"
	"github.com/guardianos/guardian/internal/telemetry"
)

// Sandbox owns one loaded unit. Every lifecycle call runs in its own
// goroutine under a wall-clock budget; a call that overruns is abandoned and
// reported as ErrCallTimeout. Panics inside the unit are recovered and
// returned as errors. CPU usage is not metered, only elapsed time.
type Sandbox struct {
	desc   Descriptor
	unit   Unit
	env    *Env
	hooks  model.PluginHooks
	tracer trace.Tracer
}

func newSandbox(d Descriptor, u Unit, env *Env) *Sandbox {
	return &Sandbox{
		desc:   d,
		unit:   u,
		env:    env,
		hooks:  hooksOf(u, d.Background()),
		tracer: telemetry.Tracer("guardian/plugin"),
	}
}

// Hooks returns the optional hooks resolved at load.
func (s *Sandbox) Hooks() model.PluginHooks { return s.hooks }

// Init runs the unit's Init under budget.
func (s *Sandbox) Init(ctx context.Context, budget time.Duration) error {
	return s.call(ctx, budget, "init", func(ctx context.Context) error {
		return s.unit.Init(ctx, s.env)
	})
}

// Health runs the unit's health hook under timeout. A timeout, panic, or
// malformed status is reported as an error-status report, never returned.
func (s *Sandbox) Health(ctx context.Context, timeout time.Duration, now time.Time) model.HealthReport {
	hc, ok := s.unit.(HealthChecker)
	if !ok {
		return model.HealthReport{Status: model.HealthHealthy, Message: "no health hook", CheckedAt: now}
	}
	var rep model.HealthReport
	err := s.call(ctx, timeout, "health", func(ctx context.Context) error {
		rep = hc.Health(ctx)
		switch rep.Status {
		case model.HealthHealthy, model.HealthWarning, model.HealthError:
			return nil
		default:
			return fmt.Errorf("health status %q is not healthy, warning, or error", rep.Status)
		}
	})
	if err != nil {
		return model.HealthReport{Status: model.HealthError, Message: err.Error(), CheckedAt: now}
	}
	rep.CheckedAt = now
	return rep
}

// Cleanup runs the unit's cleanup hook, if any, under timeout.
func (s *Sandbox) Cleanup(ctx context.Context, timeout time.Duration) error {
	c, ok := s.unit.(Cleaner)
	if !ok {
		return nil
	}
	return s.call(ctx, timeout, "cleanup", c.Cleanup)
}

// Run drives a Runner unit's background body until ctx is done. Units that
// are not Runners just beat until cancelled.
func (s *Sandbox) Run(ctx context.Context, beat func(), interval time.Duration) error {
	r, ok := s.unit.(Runner)
	if !ok {
		return idle(ctx, beat, interval)
	}
	err := recovered(func() error { return r.Run(ctx, s.env, beat) })
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// close revokes the environment. Calls the unit still holds fail afterwards.
func (s *Sandbox) close() { s.env.close() }

func (s *Sandbox) call(ctx context.Context, budget time.Duration, op string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "plugin."+op, trace.WithAttributes(
		attribute.String("plugin.name", s.desc.Name),
		attribute.String("plugin.version", s.desc.Version),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	// Buffered so an abandoned call can still deliver and exit.
	done := make(chan error, 1)
	go func() { done <- recovered(func() error { return fn(callCtx) }) }()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s %s after %s", ErrCallTimeout, s.desc.Name, op, budget)
		} else {
			err = fmt.Errorf("plugin: %s %s: %w", s.desc.Name, op, ctx.Err())
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func recovered(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

func idle(ctx context.Context, beat func(), interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			beat()
		}
	}
}
