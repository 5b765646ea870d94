// Package ratelimit throttles Codex writes made by plugins.
//
// Each plugin gets its own token bucket keyed by "plugin:<name>", and every
// write must also fit the host-wide bucket under GlobalKey, so N plugins
// together never exceed the global rate. The in-memory MemoryLimiter is the
// only implementation; the Limiter interface lets tests and embedders
// substitute their own.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque; callers construct it (e.g. "plugin:<name>").
	// Returning an error signals a limiter malfunction; callers treat errors
	// as fail-open (permit the request) rather than blocking plugins.
	Allow(ctx context.Context, key string) (bool, error)

	// Reset forgets the state for key, e.g. when a plugin is unloaded.
	Reset(key string)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// GlobalKey is the bucket shared by all plugin writes.
const GlobalKey = "global"

// PluginKey returns the limiter key for a plugin's Codex writes.
func PluginKey(name string) string { return "plugin:" + name }

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Reset is a no-op.
func (NoopLimiter) Reset(string) {}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
