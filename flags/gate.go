// Package flags resolves feature toggles for the compression pipeline and
// carries the process-wide emergency disable latch.
package flags

import (
	"context"
	"log"
	"sync"
	"time"
)

// Source fetches the current flag set from the remote flag service.
type Source interface {
	Fetch(ctx context.Context) (map[string]any, error)
}

// Gate holds the flag state. It is an explicit object passed by reference,
// not a package singleton, so tests can reset it.
//
// The emergency latch is one-way: once tripped, IsEnabled answers false
// for every flag until Reset is called. This must win over any
// individually enabled flag.
type Gate struct {
	mu            sync.RWMutex
	values        map[string]any
	defaults      map[string]any
	source        Source
	disabled      bool
	disableReason string
	disabledAt    time.Time
	lastRefresh   time.Time
}

// NewGate creates a gate seeded with defaults. The defaults stay in effect
// until the first successful Refresh.
func NewGate(source Source, defaults map[string]any) *Gate {
	values := make(map[string]any, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}
	return &Gate{
		values:   values,
		defaults: defaults,
		source:   source,
	}
}

// IsEnabled reports whether a boolean flag is on for the given context.
// Context-specific entries ("name:priority") take precedence over the
// plain flag name.
func (g *Gate) IsEnabled(name string, ctx map[string]string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.disabled {
		return false
	}

	if v, ok := g.lookup(name, ctx); ok {
		if b, ok := v.(bool); ok {
			return b
		}
		if s, ok := v.(string); ok {
			return s == "true" || s == "enabled"
		}
	}
	return false
}

// Variant returns the string variant of a flag, if one is set.
func (g *Gate) Variant(name string, ctx map[string]string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.disabled {
		return "", false
	}

	if v, ok := g.lookup(name, ctx); ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// lookup must be called with the read lock held.
func (g *Gate) lookup(name string, ctx map[string]string) (any, bool) {
	if p := ctx["priority"]; p != "" {
		if v, ok := g.values[name+":"+p]; ok {
			return v, true
		}
	}
	v, ok := g.values[name]
	return v, ok
}

// EmergencyDisable trips the latch. The reason is logged for audit and
// kept for status reporting.
func (g *Gate) EmergencyDisable(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.disabled {
		return
	}
	g.disabled = true
	g.disableReason = reason
	g.disabledAt = time.Now()
	log.Printf("flags: EMERGENCY DISABLE activated: %s", reason)
}

// Reset clears the emergency latch. Privileged operation.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.disabled {
		return
	}
	g.disabled = false
	g.disableReason = ""
	g.disabledAt = time.Time{}
	log.Printf("flags: emergency disable reset")
}

// BypassActive reports whether the emergency latch is tripped.
func (g *Gate) BypassActive() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.disabled
}

// BypassInfo returns the latch state for status reporting.
func (g *Gate) BypassInfo() (active bool, reason string, since time.Time) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.disabled, g.disableReason, g.disabledAt
}

// Refresh pulls the flag set from the remote source. On failure the
// last-known set stays in effect: transient network errors fail open,
// only the emergency latch fails closed.
func (g *Gate) Refresh(ctx context.Context) error {
	if g.source == nil {
		return nil
	}

	fetched, err := g.source.Fetch(ctx)
	if err != nil {
		log.Printf("flags: refresh failed, keeping last-known flag set: %v", err)
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	values := make(map[string]any, len(g.defaults)+len(fetched))
	for k, v := range g.defaults {
		values[k] = v
	}
	for k, v := range fetched {
		values[k] = v
	}
	g.values = values
	g.lastRefresh = time.Now()
	return nil
}

// LastRefresh reports when the flag set was last fetched successfully.
func (g *Gate) LastRefresh() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastRefresh
}

// RefreshLoop refreshes on a ticker until the context is cancelled.
func (g *Gate) RefreshLoop(ctx context.Context, interval time.Duration) {
	if g.source == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = g.Refresh(ctx)
		}
	}
}
