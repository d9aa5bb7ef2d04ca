// Package envwatch keeps an eye on environment-variable capability
// overrides. Env overrides are meant for emergencies and have a habit of
// outliving them, silently pinning a capability long after the incident is
// over. The monitor re-scans on an interval and flags any override that
// has been set longer than the staleness threshold.
package envwatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"breakerbox/internal/capability"
	"breakerbox/internal/metrics"
)

// Monitor scans the process environment for capability override variables.
// The age of an override is taken from an optional <VAR>_SET_AT companion
// (RFC 3339); without one it is measured from the first scan that saw the
// variable, which undercounts across restarts but never cries wolf.
type Monitor struct {
	Registry  *capability.Registry
	Interval  time.Duration
	Staleness time.Duration
	OnStale   func(path string, ageHours float64)
	Logger    *slog.Logger
	LookupEnv func(string) (string, bool)
	Now       func() time.Time

	scanning  atomic.Bool
	mu        sync.Mutex
	firstSeen map[string]time.Time
}

func (m *Monitor) defaults() {
	if m.Interval <= 0 {
		m.Interval = 60 * time.Minute
	}
	if m.Staleness <= 0 {
		m.Staleness = 24 * time.Hour
	}
	if m.Logger == nil {
		m.Logger = slog.Default()
	}
	if m.LookupEnv == nil {
		m.LookupEnv = os.LookupEnv
	}
	if m.Now == nil {
		m.Now = time.Now
	}
	if m.firstSeen == nil {
		m.firstSeen = map[string]time.Time{}
	}
}

// Run scans immediately and then on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Registry == nil {
		return errors.New("registry required")
	}
	m.defaults()
	m.RunOnce()
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.RunOnce()
		}
	}
}

// RunOnce performs a single scan and returns the number of stale overrides
// found. If a scan is already in flight it is skipped, not queued, and
// RunOnce reports -1.
func (m *Monitor) RunOnce() int {
	if m.Registry == nil {
		return -1
	}
	m.defaults()
	if !m.scanning.CompareAndSwap(false, true) {
		return -1
	}
	defer m.scanning.Store(false)

	now := m.Now().UTC()
	stale := 0
	for _, def := range m.Registry.All() {
		name := capability.EnvVar(def.Path)
		raw, ok := m.LookupEnv(name)
		if !ok {
			m.forget(def.Path)
			continue
		}
		if _, err := strconv.ParseBool(raw); err != nil {
			m.Logger.Warn("unparseable env capability override",
				"path", def.Path, "var", name, "value", raw)
		}
		setAt := m.setAtFor(def.Path, name, now)
		age := now.Sub(setAt)
		if age >= m.Staleness {
			stale++
			hours := age.Hours()
			m.Logger.Warn("stale env capability override",
				"path", def.Path, "var", name, "age_hours", hours)
			if m.OnStale != nil {
				m.OnStale(def.Path, hours)
			}
		}
	}
	metrics.StaleEnvOverrides.Set(float64(stale))
	return stale
}

// setAtFor resolves when the override was set: the companion timestamp when
// present and parseable, otherwise the first scan that observed it.
func (m *Monitor) setAtFor(path, name string, now time.Time) time.Time {
	if v, ok := m.LookupEnv(name + "_SET_AT"); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
		m.Logger.Warn("unparseable env override timestamp", "var", name+"_SET_AT", "value", v)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.firstSeen[path]; ok {
		return t
	}
	m.firstSeen[path] = now
	return now
}

// forget drops the first-seen record so a re-set variable starts a fresh
// clock.
func (m *Monitor) forget(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.firstSeen, path)
}
