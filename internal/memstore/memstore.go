// Package memstore is the in-memory storage backend used when no database
// is configured (local development, tests). It mirrors the Postgres
// semantics: versioned upserts that survive racing writers as one row,
// read-side expiry filtering, capped newest-first panic history, and the
// single-claimant probe lease.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"breakerbox/internal/capability"
	"breakerbox/internal/panicmode"
)

type overrideKey struct {
	path  string
	orgID string
}

type Store struct {
	mu        sync.Mutex
	overrides map[overrideKey]capability.Override
	states    map[string]panicmode.State
	history   map[string][]panicmode.HistoryEntry
	nextID    int64

	timeNow func() time.Time
}

func New() *Store {
	return &Store{
		overrides: map[overrideKey]capability.Override{},
		states:    map[string]panicmode.State{},
		history:   map[string][]panicmode.HistoryEntry{},
		timeNow:   time.Now,
	}
}

func (s *Store) GetOverride(_ context.Context, path, orgID string) (capability.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.overrides[overrideKey{path, orgID}]
	if !ok || o.Expired(s.timeNow().UTC()) {
		return capability.Override{}, capability.ErrNotFound
	}
	return cloneOverride(o), nil
}

func (s *Store) SetOverride(_ context.Context, o capability.Override) (capability.Override, error) {
	if o.Path == "" {
		return capability.Override{}, fmt.Errorf("path required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.timeNow().UTC()
	key := overrideKey{o.Path, o.OrgID}
	if cur, ok := s.overrides[key]; ok {
		o.ID = cur.ID
		o.CreatedAt = cur.CreatedAt
		o.Version = cur.Version + 1
	} else {
		s.nextID++
		o.ID = fmt.Sprintf("ovr_%d", s.nextID)
		o.CreatedAt = now
		o.Version = 1
	}
	o.UpdatedAt = now
	s.overrides[key] = cloneOverride(o)
	return o, nil
}

func (s *Store) ClearOverride(_ context.Context, path, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, overrideKey{path, orgID})
	return nil
}

func (s *Store) AllOverrides(_ context.Context, orgID string) ([]capability.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.timeNow().UTC()
	out := make([]capability.Override, 0, len(s.overrides))
	for _, o := range s.overrides {
		if o.Expired(now) {
			continue
		}
		if orgID != "" && o.OrgID != "" && o.OrgID != orgID {
			continue
		}
		out = append(out, cloneOverride(o))
	}
	// Per-org rows ahead of global rows, then stable path/org order.
	sort.Slice(out, func(i, j int) bool {
		if (out[i].OrgID == "") != (out[j].OrgID == "") {
			return out[i].OrgID != ""
		}
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].OrgID < out[j].OrgID
	})
	return out, nil
}

func (s *Store) SweepExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.timeNow().UTC()
	removed := 0
	for key, o := range s.overrides {
		if o.Expired(now) {
			delete(s.overrides, key)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) GetPanicState(_ context.Context, integration string) (panicmode.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[integration]
	if !ok {
		return panicmode.State{Integration: integration}, nil
	}
	return cloneState(st), nil
}

func (s *Store) TransitionPanic(_ context.Context, t panicmode.Transition) (panicmode.State, bool, error) {
	if t.Integration == "" {
		return panicmode.State{}, false, fmt.Errorf("integration required")
	}
	if t.Now.IsZero() {
		t.Now = s.timeNow().UTC()
	}
	keep := t.KeepHistory
	if keep <= 0 {
		keep = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[t.Integration]
	st.Integration = t.Integration
	if st.Blocking == t.Blocking {
		return cloneState(st), false, nil
	}
	st.Blocking = t.Blocking
	st.Reason = t.Reason
	st.ChangedBy = t.ChangedBy
	st.ChangedAt = t.Now
	if !t.Blocking {
		st.FailureCount = 0
		st.WindowStart = nil
		st.LastProbeAt = nil
	}
	s.states[t.Integration] = st
	entry := panicmode.HistoryEntry{
		Integration: t.Integration,
		Blocking:    t.Blocking,
		Reason:      t.Reason,
		ChangedBy:   t.ChangedBy,
		Trigger:     t.Trigger,
		OccurredAt:  t.Now,
	}
	hist := append([]panicmode.HistoryEntry{entry}, s.history[t.Integration]...)
	if len(hist) > keep {
		hist = hist[:keep]
	}
	s.history[t.Integration] = hist
	return cloneState(st), true, nil
}

func (s *Store) RecordPanicFailure(_ context.Context, integration string, now time.Time, window time.Duration) (panicmode.State, error) {
	if now.IsZero() {
		now = s.timeNow().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[integration]
	st.Integration = integration
	cutoff := now.Add(-window)
	if st.WindowStart == nil || st.WindowStart.Before(cutoff) {
		ws := now
		st.WindowStart = &ws
		st.FailureCount = 1
	} else {
		st.FailureCount++
	}
	lf := now
	st.LastFailureAt = &lf
	s.states[integration] = st
	return cloneState(st), nil
}

func (s *Store) ResetPanicFailures(_ context.Context, integration string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[integration]
	if !ok {
		return nil
	}
	st.FailureCount = 0
	st.WindowStart = nil
	s.states[integration] = st
	return nil
}

func (s *Store) ClaimPanicProbe(_ context.Context, integration string, now time.Time, cooldown time.Duration) (bool, error) {
	if now.IsZero() {
		now = s.timeNow().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[integration]
	if !ok || !st.Blocking {
		return false, nil
	}
	if now.Sub(st.ChangedAt) < cooldown {
		return false, nil
	}
	if st.LastProbeAt != nil && now.Sub(*st.LastProbeAt) < cooldown {
		return false, nil
	}
	probe := now
	st.LastProbeAt = &probe
	s.states[integration] = st
	return true, nil
}

func (s *Store) PanicHistory(_ context.Context, integration string, limit int) ([]panicmode.HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.history[integration]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]panicmode.HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Store) ListPanicStates(_ context.Context) ([]panicmode.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]panicmode.State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, cloneState(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Integration < out[j].Integration })
	return out, nil
}

func cloneOverride(o capability.Override) capability.Override {
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		o.ExpiresAt = &t
	}
	return o
}

func cloneState(st panicmode.State) panicmode.State {
	st.WindowStart = copyTime(st.WindowStart)
	st.LastFailureAt = copyTime(st.LastFailureAt)
	st.LastProbeAt = copyTime(st.LastProbeAt)
	return st
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
