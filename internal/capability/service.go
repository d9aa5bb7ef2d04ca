package capability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"breakerbox/internal/metrics"
)

type Source string

const (
	SourceEnvOverride    Source = "env_override"
	SourceOrgOverride    Source = "org_override"
	SourceGlobalOverride Source = "global_override"
	SourceDefault        Source = "default"
	SourceUnknown        Source = "unknown_path"
)

// Resolution is one answer with its provenance, for the admin API and logs.
type Resolution struct {
	Path     string    `json:"path"`
	OrgID    string    `json:"org_id,omitempty"`
	Enabled  bool      `json:"enabled"`
	Source   Source    `json:"source"`
	Override *Override `json:"override,omitempty"`
}

// Options tunes a Service. Zero values fall back to 60s TTL and a 2s store
// timeout.
type Options struct {
	TTL          time.Duration
	StoreTimeout time.Duration
	Logger       *slog.Logger
}

// Service resolves effective capability values. Reads are served from an
// immutable snapshot of all live overrides swapped atomically on refresh,
// so resolvers never block writers. One Service is constructed per process
// and shared by reference.
type Service struct {
	registry *Registry
	store    Store
	notifier *Notifier
	logger   *slog.Logger

	ttl     time.Duration
	timeout time.Duration

	timeNow   func() time.Time
	lookupEnv func(string) (string, bool)

	mu      sync.Mutex // serializes refresh
	retryAt time.Time  // earliest next refresh attempt after a failure
	snap    atomic.Value
}

type overrideKey struct {
	path  string
	orgID string
}

type snapshot struct {
	rows     map[overrideKey]Override
	loadedAt time.Time
}

func (sn *snapshot) lookup(path, orgID string, now time.Time) (Override, bool) {
	o, ok := sn.rows[overrideKey{path: path, orgID: orgID}]
	if !ok || o.Expired(now) {
		return Override{}, false
	}
	return o, true
}

func NewService(registry *Registry, store Store, opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = 60 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		registry:  registry,
		store:     store,
		notifier:  NewNotifier(),
		logger:    opts.Logger,
		ttl:       opts.TTL,
		timeout:   opts.StoreTimeout,
		timeNow:   time.Now,
		lookupEnv: os.LookupEnv,
	}
}

// Registry exposes the catalog backing this service.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Subscribe delivers future capability-change events until cancel is called.
func (s *Service) Subscribe() (<-chan Event, func()) {
	return s.notifier.Subscribe()
}

// Warm eagerly loads the first snapshot so a fresh process answers its first
// requests from cache instead of racing a cold store. Idempotent: once a
// snapshot exists it returns immediately. A failed warm leaves the service
// degraded to catalog defaults, not unusable.
func (s *Service) Warm(ctx context.Context) error {
	if sn, _ := s.snap.Load().(*snapshot); sn != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sn, _ := s.snap.Load().(*snapshot); sn != nil {
		return nil
	}
	fresh, err := s.loadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("warm capability cache: %w", err)
	}
	s.snap.Store(fresh)
	return nil
}

// Ready reports whether a snapshot has been loaded.
func (s *Service) Ready() bool {
	sn, _ := s.snap.Load().(*snapshot)
	return sn != nil
}

// IsEnabled answers whether path is enabled for orgID ("" for global
// context). It never returns an error: store trouble degrades to the last
// good snapshot, then to the catalog default; unknown paths are disabled.
func (s *Service) IsEnabled(ctx context.Context, path, orgID string) bool {
	return s.Resolve(ctx, path, orgID).Enabled
}

// Resolve is IsEnabled plus provenance. Precedence: environment override,
// then per-org override, then global override, then catalog default.
func (s *Service) Resolve(ctx context.Context, path, orgID string) Resolution {
	res := Resolution{Path: path, OrgID: orgID, Source: SourceUnknown}
	def, known := s.registry.Lookup(path)
	if !known {
		// Fail closed: a path nobody declared stays off.
		s.logger.Warn("unknown capability path resolved", "path", path)
		return res
	}
	if raw, ok := s.lookupEnv(EnvVar(path)); ok {
		if v, err := strconv.ParseBool(raw); err == nil {
			res.Enabled = v
			res.Source = SourceEnvOverride
			return res
		}
		s.logger.Warn("ignoring malformed env override", "var", EnvVar(path), "value", raw)
	}
	now := s.timeNow()
	if sn := s.currentSnapshot(ctx); sn != nil {
		if orgID != "" {
			if o, ok := sn.lookup(path, orgID, now); ok {
				res.Enabled, res.Source, res.Override = o.Enabled, SourceOrgOverride, &o
				return res
			}
		}
		if o, ok := sn.lookup(path, "", now); ok {
			res.Enabled, res.Source, res.Override = o.Enabled, SourceGlobalOverride, &o
			return res
		}
	}
	res.Enabled, res.Source = def.DefaultEnabled, SourceDefault
	return res
}

// SetOverride validates the path, writes through to the store, reloads the
// snapshot so the next read observes the new value, and publishes a
// CAPABILITY_CHANGED event.
func (s *Service) SetOverride(ctx context.Context, path string, enabled bool, opts OverrideOptions) (Override, error) {
	if _, ok := s.registry.Lookup(path); !ok {
		metrics.OverrideWritesTotal.WithLabelValues("set", "rejected").Inc()
		return Override{}, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	old := s.Resolve(ctx, path, opts.OrgID).Enabled
	now := s.timeNow().UTC()
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	stored, err := s.store.SetOverride(cctx, Override{
		Path:      path,
		OrgID:     opts.OrgID,
		Enabled:   enabled,
		Reason:    opts.Reason,
		SetBy:     opts.SetBy,
		ExpiresAt: opts.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		metrics.OverrideWritesTotal.WithLabelValues("set", "error").Inc()
		return Override{}, fmt.Errorf("set override %s: %w", path, err)
	}
	metrics.OverrideWritesTotal.WithLabelValues("set", "ok").Inc()
	s.refresh(ctx)
	s.notifier.Publish(Event{
		Type:  EventCapabilityChanged,
		Path:  path,
		OrgID: opts.OrgID,
		Old:   old,
		New:   s.Resolve(ctx, path, opts.OrgID).Enabled,
		TS:    s.timeNow(),
	})
	return stored, nil
}

// ClearOverride removes the (path, org) row, reloads the snapshot, and
// publishes the change. Clearing an absent override is a no-op write.
func (s *Service) ClearOverride(ctx context.Context, path, orgID string) error {
	if _, ok := s.registry.Lookup(path); !ok {
		metrics.OverrideWritesTotal.WithLabelValues("clear", "rejected").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	old := s.Resolve(ctx, path, orgID).Enabled
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.ClearOverride(cctx, path, orgID); err != nil {
		metrics.OverrideWritesTotal.WithLabelValues("clear", "error").Inc()
		return fmt.Errorf("clear override %s: %w", path, err)
	}
	metrics.OverrideWritesTotal.WithLabelValues("clear", "ok").Inc()
	s.refresh(ctx)
	s.notifier.Publish(Event{
		Type:  EventCapabilityChanged,
		Path:  path,
		OrgID: orgID,
		Old:   old,
		New:   s.Resolve(ctx, path, orgID).Enabled,
		TS:    s.timeNow(),
	})
	return nil
}

// Overrides lists live override rows for the admin surface, per-org rows
// ahead of global ones. orgID "" lists every row.
func (s *Service) Overrides(ctx context.Context, orgID string) ([]Override, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.store.AllOverrides(cctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	return rows, nil
}

// SweepExpired physically removes lapsed rows and publishes nothing: an
// expired row already behaved as absent, so deleting it changes no answer.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.store.SweepExpired(cctx)
	if err != nil {
		return 0, fmt.Errorf("sweep expired overrides: %w", err)
	}
	if n > 0 {
		s.Invalidate()
	}
	return n, nil
}

// Invalidate marks the snapshot stale so the next read refreshes from the
// store. Wired to the cross-instance change listener.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryAt = time.Time{}
	if sn, _ := s.snap.Load().(*snapshot); sn != nil {
		s.snap.Store(&snapshot{rows: sn.rows})
	}
}

// currentSnapshot returns a fresh-enough snapshot, refreshing when the TTL
// has lapsed. On refresh failure the previous snapshot keeps serving; with
// no snapshot at all the caller falls back to catalog defaults.
func (s *Service) currentSnapshot(ctx context.Context) *snapshot {
	sn, _ := s.snap.Load().(*snapshot)
	if sn != nil && s.timeNow().Sub(sn.loadedAt) < s.ttl {
		metrics.CapabilityResolutionsTotal.WithLabelValues("cache").Inc()
		return sn
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sn, _ = s.snap.Load().(*snapshot)
	now := s.timeNow()
	if sn != nil && now.Sub(sn.loadedAt) < s.ttl {
		metrics.CapabilityResolutionsTotal.WithLabelValues("cache").Inc()
		return sn
	}
	if now.Before(s.retryAt) {
		if sn != nil {
			metrics.CapabilityResolutionsTotal.WithLabelValues("stale").Inc()
			return sn
		}
		metrics.CapabilityResolutionsTotal.WithLabelValues("default").Inc()
		return nil
	}

	fresh, err := s.loadSnapshot(ctx)
	if err != nil {
		s.logger.Warn("override snapshot refresh failed", "err", err)
		s.retryAt = now.Add(5 * time.Second)
		if sn != nil {
			metrics.CapabilityResolutionsTotal.WithLabelValues("stale").Inc()
			return sn
		}
		metrics.CapabilityResolutionsTotal.WithLabelValues("default").Inc()
		return nil
	}
	s.retryAt = time.Time{}
	s.snap.Store(fresh)
	metrics.CapabilityResolutionsTotal.WithLabelValues("store").Inc()
	return fresh
}

// refresh reloads the snapshot after a write. When the reload fails the
// snapshot is marked stale instead, so the TTL cannot keep serving the
// pre-write value.
func (s *Service) refresh(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryAt = time.Time{}
	fresh, err := s.loadSnapshot(ctx)
	if err != nil {
		s.logger.Warn("snapshot reload after write failed", "err", err)
		if sn, _ := s.snap.Load().(*snapshot); sn != nil {
			s.snap.Store(&snapshot{rows: sn.rows})
		}
		return
	}
	s.snap.Store(fresh)
}

func (s *Service) loadSnapshot(ctx context.Context) (*snapshot, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.store.AllOverrides(cctx, "")
	if err != nil {
		return nil, err
	}
	m := make(map[overrideKey]Override, len(rows))
	for _, o := range rows {
		m[overrideKey{path: o.Path, orgID: o.OrgID}] = o
	}
	metrics.CapabilityOverrides.Set(float64(len(m)))
	return &snapshot{rows: m, loadedAt: s.timeNow()}, nil
}
