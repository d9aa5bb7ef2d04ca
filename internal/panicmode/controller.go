package panicmode

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"breakerbox/internal/metrics"
)

const historyCap = 100

// Options tunes a Controller. Zero values fall back to 5 failures / 60s
// window, a 5 minute cool-down, a 5s state cache, and a 2s store timeout.
type Options struct {
	AutoTrip         bool
	AutoRecovery     bool
	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration
	CacheTTL         time.Duration
	StoreTimeout     time.Duration
	Logger           *slog.Logger
}

// Decision is the answer a call site gets before dialing an integration.
// Probe marks the single trial call allowed through a Blocking breaker
// after the cool-down; its outcome decides recovery.
type Decision struct {
	Allow bool
	Probe bool
	State State
}

// Controller owns breaker decisions for the known integration set. One
// Controller is constructed per process and shared by reference. Reads are
// served from a short-lived snapshot of all states; transitions and probe
// claims go straight to the store.
type Controller struct {
	universe map[string]struct{}
	names    []string
	store    Store
	logger   *slog.Logger

	autoTrip     bool
	autoRecovery bool
	threshold    int
	window       time.Duration
	cooldown     time.Duration
	cacheTTL     time.Duration
	timeout      time.Duration

	timeNow func() time.Time

	mu       sync.Mutex // serializes cache refresh
	cache    atomic.Value
	onChange []func(State)
}

type stateCache struct {
	states   map[string]State
	loadedAt time.Time
}

// NewController builds a controller over the given integration names
// (typically the registry's external entries).
func NewController(integrations []string, store Store, opts Options) *Controller {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = 60 * time.Second
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Minute
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	universe := make(map[string]struct{}, len(integrations))
	names := make([]string, 0, len(integrations))
	for _, name := range integrations {
		universe[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return &Controller{
		universe:     universe,
		names:        names,
		store:        store,
		logger:       opts.Logger,
		autoTrip:     opts.AutoTrip,
		autoRecovery: opts.AutoRecovery,
		threshold:    opts.FailureThreshold,
		window:       opts.FailureWindow,
		cooldown:     opts.Cooldown,
		cacheTTL:     opts.CacheTTL,
		timeout:      opts.StoreTimeout,
		timeNow:      time.Now,
	}
}

// Integrations returns the known integration names, sorted.
func (c *Controller) Integrations() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Known reports whether name is a registered integration.
func (c *Controller) Known(name string) bool {
	_, ok := c.universe[name]
	return ok
}

// OnChange registers a callback invoked synchronously after every real
// transition. Register during wiring, before traffic.
func (c *Controller) OnChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// Enable flips the integration to Blocking. The reason is mandatory.
// Enabling an already-Blocking integration is a no-op that returns the
// current state without touching history.
func (c *Controller) Enable(ctx context.Context, integration, reason, by string) (State, error) {
	if !c.Known(integration) {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownIntegration, integration)
	}
	if strings.TrimSpace(reason) == "" {
		return State{}, ErrReasonRequired
	}
	return c.transition(ctx, Transition{
		Integration: integration,
		Blocking:    true,
		Reason:      reason,
		ChangedBy:   by,
		Trigger:     TriggerManual,
	})
}

// Disable flips the integration back to Allowing and clears the failure
// window. Disabling an already-Allowing integration is a no-op.
func (c *Controller) Disable(ctx context.Context, integration, by string) (State, error) {
	if !c.Known(integration) {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownIntegration, integration)
	}
	return c.transition(ctx, Transition{
		Integration: integration,
		Blocking:    false,
		ChangedBy:   by,
		Trigger:     TriggerManual,
	})
}

// GetState reads the current state straight from the store.
func (c *Controller) GetState(ctx context.Context, integration string) (State, error) {
	if !c.Known(integration) {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownIntegration, integration)
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	st, err := c.store.GetPanicState(cctx, integration)
	if err != nil {
		return State{}, fmt.Errorf("get panic state %s: %w", integration, err)
	}
	if st.Integration == "" {
		st.Integration = integration
	}
	return st, nil
}

// History lists transitions newest first. limit defaults to 20 and is
// capped at the stored history depth of 100.
func (c *Controller) History(ctx context.Context, integration string, limit int) ([]HistoryEntry, error) {
	if !c.Known(integration) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntegration, integration)
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > historyCap {
		limit = historyCap
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	entries, err := c.store.PanicHistory(cctx, integration, limit)
	if err != nil {
		return nil, fmt.Errorf("panic history %s: %w", integration, err)
	}
	return entries, nil
}

// ListAll returns one state per known integration, implicit Allowing rows
// included, sorted by name.
func (c *Controller) ListAll(ctx context.Context) ([]State, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	stored, err := c.store.ListPanicStates(cctx)
	if err != nil {
		return nil, fmt.Errorf("list panic states: %w", err)
	}
	byName := make(map[string]State, len(stored))
	for _, st := range stored {
		byName[st.Integration] = st
	}
	out := make([]State, 0, len(c.names))
	for _, name := range c.names {
		st, ok := byName[name]
		if !ok {
			st = State{Integration: name}
		}
		out = append(out, st)
	}
	return out, nil
}

// RecordFailure counts one failure against the sliding window and, when
// auto-trip is on and the threshold is crossed while Allowing, trips the
// breaker. Failures while Blocking only update counters.
func (c *Controller) RecordFailure(ctx context.Context, integration string, cause error) (State, error) {
	if !c.Known(integration) {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownIntegration, integration)
	}
	now := c.timeNow().UTC()
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	st, err := c.store.RecordPanicFailure(cctx, integration, now, c.window)
	if err != nil {
		return State{}, fmt.Errorf("record failure %s: %w", integration, err)
	}
	c.logger.Warn("integration failure recorded",
		"integration", integration, "count", st.FailureCount, "err", cause)
	c.Invalidate()
	if c.autoTrip && !st.Blocking && st.FailureCount >= c.threshold {
		return c.transition(ctx, Transition{
			Integration: integration,
			Blocking:    true,
			Reason:      fmt.Sprintf("auto: %d failures in %s", st.FailureCount, c.window),
			ChangedBy:   "auto-trip",
			Trigger:     TriggerAuto,
		})
	}
	return st, nil
}

// RecordSuccess reports a successful call. probe marks the caller that won
// the half-open slot from Allow; only that success completes recovery. Any
// other success while Blocking changes nothing, and while Allowing a success
// just resets a non-empty failure window.
func (c *Controller) RecordSuccess(ctx context.Context, integration string, probe bool) (State, error) {
	if !c.Known(integration) {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownIntegration, integration)
	}
	st := c.cachedState(ctx, integration)
	if st.Blocking {
		if !probe || !c.autoRecovery {
			return st, nil
		}
		return c.transition(ctx, Transition{
			Integration: integration,
			Blocking:    false,
			Reason:      "recovered: probe call succeeded",
			ChangedBy:   "auto-recovery",
			Trigger:     TriggerRecovery,
		})
	}
	if st.FailureCount > 0 {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		if err := c.store.ResetPanicFailures(cctx, integration); err != nil {
			return st, fmt.Errorf("reset failures %s: %w", integration, err)
		}
		c.Invalidate()
	}
	return st, nil
}

// Allow is the gate call sites consult before dialing an integration.
// Allowing states pass. Blocking states refuse everyone except, once per
// cool-down, the single probe winner when auto-recovery is on.
func (c *Controller) Allow(ctx context.Context, integration string) Decision {
	if !c.Known(integration) {
		c.logger.Warn("panic check for unregistered integration", "integration", integration)
		return Decision{Allow: true, State: State{Integration: integration}}
	}
	st := c.cachedState(ctx, integration)
	if !st.Blocking {
		return Decision{Allow: true, State: st}
	}
	if !c.autoRecovery {
		return Decision{State: st}
	}
	now := c.timeNow().UTC()
	anchor := st.ChangedAt
	if st.LastProbeAt != nil && st.LastProbeAt.After(anchor) {
		anchor = *st.LastProbeAt
	}
	if now.Sub(anchor) < c.cooldown {
		return Decision{State: st}
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	won, err := c.store.ClaimPanicProbe(cctx, integration, now, c.cooldown)
	if err != nil {
		c.logger.Warn("probe claim failed", "integration", integration, "err", err)
		return Decision{State: st}
	}
	c.Invalidate()
	if !won {
		return Decision{State: st}
	}
	c.logger.Info("half-open probe granted", "integration", integration)
	return Decision{Allow: true, Probe: true, State: st}
}

// Guard wraps one integration call: it consults Allow, runs fn when
// permitted, and feeds the outcome back so automation can trip or recover.
// Blocked calls return ErrBlocked without invoking fn.
func (c *Controller) Guard(ctx context.Context, integration string, fn func(context.Context) error) error {
	d := c.Allow(ctx, integration)
	if !d.Allow {
		return fmt.Errorf("%w: %s", ErrBlocked, integration)
	}
	if err := fn(ctx); err != nil {
		if _, rerr := c.RecordFailure(ctx, integration, err); rerr != nil {
			c.logger.Warn("failure bookkeeping failed", "integration", integration, "err", rerr)
		}
		return err
	}
	if _, err := c.RecordSuccess(ctx, integration, d.Probe); err != nil {
		c.logger.Warn("success bookkeeping failed", "integration", integration, "err", err)
	}
	return nil
}

// Invalidate drops the state snapshot so the next read refreshes. Wired to
// the cross-instance change listener.
func (c *Controller) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sc, _ := c.cache.Load().(*stateCache); sc != nil {
		c.cache.Store(&stateCache{states: sc.states})
	}
}

// SyncGauges publishes the panic_mode_active gauge for every integration.
// Called at startup and refreshed on every cache load thereafter.
func (c *Controller) SyncGauges(ctx context.Context) {
	c.currentCache(ctx)
}

func (c *Controller) transition(ctx context.Context, t Transition) (State, error) {
	t.Now = c.timeNow().UTC()
	t.KeepHistory = historyCap
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	st, changed, err := c.store.TransitionPanic(cctx, t)
	if err != nil {
		return State{}, fmt.Errorf("panic transition %s: %w", t.Integration, err)
	}
	if !changed {
		return st, nil
	}
	c.Invalidate()
	to := "allowing"
	gauge := 0.0
	if st.Blocking {
		to = "blocking"
		gauge = 1
	}
	metrics.PanicModeActive.WithLabelValues(t.Integration).Set(gauge)
	metrics.PanicTransitionsTotal.WithLabelValues(t.Integration, to, t.Trigger).Inc()
	c.logger.Info("panic state changed",
		"integration", t.Integration, "blocking", st.Blocking,
		"trigger", t.Trigger, "reason", t.Reason, "by", t.ChangedBy)
	c.mu.Lock()
	callbacks := make([]func(State), len(c.onChange))
	copy(callbacks, c.onChange)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn(st)
	}
	return st, nil
}

// cachedState serves reads from the state snapshot. Store trouble degrades
// to the last snapshot, then to implicit Allowing: a breaker that cannot be
// read must not block traffic it was never proven to need blocking.
func (c *Controller) cachedState(ctx context.Context, integration string) State {
	if sc := c.currentCache(ctx); sc != nil {
		if st, ok := sc.states[integration]; ok {
			return st
		}
	}
	return State{Integration: integration}
}

func (c *Controller) currentCache(ctx context.Context) *stateCache {
	sc, _ := c.cache.Load().(*stateCache)
	if sc != nil && c.timeNow().Sub(sc.loadedAt) < c.cacheTTL {
		return sc
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sc, _ = c.cache.Load().(*stateCache)
	if sc != nil && c.timeNow().Sub(sc.loadedAt) < c.cacheTTL {
		return sc
	}
	fresh, err := c.loadCache(ctx)
	if err != nil {
		c.logger.Warn("panic state refresh failed", "err", err)
		return sc
	}
	c.cache.Store(fresh)
	return fresh
}

func (c *Controller) loadCache(ctx context.Context) (*stateCache, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	stored, err := c.store.ListPanicStates(cctx)
	if err != nil {
		return nil, err
	}
	states := make(map[string]State, len(stored))
	for _, st := range stored {
		states[st.Integration] = st
	}
	for _, name := range c.names {
		st, ok := states[name]
		if !ok {
			st = State{Integration: name}
		}
		gauge := 0.0
		if st.Blocking {
			gauge = 1
		}
		metrics.PanicModeActive.WithLabelValues(name).Set(gauge)
	}
	return &stateCache{states: states, loadedAt: c.timeNow()}, nil
}
