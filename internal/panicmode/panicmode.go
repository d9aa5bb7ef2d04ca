// Package panicmode is the per-integration circuit breaker. An integration
// is either Allowing (calls may proceed) or Blocking (call sites must
// short-circuit). Operators flip states manually; optional automation trips
// on failure bursts and recovers through a half-open probe after a
// cool-down. State and a capped history persist in the shared store so
// every process sees the same answer.
package panicmode

import (
	"context"
	"errors"
	"time"
)

const (
	TriggerManual   = "manual"
	TriggerAuto     = "auto"
	TriggerRecovery = "recovery"
)

var (
	ErrUnknownIntegration = errors.New("unknown integration")
	ErrReasonRequired     = errors.New("reason required")
	ErrBlocked            = errors.New("integration blocked by panic mode")
)

// State is the current breaker position for one integration. An integration
// with no stored row is implicitly Allowing with an empty history.
type State struct {
	Integration   string     `json:"integration"`
	Blocking      bool       `json:"blocking"`
	Reason        string     `json:"reason,omitempty"`
	ChangedBy     string     `json:"changed_by,omitempty"`
	ChangedAt     time.Time  `json:"changed_at"`
	FailureCount  int        `json:"failure_count"`
	WindowStart   *time.Time `json:"window_start,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	LastProbeAt   *time.Time `json:"last_probe_at,omitempty"`
}

// HistoryEntry records one real transition, newest first in every listing.
type HistoryEntry struct {
	Integration string    `json:"integration"`
	Blocking    bool      `json:"blocking"`
	Reason      string    `json:"reason,omitempty"`
	ChangedBy   string    `json:"changed_by,omitempty"`
	Trigger     string    `json:"trigger"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Transition describes one requested state change.
type Transition struct {
	Integration string
	Blocking    bool
	Reason      string
	ChangedBy   string
	Trigger     string
	Now         time.Time
	KeepHistory int
}

// Store is the breaker persistence contract. A transition and its history
// entry land in one atomic write; re-issuing a transition the integration
// is already in reports changed=false and appends nothing.
type Store interface {
	// GetPanicState returns the stored state, or the implicit Allowing
	// default when no row exists.
	GetPanicState(ctx context.Context, integration string) (State, error)

	// TransitionPanic applies t atomically together with its history entry
	// and trims history to t.KeepHistory rows. changed=false means the
	// integration was already in the target state and nothing was written.
	TransitionPanic(ctx context.Context, t Transition) (State, bool, error)

	// RecordPanicFailure counts one failure in the sliding window, starting
	// a fresh window when the previous one lapsed, and returns the state
	// after the increment.
	RecordPanicFailure(ctx context.Context, integration string, now time.Time, window time.Duration) (State, error)

	// ResetPanicFailures zeroes the failure window.
	ResetPanicFailures(ctx context.Context, integration string) error

	// ClaimPanicProbe grants the single half-open probe slot when the
	// integration is Blocking and the cool-down has elapsed since both the
	// transition and the last claim. At most one claimant wins per
	// cool-down across all processes.
	ClaimPanicProbe(ctx context.Context, integration string, now time.Time, cooldown time.Duration) (bool, error)

	// PanicHistory returns up to limit entries, newest first.
	PanicHistory(ctx context.Context, integration string, limit int) ([]HistoryEntry, error)

	// ListPanicStates returns every stored row.
	ListPanicStates(ctx context.Context) ([]State, error)
}
