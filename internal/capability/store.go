package capability

import (
	"context"
	"time"
)

// Override is a persisted exception to a capability's static default.
// OrgID "" scopes the override globally; any other value scopes it to one
// organization. A row whose ExpiresAt has passed behaves exactly like an
// absent row.
type Override struct {
	ID        string     `json:"id"`
	Path      string     `json:"path"`
	OrgID     string     `json:"org_id,omitempty"`
	Enabled   bool       `json:"enabled"`
	Reason    string     `json:"reason,omitempty"`
	SetBy     string     `json:"set_by,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Version   int64      `json:"version"`
}

// Global reports whether the override applies to every organization.
func (o Override) Global() bool {
	return o.OrgID == ""
}

// Expired reports whether the override has lapsed as of now.
func (o Override) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// OverrideOptions carries the optional fields of a set operation.
type OverrideOptions struct {
	OrgID     string
	Reason    string
	SetBy     string
	ExpiresAt *time.Time
}

// Store is the override persistence contract. Postgres and the in-memory
// dev store both implement it. Reads never return expired rows; writes on
// the same (path, org) key must land as exactly one row no matter how many
// writers race, with a strictly increasing version.
type Store interface {
	// GetOverride returns the live override for (path, orgID), or
	// ErrNotFound. orgID "" addresses the global row.
	GetOverride(ctx context.Context, path, orgID string) (Override, error)

	// SetOverride upserts the (path, org) row atomically and returns the
	// stored state including its assigned version.
	SetOverride(ctx context.Context, o Override) (Override, error)

	// ClearOverride deletes the (path, org) row. Deleting an absent row
	// is not an error.
	ClearOverride(ctx context.Context, path, orgID string) error

	// AllOverrides returns live rows, per-org rows ahead of global ones.
	// orgID "" returns every row; otherwise rows for that org plus the
	// global rows.
	AllOverrides(ctx context.Context, orgID string) ([]Override, error)

	// SweepExpired physically removes lapsed rows and reports how many.
	SweepExpired(ctx context.Context) (int, error)
}
