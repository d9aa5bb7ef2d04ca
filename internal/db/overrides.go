package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"breakerbox/internal/capability"
)

// GetOverride returns the live override row for (path, orgID). Expired rows
// are filtered at read time; the sweeper deletes them later.
func (d *DB) GetOverride(ctx context.Context, path, orgID string) (capability.Override, error) {
	if d == nil || d.conn == nil {
		return capability.Override{}, errors.New("db required")
	}
	var o capability.Override
	var expires sql.NullTime
	err := d.conn.QueryRowContext(ctx, `
		SELECT override_id, path, org_id, enabled, reason, set_by, expires_at, created_at, updated_at, version
		FROM capability_overrides
		WHERE path=$1 AND org_id=$2 AND (expires_at IS NULL OR expires_at > $3)
	`, path, orgID, time.Now().UTC()).Scan(
		&o.ID, &o.Path, &o.OrgID, &o.Enabled, &o.Reason, &o.SetBy,
		&expires, &o.CreatedAt, &o.UpdatedAt, &o.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return capability.Override{}, capability.ErrNotFound
		}
		return capability.Override{}, err
	}
	if expires.Valid {
		t := expires.Time
		o.ExpiresAt = &t
	}
	return o, nil
}

// SetOverride upserts the (path, org) row. Concurrent writers race on the
// unique key and the loser's update lands second with a bumped version, so
// exactly one row survives regardless of interleaving.
func (d *DB) SetOverride(ctx context.Context, o capability.Override) (capability.Override, error) {
	if d == nil || d.conn == nil {
		return capability.Override{}, errors.New("db required")
	}
	if strings.TrimSpace(o.Path) == "" {
		return capability.Override{}, errors.New("path required")
	}
	now := time.Now().UTC()
	id := newID("ovr")
	err := d.conn.QueryRowContext(ctx, `
		INSERT INTO capability_overrides(override_id, path, org_id, enabled, reason, set_by, expires_at, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, 1)
		ON CONFLICT (path, org_id) DO UPDATE SET
			enabled=EXCLUDED.enabled,
			reason=EXCLUDED.reason,
			set_by=EXCLUDED.set_by,
			expires_at=EXCLUDED.expires_at,
			updated_at=EXCLUDED.updated_at,
			version=capability_overrides.version+1
		RETURNING override_id, created_at, updated_at, version
	`, id, o.Path, o.OrgID, o.Enabled, o.Reason, o.SetBy, nullTime(o.ExpiresAt), now).Scan(
		&o.ID, &o.CreatedAt, &o.UpdatedAt, &o.Version,
	)
	if err != nil {
		return capability.Override{}, err
	}
	return o, nil
}

// ClearOverride deletes the (path, org) row. Clearing an absent row is fine.
func (d *DB) ClearOverride(ctx context.Context, path, orgID string) error {
	if d == nil || d.conn == nil {
		return errors.New("db required")
	}
	_, err := d.conn.ExecContext(ctx, `
		DELETE FROM capability_overrides WHERE path=$1 AND org_id=$2
	`, path, orgID)
	return err
}

// AllOverrides returns live rows, per-org rows ahead of global ones. An
// empty orgID returns every row; otherwise the org's rows plus the globals.
func (d *DB) AllOverrides(ctx context.Context, orgID string) ([]capability.Override, error) {
	if d == nil || d.conn == nil {
		return nil, errors.New("db required")
	}
	query := `SELECT COALESCE(jsonb_agg(
		jsonb_build_object(
			'id', override_id,
			'path', path,
			'org_id', org_id,
			'enabled', enabled,
			'reason', reason,
			'set_by', set_by,
			'expires_at', expires_at,
			'created_at', created_at,
			'updated_at', updated_at,
			'version', version
		)
	), '[]'::jsonb)
	FROM (
		SELECT override_id, path, org_id, enabled, reason, set_by, expires_at, created_at, updated_at, version
		FROM capability_overrides
		WHERE (expires_at IS NULL OR expires_at > $1)
		  AND ($2 = '' OR org_id IN ($2, ''))
		ORDER BY (org_id = ''), path, org_id
	) AS live`
	row := d.conn.QueryRowContext(ctx, query, time.Now().UTC(), orgID)
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	var rows []capability.Override
	if err := json.Unmarshal(out, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// SweepExpired physically deletes lapsed rows and reports how many went.
func (d *DB) SweepExpired(ctx context.Context) (int, error) {
	if d == nil || d.conn == nil {
		return 0, errors.New("db required")
	}
	res, err := d.conn.ExecContext(ctx, `
		DELETE FROM capability_overrides WHERE expires_at IS NOT NULL AND expires_at <= $1
	`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
