package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"breakerbox/internal/panicmode"
)

// GetPanicState reads the breaker row for one integration. An absent row is
// the implicit Allowing state, not an error.
func (d *DB) GetPanicState(ctx context.Context, integration string) (panicmode.State, error) {
	if d == nil || d.conn == nil {
		return panicmode.State{}, errors.New("db required")
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT integration, blocking, reason, changed_by, changed_at, failure_count, window_start, last_failure_at, last_probe_at
		FROM panic_state
		WHERE integration=$1
	`, integration)
	st, err := scanPanicState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return panicmode.State{Integration: integration}, nil
		}
		return panicmode.State{}, err
	}
	return st, nil
}

// TransitionPanic applies a state flip and its history entry in one
// transaction. A transition to the current state touches nothing and
// reports changed=false.
func (d *DB) TransitionPanic(ctx context.Context, t panicmode.Transition) (panicmode.State, bool, error) {
	if d == nil || d.conn == nil {
		return panicmode.State{}, false, errors.New("db required")
	}
	if strings.TrimSpace(t.Integration) == "" {
		return panicmode.State{}, false, errors.New("integration required")
	}
	if t.Now.IsZero() {
		t.Now = time.Now().UTC()
	}
	keep := t.KeepHistory
	if keep <= 0 {
		keep = 100
	}
	var st panicmode.State
	var changed bool
	err := d.withTx(ctx, func(conn dbConn) error {
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO panic_state(integration, blocking, changed_at)
			VALUES ($1, false, $2)
			ON CONFLICT (integration) DO NOTHING
		`, t.Integration, t.Now); err != nil {
			return err
		}
		var failures int
		var windowStart, lastFailure, lastProbe sql.NullTime
		err := conn.QueryRowContext(ctx, `
			UPDATE panic_state
			SET blocking=$2, reason=$3, changed_by=$4, changed_at=$5,
				failure_count = CASE WHEN $2 THEN failure_count ELSE 0 END,
				window_start  = CASE WHEN $2 THEN window_start ELSE NULL END,
				last_probe_at = CASE WHEN $2 THEN last_probe_at ELSE NULL END
			WHERE integration=$1 AND blocking <> $2
			RETURNING failure_count, window_start, last_failure_at, last_probe_at
		`, t.Integration, t.Blocking, t.Reason, t.ChangedBy, t.Now).Scan(
			&failures, &windowStart, &lastFailure, &lastProbe,
		)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			// Already in the requested state: report it without history.
			cur, rerr := scanPanicState(conn.QueryRowContext(ctx, `
				SELECT integration, blocking, reason, changed_by, changed_at, failure_count, window_start, last_failure_at, last_probe_at
				FROM panic_state
				WHERE integration=$1
			`, t.Integration))
			if rerr != nil {
				return rerr
			}
			st = cur
			return nil
		}
		changed = true
		st = panicmode.State{
			Integration:   t.Integration,
			Blocking:      t.Blocking,
			Reason:        t.Reason,
			ChangedBy:     t.ChangedBy,
			ChangedAt:     t.Now,
			FailureCount:  failures,
			WindowStart:   timePtr(windowStart),
			LastFailureAt: timePtr(lastFailure),
			LastProbeAt:   timePtr(lastProbe),
		}
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO panic_history(entry_id, integration, blocking, reason, changed_by, trigger_type, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, newID("pnc"), t.Integration, t.Blocking, t.Reason, t.ChangedBy, t.Trigger, t.Now); err != nil {
			return err
		}
		_, err = conn.ExecContext(ctx, `
			DELETE FROM panic_history
			WHERE integration=$1 AND entry_id NOT IN (
				SELECT entry_id FROM panic_history
				WHERE integration=$1
				ORDER BY occurred_at DESC, entry_id DESC
				LIMIT $2
			)
		`, t.Integration, keep)
		return err
	})
	if err != nil {
		return panicmode.State{}, false, err
	}
	return st, changed, nil
}

// RecordPanicFailure bumps the sliding failure window in one statement. The
// window restarts once its first failure falls out of the window span.
func (d *DB) RecordPanicFailure(ctx context.Context, integration string, now time.Time, window time.Duration) (panicmode.State, error) {
	if d == nil || d.conn == nil {
		return panicmode.State{}, errors.New("db required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	cutoff := now.Add(-window)
	row := d.conn.QueryRowContext(ctx, `
		INSERT INTO panic_state(integration, blocking, changed_at, failure_count, window_start, last_failure_at)
		VALUES ($1, false, $2, 1, $2, $2)
		ON CONFLICT (integration) DO UPDATE SET
			failure_count = CASE
				WHEN panic_state.window_start IS NULL OR panic_state.window_start < $3 THEN 1
				ELSE panic_state.failure_count + 1
			END,
			window_start = CASE
				WHEN panic_state.window_start IS NULL OR panic_state.window_start < $3 THEN $2
				ELSE panic_state.window_start
			END,
			last_failure_at = $2
		RETURNING integration, blocking, reason, changed_by, changed_at, failure_count, window_start, last_failure_at, last_probe_at
	`, integration, now, cutoff)
	return scanPanicState(row)
}

// ResetPanicFailures clears the failure window after a healthy call.
func (d *DB) ResetPanicFailures(ctx context.Context, integration string) error {
	if d == nil || d.conn == nil {
		return errors.New("db required")
	}
	_, err := d.conn.ExecContext(ctx, `
		UPDATE panic_state SET failure_count=0, window_start=NULL WHERE integration=$1
	`, integration)
	return err
}

// ClaimPanicProbe grants the single half-open probe slot. The conditional
// update makes the claim a lease: it only succeeds when the breaker is
// blocking and a full cool-down has elapsed since both the transition and
// the previous claim, and winning re-anchors last_probe_at so everyone else
// loses until the probe's outcome lands.
func (d *DB) ClaimPanicProbe(ctx context.Context, integration string, now time.Time, cooldown time.Duration) (bool, error) {
	if d == nil || d.conn == nil {
		return false, errors.New("db required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	cutoff := now.Add(-cooldown)
	res, err := d.conn.ExecContext(ctx, `
		UPDATE panic_state
		SET last_probe_at=$2
		WHERE integration=$1
		  AND blocking
		  AND changed_at <= $3
		  AND (last_probe_at IS NULL OR last_probe_at <= $3)
	`, integration, now, cutoff)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PanicHistory lists transitions newest first. A row that fails to decode
// is surfaced as an opaque entry carrying its raw payload rather than
// sinking the whole read.
func (d *DB) PanicHistory(ctx context.Context, integration string, limit int) ([]panicmode.HistoryEntry, error) {
	if d == nil || d.conn == nil {
		return nil, errors.New("db required")
	}
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT COALESCE(jsonb_agg(
		jsonb_build_object(
			'integration', integration,
			'blocking', blocking,
			'reason', reason,
			'changed_by', changed_by,
			'trigger', trigger_type,
			'occurred_at', occurred_at
		)
	), '[]'::jsonb)
	FROM (
		SELECT integration, blocking, reason, changed_by, trigger_type, occurred_at
		FROM panic_history
		WHERE integration=$1
		ORDER BY occurred_at DESC, entry_id DESC
		LIMIT $2
	) AS recent`
	row := d.conn.QueryRowContext(ctx, query, integration, limit)
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(out, &raws); err != nil {
		return nil, err
	}
	entries := make([]panicmode.HistoryEntry, 0, len(raws))
	for _, raw := range raws {
		var e panicmode.HistoryEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			e = panicmode.HistoryEntry{Integration: integration, Reason: string(raw)}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ListPanicStates returns every stored breaker row. Integrations that never
// transitioned have no row; callers surface those as implicit Allowing.
func (d *DB) ListPanicStates(ctx context.Context) ([]panicmode.State, error) {
	if d == nil || d.conn == nil {
		return nil, errors.New("db required")
	}
	query := `SELECT COALESCE(jsonb_agg(
		jsonb_build_object(
			'integration', integration,
			'blocking', blocking,
			'reason', reason,
			'changed_by', changed_by,
			'changed_at', changed_at,
			'failure_count', failure_count,
			'window_start', window_start,
			'last_failure_at', last_failure_at,
			'last_probe_at', last_probe_at
		)
	), '[]'::jsonb)
	FROM (
		SELECT integration, blocking, reason, changed_by, changed_at, failure_count, window_start, last_failure_at, last_probe_at
		FROM panic_state
		ORDER BY integration
	) AS states`
	row := d.conn.QueryRowContext(ctx, query)
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	var states []panicmode.State
	if err := json.Unmarshal(out, &states); err != nil {
		return nil, err
	}
	return states, nil
}

func scanPanicState(row rowScanner) (panicmode.State, error) {
	var st panicmode.State
	var windowStart, lastFailure, lastProbe sql.NullTime
	err := row.Scan(
		&st.Integration, &st.Blocking, &st.Reason, &st.ChangedBy, &st.ChangedAt,
		&st.FailureCount, &windowStart, &lastFailure, &lastProbe,
	)
	if err != nil {
		return panicmode.State{}, err
	}
	st.WindowStart = timePtr(windowStart)
	st.LastFailureAt = timePtr(lastFailure)
	st.LastProbeAt = timePtr(lastProbe)
	return st, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
