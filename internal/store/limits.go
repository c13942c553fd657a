// limits.go -- per-identity, per-window generation counters.
//
// Device and user counters live in separate tables (device_limits, user_limits)
// with the same shape. LimitStore is one implementation over both: each
// IdentityKind maps to a limitTable holding that table's prepared SQL, so the
// window logic is written once while the two identity spaces stay separate data.
//
// The check-and-increment is a single conditional UPDATE. Postgres re-evaluates
// the WHERE clause against the latest row version after waiting on a row lock,
// so concurrent charges for one identity serialize on the row and can never
// push generations_used past the quota.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// limitTable holds the SQL for one identity kind's counter table.
// Table and column names come from the fixed list in newLimitStore, never from input.
type limitTable struct {
	recordsIP bool // device rows carry the latest ip_address; appended as the last arg

	ensureSQL    string
	incrementSQL string
	selectSQL    string
	peekSQL      string
	refundSQL    string
	resetSQL     string
	resetAllSQL  string
	purgeSQL     string
}

func newLimitTable(table, keyColumn string, recordsIP bool) *limitTable {
	t := &limitTable{recordsIP: recordsIP}
	where := fmt.Sprintf("%s = $1 AND window_kind = $2 AND window_start = $3", keyColumn)
	conflict := fmt.Sprintf("(%s, window_kind, window_start)", keyColumn)

	if recordsIP {
		t.ensureSQL = fmt.Sprintf(`INSERT INTO %s (%s, window_kind, window_start, ip_address)
			VALUES ($1, $2, $3, NULLIF($4, '')) ON CONFLICT %s DO NOTHING`, table, keyColumn, conflict)
		t.incrementSQL = fmt.Sprintf(`UPDATE %s
			SET generations_used = generations_used + 1, last_used_at = now(),
				ip_address = COALESCE(NULLIF($5, ''), ip_address)
			WHERE %s AND ($4::int < 0 OR generations_used < $4::int)
			RETURNING generations_used`, table, where)
		t.selectSQL = fmt.Sprintf(`SELECT generations_used, first_seen_at, last_used_at, COALESCE(ip_address, '')
			FROM %s WHERE %s`, table, where)
	} else {
		t.ensureSQL = fmt.Sprintf(`INSERT INTO %s (%s, window_kind, window_start)
			VALUES ($1, $2, $3) ON CONFLICT %s DO NOTHING`, table, keyColumn, conflict)
		t.incrementSQL = fmt.Sprintf(`UPDATE %s
			SET generations_used = generations_used + 1, last_used_at = now()
			WHERE %s AND ($4::int < 0 OR generations_used < $4::int)
			RETURNING generations_used`, table, where)
		t.selectSQL = fmt.Sprintf(`SELECT generations_used, first_seen_at, last_used_at, ''::text
			FROM %s WHERE %s`, table, where)
	}

	t.peekSQL = fmt.Sprintf("SELECT generations_used FROM %s WHERE %s", table, where)
	t.refundSQL = fmt.Sprintf(`UPDATE %s SET generations_used = generations_used - 1
		WHERE %s AND generations_used > 0 RETURNING generations_used`, table, where)
	t.resetSQL = fmt.Sprintf("UPDATE %s SET generations_used = 0 WHERE %s", table, where)
	t.resetAllSQL = fmt.Sprintf("UPDATE %s SET generations_used = 0 WHERE window_kind = $1 AND window_start = $2", table)
	t.purgeSQL = fmt.Sprintf("DELETE FROM %s WHERE window_start < $1", table)
	return t
}

// withIP appends the key's IP to args for tables that record it.
func (t *limitTable) withIP(key LimitKey, args ...any) []any {
	if t.recordsIP {
		return append(args, key.IPAddress)
	}
	return args
}

// LimitStore is the durable counter store behind quota checks.
// Safe for concurrent use; shares the PostgresStore's pool.
type LimitStore struct {
	pool   *pgxpool.Pool
	tables map[IdentityKind]*limitTable
}

// Limits returns the LimitStore backed by this store's connection pool.
func (s *PostgresStore) Limits() *LimitStore {
	return &LimitStore{
		pool: s.pool,
		tables: map[IdentityKind]*limitTable{
			IdentityDevice: newLimitTable("device_limits", "device_fingerprint", true),
			IdentityUser:   newLimitTable("user_limits", "user_id", false),
		},
	}
}

// resolve returns the table for key.Kind and the typed key argument
// (string fingerprint, or parsed UUID for users).
func (s *LimitStore) resolve(key LimitKey) (*limitTable, any, error) {
	t, ok := s.tables[key.Kind]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownIdentityKind, key.Kind)
	}
	if key.ID == "" {
		return nil, nil, errors.New("limit key has empty id")
	}
	if key.Kind == IdentityUser {
		id, err := uuid.FromString(key.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing user id: %w", err)
		}
		return t, id, nil
	}
	return t, key.ID, nil
}

// GetOrCreateWindow returns the record for key in win, creating it with zero
// usage if absent. Racing creators converge on one row via ON CONFLICT DO NOTHING.
func (s *LimitStore) GetOrCreateWindow(ctx context.Context, key LimitKey, win LimitWindow) (*LimitRecord, error) {
	t, keyArg, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	return retryOnce(ctx, func() (*LimitRecord, error) {
		if _, err := s.pool.Exec(ctx, t.ensureSQL, t.withIP(key, keyArg, win.Kind, win.Start)...); err != nil {
			return nil, fmt.Errorf("ensuring limit window: %w", err)
		}
		rec := &LimitRecord{Key: key, Window: win}
		var ip string
		err := s.pool.QueryRow(ctx, t.selectSQL, keyArg, win.Kind, win.Start).
			Scan(&rec.Used, &rec.FirstSeenAt, &rec.LastUsedAt, &ip)
		if err != nil {
			return nil, fmt.Errorf("reading limit window: %w", err)
		}
		if ip != "" {
			rec.Key.IPAddress = ip
		}
		return rec, nil
	})
}

// TryIncrement charges one generation against key in win if the counter is
// below quota (quota < 0 means unlimited). The check and the increment are one
// UPDATE statement; zero affected rows means denied, and the counter is untouched.
func (s *LimitStore) TryIncrement(ctx context.Context, key LimitKey, win LimitWindow, quota int) (IncrementResult, error) {
	t, keyArg, err := s.resolve(key)
	if err != nil {
		return IncrementResult{}, err
	}

	return retryOnce(ctx, func() (IncrementResult, error) {
		if _, err := s.pool.Exec(ctx, t.ensureSQL, t.withIP(key, keyArg, win.Kind, win.Start)...); err != nil {
			return IncrementResult{}, fmt.Errorf("ensuring limit window: %w", err)
		}

		var used int
		err := s.pool.QueryRow(ctx, t.incrementSQL, t.withIP(key, keyArg, win.Kind, win.Start, quota)...).Scan(&used)
		if err == nil {
			return IncrementResult{Allowed: true, Used: used}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return IncrementResult{}, fmt.Errorf("incrementing limit: %w", err)
		}

		// Denied -- report the count the update refused to move.
		if err := s.pool.QueryRow(ctx, t.peekSQL, keyArg, win.Kind, win.Start).Scan(&used); err != nil {
			return IncrementResult{}, fmt.Errorf("reading denied limit: %w", err)
		}
		return IncrementResult{Allowed: false, Used: used}, nil
	})
}

// Peek returns usage for key in win without creating or modifying anything.
// A missing row reads as zero.
func (s *LimitStore) Peek(ctx context.Context, key LimitKey, win LimitWindow) (int, error) {
	t, keyArg, err := s.resolve(key)
	if err != nil {
		return 0, err
	}

	return retryOnce(ctx, func() (int, error) {
		var used int
		err := s.pool.QueryRow(ctx, t.peekSQL, keyArg, win.Kind, win.Start).Scan(&used)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("peeking limit: %w", err)
		}
		return used, nil
	})
}

// Refund gives back one charged generation; never drops below zero.
// Returns the counter after the call.
func (s *LimitStore) Refund(ctx context.Context, key LimitKey, win LimitWindow) (int, error) {
	t, keyArg, err := s.resolve(key)
	if err != nil {
		return 0, err
	}

	return retryOnce(ctx, func() (int, error) {
		var used int
		err := s.pool.QueryRow(ctx, t.refundSQL, keyArg, win.Kind, win.Start).Scan(&used)
		if errors.Is(err, pgx.ErrNoRows) {
			// Nothing to refund: row missing or already zero.
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("refunding limit: %w", err)
		}
		return used, nil
	})
}

// ResetIdentity zeroes key's counter in win. Admin override; no-op when the row is absent.
func (s *LimitStore) ResetIdentity(ctx context.Context, key LimitKey, win LimitWindow) error {
	t, keyArg, err := s.resolve(key)
	if err != nil {
		return err
	}

	_, err = retryOnce(ctx, func() (struct{}, error) {
		_, err := s.pool.Exec(ctx, t.resetSQL, keyArg, win.Kind, win.Start)
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("resetting limit: %w", err)
	}
	return nil
}

// ResetAll zeroes every counter of one identity kind in win. Admin tooling, not the hot path.
// Returns number of rows reset.
func (s *LimitStore) ResetAll(ctx context.Context, kind IdentityKind, win LimitWindow) (int64, error) {
	t, ok := s.tables[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownIdentityKind, kind)
	}

	n, err := retryOnce(ctx, func() (int64, error) {
		tag, err := s.pool.Exec(ctx, t.resetAllSQL, win.Kind, win.Start)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	})
	if err != nil {
		return 0, fmt.Errorf("resetting %s limits: %w", kind, err)
	}
	return n, nil
}

// PurgeBefore deletes device and user rows whose window started before cutoff.
// Callers must keep cutoff at or before the earliest live window start.
func (s *LimitStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, kind := range []IdentityKind{IdentityDevice, IdentityUser} {
		tag, err := s.pool.Exec(ctx, s.tables[kind].purgeSQL, cutoff)
		if err != nil {
			return total, fmt.Errorf("purging %s limits: %w", kind, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
