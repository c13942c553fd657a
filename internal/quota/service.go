// Package quota enforces per-identity generation limits.
//
// Every try-on request is charged against exactly one identity: the signed-in
// user, or for anonymous visitors the device fingerprint. Counters live in
// per-window rows (see store.LimitStore); a new window is a new row, so resets
// happen by construction when the Clock crosses a window boundary.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/MGallo-Code/fitroom/internal/metrics"
	"github.com/MGallo-Code/fitroom/internal/store"
)

// LimitStore is the counter persistence the service needs.
// Satisfied by *store.LimitStore.
type LimitStore interface {
	GetOrCreateWindow(ctx context.Context, key store.LimitKey, win store.LimitWindow) (*store.LimitRecord, error)
	TryIncrement(ctx context.Context, key store.LimitKey, win store.LimitWindow, quota int) (store.IncrementResult, error)
	Peek(ctx context.Context, key store.LimitKey, win store.LimitWindow) (int, error)
	Refund(ctx context.Context, key store.LimitKey, win store.LimitWindow) (int, error)
	ResetIdentity(ctx context.Context, key store.LimitKey, win store.LimitWindow) error
	ResetAll(ctx context.Context, kind store.IdentityKind, win store.LimitWindow) (int64, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PlanSource loads the account a user quota is resolved from.
// Satisfied by *store.PostgresStore. Returns pgx.ErrNoRows for unknown users.
type PlanSource interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
}

// Identity is who a request is charged to. A non-nil UserID wins and the
// fingerprint is ignored. IPAddress is recorded on device rows for abuse review.
type Identity struct {
	UserID            uuid.UUID
	DeviceFingerprint string
	IPAddress         string
}

// Status is the quota picture returned to callers and rendered by the UI.
type Status struct {
	CanGenerate  bool       `json:"can_generate"`
	Used         int        `json:"used"`
	Remaining    int        `json:"remaining"` // -1 when unlimited
	Quota        int        `json:"quota"`     // -1 when unlimited
	Unlimited    bool       `json:"unlimited"`
	Window       WindowKind `json:"window"`
	WindowStart  time.Time  `json:"window_start"`
	ResetsAt     time.Time  `json:"resets_at"`
	ResetsInDays int        `json:"resets_in_days"`
}

// Service is the single entry point for quota decisions. Safe for concurrent use.
type Service struct {
	store  LimitStore
	plans  PlanSource
	clock  Clock
	limits Limits
}

// NewService wires a Service. A nil clock means SystemClock.
func NewService(limitStore LimitStore, plans PlanSource, clock Clock, limits Limits) *Service {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Service{store: limitStore, plans: plans, clock: clock, limits: limits}
}

// Today exposes the service clock's date.
func (s *Service) Today() time.Time { return s.clock.Today() }

// resolved is one identity's key, policy and current window for today.
type resolved struct {
	key    store.LimitKey
	policy Policy
	window store.LimitWindow
	today  time.Time
}

func (s *Service) resolve(ctx context.Context, id Identity) (resolved, error) {
	today := s.clock.Today()
	r := resolved{today: today}

	switch {
	case id.UserID != uuid.Nil:
		user, err := s.plans.GetUserByID(ctx, id.UserID)
		if errors.Is(err, pgx.ErrNoRows) {
			return r, fmt.Errorf("%w: user %s not found", ErrIdentityMissing, id.UserID)
		}
		if err != nil {
			return r, fmt.Errorf("%w: loading plan: %w", ErrStorageUnavailable, err)
		}
		r.key = store.LimitKey{Kind: store.IdentityUser, ID: id.UserID.String()}
		r.policy = s.limits.Resolve(PlanFor(user), today)
	case id.DeviceFingerprint != "":
		r.key = store.LimitKey{Kind: store.IdentityDevice, ID: id.DeviceFingerprint, IPAddress: id.IPAddress}
		r.policy = s.limits.Resolve(Plan{}, today)
	default:
		return r, ErrIdentityMissing
	}

	r.window = store.LimitWindow{
		Kind:  string(r.policy.Window),
		Start: WindowStart(r.policy.Window, today),
	}
	return r, nil
}

// status composes the caller-facing view of used against policy.
func (r resolved) status(used int) Status {
	st := Status{
		Used:         used,
		Quota:        r.policy.Quota,
		Unlimited:    r.policy.Unlimited(),
		Window:       r.policy.Window,
		WindowStart:  r.window.Start,
		ResetsAt:     WindowEnd(r.policy.Window, r.window.Start),
		ResetsInDays: ResetsIn(r.policy.Window, r.today),
	}
	if st.Unlimited {
		st.CanGenerate = true
		st.Remaining = Unlimited
		return st
	}
	st.Remaining = max(r.policy.Quota-used, 0)
	st.CanGenerate = used < r.policy.Quota
	return st
}

// failClosed is the status returned alongside any storage error.
func failClosed(r resolved) Status {
	st := r.status(0)
	st.CanGenerate = false
	return st
}

// Check reports id's quota for the current window without charging anything.
func (s *Service) Check(ctx context.Context, id Identity) (Status, error) {
	r, err := s.resolve(ctx, id)
	if err != nil {
		return Status{}, err
	}
	used, err := s.store.Peek(ctx, r.key, r.window)
	if err != nil {
		return failClosed(r), fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return r.status(used), nil
}

// Consume charges one generation to id if its quota allows. A denial is not an
// error: the returned Status has CanGenerate=false and Remaining=0. On success
// the charge stands even if the generation later fails; see Refund.
func (s *Service) Consume(ctx context.Context, id Identity) (Status, error) {
	r, err := s.resolve(ctx, id)
	if err != nil {
		if errors.Is(err, ErrStorageUnavailable) {
			metrics.QuotaDecisions.WithLabelValues(kindLabel(id), "error").Inc()
		}
		return Status{}, err
	}

	res, err := s.store.TryIncrement(ctx, r.key, r.window, r.policy.Quota)
	if err != nil {
		metrics.QuotaDecisions.WithLabelValues(string(r.key.Kind), "error").Inc()
		return failClosed(r), fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	st := r.status(res.Used)
	st.CanGenerate = res.Allowed
	if !res.Allowed {
		st.Remaining = 0
		metrics.QuotaDecisions.WithLabelValues(string(r.key.Kind), "denied").Inc()
		return st, nil
	}
	metrics.QuotaDecisions.WithLabelValues(string(r.key.Kind), "allowed").Inc()
	return st, nil
}

// Refund gives back one generation to the window charged records, the Status
// Consume returned. Only for confirmed infrastructure failures (provider
// unreachable); content failures keep their charge. If the clock has since
// crossed into a new window the old row is decremented and the returned Status
// describes the current window.
func (s *Service) Refund(ctx context.Context, id Identity, charged Status) (Status, error) {
	if charged.Window == "" || charged.WindowStart.IsZero() {
		return Status{}, ErrNoCharge
	}
	r, err := s.resolve(ctx, id)
	if err != nil {
		return Status{}, err
	}
	win := store.LimitWindow{Kind: string(charged.Window), Start: charged.WindowStart}
	used, err := s.store.Refund(ctx, r.key, win)
	if err != nil {
		return failClosed(r), fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	metrics.QuotaRefunds.Inc()

	if win.Kind != r.window.Kind || !win.Start.Equal(r.window.Start) {
		if used, err = s.store.Peek(ctx, r.key, r.window); err != nil {
			return failClosed(r), fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
	}
	return r.status(used), nil
}

// Record returns id's current window row, creating an empty one if needed.
// Admin inspection: exposes first/last seen and the recorded IP.
func (s *Service) Record(ctx context.Context, id Identity) (*store.LimitRecord, Status, error) {
	r, err := s.resolve(ctx, id)
	if err != nil {
		return nil, Status{}, err
	}
	rec, err := s.store.GetOrCreateWindow(ctx, r.key, r.window)
	if err != nil {
		return nil, failClosed(r), fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return rec, r.status(rec.Used), nil
}

// Reset zeroes id's counter for the current window. Admin override.
func (s *Service) Reset(ctx context.Context, id Identity) error {
	r, err := s.resolve(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.ResetIdentity(ctx, r.key, r.window); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// ResetWindow zeroes every kind counter in the window of the given length that
// contains day. A zero day means today. Returns rows reset.
//
// This is an explicit admin override and may zero the live window. Routine
// cleanup of expired windows goes through Purge, which never touches a window
// that is still current.
func (s *Service) ResetWindow(ctx context.Context, kind store.IdentityKind, window WindowKind, day time.Time) (int64, error) {
	if day.IsZero() {
		day = s.clock.Today()
	}
	win := store.LimitWindow{Kind: string(window), Start: WindowStart(window, day)}
	n, err := s.store.ResetAll(ctx, kind, win)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return n, nil
}

// PurgeCutoff is the earliest window start kept when purging with retention.
// Clamped to the earliest live window start so current windows are never deleted.
func PurgeCutoff(today time.Time, retention time.Duration) time.Time {
	cutoff := DateOf(today.Add(-retention))
	live := WindowStart(WindowMonth, today)
	if week := WindowStart(WindowWeek, today); week.Before(live) {
		live = week
	}
	if cutoff.After(live) {
		return live
	}
	return cutoff
}

// Purge deletes limit rows whose window started before PurgeCutoff.
// Returns rows deleted.
func (s *Service) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := PurgeCutoff(s.clock.Today(), retention)
	n, err := s.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	metrics.QuotaPurged.Add(float64(n))
	return n, nil
}

// kindLabel names id's identity kind for metrics before resolution succeeds.
func kindLabel(id Identity) string {
	if id.UserID != uuid.Nil {
		return string(store.IdentityUser)
	}
	return string(store.IdentityDevice)
}
