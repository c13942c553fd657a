package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var week = func(start time.Time) LimitWindow { return LimitWindow{Kind: "week", Start: start} }

// --- GetOrCreateWindow ---

func TestGetOrCreateWindow(t *testing.T) {
	ctx := context.Background()
	limits := testStore.Limits()

	t.Run("creates zeroed row once", func(t *testing.T) {
		fp := "fp-getorcreate"
		t.Cleanup(func() { cleanupDevices(t, ctx, fp) })
		key := LimitKey{Kind: IdentityDevice, ID: fp, IPAddress: "10.0.0.1"}
		win := week(date(2024, 1, 8))

		first, err := limits.GetOrCreateWindow(ctx, key, win)
		if err != nil {
			t.Fatalf("GetOrCreateWindow failed: %v", err)
		}
		if first.Used != 0 {
			t.Errorf("used: expected 0, got %d", first.Used)
		}
		if first.Key.IPAddress != "10.0.0.1" {
			t.Errorf("ip_address: expected 10.0.0.1, got %q", first.Key.IPAddress)
		}
		if first.FirstSeenAt.IsZero() {
			t.Error("first_seen_at was not set")
		}

		if _, err := limits.GetOrCreateWindow(ctx, key, win); err != nil {
			t.Fatalf("second GetOrCreateWindow failed: %v", err)
		}
		var rows int
		testStore.pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM device_limits WHERE device_fingerprint = $1", fp).Scan(&rows)
		if rows != 1 {
			t.Errorf("expected 1 row, got %d", rows)
		}
	})

	t.Run("rejects unknown identity kind", func(t *testing.T) {
		_, err := limits.GetOrCreateWindow(ctx, LimitKey{Kind: "team", ID: "x"}, week(date(2024, 1, 8)))
		if !errors.Is(err, ErrUnknownIdentityKind) {
			t.Errorf("expected ErrUnknownIdentityKind, got %v", err)
		}
	})

	t.Run("rejects malformed user id", func(t *testing.T) {
		_, err := limits.GetOrCreateWindow(ctx, LimitKey{Kind: IdentityUser, ID: "not-a-uuid"}, week(date(2024, 1, 8)))
		if err == nil {
			t.Fatal("expected error for malformed user id, got nil")
		}
	})
}

// --- TryIncrement ---

func TestTryIncrement(t *testing.T) {
	ctx := context.Background()
	limits := testStore.Limits()

	t.Run("allows up to quota then denies without moving counter", func(t *testing.T) {
		fp := "fp-try-increment"
		t.Cleanup(func() { cleanupDevices(t, ctx, fp) })
		key := LimitKey{Kind: IdentityDevice, ID: fp}
		win := week(date(2024, 1, 8))

		for i := 1; i <= 3; i++ {
			res, err := limits.TryIncrement(ctx, key, win, 3)
			if err != nil {
				t.Fatalf("charge %d: %v", i, err)
			}
			if !res.Allowed || res.Used != i {
				t.Fatalf("charge %d: expected allowed used=%d, got %+v", i, i, res)
			}
		}

		res, err := limits.TryIncrement(ctx, key, win, 3)
		if err != nil {
			t.Fatalf("charge 4: %v", err)
		}
		if res.Allowed {
			t.Error("charge 4: expected denied")
		}
		if res.Used != 3 {
			t.Errorf("charge 4: expected used 3, got %d", res.Used)
		}
	})

	t.Run("negative quota is unlimited", func(t *testing.T) {
		email := "limits_unlimited@example.com"
		t.Cleanup(func() { cleanupUsersByEmail(t, ctx, email) })
		userID := mustCreateUser(t, ctx, email, "fakehash")
		key := LimitKey{Kind: IdentityUser, ID: userID.String()}
		win := LimitWindow{Kind: "month", Start: date(2024, 1, 1)}

		for i := 1; i <= 25; i++ {
			res, err := limits.TryIncrement(ctx, key, win, -1)
			if err != nil {
				t.Fatalf("charge %d: %v", i, err)
			}
			if !res.Allowed {
				t.Fatalf("charge %d: expected allowed under unlimited quota", i)
			}
		}
	})

	t.Run("zero quota denies first attempt", func(t *testing.T) {
		fp := "fp-zero-quota"
		t.Cleanup(func() { cleanupDevices(t, ctx, fp) })
		res, err := limits.TryIncrement(ctx, LimitKey{Kind: IdentityDevice, ID: fp}, week(date(2024, 1, 8)), 0)
		if err != nil {
			t.Fatalf("TryIncrement failed: %v", err)
		}
		if res.Allowed || res.Used != 0 {
			t.Errorf("expected denied with used 0, got %+v", res)
		}
	})

	t.Run("windows and kinds are separate counters", func(t *testing.T) {
		fp := "fp-separate-windows"
		t.Cleanup(func() { cleanupDevices(t, ctx, fp) })
		key := LimitKey{Kind: IdentityDevice, ID: fp}

		// 2024-01-01 is a Monday: week and month windows share a start date
		limits.TryIncrement(ctx, key, week(date(2024, 1, 1)), 3)
		limits.TryIncrement(ctx, key, week(date(2024, 1, 1)), 3)

		res, err := limits.TryIncrement(ctx, key, LimitWindow{Kind: "month", Start: date(2024, 1, 1)}, 3)
		if err != nil {
			t.Fatalf("TryIncrement failed: %v", err)
		}
		if res.Used != 1 {
			t.Errorf("month window: expected used 1, got %d", res.Used)
		}

		res, _ = limits.TryIncrement(ctx, key, week(date(2024, 1, 8)), 3)
		if res.Used != 1 {
			t.Errorf("next week window: expected used 1, got %d", res.Used)
		}
	})

	t.Run("device and user with same id never share rows", func(t *testing.T) {
		email := "limits_isolation@example.com"
		t.Cleanup(func() { cleanupUsersByEmail(t, ctx, email) })
		userID := mustCreateUser(t, ctx, email, "fakehash")
		t.Cleanup(func() { cleanupDevices(t, ctx, userID.String()) })
		win := week(date(2024, 1, 8))

		limits.TryIncrement(ctx, LimitKey{Kind: IdentityUser, ID: userID.String()}, win, 3)
		used, err := limits.Peek(ctx, LimitKey{Kind: IdentityDevice, ID: userID.String()}, win)
		if err != nil {
			t.Fatalf("Peek failed: %v", err)
		}
		if used != 0 {
			t.Errorf("device counter: expected 0, got %d", used)
		}
	})

	t.Run("records latest ip on device rows", func(t *testing.T) {
		fp := "fp-ip-audit"
		t.Cleanup(func() { cleanupDevices(t, ctx, fp) })
		win := week(date(2024, 1, 8))

		limits.TryIncrement(ctx, LimitKey{Kind: IdentityDevice, ID: fp, IPAddress: "10.0.0.1"}, win, 3)
		limits.TryIncrement(ctx, LimitKey{Kind: IdentityDevice, ID: fp, IPAddress: "10.0.0.2"}, win, 3)

		rec, err := limits.GetOrCreateWindow(ctx, LimitKey{Kind: IdentityDevice, ID: fp}, win)
		if err != nil {
			t.Fatalf("GetOrCreateWindow failed: %v", err)
		}
		if rec.Key.IPAddress != "10.0.0.2" {
			t.Errorf("ip_address: expected 10.0.0.2, got %q", rec.Key.IPAddress)
		}
	})
}

// --- Concurrency ---

func TestTryIncrementConcurrent(t *testing.T) {
	ctx := context.Background()
	limits := testStore.Limits()

	cases := []struct {
		goroutines int
		quota      int
	}{
		{goroutines: 20, quota: 3},
		{goroutines: 5, quota: 50},
		{goroutines: 30, quota: 30},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d callers quota %d", tc.goroutines, tc.quota), func(t *testing.T) {
			fp := fmt.Sprintf("fp-race-%d-%d", tc.goroutines, tc.quota)
			t.Cleanup(func() { cleanupDevices(t, ctx, fp) })
			key := LimitKey{Kind: IdentityDevice, ID: fp}
			win := week(date(2024, 1, 8))

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				allowed int
				errs    []error
			)
			start := make(chan struct{})
			for i := 0; i < tc.goroutines; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					res, err := limits.TryIncrement(ctx, key, win, tc.quota)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						errs = append(errs, err)
						return
					}
					if res.Allowed {
						allowed++
					}
				}()
			}
			close(start)
			wg.Wait()

			if len(errs) > 0 {
				t.Fatalf("unexpected errors: %v", errs)
			}
			want := min(tc.goroutines, tc.quota)
			if allowed != want {
				t.Errorf("allowed: expected %d, got %d", want, allowed)
			}
			used, err := limits.Peek(ctx, key, win)
			if err != nil {
				t.Fatalf("Peek failed: %v", err)
			}
			if used != want {
				t.Errorf("stored count: expected %d, got %d", want, used)
			}
		})
	}
}

// --- Peek, Refund, Reset, Purge ---

func TestPeek(t *testing.T) {
	ctx := context.Background()
	limits := testStore.Limits()

	t.Run("missing row reads zero and is not created", func(t *testing.T) {
		fp := "fp-peek-missing"
		t.Cleanup(func() { cleanupDevices(t, ctx, fp) })

		used, err := limits.Peek(ctx, LimitKey{Kind: IdentityDevice, ID: fp}, week(date(2024, 1, 8)))
		if err != nil {
			t.Fatalf("Peek failed: %v", err)
		}
		if used != 0 {
			t.Errorf("expected 0, got %d", used)
		}
		var rows int
		testStore.pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM device_limits WHERE device_fingerprint = $1", fp).Scan(&rows)
		if rows != 0 {
			t.Errorf("Peek created %d rows", rows)
		}
	})
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	limits := testStore.Limits()

	t.Run("gives back one and floors at zero", func(t *testing.T) {
		fp := "fp-refund"
		t.Cleanup(func() { cleanupDevices(t, ctx, fp) })
		key := LimitKey{Kind: IdentityDevice, ID: fp}
		win := week(date(2024, 1, 8))

		limits.TryIncrement(ctx, key, win, 3)
		limits.TryIncrement(ctx, key, win, 3)

		used, err := limits.Refund(ctx, key, win)
		if err != nil {
			t.Fatalf("Refund failed: %v", err)
		}
		if used != 1 {
			t.Errorf("after first refund: expected 1, got %d", used)
		}
		limits.Refund(ctx, key, win)
		used, err = limits.Refund(ctx, key, win)
		if err != nil {
			t.Fatalf("Refund at zero failed: %v", err)
		}
		if used != 0 {
			t.Errorf("refund at zero: expected 0, got %d", used)
		}
	})
}

func TestResetIdentity(t *testing.T) {
	ctx := context.Background()
	limits := testStore.Limits()

	t.Run("zeroes only the given window", func(t *testing.T) {
		fp := "fp-reset-identity"
		t.Cleanup(func() { cleanupDevices(t, ctx, fp) })
		key := LimitKey{Kind: IdentityDevice, ID: fp}
		current, previous := week(date(2024, 1, 8)), week(date(2024, 1, 1))

		limits.TryIncrement(ctx, key, current, 3)
		limits.TryIncrement(ctx, key, previous, 3)

		if err := limits.ResetIdentity(ctx, key, current); err != nil {
			t.Fatalf("ResetIdentity failed: %v", err)
		}
		if used, _ := limits.Peek(ctx, key, current); used != 0 {
			t.Errorf("current window: expected 0, got %d", used)
		}
		if used, _ := limits.Peek(ctx, key, previous); used != 1 {
			t.Errorf("previous window: expected 1, got %d", used)
		}
	})

	t.Run("absent row is a no-op", func(t *testing.T) {
		err := limits.ResetIdentity(ctx, LimitKey{Kind: IdentityDevice, ID: "fp-reset-absent"}, week(date(2024, 1, 8)))
		if err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})
}

func TestResetAll(t *testing.T) {
	ctx := context.Background()
	limits := testStore.Limits()

	t.Run("zeroes every device in the window", func(t *testing.T) {
		fps := []string{"fp-reset-all-a", "fp-reset-all-b"}
		t.Cleanup(func() { cleanupDevices(t, ctx, fps...) })
		// A window no other test uses, so the affected count is exact
		win := week(date(2023, 6, 5))

		for _, fp := range fps {
			limits.TryIncrement(ctx, LimitKey{Kind: IdentityDevice, ID: fp}, win, 3)
		}

		n, err := limits.ResetAll(ctx, IdentityDevice, win)
		if err != nil {
			t.Fatalf("ResetAll failed: %v", err)
		}
		if n != 2 {
			t.Errorf("rows reset: expected 2, got %d", n)
		}
		for _, fp := range fps {
			if used, _ := limits.Peek(ctx, LimitKey{Kind: IdentityDevice, ID: fp}, win); used != 0 {
				t.Errorf("%s: expected 0, got %d", fp, used)
			}
		}
	})
}

func TestPurgeBefore(t *testing.T) {
	ctx := context.Background()
	limits := testStore.Limits()

	t.Run("deletes rows before cutoff only", func(t *testing.T) {
		fp := "fp-purge"
		t.Cleanup(func() { cleanupDevices(t, ctx, fp) })
		key := LimitKey{Kind: IdentityDevice, ID: fp}
		old, live := week(date(2020, 1, 6)), week(date(2024, 1, 8))

		limits.TryIncrement(ctx, key, old, 3)
		limits.TryIncrement(ctx, key, live, 3)

		if _, err := limits.PurgeBefore(ctx, date(2021, 1, 1)); err != nil {
			t.Fatalf("PurgeBefore failed: %v", err)
		}

		var rows int
		testStore.pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM device_limits WHERE device_fingerprint = $1 AND window_start = $2",
			fp, old.Start).Scan(&rows)
		if rows != 0 {
			t.Error("old window should have been purged")
		}
		if used, _ := limits.Peek(ctx, key, live); used != 1 {
			t.Errorf("live window: expected 1, got %d", used)
		}
	})
}
