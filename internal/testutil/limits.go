// limits.go
//
// In-memory limit counter store with the same atomicity contract as store.LimitStore.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/MGallo-Code/fitroom/internal/store"
)

type limitRow struct {
	kind        store.IdentityKind
	id          string
	window      store.LimitWindow
	used        int
	ip          string
	firstSeenAt time.Time
	lastUsedAt  time.Time
}

type limitRowKey struct {
	kind       store.IdentityKind
	id         string
	windowKind string
	start      time.Time
}

// MockLimitStore implements quota.LimitStore.
// One mutex guards every row, so TryIncrement is atomic like the conditional UPDATE.
// Use *Err fields to inject storage failures.
type MockLimitStore struct {
	GetOrCreateErr error
	IncrementErr   error
	PeekErr        error
	RefundErr      error
	ResetErr       error
	PurgeErr       error

	rows map[limitRowKey]*limitRow
	mu   sync.Mutex
}

// NewMockLimitStore returns an empty store.
func NewMockLimitStore() *MockLimitStore {
	return &MockLimitStore{rows: make(map[limitRowKey]*limitRow)}
}

func rowKey(key store.LimitKey, win store.LimitWindow) limitRowKey {
	return limitRowKey{key.Kind, key.ID, win.Kind, win.Start.UTC()}
}

// ensure returns the row for key+win, creating it at zero. Caller holds mu.
func (m *MockLimitStore) ensure(key store.LimitKey, win store.LimitWindow) *limitRow {
	if m.rows == nil {
		m.rows = make(map[limitRowKey]*limitRow)
	}
	k := rowKey(key, win)
	r, ok := m.rows[k]
	if !ok {
		now := time.Now()
		r = &limitRow{kind: key.Kind, id: key.ID, window: win, ip: key.IPAddress, firstSeenAt: now, lastUsedAt: now}
		m.rows[k] = r
	}
	return r
}

func (r *limitRow) record() *store.LimitRecord {
	return &store.LimitRecord{
		Key:         store.LimitKey{Kind: r.kind, ID: r.id, IPAddress: r.ip},
		Window:      r.window,
		Used:        r.used,
		FirstSeenAt: r.firstSeenAt,
		LastUsedAt:  r.lastUsedAt,
	}
}

func (m *MockLimitStore) GetOrCreateWindow(_ context.Context, key store.LimitKey, win store.LimitWindow) (*store.LimitRecord, error) {
	if m.GetOrCreateErr != nil {
		return nil, m.GetOrCreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensure(key, win).record(), nil
}

func (m *MockLimitStore) TryIncrement(_ context.Context, key store.LimitKey, win store.LimitWindow, quota int) (store.IncrementResult, error) {
	if m.IncrementErr != nil {
		return store.IncrementResult{}, m.IncrementErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.ensure(key, win)
	if quota >= 0 && r.used >= quota {
		return store.IncrementResult{Allowed: false, Used: r.used}, nil
	}
	r.used++
	r.lastUsedAt = time.Now()
	if key.IPAddress != "" {
		r.ip = key.IPAddress
	}
	return store.IncrementResult{Allowed: true, Used: r.used}, nil
}

func (m *MockLimitStore) Peek(_ context.Context, key store.LimitKey, win store.LimitWindow) (int, error) {
	if m.PeekErr != nil {
		return 0, m.PeekErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[rowKey(key, win)]; ok {
		return r.used, nil
	}
	return 0, nil
}

func (m *MockLimitStore) Refund(_ context.Context, key store.LimitKey, win store.LimitWindow) (int, error) {
	if m.RefundErr != nil {
		return 0, m.RefundErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[rowKey(key, win)]
	if !ok {
		return 0, nil
	}
	if r.used > 0 {
		r.used--
	}
	return r.used, nil
}

func (m *MockLimitStore) ResetIdentity(_ context.Context, key store.LimitKey, win store.LimitWindow) error {
	if m.ResetErr != nil {
		return m.ResetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[rowKey(key, win)]; ok {
		r.used = 0
	}
	return nil
}

func (m *MockLimitStore) ResetAll(_ context.Context, kind store.IdentityKind, win store.LimitWindow) (int64, error) {
	if m.ResetErr != nil {
		return 0, m.ResetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, r := range m.rows {
		if k.kind == kind && k.windowKind == win.Kind && k.start.Equal(win.Start.UTC()) {
			r.used = 0
			n++
		}
	}
	return n, nil
}

func (m *MockLimitStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	if m.PurgeErr != nil {
		return 0, m.PurgeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.rows {
		if k.start.Before(cutoff) {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}

// Used reports the counter for key+win, 0 when no row exists.
func (m *MockLimitStore) Used(key store.LimitKey, win store.LimitWindow) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[rowKey(key, win)]; ok {
		return r.used
	}
	return 0
}

// Rows reports how many windows are stored.
func (m *MockLimitStore) Rows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// Seed sets the counter for key+win directly.
func (m *MockLimitStore) Seed(key store.LimitKey, win store.LimitWindow, used int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(key, win).used = used
}
