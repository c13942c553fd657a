// stores.go
//
// Shared mock implementations of auth.Store, auth.SessionCache, and auth.RateLimiter.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MGallo-Code/fitroom/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// MockStore implements auth.Store and the api package's store for tests.

// Always stateful...Users, Sessions, Generations and Feedback live in memory, like a real store.
// Not-found lookups return pgx.ErrNoRows, as PostgresStore does.
// Use *Err fields to inject errors for specific operations.
// Use NewMockStore to seed users; or construct directly and set *Err fields for error-path tests.
type MockStore struct {
	// Error injection...zero value means no error
	HealthErr            error
	CreateUserErr        error
	GetUserByEmailErr    error
	GetUserByIDErr       error
	GetPwdHashErr        error
	UpdatePasswordErr    error
	CreateSessionErr     error
	GetSessionErr        error
	DeleteSessionErr     error
	DeleteAllSessionsErr error
	ListUsersErr         error
	SetRoleErr           error
	SetPremiumErr        error
	CreateGenerationErr  error
	CreateFeedbackErr    error

	Users       map[uuid.UUID]*store.User
	Sessions    map[string]*store.Session // keyed by string(tokenHash)
	Generations []store.Generation
	Feedback    []store.Feedback

	mu sync.Mutex
}

// NewMockStore returns a MockStore seeded with the given users, indexed by id.
func NewMockStore(users ...*store.User) *MockStore {
	ms := &MockStore{
		Users:    make(map[uuid.UUID]*store.User),
		Sessions: make(map[string]*store.Session),
	}
	for _, u := range users {
		ms.Users[u.ID] = u
	}
	return ms
}

func (m *MockStore) init() {
	if m.Users == nil {
		m.Users = make(map[uuid.UUID]*store.User)
	}
	if m.Sessions == nil {
		m.Sessions = make(map[string]*store.Session)
	}
}

func (m *MockStore) CheckHealth(_ context.Context) error { return m.HealthErr }

func (m *MockStore) CreateUserByEmail(_ context.Context, id uuid.UUID, email, passwordHash string) error {
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.Users[id] = &store.User{ID: id, Email: &email, PasswordHash: &passwordHash, Role: store.RoleUser, CreatedAt: time.Now()}
	return nil
}

func (m *MockStore) CreateOAuthUser(_ context.Context, id uuid.UUID, email, provider, providerID string, firstName, lastName, avatarURL *string) error {
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.Users[id] = &store.User{
		ID: id, Email: &email, OAuthProvider: &provider, OAuthProviderID: &providerID,
		FirstName: firstName, LastName: lastName, AvatarURL: avatarURL,
		Role: store.RoleUser, CreatedAt: time.Now(),
	}
	return nil
}

func (m *MockStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	if m.GetUserByEmailErr != nil {
		return nil, m.GetUserByEmailErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.Email != nil && *u.Email == email {
			return u, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *MockStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	if m.GetUserByIDErr != nil {
		return nil, m.GetUserByIDErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return u, nil
}

func (m *MockStore) GetUserByOAuthProvider(_ context.Context, provider, providerID string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.OAuthProvider != nil && *u.OAuthProvider == provider &&
			u.OAuthProviderID != nil && *u.OAuthProviderID == providerID {
			return u, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *MockStore) GetPwdHashByUserID(_ context.Context, id uuid.UUID) (string, error) {
	if m.GetPwdHashErr != nil {
		return "", m.GetPwdHashErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return "", pgx.ErrNoRows
	}
	if u.PasswordHash == nil {
		return "", store.ErrNoPassword
	}
	return *u.PasswordHash, nil
}

func (m *MockStore) UpdateUserPassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	if m.UpdatePasswordErr != nil {
		return m.UpdatePasswordErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return pgx.ErrNoRows
	}
	u.PasswordHash = &passwordHash
	return nil
}

// ListUsers returns users ordered by created_at, newest first.
func (m *MockStore) ListUsers(_ context.Context, limit, offset int) ([]store.User, error) {
	if m.ListUsersErr != nil {
		return nil, m.ListUsersErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.User, 0, len(m.Users))
	for _, u := range m.Users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []store.User{}, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) SetUserRole(_ context.Context, id uuid.UUID, role string) error {
	if m.SetRoleErr != nil {
		return m.SetRoleErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return pgx.ErrNoRows
	}
	u.Role = role
	return nil
}

func (m *MockStore) SetUserPremium(_ context.Context, id uuid.UUID, isPremium bool, until *time.Time) error {
	if m.SetPremiumErr != nil {
		return m.SetPremiumErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return pgx.ErrNoRows
	}
	u.IsPremium = isPremium
	u.PremiumUntil = until
	return nil
}

func (m *MockStore) CreateGeneration(_ context.Context, g *store.Generation) error {
	if m.CreateGenerationErr != nil {
		return m.CreateGenerationErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Generations = append(m.Generations, *g)
	return nil
}

func (m *MockStore) CreateFeedback(_ context.Context, f *store.Feedback) error {
	if m.CreateFeedbackErr != nil {
		return m.CreateFeedbackErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Feedback = append(m.Feedback, *f)
	return nil
}

func (m *MockStore) CreateSession(_ context.Context, id uuid.UUID, userID uuid.UUID, tokenHash []byte, csrfToken []byte, expiresAt time.Time, ip *string, userAgent *string) error {
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	m.mu.Lock()
	m.init()
	m.Sessions[string(tokenHash)] = &store.Session{
		ID:        id,
		UserID:    userID,
		TokenHash: tokenHash,
		CSRFToken: csrfToken,
		ExpiresAt: expiresAt,
		IPAddress: ip,
		UserAgent: userAgent,
	}
	m.mu.Unlock()
	return nil
}

func (m *MockStore) GetSessionByTokenHash(_ context.Context, tokenHash []byte) (*store.Session, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[string(tokenHash)]
	if !ok || time.Now().After(s.ExpiresAt) {
		return nil, pgx.ErrNoRows
	}
	return s, nil
}

func (m *MockStore) DeleteSession(_ context.Context, tokenHash []byte) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	delete(m.Sessions, string(tokenHash))
	m.mu.Unlock()
	return nil
}

func (m *MockStore) DeleteAllUserSessions(_ context.Context, userID uuid.UUID) error {
	if m.DeleteAllSessionsErr != nil {
		return m.DeleteAllSessionsErr
	}
	m.mu.Lock()
	for key, s := range m.Sessions {
		if s.UserID == userID {
			delete(m.Sessions, key)
		}
	}
	m.mu.Unlock()
	return nil
}

// MockCache implements auth.SessionCache for tests.
// Always stateful...Sessions is a map, like a real cache.
// Use *Err fields to inject errors for specific operations.
type MockCache struct {
	// Error injection...zero value means no error
	HealthErr            error
	GetSessionErr        error
	SetSessionErr        error
	DeleteSessionErr     error
	DeleteAllSessionsErr error

	Sessions map[string]*store.CachedSession // keyed by base64 token hash

	mu sync.Mutex
}

// NewMockCache returns an empty MockCache ready for use.
func NewMockCache() *MockCache {
	return &MockCache{
		Sessions: make(map[string]*store.CachedSession),
	}
}

func (m *MockCache) CheckHealth(_ context.Context) error { return m.HealthErr }

func (m *MockCache) GetSession(_ context.Context, tokenHash string) (*store.CachedSession, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[tokenHash]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	return s, nil
}

func (m *MockCache) SetSession(_ context.Context, tokenHash string, sessionData store.Session, ttl int) error {
	if m.SetSessionErr != nil {
		return m.SetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Sessions == nil {
		m.Sessions = make(map[string]*store.CachedSession)
	}
	m.Sessions[tokenHash] = &store.CachedSession{
		UserID:    sessionData.UserID,
		CSRFToken: sessionData.CSRFToken,
		ExpiresAt: sessionData.ExpiresAt,
	}
	return nil
}

func (m *MockCache) DeleteSession(_ context.Context, tokenHash string, userID uuid.UUID) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Sessions, tokenHash)
	return nil
}

func (m *MockCache) DeleteAllUserSessions(_ context.Context, userID uuid.UUID) error {
	if m.DeleteAllSessionsErr != nil {
		return m.DeleteAllSessionsErr
	}
	m.mu.Lock()
	for key, s := range m.Sessions {
		if s.UserID == userID {
			delete(m.Sessions, key)
		}
	}
	m.mu.Unlock()
	return nil
}

// MockRateLimiter implements auth.RateLimiter.
// Counts attempts per key; returns store.ErrRateLimitExceeded once a key passes MaxAttempts.
// Err, when set, is returned for every call (simulates Redis down).
type MockRateLimiter struct {
	Err      error
	Attempts map[string]int

	mu sync.Mutex
}

func (m *MockRateLimiter) Allow(_ context.Context, key string, policy store.RateLimit) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Attempts == nil {
		m.Attempts = make(map[string]int)
	}
	m.Attempts[key]++
	if policy.MaxAttempts > 0 && m.Attempts[key] > policy.MaxAttempts {
		return store.ErrRateLimitExceeded
	}
	return nil
}
