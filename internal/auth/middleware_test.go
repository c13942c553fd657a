package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MGallo-Code/fitroom/internal/store"
	"github.com/MGallo-Code/fitroom/internal/testutil"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// seen records what the next handler found in context.
type seen struct {
	called    bool
	userID    uuid.UUID
	signedIn  bool
	tokenHash []byte
	csrfToken []byte
}

func recordingHandler(s *seen) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.called = true
		s.userID, s.signedIn = UserIDFromContext(r.Context())
		s.tokenHash, _ = TokenHashFromContext(r.Context())
		s.csrfToken, _ = CSRFTokenFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

// testSession is deterministic session material: the cookie value, the hash
// that lands in context, and the Redis key derived from it.
var testSession = func() (s struct {
	cookie   string
	hash     []byte
	cacheKey string
}) {
	var raw [32]byte
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	sum := sha256.Sum256(raw[:])
	s.cookie = base64.RawURLEncoding.EncodeToString(raw[:])
	s.hash = sum[:]
	s.cacheKey = base64.RawURLEncoding.EncodeToString(sum[:])
	return s
}()

func withSessionCookie(value string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/limits", nil)
	if value != "" {
		r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: value})
	}
	return r
}

func cachedFor(userID uuid.UUID, expires time.Time) *testutil.MockCache {
	mc := testutil.NewMockCache()
	mc.Sessions[testSession.cacheKey] = &store.CachedSession{UserID: userID, CSRFToken: []byte("csrf-cache"), ExpiresAt: expires}
	return mc
}

func storedFor(userID uuid.UUID) *testutil.MockStore {
	return &testutil.MockStore{Sessions: map[string]*store.Session{
		string(testSession.hash): {
			ID: uuid.Must(uuid.NewV4()), UserID: userID, TokenHash: testSession.hash,
			CSRFToken: []byte("csrf-db"), ExpiresAt: time.Now().Add(time.Hour),
		},
	}}
}

func TestRequireAuth(t *testing.T) {
	user := uuid.Must(uuid.NewV4())

	tests := []struct {
		name     string
		cookie   string
		cache    *testutil.MockCache
		db       *testutil.MockStore
		wantCSRF string // "" means the request must be rejected
		refilled bool
	}{
		{name: "no cookie", cache: testutil.NewMockCache(), db: &testutil.MockStore{}},
		{name: "non-base64 cookie", cookie: "%%%", cache: testutil.NewMockCache(), db: &testutil.MockStore{}},
		{name: "cache hit", cookie: testSession.cookie, cache: cachedFor(user, time.Now().Add(time.Hour)), db: &testutil.MockStore{}, wantCSRF: "csrf-cache"},
		{name: "cache miss, database hit", cookie: testSession.cookie, cache: testutil.NewMockCache(), db: storedFor(user), wantCSRF: "csrf-db", refilled: true},
		{name: "stale cache entry falls back to database", cookie: testSession.cookie, cache: cachedFor(user, time.Now().Add(-time.Minute)), db: storedFor(user), wantCSRF: "csrf-db", refilled: true},
		{name: "stale cache entry and no row", cookie: testSession.cookie, cache: cachedFor(user, time.Now().Add(-time.Minute)), db: &testutil.MockStore{}},
		{name: "cache error, database hit", cookie: testSession.cookie, cache: &testutil.MockCache{GetSessionErr: errors.New("redis down")}, db: storedFor(user), wantCSRF: "csrf-db", refilled: true},
		{name: "cache refill failure is non-fatal", cookie: testSession.cookie, cache: &testutil.MockCache{SetSessionErr: errors.New("redis down")}, db: storedFor(user), wantCSRF: "csrf-db"},
		{name: "unknown session", cookie: testSession.cookie, cache: testutil.NewMockCache(), db: &testutil.MockStore{GetSessionErr: pgx.ErrNoRows}},
		{name: "database error", cookie: testSession.cookie, cache: testutil.NewMockCache(), db: &testutil.MockStore{GetSessionErr: errors.New("db down")}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := &AuthHandler{PS: tc.db, RS: tc.cache}
			var got seen
			w := httptest.NewRecorder()
			h.RequireAuth(recordingHandler(&got)).ServeHTTP(w, withSessionCookie(tc.cookie))

			if tc.wantCSRF == "" {
				assertUnauthorized(t, w, "unauthorized")
				if got.called {
					t.Error("next handler ran for a rejected request")
				}
				return
			}
			if w.Code != http.StatusOK || !got.called {
				t.Fatalf("expected pass-through, got %d called=%v", w.Code, got.called)
			}
			if got.userID != user || !bytes.Equal(got.tokenHash, testSession.hash) || string(got.csrfToken) != tc.wantCSRF {
				t.Errorf("context: user=%v hash=%x csrf=%q", got.userID, got.tokenHash, got.csrfToken)
			}
			if tc.refilled {
				if c, ok := tc.cache.Sessions[testSession.cacheKey]; !ok || !c.ExpiresAt.After(time.Now()) {
					t.Error("expected cache refilled with a live entry")
				}
			}
		})
	}
}

func TestOptionalAuth(t *testing.T) {
	user := uuid.Must(uuid.NewV4())

	tests := []struct {
		name     string
		cookie   string
		cache    *testutil.MockCache
		db       *testutil.MockStore
		signedIn bool
	}{
		{"no cookie", "", testutil.NewMockCache(), testutil.NewMockStore(), false},
		{"unknown session", testSession.cookie, testutil.NewMockCache(), testutil.NewMockStore(), false},
		{"database error", testSession.cookie, testutil.NewMockCache(), &testutil.MockStore{GetSessionErr: errors.New("db down")}, false},
		{"valid session", testSession.cookie, cachedFor(user, time.Now().Add(time.Hour)), testutil.NewMockStore(), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := &AuthHandler{PS: tc.db, RS: tc.cache}
			var got seen
			w := httptest.NewRecorder()
			h.OptionalAuth(recordingHandler(&got)).ServeHTTP(w, withSessionCookie(tc.cookie))

			if w.Code != http.StatusOK || !got.called {
				t.Fatalf("OptionalAuth must always pass through, got %d called=%v", w.Code, got.called)
			}
			if got.signedIn != tc.signedIn || (tc.signedIn && got.userID != user) {
				t.Errorf("signedIn: expected %v, got %v (%v)", tc.signedIn, got.signedIn, got.userID)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	admin := &store.User{ID: uuid.Must(uuid.NewV4()), Role: store.RoleAdmin}
	member := &store.User{ID: uuid.Must(uuid.NewV4()), Role: store.RoleUser}

	run := func(h *AuthHandler, userID *uuid.UUID) (*httptest.ResponseRecorder, bool) {
		var got seen
		r := httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
		if userID != nil {
			r = r.WithContext(context.WithValue(r.Context(), userIDKey, *userID))
		}
		w := httptest.NewRecorder()
		h.RequireAdmin(recordingHandler(&got)).ServeHTTP(w, r)
		return w, got.called
	}

	t.Run("admin passes", func(t *testing.T) {
		w, called := run(&AuthHandler{PS: testutil.NewMockStore(admin, member)}, &admin.ID)
		if w.Code != http.StatusOK || !called {
			t.Errorf("expected 200 and next called, got %d called=%v", w.Code, called)
		}
	})

	t.Run("regular user is forbidden", func(t *testing.T) {
		w, called := run(&AuthHandler{PS: testutil.NewMockStore(admin, member)}, &member.ID)
		if w.Code != http.StatusForbidden || called {
			t.Errorf("expected 403 without next, got %d called=%v", w.Code, called)
		}
	})

	t.Run("deleted user is unauthorized", func(t *testing.T) {
		w, _ := run(&AuthHandler{PS: testutil.NewMockStore()}, &admin.ID)
		assertUnauthorized(t, w, "unauthorized")
	})

	t.Run("missing session context is unauthorized", func(t *testing.T) {
		w, _ := run(&AuthHandler{PS: testutil.NewMockStore(admin)}, nil)
		assertUnauthorized(t, w, "unauthorized")
	})

	t.Run("store failure returns 500", func(t *testing.T) {
		w, _ := run(&AuthHandler{PS: &testutil.MockStore{GetUserByIDErr: errors.New("db down")}}, &admin.ID)
		assertInternalServerError(t, w)
	})
}
