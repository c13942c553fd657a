// handler_test.go

// shared assertion helpers and fixtures for auth handler tests.
package auth

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MGallo-Code/fitroom/internal/store"
	"github.com/MGallo-Code/fitroom/internal/testutil"
	"github.com/gofrs/uuid/v5"
)

// --- Helper Functions ---

// readBody returns the response body without the encoder's trailing newline.
func readBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	b, _ := io.ReadAll(w.Body)
	return strings.TrimSuffix(string(b), "\n")
}

// assertMessage checks response status, JSON content type, and {"message": msg} body.
func assertMessage(t *testing.T, w *httptest.ResponseRecorder, status int, msg string) {
	t.Helper()
	if w.Code != status {
		t.Errorf("status: expected %d, got %d", status, w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
	expected := fmt.Sprintf(`{"message":%q}`, msg)
	if got := readBody(t, w); got != expected {
		t.Errorf("body: expected %s, got %s", expected, got)
	}
}

// assertBadRequest checks response is 400 JSON with expected message.
func assertBadRequest(t *testing.T, w *httptest.ResponseRecorder, expectedMsg string) {
	t.Helper()
	assertMessage(t, w, http.StatusBadRequest, expectedMsg)
}

// assertInternalServerError checks response is 500 JSON with generic error.
func assertInternalServerError(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	assertMessage(t, w, http.StatusInternalServerError, "internal server error")
}

// assertUnauthorized checks response is 401 JSON with expected message.
func assertUnauthorized(t *testing.T, w *httptest.ResponseRecorder, expectedMsg string) {
	t.Helper()
	assertMessage(t, w, http.StatusUnauthorized, expectedMsg)
}

// assertSessionIssued checks response is 200 JSON with user_id and csrf_token fields.
func assertSessionIssued(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Errorf("status: expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
	body := readBody(t, w)
	if !strings.Contains(body, `"user_id"`) {
		t.Errorf("body: expected user_id field, got %q", body)
	}
	if !strings.Contains(body, `"csrf_token"`) {
		t.Errorf("body: expected csrf_token field, got %q", body)
	}
}

// findCookie returns the named cookie from the response or nil.
func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// assertSessionCookie checks __Host-session cookie has correct security attributes.
func assertSessionCookie(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	sessionCookie := findCookie(w, sessionCookieName)
	if sessionCookie == nil {
		t.Fatal("__Host-session cookie not found")
	}
	if !sessionCookie.HttpOnly {
		t.Error("cookie should be HttpOnly")
	}
	if !sessionCookie.Secure {
		t.Error("cookie should be Secure")
	}
	if sessionCookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie SameSite: expected Lax, got %v", sessionCookie.SameSite)
	}
	if sessionCookie.Path != "/" {
		t.Errorf("cookie Path: expected /, got %s", sessionCookie.Path)
	}
	if sessionCookie.Value == "" {
		t.Error("cookie value should not be empty")
	}
	if sessionCookie.MaxAge <= 0 {
		t.Errorf("cookie MaxAge should be positive, got %d", sessionCookie.MaxAge)
	}
}

// assertCookieCleared checks __Host-session cookie was expired.
func assertCookieCleared(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	c := findCookie(w, sessionCookieName)
	if c == nil {
		t.Fatal("__Host-session cookie not found")
	}
	if c.MaxAge >= 0 {
		t.Errorf("cookie MaxAge: expected negative, got %d", c.MaxAge)
	}
}

// newTestHandler returns an AuthHandler over fresh mocks with default policies.
func newTestHandler(ms *testutil.MockStore) *AuthHandler {
	return &AuthHandler{
		PS:                ms,
		RS:                testutil.NewMockCache(),
		RL:                &testutil.MockRateLimiter{},
		Policies:          DefaultPolicies,
		Policy:            DefaultPasswordPolicy,
		SessionTTL:        24 * time.Hour,
		SessionRememberMe: 720 * time.Hour,
	}
}

// mustUser builds a user with an Argon2id hash of password.
func mustUser(t *testing.T, email, password string) *store.User {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return &store.User{
		ID:           uuid.Must(uuid.NewV7()),
		Email:        &email,
		PasswordHash: &hash,
		Role:         store.RoleUser,
		CreatedAt:    time.Now(),
	}
}
