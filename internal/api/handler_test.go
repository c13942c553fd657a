// handler_test.go

// shared fixtures for api handler tests.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/fitroom/internal/auth"
	"github.com/MGallo-Code/fitroom/internal/notify"
	"github.com/MGallo-Code/fitroom/internal/quota"
	"github.com/MGallo-Code/fitroom/internal/store"
	mocks "github.com/MGallo-Code/fitroom/internal/testutil"
	"github.com/MGallo-Code/fitroom/internal/tryon"
)

// today is a Wednesday; its week window starts Monday 2024-01-08.
var today = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

var thisWeek = store.LimitWindow{Kind: "week", Start: time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)}

const testFingerprint = "fp-abc123"

var deviceKey = store.LimitKey{Kind: store.IdentityDevice, ID: testFingerprint}

// --- Collaborator mocks ---

type mockGenerator struct {
	res   *tryon.Result
	err   error
	calls int
	got   tryon.Request
}

func (m *mockGenerator) Generate(_ context.Context, req tryon.Request) (*tryon.Result, error) {
	m.calls++
	m.got = req
	if m.err != nil {
		return nil, m.err
	}
	return m.res, nil
}

type mockNotifier struct {
	got []notify.Message
	err error
}

func (m *mockNotifier) Notify(_ context.Context, msg notify.Message) error {
	m.got = append(m.got, msg)
	return m.err
}

type mockCaptcha struct {
	err   error
	calls int
	token string
	ip    string
}

func (m *mockCaptcha) Verify(_ context.Context, token, remoteIP string) error {
	m.calls++
	m.token, m.ip = token, remoteIP
	return m.err
}

// --- Environment ---

type testEnv struct {
	h     *Handler
	ah    *auth.AuthHandler
	ms    *mocks.MockStore
	ls    *mocks.MockLimitStore
	gen   *mockGenerator
	notif *mockNotifier
	rl    *mocks.MockRateLimiter
}

func newTestEnv(t *testing.T, users ...*store.User) *testEnv {
	t.Helper()
	ms := mocks.NewMockStore(users...)
	ls := mocks.NewMockLimitStore()
	gen := &mockGenerator{res: &tryon.Result{JobID: "job-1", ImageURL: "https://cdn.test/out.png"}}
	notif := &mockNotifier{}
	rl := &mocks.MockRateLimiter{}
	return &testEnv{
		h: &Handler{
			Quota:     quota.NewService(ls, ms, quota.NewFixedClock(today), quota.DefaultLimits),
			PS:        ms,
			RL:        rl,
			Generator: gen,
			Notifier:  notif,
			MaxUpload: 1 << 20,
		},
		ah:    &auth.AuthHandler{PS: ms, RS: mocks.NewMockCache(), RL: &mocks.MockRateLimiter{}},
		ms:    ms,
		ls:    ls,
		gen:   gen,
		notif: notif,
		rl:    rl,
	}
}

// router mounts every api route behind OptionalAuth. Role checks belong to
// auth.RequireAdmin and are tested there.
func (e *testEnv) router() http.Handler {
	r := chi.NewRouter()
	r.Use(e.ah.OptionalAuth)
	r.Get("/api/limits", e.h.LimitStatus)
	r.Post("/api/tryon", e.h.TryOn)
	r.Post("/api/feedback", e.h.Feedback)
	r.Get("/admin/users", e.h.ListUsers)
	r.Get("/admin/users/{id}/limits", e.h.UserLimits)
	r.Post("/admin/users/{id}/role", e.h.SetRole)
	r.Post("/admin/users/{id}/premium", e.h.SetPremium)
	r.Post("/admin/users/{id}/limits/reset", e.h.ResetUserLimits)
	r.Post("/admin/devices/{fingerprint}/limits/reset", e.h.ResetDeviceLimits)
	r.Post("/admin/limits/reset", e.h.ResetLimits)
	return r
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router().ServeHTTP(w, req)
	return w
}

// signIn attaches a valid session cookie for userID to req.
func (e *testEnv) signIn(t *testing.T, req *http.Request, userID uuid.UUID) {
	t.Helper()
	token, hash, err := auth.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	csrf, err := auth.GenerateCSRFToken()
	if err != nil {
		t.Fatalf("GenerateCSRFToken: %v", err)
	}
	if err := e.ms.CreateSession(context.Background(), uuid.Must(uuid.NewV7()), userID, hash[:], csrf[:], time.Now().Add(time.Hour), nil, nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: "__Host-session", Value: base64.RawURLEncoding.EncodeToString(token[:])})
}

func newUser(role string) *store.User {
	email := fmt.Sprintf("%s@example.com", uuid.Must(uuid.NewV7()))
	return &store.User{ID: uuid.Must(uuid.NewV7()), Email: &email, Role: role, CreatedAt: time.Now()}
}

// --- Requests ---

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

// multipartRequest builds a POST with the given form fields and files.
func multipartRequest(t *testing.T, path string, fields map[string]string, files map[string][]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	for k, data := range files {
		fw, err := mw.CreateFormFile(k, k+".bin")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write(data)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// --- Assertions ---

// readBody returns the response body without the encoder's trailing newline.
func readBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	b, _ := io.ReadAll(w.Body)
	return strings.TrimSuffix(string(b), "\n")
}

// assertMessage checks status and a {"message": msg} body.
func assertMessage(t *testing.T, w *httptest.ResponseRecorder, status int, msg string) {
	t.Helper()
	if w.Code != status {
		t.Errorf("status: expected %d, got %d", status, w.Code)
	}
	expected := fmt.Sprintf(`{"message":%q}`, msg)
	if got := readBody(t, w); got != expected {
		t.Errorf("body: expected %s, got %s", expected, got)
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}
