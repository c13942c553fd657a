package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/fitroom/internal/quota"
	"github.com/MGallo-Code/fitroom/internal/store"
)

func TestListUsers(t *testing.T) {
	older, newer := newUser(store.RoleUser), newUser(store.RoleAdmin)
	older.CreatedAt = time.Now().Add(-time.Hour)

	t.Run("newest first with defaults", func(t *testing.T) {
		e := newTestEnv(t, older, newer)
		w := e.do(httptest.NewRequest(http.MethodGet, "/admin/users", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d", w.Code)
		}
		resp := decode[userListResponse](t, w)
		if resp.Limit != defaultPageSize || resp.Offset != 0 || len(resp.Users) != 2 {
			t.Fatalf("unexpected page %+v", resp)
		}
		if resp.Users[0].ID != newer.ID.String() || resp.Users[0].Role != store.RoleAdmin {
			t.Errorf("expected newest first, got %+v", resp.Users[0])
		}
	})

	t.Run("pagination", func(t *testing.T) {
		e := newTestEnv(t, older, newer)
		resp := decode[userListResponse](t, e.do(httptest.NewRequest(http.MethodGet, "/admin/users?limit=1&offset=1", nil)))
		if len(resp.Users) != 1 || resp.Users[0].ID != older.ID.String() {
			t.Errorf("unexpected page %+v", resp)
		}
	})

	t.Run("limit is capped", func(t *testing.T) {
		e := newTestEnv(t)
		resp := decode[userListResponse](t, e.do(httptest.NewRequest(http.MethodGet, "/admin/users?limit=10000", nil)))
		if resp.Limit != maxPageSize || resp.Users == nil {
			t.Errorf("unexpected page %+v", resp)
		}
	})

	t.Run("bad params", func(t *testing.T) {
		e := newTestEnv(t)
		assertMessage(t, e.do(httptest.NewRequest(http.MethodGet, "/admin/users?limit=abc", nil)),
			http.StatusBadRequest, "limit must be a positive integer")
		assertMessage(t, e.do(httptest.NewRequest(http.MethodGet, "/admin/users?offset=-1", nil)),
			http.StatusBadRequest, "offset must be a non-negative integer")
	})

	t.Run("store failure", func(t *testing.T) {
		e := newTestEnv(t)
		e.ms.ListUsersErr = errors.New("boom")
		assertMessage(t, e.do(httptest.NewRequest(http.MethodGet, "/admin/users", nil)),
			http.StatusInternalServerError, "internal server error")
	})
}

func TestUserLimits(t *testing.T) {
	t.Run("creates and returns the current window", func(t *testing.T) {
		u := newUser(store.RoleUser)
		e := newTestEnv(t, u)
		userKey := store.LimitKey{Kind: store.IdentityUser, ID: u.ID.String()}
		e.ls.Seed(userKey, thisWeek, 2)

		w := e.do(httptest.NewRequest(http.MethodGet, "/admin/users/"+u.ID.String()+"/limits", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d", w.Code)
		}
		resp := decode[limitRecordResponse](t, w)
		if resp.IdentityKind != store.IdentityUser || resp.Identity != u.ID.String() || resp.Limits.Used != 2 || resp.Limits.Remaining != 1 {
			t.Errorf("unexpected response %+v", resp)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		e := newTestEnv(t)
		w := e.do(httptest.NewRequest(http.MethodGet, "/admin/users/"+uuid.Must(uuid.NewV7()).String()+"/limits", nil))
		assertMessage(t, w, http.StatusNotFound, "not found")
	})

	t.Run("bad id", func(t *testing.T) {
		e := newTestEnv(t)
		assertMessage(t, e.do(httptest.NewRequest(http.MethodGet, "/admin/users/nope/limits", nil)),
			http.StatusBadRequest, "invalid user id")
	})
}

func TestSetRole(t *testing.T) {
	t.Run("promotes a user", func(t *testing.T) {
		admin, u := newUser(store.RoleAdmin), newUser(store.RoleUser)
		e := newTestEnv(t, admin, u)
		req := jsonRequest(http.MethodPost, "/admin/users/"+u.ID.String()+"/role", `{"role":"admin"}`)
		e.signIn(t, req, admin.ID)

		assertMessage(t, e.do(req), http.StatusOK, "role updated")
		if e.ms.Users[u.ID].Role != store.RoleAdmin {
			t.Errorf("role: got %q", e.ms.Users[u.ID].Role)
		}
	})

	t.Run("admin cannot demote self", func(t *testing.T) {
		admin := newUser(store.RoleAdmin)
		e := newTestEnv(t, admin)
		req := jsonRequest(http.MethodPost, "/admin/users/"+admin.ID.String()+"/role", `{"role":"user"}`)
		e.signIn(t, req, admin.ID)

		assertMessage(t, e.do(req), http.StatusBadRequest, "cannot remove your own admin role")
		if e.ms.Users[admin.ID].Role != store.RoleAdmin {
			t.Error("role must be unchanged")
		}
	})

	t.Run("invalid role", func(t *testing.T) {
		u := newUser(store.RoleUser)
		e := newTestEnv(t, u)
		assertMessage(t, e.do(jsonRequest(http.MethodPost, "/admin/users/"+u.ID.String()+"/role", `{"role":"root"}`)),
			http.StatusBadRequest, "role must be user or admin")
	})

	t.Run("unknown user", func(t *testing.T) {
		e := newTestEnv(t)
		assertMessage(t, e.do(jsonRequest(http.MethodPost, "/admin/users/"+uuid.Must(uuid.NewV7()).String()+"/role", `{"role":"user"}`)),
			http.StatusNotFound, "not found")
	})
}

func TestSetPremium(t *testing.T) {
	t.Run("grant with expiry changes the quota", func(t *testing.T) {
		u := newUser(store.RoleUser)
		e := newTestEnv(t, u)
		body := `{"is_premium":true,"premium_until":"2024-02-01T00:00:00Z"}`

		assertMessage(t, e.do(jsonRequest(http.MethodPost, "/admin/users/"+u.ID.String()+"/premium", body)),
			http.StatusOK, "premium updated")

		got := e.ms.Users[u.ID]
		if !got.IsPremium || got.PremiumUntil == nil || !got.PremiumUntil.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected premium state %+v", got)
		}
		st, err := e.h.Quota.Check(t.Context(), quota.Identity{UserID: u.ID})
		if err != nil || st.Quota != 50 {
			t.Errorf("expected premium quota, got %+v %v", st, err)
		}
	})

	t.Run("revoke clears expiry", func(t *testing.T) {
		u := newUser(store.RoleUser)
		until := time.Now().Add(24 * time.Hour)
		u.IsPremium, u.PremiumUntil = true, &until
		e := newTestEnv(t, u)

		assertMessage(t, e.do(jsonRequest(http.MethodPost, "/admin/users/"+u.ID.String()+"/premium",
			`{"is_premium":false,"premium_until":"2030-01-01T00:00:00Z"}`)), http.StatusOK, "premium updated")
		if got := e.ms.Users[u.ID]; got.IsPremium || got.PremiumUntil != nil {
			t.Errorf("unexpected premium state %+v", got)
		}
	})

	t.Run("is_premium required", func(t *testing.T) {
		u := newUser(store.RoleUser)
		e := newTestEnv(t, u)
		assertMessage(t, e.do(jsonRequest(http.MethodPost, "/admin/users/"+u.ID.String()+"/premium", `{}`)),
			http.StatusBadRequest, "is_premium is required")
	})
}

func TestResetLimitsByIdentity(t *testing.T) {
	t.Run("user", func(t *testing.T) {
		u := newUser(store.RoleUser)
		e := newTestEnv(t, u)
		userKey := store.LimitKey{Kind: store.IdentityUser, ID: u.ID.String()}
		e.ls.Seed(userKey, thisWeek, 3)

		assertMessage(t, e.do(jsonRequest(http.MethodPost, "/admin/users/"+u.ID.String()+"/limits/reset", "")),
			http.StatusOK, "limit reset")
		if e.ls.Used(userKey, thisWeek) != 0 {
			t.Errorf("expected 0, got %d", e.ls.Used(userKey, thisWeek))
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		e := newTestEnv(t)
		assertMessage(t, e.do(jsonRequest(http.MethodPost, "/admin/users/"+uuid.Must(uuid.NewV7()).String()+"/limits/reset", "")),
			http.StatusNotFound, "not found")
	})

	t.Run("device", func(t *testing.T) {
		e := newTestEnv(t)
		e.ls.Seed(deviceKey, thisWeek, 3)

		assertMessage(t, e.do(jsonRequest(http.MethodPost, "/admin/devices/"+testFingerprint+"/limits/reset", "")),
			http.StatusOK, "limit reset")
		if e.ls.Used(deviceKey, thisWeek) != 0 {
			t.Errorf("expected 0, got %d", e.ls.Used(deviceKey, thisWeek))
		}
	})

	t.Run("storage down", func(t *testing.T) {
		e := newTestEnv(t)
		e.ls.ResetErr = errors.New("boom")
		assertMessage(t, e.do(jsonRequest(http.MethodPost, "/admin/devices/"+testFingerprint+"/limits/reset", "")),
			http.StatusServiceUnavailable, "quota service unavailable, please try again")
	})
}

func TestResetLimitsBulk(t *testing.T) {
	t.Run("resets every device in the dated window", func(t *testing.T) {
		e := newTestEnv(t)
		other := store.LimitKey{Kind: store.IdentityDevice, ID: "fp-other"}
		lastWeek := store.LimitWindow{Kind: "week", Start: thisWeek.Start.AddDate(0, 0, -7)}
		e.ls.Seed(deviceKey, thisWeek, 3)
		e.ls.Seed(other, thisWeek, 1)
		e.ls.Seed(deviceKey, lastWeek, 2)

		w := e.do(jsonRequest(http.MethodPost, "/admin/limits/reset",
			`{"identity_kind":"device","window":"week","date":"2024-01-11"}`))
		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d", w.Code)
		}
		if got := readBody(t, w); got != `{"reset":2}` {
			t.Errorf("body: got %s", got)
		}
		if e.ls.Used(deviceKey, thisWeek) != 0 || e.ls.Used(other, thisWeek) != 0 {
			t.Error("expected this week's counters reset")
		}
		if e.ls.Used(deviceKey, lastWeek) != 2 {
			t.Error("last week's counter must be untouched")
		}
	})

	t.Run("date defaults to today", func(t *testing.T) {
		e := newTestEnv(t)
		e.ls.Seed(deviceKey, thisWeek, 3)
		e.do(jsonRequest(http.MethodPost, "/admin/limits/reset", `{"identity_kind":"device","window":"week"}`))
		if e.ls.Used(deviceKey, thisWeek) != 0 {
			t.Error("expected current window reset")
		}
	})

	cases := []struct {
		name string
		body string
		msg  string
	}{
		{"bad kind", `{"identity_kind":"team","window":"week"}`, "identity_kind must be device or user"},
		{"bad window", `{"identity_kind":"user","window":"day"}`, "window must be week or month"},
		{"bad date", `{"identity_kind":"user","window":"month","date":"01/10/2024"}`, "date must be YYYY-MM-DD"},
		{"bad json", `nope`, "error decoding request body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t)
			assertMessage(t, e.do(jsonRequest(http.MethodPost, "/admin/limits/reset", tc.body)), http.StatusBadRequest, tc.msg)
		})
	}
}

func TestAdminBodyLimit(t *testing.T) {
	u := newUser(store.RoleUser)
	pad := strings.Repeat("x", maxAdminBody)
	cases := []struct {
		name string
		path string
		body string
	}{
		{"set role", "/admin/users/" + u.ID.String() + "/role", `{"role":"admin","pad":"` + pad + `"}`},
		{"set premium", "/admin/users/" + u.ID.String() + "/premium", `{"is_premium":true,"pad":"` + pad + `"}`},
		{"bulk reset", "/admin/limits/reset", `{"identity_kind":"device","window":"week","pad":"` + pad + `"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, u)
			e.ls.Seed(deviceKey, thisWeek, 3)
			assertMessage(t, e.do(jsonRequest(http.MethodPost, tc.path, tc.body)), http.StatusBadRequest, "error decoding request body")
			if e.ms.Users[u.ID].Role != store.RoleUser || e.ms.Users[u.ID].IsPremium {
				t.Error("user must be unchanged")
			}
			if e.ls.Used(deviceKey, thisWeek) != 3 {
				t.Error("counters must be unchanged")
			}
		})
	}
}
