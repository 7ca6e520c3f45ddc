package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func cookieFrom(t *testing.T, set func(http.ResponseWriter)) *http.Cookie {
	t.Helper()
	w := httptest.NewRecorder()
	set(w)
	cookies := w.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("no cookies set")
	}
	return cookies[0]
}

func TestRequireUser_WithValidCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		id, ok := GetUserIDFromContext(r.Context())
		if !ok {
			t.Fatalf("user id not in context")
		}
		if id != "user_42" {
			t.Fatalf("user id from context = %q, want %q", id, "user_42")
		}
	})

	r := httptest.NewRequest(http.MethodGet, "/api/petals/balance", nil)
	r.AddCookie(cookieFrom(t, func(w http.ResponseWriter) { m.SetAuthCookie(w, "user_42") }))

	m.RequireUser(next).ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestRequireUser_RejectsMissingOrForgedCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	other := NewAuthMiddleware("other-secret")
	guestSigned := cookieFrom(t, func(w http.ResponseWriter) { m.SetGuestCookie(w, "user_42") })

	tests := []struct {
		name   string
		cookie *http.Cookie
	}{
		{name: "no cookie"},
		{name: "unsigned", cookie: &http.Cookie{Name: authCookieName, Value: "user_42"}},
		{name: "bad hex", cookie: &http.Cookie{Name: authCookieName, Value: "user_42.zz"}},
		{name: "foreign secret", cookie: cookieFrom(t, func(w http.ResponseWriter) { other.SetAuthCookie(w, "user_42") })},
		{name: "guest signature", cookie: &http.Cookie{Name: authCookieName, Value: guestSigned.Value}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("next handler should not be called")
			})

			r := httptest.NewRequest(http.MethodGet, "/api/petals/balance", nil)
			if tt.cookie != nil {
				r.AddCookie(tt.cookie)
			}
			w := httptest.NewRecorder()

			m.RequireUser(next).ServeHTTP(w, r)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("content type = %q, want application/json", ct)
			}
			if body := strings.TrimSpace(w.Body.String()); body != `{"ok":false,"error":"unauthorized"}` {
				t.Fatalf("body = %s", body)
			}
		})
	}
}

func TestIdentify_GuestAndAnonymous(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	const guestID = "3f2c8a4e-9b1d-4c6e-8a7f-0d5e2b1c9a34"

	var (
		gotGuest string
		gotUser  bool
	)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotGuest, _ = GetGuestIDFromContext(r.Context())
		_, gotUser = GetUserIDFromContext(r.Context())
	})

	r := httptest.NewRequest(http.MethodPost, "/api/petals/collect", nil)
	r.AddCookie(cookieFrom(t, func(w http.ResponseWriter) { m.SetGuestCookie(w, guestID) }))
	m.Identify(next).ServeHTTP(httptest.NewRecorder(), r)

	if gotGuest != guestID {
		t.Fatalf("guest id = %q, want %q", gotGuest, guestID)
	}
	if gotUser {
		t.Fatalf("guest cookie must not identify a user")
	}

	gotGuest = ""
	r = httptest.NewRequest(http.MethodPost, "/api/petals/collect", nil)
	m.Identify(next).ServeHTTP(httptest.NewRecorder(), r)
	if gotGuest != "" || gotUser {
		t.Fatalf("anonymous request must carry no identity")
	}
}

func TestClearGuestCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	c := cookieFrom(t, m.ClearGuestCookie)

	if c.Name != guestCookieName || c.MaxAge >= 0 {
		t.Fatalf("unexpected cookie %+v", c)
	}
}
