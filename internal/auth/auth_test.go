package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/logging"
)

type memPins struct {
	hash string
}

func (m *memPins) PinHash() string          { return m.hash }
func (m *memPins) SetPinHash(h string) error { m.hash = h; return nil }

func newTestGate() (*Gate, *memPins) {
	pins := &memPins{}
	return NewGate(pins, logging.NopProvider()), pins
}

func TestSetupValidation(t *testing.T) {
	g, _ := newTestGate()

	if err := g.Setup("123"); !fault.IsKind(err, fault.InvalidArgument) {
		t.Errorf("short pin = %v, want InvalidArgument", err)
	}
	if err := g.Setup("12a4"); !fault.IsKind(err, fault.InvalidArgument) {
		t.Errorf("non-digit pin = %v, want InvalidArgument", err)
	}
	if err := g.Setup("1234"); err != nil {
		t.Fatalf("Setup error = %v", err)
	}
	if err := g.Setup("5678"); !fault.IsKind(err, fault.InvalidArgument) {
		t.Errorf("second setup = %v, want InvalidArgument", err)
	}
}

func TestHashIsSaltedAndUnrecoverable(t *testing.T) {
	g, pins := newTestGate()
	if err := g.Setup("123456"); err != nil {
		t.Fatal(err)
	}
	first := pins.hash

	pins.hash = ""
	if err := g.Setup("123456"); err != nil {
		t.Fatal(err)
	}
	if pins.hash == first {
		t.Error("identical pins must hash differently (random salt)")
	}
	if pins.hash == "123456" || len(pins.hash) < 40 {
		t.Errorf("hash = %q, looks recoverable", pins.hash)
	}
}

func TestLoginLogoutLifecycle(t *testing.T) {
	g, _ := newTestGate()
	if _, err := g.Login("1234"); !fault.IsKind(err, fault.InvalidArgument) {
		t.Errorf("login before setup = %v, want InvalidArgument", err)
	}

	if err := g.Setup("1234"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Login("9999"); !fault.IsKind(err, fault.Unauthorized) {
		t.Errorf("wrong pin = %v, want Unauthorized", err)
	}

	token, err := g.Login("1234")
	if err != nil {
		t.Fatalf("Login error = %v", err)
	}
	if !g.Validate(token) {
		t.Error("fresh token must validate")
	}

	g.Logout(token)
	if g.Validate(token) {
		t.Error("token must die on logout")
	}
	g.Logout(token) // no-op
}

func TestSessionExpiry(t *testing.T) {
	g, _ := newTestGate()
	if err := g.Setup("1234"); err != nil {
		t.Fatal(err)
	}
	token, err := g.Login("1234")
	if err != nil {
		t.Fatal(err)
	}

	g.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	if g.Validate(token) {
		t.Error("token must expire after seven days")
	}
}

func TestChangePin(t *testing.T) {
	g, _ := newTestGate()
	if err := g.Setup("1234"); err != nil {
		t.Fatal(err)
	}

	if err := g.ChangePin("0000", "5678"); !fault.IsKind(err, fault.Unauthorized) {
		t.Errorf("wrong current pin = %v, want Unauthorized", err)
	}
	if err := g.ChangePin("1234", "56"); !fault.IsKind(err, fault.InvalidArgument) {
		t.Errorf("bad new pin = %v, want InvalidArgument", err)
	}
	if err := g.ChangePin("1234", "5678"); err != nil {
		t.Fatalf("ChangePin error = %v", err)
	}
	if _, err := g.Login("1234"); !fault.IsKind(err, fault.Unauthorized) {
		t.Error("old pin must stop working")
	}
	if _, err := g.Login("5678"); err != nil {
		t.Errorf("new pin login = %v", err)
	}
}

func TestMiddlewareOpenUntilSetup(t *testing.T) {
	g, _ := newTestGate()
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/containers", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("pre-setup request = %d, want 200", rec.Code)
	}
}

func TestMiddlewareGatesAfterSetup(t *testing.T) {
	g, _ := newTestGate()
	if err := g.Setup("1234"); err != nil {
		t.Fatal(err)
	}
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(method, path string, token string) int {
		req := httptest.NewRequest(method, path, nil)
		if token != "" {
			req.AddCookie(&http.Cookie{Name: CookieName, Value: token})
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := serve(http.MethodGet, "/api/containers", ""); code != http.StatusUnauthorized {
		t.Errorf("uncookied API = %d, want 401", code)
	}
	if code := serve(http.MethodGet, "/ws/terminal/local/main/0", ""); code != http.StatusUnauthorized {
		t.Errorf("uncookied terminal WS = %d, want 401", code)
	}

	// Public surface.
	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/health"},
		{http.MethodGet, "/api/auth/status"},
		{http.MethodPost, "/api/notifications"},
		{http.MethodPost, "/api/notifications/dismiss"},
		{http.MethodPost, "/api/telegram/reply"},
		{http.MethodGet, "/ws/bridge"},
		{http.MethodGet, "/index.html"},
	} {
		if code := serve(tc.method, tc.path, ""); code != http.StatusOK {
			t.Errorf("%s %s = %d, want public", tc.method, tc.path, code)
		}
	}

	// GET on the hook-ingress path is not public.
	if code := serve(http.MethodGet, "/api/notifications", ""); code != http.StatusUnauthorized {
		t.Errorf("GET notifications = %d, want 401", code)
	}

	token, err := g.Login("1234")
	if err != nil {
		t.Fatal(err)
	}
	if code := serve(http.MethodGet, "/api/containers", token); code != http.StatusOK {
		t.Errorf("cookied API = %d, want 200", code)
	}
	if code := serve(http.MethodGet, "/api/containers", "forged"); code != http.StatusUnauthorized {
		t.Errorf("forged cookie = %d, want 401", code)
	}
}
