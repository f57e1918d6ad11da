// pattern: Imperative Shell

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/logging"
)

const (
	// CookieName carries the session token.
	CookieName = "session"
	// sessionTTL is the fixed session lifetime.
	sessionTTL = 7 * 24 * time.Hour
)

// argon2id parameters. Interactive-login grade.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// PinStore persists the PIN hash. Satisfied by *store.Store.
type PinStore interface {
	PinHash() string
	SetPinHash(hash string) error
}

// Gate issues and validates session tokens against a single optional PIN.
// Until a PIN is configured the gate is open; that first-use window ends
// at setup.
type Gate struct {
	pins PinStore
	log  *logging.ScopedLogger
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]time.Time
}

// NewGate creates a gate over the given PIN store.
func NewGate(pins PinStore, logs logging.LoggerProvider) *Gate {
	return &Gate{
		pins:     pins,
		log:      logs.For("auth"),
		now:      time.Now,
		sessions: make(map[string]time.Time),
	}
}

// PinSet reports whether a PIN has been configured.
func (g *Gate) PinSet() bool {
	return g.pins.PinHash() != ""
}

// Setup configures the PIN for the first time.
func (g *Gate) Setup(pin string) error {
	if g.PinSet() {
		return fault.New(fault.InvalidArgument, "pin is already configured")
	}
	if err := validatePin(pin); err != nil {
		return err
	}
	hash, err := hashPin(pin)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "hash pin")
	}
	return g.pins.SetPinHash(hash)
}

// Login verifies the PIN and issues a session token.
func (g *Gate) Login(pin string) (string, error) {
	if !g.PinSet() {
		return "", fault.New(fault.InvalidArgument, "no pin configured")
	}
	if !verifyPin(g.pins.PinHash(), pin) {
		return "", fault.New(fault.Unauthorized, "invalid pin")
	}

	token, err := newToken()
	if err != nil {
		return "", fault.Wrap(fault.Internal, err, "token generation")
	}

	g.mu.Lock()
	g.sessions[token] = g.now().Add(sessionTTL)
	g.mu.Unlock()
	return token, nil
}

// ChangePin swaps the PIN after verifying the current one. Existing
// sessions stay valid.
func (g *Gate) ChangePin(current, next string) error {
	if !g.PinSet() {
		return fault.New(fault.InvalidArgument, "no pin configured")
	}
	if !verifyPin(g.pins.PinHash(), current) {
		return fault.New(fault.Unauthorized, "invalid pin")
	}
	if err := validatePin(next); err != nil {
		return err
	}
	hash, err := hashPin(next)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "hash pin")
	}
	return g.pins.SetPinHash(hash)
}

// Logout invalidates one session token. Unknown tokens are a no-op.
func (g *Gate) Logout(token string) {
	g.mu.Lock()
	delete(g.sessions, token)
	g.mu.Unlock()
}

// Validate reports whether a token names a live session. Expired
// sessions are reaped on sight.
func (g *Gate) Validate(token string) bool {
	if token == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	expiry, ok := g.sessions[token]
	if !ok {
		return false
	}
	if g.now().After(expiry) {
		delete(g.sessions, token)
		return false
	}
	return true
}

// Authenticated reports whether the request carries a live session, or
// the gate is still open because no PIN is configured.
func (g *Gate) Authenticated(r *http.Request) bool {
	if !g.PinSet() {
		return true
	}
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return false
	}
	return g.Validate(cookie.Value)
}

// SetCookie attaches the session cookie to a response.
func SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sessionTTL / time.Second),
	})
}

// ClearCookie expires the session cookie.
func ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// Middleware gates API and terminal-websocket paths. Auth endpoints,
// health, hook ingress, the telegram webhook, the bridge endpoint (which
// authenticates in its first frame) and static assets stay public.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublic(r) || g.Authenticated(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = fmt.Fprint(w, `{"error":"unauthorized"}`)
	})
}

func isPublic(r *http.Request) bool {
	path := r.URL.Path
	switch {
	case path == "/health":
		return true
	case strings.HasPrefix(path, "/api/auth/"):
		return true
	case path == "/api/notifications" && r.Method == http.MethodPost:
		return true
	case path == "/api/notifications/dismiss" && r.Method == http.MethodPost:
		return true
	case path == "/api/telegram/reply" && r.Method == http.MethodPost:
		return true
	case path == "/ws/bridge":
		return true
	case !strings.HasPrefix(path, "/api/") && !strings.HasPrefix(path, "/ws/"):
		return true
	default:
		return false
	}
}

// validatePin enforces 4+ digits.
func validatePin(pin string) error {
	if len(pin) < 4 {
		return fault.New(fault.InvalidArgument, "pin must be at least 4 digits")
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fault.New(fault.InvalidArgument, "pin must be digits only")
		}
	}
	return nil
}

// hashPin derives an argon2id hash with a fresh random salt, encoded in
// the usual $-separated form.
func hashPin(pin string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(pin), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// verifyPin re-derives the key with the stored salt and compares in
// constant time.
func verifyPin(encoded, pin string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var memory uint32
	var times uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &times, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	got := argon2.IDKey([]byte(pin), salt, times, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

func newToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
