package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"tmuxdeck/internal/auth"
	"tmuxdeck/internal/bridge"
	"tmuxdeck/internal/debuglog"
	"tmuxdeck/internal/docker"
	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/logging"
	"tmuxdeck/internal/notify"
	"tmuxdeck/internal/registry"
	"tmuxdeck/internal/store"
	"tmuxdeck/internal/tmux"
)

// stubEngine satisfies registry.Engine with scriptable per-container
// tmux runners and stream openers.
type stubEngine struct {
	mu         sync.Mutex
	containers []docker.Container
	runners    map[string]tmux.RunFunc
	openers    map[string]tmux.OpenFunc
	started    []string
	stopped    []string
	removed    []string
}

func (e *stubEngine) Ping(context.Context) error { return nil }

func (e *stubEngine) List(context.Context) ([]docker.Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]docker.Container{}, e.containers...), nil
}

func (e *stubEngine) Create(_ context.Context, opts docker.CreateOptions) (string, error) {
	return "cid-" + opts.Name, nil
}

func (e *stubEngine) Start(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.knownLocked(id) {
		return fault.New(fault.TargetMissing, "no such container %q", id)
	}
	e.started = append(e.started, id)
	return nil
}

func (e *stubEngine) Stop(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.knownLocked(id) {
		return fault.New(fault.TargetMissing, "no such container %q", id)
	}
	e.stopped = append(e.stopped, id)
	return nil
}

func (e *stubEngine) Remove(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.knownLocked(id) {
		return fault.New(fault.TargetMissing, "no such container %q", id)
	}
	e.removed = append(e.removed, id)
	return nil
}

// Containers created during a test get "cid-" ids and are always known.
func (e *stubEngine) knownLocked(id string) bool {
	if strings.HasPrefix(id, "cid-") {
		return true
	}
	for _, c := range e.containers {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (e *stubEngine) Rename(context.Context, string, string) error { return nil }

func (e *stubEngine) BuildImage(_ context.Context, name, _ string, _ func(string)) (string, error) {
	return "tmuxdeck/" + name + ":latest", nil
}

func (e *stubEngine) TmuxRunner(containerID string) tmux.RunFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	if run, ok := e.runners[containerID]; ok {
		return run
	}
	return noServerRunner
}

func (e *stubEngine) TmuxOpener(containerID string) tmux.OpenFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openers[containerID]
}

func noServerRunner(context.Context, []string) (string, error) {
	return "", errors.New("no server running on /tmp/tmux-1000/default")
}

// stubSender records telegram deliveries without any network.
type stubSender struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (s *stubSender) Send(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return s.err
}

// singleSessionRunner answers list/has/select commands for one session
// with the given windows, recording everything else.
func singleSessionRunner(session string, windows []string, rec *commandLog) tmux.RunFunc {
	return func(_ context.Context, args []string) (string, error) {
		if rec != nil {
			rec.add(args)
		}
		switch args[0] {
		case "list-sessions":
			return session + "\x1f1700000000\x1f0\n", nil
		case "list-windows":
			var out bytes.Buffer
			for i, name := range windows {
				active := "0"
				if i == 0 {
					active = "1"
				}
				out.WriteString(session + "\x1f" + strconv.Itoa(i) + "\x1f" + name + "\x1f" + active + "\x1f1\x1f0\x1f0\x1fbash\x1f\n")
			}
			return out.String(), nil
		case "has-session":
			return "", nil
		case "show-options":
			return "off\n", nil
		case "list-panes":
			return "0\x1f1\x1f80\x1f24\x1f\x1fbash\n", nil
		default:
			return "", nil
		}
	}
}


type commandLog struct {
	mu   sync.Mutex
	cmds [][]string
}

func (c *commandLog) add(args []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmds = append(c.cmds, append([]string{}, args...))
}

func (c *commandLog) find(first string) [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]string
	for _, cmd := range c.cmds {
		if cmd[0] == first {
			out = append(out, cmd)
		}
	}
	return out
}

// testEnv wires a full server over stubbed sources.
type testEnv struct {
	t      *testing.T
	srv    *httptest.Server
	engine *stubEngine
	store  *store.Store
	ring   *debuglog.Ring
	router *notify.Router
	sender *stubSender
	gate   *auth.Gate
	hub    *bridge.Hub
	reg    *registry.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.New(t.TempDir(), "", logging.NopLogger())
	if err != nil {
		t.Fatalf("store.New error = %v", err)
	}

	engine := &stubEngine{
		runners: make(map[string]tmux.RunFunc),
		openers: make(map[string]tmux.OpenFunc),
	}
	hub := bridge.NewHub(st, logging.NopProvider())
	reg := registry.New(engine, hub, st, "", logging.NopProvider())
	reg.SetLocalExecutors(noServerRunner, nil)

	sender := &stubSender{}
	router := notify.NewRouter(sender, func() time.Duration { return 50 * time.Millisecond }, logging.NopProvider())
	gate := auth.NewGate(st, logging.NopProvider())
	ring := debuglog.NewRing(100)

	s := New(Config{TelegramAllowed: []string{"@alice"}},
		reg, hub, router, gate, st, ring, logging.NopProvider())
	srv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(srv.Close)

	return &testEnv{
		t: t, srv: srv, engine: engine, store: st, ring: ring,
		router: router, sender: sender, gate: gate, hub: hub, reg: reg,
	}
}

// do performs a JSON request and decodes the response into out when
// out is non-nil.
func (e *testEnv) do(method, path string, body any, out any) int {
	e.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			e.t.Fatalf("%s %s decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	var body map[string]string
	if code := env.do(http.MethodGet, "/health", nil, &body); code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestAuthFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	var status struct {
		PinSet        bool `json:"pinSet"`
		Authenticated bool `json:"authenticated"`
	}
	env.do(http.MethodGet, "/api/auth/status", nil, &status)
	if status.PinSet || !status.Authenticated {
		t.Fatalf("pre-setup status = %+v", status)
	}

	// Setup logs the caller in via cookie; the test client has no jar,
	// so later requests must carry it explicitly.
	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/auth/setup",
		bytes.NewReader([]byte(`{"pin":"2468"}`)))
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("setup = %d", resp.StatusCode)
	}
	var session string
	for _, c := range resp.Cookies() {
		if c.Name == auth.CookieName {
			session = c.Value
		}
	}
	if session == "" {
		t.Fatal("setup did not set a session cookie")
	}

	if code := env.do(http.MethodGet, "/api/containers", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("uncookied request after setup = %d, want 401", code)
	}

	req, _ = http.NewRequest(http.MethodGet, env.srv.URL+"/api/containers", nil)
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: session})
	resp, err = env.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("cookied request = %d, want 200", resp.StatusCode)
	}

	if code := env.do(http.MethodPost, "/api/auth/setup", map[string]string{"pin": "1357"}, nil); code != http.StatusBadRequest {
		t.Errorf("second setup = %d, want 400", code)
	}
}

func TestSPAFallback(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir+"/index.html", "<html>deck</html>")
	writeFile(t, dir+"/app.js", "console.log(1)")

	env := newTestEnv(t)
	s := New(Config{StaticDir: dir}, env.reg, env.hub, env.router, env.gate,
		env.store, env.ring, logging.NopProvider())
	srv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(srv.Close)

	for path, want := range map[string]string{
		"/app.js":          "console.log(1)",
		"/sessions/abc123": "<html>deck</html>",
		"/":                "<html>deck</html>",
	} {
		resp, err := srv.Client().Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if string(body) != want {
			t.Errorf("GET %s = %q, want %q", path, body, want)
		}
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
