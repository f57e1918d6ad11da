// pattern: Imperative Shell

package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tmuxdeck/internal/auth"
	"tmuxdeck/internal/bridge"
	"tmuxdeck/internal/debuglog"
	"tmuxdeck/internal/logging"
	"tmuxdeck/internal/notify"
	"tmuxdeck/internal/registry"
	"tmuxdeck/internal/store"
)

// Config holds web server configuration.
type Config struct {
	Bind      string
	Port      int
	StaticDir string
	// TelegramAllowed gates the reply webhook; empty means closed.
	TelegramAllowed []string
}

// Server serves the HTTP API, the terminal and bridge websockets, the
// SSE streams and the static client.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	addr       string
	staticDir  string
	allowed    map[string]bool

	registry *registry.Registry
	hub      *bridge.Hub
	router   *notify.Router
	gate     *auth.Gate
	store    *store.Store
	ring     *debuglog.Ring

	logs   logging.LoggerProvider
	logger *logging.ScopedLogger
}

// New wires the API over the given services. All services must be
// non-nil except hub, which may be nil when bridges are disabled.
func New(cfg Config, reg *registry.Registry, hub *bridge.Hub, router *notify.Router,
	gate *auth.Gate, st *store.Store, ring *debuglog.Ring, logs logging.LoggerProvider) *Server {

	addr := fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port)
	mux := http.NewServeMux()

	allowed := make(map[string]bool, len(cfg.TelegramAllowed))
	for _, u := range cfg.TelegramAllowed {
		allowed[strings.TrimPrefix(u, "@")] = true
	}

	s := &Server{
		addr:      addr,
		staticDir: cfg.StaticDir,
		allowed:   allowed,
		registry:  reg,
		hub:       hub,
		router:    router,
		gate:      gate,
		store:     st,
		ring:      ring,
		logs:      logs,
		logger:    logs.For("web"),
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           gate.Middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	mux.HandleFunc("POST /api/auth/setup", s.handleAuthSetup)
	mux.HandleFunc("POST /api/auth/login", s.handleAuthLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleAuthLogout)
	mux.HandleFunc("POST /api/auth/change-pin", s.handleAuthChangePin)

	mux.HandleFunc("GET /api/containers", s.handleListContainers)
	mux.HandleFunc("POST /api/containers", s.handleCreateContainer)
	mux.HandleFunc("POST /api/containers/{id}/start", s.handleStartContainer)
	mux.HandleFunc("POST /api/containers/{id}/stop", s.handleStopContainer)
	mux.HandleFunc("POST /api/containers/{id}/rename", s.handleRenameContainer)
	mux.HandleFunc("DELETE /api/containers/{id}", s.handleRemoveContainer)
	mux.HandleFunc("GET /api/containers/{id}/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/containers/{id}/sessions", s.handleCreateSession)

	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleKillSession)
	mux.HandleFunc("POST /api/sessions/{id}/rename", s.handleRenameSession)
	mux.HandleFunc("GET /api/sessions/{id}/capture", s.handleCaptureSession)
	mux.HandleFunc("POST /api/sessions/{id}/clear-status", s.handleClearSessionStatus)
	mux.HandleFunc("POST /api/sessions/{id}/windows", s.handleCreateWindow)
	mux.HandleFunc("POST /api/sessions/{id}/windows/swap", s.handleSwapWindows)
	mux.HandleFunc("DELETE /api/sessions/{id}/windows/{idx}", s.handleKillWindow)
	mux.HandleFunc("POST /api/sessions/{id}/windows/{idx}/rename", s.handleRenameWindow)
	mux.HandleFunc("POST /api/sessions/{id}/windows/{idx}/move", s.handleMoveWindow)
	mux.HandleFunc("POST /api/sessions/{id}/windows/{idx}/clear-status", s.handleClearWindowStatus)

	mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	mux.HandleFunc("POST /api/templates", s.handleSaveTemplate)
	mux.HandleFunc("PUT /api/templates/{id}", s.handleUpdateTemplate)
	mux.HandleFunc("DELETE /api/templates/{id}", s.handleDeleteTemplate)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)

	mux.HandleFunc("GET /api/bridges", s.handleListBridges)
	mux.HandleFunc("POST /api/bridges", s.handleCreateBridge)
	mux.HandleFunc("PUT /api/bridges/{id}", s.handleUpdateBridge)
	mux.HandleFunc("DELETE /api/bridges/{id}", s.handleDeleteBridge)

	mux.HandleFunc("GET /api/notifications", s.handleListNotifications)
	mux.HandleFunc("POST /api/notifications", s.handlePostNotification)
	mux.HandleFunc("POST /api/notifications/dismiss", s.handleDismissNotifications)
	mux.HandleFunc("GET /api/notifications/stream", s.handleNotificationStream)

	mux.HandleFunc("GET /api/debug-log", s.handleGetDebugLog)
	mux.HandleFunc("POST /api/debug-log", s.handlePostDebugLog)
	mux.HandleFunc("DELETE /api/debug-log", s.handleClearDebugLog)

	mux.HandleFunc("GET /api/telegram-chats", s.handleListTelegramChats)
	mux.HandleFunc("DELETE /api/telegram-chats/{chatId}", s.handleDeleteTelegramChat)
	mux.HandleFunc("POST /api/telegram/reply", s.handleTelegramReply)

	mux.HandleFunc("GET /ws/terminal/{containerId}/{sessionName}/{windowIndex}", s.handleTerminal)
	if hub != nil {
		mux.HandleFunc("GET /ws/bridge", hub.HandleWS)
	}

	mux.Handle("/", s.spaHandler())

	return s
}

// spaHandler serves the static client directory. Unknown paths fall back
// to index.html for client-side routing; no static dir serves a stub.
func (s *Server) spaHandler() http.Handler {
	if s.staticDir == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("tmuxdeck server\n"))
		})
	}
	fileServer := http.FileServer(http.Dir(s.staticDir))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		if path != "" {
			if _, err := os.Stat(filepath.Join(s.staticDir, filepath.FromSlash(path))); os.IsNotExist(err) {
				r.URL.Path = "/"
			}
		}
		fileServer.ServeHTTP(w, r)
	})
}

// Listen binds the server and returns the listener. The two-step
// listen/serve split lets callers learn the bound address (ephemeral
// port 0) before the server blocks.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("web server listen: %w", err)
	}
	s.listener = ln
	return ln, nil
}

// Serve accepts connections on the listener. Blocks until shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("web server started", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Addr returns the bound address. Valid after Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("web server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
