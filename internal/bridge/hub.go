// pattern: Imperative Shell

package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/logging"
	"tmuxdeck/internal/store"
	"tmuxdeck/internal/tmux"
)

// authTimeout bounds the wait for the first (auth) frame.
const authTimeout = 10 * time.Second

// Directory resolves bridge credentials. Satisfied by *store.Store.
type Directory interface {
	Bridges() []store.BridgeRecord
}

// Hub accepts agent connections and exposes the live ones to the
// registry. One connection per bridge record; a newer connection
// supersedes the current one.
type Hub struct {
	dir  Directory
	logs logging.LoggerProvider
	log  *logging.ScopedLogger

	mu    sync.Mutex
	conns map[string]*Conn

	// OnReport receives each accepted session_report. OnChange fires on
	// connect and disconnect. Both are optional and set before serving.
	OnReport func(bridgeID string, sessions []tmux.Session)
	OnChange func(bridgeID string, connected bool)
	// OnLog receives agent-forwarded log lines for the debug ring.
	OnLog func(bridgeID, level, message string)
}

// NewHub creates a hub over the given bridge directory.
func NewHub(dir Directory, logs logging.LoggerProvider) *Hub {
	return &Hub{
		dir:   dir,
		logs:  logs,
		log:   logs.For("bridge.hub"),
		conns: make(map[string]*Conn),
	}
}

// HandleWS upgrades an agent connection and serves it until it closes.
// Agents connect from arbitrary machines, so origin is not restricted.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("bridge accept failed", "error", err)
		return
	}
	ws.SetReadLimit(1 << 20)

	h.serve(r.Context(), ws)
}

// serve authenticates the first frame and runs the connection. Split
// from HandleWS so tests can drive it with a fake socket.
func (h *Hub) serve(ctx context.Context, ws wsConn) {
	rec, name, err := h.authenticate(ctx, ws)
	if err != nil {
		_ = h.writeJSON(ctx, ws, controlFrame{Type: typeAuthError, Error: err.Error()})
		_ = ws.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	if err := h.writeJSON(ctx, ws, controlFrame{Type: typeAuthOK}); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "handshake write failed")
		return
	}

	conn := newConn(rec.ID, name, ws, h.logs.For("bridge."+rec.ID))
	conn.onReport = func(sessions []tmux.Session) {
		if h.OnReport != nil {
			h.OnReport(rec.ID, sessions)
		}
	}
	conn.onLog = func(level, message string) {
		if h.OnLog != nil {
			h.OnLog(rec.ID, level, message)
		}
	}
	conn.onClose = func(c *Conn) {
		h.mu.Lock()
		current := h.conns[rec.ID] == c
		if current {
			delete(h.conns, rec.ID)
		}
		h.mu.Unlock()

		// A superseded connection closing must not report its successor
		// as disconnected.
		if current {
			h.log.Info("bridge disconnected", "bridge", rec.ID, "name", c.name)
			if h.OnChange != nil {
				h.OnChange(rec.ID, false)
			}
		}
	}

	h.mu.Lock()
	prev := h.conns[rec.ID]
	h.conns[rec.ID] = conn
	h.mu.Unlock()

	if prev != nil {
		h.log.Info("bridge superseded", "bridge", rec.ID)
		prev.close(websocket.StatusServiceRestart, "superseded by newer connection")
	}

	h.log.Info("bridge connected", "bridge", rec.ID, "name", name)
	if h.OnChange != nil {
		h.OnChange(rec.ID, true)
	}

	conn.run()
}

// authenticate reads the auth frame and matches its token hash against
// enabled bridge records.
func (h *Hub) authenticate(ctx context.Context, ws wsConn) (store.BridgeRecord, string, error) {
	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	typ, data, err := ws.Read(ctx)
	if err != nil {
		return store.BridgeRecord{}, "", fault.Wrap(fault.Unauthorized, err, "auth frame read")
	}
	if typ != websocket.MessageText {
		return store.BridgeRecord{}, "", fault.New(fault.Unauthorized, "auth frame must be text")
	}

	var frame authFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Auth == "" {
		return store.BridgeRecord{}, "", fault.New(fault.Unauthorized, "malformed auth frame")
	}

	hash := HashToken(frame.Auth)
	for _, rec := range h.dir.Bridges() {
		if rec.TokenHash != hash {
			continue
		}
		if !rec.Enabled {
			return store.BridgeRecord{}, "", fault.New(fault.Unauthorized, "bridge is disabled")
		}
		name := frame.Name
		if name == "" {
			name = rec.Name
		}
		return rec, name, nil
	}
	return store.BridgeRecord{}, "", fault.New(fault.Unauthorized, "unknown bridge token")
}

func (h *Hub) writeJSON(ctx context.Context, ws wsConn, frame controlFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// Conn returns the live connection for a bridge, if any.
func (h *Hub) Conn(bridgeID string) (*Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[bridgeID]
	return c, ok
}

// Connected reports whether the bridge has a live, recently-seen agent.
func (h *Hub) Connected(bridgeID string) bool {
	c, ok := h.Conn(bridgeID)
	return ok && c.Alive()
}

// ConnectedIDs lists bridges with live connections.
func (h *Hub) ConnectedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.conns))
	for id, c := range h.conns {
		if c.Alive() {
			ids = append(ids, id)
		}
	}
	return ids
}

// TmuxRunner returns a RunFunc that proxies adapter commands through the
// bridge's live connection. The connection is resolved per call so a
// reconnect is picked up transparently.
func (h *Hub) TmuxRunner(bridgeID string) tmux.RunFunc {
	return func(ctx context.Context, args []string) (string, error) {
		c, ok := h.Conn(bridgeID)
		if !ok || !c.Alive() {
			return "", fault.New(fault.SourceUnavailable, "bridge not connected")
		}
		return c.Op(ctx, args)
	}
}

// TmuxOpener returns an OpenFunc that opens pane streams through the
// bridge's live connection.
func (h *Hub) TmuxOpener(bridgeID string) tmux.OpenFunc {
	return func(ctx context.Context, sessionName string, cols, rows uint16) (tmux.StreamHandle, error) {
		c, ok := h.Conn(bridgeID)
		if !ok || !c.Alive() {
			return nil, fault.New(fault.SourceUnavailable, "bridge not connected")
		}
		return c.OpenStream(ctx, sessionName, cols, rows)
	}
}

// CloseBridge drops the live connection for one bridge, if any. Used
// when a bridge is disabled or deleted while connected.
func (h *Hub) CloseBridge(bridgeID, reason string) {
	h.mu.Lock()
	c, ok := h.conns[bridgeID]
	if ok {
		delete(h.conns, bridgeID)
	}
	h.mu.Unlock()

	if ok {
		c.close(websocket.StatusNormalClosure, reason)
	}
}

// Shutdown closes every live connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}
