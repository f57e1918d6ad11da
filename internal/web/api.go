// pattern: Imperative Shell

package web

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"tmuxdeck/internal/auth"
	"tmuxdeck/internal/bridge"
	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/notify"
	"tmuxdeck/internal/registry"
	"tmuxdeck/internal/store"
	"tmuxdeck/internal/tmux"
)

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeFault maps a classified error onto its HTTP status.
func writeFault(w http.ResponseWriter, err error) {
	writeError(w, statusOf(err), err.Error())
}

func statusOf(err error) int {
	switch fault.KindOf(err) {
	case fault.Unauthorized:
		return http.StatusUnauthorized
	case fault.TargetMissing:
		return http.StatusNotFound
	case fault.SourceUnavailable:
		return http.StatusServiceUnavailable
	case fault.NameConflict:
		return http.StatusConflict
	case fault.InvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ---- auth ----

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"pinSet":        s.gate.PinSet(),
		"authenticated": s.gate.Authenticated(r),
	})
}

type pinRequest struct {
	Pin        string `json:"pin"`
	CurrentPin string `json:"currentPin,omitempty"`
}

func (s *Server) handleAuthSetup(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.gate.Setup(req.Pin); err != nil {
		writeFault(w, err)
		return
	}
	token, err := s.gate.Login(req.Pin)
	if err != nil {
		writeFault(w, err)
		return
	}
	auth.SetCookie(w, token)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	token, err := s.gate.Login(req.Pin)
	if err != nil {
		writeFault(w, err)
		return
	}
	auth.SetCookie(w, token)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.CookieName); err == nil {
		s.gate.Logout(cookie.Value)
	}
	auth.ClearCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthChangePin(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.gate.ChangePin(req.CurrentPin, req.Pin); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- containers ----

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Poll(r.Context())
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStartContainer(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Start(r.Context(), r.PathValue("id")); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStopContainer(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Stop(r.Context(), r.PathValue("id")); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleRenameContainer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.registry.Rename(r.Context(), r.PathValue("id"), req.Name); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

func (s *Server) handleRemoveContainer(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// ---- sessions ----

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	client, err := s.registry.Adapter(id)
	if err != nil {
		writeFault(w, err)
		return
	}
	sessions, err := client.ListSessions(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	client, err := s.registry.Adapter(id)
	if err != nil {
		writeFault(w, err)
		return
	}
	if exists, err := client.HasSession(r.Context(), req.Name); err == nil && exists {
		writeError(w, http.StatusConflict, "session already exists")
		return
	}
	if err := client.CreateSession(r.Context(), req.Name); err != nil {
		writeFault(w, err)
		return
	}

	s.registry.Kick()
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":   tmux.SessionID(id, req.Name),
		"name": req.Name,
	})
}

// resolveSession finds the session named in the path and its adapter.
func (s *Server) resolveSession(r *http.Request) (registry.Container, tmux.Session, *tmux.Client, error) {
	id := r.PathValue("id")
	c, sess, ok := s.registry.ResolveSession(id)
	if !ok {
		return registry.Container{}, tmux.Session{}, nil, fault.New(fault.TargetMissing, "session %q not found", id)
	}
	client, err := s.registry.Adapter(c.ID)
	if err != nil {
		return registry.Container{}, tmux.Session{}, nil, err
	}
	return c, sess, client, nil
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	_, sess, client, err := s.resolveSession(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := client.KillSession(r.Context(), sess.Name); err != nil {
		writeFault(w, err)
		return
	}
	s.registry.Kick()
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	_, sess, client, err := s.resolveSession(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := client.RenameSession(r.Context(), sess.Name, req.Name); err != nil {
		writeFault(w, err)
		return
	}
	s.registry.Kick()
	writeJSON(w, http.StatusOK, map[string]string{
		"id":   tmux.SessionID(sess.ContainerID, req.Name),
		"name": req.Name,
	})
}

func (s *Server) handleCaptureSession(w http.ResponseWriter, r *http.Request) {
	_, sess, client, err := s.resolveSession(r)
	if err != nil {
		writeFault(w, err)
		return
	}

	window := 0
	if v := r.URL.Query().Get("window"); v != "" {
		window, err = strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad window index")
			return
		}
	} else if active, ok := sess.ActiveWindow(); ok {
		window = active.Index
	}
	withAnsi := r.URL.Query().Get("ansi") == "1"
	scrollback := r.URL.Query().Get("scrollback") == "1"

	target := tmux.Target{ContainerID: sess.ContainerID, Session: sess.Name, Window: window}
	content, err := client.CapturePane(r.Context(), target, withAnsi, scrollback)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (s *Server) handleClearSessionStatus(w http.ResponseWriter, r *http.Request) {
	_, sess, client, err := s.resolveSession(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	for _, win := range sess.Windows {
		target := tmux.Target{ContainerID: sess.ContainerID, Session: sess.Name, Window: win.Index}
		if err := client.ClearPaneStatus(r.Context(), target); err != nil {
			writeFault(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// ---- windows ----

func windowIndex(r *http.Request) (int, error) {
	idx, err := strconv.Atoi(r.PathValue("idx"))
	if err != nil || idx < 0 {
		return 0, fault.New(fault.InvalidArgument, "bad window index")
	}
	return idx, nil
}

func (s *Server) handleCreateWindow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	_, sess, client, err := s.resolveSession(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := client.CreateWindow(r.Context(), sess.Name, req.Name); err != nil {
		writeFault(w, err)
		return
	}
	s.registry.Kick()
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (s *Server) handleKillWindow(w http.ResponseWriter, r *http.Request) {
	idx, err := windowIndex(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	_, sess, client, err := s.resolveSession(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := client.KillWindow(r.Context(), sess.Name, idx); err != nil {
		writeFault(w, err)
		return
	}
	s.registry.Kick()
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) handleSwapWindows(w http.ResponseWriter, r *http.Request) {
	var req struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	_, sess, client, err := s.resolveSession(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := client.SwapWindows(r.Context(), sess.Name, req.A, req.B); err != nil {
		writeFault(w, err)
		return
	}
	s.registry.Kick()
	writeJSON(w, http.StatusOK, map[string]string{"status": "swapped"})
}

func (s *Server) handleRenameWindow(w http.ResponseWriter, r *http.Request) {
	idx, err := windowIndex(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	_, sess, client, err := s.resolveSession(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := client.RenameWindow(r.Context(), sess.Name, idx, req.Name); err != nil {
		writeFault(w, err)
		return
	}
	s.registry.Kick()
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

func (s *Server) handleMoveWindow(w http.ResponseWriter, r *http.Request) {
	idx, err := windowIndex(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	var req struct {
		DstSessionID string `json:"dstSessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DstSessionID == "" {
		writeError(w, http.StatusBadRequest, "dstSessionId is required")
		return
	}

	c, sess, client, err := s.resolveSession(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	dstC, dstSess, ok := s.registry.ResolveSession(req.DstSessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "destination session not found")
		return
	}
	// tmux can only move windows within one server.
	if dstC.ID != c.ID {
		writeError(w, http.StatusBadRequest, "cannot move windows across containers")
		return
	}

	if err := client.MoveWindow(r.Context(), sess.Name, idx, dstSess.Name); err != nil {
		writeFault(w, err)
		return
	}
	s.registry.Kick()
	writeJSON(w, http.StatusOK, map[string]string{"status": "moved"})
}

func (s *Server) handleClearWindowStatus(w http.ResponseWriter, r *http.Request) {
	idx, err := windowIndex(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	_, sess, client, err := s.resolveSession(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	target := tmux.Target{ContainerID: sess.ContainerID, Session: sess.Name, Window: idx}
	if err := client.ClearPaneStatus(r.Context(), target); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// ---- templates ----

func (s *Server) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Templates())
}

func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl store.Template
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil || tpl.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()[:8]
	}
	tpl.BuiltIn = false
	if err := s.store.SaveTemplate(tpl); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl store.Template
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	tpl.ID = r.PathValue("id")
	tpl.BuiltIn = false
	if err := s.store.SaveTemplate(tpl); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTemplate(r.PathValue("id")); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ---- settings ----

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Settings())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var incoming store.Settings
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	updated, err := s.store.UpdateSettings(func(cur *store.Settings) {
		// Chat registrations survive settings saves from clients that do
		// not know about them.
		chats := cur.TelegramChats
		*cur = incoming
		if cur.TelegramChats == nil {
			cur.TelegramChats = chats
		}
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ---- bridges ----

type bridgeResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	Connected bool      `json:"connected"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) bridgeResponse(rec store.BridgeRecord) bridgeResponse {
	connected := s.hub != nil && s.hub.Connected(rec.ID)
	return bridgeResponse{
		ID: rec.ID, Name: rec.Name, Enabled: rec.Enabled,
		Connected: connected, CreatedAt: rec.CreatedAt,
	}
}

func (s *Server) handleListBridges(w http.ResponseWriter, _ *http.Request) {
	records := s.store.Bridges()
	out := make([]bridgeResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, s.bridgeResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreateBridge returns the cleartext token exactly once; only its
// hash is persisted.
func (s *Server) handleCreateBridge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	rec := store.BridgeRecord{
		ID:        uuid.NewString()[:8],
		Name:      req.Name,
		TokenHash: bridge.HashToken(token),
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveBridge(rec); err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"bridge": s.bridgeResponse(rec),
		"token":  token,
	})
}

func (s *Server) handleUpdateBridge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := s.store.Bridge(id)
	if !ok {
		writeError(w, http.StatusNotFound, "bridge not found")
		return
	}

	var req struct {
		Name    *string `json:"name"`
		Enabled *bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Name != nil && *req.Name != "" {
		rec.Name = *req.Name
	}
	if req.Enabled != nil {
		rec.Enabled = *req.Enabled
	}
	if err := s.store.SaveBridge(rec); err != nil {
		writeFault(w, err)
		return
	}

	// Disabling cuts a live connection.
	if req.Enabled != nil && !*req.Enabled && s.hub != nil {
		s.hub.CloseBridge(id, "bridge disabled")
	}
	writeJSON(w, http.StatusOK, s.bridgeResponse(rec))
}

// handleDeleteBridge cascades: the live connection closes and the
// synthesized container disappears with its sessions.
func (s *Server) handleDeleteBridge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteBridge(id); err != nil {
		writeFault(w, err)
		return
	}
	if s.hub != nil {
		s.hub.CloseBridge(id, "bridge deleted")
	}
	s.registry.DropBridgeSessions(id)
	s.registry.Kick()
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ---- notifications ----

func (s *Server) handleListNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.router.List())
}

func (s *Server) handlePostNotification(w http.ResponseWriter, r *http.Request) {
	var n notify.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if n.Kind == "" {
		n.Kind = notify.KindAlert
	}
	posted, err := s.router.Post(n)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, posted)
}

func (s *Server) handleDismissNotifications(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContainerID string `json:"containerId"`
		SessionName string `json:"sessionName"`
		WindowIndex *int   `json:"windowIndex"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContainerID == "" || req.SessionName == "" {
		writeError(w, http.StatusBadRequest, "containerId and sessionName are required")
		return
	}
	window := -1
	if req.WindowIndex != nil {
		window = *req.WindowIndex
	}
	count := s.router.Dismiss(req.ContainerID, req.SessionName, window)
	writeJSON(w, http.StatusOK, map[string]int{"dismissed": count})
}

// ---- debug ring ----

func (s *Server) handleGetDebugLog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ring.Snapshot())
}

func (s *Server) handlePostDebugLog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level   string `json:"level"`
		Source  string `json:"source"`
		Message string `json:"message"`
		Detail  string `json:"detail,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.Source == "" {
		req.Source = "client"
	}
	id := s.ring.Add(req.Level, "ui:"+req.Source, req.Message, req.Detail)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleClearDebugLog(w http.ResponseWriter, _ *http.Request) {
	s.ring.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// ---- telegram ----

func (s *Server) handleListTelegramChats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Settings().TelegramChats)
}

func (s *Server) handleDeleteTelegramChat(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(r.PathValue("chatId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad chat id")
		return
	}
	removed := false
	_, err = s.store.UpdateSettings(func(cur *store.Settings) {
		kept := make([]store.TelegramChat, 0, len(cur.TelegramChats))
		for _, chat := range cur.TelegramChats {
			if chat.ChatID == chatID {
				removed = true
				continue
			}
			kept = append(kept, chat)
		}
		cur.TelegramChats = kept
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "chat not registered")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleTelegramReply is the Bot API webhook: a reply to a routed
// notification is typed into the originating pane.
func (s *Server) handleTelegramReply(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	defer func() { _ = body.Close() }()

	buf, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	reply, err := notify.ParseReply(buf)
	if err != nil {
		// Telegram retries non-200 responses forever; acknowledge and drop.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if !s.allowed[reply.FromUsername] {
		s.logger.Warn("telegram reply from unlisted user", "username", reply.FromUsername)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if reply.Text == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	client, err := s.registry.Adapter(reply.ContainerID)
	if err != nil {
		writeFault(w, err)
		return
	}
	target := tmux.Target{ContainerID: reply.ContainerID, Session: reply.SessionName, Window: reply.WindowIndex}
	if err := client.SendKeys(r.Context(), target, []byte(reply.Text+"\r")); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
