// pattern: Imperative Shell

package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/logging"
	"tmuxdeck/internal/tmux"
)

// Application close codes for terminal channels.
const (
	closeUnauthorized  = websocket.StatusCode(4401)
	closeTargetMissing = websocket.StatusCode(4404)
	closeTargetGone    = websocket.StatusCode(4410)
)

// introspectInterval paces mouse/window-state polling per channel.
const introspectInterval = time.Second

// closeCodeOf maps a classified error onto the channel close code.
func closeCodeOf(err error) websocket.StatusCode {
	switch fault.KindOf(err) {
	case fault.Unauthorized:
		return closeUnauthorized
	case fault.TargetMissing:
		return closeTargetMissing
	case fault.TargetGone:
		return closeTargetGone
	default:
		return websocket.StatusInternalError
	}
}

// terminalChannel is one client WebSocket bound to a pane stream. The
// window target can change over the channel's lifetime; the stream is
// torn down and reopened on each switch.
type terminalChannel struct {
	ws     *websocket.Conn
	client *tmux.Client
	log    *logging.ScopedLogger

	containerID string
	sessionName string

	// writeMu serializes all websocket writes; binary pane output and
	// text control messages come from different goroutines.
	writeMu sync.Mutex

	mu         sync.Mutex
	window     int
	stream     tmux.StreamHandle
	readerDone chan struct{}
	cols       uint16
	rows       uint16

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// handleTerminal upgrades the connection and runs the channel until
// either side goes away.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	containerID := r.PathValue("containerId")
	sessionName := r.PathValue("sessionName")
	window, err := strconv.Atoi(r.PathValue("windowIndex"))
	if err != nil || window < 0 {
		writeError(w, http.StatusBadRequest, "bad window index")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	ws.SetReadLimit(1 << 20)

	ch := &terminalChannel{
		ws:          ws,
		log:         s.logs.For("terminal").With("container", containerID, "session", sessionName),
		containerID: containerID,
		sessionName: sessionName,
		window:      window,
		cols:        80,
		rows:        24,
	}

	client, err := s.registry.Adapter(containerID)
	if err != nil {
		ch.closeWith(closeCodeOf(err), err.Error())
		return
	}
	ch.client = client
	ch.serve(r.Context())
}

func (ch *terminalChannel) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch.cancel = cancel
	defer ch.teardown()

	// The target must exist before any stream opens.
	sess, err := ch.lookupSession(ctx)
	if err != nil {
		ch.closeWith(closeCodeOf(err), err.Error())
		return
	}
	if !hasWindow(sess, ch.window) {
		ch.closeWith(closeTargetMissing, "window not found")
		return
	}

	if err := ch.openStream(ctx, ch.window); err != nil {
		ch.closeWith(closeCodeOf(err), err.Error())
		return
	}

	go ch.introspectLoop(ctx)
	ch.readClient(ctx)
	ch.closeWith(websocket.StatusNormalClosure, "")
}

func (ch *terminalChannel) lookupSession(ctx context.Context) (tmux.Session, error) {
	sessions, err := ch.client.ListSessions(ctx)
	if err != nil {
		return tmux.Session{}, err
	}
	for _, s := range sessions {
		if s.Name == ch.sessionName {
			return s, nil
		}
	}
	return tmux.Session{}, fault.New(fault.TargetMissing, "session %q not found", ch.sessionName)
}

func hasWindow(s tmux.Session, index int) bool {
	for _, w := range s.Windows {
		if w.Index == index {
			return true
		}
	}
	return false
}

func (ch *terminalChannel) target() tmux.Target {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return tmux.Target{ContainerID: ch.containerID, Session: ch.sessionName, Window: ch.window}
}

// openStream selects the window and attaches a fresh stream, starting
// its reader goroutine. Callers must have torn down any prior stream.
func (ch *terminalChannel) openStream(ctx context.Context, window int) error {
	if err := ch.client.SelectWindow(ctx, ch.sessionName, window); err != nil {
		return err
	}

	ch.mu.Lock()
	cols, rows := ch.cols, ch.rows
	ch.mu.Unlock()

	target := tmux.Target{ContainerID: ch.containerID, Session: ch.sessionName, Window: window}
	st, err := ch.client.OpenStream(ctx, target, cols, rows)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	ch.mu.Lock()
	ch.window = window
	ch.stream = st
	ch.readerDone = done
	ch.mu.Unlock()

	go ch.pumpSource(ctx, st, done)
	return nil
}

// pumpSource copies pane output to the client as binary frames. A read
// error on the current stream faults the channel; an error on a stream
// that was already replaced is an intentional teardown.
func (ch *terminalChannel) pumpSource(ctx context.Context, st tmux.StreamHandle, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 32*1024)
	for {
		n, err := st.Read(buf)
		if n > 0 {
			if werr := ch.writeBinary(ctx, buf[:n]); werr != nil {
				ch.cancel()
				return
			}
		}
		if err != nil {
			ch.mu.Lock()
			current := ch.stream == st
			ch.mu.Unlock()
			if current && ctx.Err() == nil {
				ch.fault(ctx, "pane stream ended")
			}
			return
		}
	}
}

// switchWindow tears down the current stream, waits for its reader to
// drain, then opens the new target. No bytes from the old window are
// delivered after the new stream's first frame.
func (ch *terminalChannel) switchWindow(ctx context.Context, window int) error {
	ch.mu.Lock()
	old := ch.stream
	oldDone := ch.readerDone
	ch.stream = nil
	ch.readerDone = nil
	ch.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if oldDone != nil {
		select {
		case <-oldDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ch.openStream(ctx, window)
}

// readClient is the client-to-source pump: binary frames and plain text
// frames are pane input, control text frames are dispatched.
func (ch *terminalChannel) readClient(ctx context.Context) {
	for {
		typ, data, err := ch.ws.Read(ctx)
		if err != nil {
			ch.cancel()
			return
		}
		if typ == websocket.MessageText {
			if verb, rest, ok := parseControl(data); ok {
				ch.handleControl(ctx, verb, rest)
				continue
			}
		}
		ch.writeInput(data)
	}
}

// parseControl splits "VERB:rest". Only text beginning with letters or
// underscores before the first colon is a control message.
func parseControl(data []byte) (string, string, bool) {
	msg := string(data)
	idx := strings.IndexByte(msg, ':')
	if idx <= 0 {
		return "", "", false
	}
	for _, r := range msg[:idx] {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') && r != '_' {
			return "", "", false
		}
	}
	return msg[:idx], msg[idx+1:], true
}

func (ch *terminalChannel) handleControl(ctx context.Context, verb, rest string) {
	var err error
	switch verb {
	case "RESIZE":
		err = ch.resize(rest)
	case "SCROLL":
		err = ch.scroll(ctx, rest)
	case "SELECT_WINDOW":
		var window int
		if window, err = strconv.Atoi(rest); err != nil || window < 0 {
			err = fault.New(fault.InvalidArgument, "bad window index %q", rest)
			break
		}
		if err = ch.switchWindow(ctx, window); err != nil {
			ch.closeWith(closeCodeOf(err), err.Error())
			return
		}
	case "SELECT_PANE":
		err = ch.client.SelectPane(ctx, ch.target(), rest)
	case "TOGGLE_ZOOM":
		err = ch.client.ToggleZoom(ctx, ch.target())
	case "ZOOM_PANE":
		var pane int
		if pane, err = strconv.Atoi(rest); err != nil {
			break
		}
		err = ch.client.ZoomPane(ctx, ch.target(), pane)
	case "UNZOOM_PANE":
		err = ch.client.UnzoomPane(ctx, ch.target())
	case "SHIFT_ENTER":
		ch.writeInput([]byte("\x1b[13;2u"))
	case "FIX_BELL":
		err = ch.client.FixBell(ctx, ch.target())
	case "DISABLE_MOUSE":
		err = ch.client.DisableMouse(ctx)
	case "LIST_PANES":
		err = ch.sendPaneList(ctx, rest)
	case "CAPTURE_PANE":
		err = ch.sendPaneContent(ctx, rest)
	default:
		ch.log.Debug("unknown control message", "verb", verb)
	}
	if err != nil {
		ch.log.Warn("control message failed", "verb", verb, "error", err)
	}
}

// resize applies a size change, dropping values equal to the last one
// applied.
func (ch *terminalChannel) resize(rest string) error {
	colsStr, rowsStr, ok := strings.Cut(rest, ":")
	if !ok {
		return fault.New(fault.InvalidArgument, "bad resize %q", rest)
	}
	cols, err1 := strconv.Atoi(colsStr)
	rows, err2 := strconv.Atoi(rowsStr)
	if err1 != nil || err2 != nil || cols <= 0 || rows <= 0 || cols > 0xffff || rows > 0xffff {
		return fault.New(fault.InvalidArgument, "bad resize %q", rest)
	}

	ch.mu.Lock()
	if uint16(cols) == ch.cols && uint16(rows) == ch.rows {
		ch.mu.Unlock()
		return nil
	}
	ch.cols, ch.rows = uint16(cols), uint16(rows)
	st := ch.stream
	ch.mu.Unlock()

	if st == nil {
		return nil
	}
	return st.Resize(uint16(cols), uint16(rows))
}

func (ch *terminalChannel) scroll(ctx context.Context, rest string) error {
	if rest == "exit" {
		return ch.client.ExitScroll(ctx, ch.target())
	}
	dirStr, linesStr, ok := strings.Cut(rest, ":")
	if !ok {
		return fault.New(fault.InvalidArgument, "bad scroll %q", rest)
	}
	lines, err := strconv.Atoi(linesStr)
	if err != nil {
		return fault.New(fault.InvalidArgument, "bad scroll %q", rest)
	}
	dir := tmux.ScrollUp
	if dirStr == "down" {
		dir = tmux.ScrollDown
	}
	return ch.client.AckScroll(ctx, ch.target(), dir, lines)
}

func (ch *terminalChannel) sendPaneList(ctx context.Context, rest string) error {
	window, err := strconv.Atoi(rest)
	if err != nil {
		return fault.New(fault.InvalidArgument, "bad window index %q", rest)
	}
	target := tmux.Target{ContainerID: ch.containerID, Session: ch.sessionName, Window: window}
	panes, err := ch.client.ListPanes(ctx, target)
	if err != nil {
		return err
	}
	data, err := json.Marshal(panes)
	if err != nil {
		return err
	}
	return ch.writeText(ctx, "PANE_LIST:"+string(data))
}

// sendPaneContent snapshots pane "w.p" and replies PANE_CONTENT:w.p:<text>.
func (ch *terminalChannel) sendPaneContent(ctx context.Context, rest string) error {
	winStr, paneStr, ok := strings.Cut(rest, ".")
	if !ok {
		return fault.New(fault.InvalidArgument, "bad pane spec %q", rest)
	}
	window, err1 := strconv.Atoi(winStr)
	pane, err2 := strconv.Atoi(paneStr)
	if err1 != nil || err2 != nil {
		return fault.New(fault.InvalidArgument, "bad pane spec %q", rest)
	}

	target := tmux.Target{ContainerID: ch.containerID, Session: ch.sessionName, Window: window}
	content, err := ch.client.CapturePaneAt(ctx, target, pane, false)
	if err != nil {
		return err
	}
	return ch.writeText(ctx, "PANE_CONTENT:"+rest+":"+content)
}

// windowState is the 1 Hz WINDOW_STATE payload.
type windowState struct {
	Windows      []tmux.Window `json:"windows"`
	ActiveWindow int           `json:"activeWindow"`
}

// introspectLoop polls mouse mode and window state once per second,
// emitting control messages only on change.
func (ch *terminalChannel) introspectLoop(ctx context.Context) {
	ticker := time.NewTicker(introspectInterval)
	defer ticker.Stop()

	var lastState string
	var lastMouse, mouseKnown bool
	flags := make(map[int][2]bool)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if mouse, err := ch.client.MouseEnabled(ctx); err == nil {
			if !mouseKnown || mouse != lastMouse {
				state := "off"
				if mouse {
					state = "on"
				}
				_ = ch.writeText(ctx, "MOUSE_WARNING:"+state)
				lastMouse, mouseKnown = mouse, true
			}
		}

		sess, err := ch.lookupSession(ctx)
		if err != nil {
			// Transient listing failures are skipped; a dead stream is
			// detected by the source reader.
			continue
		}

		active := -1
		if w, ok := sess.ActiveWindow(); ok {
			active = w.Index
		}
		payload, err := json.Marshal(windowState{Windows: sess.Windows, ActiveWindow: active})
		if err == nil && string(payload) != lastState {
			_ = ch.writeText(ctx, "WINDOW_STATE:"+string(payload))
			lastState = string(payload)
		}

		ch.notifyBells(ctx, sess, flags)
	}
}

// notifyBells emits BELL_WARNING when a bell or activity flag newly
// appears on a window other than the focused one.
func (ch *terminalChannel) notifyBells(ctx context.Context, sess tmux.Session, flags map[int][2]bool) {
	ch.mu.Lock()
	focused := ch.window
	ch.mu.Unlock()

	seen := make(map[int]bool, len(sess.Windows))
	for _, w := range sess.Windows {
		seen[w.Index] = true
		prev := flags[w.Index]
		flags[w.Index] = [2]bool{w.Bell, w.Activity}

		if w.Index == focused {
			continue
		}
		newBell := w.Bell && !prev[0]
		newActivity := w.Activity && !prev[1]
		if !newBell && !newActivity {
			continue
		}
		payload, err := json.Marshal(map[string]any{
			"window": w.Index, "bell": w.Bell, "activity": w.Activity,
		})
		if err == nil {
			_ = ch.writeText(ctx, "BELL_WARNING:"+string(payload))
		}
	}
	for idx := range flags {
		if !seen[idx] {
			delete(flags, idx)
		}
	}
}

func (ch *terminalChannel) writeInput(data []byte) {
	ch.mu.Lock()
	st := ch.stream
	ch.mu.Unlock()
	if st == nil {
		return
	}
	if _, err := st.Write(data); err != nil {
		ch.log.Warn("pane input write failed", "error", err)
	}
}

func (ch *terminalChannel) writeBinary(ctx context.Context, data []byte) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	return ch.ws.Write(ctx, websocket.MessageBinary, data)
}

func (ch *terminalChannel) writeText(ctx context.Context, msg string) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	return ch.ws.Write(ctx, websocket.MessageText, []byte(msg))
}

// fault delivers one human-readable notice and closes with 4410.
func (ch *terminalChannel) fault(ctx context.Context, reason string) {
	_ = ch.writeBinary(ctx, []byte("\r\n[terminal: "+reason+"]\r\n"))
	ch.closeWith(closeTargetGone, reason)
}

func (ch *terminalChannel) closeWith(code websocket.StatusCode, reason string) {
	ch.closeOnce.Do(func() {
		if len(reason) > 120 {
			reason = reason[:120]
		}
		_ = ch.ws.Close(code, reason)
		if ch.cancel != nil {
			ch.cancel()
		}
	})
}

func (ch *terminalChannel) teardown() {
	ch.mu.Lock()
	st := ch.stream
	ch.stream = nil
	ch.mu.Unlock()
	if st != nil {
		_ = st.Close()
	}
}
