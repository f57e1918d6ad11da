// pattern: Imperative Shell

package tmux

import (
	"context"
	"strconv"
	"strings"
	"time"

	"tmuxdeck/internal/fault"
)

// commandTimeout bounds every tmux command invocation.
const commandTimeout = 10 * time.Second

// RunFunc executes tmux with the given arguments (binary excluded) on some
// source and returns combined stdout. Implementations exist for local
// processes, container exec, and bridge RPC.
type RunFunc func(ctx context.Context, args []string) (string, error)

// OpenFunc opens an interactive attach stream to a session at the given
// initial size.
type OpenFunc func(ctx context.Context, sessionName string, cols, rows uint16) (StreamHandle, error)

// StreamHandle is a full-duplex byte stream bound to a pane. Two opens of
// the same target yield independent handles; tmux itself multiplexes.
type StreamHandle interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Close() error
}

// Client presents the uniform operation set over one source. The variant
// is fixed by the injected run and open functions.
type Client struct {
	containerID string
	run         RunFunc
	open        OpenFunc
}

// NewClient creates an adapter for one container backed by the given
// executor functions.
func NewClient(containerID string, run RunFunc, open OpenFunc) *Client {
	return &Client{containerID: containerID, run: run, open: open}
}

// ContainerID returns the container this adapter serves.
func (c *Client) ContainerID() string {
	return c.containerID
}

func (c *Client) exec(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := c.run(ctx, args)
	if err != nil {
		return out, classify(err, out)
	}
	return out, nil
}

// ListSessions queries the source for a fresh snapshot, windows included.
// An empty list is a valid result; "no server running" is not an error.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	out, err := c.exec(ctx, "list-sessions", "-F", sessionFormat)
	if err != nil {
		if isNoServer(err) {
			return []Session{}, nil
		}
		return nil, err
	}
	sessions := ParseSessions(c.containerID, out)
	if len(sessions) == 0 {
		return sessions, nil
	}

	wout, err := c.exec(ctx, "list-windows", "-a", "-F", windowFormat)
	if err != nil {
		if isNoServer(err) {
			return sessions, nil
		}
		return nil, err
	}
	return MergeWindows(sessions, ParseWindows(wout)), nil
}

// HasSession reports whether a session with the exact name exists.
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := c.exec(ctx, "has-session", "-t", "="+name)
	if err != nil {
		if fault.IsKind(err, fault.TargetMissing) || isNoServer(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateSession creates a detached session and applies the monitoring
// options every new session gets: activity surfaces as a flag, never as
// an audible bell, and dead panes do not linger.
func (c *Client) CreateSession(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fault.New(fault.InvalidArgument, "session name is empty")
	}

	if _, err := c.exec(ctx, "new-session", "-d", "-s", name); err != nil {
		return err
	}

	opts := [][]string{
		{"set-option", "-t", name, "extended-keys", "always"},
		{"set-option", "-g", "allow-passthrough", "on"},
		{"set-option", "-g", "monitor-activity", "on"},
		{"set-option", "-g", "activity-action", "none"},
		{"set-option", "-g", "remain-on-exit", "off"},
	}
	for _, opt := range opts {
		if _, err := c.exec(ctx, opt...); err != nil {
			// Option tuning is best-effort; older tmux lacks some of these.
			continue
		}
	}
	return nil
}

// KillSession destroys a session.
func (c *Client) KillSession(ctx context.Context, name string) error {
	_, err := c.exec(ctx, "kill-session", "-t", "="+name)
	return err
}

// RenameSession renames a session. A name collision reports NameConflict.
func (c *Client) RenameSession(ctx context.Context, name, newName string) error {
	if strings.TrimSpace(newName) == "" {
		return fault.New(fault.InvalidArgument, "session name is empty")
	}
	if exists, err := c.HasSession(ctx, newName); err == nil && exists {
		return fault.New(fault.NameConflict, "session %q already exists", newName)
	}
	_, err := c.exec(ctx, "rename-session", "-t", "="+name, newName)
	return err
}

// CreateWindow appends a window to a session, optionally named.
func (c *Client) CreateWindow(ctx context.Context, session, name string) error {
	args := []string{"new-window", "-t", session + ":"}
	if name != "" {
		args = append(args, "-n", name)
	}
	_, err := c.exec(ctx, args...)
	return err
}

// KillWindow removes one window.
func (c *Client) KillWindow(ctx context.Context, session string, index int) error {
	_, err := c.exec(ctx, "kill-window", "-t", windowSpec(session, index))
	return err
}

// SwapWindows exchanges two windows within a session. Applying the same
// swap twice restores the original order.
func (c *Client) SwapWindows(ctx context.Context, session string, i, j int) error {
	_, err := c.exec(ctx, "swap-window", "-s", windowSpec(session, i), "-t", windowSpec(session, j))
	return err
}

// MoveWindow relocates a window to the end of another session.
func (c *Client) MoveWindow(ctx context.Context, srcSession string, index int, dstSession string) error {
	_, err := c.exec(ctx, "move-window", "-s", windowSpec(srcSession, index), "-t", dstSession+":")
	return err
}

// RenameWindow renames one window.
func (c *Client) RenameWindow(ctx context.Context, session string, index int, name string) error {
	_, err := c.exec(ctx, "rename-window", "-t", windowSpec(session, index), name)
	return err
}

// SelectWindow makes the given window active for all attached clients.
func (c *Client) SelectWindow(ctx context.Context, session string, index int) error {
	_, err := c.exec(ctx, "select-window", "-t", windowSpec(session, index))
	return err
}

// SelectPane moves pane focus in a direction: one of U, D, L, R.
func (c *Client) SelectPane(ctx context.Context, target Target, direction string) error {
	switch direction {
	case "U", "D", "L", "R":
	default:
		return fault.New(fault.InvalidArgument, "bad pane direction %q", direction)
	}
	_, err := c.exec(ctx, "select-pane", "-"+direction, "-t", target.Spec())
	return err
}

// ToggleZoom toggles zoom on the active pane of the target window.
func (c *Client) ToggleZoom(ctx context.Context, target Target) error {
	_, err := c.exec(ctx, "resize-pane", "-Z", "-t", target.Spec())
	return err
}

// ZoomPane zooms a specific pane; UnzoomPane restores the layout.
func (c *Client) ZoomPane(ctx context.Context, target Target, pane int) error {
	spec := target.Spec() + "." + strconv.Itoa(pane)
	if _, err := c.exec(ctx, "select-pane", "-t", spec); err != nil {
		return err
	}
	_, err := c.exec(ctx, "resize-pane", "-Z", "-t", spec)
	return err
}

// UnzoomPane clears any zoom on the target window.
func (c *Client) UnzoomPane(ctx context.Context, target Target) error {
	out, err := c.exec(ctx, "display-message", "-p", "-t", target.Spec(), "#{window_zoomed_flag}")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) != "1" {
		return nil
	}
	_, err = c.exec(ctx, "resize-pane", "-Z", "-t", target.Spec())
	return err
}

// SendKeys delivers literal bytes to the target pane; no key translation.
func (c *Client) SendKeys(ctx context.Context, target Target, data []byte) error {
	_, err := c.exec(ctx, "send-keys", "-t", target.Spec(), "-l", "--", string(data))
	return err
}

// CapturePane snapshots the target pane. withAnsi keeps escape sequences;
// scrollback captures full history rather than the visible screen.
func (c *Client) CapturePane(ctx context.Context, target Target, withAnsi, scrollback bool) (string, error) {
	args := []string{"capture-pane", "-p", "-t", target.Spec()}
	if withAnsi {
		args = append(args, "-e")
	}
	if scrollback {
		args = append(args, "-S", "-")
	}
	return c.exec(ctx, args...)
}

// CapturePaneAt snapshots a specific pane of a window.
func (c *Client) CapturePaneAt(ctx context.Context, target Target, pane int, withAnsi bool) (string, error) {
	args := []string{"capture-pane", "-p", "-t", target.Spec() + "." + strconv.Itoa(pane)}
	if withAnsi {
		args = append(args, "-e")
	}
	return c.exec(ctx, args...)
}

// AckScroll applies copy-mode scrolling without polluting the stream.
// Entering copy-mode when already in it is harmless.
func (c *Client) AckScroll(ctx context.Context, target Target, direction ScrollDirection, lines int) error {
	if lines <= 0 {
		return fault.New(fault.InvalidArgument, "scroll lines must be positive")
	}

	if _, err := c.exec(ctx, "copy-mode", "-e", "-t", target.Spec()); err != nil {
		return err
	}
	cmd := "scroll-up"
	if direction == ScrollDown {
		cmd = "scroll-down"
	}
	_, err := c.exec(ctx, "send-keys", "-t", target.Spec(), "-X", "-N", strconv.Itoa(lines), cmd)
	return err
}

// ExitScroll leaves copy-mode. Not being in copy-mode is not an error.
func (c *Client) ExitScroll(ctx context.Context, target Target) error {
	_, err := c.exec(ctx, "send-keys", "-t", target.Spec(), "-X", "cancel")
	if err != nil && fault.IsKind(err, fault.SourceUnavailable) {
		return err
	}
	return nil
}

// ListPanes enumerates the panes of the target window.
func (c *Client) ListPanes(ctx context.Context, target Target) ([]Pane, error) {
	out, err := c.exec(ctx, "list-panes", "-t", target.Spec(), "-F", paneFormat)
	if err != nil {
		return nil, err
	}
	return ParsePanes(out), nil
}

// MouseEnabled reports tmux's global mouse option.
func (c *Client) MouseEnabled(ctx context.Context) (bool, error) {
	out, err := c.exec(ctx, "show-options", "-g", "-v", "mouse")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "on", nil
}

// DisableMouse turns the global mouse option off.
func (c *Client) DisableMouse(ctx context.Context) error {
	_, err := c.exec(ctx, "set-option", "-g", "mouse", "off")
	return err
}

// FixBell reasserts silent activity monitoring and clears the bell flag on
// the target window by briefly toggling monitor-bell.
func (c *Client) FixBell(ctx context.Context, target Target) error {
	opts := [][]string{
		{"set-option", "-g", "monitor-activity", "on"},
		{"set-option", "-g", "activity-action", "none"},
		{"set-option", "-g", "bell-action", "none"},
	}
	for _, opt := range opts {
		if _, err := c.exec(ctx, opt...); err != nil {
			return err
		}
	}
	return nil
}

// ClearPaneStatus resets the @pane_status user option to idle on every
// pane of the target window. External hooks set it; clients clear it.
func (c *Client) ClearPaneStatus(ctx context.Context, target Target) error {
	panes, err := c.ListPanes(ctx, target)
	if err != nil {
		return err
	}
	for _, p := range panes {
		spec := target.Spec() + "." + strconv.Itoa(p.Index)
		if _, err := c.exec(ctx, "set-option", "-p", "-t", spec, "@pane_status", "idle"); err != nil {
			return err
		}
	}
	return nil
}

// OpenStream attaches to the session and returns an independent
// full-duplex stream. The caller selects windows via SelectWindow.
func (c *Client) OpenStream(ctx context.Context, target Target, cols, rows uint16) (StreamHandle, error) {
	if c.open == nil {
		return nil, fault.New(fault.SourceUnavailable, "source %q does not support streams", c.containerID)
	}
	handle, err := c.open(ctx, target.Session, cols, rows)
	if err != nil {
		return nil, classify(err, "")
	}
	return handle, nil
}

func windowSpec(session string, index int) string {
	return session + ":" + strconv.Itoa(index)
}

// classify maps tmux/executor failures onto fault kinds by inspecting the
// error text alongside any stderr captured in out. Executors that already
// classify keep their kind.
func classify(err error, out string) error {
	if err == nil {
		return nil
	}
	if fault.KindOf(err) != fault.Internal {
		return err
	}

	text := strings.ToLower(err.Error() + " " + out)
	switch {
	case strings.Contains(text, "duplicate session"):
		return fault.Wrap(fault.NameConflict, err, "tmux")
	case strings.Contains(text, "no server running"),
		strings.Contains(text, "error connecting to"):
		return fault.Wrap(fault.SourceUnavailable, err, "tmux")
	case strings.Contains(text, "can't find session"),
		strings.Contains(text, "can't find window"),
		strings.Contains(text, "can't find pane"),
		strings.Contains(text, "session not found"),
		strings.Contains(text, "window not found"):
		return fault.Wrap(fault.TargetMissing, err, "tmux")
	case strings.Contains(text, "context deadline exceeded"):
		return fault.Wrap(fault.SourceUnavailable, err, "tmux timed out")
	default:
		return fault.Wrap(fault.Internal, err, "tmux")
	}
}

// isNoServer reports whether err means tmux simply has no server yet,
// which list operations treat as an empty result.
func isNoServer(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "no server running") ||
		strings.Contains(text, "error connecting to")
}
