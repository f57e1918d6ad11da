// pattern: Functional Core

package tmux

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"
)

// Session is one tmux session on some source, with its windows attached.
type Session struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	ContainerID string   `json:"containerId"`
	Attached    bool     `json:"attached"`
	CreatedAt   time.Time `json:"createdAt"`
	Windows     []Window `json:"windows"`
}

// Window is one tmux window. Index is not necessarily dense.
type Window struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Active     bool   `json:"active"`
	PaneCount  int    `json:"paneCount"`
	Bell       bool   `json:"bell"`
	Activity   bool   `json:"activity"`
	Command    string `json:"command,omitempty"`
	PaneStatus string `json:"paneStatus,omitempty"`
}

// Pane is one pane within a window.
type Pane struct {
	Index   int    `json:"index"`
	Active  bool   `json:"active"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Title   string `json:"title,omitempty"`
	Command string `json:"command,omitempty"`
}

// Target addresses a window within a session on a specific container.
type Target struct {
	ContainerID string
	Session     string
	Window      int
}

// Spec returns the tmux target specifier "session:window".
func (t Target) Spec() string {
	return fmt.Sprintf("%s:%d", t.Session, t.Window)
}

// ScrollDirection is the direction argument to AckScroll.
type ScrollDirection string

const (
	ScrollUp   ScrollDirection = "up"
	ScrollDown ScrollDirection = "down"
)

// SessionID derives the stable public id for a session: the first twelve
// hex chars of md5 over "containerId:name". Stable across polls as long
// as the session keeps its name.
func SessionID(containerID, name string) string {
	sum := md5.Sum([]byte(containerID + ":" + name))
	return hex.EncodeToString(sum[:])[:12]
}

// ActiveWindow returns the session's active window, if any.
func (s Session) ActiveWindow() (Window, bool) {
	for _, w := range s.Windows {
		if w.Active {
			return w, true
		}
	}
	return Window{}, false
}

// NeedsAttention reports whether any window carries a bell or activity flag.
func (s Session) NeedsAttention() bool {
	for _, w := range s.Windows {
		if w.Bell || w.Activity {
			return true
		}
	}
	return false
}
