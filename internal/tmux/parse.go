// pattern: Functional Core

package tmux

import (
	"bufio"
	"strconv"
	"strings"
	"time"
)

// sep is the field delimiter used in every -F format string. The ASCII
// unit separator cannot appear in tmux-legal session or window names.
const sep = "\x1f"

// Format strings handed to tmux. Window and pane formats may grow trailing
// fields across tmux versions; parsers tolerate missing ones.
const (
	sessionFormat = "#{session_name}" + sep + "#{session_created}" + sep + "#{session_attached}"
	windowFormat  = "#{session_name}" + sep + "#{window_index}" + sep + "#{window_name}" + sep +
		"#{window_active}" + sep + "#{window_panes}" + sep + "#{window_bell_flag}" + sep +
		"#{window_activity_flag}" + sep + "#{pane_current_command}" + sep + "#{@pane_status}"
	paneFormat = "#{pane_index}" + sep + "#{pane_active}" + sep + "#{pane_width}" + sep +
		"#{pane_height}" + sep + "#{pane_title}" + sep + "#{pane_current_command}"
)

// ParseSessions parses `list-sessions -F sessionFormat` output. Windows
// are attached separately via ParseWindows. Malformed lines are skipped.
func ParseSessions(containerID, output string) []Session {
	sessions := []Session{}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, sep)
		if len(fields) < 1 || fields[0] == "" {
			continue
		}

		s := Session{
			Name:        fields[0],
			ContainerID: containerID,
			ID:          SessionID(containerID, fields[0]),
			Windows:     []Window{},
		}
		if len(fields) > 1 {
			if unix, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				s.CreatedAt = time.Unix(unix, 0).UTC()
			}
		}
		if len(fields) > 2 {
			s.Attached = parseFlag(fields[2])
		}
		sessions = append(sessions, s)
	}
	return sessions
}

// ParseWindows parses `list-windows -a -F windowFormat` output into a map
// keyed by session name. Fields past window_panes are optional so output
// from older tmux versions still parses.
func ParseWindows(output string) map[string][]Window {
	windows := make(map[string][]Window)

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, sep)
		if len(fields) < 4 {
			continue
		}

		idx, err := strconv.Atoi(fields[1])
		if err != nil || idx < 0 {
			continue
		}

		w := Window{
			Index:     idx,
			Name:      fields[2],
			Active:    parseFlag(fields[3]),
			PaneCount: 1,
		}
		if len(fields) > 4 {
			if n, err := strconv.Atoi(fields[4]); err == nil && n >= 1 {
				w.PaneCount = n
			}
		}
		if len(fields) > 5 {
			w.Bell = parseFlag(fields[5])
		}
		if len(fields) > 6 {
			w.Activity = parseFlag(fields[6])
		}
		if len(fields) > 7 {
			w.Command = fields[7]
		}
		if len(fields) > 8 {
			w.PaneStatus = fields[8]
		}

		session := fields[0]
		windows[session] = append(windows[session], w)
	}

	for session := range windows {
		sortWindows(windows[session])
	}
	return windows
}

// ParsePanes parses `list-panes -F paneFormat` output.
func ParsePanes(output string) []Pane {
	panes := []Pane{}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, sep)
		if len(fields) < 2 {
			continue
		}

		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}

		p := Pane{Index: idx, Active: parseFlag(fields[1])}
		if len(fields) > 2 {
			p.Width, _ = strconv.Atoi(fields[2])
		}
		if len(fields) > 3 {
			p.Height, _ = strconv.Atoi(fields[3])
		}
		if len(fields) > 4 {
			p.Title = fields[4]
		}
		if len(fields) > 5 {
			p.Command = fields[5]
		}
		panes = append(panes, p)
	}
	return panes
}

// MergeWindows attaches parsed windows to their sessions, preserving
// session order. Sessions with no window rows keep an empty slice.
func MergeWindows(sessions []Session, windows map[string][]Window) []Session {
	for i := range sessions {
		if w, ok := windows[sessions[i].Name]; ok {
			sessions[i].Windows = w
		}
	}
	return sessions
}

func parseFlag(s string) bool {
	return s == "1"
}

// sortWindows orders by index ascending. Insertion sort: window counts
// are tiny.
func sortWindows(ws []Window) {
	for i := 1; i < len(ws); i++ {
		for j := i; j > 0 && ws[j].Index < ws[j-1].Index; j-- {
			ws[j], ws[j-1] = ws[j-1], ws[j]
		}
	}
}
