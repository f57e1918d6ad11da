// pattern: Functional Core
package cli

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"

	"tmuxdeck/internal/docker"
	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/registry"
	"tmuxdeck/internal/tmux"
)

// renderList formats a registry snapshot as an aligned table. filter
// narrows the session rows: attention keeps sessions with a bell or
// activity flag, running keeps sessions on running containers, idle
// keeps flagless sessions.
func renderList(snap registry.Snapshot, filter string) (string, error) {
	switch filter {
	case "", "attention", "running", "idle":
	default:
		return "", fault.New(fault.InvalidArgument, "unknown filter %q (want attention, running or idle)", filter)
	}

	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTAINER\tKIND\tSTATUS\tSESSION\tID\tWINDOWS\tFLAGS")

	for _, c := range snap.Containers {
		if len(c.Sessions) == 0 {
			if filter == "" {
				fmt.Fprintf(tw, "%s\t%s\t%s\t-\t-\t-\t-\n", c.DisplayName, c.Kind, c.Status)
			}
			continue
		}
		for _, s := range c.Sessions {
			if !sessionMatches(c, s, filter) {
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				c.DisplayName, c.Kind, c.Status, s.Name, s.ID, len(s.Windows), sessionFlags(s))
		}
	}
	_ = tw.Flush()

	if snap.DockerError != "" {
		fmt.Fprintf(&buf, "\ndocker unavailable: %s\n", snap.DockerError)
	}
	return buf.String(), nil
}

func sessionMatches(c registry.Container, s tmux.Session, filter string) bool {
	switch filter {
	case "attention":
		return s.NeedsAttention()
	case "running":
		return c.Status == docker.StatusRunning
	case "idle":
		return !s.NeedsAttention()
	default:
		return true
	}
}

func sessionFlags(s tmux.Session) string {
	var bell, activity bool
	for _, w := range s.Windows {
		bell = bell || w.Bell
		activity = activity || w.Activity
	}
	var flags []string
	if bell {
		flags = append(flags, "bell")
	}
	if activity {
		flags = append(flags, "activity")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

// renderFrame wraps captured pane content in a box-drawn frame with the
// session name in the top border. Escape sequences inside content keep
// their visual width; a reset is appended per line so colors do not
// bleed into the frame.
func renderFrame(content, title string) string {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")

	width := visualWidth(title) + 2
	for _, line := range lines {
		if w := visualWidth(line); w > width {
			width = w
		}
	}
	inner := width + 2

	var b strings.Builder
	head := "─ " + title + " "
	b.WriteString("┌" + head + strings.Repeat("─", inner-visualWidth(title)-3) + "┐\n")
	for _, line := range lines {
		pad := strings.Repeat(" ", width-visualWidth(line))
		if strings.Contains(line, "\x1b") {
			line += "\x1b[0m"
		}
		b.WriteString("│ " + line + pad + " │\n")
	}
	b.WriteString("└" + strings.Repeat("─", inner) + "┘\n")
	return b.String()
}
