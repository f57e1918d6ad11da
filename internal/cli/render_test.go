package cli

import (
	"strings"
	"testing"

	"tmuxdeck/internal/docker"
	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/registry"
	"tmuxdeck/internal/tmux"
)

func listFixture() registry.Snapshot {
	return registry.Snapshot{
		Containers: []registry.Container{
			{
				ID: "c1", Kind: registry.KindDocker, DisplayName: "box", Status: docker.StatusRunning,
				Sessions: []tmux.Session{
					{ID: "aaa111", Name: "main", Windows: []tmux.Window{
						{Index: 0, Name: "bash", Active: true},
						{Index: 1, Name: "logs", Bell: true},
					}},
					{ID: "bbb222", Name: "scratch", Windows: []tmux.Window{
						{Index: 0, Name: "bash", Active: true},
					}},
				},
			},
			{
				ID: "c2", Kind: registry.KindDocker, DisplayName: "idlebox", Status: docker.StatusStopped,
			},
			{
				ID: "local", Kind: registry.KindLocal, DisplayName: "local", Status: docker.StatusRunning,
				Sessions: []tmux.Session{
					{ID: "ccc333", Name: "work", Windows: []tmux.Window{
						{Index: 0, Name: "vim", Active: true, Activity: true},
					}},
				},
			},
		},
	}
}

func TestRenderListUnfiltered(t *testing.T) {
	out, err := renderList(listFixture(), "")
	if err != nil {
		t.Fatalf("renderList error = %v", err)
	}

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "CONTAINER") {
		t.Errorf("header = %q", lines[0])
	}
	// Sessionless containers still show up unfiltered.
	if !strings.Contains(out, "idlebox") {
		t.Errorf("missing sessionless container:\n%s", out)
	}
	if !strings.Contains(lines[1], "bell") {
		t.Errorf("main session should carry the bell flag: %q", lines[1])
	}
}

func TestRenderListFilters(t *testing.T) {
	tests := []struct {
		filter  string
		want    []string
		notWant []string
	}{
		{"attention", []string{"main", "work"}, []string{"scratch", "idlebox"}},
		{"running", []string{"main", "scratch", "work"}, []string{"idlebox"}},
		{"idle", []string{"scratch"}, []string{"main", "work"}},
	}
	for _, tt := range tests {
		out, err := renderList(listFixture(), tt.filter)
		if err != nil {
			t.Fatalf("filter %s: %v", tt.filter, err)
		}
		for _, want := range tt.want {
			if !strings.Contains(out, want) {
				t.Errorf("filter %s: missing %q:\n%s", tt.filter, want, out)
			}
		}
		for _, notWant := range tt.notWant {
			if strings.Contains(out, notWant) {
				t.Errorf("filter %s: unexpected %q:\n%s", tt.filter, notWant, out)
			}
		}
	}
}

func TestRenderListBadFilter(t *testing.T) {
	_, err := renderList(listFixture(), "loud")
	if fault.KindOf(err) != fault.InvalidArgument {
		t.Fatalf("error = %v, want InvalidArgument", err)
	}
}

func TestRenderListDockerError(t *testing.T) {
	snap := listFixture()
	snap.DockerError = "cannot connect to the Docker daemon"
	out, err := renderList(snap, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "docker unavailable: cannot connect") {
		t.Errorf("missing docker note:\n%s", out)
	}
}

func TestRenderFrame(t *testing.T) {
	out := renderFrame("$ ls\nREADME.md go.mod\n", "main")

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "┌─ main ") || !strings.HasSuffix(lines[0], "┐") {
		t.Errorf("top border = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "│ $ ls ") || !strings.HasSuffix(lines[1], " │") {
		t.Errorf("padded line = %q", lines[1])
	}
	if lines[2] != "│ README.md go.mod │" {
		t.Errorf("content line = %q", lines[2])
	}
	if !strings.HasPrefix(lines[3], "└") || !strings.HasSuffix(lines[3], "┘") {
		t.Errorf("bottom border = %q", lines[3])
	}

	// All rows align on visual width.
	w := visualWidth(lines[0])
	for i, line := range lines[1:] {
		if visualWidth(line) != w {
			t.Errorf("line %d width = %d, want %d", i+1, visualWidth(line), w)
		}
	}
}

func TestRenderFrameKeepsColorAndResets(t *testing.T) {
	out := renderFrame("\x1b[31mred\x1b[0m text\n", "w")

	if !strings.Contains(out, "\x1b[31m") {
		t.Error("color sequence was dropped")
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "\x1b") && !strings.Contains(line, "\x1b[0m") {
			t.Errorf("colored line lacks a reset: %q", line)
		}
	}
}

func TestStripANSI(t *testing.T) {
	if got := StripANSI("\x1b[1;32m$\x1b[0m ls"); got != "$ ls" {
		t.Errorf("StripANSI = %q", got)
	}
}
