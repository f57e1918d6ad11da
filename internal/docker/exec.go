// pattern: Imperative Shell

package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/tmux"
)

// ExecCommand runs a command inside a running container and returns its
// combined output. The exec runs under a TTY so stdout and stderr arrive
// as one raw stream.
func (m *Manager) ExecCommand(ctx context.Context, containerID string, cmd []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()

	created, err := m.api.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Env:          []string{"TERM=xterm-256color"},
	})
	if err != nil {
		return "", m.classify(err, "docker exec create")
	}

	attach, err := m.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return "", m.classify(err, "docker exec attach")
	}
	defer attach.Close()

	out, err := io.ReadAll(attach.Reader)
	if err != nil {
		return "", fault.Wrap(fault.Internal, err, "docker exec read")
	}

	inspect, err := m.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return "", m.classify(err, "docker exec inspect")
	}
	if inspect.ExitCode != 0 {
		return string(out), fmt.Errorf("exit %d: %s", inspect.ExitCode, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// TmuxRunner adapts the exec API to the adapter's RunFunc for one container.
func (m *Manager) TmuxRunner(containerID string) tmux.RunFunc {
	return func(ctx context.Context, args []string) (string, error) {
		return m.ExecCommand(ctx, containerID, append([]string{"tmux"}, args...))
	}
}

// TmuxOpener adapts interactive exec to the adapter's OpenFunc for one
// container. The returned stream resizes through the exec resize API.
func (m *Manager) TmuxOpener(containerID string) tmux.OpenFunc {
	return func(ctx context.Context, sessionName string, cols, rows uint16) (tmux.StreamHandle, error) {
		if cols == 0 {
			cols = 80
		}
		if rows == 0 {
			rows = 24
		}
		size := [2]uint{uint(rows), uint(cols)}

		created, err := m.api.ContainerExecCreate(ctx, containerID, container.ExecOptions{
			Cmd:          []string{"tmux", "-u", "attach-session", "-t", "=" + sessionName},
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			Tty:          true,
			Env:          []string{"TERM=xterm-256color", "COLORTERM=truecolor"},
			ConsoleSize:  &size,
		})
		if err != nil {
			return nil, m.classify(err, "docker exec create")
		}

		attach, err := m.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{
			Tty:         true,
			ConsoleSize: &size,
		})
		if err != nil {
			return nil, m.classify(err, "docker exec attach")
		}

		return &execStream{api: m.api, execID: created.ID, conn: attach}, nil
	}
}

// execStream is a StreamHandle over a hijacked exec connection.
type execStream struct {
	api    API
	execID string
	conn   types.HijackedResponse
}

func (s *execStream) Read(p []byte) (int, error) {
	return s.conn.Reader.Read(p)
}

func (s *execStream) Write(p []byte) (int, error) {
	return s.conn.Conn.Write(p)
}

func (s *execStream) Resize(cols, rows uint16) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.api.ContainerExecResize(ctx, s.execID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

func (s *execStream) Close() error {
	s.conn.Close()
	return nil
}
