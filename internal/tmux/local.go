// pattern: Imperative Shell

package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// LocalRunner returns a RunFunc that invokes tmux as a local process.
// socket selects the tmux server socket: empty for the default server
// (the "local" container), a path for the host server ("host").
func LocalRunner(socket string) RunFunc {
	return func(ctx context.Context, args []string) (string, error) {
		argv := baseArgs(socket, args)
		cmd := exec.CommandContext(ctx, "tmux", argv...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			msg := stderr.String()
			if msg == "" {
				msg = err.Error()
			}
			return stdout.String(), fmt.Errorf("tmux %s: %s", args[0], msg)
		}
		return stdout.String(), nil
	}
}

// LocalOpener returns an OpenFunc that attaches to a session under a PTY.
func LocalOpener(socket string) OpenFunc {
	return func(ctx context.Context, sessionName string, cols, rows uint16) (StreamHandle, error) {
		argv := baseArgs(socket, []string{"-u", "attach-session", "-t", "=" + sessionName})
		cmd := exec.Command("tmux", argv...)
		cmd.Env = append(cmd.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")

		if cols == 0 {
			cols = 80
		}
		if rows == 0 {
			rows = 24
		}
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
		if err != nil {
			return nil, fmt.Errorf("tmux attach: %w", err)
		}
		return &ptyStream{ptmx: ptmx, cmd: cmd}, nil
	}
}

func baseArgs(socket string, args []string) []string {
	if socket == "" {
		return args
	}
	return append([]string{"-S", socket}, args...)
}

// ptyStream wraps the attach process's PTY as a StreamHandle.
type ptyStream struct {
	ptmx *os.File
	cmd  *exec.Cmd
}

func (s *ptyStream) Read(p []byte) (int, error)  { return s.ptmx.Read(p) }
func (s *ptyStream) Write(p []byte) (int, error) { return s.ptmx.Write(p) }

func (s *ptyStream) Resize(cols, rows uint16) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (s *ptyStream) Close() error {
	err := s.ptmx.Close()
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	return err
}
