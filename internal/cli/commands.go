// pattern: Imperative Shell
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/instance"
)

// backend locates the running server and hands out HTTP clients.
type backend struct {
	discover func() (string, error)
}

func (b *backend) client() (*instance.Client, error) {
	baseURL, err := b.discover()
	if err != nil {
		return nil, err
	}
	return instance.NewClient(baseURL), nil
}

// BuildApp wires the CLI commands against the server reachable through
// the given lock and port files.
func BuildApp(version, lockPath, portPath string) *App {
	return buildApp(version, &backend{
		discover: func() (string, error) { return instance.Discover(lockPath, portPath) },
	}, os.Stdout)
}

func buildApp(version string, b *backend, out io.Writer) *App {
	app := NewApp(version)
	app.out = out

	app.AddCommand(&Command{
		Name:    "list",
		Summary: "List containers, sessions and windows",
		Usage:   "Usage: tmuxdeck list [--filter attention|running|idle]",
		Run:     func(args []string) error { return runList(b, out, args) },
	})

	app.AddCommand(&Command{
		Name:    "capture",
		Summary: "Print the text of a session's pane",
		Usage:   "Usage: tmuxdeck capture <sessionId> [-w N] [-o FILE] [--ansi]",
		Run:     func(args []string) error { return runCapture(b, out, args) },
	})

	app.AddCommand(&Command{
		Name:    "screenshot",
		Summary: "Render a framed snapshot of a session's pane",
		Usage:   "Usage: tmuxdeck screenshot <sessionId> [-w N] [-o FILE]",
		Run:     func(args []string) error { return runScreenshot(b, out, args) },
	})

	app.AddCommand(&Command{
		Name:    "version",
		Summary: "Print version and exit",
		Usage:   "Usage: tmuxdeck version",
		Run: func(args []string) error {
			fmt.Fprintln(out, version)
			return nil
		},
	})

	return app
}

func runList(b *backend, out io.Writer, args []string) error {
	fs := newFlagSet("list")
	filter := fs.String("filter", "", "attention|running|idle")
	if err := parseFlags(fs, args, 0); err != nil {
		return err
	}

	client, err := b.client()
	if err != nil {
		return err
	}
	snap, err := client.Snapshot()
	if err != nil {
		return err
	}
	text, err := renderList(snap, *filter)
	if err != nil {
		return err
	}
	_, err = io.WriteString(out, text)
	return err
}

func runCapture(b *backend, out io.Writer, args []string) error {
	fs := newFlagSet("capture")
	window := fs.IntP("window", "w", -1, "window index (default: active window)")
	outFile := fs.StringP("output", "o", "", "write to FILE instead of stdout")
	withAnsi := fs.Bool("ansi", false, "keep escape sequences")
	if err := parseFlags(fs, args, 1); err != nil {
		return err
	}

	client, err := b.client()
	if err != nil {
		return err
	}
	content, err := client.Capture(fs.Arg(0), *window, *withAnsi)
	if err != nil {
		return err
	}
	if !*withAnsi {
		content = StripANSI(content)
	}
	return emit(out, *outFile, content)
}

func runScreenshot(b *backend, out io.Writer, args []string) error {
	fs := newFlagSet("screenshot")
	window := fs.IntP("window", "w", -1, "window index (default: active window)")
	outFile := fs.StringP("output", "o", "", "write to FILE instead of stdout")
	if err := parseFlags(fs, args, 1); err != nil {
		return err
	}

	client, err := b.client()
	if err != nil {
		return err
	}
	content, err := client.Capture(fs.Arg(0), *window, true)
	if err != nil {
		return err
	}
	return emit(out, *outFile, renderFrame(content, fs.Arg(0)))
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// parseFlags parses args and enforces the positional arity.
func parseFlags(fs *pflag.FlagSet, args []string, positional int) error {
	if err := fs.Parse(args); err != nil {
		return fault.Wrap(fault.InvalidArgument, err, "parse %s flags", fs.Name())
	}
	if fs.NArg() != positional {
		return fault.New(fault.InvalidArgument, "%s takes %d argument(s), got %d", fs.Name(), positional, fs.NArg())
	}
	return nil
}

// emit writes content to path, or to out when path is empty.
func emit(out io.Writer, path, content string) error {
	if path == "" {
		_, err := io.WriteString(out, content)
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fault.Wrap(fault.Internal, err, "write %s", path)
	}
	return nil
}
