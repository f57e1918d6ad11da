// pattern: Functional Core
package cli

import (
	"fmt"
	"io"
	"os"

	"tmuxdeck/internal/fault"
)

// Command is a single CLI command with its metadata and handler.
type Command struct {
	Name    string
	Summary string
	Usage   string
	Run     func(args []string) error
}

// App is the top-level CLI application.
type App struct {
	commands map[string]*Command
	order    []string
	version  string
	out      io.Writer
	errOut   io.Writer
}

// NewApp creates a CLI application with the given version.
func NewApp(version string) *App {
	return &App{
		commands: make(map[string]*Command),
		version:  version,
		out:      os.Stdout,
		errOut:   os.Stderr,
	}
}

// AddCommand registers a command. Help output lists commands in
// registration order.
func (a *App) AddCommand(cmd *Command) {
	a.commands[cmd.Name] = cmd
	a.order = append(a.order, cmd.Name)
}

// Execute dispatches the arguments and returns the process exit code.
func (a *App) Execute(args []string) int {
	if len(args) == 0 {
		a.PrintHelp(a.errOut)
		return 64
	}

	name := args[0]
	if name == "help" || name == "--help" || name == "-h" {
		a.PrintHelp(a.out)
		return 0
	}

	cmd, ok := a.commands[name]
	if !ok {
		fmt.Fprintf(a.errOut, "unknown command %q\n\n", name)
		a.PrintHelp(a.errOut)
		return 64
	}

	for _, arg := range args[1:] {
		if arg == "--help" || arg == "-h" {
			fmt.Fprintf(a.out, "%s\n", cmd.Usage)
			return 0
		}
	}

	if err := cmd.Run(args[1:]); err != nil {
		fmt.Fprintf(a.errOut, "error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

// exitCode maps a command failure to its shell exit code. Unreachable
// servers and offline sources exit 2, bad invocations 64, everything
// else including missing targets exits 1.
func exitCode(err error) int {
	switch fault.KindOf(err) {
	case fault.InvalidArgument:
		return 64
	case fault.SourceUnavailable:
		return 2
	default:
		return 1
	}
}

// PrintHelp prints the top-level help text.
func (a *App) PrintHelp(w io.Writer) {
	fmt.Fprintf(w, "Usage: tmuxdeck [command]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	for _, name := range a.order {
		cmd := a.commands[name]
		fmt.Fprintf(w, "  %-12s %s\n", cmd.Name, cmd.Summary)
	}
	fmt.Fprintf(w, "  %-12s %s\n", "(none)", "Run the tmuxdeck server")
	fmt.Fprintf(w, "\nUse \"tmuxdeck <command> --help\" for command details.\n")
}
