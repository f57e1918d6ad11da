// pattern: Functional Core
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for surfacing across HTTP, WebSocket, and CLI
// boundaries. Every error that crosses a component boundary carries one.
type Kind int

const (
	// Internal is the zero value: unexpected failures.
	Internal Kind = iota
	// Unauthorized means a missing or expired credential.
	Unauthorized
	// TargetMissing means the container, session, or window was not found.
	TargetMissing
	// TargetGone means the target existed at open but vanished mid-operation.
	TargetGone
	// SourceUnavailable means the underlying source (docker daemon, stopped
	// container, offline bridge) cannot serve the request.
	SourceUnavailable
	// NameConflict means a create collided with an existing name.
	NameConflict
	// InvalidArgument means the request was malformed.
	InvalidArgument
)

// String returns the canonical name for the kind.
func (k Kind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case TargetMissing:
		return "target_missing"
	case TargetGone:
		return "target_gone"
	case SourceUnavailable:
		return "source_unavailable"
	case NameConflict:
		return "name_conflict"
	case InvalidArgument:
		return "invalid_argument"
	default:
		return "internal"
	}
}

// classified is an error annotated with a Kind. It wraps an inner error
// when one exists so errors.Is/As traversal still works.
type classified struct {
	kind Kind
	msg  string
	err  error
}

func (c *classified) Error() string {
	if c.err != nil {
		if c.msg != "" {
			return c.msg + ": " + c.err.Error()
		}
		return c.err.Error()
	}
	return c.msg
}

func (c *classified) Unwrap() error { return c.err }

// New creates a classified error from a format string.
func New(kind Kind, format string, args ...any) error {
	return &classified{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and a message prefix. Returns nil if err
// is nil. An already-classified err keeps its original kind unless wrapped
// explicitly with a different one here; the outermost kind wins on KindOf.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// KindOf extracts the outermost Kind from err. Unclassified errors report
// Internal. A nil err also reports Internal; callers check err != nil first.
func KindOf(err error) Kind {
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
