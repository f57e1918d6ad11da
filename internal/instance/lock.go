// pattern: Imperative Shell
package instance

import (
	"os"

	"github.com/gofrs/flock"

	"tmuxdeck/internal/fault"
)

// Lock acquires the exclusive single-instance lock at lockPath. The
// caller holds it for the server's lifetime and releases via Cleanup.
func Lock(lockPath string) (*flock.Flock, error) {
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "acquire instance lock")
	}
	if !locked {
		return nil, fault.New(fault.NameConflict, "another tmuxdeck instance is already running")
	}
	return fl, nil
}

// WritePort records the web server's bound address for CLI discovery.
func WritePort(portPath, addr string) error {
	return os.WriteFile(portPath, []byte(addr), 0o600)
}

// Cleanup removes the port file and releases the lock.
func Cleanup(portPath string, fl *flock.Flock) {
	_ = os.Remove(portPath)
	if fl != nil {
		_ = fl.Unlock()
	}
}
