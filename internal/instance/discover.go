// pattern: Imperative Shell
package instance

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"tmuxdeck/internal/fault"
)

const healthTimeout = 2 * time.Second

// Discover returns the base URL of the running server, verified by a
// health probe. The lock file tells a dead server apart from a missing
// one: if the lock is free, nothing is running regardless of what the
// port file says.
func Discover(lockPath, portPath string) (string, error) {
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return "", fault.Wrap(fault.Internal, err, "check instance lock")
	}
	if locked {
		_ = fl.Unlock()
		return "", fault.New(fault.SourceUnavailable, "no running tmuxdeck server (start one with 'tmuxdeck serve')")
	}

	data, err := os.ReadFile(portPath)
	if err != nil {
		return "", fault.Wrap(fault.SourceUnavailable, err, "server running but port file unreadable")
	}
	addr := strings.TrimSpace(string(data))
	if addr == "" {
		return "", fault.New(fault.SourceUnavailable, "port file is empty")
	}

	baseURL := fmt.Sprintf("http://%s", addr)
	client := &http.Client{Timeout: healthTimeout}
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return "", fault.Wrap(fault.SourceUnavailable, err, "server not responding")
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fault.New(fault.SourceUnavailable, "health check failed with status %d", resp.StatusCode)
	}
	return baseURL, nil
}
