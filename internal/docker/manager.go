// pattern: Imperative Shell

package docker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/logging"
)

// engineTimeout bounds every container-engine call.
const engineTimeout = 30 * time.Second

// Status is the normalized container status.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusCreating Status = "creating"
	StatusError    Status = "error"
)

// Container is the manager's summary of one engine container.
type Container struct {
	ID        string
	Name      string
	Status    Status
	Image     string
	CreatedAt time.Time
}

// CreateOptions describe a container to create from a template.
type CreateOptions struct {
	Name        string
	Image       string
	Env         map[string]string
	Volumes     []string
	MountSSH    bool
	MountClaude bool
}

// Manager talks to the container engine for every docker-kind container.
// Containers are recognized by a name prefix so unrelated containers on
// the same daemon stay invisible.
type Manager struct {
	api        API
	namePrefix string
	log        *logging.ScopedLogger
}

// NewManager wraps an engine API. namePrefix must be non-empty.
func NewManager(api API, namePrefix string, log *logging.ScopedLogger) *Manager {
	if namePrefix == "" {
		namePrefix = "tmuxdeck"
	}
	return &Manager{api: api, namePrefix: namePrefix, log: log}
}

// Ping reports whether the engine is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()
	if _, err := m.api.Ping(ctx); err != nil {
		return fault.Wrap(fault.SourceUnavailable, err, "docker ping")
	}
	return nil
}

// List returns all managed containers, running or not.
func (m *Manager) List(ctx context.Context) ([]Container, error) {
	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()

	raw, err := m.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", m.namePrefix+"-")),
	})
	if err != nil {
		return nil, fault.Wrap(fault.SourceUnavailable, err, "docker list")
	}

	out := make([]Container, 0, len(raw))
	for _, c := range raw {
		name := displayName(c.Names, m.namePrefix)
		if name == "" {
			continue
		}
		out = append(out, Container{
			ID:        c.ID,
			Name:      name,
			Status:    mapState(c.State),
			Image:     c.Image,
			CreatedAt: time.Unix(c.Created, 0).UTC(),
		})
	}
	return out, nil
}

// Create creates (but does not start) a container. Returns the engine id.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (string, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return "", fault.New(fault.InvalidArgument, "container name is empty")
	}
	if opts.Image == "" {
		return "", fault.New(fault.InvalidArgument, "image is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()

	env := make([]string, 0, len(opts.Env)+1)
	env = append(env, "TERM=xterm-256color")
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image:     opts.Image,
		Tty:       true,
		OpenStdin: true,
		Env:       env,
		Labels:    map[string]string{"tmuxdeck.managed": "true"},
	}
	hostCfg := &container.HostConfig{
		Binds: buildBinds(opts, os.UserHomeDir),
	}

	resp, err := m.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, m.namePrefix+"-"+opts.Name)
	if err != nil {
		return "", m.classify(err, "docker create")
	}
	return resp.ID, nil
}

// Start starts a container. Idempotent when already running.
func (m *Manager) Start(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()
	if err := m.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return m.classify(err, "docker start")
	}
	return nil
}

// Stop stops a container. Idempotent when already stopped.
func (m *Manager) Stop(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()
	if err := m.api.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return m.classify(err, "docker stop")
	}
	return nil
}

// Remove deletes a container, killing it if necessary.
func (m *Manager) Remove(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()
	if err := m.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return m.classify(err, "docker remove")
	}
	return nil
}

// Rename renames a container, preserving the managed name prefix.
func (m *Manager) Rename(ctx context.Context, id, newName string) error {
	if strings.TrimSpace(newName) == "" {
		return fault.New(fault.InvalidArgument, "container name is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()
	if err := m.api.ContainerRename(ctx, id, m.namePrefix+"-"+newName); err != nil {
		return m.classify(err, "docker rename")
	}
	return nil
}

func (m *Manager) classify(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrNotFound(err):
		return fault.Wrap(fault.TargetMissing, err, "%s", op)
	case client.IsErrConnectionFailed(err):
		return fault.Wrap(fault.SourceUnavailable, err, "%s", op)
	case strings.Contains(strings.ToLower(err.Error()), "is already in use"):
		return fault.Wrap(fault.NameConflict, err, "%s", op)
	default:
		return fault.Wrap(fault.Internal, err, "%s", op)
	}
}

// mapState normalizes engine states onto the four public statuses.
func mapState(state string) Status {
	switch strings.ToLower(state) {
	case "running", "restarting":
		return StatusRunning
	case "created":
		return StatusCreating
	case "exited", "paused", "removing":
		return StatusStopped
	case "dead":
		return StatusError
	default:
		return StatusError
	}
}

// displayName strips the leading slash and the managed prefix from the
// engine's name list. Returns "" for containers that are not ours.
func displayName(names []string, prefix string) string {
	for _, n := range names {
		n = strings.TrimPrefix(n, "/")
		if strings.HasPrefix(n, prefix+"-") {
			return strings.TrimPrefix(n, prefix+"-")
		}
	}
	return ""
}

// buildBinds expands and deduplicates volume mounts, adding the optional
// SSH and Claude convenience mounts.
func buildBinds(opts CreateOptions, homeDir func() (string, error)) []string {
	home, err := homeDir()
	if err != nil {
		home = ""
	}

	expand := func(p string) string {
		if strings.HasPrefix(p, "~") && home != "" {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
		return p
	}

	seen := make(map[string]bool)
	binds := []string{}
	add := func(bind string) {
		parts := strings.SplitN(bind, ":", 2)
		if len(parts) != 2 {
			return
		}
		expanded := expand(parts[0]) + ":" + parts[1]
		if !seen[expanded] {
			seen[expanded] = true
			binds = append(binds, expanded)
		}
	}

	for _, v := range opts.Volumes {
		add(v)
	}
	if opts.MountSSH && home != "" {
		add(filepath.Join(home, ".ssh") + ":/root/.ssh:ro")
	}
	if opts.MountClaude && home != "" {
		add(filepath.Join(home, ".claude") + ":/root/.claude")
	}
	return binds
}
