// pattern: Imperative Shell

package registry

import (
	"context"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tmuxdeck/internal/docker"
	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/logging"
	"tmuxdeck/internal/store"
	"tmuxdeck/internal/tmux"
)

// pollInterval is the base reconciliation cadence; each cycle is jittered
// by up to half a second either way so pollers against the same engine
// do not align.
const (
	pollInterval = 3 * time.Second
	pollJitter   = 500 * time.Millisecond
)

// Kind distinguishes where a container's tmux actually lives.
type Kind string

const (
	KindDocker Kind = "docker"
	KindHost   Kind = "host"
	KindLocal  Kind = "local"
	KindBridge Kind = "bridge"
)

// Container is one entry in the merged source list.
type Container struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	DisplayName string         `json:"displayName"`
	Status      docker.Status  `json:"status"`
	Image       string         `json:"image,omitempty"`
	CreatedAt   time.Time      `json:"createdAt,omitempty"`
	Connected   bool           `json:"connected,omitempty"`
	Sessions    []tmux.Session `json:"sessions"`
}

// Snapshot is a consistent copy of the registry's view. DockerError is
// set when the engine is unreachable; host, local and bridge entries are
// still present so clients can render a partial list.
type Snapshot struct {
	Containers  []Container `json:"containers"`
	DockerError string      `json:"dockerError,omitempty"`
}

// Engine is the container-engine surface the registry consumes.
// Satisfied by *docker.Manager.
type Engine interface {
	Ping(ctx context.Context) error
	List(ctx context.Context) ([]docker.Container, error)
	Create(ctx context.Context, opts docker.CreateOptions) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Rename(ctx context.Context, id, newName string) error
	BuildImage(ctx context.Context, name, dockerfile string, onLog func(line string)) (string, error)
	TmuxRunner(containerID string) tmux.RunFunc
	TmuxOpener(containerID string) tmux.OpenFunc
}

// BridgeHub is the bridge surface the registry consumes. Satisfied by
// *bridge.Hub.
type BridgeHub interface {
	Connected(bridgeID string) bool
	TmuxRunner(bridgeID string) tmux.RunFunc
	TmuxOpener(bridgeID string) tmux.OpenFunc
}

// Catalog provides the persisted records the registry folds into its
// view. Satisfied by *store.Store.
type Catalog interface {
	Templates() []store.Template
	Bridges() []store.BridgeRecord
}

// Registry owns the authoritative container map. It reconciles docker
// and local/host state on a jittered poll; bridge state arrives
// out-of-band through SetBridgeSessions.
type Registry struct {
	engine     Engine
	hub        BridgeHub
	catalog    Catalog
	hostSocket string
	log        *logging.ScopedLogger

	// Executors for the local and host sources, injectable in tests.
	localRun  tmux.RunFunc
	localOpen tmux.OpenFunc
	hostRun   tmux.RunFunc
	hostOpen  tmux.OpenFunc

	mu       sync.RWMutex
	snapshot Snapshot

	bridgeMu       sync.Mutex
	bridgeSessions map[string][]tmux.Session

	refreshMu  sync.Mutex
	refreshing chan struct{}

	kick chan struct{}

	// OnAttention fires when a window newly raises a bell or activity
	// flag. kind is "bell" or "activity".
	OnAttention func(containerID string, session tmux.Session, window tmux.Window, kind string)

	flagMu    sync.Mutex
	prevFlags map[string]windowFlags
}

type windowFlags struct {
	bell     bool
	activity bool
}

// New creates a registry. engine may be nil when docker is not
// configured; hostSocket empty disables the host entry.
func New(engine Engine, hub BridgeHub, catalog Catalog, hostSocket string, logs logging.LoggerProvider) *Registry {
	return &Registry{
		engine:         engine,
		hub:            hub,
		catalog:        catalog,
		hostSocket:     hostSocket,
		log:            logs.For("registry"),
		localRun:       tmux.LocalRunner(""),
		localOpen:      tmux.LocalOpener(""),
		hostRun:        tmux.LocalRunner(hostSocket),
		hostOpen:       tmux.LocalOpener(hostSocket),
		bridgeSessions: make(map[string][]tmux.Session),
		kick:           make(chan struct{}, 1),
		prevFlags:      make(map[string]windowFlags),
	}
}

// SetLocalExecutors overrides the executors backing the local source,
// for hosts where tmux lives behind a non-default socket or in tests.
func (r *Registry) SetLocalExecutors(run tmux.RunFunc, open tmux.OpenFunc) {
	r.localRun = run
	r.localOpen = open
}

// Run polls until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	for {
		jitter := time.Duration(rand.Int63n(int64(2*pollJitter))) - pollJitter
		timer := time.NewTimer(pollInterval + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-r.kick:
			timer.Stop()
		}
		r.Poll(ctx)
	}
}

// Kick requests a poll outside the regular cadence.
func (r *Registry) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Poll refreshes the snapshot and returns it. Concurrent callers share a
// single in-flight refresh.
func (r *Registry) Poll(ctx context.Context) Snapshot {
	r.refreshMu.Lock()
	if r.refreshing != nil {
		done := r.refreshing
		r.refreshMu.Unlock()
		<-done
		return r.Snapshot()
	}
	done := make(chan struct{})
	r.refreshing = done
	r.refreshMu.Unlock()

	r.refresh(ctx)

	r.refreshMu.Lock()
	r.refreshing = nil
	r.refreshMu.Unlock()
	close(done)

	return r.Snapshot()
}

// Snapshot returns the last reconciled view without touching any source.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Snapshot{DockerError: r.snapshot.DockerError}
	out.Containers = make([]Container, len(r.snapshot.Containers))
	copy(out.Containers, r.snapshot.Containers)
	return out
}

func (r *Registry) refresh(ctx context.Context) {
	var containers []Container

	local := Container{
		ID: "local", Kind: KindLocal, DisplayName: "local",
		Status: docker.StatusRunning,
	}
	local.Sessions = r.querySessions(ctx, "local", r.localRun)
	containers = append(containers, local)

	if r.hostSocket != "" {
		host := Container{
			ID: "host", Kind: KindHost, DisplayName: "host",
			Status: docker.StatusRunning,
		}
		host.Sessions = r.querySessions(ctx, "host", r.hostRun)
		containers = append(containers, host)
	}

	dockerError := ""
	if r.engine != nil {
		managed, err := r.engine.List(ctx)
		if err != nil {
			dockerError = err.Error()
			r.log.Warn("docker poll failed", "error", err)
		} else {
			for _, c := range managed {
				entry := Container{
					ID: c.ID, Kind: KindDocker, DisplayName: c.Name,
					Status: c.Status, Image: c.Image, CreatedAt: c.CreatedAt,
					Sessions: []tmux.Session{},
				}
				// Stopped containers skip the tmux query.
				if c.Status == docker.StatusRunning {
					entry.Sessions = r.querySessions(ctx, c.ID, r.engine.TmuxRunner(c.ID))
				}
				containers = append(containers, entry)
			}
		}
	}

	for _, rec := range r.bridgeRecords() {
		id := "bridge:" + rec.ID
		connected := r.hub != nil && r.hub.Connected(rec.ID)
		status := docker.StatusStopped
		if connected {
			status = docker.StatusRunning
		}
		entry := Container{
			ID: id, Kind: KindBridge, DisplayName: rec.Name,
			Status: status, CreatedAt: rec.CreatedAt, Connected: connected,
			Sessions: []tmux.Session{},
		}
		if connected {
			entry.Sessions = r.reportedSessions(rec.ID)
		}
		containers = append(containers, entry)
	}

	for _, c := range containers {
		r.detectAttention(c.ID, c.Sessions)
	}

	r.mu.Lock()
	r.snapshot = Snapshot{Containers: containers, DockerError: dockerError}
	r.mu.Unlock()
}

func (r *Registry) bridgeRecords() []store.BridgeRecord {
	if r.catalog == nil {
		return nil
	}
	records := r.catalog.Bridges()
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	return records
}

func (r *Registry) querySessions(ctx context.Context, containerID string, run tmux.RunFunc) []tmux.Session {
	client := tmux.NewClient(containerID, run, nil)
	sessions, err := client.ListSessions(ctx)
	if err != nil {
		r.log.Debug("session query failed", "container", containerID, "error", err)
		return []tmux.Session{}
	}
	return sessions
}

// SetBridgeSessions records a bridge's reported session set. The report
// is authoritative for that bridge until the next one.
func (r *Registry) SetBridgeSessions(bridgeID string, sessions []tmux.Session) {
	r.bridgeMu.Lock()
	r.bridgeSessions[bridgeID] = sessions
	r.bridgeMu.Unlock()
	r.detectAttention("bridge:"+bridgeID, sessions)
}

// DropBridgeSessions forgets a bridge's sessions, for delete cascades.
func (r *Registry) DropBridgeSessions(bridgeID string) {
	r.bridgeMu.Lock()
	delete(r.bridgeSessions, bridgeID)
	r.bridgeMu.Unlock()
}

func (r *Registry) reportedSessions(bridgeID string) []tmux.Session {
	r.bridgeMu.Lock()
	defer r.bridgeMu.Unlock()
	sessions := r.bridgeSessions[bridgeID]
	if sessions == nil {
		return []tmux.Session{}
	}
	out := make([]tmux.Session, len(sessions))
	copy(out, sessions)
	return out
}

// detectAttention compares window flags against the previous pass and
// fires OnAttention for each newly raised flag.
func (r *Registry) detectAttention(containerID string, sessions []tmux.Session) {
	if r.OnAttention == nil {
		return
	}

	r.flagMu.Lock()
	defer r.flagMu.Unlock()

	for _, s := range sessions {
		for _, w := range s.Windows {
			key := containerID + "\x00" + s.Name + "\x00" + strconv.Itoa(w.Index)
			prev := r.prevFlags[key]
			if w.Bell && !prev.bell {
				go r.OnAttention(containerID, s, w, "bell")
			}
			if w.Activity && !prev.activity {
				go r.OnAttention(containerID, s, w, "activity")
			}
			r.prevFlags[key] = windowFlags{bell: w.Bell, activity: w.Activity}
		}
	}
}

// Lookup finds a container by id in the current snapshot.
func (r *Registry) Lookup(containerID string) (Container, bool) {
	snap := r.Snapshot()
	for _, c := range snap.Containers {
		if c.ID == containerID {
			return c, true
		}
	}
	return Container{}, false
}

// ResolveSession finds a session by its public id anywhere in the
// snapshot. A raw session name is accepted as a fallback so hook
// scripts can address sessions without computing ids.
func (r *Registry) ResolveSession(sessionID string) (Container, tmux.Session, bool) {
	snap := r.Snapshot()
	for _, c := range snap.Containers {
		for _, s := range c.Sessions {
			if s.ID == sessionID {
				return c, s, true
			}
		}
	}
	for _, c := range snap.Containers {
		for _, s := range c.Sessions {
			if s.Name == sessionID {
				return c, s, true
			}
		}
	}
	return Container{}, tmux.Session{}, false
}

// Adapter returns the tmux client for a container. Docker containers
// must be known and running; reserved ids map to their fixed sources.
func (r *Registry) Adapter(containerID string) (*tmux.Client, error) {
	switch {
	case containerID == "local":
		return tmux.NewClient("local", r.localRun, r.localOpen), nil

	case containerID == "host":
		if r.hostSocket == "" {
			return nil, fault.New(fault.TargetMissing, "host source is not configured")
		}
		return tmux.NewClient("host", r.hostRun, r.hostOpen), nil

	case strings.HasPrefix(containerID, "bridge:"):
		bridgeID := strings.TrimPrefix(containerID, "bridge:")
		if r.hub == nil || !r.hub.Connected(bridgeID) {
			return nil, fault.New(fault.SourceUnavailable, "bridge %q is not connected", bridgeID)
		}
		return tmux.NewClient(containerID, r.hub.TmuxRunner(bridgeID), r.hub.TmuxOpener(bridgeID)), nil

	default:
		if r.engine == nil {
			return nil, fault.New(fault.SourceUnavailable, "docker is not configured")
		}
		c, ok := r.Lookup(containerID)
		if !ok {
			return nil, fault.New(fault.TargetMissing, "container %q not found", containerID)
		}
		if c.Status != docker.StatusRunning {
			return nil, fault.New(fault.SourceUnavailable, "container %q is not running", c.DisplayName)
		}
		return tmux.NewClient(containerID, r.engine.TmuxRunner(containerID), r.engine.TmuxOpener(containerID)), nil
	}
}

// Start starts a docker container. Reserved sources reject lifecycle ops.
func (r *Registry) Start(ctx context.Context, containerID string) error {
	if err := r.requireDocker(containerID); err != nil {
		return err
	}
	if err := r.engine.Start(ctx, containerID); err != nil {
		return err
	}
	r.Kick()
	return nil
}

// Stop stops a docker container.
func (r *Registry) Stop(ctx context.Context, containerID string) error {
	if err := r.requireDocker(containerID); err != nil {
		return err
	}
	if err := r.engine.Stop(ctx, containerID); err != nil {
		return err
	}
	r.Kick()
	return nil
}

// Rename renames a docker container.
func (r *Registry) Rename(ctx context.Context, containerID, newName string) error {
	if err := r.requireDocker(containerID); err != nil {
		return err
	}
	if err := r.engine.Rename(ctx, containerID, newName); err != nil {
		return err
	}
	r.Kick()
	return nil
}

// Remove deletes a docker container.
func (r *Registry) Remove(ctx context.Context, containerID string) error {
	if err := r.requireDocker(containerID); err != nil {
		return err
	}
	if err := r.engine.Remove(ctx, containerID); err != nil {
		return err
	}
	r.Kick()
	return nil
}

func (r *Registry) requireDocker(containerID string) error {
	if containerID == "local" || containerID == "host" || strings.HasPrefix(containerID, "bridge:") {
		return fault.New(fault.InvalidArgument, "source %q has no container lifecycle", containerID)
	}
	if r.engine == nil {
		return fault.New(fault.SourceUnavailable, "docker is not configured")
	}
	return nil
}

