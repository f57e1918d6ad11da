package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tmuxdeck/internal/docker"
	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/logging"
	"tmuxdeck/internal/store"
	"tmuxdeck/internal/tmux"
)

type fakeEngine struct {
	containers []docker.Container
	listErr    error
	listDelay  time.Duration
	listCalls  atomic.Int32

	runners map[string]tmux.RunFunc
	runHits map[string]*atomic.Int32

	buildTag string
	buildErr error

	mu       sync.Mutex
	created  []docker.CreateOptions
	started  []string
	stopped  []string
	removed  []string
	renamed  []string
}

func (f *fakeEngine) Ping(context.Context) error { return nil }

func (f *fakeEngine) List(context.Context) ([]docker.Container, error) {
	f.listCalls.Add(1)
	if f.listDelay > 0 {
		time.Sleep(f.listDelay)
	}
	return f.containers, f.listErr
}

func (f *fakeEngine) Create(_ context.Context, opts docker.CreateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, opts)
	return "cid-" + opts.Name, nil
}

func (f *fakeEngine) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeEngine) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) Rename(_ context.Context, id, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renamed = append(f.renamed, id+"="+newName)
	return nil
}

func (f *fakeEngine) BuildImage(_ context.Context, name, _ string, onLog func(string)) (string, error) {
	if f.buildErr != nil {
		return "", f.buildErr
	}
	if onLog != nil {
		onLog("Step 1/1 : FROM alpine")
	}
	if f.buildTag != "" {
		return f.buildTag, nil
	}
	return "tmuxdeck/" + name + ":latest", nil
}

func (f *fakeEngine) TmuxRunner(containerID string) tmux.RunFunc {
	if hit, ok := f.runHits[containerID]; ok {
		hit.Add(1)
	}
	if run, ok := f.runners[containerID]; ok {
		return run
	}
	return func(context.Context, []string) (string, error) {
		return "", errors.New("no server running on /tmp/tmux")
	}
}

func (f *fakeEngine) TmuxOpener(string) tmux.OpenFunc { return nil }

type fakeHub struct {
	connected map[string]bool
}

func (f *fakeHub) Connected(id string) bool          { return f.connected[id] }
func (f *fakeHub) TmuxRunner(string) tmux.RunFunc    { return nil }
func (f *fakeHub) TmuxOpener(string) tmux.OpenFunc   { return nil }

type fakeCatalog struct {
	templates []store.Template
	bridges   []store.BridgeRecord
}

func (f *fakeCatalog) Templates() []store.Template    { return f.templates }
func (f *fakeCatalog) Bridges() []store.BridgeRecord { return f.bridges }

// sessionRunner answers list-sessions and list-windows for one session
// with one window.
func sessionRunner(name string, bell bool) tmux.RunFunc {
	flag := ""
	if bell {
		flag = "1"
	}
	return func(_ context.Context, args []string) (string, error) {
		switch args[0] {
		case "list-sessions":
			return name + "\x1f1700000000\x1f0\n", nil
		case "list-windows":
			return name + "\x1f0\x1fbash\x1f1\x1f1\x1f" + flag + "\x1f0\x1fbash\x1f\n", nil
		default:
			return "", nil
		}
	}
}

func newTestRegistry(engine Engine, hub BridgeHub, catalog Catalog, hostSocket string) *Registry {
	r := New(engine, hub, catalog, hostSocket, logging.NopProvider())
	r.localRun = func(context.Context, []string) (string, error) {
		return "", errors.New("no server running on /tmp/tmux")
	}
	r.hostRun = r.localRun
	return r
}

func TestSnapshotMergesSources(t *testing.T) {
	engine := &fakeEngine{
		containers: []docker.Container{
			{ID: "c1", Name: "dev", Status: docker.StatusRunning, Image: "ubuntu"},
		},
		runners: map[string]tmux.RunFunc{"c1": sessionRunner("main", false)},
	}
	hub := &fakeHub{connected: map[string]bool{"b1": true, "b2": false}}
	catalog := &fakeCatalog{bridges: []store.BridgeRecord{
		{ID: "b1", Name: "laptop", CreatedAt: time.Unix(1, 0)},
		{ID: "b2", Name: "office", CreatedAt: time.Unix(2, 0)},
	}}

	r := newTestRegistry(engine, hub, catalog, "/tmp/host.sock")
	r.localRun = sessionRunner("scratch", false)
	r.SetBridgeSessions("b1", []tmux.Session{{ID: "x", Name: "remote", ContainerID: "bridge:b1"}})

	snap := r.Poll(context.Background())

	ids := make([]string, len(snap.Containers))
	for i, c := range snap.Containers {
		ids[i] = c.ID
	}
	want := []string{"local", "host", "c1", "bridge:b1", "bridge:b2"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}

	if snap.Containers[0].Kind != KindLocal || len(snap.Containers[0].Sessions) != 1 {
		t.Errorf("local entry = %+v", snap.Containers[0])
	}
	if snap.Containers[2].Sessions[0].Name != "main" {
		t.Errorf("docker sessions = %+v", snap.Containers[2].Sessions)
	}

	b1 := snap.Containers[3]
	if !b1.Connected || b1.Status != docker.StatusRunning || len(b1.Sessions) != 1 {
		t.Errorf("bridge:b1 = %+v", b1)
	}
	b2 := snap.Containers[4]
	if b2.Connected || b2.Status != docker.StatusStopped {
		t.Errorf("bridge:b2 = %+v", b2)
	}
}

func TestDockerDownStillListsOtherSources(t *testing.T) {
	engine := &fakeEngine{listErr: errors.New("cannot connect to the docker daemon")}
	r := newTestRegistry(engine, &fakeHub{}, &fakeCatalog{}, "")

	snap := r.Poll(context.Background())
	if snap.DockerError == "" {
		t.Error("dockerError must be surfaced")
	}
	if len(snap.Containers) != 1 || snap.Containers[0].ID != "local" {
		t.Errorf("containers = %+v, want local only", snap.Containers)
	}
}

func TestStoppedContainersSkipTmuxQuery(t *testing.T) {
	hits := &atomic.Int32{}
	engine := &fakeEngine{
		containers: []docker.Container{
			{ID: "c1", Name: "dev", Status: docker.StatusStopped},
		},
		runHits: map[string]*atomic.Int32{"c1": hits},
	}
	r := newTestRegistry(engine, &fakeHub{}, &fakeCatalog{}, "")

	r.Poll(context.Background())
	if hits.Load() != 0 {
		t.Errorf("tmux queried %d times for a stopped container", hits.Load())
	}
}

func TestPollDebouncesConcurrentCallers(t *testing.T) {
	engine := &fakeEngine{listDelay: 50 * time.Millisecond}
	r := newTestRegistry(engine, &fakeHub{}, &fakeCatalog{}, "")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Poll(context.Background())
		}()
	}
	wg.Wait()

	// The first caller refreshes; late arrivals may trigger at most one
	// more refresh between them.
	if n := engine.listCalls.Load(); n > 2 {
		t.Errorf("engine listed %d times for 5 concurrent polls", n)
	}
}

func TestResolveSessionByIDAndName(t *testing.T) {
	r := newTestRegistry(&fakeEngine{}, &fakeHub{}, &fakeCatalog{}, "")
	r.localRun = sessionRunner("main", false)
	r.Poll(context.Background())

	id := tmux.SessionID("local", "main")
	c, s, ok := r.ResolveSession(id)
	if !ok || c.ID != "local" || s.Name != "main" {
		t.Errorf("by id: %v %+v %+v", ok, c, s)
	}

	c, s, ok = r.ResolveSession("main")
	if !ok || s.ID != id {
		t.Errorf("by name: %v %+v", ok, s)
	}

	if _, _, ok := r.ResolveSession("nope"); ok {
		t.Error("unknown id resolved")
	}
}

func TestAdapterRules(t *testing.T) {
	engine := &fakeEngine{containers: []docker.Container{
		{ID: "run1", Name: "dev", Status: docker.StatusRunning},
		{ID: "stop1", Name: "old", Status: docker.StatusStopped},
	}}
	hub := &fakeHub{connected: map[string]bool{"b1": true}}
	r := newTestRegistry(engine, hub, &fakeCatalog{}, "")
	r.Poll(context.Background())

	if _, err := r.Adapter("local"); err != nil {
		t.Errorf("local adapter error = %v", err)
	}
	if _, err := r.Adapter("host"); !fault.IsKind(err, fault.TargetMissing) {
		t.Errorf("host without socket = %v, want TargetMissing", err)
	}
	if _, err := r.Adapter("bridge:b1"); err != nil {
		t.Errorf("connected bridge adapter error = %v", err)
	}
	if _, err := r.Adapter("bridge:b9"); !fault.IsKind(err, fault.SourceUnavailable) {
		t.Errorf("offline bridge = %v, want SourceUnavailable", err)
	}
	if _, err := r.Adapter("run1"); err != nil {
		t.Errorf("running container adapter error = %v", err)
	}
	if _, err := r.Adapter("stop1"); !fault.IsKind(err, fault.SourceUnavailable) {
		t.Errorf("stopped container = %v, want SourceUnavailable", err)
	}
	if _, err := r.Adapter("ghost"); !fault.IsKind(err, fault.TargetMissing) {
		t.Errorf("unknown container = %v, want TargetMissing", err)
	}
}

func TestLifecycleRejectsReservedSources(t *testing.T) {
	r := newTestRegistry(&fakeEngine{}, &fakeHub{}, &fakeCatalog{}, "")
	for _, id := range []string{"local", "host", "bridge:b1"} {
		if err := r.Start(context.Background(), id); !fault.IsKind(err, fault.InvalidArgument) {
			t.Errorf("Start(%s) = %v, want InvalidArgument", id, err)
		}
	}
}

func TestAttentionFiresOnNewFlagsOnly(t *testing.T) {
	r := newTestRegistry(&fakeEngine{}, &fakeHub{}, &fakeCatalog{}, "")

	fired := make(chan string, 4)
	r.OnAttention = func(containerID string, s tmux.Session, w tmux.Window, kind string) {
		fired <- fmt.Sprintf("%s/%s/%d/%s", containerID, s.Name, w.Index, kind)
	}

	quiet := []tmux.Session{{Name: "s", Windows: []tmux.Window{{Index: 0}}}}
	ringing := []tmux.Session{{Name: "s", Windows: []tmux.Window{{Index: 0, Bell: true}}}}

	r.SetBridgeSessions("b1", quiet)
	select {
	case got := <-fired:
		t.Fatalf("attention fired on quiet window: %s", got)
	case <-time.After(50 * time.Millisecond):
	}

	r.SetBridgeSessions("b1", ringing)
	select {
	case got := <-fired:
		if got != "bridge:b1/s/0/bell" {
			t.Errorf("attention = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("attention did not fire")
	}

	// Still-set flags do not refire.
	r.SetBridgeSessions("b1", ringing)
	select {
	case got := <-fired:
		t.Fatalf("attention refired: %s", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCreateContainerEventSequence(t *testing.T) {
	initReady := func(_ context.Context, args []string) (string, error) {
		switch args[0] {
		case "has-session":
			return "", errors.New("can't find session: main")
		default:
			return "", nil
		}
	}
	engine := &fakeEngine{
		runners: map[string]tmux.RunFunc{"cid-dev": initReady},
	}
	catalog := &fakeCatalog{templates: []store.Template{
		{ID: "basic-dev", Name: "Basic", Dockerfile: "FROM alpine\n", Env: map[string]string{"A": "1"}},
	}}
	r := newTestRegistry(engine, &fakeHub{}, catalog, "")

	var events []CreateEvent
	err := r.CreateContainer(context.Background(), CreateRequest{
		TemplateID: "basic-dev",
		Name:       "dev",
		Env:        map[string]string{"B": "2"},
	}, func(e CreateEvent) { events = append(events, e) })
	if err != nil {
		t.Fatalf("CreateContainer error = %v", err)
	}

	var steps []string
	for _, e := range events {
		if e.Type == "step" {
			steps = append(steps, e.Step)
		}
	}
	want := []string{StepBuildingImage, StepCreatingContainer, StepStartingContainer, StepInitializing}
	if fmt.Sprint(steps) != fmt.Sprint(want) {
		t.Errorf("steps = %v, want %v", steps, want)
	}

	last := events[len(events)-1]
	if last.Type != "complete" || last.ContainerID != "cid-dev" {
		t.Errorf("final event = %+v", last)
	}

	if len(engine.created) != 1 {
		t.Fatalf("created = %d containers", len(engine.created))
	}
	opts := engine.created[0]
	if opts.Image != "tmuxdeck/dev:latest" {
		t.Errorf("image = %q", opts.Image)
	}
	if opts.Env["A"] != "1" || opts.Env["B"] != "2" {
		t.Errorf("env = %v, template and request must merge", opts.Env)
	}
}

func TestCreateContainerUnknownTemplate(t *testing.T) {
	r := newTestRegistry(&fakeEngine{}, &fakeHub{}, &fakeCatalog{}, "")

	var events []CreateEvent
	err := r.CreateContainer(context.Background(), CreateRequest{TemplateID: "nope", Name: "x"},
		func(e CreateEvent) { events = append(events, e) })
	if !fault.IsKind(err, fault.TargetMissing) {
		t.Errorf("error = %v, want TargetMissing", err)
	}
	if len(events) != 1 || events[0].Type != "error" {
		t.Errorf("events = %+v, want single error", events)
	}
}

func TestCreateContainerBuildFailureNamesStep(t *testing.T) {
	engine := &fakeEngine{buildErr: errors.New("syntax error in dockerfile")}
	catalog := &fakeCatalog{templates: []store.Template{{ID: "t", Dockerfile: "FROM ???"}}}
	r := newTestRegistry(engine, &fakeHub{}, catalog, "")

	var last CreateEvent
	err := r.CreateContainer(context.Background(), CreateRequest{TemplateID: "t", Name: "x"},
		func(e CreateEvent) { last = e })
	if err == nil {
		t.Fatal("error = nil, want build failure")
	}
	if last.Type != "error" || last.Step != StepBuildingImage {
		t.Errorf("final event = %+v, want error at building_image", last)
	}
}
