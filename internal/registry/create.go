// pattern: Imperative Shell

package registry

import (
	"context"
	"strings"
	"time"

	"tmuxdeck/internal/docker"
	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/store"
	"tmuxdeck/internal/tmux"
)

// initTimeout bounds the wait for tmux to become available inside a
// freshly started container.
const initTimeout = 30 * time.Second

// CreateRequest describes a container to create from a template.
type CreateRequest struct {
	TemplateID  string            `json:"templateId"`
	Name        string            `json:"name"`
	Env         map[string]string `json:"env,omitempty"`
	Volumes     []string          `json:"volumes,omitempty"`
	MountSSH    bool              `json:"mountSSH,omitempty"`
	MountClaude bool              `json:"mountClaude,omitempty"`
}

// CreateEvent is one element of the creation event stream. The stream is
// the source of truth for creation progress.
type CreateEvent struct {
	Type        string `json:"type"` // step, log, complete, error
	Step        string `json:"step,omitempty"`
	Message     string `json:"message,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
}

// Creation steps, emitted in order.
const (
	StepBuildingImage     = "building_image"
	StepCreatingContainer = "creating_container"
	StepStartingContainer = "starting_container"
	StepInitializing      = "initializing"
)

// CreateContainer runs the full creation sequence, emitting progress
// events as it goes. The error event carries the step that failed; the
// returned error mirrors it for the HTTP layer.
func (r *Registry) CreateContainer(ctx context.Context, req CreateRequest, emit func(CreateEvent)) error {
	if emit == nil {
		emit = func(CreateEvent) {}
	}

	if strings.TrimSpace(req.Name) == "" {
		return r.fail(emit, "", fault.New(fault.InvalidArgument, "container name is empty"))
	}
	if r.engine == nil {
		return r.fail(emit, "", fault.New(fault.SourceUnavailable, "docker is not configured"))
	}

	tpl, ok := r.template(req.TemplateID)
	if !ok {
		return r.fail(emit, "", fault.New(fault.TargetMissing, "template %q not found", req.TemplateID))
	}

	image := tpl.Image
	if tpl.Dockerfile != "" {
		emit(CreateEvent{Type: "step", Step: StepBuildingImage})
		tag, err := r.engine.BuildImage(ctx, req.Name, tpl.Dockerfile, func(line string) {
			emit(CreateEvent{Type: "log", Step: StepBuildingImage, Message: line})
		})
		if err != nil {
			return r.fail(emit, StepBuildingImage, err)
		}
		image = tag
	}
	if image == "" {
		return r.fail(emit, "", fault.New(fault.InvalidArgument, "template %q has neither image nor dockerfile", tpl.ID))
	}

	env := make(map[string]string, len(tpl.Env)+len(req.Env))
	for k, v := range tpl.Env {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = v
	}

	emit(CreateEvent{Type: "step", Step: StepCreatingContainer})
	containerID, err := r.engine.Create(ctx, docker.CreateOptions{
		Name:        req.Name,
		Image:       image,
		Env:         env,
		Volumes:     append(append([]string{}, tpl.Volumes...), req.Volumes...),
		MountSSH:    req.MountSSH,
		MountClaude: req.MountClaude,
	})
	if err != nil {
		return r.fail(emit, StepCreatingContainer, err)
	}

	emit(CreateEvent{Type: "step", Step: StepStartingContainer})
	if err := r.engine.Start(ctx, containerID); err != nil {
		return r.fail(emit, StepStartingContainer, err)
	}

	emit(CreateEvent{Type: "step", Step: StepInitializing})
	if err := r.ensureMainSession(ctx, containerID); err != nil {
		return r.fail(emit, StepInitializing, err)
	}

	r.Kick()
	emit(CreateEvent{Type: "complete", ContainerID: containerID})
	return nil
}

func (r *Registry) fail(emit func(CreateEvent), step string, err error) error {
	emit(CreateEvent{Type: "error", Step: step, Message: err.Error()})
	return err
}

func (r *Registry) template(id string) (store.Template, bool) {
	if r.catalog == nil {
		return store.Template{}, false
	}
	for _, t := range r.catalog.Templates() {
		if t.ID == id {
			return t, true
		}
	}
	return store.Template{}, false
}

// ensureMainSession waits for tmux inside the container and guarantees a
// session named "main" exists. Freshly started containers need a moment
// before exec succeeds.
func (r *Registry) ensureMainSession(ctx context.Context, containerID string) error {
	client := tmux.NewClient(containerID, r.engine.TmuxRunner(containerID), nil)

	deadline := time.Now().Add(initTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return fault.Wrap(fault.Internal, ctx.Err(), "container init")
		}

		exists, err := client.HasSession(ctx, "main")
		if err == nil {
			if exists {
				return nil
			}
			err = client.CreateSession(ctx, "main")
			if err == nil {
				return nil
			}
			if fault.IsKind(err, fault.NameConflict) {
				return nil
			}
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fault.Wrap(fault.Internal, ctx.Err(), "container init")
		case <-time.After(time.Second):
		}
	}
	return fault.Wrap(fault.SourceUnavailable, lastErr, "tmux did not come up in container")
}
