// pattern: Imperative Shell

package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/docker/docker/api/types"

	"tmuxdeck/internal/fault"
)

// buildTimeout is longer than engineTimeout: image builds legitimately
// take minutes.
const buildTimeout = 10 * time.Minute

// BuildImage builds an image from inline Dockerfile content, invoking
// onLog for every build output line. Returns the image tag.
func (m *Manager) BuildImage(ctx context.Context, name, dockerfile string, onLog func(line string)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, buildTimeout)
	defer cancel()

	tag := m.namePrefix + "/" + name + ":latest"

	buildCtx, err := tarContext(dockerfile)
	if err != nil {
		return "", fault.Wrap(fault.Internal, err, "build context")
	}

	resp, err := m.api.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return "", m.classify(err, "docker build")
	}
	defer func() { _ = resp.Body.Close() }()

	dec := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			break
		}
		if msg.Error != "" {
			return "", fault.New(fault.Internal, "image build: %s", msg.Error)
		}
		if line := strings.TrimRight(msg.Stream, "\n"); line != "" && onLog != nil {
			onLog(line)
		}
	}
	return tag, nil
}

// tarContext wraps a Dockerfile into the single-file tar archive the
// build API expects.
func tarContext(dockerfile string) (*bytes.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	hdr := &tar.Header{
		Name: "Dockerfile",
		Mode: 0o644,
		Size: int64(len(dockerfile)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write([]byte(dockerfile)); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return bytes.NewReader(buf.Bytes()), nil
}
