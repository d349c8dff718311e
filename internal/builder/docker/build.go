package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
)

// BuildOutputCallback is invoked with incremental build messages.
type BuildOutputCallback func(string)

// BuildImage creates a container image from the provided directory using the
// default Dockerfile, streaming daemon output line-by-line to onOutput.
func (c *Client) BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput BuildOutputCallback) error {
	if c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if dir == "" {
		return fmt.Errorf("build directory cannot be empty")
	}
	if tag == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   buildArgs,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()
	if err := streamMessages(resp.Body, onOutput); err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	return nil
}

// streamMessages decodes the daemon's JSON message stream, forwarding
// rendered lines and surfacing embedded errors.
func streamMessages(r io.Reader, onOutput BuildOutputCallback) error {
	decoder := json.NewDecoder(r)
	for {
		var msg daemonMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode output stream: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("%s", errMsg)
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
}

type daemonMessage struct {
	Stream         string                 `json:"stream"`
	Status         string                 `json:"status"`
	ID             string                 `json:"id"`
	Progress       string                 `json:"progress"`
	ProgressDetail progressDetail         `json:"progressDetail"`
	Error          string                 `json:"error"`
	ErrorDetail    daemonErrorDetail      `json:"errorDetail"`
	Aux            map[string]interface{} `json:"aux"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type daemonErrorDetail struct {
	Message string `json:"message"`
}

func (m daemonMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	if strings.TrimSpace(m.ErrorDetail.Message) != "" {
		return strings.TrimSpace(m.ErrorDetail.Message)
	}
	return ""
}

func (m daemonMessage) render() string {
	if m.Stream != "" {
		return m.Stream
	}
	if m.Status != "" {
		parts := make([]string, 0, 4)
		if strings.TrimSpace(m.ID) != "" {
			parts = append(parts, strings.TrimSpace(m.ID))
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		progress := strings.TrimSpace(m.Progress)
		if progress == "" && (m.ProgressDetail.Current > 0 || m.ProgressDetail.Total > 0) {
			if m.ProgressDetail.Total > 0 {
				progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
			} else {
				progress = fmt.Sprintf("%d", m.ProgressDetail.Current)
			}
		}
		if progress != "" {
			parts = append(parts, progress)
		}
		return strings.TrimSpace(strings.Join(parts, " "))
	}
	if len(m.Aux) > 0 {
		if id, ok := m.Aux["ID"]; ok {
			return fmt.Sprintf("image id: %v", id)
		}
		if digest, ok := m.Aux["Digest"]; ok {
			return fmt.Sprintf("digest: %v", digest)
		}
	}
	return ""
}
