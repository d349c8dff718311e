package docker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
)

// RegistryAuth carries credentials for the configured image registry. Zero
// value means anonymous push (local or unauthenticated registries).
type RegistryAuth struct {
	Username string
	Password string
	Server   string
}

func (a RegistryAuth) encode() (string, error) {
	cfg := registry.AuthConfig{
		Username:      a.Username,
		Password:      a.Password,
		ServerAddress: a.Server,
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode registry auth: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// PushImage publishes a tagged image to its registry, streaming daemon
// output to onOutput.
func (c *Client) PushImage(ctx context.Context, ref string, auth RegistryAuth, onOutput BuildOutputCallback) error {
	if c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if ref == "" {
		return fmt.Errorf("image reference cannot be empty")
	}
	encoded, err := auth.encode()
	if err != nil {
		return err
	}
	resp, err := c.inner.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return fmt.Errorf("docker image push: %w", err)
	}
	defer resp.Close()
	if err := streamMessages(resp, onOutput); err != nil {
		return fmt.Errorf("docker image push: %w", err)
	}
	return nil
}
