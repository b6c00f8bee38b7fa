package docker

import (
	"context"
	"strings"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote"
)

// ListNetworks returns the names of all docker networks on the host.
func (c *Client) ListNetworks(ctx context.Context) ([]string, error) {
	res, err := c.exec(ctx, "docker network ls", "docker", "network", "ls", "--format", "{{.Name}}")
	if err != nil {
		return nil, err
	}
	return strings.Fields(res.Stdout), nil
}

// NetworkExists reports whether the named network exists.
func (c *Client) NetworkExists(ctx context.Context, name string) (bool, error) {
	if err := remote.ValidateRef("network", name); err != nil {
		return false, err
	}
	res, err := c.run(ctx, "docker", "network", "inspect", name, "--format", "{{.Name}}")
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}

// CreateNetwork creates a bridge network. An existing network is success.
func (c *Client) CreateNetwork(ctx context.Context, name string) error {
	if err := remote.ValidateRef("network", name); err != nil {
		return err
	}
	res, err := c.run(ctx, "docker", "network", "create", name)
	if err != nil {
		return err
	}
	if res.OK() || strings.Contains(res.Stderr, "already exists") {
		return nil
	}
	return &domain.Error{Kind: domain.KindCommandFailed, Op: "docker network create", ExitCode: res.ExitCode, Stderr: res.Stderr}
}

// ConnectNetwork attaches a container to a network. An existing attachment
// is success.
func (c *Client) ConnectNetwork(ctx context.Context, network, container string) error {
	if err := remote.ValidateRef("network", network); err != nil {
		return err
	}
	if err := remote.ValidateRef("container", container); err != nil {
		return err
	}
	res, err := c.run(ctx, "docker", "network", "connect", network, container)
	if err != nil {
		return err
	}
	if res.OK() || strings.Contains(res.Stderr, "already exists in network") {
		return nil
	}
	if isNoSuch(res) {
		return notFound("docker network connect", container)
	}
	return &domain.Error{Kind: domain.KindCommandFailed, Op: "docker network connect", ExitCode: res.ExitCode, Stderr: res.Stderr}
}
