package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/go-connections/nat"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote"
)

// RunOptions describes a detached container to start.
type RunOptions struct {
	Name        string
	Image       string
	Network     string
	Restart     string
	Labels      map[string]string
	Env         map[string]string
	ExposePorts []nat.Port
	Publish     []string
	Volumes     []string
	Cmd         []string
}

// Args renders the docker run argument list. Labels and env are emitted in
// key order so identical options always produce identical commands.
func (o RunOptions) Args() []string {
	args := []string{"docker", "run", "-d", "--name", o.Name}
	if o.Network != "" {
		args = append(args, "--network", o.Network)
	}
	if o.Restart != "" {
		args = append(args, "--restart", o.Restart)
	}
	for _, k := range sortedKeys(o.Labels) {
		args = append(args, "--label", k+"="+o.Labels[k])
	}
	for _, k := range sortedKeys(o.Env) {
		args = append(args, "-e", k+"="+o.Env[k])
	}
	for _, p := range o.ExposePorts {
		args = append(args, "--expose", string(p))
	}
	for _, p := range o.Publish {
		args = append(args, "-p", p)
	}
	for _, v := range o.Volumes {
		args = append(args, "-v", v)
	}
	args = append(args, o.Image)
	return append(args, o.Cmd...)
}

func (o RunOptions) validate() error {
	if err := remote.ValidateRef("container name", o.Name); err != nil {
		return err
	}
	if err := remote.ValidateImage(o.Image); err != nil {
		return err
	}
	if o.Network != "" {
		if err := remote.ValidateRef("network", o.Network); err != nil {
			return err
		}
	}
	for k := range o.Env {
		if err := remote.ValidateEnvKey(k); err != nil {
			return err
		}
	}
	return nil
}

// RunContainer starts a detached container and returns its id.
func (c *Client) RunContainer(ctx context.Context, opts RunOptions) (string, error) {
	if err := opts.validate(); err != nil {
		return "", err
	}
	res, err := c.exec(ctx, "docker run", opts.Args()...)
	if err != nil {
		return "", err
	}
	lines := strings.Fields(res.Stdout)
	if len(lines) == 0 {
		return "", fmt.Errorf("docker run %s returned no container id", opts.Name)
	}
	return lines[len(lines)-1], nil
}

// InspectContainer returns the docker inspect document for ref.
func (c *Client) InspectContainer(ctx context.Context, ref string) (types.ContainerJSON, error) {
	if err := remote.ValidateRef("container", ref); err != nil {
		return types.ContainerJSON{}, err
	}
	res, err := c.run(ctx, "docker", "inspect", "--type", "container", ref)
	if err != nil {
		return types.ContainerJSON{}, err
	}
	if !res.OK() {
		if isNoSuch(res) {
			return types.ContainerJSON{}, notFound("docker inspect", ref)
		}
		return types.ContainerJSON{}, &domain.Error{Kind: domain.KindCommandFailed, Op: "docker inspect", ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	var docs []types.ContainerJSON
	if err := json.Unmarshal([]byte(res.Stdout), &docs); err != nil {
		return types.ContainerJSON{}, fmt.Errorf("decode docker inspect %s: %w", ref, err)
	}
	if len(docs) == 0 || docs[0].ContainerJSONBase == nil {
		return types.ContainerJSON{}, notFound("docker inspect", ref)
	}
	return docs[0], nil
}

// Handle converts an inspect document into a ContainerHandle.
func Handle(info types.ContainerJSON) domain.ContainerHandle {
	h := domain.ContainerHandle{Networks: map[string]string{}}
	if info.ContainerJSONBase != nil {
		h.ID = info.ID
		h.Name = strings.TrimPrefix(info.Name, "/")
		if info.State != nil {
			h.Status = domain.ContainerStatus(info.State.Status)
		}
	}
	if info.Config != nil {
		h.Image = info.Config.Image
		if len(info.Config.Labels) > 0 {
			h.Labels = make(map[string]string, len(info.Config.Labels))
			for k, v := range info.Config.Labels {
				h.Labels[k] = v
			}
		}
	}
	if info.NetworkSettings != nil {
		for name, ep := range info.NetworkSettings.Networks {
			if ep != nil {
				h.Networks[name] = ep.IPAddress
			}
		}
	}
	return h
}

// ContainerState returns the state string of the named container, or ""
// when no such container exists.
func (c *Client) ContainerState(ctx context.Context, name string) (string, error) {
	if err := remote.ValidateRef("container", name); err != nil {
		return "", err
	}
	res, err := c.exec(ctx, "docker ps", "docker", "ps", "-a", "--filter", "name=^/"+name+"$", "--format", "{{.State}}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(firstLine(res.Stdout)), nil
}

// RunningContainers lists running containers whose name contains pattern,
// as "name image" pairs.
func (c *Client) RunningContainers(ctx context.Context, pattern string) ([][2]string, error) {
	args := []string{"docker", "ps", "--filter", "status=running"}
	if pattern != "" {
		if err := remote.ValidateRef("name filter", pattern); err != nil {
			return nil, err
		}
		args = append(args, "--filter", "name="+pattern)
	}
	args = append(args, "--format", "{{.Names}} {{.Image}}")
	res, err := c.exec(ctx, "docker ps", args...)
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		switch len(fields) {
		case 0:
			continue
		case 1:
			out = append(out, [2]string{fields[0], ""})
		default:
			out = append(out, [2]string{fields[0], fields[1]})
		}
	}
	return out, nil
}

// StartContainer starts a stopped container.
func (c *Client) StartContainer(ctx context.Context, ref string) error {
	return c.lifecycle(ctx, "start", ref)
}

// StopContainer stops a running container.
func (c *Client) StopContainer(ctx context.Context, ref string) error {
	return c.lifecycle(ctx, "stop", ref)
}

// RestartContainer restarts a container.
func (c *Client) RestartContainer(ctx context.Context, ref string) error {
	return c.lifecycle(ctx, "restart", ref)
}

// RemoveContainer removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, ref string) error {
	if err := remote.ValidateRef("container", ref); err != nil {
		return err
	}
	res, err := c.run(ctx, "docker", "rm", "-f", ref)
	if err != nil {
		return err
	}
	if !res.OK() && !isNoSuch(res) {
		return &domain.Error{Kind: domain.KindCommandFailed, Op: "docker rm", ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return nil
}

func (c *Client) lifecycle(ctx context.Context, verb, ref string) error {
	if err := remote.ValidateRef("container", ref); err != nil {
		return err
	}
	res, err := c.run(ctx, "docker", verb, ref)
	if err != nil {
		return err
	}
	if !res.OK() {
		if isNoSuch(res) {
			return notFound("docker "+verb, ref)
		}
		return &domain.Error{Kind: domain.KindCommandFailed, Op: "docker " + verb, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return nil
}

// ContainerLogs returns the last tail lines of combined container output.
func (c *Client) ContainerLogs(ctx context.Context, ref string, tail int) ([]string, error) {
	if err := remote.ValidateRef("container", ref); err != nil {
		return nil, err
	}
	if tail <= 0 {
		tail = 20
	}
	res, err := c.run(ctx, "docker", "logs", "--tail", strconv.Itoa(tail), ref)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		if isNoSuch(res) {
			return nil, notFound("docker logs", ref)
		}
		return nil, &domain.Error{Kind: domain.KindCommandFailed, Op: "docker logs", ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res.Lines(), nil
}

// ExecIn runs args inside a container.
func (c *Client) ExecIn(ctx context.Context, container string, args ...string) (remote.Result, error) {
	if err := remote.ValidateRef("container", container); err != nil {
		return remote.Result{}, err
	}
	return c.run(ctx, append([]string{"docker", "exec", container}, args...)...)
}

// Signal delivers a signal to a container's main process.
func (c *Client) Signal(ctx context.Context, container, signal string) error {
	if err := remote.ValidateRef("container", container); err != nil {
		return err
	}
	_, err := c.exec(ctx, "docker kill", "docker", "kill", "-s", signal, container)
	return err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
