package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/docker"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote"
)

// NginxConfig locates the managed nginx container and its host directories.
type NginxConfig struct {
	ContainerName  string
	BaseDir        string
	Image          string
	CommandTimeout time.Duration
}

// Nginx owns the per-project server blocks of the managed nginx container.
// Every change is validated with nginx -t before a reload is issued.
type Nginx struct {
	cfg    NginxConfig
	logger *slog.Logger
}

// NewNginx constructs an Nginx manager.
func NewNginx(cfg NginxConfig, logger *slog.Logger) Nginx {
	if cfg.ContainerName == "" {
		cfg.ContainerName = "deploy-manager-nginx"
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = "/opt/deploy-manager/nginx"
	}
	if cfg.Image == "" {
		cfg.Image = "nginx:alpine"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Nginx{cfg: cfg, logger: logger}
}

// ContainerName returns the managed container name.
func (n Nginx) ContainerName() string { return n.cfg.ContainerName }

// ConfDir is the host directory mounted as /etc/nginx/conf.d.
func (n Nginx) ConfDir() string { return path.Join(n.cfg.BaseDir, "conf.d") }

// ProjectPath is the server block file of a project.
func (n Nginx) ProjectPath(project string) string {
	return path.Join(n.ConfDir(), project+".conf")
}

func (n Nginx) files(s remote.Session) remote.Files {
	return remote.Files{Session: s, Timeout: n.cfg.CommandTimeout}
}

// EnsureProxyInstalled makes sure the nginx container exists, runs, and is
// attached to network.
func (n Nginx) EnsureProxyInstalled(ctx context.Context, s remote.Session, network string) error {
	cli := docker.New(s, n.cfg.CommandTimeout)
	state, err := cli.ContainerState(ctx, n.cfg.ContainerName)
	if err != nil {
		return fmt.Errorf("nginx state: %w", err)
	}
	switch state {
	case "running":
	case "":
		if err := n.install(ctx, s, network); err != nil {
			return err
		}
		n.logger.Info("nginx proxy installed", "container", n.cfg.ContainerName, "network", network)
		return nil
	default:
		if err := cli.StartContainer(ctx, n.cfg.ContainerName); err != nil {
			return fmt.Errorf("start nginx: %w", err)
		}
		n.logger.Info("nginx proxy started", "container", n.cfg.ContainerName, "previous_state", state)
	}
	if network == "" {
		return nil
	}
	if err := cli.ConnectNetwork(ctx, network, n.cfg.ContainerName); err != nil {
		return fmt.Errorf("attach nginx to %s: %w", network, err)
	}
	return nil
}

func (n Nginx) install(ctx context.Context, s remote.Session, network string) error {
	fs := n.files(s)
	logs := path.Join(n.cfg.BaseDir, "logs")
	if err := fs.MkdirAll(ctx, n.ConfDir(), logs); err != nil {
		return fmt.Errorf("prepare nginx directories: %w", err)
	}
	if err := fs.Write(ctx, path.Join(n.cfg.BaseDir, "nginx.conf"), baseConfig); err != nil {
		return fmt.Errorf("write nginx.conf: %w", err)
	}
	_, err := docker.New(s, n.cfg.CommandTimeout).RunContainer(ctx, docker.RunOptions{
		Name:    n.cfg.ContainerName,
		Image:   n.cfg.Image,
		Network: network,
		Restart: "unless-stopped",
		Publish: []string{"80:80", "443:443"},
		Volumes: []string{
			path.Join(n.cfg.BaseDir, "nginx.conf") + ":/etc/nginx/nginx.conf:ro",
			n.ConfDir() + ":/etc/nginx/conf.d",
			logs + ":/var/log/nginx",
		},
	})
	if err != nil {
		return fmt.Errorf("run nginx container: %w", err)
	}
	return nil
}

// ConfigureProject writes the server block routing domain to
// address:port, validates the full configuration and reloads once. When
// validation fails the previous file is restored byte for byte and no reload
// happens.
func (n Nginx) ConfigureProject(ctx context.Context, s remote.Session, project, host, address string, port int) (domain.ProxyRule, error) {
	if err := remote.ValidateProjectName(project); err != nil {
		return domain.ProxyRule{}, err
	}
	if err := remote.ValidateDomain(host); err != nil {
		return domain.ProxyRule{}, err
	}
	if err := remote.ValidateAddress(address); err != nil {
		return domain.ProxyRule{}, err
	}
	if err := remote.ValidatePort(port); err != nil {
		return domain.ProxyRule{}, err
	}
	contents, err := RenderVHost(project, host, address, port)
	if err != nil {
		return domain.ProxyRule{}, err
	}

	fs := n.files(s)
	final := n.ProjectPath(project)
	staged := final + ".tmp"
	backup := final + ".bak"

	if err := fs.Write(ctx, staged, contents); err != nil {
		return domain.ProxyRule{}, fmt.Errorf("stage nginx config: %w", err)
	}
	hadPrevious, err := fs.Exists(ctx, final)
	if err != nil {
		return domain.ProxyRule{}, fmt.Errorf("check nginx config: %w", err)
	}
	if hadPrevious {
		if err := fs.Copy(ctx, final, backup); err != nil {
			return domain.ProxyRule{}, fmt.Errorf("backup nginx config: %w", err)
		}
	}
	if err := fs.Move(ctx, staged, final); err != nil {
		return domain.ProxyRule{}, fmt.Errorf("install nginx config: %w", err)
	}

	if verr := n.Test(ctx, s); verr != nil {
		if rerr := n.restore(ctx, fs, final, backup, hadPrevious); rerr != nil {
			n.logger.Error("restore nginx config failed", "project", project, "error", rerr)
			return domain.ProxyRule{}, errors.Join(verr, rerr)
		}
		n.logger.Warn("nginx config rejected, previous config restored", "project", project, "error", verr)
		return domain.ProxyRule{}, verr
	}
	if hadPrevious {
		if err := fs.Remove(ctx, backup); err != nil {
			n.logger.Warn("remove nginx backup failed", "project", project, "error", err)
		}
	}
	if err := n.Reload(ctx, s); err != nil {
		return domain.ProxyRule{}, err
	}

	return domain.ProxyRule{
		Kind:          domain.ProxyNginx,
		Project:       project,
		Domain:        host,
		Path:          final,
		Contents:      contents,
		TargetAddress: address,
		TargetPort:    port,
	}, nil
}

func (n Nginx) restore(ctx context.Context, fs remote.Files, final, backup string, hadPrevious bool) error {
	if hadPrevious {
		return fs.Move(ctx, backup, final)
	}
	return fs.Remove(ctx, final)
}

// RemoveProject deletes the project's server block and reloads. A failed
// reload is logged, not returned.
func (n Nginx) RemoveProject(ctx context.Context, s remote.Session, project string) error {
	if err := remote.ValidateProjectName(project); err != nil {
		return err
	}
	final := n.ProjectPath(project)
	if err := n.files(s).Remove(ctx, final, final+".tmp", final+".bak"); err != nil {
		return fmt.Errorf("remove nginx config: %w", err)
	}
	if err := n.Reload(ctx, s); err != nil {
		n.logger.Warn("nginx reload after removal failed", "project", project, "error", err)
	}
	return nil
}

// ReadProjectRule loads the recorded rule of a project. The boolean is false
// when no server block exists.
func (n Nginx) ReadProjectRule(ctx context.Context, s remote.Session, project string) (domain.ProxyRule, bool, error) {
	if err := remote.ValidateProjectName(project); err != nil {
		return domain.ProxyRule{}, false, err
	}
	fs := n.files(s)
	final := n.ProjectPath(project)
	exists, err := fs.Exists(ctx, final)
	if err != nil || !exists {
		return domain.ProxyRule{}, false, err
	}
	contents, err := fs.Read(ctx, final)
	if err != nil {
		return domain.ProxyRule{}, false, err
	}
	rule, err := ParseVHost(project, contents)
	rule.Path = final
	if err != nil {
		n.logger.Warn("unparseable nginx config", "project", project, "error", err)
	}
	return rule, true, nil
}

// Test runs nginx -t inside the container.
func (n Nginx) Test(ctx context.Context, s remote.Session) error {
	res, err := docker.New(s, n.cfg.CommandTimeout).ExecIn(ctx, n.cfg.ContainerName, "nginx", "-t")
	if err != nil {
		return err
	}
	if !res.OK() {
		return &domain.Error{
			Kind:     domain.KindConfigValidationFailed,
			Op:       "nginx -t",
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(res.Stderr),
		}
	}
	return nil
}

// Reload asks nginx to reload its configuration, falling back to a HUP
// signal when exec is unavailable.
func (n Nginx) Reload(ctx context.Context, s remote.Session) error {
	cli := docker.New(s, n.cfg.CommandTimeout)
	res, err := cli.ExecIn(ctx, n.cfg.ContainerName, "nginx", "-s", "reload")
	if err == nil && res.OK() {
		return nil
	}
	if err != nil && domain.KindOf(err) == domain.KindChannelClosed {
		return err
	}
	n.logger.Warn("nginx reload via exec failed, signalling container", "container", n.cfg.ContainerName, "stderr", res.Stderr)
	if serr := cli.Signal(ctx, n.cfg.ContainerName, "HUP"); serr != nil {
		return fmt.Errorf("reload nginx: %w", serr)
	}
	return nil
}
