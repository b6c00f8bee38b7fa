package provision

import (
	"context"
	"fmt"
	"strings"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/docker"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote"
)

// Step is one idempotent provisioning stage. Check must be side-effect free;
// Install runs only when Check reports the software missing.
type Step struct {
	Name     string
	Software string
	Progress int
	// SkipWhenReady leaves the step out when Ensure runs on a ready host.
	SkipWhenReady bool
	Check         func(ctx context.Context, s remote.Session) (bool, error)
	Install       func(ctx context.Context, s remote.Session) (remote.Result, error)
}

const aptEnv = "DEBIAN_FRONTEND=noninteractive"

// AptFreshCommand succeeds when the package index was refreshed within a day.
const AptFreshCommand = "find /var/lib/apt/lists -maxdepth 1 -name '*_Packages' -mmin -1440 | grep -q ."

// Steps returns the ordered provisioning stages.
func (m *Machine) Steps() []Step {
	node := m.cfg.NodeMajorVersion
	return []Step{
		{
			Name:          "apt_update",
			Progress:      10,
			SkipWhenReady: true,
			Check:         m.commandCheck(AptFreshCommand, nil),
			Install:       m.commandInstall(aptEnv + " apt-get update -y && " + aptEnv + " apt-get install -y curl ca-certificates"),
		},
		{
			Name:     "docker",
			Software: domain.SoftwareDocker,
			Progress: 30,
			Check:    m.dockerPresent,
			Install:  m.commandInstall("curl -fsSL https://get.docker.com | sh && systemctl enable --now docker"),
		},
		{
			Name:     "compose",
			Software: domain.SoftwareCompose,
			Progress: 45,
			Check:    m.commandCheck("docker compose version", nil),
			Install:  m.commandInstall(aptEnv + " apt-get install -y docker-compose-plugin"),
		},
		{
			Name:     "git",
			Software: domain.SoftwareGit,
			Progress: 55,
			Check:    m.commandCheck("git --version", nil),
			Install:  m.commandInstall(aptEnv + " apt-get install -y git"),
		},
		{
			Name:     "node",
			Software: domain.SoftwareNode,
			Progress: 70,
			Check: m.commandCheck("node --version", func(out string) bool {
				return strings.HasPrefix(strings.TrimSpace(out), fmt.Sprintf("v%d.", node))
			}),
			Install: m.commandInstall(fmt.Sprintf("curl -fsSL https://deb.nodesource.com/setup_%d.x | bash - && %s apt-get install -y nodejs", node, aptEnv)),
		},
		{
			Name:     "proxy_engine",
			Software: domain.SoftwareProxy,
			Progress: 85,
			Check:    m.proxyPresent,
			Install:  m.installProxy,
		},
		{
			Name:     "network",
			Software: domain.SoftwareSharedNetwork,
			Progress: 100,
			Check:    m.networkPresent,
			Install:  m.createNetwork,
		},
	}
}

func (m *Machine) commandCheck(cmd string, verify func(stdout string) bool) func(context.Context, remote.Session) (bool, error) {
	return func(ctx context.Context, s remote.Session) (bool, error) {
		res, err := s.Run(ctx, cmd, m.cfg.CommandTimeout)
		if err != nil {
			return false, err
		}
		if !res.OK() {
			return false, nil
		}
		return verify == nil || verify(res.Stdout), nil
	}
}

func (m *Machine) commandInstall(cmd string) func(context.Context, remote.Session) (remote.Result, error) {
	return func(ctx context.Context, s remote.Session) (remote.Result, error) {
		return s.Run(ctx, cmd, m.cfg.InstallTimeout)
	}
}

// dockerPresent asks the daemon for its version, so an installed CLI with a
// stopped daemon counts as missing.
func (m *Machine) dockerPresent(ctx context.Context, s remote.Session) (bool, error) {
	err := docker.New(s, m.cfg.CommandTimeout).Ping(ctx)
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	switch domain.KindOf(err) {
	case domain.KindNetworkTimeout, domain.KindChannelClosed, domain.KindAuth:
		return false, err
	}
	return false, nil
}

func (m *Machine) proxyPresent(ctx context.Context, s remote.Session) (bool, error) {
	traefik, err := m.resolver.IsTraefikRunning(ctx, s)
	if err != nil || traefik {
		return traefik, err
	}
	name := m.nginx.ContainerName()
	if m.cfg.ProxyEngine == string(domain.ProxyTraefik) {
		name = m.traefik.ContainerName()
	}
	state, err := docker.New(s, m.cfg.CommandTimeout).ContainerState(ctx, name)
	if err != nil {
		return false, err
	}
	return state == "running", nil
}

func (m *Machine) installProxy(ctx context.Context, s remote.Session) (remote.Result, error) {
	network, err := m.resolver.PreferredNetwork(ctx, s)
	if err != nil {
		return remote.Result{}, err
	}
	if err := m.resolver.EnsureNetwork(ctx, s, network); err != nil {
		return remote.Result{}, err
	}
	if m.cfg.ProxyEngine == string(domain.ProxyTraefik) {
		if err := m.traefik.EnsureInstalled(ctx, s, network); err != nil {
			return remote.Result{}, err
		}
		return remote.Result{Stdout: "traefik running on network " + network}, nil
	}
	if err := m.nginx.EnsureProxyInstalled(ctx, s, network); err != nil {
		return remote.Result{}, err
	}
	return remote.Result{Stdout: "nginx running on network " + network}, nil
}

func (m *Machine) networkPresent(ctx context.Context, s remote.Session) (bool, error) {
	network, err := m.resolver.PreferredNetwork(ctx, s)
	if err != nil {
		return false, err
	}
	return docker.New(s, m.cfg.CommandTimeout).NetworkExists(ctx, network)
}

func (m *Machine) createNetwork(ctx context.Context, s remote.Session) (remote.Result, error) {
	network, err := m.resolver.PreferredNetwork(ctx, s)
	if err != nil {
		return remote.Result{}, err
	}
	if err := m.resolver.EnsureNetwork(ctx, s, network); err != nil {
		return remote.Result{}, err
	}
	return remote.Result{Stdout: "network " + network + " ready"}, nil
}
