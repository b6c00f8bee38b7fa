package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/docker"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote"
)

// ResolverConfig names the networks and containers the resolver looks for.
type ResolverConfig struct {
	SharedNetwork   string
	FallbackNetwork string
	Strict          bool
	TraefikPattern  string
	NginxContainer  string
	CommandTimeout  time.Duration
}

// Strategy is the routing approach selected for a host.
type Strategy struct {
	Kind    domain.ProxyKind `json:"kind"`
	Network string           `json:"network"`
}

// Resolver detects which reverse proxy owns a host and which docker network
// routed containers must join.
type Resolver struct {
	cfg    ResolverConfig
	logger *slog.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig, logger *slog.Logger) Resolver {
	if cfg.SharedNetwork == "" {
		cfg.SharedNetwork = "coolify"
	}
	if cfg.FallbackNetwork == "" {
		cfg.FallbackNetwork = "deploy-manager"
	}
	if cfg.TraefikPattern == "" {
		cfg.TraefikPattern = "traefik"
	}
	if cfg.NginxContainer == "" {
		cfg.NginxContainer = "deploy-manager-nginx"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Resolver{cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (r Resolver) Config() ResolverConfig { return r.cfg }

// DetectNetwork returns the network routed containers should join. The shared
// PaaS network wins when present. Otherwise the fallback network is used; in
// strict mode it must already exist.
func (r Resolver) DetectNetwork(ctx context.Context, s remote.Session) (string, error) {
	networks, err := docker.New(s, r.cfg.CommandTimeout).ListNetworks(ctx)
	if err != nil {
		return "", fmt.Errorf("detect network: %w", err)
	}
	hasFallback := false
	for _, n := range networks {
		if n == r.cfg.SharedNetwork {
			return n, nil
		}
		if n == r.cfg.FallbackNetwork {
			hasFallback = true
		}
	}
	if r.cfg.Strict && !hasFallback {
		return "", domain.NewError(domain.KindNotFound, "detect network",
			fmt.Sprintf("neither %s nor %s exists and strict network mode is enabled", r.cfg.SharedNetwork, r.cfg.FallbackNetwork))
	}
	r.logger.Warn("shared network not found, using fallback",
		"shared", r.cfg.SharedNetwork,
		"fallback", r.cfg.FallbackNetwork,
	)
	return r.cfg.FallbackNetwork, nil
}

// PreferredNetwork is DetectNetwork without strict mode; provisioning uses it
// to decide which network to create.
func (r Resolver) PreferredNetwork(ctx context.Context, s remote.Session) (string, error) {
	relaxed := r
	relaxed.cfg.Strict = false
	return relaxed.DetectNetwork(ctx, s)
}

// IsTraefikRunning reports whether a running container looks like Traefik,
// either by name or by image.
func (r Resolver) IsTraefikRunning(ctx context.Context, s remote.Session) (bool, error) {
	name, err := r.TraefikContainer(ctx, s)
	return name != "", err
}

// TraefikContainer returns the name of the running Traefik container, or ""
// when there is none.
func (r Resolver) TraefikContainer(ctx context.Context, s remote.Session) (string, error) {
	running, err := docker.New(s, r.cfg.CommandTimeout).RunningContainers(ctx, "")
	if err != nil {
		return "", fmt.Errorf("detect traefik: %w", err)
	}
	for _, c := range running {
		name, image := c[0], c[1]
		if strings.Contains(name, r.cfg.TraefikPattern) || strings.HasPrefix(image, "traefik") {
			return name, nil
		}
	}
	return "", nil
}

// ProxyContainer names the container that serves kind on this host.
func (r Resolver) ProxyContainer(ctx context.Context, s remote.Session, kind domain.ProxyKind) (string, error) {
	switch kind {
	case domain.ProxyNginx:
		return r.cfg.NginxContainer, nil
	case domain.ProxyTraefik:
		name, err := r.TraefikContainer(ctx, s)
		if err != nil {
			return "", err
		}
		if name != "" {
			return name, nil
		}
	}
	return "", domain.NewError(domain.KindNotFound, "proxy container", "no "+string(kind)+" proxy running")
}

// IsNginxInstalled reports whether the managed nginx container exists.
func (r Resolver) IsNginxInstalled(ctx context.Context, s remote.Session) (bool, error) {
	state, err := docker.New(s, r.cfg.CommandTimeout).ContainerState(ctx, r.cfg.NginxContainer)
	if err != nil {
		return false, fmt.Errorf("detect nginx: %w", err)
	}
	return state != "", nil
}

// EnsureNetwork creates the network when missing.
func (r Resolver) EnsureNetwork(ctx context.Context, s remote.Session, name string) error {
	cli := docker.New(s, r.cfg.CommandTimeout)
	exists, err := cli.NetworkExists(ctx, name)
	if err != nil {
		return fmt.Errorf("inspect network %s: %w", name, err)
	}
	if exists {
		return nil
	}
	if err := cli.CreateNetwork(ctx, name); err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	r.logger.Info("created docker network", "network", name)
	return nil
}

// Resolve picks the proxy strategy: an existing Traefik wins, then the
// managed nginx, else none and the caller must provision.
func (r Resolver) Resolve(ctx context.Context, s remote.Session) (Strategy, error) {
	network, err := r.DetectNetwork(ctx, s)
	if err != nil {
		return Strategy{}, err
	}
	traefik, err := r.IsTraefikRunning(ctx, s)
	if err != nil {
		return Strategy{}, err
	}
	if traefik {
		return Strategy{Kind: domain.ProxyTraefik, Network: network}, nil
	}
	nginx, err := r.IsNginxInstalled(ctx, s)
	if err != nil {
		return Strategy{}, err
	}
	if nginx {
		return Strategy{Kind: domain.ProxyNginx, Network: network}, nil
	}
	return Strategy{Kind: domain.ProxyNone, Network: network}, nil
}
