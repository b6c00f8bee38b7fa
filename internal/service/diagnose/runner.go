// Package diagnose inspects a deployed project end to end and applies the
// single corrective action matching the classified failure.
package diagnose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/container"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/ingress"
)

// Classification is the first failing layer found for a project.
type Classification string

const (
	ContainerAbsent      Classification = "container_absent"
	ContainerStopped     Classification = "container_stopped"
	NetworkNotAttached   Classification = "network_not_attached"
	ContainerUnreachable Classification = "container_unreachable"
	ProxyMissing         Classification = "proxy_missing"
	StaleRoute           Classification = "stale_route"
	ProxyUnreachable     Classification = "proxy_unreachable"
	Healthy              Classification = "healthy"
)

// Action names the corrective step Repair applied.
type Action string

const (
	ActionNone           Action = ""
	ActionStartContainer Action = "start_container"
	ActionConnectNetwork Action = "connect_network"
	ActionRestart        Action = "restart_container"
	ActionRewriteRoute   Action = "rewrite_proxy_config"
	ActionReloadProxy    Action = "reload_proxy"
	ActionStartProxy     Action = "start_proxy"
	ActionConnectProxy   Action = "connect_proxy_network"
)

// Target identifies the project to examine.
type Target struct {
	Project string `json:"project_name"`
	Domain  string `json:"domain"`
	Port    int    `json:"port"`
}

// Report is the outcome of one diagnosis, and of a repair when Action is set.
type Report struct {
	Project           string           `json:"project_name"`
	Classification    Classification   `json:"classification"`
	Detail            string           `json:"detail,omitempty"`
	ProxyKind         domain.ProxyKind `json:"proxy_kind"`
	Network           string           `json:"network"`
	ContainerID       string           `json:"container_id,omitempty"`
	ContainerStatus   string           `json:"container_status,omitempty"`
	LiveAddress       string           `json:"live_address,omitempty"`
	RouteTarget       string           `json:"route_target,omitempty"`
	ProxyContainer    string           `json:"proxy_container,omitempty"`
	ProxyState        string           `json:"proxy_state,omitempty"`
	ProxyAttached     bool             `json:"proxy_attached"`
	DirectStatus      int              `json:"direct_status,omitempty"`
	ProxyStatus       int              `json:"proxy_status,omitempty"`
	Action            Action           `json:"action,omitempty"`
	Repaired          bool             `json:"repaired"`
	RecommendRedeploy bool             `json:"recommend_redeploy"`
	CheckedAt         time.Time        `json:"checked_at"`
}

// Healthy reports whether every layer answered.
func (r Report) Healthy() bool { return r.Classification == Healthy }

// Err converts a failing report into a classified error; nil when healthy.
func (r Report) Err() error {
	if r.Healthy() {
		return nil
	}
	kind := domain.KindContainerUnhealthy
	switch r.Classification {
	case StaleRoute:
		kind = domain.KindStaleRoute
	case ContainerAbsent, ProxyMissing:
		kind = domain.KindNotFound
	}
	return domain.NewError(kind, "diagnose "+r.Project, string(r.Classification)+": "+r.Detail)
}

// Runner composes the resolver, proxy managers and container manager into
// read-only checks and one-shot repairs.
type Runner struct {
	resolver   ingress.Resolver
	nginx      ingress.Nginx
	containers container.Manager
	logger     *slog.Logger
	now        func() time.Time
}

// New constructs a Runner.
func New(resolver ingress.Resolver, nginx ingress.Nginx, containers container.Manager, logger *slog.Logger) Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return Runner{
		resolver:   resolver,
		nginx:      nginx,
		containers: containers,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func validateTarget(t Target) error {
	if err := remote.ValidateProjectName(t.Project); err != nil {
		return err
	}
	if err := remote.ValidateDomain(t.Domain); err != nil {
		return err
	}
	return remote.ValidatePort(t.Port)
}

// Diagnose walks container, network, in-network probe, proxy container, proxy
// rule and end-to-end probe in that order and stops at the first failing
// layer.
func (r Runner) Diagnose(ctx context.Context, s remote.Session, t Target) (Report, error) {
	if err := validateTarget(t); err != nil {
		return Report{}, err
	}
	strategy, err := r.resolver.Resolve(ctx, s)
	if err != nil {
		return Report{}, fmt.Errorf("resolve proxy: %w", err)
	}
	rep := Report{
		Project:   t.Project,
		ProxyKind: strategy.Kind,
		Network:   strategy.Network,
		CheckedAt: r.now(),
	}

	handle, err := r.containers.Inspect(ctx, s, domain.ContainerNameFor(t.Project))
	if errors.Is(err, domain.ErrNotFound) {
		return rep.classify(ContainerAbsent, "no container named "+domain.ContainerNameFor(t.Project)), nil
	}
	if err != nil {
		return Report{}, err
	}
	rep.ContainerID = handle.ID
	rep.ContainerStatus = string(handle.Status)
	if !handle.Running() {
		return rep.classify(ContainerStopped, "container status is "+string(handle.Status)), nil
	}

	ip, ok := handle.AddressOn(strategy.Network)
	if !ok {
		return rep.classify(NetworkNotAttached, "container has no address on "+strategy.Network), nil
	}
	rep.LiveAddress = ip

	rep.DirectStatus, err = r.containers.Probe(ctx, s, ip, t.Port, "")
	if err != nil {
		return Report{}, err
	}
	if !container.Healthy(rep.DirectStatus) {
		return rep.classify(ContainerUnreachable, fmt.Sprintf("in-network probe returned %d", rep.DirectStatus)), nil
	}

	if strategy.Kind != domain.ProxyNone {
		failed, err := r.inspectProxy(ctx, s, strategy, &rep)
		if err != nil {
			return Report{}, err
		}
		if failed {
			return rep, nil
		}
	}

	switch strategy.Kind {
	case domain.ProxyNginx:
		rule, found, err := r.nginx.ReadProjectRule(ctx, s, t.Project)
		if err != nil {
			return Report{}, err
		}
		if !found {
			return rep.classify(ProxyMissing, "no server block at "+r.nginx.ProjectPath(t.Project)), nil
		}
		rep.RouteTarget = rule.Target()
		live := net.JoinHostPort(ip, strconv.Itoa(t.Port))
		if !strings.Contains(rule.Contents, "http://"+live+";") || rule.Domain != t.Domain {
			return rep.classify(StaleRoute, fmt.Sprintf("rule routes %s to %s, container is at %s", rule.Domain, rule.Target(), live)), nil
		}
	case domain.ProxyTraefik:
		host, port, network, found := ingress.Labels(handle.Labels).Route(t.Project)
		if !found {
			return rep.classify(ProxyMissing, "container carries no traefik router for "+t.Project), nil
		}
		rep.RouteTarget = net.JoinHostPort(host, strconv.Itoa(port))
		if host != t.Domain || port != t.Port || (network != "" && network != strategy.Network) {
			return rep.classify(StaleRoute, fmt.Sprintf("labels route %s:%d on %s, want %s:%d on %s", host, port, network, t.Domain, t.Port, strategy.Network)), nil
		}
	default:
		return rep.classify(ProxyMissing, "no reverse proxy installed on host"), nil
	}

	rep.ProxyStatus, err = r.containers.ProbeVia(ctx, s, t.Domain)
	if err != nil {
		return Report{}, err
	}
	if !container.Routed(rep.ProxyStatus, rep.DirectStatus) {
		detail := fmt.Sprintf("request through proxy returned %d", rep.ProxyStatus)
		if rep.ProxyStatus == http.StatusNotFound {
			detail += ", the proxy has not loaded a route for " + t.Domain
		}
		return rep.classify(ProxyUnreachable, detail), nil
	}
	return rep.classify(Healthy, ""), nil
}

// inspectProxy records the proxy container's state on rep. It reports true
// when the proxy cannot carry traffic to the application network, with rep
// already classified.
func (r Runner) inspectProxy(ctx context.Context, s remote.Session, strategy ingress.Strategy, rep *Report) (bool, error) {
	name, err := r.resolver.ProxyContainer(ctx, s, strategy.Kind)
	if err != nil {
		return false, err
	}
	rep.ProxyContainer = name
	proxy, err := r.containers.Inspect(ctx, s, name)
	if errors.Is(err, domain.ErrNotFound) {
		*rep = rep.classify(ProxyMissing, "proxy container "+name+" does not exist")
		return true, nil
	}
	if err != nil {
		return false, err
	}
	rep.ProxyState = string(proxy.Status)
	if !proxy.Running() {
		*rep = rep.classify(ProxyUnreachable, fmt.Sprintf("proxy container %s is %s", name, proxy.Status))
		return true, nil
	}
	if _, ok := proxy.AddressOn(strategy.Network); !ok {
		*rep = rep.classify(ProxyUnreachable, fmt.Sprintf("proxy container %s is not attached to %s", name, strategy.Network))
		return true, nil
	}
	rep.ProxyAttached = true
	return false, nil
}

func (r Report) classify(c Classification, detail string) Report {
	r.Classification = c
	r.Detail = detail
	return r
}

// Repair diagnoses the project, applies at most one corrective action and
// diagnoses once more. It never loops: a project still failing afterwards is
// reported with RecommendRedeploy set.
func (r Runner) Repair(ctx context.Context, s remote.Session, t Target) (Report, error) {
	before, err := r.Diagnose(ctx, s, t)
	if err != nil {
		return Report{}, err
	}
	if before.Healthy() {
		return before, nil
	}
	log := r.logger.With("project", t.Project, "classification", before.Classification)

	action, err := r.apply(ctx, s, t, before)
	if err != nil {
		log.Warn("repair action failed", "action", action, "error", err)
		before.Action = action
		before.RecommendRedeploy = true
		before.Detail = before.Detail + "; repair failed: " + err.Error()
		return before, nil
	}
	if action == ActionNone {
		log.Info("no repair available, redeploy required")
		before.RecommendRedeploy = true
		return before, nil
	}

	after, err := r.Diagnose(ctx, s, t)
	if err != nil {
		return Report{}, err
	}
	after.Action = action
	after.Repaired = after.Healthy()
	after.RecommendRedeploy = !after.Healthy()
	log.Info("repair applied", "action", action, "result", after.Classification)
	return after, nil
}

func (r Runner) apply(ctx context.Context, s remote.Session, t Target, rep Report) (Action, error) {
	name := domain.ContainerNameFor(t.Project)
	switch rep.Classification {
	case ContainerStopped:
		return ActionStartContainer, r.containers.Start(ctx, s, name)
	case NetworkNotAttached:
		return ActionConnectNetwork, r.containers.ConnectNetwork(ctx, s, rep.Network, name)
	case ContainerUnreachable:
		return ActionRestart, r.containers.Restart(ctx, s, name)
	case ProxyMissing, StaleRoute:
		// Traefik routes live in container labels and cannot be patched.
		if rep.ProxyKind != domain.ProxyNginx {
			return ActionNone, nil
		}
		_, err := r.nginx.ConfigureProject(ctx, s, t.Project, t.Domain, rep.LiveAddress, t.Port)
		return ActionRewriteRoute, err
	case ProxyUnreachable:
		switch {
		case rep.ProxyState != string(domain.ContainerRunning):
			if rep.ProxyKind != domain.ProxyNginx {
				return ActionNone, nil
			}
			// Starting also joins the application network.
			return ActionStartProxy, r.nginx.EnsureProxyInstalled(ctx, s, rep.Network)
		case !rep.ProxyAttached:
			return ActionConnectProxy, r.containers.ConnectNetwork(ctx, s, rep.Network, rep.ProxyContainer)
		case rep.ProxyKind == domain.ProxyNginx:
			return ActionReloadProxy, r.nginx.Reload(ctx, s)
		}
	}
	return ActionNone, nil
}
