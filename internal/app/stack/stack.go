// Package stack assembles the orchestrator components from configuration so
// the HTTP service and the CLI drive identical behavior.
package stack

import (
	"log/slog"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/repository"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/container"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/deploy"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/diagnose"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/ingress"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/provision"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/config"
)

// Deps are the runtime collaborators that differ between binaries.
type Deps struct {
	Dialer   remote.Dialer
	Store    repository.Store
	Vault    deploy.Decrypter
	Events   deploy.Publisher
	Notifier deploy.Notifier
	Logger   *slog.Logger
}

// Stack holds every configured component.
type Stack struct {
	Resolver   ingress.Resolver
	Nginx      ingress.Nginx
	Traefik    ingress.Traefik
	Containers container.Manager
	Diagnoser  diagnose.Runner
	Machine    *provision.Machine
	Deploy     deploy.Service
}

// New wires the components described by cfg.
func New(cfg config.OrchestratorConfig, deps Deps) Stack {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	resolver := ingress.NewResolver(ingress.ResolverConfig{
		SharedNetwork:   cfg.SharedNetwork,
		FallbackNetwork: cfg.FallbackNetwork,
		Strict:          cfg.StrictNetwork,
		TraefikPattern:  cfg.TraefikPattern,
		NginxContainer:  cfg.NginxContainerName,
		CommandTimeout:  cfg.SSHCommandTimeout,
	}, log.With("component", "resolver"))
	nginx := ingress.NewNginx(ingress.NginxConfig{
		ContainerName:  cfg.NginxContainerName,
		BaseDir:        cfg.NginxBaseDir,
		Image:          cfg.NginxImage,
		CommandTimeout: cfg.SSHCommandTimeout,
	}, log.With("component", "nginx"))
	traefik := ingress.NewTraefik(ingress.TraefikConfig{
		ContainerName:  cfg.TraefikContainerName,
		Image:          cfg.TraefikImage,
		CertResolver:   cfg.TraefikCertResolver,
		ACMEEmail:      cfg.TraefikACMEEmail,
		CommandTimeout: cfg.SSHCommandTimeout,
	}, log.With("component", "traefik"))
	containers := container.New(container.Config{
		CommandTimeout: cfg.SSHCommandTimeout,
		ProbeTimeout:   cfg.HealthProbeTimeout,
		ProbePath:      cfg.HealthProbePath,
		LogTail:        cfg.LogTailLines,
	}, log.With("component", "containers"))
	diagnoser := diagnose.New(resolver, nginx, containers, log.With("component", "diagnose"))
	machine := provision.New(provision.Config{
		CommandTimeout:   cfg.SSHCommandTimeout,
		InstallTimeout:   cfg.SSHInstallTimeout,
		NodeMajorVersion: cfg.NodeMajorVersion,
		ProxyEngine:      cfg.ProxyEngine,
		LogTail:          cfg.LogTailLines,
	}, deps.Dialer, deps.Store, deps.Events, resolver, nginx, traefik, log.With("component", "provision"))

	svc := deploy.New(deploy.Config{
		LogTail:       cfg.LogTailLines,
		NotifyTimeout: cfg.CallbackTimeout,
	}, deploy.Deps{
		Servers:     deps.Store,
		Deployments: deps.Store,
		Vault:       deps.Vault,
		Dialer:      deps.Dialer,
		Machine:     machine,
		Resolver:    resolver,
		Nginx:       nginx,
		Traefik:     traefik,
		Containers:  containers,
		Diagnoser:   diagnoser,
		Events:      deps.Events,
		Notifier:    deps.Notifier,
		Logger:      log.With("component", "deploy"),
	})
	return Stack{
		Resolver:   resolver,
		Nginx:      nginx,
		Traefik:    traefik,
		Containers: containers,
		Diagnoser:  diagnoser,
		Machine:    machine,
		Deploy:     svc,
	}
}
