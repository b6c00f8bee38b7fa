package deploy

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote/remotetest"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/repository/memory"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/container"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/diagnose"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/ingress"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/provision"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/callback"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/crypto"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/logger"
)

type recorder struct {
	mu     sync.Mutex
	events map[string][]domain.Event
}

func (r *recorder) Publish(topic string, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = map[string][]domain.Event{}
	}
	r.events[topic] = append(r.events[topic], ev)
}

func (r *recorder) topic(name string) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events[name]...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	statuses []callback.Status
}

func (f *fakeNotifier) Notify(_ context.Context, s callback.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, s)
	return nil
}

type harness struct {
	host     *remotetest.Host
	repo     *memory.Repository
	events   *recorder
	notifier *fakeNotifier
	nginx    ingress.Nginx
	svc      Service
}

func newHarness(t *testing.T, host *remotetest.Host) harness {
	t.Helper()
	log := logger.Discard()
	repo := memory.New()
	vault, err := crypto.NewVault("test passphrase", "salt")
	require.NoError(t, err)
	password, err := vault.Encrypt("hunter2")
	require.NoError(t, err)
	require.NoError(t, repo.CreateServer(context.Background(), &domain.StoredServer{
		ID:                "srv-1",
		Name:              "demo box",
		Host:              "203.0.113.10",
		Username:          "root",
		EncryptedPassword: password,
		CreatedAt:         time.Now(),
	}))

	events := &recorder{}
	notifier := &fakeNotifier{}
	resolver := ingress.NewResolver(ingress.ResolverConfig{}, log)
	nginx := ingress.NewNginx(ingress.NginxConfig{}, log)
	traefik := ingress.NewTraefik(ingress.TraefikConfig{}, log)
	containers := container.New(container.Config{ProbeTimeout: 20 * time.Millisecond, ProbeInterval: time.Millisecond}, log)
	machine := provision.New(provision.Config{}, host, repo, events, resolver, nginx, traefik, log)

	svc := New(Config{}, Deps{
		Servers:     repo,
		Deployments: repo,
		Vault:       vault,
		Dialer:      host,
		Machine:     machine,
		Resolver:    resolver,
		Nginx:       nginx,
		Traefik:     traefik,
		Containers:  containers,
		Diagnoser:   diagnose.New(resolver, nginx, containers, log),
		Events:      events,
		Notifier:    notifier,
		Logger:      log,
	})
	return harness{host: host, repo: repo, events: events, notifier: notifier, nginx: nginx, svc: svc}
}

func demoRequest() Request {
	return Request{
		ServerID: "srv-1",
		Image:    "ghcr.io/acme/demo:1.0.0",
		Project: domain.ProjectDeployment{
			Name:   "demo",
			Domain: "demo.example.com",
			Port:   3000,
			Env:    map[string]string{"NODE_ENV": "production"},
		},
	}
}

func TestDeployDemoOnBareNginxHost(t *testing.T) {
	h := newHarness(t, remotetest.NewHost())
	ctx := context.Background()

	res, err := h.svc.Deploy(ctx, demoRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.ProxyNginx, res.ProxyKind)

	c, ok := h.host.Container("app-demo")
	require.True(t, ok)
	ip := c.Networks["deploy-manager"]
	require.NotEmpty(t, ip)
	assert.Equal(t, ip+":3000", res.Address)
	assert.Equal(t, c.ID, res.ContainerID)
	assert.Equal(t, "production", c.Env["NODE_ENV"])
	assert.Equal(t, "true", c.Labels[LabelManagedBy])

	conf, ok := h.host.File(h.nginx.ProjectPath("demo"))
	require.True(t, ok)
	assert.Contains(t, conf, "server_name demo.example.com;")
	assert.Contains(t, conf, "proxy_pass http://"+ip+":3000;")
	assert.Equal(t, 1, h.host.Reloads())

	stored, err := h.repo.GetDeployment(ctx, res.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentSucceeded, stored.Status)
	assert.Equal(t, res.Address, stored.Address)

	events := h.events.topic(domain.DeploymentTopic(res.DeploymentID))
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventProgress, last.Type)
	assert.Equal(t, 100, last.Progress.Progress)
	var result *domain.Result
	for _, ev := range events {
		if ev.Type == domain.EventResult {
			result = ev.Result
		}
	}
	require.NotNil(t, result)
	assert.Equal(t, res.Address, result.Address)
	assert.NotEmpty(t, h.events.topic(domain.ServerTopic("srv-1")), "provisioning streams on the server topic")

	require.Len(t, h.notifier.statuses, 1)
	assert.Equal(t, "succeeded", h.notifier.statuses[0].Status)

	rep, err := h.svc.Diagnose(ctx, "srv-1", diagnose.Target{Project: "demo", Domain: "demo.example.com", Port: 3000})
	require.NoError(t, err)
	assert.Equal(t, diagnose.Healthy, rep.Classification)
}

func TestRedeployReplacesContainerAndRoute(t *testing.T) {
	h := newHarness(t, remotetest.NewHost())
	ctx := context.Background()

	first, err := h.svc.Deploy(ctx, demoRequest())
	require.NoError(t, err)
	h.host.ResetCommands()

	second, err := h.svc.Deploy(ctx, demoRequest())
	require.NoError(t, err)
	assert.NotEqual(t, first.ContainerID, second.ContainerID)
	assert.NotEqual(t, first.DeploymentID, second.DeploymentID)
	assert.Equal(t, 2, h.host.Reloads())
	for _, install := range []string{"apt-get", "get.docker.com", "nodesource"} {
		assert.Zero(t, h.host.CommandsContaining(install), install)
	}

	conf, _ := h.host.File(h.nginx.ProjectPath("demo"))
	assert.Contains(t, conf, "proxy_pass http://"+second.Address+";")
}

func TestDeployJoinsProxyToSharedNetworkCreatedLater(t *testing.T) {
	h := newHarness(t, remotetest.NewHost())
	ctx := context.Background()
	target := diagnose.Target{Project: "demo", Domain: "demo.example.com", Port: 3000}

	_, err := h.svc.Deploy(ctx, demoRequest())
	require.NoError(t, err)
	nginx, _ := h.host.Container("deploy-manager-nginx")
	require.NotContains(t, nginx.Networks, "coolify")

	// A PaaS installed afterwards brings the shared network with it.
	h.host.Networks["coolify"] = true

	res, err := h.svc.Deploy(ctx, demoRequest())
	require.NoError(t, err)
	c, _ := h.host.Container("app-demo")
	assert.Equal(t, c.Networks["coolify"]+":3000", res.Address)

	nginx, _ = h.host.Container("deploy-manager-nginx")
	assert.Contains(t, nginx.Networks, "coolify")
	assert.Contains(t, nginx.Networks, "deploy-manager")

	rep, err := h.svc.Diagnose(ctx, "srv-1", target)
	require.NoError(t, err)
	assert.Equal(t, diagnose.Healthy, rep.Classification)
	assert.Equal(t, "coolify", rep.Network)
}

func TestDeployFailsWhenRouteIsNotServed(t *testing.T) {
	host := remotetest.NewHost()
	h := newHarness(t, host)
	// nginx acknowledges the reload but keeps serving the old configuration.
	host.FailNext("nginx -s reload", 1, 0, "")

	_, err := h.svc.Deploy(context.Background(), demoRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrContainerUnhealthy)
	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Contains(t, derr.Detail, "proxy answered 404")

	deployments, err := h.repo.ListDeploymentsByServer(context.Background(), "srv-1", 0)
	require.NoError(t, err)
	require.Len(t, deployments, 1)
	assert.Equal(t, domain.DeploymentFailed, deployments[0].Status)
	require.Len(t, h.notifier.statuses, 1)
	assert.Equal(t, "container_unhealthy", h.notifier.statuses[0].ErrorKind)
}

func TestDeployRejectsInjectionBeforeAnyCommand(t *testing.T) {
	h := newHarness(t, remotetest.NewHost())
	req := demoRequest()
	req.Project.Name = "demo; rm -rf /"

	_, err := h.svc.Deploy(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Empty(t, h.host.Commands())

	deployments, err := h.repo.ListDeploymentsByServer(context.Background(), "srv-1", 0)
	require.NoError(t, err)
	assert.Empty(t, deployments)

	req = demoRequest()
	req.Project.Env = map[string]string{"BAD KEY": "x"}
	_, err = h.svc.Deploy(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	req = demoRequest()
	req.Image = "demo:1 && reboot"
	_, err = h.svc.Deploy(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Empty(t, h.host.Commands())
}

func TestDeployBehindExistingTraefik(t *testing.T) {
	host := remotetest.NewHost()
	host.Install("docker", "compose", "git", "node")
	host.AptFresh = true
	host.AddContainer("coolify-proxy", "traefik:v2.11", 80, "coolify")
	h := newHarness(t, host)

	req := demoRequest()
	req.Project.TLSEnabled = true
	res, err := h.svc.Deploy(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.ProxyTraefik, res.ProxyKind)

	c, ok := host.Container("app-demo")
	require.True(t, ok)
	assert.Contains(t, c.Networks, "coolify")
	assert.Equal(t, "Host(`demo.example.com`)", c.Labels["traefik.http.routers.demo.rule"])
	assert.Equal(t, "true", c.Labels["traefik.http.routers.demo-secure.tls"])
	assert.Equal(t, "coolify", c.Labels["traefik.docker.network"])
	assert.Zero(t, host.CommandsContaining("cat > "), "traefik routing writes no files")
	assert.Zero(t, host.Reloads())
	assert.Equal(t, "demo.example.com", res.Rule.Domain)
}

func TestUnhealthyDeployIsRecordedWithLogs(t *testing.T) {
	host := remotetest.NewHost()
	host.UnhealthyImages["ghcr.io/acme/demo:1.0.0"] = true
	h := newHarness(t, host)

	res, err := h.svc.Deploy(context.Background(), demoRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrContainerUnhealthy)
	assert.Empty(t, res.DeploymentID)

	deployments, err := h.repo.ListDeploymentsByServer(context.Background(), "srv-1", 0)
	require.NoError(t, err)
	require.Len(t, deployments, 1)
	d := deployments[0]
	assert.Equal(t, domain.DeploymentFailed, d.Status)
	require.NotNil(t, d.Failure)
	assert.Equal(t, domain.KindContainerUnhealthy, d.Failure.ErrorKind)
	assert.Contains(t, strings.Join(d.Failure.LogTail, "\n"), "application crashed")

	_, written := host.File(h.nginx.ProjectPath("demo"))
	assert.False(t, written, "no route for an unhealthy container")
	_, kept := host.Container("app-demo")
	assert.True(t, kept)

	var sawError bool
	for _, ev := range h.events.topic(domain.DeploymentTopic(d.ID)) {
		if ev.Type == domain.EventError {
			sawError = true
			assert.Equal(t, domain.KindContainerUnhealthy, ev.Failure.ErrorKind)
		}
	}
	assert.True(t, sawError)
	require.Len(t, h.notifier.statuses, 1)
	assert.Equal(t, "container_unhealthy", h.notifier.statuses[0].ErrorKind)
}

func TestUndeployRemovesContainerAndRule(t *testing.T) {
	h := newHarness(t, remotetest.NewHost())
	ctx := context.Background()
	res, err := h.svc.Deploy(ctx, demoRequest())
	require.NoError(t, err)

	require.NoError(t, h.svc.Undeploy(ctx, "srv-1", "demo"))
	_, exists := h.host.Container("app-demo")
	assert.False(t, exists)
	_, exists = h.host.File(h.nginx.ProjectPath("demo"))
	assert.False(t, exists)
	assert.Zero(t, h.host.CommandsContaining("docker rmi"))

	stored, err := h.repo.GetDeployment(ctx, res.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentRemoved, stored.Status)
}

func TestUnknownServer(t *testing.T) {
	h := newHarness(t, remotetest.NewHost())
	_, err := h.svc.Provision(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProvisionRegisteredServer(t *testing.T) {
	h := newHarness(t, remotetest.NewHost())
	rec, err := h.svc.Provision(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProvisioningReady, rec.Status)

	_, err = h.svc.Retry(context.Background(), "srv-1")
	assert.ErrorIs(t, err, provision.ErrNotRetryable)
}
