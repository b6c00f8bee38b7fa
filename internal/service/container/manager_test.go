package container

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote/remotetest"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/logger"
)

func newTestManager() Manager {
	return New(Config{ProbeTimeout: 50 * time.Millisecond, ProbeInterval: time.Millisecond}, logger.Discard())
}

func newDockerHost() *remotetest.Host {
	h := remotetest.NewHost()
	h.Install("docker")
	h.Networks["coolify"] = true
	return h
}

func demoSpec() Spec {
	return Spec{
		Name:    "app-demo",
		Image:   "registry.example.com/demo:1",
		Network: "coolify",
		Port:    3000,
		Labels:  map[string]string{"managed-by": "deploy-manager"},
		Env:     map[string]string{"GREETING": "hello world; rm -rf /", "QUOTE": "it's"},
	}
}

func TestCreateReturnsInspectedHandle(t *testing.T) {
	h := newDockerHost()
	m := newTestManager()

	handle, err := m.Create(context.Background(), h, demoSpec())
	require.NoError(t, err)
	assert.Equal(t, "app-demo", handle.Name)
	assert.True(t, handle.Running())
	ip, ok := handle.AddressOn("coolify")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(ip, "172."))
	assert.Equal(t, "deploy-manager", handle.Labels["managed-by"])

	c, _ := h.Container("app-demo")
	assert.Equal(t, "hello world; rm -rf /", c.Env["GREETING"])
	assert.Equal(t, "it's", c.Env["QUOTE"])
	assert.Equal(t, "3000", c.Env["PORT"])
	assert.Equal(t, 3000, c.Port)
}

func TestInspectMissingContainer(t *testing.T) {
	h := newDockerHost()
	_, err := newTestManager().Inspect(context.Background(), h, "app-missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecreateReplacesPreviousContainer(t *testing.T) {
	h := newDockerHost()
	m := newTestManager()
	ctx := context.Background()

	first, err := m.Recreate(ctx, h, demoSpec())
	require.NoError(t, err)
	second, err := m.Recreate(ctx, h, demoSpec())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, h.CommandsContaining("docker stop"))
	assert.Equal(t, 1, h.CommandsContaining("docker rm -f"))
	c, ok := h.Container("app-demo")
	require.True(t, ok)
	assert.Equal(t, second.ID, c.ID)
}

func TestRecreateUnhealthySurfacesLogs(t *testing.T) {
	h := newDockerHost()
	m := newTestManager()
	ctx := context.Background()

	_, err := m.Recreate(ctx, h, demoSpec())
	require.NoError(t, err)

	broken := demoSpec()
	broken.Image = "registry.example.com/demo:broken"
	h.UnhealthyImages[broken.Image] = true

	handle, err := m.Recreate(ctx, h, broken)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrContainerUnhealthy)
	assert.Equal(t, domain.KindContainerUnhealthy, domain.KindOf(err))

	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	joined := strings.Join(derr.LogTail, "\n")
	assert.Contains(t, joined, "server listening")
	assert.Contains(t, joined, "application crashed")

	c, ok := h.Container("app-demo")
	require.True(t, ok, "failed container must be left for inspection")
	assert.Equal(t, handle.ID, c.ID)
	assert.Zero(t, h.CommandsContaining("docker rmi"))
}

func TestProbe(t *testing.T) {
	h := newDockerHost()
	m := newTestManager()
	ctx := context.Background()

	handle, err := m.Create(ctx, h, demoSpec())
	require.NoError(t, err)
	ip, _ := handle.AddressOn("coolify")

	code, err := m.Probe(ctx, h, ip, 3000, "/")
	require.NoError(t, err)
	assert.Equal(t, 200, code)
	assert.True(t, Healthy(code))

	code, err = m.Probe(ctx, h, ip, 4000, "/")
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	_, err = m.Probe(ctx, h, "1.2.3.4; id", 3000, "/")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRoutedRejectsDefaultServerAnswer(t *testing.T) {
	assert.True(t, Routed(200, 200))
	assert.True(t, Routed(302, 200))
	assert.True(t, Routed(401, 401))
	assert.False(t, Routed(404, 200), "nginx default server")
	assert.True(t, Routed(404, 404), "application answers 404 itself")
	assert.False(t, Routed(502, 200))
	assert.False(t, Routed(0, 200))
}

func TestWaitRoutedNeedsLoadedVHost(t *testing.T) {
	h := newDockerHost()
	m := newTestManager()
	ctx := context.Background()

	handle, err := m.Create(ctx, h, demoSpec())
	require.NoError(t, err)
	ip, _ := handle.AddressOn("coolify")

	_, err = m.WaitRouted(ctx, h, "demo.example.com", 200)
	assert.ErrorIs(t, err, domain.ErrContainerUnhealthy, "nothing listens on port 80")

	h.AddContainer("deploy-manager-nginx", "nginx:alpine", 0, "coolify")
	h.WriteFile("/opt/deploy-manager/nginx/conf.d/demo.conf",
		"server {\n    server_name demo.example.com;\n    location / {\n        proxy_pass http://"+ip+":3000;\n    }\n}\n")

	code, err := m.WaitRouted(ctx, h, "demo.example.com", 200)
	assert.ErrorIs(t, err, domain.ErrContainerUnhealthy)
	assert.Equal(t, 404, code, "file on disk but not loaded")

	_, err = h.Run(ctx, "docker exec deploy-manager-nginx nginx -s reload", 0)
	require.NoError(t, err)
	code, err = m.WaitRouted(ctx, h, "demo.example.com", 200)
	require.NoError(t, err)
	assert.Equal(t, 200, code)
}

func TestLifecycle(t *testing.T) {
	h := newDockerHost()
	m := newTestManager()
	ctx := context.Background()

	_, err := m.Create(ctx, h, demoSpec())
	require.NoError(t, err)
	require.NoError(t, m.Stop(ctx, h, "app-demo"))
	handle, err := m.Inspect(ctx, h, "app-demo")
	require.NoError(t, err)
	assert.Equal(t, domain.ContainerExited, handle.Status)

	require.NoError(t, m.Start(ctx, h, "app-demo"))
	logs, err := m.Logs(ctx, h, "app-demo", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"server listening"}, logs)

	require.NoError(t, m.Remove(ctx, h, "app-demo"))
	require.NoError(t, m.Remove(ctx, h, "app-demo"))
	assert.ErrorIs(t, m.Start(ctx, h, "app-demo"), domain.ErrNotFound)
}
