package ingress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote/remotetest"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/logger"
)

func TestDetectNetworkPrefersSharedNetwork(t *testing.T) {
	h := remotetest.NewHost()
	h.Install("docker")
	h.Networks["coolify"] = true
	h.Networks["deploy-manager"] = true
	r := NewResolver(ResolverConfig{}, logger.Discard())

	network, err := r.DetectNetwork(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "coolify", network)
}

func TestDetectNetworkFallsBack(t *testing.T) {
	h := remotetest.NewHost()
	h.Install("docker")
	r := NewResolver(ResolverConfig{}, logger.Discard())

	network, err := r.DetectNetwork(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "deploy-manager", network)
}

func TestDetectNetworkStrictModeRequiresExistingNetwork(t *testing.T) {
	h := remotetest.NewHost()
	h.Install("docker")
	r := NewResolver(ResolverConfig{Strict: true}, logger.Discard())

	_, err := r.DetectNetwork(context.Background(), h)
	require.ErrorIs(t, err, domain.ErrNotFound)

	network, err := r.PreferredNetwork(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "deploy-manager", network)

	h.Networks["deploy-manager"] = true
	network, err = r.DetectNetwork(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "deploy-manager", network)
}

func TestEnsureNetworkCreatesOnce(t *testing.T) {
	h := remotetest.NewHost()
	h.Install("docker")
	r := NewResolver(ResolverConfig{}, logger.Discard())
	ctx := context.Background()

	require.NoError(t, r.EnsureNetwork(ctx, h, "deploy-manager"))
	require.NoError(t, r.EnsureNetwork(ctx, h, "deploy-manager"))
	assert.True(t, h.Networks["deploy-manager"])
	assert.Equal(t, 1, h.CommandsContaining("docker network create"))
}

func TestResolvePicksStrategy(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(ResolverConfig{}, logger.Discard())

	bare := remotetest.NewHost()
	bare.Install("docker")
	s, err := r.Resolve(ctx, bare)
	require.NoError(t, err)
	assert.Equal(t, domain.ProxyNone, s.Kind)

	nginx := remotetest.NewHost()
	nginx.Install("docker")
	nginx.AddContainer("deploy-manager-nginx", "nginx:alpine", 0, "deploy-manager")
	s, err = r.Resolve(ctx, nginx)
	require.NoError(t, err)
	assert.Equal(t, Strategy{Kind: domain.ProxyNginx, Network: "deploy-manager"}, s)

	paas := remotetest.NewHost()
	paas.Install("docker")
	paas.AddContainer("coolify-proxy", "traefik:v2.11", 0, "coolify")
	paas.AddContainer("deploy-manager-nginx", "nginx:alpine", 0, "coolify")
	s, err = r.Resolve(ctx, paas)
	require.NoError(t, err)
	assert.Equal(t, Strategy{Kind: domain.ProxyTraefik, Network: "coolify"}, s)
}

func TestProxyContainerNamesTheServingProxy(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(ResolverConfig{}, logger.Discard())

	h := remotetest.NewHost()
	h.Install("docker")
	name, err := r.ProxyContainer(ctx, h, domain.ProxyNginx)
	require.NoError(t, err)
	assert.Equal(t, "deploy-manager-nginx", name)

	_, err = r.ProxyContainer(ctx, h, domain.ProxyTraefik)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	h.AddContainer("coolify-proxy", "traefik:v2.11", 0, "coolify")
	name, err = r.ProxyContainer(ctx, h, domain.ProxyTraefik)
	require.NoError(t, err)
	assert.Equal(t, "coolify-proxy", name)

	_, err = r.ProxyContainer(ctx, h, domain.ProxyNone)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
