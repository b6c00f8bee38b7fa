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

func TestGenerateLabelsPlainHTTP(t *testing.T) {
	labels, err := GenerateLabels("demo.example.com", 3000, "demo", false, "coolify", LabelOptions{})
	require.NoError(t, err)
	assert.Equal(t, Labels{
		"traefik.enable":                                      "true",
		"traefik.docker.network":                              "coolify",
		"traefik.http.routers.demo.rule":                      "Host(`demo.example.com`)",
		"traefik.http.routers.demo.entrypoints":               "web",
		"traefik.http.routers.demo.service":                   "demo",
		"traefik.http.services.demo.loadbalancer.server.port": "3000",
	}, labels)
}

func TestGenerateLabelsTLSAddsSecureRouterAndRedirect(t *testing.T) {
	labels, err := GenerateLabels("demo.example.com", 3000, "demo", true, "coolify", LabelOptions{CertResolver: "le"})
	require.NoError(t, err)
	assert.Equal(t, "websecure", labels["traefik.http.routers.demo-secure.entrypoints"])
	assert.Equal(t, "true", labels["traefik.http.routers.demo-secure.tls"])
	assert.Equal(t, "le", labels["traefik.http.routers.demo-secure.tls.certresolver"])
	assert.Equal(t, "demo-redirect", labels["traefik.http.routers.demo.middlewares"])
	assert.Equal(t, "https", labels["traefik.http.middlewares.demo-redirect.redirectscheme.scheme"])
}

func TestGenerateLabelsIsDeterministic(t *testing.T) {
	a, err := GenerateLabels("demo.example.com", 3000, "demo", true, "coolify", LabelOptions{})
	require.NoError(t, err)
	b, err := GenerateLabels("demo.example.com", 3000, "demo", true, "coolify", LabelOptions{})
	require.NoError(t, err)
	assert.Equal(t, a.RunArgs(), b.RunArgs())
}

func TestGenerateLabelsValidatesInput(t *testing.T) {
	_, err := GenerateLabels("; rm -rf /", 3000, "demo", false, "coolify", LabelOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = GenerateLabels("demo.example.com", 70000, "demo", false, "coolify", LabelOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestLabelRenderersRoundTrip(t *testing.T) {
	for _, tls := range []bool{false, true} {
		labels, err := GenerateLabels("demo.example.com", 8080, "demo", tls, "deploy-manager", LabelOptions{})
		require.NoError(t, err)

		fromArgs, err := ParseRunArgs(labels.RunArgs())
		require.NoError(t, err)
		assert.Equal(t, labels, fromArgs)

		doc, err := labels.ComposeYAML()
		require.NoError(t, err)
		fromYAML, err := ParseComposeYAML(doc)
		require.NoError(t, err)
		assert.Equal(t, labels, fromYAML)
	}
}

func TestParseComposeYAMLMapForm(t *testing.T) {
	labels, err := ParseComposeYAML("labels:\n  traefik.enable: \"true\"\n  traefik.docker.network: coolify\n")
	require.NoError(t, err)
	assert.Equal(t, Labels{"traefik.enable": "true", "traefik.docker.network": "coolify"}, labels)

	_, err = ParseComposeYAML("labels:\n  - novalue\n")
	assert.Error(t, err)
}

func TestParseRunArgsRejectsOtherFlags(t *testing.T) {
	_, err := ParseRunArgs([]string{"--label", "a=b", "-e", "X=1"})
	assert.Error(t, err)
}

func TestLabelsRoute(t *testing.T) {
	labels, err := GenerateLabels("demo.example.com", 3000, "demo", false, "coolify", LabelOptions{})
	require.NoError(t, err)
	host, port, network, ok := labels.Route("demo")
	require.True(t, ok)
	assert.Equal(t, "demo.example.com", host)
	assert.Equal(t, 3000, port)
	assert.Equal(t, "coolify", network)

	_, _, _, ok = labels.Route("other")
	assert.False(t, ok)
}

func TestTraefikEnsureInstalled(t *testing.T) {
	h := remotetest.NewHost()
	h.Install("docker")
	h.Networks["deploy-manager"] = true
	tr := NewTraefik(TraefikConfig{ACMEEmail: "ops@example.com"}, logger.Discard())

	require.NoError(t, tr.EnsureInstalled(context.Background(), h, "deploy-manager"))
	c, ok := h.Container("traefik")
	require.True(t, ok)
	assert.Equal(t, "traefik:v2.11", c.Image)
	assert.Contains(t, c.Networks, "deploy-manager")
	assert.Equal(t, 1, h.CommandsContaining("--providers.docker.network=deploy-manager"))

	require.NoError(t, tr.EnsureInstalled(context.Background(), h, "deploy-manager"))
	assert.Equal(t, 1, h.CommandsContaining("docker run"))
}
