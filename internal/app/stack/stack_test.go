package stack

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote/remotetest"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/repository/memory"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/deploy"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/ws"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/config"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/crypto"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/logger"
)

func TestStackHonoursConfiguration(t *testing.T) {
	t.Setenv("NGINX_BASE_DIR", "/srv/edge/nginx")
	t.Setenv("PROXY_FALLBACK_NETWORK", "edge")
	t.Setenv("HEALTH_PROBE_TIMEOUT_SECONDS", "1")
	cfg := config.LoadOrchestratorConfig()

	host := remotetest.NewHost()
	store := memory.New()
	vault, err := crypto.NewVault("stack passphrase", "salt")
	require.NoError(t, err)
	password, err := vault.Encrypt("hunter2")
	require.NoError(t, err)
	require.NoError(t, store.CreateServer(context.Background(), &domain.StoredServer{
		ID: "srv-1", Host: "192.0.2.5", Username: "root", EncryptedPassword: password, CreatedAt: time.Now(),
	}))

	hub := ws.NewHub(logger.Discard())
	defer hub.Close()
	s := New(cfg, Deps{Dialer: host, Store: store, Vault: vault, Events: hub, Logger: logger.Discard()})

	res, err := s.Deploy.Deploy(context.Background(), deploy.Request{
		ServerID: "srv-1",
		Image:    "ghcr.io/acme/api:2.1.0",
		Project:  domain.ProjectDeployment{Name: "api", Domain: "api.example.com", Port: 8080},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ProxyNginx, res.ProxyKind)

	c, ok := host.Container("app-api")
	require.True(t, ok)
	assert.NotEmpty(t, c.Networks["edge"])
	path := s.Nginx.ProjectPath("api")
	assert.True(t, strings.HasPrefix(path, "/srv/edge/nginx/"), path)
	_, ok = host.File(path)
	assert.True(t, ok)
}

type sink struct{ topics []string }

func (s *sink) Publish(topic string, _ domain.Event) { s.topics = append(s.topics, topic) }

func TestMeteredCountsAndForwards(t *testing.T) {
	reg := prometheus.NewRegistry()
	next := &sink{}
	pub := Metered(next, reg)

	pub.Publish(domain.ServerTopic("srv-1"), domain.Event{Type: domain.EventProgress})
	pub.Publish(domain.ServerTopic("srv-1"), domain.Event{Type: domain.EventProgress})
	pub.Publish(domain.DeploymentTopic("d-1"), domain.Event{Type: domain.EventResult})

	assert.Equal(t, []string{"server:srv-1", "server:srv-1", "deployment:d-1"}, next.topics)

	again := Metered(nil, reg).(meteredPublisher)
	assert.Equal(t, 2.0, testutil.ToFloat64(again.events.WithLabelValues("server", "progress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(again.events.WithLabelValues("deployment", "result")))
}
