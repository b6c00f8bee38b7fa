package httpx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote/remotetest"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/repository/memory"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/container"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/deploy"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/diagnose"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/ingress"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/provision"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/ws"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/crypto"
	jwtpkg "github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/jwt"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/logger"
)

const testSecret = "router-test-secret"

type fixture struct {
	host   *remotetest.Host
	repo   *memory.Repository
	vault  *crypto.Vault
	hub    *ws.Hub
	router *Router
	write  string
	read   string
}

func newFixture(t *testing.T, tweak func(*Options)) *fixture {
	t.Helper()
	log := logger.Discard()
	host := remotetest.NewHost()
	repo := memory.New()
	vault, err := crypto.NewVault("router passphrase", "salt")
	require.NoError(t, err)
	password, err := vault.Encrypt("hunter2")
	require.NoError(t, err)
	require.NoError(t, repo.CreateServer(context.Background(), &domain.StoredServer{
		ID:                "srv-1",
		Name:              "demo box",
		Host:              "203.0.113.10",
		Port:              22,
		Username:          "root",
		EncryptedPassword: password,
		CreatedAt:         time.Now(),
	}))

	hub := ws.NewHub(log)
	t.Cleanup(hub.Close)
	resolver := ingress.NewResolver(ingress.ResolverConfig{}, log)
	nginx := ingress.NewNginx(ingress.NginxConfig{}, log)
	traefik := ingress.NewTraefik(ingress.TraefikConfig{}, log)
	containers := container.New(container.Config{ProbeTimeout: 20 * time.Millisecond, ProbeInterval: time.Millisecond}, log)
	machine := provision.New(provision.Config{}, host, repo, hub, resolver, nginx, traefik, log)
	svc := deploy.New(deploy.Config{}, deploy.Deps{
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
		Events:      hub,
		Logger:      log,
	})

	opts := Options{
		Logger:    log,
		Service:   svc,
		Servers:   repo,
		Vault:     vault,
		Hub:       hub,
		JWTSecret: testSecret,
	}
	if tweak != nil {
		tweak(&opts)
	}
	router := NewRouter(opts)
	t.Cleanup(router.Close)

	write, err := jwtpkg.GenerateToken("alice", jwtpkg.ScopeWrite, testSecret, time.Hour)
	require.NoError(t, err)
	read, err := jwtpkg.GenerateToken("bob", jwtpkg.ScopeRead, testSecret, time.Hour)
	require.NoError(t, err)
	return &fixture{host: host, repo: repo, vault: vault, hub: hub, router: router, write: write, read: read}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func demoDeployment() map[string]any {
	return map[string]any{
		"server_id": "srv-1",
		"image":     "ghcr.io/acme/demo:1.0.0",
		"project": map[string]any{
			"project_name": "demo",
			"domain":       "demo.example.com",
			"port":         3000,
		},
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])

	degraded := newFixture(t, func(o *Options) {
		o.DBHealth = func(context.Context) error { return errors.New("connection refused") }
	})
	rec = degraded.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode[map[string]any](t, rec)["status"])
}

func TestRequiresBearerToken(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/servers", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/servers", "not-a-token", nil).Code)

	forged, err := jwtpkg.GenerateToken("mallory", jwtpkg.ScopeWrite, "other-secret", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/servers", forged, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/servers", f.read, nil).Code)
}

func TestReadScopeCannotMutate(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/servers/srv-1/provision", f.read, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, f.host.Commands())

	// diagnosis never mutates, so read tokens may run it
	rec = f.do(t, http.MethodPost, "/diagnose", f.read, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyAuthorizes(t *testing.T) {
	hash, err := crypto.HashPassword("static-operator-key")
	require.NoError(t, err)
	f := newFixture(t, func(o *Options) { o.APIKeyHash = string(hash) })

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/servers", "static-operator-key", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/servers", "wrong-key", nil).Code)
}

func TestRegisterServerEncryptsCredentials(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/servers", f.write, map[string]any{
		"name":     "edge",
		"host":     "198.51.100.7",
		"username": "deploy",
		"password": "s3cret-pass",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "s3cret-pass")
	created := decode[domain.StoredServer](t, rec)
	assert.Empty(t, created.EncryptedPassword)
	assert.Equal(t, domain.DefaultSSHPort, created.Port)

	stored, err := f.repo.GetServer(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotEmpty(t, stored.EncryptedPassword)
	assert.NotContains(t, stored.EncryptedPassword, "s3cret-pass")
	plain, err := f.vault.Decrypt(stored.EncryptedPassword)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-pass", plain)

	rec = f.do(t, http.MethodPost, "/servers", f.write, map[string]any{"host": "198.51.100.8", "username": "deploy"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployRunsInBackground(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/deployments", f.write, demoDeployment())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	accepted := decode[map[string]string](t, rec)
	id := accepted["deployment_id"]
	require.NotEmpty(t, id)
	assert.Equal(t, domain.DeploymentTopic(id), accepted["topic"])

	f.router.Wait()

	rec = f.do(t, http.MethodGet, "/deployments/"+id, f.read, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[domain.Deployment](t, rec)
	assert.Equal(t, domain.DeploymentSucceeded, d.Status)
	assert.Equal(t, domain.ProxyNginx, d.ProxyKind)

	c, ok := f.host.Container("app-demo")
	require.True(t, ok)
	assert.Equal(t, c.Networks["deploy-manager"]+":3000", d.Address)

	rec = f.do(t, http.MethodGet, "/servers/srv-1/provisioning", f.read, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ProvisioningReady, decode[domain.ProvisioningRecord](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/servers/srv-1/deployments", f.read, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Deployment](t, rec), 1)
}

func TestDeployRejectsInjectionBeforeConnecting(t *testing.T) {
	f := newFixture(t, nil)
	body := demoDeployment()
	body["project"].(map[string]any)["project_name"] = "demo; rm -rf /"

	rec := f.do(t, http.MethodPost, "/deployments", f.write, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(domain.KindInvalidInput), decode[map[string]any](t, rec)["error_kind"])
	f.router.Wait()
	assert.Empty(t, f.host.Commands())
}

func TestBusyServerIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	_, ok := f.router.guard.acquire("srv-1", "deploy")
	require.True(t, ok)

	rec := f.do(t, http.MethodPost, "/servers/srv-1/provision", f.write, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "deploy in progress")
	rec = f.do(t, http.MethodPost, "/deployments", f.write, demoDeployment())
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, f.host.Commands())

	f.router.guard.release("srv-1")
	rec = f.do(t, http.MethodPost, "/servers/srv-1/provision", f.write, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestProvisionAndRetry(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/servers/missing/provision", f.write, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/servers/srv-1/retry", f.write, nil).Code)

	f.host.FailNext("get.docker.com", 2, 100, "E: Unable to locate package")
	rec := f.do(t, http.MethodPost, "/servers/srv-1/provision", f.write, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.router.Wait()

	rec = f.do(t, http.MethodGet, "/servers/srv-1/provisioning", f.read, nil)
	failed := decode[domain.ProvisioningRecord](t, rec)
	require.Equal(t, domain.ProvisioningError, failed.Status)
	assert.Equal(t, domain.KindInstallStepFailed, failed.ErrorKind)

	rec = f.do(t, http.MethodPost, "/servers/srv-1/retry", f.write, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.router.Wait()

	rec = f.do(t, http.MethodGet, "/servers/srv-1/provisioning", f.read, nil)
	assert.Equal(t, domain.ProvisioningReady, decode[domain.ProvisioningRecord](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/servers/srv-1/retry", f.write, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDiagnoseRepairAndUndeploy(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/deployments", f.write, demoDeployment()).Code)
	f.router.Wait()

	target := map[string]any{"server_id": "srv-1", "project_name": "demo", "domain": "demo.example.com", "port": 3000}
	rec := f.do(t, http.MethodPost, "/diagnose", f.read, target)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, diagnose.Healthy, decode[diagnose.Report](t, rec).Classification)

	f.host.ReassignIP("app-demo", "deploy-manager")
	rec = f.do(t, http.MethodPost, "/diagnose", f.read, target)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, diagnose.StaleRoute, decode[diagnose.Report](t, rec).Classification)

	rec = f.do(t, http.MethodPost, "/repair", f.write, target)
	require.Equal(t, http.StatusOK, rec.Code)
	repaired := decode[diagnose.Report](t, rec)
	assert.True(t, repaired.Repaired)
	assert.Equal(t, diagnose.Healthy, repaired.Classification)

	rec = f.do(t, http.MethodDelete, "/deployments/srv-1/demo", f.write, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	_, ok := f.host.Container("app-demo")
	assert.False(t, ok)

	rec = f.do(t, http.MethodDelete, "/deployments/srv-1/bad;name", f.write, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteRateLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.WritesPerMinute = 2 })
	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodGet, "/servers", f.write, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}
	rec := f.do(t, http.MethodGet, "/servers", f.write, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// other operators keep their own budget
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/servers", f.read, nil).Code)
}

func TestSSEStreamDeliversEvents(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/streams/deployment:dep-1?access_token="+f.read, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	f.hub.Publish(domain.DeploymentTopic("dep-1"), domain.Event{
		Type:     domain.EventProgress,
		Progress: &domain.Progress{Status: "running", Progress: 40, Message: "routing"},
	})

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		payload, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
		if !ok {
			continue
		}
		var ev domain.Event
		require.NoError(t, json.Unmarshal([]byte(payload), &ev))
		assert.Equal(t, domain.EventProgress, ev.Type)
		assert.Equal(t, 40, ev.Progress.Progress)
		return
	}
}

func TestStreamRejectsUnknownTopic(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/streams/projects:demo", f.read, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebsocketStreamDeliversEvents(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/server:srv-1"
	header := http.Header{"Authorization": []string{"Bearer " + f.read}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	// registration completes after the handshake, so publish until the
	// first event lands
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.hub.Publish(domain.ServerTopic("srv-1"), domain.Event{Type: domain.EventLog, Log: &domain.LogLine{Text: "[docker] installed"}})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, domain.ServerTopic("srv-1"), ev.Topic)
	assert.Equal(t, "[docker] installed", ev.Log.Text)
}

func TestStatusForError(t *testing.T) {
	cases := map[error]int{
		domain.InvalidInput("deploy", "bad"):                                    http.StatusBadRequest,
		domain.NewError(domain.KindNotFound, "load", "missing"):                 http.StatusNotFound,
		domain.NewError(domain.KindAuth, "connect", "denied"):                   http.StatusBadGateway,
		domain.NewError(domain.KindNetworkTimeout, "run", "deadline"):           http.StatusGatewayTimeout,
		domain.NewError(domain.KindConfigValidationFailed, "nginx -t", "emerg"): http.StatusUnprocessableEntity,
		provision.ErrInProgress:                                                 http.StatusConflict,
		errors.New("boom"):                                                      http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusForError(err), err.Error())
	}
}
