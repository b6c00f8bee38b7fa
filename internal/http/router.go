package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/repository"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/deploy"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/diagnose"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/ws"
)

// Encrypter seals server credentials before they are stored.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// Options carries the router dependencies.
type Options struct {
	Logger  *slog.Logger
	Service deploy.Service
	Servers repository.ServerRepository
	Vault   Encrypter
	Hub     *ws.Hub
	Limiter RateLimiter

	JWTSecret  string
	APIKeyHash string

	// WritesPerMinute bounds mutating requests per operator; zero uses
	// the default.
	WritesPerMinute int
	EventBuffer     int
	DBHealth        func(context.Context) error
}

// Router wires HTTP endpoints to the orchestrator.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	svc        deploy.Service
	servers    repository.ServerRepository
	vault      Encrypter
	hub        *ws.Hub
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	guard      *serverGuard
	jobs       sync.WaitGroup
	jwtSecret  string
	apiKeyHash []byte
	writeLimit int
	buffer     int
	dbHealth   func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	conflicts          *prometheus.CounterVec
}

const (
	rateWindowDefault   = time.Minute
	rateWindowRealtime  = 30 * time.Second
	rateLimitWrite      = 30
	rateLimitRead       = 240
	rateLimitStream     = 30
	healthCheckTimeout  = 2 * time.Second
	sseHeartbeat        = 15 * time.Second
	maxRequestBodyBytes = 1 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		svc:     opts.Service,
		servers: opts.Servers,
		vault:   opts.Vault,
		hub:     opts.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:    opts.Limiter,
		guard:      newServerGuard(),
		jwtSecret:  opts.JWTSecret,
		writeLimit: opts.WritesPerMinute,
		buffer:     opts.EventBuffer,
		dbHealth:   opts.DBHealth,
	}
	if hash := strings.TrimSpace(opts.APIKeyHash); hash != "" {
		r.apiKeyHash = []byte(hash)
	}
	if r.writeLimit <= 0 {
		r.writeLimit = rateLimitWrite
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Wait blocks until every accepted background operation has finished.
func (r *Router) Wait() {
	r.jobs.Wait()
}

// Close waits for background operations and releases the limiter.
func (r *Router) Close() {
	r.Wait()
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/servers", r.audit("servers", r.handlerAuthRate("servers", r.writeLimit, rateWindowDefault, r.handleServers)))
	r.mux.HandleFunc("/servers/", r.audit("server", r.handlerAuthRate("server", r.writeLimit, rateWindowDefault, r.handleServerSubroutes)))
	r.mux.HandleFunc("/deployments", r.audit("deployments", r.handlerAuthRate("deployments", r.writeLimit, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.audit("deployment", r.handlerAuthRate("deployment", r.writeLimit, rateWindowDefault, r.handleDeployment)))
	r.mux.HandleFunc("/diagnose", r.audit("diagnose", r.handlerAuthRead("diagnose", rateLimitRead, rateWindowDefault, r.handleDiagnose)))
	r.mux.HandleFunc("/repair", r.audit("repair", r.handlerAuthRate("repair", r.writeLimit, rateWindowDefault, r.handleRepair)))
	r.mux.HandleFunc("/streams/", r.audit("streams", r.handlerAuthRead("streams", rateLimitStream, rateWindowRealtime, r.handleSSE)))
	r.mux.HandleFunc("/ws/", r.audit("ws", r.handlerAuthRead("ws", rateLimitStream, rateWindowRealtime, r.handleWebsocket)))
}

type serverPayload struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	PrivateKey string `json:"private_key"`
}

func (r *Router) handleServers(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		servers, err := r.servers.ListServers(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for i := range servers {
			servers[i] = redactServer(servers[i])
		}
		writeJSON(w, http.StatusOK, servers)
	case http.MethodPost:
		var payload serverPayload
		if !decodeBody(w, req, &payload) {
			return
		}
		server, err := r.registerServer(req.Context(), payload)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, redactServer(*server))
	default:
		r.methodNotAllowed(w)
	}
}

// registerServer encrypts the submitted credentials and persists the
// server. Plaintext secrets never leave this function.
func (r *Router) registerServer(ctx context.Context, p serverPayload) (*domain.StoredServer, error) {
	p.Host = strings.TrimSpace(p.Host)
	p.Username = strings.TrimSpace(p.Username)
	if p.Host == "" || p.Username == "" {
		return nil, domain.InvalidInput("register server", "host and username are required")
	}
	if p.Password == "" && p.PrivateKey == "" {
		return nil, domain.InvalidInput("register server", "password or private_key is required")
	}
	if p.Port < 0 || p.Port > 65535 {
		return nil, domain.InvalidInput("register server", "port %d out of range", p.Port)
	}
	server := &domain.StoredServer{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(p.Name),
		Host:      p.Host,
		Port:      p.Port,
		Username:  p.Username,
		CreatedAt: time.Now().UTC(),
	}
	if server.Port == 0 {
		server.Port = domain.DefaultSSHPort
	}
	if server.Name == "" {
		server.Name = server.Host
	}
	var err error
	if p.Password != "" {
		if server.EncryptedPassword, err = r.vault.Encrypt(p.Password); err != nil {
			return nil, fmt.Errorf("encrypt password: %w", err)
		}
	}
	if p.PrivateKey != "" {
		if server.EncryptedPrivateKey, err = r.vault.Encrypt(p.PrivateKey); err != nil {
			return nil, fmt.Errorf("encrypt private key: %w", err)
		}
	}
	if err := r.servers.CreateServer(ctx, server); err != nil {
		return nil, err
	}
	r.logger.Info("server registered", "server", server.ID, "host", server.Host)
	return server, nil
}

func (r *Router) handleServerSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := splitPath(strings.TrimPrefix(req.URL.Path, "/servers/"))
	if len(parts) == 0 {
		r.notFound(w)
		return
	}
	serverID := parts[0]
	if len(parts) == 1 {
		r.handleServer(w, req, serverID)
		return
	}
	if len(parts) != 2 {
		r.notFound(w)
		return
	}
	switch parts[1] {
	case "provision":
		r.handleProvision(w, req, serverID, false)
	case "retry":
		r.handleProvision(w, req, serverID, true)
	case "provisioning":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		rec, err := r.svc.ProvisioningStatus(req.Context(), serverID)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case "deployments":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 20
		}
		deployments, err := r.svc.Deployments(req.Context(), serverID, limit)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deployments)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleServer(w http.ResponseWriter, req *http.Request, serverID string) {
	switch req.Method {
	case http.MethodGet:
		server, err := r.loadServer(req.Context(), serverID)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, redactServer(*server))
	case http.MethodDelete:
		if running, ok := r.guard.acquire(serverID, "delete"); !ok {
			r.busy(w, serverID, running)
			return
		}
		defer r.guard.release(serverID)
		if err := r.servers.DeleteServer(req.Context(), serverID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				r.notFound(w)
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProvision(w http.ResponseWriter, req *http.Request, serverID string, retry bool) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if _, err := r.loadServer(req.Context(), serverID); err != nil {
		writeFailure(w, err)
		return
	}
	op := "provision"
	if retry {
		op = "retry"
		rec, err := r.svc.ProvisioningStatus(req.Context(), serverID)
		if err != nil {
			writeFailure(w, err)
			return
		}
		if rec.Status != domain.ProvisioningError {
			writeError(w, http.StatusConflict, "provisioning is "+string(rec.Status)+", nothing to retry")
			return
		}
	}
	accepted := r.background(w, req, serverID, op, func(ctx context.Context) error {
		if retry {
			_, err := r.svc.Retry(ctx, serverID)
			return err
		}
		_, err := r.svc.Provision(ctx, serverID)
		return err
	})
	if !accepted {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"server_id": serverID,
		"topic":     domain.ServerTopic(serverID),
		"status":    "accepted",
	})
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload deploy.Request
	if !decodeBody(w, req, &payload) {
		return
	}
	if err := r.svc.Validate(payload); err != nil {
		writeFailure(w, err)
		return
	}
	if _, err := r.loadServer(req.Context(), payload.ServerID); err != nil {
		writeFailure(w, err)
		return
	}
	if payload.DeploymentID == "" {
		payload.DeploymentID = uuid.NewString()
	} else if _, err := uuid.Parse(payload.DeploymentID); err != nil {
		writeError(w, http.StatusBadRequest, "deployment_id must be a UUID")
		return
	}
	accepted := r.background(w, req, payload.ServerID, "deploy", func(ctx context.Context) error {
		_, err := r.svc.Deploy(ctx, payload)
		return err
	})
	if !accepted {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"deployment_id": payload.DeploymentID,
		"topic":         domain.DeploymentTopic(payload.DeploymentID),
		"status":        string(domain.DeploymentQueued),
	})
}

// handleDeployment serves GET /deployments/{id} and
// DELETE /deployments/{server}/{project}.
func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request) {
	parts := splitPath(strings.TrimPrefix(req.URL.Path, "/deployments/"))
	switch {
	case req.Method == http.MethodGet && len(parts) == 1:
		d, err := r.svc.Deployment(req.Context(), parts[0])
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case req.Method == http.MethodDelete && len(parts) == 2:
		serverID, project := parts[0], parts[1]
		if err := remote.ValidateProjectName(project); err != nil {
			writeFailure(w, err)
			return
		}
		if running, ok := r.guard.acquire(serverID, "undeploy"); !ok {
			r.busy(w, serverID, running)
			return
		}
		defer r.guard.release(serverID)
		if err := r.svc.Undeploy(req.Context(), serverID, project); err != nil {
			writeFailure(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case req.Method != http.MethodGet && req.Method != http.MethodDelete:
		r.methodNotAllowed(w)
	default:
		r.notFound(w)
	}
}

type diagnosePayload struct {
	ServerID string `json:"server_id"`
	diagnose.Target
}

func (r *Router) handleDiagnose(w http.ResponseWriter, req *http.Request) {
	r.handleDiagnosis(w, req, "diagnose", r.svc.Diagnose)
}

func (r *Router) handleRepair(w http.ResponseWriter, req *http.Request) {
	r.handleDiagnosis(w, req, "repair", r.svc.Repair)
}

func (r *Router) handleDiagnosis(w http.ResponseWriter, req *http.Request, op string, run func(context.Context, string, diagnose.Target) (diagnose.Report, error)) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload diagnosePayload
	if !decodeBody(w, req, &payload) {
		return
	}
	if strings.TrimSpace(payload.ServerID) == "" {
		writeError(w, http.StatusBadRequest, "server_id is required")
		return
	}
	if running, ok := r.guard.acquire(payload.ServerID, op); !ok {
		r.busy(w, payload.ServerID, running)
		return
	}
	defer r.guard.release(payload.ServerID)
	report, err := run(req.Context(), payload.ServerID, payload.Target)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleSSE streams a topic as Server-Sent Events.
func (r *Router) handleSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	topic, ok := streamTopic(strings.TrimPrefix(req.URL.Path, "/streams/"))
	if !ok {
		writeError(w, http.StatusBadRequest, "topic must be server:<id> or deployment:<id>")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")

	client := ws.NewSSEClient(w, flusher, r.buffer, r.logger)
	r.hub.Register(topic, client)
	defer func() {
		r.hub.Unregister(topic, client)
		client.Close()
	}()
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	if err := client.Serve(req.Context(), sseHeartbeat); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Debug("sse stream ended", "topic", topic, "error", err)
	}
}

// handleWebsocket streams a topic over a websocket.
func (r *Router) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	topic, ok := streamTopic(strings.TrimPrefix(req.URL.Path, "/ws/"))
	if !ok {
		writeError(w, http.StatusBadRequest, "topic must be server:<id> or deployment:<id>")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.buffer, r.logger)
	r.hub.Register(topic, client)
	defer r.hub.Unregister(topic, client)
	client.ReadPump()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	if r.hub != nil {
		components["events"] = map[string]any{"status": "up", "dropped": r.hub.Dropped()}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// background runs fn detached from the request once the server guard is
// held. It reports false after answering 409 when the server is busy.
func (r *Router) background(w http.ResponseWriter, req *http.Request, serverID, op string, fn func(context.Context) error) bool {
	if running, ok := r.guard.acquire(serverID, op); !ok {
		r.busy(w, serverID, running)
		return false
	}
	ctx := context.WithoutCancel(req.Context())
	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		defer r.guard.release(serverID)
		if err := fn(ctx); err != nil {
			r.logger.Warn("background operation failed", "operation", op, "server", serverID, "error_kind", domain.KindOf(err), "error", err)
		}
	}()
	return true
}

func (r *Router) busy(w http.ResponseWriter, serverID, running string) {
	r.recordConflict(running)
	writeError(w, http.StatusConflict, fmt.Sprintf("server %s is busy: %s in progress", serverID, running))
}

func (r *Router) loadServer(ctx context.Context, serverID string) (*domain.StoredServer, error) {
	server, err := r.servers.GetServer(ctx, serverID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.WrapError(domain.KindNotFound, "load server "+serverID, err)
	}
	return server, err
}

func redactServer(s domain.StoredServer) domain.StoredServer {
	s.EncryptedPassword = ""
	s.EncryptedPrivateKey = ""
	return s
}

func decodeBody(w http.ResponseWriter, req *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func streamTopic(raw string) (string, bool) {
	kind, id, ok := strings.Cut(raw, ":")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	switch kind {
	case "server":
		return domain.ServerTopic(id), true
	case "deployment":
		return domain.DeploymentTopic(id), true
	default:
		return "", false
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "operator"
			fields = append(fields, "operator", info.Operator, "scope", info.Scope)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
