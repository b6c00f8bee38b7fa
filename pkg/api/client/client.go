package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "http://localhost:4100"

// Client provides typed access to the orchestrator API for operator tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status    int
	ErrorKind string
	Message   string
	LogTail   []string
}

func (e APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.ErrorKind != "" {
		return fmt.Sprintf("api request failed (%d %s): %s", e.Status, e.ErrorKind, msg)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, msg)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, resp.Body)
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, body io.Reader) APIError {
	apiErr := APIError{Status: status}
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Error     string   `json:"error"`
		ErrorKind string   `json:"error_kind"`
		LogTail   []string `json:"log_tail"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(payload.Error)
	apiErr.ErrorKind = payload.ErrorKind
	apiErr.LogTail = payload.LogTail
	return apiErr
}

// Server is a registered server without its credentials.
type Server struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// RegisterServerInput carries plaintext credentials; the orchestrator
// encrypts them before storing.
type RegisterServerInput struct {
	Name       string `json:"name,omitempty"`
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

// RegisterServer stores a new server.
func (c *Client) RegisterServer(ctx context.Context, input RegisterServerInput) (Server, error) {
	var server Server
	if err := c.do(ctx, http.MethodPost, "/servers", input, &server); err != nil {
		return Server{}, err
	}
	return server, nil
}

// ListServers returns every registered server.
func (c *Client) ListServers(ctx context.Context) ([]Server, error) {
	var servers []Server
	if err := c.do(ctx, http.MethodGet, "/servers", nil, &servers); err != nil {
		return nil, err
	}
	return servers, nil
}

// Accepted acknowledges a background operation and names its event topic.
type Accepted struct {
	ServerID     string `json:"server_id,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`
	Topic        string `json:"topic"`
	Status       string `json:"status"`
}

// Provision starts provisioning a server.
func (c *Client) Provision(ctx context.Context, serverID string) (Accepted, error) {
	return c.accept(ctx, fmt.Sprintf("/servers/%s/provision", url.PathEscape(serverID)), nil)
}

// Retry re-runs a failed provisioning.
func (c *Client) Retry(ctx context.Context, serverID string) (Accepted, error) {
	return c.accept(ctx, fmt.Sprintf("/servers/%s/retry", url.PathEscape(serverID)), nil)
}

func (c *Client) accept(ctx context.Context, path string, body any) (Accepted, error) {
	var accepted Accepted
	if err := c.do(ctx, http.MethodPost, path, body, &accepted); err != nil {
		return Accepted{}, err
	}
	return accepted, nil
}

// LogLine is one provisioning log entry.
type LogLine struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Provisioning is a server's provisioning record.
type Provisioning struct {
	ServerID  string          `json:"server_id"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Step      string          `json:"step"`
	Logs      []LogLine       `json:"logs"`
	Error     string          `json:"error"`
	ErrorKind string          `json:"error_kind"`
	Installed map[string]bool `json:"installed"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ProvisioningStatus fetches the latest provisioning record.
func (c *Client) ProvisioningStatus(ctx context.Context, serverID string) (Provisioning, error) {
	var rec Provisioning
	path := fmt.Sprintf("/servers/%s/provisioning", url.PathEscape(serverID))
	if err := c.do(ctx, http.MethodGet, path, nil, &rec); err != nil {
		return Provisioning{}, err
	}
	return rec, nil
}

// Project is the routing intent of a deploy.
type Project struct {
	Name       string            `json:"project_name"`
	Domain     string            `json:"domain"`
	Port       int               `json:"port"`
	TLSEnabled bool              `json:"tls_enabled"`
	Env        map[string]string `json:"env_vars,omitempty"`
}

// DeployInput requests a deploy of image onto a server.
type DeployInput struct {
	ServerID string  `json:"server_id"`
	Image    string  `json:"image"`
	Project  Project `json:"project"`
}

// Deploy queues a deploy and returns its deployment ID.
func (c *Client) Deploy(ctx context.Context, input DeployInput) (Accepted, error) {
	return c.accept(ctx, "/deployments", input)
}

// Failure is the terminal error of an operation.
type Failure struct {
	ErrorKind string   `json:"error_kind"`
	Detail    string   `json:"detail"`
	LogTail   []string `json:"log_tail"`
}

// Deployment represents a recorded deploy operation.
type Deployment struct {
	ID          string    `json:"id"`
	ServerID    string    `json:"server_id"`
	Project     string    `json:"project_name"`
	Domain      string    `json:"domain"`
	Image       string    `json:"image"`
	Status      string    `json:"status"`
	ContainerID string    `json:"container_id"`
	Address     string    `json:"address"`
	ProxyKind   string    `json:"proxy_kind"`
	Failure     *Failure  `json:"failure"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Terminal reports whether the deployment finished.
func (d Deployment) Terminal() bool {
	switch d.Status {
	case "succeeded", "failed", "removed":
		return true
	default:
		return false
	}
}

// GetDeployment fetches one deployment.
func (c *Client) GetDeployment(ctx context.Context, id string) (Deployment, error) {
	var d Deployment
	if err := c.do(ctx, http.MethodGet, "/deployments/"+url.PathEscape(id), nil, &d); err != nil {
		return Deployment{}, err
	}
	return d, nil
}

// ListDeployments fetches recent deployments of a server.
func (c *Client) ListDeployments(ctx context.Context, serverID string, limit int) ([]Deployment, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	path := fmt.Sprintf("/servers/%s/deployments%s", url.PathEscape(serverID), query)
	var deployments []Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

// Undeploy removes a project's container and route from a server.
func (c *Client) Undeploy(ctx context.Context, serverID, project string) error {
	path := fmt.Sprintf("/deployments/%s/%s", url.PathEscape(serverID), url.PathEscape(project))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// DiagnoseInput names the project to check on a server.
type DiagnoseInput struct {
	ServerID string `json:"server_id"`
	Project  string `json:"project_name"`
	Domain   string `json:"domain,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// Report is a diagnosis, or a repair when Action is set.
type Report struct {
	Project           string `json:"project_name"`
	Classification    string `json:"classification"`
	Detail            string `json:"detail"`
	ProxyKind         string `json:"proxy_kind"`
	Network           string `json:"network"`
	ContainerID       string `json:"container_id"`
	LiveAddress       string `json:"live_address"`
	RouteTarget       string `json:"route_target"`
	Action            string `json:"action"`
	Repaired          bool   `json:"repaired"`
	RecommendRedeploy bool   `json:"recommend_redeploy"`
}

// Diagnose runs a read-only diagnosis.
func (c *Client) Diagnose(ctx context.Context, input DiagnoseInput) (Report, error) {
	var report Report
	if err := c.do(ctx, http.MethodPost, "/diagnose", input, &report); err != nil {
		return Report{}, err
	}
	return report, nil
}

// Repair runs one repair cycle.
func (c *Client) Repair(ctx context.Context, input DiagnoseInput) (Report, error) {
	var report Report
	if err := c.do(ctx, http.MethodPost, "/repair", input, &report); err != nil {
		return Report{}, err
	}
	return report, nil
}

// WaitDeployment polls until the deployment is terminal or ctx ends.
func (c *Client) WaitDeployment(ctx context.Context, id string, interval time.Duration) (Deployment, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d, err := c.GetDeployment(ctx, id)
		if err != nil {
			return Deployment{}, err
		}
		if d.Terminal() {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return d, ctx.Err()
		case <-ticker.C:
		}
	}
}
