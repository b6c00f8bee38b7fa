// Package callback posts deployment status changes to an external endpoint.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the endpoint rejected the callback token.
var ErrUnauthorized = errors.New("deploy callback unauthorized")

// ErrInvalidArgument indicates the endpoint rejected the payload.
var ErrInvalidArgument = errors.New("deploy callback invalid argument")

// ErrNotFound indicates the endpoint does not know the deployment.
var ErrNotFound = errors.New("deploy callback deployment not found")

// Status is one deployment status change.
type Status struct {
	DeploymentID string
	ServerID     string
	Project      string
	Status       string
	Stage        string
	Message      string
	ContainerID  string
	Address      string
	ProxyKind    string
	ErrorKind    string
	Error        string
	LogTail      []string
	OccurredAt   time.Time
}

// Notifier delivers Status payloads as JSON POST requests.
type Notifier struct {
	url    string
	token  string
	client *http.Client
	now    func() time.Time
}

// NewNotifier creates a notifier for url. The token is sent as a bearer
// token when set.
func NewNotifier(url, token string, client *http.Client) (*Notifier, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, errors.New("deploy callback url required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Notifier{
		url:    trimmed,
		token:  strings.TrimSpace(token),
		client: client,
		now:    time.Now,
	}, nil
}

// Notify sends one status change.
func (n *Notifier) Notify(ctx context.Context, status Status) error {
	if n == nil {
		return errors.New("deploy callback notifier not initialised")
	}
	if strings.TrimSpace(status.DeploymentID) == "" {
		return errors.New("deploy callback requires deployment_id")
	}
	body, err := json.Marshal(buildPayload(status, n.now))
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send callback request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	default:
		return fmt.Errorf("deploy callback failed: %s", summary)
	}
}

func buildPayload(s Status, nowFn func() time.Time) map[string]any {
	occurred := s.OccurredAt
	if occurred.IsZero() {
		occurred = nowFn()
	}
	stage := strings.TrimSpace(s.Stage)
	if stage == "" {
		stage = s.Status
	}
	payload := map[string]any{
		"deployment_id": s.DeploymentID,
		"server_id":     s.ServerID,
		"project_name":  s.Project,
		"status":        s.Status,
		"stage":         stage,
		"message":       strings.TrimSpace(s.Message),
		"occurred_at":   occurred.UTC().Format(time.RFC3339Nano),
	}
	if s.ContainerID != "" {
		payload["container_id"] = s.ContainerID
		payload["address"] = s.Address
		payload["proxy_kind"] = s.ProxyKind
	}
	if s.Error != "" {
		payload["error_kind"] = s.ErrorKind
		payload["error"] = s.Error
		payload["log_tail"] = s.LogTail
	}
	return payload
}
