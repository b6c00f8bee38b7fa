// Package docker drives the docker CLI of a remote host through a
// remote.Session. It is the only place that knows docker command syntax.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote"
)

// Client issues docker commands on one host.
type Client struct {
	session remote.Session
	timeout time.Duration
}

// New wraps a session. A zero timeout uses the session default per command.
func New(session remote.Session, timeout time.Duration) *Client {
	return &Client{session: session, timeout: timeout}
}

// Ping validates connectivity to the remote docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.exec(ctx, "docker ping", "docker", "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return err
	}
	if strings.TrimSpace(res.Stdout) == "" {
		return fmt.Errorf("docker ping returned empty server version")
	}
	return nil
}

// run executes a docker invocation built from args; every arg is quoted
// unless it is a plain word.
func (c *Client) run(ctx context.Context, args ...string) (remote.Result, error) {
	if c == nil || c.session == nil {
		return remote.Result{}, fmt.Errorf("docker client not initialized")
	}
	return c.session.Run(ctx, Command(args...), c.timeout)
}

func (c *Client) exec(ctx context.Context, op string, args ...string) (remote.Result, error) {
	if c == nil || c.session == nil {
		return remote.Result{}, fmt.Errorf("docker client not initialized")
	}
	return remote.Exec(ctx, c.session, op, Command(args...), c.timeout)
}

// Command renders args as a shell command line.
func Command(args ...string) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, shellWord(a))
	}
	return strings.Join(parts, " ")
}

func shellWord(s string) string {
	if s == "" {
		return "''"
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@,%+", r)) {
			return remote.Quote(s)
		}
	}
	return s
}

func isNoSuch(res remote.Result) bool {
	msg := strings.ToLower(res.Stderr + res.Stdout)
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "no such object") ||
		strings.Contains(msg, "no such network") ||
		strings.Contains(msg, "not found")
}

func notFound(op, ref string) error {
	return &domain.Error{Kind: domain.KindNotFound, Op: op, Detail: ref, Err: ErrNotFound}
}
