package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
)

// SSHConfig configures SSHDialer.
type SSHConfig struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	KnownHostsFile string
}

// SSHDialer opens Sessions over SSH using password or private key auth.
type SSHDialer struct {
	cfg     SSHConfig
	hostKey ssh.HostKeyCallback
	logger  *slog.Logger
}

// NewSSHDialer builds a dialer. Without a known_hosts file host keys are not
// verified and a warning is logged once.
func NewSSHDialer(cfg SSHConfig, logger *slog.Logger) (*SSHDialer, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 20 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Minute
	}
	callback := ssh.InsecureIgnoreHostKey()
	if path := strings.TrimSpace(cfg.KnownHostsFile); path != "" {
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		callback = cb
	} else if logger != nil {
		logger.Warn("ssh host key verification disabled; set SSH_KNOWN_HOSTS to enable")
	}
	return &SSHDialer{cfg: cfg, hostKey: callback, logger: logger}, nil
}

// Connect dials and authenticates against target.
func (d *SSHDialer) Connect(ctx context.Context, target domain.ServerTarget) (Session, error) {
	const op = "ssh connect"
	if strings.TrimSpace(target.Host) == "" || strings.TrimSpace(target.Username) == "" {
		return nil, domain.InvalidInput(op, "host and username required")
	}
	auth, err := authMethods(target)
	if err != nil {
		return nil, err
	}
	clientCfg := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            auth,
		HostKeyCallback: d.hostKey,
		Timeout:         d.cfg.ConnectTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()
	addr := target.Address()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, domain.WrapError(domain.KindNetworkTimeout, op, err)
	}
	_ = conn.SetDeadline(time.Now().Add(d.cfg.ConnectTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, classifyHandshake(op, err)
	}
	_ = conn.SetDeadline(time.Time{})
	if d.logger != nil {
		d.logger.Info("ssh session opened", "server", target.String())
	}
	return &sshSession{
		client:  ssh.NewClient(c, chans, reqs),
		timeout: d.cfg.CommandTimeout,
	}, nil
}

func authMethods(target domain.ServerTarget) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if key := strings.TrimSpace(target.PrivateKey); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, domain.WrapError(domain.KindAuth, "parse private key", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if target.Password != "" {
		password := target.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, domain.NewError(domain.KindAuth, "ssh connect", "password or private key required")
	}
	return methods, nil
}

func classifyHandshake(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.WrapError(domain.KindNetworkTimeout, op, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return domain.WrapError(domain.KindAuth, op, err)
	}
	return domain.WrapError(domain.KindNetworkTimeout, op, err)
}

type sshSession struct {
	mu      sync.Mutex
	client  *ssh.Client
	timeout time.Duration
	closed  bool
}

// Run executes command in a fresh SSH channel. The context is only checked
// before the command starts; a running command is never aborted early.
func (s *sshSession) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Result{}, domain.NewError(domain.KindChannelClosed, "ssh run", "session closed")
	}
	if timeout <= 0 {
		timeout = s.timeout
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return Result{}, domain.WrapError(domain.KindChannelClosed, "ssh run", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		return Result{ExitCode: -1, Duration: time.Since(start)},
			domain.NewError(domain.KindNetworkTimeout, "ssh run", fmt.Sprintf("command exceeded %s", timeout))
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	res.ExitCode = -1
	return res, domain.WrapError(domain.KindChannelClosed, "ssh run", err)
}

func (s *sshSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
