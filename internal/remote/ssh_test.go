package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
)

// sshServer is a minimal exec-only SSH server on the loopback interface.
type sshServer struct {
	target domain.ServerTarget
	execs  atomic.Int32
}

func startSSHServer(t *testing.T) *sshServer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if meta.User() == "root" && string(password) == "secret" {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %s", meta.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	srv := &sshServer{target: domain.ServerTarget{Host: host, Port: port, Username: "root", Password: "secret"}}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn, cfg)
		}
	}()
	return srv
}

func (srv *sshServer) serve(conn net.Conn, cfg *ssh.ServerConfig) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session channels only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			return
		}
		go srv.session(ch, requests)
	}
}

func (srv *sshServer) session(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)
		srv.execs.Add(1)
		status := srv.exec(payload.Command, ch)
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

// exec understands echo, a failing command and sleep.
func (srv *sshServer) exec(command string, ch ssh.Channel) uint32 {
	switch {
	case strings.HasPrefix(command, "echo "):
		fmt.Fprintln(ch, strings.TrimPrefix(command, "echo "))
		return 0
	case command == "false":
		fmt.Fprintln(ch.Stderr(), "command failed")
		return 3
	case strings.HasPrefix(command, "sleep "):
		d, _ := time.ParseDuration(strings.TrimPrefix(command, "sleep "))
		time.Sleep(d)
		return 0
	}
	fmt.Fprintln(ch.Stderr(), "sh: 1: "+command+": not found")
	return 127
}

func newTestDialer(t *testing.T) *SSHDialer {
	t.Helper()
	d, err := NewSSHDialer(SSHConfig{ConnectTimeout: 5 * time.Second, CommandTimeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	return d
}

func TestSSHSessionRunsCommands(t *testing.T) {
	srv := startSSHServer(t)
	s, err := newTestDialer(t).Connect(context.Background(), srv.target)
	require.NoError(t, err)
	defer s.Close()

	res, err := s.Run(context.Background(), "echo hello", 0)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "hello\n", res.Stdout)

	res, err = s.Run(context.Background(), "false", 0)
	require.NoError(t, err, "a non-zero exit is a result, not an error")
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "command failed\n", res.Stderr)
}

func TestSSHSessionTimeoutIsNetworkTimeout(t *testing.T) {
	srv := startSSHServer(t)
	s, err := newTestDialer(t).Connect(context.Background(), srv.target)
	require.NoError(t, err)
	defer s.Close()

	res, err := s.Run(context.Background(), "sleep 2s", 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNetworkTimeout)
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, res.Duration, 2*time.Second)

	res, err = s.Run(context.Background(), "echo still usable", 0)
	require.NoError(t, err)
	assert.Equal(t, "still usable\n", res.Stdout)
}

func TestSSHSessionCancelledContextRunsNothing(t *testing.T) {
	srv := startSSHServer(t)
	s, err := newTestDialer(t).Connect(context.Background(), srv.target)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Run(ctx, "echo hello", 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, srv.execs.Load())
}

func TestSSHSessionClosedIsChannelClosed(t *testing.T) {
	srv := startSSHServer(t)
	s, err := newTestDialer(t).Connect(context.Background(), srv.target)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "closing twice is a no-op")
	_, err = s.Run(context.Background(), "echo hello", 0)
	assert.ErrorIs(t, err, domain.ErrChannelClosed)
	assert.Zero(t, srv.execs.Load())
}

func TestSSHConnectClassifiesFailures(t *testing.T) {
	srv := startSSHServer(t)
	d := newTestDialer(t)

	wrong := srv.target
	wrong.Password = "nope"
	_, err := d.Connect(context.Background(), wrong)
	assert.ErrorIs(t, err, domain.ErrAuth)

	bare := srv.target
	bare.Password = ""
	_, err = d.Connect(context.Background(), bare)
	assert.ErrorIs(t, err, domain.ErrAuth)

	_, err = d.Connect(context.Background(), domain.ServerTarget{Username: "root", Password: "secret"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
