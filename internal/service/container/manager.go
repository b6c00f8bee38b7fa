package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"golang.org/x/time/rate"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/docker"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote"
)

// Spec describes the container a project runs in.
type Spec struct {
	Name    string
	Image   string
	Network string
	Port    int
	Labels  map[string]string
	Env     map[string]string
}

// Config tunes the health probe.
type Config struct {
	CommandTimeout time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	ProbePath      string
	LogTail        int
}

// Manager creates, replaces and probes project containers on a remote host.
type Manager struct {
	cfg    Config
	logger *slog.Logger
}

// New constructs a Manager.
func New(cfg Config, logger *slog.Logger) Manager {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 60 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 2 * time.Second
	}
	if cfg.ProbePath == "" {
		cfg.ProbePath = "/"
	}
	if cfg.LogTail <= 0 {
		cfg.LogTail = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Manager{cfg: cfg, logger: logger}
}

func (m Manager) client(s remote.Session) *docker.Client {
	return docker.New(s, m.cfg.CommandTimeout)
}

// Create starts a new container from spec and returns its inspected handle.
func (m Manager) Create(ctx context.Context, s remote.Session, spec Spec) (domain.ContainerHandle, error) {
	if err := remote.ValidatePort(spec.Port); err != nil {
		return domain.ContainerHandle{}, err
	}
	port, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
	if err != nil {
		return domain.ContainerHandle{}, domain.InvalidInput("create container", "port %d: %v", spec.Port, err)
	}
	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	if _, ok := env["PORT"]; !ok {
		env["PORT"] = strconv.Itoa(spec.Port)
	}
	id, err := m.client(s).RunContainer(ctx, docker.RunOptions{
		Name:        spec.Name,
		Image:       spec.Image,
		Network:     spec.Network,
		Restart:     "unless-stopped",
		Labels:      spec.Labels,
		Env:         env,
		ExposePorts: []nat.Port{port},
	})
	if err != nil {
		return domain.ContainerHandle{}, fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return m.Inspect(ctx, s, id)
}

// Inspect returns the live handle of a container by name or id.
func (m Manager) Inspect(ctx context.Context, s remote.Session, ref string) (domain.ContainerHandle, error) {
	info, err := m.client(s).InspectContainer(ctx, ref)
	if err != nil {
		return domain.ContainerHandle{}, err
	}
	return docker.Handle(info), nil
}

// Start starts a stopped container.
func (m Manager) Start(ctx context.Context, s remote.Session, ref string) error {
	return m.client(s).StartContainer(ctx, ref)
}

// Stop stops a running container.
func (m Manager) Stop(ctx context.Context, s remote.Session, ref string) error {
	return m.client(s).StopContainer(ctx, ref)
}

// Restart restarts a container.
func (m Manager) Restart(ctx context.Context, s remote.Session, ref string) error {
	return m.client(s).RestartContainer(ctx, ref)
}

// Remove force-removes a container. A missing container is success. Images
// are never removed.
func (m Manager) Remove(ctx context.Context, s remote.Session, ref string) error {
	return m.client(s).RemoveContainer(ctx, ref)
}

// Logs returns the last tail lines of the container output.
func (m Manager) Logs(ctx context.Context, s remote.Session, ref string, tail int) ([]string, error) {
	return m.client(s).ContainerLogs(ctx, ref, tail)
}

// ConnectNetwork attaches a container to network.
func (m Manager) ConnectNetwork(ctx context.Context, s remote.Session, network, ref string) error {
	return m.client(s).ConnectNetwork(ctx, network, ref)
}

// Recreate replaces the container named spec.Name with a fresh one and waits
// for it to answer HTTP on its port. On probe failure the previous and the
// new container's logs are surfaced in the error and the new container is
// left in place for inspection.
func (m Manager) Recreate(ctx context.Context, s remote.Session, spec Spec) (domain.ContainerHandle, error) {
	if err := remote.ValidateRef("container name", spec.Name); err != nil {
		return domain.ContainerHandle{}, err
	}
	var previousLogs []string
	old, err := m.Inspect(ctx, s, spec.Name)
	switch {
	case err == nil:
		previousLogs, _ = m.Logs(ctx, s, old.ID, m.cfg.LogTail)
		if old.Running() {
			if err := m.Stop(ctx, s, old.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
				return domain.ContainerHandle{}, fmt.Errorf("stop previous container: %w", err)
			}
		}
		if err := m.Remove(ctx, s, old.ID); err != nil {
			return domain.ContainerHandle{}, fmt.Errorf("remove previous container: %w", err)
		}
		m.logger.Info("previous container removed", "container", spec.Name, "id", old.ID)
	case errors.Is(err, domain.ErrNotFound):
	default:
		return domain.ContainerHandle{}, err
	}

	handle, err := m.Create(ctx, s, spec)
	if err != nil {
		return domain.ContainerHandle{}, err
	}
	address, ok := handle.AddressOn(spec.Network)
	if !ok {
		return handle, m.unhealthy(ctx, s, handle, previousLogs, fmt.Sprintf("container has no address on network %s", spec.Network))
	}
	if err := m.WaitHealthy(ctx, s, address, spec.Port); err != nil {
		if kind := domain.KindOf(err); kind == domain.KindChannelClosed || errors.Is(err, context.Canceled) {
			return handle, err
		}
		return handle, m.unhealthy(ctx, s, handle, previousLogs, err.Error())
	}
	return m.Inspect(ctx, s, handle.ID)
}

func (m Manager) unhealthy(ctx context.Context, s remote.Session, h domain.ContainerHandle, previous []string, detail string) error {
	current, err := m.Logs(ctx, s, h.ID, m.cfg.LogTail)
	if err != nil {
		m.logger.Warn("collect container logs failed", "container", h.Name, "error", err)
	}
	var tail []string
	if len(previous) > 0 {
		tail = append(tail, "--- previous container ---")
		tail = append(tail, previous...)
	}
	tail = append(tail, "--- new container ---")
	tail = append(tail, current...)
	return &domain.Error{
		Kind:    domain.KindContainerUnhealthy,
		Op:      "health probe " + h.Name,
		Detail:  detail,
		LogTail: tail,
	}
}

// Probe issues one HTTP request to address:port from the remote host and
// returns the status code; 0 means no response.
func (m Manager) Probe(ctx context.Context, s remote.Session, address string, port int, path string) (int, error) {
	if err := remote.ValidateAddress(address); err != nil {
		return 0, err
	}
	if err := remote.ValidatePort(port); err != nil {
		return 0, err
	}
	if path == "" {
		path = m.cfg.ProbePath
	}
	if err := remote.ValidateURLPath(path); err != nil {
		return 0, err
	}
	url := "http://" + hostPort(address, port) + path
	return m.curl(ctx, s, url, "")
}

// ProbeVia issues one HTTP request through the local reverse proxy with the
// given Host header.
func (m Manager) ProbeVia(ctx context.Context, s remote.Session, host string) (int, error) {
	if err := remote.ValidateDomain(host); err != nil {
		return 0, err
	}
	return m.curl(ctx, s, "http://127.0.0.1:80"+m.cfg.ProbePath, host)
}

func (m Manager) curl(ctx context.Context, s remote.Session, url, host string) (int, error) {
	cmd := "curl -s -o /dev/null -w '%{http_code}' --max-time 5"
	if host != "" {
		cmd += " -H " + remote.Quote("Host: "+host)
	}
	cmd += " " + remote.Quote(url)
	res, err := s.Run(ctx, cmd, m.cfg.CommandTimeout)
	if err != nil {
		return 0, err
	}
	code, convErr := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if convErr != nil {
		return 0, nil
	}
	return code, nil
}

// Healthy reports whether an HTTP status means the application answered.
func Healthy(code int) bool {
	return code >= 200 && code < 500
}

// Routed reports whether a status fetched through the reverse proxy came from
// the application. The proxy's default server answers 404 for hosts it has no
// route for, so a 404 only counts when the application itself answers 404
// on its own address.
func Routed(via, direct int) bool {
	if !Healthy(via) {
		return false
	}
	return via != http.StatusNotFound || direct == http.StatusNotFound
}

// WaitHealthy probes until the application answers or the probe timeout
// elapses. Attempts are paced by a token bucket.
func (m Manager) WaitHealthy(ctx context.Context, s remote.Session, address string, port int) error {
	last, attempts, err := m.poll(ctx, func() (int, error) {
		return m.Probe(ctx, s, address, port, "")
	}, Healthy)
	if err != nil {
		return err
	}
	if attempts > 0 && Healthy(last) {
		m.logger.Debug("health check passed", "address", address, "port", port, "status", last, "attempts", attempts)
		return nil
	}
	return fmt.Errorf("no healthy response from %s after %d attempts (last status %d)", hostPort(address, port), attempts, last)
}

// WaitRouted requests host through the local proxy until the application
// answers or the probe timeout elapses. direct is the status the application
// returned on its own address. It returns the last status seen through the
// proxy.
func (m Manager) WaitRouted(ctx context.Context, s remote.Session, host string, direct int) (int, error) {
	routed := func(code int) bool { return Routed(code, direct) }
	last, attempts, err := m.poll(ctx, func() (int, error) {
		return m.ProbeVia(ctx, s, host)
	}, routed)
	if err != nil {
		return last, err
	}
	if attempts > 0 && routed(last) {
		return last, nil
	}
	return last, domain.NewError(domain.KindContainerUnhealthy, "route "+host,
		fmt.Sprintf("proxy answered %d after %d attempts, application answers %d directly", last, attempts, direct))
}

// poll calls fetch until done accepts the status or the probe timeout
// elapses. Timeouts of single requests are retried; any other error ends the
// loop.
func (m Manager) poll(ctx context.Context, fetch func() (int, error), done func(int) bool) (last, attempts int, err error) {
	limiter := rate.NewLimiter(rate.Every(m.cfg.ProbeInterval), 1)
	deadline := time.Now().Add(m.cfg.ProbeTimeout)
	pollCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		if err := limiter.Wait(pollCtx); err != nil {
			if ctx.Err() != nil {
				return last, attempts, ctx.Err()
			}
			return last, attempts, nil
		}
		attempts++
		code, err := fetch()
		if err != nil {
			if domain.KindOf(err) != domain.KindNetworkTimeout {
				return last, attempts, err
			}
			code = 0
		}
		last = code
		if done(code) || time.Now().After(deadline) {
			return last, attempts, nil
		}
	}
}

func hostPort(address string, port int) string {
	return net.JoinHostPort(address, strconv.Itoa(port))
}
