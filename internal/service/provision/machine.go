package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/repository"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/ingress"
)

// ErrInProgress is returned when a server is already being provisioned.
var ErrInProgress = errors.New("provisioning already in progress")

// ErrNotRetryable is returned by Retry when the last run did not fail.
var ErrNotRetryable = errors.New("provisioning is not in error state")

// Publisher receives progress and log events.
type Publisher interface {
	Publish(topic string, event domain.Event)
}

// Config tunes command timeouts and the installed software versions.
type Config struct {
	CommandTimeout   time.Duration
	InstallTimeout   time.Duration
	NodeMajorVersion int
	ProxyEngine      string
	LogTail          int
}

// Machine drives the per-server provisioning lifecycle
// pending → provisioning → ready | error.
type Machine struct {
	cfg      Config
	dialer   remote.Dialer
	repo     repository.ProvisioningRepository
	events   Publisher
	resolver ingress.Resolver
	nginx    ingress.Nginx
	traefik  ingress.Traefik
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

// New constructs a Machine.
func New(cfg Config, dialer remote.Dialer, repo repository.ProvisioningRepository, events Publisher, resolver ingress.Resolver, nginx ingress.Nginx, traefik ingress.Traefik, logger *slog.Logger) *Machine {
	if cfg.NodeMajorVersion <= 0 {
		cfg.NodeMajorVersion = 20
	}
	if cfg.LogTail <= 0 {
		cfg.LogTail = 20
	}
	if cfg.ProxyEngine == "" {
		cfg.ProxyEngine = string(domain.ProxyNginx)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		cfg:      cfg,
		dialer:   dialer,
		repo:     repo,
		events:   events,
		resolver: resolver,
		nginx:    nginx,
		traefik:  traefik,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		active:   make(map[string]struct{}),
	}
}

// Status returns the latest record of a server.
func (m *Machine) Status(ctx context.Context, serverID string) (*domain.ProvisioningRecord, error) {
	rec, err := m.repo.GetProvisioning(ctx, serverID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.WrapError(domain.KindNotFound, "provisioning status", err)
		}
		return nil, err
	}
	return rec, nil
}

// Provision connects to target and brings it to ready.
func (m *Machine) Provision(ctx context.Context, serverID string, target domain.ServerTarget) (*domain.ProvisioningRecord, error) {
	if err := m.acquire(serverID); err != nil {
		return nil, err
	}
	defer m.release(serverID)

	rec, _, err := m.begin(ctx, serverID)
	if err != nil {
		return nil, err
	}
	session, err := m.dialer.Connect(ctx, target)
	if err != nil {
		return m.fail(ctx, rec, "connect", err)
	}
	defer session.Close()
	return m.run(ctx, rec, session, false)
}

// Retry re-runs a failed provisioning. Completed steps are re-checked and
// skipped.
func (m *Machine) Retry(ctx context.Context, serverID string, target domain.ServerTarget) (*domain.ProvisioningRecord, error) {
	rec, err := m.Status(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.ProvisioningError {
		return rec, ErrNotRetryable
	}
	return m.Provision(ctx, serverID, target)
}

// Ensure runs provisioning over an already open session. Hosts that are
// already ready only pay for the checks, and skip the package index refresh.
func (m *Machine) Ensure(ctx context.Context, serverID string, session remote.Session) (*domain.ProvisioningRecord, error) {
	if err := m.acquire(serverID); err != nil {
		return nil, err
	}
	defer m.release(serverID)

	rec, wasReady, err := m.begin(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return m.run(ctx, rec, session, wasReady)
}

// ProvisionAll provisions distinct servers concurrently, at most limit at a
// time. Results are keyed by server id; a nil error means ready.
func (m *Machine) ProvisionAll(ctx context.Context, targets map[string]domain.ServerTarget, limit int) map[string]error {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make(map[string]error, len(targets))
	)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for id, target := range targets {
		id, target := id, target
		g.Go(func() error {
			_, err := m.Provision(ctx, id, target)
			mu.Lock()
			results[id] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (m *Machine) acquire(serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.active[serverID]; busy {
		return ErrInProgress
	}
	m.active[serverID] = struct{}{}
	return nil
}

func (m *Machine) release(serverID string) {
	m.mu.Lock()
	delete(m.active, serverID)
	m.mu.Unlock()
}

// begin loads or creates the record and moves it to provisioning. The
// boolean reports whether the record was ready before.
func (m *Machine) begin(ctx context.Context, serverID string) (*domain.ProvisioningRecord, bool, error) {
	now := m.now()
	rec, err := m.repo.GetProvisioning(ctx, serverID)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound):
		rec = domain.NewProvisioningRecord(uuid.NewString(), serverID, now)
	default:
		return nil, false, fmt.Errorf("load provisioning record: %w", err)
	}
	wasReady := rec.Status == domain.ProvisioningReady
	rec.Status = domain.ProvisioningInProgress
	rec.Progress = 0
	rec.Step = ""
	rec.Error = ""
	rec.ErrorKind = ""
	rec.StartedAt = now
	if err := m.save(ctx, rec); err != nil {
		return nil, false, err
	}
	m.publishProgress(rec, "provisioning started")
	return rec, wasReady, nil
}

func (m *Machine) run(ctx context.Context, rec *domain.ProvisioningRecord, s remote.Session, wasReady bool) (*domain.ProvisioningRecord, error) {
	log := m.logger.With("server", rec.ServerID)
	for _, step := range m.Steps() {
		rec.Step = step.Name
		if wasReady && step.SkipWhenReady {
			log.Debug("skipped on ready host", "step", step.Name)
		} else if err := m.ensureStep(ctx, rec, s, step); err != nil {
			return m.fail(ctx, rec, step.Name, err)
		}
		if step.Software != "" {
			rec.Installed[step.Software] = true
		}
		rec.Progress = step.Progress
		if err := m.save(ctx, rec); err != nil {
			return nil, err
		}
		m.publishProgress(rec, step.Name+" ok")
	}
	rec.Status = domain.ProvisioningReady
	rec.Step = ""
	if err := m.save(ctx, rec); err != nil {
		return nil, err
	}
	m.publishProgress(rec, "server ready")
	log.Info("server provisioned")
	return rec.Clone(), nil
}

func (m *Machine) ensureStep(ctx context.Context, rec *domain.ProvisioningRecord, s remote.Session, step Step) error {
	installed, err := step.Check(ctx, s)
	if err != nil {
		return err
	}
	if installed {
		m.logger.Debug("already installed", "server", rec.ServerID, "step", step.Name)
		return nil
	}
	return m.install(ctx, rec, s, step)
}

// install runs the step, retrying once on failure, then re-checks it.
func (m *Machine) install(ctx context.Context, rec *domain.ProvisioningRecord, s remote.Session, step Step) error {
	m.appendLog(ctx, rec, fmt.Sprintf("[%s] installing", step.Name))

	var (
		res remote.Result
		err error
	)
	for attempt := 1; attempt <= 2; attempt++ {
		res, err = step.Install(ctx, s)
		for _, line := range res.Lines() {
			m.appendLog(ctx, rec, fmt.Sprintf("[%s] %s", step.Name, line))
		}
		if err == nil && res.OK() {
			break
		}
		if !retryable(ctx, err) || attempt == 2 {
			break
		}
		m.appendLog(ctx, rec, fmt.Sprintf("[%s] attempt %d failed, retrying", step.Name, attempt))
	}
	if err != nil {
		return err
	}
	if !res.OK() {
		return &domain.Error{
			Kind:     domain.KindInstallStepFailed,
			Op:       "install " + step.Name,
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(res.Stderr),
		}
	}

	ok, err := step.Check(ctx, s)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewError(domain.KindInstallStepFailed, "install "+step.Name, "installation finished but the check still fails")
	}
	m.appendLog(ctx, rec, fmt.Sprintf("[%s] installed", step.Name))
	return nil
}

func retryable(ctx context.Context, err error) bool {
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	switch domain.KindOf(err) {
	case domain.KindChannelClosed, domain.KindInvalidInput, domain.KindAuth:
		return false
	}
	return true
}

func (m *Machine) fail(ctx context.Context, rec *domain.ProvisioningRecord, step string, cause error) (*domain.ProvisioningRecord, error) {
	kind := domain.KindOf(cause)
	if kind == "" || kind == domain.KindCommandFailed || (kind == domain.KindNetworkTimeout && step != "connect") {
		kind = domain.KindInstallStepFailed
	}
	var stepErr *domain.Error
	if errors.As(cause, &stepErr) && stepErr.Kind == kind {
		stepErr.Op = "provision " + step
	} else {
		stepErr = &domain.Error{Kind: kind, Op: "provision " + step, Err: cause}
		var inner *domain.Error
		if errors.As(cause, &inner) {
			stepErr.ExitCode = inner.ExitCode
			stepErr.Stderr = inner.Stderr
		}
	}
	if stepErr.Stderr != "" {
		m.appendLog(ctx, rec, fmt.Sprintf("[%s] %s", step, strings.TrimSpace(stepErr.Stderr)))
	}
	stepErr.LogTail = rec.Tail(m.cfg.LogTail)

	rec.Status = domain.ProvisioningError
	rec.Error = stepErr.Error()
	rec.ErrorKind = kind
	if err := m.save(ctx, rec); err != nil {
		m.logger.Error("persist provisioning failure", "server", rec.ServerID, "error", err)
	}
	m.publishProgress(rec, step+" failed")
	m.publish(rec.ServerID, domain.Event{Type: domain.EventError, Failure: domain.FailureFrom(stepErr, stepErr.LogTail)})
	m.logger.Warn("provisioning failed", "server", rec.ServerID, "step", step, "error", stepErr)
	return rec.Clone(), stepErr
}

func (m *Machine) appendLog(ctx context.Context, rec *domain.ProvisioningRecord, text string) {
	line := domain.LogLine{Text: text, Timestamp: m.now()}
	rec.Logs = append(rec.Logs, line)
	if err := m.save(ctx, rec); err != nil {
		m.logger.Warn("persist provisioning log", "server", rec.ServerID, "error", err)
	}
	m.publish(rec.ServerID, domain.Event{Type: domain.EventLog, Log: &line})
}

func (m *Machine) save(ctx context.Context, rec *domain.ProvisioningRecord) error {
	rec.UpdatedAt = m.now()
	if err := m.repo.SaveProvisioning(ctx, rec); err != nil {
		return fmt.Errorf("save provisioning record: %w", err)
	}
	return nil
}

func (m *Machine) publishProgress(rec *domain.ProvisioningRecord, message string) {
	m.publish(rec.ServerID, domain.Event{Type: domain.EventProgress, Progress: &domain.Progress{
		Status:   string(rec.Status),
		Progress: rec.Progress,
		Message:  message,
	}})
}

func (m *Machine) publish(serverID string, ev domain.Event) {
	if m.events == nil {
		return
	}
	m.events.Publish(domain.ServerTopic(serverID), ev)
}
