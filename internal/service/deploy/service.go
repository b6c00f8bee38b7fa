// Package deploy composes provisioning, proxy resolution, container
// replacement and routing into deploy and undeploy operations.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/remote"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/repository"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/container"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/diagnose"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/ingress"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/provision"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/pkg/callback"
)

// Labels every managed container carries.
const (
	LabelManagedBy = "deploy-manager.managed"
	LabelProject   = "deploy-manager.project"
)

// Request is the inbound deploy intent.
type Request struct {
	DeploymentID string                   `json:"deployment_id,omitempty"`
	ServerID     string                   `json:"server_id" validate:"required"`
	Image        string                   `json:"image" validate:"required"`
	Project      domain.ProjectDeployment `json:"project"`
}

// Result is the terminal success payload of a deploy.
type Result struct {
	DeploymentID string           `json:"deployment_id"`
	ContainerID  string           `json:"container_id"`
	Address      string           `json:"address"`
	ProxyKind    domain.ProxyKind `json:"proxy_kind"`
	Rule         domain.ProxyRule `json:"rule"`
}

// Publisher receives deployment events.
type Publisher interface {
	Publish(topic string, event domain.Event)
}

// Notifier forwards status changes to an external system.
type Notifier interface {
	Notify(ctx context.Context, status callback.Status) error
}

// Decrypter turns stored credentials into a usable target.
type Decrypter interface {
	DecryptTarget(stored domain.StoredServer) (domain.ServerTarget, error)
}

// Config tunes the service.
type Config struct {
	// SkipProvisioning trusts the host to be ready and only resolves the proxy.
	SkipProvisioning bool
	LogTail          int
	NotifyTimeout    time.Duration
}

// Deps are the collaborators of a Service.
type Deps struct {
	Servers     repository.ServerRepository
	Deployments repository.DeploymentRepository
	Vault       Decrypter
	Dialer      remote.Dialer
	Machine     *provision.Machine
	Resolver    ingress.Resolver
	Nginx       ingress.Nginx
	Traefik     ingress.Traefik
	Containers  container.Manager
	Diagnoser   diagnose.Runner
	Events      Publisher
	Notifier    Notifier
	Logger      *slog.Logger
}

// Service runs deploy, undeploy, provisioning and diagnosis against
// registered servers.
type Service struct {
	cfg      Config
	deps     Deps
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Service.
func New(cfg Config, deps Deps) Service {
	if cfg.LogTail <= 0 {
		cfg.LogTail = 20
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		cfg:      cfg,
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Target loads a registered server and decrypts its credentials.
func (s Service) Target(ctx context.Context, serverID string) (domain.ServerTarget, error) {
	stored, err := s.deps.Servers.GetServer(ctx, serverID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ServerTarget{}, domain.WrapError(domain.KindNotFound, "load server "+serverID, err)
		}
		return domain.ServerTarget{}, err
	}
	return s.deps.Vault.DecryptTarget(*stored)
}

// Open connects to a registered server.
func (s Service) Open(ctx context.Context, serverID string) (remote.Session, error) {
	target, err := s.Target(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return s.deps.Dialer.Connect(ctx, target)
}

// Provision provisions a registered server.
func (s Service) Provision(ctx context.Context, serverID string) (*domain.ProvisioningRecord, error) {
	target, err := s.Target(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return s.deps.Machine.Provision(ctx, serverID, target)
}

// Retry re-runs a failed provisioning of a registered server.
func (s Service) Retry(ctx context.Context, serverID string) (*domain.ProvisioningRecord, error) {
	target, err := s.Target(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return s.deps.Machine.Retry(ctx, serverID, target)
}

// ProvisioningStatus returns the latest provisioning record of a server.
func (s Service) ProvisioningStatus(ctx context.Context, serverID string) (*domain.ProvisioningRecord, error) {
	return s.deps.Machine.Status(ctx, serverID)
}

// Deployment returns one recorded deploy operation.
func (s Service) Deployment(ctx context.Context, id string) (*domain.Deployment, error) {
	d, err := s.deps.Deployments.GetDeployment(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.WrapError(domain.KindNotFound, "load deployment "+id, err)
	}
	return d, err
}

// Deployments lists the most recent deploy operations of a server.
func (s Service) Deployments(ctx context.Context, serverID string, limit int) ([]domain.Deployment, error) {
	return s.deps.Deployments.ListDeploymentsByServer(ctx, serverID, limit)
}

// Validate checks a request without touching any host.
func (s Service) Validate(req Request) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return domain.InvalidInput("deploy", "field %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return domain.InvalidInput("deploy", "%v", err)
	}
	if err := remote.ValidateImage(req.Image); err != nil {
		return err
	}
	return remote.ValidateDeployment(req.Project)
}

// Deploy validates req, records it and runs it against the registered
// server.
func (s Service) Deploy(ctx context.Context, req Request) (Result, error) {
	if err := s.Validate(req); err != nil {
		return Result{}, err
	}
	rec := s.begin(ctx, &req)
	session, err := s.Open(ctx, req.ServerID)
	if err != nil {
		return Result{}, s.fail(ctx, rec, err)
	}
	defer session.Close()
	return s.run(ctx, session, req, rec)
}

// DeployWith runs req over an already open session. The request's ServerID
// only keys records and events.
func (s Service) DeployWith(ctx context.Context, session remote.Session, req Request) (Result, error) {
	if err := s.Validate(req); err != nil {
		return Result{}, err
	}
	return s.run(ctx, session, req, s.begin(ctx, &req))
}

func (s Service) begin(ctx context.Context, req *Request) *domain.Deployment {
	if req.DeploymentID == "" {
		req.DeploymentID = uuid.NewString()
	}
	now := s.now()
	rec := &domain.Deployment{
		ID:        req.DeploymentID,
		ServerID:  req.ServerID,
		Project:   req.Project.Name,
		Domain:    req.Project.Domain,
		Image:     req.Image,
		Status:    domain.DeploymentQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.save(ctx, rec)
	s.progress(rec, 0, "deployment queued")
	return rec
}

func (s Service) run(ctx context.Context, session remote.Session, req Request, rec *domain.Deployment) (Result, error) {
	log := s.logger.With("deployment_id", rec.ID, "server", req.ServerID, "project", req.Project.Name)
	rec.Status = domain.DeploymentRunning
	s.save(ctx, rec)
	s.progress(rec, 10, "connected")

	if !s.cfg.SkipProvisioning {
		if _, err := s.deps.Machine.Ensure(ctx, req.ServerID, session); err != nil {
			return Result{}, s.fail(ctx, rec, err)
		}
		s.progress(rec, 30, "server ready")
	}

	strategy, err := s.deps.Resolver.Resolve(ctx, session)
	if err != nil {
		return Result{}, s.fail(ctx, rec, err)
	}
	if strategy.Kind == domain.ProxyNone {
		return Result{}, s.fail(ctx, rec, domain.NewError(domain.KindNotFound, "resolve proxy", "no reverse proxy installed; provision the server first"))
	}
	rec.ProxyKind = strategy.Kind
	if err := s.attachProxy(ctx, session, strategy); err != nil {
		return Result{}, s.fail(ctx, rec, err)
	}
	s.progress(rec, 40, "routing through "+string(strategy.Kind)+" on network "+strategy.Network)

	p := req.Project
	labels := map[string]string{LabelManagedBy: "true", LabelProject: p.Name}
	if strategy.Kind == domain.ProxyTraefik {
		routing, err := ingress.GenerateLabels(p.Domain, p.Port, p.Name, p.TLSEnabled, strategy.Network, s.deps.Traefik.LabelOptions())
		if err != nil {
			return Result{}, s.fail(ctx, rec, err)
		}
		for k, v := range routing {
			labels[k] = v
		}
	}

	handle, err := s.deps.Containers.Recreate(ctx, session, container.Spec{
		Name:    p.ContainerName(),
		Image:   req.Image,
		Network: strategy.Network,
		Port:    p.Port,
		Labels:  labels,
		Env:     p.Env,
	})
	if err != nil {
		return Result{}, s.fail(ctx, rec, err)
	}
	ip, _ := handle.AddressOn(strategy.Network)
	rec.ContainerID = handle.ID
	rec.Address = net.JoinHostPort(ip, strconv.Itoa(p.Port))
	s.progress(rec, 70, "container "+handle.Name+" healthy at "+rec.Address)

	var rule domain.ProxyRule
	switch strategy.Kind {
	case domain.ProxyNginx:
		rule, err = s.deps.Nginx.ConfigureProject(ctx, session, p.Name, p.Domain, ip, p.Port)
		if err != nil {
			return Result{}, s.fail(ctx, rec, err)
		}
	case domain.ProxyTraefik:
		rule = domain.ProxyRule{
			Kind:          domain.ProxyTraefik,
			Project:       p.Name,
			Domain:        p.Domain,
			Labels:        handle.Labels,
			TargetAddress: ip,
			TargetPort:    p.Port,
		}
	}
	direct, err := s.deps.Containers.Probe(ctx, session, ip, p.Port, "")
	if err != nil {
		return Result{}, s.fail(ctx, rec, err)
	}
	if _, err := s.deps.Containers.WaitRouted(ctx, session, p.Domain, direct); err != nil {
		return Result{}, s.fail(ctx, rec, err)
	}
	s.progress(rec, 90, "route "+p.Domain+" active")

	rec.Status = domain.DeploymentSucceeded
	s.save(ctx, rec)
	result := Result{
		DeploymentID: rec.ID,
		ContainerID:  rec.ContainerID,
		Address:      rec.Address,
		ProxyKind:    rec.ProxyKind,
		Rule:         rule,
	}
	s.publish(rec, domain.Event{Type: domain.EventResult, Result: &domain.Result{
		ContainerID: result.ContainerID,
		Address:     result.Address,
		ProxyKind:   result.ProxyKind,
	}})
	s.progress(rec, 100, "deployment succeeded")
	s.notify(ctx, rec, "deployment succeeded")
	log.Info("deployment succeeded", "container", handle.ID, "address", rec.Address, "proxy", rec.ProxyKind)
	return result, nil
}

// attachProxy starts the proxy when needed and joins it to the application
// network. The shared network may appear after the proxy was installed on
// the fallback one.
func (s Service) attachProxy(ctx context.Context, session remote.Session, strategy ingress.Strategy) error {
	switch strategy.Kind {
	case domain.ProxyNginx:
		return s.deps.Nginx.EnsureProxyInstalled(ctx, session, strategy.Network)
	case domain.ProxyTraefik:
		name, err := s.deps.Resolver.ProxyContainer(ctx, session, strategy.Kind)
		if err != nil {
			return err
		}
		if err := s.deps.Containers.ConnectNetwork(ctx, session, strategy.Network, name); err != nil {
			return fmt.Errorf("attach %s to %s: %w", name, strategy.Network, err)
		}
	}
	return nil
}

// Undeploy removes the project's container and its proxy rule.
func (s Service) Undeploy(ctx context.Context, serverID, project string) error {
	if err := remote.ValidateProjectName(project); err != nil {
		return err
	}
	session, err := s.Open(ctx, serverID)
	if err != nil {
		return err
	}
	defer session.Close()
	return s.UndeployWith(ctx, session, serverID, project)
}

// UndeployWith removes a project over an open session. The image is kept.
func (s Service) UndeployWith(ctx context.Context, session remote.Session, serverID, project string) error {
	if err := remote.ValidateProjectName(project); err != nil {
		return err
	}
	if err := s.deps.Containers.Remove(ctx, session, domain.ContainerNameFor(project)); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	installed, err := s.deps.Resolver.IsNginxInstalled(ctx, session)
	if err != nil {
		return err
	}
	if installed {
		if err := s.deps.Nginx.RemoveProject(ctx, session, project); err != nil {
			return fmt.Errorf("remove proxy rule: %w", err)
		}
	}
	s.markRemoved(ctx, serverID, project)
	s.logger.Info("project undeployed", "server", serverID, "project", project)
	return nil
}

// Diagnose runs the read-only diagnosis against a registered server.
func (s Service) Diagnose(ctx context.Context, serverID string, t diagnose.Target) (diagnose.Report, error) {
	session, err := s.Open(ctx, serverID)
	if err != nil {
		return diagnose.Report{}, err
	}
	defer session.Close()
	return s.deps.Diagnoser.Diagnose(ctx, session, t)
}

// Repair runs one repair cycle against a registered server.
func (s Service) Repair(ctx context.Context, serverID string, t diagnose.Target) (diagnose.Report, error) {
	session, err := s.Open(ctx, serverID)
	if err != nil {
		return diagnose.Report{}, err
	}
	defer session.Close()
	return s.deps.Diagnoser.Repair(ctx, session, t)
}

func (s Service) markRemoved(ctx context.Context, serverID, project string) {
	if s.deps.Deployments == nil {
		return
	}
	deployments, err := s.deps.Deployments.ListDeploymentsByServer(ctx, serverID, 0)
	if err != nil {
		s.logger.Warn("list deployments failed", "server", serverID, "error", err)
		return
	}
	for i := range deployments {
		d := deployments[i]
		if d.Project != project || d.Status != domain.DeploymentSucceeded {
			continue
		}
		d.Status = domain.DeploymentRemoved
		s.save(ctx, &d)
	}
}

func (s Service) fail(ctx context.Context, rec *domain.Deployment, cause error) error {
	var tail []string
	var derr *domain.Error
	if errors.As(cause, &derr) {
		tail = derr.LogTail
		if len(tail) > s.cfg.LogTail {
			tail = tail[len(tail)-s.cfg.LogTail:]
		}
	}
	rec.Status = domain.DeploymentFailed
	rec.Failure = domain.FailureFrom(cause, tail)
	s.save(ctx, rec)
	s.publish(rec, domain.Event{Type: domain.EventError, Failure: rec.Failure})
	s.notify(ctx, rec, "deployment failed")
	s.logger.Warn("deployment failed", "deployment_id", rec.ID, "project", rec.Project, "error_kind", rec.Failure.ErrorKind, "error", cause)
	return cause
}

func (s Service) save(ctx context.Context, rec *domain.Deployment) {
	if s.deps.Deployments == nil {
		return
	}
	rec.UpdatedAt = s.now()
	if err := s.deps.Deployments.SaveDeployment(ctx, rec); err != nil {
		s.logger.Warn("persist deployment failed", "deployment_id", rec.ID, "error", err)
	}
}

func (s Service) progress(rec *domain.Deployment, pct int, message string) {
	s.publish(rec, domain.Event{Type: domain.EventProgress, Progress: &domain.Progress{
		Status:   string(rec.Status),
		Progress: pct,
		Message:  message,
	}})
}

func (s Service) publish(rec *domain.Deployment, ev domain.Event) {
	if s.deps.Events == nil {
		return
	}
	s.deps.Events.Publish(domain.DeploymentTopic(rec.ID), ev)
}

func (s Service) notify(ctx context.Context, rec *domain.Deployment, message string) {
	if s.deps.Notifier == nil {
		return
	}
	status := callback.Status{
		DeploymentID: rec.ID,
		ServerID:     rec.ServerID,
		Project:      rec.Project,
		Status:       string(rec.Status),
		Message:      message,
		ContainerID:  rec.ContainerID,
		Address:      rec.Address,
		ProxyKind:    string(rec.ProxyKind),
	}
	if rec.Failure != nil {
		status.ErrorKind = string(rec.Failure.ErrorKind)
		status.Error = rec.Failure.Detail
		status.LogTail = rec.Failure.LogTail
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.NotifyTimeout)
	defer cancel()
	if err := s.deps.Notifier.Notify(notifyCtx, status); err != nil {
		s.logger.Warn("deploy callback failed", "deployment_id", rec.ID, "error", err)
	}
}
