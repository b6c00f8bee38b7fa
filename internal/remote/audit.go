package remote

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
)

const auditOutputLimit = 4096

var durationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 180, 600}

// Metrics records remote command outcomes.
type Metrics struct {
	commands *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers remote command collectors with reg, reusing collectors
// that are already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploy_manager",
			Subsystem: "remote",
			Name:      "commands_total",
			Help:      "Count of remote commands by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deploy_manager",
			Subsystem: "remote",
			Name:      "command_duration_seconds",
			Help:      "Latency distribution of remote commands",
			Buckets:   durationBuckets,
		}, []string{"outcome"}),
	}
	if reg == nil {
		return m
	}
	if err := reg.Register(m.commands); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				m.commands = existing
			}
		}
	}
	if err := reg.Register(m.duration); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				m.duration = existing
			}
		}
	}
	return m
}

func (m *Metrics) observe(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"outcome": outcome}
	m.commands.With(labels).Inc()
	m.duration.With(labels).Observe(d.Seconds())
}

type auditedSession struct {
	inner   Session
	logger  *slog.Logger
	metrics *Metrics
	server  string
}

// Audited wraps s so that every command is logged with its exit code and
// truncated output, and counted in metrics.
func Audited(s Session, server string, logger *slog.Logger, metrics *Metrics) Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &auditedSession{inner: s, logger: logger, metrics: metrics, server: server}
}

func (a *auditedSession) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	start := time.Now()
	res, err := a.inner.Run(ctx, command, timeout)
	elapsed := time.Since(start)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = string(domain.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	case !res.OK():
		outcome = "nonzero"
	}
	a.metrics.observe(outcome, elapsed)

	attrs := []any{
		"server", a.server,
		"command", truncateForLog(redactCommand(command)),
		"exit_code", res.ExitCode,
		"duration", elapsed,
	}
	if res.Stdout != "" {
		attrs = append(attrs, "stdout", truncateForLog(res.Stdout))
	}
	if res.Stderr != "" {
		attrs = append(attrs, "stderr", truncateForLog(res.Stderr))
	}
	if err != nil {
		a.logger.Warn("remote command failed", append(attrs, "error", err)...)
	} else {
		a.logger.Debug("remote command", attrs...)
	}
	return res, err
}

func (a *auditedSession) Close() error {
	return a.inner.Close()
}

type auditedDialer struct {
	inner   Dialer
	logger  *slog.Logger
	metrics *Metrics
}

// AuditedDialer wraps every session d opens with Audited.
func AuditedDialer(d Dialer, logger *slog.Logger, metrics *Metrics) Dialer {
	return auditedDialer{inner: d, logger: logger, metrics: metrics}
}

func (a auditedDialer) Connect(ctx context.Context, target domain.ServerTarget) (Session, error) {
	s, err := a.inner.Connect(ctx, target)
	if err != nil {
		return nil, err
	}
	return Audited(s, target.String(), a.logger, a.metrics), nil
}

var (
	quotedEnvFlag = regexp.MustCompile(`-e '([A-Za-z_][A-Za-z0-9_]*)=(?:[^']|'\\'')*'`)
	bareEnvFlag   = regexp.MustCompile(`-e ([A-Za-z_][A-Za-z0-9_]*)=[^\s']*`)
)

// redactCommand masks environment values passed to docker run.
func redactCommand(command string) string {
	command = quotedEnvFlag.ReplaceAllString(command, "-e '$1=***'")
	return bareEnvFlag.ReplaceAllString(command, "-e $1=***")
}

func truncateForLog(s string) string {
	if len(s) <= auditOutputLimit {
		return s
	}
	return s[:auditOutputLimit] + "..." + fmt.Sprintf(" (%d bytes truncated)", len(s)-auditOutputLimit)
}
