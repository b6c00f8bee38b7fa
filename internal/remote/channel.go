// Package remote is the only part of the orchestrator that talks to a target
// host. Every higher-level operation is expressed as a shell command string
// executed through a Session.
package remote

import (
	"context"
	"strings"
	"time"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
)

// Result is the outcome of one remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// OK reports a zero exit code.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Lines returns the non-empty stdout then stderr lines.
func (r Result) Lines() []string {
	var out []string
	for _, stream := range []string{r.Stdout, r.Stderr} {
		for _, line := range strings.Split(stream, "\n") {
			if line = strings.TrimRight(line, "\r "); strings.TrimSpace(line) != "" {
				out = append(out, line)
			}
		}
	}
	return out
}

// Session executes commands on one remote host. Commands run strictly in
// order; implementations must not interleave them. A zero timeout selects the
// session default.
type Session interface {
	Run(ctx context.Context, command string, timeout time.Duration) (Result, error)
	Close() error
}

// Dialer opens sessions against a target host.
type Dialer interface {
	Connect(ctx context.Context, target domain.ServerTarget) (Session, error)
}

// Exec runs command and converts a non-zero exit into a KindCommandFailed
// error carrying the exit code and stderr verbatim.
func Exec(ctx context.Context, s Session, op, command string, timeout time.Duration) (Result, error) {
	res, err := s.Run(ctx, command, timeout)
	if err != nil {
		return res, err
	}
	if !res.OK() {
		return res, &domain.Error{
			Kind:     domain.KindCommandFailed,
			Op:       op,
			ExitCode: res.ExitCode,
			Stderr:   firstNonEmpty(res.Stderr, res.Stdout),
		}
	}
	return res, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
