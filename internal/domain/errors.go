package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies orchestrator failures. It implements error so kinds can
// be used directly as errors.Is targets.
type ErrorKind string

const (
	KindAuth                   ErrorKind = "auth_error"
	KindNetworkTimeout         ErrorKind = "network_timeout"
	KindChannelClosed          ErrorKind = "channel_closed"
	KindInstallStepFailed      ErrorKind = "install_step_failed"
	KindConfigValidationFailed ErrorKind = "config_validation_failed"
	KindContainerUnhealthy     ErrorKind = "container_unhealthy"
	KindStaleRoute             ErrorKind = "stale_route_detected"
	KindInvalidInput           ErrorKind = "invalid_input"
	KindCommandFailed          ErrorKind = "command_failed"
	KindNotFound               ErrorKind = "not_found"
)

func (k ErrorKind) Error() string { return string(k) }

// Retryable reports whether the caller may retry an operation failing with k.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetworkTimeout, KindInstallStepFailed, KindContainerUnhealthy, KindCommandFailed:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is checks.
var (
	ErrAuth                   error = KindAuth
	ErrNetworkTimeout         error = KindNetworkTimeout
	ErrChannelClosed          error = KindChannelClosed
	ErrInstallStepFailed      error = KindInstallStepFailed
	ErrConfigValidationFailed error = KindConfigValidationFailed
	ErrContainerUnhealthy     error = KindContainerUnhealthy
	ErrStaleRoute             error = KindStaleRoute
	ErrInvalidInput           error = KindInvalidInput
	ErrCommandFailed          error = KindCommandFailed
	ErrNotFound               error = KindNotFound
)

// Error is the structured failure surfaced by every orchestrator component.
// Remote command failures keep their exit code and stderr verbatim.
type Error struct {
	Kind     ErrorKind
	Op       string
	Detail   string
	ExitCode int
	Stderr   string
	LogTail  []string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, " (exit %d)", e.ExitCode)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		b.WriteString(": ")
		b.WriteString(stderr)
	}
	if e.Err != nil && e.Detail == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrorKind targets of the same kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// WrapError builds an Error of the given kind around cause.
func WrapError(kind ErrorKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// InvalidInput reports a rejected identifier or parameter.
func InvalidInput(op, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// KindOf extracts the classified kind of err, or "" when unclassified.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k ErrorKind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

// FailureFrom renders err as a user-visible failure payload.
func FailureFrom(err error, tail []string) *Failure {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	if kind == "" {
		kind = KindCommandFailed
	}
	f := &Failure{ErrorKind: kind, Detail: err.Error(), LogTail: tail}
	var e *Error
	if errors.As(err, &e) && len(e.LogTail) > 0 && len(tail) == 0 {
		f.LogTail = append([]string(nil), e.LogTail...)
	}
	return f
}
