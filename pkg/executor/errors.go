package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	shared "github.com/andrej220/vwt/pkg/shared-models"
)

var (
	ErrConnectFailed             = errors.New("connect failed")
	ErrAuthFailed                = errors.New("authentication failed")
	ErrPoolExhausted             = errors.New("connection pool exhausted")
	ErrTimeoutExceeded           = errors.New("timeout exceeded")
	ErrChannelClosed             = errors.New("channel closed")
	ErrCommandFailed             = errors.New("command failed")
	ErrInteractivePatternTimeout = errors.New("interactive pattern timeout")
	ErrProbeFailed               = errors.New("probe failed")
	ErrTransferChecksumMismatch  = errors.New("transfer checksum mismatch")
	ErrConfigInvalid             = errors.New("invalid configuration")
)

// Error kinds as recorded in results.
const (
	KindConnectFailed             = "ConnectFailed"
	KindAuthFailed                = "AuthFailed"
	KindPoolExhausted             = "PoolExhausted"
	KindTimeoutExceeded           = "TimeoutExceeded"
	KindChannelClosed             = "ChannelClosed"
	KindCommandFailed             = "CommandFailed"
	KindInteractivePatternTimeout = "InteractivePatternTimeout"
	KindProbeFailed               = "ProbeFailed"
	KindTransferChecksumMismatch  = "TransferChecksumMismatch"
	KindConfigInvalid             = "ConfigInvalid"
	KindUnknown                   = "Error"
)

// CommandError reports a command that ran to completion with a non-zero exit status.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Is(target error) bool { return target == ErrCommandFailed }

// ChannelClosedError is returned when the remote side goes away in the middle of a
// command sequence. Partial holds the steps that completed before the loss.
type ChannelClosedError struct {
	Partial []shared.StepResult
	// Transient is false when the channel was closed deliberately (the remote ran "exit"
	// out of turn or the caller closed it), which is not worth retrying.
	Transient bool
	Err       error
}

func (e *ChannelClosedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channel closed after %d step(s): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("channel closed after %d step(s)", len(e.Partial))
}

func (e *ChannelClosedError) Is(target error) bool { return target == ErrChannelClosed }
func (e *ChannelClosedError) Unwrap() error        { return e.Err }

// ProbeError is a failed traffic sample.
type ProbeError struct {
	Reason string
}

func (e *ProbeError) Error() string        { return "probe failed: " + e.Reason }
func (e *ProbeError) Is(target error) bool { return target == ErrProbeFailed }
func NewProbeError(format string, a ...any) error {
	return &ProbeError{Reason: fmt.Sprintf(format, a...)}
}

// Timeout wraps err as ErrTimeoutExceeded, keeping the original cause.
func Timeout(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, ErrTimeoutExceeded)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTimeoutExceeded, err)
}

// Retryable reports whether err is worth another attempt: connect failures, timeouts
// and transient channel loss. Everything else, including unknown errors, is terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrCommandFailed) || errors.Is(err, ErrConfigInvalid) {
		return false
	}
	var cc *ChannelClosedError
	if errors.As(err, &cc) {
		return cc.Transient
	}
	return errors.Is(err, ErrConnectFailed) || errors.Is(err, ErrTimeoutExceeded) ||
		errors.Is(err, context.DeadlineExceeded)
}

// KindOf maps err to its taxonomy name. Order matters: a timeout while
// connecting is reported as a timeout.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfigInvalid):
		return KindConfigInvalid
	case errors.Is(err, ErrAuthFailed):
		return KindAuthFailed
	case errors.Is(err, ErrPoolExhausted):
		return KindPoolExhausted
	case errors.Is(err, ErrInteractivePatternTimeout):
		return KindInteractivePatternTimeout
	case errors.Is(err, ErrTimeoutExceeded), errors.Is(err, context.DeadlineExceeded):
		return KindTimeoutExceeded
	case errors.Is(err, ErrChannelClosed):
		return KindChannelClosed
	case errors.Is(err, ErrCommandFailed):
		return KindCommandFailed
	case errors.Is(err, ErrTransferChecksumMismatch):
		return KindTransferChecksumMismatch
	case errors.Is(err, ErrProbeFailed):
		return KindProbeFailed
	case errors.Is(err, ErrConnectFailed):
		return KindConnectFailed
	default:
		return KindUnknown
	}
}

// ExitCodeOf returns the remote exit status carried by err, or -1.
func ExitCodeOf(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode
	}
	return -1
}
