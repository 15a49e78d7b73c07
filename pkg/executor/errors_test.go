package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryableAndKind(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		kind      string
	}{
		{name: "nil", err: nil, retryable: false, kind: ""},
		{name: "connect", err: fmt.Errorf("web1: %w", ErrConnectFailed), retryable: true, kind: KindConnectFailed},
		{name: "timeout", err: Timeout("run", context.DeadlineExceeded), retryable: true, kind: KindTimeoutExceeded},
		{name: "bare deadline", err: context.DeadlineExceeded, retryable: true, kind: KindTimeoutExceeded},
		{name: "auth", err: fmt.Errorf("web1: %w", ErrAuthFailed), retryable: false, kind: KindAuthFailed},
		{name: "command", err: &CommandError{Command: "false", ExitCode: 1}, retryable: false, kind: KindCommandFailed},
		{name: "transient channel", err: &ChannelClosedError{Transient: true}, retryable: true, kind: KindChannelClosed},
		{name: "final channel", err: &ChannelClosedError{}, retryable: false, kind: KindChannelClosed},
		{name: "pattern timeout", err: fmt.Errorf("step 1: %w", ErrInteractivePatternTimeout), retryable: false, kind: KindInteractivePatternTimeout},
		{name: "pool exhausted", err: ErrPoolExhausted, retryable: false, kind: KindPoolExhausted},
		{name: "checksum", err: ErrTransferChecksumMismatch, retryable: false, kind: KindTransferChecksumMismatch},
		{name: "probe", err: NewProbeError("connection refused"), retryable: false, kind: KindProbeFailed},
		{name: "config", err: fmt.Errorf("%w: port", ErrConfigInvalid), retryable: false, kind: KindConfigInvalid},
		{name: "unknown", err: errors.New("boom"), retryable: false, kind: KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, Retryable(tt.err))
			assert.Equal(t, tt.kind, KindOf(tt.err))
		})
	}
}

func TestCommandError(t *testing.T) {
	err := fmt.Errorf("web1: %w", &CommandError{Command: "ls /nope", ExitCode: 2, Stderr: "no such file\n"})
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, 2, ExitCodeOf(err))
	assert.Contains(t, err.Error(), "no such file")
	assert.Equal(t, -1, ExitCodeOf(errors.New("other")))
}

func TestHostAddressKey(t *testing.T) {
	addr := HostAddress{Host: "10.0.0.1", User: "ops"}
	assert.Equal(t, "ops@10.0.0.1:22", addr.Key())

	addr.Port = 2222
	addr.Password = "ignored"
	assert.Equal(t, "ops@10.0.0.1:2222", addr.Key())

	addr.Jump = &HostAddress{Host: "bastion", Port: 22, User: "jump"}
	assert.Equal(t, "ops@10.0.0.1:2222 (via jump@bastion:22)", addr.String())

	v6 := HostAddress{Host: "::1", Port: 22, User: "root"}
	assert.Equal(t, "root@[::1]:22", v6.Key())
}
