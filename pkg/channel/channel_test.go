package channel

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/andrej220/vwt/pkg/executor"
	"github.com/andrej220/vwt/pkg/executor/executortest"
	shared "github.com/andrej220/vwt/pkg/shared-models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, sh executortest.ShellConfig) executor.Conn {
	t.Helper()
	d := executortest.NewDialer()
	addr := executor.HostAddress{Host: "web1", User: "root"}
	d.Script(addr.Key(), &executortest.Script{Shell: sh})
	conn, err := d.Dial(context.Background(), addr, nil)
	require.NoError(t, err)
	return conn
}

func TestChainSharesShellState(t *testing.T) {
	m := NewManager(nil)
	conn := dial(t, executortest.ShellConfig{})

	res, err := m.Chain(context.Background(), conn, []string{"cd /tmp", "pwd"}, ChainOptions{Timeout: time.Second})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "/tmp", res[1].Output)
	assert.True(t, res[0].Success)
	assert.True(t, res[1].Success)

	res, err = m.Chain(context.Background(), conn, []string{"cd /tmp", "pwd"}, ChainOptions{NewChannel: true, Timeout: time.Second})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "/home/user", res[1].Output)
}

func TestChainStopsAtFirstFailure(t *testing.T) {
	m := NewManager(nil)
	conn := dial(t, executortest.ShellConfig{})

	res, err := m.Chain(context.Background(), conn, []string{"true", "false", "pwd"}, ChainOptions{})
	require.ErrorIs(t, err, executor.ErrCommandFailed)
	assert.Equal(t, 1, executor.ExitCodeOf(err))
	require.Len(t, res, 2)
	assert.False(t, res[1].Success)
	assert.Equal(t, 1, res[1].ExitCode)
}

func TestChainLostChannelKeepsPartialResults(t *testing.T) {
	m := NewManager(nil)
	conn := dial(t, executortest.ShellConfig{})

	res, err := m.Chain(context.Background(), conn, []string{"pwd", "drop", "pwd"}, ChainOptions{Timeout: time.Second})
	require.ErrorIs(t, err, executor.ErrChannelClosed)
	var cc *executor.ChannelClosedError
	require.True(t, errors.As(err, &cc))
	require.Len(t, cc.Partial, 1)
	assert.Equal(t, "/home/user", cc.Partial[0].Output)
	assert.True(t, cc.Transient)
	assert.Len(t, res, 2)
}

func TestExecTimeoutClosesChannel(t *testing.T) {
	m := NewManager(nil)
	conn := dial(t, executortest.ShellConfig{})
	ch, err := m.Open(context.Background(), conn, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ch.Exec(ctx, "sleep 100")
	require.ErrorIs(t, err, executor.ErrTimeoutExceeded)
	assert.Equal(t, StateClosed, ch.State())

	_, err = ch.Exec(context.Background(), "pwd")
	assert.ErrorIs(t, err, executor.ErrChannelClosed)
}

func TestTransition(t *testing.T) {
	tests := []struct {
		from    State
		ev      event
		want    State
		wantErr error
	}{
		{StateOpen, evStart, StateBusy, nil},
		{StateBusy, evStart, StateBusy, ErrChannelBusy},
		{StateBusy, evFinish, StateOpen, nil},
		{StateBusy, evClose, StateClosed, nil},
		{StateClosed, evStart, StateClosed, executor.ErrChannelClosed},
		{StateClosed, evClose, StateClosed, nil},
	}
	for _, tt := range tests {
		t.Run(tt.from.String(), func(t *testing.T) {
			got, err := transition(tt.from, tt.ev)
			assert.Equal(t, tt.want, got)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInteractiveSudo(t *testing.T) {
	m := NewManager(nil)
	d := executortest.NewDialer()
	addr := executor.HostAddress{Host: "web1", User: "root"}
	d.Script(addr.Key(), &executortest.Script{Shell: executortest.ShellConfig{SudoPassword: "mypass"}})
	conn, err := d.Dial(context.Background(), addr, nil)
	require.NoError(t, err)

	steps := []shared.Step{
		{Command: "sudo -i", Expect: []string{"password:", "password for"}},
		{Command: "mypass"},
		{Command: "whoami", Expect: []string{"root"}},
	}
	res, err := m.Interactive(context.Background(), conn, steps, time.Second)
	require.NoError(t, err)
	require.Len(t, res, 3)
	for i, r := range res {
		assert.Equal(t, steps[i].Command, r.Command)
		assert.True(t, r.Success)
	}
	assert.Equal(t, "[sudo] password for", res[0].Output)
}

func TestInteractivePatternTimeout(t *testing.T) {
	m := NewManager(nil)
	conn := dial(t, executortest.ShellConfig{Silent: true})

	steps := []shared.Step{
		{Command: "sudo -i", Expect: []string{"password:"}},
		{Command: "mypass"},
	}
	res, err := m.Interactive(context.Background(), conn, steps, 30*time.Millisecond)
	require.ErrorIs(t, err, executor.ErrInteractivePatternTimeout)
	assert.Equal(t, executor.KindInteractivePatternTimeout, executor.KindOf(err))
	assert.False(t, executor.Retryable(err))
	require.Len(t, res, 1)
	assert.False(t, res[0].Success)
}

func TestInteractiveExitEndsSession(t *testing.T) {
	m := NewManager(nil)
	conn := dial(t, executortest.ShellConfig{})

	steps := []shared.Step{
		{Command: "echo ready", Expect: []string{"ready"}},
		{Command: "exit"},
		{Command: "never sent", Expect: []string{"x"}},
	}
	res, err := m.Interactive(context.Background(), conn, steps, time.Second)
	require.NoError(t, err)
	assert.Len(t, res, 2)
}

func TestSessionFeed(t *testing.T) {
	s := NewSession([]shared.Step{
		{Command: "login", Expect: []string{"Password:", "passphrase"}},
		{Command: "secret", Expect: []string{"$ "}},
	})
	require.Equal(t, PhaseSending, s.Phase())
	s.Sent(time.Now())
	require.Equal(t, PhaseAwaiting, s.Phase())

	assert.False(t, s.Feed("Pass"))
	assert.True(t, s.Feed("word: banner $ "))
	assert.Equal(t, PhaseSending, s.Phase())
	assert.Equal(t, "Password:", s.Results()[0].Output)

	// output after the first match carries over to the next step
	s.Sent(time.Now())
	assert.True(t, s.Feed(""))
	assert.Equal(t, PhaseDone, s.Phase())
	assert.Equal(t, " banner $ ", s.Results()[1].Output)
}

func TestSessionEmpty(t *testing.T) {
	s := NewSession(nil)
	assert.Equal(t, PhaseDone, s.Phase())
}

func TestParseSteps(t *testing.T) {
	input := strings.Join([]string{
		"# elevate",
		"sudo -i|password:, Password:",
		"mypass",
		"",
		"ps aux | grep sshd|sshd",
		"whoami|",
	}, "\n")
	steps, err := ParseSteps(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []shared.Step{
		{Command: "sudo -i", Expect: []string{"password:", "Password:"}},
		{Command: "mypass"},
		{Command: "ps aux | grep sshd", Expect: []string{"sshd"}},
		{Command: "whoami"},
	}, steps)

	_, err = ParseSteps(strings.NewReader("# nothing\n\n"))
	assert.ErrorIs(t, err, executor.ErrConfigInvalid)

	_, err = ParseSteps(strings.NewReader("|pattern\n"))
	assert.ErrorIs(t, err, executor.ErrConfigInvalid)
}
