package channel

import (
	"context"
	"errors"
	"time"

	"github.com/andrej220/vwt/pkg/executor"
	"github.com/andrej220/vwt/pkg/lg"
	shared "github.com/andrej220/vwt/pkg/shared-models"
)

const DefaultStepTimeout = 30 * time.Second

type Manager struct {
	logger lg.Logger
}

func NewManager(logger lg.Logger) *Manager {
	return &Manager{logger: lg.OrDiscard(logger).With(lg.String("component", "channel"))}
}

// Open starts a shell on conn. Interactive sessions want a terminal so prompts such
// as sudo's are printed; chains do not.
func (m *Manager) Open(ctx context.Context, conn executor.Conn, pty bool) (*Channel, error) {
	sh, err := conn.Shell(ctx, pty)
	if err != nil {
		return nil, lost(err)
	}
	ch := newChannel(sh, m.logger)
	ch.logger.Debug("channel opened", lg.Bool("pty", pty))
	return ch, nil
}

type ChainOptions struct {
	// NewChannel runs every command on its own shell, so no state is shared.
	NewChannel bool
	// Timeout bounds each command; zero leaves only ctx.
	Timeout time.Duration
}

// Chain runs commands in order and returns one result per command that ran. It
// stops at the first non-zero exit status with a CommandError. When the channel is
// lost the ChannelClosedError carries the results gathered so far.
func (m *Manager) Chain(ctx context.Context, conn executor.Conn, commands []string, opts ChainOptions) ([]shared.StepResult, error) {
	var results []shared.StepResult
	var ch *Channel
	defer func() {
		if ch != nil {
			ch.Close()
		}
	}()

	for _, cmd := range commands {
		if ch == nil || opts.NewChannel {
			if ch != nil {
				ch.Close()
			}
			var err error
			if ch, err = m.Open(ctx, conn, false); err != nil {
				return results, withPartial(err, results)
			}
		}

		cctx, cancel := ctx, context.CancelFunc(func() {})
		if opts.Timeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}
		res, err := ch.Exec(cctx, cmd)
		cancel()
		if err != nil {
			results = append(results, res)
			return results, withPartial(err, results[:len(results)-1])
		}
		results = append(results, res)
		if !res.Success {
			return results, &executor.CommandError{Command: cmd, ExitCode: res.ExitCode, Stderr: res.Output}
		}
	}
	return results, nil
}

func withPartial(err error, partial []shared.StepResult) error {
	var cc *executor.ChannelClosedError
	if errors.As(err, &cc) {
		cc.Partial = append([]shared.StepResult(nil), partial...)
	}
	return err
}

// Interactive drives steps over one terminal channel. Each step waits at most
// stepTimeout for one of its patterns.
func (m *Manager) Interactive(ctx context.Context, conn executor.Conn, steps []shared.Step, stepTimeout time.Duration) ([]shared.StepResult, error) {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	ch, err := m.Open(ctx, conn, true)
	if err != nil {
		return nil, err
	}
	defer ch.Close()
	if err := ch.fire(evStart); err != nil {
		return nil, err
	}

	s := NewSession(steps)
	for {
		switch s.Phase() {
		case PhaseDone:
			return s.Results(), nil
		case PhaseFailed:
			return s.Results(), withPartial(s.Err(), s.Results())
		case PhaseSending:
			if err := ch.send(s.Current().Command + "\n"); err != nil {
				s.Fail(err)
				continue
			}
			s.Sent(time.Now())
		case PhaseAwaiting:
			m.await(ctx, ch, s, stepTimeout)
		}
	}
}

func (m *Manager) await(ctx context.Context, ch *Channel, s *Session, stepTimeout time.Duration) {
	sctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	for s.Phase() == PhaseAwaiting {
		chunk, err := ch.take(sctx)
		switch {
		case err == nil:
			s.Feed(string(chunk))
		case ctx.Err() != nil:
			s.Fail(executor.Timeout("interactive session", ctx.Err()))
		case sctx.Err() != nil:
			err := s.Timeout(stepTimeout)
			ch.logger.Debug("interactive step timed out", lg.Err(err))
		default:
			s.Fail(lost(err))
		}
	}
}
