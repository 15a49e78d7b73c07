// Package channel runs command sequences on persistent remote shells: chained
// commands that share shell state, and interactive expect/response sessions.
package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andrej220/vwt/pkg/executor"
	"github.com/andrej220/vwt/pkg/lg"
	shared "github.com/andrej220/vwt/pkg/shared-models"
	"github.com/google/uuid"
)

var ErrChannelBusy = errors.New("channel is busy")

type State int

const (
	StateOpen State = iota
	StateBusy
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateBusy:
		return "busy"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type event int

const (
	evStart event = iota
	evFinish
	evClose
)

// transition is the channel state machine. Closing wins from any state; a closed
// channel accepts nothing else.
func transition(s State, ev event) (State, error) {
	switch {
	case ev == evClose:
		return StateClosed, nil
	case s == StateClosed:
		return s, &executor.ChannelClosedError{Err: errors.New("channel already closed")}
	case ev == evStart && s == StateBusy:
		return s, ErrChannelBusy
	case ev == evStart:
		return StateBusy, nil
	default:
		return StateOpen, nil
	}
}

// Channel is one persistent shell on a connection. Output is collected by a reader
// goroutine so that writes never block on an unread remote buffer.
type Channel struct {
	id     string
	shell  executor.Shell
	logger lg.Logger

	mu      sync.Mutex
	state   State
	pending []byte
	readErr error
	changed chan struct{}

	closeOnce sync.Once
}

func newChannel(shell executor.Shell, logger lg.Logger) *Channel {
	c := &Channel{
		id:      uuid.NewString(),
		shell:   shell,
		changed: make(chan struct{}),
	}
	c.logger = logger.With(lg.String("channel", c.id))
	go c.pump()
	return c
}

func (c *Channel) ID() string { return c.id }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) fire(ev event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := transition(c.state, ev)
	if err != nil {
		return err
	}
	c.state = next
	return nil
}

func (c *Channel) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := c.shell.Read(buf)
		c.mu.Lock()
		if n > 0 {
			c.pending = append(c.pending, buf[:n]...)
		}
		if err != nil {
			c.readErr = err
			c.state = StateClosed
		}
		close(c.changed)
		c.changed = make(chan struct{})
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// take blocks until there is unread output and returns all of it. Once the remote
// side is gone and everything was read it returns the read error.
func (c *Channel) take(ctx context.Context) ([]byte, error) {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			b := c.pending
			c.pending = nil
			c.mu.Unlock()
			return b, nil
		}
		if c.readErr != nil {
			err := c.readErr
			c.mu.Unlock()
			return nil, err
		}
		wait := c.changed
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Channel) unread(b []byte) {
	if len(b) == 0 {
		return
	}
	c.mu.Lock()
	c.pending = append(append([]byte(nil), b...), c.pending...)
	c.mu.Unlock()
}

func (c *Channel) send(text string) error {
	if _, err := io.WriteString(c.shell, text); err != nil {
		return lost(err)
	}
	return nil
}

func closedByRemote(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}

// exitStatus reports whether command asks the shell to exit, and with which status.
func exitStatus(command string) (int, bool) {
	fields := strings.Fields(command)
	if len(fields) == 0 || len(fields) > 2 || (fields[0] != "exit" && fields[0] != "logout") {
		return 0, false
	}
	if len(fields) == 1 {
		return 0, true
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

func lost(err error) error {
	var cc *executor.ChannelClosedError
	if errors.As(err, &cc) {
		return err
	}
	if closedByRemote(err) {
		err = errors.New("remote side closed the channel")
	}
	return &executor.ChannelClosedError{Transient: true, Err: err}
}

// Exec runs command and waits for its exit status. The command is followed by an
// echo of a unique end marker carrying $?, so everything before the marker is the
// command's output.
func (c *Channel) Exec(ctx context.Context, command string) (shared.StepResult, error) {
	res := shared.StepResult{Command: command}
	if err := c.fire(evStart); err != nil {
		return res, err
	}
	defer c.fire(evFinish)

	start := time.Now()
	marker := []byte("__VWT_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "__:")
	if err := c.send(command + "\necho " + string(marker) + "$?\n"); err != nil {
		return res, err
	}

	var out []byte
	for {
		chunk, err := c.take(ctx)
		if err != nil {
			res.Output = string(out)
			res.Duration = time.Since(start)
			if ctx.Err() != nil {
				// the shell is still running the command; it cannot be reused
				c.Close()
				return res, executor.Timeout(fmt.Sprintf("command %q", command), ctx.Err())
			}
			if code, ok := exitStatus(command); ok && closedByRemote(err) {
				res.Output = strings.TrimRight(res.Output, "\r\n")
				res.ExitCode = code
				res.Success = code == 0
				c.logger.Debug("shell exited", lg.Int("exit_code", code))
				return res, nil
			}
			return res, lost(err)
		}
		out = append(out, chunk...)

		i := bytes.Index(out, marker)
		if i < 0 {
			continue
		}
		j := bytes.IndexByte(out[i:], '\n')
		if j < 0 {
			continue
		}
		code, err := strconv.Atoi(strings.TrimSpace(string(out[i+len(marker) : i+j])))
		if err != nil {
			code = -1
		}
		c.unread(out[i+j+1:])
		res.Output = strings.TrimRight(string(out[:i]), "\r\n")
		res.ExitCode = code
		res.Success = code == 0
		res.Duration = time.Since(start)
		c.logger.Debug("command finished", lg.String("command", command), lg.Int("exit_code", code), lg.Duration("took", res.Duration))
		return res, nil
	}
}

// Close closes the remote shell. It is safe to call more than once.
func (c *Channel) Close() error {
	_ = c.fire(evClose)
	var err error
	c.closeOnce.Do(func() {
		err = c.shell.Close()
		c.logger.Debug("channel closed")
	})
	return err
}
