// Package dispatch runs one operation across a set of hosts with bounded
// concurrency, per-host retries and per-host result isolation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/andrej220/vwt/pkg/executor"
	"github.com/andrej220/vwt/pkg/lg"
	"github.com/andrej220/vwt/pkg/pool"
	shared "github.com/andrej220/vwt/pkg/shared-models"
	"github.com/andrej220/vwt/pkg/workerpool"
	"github.com/cenkalti/backoff/v4"
)

const DefaultMaxRetryDelay = 30 * time.Second

type Options struct {
	MaxRetries int
	// RetryDelay seeds the backoff: attempt n waits RetryDelay * 2^(n-1).
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// Timeout bounds one attempt, connection included. Zero means no bound.
	Timeout        time.Duration
	AcquireTimeout time.Duration
	Logger         lg.Logger
}

// Op is the per-host work of an operation. Run gets an exclusive connection and
// records what it produced in res; a non-nil error marks the attempt failed.
type Op struct {
	Name shared.Operation
	// Timeout overrides Options.Timeout for this operation when set.
	Timeout time.Duration
	Run     func(ctx context.Context, conn *pool.Conn, res *shared.OperationResult) error
}

type EventType string

const (
	AttemptStarted  EventType = "attempt_started"
	AttemptFinished EventType = "attempt_finished"
)

type Event struct {
	Host      string
	Operation shared.Operation
	Attempt   int
	Type      EventType
	Err       error
	At        time.Time
}

type Executor struct {
	pool    *pool.Pool
	workers *workerpool.Pool[string]
	opts    Options
	logger  lg.Logger

	mu        sync.RWMutex
	listeners []func(Event)
}

func New(p *pool.Pool, workers *workerpool.Pool[string], opts Options) *Executor {
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = DefaultMaxRetryDelay
	}
	opts.Logger = lg.OrDiscard(opts.Logger)
	return &Executor{
		pool:    p,
		workers: workers,
		opts:    opts,
		logger:  opts.Logger.With(lg.String("component", "dispatch")),
	}
}

// OnEvent registers fn for attempt events. fn runs on the worker goroutine and
// must not block.
func (e *Executor) OnEvent(fn func(Event)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

func (e *Executor) emit(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, fn := range e.listeners {
		fn(ev)
	}
}

// Label is the name a host's result is stored under: the host alone on the default
// port, host:port otherwise. Dispatch uses the full user@host:port key instead when
// two identities of one run share a label.
func Label(addr executor.HostAddress) string {
	if addr.Port == 0 || addr.Port == 22 {
		return addr.Host
	}
	return net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port))
}

// Dispatch runs op on every host and returns one result per host. It never fails as
// a whole: a host that could not even be scheduled gets a failed result.
func (e *Executor) Dispatch(ctx context.Context, hosts []executor.HostAddress, op Op) map[string]shared.OperationResult {
	// a label shared by different identities falls back to the full key
	keys := make(map[string]map[string]bool, len(hosts))
	for _, h := range hosts {
		l := Label(h)
		if keys[l] == nil {
			keys[l] = map[string]bool{}
		}
		keys[l][h.Key()] = true
	}
	byLabel := make(map[string]executor.HostAddress, len(hosts))
	labels := make([]string, 0, len(hosts))
	for _, h := range hosts {
		l := Label(h)
		if len(keys[l]) > 1 {
			l = h.Key()
		}
		if _, dup := byLabel[l]; dup {
			continue
		}
		byLabel[l] = h
		labels = append(labels, l)
	}

	results := make(map[string]shared.OperationResult, len(labels))
	var mu sync.Mutex
	skipped := e.workers.RunAll(lg.Attach(ctx, e.logger), labels, func(ctx context.Context, label string) error {
		res := e.runHost(ctx, label, byLabel[label], op)
		mu.Lock()
		results[label] = res
		mu.Unlock()
		if !res.Success {
			return errors.New(res.Error)
		}
		return nil
	})

	for _, label := range skipped {
		err := executor.Timeout("waiting for a worker", ctx.Err())
		results[label] = shared.OperationResult{
			Host:      label,
			Operation: op.Name,
			StartedAt: time.Now(),
			Error:     err.Error(),
			ErrorKind: executor.KindOf(err),
			ExitCode:  -1,
		}
	}
	return results
}

func (e *Executor) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.RetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = e.opts.MaxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(e.opts.MaxRetries, 0))), ctx)
}

// runHost retries op on one host. Only retryable errors get another attempt; the
// result reflects the last attempt.
func (e *Executor) runHost(ctx context.Context, label string, addr executor.HostAddress, op Op) shared.OperationResult {
	logger := e.logger.With(lg.String("host", label), lg.String("operation", string(op.Name)))
	started := time.Now()
	var res shared.OperationResult
	var last error
	attempt := 0

	err := backoff.RetryNotify(func() error {
		attempt++
		e.emit(Event{Host: label, Operation: op.Name, Attempt: attempt, Type: AttemptStarted, At: time.Now()})
		res = shared.OperationResult{Host: label, Operation: op.Name, StartedAt: started}
		err := e.attempt(ctx, addr, op, &res)
		e.emit(Event{Host: label, Operation: op.Name, Attempt: attempt, Type: AttemptFinished, Err: err, At: time.Now()})
		last = err
		if err != nil && !executor.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, e.newBackOff(ctx), func(err error, wait time.Duration) {
		logger.Warn("attempt failed, retrying", lg.Int("attempt", attempt), lg.Duration("backoff", wait), lg.Err(err))
	})

	if err != nil && last != nil && !errors.Is(err, last) {
		// the context ended while waiting between attempts
		err = executor.Timeout(fmt.Sprintf("after %d attempt(s)", attempt), last)
	}

	res.RetryCount = attempt - 1
	res.Duration = time.Since(started)
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		res.ErrorKind = executor.KindOf(err)
		if code := executor.ExitCodeOf(err); code >= 0 {
			res.ExitCode = code
		} else if res.ExitCode == 0 {
			res.ExitCode = -1
		}
		var cc *executor.ChannelClosedError
		if len(res.Steps) == 0 && errors.As(err, &cc) {
			res.Steps = cc.Partial
		}
		logger.Error("operation failed", lg.Int("attempts", attempt), lg.String("kind", res.ErrorKind), lg.Err(err))
		return res
	}
	res.Success = true
	logger.Info("operation succeeded", lg.Int("attempts", attempt), lg.Duration("took", res.Duration))
	return res
}

func (e *Executor) attempt(ctx context.Context, addr executor.HostAddress, op Op, res *shared.OperationResult) error {
	timeout := e.opts.Timeout
	if op.Timeout > 0 {
		timeout = op.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := e.pool.Acquire(ctx, addr, e.opts.AcquireTimeout)
	if err != nil {
		return asTimeout("connect "+addr.Key(), err)
	}
	err = op.Run(ctx, conn, res)
	e.pool.Release(conn, reusable(err))
	return asTimeout(string(op.Name), err)
}

// reusable reports whether the connection survived err.
func reusable(err error) bool {
	return err == nil ||
		errors.Is(err, executor.ErrCommandFailed) ||
		errors.Is(err, executor.ErrInteractivePatternTimeout) ||
		errors.Is(err, executor.ErrTransferChecksumMismatch) ||
		errors.Is(err, executor.ErrProbeFailed)
}

func asTimeout(op string, err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, executor.ErrTimeoutExceeded) {
		return executor.Timeout(op, err)
	}
	return err
}
