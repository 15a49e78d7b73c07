package traffic

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/andrej220/vwt/pkg/executor"
	"github.com/andrej220/vwt/pkg/lg"
	"github.com/andrej220/vwt/pkg/pool"
	"github.com/andrej220/vwt/pkg/workerpool"
	"github.com/google/uuid"
)

// DefaultExternalTargets are probed by north_south runs that name no targets.
var DefaultExternalTargets = []string{"8.8.8.8", "1.1.1.1", "www.google.com"}

// Test describes one traffic run.
type Test struct {
	Sources []executor.HostAddress
	// Targets are host names; east_west runs default to the source hosts.
	Targets   []string
	Ports     []int
	Protocol  Protocol
	Direction Direction
	Duration  time.Duration
	Interval  time.Duration
	Params    Params
}

// Task is one source/target/port pairing of a run.
type Task struct {
	ID     string
	Source executor.HostAddress
	Target Target
}

type Result struct {
	Source    string        `json:"source"`
	Target    string        `json:"target"`
	Port      int           `json:"port,omitempty"`
	Protocol  Protocol      `json:"protocol"`
	Direction Direction     `json:"direction"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Samples   []Sample      `json:"samples"`
	Summary   Summary       `json:"summary"`
	// Error is set when the pairing could not be measured at all, or when no
	// sample succeeded.
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// Success reports whether at least one sample got through.
func (r Result) Success() bool { return r.Error == "" }

type Report struct {
	RunID     string        `json:"run_id"`
	Protocol  Protocol      `json:"protocol"`
	Direction Direction     `json:"direction"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Results   []Result      `json:"results"`
}

func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.Success() {
			n++
		}
	}
	return n
}

type Options struct {
	AcquireTimeout time.Duration
	Logger         lg.Logger
}

// Engine runs probe tasks on the shared worker pool over pooled source
// connections.
type Engine struct {
	pool    *pool.Pool
	workers *workerpool.Pool[string]
	opts    Options
	logger  lg.Logger
}

func NewEngine(p *pool.Pool, workers *workerpool.Pool[string], opts Options) *Engine {
	opts.Logger = lg.OrDiscard(opts.Logger)
	return &Engine{
		pool:    p,
		workers: workers,
		opts:    opts,
		logger:  opts.Logger.With(lg.String("component", "traffic")),
	}
}

// Plan flattens a test into independent tasks.
func Plan(t Test) ([]Task, error) {
	probe, err := Lookup(t.Protocol)
	if err != nil {
		return nil, err
	}
	if len(t.Sources) == 0 {
		return nil, fmt.Errorf("%w: no source hosts", executor.ErrConfigInvalid)
	}

	targets := slices.Clone(t.Targets)
	switch t.Direction {
	case EastWest, "":
		if len(targets) == 0 {
			for _, s := range t.Sources {
				if !slices.Contains(targets, s.Host) {
					targets = append(targets, s.Host)
				}
			}
		}
	case NorthSouth:
		if len(targets) == 0 {
			targets = slices.Clone(DefaultExternalTargets)
		}
	default:
		return nil, fmt.Errorf("%w: unknown direction %q", executor.ErrConfigInvalid, t.Direction)
	}

	ports := t.Ports
	if len(ports) == 0 {
		ports = probe.DefaultPorts()
	}
	if len(ports) == 0 {
		ports = []int{0}
	}

	var tasks []Task
	for _, src := range t.Sources {
		for _, dst := range targets {
			if t.Direction != NorthSouth && dst == src.Host {
				continue
			}
			for _, port := range ports {
				tasks = append(tasks, Task{
					ID:     strconv.Itoa(len(tasks)),
					Source: src,
					Target: Target{Host: dst, Port: port},
				})
			}
		}
	}
	return tasks, nil
}

// Run executes every task of t and returns one result per task, in plan order.
// Individual failures never end the run.
func (e *Engine) Run(ctx context.Context, t Test) (Report, error) {
	tasks, err := Plan(t)
	if err != nil {
		return Report{}, err
	}
	probe, _ := Lookup(t.Protocol)
	if t.Direction == "" {
		t.Direction = EastWest
	}

	rep := Report{RunID: uuid.NewString(), Protocol: t.Protocol, Direction: t.Direction, StartedAt: time.Now()}
	logger := e.logger.With(lg.String("run", rep.RunID), lg.String("protocol", string(t.Protocol)))
	logger.Info("traffic run started", lg.Int("tasks", len(tasks)), lg.Int("samples_per_task", SampleCount(t.Duration, t.Interval)))

	results := make([]Result, len(tasks))
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	var mu sync.Mutex
	skipped := e.workers.RunAll(lg.Attach(ctx, logger), ids, func(ctx context.Context, id string) error {
		i, _ := strconv.Atoi(id)
		res := e.runTask(ctx, probe, t, tasks[i])
		mu.Lock()
		results[i] = res
		mu.Unlock()
		if !res.Success() {
			return fmt.Errorf("%s", res.Error)
		}
		return nil
	})
	for _, id := range skipped {
		i, _ := strconv.Atoi(id)
		err := executor.Timeout("waiting for a worker", ctx.Err())
		results[i] = e.newResult(t, tasks[i])
		results[i].Error, results[i].ErrorKind = err.Error(), executor.KindOf(err)
	}

	rep.Results = results
	rep.Duration = time.Since(rep.StartedAt)
	logger.Info("traffic run finished", lg.Int("failed", rep.Failed()), lg.Duration("took", rep.Duration))
	return rep, nil
}

func (e *Engine) newResult(t Test, task Task) Result {
	return Result{
		Source:    task.Source.Host,
		Target:    task.Target.Host,
		Port:      task.Target.Port,
		Protocol:  t.Protocol,
		Direction: t.Direction,
		StartedAt: time.Now(),
	}
}

func (e *Engine) runTask(ctx context.Context, probe Probe, t Test, task Task) (res Result) {
	res = e.newResult(t, task)
	logger := lg.FromContext(ctx).With(lg.String("source", task.Source.Host), lg.String("target", task.Target.Host), lg.Int("port", task.Target.Port))
	defer func() { res.Duration = time.Since(res.StartedAt) }()

	conn, err := e.pool.Acquire(ctx, task.Source, e.opts.AcquireTimeout)
	if err != nil {
		res.Error, res.ErrorKind = err.Error(), executor.KindOf(err)
		logger.Error("source unavailable", lg.Err(err))
		return res
	}
	if sp, ok := probe.(ServerProbe); ok {
		probe = withServer{ServerProbe: sp, engine: e, dst: targetAddress(t, task)}
	}
	for s := range Samples(ctx, probe, conn, task.Target, t.Params, t.Duration, t.Interval) {
		if !s.Success {
			logger.Debug("sample failed", lg.Int("seq", s.Seq), lg.String("reason", s.Reason))
		}
		res.Samples = append(res.Samples, s)
	}
	e.pool.Release(conn, conn.Ping(ctx) == nil)

	res.Summary = Summarize(res.Samples)
	if res.Summary.SuccessCount == 0 {
		err := executor.NewProbeError("%d of %d samples failed", res.Summary.FailureCount, res.Summary.Count)
		if ctx.Err() != nil {
			err = executor.Timeout("traffic", ctx.Err())
		}
		res.Error, res.ErrorKind = err.Error(), executor.KindOf(err)
	}
	return res
}

// targetAddress is how the engine logs in to a probe target: as the source host
// of the same name when there is one, otherwise with the source's credentials.
func targetAddress(t Test, task Task) executor.HostAddress {
	for _, s := range t.Sources {
		if s.Host == task.Target.Host {
			return s
		}
	}
	addr := task.Source
	addr.Host = task.Target.Host
	return addr
}

const stopServerTimeout = 5 * time.Second

// withServer starts the probe's listener on the target before every sample.
type withServer struct {
	ServerProbe
	engine *Engine
	dst    executor.HostAddress
}

func (w withServer) Sample(ctx context.Context, src executor.Conn, t Target, p Params) Sample {
	conn, err := w.engine.pool.Acquire(ctx, w.dst, w.engine.opts.AcquireTimeout)
	if err != nil {
		return failed("target: " + reason(err))
	}
	err = w.StartServer(ctx, conn, t, p)
	w.engine.pool.Release(conn, err == nil || errors.Is(err, executor.ErrCommandFailed))
	if err != nil {
		return failed("server: " + reason(err))
	}

	s := w.ServerProbe.Sample(ctx, src, t, p)
	if !s.Success {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopServerTimeout)
		defer cancel()
		if conn, err := w.engine.pool.Acquire(sctx, w.dst, w.engine.opts.AcquireTimeout); err == nil {
			w.StopServer(sctx, conn, t)
			w.engine.pool.Release(conn, true)
		}
	}
	return s
}
