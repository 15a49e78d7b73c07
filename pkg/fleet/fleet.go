// Package fleet builds the runtime of a configuration: the connection pool, the
// shared worker pool and every engine that runs on top of them.
package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/andrej220/vwt/pkg/channel"
	"github.com/andrej220/vwt/pkg/config"
	"github.com/andrej220/vwt/pkg/dispatch"
	"github.com/andrej220/vwt/pkg/executor"
	"github.com/andrej220/vwt/pkg/lg"
	"github.com/andrej220/vwt/pkg/logstream"
	"github.com/andrej220/vwt/pkg/metrics"
	"github.com/andrej220/vwt/pkg/pool"
	shared "github.com/andrej220/vwt/pkg/shared-models"
	"github.com/andrej220/vwt/pkg/traffic"
	"github.com/andrej220/vwt/pkg/transfer"
	"github.com/andrej220/vwt/pkg/workerpool"
)

type Options struct {
	Logger lg.Logger
	// Dialer replaces the SSH dialer built from the configuration.
	Dialer executor.Dialer
	// Metrics receives every result; a fresh collector is used when nil.
	Metrics *metrics.Collector
	// OnBatch sees the lines of a follow tail as they arrive.
	OnBatch func(logstream.Batch)
}

type Fleet struct {
	Config   *config.Config
	Pool     *pool.Pool
	Workers  *workerpool.Pool[string]
	Channels *channel.Manager
	Executor *dispatch.Executor
	Traffic  *traffic.Engine
	Transfer *transfer.Transfer
	Streamer *logstream.Streamer
	Metrics  *metrics.Collector

	onBatch func(logstream.Batch)
	logger  lg.Logger
}

// New wires a fleet for cfg. cfg must already be validated.
func New(cfg *config.Config, opts Options) (*Fleet, error) {
	logger := lg.OrDiscard(opts.Logger)
	dialer := opts.Dialer
	if dialer == nil {
		do := cfg.DialOptions()
		do.Logger = logger
		d, err := executor.NewSSHDialer(do)
		if err != nil {
			return nil, err
		}
		dialer = d
	}
	streamer, err := logstream.New(logstream.Options{
		BufferSize:    cfg.LogCapture.BufferSize,
		FlushInterval: cfg.LogCapture.FlushIntervalDuration(),
		Include:       cfg.LogCapture.FilterPatterns,
		Exclude:       cfg.LogCapture.ExcludePatterns,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.NewCollector()
	}

	connections := pool.New(dialer, pool.Options{
		Size:        cfg.ConnectionPoolSize,
		IdleTimeout: cfg.IdleTimeoutDuration(),
		Logger:      logger,
	})
	workers := workerpool.NewPool[string](cfg.MaxParallel, logger)
	acquire := cfg.TimeoutDuration()

	f := &Fleet{
		Config:   cfg,
		Pool:     connections,
		Workers:  workers,
		Channels: channel.NewManager(logger),
		Executor: dispatch.New(connections, workers, dispatch.Options{
			MaxRetries:     cfg.MaxRetries,
			RetryDelay:     cfg.RetryDelayDuration(),
			Timeout:        cfg.TimeoutDuration(),
			AcquireTimeout: acquire,
			Logger:         logger,
		}),
		Traffic: traffic.NewEngine(connections, workers, traffic.Options{AcquireTimeout: acquire, Logger: logger}),
		Transfer: transfer.New(transfer.Options{
			ChunkSize:           cfg.FileTransfer.ChunkSize,
			VerifyChecksum:      cfg.FileTransfer.VerifyChecksum,
			PreservePermissions: cfg.FileTransfer.PreservePermissions,
			Logger:              logger,
		}),
		Streamer: streamer,
		Metrics:  collector,
		onBatch:  opts.OnBatch,
		logger:   logger,
	}
	return f, nil
}

// Close stops the workers and closes every pooled connection.
func (f *Fleet) Close() error {
	f.Workers.Stop()
	return f.Pool.Close()
}

// Hosts resolves host entries, or the configured host list when hosts is empty.
func (f *Fleet) Hosts(hosts []string) ([]executor.HostAddress, error) {
	if len(hosts) == 0 {
		hosts = f.Config.Hosts
	}
	addrs, err := f.Config.Addresses(hosts)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no hosts given", executor.ErrConfigInvalid)
	}
	return addrs, nil
}

// Dispatch runs op on hosts and records the results.
func (f *Fleet) Dispatch(ctx context.Context, hosts []executor.HostAddress, op dispatch.Op) map[string]shared.OperationResult {
	res := f.Executor.Dispatch(ctx, hosts, op)
	f.Metrics.RecordAll(res)
	return res
}

// RunTraffic runs a traffic test and records it.
func (f *Fleet) RunTraffic(ctx context.Context, t traffic.Test) (traffic.Report, error) {
	rep, err := f.Traffic.Run(ctx, t)
	if err != nil {
		return rep, err
	}
	f.Metrics.RecordTraffic(rep)
	return rep, nil
}

// Operation builds the per-host work of a queued request.
func (f *Fleet) Operation(req shared.Request) (dispatch.Op, error) {
	timeout := time.Duration(req.Timeout) * time.Second
	switch req.Operation {
	case shared.OpExecute:
		op := dispatch.Execute(req.Command)
		op.Timeout = timeout
		return op, nil
	case shared.OpChain:
		step := timeout
		if step <= 0 {
			step = f.Config.TimeoutDuration()
		}
		op := dispatch.Chain(f.Channels, req.Commands, channel.ChainOptions{NewChannel: req.NewChannel, Timeout: step})
		op.Timeout = step * time.Duration(len(req.Commands)+1)
		return op, nil
	case shared.OpInteractive:
		step := timeout
		if step <= 0 {
			step = channel.DefaultStepTimeout
		}
		op := dispatch.Interactive(f.Channels, req.Steps, step)
		op.Timeout = step * time.Duration(len(req.Steps)+1)
		return op, nil
	case shared.OpUpload:
		op := dispatch.Upload(f.Transfer, req.LocalPath, req.RemotePath)
		op.Timeout = timeout
		return op, nil
	case shared.OpDownload:
		op := dispatch.Download(f.Transfer, req.RemotePath, req.LocalDir)
		op.Timeout = timeout
		return op, nil
	case shared.OpTail:
		return dispatch.Tail(f.Streamer, req.Path, dispatch.TailOptions{
			Lines:   req.Lines,
			Follow:  req.Follow,
			Window:  timeout,
			OnBatch: f.onBatch,
		}), nil
	}
	return dispatch.Op{}, fmt.Errorf("%w: unsupported operation %q", executor.ErrConfigInvalid, req.Operation)
}

// Handle validates and runs a queued request.
func (f *Fleet) Handle(ctx context.Context, req shared.Request) (map[string]shared.OperationResult, error) {
	if err := config.Validator().Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", executor.ErrConfigInvalid, err)
	}
	if req.Operation == shared.OpTail && req.Follow && req.Timeout <= 0 {
		return nil, fmt.Errorf("%w: a follow tail needs a timeout", executor.ErrConfigInvalid)
	}
	hosts, err := f.Hosts(req.Hosts)
	if err != nil {
		return nil, err
	}
	op, err := f.Operation(req)
	if err != nil {
		return nil, err
	}
	f.logger.Info("running request", lg.String("exuid", req.ExecutionUID.String()), lg.String("operation", string(req.Operation)), lg.Int("hosts", len(hosts)))
	return f.Dispatch(ctx, hosts, op), nil
}
