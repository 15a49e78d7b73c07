package dispatch

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/andrej220/vwt/pkg/channel"
	"github.com/andrej220/vwt/pkg/executor"
	"github.com/andrej220/vwt/pkg/logstream"
	"github.com/andrej220/vwt/pkg/pool"
	shared "github.com/andrej220/vwt/pkg/shared-models"
	"github.com/andrej220/vwt/pkg/transfer"
)

// Execute runs command once per host in a fresh session.
func Execute(command string) Op {
	return Op{
		Name: shared.OpExecute,
		Run: func(ctx context.Context, conn *pool.Conn, res *shared.OperationResult) error {
			out, err := conn.Run(ctx, command)
			if err != nil {
				return err
			}
			res.Output, res.Stderr, res.ExitCode = out.Stdout, out.Stderr, out.ExitCode
			if out.ExitCode != 0 {
				return &executor.CommandError{Command: command, ExitCode: out.ExitCode, Stderr: out.Stderr}
			}
			return nil
		},
	}
}

// Chain runs commands in order on one channel per host, or on a fresh channel per
// command with opts.NewChannel.
func Chain(m *channel.Manager, commands []string, opts channel.ChainOptions) Op {
	return Op{
		Name: shared.OpChain,
		Run: func(ctx context.Context, conn *pool.Conn, res *shared.OperationResult) error {
			steps, err := m.Chain(ctx, conn, commands, opts)
			fillSteps(res, steps)
			return err
		},
	}
}

func Interactive(m *channel.Manager, steps []shared.Step, stepTimeout time.Duration) Op {
	return Op{
		Name: shared.OpInteractive,
		Run: func(ctx context.Context, conn *pool.Conn, res *shared.OperationResult) error {
			out, err := m.Interactive(ctx, conn, steps, stepTimeout)
			fillSteps(res, out)
			return err
		},
	}
}

func fillSteps(res *shared.OperationResult, steps []shared.StepResult) {
	res.Steps = steps
	outs := make([]string, 0, len(steps))
	for _, s := range steps {
		if s.Output != "" {
			outs = append(outs, s.Output)
		}
	}
	res.Output = strings.Join(outs, "\n")
	if n := len(steps); n > 0 {
		res.ExitCode = steps[n-1].ExitCode
	}
}

func Upload(t *transfer.Transfer, localPath, remotePath string) Op {
	return Op{
		Name: shared.OpUpload,
		Run: func(ctx context.Context, conn *pool.Conn, res *shared.OperationResult) error {
			n, err := t.Upload(ctx, conn, localPath, remotePath)
			res.BytesTransferred = n
			if err == nil {
				res.Output = fmt.Sprintf("%s -> %s", localPath, remotePath)
			}
			return err
		},
	}
}

// DownloadPath is where a host's copy of remotePath is stored under localDir.
func DownloadPath(localDir, host, remotePath string) string {
	return filepath.Join(localDir, strings.ReplaceAll(host, ":", "_")+"_"+path.Base(remotePath))
}

func Download(t *transfer.Transfer, remotePath, localDir string) Op {
	return Op{
		Name: shared.OpDownload,
		Run: func(ctx context.Context, conn *pool.Conn, res *shared.OperationResult) error {
			local := DownloadPath(localDir, res.Host, remotePath)
			n, err := t.Download(ctx, conn, remotePath, local)
			res.BytesTransferred = n
			if err == nil {
				res.Output = local
			}
			return err
		},
	}
}

const (
	DefaultTailLines = 10
	// tailHeadroom is added to a follow window to cover connecting and the final flush.
	tailHeadroom = 10 * time.Second
)

type TailOptions struct {
	Lines  int
	Follow bool
	// Window is how long a follow keeps streaming.
	Window time.Duration
	// OnBatch, when set, sees every batch as it arrives. It runs on the host's worker.
	OnBatch func(logstream.Batch)
}

// Tail prints the last lines of path, or with Follow streams appended lines for
// Window through s.
func Tail(s *logstream.Streamer, filePath string, opts TailOptions) Op {
	if opts.Lines <= 0 {
		opts.Lines = DefaultTailLines
	}
	if !opts.Follow {
		op := Execute(fmt.Sprintf("tail -n %d %s", opts.Lines, executor.ShellQuote(filePath)))
		op.Name = shared.OpTail
		return op
	}
	return Op{
		Name:    shared.OpTail,
		Timeout: opts.Window + tailHeadroom,
		Run: func(ctx context.Context, conn *pool.Conn, res *shared.OperationResult) error {
			wctx, cancel := context.WithTimeout(ctx, opts.Window)
			defer cancel()
			sess := s.Start(wctx, res.Host, conn, filePath)
			var lines []string
			for b := range sess.Batches() {
				if opts.OnBatch != nil {
					opts.OnBatch(b)
				}
				lines = append(lines, b.Lines...)
			}
			res.Output = strings.Join(lines, "\n")
			if err := sess.Wait(); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return executor.Timeout("tail", ctx.Err())
			}
			return nil
		},
	}
}
