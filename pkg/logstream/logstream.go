// Package logstream follows remote log files. A session polls the file's identity
// and size, reads what was appended, and hands filtered lines downstream in
// batches bounded by size and age.
package logstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andrej220/vwt/internal/processor"
	"github.com/andrej220/vwt/pkg/executor"
	"github.com/andrej220/vwt/pkg/lg"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// BufferSize is the number of buffered bytes that forces a flush.
	BufferSize    int
	FlushInterval time.Duration
	PollInterval  time.Duration
	Include       []string
	Exclude       []string
	// FromStart reads the file from the beginning instead of only new lines.
	FromStart bool
	Logger    lg.Logger
}

func (o *Options) setDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 8192
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = min(o.FlushInterval, 500*time.Millisecond)
	}
	o.Logger = lg.OrDiscard(o.Logger)
}

type Batch struct {
	Host  string
	Path  string
	Lines []string
	At    time.Time
}

type Streamer struct {
	opts   Options
	filter *processor.LineFilter
}

func New(opts Options) (*Streamer, error) {
	opts.setDefaults()
	f, err := processor.NewLineFilter(opts.Include, opts.Exclude)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", executor.ErrConfigInvalid, err)
	}
	return &Streamer{opts: opts, filter: f}, nil
}

// Session is the capture state of one host's file.
type Session struct {
	ID   string
	Host string
	Path string

	conn   executor.Conn
	opts   Options
	filter *processor.LineFilter
	logger lg.Logger

	mu        sync.Mutex
	inode     string
	offset    int64
	partial   string
	rotations int

	lines   chan []string
	batches chan Batch
	cancel  context.CancelFunc
	g       *errgroup.Group
	stop    sync.Once
}

// Start begins following path on conn. Batches arrive on Batches() until the
// session ends; the channel is closed after the last flush.
func (s *Streamer) Start(ctx context.Context, host string, conn executor.Conn, path string) *Session {
	ctx, cancel := context.WithCancel(ctx)
	sess := &Session{
		ID:      uuid.NewString(),
		Host:    host,
		Path:    path,
		conn:    conn,
		opts:    s.opts,
		filter:  s.filter,
		lines:   make(chan []string, 16),
		batches: make(chan Batch, 16),
		cancel:  cancel,
	}
	sess.logger = s.opts.Logger.With(lg.String("host", host), lg.String("path", path), lg.String("capture", sess.ID))
	if s.opts.FromStart {
		sess.inode = "-"
	}

	g, gctx := errgroup.WithContext(ctx)
	sess.g = g
	g.Go(func() error {
		defer close(sess.lines)
		defer sess.flushPartial()
		return sess.poll(gctx)
	})
	g.Go(func() error {
		defer close(sess.batches)
		sess.batch()
		return nil
	})
	sess.logger.Info("capture started")
	return sess
}

func (s *Session) Batches() <-chan Batch { return s.batches }

// Stop ends the capture. Buffered lines are still delivered before Batches is
// closed. Stop does not wait; use Wait for that. It may be called from any
// goroutine, any number of times.
func (s *Session) Stop() {
	s.stop.Do(func() {
		s.logger.Info("capture stopping")
		s.cancel()
	})
}

// Wait blocks until the session ended and returns the error that ended it, if
// any other than being stopped.
func (s *Session) Wait() error {
	err := s.g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *Session) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

func (s *Session) Rotations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotations
}

func (s *Session) poll(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		if err := s.step(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("capture failed", lg.Err(err))
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// step does one poll: stat the file, detect rotation, read the appended bytes.
func (s *Session) step(ctx context.Context) error {
	inode, size, ok, err := s.stat(ctx)
	if err != nil {
		return err
	}
	if !ok {
		// the file is between rotation and recreation; look again next time
		return nil
	}

	s.mu.Lock()
	switch {
	case s.inode == "":
		s.inode, s.offset = inode, size
	case s.inode == "-":
		s.inode = inode
	case inode != s.inode || size < s.offset:
		s.logger.Info("log rotated, reopening", lg.String("inode", inode), lg.Int64("size", size), lg.Int64("offset", s.offset))
		s.inode, s.offset = inode, 0
		s.rotations++
		if s.partial != "" {
			held := s.partial
			s.partial = ""
			s.mu.Unlock()
			if err := s.emit(ctx, []string{held}); err != nil {
				return err
			}
			s.mu.Lock()
		}
	}
	offset := s.offset
	s.mu.Unlock()

	if size <= offset {
		return nil
	}
	data, err := s.read(ctx, offset, size-offset)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.offset = offset + int64(len(data))
	text := s.partial + data
	cut := strings.LastIndexByte(text, '\n')
	if cut < 0 {
		s.partial = text
		s.mu.Unlock()
		return nil
	}
	s.partial = text[cut+1:]
	s.mu.Unlock()
	return s.emit(ctx, strings.Split(text[:cut], "\n"))
}

// flushPartial hands a held unterminated line to the batcher when polling ends.
// The batcher reads until the line channel is closed, so the send cannot block
// forever.
func (s *Session) flushPartial() {
	s.mu.Lock()
	held := s.partial
	s.partial = ""
	s.mu.Unlock()
	if held != "" {
		s.lines <- []string{held}
	}
}

func (s *Session) emit(ctx context.Context, lines []string) error {
	select {
	case s.lines <- lines:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) stat(ctx context.Context) (inode string, size int64, ok bool, err error) {
	out, err := s.conn.Run(ctx, "stat -L -c '%i %s' "+executor.ShellQuote(s.Path))
	if err != nil {
		return "", 0, false, err
	}
	if out.ExitCode != 0 {
		return "", 0, false, nil
	}
	fields := strings.Fields(out.Stdout)
	if len(fields) != 2 {
		return "", 0, false, fmt.Errorf("unexpected stat output %q", out.Stdout)
	}
	size, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return "", 0, false, fmt.Errorf("unexpected stat output %q: %w", out.Stdout, err)
	}
	return fields[0], size, true, nil
}

func (s *Session) read(ctx context.Context, offset, n int64) (string, error) {
	cmd := fmt.Sprintf("tail -c +%d %s | head -c %d", offset+1, executor.ShellQuote(s.Path), n)
	out, err := s.conn.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		// vanished after the stat; the next poll sorts it out
		return "", nil
	}
	return out.Stdout, nil
}

// batch filters incoming lines and flushes them when BufferSize bytes are held or
// FlushInterval passed since the last flush, whichever comes first. It drains the
// line channel before the final flush.
func (s *Session) batch() {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	var buf []string
	size := 0

	flush := func() {
		if len(buf) == 0 {
			return
		}
		s.batches <- Batch{Host: s.Host, Path: s.Path, Lines: buf, At: time.Now()}
		buf, size = nil, 0
	}

	for {
		select {
		case lines, ok := <-s.lines:
			if !ok {
				flush()
				return
			}
			for _, l := range s.filter.Apply(lines) {
				buf = append(buf, l)
				size += len(l) + 1
				if size >= s.opts.BufferSize {
					flush()
				}
			}
		case <-ticker.C:
			flush()
		}
	}
}
