// Package executortest provides an in-memory transport for tests: a dialer that
// counts connections, connections whose commands are answered by a tiny shell
// interpreter, and an in-memory file store.
package executortest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/andrej220/vwt/pkg/executor"
)

// Script controls how connections to one host identity behave.
type Script struct {
	// DialErrs are returned by successive dials before dialing starts to succeed.
	DialErrs []error
	// DialErr, when set, is returned by every dial after DialErrs are used up.
	DialErr   error
	DialDelay time.Duration
	// Run answers Conn.Run. Nil runs the command through the shell interpreter.
	Run func(cmd string) (executor.CommandOutput, error)
	// Shell configures the interpreter behind Conn.Shell and the default Run.
	Shell   ShellConfig
	PingErr error
	Files   *Files
	// DialTCP answers Conn.Dial.
	DialTCP func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Dialer is a scripted executor.Dialer. Hosts without a script get a default
// connection that always works.
type Dialer struct {
	mu      sync.Mutex
	scripts map[string]*Script
	dials   map[string]int
	open    map[string]int
	maxOpen map[string]int
	conns   []*Conn
}

var _ executor.Dialer = (*Dialer)(nil)

func NewDialer() *Dialer {
	return &Dialer{
		scripts: make(map[string]*Script),
		dials:   make(map[string]int),
		open:    make(map[string]int),
		maxOpen: make(map[string]int),
	}
}

// Script registers s for the identity key ("user@host:port") and returns it.
func (d *Dialer) Script(key string, s *Script) *Script {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[key] = s
	return s
}

func (d *Dialer) Dial(ctx context.Context, addr executor.HostAddress, via executor.Conn) (executor.Conn, error) {
	key := addr.Key()
	d.mu.Lock()
	s := d.scripts[key]
	if s == nil {
		s = &Script{}
		d.scripts[key] = s
	}
	n := d.dials[key]
	d.dials[key]++
	d.mu.Unlock()

	if s.DialDelay > 0 {
		select {
		case <-time.After(s.DialDelay):
		case <-ctx.Done():
			return nil, executor.Timeout("dial "+key, ctx.Err())
		}
	}
	if n < len(s.DialErrs) && s.DialErrs[n] != nil {
		return nil, s.DialErrs[n]
	}
	if s.DialErr != nil {
		return nil, s.DialErr
	}
	if addr.Jump != nil && via == nil {
		return nil, fmt.Errorf("%s: %w: jump host connection missing", key, executor.ErrConnectFailed)
	}

	c := &Conn{Addr: addr, Via: via, script: s, dialer: d, pingErr: s.PingErr}
	d.mu.Lock()
	d.open[key]++
	if d.open[key] > d.maxOpen[key] {
		d.maxOpen[key] = d.open[key]
	}
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// Dials returns how many dials were attempted for key.
func (d *Dialer) Dials(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[key]
}

// Open returns how many connections for key are currently not closed.
func (d *Dialer) Open(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open[key]
}

// MaxOpen returns the highest number of simultaneously open connections seen for key.
func (d *Dialer) MaxOpen(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen[key]
}

// Conns returns every connection dialed so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Conn is a fake executor.Conn.
type Conn struct {
	Addr executor.HostAddress
	Via  executor.Conn

	script *Script
	dialer *Dialer

	mu         sync.Mutex
	closeCount int
	pingErr    error
	runs       []string
}

var _ executor.Conn = (*Conn)(nil)

func (c *Conn) Run(ctx context.Context, cmd string) (executor.CommandOutput, error) {
	if c.Closed() {
		return executor.CommandOutput{}, &executor.ChannelClosedError{Transient: true, Err: errors.New("connection closed")}
	}
	c.mu.Lock()
	c.runs = append(c.runs, cmd)
	c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return executor.CommandOutput{}, executor.Timeout("run", err)
	}
	if c.script.Run != nil {
		return c.script.Run(cmd)
	}
	sh := newInterp(c.script.Shell, c.script.Files)
	out := sh.exec(cmd)
	return executor.CommandOutput{Stdout: out, ExitCode: sh.lastRC}, nil
}

func (c *Conn) Shell(ctx context.Context, pty bool) (executor.Shell, error) {
	if c.Closed() {
		return nil, &executor.ChannelClosedError{Transient: true, Err: errors.New("connection closed")}
	}
	return NewShell(c.script.Shell, c.script.Files), nil
}

func (c *Conn) Files() (executor.FileClient, error) {
	if c.script.Files == nil {
		return nil, errors.New("file transfer not scripted")
	}
	return c.script.Files, nil
}

func (c *Conn) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if c.script.DialTCP != nil {
		return c.script.DialTCP(ctx, network, addr)
	}
	if c.Via == nil && c.Addr.Jump == nil {
		// plain connections can still be used as a jump host
		client, server := net.Pipe()
		go func() { _, _ = io.Copy(io.Discard, server) }()
		return client, nil
	}
	return nil, fmt.Errorf("dial %s: %w", addr, executor.ErrConnectFailed)
}

func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

// SetPingErr changes the result of later Ping calls.
func (c *Conn) SetPingErr(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closeCount++
	first := c.closeCount == 1
	c.mu.Unlock()
	if first && c.dialer != nil {
		c.dialer.mu.Lock()
		c.dialer.open[c.Addr.Key()]--
		c.dialer.mu.Unlock()
	}
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount > 0
}

// CloseCount reports how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// Runs returns the commands passed to Run.
func (c *Conn) Runs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.runs...)
}

// Files is an in-memory executor.FileClient.
type Files struct {
	mu    sync.Mutex
	data  map[string][]byte
	modes map[string]os.FileMode
}

var _ executor.FileClient = (*Files)(nil)

func NewFiles() *Files {
	return &Files{data: make(map[string][]byte), modes: make(map[string]os.FileMode)}
}

// Put stores a file as if it existed on the remote host.
func (f *Files) Put(path string, data []byte, mode os.FileMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[path] = append([]byte(nil), data...)
	f.modes[path] = mode
}

// Get returns the content stored at path.
func (f *Files) Get(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[path]
	return b, ok
}

func (f *Files) Create(path string) (io.WriteCloser, error) {
	return &fileWriter{files: f, path: path}, nil
}

func (f *Files) Open(path string) (io.ReadCloser, error) {
	b, ok := f.Get(path)
	if !ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	return io.NopCloser(bytesReader(b)), nil
}

func (f *Files) Stat(path string) (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[path]
	if !ok {
		return nil, &os.PathError{Op: "stat", Path: path, Err: os.ErrNotExist}
	}
	return fileInfo{name: path, size: int64(len(b)), mode: f.modes[path]}, nil
}

func (f *Files) Chmod(path string, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[path]; !ok {
		return &os.PathError{Op: "chmod", Path: path, Err: os.ErrNotExist}
	}
	f.modes[path] = mode
	return nil
}

type fileWriter struct {
	files *Files
	path  string
	buf   []byte
}

func (w *fileWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *fileWriter) Close() error {
	w.files.mu.Lock()
	defer w.files.mu.Unlock()
	w.files.data[w.path] = w.buf
	if _, ok := w.files.modes[w.path]; !ok {
		w.files.modes[w.path] = 0o644
	}
	return nil
}

type fileInfo struct {
	name string
	size int64
	mode os.FileMode
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) Mode() os.FileMode  { return fi.mode }
func (fi fileInfo) ModTime() time.Time { return time.Time{} }
func (fi fileInfo) IsDir() bool        { return false }
func (fi fileInfo) Sys() any           { return nil }
