package executor

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"
)

// HostAddress identifies a remote endpoint and the credentials used to reach it.
// Jump, when set, is the intermediary host the connection is tunneled through.
type HostAddress struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyFile  string
	Timeout  time.Duration
	Jump     *HostAddress
}

// Key is the pooling identity: user, host and port. Credentials are not part of it.
func (h HostAddress) Key() string {
	return h.User + "@" + h.Addr()
}

func (h HostAddress) Addr() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(h.Host, strconv.Itoa(port))
}

func (h HostAddress) String() string {
	if h.Jump != nil {
		return fmt.Sprintf("%s (via %s)", h.Key(), h.Jump.Key())
	}
	return h.Key()
}

// CommandOutput is what a completed remote command produced. A non-zero ExitCode is
// not an error at this layer.
type CommandOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Conn is one authenticated remote session.
type Conn interface {
	// Run executes command in a fresh session and waits for it to finish.
	Run(ctx context.Context, command string) (CommandOutput, error)
	// Shell opens a persistent channel. With pty set the remote allocates a terminal,
	// which programs like sudo need to print their prompts.
	Shell(ctx context.Context, pty bool) (Shell, error)
	// Files returns the file-transfer stream of the session.
	Files() (FileClient, error)
	// Dial opens a TCP stream from the remote host to addr.
	Dial(ctx context.Context, network, addr string) (net.Conn, error)
	// Ping runs a trivial remote no-op.
	Ping(ctx context.Context) error
	Close() error
}

// Shell is a persistent channel: writes go to the remote stdin, reads return the
// merged stdout and stderr. Read returns io.EOF once the remote side is gone.
type Shell interface {
	io.Reader
	io.Writer
	Close() error
}

type FileClient interface {
	Create(path string) (io.WriteCloser, error)
	Open(path string) (io.ReadCloser, error)
	Stat(path string) (os.FileInfo, error)
	Chmod(path string, mode os.FileMode) error
}

// Dialer opens connections. via is the already established jump-host connection
// the new one is layered through, or nil for a direct dial.
type Dialer interface {
	Dial(ctx context.Context, addr HostAddress, via Conn) (Conn, error)
}
