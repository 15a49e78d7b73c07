package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/andrej220/vwt/pkg/lg"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// sshConn implements Conn on top of an *ssh.Client.
type sshConn struct {
	client *ssh.Client
	addr   HostAddress
	logger lg.Logger

	sftpMu sync.Mutex
	sftp   *sftp.Client

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Conn = (*sshConn)(nil)

func newSSHConn(client *ssh.Client, addr HostAddress, logger lg.Logger) *sshConn {
	return &sshConn{
		client: client,
		addr:   addr,
		logger: logger.With(lg.String("host", addr.Key())),
		closed: make(chan struct{}),
	}
}

func (c *sshConn) newSession() (*ssh.Session, error) {
	s, err := c.client.NewSession()
	if err != nil {
		return nil, &ChannelClosedError{Transient: true, Err: fmt.Errorf("open session on %s: %w", c.addr.Key(), err)}
	}
	return s, nil
}

// Run starts command, waits for it and kills the session if ctx expires first.
func (c *sshConn) Run(ctx context.Context, command string) (CommandOutput, error) {
	session, err := c.newSession()
	if err != nil {
		return CommandOutput{}, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if err := session.Start(command); err != nil {
		return CommandOutput{}, &ChannelClosedError{Transient: true, Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return CommandOutput{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
			Timeout(fmt.Sprintf("run %q on %s", command, c.addr.Key()), ctx.Err())
	}

	out := CommandOutput{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return out, nil
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitStatus()
		return out, nil
	default:
		// ExitMissingError or a dropped transport
		out.ExitCode = -1
		return out, &ChannelClosedError{Transient: true, Err: err}
	}
}

// Shell opens a login shell whose stdout and stderr are merged into one stream.
func (c *sshConn) Shell(ctx context.Context, pty bool) (Shell, error) {
	session, err := c.newSession()
	if err != nil {
		return nil, err
	}
	if pty {
		modes := ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := session.RequestPty("xterm", 40, 200, modes); err != nil {
			session.Close()
			return nil, &ChannelClosedError{Transient: true, Err: fmt.Errorf("request pty: %w", err)}
		}
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, &ChannelClosedError{Transient: true, Err: fmt.Errorf("start shell: %w", err)}
	}
	go func() {
		_ = session.Wait()
		pw.Close()
	}()
	return &sshShell{session: session, stdin: stdin, out: pr}, nil
}

type sshShell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	out     *io.PipeReader
	once    sync.Once
}

func (s *sshShell) Read(p []byte) (int, error)  { return s.out.Read(p) }
func (s *sshShell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *sshShell) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.stdin.Close()
		err = s.session.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
		s.out.Close()
	})
	return err
}

// Files lazily starts the sftp subsystem; it lives as long as the connection.
func (c *sshConn) Files() (FileClient, error) {
	c.sftpMu.Lock()
	defer c.sftpMu.Unlock()
	if c.sftp == nil {
		client, err := sftp.NewClient(c.client)
		if err != nil {
			return nil, &ChannelClosedError{Transient: true, Err: fmt.Errorf("start sftp on %s: %w", c.addr.Key(), err)}
		}
		c.sftp = client
	}
	return sftpFiles{c.sftp}, nil
}

func (c *sshConn) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := c.client.DialContext(ctx, network, addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Timeout("dial "+addr+" from "+c.addr.Key(), err)
		}
		return nil, fmt.Errorf("dial %s from %s: %w: %w", addr, c.addr.Key(), ErrConnectFailed, err)
	}
	return conn, nil
}

func (c *sshConn) Ping(ctx context.Context) error {
	out, err := c.Run(ctx, "true")
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("ping %s: exit status %d", c.addr.Key(), out.ExitCode)
	}
	return nil
}

func (c *sshConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.sftpMu.Lock()
		if c.sftp != nil {
			_ = c.sftp.Close()
		}
		c.sftpMu.Unlock()
		err = c.client.Close()
	})
	return err
}

// keepAlive sends keepalive@openssh.com requests until the connection closes or a
// request fails, in which case the transport is torn down so the next Ping fails fast.
func (c *sshConn) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Warn("keepalive failed, closing connection", lg.Err(err))
				_ = c.client.Close()
				return
			}
		}
	}
}

type sftpFiles struct{ c *sftp.Client }

func (f sftpFiles) Create(path string) (io.WriteCloser, error) { return f.c.Create(path) }
func (f sftpFiles) Open(path string) (io.ReadCloser, error)    { return f.c.Open(path) }
func (f sftpFiles) Stat(path string) (os.FileInfo, error)      { return f.c.Stat(path) }
func (f sftpFiles) Chmod(path string, mode os.FileMode) error  { return f.c.Chmod(path, mode) }
