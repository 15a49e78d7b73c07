package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/andrej220/vwt/pkg/lg"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DialOptions are the transport settings shared by every connection.
type DialOptions struct {
	BannerTimeout         time.Duration
	KeepAlive             time.Duration
	Compression           bool
	HostKeyVerification   bool
	StrictHostKeyChecking bool
	KnownHostsFile        string
	KeyTypes              []string
	Ciphers               []string
	// BreakerSettings is used as a template for the per-host circuit breakers.
	BreakerSettings gobreaker.Settings
	Logger          lg.Logger
}

func DefaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// a wrong password says nothing about the health of the host
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrAuthFailed)
		},
	}
}

// SSHDialer dials SSH connections, directly or through a jump host connection, with
// a circuit breaker per host identity.
type SSHDialer struct {
	opts     DialOptions
	hostKeys ssh.HostKeyCallback
	agent    ssh.AuthMethod
	logger   lg.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

var _ Dialer = (*SSHDialer)(nil)

func NewSSHDialer(opts DialOptions) (*SSHDialer, error) {
	logger := lg.OrDiscard(opts.Logger)
	if opts.BreakerSettings.ReadyToTrip == nil {
		opts.BreakerSettings = DefaultBreakerSettings()
	}
	if opts.Compression {
		logger.Warn("compression requested but not supported by the ssh transport, continuing without it")
	}
	cb, err := hostKeyCallback(opts, logger)
	if err != nil {
		return nil, err
	}
	var agentAuth ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if ac, err := net.Dial("unix", sock); err == nil {
			agentAuth = ssh.PublicKeysCallback(agent.NewClient(ac).Signers)
		}
	}
	return &SSHDialer{
		opts:     opts,
		hostKeys: cb,
		agent:    agentAuth,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

func (d *SSHDialer) breaker(key string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[key]
	if !ok {
		st := d.opts.BreakerSettings
		st.Name = "ssh-connection " + key
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			d.logger.Warn("circuit breaker state changed",
				lg.String("breaker", name), lg.String("from", from.String()), lg.String("to", to.String()))
		}
		cb = gobreaker.NewCircuitBreaker(st)
		d.breakers[key] = cb
	}
	return cb
}

// Dial opens an authenticated connection to addr. Connection level failures are
// reported as ErrConnectFailed, rejected credentials as ErrAuthFailed and an
// expired ctx as ErrTimeoutExceeded.
func (d *SSHDialer) Dial(ctx context.Context, addr HostAddress, via Conn) (Conn, error) {
	res, err := d.breaker(addr.Key()).Execute(func() (any, error) {
		return d.dial(ctx, addr, via)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s: %w: %w", addr.Key(), ErrConnectFailed, err)
	}
	if err != nil {
		return nil, err
	}
	return res.(Conn), nil
}

func (d *SSHDialer) dial(ctx context.Context, addr HostAddress, via Conn) (Conn, error) {
	cfg, err := d.clientConfig(addr)
	if err != nil {
		return nil, err
	}
	if addr.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, addr.Timeout)
		defer cancel()
	}

	var raw net.Conn
	if via != nil {
		raw, err = via.Dial(ctx, "tcp", addr.Addr())
	} else {
		var nd net.Dialer
		raw, err = nd.DialContext(ctx, "tcp", addr.Addr())
	}
	if err != nil {
		return nil, classifyDialErr(ctx, addr, err)
	}

	// the handshake has its own bound, tunneled streams ignore deadlines so ctx
	// cancellation closes the stream instead
	if d.opts.BannerTimeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(d.opts.BannerTimeout))
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			raw.Close()
		case <-stop:
		}
	}()
	c, chans, reqs, err := ssh.NewClientConn(raw, addr.Addr(), cfg)
	close(stop)
	if err != nil {
		raw.Close()
		return nil, classifyDialErr(ctx, addr, err)
	}
	_ = raw.SetDeadline(time.Time{})

	conn := newSSHConn(ssh.NewClient(c, chans, reqs), addr, d.logger)
	if d.opts.KeepAlive > 0 {
		go conn.keepAlive(d.opts.KeepAlive)
	}
	d.logger.Debug("ssh connection established", lg.String("host", addr.String()))
	return conn, nil
}

func classifyDialErr(ctx context.Context, addr HostAddress, err error) error {
	if ctx.Err() != nil {
		return Timeout("dial "+addr.Key(), err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "no supported methods remain"):
		return fmt.Errorf("%s: %w: %w", addr.Key(), ErrAuthFailed, err)
	case strings.Contains(msg, "knownhosts"), strings.Contains(msg, "host key"):
		// a changed host key is a security decision, never retried
		return fmt.Errorf("%s: %w: %w", addr.Key(), ErrAuthFailed, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout("dial "+addr.Key(), err)
	}
	return fmt.Errorf("%s: %w: %w", addr.Key(), ErrConnectFailed, err)
}

func (d *SSHDialer) clientConfig(addr HostAddress) (*ssh.ClientConfig, error) {
	auth, err := authMethods(addr, d.agent)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:              addr.User,
		Auth:              auth,
		HostKeyCallback:   d.hostKeys,
		HostKeyAlgorithms: d.opts.KeyTypes,
		Timeout:           addr.Timeout,
		BannerCallback: func(message string) error {
			d.logger.Debug("ssh banner", lg.String("host", addr.Key()), lg.String("banner", strings.TrimSpace(message)))
			return nil
		},
	}
	cfg.Ciphers = d.opts.Ciphers
	return cfg, nil
}

func authMethods(addr HostAddress, agentAuth ssh.AuthMethod) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if addr.KeyFile != "" {
		m, err := publicKeyAuth(addr.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %w", addr.Key(), ErrAuthFailed, err)
		}
		methods = append(methods, m)
	}
	if addr.Password != "" {
		password := addr.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}))
	}
	if agentAuth != nil {
		methods = append(methods, agentAuth)
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%s: %w: no password, key file or agent available", addr.Key(), ErrAuthFailed)
	}
	return methods, nil
}

func publicKeyAuth(privateKeyPath string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(ExpandHome(privateKeyPath))
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

func hostKeyCallback(opts DialOptions, logger lg.Logger) (ssh.HostKeyCallback, error) {
	if !opts.HostKeyVerification {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := ExpandHome(opts.KnownHostsFile)
	known, err := knownhosts.New(path)
	if err != nil {
		if opts.StrictHostKeyChecking {
			return nil, fmt.Errorf("%w: known hosts file %s: %w", ErrConfigInvalid, path, err)
		}
		logger.Warn("known hosts file unavailable, accepting unknown host keys", lg.String("path", path), lg.Err(err))
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := known(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if err != nil && errors.As(err, &keyErr) && len(keyErr.Want) == 0 && !opts.StrictHostKeyChecking {
			logger.Warn("accepting unknown host key", lg.String("host", hostname), lg.String("type", key.Type()))
			return nil
		}
		if err != nil {
			return fmt.Errorf("host key verification failed: %w", err)
		}
		return nil
	}, nil
}

// ExpandHome replaces a leading "~/" with the current user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
