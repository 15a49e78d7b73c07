package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/andrej220/vwt/pkg/executor"
)

// Config is the fleet configuration document. Durations are expressed in seconds,
// as in the YAML file.
type Config struct {
	Hosts       []string  `yaml:"hosts" bson:"hosts" validate:"dive,required"`
	User        string    `yaml:"user" bson:"user"`
	Password    string    `yaml:"password,omitempty" bson:"password,omitempty"`
	KeyFile     string    `yaml:"key_file,omitempty" bson:"key_file,omitempty"`
	Port        int       `yaml:"port" bson:"port" validate:"min=1,max=65535"`
	Timeout     int       `yaml:"timeout" bson:"timeout" validate:"min=1"`
	MaxParallel int       `yaml:"max_parallel" bson:"max_parallel" validate:"min=1"`
	JumpHost    *JumpHost `yaml:"jumphost,omitempty" bson:"jumphost,omitempty"`

	BannerTimeout       int  `yaml:"banner_timeout" bson:"banner_timeout" validate:"min=0"`
	KeepAlive           int  `yaml:"keep_alive" bson:"keep_alive" validate:"min=0"`
	Compression         bool `yaml:"compression" bson:"compression"`
	HostKeyVerification bool `yaml:"host_key_verification" bson:"host_key_verification"`

	ConnectionPoolSize    int     `yaml:"connection_pool_size" bson:"connection_pool_size" validate:"min=1"`
	ConnectionIdleTimeout int     `yaml:"connection_idle_timeout" bson:"connection_idle_timeout" validate:"min=1"`
	MaxRetries            int     `yaml:"max_retries" bson:"max_retries" validate:"min=0,max=20"`
	RetryDelay            float64 `yaml:"retry_delay" bson:"retry_delay" validate:"gte=0"`

	LogCapture   LogCaptureConfig   `yaml:"log_capture" bson:"log_capture"`
	FileTransfer FileTransferConfig `yaml:"file_transfer" bson:"file_transfer"`
	Security     SecurityConfig     `yaml:"security" bson:"security"`
}

type JumpHost struct {
	Host     string `yaml:"host" bson:"host" validate:"required"`
	User     string `yaml:"user" bson:"user"`
	Password string `yaml:"password,omitempty" bson:"password,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty" bson:"key_file,omitempty"`
	Port     int    `yaml:"port" bson:"port" validate:"min=1,max=65535"`
	Timeout  int    `yaml:"timeout" bson:"timeout" validate:"min=1"`
}

type LogCaptureConfig struct {
	BufferSize      int      `yaml:"buffer_size" bson:"buffer_size" validate:"min=1"`
	FlushInterval   float64  `yaml:"flush_interval" bson:"flush_interval" validate:"gt=0"`
	MaxFileSize     string   `yaml:"max_file_size" bson:"max_file_size" validate:"sizestr"`
	RotationCount   int      `yaml:"rotation_count" bson:"rotation_count" validate:"min=0"`
	Compression     bool     `yaml:"compression" bson:"compression"`
	FilterPatterns  []string `yaml:"filter_patterns,omitempty" bson:"filter_patterns,omitempty" validate:"dive,regexpattern"`
	ExcludePatterns []string `yaml:"exclude_patterns,omitempty" bson:"exclude_patterns,omitempty" validate:"dive,regexpattern"`
}

type FileTransferConfig struct {
	ChunkSize           int  `yaml:"chunk_size" bson:"chunk_size" validate:"min=512"`
	VerifyChecksum      bool `yaml:"verify_checksum" bson:"verify_checksum"`
	PreservePermissions bool `yaml:"preserve_permissions" bson:"preserve_permissions"`
}

type SecurityConfig struct {
	StrictHostKeyChecking bool     `yaml:"strict_host_key_checking" bson:"strict_host_key_checking"`
	KnownHostsFile        string   `yaml:"known_hosts_file" bson:"known_hosts_file"`
	KeyTypes              []string `yaml:"key_types" bson:"key_types"`
	CipherPreferences     []string `yaml:"cipher_preferences" bson:"cipher_preferences"`
}

// Default returns a configuration with every option at its default value.
func Default() *Config {
	return &Config{
		Port:                  22,
		Timeout:               30,
		MaxParallel:           10,
		BannerTimeout:         240,
		KeepAlive:             30,
		HostKeyVerification:   true,
		ConnectionPoolSize:    50,
		ConnectionIdleTimeout: 300,
		MaxRetries:            3,
		RetryDelay:            1,
		LogCapture: LogCaptureConfig{
			BufferSize:    8192,
			FlushInterval: 1.0,
			MaxFileSize:   "100MB",
			RotationCount: 5,
			Compression:   true,
		},
		FileTransfer: FileTransferConfig{
			ChunkSize:           32768,
			VerifyChecksum:      true,
			PreservePermissions: true,
		},
		Security: SecurityConfig{
			StrictHostKeyChecking: true,
			KnownHostsFile:        "~/.ssh/known_hosts",
			KeyTypes:              []string{"ssh-rsa", "ssh-ed25519", "ecdsa-sha2-nistp256"},
			CipherPreferences:     []string{"aes256-gcm@openssh.com", "aes128-gcm@openssh.com"},
		},
	}
}

// applyDefaults fills what a partially written jumphost section left at zero.
func (c *Config) applyDefaults() {
	if c.JumpHost != nil {
		if c.JumpHost.Port == 0 {
			c.JumpHost.Port = 22
		}
		if c.JumpHost.Timeout == 0 {
			c.JumpHost.Timeout = 30
		}
		if c.JumpHost.User == "" {
			c.JumpHost.User = c.User
		}
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (c *Config) TimeoutDuration() time.Duration    { return seconds(float64(c.Timeout)) }
func (c *Config) RetryDelayDuration() time.Duration { return seconds(c.RetryDelay) }
func (c *Config) IdleTimeoutDuration() time.Duration {
	return seconds(float64(c.ConnectionIdleTimeout))
}
func (c *Config) BannerTimeoutDuration() time.Duration { return seconds(float64(c.BannerTimeout)) }
func (c *Config) KeepAliveDuration() time.Duration     { return seconds(float64(c.KeepAlive)) }
func (c *LogCaptureConfig) FlushIntervalDuration() time.Duration {
	return seconds(c.FlushInterval)
}

// MaxFileSizeBytes returns max_file_size in bytes.
func (c *LogCaptureConfig) MaxFileSizeBytes() (int64, error) {
	return ParseSize(c.MaxFileSize)
}

// DialOptions maps the transport related options.
func (c *Config) DialOptions() executor.DialOptions {
	return executor.DialOptions{
		BannerTimeout:         c.BannerTimeoutDuration(),
		KeepAlive:             c.KeepAliveDuration(),
		Compression:           c.Compression,
		HostKeyVerification:   c.HostKeyVerification,
		StrictHostKeyChecking: c.Security.StrictHostKeyChecking,
		KnownHostsFile:        c.Security.KnownHostsFile,
		KeyTypes:              c.Security.KeyTypes,
		Ciphers:               c.Security.CipherPreferences,
	}
}

// Addresses converts host entries to addresses. Entries may be "host", "host:port",
// "user@host" or "user@host:port"; missing parts come from the top level options.
func (c *Config) Addresses(hosts []string) ([]executor.HostAddress, error) {
	var jump *executor.HostAddress
	if c.JumpHost != nil && c.JumpHost.Host != "" {
		jump = &executor.HostAddress{
			Host:     c.JumpHost.Host,
			Port:     c.JumpHost.Port,
			User:     c.JumpHost.User,
			Password: c.JumpHost.Password,
			KeyFile:  c.JumpHost.KeyFile,
			Timeout:  seconds(float64(c.JumpHost.Timeout)),
		}
	}
	out := make([]executor.HostAddress, 0, len(hosts))
	seen := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		addr, err := c.parseHost(h)
		if err != nil {
			return nil, err
		}
		addr.Jump = jump
		if seen[addr.Key()] {
			continue
		}
		seen[addr.Key()] = true
		out = append(out, addr)
	}
	return out, nil
}

// HostAddresses converts the configured host list.
func (c *Config) HostAddresses() ([]executor.HostAddress, error) {
	return c.Addresses(c.Hosts)
}

func (c *Config) parseHost(entry string) (executor.HostAddress, error) {
	addr := executor.HostAddress{
		User:     c.User,
		Port:     c.Port,
		Password: c.Password,
		KeyFile:  c.KeyFile,
		Timeout:  c.TimeoutDuration(),
	}
	entry = strings.TrimSpace(entry)
	if i := strings.LastIndex(entry, "@"); i >= 0 {
		addr.User = entry[:i]
		entry = entry[i+1:]
	}
	host := entry
	if h, p, err := net.SplitHostPort(entry); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return addr, fmt.Errorf("%w: host %q has an invalid port", executor.ErrConfigInvalid, entry)
		}
		host, addr.Port = h, port
	}
	if host == "" {
		return addr, fmt.Errorf("%w: empty host entry", executor.ErrConfigInvalid)
	}
	if addr.User == "" {
		return addr, fmt.Errorf("%w: no user for host %q", executor.ErrConfigInvalid, host)
	}
	addr.Host = host
	return addr, nil
}

// ParseSize parses sizes like "100MB", "512k" or "1048576".
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"G", 1 << 30}, {"M", 1 << 20}, {"K", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, u.suffix) {
			s, mult = strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), u.mult
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}
