// Package traffic measures network paths from fleet hosts. A probe takes one
// timed sample from a source host toward a target; a run schedules samples at a
// fixed interval and summarizes them.
package traffic

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/andrej220/vwt/pkg/executor"
)

type Protocol string

const (
	TCP   Protocol = "tcp"
	UDP   Protocol = "udp"
	HTTP  Protocol = "http"
	HTTPS Protocol = "https"
	DNS   Protocol = "dns"
	ICMP  Protocol = "icmp"
	SCP   Protocol = "scp"
	FTP   Protocol = "ftp"
	Iperf Protocol = "iperf"
)

type Direction string

const (
	EastWest   Direction = "east_west"
	NorthSouth Direction = "north_south"
)

type Target struct {
	Host string
	Port int
}

// Params are the protocol-specific knobs of a run. Probes ignore what they do not
// use.
type Params struct {
	PacketSize int
	// Timeout bounds a single sample.
	Timeout   time.Duration
	VerifyTLS bool
	Headers   map[string]string
	DNSServer string
	// Payload makes the TCP probe write PacketSize bytes after connecting.
	Payload     bool
	User        string
	Password    string
	RemoteTmp   string
	HTTPPath    string
	ExpectCodes []int
	// Streams is the number of parallel iperf streams.
	Streams int
	// TestTime is how long one iperf sample transmits. Zero means half of Timeout.
	TestTime time.Duration
	// ExpectMbps fails iperf samples slower than it by more than TolerancePct
	// percent. Zero disables the check.
	ExpectMbps   float64
	TolerancePct float64
}

const (
	DefaultPacketSize = 1024
	DefaultTimeout    = 5 * time.Second
	// DefaultTolerancePct is how far below ExpectMbps an iperf sample may fall.
	DefaultTolerancePct = 10.0
)

func (p Params) withDefaults() Params {
	if p.PacketSize <= 0 {
		p.PacketSize = DefaultPacketSize
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.RemoteTmp == "" {
		p.RemoteTmp = "/tmp"
	}
	if p.HTTPPath == "" {
		p.HTTPPath = "/"
	}
	if p.Streams <= 0 {
		p.Streams = 1
	}
	if p.TolerancePct <= 0 {
		p.TolerancePct = DefaultTolerancePct
	}
	return p
}

// Sample is one measurement. Failed samples carry a Reason; protocol fields that
// a probe does not fill stay zero and are omitted.
type Sample struct {
	Seq             int       `json:"seq"`
	At              time.Time `json:"at"`
	Success         bool      `json:"success"`
	LatencyMs       float64   `json:"latency_ms,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	StatusCode      int       `json:"status_code,omitempty"`
	TLSHandshakeMs  float64   `json:"tls_handshake_ms,omitempty"`
	ThroughputMbps  float64   `json:"throughput_mbps,omitempty"`
	Bytes           int64     `json:"bytes,omitempty"`
	PacketsSent     int       `json:"packets_sent,omitempty"`
	PacketsReceived int       `json:"packets_received,omitempty"`
	Retransmits     int       `json:"retransmits,omitempty"`
}

// Probe takes single measurements for one protocol.
type Probe interface {
	Protocol() Protocol
	// Sample measures once from src toward t. Failures are reported in the sample,
	// never as an error.
	Sample(ctx context.Context, src executor.Conn, t Target, p Params) Sample
	// Fields names the protocol-specific sample fields the probe fills.
	Fields() []string
	DefaultPorts() []int
}

// ServerProbe is a probe that needs a listener on the target host for every
// sample. The engine calls StartServer over a pooled connection to the target
// before Sample, and StopServer when the sample failed and the listener may
// still be waiting.
type ServerProbe interface {
	Probe
	StartServer(ctx context.Context, dst executor.Conn, t Target, p Params) error
	StopServer(ctx context.Context, dst executor.Conn, t Target)
}

var (
	registryMu sync.RWMutex
	registry   = map[Protocol]Probe{}
)

// Register adds or replaces the probe for its protocol.
func Register(p Probe) {
	registryMu.Lock()
	registry[p.Protocol()] = p
	registryMu.Unlock()
}

func Lookup(proto Protocol) (Probe, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[proto]
	if !ok {
		return nil, fmt.Errorf("%w: unknown protocol %q", executor.ErrConfigInvalid, proto)
	}
	return p, nil
}

func Protocols() []Protocol {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Protocol, 0, len(registry))
	for p := range registry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SampleCount is how many samples a run of duration takes at interval.
func SampleCount(duration, interval time.Duration) int {
	if interval <= 0 || duration <= 0 {
		return 1
	}
	return max(int(duration/interval), 1)
}

// Samples is the lazy sample sequence of one run: SampleCount samples, the i-th
// started at i*interval after the first. A sample that overruns its slot delays the
// next one but never drops it. The sequence ends early only when ctx ends.
func Samples(ctx context.Context, probe Probe, src executor.Conn, t Target, p Params, duration, interval time.Duration) iter.Seq[Sample] {
	p = p.withDefaults()
	return func(yield func(Sample) bool) {
		n := SampleCount(duration, interval)
		start := time.Now()
		for i := 0; i < n; i++ {
			if wait := time.Until(start.Add(time.Duration(i) * interval)); i > 0 && wait > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}
			if ctx.Err() != nil {
				return
			}
			sctx, cancel := context.WithTimeout(ctx, p.Timeout)
			at := time.Now()
			s := probe.Sample(sctx, src, t, p)
			cancel()
			s.Seq, s.At = i+1, at
			if !yield(s) {
				return
			}
		}
	}
}

func failed(reason string) Sample {
	return Sample{Reason: reason}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// mbps converts bytes moved in d to megabits per second.
func mbps(bytes int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(bytes) * 8 / d.Seconds() / 1e6
}
