package main

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/andrej220/vwt/pkg/executor"
	"github.com/andrej220/vwt/pkg/persistence"
	shared "github.com/andrej220/vwt/pkg/shared-models"
	"github.com/andrej220/vwt/pkg/traffic"
	"github.com/spf13/cobra"
)

type trafficFlags struct {
	sources       []string
	targets       []string
	ports         []int
	protocolName  string
	direction     string
	duration      time.Duration
	interval      time.Duration
	packetSize    int
	payload       bool
	verifyTLS     bool
	headers       []string
	httpPath      string
	expectCodes   []int
	dnsServer     string
	probeUser     string
	probePassword string
	remoteTmp     string
	sampleLimit   time.Duration
	streams       int
	iperfTime     time.Duration
	expectMbps    float64
	tolerancePct  float64
}

// protocol checks --protocol against the registered probes.
func (tf *trafficFlags) protocol() (traffic.Protocol, error) {
	proto := traffic.Protocol(strings.ToLower(tf.protocolName))
	if !slices.Contains(traffic.Protocols(), proto) {
		return "", fmt.Errorf("%w: unknown protocol %q (one of %s)", executor.ErrConfigInvalid, tf.protocolName, protocolList())
	}
	return proto, nil
}

func protocolList() string {
	names := make([]string, 0, len(traffic.Protocols()))
	for _, p := range traffic.Protocols() {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}

func (tf *trafficFlags) params() (traffic.Params, error) {
	p := traffic.Params{
		PacketSize:   tf.packetSize,
		Timeout:      tf.sampleLimit,
		VerifyTLS:    tf.verifyTLS,
		DNSServer:    tf.dnsServer,
		Payload:      tf.payload,
		User:         tf.probeUser,
		Password:     tf.probePassword,
		RemoteTmp:    tf.remoteTmp,
		HTTPPath:     tf.httpPath,
		ExpectCodes:  tf.expectCodes,
		Streams:      tf.streams,
		TestTime:     tf.iperfTime,
		ExpectMbps:   tf.expectMbps,
		TolerancePct: tf.tolerancePct,
	}
	for _, h := range tf.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return p, fmt.Errorf("%w: header %q is not \"Name: value\"", executor.ErrConfigInvalid, h)
		}
		if p.Headers == nil {
			p.Headers = map[string]string{}
		}
		p.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return p, nil
}

func (c *cli) trafficCmd() *cobra.Command {
	tf := &trafficFlags{}
	cmd := &cobra.Command{
		Use:   "traffic",
		Short: "Probe the network between hosts, or from hosts to external targets",
		Long: `Probe the network from every source host. east_west probes every other source
host (or --targets), north_south probes --targets or a set of public endpoints.
Each pairing takes one sample per --interval for --duration.

Protocols: ` + protocolList() + `.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			proto, err := tf.protocol()
			if err != nil {
				return err
			}
			params, err := tf.params()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			f, err := c.newFleet()
			if err != nil {
				return err
			}
			defer f.Close()

			sources := tf.sources
			if len(sources) == 0 {
				sources = c.hosts
			}
			hosts, err := f.Hosts(sources)
			if err != nil {
				return err
			}

			run := persistence.NewRun(shared.OpTraffic, time.Now().UTC())
			rep, err := f.RunTraffic(ctx, traffic.Test{
				Sources:   hosts,
				Targets:   tf.targets,
				Ports:     tf.ports,
				Protocol:  proto,
				Direction: traffic.Direction(strings.ToLower(tf.direction)),
				Duration:  tf.duration,
				Interval:  tf.interval,
				Params:    params,
			})
			if err != nil {
				return err
			}
			run.Traffic = &rep
			run.FinishedAt = time.Now().UTC()
			return c.finish(run, len(rep.Results))
		},
	}

	fl := cmd.Flags()
	fl.StringSliceVar(&tf.sources, "sources", nil, "hosts the probes run from (default --hosts)")
	fl.StringSliceVar(&tf.targets, "targets", nil, "probe targets")
	fl.IntSliceVar(&tf.ports, "ports", nil, "target ports (default depends on the protocol)")
	fl.StringVar(&tf.protocolName, "protocol", string(traffic.TCP), "probe protocol")
	fl.StringVar(&tf.direction, "direction", string(traffic.EastWest), "east_west or north_south")
	fl.DurationVar(&tf.duration, "duration", 10*time.Second, "how long each pairing is probed")
	fl.DurationVar(&tf.interval, "interval", time.Second, "time between samples")
	fl.IntVar(&tf.packetSize, "packet-size", traffic.DefaultPacketSize, "payload size in bytes")
	fl.BoolVar(&tf.payload, "payload", false, "tcp: write --packet-size bytes after connecting")
	fl.BoolVar(&tf.verifyTLS, "verify-tls", true, "https: verify the server certificate")
	fl.StringArrayVar(&tf.headers, "header", nil, "http: request header \"Name: value\", repeatable")
	fl.StringVar(&tf.httpPath, "http-path", "/", "http: request path")
	fl.IntSliceVar(&tf.expectCodes, "expect-code", nil, "http: status codes counted as success (default 2xx)")
	fl.StringVar(&tf.dnsServer, "dns-server", "", "dns: resolver to query")
	fl.StringVar(&tf.probeUser, "probe-user", "", "scp, ftp: user on the target")
	fl.StringVar(&tf.probePassword, "probe-password", "", "ftp: password on the target")
	fl.StringVar(&tf.remoteTmp, "remote-tmp", "/tmp", "scp, ftp: directory for the test file on the source")
	fl.DurationVar(&tf.sampleLimit, "sample-timeout", traffic.DefaultTimeout, "upper bound for one sample")
	fl.IntVar(&tf.streams, "streams", 1, "iperf: parallel streams")
	fl.DurationVar(&tf.iperfTime, "iperf-time", 0, "iperf: transmit time per sample (default half of --sample-timeout)")
	fl.Float64Var(&tf.expectMbps, "expect-mbps", 0, "iperf: fail samples below this throughput")
	fl.Float64Var(&tf.tolerancePct, "tolerance", traffic.DefaultTolerancePct, "iperf: percent below --expect-mbps still accepted")
	return cmd
}
