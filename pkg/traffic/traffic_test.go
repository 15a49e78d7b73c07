package traffic

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andrej220/vwt/pkg/executor"
	"github.com/andrej220/vwt/pkg/executor/executortest"
	"github.com/andrej220/vwt/pkg/pool"
	"github.com/andrej220/vwt/pkg/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func source(host string) executor.HostAddress {
	return executor.HostAddress{Host: host, Port: 22, User: "root"}
}

func newEngine(t *testing.T, d executor.Dialer) *Engine {
	t.Helper()
	p := pool.New(d, pool.Options{Size: 4})
	w := workerpool.NewPool[string](4, nil)
	t.Cleanup(func() {
		w.Stop()
		_ = p.Close()
	})
	return NewEngine(p, w, Options{AcquireTimeout: time.Second})
}

func dialConn(t *testing.T, s *executortest.Script) executor.Conn {
	t.Helper()
	d := executortest.NewDialer()
	addr := source("web1")
	d.Script(addr.Key(), s)
	c, err := d.Dial(context.Background(), addr, nil)
	require.NoError(t, err)
	return c
}

func TestTCPUnreachableTargetFailsEverySample(t *testing.T) {
	d := executortest.NewDialer()
	d.Script(source("web1").Key(), &executortest.Script{
		DialTCP: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return nil, errors.New("connect: no route to host")
		},
	})
	e := newEngine(t, d)

	rep, err := e.Run(context.Background(), Test{
		Sources:  []executor.HostAddress{source("web1")},
		Targets:  []string{"10.255.255.1"},
		Ports:    []int{9},
		Protocol: TCP,
		Duration: 50 * time.Millisecond,
		Interval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, rep.Results, 1)

	res := rep.Results[0]
	require.Len(t, res.Samples, 5)
	for i, s := range res.Samples {
		assert.False(t, s.Success)
		assert.Equal(t, i+1, s.Seq)
		assert.NotEmpty(t, s.Reason)
	}
	assert.Equal(t, 5, res.Summary.Count)
	assert.Equal(t, 5, res.Summary.FailureCount)
	assert.Zero(t, res.Summary.SuccessRate)
	assert.Nil(t, res.Summary.Latency)
	assert.Equal(t, float64(100), res.Summary.PacketLossPct)
	assert.Equal(t, executor.KindProbeFailed, res.ErrorKind)
	assert.Equal(t, 1, rep.Failed())
}

func TestTCPReachableTarget(t *testing.T) {
	d := executortest.NewDialer()
	e := newEngine(t, d)

	rep, err := e.Run(context.Background(), Test{
		Sources:  []executor.HostAddress{source("web1")},
		Targets:  []string{"db1"},
		Ports:    []int{5432},
		Protocol: TCP,
		Duration: 30 * time.Millisecond,
		Interval: 10 * time.Millisecond,
		Params:   Params{Payload: true, PacketSize: 64},
	})
	require.NoError(t, err)
	res := rep.Results[0]
	require.Len(t, res.Samples, 3)
	assert.Equal(t, float64(1), res.Summary.SuccessRate)
	require.NotNil(t, res.Summary.Latency)
	assert.True(t, res.Success())
	assert.Equal(t, int64(64), res.Samples[0].Bytes)
}

func TestUnreachableSourceIsIsolated(t *testing.T) {
	d := executortest.NewDialer()
	d.Script(source("down").Key(), &executortest.Script{DialErr: executor.ErrAuthFailed})
	e := newEngine(t, d)

	rep, err := e.Run(context.Background(), Test{
		Sources:  []executor.HostAddress{source("web1"), source("down")},
		Ports:    []int{22},
		Protocol: TCP,
		Duration: 10 * time.Millisecond,
		Interval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, rep.Results, 2)
	assert.Equal(t, "web1", rep.Results[0].Source)
	assert.True(t, rep.Results[0].Success())
	assert.Equal(t, "down", rep.Results[1].Source)
	assert.Equal(t, executor.KindAuthFailed, rep.Results[1].ErrorKind)
	assert.Empty(t, rep.Results[1].Samples)
}

func TestPlan(t *testing.T) {
	hosts := []executor.HostAddress{source("a"), source("b"), source("c")}

	t.Run("east_west mesh skips self", func(t *testing.T) {
		tasks, err := Plan(Test{Sources: hosts, Ports: []int{80}, Protocol: TCP, Direction: EastWest})
		require.NoError(t, err)
		require.Len(t, tasks, 6)
		for _, task := range tasks {
			assert.NotEqual(t, task.Source.Host, task.Target.Host)
		}
	})

	t.Run("north_south default targets and ports", func(t *testing.T) {
		tasks, err := Plan(Test{Sources: hosts[:1], Protocol: TCP, Direction: NorthSouth})
		require.NoError(t, err)
		assert.Len(t, tasks, len(DefaultExternalTargets)*4)
		assert.Equal(t, "8.8.8.8", tasks[0].Target.Host)
		assert.Equal(t, 22, tasks[0].Target.Port)
	})

	t.Run("icmp ignores ports", func(t *testing.T) {
		tasks, err := Plan(Test{Sources: hosts[:1], Targets: []string{"x"}, Protocol: ICMP, Direction: NorthSouth})
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Zero(t, tasks[0].Target.Port)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := Plan(Test{Sources: hosts, Protocol: "smtp"})
		assert.ErrorIs(t, err, executor.ErrConfigInvalid)
		_, err = Plan(Test{Sources: hosts, Protocol: TCP, Direction: "up"})
		assert.ErrorIs(t, err, executor.ErrConfigInvalid)
		_, err = Plan(Test{Protocol: TCP})
		assert.ErrorIs(t, err, executor.ErrConfigInvalid)
	})
}

func TestSummarize(t *testing.T) {
	samples := []Sample{
		{Success: true, LatencyMs: 10, StatusCode: 200},
		{Success: true, LatencyMs: 30, StatusCode: 200},
		{Reason: "timeout"},
		{Success: true, LatencyMs: 20, StatusCode: 200, ThroughputMbps: 4},
		{Success: true, LatencyMs: 40, StatusCode: 503, ThroughputMbps: 2},
	}
	s := Summarize(samples)
	assert.Equal(t, 5, s.Count)
	assert.Equal(t, 4, s.SuccessCount)
	assert.Equal(t, 1, s.FailureCount)
	assert.InDelta(t, 0.8, s.SuccessRate, 1e-9)
	require.NotNil(t, s.Latency)
	assert.Equal(t, 10.0, s.Latency.MinMs)
	assert.Equal(t, 40.0, s.Latency.MaxMs)
	assert.Equal(t, 25.0, s.Latency.AvgMs)
	assert.Equal(t, 25.0, s.Latency.MedianMs)
	assert.Equal(t, 40.0, s.Latency.P95Ms)
	assert.InDelta(t, math.Sqrt(500.0/3), s.Latency.StddevMs, 1e-9)
	// |30-10| + |20-30| + |40-20| over 3 deltas
	assert.InDelta(t, 50.0/3, s.Latency.JitterMs, 1e-9)
	require.NotNil(t, s.Throughput)
	assert.Equal(t, 3.0, s.Throughput.AvgMbps)
	assert.Equal(t, 4.0, s.Throughput.PeakMbps)
	assert.Equal(t, 2.0, s.Throughput.MinMbps)
	assert.Equal(t, map[string]int{"200": 3, "503": 1}, s.StatusCodes)
	assert.Equal(t, map[string]int{"timeout": 1}, s.Failures)
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	assert.Zero(t, s.Count)
	assert.Zero(t, s.SuccessRate)
	assert.Nil(t, s.Latency)
	assert.Nil(t, s.Throughput)
}

func TestPercentileExclusive(t *testing.T) {
	var v []float64
	for i := 1; i <= 20; i++ {
		v = append(v, float64(i))
	}
	assert.InDelta(t, 19.95, percentile(v, 95, 20), 1e-9)
	assert.Equal(t, 19.0, percentile(v[:19], 95, 20))
}

func TestParseCurl(t *testing.T) {
	s, err := parseCurl("code:200\ntotal:0.120\nconnect:0.010\nappconnect:0.050\nsize:1000\nspeed:8000\n", true)
	require.NoError(t, err)
	assert.Equal(t, 200, s.StatusCode)
	assert.InDelta(t, 120, s.LatencyMs, 1e-6)
	assert.InDelta(t, 40, s.TLSHandshakeMs, 1e-6)
	assert.Equal(t, int64(1000), s.Bytes)
	assert.InDelta(t, 0.064, s.ThroughputMbps, 1e-9)

	_, err = parseCurl("curl: (6) Could not resolve host", false)
	assert.Error(t, err)
}

func TestHTTPProbe(t *testing.T) {
	var sent string
	c := dialConn(t, &executortest.Script{Run: func(cmd string) (executor.CommandOutput, error) {
		sent = cmd
		return executor.CommandOutput{Stdout: "code:404\ntotal:0.005\nconnect:0.001\nappconnect:0.003\nsize:10\nspeed:2000\n"}, nil
	}})
	probe, err := Lookup(HTTPS)
	require.NoError(t, err)

	s := probe.Sample(context.Background(), c, Target{Host: "api", Port: 8443}, Params{Headers: map[string]string{"X-Test": "1"}}.withDefaults())
	assert.False(t, s.Success)
	assert.Equal(t, "HTTP 404", s.Reason)
	assert.Equal(t, 404, s.StatusCode)
	assert.Contains(t, sent, " -k ")
	assert.Contains(t, sent, "'X-Test: 1'")
	assert.Contains(t, sent, "https://api:8443/")

	s = probe.Sample(context.Background(), c, Target{Host: "api", Port: 8443}, Params{ExpectCodes: []int{404}}.withDefaults())
	assert.True(t, s.Success)
}

func TestDNSProbe(t *testing.T) {
	c := dialConn(t, &executortest.Script{Run: func(cmd string) (executor.CommandOutput, error) {
		if strings.Contains(cmd, "nslookup -timeout=5 'bad host'") {
			return executor.CommandOutput{Stdout: "1 3000000\n"}, nil
		}
		return executor.CommandOutput{Stdout: "0 15000000\n"}, nil
	}})
	probe, err := Lookup(DNS)
	require.NoError(t, err)

	s := probe.Sample(context.Background(), c, Target{Host: "example.com", Port: 53}, Params{}.withDefaults())
	assert.True(t, s.Success)
	assert.InDelta(t, 15, s.LatencyMs, 1e-9)

	s = probe.Sample(context.Background(), c, Target{Host: "bad host", Port: 53}, Params{}.withDefaults())
	assert.False(t, s.Success)
	assert.Contains(t, s.Reason, "nslookup exit 1")
}

func TestParsePing(t *testing.T) {
	ok := "64 bytes from 1.1.1.1: icmp_seq=1 ttl=57 time=12.4 ms\n\n--- 1.1.1.1 ping statistics ---\n" +
		"1 packets transmitted, 1 received, 0% packet loss, time 0ms\nrtt min/avg/max/mdev = 12.4/12.4/12.4/0.000 ms\n"
	s := parsePing(ok, 0)
	assert.True(t, s.Success)
	assert.InDelta(t, 12.4, s.LatencyMs, 1e-9)
	assert.Equal(t, 1, s.PacketsReceived)

	lost := "--- 10.0.0.9 ping statistics ---\n1 packets transmitted, 0 received, 100% packet loss, time 0ms\n"
	s = parsePing(lost, 1)
	assert.False(t, s.Success)
	assert.Equal(t, 1, s.PacketsSent)
	assert.Zero(t, s.PacketsReceived)
}

func TestSamplesStopWhenContextEnds(t *testing.T) {
	c := dialConn(t, &executortest.Script{})
	probe, err := Lookup(TCP)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := 0
	for range Samples(ctx, probe, c, Target{Host: "x", Port: 1}, Params{}, time.Hour, 10*time.Millisecond) {
		n++
		if n == 2 {
			cancel()
		}
	}
	assert.Equal(t, 2, n)
}

func TestSampleCount(t *testing.T) {
	assert.Equal(t, 5, SampleCount(5*time.Second, time.Second))
	assert.Equal(t, 1, SampleCount(time.Second, 0))
	assert.Equal(t, 1, SampleCount(500*time.Millisecond, time.Second))
}

const iperfJSON = `{
  "start": {"connected": [{"socket": 5, "local_host": "10.0.0.1", "remote_host": "10.0.0.2", "remote_port": 5201}]},
  "intervals": [{"sum": {"bytes": 117964800, "bits_per_second": 943718400}}],
  "end": {
    "sum_sent": {"bytes": 118489088, "bits_per_second": 947912704, "retransmits": 12},
    "sum_received": {"bytes": 117440512, "bits_per_second": 939524096},
    "cpu_utilization_percent": {"host_total": 5.1}
  }
}`

func TestParseIperf(t *testing.T) {
	s, err := parseIperf(iperfJSON)
	require.NoError(t, err)
	assert.InDelta(t, 939.524096, s.ThroughputMbps, 1e-9)
	assert.Equal(t, int64(117440512), s.Bytes)
	assert.Equal(t, 12, s.Retransmits)

	_, err = parseIperf(`{"start": {}, "end": {}, "error": "unable to connect to server: Connection refused"}`)
	assert.ErrorContains(t, err, "Connection refused")

	s, err = parseIperf("[SUM]   0.00-10.00  sec  1.10 GBytes   943 Mbits/sec  receiver\n")
	require.NoError(t, err)
	assert.InDelta(t, 943, s.ThroughputMbps, 1e-9)

	s, err = parseIperf("[  5]   0.00-10.00  sec  11.8 GBytes  9.41 Gbits/sec\n")
	require.NoError(t, err)
	assert.InDelta(t, 9410, s.ThroughputMbps, 1e-9)

	_, err = parseIperf("iperf3: command not found")
	assert.Error(t, err)
}

func TestIperfStartsServerOnTarget(t *testing.T) {
	var mu sync.Mutex
	var serverCmds, clientCmds []string
	d := executortest.NewDialer()
	d.Script(source("web1").Key(), &executortest.Script{Run: func(cmd string) (executor.CommandOutput, error) {
		mu.Lock()
		defer mu.Unlock()
		clientCmds = append(clientCmds, cmd)
		return executor.CommandOutput{Stdout: iperfJSON}, nil
	}})
	d.Script(source("web2").Key(), &executortest.Script{Run: func(cmd string) (executor.CommandOutput, error) {
		mu.Lock()
		defer mu.Unlock()
		serverCmds = append(serverCmds, cmd)
		return executor.CommandOutput{}, nil
	}})
	e := newEngine(t, d)

	rep, err := e.Run(context.Background(), Test{
		Sources:  []executor.HostAddress{source("web1")},
		Targets:  []string{"web2"},
		Protocol: Iperf,
		Duration: 20 * time.Millisecond,
		Interval: 10 * time.Millisecond,
		Params:   Params{Streams: 4, TestTime: 3 * time.Second},
	})
	require.NoError(t, err)
	require.Len(t, rep.Results, 1)
	res := rep.Results[0]
	assert.True(t, res.Success(), res.Error)
	assert.Equal(t, DefaultIperfPort, res.Port)
	require.Len(t, res.Samples, 2)
	assert.Equal(t, 12, res.Samples[0].Retransmits)
	require.NotNil(t, res.Summary.Throughput)
	assert.InDelta(t, 939.524096, res.Summary.Throughput.AvgMbps, 1e-9)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"iperf3 -s -1 -D -p 5201", "iperf3 -s -1 -D -p 5201"}, serverCmds)
	require.NotEmpty(t, clientCmds)
	assert.Equal(t, "iperf3 -c web2 -p 5201 -t 3 -P 4 -J", clientCmds[0])
}

func TestIperfBelowExpectedThroughput(t *testing.T) {
	c := dialConn(t, &executortest.Script{Run: func(cmd string) (executor.CommandOutput, error) {
		return executor.CommandOutput{Stdout: iperfJSON}, nil
	}})
	p := Params{ExpectMbps: 2000}.withDefaults()
	s := iperfProbe{}.Sample(context.Background(), c, Target{Host: "web2", Port: 5201}, p)
	assert.False(t, s.Success)
	assert.Contains(t, s.Reason, "below expected 2000.00 Mbps")
	assert.Greater(t, s.ThroughputMbps, 0.0)

	p = Params{ExpectMbps: 1000}.withDefaults()
	s = iperfProbe{}.Sample(context.Background(), c, Target{Host: "web2", Port: 5201}, p)
	assert.True(t, s.Success, s.Reason)
}
