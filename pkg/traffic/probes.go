package traffic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/andrej220/vwt/internal/processor"
	"github.com/andrej220/vwt/pkg/executor"
	"github.com/google/uuid"
)

func init() {
	for _, p := range []Probe{
		tcpProbe{},
		udpProbe{},
		httpProbe{tls: false},
		httpProbe{tls: true},
		dnsProbe{},
		icmpProbe{},
		scpProbe{},
		ftpProbe{},
		iperfProbe{},
	} {
		Register(p)
	}
}

// reason turns a probe error into a short sample reason.
func reason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, executor.ErrTimeoutExceeded):
		return "timeout"
	case err == nil:
		return ""
	default:
		return err.Error()
	}
}

// tcpProbe opens a stream from the source host to the target through the
// connection's port forwarding.
type tcpProbe struct{}

func (tcpProbe) Protocol() Protocol { return TCP }
func (tcpProbe) Fields() []string {
	return []string{"latency_ms", "throughput_mbps", "packets_sent", "packets_received"}
}
func (tcpProbe) DefaultPorts() []int { return []int{22, 80, 443, 8080} }

func (tcpProbe) Sample(ctx context.Context, src executor.Conn, t Target, p Params) Sample {
	start := time.Now()
	c, err := src.Dial(ctx, "tcp", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
	if err != nil {
		s := failed(reason(err))
		s.PacketsSent = 1
		return s
	}
	defer c.Close()
	s := Sample{Success: true, LatencyMs: ms(time.Since(start)), PacketsSent: 1, PacketsReceived: 1}
	if !p.Payload {
		return s
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetWriteDeadline(dl)
	}
	buf := make([]byte, p.PacketSize)
	for i := range buf {
		buf[i] = 'X'
	}
	wstart := time.Now()
	n, err := c.Write(buf)
	s.Bytes = int64(n)
	if err != nil {
		return Sample{Reason: "write: " + reason(err), LatencyMs: s.LatencyMs, PacketsSent: 1, Bytes: s.Bytes}
	}
	s.ThroughputMbps = mbps(int64(n), time.Since(wstart))
	return s
}

// timed wraps a remote command so it prints "<status> <elapsed ns>", timing it on
// the source host itself.
func timed(cmd string) string {
	return fmt.Sprintf(`s=$(date +%%s%%N); %s; rc=$?; e=$(date +%%s%%N); echo "$rc $((e-s))"`, cmd)
}

// parseTimed reads the last "<int> <ns>" line printed by a timed command.
func parseTimed(out string) (int64, time.Duration, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected probe output %q", strings.TrimSpace(out))
	}
	v, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected probe output %q", fields[0])
	}
	ns, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected probe timing %q", fields[1])
	}
	return v, time.Duration(ns), nil
}

func secs(d time.Duration) int {
	return max(int(d.Round(time.Second)/time.Second), 1)
}

// udpProbe sends one datagram with nc and waits for an echo.
type udpProbe struct{}

func (udpProbe) Protocol() Protocol { return UDP }
func (udpProbe) Fields() []string {
	return []string{"latency_ms", "throughput_mbps", "packets_sent", "packets_received"}
}
func (udpProbe) DefaultPorts() []int { return []int{22, 80, 443, 8080} }

func (udpProbe) Sample(ctx context.Context, src executor.Conn, t Target, p Params) Sample {
	// the first field is the number of bytes that came back
	cmd := fmt.Sprintf(`s=$(date +%%s%%N); r=$(head -c %d /dev/zero | tr '\0' X | nc -u -w %d %s %d 2>/dev/null | wc -c); e=$(date +%%s%%N); echo "$r $((e-s))"`,
		p.PacketSize, secs(p.Timeout), executor.ShellQuote(t.Host), t.Port)
	out, err := src.Run(ctx, cmd)
	if err != nil {
		return Sample{Reason: reason(err), PacketsSent: 1}
	}
	got, took, err := parseTimed(out.Stdout)
	if err != nil {
		return Sample{Reason: err.Error(), PacketsSent: 1}
	}
	if got == 0 {
		return Sample{Reason: "no response", PacketsSent: 1}
	}
	return Sample{
		Success:         true,
		LatencyMs:       ms(took),
		Bytes:           int64(p.PacketSize) + got,
		ThroughputMbps:  mbps(int64(p.PacketSize)+got, took),
		PacketsSent:     1,
		PacketsReceived: 1,
	}
}

// httpProbe runs curl on the source host and reads its timing variables.
type httpProbe struct {
	tls bool
}

const curlFormat = `code:%{http_code}\ntotal:%{time_total}\nconnect:%{time_connect}\nappconnect:%{time_appconnect}\nsize:%{size_download}\nspeed:%{speed_download}\n`

func (h httpProbe) Protocol() Protocol {
	if h.tls {
		return HTTPS
	}
	return HTTP
}

func (h httpProbe) Fields() []string {
	f := []string{"latency_ms", "status_code", "throughput_mbps", "bytes"}
	if h.tls {
		f = append(f, "tls_handshake_ms")
	}
	return f
}

func (h httpProbe) DefaultPorts() []int {
	if h.tls {
		return []int{443}
	}
	return []int{80}
}

func (h httpProbe) url(t Target, p Params) string {
	scheme := "http"
	if h.tls {
		scheme = "https"
	}
	path := p.HTTPPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + net.JoinHostPort(t.Host, strconv.Itoa(t.Port)) + path
}

func (h httpProbe) command(t Target, p Params) string {
	var b strings.Builder
	fmt.Fprintf(&b, "curl -s -o /dev/null --max-time %d", secs(p.Timeout))
	if h.tls && !p.VerifyTLS {
		b.WriteString(" -k")
	}
	keys := make([]string, 0, len(p.Headers))
	for k := range p.Headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		b.WriteString(" -H " + executor.ShellQuote(k+": "+p.Headers[k]))
	}
	b.WriteString(" -w '" + curlFormat + "' " + executor.ShellQuote(h.url(t, p)))
	return b.String()
}

func (h httpProbe) Sample(ctx context.Context, src executor.Conn, t Target, p Params) Sample {
	out, err := src.Run(ctx, h.command(t, p))
	if err != nil {
		return failed(reason(err))
	}
	s, err := parseCurl(out.Stdout, h.tls)
	if err != nil {
		return failed(err.Error())
	}
	switch {
	case s.StatusCode == 0:
		s.Reason = fmt.Sprintf("connection failed (curl exit %d)", out.ExitCode)
	case len(p.ExpectCodes) > 0 && !slices.Contains(p.ExpectCodes, s.StatusCode):
		s.Reason = fmt.Sprintf("unexpected status %d", s.StatusCode)
	case len(p.ExpectCodes) == 0 && (s.StatusCode < 200 || s.StatusCode > 299):
		s.Reason = fmt.Sprintf("HTTP %d", s.StatusCode)
	default:
		s.Success = true
	}
	return s
}

// parseCurl reads the key:value block written by curlFormat.
func parseCurl(out string, tls bool) (Sample, error) {
	kv, err := processor.ParseKeyValues([]string{out})
	if err != nil {
		return Sample{}, err
	}
	code, err := strconv.Atoi(kv["code"])
	if err != nil {
		return Sample{}, fmt.Errorf("unexpected curl output %q", strings.TrimSpace(out))
	}
	num := func(k string) float64 {
		v, _ := strconv.ParseFloat(kv[k], 64)
		return v
	}
	s := Sample{
		StatusCode:     code,
		LatencyMs:      num("total") * 1000,
		Bytes:          int64(num("size")),
		ThroughputMbps: num("speed") * 8 / 1e6,
	}
	if tls && num("appconnect") > 0 {
		s.TLSHandshakeMs = (num("appconnect") - num("connect")) * 1000
	}
	return s, nil
}

// dnsProbe times nslookup on the source host.
type dnsProbe struct{}

func (dnsProbe) Protocol() Protocol  { return DNS }
func (dnsProbe) Fields() []string    { return []string{"latency_ms"} }
func (dnsProbe) DefaultPorts() []int { return []int{53} }

func (dnsProbe) Sample(ctx context.Context, src executor.Conn, t Target, p Params) Sample {
	cmd := "nslookup -timeout=" + strconv.Itoa(secs(p.Timeout)) + " " + executor.ShellQuote(t.Host)
	if p.DNSServer != "" {
		cmd += " " + executor.ShellQuote(p.DNSServer)
		if t.Port != 0 && t.Port != 53 {
			cmd += " -port=" + strconv.Itoa(t.Port)
		}
	}
	out, err := src.Run(ctx, timed(cmd+" >/dev/null 2>&1"))
	if err != nil {
		return failed(reason(err))
	}
	rc, took, err := parseTimed(out.Stdout)
	if err != nil {
		return failed(err.Error())
	}
	if rc != 0 {
		return Sample{Reason: fmt.Sprintf("resolution failed (nslookup exit %d)", rc), LatencyMs: ms(took)}
	}
	return Sample{Success: true, LatencyMs: ms(took)}
}

var (
	pingLossRe = regexp.MustCompile(`([0-9.]+)% packet loss`)
	pingTimeRe = regexp.MustCompile(`time[=<]([0-9.]+) ?ms`)
	pingRttRe  = regexp.MustCompile(`= ([0-9.]+)/`)
)

// icmpProbe runs a single ping on the source host.
type icmpProbe struct{}

func (icmpProbe) Protocol() Protocol  { return ICMP }
func (icmpProbe) Fields() []string    { return []string{"latency_ms", "packets_sent", "packets_received"} }
func (icmpProbe) DefaultPorts() []int { return nil }

func (icmpProbe) Sample(ctx context.Context, src executor.Conn, t Target, p Params) Sample {
	out, err := src.Run(ctx, fmt.Sprintf("ping -c 1 -W %d %s", secs(p.Timeout), executor.ShellQuote(t.Host)))
	if err != nil {
		return Sample{Reason: reason(err), PacketsSent: 1}
	}
	return parsePing(out.Stdout+out.Stderr, out.ExitCode)
}

func parsePing(out string, exit int) Sample {
	s := Sample{PacketsSent: 1}
	loss := 100.0
	if m := pingLossRe.FindStringSubmatch(out); len(m) == 2 {
		loss, _ = strconv.ParseFloat(m[1], 64)
	}
	if exit != 0 || loss >= 100 {
		s.Reason = "no reply"
		if line := strings.TrimSpace(out); line != "" && !strings.Contains(line, "packet loss") {
			s.Reason = strings.SplitN(line, "\n", 2)[0]
		}
		return s
	}
	m := pingTimeRe.FindStringSubmatch(out)
	if len(m) != 2 {
		m = pingRttRe.FindStringSubmatch(out)
	}
	if len(m) == 2 {
		s.LatencyMs, _ = strconv.ParseFloat(m[1], 64)
	}
	s.Success = true
	s.PacketsReceived = 1
	return s
}

// scpProbe copies a generated file of PacketSize*100 bytes to the target.
type scpProbe struct{}

func (scpProbe) Protocol() Protocol  { return SCP }
func (scpProbe) Fields() []string    { return []string{"throughput_mbps", "bytes", "latency_ms"} }
func (scpProbe) DefaultPorts() []int { return []int{22} }

func testFile(p Params) (path, create string, size int64) {
	path = strings.TrimRight(p.RemoteTmp, "/") + "/vwt_probe_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	size = int64(p.PacketSize) * 100
	create = fmt.Sprintf("dd if=/dev/zero of=%s bs=%d count=100 2>/dev/null", path, p.PacketSize)
	return path, create, size
}

func (scpProbe) Sample(ctx context.Context, src executor.Conn, t Target, p Params) Sample {
	path, create, size := testFile(p)
	dest := t.Host + ":" + strings.TrimRight(p.RemoteTmp, "/") + "/"
	if p.User != "" {
		dest = p.User + "@" + dest
	}
	copyCmd := fmt.Sprintf("scp -q -P %d -o BatchMode=yes -o StrictHostKeyChecking=no -o ConnectTimeout=%d %s %s",
		t.Port, secs(p.Timeout), path, executor.ShellQuote(dest))
	return transferSample(ctx, src, create+" && "+timed(copyCmd)+"; rm -f "+path, size)
}

// ftpProbe uploads the same generated file with curl.
type ftpProbe struct{}

func (ftpProbe) Protocol() Protocol  { return FTP }
func (ftpProbe) Fields() []string    { return []string{"throughput_mbps", "bytes", "latency_ms"} }
func (ftpProbe) DefaultPorts() []int { return []int{21} }

func (ftpProbe) Sample(ctx context.Context, src executor.Conn, t Target, p Params) Sample {
	path, create, size := testFile(p)
	url := "ftp://" + net.JoinHostPort(t.Host, strconv.Itoa(t.Port)) + "/"
	auth := ""
	if p.User != "" {
		auth = " --user " + executor.ShellQuote(p.User+":"+p.Password)
	}
	upload := fmt.Sprintf("curl -s --max-time %d%s -T %s %s", secs(p.Timeout), auth, path, executor.ShellQuote(url))
	return transferSample(ctx, src, create+" && "+timed(upload)+"; rm -f "+path, size)
}

func transferSample(ctx context.Context, src executor.Conn, cmd string, size int64) Sample {
	out, err := src.Run(ctx, cmd)
	if err != nil {
		return failed(reason(err))
	}
	rc, took, err := parseTimed(out.Stdout)
	if err != nil {
		return failed(err.Error())
	}
	if rc != 0 {
		return Sample{Reason: fmt.Sprintf("transfer failed (exit %d)", rc), LatencyMs: ms(took)}
	}
	return Sample{Success: true, LatencyMs: ms(took), Bytes: size, ThroughputMbps: mbps(size, took)}
}

// iperfProbe measures bulk throughput with iperf3: a one-off server on the
// target, a client on the source reporting JSON.
type iperfProbe struct{}

const DefaultIperfPort = 5201

func (iperfProbe) Protocol() Protocol { return Iperf }
func (iperfProbe) Fields() []string {
	return []string{"throughput_mbps", "bytes", "latency_ms", "retransmits"}
}
func (iperfProbe) DefaultPorts() []int { return []int{DefaultIperfPort} }

func iperfServerCmd(port int) string {
	return fmt.Sprintf("iperf3 -s -1 -D -p %d", port)
}

func (iperfProbe) StartServer(ctx context.Context, dst executor.Conn, t Target, _ Params) error {
	out, err := dst.Run(ctx, iperfServerCmd(t.Port))
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return &executor.CommandError{Command: "iperf3 -s", ExitCode: out.ExitCode, Stderr: out.Stderr + out.Stdout}
	}
	return nil
}

func (iperfProbe) StopServer(ctx context.Context, dst executor.Conn, t Target) {
	_, _ = dst.Run(ctx, "pkill -f "+executor.ShellQuote(iperfServerCmd(t.Port)))
}

func (iperfProbe) command(t Target, p Params) string {
	test := p.TestTime
	if test <= 0 {
		test = p.Timeout / 2
	}
	return fmt.Sprintf("iperf3 -c %s -p %d -t %d -P %d -J", executor.ShellQuote(t.Host), t.Port, secs(test), p.Streams)
}

func (ip iperfProbe) Sample(ctx context.Context, src executor.Conn, t Target, p Params) Sample {
	start := time.Now()
	out, err := src.Run(ctx, ip.command(t, p))
	took := time.Since(start)
	if err != nil {
		return failed(reason(err))
	}
	s, err := parseIperf(out.Stdout)
	if err != nil {
		return Sample{Reason: err.Error(), LatencyMs: ms(took)}
	}
	s.LatencyMs = ms(took)
	if p.ExpectMbps > 0 {
		if floor := p.ExpectMbps * (1 - p.TolerancePct/100); s.ThroughputMbps < floor {
			s.Reason = fmt.Sprintf("throughput %.2f Mbps below expected %.2f Mbps (tolerance %.0f%%)",
				s.ThroughputMbps, p.ExpectMbps, p.TolerancePct)
			return s
		}
	}
	s.Success = true
	return s
}

type iperfSum struct {
	Bytes         int64   `json:"bytes"`
	BitsPerSecond float64 `json:"bits_per_second"`
	Retransmits   int     `json:"retransmits"`
}

type iperfReport struct {
	Error string `json:"error"`
	End   struct {
		SumSent     iperfSum `json:"sum_sent"`
		SumReceived iperfSum `json:"sum_received"`
	} `json:"end"`
}

var iperfRateRe = regexp.MustCompile(`([0-9.]+)\s+([GMK])?bits/sec`)

// parseIperf reads iperf3 -J output. Plain text output is accepted too, in which
// case only the last reported rate is known.
func parseIperf(out string) (Sample, error) {
	var rep iperfReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		return parseIperfText(out)
	}
	if rep.Error != "" {
		return Sample{}, errors.New("iperf3: " + rep.Error)
	}
	sum := rep.End.SumReceived
	if sum.BitsPerSecond == 0 {
		sum = rep.End.SumSent
	}
	if sum.BitsPerSecond == 0 {
		return Sample{}, errors.New("iperf3 reported no transfer")
	}
	return Sample{
		ThroughputMbps: sum.BitsPerSecond / 1e6,
		Bytes:          sum.Bytes,
		Retransmits:    rep.End.SumSent.Retransmits,
	}, nil
}

func parseIperfText(out string) (Sample, error) {
	m := iperfRateRe.FindAllStringSubmatch(out, -1)
	if len(m) == 0 {
		return Sample{}, fmt.Errorf("unexpected iperf3 output %q", firstLine(out))
	}
	last := m[len(m)-1]
	v, err := strconv.ParseFloat(last[1], 64)
	if err != nil {
		return Sample{}, fmt.Errorf("unexpected iperf3 rate %q", last[1])
	}
	switch last[2] {
	case "G":
		v *= 1000
	case "K":
		v /= 1000
	case "":
		v /= 1e6
	}
	return Sample{ThroughputMbps: v}, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
