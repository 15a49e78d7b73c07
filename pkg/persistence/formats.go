package persistence

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/andrej220/vwt/pkg/executor"
	"github.com/andrej220/vwt/pkg/metrics"
	shared "github.com/andrej220/vwt/pkg/shared-models"
	"github.com/andrej220/vwt/pkg/traffic"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

type Format string

const (
	FormatJSON       Format = "json"
	FormatCSV        Format = "csv"
	FormatPrometheus Format = "prometheus"
)

func (f Format) Ext() string {
	if f == FormatPrometheus {
		return "prom"
	}
	return string(f)
}

// SerializerFor returns the renderer of format.
func SerializerFor(format Format) (Serializer, error) {
	switch format {
	case FormatJSON, "":
		return JSONSerializer{Prefix: prefix, Indent: indent}, nil
	case FormatCSV:
		return CSVSerializer{}, nil
	case FormatPrometheus:
		return PrometheusSerializer{}, nil
	}
	return nil, fmt.Errorf("%w: unknown format %q", executor.ErrConfigInvalid, format)
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

// CSVSerializer writes one row per host result, traffic pair or stats entry.
// Nested step lists are kept as JSON inside their column.
type CSVSerializer struct{}

var resultHeader = []string{
	"host", "operation", "success", "exit_code", "error_kind", "error", "retry_count",
	"duration_ms", "bytes_transferred", "started_at", "output", "stderr", "steps",
}

var trafficBaseHeader = []string{
	"run_id", "source", "target", "port", "protocol", "direction", "count", "success_count",
	"failure_count", "success_rate",
}

// trafficColumn is a group of summary columns shown when the protocol's probe
// fills the sample field it is derived from.
type trafficColumn struct {
	field  string
	header []string
	cells  func(traffic.Summary) ([]string, error)
}

var trafficColumns = []trafficColumn{
	{
		field:  "latency_ms",
		header: []string{"min_ms", "max_ms", "avg_ms", "median_ms", "p95_ms", "p99_ms", "stddev_ms", "jitter_ms"},
		cells: func(s traffic.Summary) ([]string, error) {
			if s.Latency == nil {
				return make([]string, 8), nil
			}
			l := *s.Latency
			return []string{
				float(l.MinMs), float(l.MaxMs), float(l.AvgMs), float(l.MedianMs),
				float(l.P95Ms), float(l.P99Ms), float(l.StddevMs), float(l.JitterMs),
			}, nil
		},
	},
	{
		field:  "throughput_mbps",
		header: []string{"throughput_avg_mbps", "throughput_peak_mbps", "throughput_min_mbps"},
		cells: func(s traffic.Summary) ([]string, error) {
			var tp traffic.ThroughputStats
			if s.Throughput != nil {
				tp = *s.Throughput
			}
			return []string{float(tp.AvgMbps), float(tp.PeakMbps), float(tp.MinMbps)}, nil
		},
	},
	{
		field:  "packets_sent",
		header: []string{"packets_sent", "packets_received", "packet_loss_percent"},
		cells: func(s traffic.Summary) ([]string, error) {
			return []string{strconv.Itoa(s.PacketsSent), strconv.Itoa(s.PacketsReceived), float(s.PacketLossPct)}, nil
		},
	},
	{
		field:  "status_code",
		header: []string{"status_codes"},
		cells: func(s traffic.Summary) ([]string, error) {
			codes, err := jsonCell(s.StatusCodes)
			return []string{codes}, err
		},
	},
}

var trafficTailHeader = []string{"failure_reasons", "error_kind", "error"}

// columnsFor picks the summary column groups of protocol. An unknown protocol
// gets all of them.
func columnsFor(protocol traffic.Protocol) []trafficColumn {
	probe, err := traffic.Lookup(protocol)
	if err != nil {
		return trafficColumns
	}
	fields := probe.Fields()
	var cols []trafficColumn
	for _, c := range trafficColumns {
		if slices.Contains(fields, c.field) {
			cols = append(cols, c)
		}
	}
	return cols
}

var statsHeader = []string{
	"scope", "key", "total", "succeeded", "failed", "success_rate", "retries",
	"bytes_transferred", "avg_ms", "min_ms", "max_ms",
}

func (CSVSerializer) Marshal(data any) ([]byte, error) {
	var rows [][]string
	var err error
	switch v := data.(type) {
	case map[string]shared.OperationResult:
		rows, err = resultRows(v)
	case []shared.OperationResult:
		rows, err = resultRows(byHost(v))
	case traffic.Report:
		rows, err = trafficRows(v)
	case metrics.Snapshot:
		rows = statsRows(v)
	case Run:
		if v.Traffic != nil {
			rows, err = trafficRows(*v.Traffic)
		} else {
			rows, err = resultRows(v.Results)
		}
	default:
		return nil, fmt.Errorf("csv: unsupported type %T", data)
	}
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func byHost(results []shared.OperationResult) map[string]shared.OperationResult {
	m := make(map[string]shared.OperationResult, len(results))
	for _, r := range results {
		m[r.Host] = r
	}
	return m
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func jsonCell[V any](v map[string]V) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func float(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func millis(d time.Duration) string { return float(float64(d) / float64(time.Millisecond)) }

func resultRows(results map[string]shared.OperationResult) ([][]string, error) {
	rows := [][]string{resultHeader}
	for _, host := range sortedKeys(results) {
		r := results[host]
		steps := ""
		if len(r.Steps) > 0 {
			b, err := json.Marshal(r.Steps)
			if err != nil {
				return nil, err
			}
			steps = string(b)
		}
		rows = append(rows, []string{
			r.Host, string(r.Operation), strconv.FormatBool(r.Success), strconv.Itoa(r.ExitCode),
			r.ErrorKind, r.Error, strconv.Itoa(r.RetryCount), millis(r.Duration),
			strconv.FormatInt(r.BytesTransferred, 10), r.StartedAt.Format(time.RFC3339Nano),
			r.Output, r.Stderr, steps,
		})
	}
	return rows, nil
}

func trafficRows(rep traffic.Report) ([][]string, error) {
	cols := columnsFor(rep.Protocol)
	header := slices.Clone(trafficBaseHeader)
	for _, c := range cols {
		header = append(header, c.header...)
	}
	rows := [][]string{append(header, trafficTailHeader...)}
	for _, res := range rep.Results {
		s := res.Summary
		row := []string{
			rep.RunID, res.Source, res.Target, strconv.Itoa(res.Port), string(res.Protocol), string(res.Direction),
			strconv.Itoa(s.Count), strconv.Itoa(s.SuccessCount), strconv.Itoa(s.FailureCount), float(s.SuccessRate),
		}
		for _, c := range cols {
			cells, err := c.cells(s)
			if err != nil {
				return nil, err
			}
			row = append(row, cells...)
		}
		reasons, err := jsonCell(s.Failures)
		if err != nil {
			return nil, err
		}
		rows = append(rows, append(row, reasons, res.ErrorKind, res.Error))
	}
	return rows, nil
}

func statsRows(s metrics.Snapshot) [][]string {
	rows := [][]string{statsHeader}
	add := func(scope, key string, st metrics.Stats) {
		rows = append(rows, []string{
			scope, key, strconv.Itoa(st.Total), strconv.Itoa(st.Succeeded), strconv.Itoa(st.Failed),
			float(st.SuccessRate()), strconv.Itoa(st.Retries), strconv.FormatInt(st.Bytes, 10),
			millis(st.Avg()), millis(st.Min), millis(st.Max),
		})
	}
	add("total", "", s.Total)
	for _, k := range sortedKeys(s.ByOperation) {
		add("operation", k, s.ByOperation[k])
	}
	for _, k := range sortedKeys(s.ByHost) {
		add("host", k, s.ByHost[k])
	}
	return rows
}

// PrometheusSerializer renders the text exposition format. Collectors and
// gatherers are rendered as they are; result records are first run through a
// fresh Collector.
type PrometheusSerializer struct{}

func (PrometheusSerializer) Marshal(data any) ([]byte, error) {
	var g prometheus.Gatherer
	switch v := data.(type) {
	case *metrics.Collector:
		g = v.Registry()
	case prometheus.Gatherer:
		g = v
	default:
		c := metrics.NewCollector()
		if err := feed(c, data); err != nil {
			return nil, err
		}
		g = c.Registry()
	}
	return Exposition(g)
}

// Exposition gathers g and encodes it as Prometheus text.
func Exposition(g prometheus.Gatherer) ([]byte, error) {
	mfs, err := g.Gather()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeFamilies(&buf, mfs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeFamilies(w io.Writer, mfs []*dto.MetricFamily) error {
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func feed(c *metrics.Collector, data any) error {
	switch v := data.(type) {
	case map[string]shared.OperationResult:
		c.RecordAll(v)
	case []shared.OperationResult:
		for _, r := range v {
			c.Record(r)
		}
	case traffic.Report:
		c.RecordTraffic(v)
	case Run:
		v.Record(c)
	case []Run:
		for _, r := range v {
			r.Record(c)
		}
	default:
		return fmt.Errorf("prometheus: unsupported type %T", data)
	}
	return nil
}
