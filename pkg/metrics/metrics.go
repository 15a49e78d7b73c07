// Package metrics aggregates operation results into totals and per-host and
// per-operation stats, and mirrors them into a Prometheus registry.
package metrics

import (
	"sync"
	"time"

	shared "github.com/andrej220/vwt/pkg/shared-models"
	"github.com/andrej220/vwt/pkg/traffic"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vwt"

type Stats struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Retries   int           `json:"retries"`
	Bytes     int64         `json:"bytes_transferred"`
	Duration  time.Duration `json:"total_duration"`
	Min       time.Duration `json:"min_duration"`
	Max       time.Duration `json:"max_duration"`
}

func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total)
}

func (s Stats) Avg() time.Duration {
	if s.Total == 0 {
		return 0
	}
	return s.Duration / time.Duration(s.Total)
}

func (s *Stats) add(r shared.OperationResult) {
	if s.Total == 0 || r.Duration < s.Min {
		s.Min = r.Duration
	}
	if r.Duration > s.Max {
		s.Max = r.Duration
	}
	s.Total++
	if r.Success {
		s.Succeeded++
	} else {
		s.Failed++
	}
	s.Retries += r.RetryCount
	s.Bytes += r.BytesTransferred
	s.Duration += r.Duration
}

type Snapshot struct {
	Since       time.Time        `json:"since"`
	Total       Stats            `json:"total"`
	SuccessRate float64          `json:"success_rate"`
	ByOperation map[string]Stats `json:"by_operation"`
	ByHost      map[string]Stats `json:"by_host"`
	ErrorKinds  map[string]int   `json:"error_kinds,omitempty"`
}

// Collector is safe for concurrent use.
type Collector struct {
	mu     sync.Mutex
	since  time.Time
	total  Stats
	byOp   map[string]*Stats
	byHost map[string]*Stats
	kinds  map[string]int

	reg       *prometheus.Registry
	ops       *prometheus.CounterVec
	retries   *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	durations *prometheus.HistogramVec
	samples   *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	tput      *prometheus.GaugeVec
}

func NewCollector() *Collector {
	c := &Collector{
		since:  time.Now(),
		byOp:   map[string]*Stats{},
		byHost: map[string]*Stats{},
		kinds:  map[string]int{},
		reg:    prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Completed host operations by outcome.",
		}, []string{"operation", "host", "status", "error_kind"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_retries_total",
			Help:      "Retries spent on host operations.",
		}, []string{"operation", "host"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transferred_bytes_total",
			Help:      "Bytes moved by upload and download operations.",
		}, []string{"operation", "host"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Host operation duration, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"operation"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_samples_total",
			Help:      "Traffic probe samples by outcome.",
		}, []string{"protocol", "source", "target", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_latency_milliseconds",
			Help:      "Latency of successful probe samples.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"protocol"}),
		tput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "probe_throughput_mbps",
			Help:      "Average throughput of the last probe run per pair.",
		}, []string{"protocol", "source", "target"}),
	}
	c.reg.MustRegister(c.ops, c.retries, c.bytes, c.durations, c.samples, c.latency, c.tput)
	return c
}

// Registry is what /metrics and the Prometheus export gather from.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Record(r shared.OperationResult) {
	op := string(r.Operation)
	c.mu.Lock()
	c.total.add(r)
	stat(c.byOp, op).add(r)
	stat(c.byHost, r.Host).add(r)
	if r.ErrorKind != "" {
		c.kinds[r.ErrorKind]++
	}
	c.mu.Unlock()

	status := "success"
	if !r.Success {
		status = "failure"
	}
	c.ops.WithLabelValues(op, r.Host, status, r.ErrorKind).Inc()
	c.durations.WithLabelValues(op).Observe(r.Duration.Seconds())
	if r.RetryCount > 0 {
		c.retries.WithLabelValues(op, r.Host).Add(float64(r.RetryCount))
	}
	if r.BytesTransferred > 0 {
		c.bytes.WithLabelValues(op, r.Host).Add(float64(r.BytesTransferred))
	}
}

func (c *Collector) RecordAll(results map[string]shared.OperationResult) {
	for _, r := range results {
		c.Record(r)
	}
}

// RecordTraffic counts every pair of a run as one traffic operation of its source
// host and feeds the samples into the probe series.
func (c *Collector) RecordTraffic(rep traffic.Report) {
	for _, res := range rep.Results {
		c.Record(TrafficResult(res))
		proto := string(res.Protocol)
		for _, s := range res.Samples {
			status := "success"
			if !s.Success {
				status = "failure"
			}
			c.samples.WithLabelValues(proto, res.Source, res.Target, status).Inc()
			if s.Success {
				c.latency.WithLabelValues(proto).Observe(s.LatencyMs)
			}
		}
		if t := res.Summary.Throughput; t != nil {
			c.tput.WithLabelValues(proto, res.Source, res.Target).Set(t.AvgMbps)
		}
	}
}

// TrafficResult expresses one traffic pairing as an OperationResult of its source.
func TrafficResult(res traffic.Result) shared.OperationResult {
	var bytes int64
	for _, s := range res.Samples {
		bytes += s.Bytes
	}
	return shared.OperationResult{
		Host:             res.Source,
		Operation:        shared.OpTraffic,
		Success:          res.Success(),
		Error:            res.Error,
		ErrorKind:        res.ErrorKind,
		StartedAt:        res.StartedAt,
		Duration:         res.Duration,
		BytesTransferred: bytes,
	}
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Since:       c.since,
		Total:       c.total,
		SuccessRate: c.total.SuccessRate(),
		ByOperation: make(map[string]Stats, len(c.byOp)),
		ByHost:      make(map[string]Stats, len(c.byHost)),
	}
	for k, v := range c.byOp {
		s.ByOperation[k] = *v
	}
	for k, v := range c.byHost {
		s.ByHost[k] = *v
	}
	if len(c.kinds) > 0 {
		s.ErrorKinds = make(map[string]int, len(c.kinds))
		for k, v := range c.kinds {
			s.ErrorKinds[k] = v
		}
	}
	return s
}

func stat(m map[string]*Stats, key string) *Stats {
	s, ok := m[key]
	if !ok {
		s = &Stats{}
		m[key] = s
	}
	return s
}
