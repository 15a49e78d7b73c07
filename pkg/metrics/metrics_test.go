package metrics

import (
	"testing"
	"time"

	shared "github.com/andrej220/vwt/pkg/shared-models"
	"github.com/andrej220/vwt/pkg/traffic"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector()
	c.RecordAll(map[string]shared.OperationResult{
		"web1": {Host: "web1", Operation: shared.OpExecute, Success: true, Duration: 100 * time.Millisecond, RetryCount: 2},
		"web2": {Host: "web2", Operation: shared.OpExecute, ErrorKind: "AuthFailed", Duration: 300 * time.Millisecond},
	})
	c.Record(shared.OperationResult{Host: "web1", Operation: shared.OpUpload, Success: true, BytesTransferred: 2048, Duration: 200 * time.Millisecond})

	s := c.Snapshot()
	assert.Equal(t, 3, s.Total.Total)
	assert.Equal(t, 2, s.Total.Succeeded)
	assert.Equal(t, 1, s.Total.Failed)
	assert.Equal(t, 2, s.Total.Retries)
	assert.InDelta(t, 2.0/3, s.SuccessRate, 1e-9)
	assert.Equal(t, 100*time.Millisecond, s.Total.Min)
	assert.Equal(t, 300*time.Millisecond, s.Total.Max)
	assert.Equal(t, 200*time.Millisecond, s.Total.Avg())

	require.Contains(t, s.ByHost, "web1")
	assert.Equal(t, 2, s.ByHost["web1"].Total)
	assert.Equal(t, int64(2048), s.ByHost["web1"].Bytes)
	assert.Equal(t, 2, s.ByOperation["execute"].Total)
	assert.Equal(t, 0.5, s.ByOperation["execute"].SuccessRate())
	assert.Equal(t, map[string]int{"AuthFailed": 1}, s.ErrorKinds)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ops.WithLabelValues("execute", "web2", "failure", "AuthFailed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.retries.WithLabelValues("execute", "web1")))
}

func TestCollectorTraffic(t *testing.T) {
	c := NewCollector()
	samples := []traffic.Sample{
		{Seq: 1, Success: true, LatencyMs: 4, ThroughputMbps: 10, Bytes: 100},
		{Seq: 2, Reason: "timeout"},
	}
	c.RecordTraffic(traffic.Report{Protocol: traffic.TCP, Results: []traffic.Result{{
		Source:   "web1",
		Target:   "db1",
		Protocol: traffic.TCP,
		Samples:  samples,
		Summary:  traffic.Summarize(samples),
	}}})

	s := c.Snapshot()
	assert.Equal(t, 1, s.ByOperation["traffic"].Succeeded)
	assert.Equal(t, int64(100), s.ByHost["web1"].Bytes)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.samples.WithLabelValues("tcp", "web1", "db1", "failure")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.tput.WithLabelValues("tcp", "web1", "db1")))
}

func TestEmptySnapshot(t *testing.T) {
	s := NewCollector().Snapshot()
	assert.Zero(t, s.SuccessRate)
	assert.Zero(t, s.Total.Avg())
	assert.Empty(t, s.ByHost)
	assert.Nil(t, s.ErrorKinds)
}
