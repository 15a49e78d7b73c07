package traffic

import (
	"math"
	"slices"
	"strconv"
)

// LatencyStats are computed over successful samples only.
type LatencyStats struct {
	MinMs    float64 `json:"min_ms"`
	MaxMs    float64 `json:"max_ms"`
	AvgMs    float64 `json:"avg_ms"`
	MedianMs float64 `json:"median_ms"`
	P95Ms    float64 `json:"p95_ms"`
	P99Ms    float64 `json:"p99_ms"`
	StddevMs float64 `json:"stddev_ms"`
	JitterMs float64 `json:"jitter_ms"`
}

type ThroughputStats struct {
	AvgMbps  float64 `json:"avg_mbps"`
	PeakMbps float64 `json:"peak_mbps"`
	MinMbps  float64 `json:"min_mbps"`
}

type Summary struct {
	Count        int     `json:"count"`
	SuccessCount int     `json:"success_count"`
	FailureCount int     `json:"failure_count"`
	SuccessRate  float64 `json:"success_rate"`
	// Latency is nil when no sample succeeded.
	Latency         *LatencyStats    `json:"latency,omitempty"`
	Throughput      *ThroughputStats `json:"throughput,omitempty"`
	PacketsSent     int              `json:"packets_sent,omitempty"`
	PacketsReceived int              `json:"packets_received,omitempty"`
	PacketLossPct   float64          `json:"packet_loss_percent,omitempty"`
	StatusCodes     map[string]int   `json:"status_codes,omitempty"`
	Failures        map[string]int   `json:"failure_reasons,omitempty"`
}

// Summarize aggregates samples. It never fails: an empty or all-failed run has a
// zero success rate and no latency stats.
func Summarize(samples []Sample) Summary {
	s := Summary{Count: len(samples)}
	var lat, tput []float64
	for _, smp := range samples {
		s.PacketsSent += smp.PacketsSent
		s.PacketsReceived += smp.PacketsReceived
		if smp.StatusCode != 0 {
			if s.StatusCodes == nil {
				s.StatusCodes = map[string]int{}
			}
			s.StatusCodes[strconv.Itoa(smp.StatusCode)]++
		}
		if !smp.Success {
			s.FailureCount++
			if s.Failures == nil {
				s.Failures = map[string]int{}
			}
			r := smp.Reason
			if r == "" {
				r = "unknown"
			}
			s.Failures[r]++
			continue
		}
		s.SuccessCount++
		lat = append(lat, smp.LatencyMs)
		if smp.ThroughputMbps > 0 {
			tput = append(tput, smp.ThroughputMbps)
		}
	}
	if s.Count > 0 {
		s.SuccessRate = float64(s.SuccessCount) / float64(s.Count)
	}
	if s.PacketsSent > 0 {
		s.PacketLossPct = float64(s.PacketsSent-s.PacketsReceived) / float64(s.PacketsSent) * 100
	}
	if len(lat) > 0 {
		s.Latency = latencyStats(lat)
	}
	if len(tput) > 0 {
		t := &ThroughputStats{PeakMbps: slices.Max(tput), MinMbps: slices.Min(tput)}
		t.AvgMbps = mean(tput)
		s.Throughput = t
	}
	return s
}

// latencyStats expects latencies in sample order; jitter depends on it.
func latencyStats(lat []float64) *LatencyStats {
	st := &LatencyStats{AvgMs: mean(lat)}
	for i := 1; i < len(lat); i++ {
		st.JitterMs += math.Abs(lat[i] - lat[i-1])
	}
	if len(lat) > 1 {
		st.JitterMs /= float64(len(lat) - 1)
	}

	sorted := slices.Clone(lat)
	slices.Sort(sorted)
	n := len(sorted)
	st.MinMs, st.MaxMs = sorted[0], sorted[n-1]
	if n%2 == 1 {
		st.MedianMs = sorted[n/2]
	} else {
		st.MedianMs = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	st.P95Ms = percentile(sorted, 95, 20)
	st.P99Ms = percentile(sorted, 99, 100)

	if n > 1 {
		var ss float64
		for _, v := range sorted {
			ss += (v - st.AvgMs) * (v - st.AvgMs)
		}
		st.StddevMs = math.Sqrt(ss / float64(n-1))
	}
	return st
}

// percentile uses the exclusive method over sorted once it holds at least minN
// values; smaller sets report their maximum.
func percentile(sorted []float64, p float64, minN int) float64 {
	n := len(sorted)
	if n < minN {
		return sorted[n-1]
	}
	pos := p / 100 * float64(n+1)
	i := int(math.Floor(pos))
	switch {
	case i < 1:
		return sorted[0]
	case i >= n:
		return sorted[n-1]
	}
	frac := pos - float64(i)
	return sorted[i-1] + frac*(sorted[i]-sorted[i-1])
}

func mean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
