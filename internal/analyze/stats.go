package analyze

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// PercentileLadder is the fixed set of percentiles reported per metric.
var PercentileLadder = []int{0, 5, 10, 25, 50, 75, 90, 95, 99, 100}

// Metric names produced by aggregation. Byte-milestone latency metrics are
// named dynamically: time_to_<bytes>_bytes.
const (
	MetricTransferDuration = "transfer_duration"
	MetricBytesReceived    = "bytes_received"
	MetricCircuitBuild     = "circuit_build_time"
	MetricErrors           = "errors"
)

// BucketStat is the reduced statistic for one metric in one time bucket.
type BucketStat struct {
	Count       int                `json:"count"`
	Percentiles map[string]float64 `json:"percentiles,omitempty"`
	Errors      map[string]int     `json:"errors,omitempty"`
}

// Summary maps metric name to time bucket to statistic. Bucket keys are the
// decimal unix time of the bucket start. A bucket with no samples is absent,
// never zero.
type Summary map[string]map[string]BucketStat

// Percentile computes the p-th percentile of a sorted sample using linear
// interpolation: samples [10,20,30,40] yield 25 at p=50.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lo := int(rank)
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// ladder reduces a sample set to the percentile ladder.
func ladder(samples []float64) map[string]float64 {
	sort.Float64s(samples)
	out := make(map[string]float64, len(PercentileLadder))
	for _, p := range PercentileLadder {
		out[fmt.Sprintf("p%d", p)] = Percentile(samples, float64(p))
	}
	return out
}

// BucketKey renders the summary key for the bucket containing t.
func BucketKey(t time.Time, granularity time.Duration) string {
	return strconv.FormatInt(t.Truncate(granularity).Unix(), 10)
}

// BucketTime parses a summary bucket key back into the bucket start.
func BucketTime(key string) (time.Time, error) {
	sec, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed bucket key %q: %w", key, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}

// sampleSet accumulates raw samples per metric per bucket before reduction.
type sampleSet map[string]map[string][]float64

func (s sampleSet) add(metric, bucket string, v float64) {
	m, ok := s[metric]
	if !ok {
		m = make(map[string][]float64)
		s[metric] = m
	}
	m[bucket] = append(m[bucket], v)
}

// Aggregate reduces correlated transfers into bucketed statistics. date,
// when non-empty (YYYY-MM-DD, UTC), restricts aggregation to transfers
// starting on that date.
func Aggregate(transfers []CorrelatedTransfer, granularity time.Duration, date string) Summary {
	if granularity <= 0 {
		granularity = 24 * time.Hour
	}

	samples := make(sampleSet)
	errorCounts := make(map[string]map[string]int)
	seenCircuits := make(map[string]bool)

	for i := range transfers {
		ct := &transfers[i]
		tr := &ct.Transfer
		if date != "" && tr.Start.UTC().Format("2006-01-02") != date {
			continue
		}
		bucket := BucketKey(tr.Start, granularity)

		if tr.Succeeded() {
			samples.add(MetricTransferDuration, bucket, tr.Duration().Seconds())
			samples.add(MetricBytesReceived, bucket, float64(tr.BytesReceived))
			for bytes, at := range tr.Milestones {
				metric := fmt.Sprintf("time_to_%d_bytes", bytes)
				samples.add(metric, bucket, at.Sub(tr.Start).Seconds())
			}
		} else {
			ec, ok := errorCounts[bucket]
			if !ok {
				ec = make(map[string]int)
				errorCounts[bucket] = ec
			}
			ec[tr.ErrorCode]++
		}

		// Circuits shared by several transfers contribute one build-time
		// sample each.
		if ct.Circuit != nil && ct.Circuit.BuildDuration() > 0 && !seenCircuits[ct.Circuit.Key()] {
			seenCircuits[ct.Circuit.Key()] = true
			samples.add(MetricCircuitBuild, bucket, ct.Circuit.BuildDuration().Seconds())
		}
	}

	summary := make(Summary)
	for metric, buckets := range samples {
		reduced := make(map[string]BucketStat, len(buckets))
		for bucket, values := range buckets {
			reduced[bucket] = BucketStat{
				Count:       len(values),
				Percentiles: ladder(values),
			}
		}
		summary[metric] = reduced
	}
	if len(errorCounts) > 0 {
		reduced := make(map[string]BucketStat, len(errorCounts))
		for bucket, counts := range errorCounts {
			total := 0
			for _, n := range counts {
				total += n
			}
			reduced[bucket] = BucketStat{Count: total, Errors: counts}
		}
		summary[MetricErrors] = reduced
	}
	return summary
}
