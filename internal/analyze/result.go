package analyze

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	// ResultType tags the artifact document.
	ResultType = "torscope-analysis"
	// ResultVersion is the artifact schema version.
	ResultVersion = 1
)

// Anomalies surfaces the recoverable problems of one analysis run. They are
// counted, never silently dropped.
type Anomalies struct {
	// TGenSkipped and TorctlSkipped count malformed log lines.
	TGenSkipped   int `json:"tgen_skipped"`
	TorctlSkipped int `json:"torctl_skipped"`
	// Unfinished counts transfers with no terminal log line.
	Unfinished int `json:"unfinished"`
	// CircuitUnknown counts transfers with no correlated stream.
	CircuitUnknown int `json:"circuit_unknown"`
}

func (a Anomalies) add(o Anomalies) Anomalies {
	a.TGenSkipped += o.TGenSkipped
	a.TorctlSkipped += o.TorctlSkipped
	a.Unfinished += o.Unfinished
	a.CircuitUnknown += o.CircuitUnknown
	return a
}

// TransferDetail is the per-transfer record kept in the artifact's optional
// detail list. It carries what the filtering engine needs: the circuit path
// and the build-timeout flag.
type TransferDetail struct {
	ID       string    `json:"id"`
	Start    time.Time `json:"start"`
	Seconds  float64   `json:"seconds"`
	Port     int       `json:"port"`
	Endpoint string    `json:"endpoint,omitempty"`

	BytesRequested int64 `json:"bytes_requested"`
	BytesReceived  int64 `json:"bytes_received"`

	// MilestoneSeconds maps cumulative byte counts (as decimal strings, for
	// JSON) to elapsed seconds.
	MilestoneSeconds map[string]float64 `json:"milestones,omitempty"`

	Error string `json:"error,omitempty"`

	CircuitKnown      bool     `json:"circuit_known"`
	Path              []string `json:"path,omitempty"`
	BuildTimeoutKnown bool     `json:"build_timeout_known"`
	BuildSeconds      float64  `json:"build_seconds,omitempty"`
}

// Result is the analysis artifact: metadata, an optional per-transfer
// detail list, and the bucketed summary. It is the unit consumed by the
// filtering engine and by downstream visualization.
type Result struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	// ID identifies the analysis run that produced the artifact.
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	GeneratedBy string    `json:"generated_by"`

	Nickname        string `json:"nickname"`
	Address         string `json:"address,omitempty"`
	IntervalSeconds int    `json:"interval_seconds"`

	Anomalies Anomalies `json:"anomalies"`

	// TransferIDs lists every transfer the summary was reduced from,
	// whether or not detail records are included. Merging requires the
	// sets to be disjoint.
	TransferIDs []string `json:"transfer_ids"`

	Transfers []TransferDetail `json:"transfers,omitempty"`

	Summary Summary `json:"summary"`
}

// NewResult builds an artifact from correlated transfers.
func NewResult(transfers []CorrelatedTransfer, granularity time.Duration, date string, detail bool, nickname, address, generatedBy string) *Result {
	if granularity <= 0 {
		granularity = 24 * time.Hour
	}

	r := &Result{
		Type:            ResultType,
		Version:         ResultVersion,
		ID:              uuid.New().String(),
		Time:            time.Now().UTC(),
		GeneratedBy:     generatedBy,
		Nickname:        nickname,
		Address:         address,
		IntervalSeconds: int(granularity.Seconds()),
		Summary:         Aggregate(transfers, granularity, date),
	}

	for i := range transfers {
		ct := &transfers[i]
		tr := &ct.Transfer
		if date != "" && tr.Start.UTC().Format("2006-01-02") != date {
			continue
		}
		r.TransferIDs = append(r.TransferIDs, tr.Key())
		if !ct.CircuitKnown() {
			r.Anomalies.CircuitUnknown++
		}
		if detail {
			r.Transfers = append(r.Transfers, newDetail(ct))
		}
	}
	sort.Strings(r.TransferIDs)
	return r
}

func newDetail(ct *CorrelatedTransfer) TransferDetail {
	tr := &ct.Transfer
	d := TransferDetail{
		ID:             tr.Key(),
		Start:          tr.Start.UTC(),
		Seconds:        tr.Duration().Seconds(),
		Port:           tr.Port,
		Endpoint:       tr.Endpoint,
		BytesRequested: tr.BytesRequested,
		BytesReceived:  tr.BytesReceived,
		Error:          tr.ErrorCode,
		CircuitKnown:   ct.CircuitKnown(),
	}
	if len(tr.Milestones) > 0 {
		d.MilestoneSeconds = make(map[string]float64, len(tr.Milestones))
		for bytes, at := range tr.Milestones {
			d.MilestoneSeconds[fmt.Sprintf("%d", bytes)] = at.Sub(tr.Start).Seconds()
		}
	}
	if ct.Circuit != nil {
		d.Path = append([]string(nil), ct.Circuit.Path...)
		d.BuildTimeoutKnown = ct.Circuit.BuildTimeoutKnown
		d.BuildSeconds = ct.Circuit.BuildDuration().Seconds()
	}
	return d
}

// Merge folds other into r. The transfer-id sets must be disjoint and no
// summary bucket may appear in both, so nothing is double-counted.
func (r *Result) Merge(other *Result) error {
	ids := make(map[string]bool, len(r.TransferIDs))
	for _, id := range r.TransferIDs {
		ids[id] = true
	}
	for _, id := range other.TransferIDs {
		if ids[id] {
			return fmt.Errorf("merge: transfer id %s present in both results", id)
		}
	}

	// Validate every bucket before touching r so a rejected merge leaves
	// the receiver intact.
	for metric, buckets := range other.Summary {
		mine := r.Summary[metric]
		for bucket := range buckets {
			if _, exists := mine[bucket]; exists {
				return fmt.Errorf("merge: metric %s bucket %s present in both results", metric, bucket)
			}
		}
	}

	for metric, buckets := range other.Summary {
		mine, ok := r.Summary[metric]
		if !ok {
			mine = make(map[string]BucketStat, len(buckets))
			r.Summary[metric] = mine
		}
		for bucket, stat := range buckets {
			mine[bucket] = stat
		}
	}

	r.TransferIDs = append(r.TransferIDs, other.TransferIDs...)
	sort.Strings(r.TransferIDs)
	r.Transfers = append(r.Transfers, other.Transfers...)
	r.Anomalies = r.Anomalies.add(other.Anomalies)
	return nil
}

// Metrics returns the summary's metric names, sorted.
func (r *Result) Metrics() []string {
	out := make([]string, 0, len(r.Summary))
	for m := range r.Summary {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Buckets returns the metric's bucket keys in time order, empty when the
// metric is absent.
func (r *Result) Buckets(metric string) []string {
	buckets := r.Summary[metric]
	out := make([]string, 0, len(buckets))
	for b := range buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		// Keys are decimal unix seconds; numeric order is time order.
		if len(out[i]) != len(out[j]) {
			return len(out[i]) < len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

func (r *Result) marshal() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

func unmarshalResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode analysis artifact: %w", err)
	}
	if r.Type != ResultType {
		return nil, fmt.Errorf("not an analysis artifact (type %q)", r.Type)
	}
	if r.Version > ResultVersion {
		return nil, fmt.Errorf("artifact version %d is newer than supported %d", r.Version, ResultVersion)
	}
	return &r, nil
}
