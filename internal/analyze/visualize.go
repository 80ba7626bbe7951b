package analyze

import (
	"fmt"
	"io"
	"sort"
)

// WriteSummaryTable emits the bucketed summary as tab-separated lines for
// downstream consumers: metric, bucket start, count, then the percentile
// ladder (or the error histogram for the errors metric). Rendering plots is
// out of scope; this is the iterate-buckets surface.
func WriteSummaryTable(w io.Writer, r *Result) error {
	for _, metric := range r.Metrics() {
		for _, bucket := range r.Buckets(metric) {
			stat := r.Summary[metric][bucket]
			at, err := BucketTime(bucket)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "%s\t%s\t%d", metric, at.Format("2006-01-02T15:04:05Z"), stat.Count); err != nil {
				return err
			}
			if stat.Errors != nil {
				for _, code := range sortedKeys(stat.Errors) {
					if _, err := fmt.Fprintf(w, "\t%s=%d", code, stat.Errors[code]); err != nil {
						return err
					}
				}
			} else {
				for _, p := range PercentileLadder {
					key := fmt.Sprintf("p%d", p)
					if _, err := fmt.Fprintf(w, "\t%s=%.6f", key, stat.Percentiles[key]); err != nil {
						return err
					}
				}
			}
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
