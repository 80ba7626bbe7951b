package filter

import (
	"log/slog"

	"github.com/torscope/torscope/internal/analyze"
)

// Criteria selects which detail records survive filtering. Nil sets
// disable the corresponding predicate.
type Criteria struct {
	// Include, when non-nil, keeps only transfers whose entire circuit
	// path lies inside the set.
	Include FingerprintSet
	// Exclude drops any transfer whose path contains a member.
	Exclude FingerprintSet
	// RequireBuildTimeoutKnown drops transfers whose circuit was launched
	// before the adaptive build timeout had been computed.
	RequireBuildTimeoutKnown bool
}

// keep applies the predicates to one detail record. A transfer with no
// known circuit has an empty path, which trivially satisfies the
// fingerprint predicates.
func (c *Criteria) keep(d *analyze.TransferDetail) bool {
	if c.RequireBuildTimeoutKnown && !d.BuildTimeoutKnown {
		return false
	}
	for _, fp := range d.Path {
		if c.Exclude != nil && c.Exclude.Contains(fp) {
			return false
		}
		if c.Include != nil && !c.Include.Contains(fp) {
			return false
		}
	}
	return true
}

// Apply reduces the artifact's detail list in place per the criteria. The
// summary and transfer-id list describe the analysis the artifact was
// reduced from and stay untouched.
func Apply(r *analyze.Result, c Criteria) {
	if len(r.Transfers) == 0 {
		return
	}
	kept := r.Transfers[:0]
	for i := range r.Transfers {
		if c.keep(&r.Transfers[i]) {
			kept = append(kept, r.Transfers[i])
		}
	}
	removed := len(r.Transfers) - len(kept)
	r.Transfers = kept
	slog.Info("Filtered analysis artifact", "kept", len(kept), "removed", removed)
}

// Run loads an artifact, applies the criteria, and writes the result.
// Input and output may name the same file; the write is atomic.
func Run(inputPath, outputPath string, c Criteria) error {
	r, err := analyze.Load(inputPath)
	if err != nil {
		return err
	}
	Apply(r, c)
	return r.Save(outputPath)
}
