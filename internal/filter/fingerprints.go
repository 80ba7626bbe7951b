// Package filter reduces the detail records of an analysis artifact by
// relay-fingerprint and build-timeout predicates. The bucketed summary is
// never touched; filtering is a view over the per-transfer list.
package filter

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// FingerprintSet is a set of upper-case relay identity fingerprints.
type FingerprintSet map[string]bool

// Contains reports membership, case-insensitively.
func (s FingerprintSet) Contains(fp string) bool {
	return s[strings.ToUpper(fp)]
}

// isFingerprint reports whether fp is a 40-character hex relay identity.
func isFingerprint(fp string) bool {
	if len(fp) != 40 {
		return false
	}
	for _, c := range fp {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// LoadFingerprints reads a fingerprint list file: one 40-hex relay identity
// per line, blank lines and #-comments ignored. A malformed entry is fatal
// to the invocation, not skipped, so a typo cannot silently widen a filter.
func LoadFingerprints(path string) (FingerprintSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fingerprint file: %w", err)
	}
	defer func() { _ = f.Close() }()

	set := make(FingerprintSet)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !isFingerprint(line) {
			return nil, fmt.Errorf("%s:%d: malformed fingerprint %q", path, lineNo, line)
		}
		set[strings.ToUpper(line)] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read fingerprint file: %w", err)
	}
	return set, nil
}
