// Package reprocess runs the correlation engine over historical log-file
// pairs discovered by date across two directory trees.
package reprocess

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/torscope/torscope/internal/fileutil"
)

// Pair is one transfer-log/control-log pair sharing a date token. Label
// carries the transfer log's source-role variant ("onion", "inet"), empty
// for single-log layouts; it keeps sibling artifacts for one date apart.
type Pair struct {
	Date       string
	Label      string
	TGenPath   string
	TorctlPath string
}

var datePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

// dateToken extracts the first YYYY-MM-DD token from a filename, empty
// when absent.
func dateToken(name string) string {
	return datePattern.FindString(name)
}

// stripCompression removes container extensions so suffix matching sees
// the logical log name.
func stripCompression(name string) string {
	for fileutil.CodecForPath(name) != fileutil.CodecNone {
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return name
}

// labelOf extracts the variant between the date token and the log suffix.
func labelOf(name, date, suffix string) string {
	name = strings.TrimSuffix(stripCompression(name), suffix)
	if i := strings.Index(name, date); i >= 0 {
		name = name[i+len(date):]
	}
	return strings.Trim(name, "._-")
}

// findLogs walks root for client-role log files whose logical name ends in
// suffix and indexes them by date token. Server-side logs (".server." in
// the name) record the measurement's far end and never pair; undated files
// are skipped with a warning.
func findLogs(root, suffix string) (map[string][]string, error) {
	byDate := make(map[string][]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := stripCompression(d.Name())
		if !strings.HasSuffix(name, suffix) || strings.Contains(name, ".server.") {
			return nil
		}
		date := dateToken(name)
		if date == "" {
			slog.Warn("Skipping undated log file", "path", path)
			return nil
		}
		byDate[date] = append(byDate[date], path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	for _, paths := range byDate {
		sort.Strings(paths)
	}
	return byDate, nil
}

// DiscoverPairs scans the two trees and pairs each client transfer log
// with the control log sharing its date token, sorted by date then label.
// date, when non-empty, restricts the result to that one date. A file with
// no counterpart in the other tree is skipped and logged, never an error.
func DiscoverPairs(tgenDir, torctlDir, date string) ([]Pair, error) {
	tgenLogs, err := findLogs(tgenDir, ".tgen.log")
	if err != nil {
		return nil, err
	}
	torctlLogs, err := findLogs(torctlDir, ".torctl.log")
	if err != nil {
		return nil, err
	}

	var pairs []Pair
	for d, tgenPaths := range tgenLogs {
		if date != "" && d != date {
			continue
		}
		ctl, ok := torctlLogs[d]
		if !ok {
			slog.Warn("No control log for date, skipping", "date", d, "tgen", tgenPaths[0])
			continue
		}
		if len(ctl) > 1 {
			slog.Warn("Multiple control logs for date, using first", "date", d, "chosen", ctl[0])
		}
		seen := make(map[string]bool)
		for _, tgenPath := range tgenPaths {
			label := labelOf(filepath.Base(tgenPath), d, ".tgen.log")
			if seen[label] {
				slog.Warn("Duplicate transfer log for date, skipping", "date", d, "label", label, "skipped", tgenPath)
				continue
			}
			seen[label] = true
			pairs = append(pairs, Pair{Date: d, Label: label, TGenPath: tgenPath, TorctlPath: ctl[0]})
		}
	}
	for d, ctl := range torctlLogs {
		if date != "" && d != date {
			continue
		}
		if _, ok := tgenLogs[d]; !ok {
			slog.Warn("No transfer log for date, skipping", "date", d, "torctl", ctl[0])
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Date != pairs[j].Date {
			return pairs[i].Date < pairs[j].Date
		}
		return pairs[i].Label < pairs[j].Label
	})
	return pairs, nil
}
