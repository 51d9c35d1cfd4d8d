package training

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// MetricsFile is the per-epoch results table written by YOLO trainers.
const MetricsFile = "results.csv"

// FindArtifacts returns files under root whose slash-separated relative
// path matches pattern. A "**" segment matches any number of directories.
func FindArtifacts(root, pattern string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if MatchGlob(pattern, filepath.ToSlash(rel)) {
			found = append(found, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search artifacts: %w", err)
	}
	sort.Strings(found)
	return found, nil
}

// MatchGlob matches a slash-separated name against a pattern in which each
// segment follows path.Match and "**" spans zero or more segments.
func MatchGlob(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			for i := 0; i <= len(name); i++ {
				if matchSegments(pattern[1:], name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], name[0])
		if err != nil || !ok {
			return false
		}
		pattern, name = pattern[1:], name[1:]
	}
	return len(name) == 0
}

// ReadMetrics returns the last row of a results table keyed by the trimmed
// column names. Non-numeric cells are skipped.
func ReadMetrics(file string) (map[string]float64, error) {
	f, err := os.Open(file) // #nosec G304 - file is located under the training output directory
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", file, err)
	}
	if len(rows) < 2 {
		return map[string]float64{}, nil
	}

	header, last := rows[0], rows[len(rows)-1]
	metrics := make(map[string]float64, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == "" || i >= len(last) {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(last[i]), 64)
		if err != nil {
			continue
		}
		metrics[name] = v
	}
	return metrics, nil
}
