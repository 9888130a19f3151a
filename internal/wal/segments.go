package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

var segmentNameRe = regexp.MustCompile(`^billing-wal-(\d{20})\.jsonl$`)

// ListSegments returns every WAL segment file under dir, lexicographically
// ordered, which by construction of the filename token is also creation
// order. A missing directory is not an error: it just has no segments yet.
func ListSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: read dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if segmentNameRe.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

func tokenFromPath(path string) string {
	m := segmentNameRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return ""
	}
	return m[1]
}

func segmentName(token string) string {
	return fmt.Sprintf("billing-wal-%s.jsonl", token)
}
