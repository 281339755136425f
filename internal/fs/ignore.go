package fs

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// defaultIgnorePatterns hide the ignore file itself from listings and ingestion.
var defaultIgnorePatterns = []string{IgnoreFileName}

type ignorePattern struct {
	glob      string
	matchPath bool // match the whole relative path instead of the basename
	negate    bool // "!" prefix re-includes what an earlier pattern excluded
}

// IgnoreMatcher decides which upload-root entries are hidden.
// Patterns without '/' match the basename, patterns with '/' match the path
// from the upload root. The last matching pattern wins, so "!keep.iso" after
// "*.iso" re-includes one file.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher skips blank lines and '#' comments.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	var patterns []ignorePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		p := ignorePattern{}
		if rest, ok := strings.CutPrefix(raw, "!"); ok {
			p.negate = true
			raw = rest
		}
		raw = strings.TrimPrefix(raw, "/")
		if _, err := filepath.Match(raw, ""); err != nil || raw == "" {
			continue
		}
		p.glob = raw
		p.matchPath = strings.Contains(raw, "/")
		patterns = append(patterns, p)
	}
	return &IgnoreMatcher{patterns: patterns}
}

// Match reports whether relativePath is ignored.
func (m *IgnoreMatcher) Match(relativePath string) bool {
	if relativePath == "" {
		return false
	}
	normalized := filepath.ToSlash(relativePath)
	basename := filepath.Base(relativePath)

	ignored := false
	for _, p := range m.patterns {
		subject := basename
		if p.matchPath {
			subject = normalized
		}
		if ok, _ := filepath.Match(p.glob, subject); ok {
			ignored = !p.negate
		}
	}
	return ignored
}

// ParseIgnoreFile returns the raw lines of an ignore file, or nil if it
// does not exist.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return lines, nil
}
