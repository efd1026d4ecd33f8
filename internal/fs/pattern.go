package fs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ProtectFile is read from the root of a destination folder; each line is a
// pattern naming files that packages should not overwrite.
const ProtectFile = ".modprotect"

// pattern is a parsed glob with its matching strategy.
type pattern struct {
	glob      string
	matchPath bool // true = match against relative path; false = match against basename only
}

// PatternMatcher checks destination-relative paths against glob patterns.
// Patterns without '/' match against the file's basename only.
// Patterns with '/' match against the full relative path, and also match
// everything below a matching directory.
type PatternMatcher struct {
	patterns []pattern
}

// NewPatternMatcher creates a PatternMatcher from raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewPatternMatcher(raw ...[]string) *PatternMatcher {
	var patterns []pattern
	for _, list := range raw {
		for _, r := range list {
			r = strings.TrimSpace(filepath.ToSlash(r))
			if r == "" || strings.HasPrefix(r, "#") {
				continue
			}
			patterns = append(patterns, pattern{
				glob:      strings.TrimSuffix(r, "/"),
				matchPath: strings.Contains(r, "/"),
			})
		}
	}
	return &PatternMatcher{patterns: patterns}
}

// Empty reports whether the matcher has no patterns.
func (m *PatternMatcher) Empty() bool { return m == nil || len(m.patterns) == 0 }

// Match reports whether relativePath is covered by any pattern.
func (m *PatternMatcher) Match(relativePath string) bool {
	if m.Empty() || relativePath == "" {
		return false
	}

	normalized := filepath.ToSlash(relativePath)
	basename := filepath.Base(relativePath)

	for _, p := range m.patterns {
		if p.matchPath {
			if matchPathOrParent(p.glob, normalized) {
				return true
			}
			continue
		}
		if ok, err := filepath.Match(p.glob, basename); err == nil && ok {
			return true
		}
	}
	return false
}

func matchPathOrParent(glob, p string) bool {
	for {
		// Bad patterns never match.
		if ok, err := filepath.Match(glob, p); err == nil && ok {
			return true
		}
		i := strings.LastIndex(p, "/")
		if i < 0 {
			return false
		}
		p = p[:i]
	}
}

// ReadPatternFile reads a pattern file and returns its raw lines.
// Returns nil and no error if the file does not exist.
func ReadPatternFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening pattern file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading pattern file: %w", err)
	}
	return lines, nil
}
