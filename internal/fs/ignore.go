package fs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreFileName is the per-root file listing extra exclusion globs.
const IgnoreFileName = ".filesenseignore"

// ParseIgnoreFile reads an ignore file and returns its patterns.
// Blank lines and lines starting with '#' are dropped.
// Returns nil and no error if the file does not exist.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}

// LoadIgnorePatterns merges configured patterns with the ignore file of every
// root, dropping duplicates and keeping first-seen order.
func LoadIgnorePatterns(configured []string, roots []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(patterns []string) {
		for _, p := range patterns {
			p = strings.TrimSpace(p)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}

	add(configured)
	for _, root := range roots {
		patterns, err := ParseIgnoreFile(filepath.Join(root, IgnoreFileName))
		if err != nil {
			return nil, fmt.Errorf("root %s: %w", root, err)
		}
		add(patterns)
	}
	return out, nil
}
