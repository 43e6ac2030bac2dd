// Package artifacts owns the on-disk layout for raw probe exchanges. Probe
// rows store paths relative to the base directory so the artifact root can
// move without rewriting rows.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Store struct {
	base string
}

func NewStore(base string) *Store { return &Store{base: base} }

func (s *Store) Base() string { return s.base }

// Slug lowercases and collapses everything non-alphanumeric to dashes.
func Slug(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(value) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "item"
	}
	return slug
}

// URLSlug flattens a URL into a filename-safe slug.
func URLSlug(url string) string {
	return Slug(strings.ReplaceAll(strings.ReplaceAll(url, "://", "-"), "/", "-"))
}

// WriteResponse stores one raw exchange under responses/attempt{N}/, or its
// blacklist/ subfolder for synthetic entries, and returns the relative path.
func (s *Store) WriteResponse(attempt int, url, host, content string, blacklisted bool) (string, error) {
	dir := filepath.Join("responses", fmt.Sprintf("attempt%d", attempt))
	if blacklisted {
		dir = filepath.Join(dir, "blacklist")
	}
	hostSlug := host
	if hostSlug == "" {
		hostSlug = "host"
	}
	rel := filepath.Join(dir, URLSlug(url)+"__"+Slug(hostSlug)+".txt")
	if err := s.write(rel, content); err != nil {
		return "", err
	}
	return rel, nil
}

// WriteSequence stores a sequence-leg dump under sequence/run_{id}/.
func (s *Store) WriteSequence(runID int64, index int, requestType, content string) (string, error) {
	rel := filepath.Join("sequence", fmt.Sprintf("run_%d", runID), fmt.Sprintf("%d_%s.txt", index, requestType))
	if err := s.write(rel, content); err != nil {
		return "", err
	}
	return rel, nil
}

// ImportsDir returns the absolute per-run input-list directory.
func (s *Store) ImportsDir(runID int64) string {
	return filepath.Join(s.base, "imports", fmt.Sprintf("run_%d", runID))
}

// ReadImport reads one input file of a run, returning trimmed non-empty lines.
func (s *Store) ReadImport(runID int64, name string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.ImportsDir(runID), name))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// WriteImport stores one input file for a run.
func (s *Store) WriteImport(runID int64, name, content string) error {
	return s.write(filepath.Join("imports", fmt.Sprintf("run_%d", runID), name), content)
}

func (s *Store) write(rel, content string) error {
	abs := filepath.Join(s.base, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("mkdir artifact dir: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}
