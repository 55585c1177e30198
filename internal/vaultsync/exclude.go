package vaultsync

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultExclude lists secrets and session material that must never be
// committed to the shared history.
var DefaultExclude = []string{
	".env",
	"*.env",
	".whatsapp_session",
	"*credentials*",
	"*secrets*",
	"*tokens*",
	"*.pem",
	"*.key",
}

// Excluder decides which vault paths may enter the shared history.
type Excluder struct {
	patterns []string
}

// NewExcluder combines DefaultExclude with extra doublestar patterns.
func NewExcluder(extra ...string) (*Excluder, error) {
	patterns := append([]string(nil), DefaultExclude...)
	for _, p := range extra {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid sync exclude pattern %q", p)
		}
		patterns = append(patterns, p)
	}
	return &Excluder{patterns: patterns}, nil
}

// Patterns returns the active patterns.
func (e *Excluder) Patterns() []string { return append([]string(nil), e.patterns...) }

// Excluded reports whether a slash-separated vault-relative path is
// excluded. Patterns without a slash match any single path segment, so
// "*tokens*" catches "Secrets/gmail_tokens/x.json" as well as "tokens.json".
func (e *Excluder) Excluded(p string) bool {
	p = path.Clean(filepath.ToSlash(p))
	segments := strings.Split(p, "/")
	for _, pattern := range e.patterns {
		if strings.Contains(pattern, "/") {
			if ok, _ := doublestar.Match(pattern, p); ok {
				return true
			}
			continue
		}
		for _, seg := range segments {
			if ok, _ := doublestar.Match(pattern, seg); ok {
				return true
			}
		}
	}
	return false
}

// Split partitions paths into those allowed in the shared history and
// those excluded.
func (e *Excluder) Split(paths []string) (allowed, excluded []string) {
	for _, p := range paths {
		if e.Excluded(p) {
			excluded = append(excluded, p)
		} else {
			allowed = append(allowed, p)
		}
	}
	return allowed, excluded
}

// WriteIgnore writes a .gitignore at root mirroring the patterns, so tools
// other than the agent respect the same boundary.
func (e *Excluder) WriteIgnore(root string) error {
	var b strings.Builder
	b.WriteString("# Managed by vault-agent. Secrets and sessions never sync.\n")
	for _, p := range e.patterns {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return os.WriteFile(filepath.Join(root, ".gitignore"), []byte(b.String()), 0o644)
}
