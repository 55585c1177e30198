// Package credentials checks that an adapter's credential material is
// present and fresh. It only stats files and never opens them.
package credentials

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	perrors "github.com/p-blackswan/vault-agent/internal/errors"
)

// Checker verifies credential files under a local secrets directory.
type Checker struct {
	dir    string
	maxAge time.Duration
	now    func() time.Time
}

// NewChecker creates a checker. A zero maxAge disables the freshness check.
func NewChecker(dir string, maxAge time.Duration) *Checker {
	return &Checker{dir: dir, maxAge: maxAge, now: time.Now}
}

// Check returns an ErrCredentials error when file is missing, empty or older
// than the maximum age. An empty file name means no credential is needed.
func (c *Checker) Check(file string) error {
	if file == "" {
		return nil
	}
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.dir, file)
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s missing", perrors.ErrCredentials, file)
		}
		return fmt.Errorf("%w: %s: %v", perrors.ErrCredentials, file, err)
	}
	if info.IsDir() {
		// Session directories (browser profiles) count as present if non-empty.
		entries, err := os.ReadDir(path)
		if err != nil || len(entries) == 0 {
			return fmt.Errorf("%w: %s is empty", perrors.ErrCredentials, file)
		}
	} else if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", perrors.ErrCredentials, file)
	}
	if c.maxAge > 0 {
		if age := c.now().Sub(info.ModTime()); age > c.maxAge {
			return fmt.Errorf("%w: %s is stale (%s old)", perrors.ErrCredentials, file, age.Round(time.Minute))
		}
	}
	return nil
}
