package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/p-blackswan/vault-agent/internal/models"
)

// Filter selects audit entries. Zero fields match everything.
type Filter struct {
	Agent  string
	ItemID string
	Action string
	Since  time.Time
	Until  time.Time
	Limit  int
}

func (f Filter) match(e models.AuditEntry) bool {
	if f.Agent != "" && e.Agent != f.Agent {
		return false
	}
	if f.ItemID != "" && e.ItemID != f.ItemID {
		return false
	}
	if f.Action != "" && e.Action != f.Action && !strings.HasPrefix(e.Action, f.Action+".") {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Reader queries the audit files of every agent in the vault.
type Reader struct {
	root string
}

// NewReader creates a reader over root, the vault's Audit directory.
func NewReader(root string) *Reader {
	return &Reader{root: root}
}

// Query returns matching entries in timestamp order. With a Limit the most
// recent entries are kept.
func (r *Reader) Query(f Filter) ([]models.AuditEntry, error) {
	files, err := r.files(f)
	if err != nil {
		return nil, err
	}

	var out []models.AuditEntry
	for _, path := range files {
		if err := scanFile(path, func(e models.AuditEntry) {
			if f.match(e) {
				out = append(out, e)
			}
		}); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// LastActivity returns, per item id, the latest audit timestamp at or after
// since across all agents.
func (r *Reader) LastActivity(since time.Time) (map[string]time.Time, error) {
	files, err := r.files(Filter{Since: since})
	if err != nil {
		return nil, err
	}
	last := make(map[string]time.Time)
	for _, path := range files {
		if err := scanFile(path, func(e models.AuditEntry) {
			if e.ItemID == "" || e.Timestamp.Before(since) {
				return
			}
			if e.Timestamp.After(last[e.ItemID]) {
				last[e.ItemID] = e.Timestamp
			}
		}); err != nil {
			return nil, err
		}
	}
	return last, nil
}

// files lists day files that can hold entries in the filter's window.
func (r *Reader) files(f Filter) ([]string, error) {
	agents, err := os.ReadDir(r.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var since, until string
	if !f.Since.IsZero() {
		since = f.Since.UTC().Format(dayLayout)
	}
	if !f.Until.IsZero() {
		until = f.Until.UTC().Format(dayLayout)
	}

	var files []string
	for _, a := range agents {
		if !a.IsDir() || (f.Agent != "" && a.Name() != f.Agent) {
			continue
		}
		days, err := os.ReadDir(filepath.Join(r.root, a.Name()))
		if err != nil {
			return nil, err
		}
		for _, d := range days {
			day, ok := strings.CutSuffix(d.Name(), ".jsonl")
			if !ok || d.IsDir() {
				continue
			}
			if (since != "" && day < since) || (until != "" && day > until) {
				continue
			}
			files = append(files, filepath.Join(r.root, a.Name(), d.Name()))
		}
	}
	return files, nil
}

// scanFile decodes every line of path. A torn final line from a concurrent
// append or a sync merge is skipped.
func scanFile(path string, fn func(models.AuditEntry)) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e models.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		fn(e)
	}
	return sc.Err()
}
