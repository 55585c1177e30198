package summary

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/health"
	"github.com/p-blackswan/vault-agent/internal/models"
	"github.com/p-blackswan/vault-agent/internal/vault"
)

// MaxRecent caps the Recent Activity section.
const MaxRecent = 50

const recentHeader = "## Recent Activity"

// Writer folds updates into Dashboard.md. It exists only in the writer
// role's process.
type Writer struct {
	store      *vault.Store
	agent      string
	recorder   vault.Recorder
	thresholds health.Thresholds
	logger     zerolog.Logger
	now        func() time.Time
}

// NewWriter returns a Writer when role is the designated writer role and
// ErrNotWriter otherwise.
func NewWriter(st *vault.Store, agent, role, writerRole string, th health.Thresholds, recorder vault.Recorder, logger zerolog.Logger) (*Writer, error) {
	if writerRole == "" || role != writerRole {
		return nil, fmt.Errorf("role %q (writer is %q): %w", role, writerRole, perrors.ErrNotWriter)
	}
	return &Writer{
		store:      st,
		agent:      agent,
		recorder:   recorder,
		thresholds: th,
		logger:     logger.With().Str("component", "summary").Logger(),
		now:        time.Now,
	}, nil
}

type pendingUpdate struct {
	path   string
	update models.Update
}

// Fold consumes every pending update, re-renders the dashboard and deletes
// the consumed files. The dashboard is only rewritten when its content
// changes. It returns the number of updates folded.
func (w *Writer) Fold() (int, error) {
	pending, err := w.pending()
	if err != nil {
		return 0, err
	}

	recent := readRecent(w.store.SummaryPath())
	var fresh []string
	for _, p := range pending {
		fresh = append(fresh, activityLine(p.update))
	}
	// Newest first.
	for i, j := 0, len(fresh)-1; i < j; i, j = i+1, j-1 {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	}
	recent = append(fresh, recent...)
	if len(recent) > MaxRecent {
		recent = recent[:MaxRecent]
	}

	agents, err := health.Assess(w.store, w.now(), w.thresholds)
	if err != nil {
		return 0, fmt.Errorf("assessing agents: %w", err)
	}
	doc := w.render(agents, recent)

	current, err := os.ReadFile(w.store.SummaryPath())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, err
	}
	if !bytes.Equal(current, doc) {
		if err := vault.WriteAtomic(w.store.SummaryPath(), doc); err != nil {
			return 0, fmt.Errorf("writing dashboard: %w", err)
		}
	}

	for _, p := range pending {
		if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn().Err(err).Str("path", p.path).Msg("removing folded update")
		}
	}
	if len(pending) > 0 {
		if w.recorder != nil {
			w.recorder.Record(models.AuditEntry{
				Agent:     w.agent,
				Component: "summary",
				Action:    models.AuditUpdateFold,
				Params:    map[string]string{"updates": fmt.Sprint(len(pending))},
				Outcome:   models.OutcomeSuccess,
			})
		}
		w.logger.Info().Int("updates", len(pending)).Msg("dashboard updated")
	}
	return len(pending), nil
}

// pending reads update files from every agent, oldest first. Unparseable
// files are removed since they can never be folded.
func (w *Writer) pending() ([]pendingUpdate, error) {
	root := filepath.Join(w.store.Root(), vault.UpdatesDir)
	dirs, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []pendingUpdate
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		files, err := filepath.Glob(filepath.Join(root, d.Name(), updatePrefix+"*.json"))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				continue
			}
			var u models.Update
			if err := json.Unmarshal(data, &u); err != nil {
				w.logger.Warn().Err(err).Str("path", f).Msg("dropping malformed update")
				os.Remove(f)
				continue
			}
			if u.Agent == "" {
				u.Agent = d.Name()
			}
			out = append(out, pendingUpdate{path: f, update: u})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].update.Timestamp.Equal(out[j].update.Timestamp) {
			return out[i].update.Timestamp.Before(out[j].update.Timestamp)
		}
		return out[i].path < out[j].path
	})
	return out, nil
}

func activityLine(u models.Update) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- %s %s %s", u.Timestamp.UTC().Format("2006-01-02 15:04"), u.Agent, u.Type)
	if u.ItemID != "" {
		fmt.Fprintf(&b, " %s", u.ItemID)
	}
	if len(u.Data) > 0 {
		keys := make([]string, 0, len(u.Data))
		for k := range u.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + u.Data[k]
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	return b.String()
}

// readRecent returns the existing Recent Activity lines.
func readRecent(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	in := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == recentHeader:
			in = true
		case in && strings.HasPrefix(line, "## "):
			in = false
		case in && strings.HasPrefix(line, "- "):
			lines = append(lines, line)
		}
	}
	return lines
}

func (w *Writer) render(agents []health.AgentHealth, recent []string) []byte {
	var b bytes.Buffer
	b.WriteString("# Dashboard\n\n")
	fmt.Fprintf(&b, "_Maintained by %s. Other agents publish to %s/<agent>/._\n\n", w.agent, vault.UpdatesDir)

	b.WriteString("## Agents\n\n")
	b.WriteString("| Agent | Health | Last signal | Owned | Pending approval | Last sync |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, a := range agents {
		signal, lastSync := "never", "never"
		if !a.Signal.Timestamp.IsZero() {
			signal = a.Signal.Timestamp.UTC().Format(time.RFC3339)
		}
		if !a.Signal.Sync.LastSync.IsZero() {
			lastSync = a.Signal.Sync.LastSync.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %d | %d | %s |\n",
			a.Agent, a.Class, signal, a.Signal.Tasks.Owned, a.Signal.Tasks.PendingApproval, lastSync)
	}

	b.WriteString("\n## Queue\n\n")
	b.WriteString("| State | Items |\n|---|---|\n")
	for _, st := range w.store.States() {
		if st == models.StateInbox {
			continue
		}
		fmt.Fprintf(&b, "| %s | %d |\n", st, w.store.Count(st))
	}

	b.WriteString("\n" + recentHeader + "\n\n")
	for _, line := range recent {
		b.WriteString(line + "\n")
	}
	return b.Bytes()
}
