package summary

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/health"
	"github.com/p-blackswan/vault-agent/internal/models"
	"github.com/p-blackswan/vault-agent/internal/vault"
)

type memRecorder struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (m *memRecorder) Record(e models.AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *memRecorder) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

var th = health.Thresholds{StaleAfter: 5 * time.Minute, UnreachableAfter: 15 * time.Minute}

func newStore(t *testing.T, agent string) *vault.Store {
	t.Helper()
	st := vault.New(t.TempDir(), agent, nil, zerolog.Nop())
	require.NoError(t, st.Init())
	return st
}

func updateFiles(t *testing.T, st *vault.Store, agent string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(st.UpdatesPath(agent), "update_*.json"))
	require.NoError(t, err)
	return files
}

func TestNewWriter_OnlyWriterRole(t *testing.T) {
	st := newStore(t, "cloud")

	_, err := NewWriter(st, "cloud", "cloud", "local", th, nil, zerolog.Nop())
	assert.ErrorIs(t, err, perrors.ErrNotWriter)

	_, err = NewWriter(st, "cloud", "cloud", "", th, nil, zerolog.Nop())
	assert.ErrorIs(t, err, perrors.ErrNotWriter)

	w, err := NewWriter(st, "local", "local", "local", th, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, w)
}

func TestPublish_WritesUnderOwnAgent(t *testing.T) {
	st := newStore(t, "cloud")
	rec := &memRecorder{}
	p := NewPublisher(st, "cloud", rec, zerolog.Nop())

	require.NoError(t, p.Publish(models.Update{Type: "draft_created", ItemID: "A"}))
	require.NoError(t, p.Publish(models.Update{Type: "submitted", ItemID: "A"}))

	assert.Len(t, updateFiles(t, st, "cloud"), 2)
	assert.Empty(t, updateFiles(t, st, "local"))
	assert.Equal(t, []string{models.AuditUpdatePublish, models.AuditUpdatePublish}, rec.actions())

	// Publishing never touches the dashboard.
	_, err := os.Stat(st.SummaryPath())
	assert.True(t, os.IsNotExist(err))
}

func TestFold_ConsumesUpdates(t *testing.T) {
	st := newStore(t, "local")
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	cloud := NewPublisher(st, "cloud", nil, zerolog.Nop())
	require.NoError(t, cloud.Publish(models.Update{Type: "draft_created", ItemID: "A", Timestamp: base}))
	require.NoError(t, cloud.Publish(models.Update{Type: "submitted", ItemID: "A", Timestamp: base.Add(time.Minute),
		Data: map[string]string{"action": "email_send"}}))

	rec := &memRecorder{}
	w, err := NewWriter(st, "local", "local", "local", th, rec, zerolog.Nop())
	require.NoError(t, err)

	n, err := w.Fold()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, updateFiles(t, st, "cloud"))
	assert.Equal(t, []string{models.AuditUpdateFold}, rec.actions())

	data, err := os.ReadFile(st.SummaryPath())
	require.NoError(t, err)
	doc := string(data)
	assert.Contains(t, doc, "## Agents")
	assert.Contains(t, doc, "## Queue")
	assert.Contains(t, doc, "| Pending_Approval | 0 |")

	recent := readRecent(st.SummaryPath())
	require.Len(t, recent, 2)
	assert.Equal(t, "- 2026-03-01 09:01 cloud submitted A (action=email_send)", recent[0])
	assert.Equal(t, "- 2026-03-01 09:00 cloud draft_created A", recent[1])
}

func TestFold_Idempotent(t *testing.T) {
	st := newStore(t, "local")
	w, err := NewWriter(st, "local", "local", "local", th, nil, zerolog.Nop())
	require.NoError(t, err)

	_, err = w.Fold()
	require.NoError(t, err)
	info, err := os.Stat(st.SummaryPath())
	require.NoError(t, err)
	first, _ := os.ReadFile(st.SummaryPath())

	// Push mtime back so a rewrite would be visible.
	old := info.ModTime().Add(-time.Hour)
	require.NoError(t, os.Chtimes(st.SummaryPath(), old, old))

	n, err := w.Fold()
	require.NoError(t, err)
	assert.Zero(t, n)
	again, err := os.Stat(st.SummaryPath())
	require.NoError(t, err)
	assert.Equal(t, old.Unix(), again.ModTime().Unix())
	second, _ := os.ReadFile(st.SummaryPath())
	assert.Equal(t, first, second)
}

func TestFold_CapsRecentActivity(t *testing.T) {
	st := newStore(t, "local")
	p := NewPublisher(st, "cloud", nil, zerolog.Nop())
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < MaxRecent+10; i++ {
		require.NoError(t, p.Publish(models.Update{Type: "note", Timestamp: base.Add(time.Duration(i) * time.Minute)}))
	}

	w, err := NewWriter(st, "local", "local", "local", th, nil, zerolog.Nop())
	require.NoError(t, err)
	_, err = w.Fold()
	require.NoError(t, err)

	recent := readRecent(st.SummaryPath())
	assert.Len(t, recent, MaxRecent)
	assert.True(t, strings.HasPrefix(recent[0], "- 2026-03-01 00:59"))
}

func TestFold_KeepsEarlierActivity(t *testing.T) {
	st := newStore(t, "local")
	p := NewPublisher(st, "cloud", nil, zerolog.Nop())
	w, err := NewWriter(st, "local", "local", "local", th, nil, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, p.Publish(models.Update{Type: "first", Timestamp: time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)}))
	_, err = w.Fold()
	require.NoError(t, err)
	require.NoError(t, p.Publish(models.Update{Type: "second", Timestamp: time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)}))
	_, err = w.Fold()
	require.NoError(t, err)

	recent := readRecent(st.SummaryPath())
	require.Len(t, recent, 2)
	assert.Contains(t, recent[0], "second")
	assert.Contains(t, recent[1], "first")
}

func TestFold_DropsMalformedUpdate(t *testing.T) {
	st := newStore(t, "local")
	dir := st.UpdatesPath("cloud")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	bad := filepath.Join(dir, "update_bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))

	w, err := NewWriter(st, "local", "local", "local", th, nil, zerolog.Nop())
	require.NoError(t, err)
	n, err := w.Fold()
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = os.Stat(bad)
	assert.True(t, os.IsNotExist(err))
}

func TestFold_AgentsTable(t *testing.T) {
	st := newStore(t, "local")
	r := health.NewReporter(st, "cloud", zerolog.Nop())
	_, err := r.Emit()
	require.NoError(t, err)

	w, err := NewWriter(st, "local", "local", "local", th, nil, zerolog.Nop())
	require.NoError(t, err)
	_, err = w.Fold()
	require.NoError(t, err)

	data, err := os.ReadFile(st.SummaryPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "| cloud | healthy |")
}
