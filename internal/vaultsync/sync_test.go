package vaultsync

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/models"
	"github.com/p-blackswan/vault-agent/internal/vault"
)

// fakeTransport models a working tree and a remote just well enough for the
// engine: commits clear changes and make local history ahead, pushes clear
// ahead.
type fakeTransport struct {
	changes   []string
	conflicts []string
	pushErrs  []error
	fetchErr  error
	ahead     bool

	calls     []string
	committed [][]string
	discarded []string
	resolved  map[string]bool
	aborted   bool

	itemsResolved []string
	// onMerge runs during Merge to simulate remote content arriving.
	onMerge func()
}

func (f *fakeTransport) Changes(context.Context) ([]string, error) {
	f.calls = append(f.calls, "changes")
	return append([]string(nil), f.changes...), nil
}

func (f *fakeTransport) Discard(_ context.Context, paths []string) error {
	f.calls = append(f.calls, "discard")
	f.discarded = append(f.discarded, paths...)
	var keep []string
	for _, c := range f.changes {
		drop := false
		for _, p := range paths {
			drop = drop || c == p
		}
		if !drop {
			keep = append(keep, c)
		}
	}
	f.changes = keep
	return nil
}

func (f *fakeTransport) Commit(_ context.Context, paths []string, _ string) (bool, error) {
	f.calls = append(f.calls, "commit")
	if len(paths) == 0 {
		return false, nil
	}
	f.committed = append(f.committed, paths)
	var keep []string
	for _, c := range f.changes {
		staged := false
		for _, p := range paths {
			staged = staged || c == p
		}
		if !staged {
			keep = append(keep, c)
		}
	}
	f.changes = keep
	f.ahead = true
	return true, nil
}

func (f *fakeTransport) Fetch(context.Context) error {
	f.calls = append(f.calls, "fetch")
	return f.fetchErr
}

func (f *fakeTransport) Merge(context.Context) ([]string, error) {
	f.calls = append(f.calls, "merge")
	if f.onMerge != nil {
		f.onMerge()
		f.onMerge = nil
	}
	c := f.conflicts
	f.conflicts = nil
	return c, nil
}

func (f *fakeTransport) Resolve(_ context.Context, path string, theirs bool) error {
	f.calls = append(f.calls, "resolve")
	if f.resolved == nil {
		f.resolved = make(map[string]bool)
	}
	f.resolved[path] = theirs
	return nil
}

func (f *fakeTransport) ResolveItem(_ context.Context, path string) error {
	f.calls = append(f.calls, "resolve_item")
	f.itemsResolved = append(f.itemsResolved, path)
	return nil
}

func (f *fakeTransport) Conclude(context.Context, string) error {
	f.calls = append(f.calls, "conclude")
	f.ahead = true
	return nil
}

func (f *fakeTransport) AbortMerge(context.Context) error {
	f.calls = append(f.calls, "abort")
	f.aborted = true
	return nil
}

func (f *fakeTransport) Ahead(context.Context) (bool, error) { return f.ahead, nil }

func (f *fakeTransport) Push(context.Context) error {
	f.calls = append(f.calls, "push")
	if len(f.pushErrs) > 0 {
		err := f.pushErrs[0]
		f.pushErrs = f.pushErrs[1:]
		return err
	}
	f.ahead = false
	return nil
}

func (f *fakeTransport) count(call string) int {
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

type memRecorder struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (m *memRecorder) Record(e models.AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *memRecorder) count(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

type countingEscalator struct{ n int }

func (c *countingEscalator) Escalate(context.Context, string, models.Item, perrors.Class, error) models.Item {
	c.n++
	return models.Item{}
}

type fixture struct {
	store *vault.Store
	tr    *fakeTransport
	rec   *memRecorder
	esc   *countingEscalator
	eng   *Engine
}

func newFixture(t *testing.T, agent, role string) *fixture {
	t.Helper()
	st := vault.New(t.TempDir(), agent, nil, zerolog.Nop())
	require.NoError(t, st.Init())
	tr := &fakeTransport{}
	rec := &memRecorder{}
	esc := &countingEscalator{}
	eng := New(Config{Agent: agent, Role: role, WriterRole: "local", PushRetries: 3, RetryDelay: time.Millisecond},
		tr, st, nil, rec, esc, zerolog.Nop())
	return &fixture{store: st, tr: tr, rec: rec, esc: esc, eng: eng}
}

func TestCycle_CommitsOncePerCycleAndPushes(t *testing.T) {
	f := newFixture(t, "cloud", "cloud")
	f.tr.changes = []string{"Needs_Action/A.md", "In_Progress/cloud/B.md", "Updates/cloud/update_1.json"}

	res, err := f.eng.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.True(t, res.Pushed)
	require.Len(t, f.tr.committed, 1)
	assert.Len(t, f.tr.committed[0], 3)
	assert.Equal(t, []string{"changes", "commit", "fetch", "merge", "push"}, f.tr.calls)

	status := f.eng.Status()
	assert.Equal(t, StatusOK, status.Status)
	assert.False(t, status.LastSync.IsZero())
}

func TestCycle_Idempotent(t *testing.T) {
	f := newFixture(t, "cloud", "cloud")
	f.tr.changes = []string{"Needs_Action/A.md"}
	_, err := f.eng.Cycle(context.Background())
	require.NoError(t, err)

	var cycles []string
	f.eng.OnCycle = func(r string) { cycles = append(cycles, r) }
	for i := 0; i < 2; i++ {
		res, err := f.eng.Cycle(context.Background())
		require.NoError(t, err)
		assert.False(t, res.Changed())
	}
	assert.Len(t, f.tr.committed, 1)
	assert.Equal(t, 1, f.tr.count("push"))
	assert.Equal(t, []string{"noop", "noop"}, cycles)
	assert.Zero(t, len(f.rec.entries), "no-op cycles must not write audit records")
}

func TestCycle_ExcludesSecrets(t *testing.T) {
	f := newFixture(t, "local", "local")
	f.tr.changes = []string{".env", "Done/X.md", "secrets/bank.json", "config/gmail_tokens.json", "id.pem"}

	res, err := f.eng.Cycle(context.Background())
	require.NoError(t, err)
	require.Len(t, f.tr.committed, 1)
	assert.Equal(t, []string{"Done/X.md"}, f.tr.committed[0])
	assert.Len(t, res.Excluded, 4)
	assert.Equal(t, 4, f.rec.count(models.AuditSyncExclude))

	// Still excluded next cycle, audited once.
	_, err = f.eng.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, f.rec.count(models.AuditSyncExclude))
}

func TestCycle_NonWriterDiscardsSummaryEdit(t *testing.T) {
	f := newFixture(t, "cloud", "cloud")
	f.tr.changes = []string{vault.SummaryFile, "Needs_Action/A.md"}

	res, err := f.eng.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{vault.SummaryFile}, res.Discarded)
	assert.Equal(t, []string{vault.SummaryFile}, f.tr.discarded)
	assert.Equal(t, []string{"Needs_Action/A.md"}, f.tr.committed[0])
	assert.Equal(t, 1, f.rec.count(models.AuditSyncDiscard))
}

func TestCycle_WriterCommitsSummary(t *testing.T) {
	f := newFixture(t, "local", "local")
	f.tr.changes = []string{vault.SummaryFile}

	_, err := f.eng.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{vault.SummaryFile}, f.tr.committed[0])
	assert.Empty(t, f.tr.discarded)
}

func TestCycle_SummaryConflict(t *testing.T) {
	t.Run("non-writer takes remote", func(t *testing.T) {
		f := newFixture(t, "cloud", "cloud")
		f.tr.conflicts = []string{vault.SummaryFile}
		res, err := f.eng.Cycle(context.Background())
		require.NoError(t, err)
		assert.True(t, f.tr.resolved[vault.SummaryFile])
		assert.Equal(t, []string{vault.SummaryFile}, res.Resolved)
		assert.Equal(t, 1, f.tr.count("conclude"))
		assert.True(t, res.Pushed)
		assert.Equal(t, 1, f.rec.count(models.AuditSyncDiscard))
	})
	t.Run("writer keeps its own", func(t *testing.T) {
		f := newFixture(t, "local", "local")
		f.tr.conflicts = []string{vault.SummaryFile}
		_, err := f.eng.Cycle(context.Background())
		require.NoError(t, err)
		assert.False(t, f.tr.resolved[vault.SummaryFile])
	})
}

func TestCycle_ItemConflictsResolvedInMerge(t *testing.T) {
	f := newFixture(t, "local", "local")
	f.tr.conflicts = []string{"Needs_Action/FILE_x.md", vault.SummaryFile, "In_Progress/cloud/FILE_x.md"}

	res, err := f.eng.Cycle(context.Background())
	require.NoError(t, err)
	assert.False(t, f.tr.aborted)
	assert.Equal(t, []string{"Needs_Action/FILE_x.md", "In_Progress/cloud/FILE_x.md"}, f.tr.itemsResolved)
	assert.False(t, f.tr.resolved[vault.SummaryFile])
	assert.Len(t, res.Resolved, 3)
	assert.Equal(t, 1, f.tr.count("conclude"))
	assert.Equal(t, StatusOK, f.eng.Status().Status)
}

func TestIsItemPath(t *testing.T) {
	assert.True(t, isItemPath("Needs_Action/A.md"))
	assert.True(t, isItemPath("In_Progress/cloud/A.md"))
	assert.True(t, isItemPath("Dead_Letter/A.md"))
	assert.False(t, isItemPath("Inbox/A.md"))
	assert.False(t, isItemPath("Updates/cloud/update_1.json"))
	assert.False(t, isItemPath("Dashboard.md"))
	assert.False(t, isItemPath("notes/A.md"))
	assert.False(t, isItemPath("In_Progress/A.md"))
}

func TestCycle_OtherConflictAbortsAndEscalatesOnce(t *testing.T) {
	f := newFixture(t, "cloud", "cloud")
	f.tr.conflicts = []string{"notes/A.md", vault.SummaryFile}

	_, err := f.eng.Cycle(context.Background())
	require.ErrorIs(t, err, perrors.ErrSyncConflict)
	assert.True(t, f.tr.aborted)
	assert.Zero(t, f.tr.count("push"))
	assert.Equal(t, StatusConflict, f.eng.Status().Status)
	assert.Equal(t, 1, f.esc.n)

	f.tr.conflicts = []string{"notes/A.md"}
	_, err = f.eng.Cycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, f.esc.n, "one escalation per failure streak")

	_, err = f.eng.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, f.eng.Status().Status)
}

func TestCycle_PushRejectedRefetchesAndRetries(t *testing.T) {
	f := newFixture(t, "cloud", "cloud")
	f.tr.changes = []string{"Done/A.md"}
	f.tr.pushErrs = []error{perrors.ErrPushRejected}

	res, err := f.eng.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Pushed)
	assert.Equal(t, 2, f.tr.count("push"))
	assert.Equal(t, 2, f.tr.count("fetch"))
	assert.Equal(t, 2, f.tr.count("merge"))
}

func TestCycle_PushRetriesBounded(t *testing.T) {
	f := newFixture(t, "cloud", "cloud")
	f.tr.changes = []string{"Done/A.md"}
	f.tr.pushErrs = []error{perrors.ErrPushRejected, perrors.ErrPushRejected, perrors.ErrPushRejected, perrors.ErrPushRejected}

	_, err := f.eng.Cycle(context.Background())
	require.ErrorIs(t, err, perrors.ErrPushRejected)
	assert.Equal(t, 3, f.tr.count("push"))
	assert.Equal(t, StatusDegraded, f.eng.Status().Status)
	assert.Zero(t, f.esc.n)
}

func TestCycle_FetchFailuresEscalateAfterStreak(t *testing.T) {
	f := newFixture(t, "cloud", "cloud")
	f.tr.fetchErr = perrors.ErrUnavailable

	for i := 0; i < escalateAfter+1; i++ {
		_, err := f.eng.Cycle(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, 1, f.esc.n)
	assert.Equal(t, escalateAfter+1, f.rec.count(models.AuditSync))
}

func TestCycle_ResolvesDuplicateClaims(t *testing.T) {
	f := newFixture(t, "local", "local")
	item := models.Item{ID: "FILE_x", Kind: models.KindInboundSignal, Domain: "business", Body: "x"}
	_, err := f.store.Create(item, models.StateNeedsAction)
	require.NoError(t, err)
	require.NoError(t, f.store.Relocate("FILE_x", models.StateNeedsAction, models.InProgress("local")))

	// The merge brings in cloud's offline claim of the same item.
	f.tr.onMerge = func() {
		data, err := os.ReadFile(f.store.Path(models.InProgress("local"), "FILE_x"))
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(f.store.Dir(models.InProgress("cloud")), 0o755))
		require.NoError(t, os.WriteFile(f.store.Path(models.InProgress("cloud"), "FILE_x"), data, 0o644))
	}

	res, err := f.eng.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"FILE_x"}, res.Duplicates)
	assert.FileExists(t, f.store.Path(models.InProgress("cloud"), "FILE_x"))
	assert.NoFileExists(t, f.store.Path(models.InProgress("local"), "FILE_x"))
	assert.Equal(t, 1, f.rec.count(models.AuditClaimLost))
	assert.Contains(t, f.tr.committed, []string{"In_Progress/local/FILE_x.md"}, "the removal is committed in the same cycle")
}

func TestCycle_DuplicateKeepsFurthestState(t *testing.T) {
	f := newFixture(t, "cloud", "cloud")
	item := models.Item{ID: "REQ_1", Kind: models.KindInboundSignal, Domain: "business"}
	_, err := f.store.Create(item, models.StateDone)
	require.NoError(t, err)
	f.tr.onMerge = func() {
		data, _ := os.ReadFile(f.store.Path(models.StateDone, "REQ_1"))
		require.NoError(t, os.WriteFile(f.store.Path(models.StateApproved, "REQ_1"), data, 0o644))
	}

	_, err = f.eng.Cycle(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, f.store.Path(models.StateDone, "REQ_1"))
	assert.NoFileExists(t, f.store.Path(models.StateApproved, "REQ_1"))
	assert.Equal(t, 1, f.rec.count(models.AuditSyncDiscard))
}
