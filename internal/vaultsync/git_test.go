package vaultsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/executil"
)

func TestParsePorcelain(t *testing.T) {
	out := " M Dashboard.md\x00?? Needs_Action/A.md\x00R  Done/B.md\x00Approved/B.md\x00"
	assert.Equal(t, []string{"Dashboard.md", "Needs_Action/A.md", "Done/B.md", "Approved/B.md"}, parsePorcelain([]byte(out)))
	assert.Empty(t, parsePorcelain(nil))
}

func TestGit_CommitStagesOnlyGivenPaths(t *testing.T) {
	rec := &executil.RecordingExecutor{Errors: map[string]error{"git diff": errors.New("exit status 1")}}
	g := NewGit(rec, "/vault", "origin", "main")

	ok, err := g.Commit(context.Background(), []string{"Done/A.md", "Audit/cloud/2026-02-01.jsonl"}, "vault sync cloud")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{
		"git add -A -- Done/A.md Audit/cloud/2026-02-01.jsonl",
		"git diff --cached --quiet",
		"git commit --no-verify -m vault sync cloud",
	}, rec.Lines())
	assert.Equal(t, "/vault", rec.Commands[0].Dir)
}

func TestGit_CommitNothingStaged(t *testing.T) {
	rec := &executil.RecordingExecutor{}
	g := NewGit(rec, "/vault", "origin", "main")
	ok, err := g.Commit(context.Background(), []string{"Done/A.md"}, "m")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, rec.Commands, 2)

	ok, err = g.Commit(context.Background(), nil, "m")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, rec.Commands, 2)
}

func TestGit_PushClassifiesRejection(t *testing.T) {
	rec := &executil.RecordingExecutor{Errors: map[string]error{
		"git push": errors.New("exec git push: ! [rejected] main -> main (fetch first): exit status 1"),
	}}
	g := NewGit(rec, "/vault", "origin", "main")
	err := g.Push(context.Background())
	assert.ErrorIs(t, err, perrors.ErrPushRejected)
	assert.Equal(t, []string{"git push origin HEAD:main"}, rec.Lines())

	rec.Errors["git push"] = errors.New("exec git push: could not resolve host")
	err = g.Push(context.Background())
	assert.ErrorIs(t, err, perrors.ErrUnavailable)
	assert.True(t, perrors.IsRetryable(err))
}

func TestGit_MergeReportsConflicts(t *testing.T) {
	rec := &executil.RecordingExecutor{
		Errors:  map[string]error{"git merge": errors.New("exit status 1")},
		Outputs: map[string][]byte{"git diff": []byte("Dashboard.md\x00")},
	}
	g := NewGit(rec, "/vault", "origin", "main")
	conflicts, err := g.Merge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Dashboard.md"}, conflicts)
	assert.Equal(t, "git merge --no-edit -X no-renames origin/main", rec.Lines()[0])

	require.NoError(t, g.Resolve(context.Background(), "Dashboard.md", true))
	assert.Contains(t, rec.Lines(), "git checkout --theirs -- Dashboard.md")
}

func TestUnmergedSides(t *testing.T) {
	both := "100644 aaa 1\tNeeds_Action/A.md\x00100644 bbb 2\tNeeds_Action/A.md\x00100644 ccc 3\tNeeds_Action/A.md\x00"
	ours, theirs := unmergedSides([]byte(both))
	assert.True(t, ours)
	assert.True(t, theirs)

	ours, theirs = unmergedSides([]byte("100644 aaa 1\tNeeds_Action/A.md\x00100644 bbb 2\tNeeds_Action/A.md\x00"))
	assert.True(t, ours)
	assert.False(t, theirs)

	ours, theirs = unmergedSides(nil)
	assert.False(t, ours)
	assert.False(t, theirs)
}

func TestGit_ResolveItemKeepsSurvivingSide(t *testing.T) {
	rec := &executil.RecordingExecutor{Outputs: map[string][]byte{
		"git ls-files": []byte("100644 aaa 1\tNeeds_Action/A.md\x00100644 bbb 2\tNeeds_Action/A.md\x00"),
	}}
	g := NewGit(rec, "/vault", "origin", "main")
	require.NoError(t, g.ResolveItem(context.Background(), "Needs_Action/A.md"))
	assert.Equal(t, []string{
		"git ls-files -u -z -- Needs_Action/A.md",
		"git checkout --ours -- Needs_Action/A.md",
		"git add -- Needs_Action/A.md",
	}, rec.Lines())
}

func TestGit_MergeFailureWithoutConflicts(t *testing.T) {
	boom := errors.New("not something we can merge")
	rec := &executil.RecordingExecutor{Errors: map[string]error{"git merge": boom}}
	_, err := NewGit(rec, "/vault", "origin", "main").Merge(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestGit_DiscardNewFileRemovesIt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Dashboard.md")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	rec := &executil.RecordingExecutor{Errors: map[string]error{"git checkout": errors.New("pathspec did not match")}}

	require.NoError(t, NewGit(rec, dir, "origin", "main").Discard(context.Background(), []string{"Dashboard.md"}))
	assert.NoFileExists(t, path)
}

func TestGit_Ahead(t *testing.T) {
	rec := &executil.RecordingExecutor{Outputs: map[string][]byte{"git rev-list": []byte("0\n")}}
	ahead, err := NewGit(rec, "/vault", "origin", "main").Ahead(context.Background())
	require.NoError(t, err)
	assert.False(t, ahead)

	rec.Outputs["git rev-list"] = []byte("2\n")
	ahead, err = NewGit(rec, "/vault", "origin", "main").Ahead(context.Background())
	require.NoError(t, err)
	assert.True(t, ahead)
}

func TestExcluder(t *testing.T) {
	ex, err := NewExcluder("Accounting/**", " ")
	require.NoError(t, err)

	excluded := []string{".env", "prod.env", ".whatsapp_session/state", "gmail_credentials.json", "x/my_secrets.yaml", "tokens.db", "id.pem", "tls.key", "Accounting/ledger.md"}
	for _, p := range excluded {
		assert.True(t, ex.Excluded(p), p)
	}
	for _, p := range []string{"Needs_Action/EMAIL_a.md", "Dashboard.md", "Audit/cloud/2026-02-01.jsonl", ".gitignore"} {
		assert.False(t, ex.Excluded(p), p)
	}

	allowed, skipped := ex.Split([]string{"Done/A.md", ".env"})
	assert.Equal(t, []string{"Done/A.md"}, allowed)
	assert.Equal(t, []string{".env"}, skipped)

	_, err = NewExcluder("[")
	assert.Error(t, err)
}

func TestExcluder_WriteIgnore(t *testing.T) {
	dir := t.TempDir()
	ex, err := NewExcluder()
	require.NoError(t, err)
	require.NoError(t, ex.WriteIgnore(dir))

	data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	for _, p := range DefaultExclude {
		assert.Contains(t, string(data), p+"\n")
	}
}
