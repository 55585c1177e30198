package vaultsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/executil"
)

// Transport is the versioned history behind the vault. Fetch, Commit and
// Push are the essential operations; the rest let the engine integrate
// remote history and resolve the conflicts it knows how to resolve.
type Transport interface {
	// Changes lists vault-relative paths with uncommitted changes.
	Changes(ctx context.Context) ([]string, error)
	// Discard drops local changes to paths.
	Discard(ctx context.Context, paths []string) error
	// Commit stages paths and commits them. It reports false when there
	// was nothing to commit.
	Commit(ctx context.Context, paths []string, message string) (bool, error)
	Fetch(ctx context.Context) error
	// Merge integrates fetched history. Conflicting paths are returned with
	// the merge left in progress.
	Merge(ctx context.Context) ([]string, error)
	// Resolve settles a conflicting path with the remote (theirs) or local
	// version.
	Resolve(ctx context.Context, path string, theirs bool) error
	// ResolveItem settles a conflicting item file by keeping whichever side
	// still has it, preferring the remote when both do. Duplicates this
	// leaves behind are settled afterwards by state rank.
	ResolveItem(ctx context.Context, path string) error
	// Conclude commits an in-progress merge once every conflict is resolved.
	Conclude(ctx context.Context, message string) error
	AbortMerge(ctx context.Context) error
	// Ahead reports whether local history has commits the remote lacks.
	Ahead(ctx context.Context) (bool, error)
	// Push publishes local commits. A rejected push wraps ErrPushRejected.
	Push(ctx context.Context) error
}

// Git implements Transport with the git command line.
type Git struct {
	exec   executil.Executor
	dir    string
	remote string
	branch string
}

// NewGit returns a transport for the repository at dir.
func NewGit(exec executil.Executor, dir, remote, branch string) *Git {
	if exec == nil {
		exec = &executil.RealExecutor{}
	}
	return &Git{exec: exec, dir: dir, remote: remote, branch: branch}
}

// Init creates the repository if needed.
func (g *Git) Init(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(g.dir, ".git")); err == nil {
		return nil
	}
	_, err := g.git(ctx, "init", "--initial-branch", g.branch)
	return err
}

func (g *Git) Changes(ctx context.Context) ([]string, error) {
	out, err := g.git(ctx, "status", "--porcelain=v1", "-z", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

// parsePorcelain reads `git status --porcelain=v1 -z` output. Renames carry
// the original path as an extra NUL-terminated field; both paths count as
// changed.
func parsePorcelain(out []byte) []string {
	fields := strings.Split(string(out), "\x00")
	var paths []string
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if len(f) < 4 {
			continue
		}
		status, p := f[:2], f[3:]
		paths = append(paths, p)
		if (status[0] == 'R' || status[0] == 'C') && i+1 < len(fields) {
			i++
			if fields[i] != "" {
				paths = append(paths, fields[i])
			}
		}
	}
	return paths
}

func (g *Git) Discard(ctx context.Context, paths []string) error {
	for _, p := range paths {
		if _, err := g.git(ctx, "checkout", "HEAD", "--", p); err != nil {
			// Not in HEAD: the local copy is new, so discarding removes it.
			if rerr := os.Remove(filepath.Join(g.dir, filepath.FromSlash(p))); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
				return fmt.Errorf("discard %s: %w", p, rerr)
			}
		}
	}
	return nil
}

func (g *Git) Commit(ctx context.Context, paths []string, message string) (bool, error) {
	if len(paths) == 0 {
		return false, nil
	}
	args := append([]string{"add", "-A", "--"}, paths...)
	if _, err := g.git(ctx, args...); err != nil {
		return false, err
	}
	if _, err := g.git(ctx, "diff", "--cached", "--quiet"); err == nil {
		return false, nil
	}
	if _, err := g.git(ctx, "commit", "--no-verify", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

func (g *Git) Fetch(ctx context.Context) error {
	if _, err := g.git(ctx, "fetch", g.remote, g.branch); err != nil {
		return fmt.Errorf("%w: %v", perrors.ErrUnavailable, err)
	}
	return nil
}

// Merge runs with rename detection off. Two hosts claiming the same item
// otherwise collide as a rename/rename conflict; without it each side's move
// is a delete plus an add and merges cleanly.
func (g *Git) Merge(ctx context.Context) ([]string, error) {
	_, err := g.git(ctx, "merge", "--no-edit", "-X", "no-renames", g.remote+"/"+g.branch)
	if err == nil {
		return nil, nil
	}
	out, derr := g.git(ctx, "diff", "--name-only", "--diff-filter=U", "-z")
	if derr != nil {
		return nil, err
	}
	var conflicts []string
	for _, p := range strings.Split(string(out), "\x00") {
		if p != "" {
			conflicts = append(conflicts, p)
		}
	}
	if len(conflicts) == 0 {
		return nil, err
	}
	return conflicts, nil
}

func (g *Git) Resolve(ctx context.Context, path string, theirs bool) error {
	side := "--ours"
	if theirs {
		side = "--theirs"
	}
	if _, err := g.git(ctx, "checkout", side, "--", path); err != nil {
		return err
	}
	_, err := g.git(ctx, "add", "--", path)
	return err
}

func (g *Git) ResolveItem(ctx context.Context, path string) error {
	out, err := g.git(ctx, "ls-files", "-u", "-z", "--", path)
	if err != nil {
		return err
	}
	ours, theirs := unmergedSides(out)
	switch {
	case theirs:
		return g.Resolve(ctx, path, true)
	case ours:
		return g.Resolve(ctx, path, false)
	}
	if _, err := g.git(ctx, "rm", "--cached", "--quiet", "--ignore-unmatch", "--", path); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(g.dir, filepath.FromSlash(path))); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// unmergedSides reads `git ls-files -u -z` output ("<mode> <sha> <stage>\t<path>")
// and reports whether stage 2 (ours) and stage 3 (theirs) are present.
func unmergedSides(out []byte) (ours, theirs bool) {
	for _, rec := range strings.Split(string(out), "\x00") {
		meta, _, ok := strings.Cut(rec, "\t")
		if !ok {
			continue
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 {
			continue
		}
		switch fields[2] {
		case "2":
			ours = true
		case "3":
			theirs = true
		}
	}
	return ours, theirs
}

func (g *Git) Conclude(ctx context.Context, message string) error {
	_, err := g.git(ctx, "commit", "--no-verify", "--no-edit", "-m", message)
	return err
}

func (g *Git) AbortMerge(ctx context.Context) error {
	_, err := g.git(ctx, "merge", "--abort")
	return err
}

func (g *Git) Ahead(ctx context.Context) (bool, error) {
	out, err := g.git(ctx, "rev-list", "--count", g.remote+"/"+g.branch+"..HEAD")
	if err != nil {
		// No remote branch yet: anything local is ahead.
		out, err = g.git(ctx, "rev-list", "--count", "HEAD")
		if err != nil {
			return false, nil
		}
	}
	return strings.TrimSpace(string(out)) != "0", nil
}

func (g *Git) Push(ctx context.Context) error {
	_, err := g.git(ctx, "push", g.remote, "HEAD:"+g.branch)
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "rejected") || strings.Contains(msg, "non-fast-forward") || strings.Contains(msg, "fetch first") {
		return fmt.Errorf("%w: %v", perrors.ErrPushRejected, err)
	}
	return fmt.Errorf("%w: %v", perrors.ErrUnavailable, err)
}

func (g *Git) git(ctx context.Context, args ...string) ([]byte, error) {
	return g.exec.RunDir(ctx, g.dir, "git", args...)
}
