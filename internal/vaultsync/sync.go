// Package vaultsync reconciles the local vault with the shared history. One
// cycle commits local changes (once, not per item), integrates the remote,
// settles the conflicts it understands and publishes with bounded retries.
// Sync failures never block item processing; they degrade the health signal.
package vaultsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/models"
	"github.com/p-blackswan/vault-agent/internal/retry"
	"github.com/p-blackswan/vault-agent/internal/vault"
)

// Sync statuses reported in health signals.
const (
	StatusNever    = "never"
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusConflict = "conflict"
	StatusDisabled = "disabled"
)

// escalateAfter is the number of consecutive failed cycles before a human is
// asked to look. Unresolvable conflicts escalate immediately.
const escalateAfter = 3

// Escalator raises a failure to a human.
type Escalator interface {
	Escalate(ctx context.Context, title string, subject models.Item, class perrors.Class, cause error) models.Item
}

// Config configures an Engine.
type Config struct {
	Agent      string
	Role       string
	WriterRole string
	// PushRetries bounds publish attempts after a rejected push.
	PushRetries int
	RetryDelay  time.Duration
}

// Result describes what one cycle did.
type Result struct {
	Committed  bool
	Pushed     bool
	Excluded   []string
	Discarded  []string
	Resolved   []string
	Duplicates []string
}

// Changed reports whether the cycle changed local or remote history.
func (r Result) Changed() bool {
	return r.Committed || r.Pushed || len(r.Discarded) > 0 || len(r.Resolved) > 0 || len(r.Duplicates) > 0
}

// Engine runs sync cycles for one agent.
type Engine struct {
	cfg       Config
	transport Transport
	store     *vault.Store
	excluder  *Excluder
	recorder  vault.Recorder
	escalator Escalator
	logger    zerolog.Logger
	now       func() time.Time

	mu        sync.Mutex
	state     models.SyncState
	failures  int
	escalated bool
	excluded  map[string]bool

	// OnCycle feeds metrics with "success", "noop" or "failure".
	OnCycle func(result string)
}

// New creates an engine. escalator may be nil.
func New(cfg Config, transport Transport, st *vault.Store, excluder *Excluder, recorder vault.Recorder, escalator Escalator, logger zerolog.Logger) *Engine {
	if cfg.PushRetries < 1 {
		cfg.PushRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Role == "" {
		cfg.Role = cfg.Agent
	}
	if excluder == nil {
		excluder, _ = NewExcluder()
	}
	return &Engine{
		cfg:       cfg,
		transport: transport,
		store:     st,
		excluder:  excluder,
		recorder:  recorder,
		escalator: escalator,
		logger:    logger.With().Str("component", "sync").Logger(),
		now:       time.Now,
		state:     models.SyncState{Status: StatusNever},
		excluded:  make(map[string]bool),
	}
}

// Status returns the outcome of the latest cycle.
func (e *Engine) Status() models.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cycle runs one sync round trip. Cycles never overlap.
func (e *Engine) Cycle(ctx context.Context) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res Result
	if err := e.cycle(ctx, &res); err != nil {
		e.degrade(ctx, err)
		e.observe("failure")
		return res, err
	}

	e.state = models.SyncState{LastSync: e.now().UTC(), Status: StatusOK}
	if e.failures > 0 {
		e.logger.Info().Int("failed_cycles", e.failures).Msg("sync recovered")
	}
	e.failures = 0
	e.escalated = false
	if res.Changed() {
		e.logger.Info().
			Bool("committed", res.Committed).
			Bool("pushed", res.Pushed).
			Int("resolved", len(res.Resolved)).
			Int("duplicates", len(res.Duplicates)).
			Msg("sync cycle")
		e.observe("success")
	} else {
		e.logger.Debug().Msg("sync cycle: nothing to do")
		e.observe("noop")
	}
	return res, nil
}

func (e *Engine) cycle(ctx context.Context, res *Result) error {
	changes, err := e.transport.Changes(ctx)
	if err != nil {
		return fmt.Errorf("listing changes: %w", err)
	}
	allowed, excluded := e.excluder.Split(changes)
	res.Excluded = excluded
	e.noteExcluded(excluded)

	if !e.isWriter() {
		var keep []string
		for _, p := range allowed {
			if p == vault.SummaryFile {
				res.Discarded = append(res.Discarded, p)
				continue
			}
			keep = append(keep, p)
		}
		if len(res.Discarded) > 0 {
			if err := e.transport.Discard(ctx, res.Discarded); err != nil {
				return fmt.Errorf("discarding summary edit: %w", err)
			}
			e.audit(models.AuditSyncDiscard, models.OutcomeSuccess, map[string]string{
				"path":   vault.SummaryFile,
				"reason": "role " + e.cfg.Role + " is not the summary writer",
			}, nil)
			e.logger.Warn().Str("role", e.cfg.Role).Msg("discarded local summary edit")
		}
		allowed = keep
	}

	if len(allowed) > 0 {
		committed, err := e.transport.Commit(ctx, allowed, e.message("sync"))
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		res.Committed = committed
	}

	if err := e.transport.Fetch(ctx); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if err := e.integrate(ctx, res); err != nil {
		return err
	}

	ahead, err := e.transport.Ahead(ctx)
	if err != nil {
		return fmt.Errorf("checking local commits: %w", err)
	}
	if !ahead {
		return nil
	}
	if err := e.publish(ctx, res); err != nil {
		return err
	}
	res.Pushed = true
	return nil
}

// integrate merges fetched history. Summary conflicts follow the
// single-writer rule: the writer keeps its own copy, everyone else takes the
// remote one. Item file conflicts keep whichever side still has the file and
// leave duplicates to resolveDuplicates. Any other conflict aborts the merge.
func (e *Engine) integrate(ctx context.Context, res *Result) error {
	conflicts, err := e.transport.Merge(ctx)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	if len(conflicts) > 0 {
		var summary bool
		var items, unresolved []string
		for _, p := range conflicts {
			switch {
			case p == vault.SummaryFile:
				summary = true
			case isItemPath(p):
				items = append(items, p)
			default:
				unresolved = append(unresolved, p)
			}
		}
		if len(unresolved) > 0 {
			if aerr := e.transport.AbortMerge(ctx); aerr != nil {
				e.logger.Error().Err(aerr).Msg("aborting merge")
			}
			sort.Strings(unresolved)
			return fmt.Errorf("%w: %s", perrors.ErrSyncConflict, strings.Join(unresolved, ", "))
		}

		if summary {
			theirs := !e.isWriter()
			if err := e.transport.Resolve(ctx, vault.SummaryFile, theirs); err != nil {
				return fmt.Errorf("resolving %s: %w", vault.SummaryFile, err)
			}
			kept := "remote"
			if !theirs {
				kept = "local"
			}
			res.Resolved = append(res.Resolved, vault.SummaryFile)
			e.audit(models.AuditSyncDiscard, models.OutcomeSuccess, map[string]string{
				"path": vault.SummaryFile,
				"kept": kept,
			}, nil)
			e.logger.Warn().Str("kept", kept).Msg("summary conflict resolved")
		}
		for _, p := range items {
			if err := e.transport.ResolveItem(ctx, p); err != nil {
				return fmt.Errorf("resolving %s: %w", p, err)
			}
			res.Resolved = append(res.Resolved, p)
			e.logger.Warn().Str("path", p).Msg("item conflict resolved")
		}
		if err := e.transport.Conclude(ctx, e.message("merge")); err != nil {
			return fmt.Errorf("concluding merge: %w", err)
		}
	}

	dups, removed, err := e.resolveDuplicates()
	if err != nil {
		return err
	}
	res.Duplicates = append(res.Duplicates, dups...)
	if len(removed) > 0 {
		committed, err := e.transport.Commit(ctx, removed, e.message("dedupe"))
		if err != nil {
			return fmt.Errorf("commit duplicate removal: %w", err)
		}
		res.Committed = res.Committed || committed
	}
	return nil
}

// isItemPath reports whether a vault-relative path is an item file in a
// lifecycle state directory. Inbox drops are raw files, not items.
func isItemPath(p string) bool {
	if !strings.HasSuffix(p, ".md") {
		return false
	}
	st := models.State(path.Dir(p))
	return st != models.StateInbox && st.Valid()
}

// publish pushes with bounded retries. A rejected push re-fetches and
// re-integrates before the next attempt.
func (e *Engine) publish(ctx context.Context, res *Result) error {
	cfg := retry.Config{MaxAttempts: e.cfg.PushRetries, BaseDelay: e.cfg.RetryDelay, MaxDelay: 30 * e.cfg.RetryDelay, Jitter: true}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("push rejected, retrying")
	}
	_, err := retry.DoCount(ctx, cfg, func(ctx context.Context) error {
		err := e.transport.Push(ctx)
		if err == nil || !errors.Is(err, perrors.ErrPushRejected) {
			return err
		}
		if ferr := e.transport.Fetch(ctx); ferr != nil {
			return ferr
		}
		if ierr := e.integrate(ctx, res); ierr != nil {
			return ierr
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

// duplicateRank orders states by how far an item has progressed. When a
// merge leaves one id in several states, the furthest copy survives.
var duplicateRank = map[models.State]int{
	models.StateNeedsAction:     1,
	models.StateDrafts:          3,
	models.StatePendingApproval: 4,
	models.StateApproved:        5,
	models.StateExpired:         6,
	models.StateRejected:        7,
	models.StateDeadLetter:      8,
	models.StateDone:            9,
}

func rank(s models.State) int {
	if s.IsInProgress() {
		return 2
	}
	return duplicateRank[s]
}

// resolveDuplicates removes all but one copy of any id found in more than
// one state. Two hosts claiming the same item while disconnected is the
// usual cause; the lexicographically first owner keeps the claim. Every
// agent computes the same winner, so concurrent resolution converges. The
// removed vault-relative paths are returned for committing.
func (e *Engine) resolveDuplicates() ([]string, []string, error) {
	where := make(map[string][]models.State)
	for _, st := range e.store.States() {
		if st == models.StateInbox {
			continue
		}
		entries, err := e.store.Scan(st)
		if err != nil {
			return nil, nil, err
		}
		for _, en := range entries {
			where[en.ID] = append(where[en.ID], st)
		}
	}

	var resolved, removed []string
	for id, states := range where {
		if len(states) < 2 {
			continue
		}
		sort.Slice(states, func(i, j int) bool {
			ri, rj := rank(states[i]), rank(states[j])
			if ri != rj {
				return ri > rj
			}
			return states[i] < states[j]
		})
		winner := states[0]
		for _, loser := range states[1:] {
			if err := os.Remove(e.store.Path(loser, id)); err != nil && !os.IsNotExist(err) {
				return resolved, removed, fmt.Errorf("removing duplicate %s in %s: %w", id, loser, err)
			}
			removed = append(removed, path.Join(string(loser), id+".md"))
			action := models.AuditSyncDiscard
			if loser == models.InProgress(e.cfg.Agent) {
				action = models.AuditClaimLost
			}
			e.auditItem(action, id, map[string]string{"removed": string(loser), "kept": string(winner)})
			e.logger.Warn().Str("item", id).Str("removed", string(loser)).Str("kept", string(winner)).Msg("duplicate item resolved")
		}
		resolved = append(resolved, id)
	}
	sort.Strings(resolved)
	sort.Strings(removed)
	return resolved, removed, nil
}

func (e *Engine) degrade(ctx context.Context, err error) {
	e.failures++
	status := StatusDegraded
	if errors.Is(err, perrors.ErrSyncConflict) {
		status = StatusConflict
	}
	e.state.Status = status
	e.audit(models.AuditSync, models.OutcomeFailure, map[string]string{
		"status":   status,
		"failures": fmt.Sprint(e.failures),
	}, err)
	e.logger.Error().Err(err).Int("failures", e.failures).Msg("sync cycle failed")

	if e.escalated || e.escalator == nil {
		return
	}
	if status == StatusConflict || e.failures >= escalateAfter {
		e.escalator.Escalate(ctx, fmt.Sprintf("Vault sync failing on %s", e.cfg.Agent), models.Item{}, perrors.Classify(err), err)
		e.escalated = true
	}
}

// noteExcluded audits paths refused by the exclusion list, once per path.
func (e *Engine) noteExcluded(paths []string) {
	for _, p := range paths {
		if e.excluded[p] {
			continue
		}
		e.excluded[p] = true
		e.audit(models.AuditSyncExclude, models.OutcomeSuccess, map[string]string{"path": p}, nil)
		e.logger.Warn().Str("path", p).Msg("path excluded from sync")
	}
}

func (e *Engine) isWriter() bool { return e.cfg.Role == e.cfg.WriterRole }

func (e *Engine) message(kind string) string {
	return fmt.Sprintf("vault %s %s %s", kind, e.cfg.Agent, e.now().UTC().Format(time.RFC3339))
}

func (e *Engine) observe(result string) {
	if e.OnCycle != nil {
		e.OnCycle(result)
	}
}

func (e *Engine) audit(action string, outcome models.Outcome, params map[string]string, err error) {
	if e.recorder == nil {
		return
	}
	entry := models.AuditEntry{Agent: e.cfg.Agent, Component: "sync", Action: action, Outcome: outcome, Params: params}
	if err != nil {
		entry.Error = err.Error()
	}
	e.recorder.Record(entry)
}

func (e *Engine) auditItem(action, id string, params map[string]string) {
	if e.recorder == nil {
		return
	}
	e.recorder.Record(models.AuditEntry{Agent: e.cfg.Agent, Component: "sync", Action: action, ItemID: id, Params: params, Outcome: models.OutcomeSuccess})
}
