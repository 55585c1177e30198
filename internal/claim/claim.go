// Package claim implements the ownership protocol. Claiming an item is an
// atomic relocation from Needs_Action into In_Progress/<agent>; the loser
// of a race observes the item as already claimed.
package claim

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/models"
	"github.com/p-blackswan/vault-agent/internal/vault"
)

// ActivitySource reports the latest audit activity per item.
type ActivitySource interface {
	LastActivity(since time.Time) (map[string]time.Time, error)
}

// Manager claims, releases and reclaims items on behalf of agents.
type Manager struct {
	store    *vault.Store
	recorder vault.Recorder
	activity ActivitySource
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	resumed map[string]bool

	// OnClaim is called with "owned" or "lost" after each claim attempt.
	OnClaim func(result string)
}

// NewManager creates a claim manager.
func NewManager(store *vault.Store, recorder vault.Recorder, activity ActivitySource, logger zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		recorder: recorder,
		activity: activity,
		logger:   logger.With().Str("component", "claim").Logger(),
		now:      time.Now,
		resumed:  make(map[string]bool),
	}
}

// Claim takes exclusive ownership of id for agent. It returns
// ErrAlreadyClaimed when the item is in any claim directory or another agent
// won the race, and ErrNotFound when the item is not waiting in Needs_Action.
func (m *Manager) Claim(agent, id string) (models.Item, error) {
	state, err := m.store.Locate(id)
	if err != nil {
		return models.Item{}, err
	}
	if state.IsInProgress() {
		m.observe("lost")
		return models.Item{}, fmt.Errorf("claim %s: held by %s: %w", id, state.Owner(), perrors.ErrAlreadyClaimed)
	}
	if state != models.StateNeedsAction {
		return models.Item{}, fmt.Errorf("claim %s in %s: %w", id, state, perrors.ErrNotFound)
	}

	err = m.store.Relocate(id, models.StateNeedsAction, models.InProgress(agent))
	if errors.Is(err, perrors.ErrNotFound) || errors.Is(err, perrors.ErrConflict) {
		m.observe("lost")
		m.audit(agent, models.AuditClaimLost, id, nil, models.OutcomeFailure, err)
		return models.Item{}, fmt.Errorf("claim %s: %w", id, perrors.ErrAlreadyClaimed)
	}
	if err != nil {
		return models.Item{}, err
	}

	m.observe("owned")
	m.audit(agent, models.AuditClaim, id, nil, models.OutcomeSuccess, nil)
	m.logger.Info().Str("agent", agent).Str("item", id).Msg("item claimed")

	it, err := m.store.ReadIn(models.InProgress(agent), id)
	if err != nil {
		// Owned but undecodable. State and Owner point at the claim directory.
		return models.Item{ID: id, State: models.InProgress(agent), Owner: agent}, err
	}
	return it, nil
}

// Release gives up ownership by relocating the item to dest. Approval
// decisions are never reachable through a release.
func (m *Manager) Release(agent, id string, dest models.State) error {
	switch dest {
	case models.StateNeedsAction, models.StateDrafts, models.StateDone, models.StateDeadLetter:
	default:
		return fmt.Errorf("release %s to %s: %w", id, dest, perrors.ErrInvalidState)
	}
	from := models.InProgress(agent)
	if err := m.store.Relocate(id, from, dest); err != nil {
		if errors.Is(err, perrors.ErrNotFound) {
			return fmt.Errorf("release %s: %w", id, perrors.ErrNotOwner)
		}
		return err
	}
	m.audit(agent, models.AuditRelease, id, map[string]string{"to": string(dest)}, models.OutcomeSuccess, nil)
	return nil
}

// ListUnclaimed returns the items waiting in Needs_Action.
func (m *Manager) ListUnclaimed() ([]models.Item, error) {
	return m.store.List(models.StateNeedsAction)
}

// Claimable returns unclaimed items router assigns to role.
func (m *Manager) Claimable(router *Router, role string) ([]models.Item, error) {
	items, err := m.ListUnclaimed()
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if router.Accepts(role, it) {
			out = append(out, it)
		}
	}
	return out, nil
}

// Resume returns the items agent already owns so a restarted agent continues
// them instead of reclaiming. Each claim is audited as resumed once per
// Manager, however many times it is returned.
func (m *Manager) Resume(agent string) ([]models.Item, error) {
	items, err := m.store.ListOwned(agent)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	seen := make(map[string]bool, len(items))
	fresh := 0
	for _, it := range items {
		key := agent + "/" + it.ID
		seen[key] = true
		if m.resumed[key] {
			continue
		}
		fresh++
		m.audit(agent, models.AuditResume, it.ID, nil, models.OutcomeSuccess, nil)
	}
	// Forget claims that are gone so a later claim of the same id is new.
	for key := range m.resumed {
		if !seen[key] && strings.HasPrefix(key, agent+"/") {
			delete(m.resumed, key)
		}
	}
	for key := range seen {
		m.resumed[key] = true
	}
	m.mu.Unlock()

	if fresh > 0 {
		m.logger.Info().Str("agent", agent).Int("count", fresh).Msg("resuming owned items")
	}
	return items, nil
}

// SweepStale returns claims with no progress for longer than maxAge to
// Needs_Action. Progress is the latest of the header modified time, the file
// modification time and any audit record naming the item. The sweeping
// agent's own claims are skipped; it resumes those instead.
func (m *Manager) SweepStale(sweeper string, maxAge time.Duration) (int, error) {
	now := m.now()
	cutoff := now.Add(-maxAge)

	var activity map[string]time.Time
	if m.activity != nil {
		var err error
		activity, err = m.activity.LastActivity(cutoff)
		if err != nil {
			m.logger.Warn().Err(err).Msg("reading audit activity for sweep")
		}
	}

	agents, err := m.store.Agents()
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, owner := range agents {
		if owner == sweeper {
			continue
		}
		state := models.InProgress(owner)
		entries, err := m.store.Scan(state)
		if err != nil {
			return reclaimed, err
		}
		for _, e := range entries {
			last := lastProgress(e, activity)
			if last.After(cutoff) {
				continue
			}
			err := m.store.Relocate(e.ID, state, models.StateNeedsAction)
			if errors.Is(err, perrors.ErrNotFound) {
				// The owner released it or someone else swept it first.
				continue
			}
			if err != nil {
				m.logger.Warn().Err(err).Str("item", e.ID).Msg("reclaiming stale claim")
				continue
			}
			reclaimed++
			idle := now.Sub(last).Round(time.Second)
			m.audit(sweeper, models.AuditReclaim, e.ID, map[string]string{
				"owner": owner,
				"idle":  idle.String(),
			}, models.OutcomeSuccess, nil)
			m.logger.Warn().Str("owner", owner).Str("item", e.ID).Dur("idle", idle).Msg("reclaimed stale claim")
		}
	}
	return reclaimed, nil
}

func lastProgress(e vault.Entry, activity map[string]time.Time) time.Time {
	var last time.Time
	if e.Err == nil {
		last = e.Item.Modified
	}
	if info, err := os.Stat(e.Path); err == nil && info.ModTime().After(last) {
		last = info.ModTime()
	}
	if t, ok := activity[e.ID]; ok && t.After(last) {
		last = t
	}
	return last
}

func (m *Manager) observe(result string) {
	if m.OnClaim != nil {
		m.OnClaim(result)
	}
}

func (m *Manager) audit(agent, action, id string, params map[string]string, outcome models.Outcome, err error) {
	if m.recorder == nil {
		return
	}
	entry := models.AuditEntry{
		Agent:     agent,
		Component: "claim",
		Action:    action,
		ItemID:    id,
		Params:    params,
		Outcome:   outcome,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	m.recorder.Record(entry)
}
