// Package workflow is the approval state machine for actions with external
// side effects: Draft -> Pending_Approval -> Approved|Rejected -> Done, with
// Expired for requests nobody decided in time. Only a human source may move
// a request to Approved.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/models"
	"github.com/p-blackswan/vault-agent/internal/recovery"
	"github.com/p-blackswan/vault-agent/internal/store"
	"github.com/p-blackswan/vault-agent/internal/vault"
)

// Source identifies who is issuing a decision.
type Source string

const (
	// SourceHuman is the human-facing surface (vaultctl, the management API).
	SourceHuman Source = "human"
	// SourceAgent is any automated caller.
	SourceAgent Source = "agent"
)

// Decision is the outcome of a human review.
type Decision string

const (
	DecisionApprove Decision = "approved"
	DecisionReject  Decision = "rejected"
)

// ManualApprover is recorded when an item reached Approved by a direct file
// move instead of a recorded decision.
const ManualApprover = "manual-move"

// Journal is the local execution journal.
type Journal interface {
	BeginExecution(e *store.Execution) error
	FinishExecution(key, status, errMsg string) error
	GetExecution(key string) (*store.Execution, error)
	ListExecutions(status string, limit int) ([]*store.Execution, error)
}

// CredentialChecker verifies an adapter's credential file.
type CredentialChecker interface {
	Check(file string) error
}

// Publisher proposes summary updates.
type Publisher interface {
	Publish(u models.Update) error
}

// Config configures a Workflow.
type Config struct {
	Agent       string
	ApprovalTTL time.Duration
	Gates       Gates
}

// Workflow drives items through the approval state machine.
type Workflow struct {
	store     *vault.Store
	recorder  vault.Recorder
	journal   Journal
	recovery  *recovery.Policy
	creds     CredentialChecker
	adapters  *Registry
	publisher Publisher
	gates     Gates
	agent     string
	ttl       time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	// OnExecute feeds metrics with (action, result).
	OnExecute func(action, result string)
}

// New creates a workflow. creds and publisher may be nil.
func New(cfg Config, st *vault.Store, recorder vault.Recorder, journal Journal, policy *recovery.Policy, adapters *Registry, creds CredentialChecker, publisher Publisher, logger zerolog.Logger) *Workflow {
	if cfg.Gates == nil {
		cfg.Gates = NewGates(models.DefaultPermissions())
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = 24 * time.Hour
	}
	if adapters == nil {
		adapters = NewRegistry()
	}
	return &Workflow{
		store:     st,
		recorder:  recorder,
		journal:   journal,
		recovery:  policy,
		creds:     creds,
		adapters:  adapters,
		publisher: publisher,
		gates:     cfg.Gates,
		agent:     cfg.Agent,
		ttl:       cfg.ApprovalTTL,
		logger:    logger.With().Str("component", "workflow").Logger(),
		now:       time.Now,
	}
}

// Gates returns the action gates in use.
func (w *Workflow) Gates() Gates { return w.gates }

// Draft turns an item owned by agent into a proposed action.
func (w *Workflow) Draft(agent, id, action string, params map[string]string, body string) (models.Item, error) {
	if action == "" {
		return models.Item{}, perrors.Invalid(id, "", "draft without action")
	}
	it, err := w.store.Edit(models.InProgress(agent), id, func(it *models.Item) error {
		it.Kind = models.KindDraftAction
		it.Action = action
		it.Params = params
		if body != "" {
			it.Body = body
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, perrors.ErrNotFound) {
			return models.Item{}, fmt.Errorf("draft %s: %w", id, perrors.ErrNotOwner)
		}
		return models.Item{}, err
	}
	w.audit(models.AuditEntry{Agent: agent, Action: models.AuditDraft, ItemID: id, Params: map[string]string{"action": action}})
	w.publish(agent, "draft_created", id, map[string]string{"action": action})
	return it, nil
}

// Submit turns a draft into an approval request expiring after ttl (the
// configured default when zero) and moves it to Pending_Approval. The draft
// may sit in Drafts or in agent's claim directory; submitting from the claim
// directory also releases it. Only gated actions may be submitted.
func (w *Workflow) Submit(agent, id string, ttl time.Duration) (models.Item, error) {
	if ttl <= 0 {
		ttl = w.ttl
	}
	from, err := w.store.Locate(id)
	if err != nil {
		return models.Item{}, err
	}
	if from != models.StateDrafts && from != models.InProgress(agent) {
		if from.IsInProgress() {
			return models.Item{}, fmt.Errorf("submit %s: %w", id, perrors.ErrNotOwner)
		}
		return models.Item{}, fmt.Errorf("submit %s from %s: %w", id, from, perrors.ErrInvalidState)
	}

	it, err := w.store.ReadIn(from, id)
	if err != nil {
		return models.Item{}, err
	}
	if it.Action == "" {
		return models.Item{}, perrors.Invalid(id, "", "submit without action")
	}
	if !w.gates.RequiresApproval(it.Action) {
		return models.Item{}, fmt.Errorf("submit %s: action %q is not gated: %w", id, it.Action, perrors.ErrInvalidState)
	}

	expires := w.now().UTC().Add(ttl)
	it, err = w.store.Edit(from, id, func(it *models.Item) error {
		it.Kind = models.KindApprovalRequest
		it.Status = models.StatusPending
		it.Expires = expires
		it.ApprovedBy = ""
		it.DecidedAt = time.Time{}
		return nil
	})
	if err != nil {
		return models.Item{}, err
	}
	if err := w.store.Relocate(id, from, models.StatePendingApproval); err != nil {
		return models.Item{}, err
	}
	it.State = models.StatePendingApproval
	it.Owner = ""

	w.audit(models.AuditEntry{Agent: agent, Action: models.AuditSubmit, ItemID: id, Params: map[string]string{
		"action":  it.Action,
		"expires": expires.Format(time.RFC3339),
	}})
	w.publish(agent, "submitted", id, map[string]string{"action": it.Action, "expires": expires.Format(time.RFC3339)})
	w.logger.Info().Str("item", id).Str("action", it.Action).Time("expires", expires).Msg("approval requested")
	return it, nil
}

// Decide records a human decision on a pending request. Calls from any
// other source are audited and refused. Requests past their expiry are
// expired instead of decided.
func (w *Workflow) Decide(src Source, approver, id string, decision Decision) (models.Item, error) {
	if src != SourceHuman {
		err := fmt.Errorf("decide %s: %w", id, perrors.ErrNotHuman)
		w.audit(models.AuditEntry{
			Agent:    w.agent,
			Action:   models.AuditDecideDenied,
			ItemID:   id,
			Outcome:  models.OutcomeFailure,
			Error:    err.Error(),
			Approver: approver,
			Params:   map[string]string{"source": string(src), "decision": string(decision)},
		})
		w.logger.Warn().Str("item", id).Str("source", string(src)).Msg("refused non-human decision")
		return models.Item{}, err
	}
	if approver == "" {
		return models.Item{}, fmt.Errorf("decide %s: approver required: %w", id, perrors.ErrNotHuman)
	}

	var dest models.State
	var status models.Status
	switch decision {
	case DecisionApprove:
		dest, status = models.StateApproved, models.StatusApproved
	case DecisionReject:
		dest, status = models.StateRejected, models.StatusRejected
	default:
		return models.Item{}, fmt.Errorf("decide %s: unknown decision %q: %w", id, decision, perrors.ErrInvalidState)
	}

	it, err := w.store.ReadIn(models.StatePendingApproval, id)
	if err != nil {
		if errors.Is(err, perrors.ErrNotFound) {
			if st, lerr := w.store.Locate(id); lerr == nil {
				return models.Item{}, fmt.Errorf("decide %s in %s: %w", id, st, perrors.ErrInvalidState)
			}
		}
		return models.Item{}, err
	}
	now := w.now().UTC()
	if it.HasExpired(now) {
		if _, xerr := w.Expire(context.Background(), id); xerr != nil {
			w.logger.Warn().Err(xerr).Str("item", id).Msg("expiring on late decision")
		}
		return models.Item{}, fmt.Errorf("decide %s: %w", id, perrors.ErrExpired)
	}

	if err := w.store.Relocate(id, models.StatePendingApproval, dest); err != nil {
		return models.Item{}, err
	}
	it, err = w.store.Edit(dest, id, func(it *models.Item) error {
		it.Status = status
		it.ApprovedBy = approver
		it.DecidedAt = now
		return nil
	})
	if err != nil {
		return models.Item{}, err
	}

	w.audit(models.AuditEntry{
		Agent:    w.agent,
		Action:   models.AuditDecide,
		ItemID:   id,
		Approver: approver,
		Params:   map[string]string{"decision": string(decision), "action": it.Action},
	})
	w.publish(w.agent, string(decision), id, map[string]string{"approver": approver})
	w.logger.Info().Str("item", id).Str("decision", string(decision)).Str("approver", approver).Msg("decision recorded")
	return it, nil
}

// Expire moves a pending request whose expiry has passed to Expired and
// escalates. It reports false when the request is not yet due.
func (w *Workflow) Expire(ctx context.Context, id string) (bool, error) {
	it, err := w.store.ReadIn(models.StatePendingApproval, id)
	if err != nil {
		return false, err
	}
	if !it.HasExpired(w.now()) {
		return false, nil
	}
	if err := w.store.Relocate(id, models.StatePendingApproval, models.StateExpired); err != nil {
		if errors.Is(err, perrors.ErrNotFound) {
			// Decided or expired by someone else in the meantime.
			return false, nil
		}
		return false, err
	}
	it.State = models.StateExpired
	if edited, err := w.store.Edit(models.StateExpired, id, func(it *models.Item) error {
		it.Status = models.StatusExpired
		return nil
	}); err == nil {
		it = edited
	}

	w.audit(models.AuditEntry{
		Agent:   w.agent,
		Action:  models.AuditExpire,
		ItemID:  id,
		Outcome: models.OutcomeFailure,
		Params:  map[string]string{"expires": it.Expires.Format(time.RFC3339), "action": it.Action},
	})
	if w.recovery != nil {
		w.recovery.Escalate(ctx, fmt.Sprintf("Approval request %s expired", id), it, recovery.ClassExpired,
			fmt.Errorf("%w at %s", perrors.ErrExpired, it.Expires.Format(time.RFC3339)))
	}
	w.publish(w.agent, "expired", id, nil)
	w.logger.Warn().Str("item", id).Time("expires", it.Expires).Msg("approval request expired")
	return true, nil
}

// ExpireDue expires every overdue request in Pending_Approval.
func (w *Workflow) ExpireDue(ctx context.Context) (int, error) {
	entries, err := w.store.Scan(models.StatePendingApproval)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.Err != nil {
			if _, herr := w.handle(ctx, models.Item{ID: e.ID, State: models.StatePendingApproval}, "", e.Err); herr != nil {
				return n, herr
			}
			continue
		}
		if !e.Item.HasExpired(w.now()) {
			continue
		}
		ok, err := w.Expire(ctx, e.ID)
		if err != nil {
			if perrors.Classify(err) == perrors.ClassSystem {
				return n, err
			}
			w.logger.Warn().Err(err).Str("item", e.ID).Msg("expiring request")
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Pending returns the requests awaiting a decision.
func (w *Workflow) Pending() ([]models.Item, error) {
	return w.store.List(models.StatePendingApproval)
}

func (w *Workflow) handle(ctx context.Context, it models.Item, adapter string, err error) (perrors.Class, error) {
	if w.recovery == nil {
		return perrors.Classify(err), err
	}
	return w.recovery.Handle(ctx, it, adapter, err)
}

func (w *Workflow) audit(e models.AuditEntry) {
	if w.recorder == nil {
		return
	}
	if e.Agent == "" {
		e.Agent = w.agent
	}
	e.Component = "workflow"
	if e.Outcome == "" {
		e.Outcome = models.OutcomeSuccess
	}
	w.recorder.Record(e)
}

func (w *Workflow) publish(agent, kind, id string, data map[string]string) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.Publish(models.Update{Agent: agent, Type: kind, ItemID: id, Data: data}); err != nil {
		w.logger.Warn().Err(err).Str("item", id).Msg("publishing update")
	}
}
