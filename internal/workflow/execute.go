package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/models"
	"github.com/p-blackswan/vault-agent/internal/store"
)

// IdempotencyKey identifies one approval decision. Re-executing the same
// decision after a crash reuses the key.
func IdempotencyKey(it models.Item) string {
	stamp := it.DecidedAt
	if stamp.IsZero() {
		stamp = it.Created
	}
	return it.ID + "@" + stamp.UTC().Format(time.RFC3339)
}

// Execute runs the adapter for an item in Approved. Items in any other state
// are refused and audited; nothing reaches Done without passing through
// Approved. The item is moved into the executor's claim directory before the
// adapter is called, so of several executors racing on one item exactly one
// calls it and the rest get ErrAlreadyClaimed. On success the item moves to
// Done. When retries are exhausted the item goes back to Approved, the
// failure is journaled so it is not retried automatically, and a human is
// asked to look at it.
func (w *Workflow) Execute(ctx context.Context, id string) (models.Item, error) {
	it, err := w.store.ReadIn(models.StateApproved, id)
	if err != nil {
		if errors.Is(err, perrors.ErrNotFound) {
			return models.Item{}, w.refuseExecute(id)
		}
		if _, herr := w.handle(ctx, models.Item{ID: id, State: models.StateApproved}, "", err); herr != nil {
			return models.Item{}, herr
		}
		return models.Item{}, err
	}
	if it.Action == "" {
		err := perrors.Invalid(id, "", "approved item without action")
		if _, herr := w.handle(ctx, it, "", err); herr != nil {
			return models.Item{}, herr
		}
		return models.Item{}, err
	}

	approver := it.ApprovedBy
	if approver == "" {
		approver = ManualApprover
	}
	key := IdempotencyKey(it)

	prior, err := w.journal.GetExecution(key)
	if err != nil {
		return models.Item{}, err
	}
	if prior != nil {
		switch prior.Status {
		case store.ExecCompleted:
			// The adapter finished but the move to Done did not happen.
			if it, err = w.take(it); err != nil {
				return models.Item{}, err
			}
			return w.finish(it, approver, "", prior.Attempts)
		case store.ExecFailed:
			return models.Item{}, fmt.Errorf("execute %s: %w", id, perrors.ErrExecFailed)
		case store.ExecIssued:
			w.flagDuplicate(ctx, it, prior)
		}
	}

	adapter, ok := w.adapters.Lookup(it.Action)
	if !ok {
		err := fmt.Errorf("execute %s: %w: %s", id, perrors.ErrNoAdapter, it.Action)
		if _, herr := w.handle(ctx, it, "", err); herr != nil {
			return models.Item{}, herr
		}
		return models.Item{}, err
	}
	if w.recovery != nil {
		if paused, reason := w.recovery.Paused(adapter.Name()); paused {
			return models.Item{}, fmt.Errorf("execute %s via %s (%s): %w", id, adapter.Name(), reason, perrors.ErrAdapterPaused)
		}
	}
	if w.creds != nil {
		if err := w.creds.Check(adapter.Credential()); err != nil {
			w.audit(models.AuditEntry{Action: models.AuditExecute, ItemID: id, Approver: approver, Outcome: models.OutcomeFailure, Error: err.Error()})
			if _, herr := w.handle(ctx, it, adapter.Name(), err); herr != nil {
				return models.Item{}, herr
			}
			return models.Item{}, err
		}
	}

	if it, err = w.take(it); err != nil {
		return models.Item{}, err
	}
	if err := w.journal.BeginExecution(&store.Execution{
		IdempotencyKey: key,
		ItemID:         id,
		Action:         it.Action,
		Approver:       approver,
	}); err != nil {
		w.giveBack(it)
		return models.Item{}, err
	}

	req := Request{
		ItemID:         id,
		Action:         it.Action,
		Params:         it.Params,
		Body:           it.Body,
		Approver:       approver,
		IdempotencyKey: key,
	}
	attempts, execErr := w.call(ctx, adapter, req)
	if execErr != nil {
		return models.Item{}, w.fail(ctx, it, adapter, key, approver, attempts, execErr)
	}
	if err := w.journal.FinishExecution(key, store.ExecCompleted, ""); err != nil {
		w.logger.Error().Err(err).Str("item", id).Msg("journaling completion")
	}
	return w.finish(it, approver, adapter.Name(), attempts)
}

// ExecuteApproved executes every item in Approved. Items that previously
// failed, whose adapter is paused or that another executor took first are
// skipped. Only system failures are returned.
func (w *Workflow) ExecuteApproved(ctx context.Context) (int, error) {
	if err := w.returnInterrupted(); err != nil {
		return 0, err
	}
	entries, err := w.store.Scan(models.StateApproved)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return n, nil
		}
		_, err := w.Execute(ctx, e.ID)
		switch {
		case err == nil:
			n++
		case errors.Is(err, perrors.ErrExecFailed), errors.Is(err, perrors.ErrAdapterPaused),
			errors.Is(err, perrors.ErrAlreadyClaimed):
			w.logger.Debug().Err(err).Str("item", e.ID).Msg("skipping approved item")
		case perrors.Classify(err) == perrors.ClassSystem:
			return n, err
		default:
			w.logger.Warn().Err(err).Str("item", e.ID).Msg("executing approved item")
		}
	}
	return n, nil
}

// take moves an approved item into this executor's claim directory and
// stamps it approved. A lost race yields ErrAlreadyClaimed.
func (w *Workflow) take(it models.Item) (models.Item, error) {
	claimed := models.InProgress(w.agent)
	err := w.store.Relocate(it.ID, models.StateApproved, claimed)
	if errors.Is(err, perrors.ErrNotFound) || errors.Is(err, perrors.ErrConflict) {
		w.logger.Debug().Str("item", it.ID).Msg("approved item taken by another executor")
		return models.Item{}, fmt.Errorf("execute %s: %w", it.ID, perrors.ErrAlreadyClaimed)
	}
	if err != nil {
		return models.Item{}, err
	}
	if it.Status != models.StatusApproved {
		if _, err := w.store.Edit(claimed, it.ID, func(x *models.Item) error {
			x.Status = models.StatusApproved
			return nil
		}); err != nil {
			w.giveBack(models.Item{ID: it.ID, State: claimed})
			return models.Item{}, err
		}
		it.Status = models.StatusApproved
	}
	it.State = claimed
	it.Owner = w.agent
	return it, nil
}

// giveBack returns a taken item to Approved.
func (w *Workflow) giveBack(it models.Item) models.Item {
	if !it.State.IsInProgress() {
		return it
	}
	if err := w.store.Relocate(it.ID, it.State, models.StateApproved); err != nil {
		w.logger.Error().Err(err).Str("item", it.ID).Msg("returning item to Approved")
		return it
	}
	it.State = models.StateApproved
	it.Owner = ""
	return it
}

// returnInterrupted puts approved items left in this executor's claim
// directory by a previous run back into Approved. The journal decides
// whether they run again.
func (w *Workflow) returnInterrupted() error {
	claimed := models.InProgress(w.agent)
	entries, err := w.store.Scan(claimed)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Err != nil || e.Item.Status != models.StatusApproved {
			continue
		}
		err := w.store.Relocate(e.ID, claimed, models.StateApproved)
		if err != nil {
			if perrors.Classify(err) == perrors.ClassSystem {
				return err
			}
			w.logger.Warn().Err(err).Str("item", e.ID).Msg("returning interrupted item to Approved")
			continue
		}
		w.logger.Warn().Str("item", e.ID).Msg("approved item returned after interrupted execution")
	}
	return nil
}

// Dispatch executes an action that needs no approval directly from the
// agent's claim directory. Gated actions return ErrApprovalNeeded and must be
// submitted instead. A journaled failure keeps the item in the claim
// directory and returns ErrExecFailed until the failure is cleared.
func (w *Workflow) Dispatch(ctx context.Context, agent, id string) (models.Item, error) {
	state := models.InProgress(agent)
	it, err := w.store.ReadIn(state, id)
	if err != nil {
		if errors.Is(err, perrors.ErrNotFound) {
			return models.Item{}, fmt.Errorf("dispatch %s: %w", id, perrors.ErrNotOwner)
		}
		return models.Item{}, err
	}
	switch w.gates.Level(it.Action) {
	case models.AccessRequireApproval:
		return models.Item{}, fmt.Errorf("dispatch %s (%s): %w", id, it.Action, perrors.ErrApprovalNeeded)
	case models.AccessDenied:
		err := perrors.Invalid(id, "", fmt.Sprintf("action %q is denied", it.Action))
		if _, herr := w.handle(ctx, it, "", err); herr != nil {
			return models.Item{}, herr
		}
		return models.Item{}, err
	}

	adapter, ok := w.adapters.Lookup(it.Action)
	if !ok {
		err := fmt.Errorf("dispatch %s: %w: %s", id, perrors.ErrNoAdapter, it.Action)
		if _, herr := w.handle(ctx, it, "", err); herr != nil {
			return models.Item{}, herr
		}
		return models.Item{}, err
	}
	if w.recovery != nil {
		if paused, reason := w.recovery.Paused(adapter.Name()); paused {
			return models.Item{}, fmt.Errorf("dispatch %s via %s (%s): %w", id, adapter.Name(), reason, perrors.ErrAdapterPaused)
		}
	}
	if w.creds != nil {
		if err := w.creds.Check(adapter.Credential()); err != nil {
			if _, herr := w.handle(ctx, it, adapter.Name(), err); herr != nil {
				return models.Item{}, herr
			}
			return models.Item{}, err
		}
	}

	key := it.ID + "@dispatch"
	prior, err := w.journal.GetExecution(key)
	if err != nil {
		return models.Item{}, err
	}
	if prior != nil {
		switch prior.Status {
		case store.ExecCompleted:
			return w.finish(it, "", "", prior.Attempts)
		case store.ExecFailed:
			return models.Item{}, fmt.Errorf("dispatch %s: %w", id, perrors.ErrExecFailed)
		case store.ExecIssued:
			w.flagDuplicate(ctx, it, prior)
		}
	}
	if err := w.journal.BeginExecution(&store.Execution{IdempotencyKey: key, ItemID: id, Action: it.Action}); err != nil {
		return models.Item{}, err
	}
	attempts, execErr := w.call(ctx, adapter, Request{ItemID: id, Action: it.Action, Params: it.Params, Body: it.Body, IdempotencyKey: key})
	if execErr != nil {
		return models.Item{}, w.fail(ctx, it, adapter, key, "", attempts, execErr)
	}
	if err := w.journal.FinishExecution(key, store.ExecCompleted, ""); err != nil {
		w.logger.Error().Err(err).Str("item", id).Msg("journaling completion")
	}
	return w.finish(it, "", adapter.Name(), attempts)
}

// Interrupted lists journal entries issued but never finished. Each one is a
// possible duplicate execution.
func (w *Workflow) Interrupted() ([]*store.Execution, error) {
	return w.journal.ListExecutions(store.ExecIssued, 0)
}

func (w *Workflow) call(ctx context.Context, adapter Adapter, req Request) (int, error) {
	fn := func(ctx context.Context) error { return adapter.Execute(ctx, req) }
	if w.recovery == nil {
		return 1, fn(ctx)
	}
	return w.recovery.Run(ctx, req.ItemID, "execute:"+adapter.Name(), fn)
}

// finish stamps the item executed and moves it to Done.
func (w *Workflow) finish(it models.Item, approver, adapter string, attempts int) (models.Item, error) {
	edited, err := w.store.Edit(it.State, it.ID, func(x *models.Item) error {
		x.Status = models.StatusExecuted
		return nil
	})
	if err != nil {
		return models.Item{}, err
	}
	if err := w.store.Relocate(it.ID, it.State, models.StateDone); err != nil {
		return models.Item{}, err
	}
	edited.State = models.StateDone
	edited.Owner = ""

	params := map[string]string{"action": it.Action, "attempts": strconv.Itoa(attempts)}
	if adapter != "" {
		params["adapter"] = adapter
	}
	if approver == "" {
		params["gated"] = "false"
	}
	w.audit(models.AuditEntry{Action: models.AuditExecute, ItemID: it.ID, Approver: approver, Params: params})
	w.publish(w.agent, "executed", it.ID, map[string]string{"action": it.Action})
	if w.OnExecute != nil {
		w.OnExecute(it.Action, "success")
	}
	w.logger.Info().Str("item", it.ID).Str("action", it.Action).Str("approver", approver).Msg("action executed")
	return edited, nil
}

// fail journals and audits an exhausted execution and applies recovery.
func (w *Workflow) fail(ctx context.Context, it models.Item, adapter Adapter, key, approver string, attempts int, execErr error) error {
	if err := w.journal.FinishExecution(key, store.ExecFailed, execErr.Error()); err != nil {
		w.logger.Error().Err(err).Str("item", it.ID).Msg("journaling failure")
	}
	// Dispatch has no approver and its items stay claimed.
	if approver != "" {
		it = w.giveBack(it)
	}
	class := perrors.Classify(execErr)
	w.audit(models.AuditEntry{
		Action:   models.AuditExecute,
		ItemID:   it.ID,
		Approver: approver,
		Outcome:  models.OutcomeFailure,
		Error:    execErr.Error(),
		Params: map[string]string{
			"action":   it.Action,
			"adapter":  adapter.Name(),
			"attempts": strconv.Itoa(attempts),
			"class":    string(class),
		},
	})
	if w.OnExecute != nil {
		w.OnExecute(it.Action, "failure")
	}
	if _, herr := w.handle(ctx, it, adapter.Name(), execErr); herr != nil {
		return herr
	}
	w.publish(w.agent, "failed", it.ID, map[string]string{"class": string(class)})
	return fmt.Errorf("execute %s: %w", it.ID, execErr)
}

// flagDuplicate records that a previous call for this decision was issued but
// never completed, so the action may already have happened once.
func (w *Workflow) flagDuplicate(ctx context.Context, it models.Item, prior *store.Execution) {
	issued := time.UnixMilli(prior.IssuedAt).UTC()
	w.audit(models.AuditEntry{
		Action:  models.AuditDuplicateRisk,
		ItemID:  it.ID,
		Outcome: models.OutcomeFailure,
		Params: map[string]string{
			"key":      prior.IdempotencyKey,
			"issued":   issued.Format(time.RFC3339),
			"attempts": strconv.Itoa(prior.Attempts),
		},
	})
	w.logger.Warn().Str("item", it.ID).Time("issued", issued).Msg("re-executing interrupted action; possible duplicate")
	if w.recovery != nil {
		w.recovery.Escalate(ctx, fmt.Sprintf("Possible duplicate execution of %s", it.ID), it, perrors.ClassUnknown,
			fmt.Errorf("adapter call issued at %s never recorded a result", issued.Format(time.RFC3339)))
	}
}

func (w *Workflow) refuseExecute(id string) error {
	state, lerr := w.store.Locate(id)
	if lerr != nil {
		return fmt.Errorf("execute %s: %w", id, perrors.ErrNotFound)
	}
	if state.IsInProgress() {
		if it, err := w.store.ReadIn(state, id); err == nil && it.Status == models.StatusApproved {
			return fmt.Errorf("execute %s: taken by %s: %w", id, state.Owner(), perrors.ErrAlreadyClaimed)
		}
	}
	err := fmt.Errorf("execute %s in %s: %w", id, state, perrors.ErrNotApproved)
	w.audit(models.AuditEntry{
		Action:  models.AuditExecuteDenied,
		ItemID:  id,
		Outcome: models.OutcomeFailure,
		Error:   err.Error(),
		Params:  map[string]string{"state": string(state)},
	})
	w.logger.Warn().Str("item", id).Str("state", string(state)).Msg("refused to execute unapproved item")
	return err
}
