// Package recovery applies the failure taxonomy: transient failures are
// retried with backoff, authentication failures pause the adapter, logic and
// data failures quarantine the item, and system failures are returned so the
// process can fail fast. Every path except system escalates to a human.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/escalation"
	"github.com/p-blackswan/vault-agent/internal/models"
	"github.com/p-blackswan/vault-agent/internal/retry"
	"github.com/p-blackswan/vault-agent/internal/vault"
)

// ClassExpired labels escalations raised for approval requests that passed
// their expiry. It is not a failure class and is never returned by Classify.
const ClassExpired perrors.Class = "expired"

// Pauser persists adapter pauses across restarts.
type Pauser interface {
	PauseAdapter(adapter, reason string) error
	ResumeAdapter(adapter string) error
	PausedAdapters() (map[string]string, error)
}

// Policy is the per-agent retry and recovery policy.
type Policy struct {
	store    *vault.Store
	recorder vault.Recorder
	notifier escalation.Notifier
	pauser   Pauser
	agent    string
	retry    retry.Config
	logger   zerolog.Logger

	// OnRetry and OnEscalate feed metrics. Both are optional.
	OnRetry    func(class perrors.Class)
	OnEscalate func(class perrors.Class)
}

// New creates a policy. notifier and pauser may be nil.
func New(store *vault.Store, recorder vault.Recorder, notifier escalation.Notifier, pauser Pauser, agent string, cfg retry.Config, logger zerolog.Logger) *Policy {
	return &Policy{
		store:    store,
		recorder: recorder,
		notifier: notifier,
		pauser:   pauser,
		agent:    agent,
		retry:    cfg,
		logger:   logger.With().Str("component", "recovery").Logger(),
	}
}

// Run calls fn under the transient retry policy. Each retry is audited.
func (p *Policy) Run(ctx context.Context, itemID, op string, fn func(ctx context.Context) error) (int, error) {
	cfg := p.retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		class := perrors.Classify(err)
		p.logger.Warn().Err(err).Str("item", itemID).Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("retrying")
		p.record(models.AuditEntry{
			Action:  models.AuditRetry,
			ItemID:  itemID,
			Outcome: models.OutcomeFailure,
			Error:   err.Error(),
			Params: map[string]string{
				"op":      op,
				"attempt": strconv.Itoa(attempt),
				"delay":   delay.String(),
				"class":   string(class),
			},
		})
		if p.OnRetry != nil {
			p.OnRetry(class)
		}
	}
	return retry.DoCount(ctx, cfg, fn)
}

// Handle applies the response for err's class to it. adapter names the
// adapter involved, if any. System failures are returned unchanged.
func (p *Policy) Handle(ctx context.Context, it models.Item, adapter string, err error) (perrors.Class, error) {
	class := perrors.Classify(err)
	switch class {
	case "":
		return class, nil
	case perrors.ClassSystem:
		p.logger.Error().Err(err).Str("item", it.ID).Msg("system failure")
		return class, err
	case perrors.ClassAuthentication:
		if adapter != "" {
			p.PauseAdapter(adapter, err)
		}
		p.Escalate(ctx, fmt.Sprintf("Authentication failure for %s", nonEmpty(adapter, it.ID)), it, class, err)
	case perrors.ClassLogic, perrors.ClassData:
		if qerr := p.Quarantine(it, err); qerr != nil && !errors.Is(qerr, perrors.ErrNotFound) {
			p.logger.Error().Err(qerr).Str("item", it.ID).Msg("quarantine failed")
			if perrors.Classify(qerr) == perrors.ClassSystem {
				return perrors.ClassSystem, qerr
			}
		}
		p.Escalate(ctx, fmt.Sprintf("Item %s quarantined", it.ID), it, class, err)
	default:
		p.Escalate(ctx, fmt.Sprintf("Action failed for %s", it.ID), it, class, err)
	}
	return class, nil
}

// Quarantine relocates an item to Dead_Letter.
func (p *Policy) Quarantine(it models.Item, cause error) error {
	if it.State == "" || it.State == models.StateDeadLetter {
		return nil
	}
	if err := p.store.Relocate(it.ID, it.State, models.StateDeadLetter); err != nil {
		return err
	}
	p.record(models.AuditEntry{
		Action:  models.AuditQuarantine,
		ItemID:  it.ID,
		Outcome: models.OutcomeFailure,
		Error:   errString(cause),
		Params:  map[string]string{"from": string(it.State), "class": string(perrors.Classify(cause))},
	})
	p.logger.Warn().Err(cause).Str("item", it.ID).Str("from", string(it.State)).Msg("item quarantined")
	return nil
}

// Escalate creates an escalation item in Needs_Action describing the failure
// and notifies humans. The returned item is empty if it could not be written.
func (p *Policy) Escalate(ctx context.Context, title string, subject models.Item, class perrors.Class, cause error) models.Item {
	var related []string
	if subject.ID != "" {
		related = []string{subject.ID}
	}
	esc := models.Item{
		ID:      vault.NewID("ESC"),
		Kind:    models.KindEscalation,
		Domain:  "system",
		Status:  models.StatusPending,
		Related: related,
		Params: map[string]string{
			"class":  string(class),
			"source": p.agent,
		},
		Body: escalationBody(title, subject, class, cause),
	}
	if subject.Action != "" {
		esc.Params["action"] = subject.Action
	}

	created, err := p.store.Create(esc, models.StateNeedsAction)
	if err != nil {
		p.logger.Error().Err(err).Str("title", title).Msg("writing escalation item")
	}
	p.record(models.AuditEntry{
		Action:  models.AuditEscalate,
		ItemID:  subject.ID,
		Outcome: models.OutcomeFailure,
		Error:   errString(cause),
		Params:  map[string]string{"class": string(class), "escalation": esc.ID, "title": title},
	})
	if p.OnEscalate != nil {
		p.OnEscalate(class)
	}

	if p.notifier != nil {
		level := escalation.LevelWarning
		if class == perrors.ClassAuthentication || class == perrors.ClassSystem {
			level = escalation.LevelCritical
		}
		if nerr := p.notifier.Notify(ctx, escalation.Escalation{
			Level:   level,
			Title:   title,
			Message: fmt.Sprintf("%s failure on %s", class, nonEmpty(subject.ID, "agent")),
			Source:  p.agent,
			ItemID:  created.ID,
			Class:   string(class),
			Error:   cause,
		}); nerr != nil {
			p.logger.Warn().Err(nerr).Msg("escalation notify failed")
		}
	}
	return created
}

// PauseAdapter stops further calls to adapter until a human resumes it.
func (p *Policy) PauseAdapter(adapter string, cause error) {
	if p.pauser == nil {
		return
	}
	if err := p.pauser.PauseAdapter(adapter, errString(cause)); err != nil {
		p.logger.Error().Err(err).Str("adapter", adapter).Msg("pausing adapter")
		return
	}
	p.record(models.AuditEntry{
		Action:  models.AuditAdapterPause,
		Outcome: models.OutcomeFailure,
		Error:   errString(cause),
		Params:  map[string]string{"adapter": adapter},
	})
	p.logger.Warn().Str("adapter", adapter).Msg("adapter paused")
}

// ResumeAdapter clears a pause.
func (p *Policy) ResumeAdapter(adapter string) error {
	if p.pauser == nil {
		return nil
	}
	return p.pauser.ResumeAdapter(adapter)
}

// Paused reports whether adapter is paused and why.
func (p *Policy) Paused(adapter string) (bool, string) {
	if p.pauser == nil {
		return false, ""
	}
	paused, err := p.pauser.PausedAdapters()
	if err != nil {
		p.logger.Warn().Err(err).Msg("reading adapter pauses")
		return false, ""
	}
	reason, ok := paused[adapter]
	return ok, reason
}

func (p *Policy) record(e models.AuditEntry) {
	if p.recorder == nil {
		return
	}
	e.Agent = p.agent
	e.Component = "recovery"
	p.recorder.Record(e)
}

func escalationBody(title string, subject models.Item, class perrors.Class, cause error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- Class: %s\n", class)
	if subject.ID != "" {
		fmt.Fprintf(&b, "- Item: %s (%s)\n", subject.ID, subject.State)
	}
	if subject.Action != "" {
		fmt.Fprintf(&b, "- Action: %s\n", subject.Action)
	}
	if cause != nil {
		fmt.Fprintf(&b, "- Error: %v\n", cause)
	}
	b.WriteString("\n## Next step\n\n")
	switch class {
	case perrors.ClassAuthentication:
		b.WriteString("Refresh the credential, then resume the adapter with `vaultctl retry`.\n")
	case perrors.ClassLogic, perrors.ClassData:
		b.WriteString("Inspect the item in Dead_Letter/, fix it and move it back to Needs_Action/.\n")
	case ClassExpired:
		b.WriteString("The request expired without a decision. Resubmit it if the action is still wanted.\n")
	default:
		b.WriteString("Investigate the failure, then run `vaultctl retry` for the item.\n")
	}
	return b.String()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
