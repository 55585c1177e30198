// Package agent runs the per-agent work loop: resume own claims, ingest the
// inbox, expire and sweep, claim and process routed items, execute approved
// actions, and fold summary updates when this agent is the writer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/models"
	"github.com/p-blackswan/vault-agent/internal/scheduler"
)

// Stats summarizes one tick.
type Stats struct {
	Quarantined int
	Resumed     int
	Ingested    int
	Expired     int
	Reclaimed   int
	Claimed     int
	Executed    int
	Folded      int
}

// Agent drives one Runtime.
type Agent struct {
	rt      *Runtime
	handler Handler
	logger  zerolog.Logger
	agent   string

	mu         sync.Mutex
	checkedLog bool
}

// New creates an agent. A nil handler uses TriageHandler.
func New(rt *Runtime, handler Handler, logger zerolog.Logger) *Agent {
	if handler == nil {
		handler = TriageHandler{}
	}
	return &Agent{
		rt:      rt,
		handler: handler,
		agent:   rt.Config.AgentID,
		logger:  logger.With().Str("component", "agent").Str("agent", rt.Config.AgentID).Logger(),
	}
}

// Tick runs one pass of the work loop. Only system failures are returned;
// everything else is logged, audited or escalated where it happened.
func (a *Agent) Tick(ctx context.Context) (Stats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var st Stats
	a.reportInterrupted()

	var err error
	if st.Quarantined, err = a.quarantineUndecodable(ctx); err != nil {
		return st, err
	}

	owned, err := a.rt.Claims.Resume(a.agent)
	if err != nil {
		return st, a.nonFatal(err, "resuming owned items")
	}
	for _, it := range owned {
		if err := a.process(ctx, it); err != nil {
			return st, err
		}
		st.Resumed++
	}

	if a.rt.Watcher != nil {
		items, err := a.rt.Watcher.Scan()
		if err != nil {
			if serr := a.nonFatal(err, "scanning inbox"); serr != nil {
				return st, serr
			}
		}
		st.Ingested = len(items)
	}

	if st.Expired, err = a.rt.Workflow.ExpireDue(ctx); err != nil {
		if serr := a.nonFatal(err, "expiring approvals"); serr != nil {
			return st, serr
		}
	}

	if st.Reclaimed, err = a.rt.Claims.SweepStale(a.agent, a.rt.Config.LeaseTTL); err != nil {
		if serr := a.nonFatal(err, "sweeping stale claims"); serr != nil {
			return st, serr
		}
	}

	candidates, err := a.rt.Claims.Claimable(a.rt.Router, a.rt.Config.Role())
	if err != nil {
		return st, a.nonFatal(err, "listing claimable items")
	}
	for _, c := range candidates {
		if ctx.Err() != nil {
			return st, nil
		}
		if !a.handler.Accepts(c) {
			continue
		}
		it, err := a.rt.Claims.Claim(a.agent, c.ID)
		if errors.Is(err, perrors.ErrAlreadyClaimed) || errors.Is(err, perrors.ErrNotFound) {
			continue
		}
		if err != nil && it.ID != "" {
			// Claimed but unreadable.
			if herr := a.failed(ctx, it, err); herr != nil {
				return st, herr
			}
			continue
		}
		if err != nil {
			if serr := a.nonFatal(err, "claiming "+c.ID); serr != nil {
				return st, serr
			}
			continue
		}
		st.Claimed++
		if err := a.process(ctx, it); err != nil {
			return st, err
		}
	}

	if a.rt.Config.IsExecutor() {
		if st.Executed, err = a.rt.Workflow.ExecuteApproved(ctx); err != nil {
			return st, err
		}
	}

	if a.rt.Writer != nil {
		if st.Folded, err = a.rt.Writer.Fold(); err != nil {
			if serr := a.nonFatal(err, "folding summary updates"); serr != nil {
				return st, serr
			}
		}
	}

	for _, s := range a.rt.Vault.States() {
		a.rt.Metrics.SetItems(stateLabel(s), a.rt.Vault.Count(s))
	}

	if st != (Stats{}) {
		a.logger.Info().
			Int("quarantined", st.Quarantined).
			Int("resumed", st.Resumed).
			Int("ingested", st.Ingested).
			Int("expired", st.Expired).
			Int("reclaimed", st.Reclaimed).
			Int("claimed", st.Claimed).
			Int("executed", st.Executed).
			Int("folded", st.Folded).
			Msg("tick")
	}
	return st, nil
}

// process hands an owned item to the handler and carries out its plan.
func (a *Agent) process(ctx context.Context, it models.Item) error {
	log := a.logger.With().Str("item", it.ID).Logger()

	// Left by an interrupted execution; the executor returns it to Approved.
	if it.Status == models.StatusApproved {
		log.Debug().Msg("approved item awaiting executor")
		return nil
	}

	// A draft left from an earlier tick keeps its action; re-planning would
	// audit and publish the same draft again.
	drafted := it.Kind == models.KindDraftAction && it.Action != ""
	plan := Plan{Action: it.Action}
	if !drafted {
		var err error
		if plan, err = a.handler.Handle(ctx, it); err != nil {
			_, herr := a.rt.Recovery.Handle(ctx, it, "", err)
			return herr
		}
	}

	if plan.Action == "" {
		if !plan.Done {
			log.Debug().Msg("no plan yet")
			return nil
		}
		if err := a.rt.Claims.Release(a.agent, it.ID, models.StateDone); err != nil {
			return a.failed(ctx, it, err)
		}
		return nil
	}

	if !drafted {
		if _, err := a.rt.Workflow.Draft(a.agent, it.ID, plan.Action, plan.Params, plan.Body); err != nil {
			return a.failed(ctx, it, err)
		}
	}

	if a.rt.Workflow.Gates().RequiresApproval(plan.Action) {
		if _, err := a.rt.Workflow.Submit(a.agent, it.ID, 0); err != nil {
			return a.failed(ctx, it, err)
		}
		return nil
	}

	// Dispatch applies recovery itself.
	_, err := a.rt.Workflow.Dispatch(ctx, a.agent, it.ID)
	switch {
	case err == nil:
	case errors.Is(err, perrors.ErrExecFailed), errors.Is(err, perrors.ErrAdapterPaused):
		log.Debug().Err(err).Msg("dispatch held")
	case perrors.Classify(err) == perrors.ClassSystem:
		return err
	default:
		log.Warn().Err(err).Msg("dispatch")
	}
	return nil
}

// quarantineUndecodable moves items whose header cannot be read out of
// Needs_Action and this agent's claim directory. Routing and handlers never
// see them otherwise.
func (a *Agent) quarantineUndecodable(ctx context.Context) (int, error) {
	n := 0
	for _, state := range []models.State{models.StateNeedsAction, models.InProgress(a.agent)} {
		entries, err := a.rt.Vault.Scan(state)
		if err != nil {
			if serr := a.nonFatal(err, "scanning "+string(state)); serr != nil {
				return n, serr
			}
			continue
		}
		for _, e := range entries {
			if e.Err == nil {
				continue
			}
			switch perrors.Classify(e.Err) {
			case perrors.ClassLogic, perrors.ClassData, perrors.ClassSystem:
			default:
				a.logger.Warn().Err(e.Err).Str("item", e.ID).Msg("unreadable item left in place")
				continue
			}
			if _, herr := a.rt.Recovery.Handle(ctx, models.Item{ID: e.ID, State: state}, "", e.Err); herr != nil {
				return n, herr
			}
			n++
		}
	}
	return n, nil
}

// failed applies recovery to a workflow error raised outside Dispatch.
func (a *Agent) failed(ctx context.Context, it models.Item, err error) error {
	if errors.Is(err, perrors.ErrNotOwner) || errors.Is(err, perrors.ErrNotFound) {
		// Swept or moved by hand while we were working on it.
		a.logger.Warn().Err(err).Str("item", it.ID).Msg("item left our claim")
		return nil
	}
	_, herr := a.rt.Recovery.Handle(ctx, it, "", err)
	return herr
}

// reportInterrupted logs journal entries left issued by a previous run once
// per process. Execute flags them again when it reaches the item.
func (a *Agent) reportInterrupted() {
	if a.checkedLog {
		return
	}
	a.checkedLog = true
	pending, err := a.rt.Workflow.Interrupted()
	if err != nil {
		a.logger.Warn().Err(err).Msg("reading interrupted executions")
		return
	}
	for _, e := range pending {
		a.logger.Warn().
			Str("item", e.ItemID).
			Str("key", e.IdempotencyKey).
			Str("action", e.Action).
			Msg("execution interrupted by previous shutdown")
	}
}

// Run schedules the work loop, sync, health and housekeeping until ctx is
// cancelled or a system failure occurs. A system failure is returned so the
// process can exit non-zero and be restarted by its supervisor.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fatal := make(chan error, 1)
	fail := func(err error) {
		select {
		case fatal <- err:
		default:
		}
		cancel()
	}

	cfg := a.rt.Config
	sched := scheduler.New(a.logger)
	sched.OnSkip = a.rt.Metrics.RecordSkip
	sched.OnError = func(name string, err error) {
		if perrors.Classify(err) == perrors.ClassSystem {
			a.logger.Error().Err(err).Str("task", name).Msg("system failure; stopping")
			fail(fmt.Errorf("%s: %w", name, err))
		}
	}

	tasks := []scheduler.Task{
		{Name: "tick", Interval: cfg.TickInterval, RunAtStart: true, Fn: func(ctx context.Context) error {
			_, err := a.Tick(ctx)
			return err
		}},
		{Name: "health", Interval: cfg.HealthInterval, RunAtStart: true, Fn: func(context.Context) error {
			_, err := a.rt.Health.Emit()
			return err
		}},
		{Name: "audit-replay", Interval: time.Minute, Fn: func(context.Context) error {
			n, err := a.rt.Audit.Replay()
			if n > 0 {
				a.logger.Info().Int("replayed", n).Msg("audit fallback replayed")
			}
			return err
		}},
		{Name: "retention", Interval: 24 * time.Hour, Fn: a.rt.Journal.RunRetention},
	}
	if a.rt.Sync != nil {
		tasks = append(tasks, scheduler.Task{Name: "sync", Interval: cfg.SyncInterval, RunAtStart: true, Fn: func(ctx context.Context) error {
			_, err := a.rt.Sync.Cycle(ctx)
			return err
		}})
	}
	for _, t := range tasks {
		if err := sched.Add(t); err != nil {
			return err
		}
	}

	if a.rt.Watcher != nil {
		go func() {
			if err := a.rt.Watcher.Run(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn().Err(err).Msg("inbox watcher stopped")
			}
		}()
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	a.logger.Info().Dur("tick", cfg.TickInterval).Msg("agent running")

	<-ctx.Done()
	sched.Stop()

	select {
	case err := <-fatal:
		return err
	default:
		return nil
	}
}

// nonFatal logs err and returns it only when it is a system failure.
func (a *Agent) nonFatal(err error, what string) error {
	if perrors.Classify(err) == perrors.ClassSystem {
		return fmt.Errorf("%s: %w", what, err)
	}
	a.logger.Warn().Err(err).Msg(what)
	return nil
}
