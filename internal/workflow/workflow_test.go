package workflow

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/vault-agent/internal/audit"
	"github.com/p-blackswan/vault-agent/internal/claim"
	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/models"
	"github.com/p-blackswan/vault-agent/internal/recovery"
	"github.com/p-blackswan/vault-agent/internal/retry"
	"github.com/p-blackswan/vault-agent/internal/store"
	"github.com/p-blackswan/vault-agent/internal/vault"
)

// fakeAdapter returns errs in order, then nil.
type fakeAdapter struct {
	name    string
	actions []string
	cred    string

	mu    sync.Mutex
	errs  []error
	calls []Request
}

func (f *fakeAdapter) Name() string       { return f.name }
func (f *fakeAdapter) Actions() []string  { return f.actions }
func (f *fakeAdapter) Credential() string { return f.cred }

func (f *fakeAdapter) Execute(_ context.Context, req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memPublisher struct {
	mu      sync.Mutex
	updates []models.Update
}

func (m *memPublisher) Publish(u models.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, u)
	return nil
}

type fixture struct {
	root    string
	vault   *vault.Store
	reader  *audit.Reader
	journal *store.Store
	policy  *recovery.Policy
	claims  *claim.Manager
	adapter *fakeAdapter
	pub     *memPublisher
	wf      *Workflow
}

func newFixture(t *testing.T, agent string) *fixture {
	t.Helper()
	root := t.TempDir()
	logger := audit.NewLogger(filepath.Join(root, vault.AuditDir, agent), agent, nil, zerolog.Nop())
	reader := audit.NewReader(filepath.Join(root, vault.AuditDir))
	vs := vault.New(root, agent, logger, zerolog.Nop())
	require.NoError(t, vs.Init())

	journal, err := store.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	policy := recovery.New(vs, logger, nil, journal, agent, retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, zerolog.Nop())
	adapter := &fakeAdapter{name: "mail", actions: []string{models.ActionEmailSend, models.ActionEmailReply, models.ActionPayment, models.ActionNote}}
	pub := &memPublisher{}
	wf := New(Config{Agent: agent}, vs, logger, journal, policy, NewRegistry(adapter), nil, pub, zerolog.Nop())

	return &fixture{
		root:    root,
		vault:   vs,
		reader:  reader,
		journal: journal,
		policy:  policy,
		claims:  claim.NewManager(vs, logger, reader, zerolog.Nop()),
		adapter: adapter,
		pub:     pub,
		wf:      wf,
	}
}

func (f *fixture) seed(t *testing.T, id string) {
	t.Helper()
	_, err := f.vault.Create(models.Item{ID: id, Kind: models.KindInboundSignal, Domain: "business", Body: "Can you send the invoice?\n"}, models.StateNeedsAction)
	require.NoError(t, err)
}

// pending drives id from Needs_Action to Pending_Approval as cloud.
func (f *fixture) pending(t *testing.T, id, action string) models.Item {
	t.Helper()
	f.seed(t, id)
	_, err := f.claims.Claim("cloud", id)
	require.NoError(t, err)
	_, err = f.wf.Draft("cloud", id, action, map[string]string{"to": "client@example.com"}, "Invoice attached.\n")
	require.NoError(t, err)
	it, err := f.wf.Submit("cloud", id, 24*time.Hour)
	require.NoError(t, err)
	return it
}

func (f *fixture) approved(t *testing.T, id, action string) {
	t.Helper()
	f.pending(t, id, action)
	_, err := f.wf.Decide(SourceHuman, "local", id, DecisionApprove)
	require.NoError(t, err)
}

func (f *fixture) actions(t *testing.T, id string) []string {
	t.Helper()
	entries, err := f.reader.Query(audit.Filter{ItemID: id})
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func (f *fixture) count(t *testing.T, action string) int {
	t.Helper()
	entries, err := f.reader.Query(audit.Filter{Action: action})
	require.NoError(t, err)
	return len(entries)
}

func TestClaimDraftSubmit(t *testing.T) {
	f := newFixture(t, "cloud")
	it := f.pending(t, "EMAIL_abc", models.ActionEmailReply)

	assert.Equal(t, models.StatePendingApproval, it.State)
	assert.Equal(t, models.KindApprovalRequest, it.Kind)
	assert.Equal(t, models.StatusPending, it.Status)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), it.Expires, time.Minute)

	state, err := f.vault.Locate("EMAIL_abc")
	require.NoError(t, err)
	assert.Equal(t, models.StatePendingApproval, state)
	assert.NoFileExists(t, f.vault.Path(models.InProgress("cloud"), "EMAIL_abc"))

	var flow []string
	for _, a := range f.actions(t, "EMAIL_abc") {
		switch a {
		case models.AuditClaim, models.AuditDraft, models.AuditSubmit:
			flow = append(flow, a)
		}
	}
	assert.Equal(t, []string{models.AuditClaim, models.AuditDraft, models.AuditSubmit}, flow)
	assert.NoFileExists(t, f.vault.SummaryPath())
	assert.NotEmpty(t, f.pub.updates)
}

func TestDecideAndExecute(t *testing.T) {
	f := newFixture(t, "local")
	f.pending(t, "EMAIL_abc", models.ActionEmailReply)

	decided, err := f.wf.Decide(SourceHuman, "local", "EMAIL_abc", DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, decided.State)
	assert.Equal(t, "local", decided.ApprovedBy)

	done, err := f.wf.Execute(context.Background(), "EMAIL_abc")
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, done.State)
	assert.Equal(t, models.StatusExecuted, done.Status)

	require.Len(t, f.adapter.calls, 1)
	req := f.adapter.calls[0]
	assert.Equal(t, "local", req.Approver)
	assert.Equal(t, "client@example.com", req.Params["to"])
	assert.Equal(t, IdempotencyKey(decided), req.IdempotencyKey)

	entries, err := f.reader.Query(audit.Filter{ItemID: "EMAIL_abc", Action: models.AuditExecute})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "local", entries[0].Approver)
	assert.Equal(t, models.OutcomeSuccess, entries[0].Outcome)

	exec, err := f.journal.GetExecution(req.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, store.ExecCompleted, exec.Status)
}

func TestExecute_ManualMoveIntoApproved(t *testing.T) {
	f := newFixture(t, "local")
	f.pending(t, "EMAIL_abc", models.ActionEmailReply)
	require.NoError(t, f.vault.Relocate("EMAIL_abc", models.StatePendingApproval, models.StateApproved))

	_, err := f.wf.Execute(context.Background(), "EMAIL_abc")
	require.NoError(t, err)
	require.Len(t, f.adapter.calls, 1)
	assert.Equal(t, ManualApprover, f.adapter.calls[0].Approver)
}

func TestExecute_RefusesUnapproved(t *testing.T) {
	f := newFixture(t, "cloud")
	f.pending(t, "EMAIL_abc", models.ActionEmailReply)

	_, err := f.wf.Execute(context.Background(), "EMAIL_abc")
	assert.ErrorIs(t, err, perrors.ErrNotApproved)
	assert.Zero(t, f.adapter.callCount())
	assert.Equal(t, 1, f.count(t, models.AuditExecuteDenied))

	state, err := f.vault.Locate("EMAIL_abc")
	require.NoError(t, err)
	assert.Equal(t, models.StatePendingApproval, state)

	_, err = f.wf.Execute(context.Background(), "missing")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestDecide_RefusesNonHuman(t *testing.T) {
	f := newFixture(t, "cloud")
	f.pending(t, "REQ_1", models.ActionPayment)

	_, err := f.wf.Decide(SourceAgent, "cloud", "REQ_1", DecisionApprove)
	assert.ErrorIs(t, err, perrors.ErrNotHuman)
	assert.Equal(t, 1, f.count(t, models.AuditDecideDenied))

	state, err := f.vault.Locate("REQ_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatePendingApproval, state)

	_, err = f.wf.Decide(SourceHuman, "", "REQ_1", DecisionApprove)
	assert.ErrorIs(t, err, perrors.ErrNotHuman)
}

func TestDecide_Reject(t *testing.T) {
	f := newFixture(t, "local")
	f.pending(t, "REQ_1", models.ActionPayment)

	it, err := f.wf.Decide(SourceHuman, "local", "REQ_1", DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, models.StateRejected, it.State)
	assert.Equal(t, models.StatusRejected, it.Status)

	_, err = f.wf.Execute(context.Background(), "REQ_1")
	assert.ErrorIs(t, err, perrors.ErrNotApproved)

	_, err = f.wf.Decide(SourceHuman, "local", "REQ_1", DecisionApprove)
	assert.ErrorIs(t, err, perrors.ErrInvalidState)
}

func TestExpireDue(t *testing.T) {
	f := newFixture(t, "local")
	f.pending(t, "REQ_1", models.ActionPayment)
	f.pending(t, "REQ_2", models.ActionPayment)

	n, err := f.wf.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.wf.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	n, err = f.wf.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	it, err := f.vault.Read("REQ_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, it.State)
	assert.Equal(t, models.StatusExpired, it.Status)
	assert.Equal(t, 2, f.count(t, models.AuditEscalate))

	escalations, err := f.vault.List(models.StateNeedsAction)
	require.NoError(t, err)
	require.Len(t, escalations, 2)
	assert.Equal(t, models.KindEscalation, escalations[0].Kind)
	assert.Equal(t, string(recovery.ClassExpired), escalations[0].Params["class"])

	_, err = f.wf.Execute(context.Background(), "REQ_1")
	assert.ErrorIs(t, err, perrors.ErrNotApproved)
	assert.Zero(t, f.adapter.callCount())
}

func TestDecide_LateDecisionExpires(t *testing.T) {
	f := newFixture(t, "local")
	f.pending(t, "REQ_1", models.ActionPayment)
	f.wf.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	_, err := f.wf.Decide(SourceHuman, "local", "REQ_1", DecisionApprove)
	assert.ErrorIs(t, err, perrors.ErrExpired)

	state, err := f.vault.Locate("REQ_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, state)
}

func TestSubmit_Rules(t *testing.T) {
	f := newFixture(t, "cloud")
	f.seed(t, "A")
	_, err := f.claims.Claim("cloud", "A")
	require.NoError(t, err)

	_, err = f.wf.Draft("local", "A", models.ActionPayment, nil, "")
	assert.ErrorIs(t, err, perrors.ErrNotOwner)

	_, err = f.wf.Draft("cloud", "A", models.ActionNote, nil, "")
	require.NoError(t, err)
	_, err = f.wf.Submit("cloud", "A", 0)
	assert.ErrorIs(t, err, perrors.ErrInvalidState, "ungated actions are dispatched, not submitted")

	_, err = f.wf.Submit("local", "A", 0)
	assert.ErrorIs(t, err, perrors.ErrNotOwner)

	f.seed(t, "B")
	_, err = f.wf.Submit("cloud", "B", 0)
	assert.ErrorIs(t, err, perrors.ErrInvalidState)
}

func TestSubmit_FromDrafts(t *testing.T) {
	f := newFixture(t, "cloud")
	f.seed(t, "A")
	_, err := f.claims.Claim("cloud", "A")
	require.NoError(t, err)
	_, err = f.wf.Draft("cloud", "A", models.ActionSocialPost, nil, "post text")
	require.NoError(t, err)
	require.NoError(t, f.claims.Release("cloud", "A", models.StateDrafts))

	it, err := f.wf.Submit("cloud", "A", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, models.StatePendingApproval, it.State)
}

func TestExecute_TransientRetriedThenSucceeds(t *testing.T) {
	f := newFixture(t, "local")
	f.approved(t, "REQ_1", models.ActionEmailSend)
	f.adapter.errs = []error{perrors.ErrUnavailable}

	_, err := f.wf.Execute(context.Background(), "REQ_1")
	require.NoError(t, err)
	assert.Equal(t, 2, f.adapter.callCount())
	assert.Equal(t, 1, f.count(t, models.AuditRetry))
}

func TestExecute_ExhaustedStaysApproved(t *testing.T) {
	f := newFixture(t, "local")
	f.approved(t, "REQ_1", models.ActionEmailSend)
	f.adapter.errs = []error{perrors.ErrUnavailable, perrors.ErrUnavailable, perrors.ErrUnavailable}

	_, err := f.wf.Execute(context.Background(), "REQ_1")
	require.Error(t, err)
	assert.Equal(t, 3, f.adapter.callCount())

	state, err := f.vault.Locate("REQ_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, state)
	assert.Equal(t, 1, f.count(t, models.AuditEscalate))

	// Failed executions wait for a human instead of retrying every cycle.
	n, err := f.wf.ExecuteApproved(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 3, f.adapter.callCount())

	_, err = f.wf.Execute(context.Background(), "REQ_1")
	assert.ErrorIs(t, err, perrors.ErrExecFailed)

	cleared, err := f.journal.ClearFailures("REQ_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)
	n, err = f.wf.ExecuteApproved(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExecute_AuthPausesAdapter(t *testing.T) {
	f := newFixture(t, "local")
	f.approved(t, "REQ_1", models.ActionEmailSend)
	f.approved(t, "REQ_2", models.ActionEmailSend)
	f.adapter.errs = []error{perrors.NewAdapterError("mail", 401, "token revoked")}

	_, err := f.wf.Execute(context.Background(), "REQ_1")
	require.Error(t, err)
	assert.Equal(t, 1, f.adapter.callCount())

	paused, _ := f.policy.Paused("mail")
	assert.True(t, paused)
	assert.Equal(t, 1, f.count(t, models.AuditAdapterPause))

	_, err = f.wf.Execute(context.Background(), "REQ_2")
	assert.ErrorIs(t, err, perrors.ErrAdapterPaused)
	assert.Equal(t, 1, f.adapter.callCount())

	state, err := f.vault.Locate("REQ_2")
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, state)
}

func TestExecute_LogicFailureQuarantines(t *testing.T) {
	f := newFixture(t, "local")
	f.approved(t, "REQ_1", models.ActionEmailSend)
	f.adapter.errs = []error{perrors.NewAdapterError("mail", 422, "bad recipient")}

	_, err := f.wf.Execute(context.Background(), "REQ_1")
	require.Error(t, err)

	state, err := f.vault.Locate("REQ_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateDeadLetter, state)
	assert.Equal(t, 1, f.count(t, models.AuditQuarantine))
}

func TestExecute_NoAdapterQuarantines(t *testing.T) {
	f := newFixture(t, "local")
	f.approved(t, "REQ_1", models.ActionFileDelete)

	_, err := f.wf.Execute(context.Background(), "REQ_1")
	assert.ErrorIs(t, err, perrors.ErrNoAdapter)

	state, err := f.vault.Locate("REQ_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateDeadLetter, state)
}

type failingCreds struct{}

func (failingCreds) Check(string) error { return perrors.ErrCredentials }

func TestExecute_MissingCredentials(t *testing.T) {
	f := newFixture(t, "local")
	f.adapter.cred = "gmail_token.json"
	f.wf.creds = failingCreds{}
	f.approved(t, "REQ_1", models.ActionEmailSend)

	_, err := f.wf.Execute(context.Background(), "REQ_1")
	assert.ErrorIs(t, err, perrors.ErrCredentials)
	assert.Zero(t, f.adapter.callCount())

	paused, _ := f.policy.Paused("mail")
	assert.True(t, paused)
	state, err := f.vault.Locate("REQ_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, state)
}

func TestExecute_InterruptedCallFlagsDuplicateRisk(t *testing.T) {
	f := newFixture(t, "local")
	f.approved(t, "REQ_1", models.ActionPayment)
	it, err := f.vault.Read("REQ_1")
	require.NoError(t, err)

	// A crash between issuing the call and recording its result.
	key := IdempotencyKey(it)
	require.NoError(t, f.journal.BeginExecution(&store.Execution{IdempotencyKey: key, ItemID: "REQ_1", Action: models.ActionPayment}))
	interrupted, err := f.wf.Interrupted()
	require.NoError(t, err)
	require.Len(t, interrupted, 1)

	_, err = f.wf.Execute(context.Background(), "REQ_1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.count(t, models.AuditDuplicateRisk))
	assert.Equal(t, 1, f.count(t, models.AuditEscalate))
	require.Len(t, f.adapter.calls, 1)
	assert.Equal(t, key, f.adapter.calls[0].IdempotencyKey)

	exec, err := f.journal.GetExecution(key)
	require.NoError(t, err)
	assert.Equal(t, 2, exec.Attempts)
	assert.Equal(t, store.ExecCompleted, exec.Status)
}

func TestExecute_CompletedButNotMoved(t *testing.T) {
	f := newFixture(t, "local")
	f.approved(t, "REQ_1", models.ActionPayment)
	it, err := f.vault.Read("REQ_1")
	require.NoError(t, err)
	key := IdempotencyKey(it)
	require.NoError(t, f.journal.BeginExecution(&store.Execution{IdempotencyKey: key, ItemID: "REQ_1"}))
	require.NoError(t, f.journal.FinishExecution(key, store.ExecCompleted, ""))

	done, err := f.wf.Execute(context.Background(), "REQ_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, done.State)
	assert.Zero(t, f.adapter.callCount())
}

// racingAdapter runs during before each call.
type racingAdapter struct {
	*fakeAdapter
	during func()
}

func (r *racingAdapter) Execute(ctx context.Context, req Request) error {
	r.during()
	return r.fakeAdapter.Execute(ctx, req)
}

func TestExecute_OneExecutorPerItem(t *testing.T) {
	f := newFixture(t, "local")
	f.approved(t, "PAY_1", models.ActionPayment)

	journal2, err := store.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { journal2.Close() })
	other := &fakeAdapter{name: "mail", actions: []string{models.ActionPayment}}
	second := New(Config{Agent: "laptop"}, f.vault, f.wf.recorder, journal2, nil, NewRegistry(other), nil, nil, zerolog.Nop())

	var during error
	var heldIn models.State
	f.wf.adapters = NewRegistry(&racingAdapter{fakeAdapter: f.adapter, during: func() {
		heldIn, _ = f.vault.Locate("PAY_1")
		_, during = second.Execute(context.Background(), "PAY_1")
	}})

	done, err := f.wf.Execute(context.Background(), "PAY_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, done.State)
	assert.Equal(t, models.InProgress("local"), heldIn)
	assert.ErrorIs(t, during, perrors.ErrAlreadyClaimed)
	assert.Equal(t, 1, f.adapter.callCount())
	assert.Zero(t, other.callCount())
	assert.Zero(t, f.count(t, models.AuditExecuteDenied))

	n, err := second.ExecuteApproved(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, other.callCount())
}

func TestExecute_LostTakeSkipsAdapter(t *testing.T) {
	f := newFixture(t, "local")
	f.approved(t, "PAY_1", models.ActionPayment)
	it, err := f.vault.ReadIn(models.StateApproved, "PAY_1")
	require.NoError(t, err)

	// Another executor moved it between our read and our take.
	require.NoError(t, f.vault.Relocate("PAY_1", models.StateApproved, models.InProgress("laptop")))
	_, err = f.wf.take(it)
	assert.ErrorIs(t, err, perrors.ErrAlreadyClaimed)
	assert.Zero(t, f.adapter.callCount())
}

func TestExecuteApproved_ReturnsInterruptedItem(t *testing.T) {
	f := newFixture(t, "local")
	f.approved(t, "PAY_1", models.ActionPayment)
	it, err := f.vault.ReadIn(models.StateApproved, "PAY_1")
	require.NoError(t, err)

	// A crash after the take and the call, before the result was recorded.
	taken, err := f.wf.take(it)
	require.NoError(t, err)
	require.NoError(t, f.journal.BeginExecution(&store.Execution{IdempotencyKey: IdempotencyKey(taken), ItemID: "PAY_1", Action: models.ActionPayment}))

	n, err := f.wf.ExecuteApproved(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.adapter.callCount())
	assert.Equal(t, 1, f.count(t, models.AuditDuplicateRisk))

	state, err := f.vault.Locate("PAY_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, state)
}

func TestExecute_ManualMoveStampedWhenTaken(t *testing.T) {
	f := newFixture(t, "local")
	f.pending(t, "PAY_1", models.ActionPayment)
	require.NoError(t, f.vault.Relocate("PAY_1", models.StatePendingApproval, models.StateApproved))
	it, err := f.vault.ReadIn(models.StateApproved, "PAY_1")
	require.NoError(t, err)

	taken, err := f.wf.take(it)
	require.NoError(t, err)
	assert.Equal(t, models.InProgress("local"), taken.State)

	onDisk, err := f.vault.ReadIn(models.InProgress("local"), "PAY_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, onDisk.Status)
	assert.Equal(t, IdempotencyKey(it), IdempotencyKey(onDisk))
}

func TestExecute_SystemFailureReturned(t *testing.T) {
	f := newFixture(t, "local")
	f.approved(t, "REQ_1", models.ActionEmailSend)
	f.adapter.errs = []error{&os.PathError{Op: "write", Path: "/x", Err: syscall.ENOSPC}}

	_, err := f.wf.ExecuteApproved(context.Background())
	require.Error(t, err)
	assert.Equal(t, perrors.ClassSystem, perrors.Classify(err))
}

func TestDispatch(t *testing.T) {
	f := newFixture(t, "cloud")
	f.seed(t, "NOTE_1")
	_, err := f.claims.Claim("cloud", "NOTE_1")
	require.NoError(t, err)
	_, err = f.wf.Draft("cloud", "NOTE_1", models.ActionNote, map[string]string{"text": "filed"}, "")
	require.NoError(t, err)

	done, err := f.wf.Dispatch(context.Background(), "cloud", "NOTE_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, done.State)
	require.Len(t, f.adapter.calls, 1)
	assert.Empty(t, f.adapter.calls[0].Approver)

	f.seed(t, "PAY_1")
	_, err = f.claims.Claim("cloud", "PAY_1")
	require.NoError(t, err)
	_, err = f.wf.Draft("cloud", "PAY_1", models.ActionPayment, nil, "")
	require.NoError(t, err)
	_, err = f.wf.Dispatch(context.Background(), "cloud", "PAY_1")
	assert.ErrorIs(t, err, perrors.ErrApprovalNeeded)
	assert.Len(t, f.adapter.calls, 1)

	_, err = f.wf.Dispatch(context.Background(), "local", "PAY_1")
	assert.ErrorIs(t, err, perrors.ErrNotOwner)
}

func TestDispatch_FailureWaitsForRetry(t *testing.T) {
	f := newFixture(t, "cloud")
	f.seed(t, "NOTE_1")
	_, err := f.claims.Claim("cloud", "NOTE_1")
	require.NoError(t, err)
	_, err = f.wf.Draft("cloud", "NOTE_1", models.ActionNote, nil, "")
	require.NoError(t, err)
	f.adapter.errs = []error{perrors.ErrUnavailable, perrors.ErrUnavailable, perrors.ErrUnavailable}

	_, err = f.wf.Dispatch(context.Background(), "cloud", "NOTE_1")
	require.Error(t, err)
	assert.Equal(t, 3, f.adapter.callCount())

	_, err = f.wf.Dispatch(context.Background(), "cloud", "NOTE_1")
	assert.ErrorIs(t, err, perrors.ErrExecFailed)
	assert.Equal(t, 3, f.adapter.callCount())

	_, err = f.journal.ClearFailures("NOTE_1")
	require.NoError(t, err)
	done, err := f.wf.Dispatch(context.Background(), "cloud", "NOTE_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, done.State)
}

func TestGates_UnknownActionRequiresApproval(t *testing.T) {
	g := NewGates(models.DefaultPermissions())
	assert.True(t, g.RequiresApproval("wire_transfer"))
	assert.True(t, g.RequiresApproval(models.ActionPayment))
	assert.False(t, g.RequiresApproval(models.ActionNote))
}

func TestRegistry(t *testing.T) {
	dry := NewDryRunAdapter([]string{"a", "b"}, zerolog.Nop())
	other := &fakeAdapter{name: "other", actions: []string{"b"}}
	r := NewRegistry(dry, other)

	a, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "dry-run", a.Name())
	b, _ := r.Lookup("b")
	assert.Equal(t, "other", b.Name())
	assert.Equal(t, []string{"dry-run", "other"}, r.Names())

	require.NoError(t, dry.Execute(context.Background(), Request{ItemID: "X"}))
	assert.Len(t, dry.Requests(), 1)
}
