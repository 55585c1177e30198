package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/vault-agent/internal/config"
	"github.com/p-blackswan/vault-agent/internal/models"
	"github.com/p-blackswan/vault-agent/internal/vault"
)

type env struct {
	vault string
	state string
	st    *vault.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	base := t.TempDir()
	e := &env{vault: filepath.Join(base, "vault"), state: filepath.Join(base, "state")}
	t.Setenv("SYNC_ENABLED", "false")
	t.Setenv("SECRETS_DIR", filepath.Join(base, "secrets"))
	t.Setenv("AGENT_ID", "")
	t.Setenv("AGENT_ROLE", "")
	t.Setenv("MGMT_ENABLED", "false")
	t.Setenv("VAULTCTL_AGENT", "")
	t.Setenv("VAULTCTL_APPROVER", "")
	t.Setenv("USER", "")
	e.st = vault.New(e.vault, "seed", nil, zerolog.Nop())
	require.NoError(t, e.st.Init())
	return e
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := NewApp("test")
	app.Writer = &out
	app.ErrWriter = &errOut
	full := append([]string{"vaultctl", "--vault", e.vault, "--state-dir", e.state}, args...)
	err := app.Run(context.Background(), full)
	return out.String(), err
}

func (e *env) pending(t *testing.T, id, action string) {
	t.Helper()
	_, err := e.st.Create(models.Item{
		ID:      id,
		Kind:    models.KindApprovalRequest,
		Status:  models.StatusPending,
		Action:  action,
		Expires: time.Now().Add(time.Hour),
		Body:    "please approve\n",
	}, models.StatePendingApproval)
	require.NoError(t, err)
}

func (e *env) locate(t *testing.T, id string) models.State {
	t.Helper()
	s, err := e.st.Locate(id)
	require.NoError(t, err)
	return s
}

func TestList(t *testing.T) {
	e := newEnv(t)
	e.pending(t, "PAY_1", models.ActionPayment)

	out, err := e.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "PAY_1")
	assert.Contains(t, out, models.ActionPayment)

	out, err = e.run(t, "list", "--json")
	require.NoError(t, err)
	var info itemInfo
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &info))
	assert.Equal(t, "PAY_1", info.ID)
	assert.Equal(t, string(models.StatePendingApproval), info.State)

	_, err = e.run(t, "list", "--state", "Nowhere")
	assert.Error(t, err)
}

func TestShow(t *testing.T) {
	e := newEnv(t)
	e.pending(t, "PAY_1", models.ActionPayment)

	out, err := e.run(t, "show", "PAY_1")
	require.NoError(t, err)
	assert.Contains(t, out, "please approve")

	_, err = e.run(t, "show")
	assert.Error(t, err)
}

func TestApprove(t *testing.T) {
	e := newEnv(t)
	e.pending(t, "PAY_1", models.ActionPayment)

	out, err := e.run(t, "approve", "--as", "alice", "PAY_1")
	require.NoError(t, err)
	assert.Contains(t, out, "PAY_1 approved by alice")

	it, err := e.st.ReadIn(models.StateApproved, "PAY_1")
	require.NoError(t, err)
	assert.Equal(t, "alice", it.ApprovedBy)

	out, err = e.run(t, "audit", "--item", "PAY_1")
	require.NoError(t, err)
	assert.Contains(t, out, models.AuditDecide)
	assert.Contains(t, out, "approver=alice")
}

func TestApprove_RequiresIdentity(t *testing.T) {
	e := newEnv(t)
	e.pending(t, "PAY_1", models.ActionPayment)

	_, err := e.run(t, "approve", "PAY_1")
	require.Error(t, err)
	assert.Equal(t, models.StatePendingApproval, e.locate(t, "PAY_1"))
}

func TestReject_FromEnvironment(t *testing.T) {
	e := newEnv(t)
	e.pending(t, "MAIL_1", models.ActionEmailSend)
	t.Setenv("VAULTCTL_APPROVER", "bob")

	_, err := e.run(t, "reject", "MAIL_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateRejected, e.locate(t, "MAIL_1"))
}

func TestRetry_RequeuesQuarantined(t *testing.T) {
	e := newEnv(t)
	_, err := e.st.Create(models.Item{ID: "BAD_1", Kind: models.KindInboundSignal}, models.StateDeadLetter)
	require.NoError(t, err)

	out, err := e.run(t, "retry", "--adapter", "mail", "BAD_1")
	require.NoError(t, err)
	assert.Contains(t, out, "requeued BAD_1")
	assert.Contains(t, out, "resumed adapter mail")
	assert.Equal(t, models.StateNeedsAction, e.locate(t, "BAD_1"))
}

func TestClaimAndRelease(t *testing.T) {
	e := newEnv(t)
	_, err := e.st.Create(models.Item{ID: "SIG_1", Kind: models.KindInboundSignal}, models.StateNeedsAction)
	require.NoError(t, err)

	out, err := e.run(t, "--agent", "bob", "claim", "SIG_1")
	require.NoError(t, err)
	assert.Contains(t, out, "claimed SIG_1")
	assert.Equal(t, models.InProgress("bob"), e.locate(t, "SIG_1"))

	// The default identity does not own bob's claim.
	_, err = e.run(t, "release", "SIG_1")
	require.Error(t, err)

	_, err = e.run(t, "--agent", "bob", "release", "--to", "Done", "SIG_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, e.locate(t, "SIG_1"))
}

func TestStatus(t *testing.T) {
	e := newEnv(t)
	e.pending(t, "PAY_1", models.ActionPayment)

	out, err := e.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "STATE")
	assert.Contains(t, out, string(models.StateNeedsAction))
	assert.Contains(t, out, "PENDING")
	assert.Contains(t, out, "PAY_1")
}

func TestSync_Disabled(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "sync")
	assert.ErrorIs(t, err, errSyncDisabled)

	out, err := e.run(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "sync disabled")
}

func TestApplyOverrides(t *testing.T) {
	cfg := &config.Config{VaultPath: "./vault", StateDir: "./state"}
	applyOverrides(cfg, &Flags{})
	assert.Equal(t, DefaultAgent, cfg.AgentID)
	assert.Equal(t, "./vault", cfg.VaultPath)

	cfg = &config.Config{AgentID: "cloud"}
	applyOverrides(cfg, &Flags{Agent: "laptop", VaultPath: "/v", StateDir: "/s"})
	assert.Equal(t, "laptop", cfg.AgentID)
	assert.Equal(t, "/v", cfg.VaultPath)
	assert.Equal(t, "/s", cfg.StateDir)
}
