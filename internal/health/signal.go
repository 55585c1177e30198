package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/vault-agent/internal/models"
	"github.com/p-blackswan/vault-agent/internal/vault"
)

// Agent classifications, decided by whoever reads a signal.
const (
	Healthy     = "healthy"
	Degraded    = "degraded"
	Unreachable = "unreachable"
)

// Self-reported process states carried in the signal.
const (
	SelfRunning  = "running"
	SelfDegraded = "degraded"
)

// AuditState reports the audit logger's fallback use.
type AuditState interface {
	Degraded() bool
	Pending() int64
}

// Reporter writes this agent's health signal.
type Reporter struct {
	store   *vault.Store
	agent   string
	started time.Time
	logger  zerolog.Logger
	now     func() time.Time

	// Sync reports the latest sync state. Optional.
	Sync func() models.SyncState
	// Audit reports fallback use. Optional.
	Audit AuditState
}

// NewReporter creates a reporter for agent.
func NewReporter(st *vault.Store, agent string, logger zerolog.Logger) *Reporter {
	return &Reporter{
		store:   st,
		agent:   agent,
		started: time.Now(),
		logger:  logger.With().Str("component", "health").Logger(),
		now:     time.Now,
	}
}

// Snapshot builds the current signal without writing it.
func (r *Reporter) Snapshot() models.HealthSignal {
	now := r.now().UTC()
	sig := models.HealthSignal{
		Timestamp:     now,
		Agent:         r.agent,
		Status:        SelfRunning,
		UptimeSeconds: int64(now.Sub(r.started).Seconds()),
		Tasks: models.TaskCounts{
			Owned:           r.store.Count(models.InProgress(r.agent)),
			PendingApproval: r.store.Count(models.StatePendingApproval),
		},
		Sync: models.SyncState{Status: "disabled"},
	}
	if r.Sync != nil {
		sig.Sync = r.Sync()
		if sig.Sync.Status != "ok" && sig.Sync.Status != "never" && sig.Sync.Status != "disabled" {
			sig.Status = SelfDegraded
		}
	}
	if r.Audit != nil {
		sig.AuditFallback = r.Audit.Pending()
		if r.Audit.Degraded() {
			sig.Status = SelfDegraded
		}
	}
	return sig
}

// Emit writes the signal to Signals/<agent>/health.json. Only this agent's
// path is ever written.
func (r *Reporter) Emit() (models.HealthSignal, error) {
	sig := r.Snapshot()
	data, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return sig, err
	}
	if err := vault.WriteAtomic(r.store.SignalPath(r.agent), append(data, '\n')); err != nil {
		return sig, fmt.Errorf("writing health signal: %w", err)
	}
	r.logger.Debug().Str("status", sig.Status).Int("owned", sig.Tasks.Owned).Msg("health signal emitted")
	return sig, nil
}

// Read loads agent's last signal.
func Read(st *vault.Store, agent string) (models.HealthSignal, error) {
	var sig models.HealthSignal
	data, err := os.ReadFile(st.SignalPath(agent))
	if err != nil {
		return sig, err
	}
	if err := json.Unmarshal(data, &sig); err != nil {
		return sig, fmt.Errorf("decoding signal for %s: %w", agent, err)
	}
	return sig, nil
}

// Thresholds separate healthy from degraded from unreachable by signal age.
type Thresholds struct {
	StaleAfter       time.Duration
	UnreachableAfter time.Duration
}

// Classify grades a signal from the reader's point of view. A fresh signal
// can still be degraded when the agent reports sync or audit trouble.
func Classify(sig models.HealthSignal, now time.Time, th Thresholds) string {
	if sig.Timestamp.IsZero() {
		return Unreachable
	}
	age := now.Sub(sig.Timestamp)
	switch {
	case age > th.UnreachableAfter:
		return Unreachable
	case age > th.StaleAfter:
		return Degraded
	case sig.Status == SelfDegraded:
		return Degraded
	}
	return Healthy
}

// AgentHealth is one agent's classified state.
type AgentHealth struct {
	Agent  string              `json:"agent"`
	Class  string              `json:"class"`
	Age    time.Duration       `json:"age"`
	Signal models.HealthSignal `json:"signal"`
}

// Assess classifies every agent that has a signal directory or a claim
// directory. Agents with no readable signal are unreachable.
func Assess(st *vault.Store, now time.Time, th Thresholds) ([]AgentHealth, error) {
	seen := make(map[string]bool)
	claimants, err := st.Agents()
	if err != nil {
		return nil, err
	}
	for _, a := range claimants {
		seen[a] = true
	}
	entries, err := os.ReadDir(st.Dir(models.State(vault.SignalsDir)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			seen[e.Name()] = true
		}
	}

	out := make([]AgentHealth, 0, len(seen))
	for agent := range seen {
		h := AgentHealth{Agent: agent, Class: Unreachable}
		if sig, err := Read(st, agent); err == nil {
			h.Signal = sig
			h.Age = now.Sub(sig.Timestamp)
			h.Class = Classify(sig, now, th)
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out, nil
}
