// Package audit is the append-only audit trail. Each agent appends JSON lines
// to its own daily file under Audit/<agent>/ so two agents never write the
// same path.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/vault-agent/internal/models"
	"github.com/p-blackswan/vault-agent/internal/store"
)

const dayLayout = "2006-01-02"

// Fallback is the local sink used when the vault file cannot be written.
type Fallback interface {
	SaveAuditFallback(payload string) error
	PendingAuditFallback(limit int) ([]store.FallbackRecord, error)
	MarkAuditReplayed(ids []int64) error
	CountAuditFallback() (int64, error)
}

// Logger appends audit entries. Record never fails the caller.
type Logger struct {
	dir      string
	agent    string
	fallback Fallback
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	degraded atomic.Bool
	dropped  atomic.Int64
}

// NewLogger creates a logger writing under dir (the agent's audit directory).
func NewLogger(dir, agent string, fallback Fallback, logger zerolog.Logger) *Logger {
	return &Logger{
		dir:      dir,
		agent:    agent,
		fallback: fallback,
		logger:   logger.With().Str("component", "audit").Logger(),
		now:      time.Now,
	}
}

// Record appends an entry, filling id, timestamp and agent when unset.
func (l *Logger) Record(entry models.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	if entry.Agent == "" {
		entry.Agent = l.agent
	}
	if entry.Outcome == "" {
		entry.Outcome = models.OutcomeSuccess
	}

	line, err := json.Marshal(entry)
	if err != nil {
		l.logger.Error().Err(err).Str("action", entry.Action).Msg("encoding audit entry")
		l.dropped.Add(1)
		return
	}

	ev := l.logger.Debug()
	if entry.Outcome == models.OutcomeFailure {
		ev = l.logger.Warn().Str("error", entry.Error)
	}
	ev.Str("action", entry.Action).Str("item", entry.ItemID).Msg("audit event")

	if err := l.append(entry.Timestamp, line); err != nil {
		l.writeFallback(err, line)
		return
	}
	l.degraded.Store(false)
}

func (l *Logger) append(ts time.Time, line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(l.dir, ts.UTC().Format(dayLayout)+".jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (l *Logger) writeFallback(primaryErr error, line []byte) {
	l.degraded.Store(true)
	if l.fallback == nil {
		l.dropped.Add(1)
		l.logger.Error().Err(primaryErr).RawJSON("entry", line).Msg("audit write failed with no fallback")
		return
	}
	if err := l.fallback.SaveAuditFallback(string(line)); err != nil {
		l.dropped.Add(1)
		l.logger.Error().Err(err).AnErr("primary", primaryErr).RawJSON("entry", line).Msg("audit fallback write failed")
		return
	}
	l.logger.Warn().Err(primaryErr).Msg("audit entry written to local fallback")
}

// Degraded reports whether the last write went to the fallback sink.
func (l *Logger) Degraded() bool { return l.degraded.Load() }

// Dropped returns how many entries could not be written anywhere.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Pending returns the number of fallback entries awaiting replay.
func (l *Logger) Pending() int64 {
	if l.fallback == nil {
		return 0
	}
	n, err := l.fallback.CountAuditFallback()
	if err != nil {
		return 0
	}
	return n
}

// Replay copies pending fallback entries into the vault audit files once the
// primary sink is writable again.
func (l *Logger) Replay() (int, error) {
	if l.fallback == nil {
		return 0, nil
	}
	pending, err := l.fallback.PendingAuditFallback(500)
	if err != nil {
		return 0, err
	}

	var done []int64
	for _, rec := range pending {
		var entry models.AuditEntry
		if err := json.Unmarshal([]byte(rec.Payload), &entry); err != nil {
			// Unparseable rows are marked so they do not block the queue.
			l.logger.Error().Err(err).Int64("row", rec.ID).Msg("discarding undecodable fallback row")
			done = append(done, rec.ID)
			continue
		}
		if err := l.append(entry.Timestamp, []byte(rec.Payload)); err != nil {
			break
		}
		done = append(done, rec.ID)
	}
	if err := l.fallback.MarkAuditReplayed(done); err != nil {
		return 0, fmt.Errorf("marking replayed audit rows: %w", err)
	}
	if len(done) > 0 {
		l.logger.Info().Int("count", len(done)).Msg("replayed audit fallback")
	}
	if len(done) == len(pending) {
		l.degraded.Store(false)
	}
	return len(done), nil
}
