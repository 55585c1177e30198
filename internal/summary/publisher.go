// Package summary maintains the shared Dashboard.md. Any agent may publish
// updates into its own Updates/<agent>/ directory; only the writer role can
// obtain a Writer, which folds those updates into the dashboard.
package summary

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/vault-agent/internal/models"
	"github.com/p-blackswan/vault-agent/internal/vault"
)

const updatePrefix = "update_"

// Publisher drops update files for the writer to fold.
type Publisher struct {
	store    *vault.Store
	agent    string
	recorder vault.Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// NewPublisher creates a publisher writing into agent's updates directory.
func NewPublisher(st *vault.Store, agent string, recorder vault.Recorder, logger zerolog.Logger) *Publisher {
	return &Publisher{
		store:    st,
		agent:    agent,
		recorder: recorder,
		logger:   logger.With().Str("component", "summary").Logger(),
		now:      time.Now,
	}
}

// Publish writes u as Updates/<agent>/update_<ts>_<id>.json. Updates are
// always written under the publishing agent, whatever u.Agent says.
func (p *Publisher) Publish(u models.Update) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = p.now().UTC()
	}
	if u.Agent == "" {
		u.Agent = p.agent
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding update: %w", err)
	}
	name := fmt.Sprintf("%s%s_%s.json", updatePrefix, u.Timestamp.Format("20060102T150405.000Z"), u.ID)
	path := filepath.Join(p.store.UpdatesPath(p.agent), name)
	if err := vault.WriteAtomic(path, data); err != nil {
		return fmt.Errorf("writing update: %w", err)
	}
	if p.recorder != nil {
		p.recorder.Record(models.AuditEntry{
			Agent:     p.agent,
			Component: "summary",
			Action:    models.AuditUpdatePublish,
			ItemID:    u.ItemID,
			Params:    map[string]string{"type": u.Type, "update": u.ID},
			Outcome:   models.OutcomeSuccess,
		})
	}
	p.logger.Debug().Str("type", u.Type).Str("item", u.ItemID).Msg("update published")
	return nil
}
