// Package mgmt provides the management API: probes, metrics, read access to
// the vault and the human approval surface.
package mgmt

import (
	"time"

	"github.com/p-blackswan/vault-agent/internal/health"
	"github.com/p-blackswan/vault-agent/internal/models"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// ItemView is the API representation of an item.
type ItemView struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Domain     string            `json:"domain"`
	State      string            `json:"state"`
	Owner      string            `json:"owner,omitempty"`
	Status     string            `json:"status,omitempty"`
	Action     string            `json:"action,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	Created    time.Time         `json:"created"`
	Modified   time.Time         `json:"modified,omitempty"`
	Expires    *time.Time        `json:"expires,omitempty"`
	ApprovedBy string            `json:"approved_by,omitempty"`
	DecidedAt  *time.Time        `json:"decided_at,omitempty"`
	Body       string            `json:"body,omitempty"`
}

func newItemView(it models.Item, withBody bool) ItemView {
	v := ItemView{
		ID:         it.ID,
		Type:       string(it.Kind),
		Domain:     it.Domain,
		State:      string(it.State),
		Owner:      it.Owner,
		Status:     string(it.Status),
		Action:     it.Action,
		Params:     it.Params,
		Created:    it.Created,
		Modified:   it.Modified,
		ApprovedBy: it.ApprovedBy,
	}
	if !it.Expires.IsZero() {
		e := it.Expires
		v.Expires = &e
	}
	if !it.DecidedAt.IsZero() {
		d := it.DecidedAt
		v.DecidedAt = &d
	}
	if withBody {
		v.Body = it.Body
	}
	return v
}

// ItemsResponse lists items in one state.
type ItemsResponse struct {
	State string     `json:"state"`
	Items []ItemView `json:"items"`
	Total int        `json:"total"`
}

// AgentsResponse lists classified agent health.
type AgentsResponse struct {
	Agents []health.AgentHealth `json:"agents"`
}

// DecisionRequest is the optional body of approve/reject calls. Approver is
// only honoured when auth is disabled.
type DecisionRequest struct {
	Approver string `json:"approver"`
}
