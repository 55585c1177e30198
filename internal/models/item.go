package models

import (
	"strings"
	"time"
)

// State is a lifecycle state. Its value is the vault-relative directory the
// item lives in, so location and state can never disagree.
type State string

const (
	StateInbox           State = "Inbox"
	StateNeedsAction     State = "Needs_Action"
	StateDrafts          State = "Drafts"
	StatePendingApproval State = "Pending_Approval"
	StateApproved        State = "Approved"
	StateRejected        State = "Rejected"
	StateExpired         State = "Expired"
	StateDone            State = "Done"
	StateDeadLetter      State = "Dead_Letter"

	inProgressDir = "In_Progress"
)

// InProgressRoot is the parent directory of all agent claim directories.
const InProgressRoot = inProgressDir

// InProgress returns the claim state for agentID.
func InProgress(agentID string) State {
	return State(inProgressDir + "/" + agentID)
}

// FixedStates lists every state that is not agent-scoped, in pipeline order.
var FixedStates = []State{
	StateInbox,
	StateNeedsAction,
	StateDrafts,
	StatePendingApproval,
	StateApproved,
	StateRejected,
	StateExpired,
	StateDone,
	StateDeadLetter,
}

// IsInProgress reports whether s is an agent claim directory.
func (s State) IsInProgress() bool {
	return strings.HasPrefix(string(s), inProgressDir+"/") && s.Owner() != ""
}

// Owner returns the agent owning a claim state, or "" for other states.
func (s State) Owner() string {
	rest, ok := strings.CutPrefix(string(s), inProgressDir+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	if s.IsInProgress() {
		return true
	}
	for _, f := range FixedStates {
		if s == f {
			return true
		}
	}
	return false
}

// Kind tags what an item represents.
type Kind string

const (
	KindInboundSignal   Kind = "inbound_signal"
	KindPlan            Kind = "plan"
	KindDraftAction     Kind = "draft_action"
	KindApprovalRequest Kind = "approval_request"
	KindEscalation      Kind = "escalation"
)

// Valid reports whether k is one of the closed set of kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindInboundSignal, KindPlan, KindDraftAction, KindApprovalRequest, KindEscalation:
		return true
	}
	return false
}

// Status is the informational status recorded in an item header.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
)

// Valid reports whether st is empty or one of the known statuses.
func (st Status) Valid() bool {
	switch st {
	case "", StatusPending, StatusApproved, StatusRejected, StatusExpired, StatusExecuted, StatusFailed:
		return true
	}
	return false
}

// Item is the unit of work stored in the vault.
type Item struct {
	ID     string
	Kind   Kind
	Domain string

	// State and Owner are derived from the directory the item was read from.
	State State
	Owner string

	Created  time.Time
	Modified time.Time
	Status   Status

	// Approval fields.
	Action     string
	Params     map[string]string
	Expires    time.Time
	ApprovedBy string
	DecidedAt  time.Time

	Related []string
	Body    string
}

// HasExpired reports whether the item carries an expiry that is before now.
func (it *Item) HasExpired(now time.Time) bool {
	return !it.Expires.IsZero() && now.After(it.Expires)
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	out := it
	if it.Params != nil {
		out.Params = make(map[string]string, len(it.Params))
		for k, v := range it.Params {
			out.Params[k] = v
		}
	}
	out.Related = append([]string(nil), it.Related...)
	return out
}
