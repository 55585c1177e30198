package models

import "time"

// Audit actions.
const (
	AuditCreate        = "item.create"
	AuditRelocate      = "item.relocate"
	AuditWrite         = "item.write"
	AuditClaim         = "claim.acquire"
	AuditClaimLost     = "claim.lost"
	AuditRelease       = "claim.release"
	AuditResume        = "claim.resume"
	AuditReclaim       = "claim.reclaim"
	AuditDraft         = "workflow.draft"
	AuditSubmit        = "workflow.submit"
	AuditDecide        = "workflow.decide"
	AuditDecideDenied  = "workflow.decide_denied"
	AuditExpire        = "workflow.expire"
	AuditExecute       = "workflow.execute"
	AuditExecuteDenied = "workflow.execute_denied"
	AuditDuplicateRisk = "workflow.duplicate_risk"
	AuditRetry         = "recovery.retry"
	AuditEscalate      = "recovery.escalate"
	AuditQuarantine    = "recovery.quarantine"
	AuditAdapterPause  = "recovery.adapter_pause"
	AuditSync          = "sync.cycle"
	AuditSyncDiscard   = "sync.discard"
	AuditSyncExclude   = "sync.exclude"
	AuditUpdatePublish = "summary.publish"
	AuditUpdateFold    = "summary.fold"
	AuditIngest        = "inbox.ingest"
)

// Outcome is the result recorded on an audit entry.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Agent     string            `json:"agent"`
	Component string            `json:"component"`
	Action    string            `json:"action"`
	ItemID    string            `json:"item_id,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Outcome   Outcome           `json:"outcome"`
	Error     string            `json:"error,omitempty"`
	Approver  string            `json:"approver,omitempty"`
}

// TaskCounts is the capacity part of a health signal.
type TaskCounts struct {
	Owned           int `json:"owned"`
	PendingApproval int `json:"pending_approval"`
}

// SyncState is the sync part of a health signal.
type SyncState struct {
	LastSync time.Time `json:"last_sync"`
	Status   string    `json:"status"`
}

// HealthSignal is an agent's periodically emitted liveness snapshot.
type HealthSignal struct {
	Timestamp     time.Time  `json:"timestamp"`
	Agent         string     `json:"agent"`
	Status        string     `json:"status"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Tasks         TaskCounts `json:"tasks"`
	Sync          SyncState  `json:"sync"`
	AuditFallback int64      `json:"audit_fallback,omitempty"`
}

// Update is a proposed change to the summary document, published by any
// agent and folded in by the writer role.
type Update struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Agent     string            `json:"agent"`
	Type      string            `json:"type"`
	ItemID    string            `json:"item_id,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}
