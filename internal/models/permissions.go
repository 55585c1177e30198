package models

// AccessLevel defines the permission level for an action type.
type AccessLevel int

const (
	AccessAutoApprove     AccessLevel = iota // Executes without human review
	AccessRequireApproval                    // Needs a human decision first
	AccessDenied                             // Never executed by an agent
)

func (a AccessLevel) String() string {
	switch a {
	case AccessAutoApprove:
		return "auto_approve"
	case AccessRequireApproval:
		return "require_approval"
	case AccessDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// ActionCategory groups related action types.
type ActionCategory string

const (
	CategoryInternal    ActionCategory = "internal"
	CategoryExternal    ActionCategory = "external"
	CategoryPayment     ActionCategory = "payment"
	CategoryDestructive ActionCategory = "destructive"
)

// Well-known action types.
const (
	ActionEmailSend   = "email_send"
	ActionEmailReply  = "email_reply"
	ActionSocialPost  = "social_post"
	ActionPayment     = "payment"
	ActionFileDelete  = "file_delete"
	ActionFileArchive = "file_archive"
	ActionNote        = "note"
	ActionCalendar    = "calendar_update"
)

// Permission binds an action type to its category and access level.
type Permission struct {
	Action   string         `json:"action" yaml:"action"`
	Category ActionCategory `json:"category" yaml:"category"`
	Level    AccessLevel    `json:"level" yaml:"level"`
}

// DefaultPermissions lists the built-in action policy. Sends, posts,
// payments and destructive file operations are gated by approval.
func DefaultPermissions() []Permission {
	return []Permission{
		{Action: ActionEmailSend, Category: CategoryExternal, Level: AccessRequireApproval},
		{Action: ActionEmailReply, Category: CategoryExternal, Level: AccessRequireApproval},
		{Action: ActionSocialPost, Category: CategoryExternal, Level: AccessRequireApproval},
		{Action: ActionPayment, Category: CategoryPayment, Level: AccessRequireApproval},
		{Action: ActionFileDelete, Category: CategoryDestructive, Level: AccessRequireApproval},
		{Action: ActionFileArchive, Category: CategoryInternal, Level: AccessAutoApprove},
		{Action: ActionNote, Category: CategoryInternal, Level: AccessAutoApprove},
		{Action: ActionCalendar, Category: CategoryInternal, Level: AccessAutoApprove},
	}
}
