// Package errors provides structured error types and the failure taxonomy
// used by the vault agent.
package errors

import (
	"context"
	"errors"
	"fmt"
	"syscall"
)

// Sentinel errors for common failure modes.
var (
	ErrNotFound       = errors.New("item not found")
	ErrConflict       = errors.New("destination already exists")
	ErrAlreadyClaimed = errors.New("item already claimed")
	ErrNotOwner       = errors.New("item not owned by agent")
	ErrInvalidState   = errors.New("invalid state transition")
	ErrNotApproved    = errors.New("item is not approved")
	ErrApprovalNeeded = errors.New("approval required")
	ErrExpired        = errors.New("approval request expired")
	ErrNotHuman       = errors.New("decision not issued by a human surface")
	ErrNotWriter      = errors.New("role is not the designated summary writer")
	ErrInvalidItem    = errors.New("invalid item header")
	ErrCorruptItem    = errors.New("unreadable item")
	ErrAdapterPaused  = errors.New("adapter paused")
	ErrNoAdapter      = errors.New("no adapter registered for action")
	ErrCredentials    = errors.New("credentials missing or stale")
	ErrPushRejected   = errors.New("push rejected")
	ErrSyncConflict   = errors.New("unresolvable sync conflict")
	ErrExecFailed     = errors.New("execution failed; awaiting manual retry")

	ErrTimeout     = errors.New("operation timed out")
	ErrAuthFailure = errors.New("authentication failed")
	ErrRateLimit   = errors.New("rate limit exceeded")
	ErrUnavailable = errors.New("service unavailable")
)

// Class is a failure class from the recovery taxonomy.
type Class string

const (
	ClassTransient      Class = "transient"
	ClassAuthentication Class = "authentication"
	ClassLogic          Class = "logic"
	ClassData           Class = "data"
	ClassSystem         Class = "system"
	ClassUnknown        Class = "unknown"
)

// AdapterError represents an error returned by an external action adapter.
type AdapterError struct {
	Adapter    string
	StatusCode int
	Message    string
	Err        error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s adapter error (status %d): %s: %v", e.Adapter, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s adapter error (status %d): %s", e.Adapter, e.StatusCode, e.Message)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NewAdapterError creates a new adapter error.
func NewAdapterError(adapter string, statusCode int, message string) *AdapterError {
	return &AdapterError{Adapter: adapter, StatusCode: statusCode, Message: message}
}

// ItemError ties a failure to a vault item.
type ItemError struct {
	ItemID string
	Path   string
	Err    error
}

func (e *ItemError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("item %s (%s): %v", e.ItemID, e.Path, e.Err)
	}
	return fmt.Sprintf("item %s: %v", e.ItemID, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Invalid wraps a header validation failure for an item.
func Invalid(itemID, path, reason string) error {
	return &ItemError{ItemID: itemID, Path: path, Err: fmt.Errorf("%w: %s", ErrInvalidItem, reason)}
}

// Corrupt wraps a read failure for an item.
func Corrupt(itemID, path string, err error) error {
	return &ItemError{ItemID: itemID, Path: path, Err: fmt.Errorf("%w: %v", ErrCorruptItem, err)}
}

// Classify maps an error onto the recovery taxonomy.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	var apiErr *AdapterError
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			return ClassTransient
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return ClassAuthentication
		case apiErr.StatusCode >= 400:
			return ClassLogic
		}
	}

	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrRateLimit), errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrPushRejected), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, ErrAuthFailure), errors.Is(err, ErrCredentials), errors.Is(err, ErrAdapterPaused):
		return ClassAuthentication
	case errors.Is(err, ErrInvalidItem), errors.Is(err, ErrNoAdapter):
		return ClassLogic
	case errors.Is(err, ErrCorruptItem):
		return ClassData
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EROFS), errors.Is(err, syscall.EIO),
		errors.Is(err, syscall.EDQUOT):
		return ClassSystem
	}
	return ClassUnknown
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}
