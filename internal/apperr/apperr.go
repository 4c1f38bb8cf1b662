// Package apperr defines the error taxonomy shared by every control-plane
// component.
//
// Domain failures are values of type *Error and are returned, never panicked.
// Each carries a closed Code plus a Details map whose "reason" entry is
// always populated so automated callers can branch on a stable string.
package apperr

import (
	"errors"
	"fmt"
)

// Code is the machine-readable top-level error class.
type Code string

const (
	// CodeInvalidPayload marks malformed or missing input. Caller-fixable,
	// never retried automatically.
	CodeInvalidPayload Code = "invalid_payload"
	// CodeInvalidState marks an operation the current state forbids but a
	// later state might allow.
	CodeInvalidState Code = "invalid_state"
	// CodeUnsupportedFormat marks a capability this project's format lacks.
	CodeUnsupportedFormat Code = "unsupported_format"
	// CodeUnknown wraps unexpected faults when they must reach a caller.
	CodeUnknown Code = "unknown"
)

// Stable values for Details["reason"].
const (
	ReasonProjectLocked           = "project_locked"
	ReasonLockHolderMismatch      = "lock_holder_mismatch"
	ReasonRevisionMismatch        = "revision_mismatch"
	ReasonForbiddenRead           = "forbidden_workspace_read"
	ReasonForbiddenProjectWrite   = "forbidden_workspace_project_write"
	ReasonForbiddenFolderWrite    = "forbidden_workspace_folder_write"
	ReasonForbiddenManage         = "forbidden_workspace_manage"
	ReasonWorkspaceNotFound       = "workspace_not_found"
	ReasonDefaultMemberAdmin      = "workspace_default_member_admin_forbidden"
	ReasonDefaultMemberRoleDelete = "workspace_default_member_role_delete_forbidden"
	ReasonRoleAdminImmutable      = "workspace_role_admin_immutable"
	ReasonRoleNotFound            = "workspace_role_not_found"
	ReasonMemberNotFound          = "workspace_member_not_found"
	ReasonFolderNotFound          = "folder_not_found"
	ReasonProjectNotFound         = "project_not_found"
	ReasonJobNotFound             = "job_not_found"
	ReasonJobNotRunning           = "job_not_running"
	ReasonJobLeaseLost            = "job_lease_lost"
	ReasonFolderCycle             = "folder_cycle"
	ReasonFolderDepthExceeded     = "folder_depth_exceeded"
	ReasonTreeConflict            = "tree_conflict"
	ReasonUnknownTool             = "unknown_tool"
	ReasonInvalidField            = "invalid_field"
	ReasonMissingField            = "missing_field"
	ReasonUnexpectedField         = "unexpected_field"
	ReasonUnsupportedExportFormat = "unsupported_export_format"
	ReasonInternal                = "internal_error"
	ReasonEngineUnavailable       = "engine_unavailable"
)

// Error is a structured domain error.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches by code and, when the target names
// one, by reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	if r := t.Reason(); r != "" {
		return r == e.Reason()
	}
	return true
}

// Reason returns Details["reason"], or "" when unset.
func (e *Error) Reason() string {
	if e == nil || e.Details == nil {
		return ""
	}
	r, _ := e.Details["reason"].(string)
	return r
}

// With returns a copy of e carrying an extra detail.
func (e *Error) With(key string, value any) *Error {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	cp := *e
	cp.Details = details
	return &cp
}

// New creates a domain error. reason populates Details["reason"].
func New(code Code, reason, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: map[string]any{"reason": reason},
	}
}

// Newf is New with a formatted message.
func Newf(code Code, reason, format string, args ...any) *Error {
	return New(code, reason, fmt.Sprintf(format, args...))
}

// InvalidPayload is shorthand for a CodeInvalidPayload error.
func InvalidPayload(reason, message string) *Error {
	return New(CodeInvalidPayload, reason, message)
}

// InvalidState is shorthand for a CodeInvalidState error.
func InvalidState(reason, message string) *Error {
	return New(CodeInvalidState, reason, message)
}

// Wrap turns an unexpected fault into a CodeUnknown error for callers.
func Wrap(err error, message string) *Error {
	return &Error{
		Code:    CodeUnknown,
		Message: message,
		Details: map[string]any{"reason": ReasonInternal},
		Cause:   err,
	}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// HasReason reports whether err is a domain error carrying reason.
func HasReason(err error, reason string) bool {
	ae, ok := As(err)
	return ok && ae.Reason() == reason
}
