package enginerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error. The taxonomy is closed; callers
// switch on kinds, never on message text.
type Kind string

const (
	KindInvalidSpecification   Kind = "invalid_specification"
	KindCaseNotFound           Kind = "case_not_found"
	KindItemNotFound           Kind = "item_not_found"
	KindPreconditionViolated   Kind = "precondition_violated"
	KindOutputValidationFailed Kind = "output_validation_failed"
	KindWorkerUnresponsive     Kind = "worker_unresponsive"
	KindWorkItemFailed         Kind = "work_item_failed"
	KindRoutingRejected        Kind = "routing_rejected"
	KindServiceUnavailable     Kind = "service_unavailable"
	KindInternalInvariant      Kind = "internal_invariant_broken"
)

// Error is the caller-visible engine error. It carries identifiers but
// never internal state.
type Error struct {
	Kind    Kind
	CaseID  string
	ItemID  string
	EventID string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.CaseID != "" {
		msg += fmt.Sprintf(" (case=%s", e.CaseID)
		if e.ItemID != "" {
			msg += fmt.Sprintf(" item=%s", e.ItemID)
		}
		msg += ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by kind so callers can use errors.Is with a bare kind error
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New creates an engine error
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an engine error with a formatted message
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error with a kind
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithCase attaches a case ID
func (e *Error) WithCase(caseID string) *Error {
	e.CaseID = caseID
	return e
}

// WithItem attaches an item ID
func (e *Error) WithItem(itemID string) *Error {
	e.ItemID = itemID
	return e
}

// WithEvent attaches the triggering event ID
func (e *Error) WithEvent(eventID string) *Error {
	e.EventID = eventID
	return e
}

// KindOf extracts the kind from an error chain; empty if none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
