package alloc

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: catalog or store unreachable, leader election in progress.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassSoft indicates an expected, retryable outcome that is not a fault,
	// such as no resource being available yet.
	ErrorClassSoft ErrorClass = "soft"

	// ErrorClassConflict indicates a lost race at the lease store.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid requirement spec, unknown reservation, forged token.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Kind names an entry of the allocation error taxonomy. Terminal request states
// use the kind name as their reason code.
type Kind string

const (
	KindCatalogUnavailable     Kind = "CatalogUnavailable"
	KindNoResourceAvailable    Kind = "NoResourceAvailable"
	KindConflict               Kind = "Conflict"
	KindTimedOut               Kind = "TimedOut"
	KindStoreUnavailable       Kind = "StoreUnavailable"
	KindInvalidRequirementSpec Kind = "InvalidRequirementSpec"
	KindNotFound               Kind = "NotFound"
	KindExpired                Kind = "Expired"
	KindCancelled              Kind = "Cancelled"
	KindInvalidToken           Kind = "InvalidToken"
	KindInternal               Kind = "Internal"
)

// Diagnostic codes attached to errors for operability. They never change the
// kind a caller observes.
const (
	CodeNoMatchingResources = "no_matching_resources"
	CodeAllCandidatesBusy   = "all_candidates_busy"
	CodeCatalogStale        = "catalog_stale"
	CodeRetryBudgetSpent    = "retry_budget_exhausted"
	CodeValidation          = "validation_error"
	CodePolicyDenied        = "policy_denied"
	CodeIdempotentReplay    = "idempotent_replay"
	CodeStaleWrite          = "stale_write"
	CodeCatalogReadOnly     = "catalog_read_only"
)

// Error represents a classified allocation error with context.
// nolint:revive // alloc.Error reads naturally at call sites
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Kind is the taxonomy entry surfaced to callers as a reason code.
	Kind Kind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional diagnostic code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same kind. A target with a code set
// also requires the codes to match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

func newError(class ErrorClass, kind Kind, message string, err error) *Error {
	return &Error{
		Class:   class,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewCatalogUnavailable reports that the catalog could not be reached. The
// caller must treat this as "unknown", never as "no resources".
func NewCatalogUnavailable(message string, err error) *Error {
	return newError(ErrorClassTransient, KindCatalogUnavailable, message, err)
}

// NewNoResourceAvailable reports a soft allocation failure. Use WithCode to tell
// an empty match apart from a busy one.
func NewNoResourceAvailable(message string) *Error {
	return newError(ErrorClassSoft, KindNoResourceAvailable, message, nil)
}

// NewConflict reports a lost compare-and-swap on the given resources.
func NewConflict(message string, resourceIDs ...string) *Error {
	e := newError(ErrorClassConflict, KindConflict, message, nil)
	if len(resourceIDs) > 0 {
		e.Resource = resourceIDs[0]
		e.WithDetail("resources", resourceIDs)
	}
	return e
}

// NewTimedOut reports that the wait budget of a request elapsed.
func NewTimedOut(message string) *Error {
	return newError(ErrorClassPermanent, KindTimedOut, message, nil)
}

// NewStoreUnavailable reports that the lease store could not be reached.
func NewStoreUnavailable(message string, err error) *Error {
	return newError(ErrorClassTransient, KindStoreUnavailable, message, err)
}

// NewInvalidRequirementSpec reports a spec that can never be satisfied as written.
func NewInvalidRequirementSpec(message string, err error) *Error {
	return newError(ErrorClassPermanent, KindInvalidRequirementSpec, message, err).WithCode(CodeValidation)
}

// NewNotFound reports an unknown reservation or request.
func NewNotFound(message string) *Error {
	return newError(ErrorClassPermanent, KindNotFound, message, nil)
}

// NewExpired reports an operation against a reservation past its deadline.
func NewExpired(message string) *Error {
	return newError(ErrorClassPermanent, KindExpired, message, nil)
}

// NewCancelled reports that the caller cancelled a pending request.
func NewCancelled(message string) *Error {
	return newError(ErrorClassPermanent, KindCancelled, message, nil)
}

// NewInvalidToken reports a lease token that failed verification.
func NewInvalidToken(message string, err error) *Error {
	return newError(ErrorClassPermanent, KindInvalidToken, message, err)
}

// NewInternal wraps an unexpected failure.
func NewInternal(message string, err error) *Error {
	return newError(ErrorClassPermanent, KindInternal, message, err)
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(resourceID string) *Error {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds a diagnostic code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ConflictingResources returns the resource IDs recorded on a Conflict error.
func (e *Error) ConflictingResources() []string {
	if e.Details == nil {
		return nil
	}
	ids, _ := e.Details["resources"].([]string)
	return ids
}

// AsError extracts an *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the taxonomy kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the diagnostic code of err, if any.
func CodeOf(err error) string {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}

// IsConflict returns true if the error is a lease store conflict.
func IsConflict(err error) bool {
	return IsKind(err, KindConflict)
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	e, ok := AsError(err)
	return ok && e.Class == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, soft, and conflict errors are retryable.
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Class {
	case ErrorClassTransient, ErrorClassSoft, ErrorClassConflict:
		return true
	default:
		return false
	}
}
