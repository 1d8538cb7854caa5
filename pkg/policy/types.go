package policy

import (
	"time"

	"github.com/envalloc/envalloc/pkg/alloc"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are logged but do not block admission.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that reject the request.
	SeverityError Severity = "error"
)

// Blocks reports whether a violation of this severity rejects a request.
func (s Severity) Blocks() bool {
	return s == SeverityError
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Field is the requirement field at fault, if the policy names one.
	Field string `json:"field,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed indicates if the request may be admitted.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists findings that do not block admission, including
	// policies that failed to evaluate.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	// Spec is the requirement being admitted.
	Spec alloc.RequirementSpec `json:"spec"`

	// Context provides additional evaluation context.
	Context Context `json:"context"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// RequestID is the request being admitted.
	RequestID string `json:"request_id,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the operation being performed, "submit" or "renew".
	Operation string `json:"operation"`
}

// Limits are exposed to policies as data.envalloc.limits.
type Limits struct {
	// MaxQuantity bounds the resources one request may hold.
	MaxQuantity int `json:"max_quantity" yaml:"max_quantity"`

	// MaxWaitSeconds bounds the wait budget a request may ask for.
	MaxWaitSeconds int `json:"max_wait_seconds" yaml:"max_wait_seconds"`

	// MaxLeaseSeconds bounds the requested lease length.
	MaxLeaseSeconds int `json:"max_lease_seconds" yaml:"max_lease_seconds"`

	// AllowedTypes restricts the resource types that may be requested.
	// Empty allows every type.
	AllowedTypes []string `json:"allowed_types" yaml:"allowed_types"`
}

// DefaultLimits returns permissive limits.
func DefaultLimits() Limits {
	return Limits{
		MaxQuantity:     16,
		MaxWaitSeconds:  3600,
		MaxLeaseSeconds: 7 * 24 * 3600,
		AllowedTypes:    []string{},
	}
}
