package alloc

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate is safe for concurrent use and caches struct metadata.
var validate = validator.New()

// Validate checks the requirement's structural constraints and returns an
// InvalidRequirementSpec error describing every failed field.
func (s *RequirementSpec) Validate() error {
	return structError("requirement spec", validate.Struct(s))
}

// Validate checks that a resource can be registered in a catalog.
func (r *Resource) Validate() error {
	return structError("resource", validate.Struct(r))
}

func structError(what string, err error) error {
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return NewInvalidRequirementSpec(what+" could not be validated", err)
	}

	problems := make([]string, 0, len(fieldErrs))
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, fmt.Sprintf("%s failed '%s'", fe.Namespace(), fe.Tag()))
		fields = append(fields, fe.Field())
	}
	return NewInvalidRequirementSpec(strings.Join(problems, "; "), err).
		WithDetail("fields", fields)
}

// WaitTimeout resolves the requested wait budget against the configured default.
func (s *RequirementSpec) WaitTimeout(fallback time.Duration) time.Duration {
	if s.WaitTimeoutSeconds > 0 {
		return time.Duration(s.WaitTimeoutSeconds) * time.Second
	}
	return fallback
}

// LeaseTTL resolves the requested lease length against the configured default.
func (s *RequirementSpec) LeaseTTL(fallback time.Duration) time.Duration {
	if s.LeaseSeconds > 0 {
		return time.Duration(s.LeaseSeconds) * time.Second
	}
	return fallback
}

// Normalize fills defaults that do not depend on configuration.
func (s *RequirementSpec) Normalize() {
	if s.Quantity == 0 {
		s.Quantity = 1
	}
}
