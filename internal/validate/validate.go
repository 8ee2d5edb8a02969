// Package validate provides shared validation helpers for the
// limiter's configuration and panel-facing inputs.
package validate

import (
	"fmt"
	"strings"
)

// ValidationError describes a single field validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiError collects multiple validation errors for a single config load.
type MultiError struct {
	Errors []ValidationError
}

// Add appends a validation error. A nil err is a no-op.
func (m *MultiError) Add(err error) {
	if err == nil {
		return
	}
	if ve, ok := err.(*ValidationError); ok {
		m.Errors = append(m.Errors, *ve)
	} else {
		m.Errors = append(m.Errors, ValidationError{Field: "config", Message: err.Error()})
	}
}

// HasErrors reports whether any errors have been collected.
func (m *MultiError) HasErrors() bool { return len(m.Errors) > 0 }

func (m *MultiError) Error() string {
	parts := make([]string, len(m.Errors))
	for i, e := range m.Errors {
		parts[i] = e.Error()
	}
	return strings.Join(parts, " | ")
}

// NonEmptyString validates that value is not empty or whitespace-only.
func NonEmptyString(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "must not be empty"}
	}
	return nil
}

// IntAtLeast validates that value is >= min.
func IntAtLeast(field string, value, min int) error {
	if value < min {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be at least %d", min)}
	}
	return nil
}

// IntInRange validates that value is within [min, max] inclusive.
func IntInRange(field string, value, min, max int) error {
	if value < min || value > max {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %d and %d", min, max)}
	}
	return nil
}

// countryCodeLen is the fixed length of an ISO 3166-1 alpha-2 code.
const countryCodeLen = 2

// IsCountryCode validates that value is a plausible ISO 3166-1 alpha-2
// country code, or the literal "None" (spec §6 settings.country_code
// uses "None" to mean "no geo filter").
func IsCountryCode(field, value string) error {
	v := strings.TrimSpace(value)
	if v == "" || strings.EqualFold(v, "none") {
		return nil
	}
	if len(v) != countryCodeLen {
		return &ValidationError{Field: field, Message: "must be a two-letter ISO country code or \"None\""}
	}
	for _, r := range v {
		if r < 'A' || r > 'Z' {
			if r < 'a' || r > 'z' {
				return &ValidationError{Field: field, Message: "must be a two-letter ISO country code or \"None\""}
			}
		}
	}
	return nil
}

// IsDisableMethod validates disable_method ∈ {status, group}.
func IsDisableMethod(field, value string) error {
	if value != "status" && value != "group" {
		return &ValidationError{Field: field, Message: "must be \"status\" or \"group\""}
	}
	return nil
}
