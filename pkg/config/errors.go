package config

import (
	"fmt"
	"strings"
)

// NotFoundError reports a missing (kind, id).
type NotFoundError struct {
	Kind Kind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// FieldError is one structured validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InvalidError reports a component that failed validation.
type InvalidError struct {
	Kind   Kind
	ID     string
	Fields []FieldError
}

func (e *InvalidError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("%s %q is invalid: %s", e.Kind, e.ID, strings.Join(parts, "; "))
}

// ConflictError reports a duplicate programmatic registration.
type ConflictError struct {
	Kind Kind
	ID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already registered programmatically", e.Kind, e.ID)
}
