package engine

import (
	"errors"
	"fmt"

	"github.com/aurite-ai/aurite/pkg/config"
	"github.com/aurite-ai/aurite/pkg/mcphost"
	"github.com/aurite-ai/aurite/pkg/session"
)

// ErrorKind classifies engine failures for the programmatic API.
type ErrorKind string

const (
	KindConfigNotFound           ErrorKind = "config_not_found"
	KindConfigInvalid            ErrorKind = "config_invalid"
	KindConfigConflict           ErrorKind = "config_conflict"
	KindServerRegistrationFailed ErrorKind = "server_registration_failed"
	KindServerTimeout            ErrorKind = "server_timeout"
	KindToolInvocationFailed     ErrorKind = "tool_invocation_failed"
	KindSchemaValidationFailed   ErrorKind = "schema_validation_failed"
	KindMaxIterationsReached     ErrorKind = "max_iterations_reached"
	KindModelClientFailed        ErrorKind = "model_client_failed"
	KindSessionNotFound          ErrorKind = "session_not_found"
	KindAmbiguousPartialID       ErrorKind = "ambiguous_partial_id"
	KindCustomWorkflowFailed     ErrorKind = "custom_workflow_failed"
	KindInternal                 ErrorKind = "internal"
)

// Error is the engine's error envelope: a kind, a human-readable message,
// a retryability hint, and structured context for API consumers.
type Error struct {
	Kind      ErrorKind      `json:"kind"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Context   map[string]any `json:"context,omitempty"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind ErrorKind, cause error, context map[string]any) *Error {
	return &Error{
		Kind:    kind,
		Message: cause.Error(),
		Context: context,
		cause:   cause,
	}
}

// wrapConfigError maps config-layer errors onto the envelope.
func wrapConfigError(err error, kind config.Kind, id string) error {
	if err == nil {
		return nil
	}
	context := map[string]any{"component_kind": string(kind), "component_id": id}

	var notFound *config.NotFoundError
	if errors.As(err, &notFound) {
		return newError(KindConfigNotFound, err, context)
	}
	var invalid *config.InvalidError
	if errors.As(err, &invalid) {
		return newError(KindConfigInvalid, err, context)
	}
	var conflict *config.ConflictError
	if errors.As(err, &conflict) {
		return newError(KindConfigConflict, err, context)
	}
	return newError(KindInternal, err, context)
}

// wrapSessionError maps session-store errors onto the envelope.
func wrapSessionError(err error, sessionID string) error {
	if err == nil {
		return nil
	}
	context := map[string]any{"session_id": sessionID}

	var notFound *session.NotFoundError
	if errors.As(err, &notFound) {
		return newError(KindSessionNotFound, err, context)
	}
	var ambiguous *session.AmbiguousPartialIDError
	if errors.As(err, &ambiguous) {
		wrapped := newError(KindAmbiguousPartialID, err, context)
		wrapped.Context["candidates"] = ambiguous.Candidates
		return wrapped
	}
	return newError(KindInternal, err, context)
}

// wrapRegistrationError maps host registration failures onto the envelope.
func wrapRegistrationError(err error, serverID string) error {
	if err == nil {
		return nil
	}
	context := map[string]any{"server_id": serverID}

	var regErr *mcphost.RegistrationError
	if errors.As(err, &regErr) {
		context["phase"] = regErr.Phase
	}
	return newError(KindServerRegistrationFailed, err, context)
}
