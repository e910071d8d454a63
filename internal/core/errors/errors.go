// Package errors defines the typed error taxonomy observed at the pipeline
// core boundary. It mirrors the category-coded ServiceError pattern used
// across the rest of the platform so connectors, the runner, and the
// dispatcher can classify failures without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories the core distinguishes for
// retry classification and HTTP surfacing.
type Kind string

const (
	KindConfiguration       Kind = "CONFIGURATION_ERROR"
	KindAuthentication      Kind = "AUTHENTICATION_ERROR"
	KindConnectionFailed    Kind = "CONNECTION_FAILED_ERROR"
	KindDataTransfer        Kind = "DATA_TRANSFER_ERROR"
	KindSchemaDiscovery     Kind = "SCHEMA_DISCOVERY_ERROR"
	KindContractViolation   Kind = "CONTRACT_VIOLATION"
	KindSchemaEvolution     Kind = "SCHEMA_EVOLUTION_VIOLATION"
	KindNodeTimeout         Kind = "NODE_TIMEOUT_ERROR"
	KindExecutionTimeout    Kind = "EXECUTION_TIMEOUT_ERROR"
	KindCancellation        Kind = "CANCELLATION_ERROR"
	KindCycle               Kind = "CYCLE_ERROR"
	KindSandboxViolation    Kind = "SANDBOX_VIOLATION"
	KindInvariant           Kind = "INVARIANT_ERROR"
	KindValidation          Kind = "VALIDATION_ERROR"
	KindAuthorization       Kind = "AUTHORIZATION_ERROR"
)

// CoreError is the single error type surfaced across DAG, cache, executor,
// runner and dispatcher boundaries.
type CoreError struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Err }

// WithDetails attaches structured context and returns the same error for
// chaining at the call site.
func (e *CoreError) WithDetails(details map[string]any) *CoreError {
	e.Details = details
	return e
}

// Retryable reports whether the runner's per-node retry policy should ever
// re-attempt a node that failed with this error kind. Non-retryable kinds
// are terminal regardless of remaining retry budget.
func (e *CoreError) Retryable() bool {
	switch e.Kind {
	case KindConnectionFailed, KindDataTransfer, KindNodeTimeout:
		return true
	default:
		return false
	}
}

func new(kind Kind, status int, msg string, err error) *CoreError {
	return &CoreError{Kind: kind, Message: msg, HTTPStatus: status, Err: err}
}

func Configuration(msg string, err error) *CoreError { return new(KindConfiguration, 400, msg, err) }
func Authentication(msg string, err error) *CoreError {
	return new(KindAuthentication, 401, msg, err)
}
func ConnectionFailed(msg string, err error) *CoreError {
	return new(KindConnectionFailed, 502, msg, err)
}
func DataTransfer(msg string, err error) *CoreError { return new(KindDataTransfer, 502, msg, err) }
func SchemaDiscovery(msg string, err error) *CoreError {
	return new(KindSchemaDiscovery, 422, msg, err)
}
func ContractViolation(msg string, err error) *CoreError {
	return new(KindContractViolation, 422, msg, err)
}
func SchemaEvolution(msg string, err error) *CoreError {
	return new(KindSchemaEvolution, 422, msg, err)
}
func NodeTimeout(msg string, err error) *CoreError   { return new(KindNodeTimeout, 504, msg, err) }
func ExecutionTimeout(msg string, err error) *CoreError {
	return new(KindExecutionTimeout, 504, msg, err)
}
func Cancellation(msg string, err error) *CoreError { return new(KindCancellation, 499, msg, err) }
func Cycle(msg string) *CoreError                   { return new(KindCycle, 400, msg, nil) }
func SandboxViolation(msg string) *CoreError         { return new(KindSandboxViolation, 403, msg, nil) }
func Invariant(msg string) *CoreError                { return new(KindInvariant, 500, msg, nil) }
func Validation(msg string) *CoreError               { return new(KindValidation, 400, msg, nil) }
func Authorization(msg string) *CoreError            { return new(KindAuthorization, 403, msg, nil) }

// As extracts a *CoreError from err, following the same pattern as
// errors.As from the standard library.
func As(err error) (*CoreError, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) a CoreError, else "".
func KindOf(err error) Kind {
	if ce, ok := As(err); ok {
		return ce.Kind
	}
	return ""
}
