// Package engineerr centralizes the engine's error taxonomy so every
// component returns typed, wrapped errors that classifiers and the cycle
// processor can switch on with errors.As, instead of string matching.
package engineerr

import (
	"errors"
	"fmt"
)

// StoreErrorKind enumerates the store adapter's documented failure modes.
type StoreErrorKind string

const (
	StoreUnavailable StoreErrorKind = "StoreUnavailable"
	StoreConflict    StoreErrorKind = "Conflict"
	StoreNotFound    StoreErrorKind = "NotFound"
)

// StoreError wraps a store adapter failure with its kind.
type StoreError struct {
	Kind StoreErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("store: %s: %s", e.Op, e.Kind)
}

func (e *StoreError) Unwrap() error { return e.Err }

func NewStoreError(kind StoreErrorKind, op string, err error) *StoreError {
	return &StoreError{Kind: kind, Op: op, Err: err}
}

// ModelErrorKind enumerates the AI agent adapter's documented failure modes.
type ModelErrorKind string

const (
	ModelSchema   ModelErrorKind = "Schema"
	ModelSemantic ModelErrorKind = "Semantic"
	ModelEmpty    ModelErrorKind = "Empty"
	ModelVendor   ModelErrorKind = "Vendor"
)

// ModelError wraps an AI agent adapter failure with its kind. Schema,
// Semantic and Empty feed the single-shot repair path; Vendor does not.
type ModelError struct {
	Kind  ModelErrorKind
	Phase string
	Err   error
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model: %s: %s: %v", e.Phase, e.Kind, e.Err)
	}
	return fmt.Sprintf("model: %s: %s", e.Phase, e.Kind)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Repairable reports whether this error is eligible for the single-shot
// repair loop.
func (e *ModelError) Repairable() bool {
	switch e.Kind {
	case ModelSchema, ModelSemantic, ModelEmpty:
		return true
	default:
		return false
	}
}

func NewModelError(kind ModelErrorKind, phase string, err error) *ModelError {
	return &ModelError{Kind: kind, Phase: phase, Err: err}
}

// EndpointErrorKind is the closed classification taxonomy for endpoint call
// failures.
type EndpointErrorKind string

const (
	EndpointTimeout  EndpointErrorKind = "timeout"
	EndpointNetwork  EndpointErrorKind = "network"
	EndpointHTTP4xx  EndpointErrorKind = "http_4xx"
	EndpointHTTP5xx  EndpointErrorKind = "http_5xx"
	EndpointAborted  EndpointErrorKind = "aborted"
	EndpointUnknown  EndpointErrorKind = "unknown"
)

// EndpointError wraps an endpoint call failure with its classification.
type EndpointError struct {
	Kind       EndpointErrorKind
	EndpointID string
	HTTPStatus int
	Err        error
}

func (e *EndpointError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("endpoint %s: %s: %v", e.EndpointID, e.Kind, e.Err)
	}
	return fmt.Sprintf("endpoint %s: %s", e.EndpointID, e.Kind)
}

func (e *EndpointError) Unwrap() error { return e.Err }

// Transient reports whether the classification is eligible for retry.
func (e *EndpointError) Transient() bool {
	switch e.Kind {
	case EndpointHTTP5xx, EndpointTimeout, EndpointNetwork:
		return true
	default:
		return false
	}
}

func NewEndpointError(kind EndpointErrorKind, endpointID string, httpStatus int, err error) *EndpointError {
	return &EndpointError{Kind: kind, EndpointID: endpointID, HTTPStatus: httpStatus, Err: err}
}

// EngineErrorKind enumerates engine-level fatal/clean-shutdown conditions.
type EngineErrorKind string

const (
	EngineConfigInvalid EngineErrorKind = "ConfigInvalid"
	EngineCancelled     EngineErrorKind = "Cancelled"
)

// EngineError wraps an engine-lifecycle failure with its kind.
type EngineError struct {
	Kind EngineErrorKind
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("engine: %s", e.Kind)
}

func (e *EngineError) Unwrap() error { return e.Err }

func NewEngineError(kind EngineErrorKind, err error) *EngineError {
	return &EngineError{Kind: kind, Err: err}
}

// AsStoreError is a convenience errors.As wrapper.
func AsStoreError(err error) (*StoreError, bool) {
	var se *StoreError
	return se, errors.As(err, &se)
}

// AsModelError is a convenience errors.As wrapper.
func AsModelError(err error) (*ModelError, bool) {
	var me *ModelError
	return me, errors.As(err, &me)
}

// AsEndpointError is a convenience errors.As wrapper.
func AsEndpointError(err error) (*EndpointError, bool) {
	var ee *EndpointError
	return ee, errors.As(err, &ee)
}
