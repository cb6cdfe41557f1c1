// Package apperrors defines Bufferbane's typed error taxonomy, modeled
// directly on CollectorError in
// controlplane/internet-latency-collector/internal/collector/errors.go:
// a Kind, an Operation, a message, an optional wrapped cause, and an
// immutable context map attached via WithContext.
package apperrors

import (
	"fmt"
	"maps"
	"sync"
)

// Kind classifies the failure so callers (and log queries) can group
// errors without string matching.
type Kind string

const (
	KindProtocol   Kind = "protocol_error"
	KindCrypto     Kind = "crypto_error"
	KindNetwork    Kind = "network_error"
	KindConfig     Kind = "config_error"
	KindValidation Kind = "validation_error"
	KindStorage    Kind = "storage_error"
	KindTimeout    Kind = "timeout_error"
	KindCapacity   Kind = "capacity_error"
)

// Error is Bufferbane's error type: a Kind, the operation that failed,
// a human message, an optional cause, and arbitrary structured context.
type Error struct {
	Kind      Kind
	Operation string
	Message   string
	Cause     error

	context   map[string]any
	contextMu sync.RWMutex
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s failed in %s: %s (caused by: %v)", e.Kind, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s failed in %s: %s", e.Kind, e.Operation, e.Message)
}

// Unwrap lets errors.Is/As see through to Cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a fresh typed error with no context.
func New(kind Kind, operation, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		context:   make(map[string]any),
	}
}

// Context returns a copy of the error's structured context.
func (e *Error) Context() map[string]any {
	e.contextMu.RLock()
	defer e.contextMu.RUnlock()
	return maps.Clone(e.context)
}

// WithContext returns a new Error — the receiver is left untouched — with
// key=value merged into its context.
func (e *Error) WithContext(key string, value any) *Error {
	e.contextMu.RLock()
	cloned := maps.Clone(e.context)
	e.contextMu.RUnlock()

	if cloned == nil {
		cloned = make(map[string]any)
	}
	cloned[key] = value
	return &Error{
		Kind:      e.Kind,
		Operation: e.Operation,
		Message:   e.Message,
		Cause:     e.Cause,
		context:   cloned,
	}
}

func NewProtocol(operation, message string, cause error) *Error {
	return New(KindProtocol, operation, message, cause)
}

func NewCrypto(operation, message string, cause error) *Error {
	return New(KindCrypto, operation, message, cause)
}

func NewNetwork(operation, message string, cause error) *Error {
	return New(KindNetwork, operation, message, cause)
}

func NewConfig(operation, message string, cause error) *Error {
	return New(KindConfig, operation, message, cause)
}

func NewValidation(operation, message string, cause error) *Error {
	return New(KindValidation, operation, message, cause)
}

func NewStorage(operation, message string, cause error) *Error {
	return New(KindStorage, operation, message, cause)
}

func NewCapacity(operation, message string, cause error) *Error {
	return New(KindCapacity, operation, message, cause)
}

var (
	ErrSessionTableFull  = NewCapacity("session_create", "session table at capacity", nil)
	ErrNonceReplay       = NewValidation("nonce_validate", "nonce already seen", nil)
	ErrEchoNoSession     = NewValidation("echo_validate", "no active session for client", nil)
	ErrClockSkewTooLarge = NewValidation("wallclock_check", "nonce timestamp outside acceptance window", nil)
)
