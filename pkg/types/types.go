package types

import (
	"fmt"
	"time"
)

// OperationType classifies the guarded call site. Consequential operations
// carry irreversible side effects (spend, publish, delete) and are subject to
// the stricter rate ceiling.
type OperationType string

const (
	OperationStandard      OperationType = "standard"
	OperationConsequential OperationType = "consequential"
)

func (t OperationType) Consequential() bool {
	return t == OperationConsequential
}

type ViolationKind string

const (
	ViolationRateLimitExceeded ViolationKind = "rate_limit_exceeded"
	ViolationCircuitOpen       ViolationKind = "circuit_open"
	ViolationInvalidRequest    ViolationKind = "invalid_request"
	ViolationBlockedKeyword    ViolationKind = "blocked_keyword"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// SafeguardViolation records a single rejection. It is created at the point
// of rejection and never mutated afterwards. It implements error so callers
// can discriminate violations from genuine operation failures with errors.As.
type SafeguardViolation struct {
	Kind          ViolationKind `json:"kind"`
	OperationType OperationType `json:"operation_type"`
	Message       string        `json:"message"`
	Timestamp     time.Time     `json:"timestamp"`
}

func NewViolation(kind ViolationKind, opType OperationType, message string) *SafeguardViolation {
	return &SafeguardViolation{
		Kind:          kind,
		OperationType: opType,
		Message:       message,
		Timestamp:     time.Now().UTC(),
	}
}

func (v *SafeguardViolation) Error() string {
	return fmt.Sprintf("safeguard violation (%s): %s", v.Kind, v.Message)
}

type AuditLogEntry struct {
	ID                 string                 `json:"id"`
	Timestamp          time.Time              `json:"timestamp"`
	OperationType      OperationType          `json:"operation_type"`
	Success            bool                   `json:"success"`
	LatencyMillis      int64                  `json:"latency_ms"`
	Violation          *SafeguardViolation    `json:"violation,omitempty"`
	ErrorMessage       string                 `json:"error_message,omitempty"`
	RedactedParameters map[string]interface{} `json:"redacted_parameters,omitempty"`
}
