package model

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// OperationStatus is the state of a long-running operation.
type OperationStatus string

// Operation states. Completed, failed, and cancelled are terminal: no
// transition ever leaves them.
const (
	OperationPending    OperationStatus = "pending"
	OperationProcessing OperationStatus = "processing"
	OperationCompleted  OperationStatus = "completed"
	OperationFailed     OperationStatus = "failed"
	OperationCancelled  OperationStatus = "cancelled"
)

// Terminal reports whether no further transition is permitted.
func (s OperationStatus) Terminal() bool {
	return s == OperationCompleted || s == OperationFailed || s == OperationCancelled
}

// Valid reports whether s is a known operation status.
func (s OperationStatus) Valid() bool {
	switch s {
	case OperationPending, OperationProcessing, OperationCompleted,
		OperationFailed, OperationCancelled:
		return true
	}
	return false
}

// OperationRecord is the durable state of one async operation.
//
// Result and Errors are mutually exclusive: Result is present only when the
// status is completed, Errors only when it is failed. Revision increments on
// every stored mutation; every mutation must present the revision it read or
// be rejected by the store.
type OperationRecord struct {
	ID          string          `json:"id"`
	Function    URN             `json:"function"`
	Version     string          `json:"version,omitempty"`
	Status      OperationStatus `json:"status"`
	Progress    float64         `json:"progress"`
	Result      any             `json:"result,omitempty"`
	Errors      []*Error        `json:"errors,omitempty"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	CancelledAt *time.Time      `json:"cancelledAt,omitempty"`
	CallerID    string          `json:"callerId"`
	Revision    int64           `json:"revision"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

const operationIDPrefix = "op_"

// NewOperationID generates a globally unique operation id: "op_" followed
// by 24 lowercase hex characters.
func NewOperationID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return operationIDPrefix + hex.EncodeToString(b)
}

// ValidOperationID reports whether s has the op_ + 24 lowercase hex format.
func ValidOperationID(s string) bool {
	if len(s) != len(operationIDPrefix)+24 {
		return false
	}
	if s[:len(operationIDPrefix)] != operationIDPrefix {
		return false
	}
	for i := len(operationIDPrefix); i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
