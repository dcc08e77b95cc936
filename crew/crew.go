// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

// Package crew defines the shared vocabulary of the crew bus: message
// types, priorities, statuses, and the validation error every
// component raises for malformed input. Keeping these in one place
// lets the router, scheduler, and server agree on the closed sets
// without importing each other.
package crew

import "fmt"

// MessageType classifies a message moving through the bus.
type MessageType string

const (
	TypeTask       MessageType = "task"
	TypeReport     MessageType = "report"
	TypeAlert      MessageType = "alert"
	TypeEscalation MessageType = "escalation"
	TypePrivate    MessageType = "private"
)

// Valid reports whether t is in the closed message type set.
func (t MessageType) Valid() bool {
	switch t {
	case TypeTask, TypeReport, TypeAlert, TypeEscalation, TypePrivate:
		return true
	}
	return false
}

// Priority is the urgency of a message.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is in the closed priority set.
func (p Priority) Valid() bool {
	switch p {
	case PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// MessageStatus is the delivery state of a message. Transitions move
// strictly forward: pending may become held, delivered, or blocked;
// held may become delivered; delivered and blocked are terminal.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusHeld      MessageStatus = "held"
	StatusDelivered MessageStatus = "delivered"
	StatusBlocked   MessageStatus = "blocked"
)

// CanTransition reports whether a message may move from s to next.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusHeld || next == StatusDelivered || next == StatusBlocked
	case StatusHeld:
		return next == StatusDelivered
	}
	return false
}

// ValidationError reports malformed input. It is returned
// synchronously and the operation is never partially applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError for a field.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidateScore checks a trust or burnout score against the [1,10]
// dial both scores share.
func ValidateScore(field string, score int) error {
	if score < 1 || score > 10 {
		return Invalid(field, "must be in [1,10], got %d", score)
	}
	return nil
}
