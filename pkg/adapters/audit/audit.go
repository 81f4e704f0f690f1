// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyring.
//
// go-keyring is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package audit records an audit trail of device operations that change or
// use key material. Applications can implement AuditAdapter to ship events
// elsewhere; MemoryAuditAdapter keeps a bounded window in memory.
package audit

import (
	"context"
	"slices"
	"time"
)

// EventType represents the type of audit event
type EventType string

const (
	// Key management events
	EventKeyCreate EventType = "key.create"
	EventKeyDelete EventType = "key.delete"

	// Cryptographic operation events
	EventSign EventType = "crypto.sign"

	// Device events
	EventDeviceReset EventType = "device.reset"
)

// EventOutcome indicates the result of an operation
type EventOutcome string

const (
	// OutcomeSuccess means the device completed the operation
	OutcomeSuccess EventOutcome = "success"
	// OutcomeFailure means the device or channel failed
	OutcomeFailure EventOutcome = "failure"
	// OutcomeRejected means the request was refused before reaching the device
	OutcomeRejected EventOutcome = "rejected"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	// ID is a unique identifier for this audit event
	ID string `json:"id"`

	// Timestamp when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// EventType categorizes the event
	EventType EventType `json:"event_type"`

	// Outcome indicates whether the operation succeeded
	Outcome EventOutcome `json:"outcome"`

	// Index is the key slot, when the operation names one
	Index *int `json:"index,omitempty"`

	// Address is the key created by the operation
	Address string `json:"address,omitempty"`

	// Result contains the error message of a failed operation
	Result string `json:"result,omitempty"`

	// RequestID correlates this event with a request
	RequestID string `json:"request_id,omitempty"`

	// SourceIP is the IP address of the client
	SourceIP string `json:"source_ip,omitempty"`
}

// AuditAdapter provides audit logging capabilities.
type AuditAdapter interface {
	// LogEvent records an audit event, assigning its ID and timestamp when
	// they are empty
	LogEvent(ctx context.Context, event *AuditEvent) error

	// GetEvents retrieves audit events, newest first
	GetEvents(ctx context.Context, query *EventQuery) ([]*AuditEvent, error)
}

// EventQuery provides parameters for querying audit events
type EventQuery struct {
	// EventTypes filters by event type
	EventTypes []EventType

	// Outcomes filters by outcome
	Outcomes []EventOutcome

	// StartTime filters events at or after this time
	StartTime time.Time

	// RequestID filters by request ID
	RequestID string

	// Limit limits the number of results
	Limit int
}

// Matches reports whether event passes every filter of the query.
func (q *EventQuery) Matches(event *AuditEvent) bool {
	if len(q.EventTypes) > 0 && !slices.Contains(q.EventTypes, event.EventType) {
		return false
	}
	if len(q.Outcomes) > 0 && !slices.Contains(q.Outcomes, event.Outcome) {
		return false
	}
	if !q.StartTime.IsZero() && event.Timestamp.Before(q.StartTime) {
		return false
	}
	if q.RequestID != "" && event.RequestID != q.RequestID {
		return false
	}
	return true
}
