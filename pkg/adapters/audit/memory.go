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

package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-keyring/pkg/adapters/logger"
)

// DefaultCapacity is the number of events MemoryAuditAdapter retains
const DefaultCapacity = 1024

// MemoryAuditAdapter implements AuditAdapter with a fixed-size ring of the
// most recent events. It is safe for concurrent use. Every event is also
// written to the logger, which is the durable trail.
type MemoryAuditAdapter struct {
	mu     sync.RWMutex
	events []*AuditEvent
	next   int
	full   bool
	logger logger.Logger
}

// NewMemoryAuditAdapter creates an adapter holding up to capacity events.
// A nil logger discards the log trail.
func NewMemoryAuditAdapter(capacity int, log logger.Logger) *MemoryAuditAdapter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = logger.Discard()
	}
	return &MemoryAuditAdapter{
		events: make([]*AuditEvent, capacity),
		logger: log.With(logger.String("component", "audit")),
	}
}

// LogEvent records an audit event, evicting the oldest when full
func (m *MemoryAuditAdapter) LogEvent(ctx context.Context, event *AuditEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	stored := *event
	m.mu.Lock()
	m.events[m.next] = &stored
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()

	fields := []logger.Field{
		logger.String("event_id", event.ID),
		logger.String("event_type", string(event.EventType)),
		logger.String("outcome", string(event.Outcome)),
	}
	if event.Index != nil {
		fields = append(fields, logger.Int("index", *event.Index))
	}
	if event.Address != "" {
		fields = append(fields, logger.String("address", event.Address))
	}
	if event.Result != "" {
		fields = append(fields, logger.String("result", event.Result))
	}
	if event.SourceIP != "" {
		fields = append(fields, logger.String("source_ip", event.SourceIP))
	}
	if event.RequestID != "" {
		fields = append(fields, logger.String("request_id", event.RequestID))
	}
	m.logger.Info("audit event", fields...)
	return nil
}

// GetEvents retrieves matching events, newest first
func (m *MemoryAuditAdapter) GetEvents(ctx context.Context, query *EventQuery) ([]*AuditEvent, error) {
	if query == nil {
		query = &EventQuery{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := []*AuditEvent{}
	for i := range m.count() {
		// Walk backwards from the most recent slot
		idx := (m.next - 1 - i + len(m.events)) % len(m.events)
		event := m.events[idx]
		if !query.Matches(event) {
			continue
		}
		copied := *event
		results = append(results, &copied)
		if query.Limit > 0 && len(results) == query.Limit {
			break
		}
	}
	return results, nil
}

// Len returns the number of retained events
func (m *MemoryAuditAdapter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count()
}

func (m *MemoryAuditAdapter) count() int {
	if m.full {
		return len(m.events)
	}
	return m.next
}
