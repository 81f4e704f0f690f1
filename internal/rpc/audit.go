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

package rpc

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jeremyhahn/go-keyring/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keyring/pkg/correlation"
	"github.com/jeremyhahn/go-keyring/pkg/keyring"
	"github.com/jeremyhahn/go-keyring/pkg/keyring/protocol"
)

type sourceIPKey struct{}

func withSourceIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, sourceIPKey{}, ip)
}

func sourceIP(ctx context.Context) string {
	ip, _ := ctx.Value(sourceIPKey{}).(string)
	return ip
}

// auditedDevice records every operation that creates, uses or destroys key
// material. Reads and pings are not recorded.
type auditedDevice struct {
	Device
	trail audit.AuditAdapter
}

func (d *auditedDevice) CreateKey(ctx context.Context, index int) (string, error) {
	address, err := d.Device.CreateKey(ctx, index)
	event := d.event(ctx, audit.EventKeyCreate, &index, err)
	event.Address = address
	d.record(ctx, event)
	return address, err
}

func (d *auditedDevice) DeleteKey(ctx context.Context, index int) error {
	err := d.Device.DeleteKey(ctx, index)
	d.record(ctx, d.event(ctx, audit.EventKeyDelete, &index, err))
	return err
}

func (d *auditedDevice) Sign(ctx context.Context, index int, payload []byte) (protocol.Signature, error) {
	sig, err := d.Device.Sign(ctx, index, payload)
	d.record(ctx, d.event(ctx, audit.EventSign, &index, err))
	return sig, err
}

func (d *auditedDevice) Reset(ctx context.Context) error {
	err := d.Device.Reset(ctx)
	d.record(ctx, d.event(ctx, audit.EventDeviceReset, nil, err))
	return err
}

func (d *auditedDevice) event(ctx context.Context, typ audit.EventType, index *int, err error) *audit.AuditEvent {
	event := &audit.AuditEvent{
		EventType: typ,
		Outcome:   audit.OutcomeSuccess,
		Index:     index,
		RequestID: correlation.GetCorrelationID(ctx),
		SourceIP:  sourceIP(ctx),
	}
	switch {
	case err == nil:
	case keyring.IsCallerError(err):
		event.Outcome = audit.OutcomeRejected
		event.Result = err.Error()
	default:
		event.Outcome = audit.OutcomeFailure
		event.Result = err.Error()
	}
	return event
}

func (d *auditedDevice) record(ctx context.Context, event *audit.AuditEvent) {
	// The trail must outlive a canceled request.
	_ = d.trail.LogEvent(context.WithoutCancel(ctx), event)
}

// AuditHandler serves the retained audit events as JSON, newest first.
// Query parameters type and outcome may repeat; since takes RFC 3339;
// request_id and limit narrow the result.
func (s *Server) AuditHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := &audit.EventQuery{RequestID: q.Get("request_id")}
	for _, t := range q["type"] {
		query.EventTypes = append(query.EventTypes, audit.EventType(strings.TrimSpace(t)))
	}
	for _, o := range q["outcome"] {
		query.Outcomes = append(query.Outcomes, audit.EventOutcome(strings.TrimSpace(o)))
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		query.StartTime = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		query.Limit = n
	}

	events, err := s.audit.GetEvents(r.Context(), query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeResponse(w, http.StatusOK, map[string]any{"events": events})
}
