// Package client holds the engine's outbound collaborators: the NATS event
// publisher and the ERP posting trigger.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NotificationPublisher publishes approval workflow events to NATS JetStream
// for consumption by the notifications service.
//
// Subject convention: approvals.ap.<event_type>
// Event types: plan_created, step_approved, step_rejected, plan_cancelled,
//              invoice_approved, invoice_rejected
//
// All publish operations are non-fatal — errors are logged but never
// propagated to the caller, so notification failures never interrupt approval
// operations.
type NotificationPublisher struct {
	js  nats.JetStreamContext
	log zerolog.Logger
}

// ApprovalEvent is the JSON schema published to NATS.
type ApprovalEvent struct {
	EventType    string                 `json:"event_type"`
	FirmID       string                 `json:"firm_id"`
	ActorID      string                 `json:"actor_id"`
	Recipients   []string               `json:"recipients,omitempty"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Category     string                 `json:"category"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given JetStream
// context. A nil context disables publishing, which keeps local development
// without a broker possible.
func NewNotificationPublisher(js nats.JetStreamContext, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{js: js, log: log}
}

// PublishApprovalEvent publishes one approval event.
// Subject: approvals.ap.<eventType>
func (p *NotificationPublisher) PublishApprovalEvent(ctx context.Context, eventType, firmID, invoiceID, actorID string, recipients []string, payload map[string]interface{}) {
	if p.js == nil {
		return
	}

	event := &ApprovalEvent{
		EventType:    eventType,
		FirmID:       firmID,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "invoice",
		ResourceID:   invoiceID,
		Category:     "ap_approval",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("approvals.ap.%s", eventType)
	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("invoice_id", invoiceID).
			Msg("notification: failed to publish event")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("invoice_id", invoiceID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
