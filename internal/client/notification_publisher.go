package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Publisher is the subset of *nats.Conn used for fire-and-forget events.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher publishes governance events to NATS for the
// notifications service and any other subscriber.
//
// Subject convention: <prefix>.<event_type>
// Event types: approval_required, submitted, auto_approved, approved, rejected,
//
//	lane_changed, aggregate_changed
//
// Publishing is non-fatal: errors are logged and never returned, so a broker
// outage never interrupts an approval operation.
type NotificationPublisher struct {
	nats   Publisher
	prefix string
	log    zerolog.Logger
}

// GovernanceEvent is the JSON schema published to NATS.
type GovernanceEvent struct {
	EventType      string                 `json:"event_type"`
	OrganisationID string                 `json:"organisation_id"`
	ArtifactID     string                 `json:"artifact_id"`
	TaskID         string                 `json:"task_id,omitempty"`
	ActorID        string                 `json:"actor_id"`
	Recipients     []string               `json:"recipients,omitempty"`
	StatusBefore   string                 `json:"status_before,omitempty"`
	StatusAfter    string                 `json:"status_after,omitempty"`
	OccurredAt     time.Time              `json:"occurred_at"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher. A nil conn disables publishing.
func NewNotificationPublisher(conn Publisher, prefix string, log zerolog.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "governance"
	}
	return &NotificationPublisher{nats: conn, prefix: prefix, log: log}
}

// Publish sends one event to <prefix>.<event.EventType>.
func (p *NotificationPublisher) Publish(_ context.Context, event *GovernanceEvent) {
	if p == nil || p.nats == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, event.EventType)
	if err := p.nats.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("artifact_id", event.ArtifactID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("artifact_id", event.ArtifactID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
}

// PublishApprovalRequired tells approvers that tasks are waiting for them.
func (p *NotificationPublisher) PublishApprovalRequired(ctx context.Context, organisationID, artifactID, actorID string, recipients []string, payload map[string]interface{}) {
	if len(recipients) == 0 {
		return
	}
	p.Publish(ctx, &GovernanceEvent{
		EventType:      "approval_required",
		OrganisationID: organisationID,
		ArtifactID:     artifactID,
		ActorID:        actorID,
		Recipients:     recipients,
		OccurredAt:     time.Now().UTC(),
		Payload:        payload,
	})
}
