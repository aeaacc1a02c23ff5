package service

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-approval-governance/internal/client"
	"github.com/pesio-ai/be-approval-governance/internal/platform/logger"
	"github.com/pesio-ai/be-approval-governance/internal/repository"
)

// Audit actions.
const (
	ActionSubmitted        = "submitted"
	ActionAutoApproved     = "auto_approved"
	ActionApproved         = "approved"
	ActionRejected         = "rejected"
	ActionLaneChanged      = "lane_changed"
	ActionAggregateChanged = "aggregate_changed"
)

const auditWriteTimeout = 5 * time.Second

// AuditEmitter records audit entries and broadcasts them off the request
// path. Emit never blocks: when the buffer is full the entry is dropped with
// a warning. Nothing an emitter does can fail or roll back the operation that
// produced the entry.
type AuditEmitter struct {
	store     AuditStore
	publisher EventPublisher
	log       *logger.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *repository.AuditEntry
	done   chan struct{}
}

// NewAuditEmitter starts the background writer. Either store or publisher may
// be nil.
func NewAuditEmitter(store AuditStore, publisher EventPublisher, bufferSize int, log *logger.Logger) *AuditEmitter {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	e := &AuditEmitter{
		store:     store,
		publisher: publisher,
		log:       log,
		queue:     make(chan *repository.AuditEntry, bufferSize),
		done:      make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit enqueues an entry. A nil emitter discards everything.
func (e *AuditEmitter) Emit(entry *repository.AuditEntry) {
	if e == nil || entry == nil {
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.log.Warn().Str("action", entry.Action).Str("artifact_id", entry.ArtifactID).
			Msg("Audit emitter closed, dropping entry")
		return
	}

	select {
	case e.queue <- entry:
	default:
		e.log.Warn().Str("action", entry.Action).Str("artifact_id", entry.ArtifactID).
			Msg("Audit buffer full, dropping entry")
	}
}

// Close stops accepting entries and waits for the queue to drain or ctx to end.
func (e *AuditEmitter) Close(ctx context.Context) error {
	if e == nil {
		return nil
	}

	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *AuditEmitter) run() {
	defer close(e.done)
	for entry := range e.queue {
		e.write(entry)
	}
}

func (e *AuditEmitter) write(entry *repository.AuditEntry) {
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()

	if e.store != nil {
		if err := e.store.Append(ctx, entry); err != nil {
			e.log.Warn().Err(err).
				Str("action", entry.Action).
				Str("artifact_id", entry.ArtifactID).
				Msg("Failed to write audit log entry")
		}
	}

	if e.publisher != nil {
		event := &client.GovernanceEvent{
			EventType:      entry.Action,
			OrganisationID: entry.OrganisationID,
			ArtifactID:     entry.ArtifactID,
			ActorID:        entry.PerformedBy,
			OccurredAt:     entry.PerformedAt,
			Payload:        entry.Metadata,
		}
		if entry.TaskID != nil {
			event.TaskID = *entry.TaskID
		}
		if entry.StatusBefore != nil {
			event.StatusBefore = *entry.StatusBefore
		}
		if entry.StatusAfter != nil {
			event.StatusAfter = *entry.StatusAfter
		}
		e.publisher.Publish(ctx, event)
	}
}
