package queue

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Topics
const (
	TopicDefault = "default"
	TopicBackups = "backups"
)

// Kind names a job type
type Kind string

const (
	KindProcessBackup   Kind = "process_backup"
	KindProcessRestore  Kind = "process_restore"
	KindScheduledBackup Kind = "scheduled_backup"
	KindCleanupExpired  Kind = "cleanup_expired_backups"
	KindDeleteFiles     Kind = "delete_backup_files"
)

// Envelope is the payload of every job message
type Envelope struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	RecordID      string    `json:"record_id,omitempty"`
	Attempt       int       `json:"attempt"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// NewEnvelope creates the first attempt of a job
func NewEnvelope(kind Kind, recordID, correlationID string, now time.Time) Envelope {
	return Envelope{
		ID:            uuid.New().String(),
		Kind:          kind,
		RecordID:      recordID,
		Attempt:       1,
		CorrelationID: correlationID,
		EnqueuedAt:    now.UTC(),
	}
}

// Retry returns the next attempt of the job
func (e Envelope) Retry(now time.Time) Envelope {
	next := e
	next.ID = uuid.New().String()
	next.Attempt++
	next.EnqueuedAt = now.UTC()
	return next
}

// Message encodes the envelope as a watermill message
func (e Envelope) Message() (*message.Message, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job envelope: %w", err)
	}
	msg := message.NewMessage(e.ID, payload)
	msg.Metadata.Set("kind", string(e.Kind))
	msg.Metadata.Set("attempt", fmt.Sprintf("%d", e.Attempt))
	if e.CorrelationID != "" {
		msg.Metadata.Set("correlation_id", e.CorrelationID)
	}
	return msg, nil
}

// DecodeEnvelope reads a job envelope from a message
func DecodeEnvelope(msg *message.Message) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode job envelope: %w", err)
	}
	if e.Kind == "" {
		return Envelope{}, fmt.Errorf("job envelope %s has no kind", msg.UUID)
	}
	if e.Attempt < 1 {
		e.Attempt = 1
	}
	return e, nil
}
