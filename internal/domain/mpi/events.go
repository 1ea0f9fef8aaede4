package mpi

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	EventIdentitySynced   = "identity.synced"
	EventIdentityRemoved  = "identity.removed"
	EventIdentityConflict = "identity.conflict"
)

// Publisher delivers identity events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, eventType, key string, payload interface{}) error
}

// IdentityEvent is the payload published after an index change or a rejected
// sync. It never carries the national id itself.
type IdentityEvent struct {
	PatientRef    uuid.UUID `json:"patient_ref"`
	OwnerRef      uuid.UUID `json:"owner_ref"`
	HasNationalID bool      `json:"has_national_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, string, interface{}) error { return nil }
