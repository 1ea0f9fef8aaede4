package mpi

import (
	"context"

	"github.com/google/uuid"
)

// IdentityStore owns all identity records. Sync is its only writer.
//
// Implementations must make Upsert all-or-nothing for a single record and must
// reject an upsert whose non-empty NationalID belongs to another patient with
// a *ConflictError. Lookups return (nil, nil) when nothing matches. Any other
// failure wraps ErrIndexUnavailable.
type IdentityStore interface {
	Upsert(ctx context.Context, rec *IdentityRecord) error
	Get(ctx context.Context, patientRef uuid.UUID) (*IdentityRecord, error)
	FindByNationalID(ctx context.Context, nationalID string) (*IdentityRecord, error)
	// FindByNamePrefix returns every record with a name token starting with
	// prefix, in insertion order.
	FindByNamePrefix(ctx context.Context, prefix string) ([]*IdentityRecord, error)
	Delete(ctx context.Context, patientRef uuid.UUID) error
	Ping(ctx context.Context) error
}
