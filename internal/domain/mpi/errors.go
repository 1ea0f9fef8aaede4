package mpi

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrConflict matches any *ConflictError via errors.Is.
	ErrConflict = errors.New("national id already owned by another patient")

	// ErrIndexUnavailable is wrapped around every store-layer failure.
	ErrIndexUnavailable = errors.New("identity index unavailable")

	// ErrInvalidPatient is returned when a sync carries no patient reference.
	ErrInvalidPatient = errors.New("patient_ref is required")
)

// ConflictError reports a sync that tried to claim a national id owned by a
// different patient. It is never resolved automatically.
type ConflictError struct {
	NationalID string
	PatientRef uuid.UUID
	// OwnerRef is the current owner, or uuid.Nil when the store could not
	// tell which record holds the id.
	OwnerRef uuid.UUID
}

func (e *ConflictError) Error() string {
	if e.OwnerRef == uuid.Nil {
		return fmt.Sprintf("national id %s: %s", e.NationalID, ErrConflict)
	}
	return fmt.Sprintf("national id %s requested by patient %s is owned by patient %s",
		e.NationalID, e.PatientRef, e.OwnerRef)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIndexUnavailable, op, err)
}
