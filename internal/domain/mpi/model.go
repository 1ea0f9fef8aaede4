package mpi

import (
	"time"

	"github.com/google/uuid"
)

// Score thresholds. These are fixed; they are not configurable at runtime.
const (
	ScoreExactID            = 1.0
	ScoreHighConfidence     = 0.85
	ScorePotentialDuplicate = 0.60
)

// MatchReason explains why a candidate was reported.
type MatchReason string

const (
	ReasonExactID            MatchReason = "EXACT_ID"
	ReasonHighProbability    MatchReason = "HIGH_PROBABILITY"
	ReasonPotentialDuplicate MatchReason = "POTENTIAL_DUPLICATE"
)

// Label returns the human-facing label shown to reviewers.
func (r MatchReason) Label() string {
	switch r {
	case ReasonExactID:
		return "Exact Identifier Match"
	case ReasonHighProbability:
		return "High Probability Match"
	case ReasonPotentialDuplicate:
		return "Potential Duplicate"
	default:
		return string(r)
	}
}

// IdentityRecord is the normalized, indexed form of one patient's matchable
// demographics. There is exactly one per patient.
type IdentityRecord struct {
	PatientRef        uuid.UUID  `db:"patient_ref" json:"patient_ref"`
	NormalizedName    string     `db:"normalized_name" json:"normalized_name"`
	NormalizedAddress string     `db:"normalized_address" json:"normalized_address,omitempty"`
	NationalID        string     `db:"national_id" json:"national_id,omitempty"`
	DateOfBirth       *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Phone             string     `db:"phone" json:"phone,omitempty"`
	LastUpdated       time.Time  `db:"last_updated" json:"last_updated"`
}

// Tokens returns the name tokens the prefix index is built from.
func (r *IdentityRecord) Tokens() []string {
	return NameTokens(r.NormalizedName)
}

func (r *IdentityRecord) clone() *IdentityRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.DateOfBirth != nil {
		dob := *r.DateOfBirth
		cp.DateOfBirth = &dob
	}
	return &cp
}

// Patient carries the raw demographics of a patient whose identity record
// must be brought up to date.
type Patient struct {
	PatientRef  uuid.UUID  `json:"patient_ref"`
	Name        string     `json:"name"`
	Address     string     `json:"address,omitempty"`
	NationalID  string     `json:"national_id,omitempty"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	Phone       string     `json:"phone,omitempty"`
}

// Query is the raw attribute set submitted for a duplicate check.
type Query struct {
	Name        string     `json:"name,omitempty"`
	NationalID  string     `json:"national_id,omitempty"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	Phone       string     `json:"phone,omitempty"`
}

// Probe is a Query after normalization.
type Probe struct {
	Name        string
	NationalID  string
	DateOfBirth *time.Time
	Phone       string
}

// NewProbe normalizes a raw query.
func NewProbe(q Query) Probe {
	return Probe{
		Name:        NormalizeName(q.Name),
		NationalID:  NormalizeNationalID(q.NationalID),
		DateOfBirth: civilDate(q.DateOfBirth),
		Phone:       q.Phone,
	}
}

// MatchCandidate is one ranked duplicate candidate. It is never persisted.
type MatchCandidate struct {
	PatientRef uuid.UUID   `json:"patient_ref"`
	Score      float64     `json:"score"`
	Reason     MatchReason `json:"reason"`
}

// civilDate drops the clock and zone of a date, keeping its calendar day.
func civilDate(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return false
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
