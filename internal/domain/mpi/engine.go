package mpi

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine resolves submitted demographics against the identity index. It is
// safe for concurrent use; all mutable state lives in the store.
type Engine struct {
	store     IdentityStore
	retriever *CandidateRetriever
	score     ScoreFunc
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithPublisher sends identity events to p after every index change.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithScoreFunc replaces the default similarity scorer.
func WithScoreFunc(fn ScoreFunc) Option {
	return func(e *Engine) {
		if fn != nil {
			e.score = fn
		}
	}
}

// WithClock overrides the clock used to stamp LastUpdated.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(store IdentityStore, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		retriever: NewCandidateRetriever(store),
		score:     Score,
		publisher: noopPublisher{},
		logger:    logger.With().Str("component", "mpi").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckDuplicates returns the known patients the query may refer to, best
// first. An exact national id match is conclusive and returned alone.
// Empty or malformed input yields an empty list; only store failures
// (ErrIndexUnavailable) are returned as errors.
func (e *Engine) CheckDuplicates(ctx context.Context, q Query) ([]MatchCandidate, error) {
	p := NewProbe(q)

	if p.NationalID != "" {
		rec, err := e.store.FindByNationalID(ctx, p.NationalID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return []MatchCandidate{{PatientRef: rec.PatientRef, Score: ScoreExactID, Reason: ReasonExactID}}, nil
		}
	}

	records, err := e.retriever.Retrieve(ctx, p)
	if err != nil {
		return nil, err
	}

	candidates := make([]MatchCandidate, 0, len(records))
	for _, rec := range records {
		s := e.score(p, rec)
		if s < ScorePotentialDuplicate {
			continue
		}
		candidates = append(candidates, MatchCandidate{PatientRef: rec.PatientRef, Score: s, Reason: classify(s)})
	}
	rankCandidates(candidates)

	e.logger.Debug().
		Int("retrieved", len(records)).
		Int("reported", len(candidates)).
		Msg("duplicate check")
	return candidates, nil
}

// Sync brings the identity record of one patient in line with its current
// demographics. It must be called after every create or edit touching name,
// address, national id, date of birth or phone.
func (e *Engine) Sync(ctx context.Context, p Patient) error {
	if p.PatientRef == uuid.Nil {
		return ErrInvalidPatient
	}

	rec := &IdentityRecord{
		PatientRef:        p.PatientRef,
		NormalizedName:    NormalizeName(p.Name),
		NormalizedAddress: NormalizeAddress(p.Address),
		NationalID:        NormalizeNationalID(p.NationalID),
		DateOfBirth:       civilDate(p.DateOfBirth),
		Phone:             p.Phone,
		LastUpdated:       e.now().UTC(),
	}

	if err := e.store.Upsert(ctx, rec); err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			e.logger.Warn().
				Str("patient_ref", conflict.PatientRef.String()).
				Str("owner_ref", conflict.OwnerRef.String()).
				Msg("national id conflict on sync")
			e.publish(ctx, EventIdentityConflict, IdentityEvent{
				PatientRef:    conflict.PatientRef,
				OwnerRef:      conflict.OwnerRef,
				HasNationalID: true,
				OccurredAt:    rec.LastUpdated,
			})
		}
		return err
	}

	e.publish(ctx, EventIdentitySynced, IdentityEvent{
		PatientRef:    rec.PatientRef,
		HasNationalID: rec.NationalID != "",
		OccurredAt:    rec.LastUpdated,
	})
	return nil
}

// Remove deletes the identity record of a removed patient.
func (e *Engine) Remove(ctx context.Context, patientRef uuid.UUID) error {
	if err := e.store.Delete(ctx, patientRef); err != nil {
		return err
	}
	e.publish(ctx, EventIdentityRemoved, IdentityEvent{PatientRef: patientRef, OccurredAt: e.now().UTC()})
	return nil
}

// Lookup returns the identity record of one patient, or nil.
func (e *Engine) Lookup(ctx context.Context, patientRef uuid.UUID) (*IdentityRecord, error) {
	return e.store.Get(ctx, patientRef)
}

func (e *Engine) publish(ctx context.Context, eventType string, evt IdentityEvent) {
	if err := e.publisher.Publish(ctx, eventType, evt.PatientRef.String(), evt); err != nil {
		e.logger.Error().Err(err).
			Str("event_type", eventType).
			Str("patient_ref", evt.PatientRef.String()).
			Msg("failed to publish identity event")
	}
}

func classify(score float64) MatchReason {
	if score > ScoreHighConfidence {
		return ReasonHighProbability
	}
	return ReasonPotentialDuplicate
}

// rankCandidates sorts by score descending; equal scores are ordered by
// patient ref so results are reproducible across stores.
func rankCandidates(cs []MatchCandidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		return cs[i].PatientRef.String() < cs[j].PatientRef.String()
	})
}
