package mpi

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	nationalIDKeyPrefix = "mpi:nid:"
	DefaultCacheTTL     = 10 * time.Minute
)

// CachedStore wraps an IdentityStore with a Redis read-through cache for exact
// national id lookups. The cache maps a national id to the owning patient ref
// and every hit is confirmed with a key lookup on the wrapped store, so an
// entry can never resurrect a removed or re-assigned record. Only hits are
// cached. Redis errors are logged and the call falls through to the wrapped
// store.
type CachedStore struct {
	next   IdentityStore
	rdb    redis.Cmdable
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedStore(next IdentityStore, rdb redis.Cmdable, ttl time.Duration, logger zerolog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{
		next:   next,
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.With().Str("component", "mpi_cache").Logger(),
	}
}

func (s *CachedStore) FindByNationalID(ctx context.Context, nationalID string) (*IdentityRecord, error) {
	key := nationalIDKey(nationalID)

	cached, err := s.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		rec, hit, verr := s.verifyHit(ctx, nationalID, cached)
		if verr != nil {
			return nil, verr
		}
		if hit {
			return rec, nil
		}
		if delErr := s.rdb.Del(ctx, key).Err(); delErr != nil {
			s.logger.Warn().Err(delErr).Msg("dropping stale cache entry failed")
		}
	case !errors.Is(err, redis.Nil):
		s.logger.Warn().Err(err).Msg("cache read failed")
	}

	rec, err := s.next.FindByNationalID(ctx, nationalID)
	if err != nil || rec == nil {
		return rec, err
	}
	if setErr := s.rdb.Set(ctx, key, rec.PatientRef.String(), s.ttl).Err(); setErr != nil {
		s.logger.Warn().Err(setErr).Msg("cache write failed")
	}
	return rec, nil
}

// verifyHit resolves a cached patient ref through the wrapped store. The entry
// only counts as a hit while that record still carries nationalID; a removal or
// re-assignment racing with the cache fill leaves an entry that must be dropped.
func (s *CachedStore) verifyHit(ctx context.Context, nationalID, cached string) (*IdentityRecord, bool, error) {
	ref, err := uuid.Parse(cached)
	if err != nil {
		s.logger.Warn().Msg("discarding undecodable cache entry")
		return nil, false, nil
	}
	rec, err := s.next.Get(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	if rec == nil || rec.NationalID != nationalID {
		return nil, false, nil
	}
	return rec, true, nil
}

func (s *CachedStore) Upsert(ctx context.Context, rec *IdentityRecord) error {
	prev, err := s.next.Get(ctx, rec.PatientRef)
	if err != nil {
		return err
	}
	if err := s.next.Upsert(ctx, rec); err != nil {
		return err
	}
	s.invalidate(ctx, prev, rec.NationalID)
	return nil
}

func (s *CachedStore) Delete(ctx context.Context, patientRef uuid.UUID) error {
	prev, err := s.next.Get(ctx, patientRef)
	if err != nil {
		return err
	}
	if err := s.next.Delete(ctx, patientRef); err != nil {
		return err
	}
	s.invalidate(ctx, prev)
	return nil
}

func (s *CachedStore) Get(ctx context.Context, patientRef uuid.UUID) (*IdentityRecord, error) {
	return s.next.Get(ctx, patientRef)
}

func (s *CachedStore) FindByNamePrefix(ctx context.Context, prefix string) ([]*IdentityRecord, error) {
	return s.next.FindByNamePrefix(ctx, prefix)
}

func (s *CachedStore) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}

func (s *CachedStore) invalidate(ctx context.Context, prev *IdentityRecord, nationalIDs ...string) {
	if prev != nil {
		nationalIDs = append(nationalIDs, prev.NationalID)
	}
	var keys []string
	for _, id := range nationalIDs {
		if id != "" {
			keys = append(keys, nationalIDKey(id))
		}
	}
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		s.logger.Warn().Err(err).Int("keys", len(keys)).Msg("cache invalidation failed")
	}
}

func nationalIDKey(nationalID string) string {
	return nationalIDKeyPrefix + nationalID
}
