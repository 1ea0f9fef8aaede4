package mpi

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/mpi/internal/platform/db"
)

const (
	pgUniqueViolation     = "23505"
	nationalIDIndexName   = "identity_record_national_id_key"
	identityRecordColumns = `patient_ref, normalized_name, normalized_address, national_id,
	date_of_birth, phone, last_updated`
)

// PGStore keeps identity records in the identity_record table and their name
// tokens in identity_name_token (migrations/).
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

// Upsert writes the record and replaces its name tokens in one statement, so
// a reader never sees a record with a half-written token set.
func (s *PGStore) Upsert(ctx context.Context, rec *IdentityRecord) error {
	_, err := s.conn(ctx).Exec(ctx, `
		WITH upserted AS (
			INSERT INTO identity_record (
				patient_ref, normalized_name, normalized_address, national_id,
				date_of_birth, phone, last_updated
			) VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (patient_ref) DO UPDATE SET
				normalized_name=EXCLUDED.normalized_name,
				normalized_address=EXCLUDED.normalized_address, national_id=EXCLUDED.national_id,
				date_of_birth=EXCLUDED.date_of_birth, phone=EXCLUDED.phone,
				last_updated=EXCLUDED.last_updated
			RETURNING patient_ref
		), stale AS (
			DELETE FROM identity_name_token
			WHERE patient_ref = $1 AND NOT (token = ANY($8::text[]))
		)
		INSERT INTO identity_name_token (patient_ref, token)
		SELECT DISTINCT upserted.patient_ref, tok FROM upserted, unnest($8::text[]) AS tok
		ON CONFLICT DO NOTHING`,
		rec.PatientRef, rec.NormalizedName, nullIfEmpty(rec.NormalizedAddress),
		nullIfEmpty(rec.NationalID), rec.DateOfBirth, nullIfEmpty(rec.Phone), rec.LastUpdated,
		nonNilTokens(rec.Tokens()),
	)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == nationalIDIndexName {
		conflict := &ConflictError{NationalID: rec.NationalID, PatientRef: rec.PatientRef}
		if owner, lookupErr := s.FindByNationalID(ctx, rec.NationalID); lookupErr == nil && owner != nil {
			conflict.OwnerRef = owner.PatientRef
		}
		return conflict
	}
	return unavailable("upsert identity record", err)
}

func (s *PGStore) Get(ctx context.Context, patientRef uuid.UUID) (*IdentityRecord, error) {
	rec, err := scanIdentityRecord(s.conn(ctx).QueryRow(ctx,
		`SELECT `+identityRecordColumns+` FROM identity_record WHERE patient_ref = $1`, patientRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get identity record", err)
	}
	return rec, nil
}

func (s *PGStore) FindByNationalID(ctx context.Context, nationalID string) (*IdentityRecord, error) {
	rec, err := scanIdentityRecord(s.conn(ctx).QueryRow(ctx,
		`SELECT `+identityRecordColumns+` FROM identity_record WHERE national_id = $1`, nationalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("find by national id", err)
	}
	return rec, nil
}

func (s *PGStore) FindByNamePrefix(ctx context.Context, prefix string) ([]*IdentityRecord, error) {
	prefix = strings.ToLower(prefix)
	if prefix == "" {
		return nil, nil
	}
	lo, hi := prefixRange(prefix)
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+identityRecordColumns+` FROM identity_record
		WHERE patient_ref IN (
			SELECT patient_ref FROM identity_name_token
			WHERE token ~>=~ $1 AND token ~<~ $2
		)
		ORDER BY created_at, patient_ref`, lo, hi)
	if err != nil {
		return nil, unavailable("find by name prefix", err)
	}
	defer rows.Close()

	var out []*IdentityRecord
	for rows.Next() {
		rec, err := scanIdentityRecord(rows)
		if err != nil {
			return nil, unavailable("scan identity record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate identity records", err)
	}
	return out, nil
}

func (s *PGStore) Delete(ctx context.Context, patientRef uuid.UUID) error {
	if _, err := s.conn(ctx).Exec(ctx, `DELETE FROM identity_record WHERE patient_ref = $1`, patientRef); err != nil {
		return unavailable("delete identity record", err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func scanIdentityRecord(row pgx.Row) (*IdentityRecord, error) {
	var (
		rec                     IdentityRecord
		address, nationalID, ph *string
		dob                     *time.Time
	)
	if err := row.Scan(&rec.PatientRef, &rec.NormalizedName, &address, &nationalID,
		&dob, &ph, &rec.LastUpdated); err != nil {
		return nil, err
	}
	rec.NormalizedAddress = deref(address)
	rec.NationalID = deref(nationalID)
	rec.Phone = deref(ph)
	rec.DateOfBirth = civilDate(dob)
	return &rec, nil
}

// prefixRange returns the bytewise bounds [lo, hi) holding every token that
// starts with prefix. Tokens are valid UTF-8, so none sorts past the encoding
// of utf8.MaxRune.
func prefixRange(prefix string) (lo, hi string) {
	return prefix, prefix + string(utf8.MaxRune)
}

// nullIfEmpty maps "" to SQL NULL so the partial unique index on national_id
// only covers records that actually carry one.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
