package mpi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func upsert(t *testing.T, s IdentityStore, rec *IdentityRecord) {
	t.Helper()
	if err := s.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("upsert %s: %v", rec.NormalizedName, err)
	}
}

func refs(recs []*IdentityRecord) []uuid.UUID {
	out := make([]uuid.UUID, len(recs))
	for i, r := range recs {
		out[i] = r.PatientRef
	}
	return out
}

func TestMemoryStore_SparseNationalIDUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a, b := uuid.New(), uuid.New()

	upsert(t, s, &IdentityRecord{PatientRef: a, NormalizedName: "ali", NationalID: "4210112345671"})
	err := s.Upsert(ctx, &IdentityRecord{PatientRef: b, NormalizedName: "raza", NationalID: "4210112345671"})

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %v", err)
	}
	if conflict.OwnerRef != a || conflict.PatientRef != b {
		t.Errorf("unexpected conflict %+v", conflict)
	}
	if !errors.Is(err, ErrConflict) {
		t.Error("expected errors.Is(err, ErrConflict)")
	}
	if got, _ := s.Get(ctx, b); got != nil {
		t.Error("rejected upsert must not store a record")
	}

	// Records without a national id never conflict.
	upsert(t, s, &IdentityRecord{PatientRef: uuid.New(), NormalizedName: "x"})
	upsert(t, s, &IdentityRecord{PatientRef: uuid.New(), NormalizedName: "y"})
	if s.Len() != 3 {
		t.Errorf("expected 3 records, got %d", s.Len())
	}
}

func TestMemoryStore_UpsertSamePatientKeepsNationalID(t *testing.T) {
	s := NewMemoryStore()
	a := uuid.New()
	upsert(t, s, &IdentityRecord{PatientRef: a, NormalizedName: "ali", NationalID: "123"})
	upsert(t, s, &IdentityRecord{PatientRef: a, NormalizedName: "ali raza", NationalID: "123"})

	got, err := s.FindByNationalID(context.Background(), "123")
	if err != nil || got == nil {
		t.Fatalf("expected record, got %v, %v", got, err)
	}
	if got.NormalizedName != "ali raza" {
		t.Errorf("expected latest name, got %q", got.NormalizedName)
	}
}

func TestMemoryStore_ClearingNationalIDReleasesIt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a, b := uuid.New(), uuid.New()
	upsert(t, s, &IdentityRecord{PatientRef: a, NormalizedName: "ali", NationalID: "123"})
	upsert(t, s, &IdentityRecord{PatientRef: a, NormalizedName: "ali"})

	if got, _ := s.FindByNationalID(ctx, "123"); got != nil {
		t.Errorf("expected national id to be released, found %s", got.PatientRef)
	}
	upsert(t, s, &IdentityRecord{PatientRef: b, NormalizedName: "raza", NationalID: "123"})
}

func TestMemoryStore_FindByNamePrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	saira := &IdentityRecord{PatientRef: uuid.New(), NormalizedName: "saira bibi"}
	sairaK := &IdentityRecord{PatientRef: uuid.New(), NormalizedName: "sair khan"}
	bibi := &IdentityRecord{PatientRef: uuid.New(), NormalizedName: "bibi saira"}
	ahmed := &IdentityRecord{PatientRef: uuid.New(), NormalizedName: "ahmed khan"}
	for _, r := range []*IdentityRecord{saira, sairaK, bibi, ahmed} {
		upsert(t, s, r)
	}

	tests := []struct {
		prefix string
		want   []uuid.UUID
	}{
		{"sair", []uuid.UUID{saira.PatientRef, sairaK.PatientRef, bibi.PatientRef}},
		{"SAIRA", []uuid.UUID{saira.PatientRef, bibi.PatientRef}},
		{"khan", []uuid.UUID{sairaK.PatientRef, ahmed.PatientRef}},
		{"bib", []uuid.UUID{saira.PatientRef, bibi.PatientRef}},
		{"zzz", nil},
		{"", nil},
	}
	for _, tt := range tests {
		got, err := s.FindByNamePrefix(ctx, tt.prefix)
		if err != nil {
			t.Fatalf("prefix %q: %v", tt.prefix, err)
		}
		if fmt.Sprint(refs(got)) != fmt.Sprint(tt.want) && !(len(got) == 0 && len(tt.want) == 0) {
			t.Errorf("prefix %q: got %v, want %v", tt.prefix, refs(got), tt.want)
		}
	}
}

func TestMemoryStore_UpdateReindexesTokens(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	first := &IdentityRecord{PatientRef: uuid.New(), NormalizedName: "saira bibi"}
	second := &IdentityRecord{PatientRef: uuid.New(), NormalizedName: "saima"}
	upsert(t, s, first)
	upsert(t, s, second)

	// Renaming keeps the original insertion position.
	upsert(t, s, &IdentityRecord{PatientRef: first.PatientRef, NormalizedName: "saimon"})

	if got, _ := s.FindByNamePrefix(ctx, "saira"); len(got) != 0 {
		t.Errorf("expected old token to be gone, got %v", refs(got))
	}
	got, _ := s.FindByNamePrefix(ctx, "saim")
	if len(got) != 2 || got[0].PatientRef != first.PatientRef {
		t.Errorf("expected insertion order [first second], got %v", refs(got))
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := uuid.New()
	upsert(t, s, &IdentityRecord{PatientRef: a, NormalizedName: "ali", NationalID: "123"})

	if err := s.Delete(ctx, a); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, a); err != nil {
		t.Fatalf("second delete must be a no-op, got %v", err)
	}
	if got, _ := s.Get(ctx, a); got != nil {
		t.Error("expected record to be gone")
	}
	if got, _ := s.FindByNationalID(ctx, "123"); got != nil {
		t.Error("expected national id to be released")
	}
	if got, _ := s.FindByNamePrefix(ctx, "ali"); len(got) != 0 {
		t.Error("expected name tokens to be released")
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := uuid.New()
	rec := &IdentityRecord{PatientRef: a, NormalizedName: "ali", DateOfBirth: date(1990, 1, 1)}
	upsert(t, s, rec)

	rec.NormalizedName = "changed"
	got, _ := s.Get(ctx, a)
	got.NormalizedName = "also changed"
	*got.DateOfBirth = got.DateOfBirth.AddDate(1, 0, 0)

	again, _ := s.Get(ctx, a)
	if again.NormalizedName != "ali" || again.DateOfBirth.Year() != 1990 {
		t.Errorf("store state leaked through a returned record: %+v", again)
	}
}

func TestMemoryStore_FindByNationalIDEmpty(t *testing.T) {
	s := NewMemoryStore()
	upsert(t, s, &IdentityRecord{PatientRef: uuid.New(), NormalizedName: "ali"})
	if got, err := s.FindByNationalID(context.Background(), ""); got != nil || err != nil {
		t.Errorf("expected nil, nil for empty id, got %v, %v", got, err)
	}
}

func TestMemoryStore_ConcurrentSync(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	patientRefs := make([]uuid.UUID, 20)
	for i := range patientRefs {
		patientRefs[i] = uuid.New()
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i, ref := range patientRefs {
				_ = s.Upsert(ctx, &IdentityRecord{
					PatientRef:     ref,
					NormalizedName: fmt.Sprintf("patient %d", w),
					NationalID:     fmt.Sprintf("%d", i),
				})
				_, _ = s.FindByNamePrefix(ctx, "pat")
			}
		}(w)
	}
	wg.Wait()

	if s.Len() != len(patientRefs) {
		t.Errorf("expected %d records, got %d", len(patientRefs), s.Len())
	}
	got, _ := s.FindByNamePrefix(ctx, "patient")
	if len(got) != len(patientRefs) {
		t.Errorf("expected every record once, got %d", len(got))
	}
}
