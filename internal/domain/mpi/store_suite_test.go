package mpi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// storeOpener returns an empty store for one subtest. Backends register their
// own cleanup on t.
type storeOpener func(t *testing.T) IdentityStore

// runStoreSuite holds every IdentityStore implementation to the same
// observable behaviour.
func runStoreSuite(t *testing.T, open storeOpener) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s IdentityStore)
	}{
		{"SparseNationalIDUniqueness", suiteSparseUniqueness},
		{"UpsertTwiceKeepsOneRecord", suiteUpsertTwice},
		{"ClearingNationalIDReleasesIt", suiteClearNationalID},
		{"NamePrefixOrderAndReindex", suiteNamePrefix},
		{"NamePrefixIsLiteral", suiteNamePrefixLiteral},
		{"DeleteIsIdempotent", suiteDelete},
		{"DateOfBirthIsCivil", suiteDateOfBirth},
		{"ConcurrentUpsertSamePatient", suiteConcurrentUpsert},
		{"EngineScenarios", suiteEngine},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

func TestMemoryStore_Suite(t *testing.T) {
	runStoreSuite(t, func(*testing.T) IdentityStore { return NewMemoryStore() })
}

// suiteClock hands out strictly increasing timestamps with whole-second
// spacing so every backend keeps them apart.
type suiteClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSuiteClock() *suiteClock {
	return &suiteClock{now: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *suiteClock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func sameRefs(got, want []uuid.UUID) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func suiteSparseUniqueness(t *testing.T, s IdentityStore) {
	ctx := context.Background()
	clock := newSuiteClock()
	a, b := uuid.New(), uuid.New()

	upsert(t, s, &IdentityRecord{PatientRef: a, NormalizedName: "ali", NationalID: "4210112345671", LastUpdated: clock.next()})
	err := s.Upsert(ctx, &IdentityRecord{PatientRef: b, NormalizedName: "raza", NationalID: "4210112345671", LastUpdated: clock.next()})

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %v", err)
	}
	if conflict.OwnerRef != a || conflict.PatientRef != b {
		t.Errorf("unexpected conflict %+v", conflict)
	}
	if got, err := s.Get(ctx, b); err != nil || got != nil {
		t.Errorf("rejected upsert must not store a record, got %v, %v", got, err)
	}

	// Any number of records may go without a national id.
	x, y := uuid.New(), uuid.New()
	upsert(t, s, &IdentityRecord{PatientRef: x, NormalizedName: "xavier", LastUpdated: clock.next()})
	upsert(t, s, &IdentityRecord{PatientRef: y, NormalizedName: "yasir", LastUpdated: clock.next()})
	for _, ref := range []uuid.UUID{x, y} {
		got, err := s.Get(ctx, ref)
		if err != nil || got == nil || got.NationalID != "" {
			t.Errorf("expected record without national id for %s, got %v, %v", ref, got, err)
		}
	}
	if got, _ := s.FindByNationalID(ctx, ""); got != nil {
		t.Errorf("empty national id must match nothing, got %v", got)
	}
}

func suiteUpsertTwice(t *testing.T, s IdentityStore) {
	ctx := context.Background()
	clock := newSuiteClock()
	a := uuid.New()
	upsert(t, s, &IdentityRecord{PatientRef: a, NormalizedName: "ali", NationalID: "123", Phone: "0300", LastUpdated: clock.next()})
	upsert(t, s, &IdentityRecord{PatientRef: a, NormalizedName: "ali raza", NationalID: "123", Phone: "0321", LastUpdated: clock.next()})

	got, err := s.FindByNationalID(ctx, "123")
	if err != nil || got == nil {
		t.Fatalf("expected record, got %v, %v", got, err)
	}
	if got.NormalizedName != "ali raza" || got.Phone != "0321" {
		t.Errorf("expected latest attributes, got %+v", got)
	}
	recs, err := s.FindByNamePrefix(ctx, "ali")
	if err != nil {
		t.Fatalf("prefix lookup: %v", err)
	}
	if !sameRefs(refs(recs), []uuid.UUID{a}) {
		t.Errorf("expected exactly one record, got %v", refs(recs))
	}
}

func suiteClearNationalID(t *testing.T, s IdentityStore) {
	ctx := context.Background()
	clock := newSuiteClock()
	a, b := uuid.New(), uuid.New()
	upsert(t, s, &IdentityRecord{PatientRef: a, NormalizedName: "ali", NationalID: "123", LastUpdated: clock.next()})
	upsert(t, s, &IdentityRecord{PatientRef: a, NormalizedName: "ali", LastUpdated: clock.next()})

	if got, _ := s.FindByNationalID(ctx, "123"); got != nil {
		t.Fatalf("expected 123 to be released, got %v", got)
	}
	upsert(t, s, &IdentityRecord{PatientRef: b, NormalizedName: "raza", NationalID: "123", LastUpdated: clock.next()})
	if got, _ := s.FindByNationalID(ctx, "123"); got == nil || got.PatientRef != b {
		t.Errorf("expected B to own 123, got %v", got)
	}
}

func suiteNamePrefix(t *testing.T, s IdentityStore) {
	ctx := context.Background()
	clock := newSuiteClock()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	upsert(t, s, &IdentityRecord{PatientRef: a, NormalizedName: "saira bibi", LastUpdated: clock.next()})
	upsert(t, s, &IdentityRecord{PatientRef: b, NormalizedName: "bibi khan", LastUpdated: clock.next()})
	upsert(t, s, &IdentityRecord{PatientRef: c, NormalizedName: "saima", LastUpdated: clock.next()})

	expect := func(prefix string, want ...uuid.UUID) {
		t.Helper()
		recs, err := s.FindByNamePrefix(ctx, prefix)
		if err != nil {
			t.Fatalf("prefix %q: %v", prefix, err)
		}
		if !sameRefs(refs(recs), want) {
			t.Errorf("prefix %q: expected %v, got %v", prefix, want, refs(recs))
		}
	}

	expect("bi", a, b)
	expect("SAI", a, c)
	expect("khan", b)
	expect("q")
	expect("")

	// An update keeps the original insertion position.
	upsert(t, s, &IdentityRecord{PatientRef: a, NormalizedName: "saira bibi", Phone: "0300", LastUpdated: clock.next()})
	expect("sai", a, c)

	// Renaming replaces the token set.
	upsert(t, s, &IdentityRecord{PatientRef: a, NormalizedName: "zara bibi", LastUpdated: clock.next()})
	expect("sai", c)
	expect("za", a)
	expect("bibi", a, b)
}

func suiteNamePrefixLiteral(t *testing.T, s IdentityStore) {
	ctx := context.Background()
	clock := newSuiteClock()
	plain, meta := uuid.New(), uuid.New()
	upsert(t, s, &IdentityRecord{PatientRef: plain, NormalizedName: "axb", LastUpdated: clock.next()})
	upsert(t, s, &IdentityRecord{PatientRef: meta, NormalizedName: "a_b a.c", LastUpdated: clock.next()})

	for prefix, want := range map[string][]uuid.UUID{
		"a_": {meta},
		"a%": nil,
		"a.": {meta},
		"ax": {plain},
	} {
		recs, err := s.FindByNamePrefix(ctx, prefix)
		if err != nil {
			t.Fatalf("prefix %q: %v", prefix, err)
		}
		if !sameRefs(refs(recs), want) {
			t.Errorf("prefix %q: expected %v, got %v", prefix, want, refs(recs))
		}
	}
}

func suiteDelete(t *testing.T, s IdentityStore) {
	ctx := context.Background()
	clock := newSuiteClock()
	a := uuid.New()
	upsert(t, s, &IdentityRecord{PatientRef: a, NormalizedName: "ali raza", NationalID: "123", LastUpdated: clock.next()})

	for i := 0; i < 2; i++ {
		if err := s.Delete(ctx, a); err != nil {
			t.Fatalf("delete #%d: %v", i+1, err)
		}
	}
	if got, _ := s.Get(ctx, a); got != nil {
		t.Errorf("expected record gone, got %v", got)
	}
	if recs, _ := s.FindByNamePrefix(ctx, "raz"); len(recs) != 0 {
		t.Errorf("expected tokens gone, got %v", refs(recs))
	}
	upsert(t, s, &IdentityRecord{PatientRef: uuid.New(), NormalizedName: "raza", NationalID: "123", LastUpdated: clock.next()})
}

func suiteDateOfBirth(t *testing.T, s IdentityStore) {
	ctx := context.Background()
	a := uuid.New()
	late := time.Date(1990, 5, 1, 23, 30, 0, 0, time.UTC)
	upsert(t, s, &IdentityRecord{PatientRef: a, NormalizedName: "ali", DateOfBirth: civilDate(&late), LastUpdated: newSuiteClock().next()})

	got, err := s.Get(ctx, a)
	if err != nil || got == nil {
		t.Fatalf("expected record, got %v, %v", got, err)
	}
	if !sameDate(got.DateOfBirth, date(1990, 5, 1)) {
		t.Errorf("expected 1990-05-01, got %v", got.DateOfBirth)
	}
}

func suiteConcurrentUpsert(t *testing.T, s IdentityStore) {
	ctx := context.Background()
	clock := newSuiteClock()
	a := uuid.New()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Upsert(ctx, &IdentityRecord{
				PatientRef:     a,
				NormalizedName: "ali raza",
				NationalID:     "777",
				Phone:          fmt.Sprintf("03%02d", i),
				LastUpdated:    clock.next(),
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent upsert of one patient must not fail, got %v", err)
		}
	}

	recs, err := s.FindByNamePrefix(ctx, "ali")
	if err != nil {
		t.Fatalf("prefix lookup: %v", err)
	}
	if !sameRefs(refs(recs), []uuid.UUID{a}) {
		t.Errorf("expected one record, got %v", refs(recs))
	}
	if got, _ := s.FindByNationalID(ctx, "777"); got == nil || got.PatientRef != a {
		t.Errorf("expected A to own 777, got %v", got)
	}
}

func suiteEngine(t *testing.T, s IdentityStore) {
	ctx := context.Background()
	e := NewEngine(s, zerolog.Nop())
	a, b := uuid.New(), uuid.New()
	mustSync(t, e, Patient{PatientRef: a, Name: "Mohammad Ali", NationalID: "42101-1234567-1"})
	mustSync(t, e, Patient{PatientRef: b, Name: "Saira Bibi", DateOfBirth: date(1990, 5, 1)})

	got, err := e.CheckDuplicates(ctx, Query{NationalID: "4210112345671", Name: "someone else"})
	if err != nil {
		t.Fatalf("exact check: %v", err)
	}
	if len(got) != 1 || got[0].PatientRef != a || got[0].Reason != ReasonExactID {
		t.Errorf("expected exact match on A, got %+v", got)
	}

	got, err = e.CheckDuplicates(ctx, Query{Name: "saira bibi", DateOfBirth: date(1990, 5, 1)})
	if err != nil {
		t.Fatalf("name check: %v", err)
	}
	if len(got) != 1 || got[0].PatientRef != b || got[0].Reason != ReasonHighProbability {
		t.Errorf("expected high probability match on B, got %+v", got)
	}

	if err := e.Remove(ctx, a); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got, _ := e.CheckDuplicates(ctx, Query{NationalID: "4210112345671"}); len(got) != 0 {
		t.Errorf("expected no candidates after remove, got %+v", got)
	}
}
