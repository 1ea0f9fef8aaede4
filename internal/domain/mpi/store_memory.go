package mpi

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process IdentityStore. It keeps a token index with a
// sorted token list so prefix lookups never scan every record.
type MemoryStore struct {
	mu           sync.RWMutex
	records      map[uuid.UUID]*memEntry
	byNationalID map[string]uuid.UUID
	byToken      map[string]map[uuid.UUID]struct{}
	tokens       []string // sorted keys of byToken
	seq          uint64
}

type memEntry struct {
	rec *IdentityRecord
	seq uint64 // insertion order, kept across updates
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:      make(map[uuid.UUID]*memEntry),
		byNationalID: make(map[string]uuid.UUID),
		byToken:      make(map[string]map[uuid.UUID]struct{}),
	}
}

func (s *MemoryStore) Upsert(_ context.Context, rec *IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.NationalID != "" {
		if owner, ok := s.byNationalID[rec.NationalID]; ok && owner != rec.PatientRef {
			return &ConflictError{NationalID: rec.NationalID, PatientRef: rec.PatientRef, OwnerRef: owner}
		}
	}

	entry, exists := s.records[rec.PatientRef]
	if exists {
		s.unindex(entry.rec)
	} else {
		s.seq++
		entry = &memEntry{seq: s.seq}
		s.records[rec.PatientRef] = entry
	}
	entry.rec = rec.clone()
	s.index(entry.rec)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, patientRef uuid.UUID) (*IdentityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.records[patientRef]; ok {
		return entry.rec.clone(), nil
	}
	return nil, nil
}

func (s *MemoryStore) FindByNationalID(_ context.Context, nationalID string) (*IdentityRecord, error) {
	if nationalID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.byNationalID[nationalID]
	if !ok {
		return nil, nil
	}
	return s.records[ref].rec.clone(), nil
}

func (s *MemoryStore) FindByNamePrefix(_ context.Context, prefix string) ([]*IdentityRecord, error) {
	prefix = strings.ToLower(prefix)
	if prefix == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[uuid.UUID]struct{})
	var entries []*memEntry
	for i := sort.SearchStrings(s.tokens, prefix); i < len(s.tokens); i++ {
		tok := s.tokens[i]
		if !strings.HasPrefix(tok, prefix) {
			break
		}
		for ref := range s.byToken[tok] {
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			entries = append(entries, s.records[ref])
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]*IdentityRecord, len(entries))
	for i, e := range entries {
		out[i] = e.rec.clone()
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, patientRef uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.records[patientRef]
	if !ok {
		return nil
	}
	s.unindex(entry.rec)
	delete(s.records, patientRef)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// index and unindex must be called with mu held for writing.
func (s *MemoryStore) index(rec *IdentityRecord) {
	if rec.NationalID != "" {
		s.byNationalID[rec.NationalID] = rec.PatientRef
	}
	for _, tok := range rec.Tokens() {
		set, ok := s.byToken[tok]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			s.byToken[tok] = set
			i := sort.SearchStrings(s.tokens, tok)
			s.tokens = append(s.tokens, "")
			copy(s.tokens[i+1:], s.tokens[i:])
			s.tokens[i] = tok
		}
		set[rec.PatientRef] = struct{}{}
	}
}

func (s *MemoryStore) unindex(rec *IdentityRecord) {
	if rec.NationalID != "" && s.byNationalID[rec.NationalID] == rec.PatientRef {
		delete(s.byNationalID, rec.NationalID)
	}
	for _, tok := range rec.Tokens() {
		set, ok := s.byToken[tok]
		if !ok {
			continue
		}
		delete(set, rec.PatientRef)
		if len(set) > 0 {
			continue
		}
		delete(s.byToken, tok)
		if i := sort.SearchStrings(s.tokens, tok); i < len(s.tokens) && s.tokens[i] == tok {
			s.tokens = append(s.tokens[:i], s.tokens[i+1:]...)
		}
	}
}
