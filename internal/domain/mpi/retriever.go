package mpi

import "context"

// CandidateRetriever narrows the identity index to the records worth scoring.
//
// It looks up the first token of the query name by prefix against every
// stored name token. A typo at the start of that token retrieves nothing.
type CandidateRetriever struct {
	store IdentityStore
}

func NewCandidateRetriever(store IdentityStore) *CandidateRetriever {
	return &CandidateRetriever{store: store}
}

// Retrieve returns the candidate set for a probe. A probe without a name has
// no candidates.
func (r *CandidateRetriever) Retrieve(ctx context.Context, p Probe) ([]*IdentityRecord, error) {
	token := firstToken(p.Name)
	if token == "" {
		return nil, nil
	}
	return r.store.FindByNamePrefix(ctx, token)
}
