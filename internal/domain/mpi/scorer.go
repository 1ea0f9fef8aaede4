package mpi

import (
	"math"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

const (
	// keyMatchThreshold is the distance under which a single key (name or
	// phone) counts as matching and contributes to the combined distance.
	keyMatchThreshold = 0.6
	dobBonus          = 0.2
)

// ScoreFunc computes a similarity in [0,1] between a probe and one candidate.
// The arguments are not interchangeable: the first is always the query.
type ScoreFunc func(p Probe, candidate *IdentityRecord) float64

// Score is the default ScoreFunc.
//
// Name and phone are both keys of one combined distance: every key whose
// distance is under keyMatchThreshold multiplies into it, so a candidate that
// matches on phone alone still scores well. The similarity 1-d then gets a
// bonus for an identical date of birth, is clamped to [0,1] and rounded to
// two decimals.
func Score(p Probe, c *IdentityRecord) float64 {
	if c == nil {
		return 0
	}

	var dists []float64
	nameDist := 1.0
	if p.Name != "" && c.NormalizedName != "" {
		nameDist = nameDistance(p.Name, c.NormalizedName)
		dists = append(dists, nameDist)
	}
	if qp, cp := digitsOnly(p.Phone), digitsOnly(c.Phone); qp != "" && cp != "" {
		dists = append(dists, normalizedDistance(qp, cp))
	}

	s := 1 - combineDistances(dists, nameDist)
	if sameDate(p.DateOfBirth, c.DateOfBirth) {
		s += dobBonus
	}
	return roundScore(clamp01(s))
}

// combineDistances multiplies the distances of the matching keys. With no
// matching key the name distance stands on its own.
func combineDistances(dists []float64, fallback float64) float64 {
	combined, matched := 1.0, false
	for _, d := range dists {
		if d < keyMatchThreshold {
			combined *= d
			matched = true
		}
	}
	if !matched {
		return fallback
	}
	return combined
}

// nameDistance averages the whole-string distance with the query-token
// coverage distance. Coverage asks how well each query token is found among
// the candidate tokens, so extra candidate tokens cost less than extra query
// tokens.
func nameDistance(query, candidate string) float64 {
	return (normalizedDistance(query, candidate) + coverageDistance(query, candidate)) / 2
}

func coverageDistance(query, candidate string) float64 {
	qTokens, cTokens := NameTokens(query), NameTokens(candidate)
	if len(qTokens) == 0 || len(cTokens) == 0 {
		return 1
	}
	total := 0.0
	for _, qt := range qTokens {
		best := 1.0
		for _, ct := range cTokens {
			if d := normalizedDistance(qt, ct); d < best {
				best = d
			}
		}
		total += best
	}
	return total / float64(len(qTokens))
}

// normalizedDistance is the Levenshtein distance scaled by the longer rune
// length: 0 for identical strings, 1 for nothing in common.
func normalizedDistance(a, b string) float64 {
	if a == b {
		return 0
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}
	return float64(levenshtein.ComputeDistance(a, b)) / float64(longest)
}

func clamp01(s float64) float64 {
	return math.Max(0, math.Min(1, s))
}

func roundScore(s float64) float64 {
	return math.Round(s*100) / 100
}
