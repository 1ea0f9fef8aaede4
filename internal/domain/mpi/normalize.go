package mpi

import (
	"strings"
	"unicode"
)

// NormalizeName lowercases a name, drops every rune that is not a letter,
// digit or whitespace, and collapses whitespace runs to a single space.
func NormalizeName(raw string) string {
	return normalizeText(raw)
}

// NormalizeAddress applies the same canonicalization as NormalizeName.
func NormalizeAddress(raw string) string {
	return normalizeText(raw)
}

// NormalizeNationalID keeps only the digits of a national identifier.
// An input without digits yields "", which callers treat as absent.
func NormalizeNationalID(raw string) string {
	return digitsOnly(raw)
}

// NameTokens splits a normalized name into its whitespace-delimited tokens.
func NameTokens(normalized string) []string {
	return strings.Fields(normalized)
}

func normalizeText(raw string) string {
	if raw == "" {
		return ""
	}
	raw = strings.ToLower(raw)
	raw = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, raw)
	return strings.Join(strings.Fields(raw), " ")
}

// digitsOnly returns only the ASCII digit characters from a string.
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// firstToken returns the first whitespace-delimited token of a normalized name.
func firstToken(normalized string) string {
	if i := strings.IndexByte(normalized, ' '); i >= 0 {
		return normalized[:i]
	}
	return normalized
}
