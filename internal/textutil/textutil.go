// Package textutil holds the text similarity primitives shared by the
// gist store, the mode router, and the drift novelty gates.
package textutil

import (
	"math"
	"strings"

	"github.com/tsawler/prose/v3"
)

// Tokenize lowercases and splits text into word tokens. Uses the
// prose tokenizer so contractions and punctuation behave; falls back
// to whitespace splitting when the document fails to parse.
func Tokenize(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithSegmentation(false))
	if err != nil {
		return strings.Fields(strings.ToLower(text))
	}

	var tokens []string
	for _, tok := range doc.Tokens() {
		t := strings.ToLower(strings.TrimSpace(tok.Text))
		if t == "" || !hasLetterOrDigit(t) {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r >= 0x80 {
			return true
		}
	}
	return false
}

// WordSet returns the set of word tokens in text
func WordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range Tokenize(text) {
		set[t] = true
	}
	return set
}

// Jaccard computes word-level Jaccard similarity of two texts
func Jaccard(a, b string) float64 {
	return JaccardSets(WordSet(a), WordSet(b))
}

// JaccardSets computes Jaccard similarity of two precomputed word sets
func JaccardSets(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	intersection := 0
	for w := range a {
		if b[w] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// Cosine computes cosine similarity of two vectors. Returns 0 for
// mismatched or empty inputs.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// WordCount counts word tokens in text
func WordCount(text string) int {
	return len(Tokenize(text))
}

// ContainsAny reports whether text contains any of the given
// substrings, case-insensitively
func ContainsAny(text string, subs []string) bool {
	lower := strings.ToLower(text)
	for _, s := range subs {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
