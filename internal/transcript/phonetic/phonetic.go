// Package phonetic matches misheard words against a known term list.
//
// Matching runs two stages. Double Metaphone codes are computed for every
// input word and every term; a term sharing at least one code with the
// input becomes a phonetic candidate, and the candidate scoring highest
// under case-insensitive Jaro-Winkler wins once it clears the phonetic
// threshold. When nothing matched phonetically, a fallback pass ranks
// plain Jaro-Winkler similarity over the whole list against the stricter
// fuzzy threshold.
//
// Multi-word terms (e.g. "Ossobuco alla Milanese") are supported: the
// matcher computes phonetic codes per word, and a space-stripped
// comparison catches words the recogniser split or merged at a boundary.
//
// Callers that match many input windows against the same term list should
// encode the list once with [Prepare] and use [Matcher.MatchPrepared]; the
// single-shot [Matcher.Match] re-encodes the terms on every call.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the score a phonetic candidate must reach to
// be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the score the fallback pass demands when nothing
// matched phonetically. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher ranks candidate terms for a misheard word or phrase.
// All methods are safe for concurrent use; the Matcher is read-only after
// construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New builds a [Matcher] with the default thresholds, adjusted by opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// preparedTerm is one term with its matching forms precomputed.
type preparedTerm struct {
	canonical string
	lower     string
	concat    string
	tokens    []string
	codes     map[string]struct{}
}

// Prepared holds a term list with Double Metaphone codes and token forms
// precomputed, so repeated window matches skip the per-call encoding work.
// A Prepared list is read-only and safe for concurrent use.
type Prepared struct {
	terms    []preparedTerm
	maxWords int
}

// Prepare encodes terms for matching. Blank entries are dropped and
// case-insensitive duplicates collapse to their first occurrence.
func Prepare(terms []string) *Prepared {
	p := &Prepared{terms: make([]preparedTerm, 0, len(terms))}
	seen := make(map[string]struct{}, len(terms))

	for _, term := range terms {
		canonical := strings.TrimSpace(term)
		lower := strings.ToLower(canonical)
		if lower == "" {
			continue
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}

		tokens := strings.Fields(lower)
		p.terms = append(p.terms, preparedTerm{
			canonical: canonical,
			lower:     lower,
			concat:    strings.Join(tokens, ""),
			tokens:    tokens,
			codes:     codesForTokens(tokens),
		})
		if len(tokens) > p.maxWords {
			p.maxWords = len(tokens)
		}
	}
	return p
}

// MaxWords returns the token count of the longest prepared term, or 0 when
// no usable terms were supplied.
func (p *Prepared) MaxWords() int {
	if p == nil {
		return 0
	}
	return p.maxWords
}

// Match attempts to find the term most phonetically similar to word.
// It is the single-shot form of [Matcher.MatchPrepared] and encodes terms
// on every call.
//
// Return contract: when matched is false, corrected equals word unchanged
// and confidence is 0.
func (m *Matcher) Match(word string, terms []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(word, Prepare(terms))
}

// MatchPrepared ranks word against the prepared term list and returns the
// closest term.
//
// word is a single token or a space-separated n-gram window. For multi-token
// windows the phonetic stage aligns any input token against any term token;
// ranking still happens on the full strings.
func (m *Matcher) MatchPrepared(word string, terms *Prepared) (corrected string, confidence float64, matched bool) {
	if terms.MaxWords() == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	wordLower := strings.ToLower(strings.TrimSpace(word))
	wordTokens := strings.Fields(wordLower)
	wordConcat := strings.Join(wordTokens, "")
	inputCodes := codesForTokens(wordTokens)

	type candidate struct {
		term     string
		score    float64
		phonetic bool
	}

	var best candidate

	for _, t := range terms.terms {
		jwScore := windowScore(wordTokens, wordLower, wordConcat, t)

		if codesOverlap(inputCodes, t.codes) {
			if jwScore >= m.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{term: t.canonical, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= m.fuzzyThreshold && jwScore > best.score {
				best = candidate{term: t.canonical, score: jwScore, phonetic: false}
			}
		}
	}

	if best.term != "" {
		return best.term, best.score, true
	}
	return word, 0, false
}

// codesForTokens unions the Double Metaphone codes of all tokens. Words too
// short or vowel-only to encode contribute nothing.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap reports whether the two code sets intersect.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// maxConcatLenDiff bounds the space-stripped length gap for windows whose
// word count differs from the term's. Splitting or merging a word at a
// recognition boundary changes the stripped length by little; a larger
// gap means the window carries words the term does not have, and
// replacing it would swallow them.
const maxConcatLenDiff = 2

// windowScore computes the Jaro-Winkler similarity of an input window
// against a term.
//
// Windows with the same number of words as the term compare as full
// strings and space-stripped (e.g. "bella fista terrace" vs
// "bella vista terrace"). Windows with a different word count only match
// through the space-stripped comparison (e.g. "oso buko" vs "ossobuco"),
// gated by [maxConcatLenDiff].
func windowScore(inputTokens []string, inputFull, inputConcat string, t preparedTerm) float64 {
	if len(inputTokens) == len(t.tokens) {
		score := matchr.JaroWinkler(inputFull, t.lower, false)
		if len(inputTokens) > 1 {
			if s := matchr.JaroWinkler(inputConcat, t.concat, false); s > score {
				score = s
			}
		}
		return score
	}

	if diff := len(inputConcat) - len(t.concat); diff < -maxConcatLenDiff || diff > maxConcatLenDiff {
		return 0
	}
	return matchr.JaroWinkler(inputConcat, t.concat, false)
}
