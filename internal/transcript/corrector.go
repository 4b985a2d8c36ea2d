// Package transcript realigns misheard domain terms in post-call
// transcripts.
//
// Provider speech recognition handles everyday vocabulary well but
// regularly garbles the proper nouns a conversation actually revolves
// around: venue names, dish names, product lines, knowledge document
// titles. The [Corrector] runs a phonetic pass over user-role turns,
// matching n-gram windows against the agent's known term list with Double
// Metaphone codes and Jaro-Winkler ranking, and records every substitution
// so consumers can audit what changed.
//
// Agent-role turns are never altered: the agent's text is generated, not
// transcribed, so there is nothing to realign.
package transcript

import (
	"maps"
	"slices"
	"strings"

	"github.com/MrWong99/convoxa/internal/store"
	"github.com/MrWong99/convoxa/internal/transcript/phonetic"
)

// Option configures a [Corrector].
type Option func(*Corrector)

// WithMatcher replaces the default phonetic matcher, e.g. to tune the
// acceptance thresholds for a deployment.
func WithMatcher(m *phonetic.Matcher) Option {
	return func(c *Corrector) {
		c.matcher = m
	}
}

// Corrector applies phonetic term realignment to conversation transcripts.
// It is safe for concurrent use.
type Corrector struct {
	matcher *phonetic.Matcher
}

// New returns a [Corrector] with default matcher thresholds.
func New(opts ...Option) *Corrector {
	c := &Corrector{
		matcher: phonetic.New(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct runs the phonetic pass over every user-role turn and returns the
// corrected turns together with an itemised record of the substitutions
// applied. The input slice is not modified; agent and tool turns pass
// through untouched.
//
// Within a turn the algorithm is:
//  1. Tokenise the text into whitespace-separated words.
//  2. At each position, try n-gram windows from the longest term's word
//     count down to 1 and accept the longest window that matches a term,
//     so multi-word terms take precedence over partial single-word
//     matches.
//  3. Advance past the consumed window, or by one token when nothing
//     matched.
//
// A window that already reads as the matched term is consumed without
// being recorded, keeping the substitution list to genuine corrections.
func (c *Corrector) Correct(turns []store.Turn, terms []string) ([]store.Turn, []store.Correction) {
	out := slices.Clone(turns)

	prepared := phonetic.Prepare(terms)
	if prepared.MaxWords() == 0 {
		return out, nil
	}

	var corrections []store.Correction
	for i := range out {
		if out[i].Role != store.RoleUser {
			continue
		}
		text, subs := c.correctText(out[i].Text, prepared)
		if len(subs) == 0 {
			continue
		}
		out[i].Text = text
		for _, s := range subs {
			corrections = append(corrections, store.Correction{
				TurnIndex: i,
				Original:  s.original,
				Corrected: s.corrected,
				Score:     s.score,
			})
		}
	}
	return out, corrections
}

// substitution is one in-turn replacement before it is bound to a turn
// index.
type substitution struct {
	original  string
	corrected string
	score     float64
}

func (c *Corrector) correctText(text string, terms *phonetic.Prepared) (string, []substitution) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var output []string
	var subs []substitution

	i := 0
	for i < len(tokens) {
		// A window never extends past the last token.
		maxN := terms.MaxWords()
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			term, score, ok := c.matcher.MatchPrepared(window, terms)
			if !ok {
				continue
			}

			if strings.EqualFold(window, term) {
				// Already the term; keep the speaker's casing.
				output = append(output, tokens[i:i+n]...)
			} else {
				output = append(output, strings.Fields(term)...)
				subs = append(subs, substitution{original: window, corrected: term, score: score})
			}
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), subs
}

// Terms assembles the candidate term list for a session: the agent display
// name, the names of its knowledge items and the default values of its
// dynamic variables. Entries shorter than three characters are dropped,
// since near-empty strings produce spurious phonetic overlaps.
func Terms(displayName string, knowledge []store.KnowledgeItem, variables map[string]string) []string {
	terms := make([]string, 0, 1+len(knowledge)+len(variables))
	appendTerm := func(s string) {
		if len(strings.TrimSpace(s)) >= 3 {
			terms = append(terms, s)
		}
	}

	appendTerm(displayName)
	for _, item := range knowledge {
		appendTerm(item.Name)
	}
	for _, key := range slices.Sorted(maps.Keys(variables)) {
		appendTerm(variables[key])
	}
	return terms
}
