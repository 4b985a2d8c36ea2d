package phonetic_test

import (
	"testing"

	"github.com/MrWong99/convoxa/internal/transcript/phonetic"
)

func TestMatcher_SingleWordMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()

	// "margarita" is a common mishearing of the dish name "Margherita";
	// both encode to overlapping Double Metaphone codes and score high on
	// Jaro-Winkler.
	terms := []string{"Margherita", "Ossobuco", "Bella Vista Terrace"}

	corrected, conf, matched := m.Match("margarita", terms)
	if !matched {
		t.Fatalf("Match(%q, terms): matched=false, want true", "margarita")
	}
	if corrected != "Margherita" {
		t.Errorf("Match(%q): corrected=%q, want %q", "margarita", corrected, "Margherita")
	}
	if conf < 0.7 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.7", "margarita", conf)
	}
}

func TestMatcher_SplitWordMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()

	terms := []string{"Ossobuco", "Margherita"}

	// Speech recognition often splits an unfamiliar word in two; the
	// space-stripped comparison strategy should still align "oso buko"
	// with "Ossobuco".
	corrected, conf, matched := m.Match("oso buko", terms)
	if !matched {
		t.Fatalf("Match(%q, terms): matched=false, want true", "oso buko")
	}
	if corrected != "Ossobuco" {
		t.Errorf("Match(%q): corrected=%q, want %q", "oso buko", corrected, "Ossobuco")
	}
	if conf < 0.7 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.7", "oso buko", conf)
	}
}

func TestMatcher_MultiWordTermMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()

	terms := []string{"Bella Vista Terrace", "Margherita", "Ossobuco"}

	// "bella fista terrace" should match the multi-word term.
	corrected, conf, matched := m.Match("bella fista terrace", terms)
	if !matched {
		t.Fatalf("Match(%q, terms): matched=false, want true", "bella fista terrace")
	}
	if corrected != "Bella Vista Terrace" {
		t.Errorf("Match(%q): corrected=%q, want %q", "bella fista terrace", corrected, "Bella Vista Terrace")
	}
	if conf < 0.7 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.7", "bella fista terrace", conf)
	}
}

func TestMatcher_NoMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	terms := []string{"Margherita", "Ossobuco"}

	corrected, conf, matched := m.Match("hello", terms)
	if matched {
		t.Fatalf("Match(%q, terms): matched=true, want false", "hello")
	}
	if corrected != "hello" {
		t.Errorf("Match(%q): corrected=%q, want original word %q", "hello", corrected, "hello")
	}
	if conf != 0 {
		t.Errorf("Match(%q): confidence=%f, want 0", "hello", conf)
	}
}

func TestMatcher_CaseInsensitivity(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	terms := []string{"Ossobuco"}

	// Case must not affect the outcome.
	corrected, _, matched := m.Match("OSSOBUCO", terms)
	if !matched {
		t.Fatalf("Match(%q, terms): matched=false, want true", "OSSOBUCO")
	}
	// Should return the original term casing.
	if corrected != "Ossobuco" {
		t.Errorf("Match(%q): corrected=%q, want %q", "OSSOBUCO", corrected, "Ossobuco")
	}
}

func TestMatcher_ExactMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	terms := []string{"Margherita", "Ossobuco"}

	// An exact hit modulo case scores near 1.
	corrected, conf, matched := m.Match("margherita", terms)
	if !matched {
		t.Fatalf("Match(%q, terms): matched=false, want true", "margherita")
	}
	if corrected != "Margherita" {
		t.Errorf("Match(%q): corrected=%q, want %q", "margherita", corrected, "Margherita")
	}
	if conf < 0.9 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.9 for near-exact match", "margherita", conf)
	}
}

func TestMatcher_PhoneticThresholdFiltering(t *testing.T) {
	t.Parallel()

	// Set a very high threshold so near-matches are rejected.
	m := phonetic.New(
		phonetic.WithPhoneticThreshold(0.99),
		phonetic.WithFuzzyThreshold(0.99),
	)
	terms := []string{"Margherita"}

	_, _, matched := m.Match("margarita", terms)
	if matched {
		t.Fatal("Match with threshold=0.99 should reject near-matches, got matched=true")
	}
}

func TestMatcher_EmptyTerms(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	corrected, conf, matched := m.Match("ossobuco", nil)
	if matched {
		t.Fatal("Match with nil terms should return matched=false")
	}
	if corrected != "ossobuco" {
		t.Errorf("corrected=%q, want original", corrected)
	}
	if conf != 0 {
		t.Errorf("conf=%f, want 0", conf)
	}
}

func TestMatcher_EmptyWord(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	corrected, conf, matched := m.Match("", []string{"Ossobuco"})
	if matched {
		t.Fatal("Match with empty word should return matched=false")
	}
	if corrected != "" {
		t.Errorf("corrected=%q, want empty string", corrected)
	}
	if conf != 0 {
		t.Errorf("conf=%f, want 0", conf)
	}
}

func TestPrepare_MaxWords(t *testing.T) {
	t.Parallel()

	p := phonetic.Prepare([]string{"Ossobuco", "Bella Vista Terrace", "Margherita"})
	if got := p.MaxWords(); got != 3 {
		t.Errorf("MaxWords() = %d, want 3", got)
	}
}

func TestPrepare_DropsBlanksAndDuplicates(t *testing.T) {
	t.Parallel()

	p := phonetic.Prepare([]string{"", "   ", "ossobuco", "Ossobuco"})
	if got := p.MaxWords(); got != 1 {
		t.Errorf("MaxWords() = %d, want 1", got)
	}

	// The first occurrence wins, so the lowercased spelling is canonical.
	m := phonetic.New()
	corrected, _, matched := m.MatchPrepared("osobuko", p)
	if !matched {
		t.Fatal("MatchPrepared against deduplicated terms: matched=false, want true")
	}
	if corrected != "ossobuco" {
		t.Errorf("corrected=%q, want first-occurrence casing %q", corrected, "ossobuco")
	}
}

func TestPrepare_EmptyList(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	corrected, conf, matched := m.MatchPrepared("ossobuco", phonetic.Prepare(nil))
	if matched {
		t.Fatal("MatchPrepared with no prepared terms should return matched=false")
	}
	if corrected != "ossobuco" {
		t.Errorf("corrected=%q, want original", corrected)
	}
	if conf != 0 {
		t.Errorf("conf=%f, want 0", conf)
	}
}

func TestMatchPrepared_AgreesWithMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	terms := []string{"Margherita", "Ossobuco", "Bella Vista Terrace"}
	prepared := phonetic.Prepare(terms)

	for _, word := range []string{"margarita", "oso buko", "bella fista terrace", "hello"} {
		wantCorrected, wantConf, wantMatched := m.Match(word, terms)
		gotCorrected, gotConf, gotMatched := m.MatchPrepared(word, prepared)
		if gotMatched != wantMatched || gotCorrected != wantCorrected || gotConf != wantConf {
			t.Errorf("MatchPrepared(%q) = (%q, %f, %v), Match = (%q, %f, %v)",
				word, gotCorrected, gotConf, gotMatched, wantCorrected, wantConf, wantMatched)
		}
	}
}
