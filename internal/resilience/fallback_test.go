package resilience

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// chainOf builds a string-valued group whose candidates succeed only when
// their name appears in healthy.
func chainOf(healthy string, names ...string) (*FallbackGroup[string], func(string) error) {
	fg := NewFallbackGroup(names[0], names[0], FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	for _, n := range names[1:] {
		fg.AddFallback(n, n)
	}
	fn := func(v string) error {
		if strings.Contains(healthy, v) {
			return nil
		}
		return errBoom
	}
	return fg, fn
}

func TestFallbackGroupStopsAtFirstSuccess(t *testing.T) {
	t.Parallel()

	fg, _ := chainOf("", "a", "b", "c")
	var tried []string
	err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		if v == "b" {
			return nil
		}
		return errBoom
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := strings.Join(tried, ","); got != "a,b" {
		t.Fatalf("tried %q, want a then b and no further", got)
	}
}

func TestFallbackGroupAllFail(t *testing.T) {
	t.Parallel()

	fg, fn := chainOf("", "a", "b")
	err := fg.Execute(fn)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !strings.Contains(err.Error(), errBoom.Error()) {
		t.Errorf("err = %v, want last failure included", err)
	}
}

func TestFallbackGroupSkipsTrippedPrimary(t *testing.T) {
	t.Parallel()

	fg, fn := chainOf("b", "a", "b")

	// Two rounds trip the primary's breaker.
	for range 2 {
		if err := fg.Execute(fn); err != nil {
			t.Fatalf("warm-up round: %v", err)
		}
	}

	// With the primary open, only the fallback is invoked.
	var tried []string
	err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(tried) != 1 || tried[0] != "b" {
		t.Fatalf("tried %v, want only the fallback", tried)
	}
}

func TestFallbackGroupAllCircuitsOpen(t *testing.T) {
	t.Parallel()

	fg, fn := chainOf("", "a", "b")
	for range 2 {
		_ = fg.Execute(fn)
	}

	called := false
	err := fg.Execute(func(string) error { called = true; return nil })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if called {
		t.Fatal("function ran despite every breaker being open")
	}
}

func TestFallbackGroupSingleCandidate(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup("only", "only", FallbackConfig{})
	if err := fg.Execute(func(string) error { return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestExecuteWithResultReturnsFirstValue(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	got, err := ExecuteWithResult(fg, func(v int) (int, error) { return v * 3, nil })
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != 30 {
		t.Fatalf("result = %d, want 30 from the primary", got)
	}
}

func TestExecuteWithResultFailsOver(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	got, err := ExecuteWithResult(fg, func(v int) (int, error) {
		if v == 10 {
			return 0, errBoom
		}
		return v * 3, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != 60 {
		t.Fatalf("result = %d, want 60 from the fallback", got)
	}
}

func TestExecuteWithResultZeroOnTotalFailure(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	got, err := ExecuteWithResult(fg, func(int) (string, error) { return "junk", errBoom })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if got != "" {
		t.Fatalf("result = %q, want zero value on failure", got)
	}
}
