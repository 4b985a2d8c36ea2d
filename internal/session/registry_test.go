package session

import (
	"context"
	"testing"
	"time"
)

// wantReplaced asserts that the lease's replacement channel closes soon.
func wantReplaced(t *testing.T, l Lease) {
	t.Helper()
	select {
	case <-l.Replaced():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for the lease to be replaced")
	}
}

// wantHeld asserts that the lease's replacement channel is still open.
func wantHeld(t *testing.T, l Lease) {
	t.Helper()
	select {
	case <-l.Replaced():
		t.Fatal("lease was replaced but should still hold the slot")
	default:
	}
}

func TestMemoryRegistry_FirstAcquireHoldsSlot(t *testing.T) {
	t.Parallel()

	r := NewMemoryRegistry()
	l, err := r.Acquire(context.Background(), "pub-1", "sess-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	wantHeld(t, l)
}

func TestMemoryRegistry_SecondAcquireDisplacesFirst(t *testing.T) {
	t.Parallel()

	r := NewMemoryRegistry()
	first, err := r.Acquire(context.Background(), "pub-1", "sess-a")
	if err != nil {
		t.Fatalf("Acquire first: %v", err)
	}
	second, err := r.Acquire(context.Background(), "pub-1", "sess-b")
	if err != nil {
		t.Fatalf("Acquire second: %v", err)
	}

	wantReplaced(t, first)
	wantHeld(t, second)
}

func TestMemoryRegistry_ReleaseFreesSlot(t *testing.T) {
	t.Parallel()

	r := NewMemoryRegistry()
	first, err := r.Acquire(context.Background(), "pub-1", "sess-a")
	if err != nil {
		t.Fatalf("Acquire first: %v", err)
	}
	if err := first.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := r.Acquire(context.Background(), "pub-1", "sess-b")
	if err != nil {
		t.Fatalf("Acquire second: %v", err)
	}

	// The released lease must not be notified by the later acquire.
	wantHeld(t, first)
	wantHeld(t, second)
}

func TestMemoryRegistry_StaleReleaseKeepsNewHolder(t *testing.T) {
	t.Parallel()

	r := NewMemoryRegistry()
	first, err := r.Acquire(context.Background(), "pub-1", "sess-a")
	if err != nil {
		t.Fatalf("Acquire first: %v", err)
	}
	second, err := r.Acquire(context.Background(), "pub-1", "sess-b")
	if err != nil {
		t.Fatalf("Acquire second: %v", err)
	}
	wantReplaced(t, first)

	// The displaced lease releasing late must not evict the new holder.
	if err := first.Release(context.Background()); err != nil {
		t.Fatalf("stale Release: %v", err)
	}
	wantHeld(t, second)

	third, err := r.Acquire(context.Background(), "pub-1", "sess-c")
	if err != nil {
		t.Fatalf("Acquire third: %v", err)
	}
	wantReplaced(t, second)
	wantHeld(t, third)
}

func TestMemoryRegistry_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	r := NewMemoryRegistry()
	a, err := r.Acquire(context.Background(), "pub-1", "sess-a")
	if err != nil {
		t.Fatalf("Acquire pub-1: %v", err)
	}
	b, err := r.Acquire(context.Background(), "pub-2", "sess-b")
	if err != nil {
		t.Fatalf("Acquire pub-2: %v", err)
	}

	wantHeld(t, a)
	wantHeld(t, b)
}

func TestMemoryRegistry_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewMemoryRegistry()
	l, err := r.Acquire(context.Background(), "pub-1", "sess-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestMemoryRegistry_Ping(t *testing.T) {
	t.Parallel()

	if err := NewMemoryRegistry().Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
