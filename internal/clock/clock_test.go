package clock_test

import (
	"testing"
	"time"

	"github.com/emergence-agent/emergence/internal/clock"
)

func TestFrozen_AlwaysReportsSameInstant(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := clock.Frozen(fixed)
	if !src().Equal(fixed) || !src().Equal(fixed) {
		t.Fatal("expected Frozen to return the same instant on every call")
	}
}

func TestSequence_YieldsInOrderThenRepeatsLast(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	src := clock.Sequence(t1, t2)

	if got := src(); !got.Equal(t1) {
		t.Fatalf("first call = %v, want %v", got, t1)
	}
	if got := src(); !got.Equal(t2) {
		t.Fatalf("second call = %v, want %v", got, t2)
	}
	if got := src(); !got.Equal(t2) {
		t.Fatalf("third call = %v, want repeated last value %v", got, t2)
	}
}

func TestReal_ReturnsCurrentTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	got := clock.Real()
	after := time.Now().Add(time.Second)
	if got.Before(before) || got.After(after) {
		t.Fatalf("Real() = %v, want between %v and %v", got, before, after)
	}
}
