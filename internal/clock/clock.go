// Package clock supplies an injectable time source so the drive engine,
// ledger, and nautilus maintenance scheduler can be exercised with a
// synthetic clock in tests without sleeping real wall time.
package clock

import "time"

// Source returns the current time. The zero value of any field using
// this type should be populated with Real before use.
type Source func() time.Time

// Real returns the system wall clock. Use in production wiring.
func Real() time.Time { return time.Now() }

// Frozen returns a Source that always reports t, for table-driven tests
// that need a fixed instant.
func Frozen(t time.Time) Source {
	return func() time.Time { return t }
}

// Sequence returns a Source that yields each time in order on successive
// calls, repeating the last entry once exhausted. Useful for simulating
// a handful of discrete ticks in tests.
func Sequence(times ...time.Time) Source {
	i := 0
	return func() time.Time {
		if i >= len(times) {
			return times[len(times)-1]
		}
		t := times[i]
		i++
		return t
	}
}
