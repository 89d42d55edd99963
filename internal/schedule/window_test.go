package schedule

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

var shanghai = time.FixedZone("CST", 8*3600)

func at(y int, m time.Month, d, hh, mm, ss int) time.Time {
	return time.Date(y, m, d, hh, mm, ss, 0, shanghai)
}

func fullWindow(w Window, now time.Time) []time.Time {
	start, end := w.Bounds(now)
	out := make([]time.Time, 0, w.Capacity(now))
	for c := start; c.Before(end); c = c.Add(time.Minute) {
		out = append(out, c)
	}
	return out
}

func TestNextSlotFillsGap(t *testing.T) {
	t.Parallel()
	w := DefaultWindow(shanghai)
	now := at(2024, 5, 1, 7, 30, 0)
	committed := []time.Time{at(2024, 5, 1, 8, 0, 0), at(2024, 5, 1, 8, 2, 0)}

	got, ok := w.NextSlot(committed, now)
	if !ok {
		t.Fatal("expected a free slot")
	}
	if want := at(2024, 5, 1, 8, 1, 0); !got.Equal(want) {
		t.Fatalf("NextSlot = %v, want %v", got, want)
	}
}

func TestNextSlotEmptyStartsAtWindowStart(t *testing.T) {
	t.Parallel()
	got := NextSlot(nil, at(2024, 5, 1, 15, 4, 5))
	if want := at(2024, 5, 1, 8, 0, 0); !got.Equal(want) {
		t.Fatalf("NextSlot = %v, want %v", got, want)
	}
}

func TestWindowBoundsAcrossMidnight(t *testing.T) {
	t.Parallel()
	w := DefaultWindow(shanghai)
	tests := []struct {
		name      string
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"before midnight", at(2024, 5, 1, 23, 30, 0), at(2024, 5, 1, 8, 0, 0), at(2024, 5, 2, 3, 0, 0)},
		{"after midnight", at(2024, 5, 2, 0, 30, 0), at(2024, 5, 2, 8, 0, 0), at(2024, 5, 3, 3, 0, 0)},
		{"early morning", at(2024, 5, 2, 5, 0, 0), at(2024, 5, 2, 8, 0, 0), at(2024, 5, 3, 3, 0, 0)},
		{"month end", at(2024, 5, 31, 12, 0, 0), at(2024, 5, 31, 8, 0, 0), at(2024, 6, 1, 3, 0, 0)},
		{"utc input", time.Date(2024, 5, 1, 17, 0, 0, 0, time.UTC), at(2024, 5, 2, 8, 0, 0), at(2024, 5, 3, 3, 0, 0)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			start, end := w.Bounds(tt.now)
			if !start.Equal(tt.wantStart) || !end.Equal(tt.wantEnd) {
				t.Fatalf("Bounds = [%v, %v), want [%v, %v)", start, end, tt.wantStart, tt.wantEnd)
			}
			if c := w.Capacity(tt.now); c != 19*60 {
				t.Fatalf("Capacity = %d, want %d", c, 19*60)
			}
		})
	}
}

func TestNextSlotAfterMidnightUsesNewWindow(t *testing.T) {
	t.Parallel()
	w := DefaultWindow(shanghai)
	// Occupied slot from the previous day's window must not matter.
	committed := []time.Time{at(2024, 5, 2, 1, 0, 0)}
	got, ok := w.NextSlot(committed, at(2024, 5, 2, 0, 30, 0))
	if !ok || !got.Equal(at(2024, 5, 2, 8, 0, 0)) {
		t.Fatalf("NextSlot = %v (ok=%v), want 08:00 of the new day", got, ok)
	}
}

func TestNextSlotExhaustedReturnsWindowEnd(t *testing.T) {
	t.Parallel()
	w := DefaultWindow(shanghai)
	now := at(2024, 5, 1, 9, 0, 0)
	got, ok := w.NextSlot(fullWindow(w, now), now)
	if ok {
		t.Fatal("expected exhausted window")
	}
	if want := at(2024, 5, 2, 3, 0, 0); !got.Equal(want) {
		t.Fatalf("fallback = %v, want %v", got, want)
	}
}

func TestSequentialAllocationsAreSpaced(t *testing.T) {
	t.Parallel()
	w := DefaultWindow(shanghai)
	now := at(2024, 5, 1, 10, 0, 0)
	start, end := w.Bounds(now)

	var committed []time.Time
	for i := 0; i < 300; i++ {
		slot, ok := w.NextSlot(committed, now)
		if !ok {
			t.Fatalf("allocation %d: window exhausted", i)
		}
		if slot.Before(start) || !slot.Before(end) {
			t.Fatalf("allocation %d: %v outside window", i, slot)
		}
		for _, c := range committed {
			if d := slot.Sub(c); d < time.Minute && d > -time.Minute {
				t.Fatalf("allocation %d: %v too close to %v", i, slot, c)
			}
		}
		if n := len(committed); n > 0 && !slot.After(committed[n-1]) {
			t.Fatalf("allocation %d: %v not after previous %v", i, slot, committed[n-1])
		}
		committed = append(committed, slot)
	}
}

func TestNextSlotRespectsSpacingForRandomSets(t *testing.T) {
	t.Parallel()
	w := DefaultWindow(shanghai)
	now := at(2024, 5, 1, 10, 0, 0)
	start, _ := w.Bounds(now)
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		n := 1 + rng.Intn(1200)
		committed := make([]time.Time, n)
		for i := range committed {
			committed[i] = start.Add(time.Duration(rng.Int63n(int64(19 * time.Hour))))
		}
		slot, ok := w.NextSlot(committed, now)
		if !ok {
			continue
		}
		for _, c := range committed {
			if d := slot.Sub(c); d < time.Minute && d > -time.Minute {
				t.Fatalf("round %d: slot %v within 60s of %v", round, slot, c)
			}
		}
	}
}

func TestNextSlotCustomSpacing(t *testing.T) {
	t.Parallel()
	w := DefaultWindow(shanghai)
	w.Spacing = 5 * time.Minute
	got, _ := w.NextSlot([]time.Time{at(2024, 5, 1, 8, 0, 0)}, at(2024, 5, 1, 9, 0, 0))
	if want := at(2024, 5, 1, 8, 5, 0); !got.Equal(want) {
		t.Fatalf("NextSlot = %v, want %v", got, want)
	}
}

func TestSameDayWindow(t *testing.T) {
	t.Parallel()
	w := Window{Start: TimeOfDay{Hour: 9}, End: TimeOfDay{Hour: 21}, Loc: shanghai}
	start, end := w.Bounds(at(2024, 5, 1, 22, 0, 0))
	if !start.Equal(at(2024, 5, 1, 9, 0, 0)) || !end.Equal(at(2024, 5, 1, 21, 0, 0)) {
		t.Fatalf("Bounds = [%v, %v)", start, end)
	}
}

func TestAllocatorPolicies(t *testing.T) {
	t.Parallel()
	w := DefaultWindow(shanghai)
	now := at(2024, 5, 1, 12, 0, 0)
	full := fullWindow(w, now)

	t.Run("reject", func(t *testing.T) {
		_, err := Allocator{Window: w, Policy: PolicyReject}.Next(full, now)
		if !errors.Is(err, ErrSlotExhausted) {
			t.Fatalf("err = %v, want ErrSlotExhausted", err)
		}
	})
	t.Run("overflow", func(t *testing.T) {
		a, err := Allocator{Window: w, Policy: PolicyOverflow}.Next(full, now)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !a.Overflow || !a.At.Equal(at(2024, 5, 2, 3, 0, 0)) {
			t.Fatalf("allocation = %+v, want overflow at window end", a)
		}
	})
	t.Run("next day", func(t *testing.T) {
		a, err := Allocator{Window: w, Policy: PolicyNextDay}.Next(full, now)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if a.DaysAhead != 1 || !a.At.Equal(at(2024, 5, 2, 8, 0, 0)) {
			t.Fatalf("allocation = %+v, want next day 08:00", a)
		}
	})
	t.Run("next day bounded", func(t *testing.T) {
		_, err := Allocator{Window: w, Policy: PolicyNextDay, MaxDaysAhead: 1}.Next(append(full, fullWindow(w, now.AddDate(0, 0, 1))...), now)
		if !errors.Is(err, ErrSlotExhausted) {
			t.Fatalf("err = %v, want ErrSlotExhausted", err)
		}
	})
}

func TestAllocatorSkipPast(t *testing.T) {
	t.Parallel()
	w := DefaultWindow(shanghai)
	a, err := Allocator{Window: w, SkipPast: true}.Next(nil, at(2024, 5, 1, 12, 0, 30))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := at(2024, 5, 1, 12, 1, 0); !a.At.Equal(want) {
		t.Fatalf("At = %v, want %v", a.At, want)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()
	got, err := ParseTimeOfDay("08:05")
	if err != nil || got != (TimeOfDay{Hour: 8, Minute: 5}) {
		t.Fatalf("ParseTimeOfDay = %v, %v", got, err)
	}
	for _, bad := range []string{"24:00", "8", "08:60", "ab:cd", ""} {
		if _, err := ParseTimeOfDay(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	if p, err := ParsePolicy(""); err != nil || p != PolicyNextDay {
		t.Fatalf("ParsePolicy(\"\") = %v, %v", p, err)
	}
	if p, err := ParsePolicy("Reject"); err != nil || p != PolicyReject {
		t.Fatalf("ParsePolicy(Reject) = %v, %v", p, err)
	}
	if _, err := ParsePolicy("later"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
