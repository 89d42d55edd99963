package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSlotExhausted is returned when no free slot is left and the policy forbids overflow.
var ErrSlotExhausted = errors.New("schedule: publish window exhausted")

// Policy decides what happens when the current window has no free slot.
type Policy string

const (
	// PolicyNextDay scans the windows of the following days, up to MaxDaysAhead.
	PolicyNextDay Policy = "next_day"
	// PolicyReject fails with ErrSlotExhausted.
	PolicyReject Policy = "reject"
	// PolicyOverflow accepts the window end even if it collides.
	PolicyOverflow Policy = "overflow"
)

// ParsePolicy maps a config string to a Policy. Empty means PolicyNextDay.
func ParsePolicy(raw string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PolicyNextDay, nil
	case PolicyNextDay, PolicyReject, PolicyOverflow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown exhaustion policy %q (use next_day, reject or overflow)", raw)
	}
}

// Clock supplies the current time in a fixed location.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in Loc.
type SystemClock struct {
	Loc *time.Location
}

func (c SystemClock) Now() time.Time {
	if c.Loc == nil {
		return time.Now()
	}
	return time.Now().In(c.Loc)
}

// FixedClock always returns T. Handy for tests and dry runs.
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T }

// Allocation is the outcome of Allocator.Next.
type Allocation struct {
	At time.Time
	// Overflow is set when At is the window end fallback and may collide.
	Overflow bool
	// DaysAhead is how many days past now's window At lies in.
	DaysAhead int
}

// Allocator applies an exhaustion policy on top of Window.NextSlot.
type Allocator struct {
	Window Window
	Policy Policy
	// MaxDaysAhead bounds PolicyNextDay. Zero means 7.
	MaxDaysAhead int
	// SkipPast ignores candidates earlier than now (truncated to the minute).
	SkipPast bool
}

// Next assigns a publish time given every already committed time.
func (a Allocator) Next(committed []time.Time, now time.Time) (Allocation, error) {
	w := a.Window
	local := now.In(w.location())
	sorted := sortedTimes(committed)

	var notBefore time.Time
	if a.SkipPast {
		notBefore = local.Truncate(slotStep)
		if notBefore.Before(local) {
			notBefore = notBefore.Add(slotStep)
		}
	}

	start, end := w.boundsFor(local, 0)
	if slot, ok := w.scan(sorted, start, end, notBefore); ok {
		return Allocation{At: slot}, nil
	}

	switch a.Policy {
	case PolicyOverflow:
		return Allocation{At: end, Overflow: true}, nil
	case PolicyReject:
		return Allocation{}, fmt.Errorf("%w: %s to %s", ErrSlotExhausted, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	maxDays := a.MaxDaysAhead
	if maxDays <= 0 {
		maxDays = 7
	}
	for d := 1; d <= maxDays; d++ {
		start, end := w.boundsFor(local, d)
		if slot, ok := w.scan(sorted, start, end, notBefore); ok {
			return Allocation{At: slot, DaysAhead: d}, nil
		}
	}
	return Allocation{}, fmt.Errorf("%w: no free slot within %d days", ErrSlotExhausted, maxDays)
}
