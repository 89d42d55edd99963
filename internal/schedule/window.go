package schedule

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// DefaultSpacing is the minimum distance between two publish times.
const DefaultSpacing = 60 * time.Second

// slotStep is the candidate granularity inside a window.
const slotStep = time.Minute

// TimeOfDay is a wall-clock hour and minute.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) minutes() int { return t.Hour*60 + t.Minute }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

var reClock = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	m := reClock.FindStringSubmatch(raw)
	if len(m) != 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (want HH:MM)", raw)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if h > 23 || mm > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (want HH:MM)", raw)
	}
	return TimeOfDay{Hour: h, Minute: mm}, nil
}

// Window is the recurring daily publish window.
//
// When End is not after Start the window ends on the following calendar day
// (08:00 -> 03:00 spans midnight).
type Window struct {
	Start   TimeOfDay
	End     TimeOfDay
	Spacing time.Duration
	Loc     *time.Location
}

// DefaultWindow is 08:00 to 03:00 next day with 60s spacing in loc.
func DefaultWindow(loc *time.Location) Window {
	return Window{
		Start:   TimeOfDay{Hour: 8},
		End:     TimeOfDay{Hour: 3},
		Spacing: DefaultSpacing,
		Loc:     loc,
	}
}

func (w Window) location() *time.Location {
	if w.Loc == nil {
		return time.Local
	}
	return w.Loc
}

func (w Window) spacing() time.Duration {
	if w.Spacing <= 0 {
		return DefaultSpacing
	}
	return w.Spacing
}

// Bounds returns the window anchored to now's calendar date in the window's location.
func (w Window) Bounds(now time.Time) (start, end time.Time) {
	return w.boundsFor(now.In(w.location()), 0)
}

// boundsFor returns the window of the calendar day dayOffset days after local's date.
func (w Window) boundsFor(local time.Time, dayOffset int) (start, end time.Time) {
	loc := w.location()
	y, m, d := local.Date()
	start = time.Date(y, m, d+dayOffset, w.Start.Hour, w.Start.Minute, 0, 0, loc)
	endDay := d + dayOffset
	if w.End.minutes() <= w.Start.minutes() {
		endDay++
	}
	end = time.Date(y, m, endDay, w.End.Hour, w.End.Minute, 0, 0, loc)
	return start, end
}

// Capacity is the number of candidate slots in the window containing now.
func (w Window) Capacity(now time.Time) int {
	start, end := w.Bounds(now)
	return int(end.Sub(start) / slotStep)
}

// NextSlot returns the earliest candidate of now's window that is at least Spacing
// away from every committed time. Candidates are whole minutes from the window start
// (inclusive) to the window end (exclusive).
//
// When every candidate is taken it returns the window end and ok=false; the end is
// not guaranteed to be free. NextSlot does no I/O and depends only on its arguments.
func (w Window) NextSlot(committed []time.Time, now time.Time) (slot time.Time, ok bool) {
	start, end := w.Bounds(now)
	return w.scan(sortedTimes(committed), start, end, time.Time{})
}

// scan walks the candidates of [start, end). Candidates before notBefore are skipped.
// committed must be sorted ascending.
func (w Window) scan(committed []time.Time, start, end, notBefore time.Time) (time.Time, bool) {
	spacing := w.spacing()
	for c := start; c.Before(end); c = c.Add(slotStep) {
		if !notBefore.IsZero() && c.Before(notBefore) {
			continue
		}
		if isFree(committed, c, spacing) {
			return c, true
		}
	}
	return end, false
}

// isFree reports whether c is at least spacing away from every time in sorted.
// Only the two neighbours around c's insertion point can be closer than any other.
func isFree(sorted []time.Time, c time.Time, spacing time.Duration) bool {
	i := sort.Search(len(sorted), func(i int) bool { return !sorted[i].Before(c) })
	if i < len(sorted) && sorted[i].Sub(c) < spacing {
		return false
	}
	if i > 0 && c.Sub(sorted[i-1]) < spacing {
		return false
	}
	return true
}

func sortedTimes(in []time.Time) []time.Time {
	out := make([]time.Time, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// NextSlot applies the default 08:00-03:00 window in now's location.
func NextSlot(committed []time.Time, now time.Time) time.Time {
	slot, _ := DefaultWindow(now.Location()).NextSlot(committed, now)
	return slot
}
