package scheduling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Interval is a half-open [Start, End) time range.
type Interval struct {
	Start time.Time
	End   time.Time
}

func (iv Interval) Duration() time.Duration { return iv.End.Sub(iv.Start) }

// AvailabilityResolver computes the open windows for a doctor+unit pair on a
// given date. Read-only: it takes a snapshot of schedule and appointments and
// never mutates state. Callers needing the result to stay valid through a
// commit must run it under the resource locks.
type AvailabilityResolver struct {
	repo Repository
}

func NewAvailabilityResolver(repo Repository) *AvailabilityResolver {
	return &AvailabilityResolver{repo: repo}
}

// AvailableWindows subtracts schedule exceptions and the active appointments
// of the doctor or the unit from the doctor's recurring windows for the
// date's weekday. Result is sorted and merged; an empty slice means a fully
// booked (or unscheduled) day.
func (r *AvailabilityResolver) AvailableWindows(ctx context.Context, doctorID, unitID uuid.UUID, date time.Time) ([]Interval, error) {
	if _, err := r.repo.GetDoctorByID(ctx, doctorID); err != nil {
		return nil, err
	}
	if _, err := r.repo.GetUnitByID(ctx, unitID); err != nil {
		return nil, err
	}

	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	base, err := r.ScheduleWindows(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	if len(base) == 0 {
		return []Interval{}, nil
	}

	byDoctor, err := r.repo.ListActiveByDoctor(ctx, doctorID, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("load doctor appointments: %w", err)
	}
	byUnit, err := r.repo.ListActiveByUnit(ctx, unitID, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("load unit appointments: %w", err)
	}

	busy := make([]Interval, 0, len(byDoctor)+len(byUnit))
	for _, a := range append(byDoctor, byUnit...) {
		busy = append(busy, Interval{Start: a.Start, End: a.End})
	}

	return subtract(base, mergeIntervals(busy)), nil
}

// ScheduleWindows is the pre-subtraction layer: the doctor's recurring
// windows for the date's weekday, merged, with any exception for that date
// applied. Appointments are not considered.
func (r *AvailabilityResolver) ScheduleWindows(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Interval, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	windows, err := r.repo.GetWeeklyWindows(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("load weekly windows: %w", err)
	}

	var spans []minuteSpan
	for _, w := range windows {
		if w.Weekday == dayStart.Weekday() && w.EndMin > w.StartMin {
			spans = append(spans, minuteSpan{w.StartMin, w.EndMin})
		}
	}
	spans = mergeSpans(spans)

	exceptions, err := r.repo.ListScheduleExceptions(ctx, doctorID, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("load schedule exceptions: %w", err)
	}
	if len(exceptions) > 0 {
		ex := exceptions[0]
		if ex.Closed {
			return []Interval{}, nil
		}
		spans = []minuteSpan{{ex.StartMin, ex.EndMin}}
	}

	base := make([]Interval, 0, len(spans))
	for _, s := range spans {
		base = append(base, Interval{
			Start: dayStart.Add(time.Duration(s.start) * time.Minute),
			End:   dayStart.Add(time.Duration(s.end) * time.Minute),
		})
	}
	return base, nil
}

// FirstFit returns the earliest slot of length d inside the given windows.
func FirstFit(windows []Interval, d time.Duration) (Interval, bool) {
	for _, w := range windows {
		if w.Duration() >= d {
			return Interval{Start: w.Start, End: w.Start.Add(d)}, true
		}
	}
	return Interval{}, false
}

type minuteSpan struct {
	start int
	end   int
}

func mergeSpans(spans []minuteSpan) []minuteSpan {
	if len(spans) < 2 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

func mergeIntervals(ivs []Interval) []Interval {
	if len(ivs) < 2 {
		return ivs
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].Start.Before(ivs[j].Start) })

	out := ivs[:1]
	for _, iv := range ivs[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// subtract removes busy (sorted, merged) from base (sorted, merged),
// dropping zero-length leftovers.
func subtract(base, busy []Interval) []Interval {
	out := make([]Interval, 0, len(base))
	for _, b := range base {
		cur := b.Start
		for _, occ := range busy {
			if !occ.Start.Before(b.End) {
				break
			}
			if !occ.End.After(cur) {
				continue
			}
			if occ.Start.After(cur) {
				out = append(out, Interval{Start: cur, End: occ.Start})
			}
			if occ.End.After(cur) {
				cur = occ.End
			}
		}
		if cur.Before(b.End) {
			out = append(out, Interval{Start: cur, End: b.End})
		}
	}
	return out
}
