package scheduling

import (
	"sort"

	"github.com/amancare/slotengine/pkg/timeofday"
)

// Reconciliation is a slot grid with bookings applied.
type Reconciliation struct {
	Slots []Slot `json:"slots"`
	// Unaligned bookings start on no slot boundary. They are reported but do
	// not block any slot.
	Unaligned []BookedAppointment `json:"unaligned,omitempty"`
	// Overrun lists slot starts that fall strictly inside an existing
	// booking's actual interval, usually after a duration override.
	Overrun []timeofday.TimeOfDay `json:"overrun,omitempty"`
}

// ReconcileAvailability marks each slot available unless it is a break or a
// booking starts exactly at its time. The input slice is not modified.
func ReconcileAvailability(slots []Slot, bookings []BookedAppointment) Reconciliation {
	booked := make(map[timeofday.TimeOfDay]bool, len(bookings))
	for _, b := range bookings {
		booked[b.StartTime] = true
	}
	boundaries := make(map[timeofday.TimeOfDay]bool, len(slots))

	out := Reconciliation{Slots: make([]Slot, len(slots))}
	for i, s := range slots {
		boundaries[s.Time] = true
		s.IsAvailable = !s.IsBreakTime && !booked[s.Time]
		out.Slots[i] = s

		for j := range bookings {
			b := &bookings[j]
			if b.StartTime.Before(s.Time) && s.Time.MinuteOfDay() < b.EndMinute() {
				out.Overrun = append(out.Overrun, s.Time)
				break
			}
		}
	}

	for _, b := range bookings {
		if !boundaries[b.StartTime] {
			out.Unaligned = append(out.Unaligned, b)
		}
	}
	sort.SliceStable(out.Unaligned, func(i, j int) bool {
		return out.Unaligned[i].StartTime.Before(out.Unaligned[j].StartTime)
	})
	return out
}

// AllTimeSlotsWithTokens maps every non-break slot time to its token.
func AllTimeSlotsWithTokens(slots []Slot) map[timeofday.TimeOfDay]int {
	m := make(map[timeofday.TimeOfDay]int, len(slots))
	for _, s := range slots {
		if !s.IsBreakTime {
			m[s.Time] = s.TokenNumber
		}
	}
	return m
}

// AvailableTimeSlotsWithTokens maps every available slot time to its token.
func AvailableTimeSlotsWithTokens(slots []Slot) map[timeofday.TimeOfDay]int {
	m := make(map[timeofday.TimeOfDay]int, len(slots))
	for _, s := range slots {
		if s.IsAvailable && !s.IsBreakTime {
			m[s.Time] = s.TokenNumber
		}
	}
	return m
}

// TokenFor returns the token of the non-break slot starting at t.
func TokenFor(slots []Slot, t timeofday.TimeOfDay) (int, bool) {
	for _, s := range slots {
		if s.Time.Equal(t) {
			if s.IsBreakTime {
				return 0, false
			}
			return s.TokenNumber, true
		}
	}
	return 0, false
}

// ConflictingBooking returns the first booking whose actual interval
// [start, start+duration) overlaps [start, start+minutes).
func ConflictingBooking(bookings []BookedAppointment, start timeofday.TimeOfDay, minutes int) (*BookedAppointment, bool) {
	from, to := start.MinuteOfDay(), start.MinuteOfDay()+minutes
	for i := range bookings {
		b := &bookings[i]
		// Half-open intervals overlap iff each starts before the other ends.
		if from < b.EndMinute() && b.StartTime.MinuteOfDay() < to {
			return b, true
		}
	}
	return nil, false
}
