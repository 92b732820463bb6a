package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amancare/slotengine/pkg/timeofday"
)

// DayPlan is the slot grid of one doctor on one calendar date.
type DayPlan struct {
	DoctorID   uuid.UUID `json:"doctor_id"`
	ScheduleID uuid.UUID `json:"schedule_id"`
	Date       string    `json:"date"`
	Resolution
	Slots []Slot `json:"slots"`
}

// GenerateSlots walks def's window in steps of effectiveDuration. Slots that
// start inside [breakStart, breakEnd) are break slots without a token; the
// others are numbered 1..N. A trailing slot that would end after the window
// is dropped rather than truncated.
func GenerateSlots(def *ScheduleDefinition, effectiveDuration int) ([]Slot, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if effectiveDuration < MinSlotMinutes {
		return nil, fmt.Errorf("%w: effective duration %d below %d minutes", ErrInvalidSchedule, effectiveDuration, MinSlotMinutes)
	}

	slots := make([]Slot, 0, timeofday.MinutesBetween(def.StartTime, def.EndTime)/effectiveDuration)
	token := 1
	cursor := def.StartTime
	for cursor.Before(def.EndTime) {
		if timeofday.MinutesBetween(cursor, def.EndTime) < effectiveDuration {
			break
		}
		end, err := cursor.AddMinutes(effectiveDuration)
		if err != nil {
			return nil, err
		}

		slot := Slot{
			Time:        cursor,
			EndTime:     end,
			IsBreakTime: inBreak(def, cursor),
		}
		if !slot.IsBreakTime {
			slot.TokenNumber = token
			slot.IsAvailable = true
			token++
		}
		slots = append(slots, slot)
		cursor = end
	}
	return slots, nil
}

func inBreak(def *ScheduleDefinition, t timeofday.TimeOfDay) bool {
	if !def.HasBreak() {
		return false
	}
	return !t.Before(*def.BreakStartTime) && t.Before(*def.BreakEndTime)
}

// GenerateDay resolves def's duration and builds the slot grid for date.
// Token numbering restarts at 1 for every call.
func GenerateDay(def *ScheduleDefinition, date time.Time) (*DayPlan, error) {
	if date.Weekday() != def.DayOfWeek {
		return nil, fmt.Errorf("%w: schedule is for %s, date %s is a %s",
			ErrInvalidSchedule, def.DayOfWeek, timeofday.FormatDate(date), date.Weekday())
	}
	res, err := Resolve(def)
	if err != nil {
		return nil, err
	}
	slots, err := GenerateSlots(def, res.EffectiveDuration)
	if err != nil {
		return nil, err
	}
	return &DayPlan{
		DoctorID:   def.DoctorID,
		ScheduleID: def.ID,
		Date:       timeofday.FormatDate(date),
		Resolution: res,
		Slots:      slots,
	}, nil
}
