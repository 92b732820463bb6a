package scheduling

import (
	"time"

	"github.com/google/uuid"

	"github.com/amancare/slotengine/pkg/timeofday"
)

// monday is 2024-03-04.
var monday = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func tod(s string) timeofday.TimeOfDay { return timeofday.MustParse(s) }

func todPtr(s string) *timeofday.TimeOfDay {
	t := tod(s)
	return &t
}

// morningSchedule is Monday 08:00-12:00 with a 10:00-10:30 break.
func morningSchedule(p DurationPolicy) *ScheduleDefinition {
	return &ScheduleDefinition{
		ID:             uuid.New(),
		DoctorID:       uuid.New(),
		DayOfWeek:      time.Monday,
		StartTime:      tod("08:00"),
		EndTime:        tod("12:00"),
		BreakStartTime: todPtr("10:00"),
		BreakEndTime:   todPtr("10:30"),
		Duration:       p,
		IsActive:       true,
		UpdatedAt:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func booking(doctorID uuid.UUID, start string, minutes int) BookedAppointment {
	return BookedAppointment{
		ID:              uuid.New(),
		DoctorID:        doctorID,
		PatientID:       uuid.New(),
		Date:            monday,
		StartTime:       tod(start),
		DurationMinutes: minutes,
		Status:          StatusBooked,
	}
}
