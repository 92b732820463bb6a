package scheduling

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amancare/slotengine/pkg/timeofday"
)

// DurationConfigType is the wire/database tag of a DurationPolicy.
type DurationConfigType string

const (
	DurationDirect     DurationConfigType = "DIRECT"
	DurationTokenBased DurationConfigType = "TOKEN_BASED"
)

// DurationPolicy decides how long each slot of a schedule is. It is sealed:
// the only implementations are DirectDuration and TokenTarget.
type DurationPolicy interface {
	ConfigType() DurationConfigType
	isDurationPolicy()
}

// DirectDuration fixes the slot length explicitly.
type DirectDuration struct {
	Minutes int
}

func (DirectDuration) ConfigType() DurationConfigType { return DurationDirect }
func (DirectDuration) isDurationPolicy()              {}

// TokenTarget derives the slot length from a desired number of tokens per day.
type TokenTarget struct {
	TokensPerDay int
}

func (TokenTarget) ConfigType() DurationConfigType { return DurationTokenBased }
func (TokenTarget) isDurationPolicy()              {}

// ScheduleDefinition is one doctor's recurring working pattern for one day of
// the week, optionally bounded by a validity window.
type ScheduleDefinition struct {
	ID             uuid.UUID
	DoctorID       uuid.UUID
	DayOfWeek      time.Weekday
	StartTime      timeofday.TimeOfDay
	EndTime        timeofday.TimeOfDay
	BreakStartTime *timeofday.TimeOfDay
	BreakEndTime   *timeofday.TimeOfDay
	Duration       DurationPolicy
	EffectiveDate  *time.Time
	EndDate        *time.Time
	IsActive       bool
	Notes          *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasBreak reports whether a complete break window is configured.
func (d *ScheduleDefinition) HasBreak() bool {
	return d.BreakStartTime != nil && d.BreakEndTime != nil
}

// BreakMinutes returns the length of the break window, or 0 without one.
func (d *ScheduleDefinition) BreakMinutes() int {
	if !d.HasBreak() {
		return 0
	}
	return timeofday.MinutesBetween(*d.BreakStartTime, *d.BreakEndTime)
}

// Validate checks the structural invariants of the definition.
func (d *ScheduleDefinition) Validate() error {
	if !d.StartTime.Before(d.EndTime) {
		return fmt.Errorf("%w: start time %s must be before end time %s", ErrInvalidSchedule, d.StartTime, d.EndTime)
	}
	if (d.BreakStartTime == nil) != (d.BreakEndTime == nil) {
		return fmt.Errorf("%w: break start and end must be given together", ErrInvalidSchedule)
	}
	if d.HasBreak() {
		bs, be := *d.BreakStartTime, *d.BreakEndTime
		if bs.Before(d.StartTime) || !bs.Before(be) || be.After(d.EndTime) {
			return fmt.Errorf("%w: break %s-%s must lie within %s-%s", ErrInvalidSchedule, bs, be, d.StartTime, d.EndTime)
		}
	}
	switch p := d.Duration.(type) {
	case DirectDuration:
		if p.Minutes < MinSlotMinutes || p.Minutes > MaxSlotMinutes {
			return fmt.Errorf("%w: duration %d minutes outside [%d,%d]", ErrInvalidSchedule, p.Minutes, MinSlotMinutes, MaxSlotMinutes)
		}
	case TokenTarget:
		if p.TokensPerDay <= 0 {
			return fmt.Errorf("%w: target tokens per day must be positive, got %d", ErrInfeasibleTokenTarget, p.TokensPerDay)
		}
	case nil:
		return fmt.Errorf("%w: duration policy is required", ErrInvalidSchedule)
	}
	if d.EffectiveDate != nil && d.EndDate != nil && d.EndDate.Before(*d.EffectiveDate) {
		return fmt.Errorf("%w: end date precedes effective date", ErrInvalidSchedule)
	}
	return nil
}

// ActiveOn reports whether the definition applies to the given calendar date.
func (d *ScheduleDefinition) ActiveOn(date time.Time) bool {
	if !d.IsActive || d.DayOfWeek != date.Weekday() {
		return false
	}
	day := timeofday.TruncateDate(date)
	if d.EffectiveDate != nil && day.Before(timeofday.TruncateDate(*d.EffectiveDate)) {
		return false
	}
	if d.EndDate != nil && day.After(timeofday.TruncateDate(*d.EndDate)) {
		return false
	}
	return true
}

// SelectActive picks the one definition in force on date. Among several
// candidates the most recently effective wins, then the most recently updated.
func SelectActive(defs []*ScheduleDefinition, date time.Time) (*ScheduleDefinition, error) {
	var best *ScheduleDefinition
	for _, d := range defs {
		if d == nil || !d.ActiveOn(date) {
			continue
		}
		if best == nil || supersedes(d, best) {
			best = d
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w for %s", ErrNoActiveSchedule, timeofday.FormatDate(date))
	}
	return best, nil
}

func supersedes(a, b *ScheduleDefinition) bool {
	switch {
	case a.EffectiveDate != nil && b.EffectiveDate == nil:
		return true
	case a.EffectiveDate == nil && b.EffectiveDate != nil:
		return false
	case a.EffectiveDate != nil && !a.EffectiveDate.Equal(*b.EffectiveDate):
		return a.EffectiveDate.After(*b.EffectiveDate)
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

// scheduleJSON is the flat wire shape used by the booking UIs.
type scheduleJSON struct {
	ID                 uuid.UUID            `json:"id"`
	DoctorID           uuid.UUID            `json:"doctor_id"`
	DayOfWeek          string               `json:"day_of_week"`
	StartTime          timeofday.TimeOfDay  `json:"start_time"`
	EndTime            timeofday.TimeOfDay  `json:"end_time"`
	BreakStartTime     *timeofday.TimeOfDay `json:"break_start_time,omitempty"`
	BreakEndTime       *timeofday.TimeOfDay `json:"break_end_time,omitempty"`
	DurationConfigType DurationConfigType   `json:"duration_config_type"`
	DurationMinutes    *int                 `json:"duration_minutes,omitempty"`
	TargetTokensPerDay *int                 `json:"target_tokens_per_day,omitempty"`
	EffectiveDate      *string              `json:"effective_date,omitempty"`
	EndDate            *string              `json:"end_date,omitempty"`
	IsActive           *bool                `json:"is_active,omitempty"`
	Notes              *string              `json:"notes,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

func (d ScheduleDefinition) MarshalJSON() ([]byte, error) {
	active := d.IsActive
	out := scheduleJSON{
		ID:             d.ID,
		DoctorID:       d.DoctorID,
		DayOfWeek:      strings.ToUpper(d.DayOfWeek.String()),
		StartTime:      d.StartTime,
		EndTime:        d.EndTime,
		BreakStartTime: d.BreakStartTime,
		BreakEndTime:   d.BreakEndTime,
		IsActive:       &active,
		Notes:          d.Notes,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	switch p := d.Duration.(type) {
	case DirectDuration:
		out.DurationConfigType = DurationDirect
		out.DurationMinutes = &p.Minutes
	case TokenTarget:
		out.DurationConfigType = DurationTokenBased
		out.TargetTokensPerDay = &p.TokensPerDay
	}
	if d.EffectiveDate != nil {
		s := timeofday.FormatDate(*d.EffectiveDate)
		out.EffectiveDate = &s
	}
	if d.EndDate != nil {
		s := timeofday.FormatDate(*d.EndDate)
		out.EndDate = &s
	}
	return json.Marshal(out)
}

func (d *ScheduleDefinition) UnmarshalJSON(data []byte) error {
	var in scheduleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	day, err := ParseWeekday(in.DayOfWeek)
	if err != nil {
		return err
	}
	policy, err := NewDurationPolicy(in.DurationConfigType, in.DurationMinutes, in.TargetTokensPerDay)
	if err != nil {
		return err
	}
	out := ScheduleDefinition{
		ID:             in.ID,
		DoctorID:       in.DoctorID,
		DayOfWeek:      day,
		StartTime:      in.StartTime,
		EndTime:        in.EndTime,
		BreakStartTime: in.BreakStartTime,
		BreakEndTime:   in.BreakEndTime,
		Duration:       policy,
		IsActive:       true,
		Notes:          in.Notes,
		CreatedAt:      in.CreatedAt,
		UpdatedAt:      in.UpdatedAt,
	}
	if in.IsActive != nil {
		out.IsActive = *in.IsActive
	}
	if in.EffectiveDate != nil {
		t, err := timeofday.ParseDate(*in.EffectiveDate)
		if err != nil {
			return err
		}
		out.EffectiveDate = &t
	}
	if in.EndDate != nil {
		t, err := timeofday.ParseDate(*in.EndDate)
		if err != nil {
			return err
		}
		out.EndDate = &t
	}
	*d = out
	return nil
}

// NewDurationPolicy builds the policy from its flat representation. Exactly
// the field belonging to configType must be present.
func NewDurationPolicy(configType DurationConfigType, durationMinutes, targetTokens *int) (DurationPolicy, error) {
	switch configType {
	case DurationDirect:
		if durationMinutes == nil || targetTokens != nil {
			return nil, fmt.Errorf("%w: DIRECT requires duration_minutes only", ErrInvalidSchedule)
		}
		return DirectDuration{Minutes: *durationMinutes}, nil
	case DurationTokenBased:
		if targetTokens == nil || durationMinutes != nil {
			return nil, fmt.Errorf("%w: TOKEN_BASED requires target_tokens_per_day only", ErrInvalidSchedule)
		}
		return TokenTarget{TokensPerDay: *targetTokens}, nil
	}
	return nil, fmt.Errorf("%w: unknown duration_config_type %q", ErrInvalidSchedule, configType)
}

// ParseWeekday accepts English day names in any case, full or three-letter.
func ParseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sun", "sunday":
		return time.Sunday, nil
	case "mon", "monday":
		return time.Monday, nil
	case "tue", "tuesday":
		return time.Tuesday, nil
	case "wed", "wednesday":
		return time.Wednesday, nil
	case "thu", "thursday":
		return time.Thursday, nil
	case "fri", "friday":
		return time.Friday, nil
	case "sat", "saturday":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("%w: day of week %q", ErrInvalidFormat, s)
}

// Slot is one bookable unit of a generated day. Break slots carry token 0.
type Slot struct {
	Time        timeofday.TimeOfDay `json:"time"`
	EndTime     timeofday.TimeOfDay `json:"end_time"`
	TokenNumber int                 `json:"token_number,omitempty"`
	IsBreakTime bool                `json:"is_break_time"`
	IsAvailable bool                `json:"is_available"`
}

// Appointment statuses. Cancelled and no-show appointments release their slot.
const (
	StatusBooked    = "booked"
	StatusArrived   = "arrived"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusNoShow    = "noshow"
)

// BookedAppointment is an appointment occupying a slot of a doctor's day.
type BookedAppointment struct {
	ID                      uuid.UUID           `json:"id"`
	DoctorID                uuid.UUID           `json:"doctor_id"`
	PatientID               uuid.UUID           `json:"patient_id"`
	Date                    time.Time           `json:"-"`
	StartTime               timeofday.TimeOfDay `json:"start_time"`
	DurationMinutes         int                 `json:"duration_minutes"`
	TokenNumber             int                 `json:"token_number"`
	Status                  string              `json:"status"`
	IsDurationOverridden    bool                `json:"is_duration_overridden"`
	OverrideReason          *string             `json:"override_reason,omitempty"`
	OriginalDurationMinutes *int                `json:"original_duration_minutes,omitempty"`
	CreatedAt               time.Time           `json:"created_at"`
	UpdatedAt               time.Time           `json:"updated_at"`
}

// Occupies reports whether the appointment still holds its slot.
func (a *BookedAppointment) Occupies() bool {
	return a.Status != StatusCancelled && a.Status != StatusNoShow
}

// EndMinute is the minute of day at which the appointment actually ends. It
// may reach past midnight for pathological overrides, so it is not a TimeOfDay.
func (a *BookedAppointment) EndMinute() int {
	return a.StartTime.MinuteOfDay() + a.DurationMinutes
}

// OverrideRequest asks to change one appointment's duration away from the
// schedule's effective duration.
type OverrideRequest struct {
	AppointmentID          uuid.UUID
	NewDurationMinutes     int
	Reason                 string
	CurrentDurationMinutes int
}

// OverrideRecord holds the audited fields persisted with an override.
type OverrideRecord struct {
	AppointmentID           uuid.UUID `json:"appointment_id"`
	NewDurationMinutes      int       `json:"new_duration_minutes"`
	Reason                  string    `json:"reason"`
	OriginalDurationMinutes int       `json:"original_duration_minutes"`
}
