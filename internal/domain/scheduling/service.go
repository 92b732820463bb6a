package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/amancare/slotengine/internal/platform/cache"
	"github.com/amancare/slotengine/internal/platform/events"
	"github.com/amancare/slotengine/pkg/timeofday"
)

const defaultPlanTTL = 10 * time.Minute

type Service struct {
	schedules    ScheduleRepository
	appointments AppointmentRepository
	cache        cache.Store
	cacheTTL     time.Duration
	events       events.Publisher
	logger       zerolog.Logger
}

type Option func(*Service)

// WithCache stores generated day plans in store for ttl.
func WithCache(store cache.Store, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = store
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(sched ScheduleRepository, appt AppointmentRepository, opts ...Option) *Service {
	s := &Service{
		schedules:    sched,
		appointments: appt,
		cacheTTL:     defaultPlanTTL,
		logger:       zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.events == nil {
		s.events = events.NewLogPublisher(s.logger)
	}
	return s
}

// -- Schedule --

func (s *Service) CreateSchedule(ctx context.Context, def *ScheduleDefinition) error {
	if def.DoctorID == uuid.Nil {
		return fmt.Errorf("%w: doctor_id is required", ErrInvalidSchedule)
	}
	// Resolving up front rejects infeasible token targets before they are stored.
	if _, err := Resolve(def); err != nil {
		return err
	}
	return s.schedules.Create(ctx, def)
}

func (s *Service) GetSchedule(ctx context.Context, id uuid.UUID) (*ScheduleDefinition, error) {
	return s.schedules.GetByID(ctx, id)
}

func (s *Service) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	return s.schedules.Delete(ctx, id)
}

func (s *Service) ListSchedulesByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*ScheduleDefinition, int, error) {
	return s.schedules.ListByDoctor(ctx, doctorID, limit, offset)
}

// Preview runs the engine on an unsaved definition. A zero date skips the
// day-of-week check.
func (s *Service) Preview(def *ScheduleDefinition, date time.Time) (*DayPlan, error) {
	if !date.IsZero() {
		return GenerateDay(def, date)
	}
	res, err := Resolve(def)
	if err != nil {
		return nil, err
	}
	slots, err := GenerateSlots(def, res.EffectiveDuration)
	if err != nil {
		return nil, err
	}
	return &DayPlan{DoctorID: def.DoctorID, ScheduleID: def.ID, Resolution: res, Slots: slots}, nil
}

// -- Day plans --

// DayAvailability is a day plan with the doctor's bookings applied.
type DayAvailability struct {
	*DayPlan
	Unaligned []BookedAppointment   `json:"unaligned,omitempty"`
	Overrun   []timeofday.TimeOfDay `json:"overrun,omitempty"`
}

func planKey(def *ScheduleDefinition, date time.Time) string {
	return fmt.Sprintf("plan:%s:%d:%s", def.ID, def.UpdatedAt.Unix(), timeofday.FormatDate(date))
}

// DayPlan returns the unreconciled slot grid of the doctor's active schedule
// on date.
func (s *Service) DayPlan(ctx context.Context, doctorID uuid.UUID, date time.Time) (*DayPlan, error) {
	defs, err := s.schedules.ListForDoctorDay(ctx, doctorID, date.Weekday())
	if err != nil {
		return nil, err
	}
	def, err := SelectActive(defs, date)
	if err != nil {
		return nil, err
	}

	key := planKey(def, date)
	if plan, ok := s.cachedPlan(ctx, key); ok {
		return plan, nil
	}
	plan, err := GenerateDay(def, date)
	if err != nil {
		return nil, err
	}
	s.storePlan(ctx, key, plan)
	return plan, nil
}

// cachedPlan and storePlan fail open: cache errors are logged, never returned.
func (s *Service) cachedPlan(ctx context.Context, key string) (*DayPlan, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("plan cache read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var plan DayPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("plan cache entry corrupt")
		return nil, false
	}
	return &plan, true
}

func (s *Service) storePlan(ctx context.Context, key string, plan *DayPlan) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(plan)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("plan cache encode failed")
		return
	}
	if err := s.cache.Set(ctx, key, data, s.cacheTTL); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("plan cache write failed")
	}
}

// DaySlots returns the doctor's slot grid on date with current bookings
// applied.
func (s *Service) DaySlots(ctx context.Context, doctorID uuid.UUID, date time.Time) (*DayAvailability, error) {
	day, _, err := s.dayAvailability(ctx, doctorID, date)
	return day, err
}

func (s *Service) dayAvailability(ctx context.Context, doctorID uuid.UUID, date time.Time) (*DayAvailability, []BookedAppointment, error) {
	plan, err := s.DayPlan(ctx, doctorID, date)
	if err != nil {
		return nil, nil, err
	}
	bookings, err := s.appointments.ListOccupying(ctx, doctorID, date)
	if err != nil {
		return nil, nil, err
	}
	rec := ReconcileAvailability(plan.Slots, bookings)
	reconciled := *plan
	reconciled.Slots = rec.Slots
	return &DayAvailability{DayPlan: &reconciled, Unaligned: rec.Unaligned, Overrun: rec.Overrun}, bookings, nil
}

// GetAvailableTimeSlotsWithTokens maps every unbooked non-break slot start of
// the doctor's day to its token.
func (s *Service) GetAvailableTimeSlotsWithTokens(ctx context.Context, doctorID uuid.UUID, date time.Time) (map[timeofday.TimeOfDay]int, error) {
	day, err := s.DaySlots(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	return AvailableTimeSlotsWithTokens(day.Slots), nil
}

// GetAllTimeSlotsWithTokens maps every non-break slot start of the doctor's
// day to its token, booked or not.
func (s *Service) GetAllTimeSlotsWithTokens(ctx context.Context, doctorID uuid.UUID, date time.Time) (map[timeofday.TimeOfDay]int, error) {
	plan, err := s.DayPlan(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	return AllTimeSlotsWithTokens(plan.Slots), nil
}

// -- Appointments --

type BookingRequest struct {
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Date      time.Time
	StartTime timeofday.TimeOfDay
}

// BookAppointment books the slot starting at req.StartTime. The appointment
// takes the slot's token and the day's effective duration.
func (s *Service) BookAppointment(ctx context.Context, req BookingRequest) (*BookedAppointment, error) {
	if req.DoctorID == uuid.Nil {
		return nil, fmt.Errorf("%w: doctor_id is required", ErrInvalidFormat)
	}
	if req.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidFormat)
	}

	var appt *BookedAppointment
	err := s.appointments.WithinDayLock(ctx, req.DoctorID, req.Date, func(ctx context.Context) error {
		day, bookings, err := s.dayAvailability(ctx, req.DoctorID, req.Date)
		if err != nil {
			return err
		}

		var slot *Slot
		for i := range day.Slots {
			if day.Slots[i].Time.Equal(req.StartTime) {
				slot = &day.Slots[i]
				break
			}
		}
		switch {
		case slot == nil:
			return fmt.Errorf("%w: %s is not a slot start", ErrSlotUnavailable, req.StartTime)
		case slot.IsBreakTime:
			return fmt.Errorf("%w: %s is a break", ErrSlotUnavailable, req.StartTime)
		case !slot.IsAvailable:
			return fmt.Errorf("%w: %s is already booked", ErrSlotUnavailable, req.StartTime)
		}
		if b, ok := ConflictingBooking(bookings, req.StartTime, day.EffectiveDuration); ok {
			return fmt.Errorf("%w: %s runs until minute %d", ErrSlotConflict, b.StartTime, b.EndMinute())
		}

		appt = &BookedAppointment{
			DoctorID:        req.DoctorID,
			PatientID:       req.PatientID,
			Date:            timeofday.TruncateDate(req.Date),
			StartTime:       req.StartTime,
			DurationMinutes: day.EffectiveDuration,
			TokenNumber:     slot.TokenNumber,
			Status:          StatusBooked,
		}
		return s.appointments.Create(ctx, appt)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.TypeAppointmentBooked, appt.ID, appointmentEvent{
		AppointmentID:   appt.ID,
		DoctorID:        appt.DoctorID,
		Date:            timeofday.FormatDate(appt.Date),
		StartTime:       appt.StartTime,
		DurationMinutes: appt.DurationMinutes,
		TokenNumber:     appt.TokenNumber,
	})
	return appt, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*BookedAppointment, error) {
	return s.appointments.GetByID(ctx, id)
}

// OverrideDuration changes one appointment's duration. It is rejected when the
// extended appointment would run into a later booking; other slots are never
// shifted or renumbered.
func (s *Service) OverrideDuration(ctx context.Context, appointmentID uuid.UUID, newMinutes int, reason string) (*BookedAppointment, error) {
	found, err := s.appointments.GetByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	var (
		rec     OverrideRecord
		updated *BookedAppointment
	)
	err = s.appointments.WithinDayLock(ctx, found.DoctorID, found.Date, func(ctx context.Context) error {
		// Re-read under the lock; the appointment may have changed meanwhile.
		appt, err := s.appointments.GetByID(ctx, appointmentID)
		if err != nil {
			return err
		}
		if !appt.Occupies() {
			return fmt.Errorf("%w: appointment is %s", ErrInvalidOverride, appt.Status)
		}
		rec, err = ValidateOverride(OverrideRequest{
			AppointmentID:          appt.ID,
			NewDurationMinutes:     newMinutes,
			Reason:                 reason,
			CurrentDurationMinutes: appt.DurationMinutes,
		})
		if err != nil {
			return err
		}
		if appt.OriginalDurationMinutes != nil {
			rec.OriginalDurationMinutes = *appt.OriginalDurationMinutes
		}

		bookings, err := s.appointments.ListOccupying(ctx, appt.DoctorID, appt.Date)
		if err != nil {
			return err
		}
		var later []BookedAppointment
		for _, b := range bookings {
			if b.ID != appt.ID && b.StartTime.After(appt.StartTime) {
				later = append(later, b)
			}
		}
		if b, ok := ConflictingBooking(later, appt.StartTime, rec.NewDurationMinutes); ok {
			return fmt.Errorf("%w: %d minutes from %s reaches the booking at %s",
				ErrSlotConflict, rec.NewDurationMinutes, appt.StartTime, b.StartTime)
		}

		updated, err = s.appointments.ApplyOverride(ctx, rec)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", rec.AppointmentID.String()).
		Int("original_duration", rec.OriginalDurationMinutes).
		Int("new_duration", rec.NewDurationMinutes).
		Str("reason", rec.Reason).
		Msg("appointment duration overridden")
	s.publish(ctx, events.TypeDurationOverridden, rec.AppointmentID, overrideEvent{
		OverrideRecord: rec,
		DoctorID:       updated.DoctorID,
		Date:           timeofday.FormatDate(updated.Date),
		StartTime:      updated.StartTime,
	})
	return updated, nil
}

type appointmentEvent struct {
	AppointmentID   uuid.UUID           `json:"appointment_id"`
	DoctorID        uuid.UUID           `json:"doctor_id"`
	Date            string              `json:"date"`
	StartTime       timeofday.TimeOfDay `json:"start_time"`
	DurationMinutes int                 `json:"duration_minutes"`
	TokenNumber     int                 `json:"token_number"`
}

type overrideEvent struct {
	OverrideRecord
	DoctorID  uuid.UUID           `json:"doctor_id"`
	Date      string              `json:"date"`
	StartTime timeofday.TimeOfDay `json:"start_time"`
}

// publish is best effort: the change is already committed, so a delivery
// failure is logged and not returned.
func (s *Service) publish(ctx context.Context, eventType string, key uuid.UUID, payload interface{}) {
	ev, err := events.NewEvent(eventType, key.String(), payload)
	if err == nil {
		err = s.events.Publish(ctx, ev)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Str("key", key.String()).Msg("event publish failed")
	}
}
