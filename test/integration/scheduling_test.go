//go:build integration

package integration

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/amancare/slotengine/internal/domain/scheduling"
	"github.com/amancare/slotengine/internal/platform/cache"
	"github.com/amancare/slotengine/internal/platform/db"
	"github.com/amancare/slotengine/internal/platform/events"
	"github.com/amancare/slotengine/pkg/timeofday"
)

func newService() (*scheduling.Service, *events.Recorder) {
	rec := &events.Recorder{}
	svc := scheduling.NewService(
		scheduling.NewScheduleRepoPG(globalDB.Pool),
		scheduling.NewAppointmentRepoPG(globalDB.Pool),
		scheduling.WithCache(cache.NewInMemoryStore(), 0),
		scheduling.WithPublisher(rec),
	)
	return svc, rec
}

func morningSchedule(doctorID uuid.UUID) *scheduling.ScheduleDefinition {
	bs, be := timeofday.MustParse("10:00"), timeofday.MustParse("10:30")
	return &scheduling.ScheduleDefinition{
		DoctorID:       doctorID,
		DayOfWeek:      monday.Weekday(),
		StartTime:      timeofday.MustParse("08:00"),
		EndTime:        timeofday.MustParse("12:00"),
		BreakStartTime: &bs,
		BreakEndTime:   &be,
		Duration:       scheduling.DirectDuration{Minutes: 30},
		IsActive:       true,
	}
}

func TestScheduleRepo_RoundTrip(t *testing.T) {
	ctx := context.Background()
	clinic := uniqueClinicID("sched")
	createClinicSchema(t, ctx, clinic)
	defer dropClinicSchema(t, ctx, clinic)

	doctorID := uuid.New()
	repo := scheduling.NewScheduleRepoPG(globalDB.Pool)

	err := withClinicConn(ctx, clinic, func(ctx context.Context) error {
		direct := morningSchedule(doctorID)
		if err := repo.Create(ctx, direct); err != nil {
			return err
		}
		token := morningSchedule(doctorID)
		token.DayOfWeek = monday.AddDate(0, 0, 1).Weekday()
		token.BreakStartTime, token.BreakEndTime = nil, nil
		token.Duration = scheduling.TokenTarget{TokensPerDay: 12}
		if err := repo.Create(ctx, token); err != nil {
			return err
		}

		got, err := repo.GetByID(ctx, direct.ID)
		if err != nil {
			return err
		}
		if got.StartTime.String() != "08:00" || got.BreakEndTime == nil || got.BreakEndTime.String() != "10:30" {
			t.Errorf("times not preserved: %+v", got)
		}
		if p, ok := got.Duration.(scheduling.DirectDuration); !ok || p.Minutes != 30 {
			t.Errorf("expected DirectDuration{30}, got %#v", got.Duration)
		}

		gotToken, err := repo.GetByID(ctx, token.ID)
		if err != nil {
			return err
		}
		if p, ok := gotToken.Duration.(scheduling.TokenTarget); !ok || p.TokensPerDay != 12 {
			t.Errorf("expected TokenTarget{12}, got %#v", gotToken.Duration)
		}
		if gotToken.HasBreak() {
			t.Error("expected no break")
		}

		mondays, err := repo.ListForDoctorDay(ctx, doctorID, monday.Weekday())
		if err != nil {
			return err
		}
		if len(mondays) != 1 || mondays[0].ID != direct.ID {
			t.Errorf("expected only the Monday schedule, got %d", len(mondays))
		}

		all, total, err := repo.ListByDoctor(ctx, doctorID, 10, 0)
		if err != nil {
			return err
		}
		if total != 2 || len(all) != 2 {
			t.Errorf("expected 2 schedules, got %d/%d", len(all), total)
		}

		if err := repo.Delete(ctx, token.ID); err != nil {
			return err
		}
		if _, err := repo.GetByID(ctx, token.ID); !errors.Is(err, scheduling.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSchedule_ConstraintRejectsMixedPolicy(t *testing.T) {
	ctx := context.Background()
	clinic := uniqueClinicID("cons")
	createClinicSchema(t, ctx, clinic)
	defer dropClinicSchema(t, ctx, clinic)

	err := withClinicConn(ctx, clinic, func(ctx context.Context) error {
		conn := db.ConnFromContext(ctx)
		_, err := conn.Exec(ctx, `
			INSERT INTO doctor_schedule (id, doctor_id, day_of_week, start_time, end_time,
				duration_config_type, duration_minutes, target_tokens_per_day)
			VALUES ($1, $2, 1, '08:00', '12:00', 'DIRECT', 30, 8)`, uuid.New(), uuid.New())
		if err == nil {
			t.Error("expected check constraint violation")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBookingAndOverride(t *testing.T) {
	ctx := context.Background()
	clinic := uniqueClinicID("book")
	createClinicSchema(t, ctx, clinic)
	defer dropClinicSchema(t, ctx, clinic)

	svc, rec := newService()
	doctorID := uuid.New()

	err := withClinicConn(ctx, clinic, func(ctx context.Context) error {
		if err := svc.CreateSchedule(ctx, morningSchedule(doctorID)); err != nil {
			return err
		}

		book := func(start string) (*scheduling.BookedAppointment, error) {
			return svc.BookAppointment(ctx, scheduling.BookingRequest{
				DoctorID:  doctorID,
				PatientID: uuid.New(),
				Date:      monday,
				StartTime: timeofday.MustParse(start),
			})
		}

		first, err := book("08:00")
		if err != nil {
			return err
		}
		if first.TokenNumber != 1 || first.DurationMinutes != 30 {
			t.Errorf("expected token 1 for 30 minutes, got %+v", first)
		}
		if _, err := book("08:00"); !errors.Is(err, scheduling.ErrSlotUnavailable) {
			t.Errorf("expected ErrSlotUnavailable for a double booking, got %v", err)
		}
		if _, err := book("10:00"); !errors.Is(err, scheduling.ErrSlotUnavailable) {
			t.Errorf("expected ErrSlotUnavailable for the break, got %v", err)
		}
		if _, err := book("09:00"); err != nil {
			return err
		}

		avail, err := svc.GetAvailableTimeSlotsWithTokens(ctx, doctorID, monday)
		if err != nil {
			return err
		}
		if len(avail) != 5 {
			t.Errorf("expected 5 available slots, got %d", len(avail))
		}
		if _, ok := avail[timeofday.MustParse("08:00")]; ok {
			t.Error("expected 08:00 to be taken")
		}

		// 08:00 + 45 minutes reaches nothing before 09:00.
		updated, err := svc.OverrideDuration(ctx, first.ID, 45, "complex case")
		if err != nil {
			return err
		}
		if !updated.IsDurationOverridden || updated.DurationMinutes != 45 {
			t.Errorf("override not stored: %+v", updated)
		}
		if updated.OriginalDurationMinutes == nil || *updated.OriginalDurationMinutes != 30 {
			t.Errorf("expected original duration 30, got %v", updated.OriginalDurationMinutes)
		}

		again, err := svc.OverrideDuration(ctx, first.ID, 50, "still running")
		if err != nil {
			return err
		}
		if *again.OriginalDurationMinutes != 30 {
			t.Errorf("expected original duration to stay 30, got %d", *again.OriginalDurationMinutes)
		}

		if _, err := svc.OverrideDuration(ctx, first.ID, 90, "too long"); !errors.Is(err, scheduling.ErrSlotConflict) {
			t.Errorf("expected ErrSlotConflict reaching 09:00, got %v", err)
		}

		day, err := svc.DaySlots(ctx, doctorID, monday)
		if err != nil {
			return err
		}
		if len(day.Overrun) != 1 || day.Overrun[0].String() != "08:30" {
			t.Errorf("expected 08:30 overrun, got %v", day.Overrun)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if n := len(rec.Events()); n != 4 {
		t.Errorf("expected 2 booked and 2 override events, got %d", n)
	}
}

func TestAppointmentRepo_UniqueSlotAndRelease(t *testing.T) {
	ctx := context.Background()
	clinic := uniqueClinicID("uniq")
	createClinicSchema(t, ctx, clinic)
	defer dropClinicSchema(t, ctx, clinic)

	repo := scheduling.NewAppointmentRepoPG(globalDB.Pool)
	doctorID := uuid.New()
	appt := func() *scheduling.BookedAppointment {
		return &scheduling.BookedAppointment{
			DoctorID:        doctorID,
			PatientID:       uuid.New(),
			Date:            monday,
			StartTime:       timeofday.MustParse("08:30"),
			DurationMinutes: 30,
			TokenNumber:     2,
		}
	}

	err := withClinicConn(ctx, clinic, func(ctx context.Context) error {
		first := appt()
		if err := repo.Create(ctx, first); err != nil {
			return err
		}
		if err := repo.Create(ctx, appt()); !errors.Is(err, scheduling.ErrSlotUnavailable) {
			t.Errorf("expected unique index to map to ErrSlotUnavailable, got %v", err)
		}

		conn := db.ConnFromContext(ctx)
		if _, err := conn.Exec(ctx, `UPDATE appointment SET status = $2 WHERE id = $1`,
			first.ID, scheduling.StatusCancelled); err != nil {
			return err
		}

		occupying, err := repo.ListOccupying(ctx, doctorID, monday)
		if err != nil {
			return err
		}
		if len(occupying) != 0 {
			t.Errorf("expected cancelled appointment to release its slot, got %d", len(occupying))
		}
		if err := repo.Create(ctx, appt()); err != nil {
			t.Errorf("expected rebooking a released slot to succeed, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestClinicIsolation(t *testing.T) {
	ctx := context.Background()
	clinicA := uniqueClinicID("a")
	clinicB := uniqueClinicID("b")
	createClinicSchema(t, ctx, clinicA)
	defer dropClinicSchema(t, ctx, clinicA)
	createClinicSchema(t, ctx, clinicB)
	defer dropClinicSchema(t, ctx, clinicB)

	svc, _ := newService()
	doctorID := uuid.New()

	err := withClinicConn(ctx, clinicA, func(ctx context.Context) error {
		return svc.CreateSchedule(ctx, morningSchedule(doctorID))
	})
	if err != nil {
		t.Fatalf("create in clinic A: %v", err)
	}

	err = withClinicConn(ctx, clinicB, func(ctx context.Context) error {
		_, err := svc.DaySlots(ctx, doctorID, monday)
		return err
	})
	if !errors.Is(err, scheduling.ErrNoActiveSchedule) {
		t.Errorf("expected clinic B to see no schedule, got %v", err)
	}

	var applied int
	err = globalDB.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+db.ClinicSchema(clinicB)+`._migrations`).Scan(&applied)
	if err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied == 0 {
		t.Error("expected migrations recorded in clinic B")
	}
}

func TestConcurrentOverrideAndBooking(t *testing.T) {
	ctx := context.Background()
	clinic := uniqueClinicID("race")
	createClinicSchema(t, ctx, clinic)
	defer dropClinicSchema(t, ctx, clinic)

	svc, _ := newService()

	for round := 0; round < 10; round++ {
		doctorID := uuid.New()
		var first *scheduling.BookedAppointment
		err := withClinicConn(ctx, clinic, func(ctx context.Context) error {
			if err := svc.CreateSchedule(ctx, morningSchedule(doctorID)); err != nil {
				return err
			}
			var err error
			first, err = svc.BookAppointment(ctx, scheduling.BookingRequest{
				DoctorID: doctorID, PatientID: uuid.New(), Date: monday, StartTime: timeofday.MustParse("08:30"),
			})
			return err
		})
		if err != nil {
			t.Fatalf("round %d setup: %v", round, err)
		}

		var (
			wg                   sync.WaitGroup
			overrideErr, bookErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			overrideErr = withClinicConn(ctx, clinic, func(ctx context.Context) error {
				_, err := svc.OverrideDuration(ctx, first.ID, 60, "procedure")
				return err
			})
		}()
		go func() {
			defer wg.Done()
			bookErr = withClinicConn(ctx, clinic, func(ctx context.Context) error {
				_, err := svc.BookAppointment(ctx, scheduling.BookingRequest{
					DoctorID: doctorID, PatientID: uuid.New(), Date: monday, StartTime: timeofday.MustParse("09:00"),
				})
				return err
			})
		}()
		wg.Wait()

		if (overrideErr == nil) == (bookErr == nil) {
			t.Fatalf("round %d: expected exactly one success, got override=%v booking=%v", round, overrideErr, bookErr)
		}
		for _, err := range []error{overrideErr, bookErr} {
			if err != nil && !errors.Is(err, scheduling.ErrSlotConflict) {
				t.Fatalf("round %d: expected ErrSlotConflict, got %v", round, err)
			}
		}
	}
}

func TestWithinDayLock_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	clinic := uniqueClinicID("rb")
	createClinicSchema(t, ctx, clinic)
	defer dropClinicSchema(t, ctx, clinic)

	repo := scheduling.NewAppointmentRepoPG(globalDB.Pool)
	doctorID := uuid.New()
	failed := errors.New("abort")

	err := withClinicConn(ctx, clinic, func(ctx context.Context) error {
		err := repo.WithinDayLock(ctx, doctorID, monday, func(ctx context.Context) error {
			if err := repo.Create(ctx, &scheduling.BookedAppointment{
				DoctorID: doctorID, PatientID: uuid.New(), Date: monday,
				StartTime: timeofday.MustParse("08:00"), DurationMinutes: 30, TokenNumber: 1,
			}); err != nil {
				return err
			}
			return failed
		})
		if !errors.Is(err, failed) {
			t.Errorf("expected fn error to be returned, got %v", err)
		}

		occupying, err := repo.ListOccupying(ctx, doctorID, monday)
		if err != nil {
			return err
		}
		if len(occupying) != 0 {
			t.Errorf("expected the insert to be rolled back, found %d", len(occupying))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
