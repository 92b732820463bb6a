package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/amancare/slotengine/internal/platform/cache"
	"github.com/amancare/slotengine/internal/platform/events"
	"github.com/amancare/slotengine/pkg/timeofday"
)

// -- Mock Repositories --

type mockScheduleRepo struct {
	scheds map[uuid.UUID]*ScheduleDefinition
	calls  int
}

func newMockScheduleRepo() *mockScheduleRepo {
	return &mockScheduleRepo{scheds: make(map[uuid.UUID]*ScheduleDefinition)}
}

func (m *mockScheduleRepo) Create(_ context.Context, s *ScheduleDefinition) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	m.scheds[s.ID] = s
	return nil
}

func (m *mockScheduleRepo) GetByID(_ context.Context, id uuid.UUID) (*ScheduleDefinition, error) {
	s, ok := m.scheds[id]
	if !ok {
		return nil, fmt.Errorf("schedule: %w", ErrNotFound)
	}
	return s, nil
}

func (m *mockScheduleRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.scheds[id]; !ok {
		return fmt.Errorf("schedule: %w", ErrNotFound)
	}
	delete(m.scheds, id)
	return nil
}

func (m *mockScheduleRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]*ScheduleDefinition, int, error) {
	var result []*ScheduleDefinition
	for _, s := range m.scheds {
		if s.DoctorID == doctorID {
			result = append(result, s)
		}
	}
	total := len(result)
	if offset > total {
		offset = total
	}
	if end := offset + limit; end < total {
		result = result[offset:end]
	} else {
		result = result[offset:]
	}
	return result, total, nil
}

func (m *mockScheduleRepo) ListForDoctorDay(_ context.Context, doctorID uuid.UUID, day time.Weekday) ([]*ScheduleDefinition, error) {
	m.calls++
	var result []*ScheduleDefinition
	for _, s := range m.scheds {
		if s.DoctorID == doctorID && s.DayOfWeek == day && s.IsActive {
			result = append(result, s)
		}
	}
	return result, nil
}

type mockAppointmentRepo struct {
	mu    sync.Mutex
	appts map[uuid.UUID]*BookedAppointment

	dayLocks map[string]*sync.Mutex
	held     map[string]bool
	// unlockedWrites counts Create and ApplyOverride calls made while the
	// appointment's day was not locked.
	unlockedWrites int
}

func newMockAppointmentRepo() *mockAppointmentRepo {
	return &mockAppointmentRepo{
		appts:    make(map[uuid.UUID]*BookedAppointment),
		dayLocks: make(map[string]*sync.Mutex),
		held:     make(map[string]bool),
	}
}

func mockDayKey(doctorID uuid.UUID, date time.Time) string {
	return doctorID.String() + "/" + timeofday.FormatDate(date)
}

func (m *mockAppointmentRepo) WithinDayLock(ctx context.Context, doctorID uuid.UUID, date time.Time, fn func(ctx context.Context) error) error {
	key := mockDayKey(doctorID, date)
	m.mu.Lock()
	l, ok := m.dayLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.dayLocks[key] = l
	}
	m.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	m.setHeld(key, true)
	defer m.setHeld(key, false)
	return fn(ctx)
}

func (m *mockAppointmentRepo) setHeld(key string, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[key] = v
}

func (m *mockAppointmentRepo) Create(_ context.Context, a *BookedAppointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held[mockDayKey(a.DoctorID, a.Date)] {
		m.unlockedWrites++
	}
	for _, other := range m.appts {
		if other.DoctorID == a.DoctorID && other.Date.Equal(a.Date) && other.StartTime == a.StartTime && other.Occupies() {
			return fmt.Errorf("%w: %s is already booked", ErrSlotUnavailable, a.StartTime)
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	stored := *a
	m.appts[a.ID] = &stored
	return nil
}

func (m *mockAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*BookedAppointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, fmt.Errorf("appointment: %w", ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *mockAppointmentRepo) ListOccupying(_ context.Context, doctorID uuid.UUID, date time.Time) ([]BookedAppointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []BookedAppointment
	for _, a := range m.appts {
		if a.DoctorID == doctorID && a.Date.Equal(timeofday.TruncateDate(date)) && a.Occupies() {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime.Before(result[j].StartTime) })
	return result, nil
}

func (m *mockAppointmentRepo) ApplyOverride(_ context.Context, rec OverrideRecord) (*BookedAppointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[rec.AppointmentID]
	if !ok {
		return nil, fmt.Errorf("appointment: %w", ErrNotFound)
	}
	if !m.held[mockDayKey(a.DoctorID, a.Date)] {
		m.unlockedWrites++
	}
	if a.OriginalDurationMinutes == nil {
		orig := rec.OriginalDurationMinutes
		a.OriginalDurationMinutes = &orig
	}
	reason := rec.Reason
	a.DurationMinutes = rec.NewDurationMinutes
	a.IsDurationOverridden = true
	a.OverrideReason = &reason
	cp := *a
	return &cp, nil
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("cache down")
}
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("cache down")
}
func (failingStore) Delete(context.Context, string) error { return errors.New("cache down") }

type testEnv struct {
	svc      *Service
	scheds   *mockScheduleRepo
	appts    *mockAppointmentRepo
	store    *cache.InMemoryStore
	recorder *events.Recorder
}

func newTestEnv() *testEnv {
	env := &testEnv{
		scheds:   newMockScheduleRepo(),
		appts:    newMockAppointmentRepo(),
		store:    cache.NewInMemoryStore(),
		recorder: &events.Recorder{},
	}
	env.svc = NewService(env.scheds, env.appts,
		WithCache(env.store, time.Minute),
		WithPublisher(env.recorder))
	return env
}

func newTestService() *Service {
	return newTestEnv().svc
}

// withSchedule stores the morning schedule with policy p.
func (env *testEnv) withSchedule(t *testing.T, p DurationPolicy) *ScheduleDefinition {
	t.Helper()
	d := morningSchedule(p)
	if err := env.svc.CreateSchedule(context.Background(), d); err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return d
}

func (env *testEnv) book(t *testing.T, doctorID uuid.UUID, start string) *BookedAppointment {
	t.Helper()
	a, err := env.svc.BookAppointment(context.Background(), BookingRequest{
		DoctorID: doctorID, PatientID: uuid.New(), Date: monday, StartTime: tod(start),
	})
	if err != nil {
		t.Fatalf("book %s: %v", start, err)
	}
	return a
}

// -- Schedule Tests --

func TestService_CreateSchedule(t *testing.T) {
	env := newTestEnv()
	d := env.withSchedule(t, DirectDuration{Minutes: 30})
	if d.ID == uuid.Nil {
		t.Error("expected ID to be set")
	}
	got, err := env.svc.GetSchedule(context.Background(), d.ID)
	if err != nil || got != d {
		t.Errorf("expected stored schedule, got %v %v", got, err)
	}
}

func TestService_CreateSchedule_Rejects(t *testing.T) {
	svc := newTestService()
	tests := []struct {
		name    string
		def     *ScheduleDefinition
		wantErr error
	}{
		{"missing doctor", func() *ScheduleDefinition {
			d := morningSchedule(DirectDuration{Minutes: 30})
			d.DoctorID = uuid.Nil
			return d
		}(), ErrInvalidSchedule},
		{"inverted window", func() *ScheduleDefinition {
			d := morningSchedule(DirectDuration{Minutes: 30})
			d.StartTime, d.EndTime = d.EndTime, d.StartTime
			return d
		}(), ErrInvalidSchedule},
		{"infeasible target", morningSchedule(TokenTarget{TokensPerDay: 0}), ErrInfeasibleTokenTarget},
		{"break fills window", func() *ScheduleDefinition {
			d := morningSchedule(TokenTarget{TokensPerDay: 3})
			d.BreakStartTime, d.BreakEndTime = todPtr("08:00"), todPtr("12:00")
			return d
		}(), ErrInfeasibleTokenTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.CreateSchedule(context.Background(), tt.def); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestService_DeleteSchedule(t *testing.T) {
	env := newTestEnv()
	d := env.withSchedule(t, DirectDuration{Minutes: 30})
	if err := env.svc.DeleteSchedule(context.Background(), d.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.GetSchedule(context.Background(), d.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := env.svc.DaySlots(context.Background(), d.DoctorID, monday); !errors.Is(err, ErrNoActiveSchedule) {
		t.Errorf("expected ErrNoActiveSchedule after delete, got %v", err)
	}
}

func TestService_ListSchedulesByDoctor(t *testing.T) {
	env := newTestEnv()
	d := env.withSchedule(t, DirectDuration{Minutes: 30})
	other := morningSchedule(DirectDuration{Minutes: 15})
	other.DoctorID = d.DoctorID
	other.DayOfWeek = time.Tuesday
	env.svc.CreateSchedule(context.Background(), other)
	env.withSchedule(t, DirectDuration{Minutes: 20})

	items, total, err := env.svc.ListSchedulesByDoctor(context.Background(), d.DoctorID, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(items) != 1 {
		t.Errorf("expected 1 of 2 schedules, got %d of %d", len(items), total)
	}
}

func TestService_Preview(t *testing.T) {
	svc := newTestService()
	d := morningSchedule(TokenTarget{TokensPerDay: 6})

	plan, err := svc.Preview(d, time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Date != "" || plan.EffectiveDuration != 35 || plan.ExpectedTokens != 6 {
		t.Errorf("unexpected undated preview: %+v", plan)
	}

	plan, err = svc.Preview(d, monday)
	if err != nil || plan.Date != "2024-03-04" {
		t.Errorf("expected dated preview, got %+v %v", plan, err)
	}
	if _, err := svc.Preview(d, monday.AddDate(0, 0, 2)); !errors.Is(err, ErrInvalidSchedule) {
		t.Errorf("expected ErrInvalidSchedule for wrong weekday, got %v", err)
	}
}

// -- Day Plan Tests --

func TestService_DaySlots(t *testing.T) {
	env := newTestEnv()
	d := env.withSchedule(t, DirectDuration{Minutes: 30})
	env.book(t, d.DoctorID, "09:30")

	day, err := env.svc.DaySlots(context.Background(), d.DoctorID, monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if day.ScheduleID != d.ID || len(day.Slots) != 8 {
		t.Fatalf("unexpected day: %+v", day)
	}
	for _, s := range day.Slots {
		want := !s.IsBreakTime && s.Time.String() != "09:30"
		if s.IsAvailable != want {
			t.Errorf("%s: expected available=%v", s.Time, want)
		}
	}
}

func TestService_DaySlots_NoSchedule(t *testing.T) {
	env := newTestEnv()
	d := env.withSchedule(t, DirectDuration{Minutes: 30})
	tuesday := monday.AddDate(0, 0, 1)
	if _, err := env.svc.DaySlots(context.Background(), d.DoctorID, tuesday); !errors.Is(err, ErrNoActiveSchedule) {
		t.Errorf("expected ErrNoActiveSchedule, got %v", err)
	}
	if _, err := env.svc.GetAllTimeSlotsWithTokens(context.Background(), uuid.New(), monday); !errors.Is(err, ErrNoActiveSchedule) {
		t.Errorf("expected ErrNoActiveSchedule for unknown doctor, got %v", err)
	}
}

func TestService_TimeSlotsWithTokens(t *testing.T) {
	env := newTestEnv()
	d := env.withSchedule(t, DirectDuration{Minutes: 30})
	env.book(t, d.DoctorID, "08:00")
	ctx := context.Background()

	all, err := env.svc.GetAllTimeSlotsWithTokens(ctx, d.DoctorID, monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	avail, err := env.svc.GetAvailableTimeSlotsWithTokens(ctx, d.DoctorID, monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 7 || len(avail) != 6 {
		t.Errorf("expected 7 total and 6 available, got %d and %d", len(all), len(avail))
	}
	if all[tod("08:00")] != 1 {
		t.Error("expected booked slot in the full map")
	}
	if _, ok := avail[tod("08:00")]; ok {
		t.Error("expected booked slot absent from the available map")
	}
	for tm, tok := range avail {
		if all[tm] != tok {
			t.Errorf("%s: token %d differs from full map %d", tm, tok, all[tm])
		}
	}
}

func TestService_DayPlan_Cached(t *testing.T) {
	env := newTestEnv()
	d := env.withSchedule(t, DirectDuration{Minutes: 30})
	ctx := context.Background()

	first, err := env.svc.DayPlan(ctx, d.DoctorID, monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.store.Len() != 1 {
		t.Fatalf("expected plan to be cached, store has %d entries", env.store.Len())
	}
	second, err := env.svc.DayPlan(ctx, d.DoctorID, monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Errorf("cached plan differs from generated plan:\n%s\n%s", a, b)
	}

	// Updating the schedule changes the key, so the next read regenerates.
	d.Duration = DirectDuration{Minutes: 15}
	d.UpdatedAt = d.UpdatedAt.Add(time.Second)
	third, err := env.svc.DayPlan(ctx, d.DoctorID, monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.EffectiveDuration != 15 {
		t.Errorf("expected regenerated plan with 15 minutes, got %d", third.EffectiveDuration)
	}
}

func TestService_DayPlan_CacheFailureFailsOpen(t *testing.T) {
	scheds, appts := newMockScheduleRepo(), newMockAppointmentRepo()
	svc := NewService(scheds, appts, WithCache(failingStore{}, time.Minute))
	d := morningSchedule(DirectDuration{Minutes: 30})
	svc.CreateSchedule(context.Background(), d)

	plan, err := svc.DayPlan(context.Background(), d.DoctorID, monday)
	if err != nil {
		t.Fatalf("expected cache errors to be ignored, got %v", err)
	}
	if len(plan.Slots) != 8 {
		t.Errorf("expected 8 slots, got %d", len(plan.Slots))
	}
}

func TestService_DayPlan_CorruptCacheEntry(t *testing.T) {
	env := newTestEnv()
	d := env.withSchedule(t, DirectDuration{Minutes: 30})
	env.store.Set(context.Background(), planKey(d, monday), []byte("{not json"), time.Minute)

	plan, err := env.svc.DayPlan(context.Background(), d.DoctorID, monday)
	if err != nil || len(plan.Slots) != 8 {
		t.Errorf("expected regenerated plan, got %v %v", plan, err)
	}
}

// -- Booking Tests --

func TestService_BookAppointment(t *testing.T) {
	env := newTestEnv()
	d := env.withSchedule(t, DirectDuration{Minutes: 30})
	a := env.book(t, d.DoctorID, "10:30")

	if a.TokenNumber != 5 {
		t.Errorf("expected token 5, got %d", a.TokenNumber)
	}
	if a.DurationMinutes != 30 || a.Status != StatusBooked {
		t.Errorf("unexpected appointment %+v", a)
	}
	evs := env.recorder.Events()
	if len(evs) != 1 || evs[0].Type != events.TypeAppointmentBooked || evs[0].Key != a.ID.String() {
		t.Errorf("expected one booked event, got %+v", evs)
	}
}

func TestService_BookAppointment_Rejects(t *testing.T) {
	env := newTestEnv()
	d := env.withSchedule(t, DirectDuration{Minutes: 30})
	env.book(t, d.DoctorID, "09:00")

	tests := []struct {
		name    string
		req     BookingRequest
		wantErr error
	}{
		{"break", BookingRequest{DoctorID: d.DoctorID, PatientID: uuid.New(), Date: monday, StartTime: tod("10:00")}, ErrSlotUnavailable},
		{"off grid", BookingRequest{DoctorID: d.DoctorID, PatientID: uuid.New(), Date: monday, StartTime: tod("09:15")}, ErrSlotUnavailable},
		{"already booked", BookingRequest{DoctorID: d.DoctorID, PatientID: uuid.New(), Date: monday, StartTime: tod("09:00")}, ErrSlotUnavailable},
		{"missing patient", BookingRequest{DoctorID: d.DoctorID, Date: monday, StartTime: tod("08:00")}, ErrInvalidFormat},
		{"missing doctor", BookingRequest{PatientID: uuid.New(), Date: monday, StartTime: tod("08:00")}, ErrInvalidFormat},
		{"no schedule that day", BookingRequest{DoctorID: d.DoctorID, PatientID: uuid.New(), Date: monday.AddDate(0, 0, 1), StartTime: tod("08:00")}, ErrNoActiveSchedule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.BookAppointment(context.Background(), tt.req); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestService_BookAppointment_CancelledReleasesSlot(t *testing.T) {
	env := newTestEnv()
	d := env.withSchedule(t, DirectDuration{Minutes: 30})
	a := env.book(t, d.DoctorID, "08:30")
	env.appts.appts[a.ID].Status = StatusCancelled

	again := env.book(t, d.DoctorID, "08:30")
	if again.TokenNumber != 2 {
		t.Errorf("expected rebooked slot to keep token 2, got %d", again.TokenNumber)
	}
}

func TestService_BookAppointment_InsideOverriddenBooking(t *testing.T) {
	env := newTestEnv()
	d := env.withSchedule(t, DirectDuration{Minutes: 30})
	a := env.book(t, d.DoctorID, "08:00")
	if _, err := env.svc.OverrideDuration(context.Background(), a.ID, 45, "extended consultation"); err != nil {
		t.Fatalf("override: %v", err)
	}

	_, err := env.svc.BookAppointment(context.Background(), BookingRequest{
		DoctorID: d.DoctorID, PatientID: uuid.New(), Date: monday, StartTime: tod("08:30"),
	})
	if !errors.Is(err, ErrSlotConflict) {
		t.Errorf("expected ErrSlotConflict, got %v", err)
	}
	// 09:00 starts exactly where the extended appointment ends.
	env.book(t, d.DoctorID, "09:00")
}

// -- Override Tests --

func TestService_OverrideDuration(t *testing.T) {
	env := newTestEnv()
	d := env.withSchedule(t, DirectDuration{Minutes: 30})
	a := env.book(t, d.DoctorID, "11:00")

	updated, err := env.svc.OverrideDuration(context.Background(), a.ID, 45, "extended consultation")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !updated.IsDurationOverridden || updated.DurationMinutes != 45 {
		t.Errorf("expected overridden 45 minute appointment, got %+v", updated)
	}
	if updated.OriginalDurationMinutes == nil || *updated.OriginalDurationMinutes != 30 {
		t.Errorf("expected original duration 30, got %v", updated.OriginalDurationMinutes)
	}
	if updated.TokenNumber != 6 {
		t.Errorf("expected token to be unchanged, got %d", updated.TokenNumber)
	}

	// A second override keeps the first baseline.
	updated, err = env.svc.OverrideDuration(context.Background(), a.ID, 60, "procedure")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *updated.OriginalDurationMinutes != 30 {
		t.Errorf("expected original duration to stay 30, got %d", *updated.OriginalDurationMinutes)
	}

	var overrides int
	for _, ev := range env.recorder.Events() {
		if ev.Type == events.TypeDurationOverridden {
			overrides++
		}
	}
	if overrides != 2 {
		t.Errorf("expected 2 override events, got %d", overrides)
	}
}

func TestService_OverrideDuration_Rejects(t *testing.T) {
	env := newTestEnv()
	d := env.withSchedule(t, DirectDuration{Minutes: 30})
	a := env.book(t, d.DoctorID, "08:00")
	env.book(t, d.DoctorID, "08:30")
	ctx := context.Background()

	if _, err := env.svc.OverrideDuration(ctx, a.ID, 3, "too short"); !errors.Is(err, ErrInvalidOverride) {
		t.Errorf("expected ErrInvalidOverride for 3 minutes, got %v", err)
	}
	if _, err := env.svc.OverrideDuration(ctx, a.ID, 20, ""); !errors.Is(err, ErrInvalidOverride) {
		t.Errorf("expected ErrInvalidOverride for missing reason, got %v", err)
	}
	if _, err := env.svc.OverrideDuration(ctx, a.ID, 45, "extended consultation"); !errors.Is(err, ErrSlotConflict) {
		t.Errorf("expected ErrSlotConflict when reaching the 08:30 booking, got %v", err)
	}
	if _, err := env.svc.OverrideDuration(ctx, uuid.New(), 45, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Shortening never conflicts.
	if _, err := env.svc.OverrideDuration(ctx, a.ID, 20, "quick follow-up"); err != nil {
		t.Errorf("unexpected error shortening: %v", err)
	}

	env.appts.appts[a.ID].Status = StatusCancelled
	if _, err := env.svc.OverrideDuration(ctx, a.ID, 20, "x"); !errors.Is(err, ErrInvalidOverride) {
		t.Errorf("expected ErrInvalidOverride for cancelled appointment, got %v", err)
	}
}

func TestService_OverrideDuration_PublishFailureIsLogged(t *testing.T) {
	env := newTestEnv()
	d := env.withSchedule(t, DirectDuration{Minutes: 30})
	a := env.book(t, d.DoctorID, "11:30")
	env.recorder.Err = errors.New("broker down")

	if _, err := env.svc.OverrideDuration(context.Background(), a.ID, 30, "same length, new reason"); err != nil {
		t.Errorf("expected publish failure not to fail the override, got %v", err)
	}
}

func TestService_OverriddenBookingLeavesNextSlotAvailable(t *testing.T) {
	env := newTestEnv()
	d := env.withSchedule(t, DirectDuration{Minutes: 30})
	a := env.book(t, d.DoctorID, "11:00")
	env.svc.OverrideDuration(context.Background(), a.ID, 45, "extended consultation")

	day, err := env.svc.DaySlots(context.Background(), d.DoctorID, monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := day.Slots[len(day.Slots)-1]
	if last.Time != tod("11:30") || !last.IsAvailable {
		t.Errorf("expected 11:30 to stay marked available, got %+v", last)
	}
	if len(day.Overrun) != 1 || day.Overrun[0] != tod("11:30") {
		t.Errorf("expected 11:30 reported as overrun, got %v", day.Overrun)
	}
}

func TestService_WritesHappenUnderDayLock(t *testing.T) {
	env := newTestEnv()
	d := env.withSchedule(t, DirectDuration{Minutes: 30})
	a := env.book(t, d.DoctorID, "08:30")
	if _, err := env.svc.OverrideDuration(context.Background(), a.ID, 20, "short visit"); err != nil {
		t.Fatalf("override: %v", err)
	}
	if env.appts.unlockedWrites != 0 {
		t.Errorf("expected every write under the day lock, got %d unlocked", env.appts.unlockedWrites)
	}
}

// An override of 08:30 racing a booking at 09:00: whichever runs second must
// see the first, so exactly one of them succeeds.
func TestService_ConcurrentOverrideAndBooking(t *testing.T) {
	for round := 0; round < 50; round++ {
		env := newTestEnv()
		d := env.withSchedule(t, DirectDuration{Minutes: 30})
		a := env.book(t, d.DoctorID, "08:30")
		ctx := context.Background()

		var (
			wg                   sync.WaitGroup
			overrideErr, bookErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, overrideErr = env.svc.OverrideDuration(ctx, a.ID, 60, "procedure")
		}()
		go func() {
			defer wg.Done()
			_, bookErr = env.svc.BookAppointment(ctx, BookingRequest{
				DoctorID: d.DoctorID, PatientID: uuid.New(), Date: monday, StartTime: tod("09:00"),
			})
		}()
		wg.Wait()

		if (overrideErr == nil) == (bookErr == nil) {
			t.Fatalf("round %d: expected exactly one success, got override=%v booking=%v", round, overrideErr, bookErr)
		}
		for _, err := range []error{overrideErr, bookErr} {
			if err != nil && !errors.Is(err, ErrSlotConflict) {
				t.Fatalf("round %d: expected ErrSlotConflict, got %v", round, err)
			}
		}

		bookings, _ := env.appts.ListOccupying(ctx, d.DoctorID, monday)
		for i := 1; i < len(bookings); i++ {
			prev := bookings[i-1]
			if prev.EndMinute() > bookings[i].StartTime.MinuteOfDay() {
				t.Fatalf("round %d: %s+%d overlaps %s", round, prev.StartTime, prev.DurationMinutes, bookings[i].StartTime)
			}
		}
	}
}
