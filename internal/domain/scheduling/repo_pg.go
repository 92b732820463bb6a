package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amancare/slotengine/internal/platform/db"
	"github.com/amancare/slotengine/pkg/timeofday"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const uniqueViolation = "23505"

func toPGTime(t timeofday.TimeOfDay) pgtype.Time {
	return pgtype.Time{Microseconds: int64(t.MinuteOfDay()) * int64(time.Minute/time.Microsecond), Valid: true}
}

func toPGTimePtr(t *timeofday.TimeOfDay) pgtype.Time {
	if t == nil {
		return pgtype.Time{}
	}
	return toPGTime(*t)
}

func fromPGTime(p pgtype.Time) (timeofday.TimeOfDay, error) {
	if !p.Valid {
		return timeofday.TimeOfDay{}, fmt.Errorf("%w: null time column", ErrInvalidFormat)
	}
	return timeofday.FromMinuteOfDay(int(p.Microseconds / int64(time.Minute/time.Microsecond)))
}

func fromPGTimePtr(p pgtype.Time) (*timeofday.TimeOfDay, error) {
	if !p.Valid {
		return nil, nil
	}
	t, err := fromPGTime(p)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// =========== Schedule Repository ===========

type scheduleRepoPG struct{ pool *pgxpool.Pool }

func NewScheduleRepoPG(pool *pgxpool.Pool) ScheduleRepository { return &scheduleRepoPG{pool: pool} }

func (r *scheduleRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const schedCols = `id, doctor_id, day_of_week, start_time, end_time,
	break_start_time, break_end_time, duration_config_type, duration_minutes,
	target_tokens_per_day, effective_date, end_date, is_active, notes, created_at, updated_at`

func (r *scheduleRepoPG) scanSchedule(row pgx.Row) (*ScheduleDefinition, error) {
	var (
		s                        ScheduleDefinition
		day                      int16
		start, end, bStart, bEnd pgtype.Time
		configType               DurationConfigType
		minutes, tokens          *int
	)
	err := row.Scan(&s.ID, &s.DoctorID, &day, &start, &end,
		&bStart, &bEnd, &configType, &minutes,
		&tokens, &s.EffectiveDate, &s.EndDate, &s.IsActive, &s.Notes, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("schedule: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	s.DayOfWeek = time.Weekday(day)
	if s.StartTime, err = fromPGTime(start); err != nil {
		return nil, err
	}
	if s.EndTime, err = fromPGTime(end); err != nil {
		return nil, err
	}
	if s.BreakStartTime, err = fromPGTimePtr(bStart); err != nil {
		return nil, err
	}
	if s.BreakEndTime, err = fromPGTimePtr(bEnd); err != nil {
		return nil, err
	}
	if s.Duration, err = NewDurationPolicy(configType, minutes, tokens); err != nil {
		return nil, err
	}
	return &s, nil
}

func policyColumns(p DurationPolicy) (DurationConfigType, *int, *int) {
	switch v := p.(type) {
	case DirectDuration:
		return DurationDirect, &v.Minutes, nil
	case TokenTarget:
		return DurationTokenBased, nil, &v.TokensPerDay
	}
	return "", nil, nil
}

func (r *scheduleRepoPG) Create(ctx context.Context, s *ScheduleDefinition) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	configType, minutes, tokens := policyColumns(s.Duration)
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctor_schedule (id, doctor_id, day_of_week, start_time, end_time,
			break_start_time, break_end_time, duration_config_type, duration_minutes,
			target_tokens_per_day, effective_date, end_date, is_active, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at, updated_at`,
		s.ID, s.DoctorID, int16(s.DayOfWeek), toPGTime(s.StartTime), toPGTime(s.EndTime),
		toPGTimePtr(s.BreakStartTime), toPGTimePtr(s.BreakEndTime), configType, minutes,
		tokens, s.EffectiveDate, s.EndDate, s.IsActive, s.Notes,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *scheduleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ScheduleDefinition, error) {
	return r.scanSchedule(r.conn(ctx).QueryRow(ctx, `SELECT `+schedCols+` FROM doctor_schedule WHERE id = $1`, id))
}

func (r *scheduleRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM doctor_schedule WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule: %w", ErrNotFound)
	}
	return nil
}

func (r *scheduleRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*ScheduleDefinition, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM doctor_schedule WHERE doctor_id = $1`, doctorID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+schedCols+` FROM doctor_schedule WHERE doctor_id = $1
		ORDER BY day_of_week, start_time, created_at LIMIT $2 OFFSET $3`, doctorID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := r.collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *scheduleRepoPG) ListForDoctorDay(ctx context.Context, doctorID uuid.UUID, day time.Weekday) ([]*ScheduleDefinition, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+schedCols+` FROM doctor_schedule
		WHERE doctor_id = $1 AND day_of_week = $2 AND is_active
		ORDER BY updated_at DESC`, doctorID, int16(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *scheduleRepoPG) collect(rows pgx.Rows) ([]*ScheduleDefinition, error) {
	var items []*ScheduleDefinition
	for rows.Next() {
		s, err := r.scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const apptCols = `id, doctor_id, patient_id, appointment_date, start_time, duration_minutes,
	token_number, status, is_duration_overridden, override_reason, original_duration_minutes,
	created_at, updated_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*BookedAppointment, error) {
	var (
		a     BookedAppointment
		start pgtype.Time
	)
	err := row.Scan(&a.ID, &a.DoctorID, &a.PatientID, &a.Date, &start, &a.DurationMinutes,
		&a.TokenNumber, &a.Status, &a.IsDurationOverridden, &a.OverrideReason, &a.OriginalDurationMinutes,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("appointment: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if a.StartTime, err = fromPGTime(start); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *BookedAppointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = StatusBooked
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, doctor_id, patient_id, appointment_date, start_time,
			duration_minutes, token_number, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		a.ID, a.DoctorID, a.PatientID, timeofday.TruncateDate(a.Date), toPGTime(a.StartTime),
		a.DurationMinutes, a.TokenNumber, a.Status,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s is already booked", ErrSlotUnavailable, a.StartTime)
	}
	return err
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*BookedAppointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
}

func (r *appointmentRepoPG) ListOccupying(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]BookedAppointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE doctor_id = $1 AND appointment_date = $2 AND status NOT IN ($3, $4)
		ORDER BY start_time`, doctorID, timeofday.TruncateDate(date), StatusCancelled, StatusNoShow)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []BookedAppointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *a)
	}
	return items, rows.Err()
}

// ApplyOverride stores the new duration. The original duration is only
// recorded on the first override so repeated overrides keep the baseline.
func (r *appointmentRepoPG) ApplyOverride(ctx context.Context, rec OverrideRecord) (*BookedAppointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET duration_minutes = $2, is_duration_overridden = TRUE,
			override_reason = $3,
			original_duration_minutes = COALESCE(original_duration_minutes, $4),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+apptCols,
		rec.AppointmentID, rec.NewDurationMinutes, rec.Reason, rec.OriginalDurationMinutes))
}

func dayLockKey(doctorID uuid.UUID, date time.Time) string {
	return "appointment_day:" + doctorID.String() + ":" + timeofday.FormatDate(date)
}

// begin opens a transaction on the clinic connection, or on the pool when
// ctx carries none. Inside an existing transaction it opens a savepoint.
func (r *appointmentRepoPG) begin(ctx context.Context) (context.Context, pgx.Tx, error) {
	if tx := db.TxFromContext(ctx); tx != nil {
		nested, err := tx.Begin(ctx)
		if err != nil {
			return ctx, nil, fmt.Errorf("begin savepoint: %w", err)
		}
		return db.ContextWithTx(ctx, nested), nested, nil
	}
	if db.ConnFromContext(ctx) != nil {
		return db.WithTx(ctx)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return db.ContextWithTx(ctx, tx), tx, nil
}

// WithinDayLock takes a transaction-scoped advisory lock on the doctor's day
// before running fn, so concurrent bookings and overrides of that day see
// each other's writes.
func (r *appointmentRepoPG) WithinDayLock(ctx context.Context, doctorID uuid.UUID, date time.Time, fn func(ctx context.Context) error) error {
	txCtx, tx, err := r.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(txCtx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		dayLockKey(doctorID, date)); err != nil {
		return fmt.Errorf("lock doctor day: %w", err)
	}
	if err := fn(txCtx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
