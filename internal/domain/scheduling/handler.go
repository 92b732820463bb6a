package scheduling

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/amancare/slotengine/pkg/pagination"
	"github.com/amancare/slotengine/pkg/timeofday"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/schedules", h.CreateSchedule)
	api.POST("/schedules/preview", h.PreviewSchedule)
	api.GET("/schedules/:id", h.GetSchedule)
	api.DELETE("/schedules/:id", h.DeleteSchedule)
	api.GET("/doctors/:doctor_id/schedules", h.ListDoctorSchedules)
	api.GET("/doctors/:doctor_id/slots", h.GetDaySlots)
	api.GET("/doctors/:doctor_id/tokens", h.GetTokens)

	api.POST("/appointments", h.BookAppointment)
	api.GET("/appointments/:id", h.GetAppointment)
	api.POST("/appointments/:id/duration-override", h.OverrideDuration)
}

// httpError maps domain errors onto HTTP status codes.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoActiveSchedule):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInfeasibleTokenTarget), errors.Is(err, ErrScheduleOverflow):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrSlotUnavailable), errors.Is(err, ErrSlotConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidFormat), errors.Is(err, ErrInvalidSchedule), errors.Is(err, ErrInvalidOverride):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

func pathUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func queryDate(c echo.Context) (time.Time, error) {
	raw := c.QueryParam("date")
	if raw == "" {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "date is required")
	}
	d, err := timeofday.ParseDate(raw)
	if err != nil {
		return time.Time{}, httpError(err)
	}
	return d, nil
}

// -- Schedule Handlers --

func (h *Handler) CreateSchedule(c echo.Context) error {
	var def ScheduleDefinition
	if err := c.Bind(&def); err != nil {
		return bindError(err)
	}
	if err := h.svc.CreateSchedule(c.Request().Context(), &def); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, def)
}

func (h *Handler) GetSchedule(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	def, err := h.svc.GetSchedule(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, def)
}

func (h *Handler) DeleteSchedule(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteSchedule(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListDoctorSchedules(c echo.Context) error {
	doctorID, err := pathUUID(c, "doctor_id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListSchedulesByDoctor(c.Request().Context(), doctorID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path)
	return c.JSON(http.StatusOK, resp)
}

// PreviewSchedule accepts a schedule definition plus an optional "date" and
// returns the generated day without persisting anything.
func (h *Handler) PreviewSchedule(c echo.Context) error {
	var raw json.RawMessage
	if err := c.Bind(&raw); err != nil {
		return bindError(err)
	}
	var def ScheduleDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return bindError(err)
	}
	var body struct {
		Date string `json:"date"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var date time.Time
	if body.Date != "" {
		d, err := timeofday.ParseDate(body.Date)
		if err != nil {
			return httpError(err)
		}
		date = d
	}
	plan, err := h.svc.Preview(&def, date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, plan)
}

// -- Slot Handlers --

func (h *Handler) GetDaySlots(c echo.Context) error {
	doctorID, err := pathUUID(c, "doctor_id")
	if err != nil {
		return err
	}
	date, err := queryDate(c)
	if err != nil {
		return err
	}
	day, err := h.svc.DaySlots(c.Request().Context(), doctorID, date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, day)
}

// GetTokens returns a time to token map. available=true (the default) omits
// booked slots.
func (h *Handler) GetTokens(c echo.Context) error {
	doctorID, err := pathUUID(c, "doctor_id")
	if err != nil {
		return err
	}
	date, err := queryDate(c)
	if err != nil {
		return err
	}
	onlyAvailable := true
	if raw := c.QueryParam("available"); raw != "" {
		if onlyAvailable, err = strconv.ParseBool(raw); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid available flag")
		}
	}

	var tokens map[timeofday.TimeOfDay]int
	if onlyAvailable {
		tokens, err = h.svc.GetAvailableTimeSlotsWithTokens(c.Request().Context(), doctorID, date)
	} else {
		tokens, err = h.svc.GetAllTimeSlotsWithTokens(c.Request().Context(), doctorID, date)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tokens)
}

// -- Appointment Handlers --

type bookingBody struct {
	DoctorID  uuid.UUID           `json:"doctor_id"`
	PatientID uuid.UUID           `json:"patient_id"`
	Date      string              `json:"date"`
	StartTime timeofday.TimeOfDay `json:"start_time"`
}

func (h *Handler) BookAppointment(c echo.Context) error {
	var body bookingBody
	if err := c.Bind(&body); err != nil {
		return bindError(err)
	}
	date, err := timeofday.ParseDate(body.Date)
	if err != nil {
		return httpError(err)
	}
	appt, err := h.svc.BookAppointment(c.Request().Context(), BookingRequest{
		DoctorID:  body.DoctorID,
		PatientID: body.PatientID,
		Date:      date,
		StartTime: body.StartTime,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, appointmentView(appt))
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	appt, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appointmentView(appt))
}

type overrideBody struct {
	NewDurationMinutes int    `json:"new_duration_minutes"`
	Reason             string `json:"reason"`
}

func (h *Handler) OverrideDuration(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var body overrideBody
	if err := c.Bind(&body); err != nil {
		return bindError(err)
	}
	appt, err := h.svc.OverrideDuration(c.Request().Context(), id, body.NewDurationMinutes, body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appointmentView(appt))
}

type appointmentResponse struct {
	*BookedAppointment
	Date string `json:"date"`
}

func appointmentView(a *BookedAppointment) appointmentResponse {
	return appointmentResponse{BookedAppointment: a, Date: timeofday.FormatDate(a.Date)}
}

// bindError keeps typed engine errors raised inside UnmarshalJSON and maps
// other decode failures to a format error. Binder errors carrying no cause,
// such as an unsupported media type, pass through unchanged.
func bindError(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if he.Internal == nil {
			return he
		}
		err = he.Internal
	}
	if errors.Is(err, ErrInvalidFormat) || errors.Is(err, ErrInvalidSchedule) {
		return httpError(err)
	}
	return httpError(fmt.Errorf("%w: %v", ErrInvalidFormat, err))
}
