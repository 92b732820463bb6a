package scheduling

import (
	"errors"

	"github.com/amancare/slotengine/pkg/timeofday"
)

// Engine errors. Callers match them with errors.Is; messages carry detail.
var (
	ErrInvalidFormat         = timeofday.ErrInvalidFormat
	ErrScheduleOverflow      = timeofday.ErrScheduleOverflow
	ErrInvalidSchedule       = errors.New("invalid schedule")
	ErrInfeasibleTokenTarget = errors.New("infeasible token target")
	ErrInvalidOverride       = errors.New("invalid duration override")
)

// Errors raised by the service around the engine.
var (
	ErrNotFound         = errors.New("not found")
	ErrNoActiveSchedule = errors.New("no active schedule")
	ErrSlotUnavailable  = errors.New("slot is not available")
	ErrSlotConflict     = errors.New("slot overlaps an existing appointment")
)

const (
	MinSlotMinutes = 5
	MaxSlotMinutes = 240
)
