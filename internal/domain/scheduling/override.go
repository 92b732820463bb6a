package scheduling

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ValidateOverride checks a duration override request and returns the audit
// record to persist with the appointment. It has no side effects.
func ValidateOverride(req OverrideRequest) (OverrideRecord, error) {
	if req.AppointmentID == uuid.Nil {
		return OverrideRecord{}, fmt.Errorf("%w: appointment id is required", ErrInvalidOverride)
	}
	if req.NewDurationMinutes < MinSlotMinutes || req.NewDurationMinutes > MaxSlotMinutes {
		return OverrideRecord{}, fmt.Errorf("%w: duration %d minutes outside [%d,%d]",
			ErrInvalidOverride, req.NewDurationMinutes, MinSlotMinutes, MaxSlotMinutes)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return OverrideRecord{}, fmt.Errorf("%w: reason is required", ErrInvalidOverride)
	}
	return OverrideRecord{
		AppointmentID:           req.AppointmentID,
		NewDurationMinutes:      req.NewDurationMinutes,
		Reason:                  reason,
		OriginalDurationMinutes: req.CurrentDurationMinutes,
	}, nil
}
