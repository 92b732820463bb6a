package scheduling

import (
	"fmt"
	"math"

	"github.com/amancare/slotengine/pkg/timeofday"
)

// Resolution is the outcome of resolving a schedule's duration policy.
type Resolution struct {
	WorkingMinutes    int `json:"working_minutes"`
	EffectiveDuration int `json:"effective_duration_minutes"`
	ExpectedTokens    int `json:"expected_tokens"`
}

// WorkingMinutes is the schedule window minus its break.
func WorkingMinutes(def *ScheduleDefinition) int {
	return timeofday.MinutesBetween(def.StartTime, def.EndTime) - def.BreakMinutes()
}

// ResolveEffectiveDuration returns the slot length in minutes for def.
// availableMinutes is only consulted by the TOKEN_BASED policy.
func ResolveEffectiveDuration(def *ScheduleDefinition, availableMinutes int) (int, error) {
	switch p := def.Duration.(type) {
	case DirectDuration:
		if p.Minutes < MinSlotMinutes || p.Minutes > MaxSlotMinutes {
			return 0, fmt.Errorf("%w: duration %d minutes outside [%d,%d]", ErrInvalidSchedule, p.Minutes, MinSlotMinutes, MaxSlotMinutes)
		}
		return p.Minutes, nil
	case TokenTarget:
		return durationForTokens(availableMinutes, p.TokensPerDay)
	}
	return 0, fmt.Errorf("%w: duration policy is required", ErrInvalidSchedule)
}

func durationForTokens(availableMinutes, tokens int) (int, error) {
	if tokens <= 0 {
		return 0, fmt.Errorf("%w: target tokens per day must be positive, got %d", ErrInfeasibleTokenTarget, tokens)
	}
	if availableMinutes < MinSlotMinutes {
		return 0, fmt.Errorf("%w: only %d working minutes available", ErrInfeasibleTokenTarget, availableMinutes)
	}
	d := roundToNearest5(float64(availableMinutes) / float64(tokens))
	if d < MinSlotMinutes {
		d = MinSlotMinutes
	}
	// Rounding up may leave no room for a single token.
	if d > availableMinutes {
		d = availableMinutes - availableMinutes%5
	}
	return d, nil
}

func roundToNearest5(v float64) int {
	return int(math.Round(v/5)) * 5
}

// ExpectedTokenCount is the number of whole slots that fit in availableMinutes.
func ExpectedTokenCount(availableMinutes, effectiveDuration int) int {
	if effectiveDuration <= 0 || availableMinutes <= 0 {
		return 0
	}
	return availableMinutes / effectiveDuration
}

// Resolve validates def and computes its working minutes, effective duration
// and expected token count.
func Resolve(def *ScheduleDefinition) (Resolution, error) {
	if err := def.Validate(); err != nil {
		return Resolution{}, err
	}
	working := WorkingMinutes(def)
	d, err := ResolveEffectiveDuration(def, working)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{
		WorkingMinutes:    working,
		EffectiveDuration: d,
		ExpectedTokens:    ExpectedTokenCount(working, d),
	}, nil
}
