// Package timeofday implements wall-clock time-of-day values at one minute
// resolution, as used by recurring doctor schedules.
package timeofday

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidFormat    = errors.New("invalid format")
	ErrScheduleOverflow = errors.New("schedule overflows the day")
)

const (
	MinutesPerDay = 24 * 60
	dateLayout    = "2006-01-02"
)

// TimeOfDay is a minute of the day in [0, 1440). The zero value is midnight.
type TimeOfDay struct {
	minute int
}

// New builds a TimeOfDay from hours and minutes.
func New(hours, minutes int) (TimeOfDay, error) {
	if hours < 0 || hours > 23 || minutes < 0 || minutes > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: %02d:%02d out of range", ErrInvalidFormat, hours, minutes)
	}
	return TimeOfDay{minute: hours*60 + minutes}, nil
}

// Parse accepts "HH:mm" or "HH:mm:ss". The hour may have one digit; minutes
// and seconds always have two. Seconds are validated and discarded.
func Parse(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, fmt.Errorf("%w: time %q", ErrInvalidFormat, s)
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		if !digits(p) || len(p) > 2 || (i > 0 && len(p) != 2) {
			return TimeOfDay{}, fmt.Errorf("%w: time %q", ErrInvalidFormat, s)
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return TimeOfDay{}, fmt.Errorf("%w: time %q", ErrInvalidFormat, s)
		}
		nums[i] = n
	}
	if len(nums) == 3 && nums[2] > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: time %q", ErrInvalidFormat, s)
	}
	t, err := New(nums[0], nums[1])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: time %q", ErrInvalidFormat, s)
	}
	return t, nil
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// MustParse is Parse for literals; it panics on malformed input.
func MustParse(s string) TimeOfDay {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// FromMinuteOfDay converts a minute offset from midnight.
func FromMinuteOfDay(m int) (TimeOfDay, error) {
	if m < 0 || m >= MinutesPerDay {
		return TimeOfDay{}, fmt.Errorf("%w: minute %d", ErrScheduleOverflow, m)
	}
	return TimeOfDay{minute: m}, nil
}

func (t TimeOfDay) Hours() int       { return t.minute / 60 }
func (t TimeOfDay) Minutes() int     { return t.minute % 60 }
func (t TimeOfDay) MinuteOfDay() int { return t.minute }

// AddMinutes shifts t by n minutes (n may be negative). Results that leave
// the day fail with ErrScheduleOverflow; schedules never cross midnight.
func (t TimeOfDay) AddMinutes(n int) (TimeOfDay, error) {
	next := t.minute + n
	if next < 0 || next >= MinutesPerDay {
		return TimeOfDay{}, fmt.Errorf("%w: %s%+d minutes", ErrScheduleOverflow, t, n)
	}
	return TimeOfDay{minute: next}, nil
}

func (t TimeOfDay) Before(u TimeOfDay) bool { return t.minute < u.minute }
func (t TimeOfDay) After(u TimeOfDay) bool  { return t.minute > u.minute }
func (t TimeOfDay) Equal(u TimeOfDay) bool  { return t.minute == u.minute }

// Compare returns -1, 0 or 1.
func Compare(a, b TimeOfDay) int {
	switch {
	case a.minute < b.minute:
		return -1
	case a.minute > b.minute:
		return 1
	}
	return 0
}

// MinutesBetween returns b - a in minutes.
func MinutesBetween(a, b TimeOfDay) int {
	return b.minute - a.minute
}

// OnDate places t on the calendar day of d, in d's location.
func (t TimeOfDay) OnDate(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hours(), t.Minutes(), 0, 0, d.Location())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hours(), t.Minutes())
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: time must be a string", ErrInvalidFormat)
	}
	return t.UnmarshalText([]byte(s))
}

// ParseDate parses "YYYY-MM-DD" into midnight UTC.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q", ErrInvalidFormat, s)
	}
	return d, nil
}

// FormatDate renders the calendar date of d as "YYYY-MM-DD".
func FormatDate(d time.Time) string {
	return d.Format(dateLayout)
}

// TruncateDate drops the clock part of d, keeping its calendar day in UTC.
func TruncateDate(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}
