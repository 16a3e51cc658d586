package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

var (
	ErrInvalidDate = errors.New("invalid calendar date, expected YYYY-MM-DD")
	ErrInvalidTime = errors.New("invalid local time, expected HH:mm")
)

// Date is a calendar day with no time or offset attached.
// The zero value is not a valid date.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate parses a plain YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return DateFromTime(t), nil
}

// DateFromTime takes the year, month and day fields of t as-is, without converting zones.
func DateFromTime(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) IsZero() bool {
	return d == Date{}
}

// Time returns midnight UTC of d. Used when handing dates to drivers that want a time.Time.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) String() string {
	return d.Time().Format(dateLayout)
}

func (d Date) AddDays(n int) Date {
	return DateFromTime(d.Time().AddDate(0, 0, n))
}

func (d Date) Weekday() time.Weekday {
	return d.Time().Weekday()
}

func (d Date) Before(o Date) bool {
	return d.Time().Before(o.Time())
}

func (d Date) After(o Date) bool {
	return d.Time().After(o.Time())
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// LocalTime is a wall-clock time of day with minute precision.
type LocalTime struct {
	Hour   int
	Minute int
}

// ParseLocalTime parses "HH:mm" with exactly two digits on each side. "HH.mm" is tolerated.
func ParseLocalTime(s string) (LocalTime, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ".", ":")
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return LocalTime{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	h, ok1 := twoDigits(parts[0])
	m, ok2 := twoDigits(parts[1])
	if !ok1 || !ok2 || h > 23 || m > 59 {
		return LocalTime{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return LocalTime{Hour: h, Minute: m}, nil
}

func twoDigits(s string) (int, bool) {
	if len(s) != 2 || s[0] < '0' || s[0] > '9' || s[1] < '0' || s[1] > '9' {
		return 0, false
	}
	return int(s[0]-'0')*10 + int(s[1]-'0'), true
}

// LocalTimeFromMinutes builds a LocalTime from minutes since midnight.
func LocalTimeFromMinutes(n int) LocalTime {
	return LocalTime{Hour: n / 60, Minute: n % 60}
}

// Minutes returns minutes since midnight.
func (t LocalTime) Minutes() int {
	return t.Hour*60 + t.Minute
}

func (t LocalTime) Before(o LocalTime) bool {
	return t.Minutes() < o.Minutes()
}

func (t LocalTime) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t LocalTime) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *LocalTime) UnmarshalText(b []byte) error {
	parsed, err := ParseLocalTime(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
