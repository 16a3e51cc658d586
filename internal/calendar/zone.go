package calendar

import (
	"fmt"
	"strings"
	"time"

	// Embedded zone database so the reference zone loads on hosts without tzdata.
	_ "time/tzdata"
)

const DefaultZone = "Asia/Kolkata"

// Zone pins every calendar comparison to a single reference location.
type Zone struct {
	loc *time.Location
	now func() time.Time
}

// LoadZone loads the named IANA zone using the wall clock.
func LoadZone(name string) (*Zone, error) {
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load reference zone %q: %w", name, err)
	}
	return NewZone(loc, time.Now), nil
}

// NewZone builds a Zone with an explicit clock source.
func NewZone(loc *time.Location, now func() time.Time) *Zone {
	if now == nil {
		now = time.Now
	}
	return &Zone{loc: loc, now: now}
}

func (z *Zone) Location() *time.Location {
	return z.loc
}

// Now returns the current instant expressed in the reference zone.
func (z *Zone) Now() time.Time {
	return z.now().In(z.loc)
}

// Today is the current calendar date in the reference zone.
func (z *Zone) Today() Date {
	return DateFromTime(z.Now())
}

// DateOf converts an instant into its calendar date in the reference zone.
func (z *Zone) DateOf(t time.Time) Date {
	return DateFromTime(t.In(z.loc))
}

// At returns the instant at which the wall clock in the reference zone reads lt on d.
func (z *Zone) At(d Date, lt LocalTime) time.Time {
	return time.Date(d.Year, d.Month, d.Day, lt.Hour, lt.Minute, 0, 0, z.loc)
}

// ParseDate accepts a plain YYYY-MM-DD date, or an RFC3339 instant which is
// first moved into the reference zone.
func (z *Zone) ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if len(s) == len(dateLayout) {
		return ParseDate(s)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return z.DateOf(t), nil
}
