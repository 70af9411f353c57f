// Package hours resolves a calendar date into the absolute open/close
// instants of the business day. It is the single source of truth for day
// bounds; nothing else in the service re-derives close-hour arithmetic.
package hours

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DayHours is the configured opening pair for one weekday. Close may exceed
// 24 to express an after-midnight close (26 = 02:00 the next day) and may be
// any multiple of 24 hours beyond that (48 = midnight two days later).
type DayHours struct {
	Open  int
	Close int
}

type Config struct {
	Location *time.Location
	Default  DayHours
	// Weekday overrides the default pair for specific days, e.g. a later
	// Friday/Saturday opening.
	Weekday map[time.Weekday]DayHours
}

type Resolver struct {
	cfg Config
}

// NewResolver validates the static configuration up front. A negative close
// hour or an out-of-range open hour is a deployment mistake and must stop the
// process, never surface per request.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Location == nil {
		return nil, fmt.Errorf("hours: location is required")
	}
	if err := validateDay("default", cfg.Default); err != nil {
		return nil, err
	}
	for wd, dh := range cfg.Weekday {
		if err := validateDay(strings.ToLower(wd.String()), dh); err != nil {
			return nil, err
		}
	}
	return &Resolver{cfg: cfg}, nil
}

func validateDay(name string, dh DayHours) error {
	if dh.Open < 0 || dh.Open > 23 {
		return fmt.Errorf("hours: %s open hour %d out of range [0,23]", name, dh.Open)
	}
	if dh.Close < 0 {
		return fmt.Errorf("hours: %s close hour %d must be >= 0", name, dh.Close)
	}
	return nil
}

func (r *Resolver) Location() *time.Location {
	return r.cfg.Location
}

// DayHours returns the configured open/close pair for the weekday of the
// given date.
func (r *Resolver) DayHours(date time.Time) DayHours {
	if dh, ok := r.cfg.Weekday[date.In(r.cfg.Location).Weekday()]; ok {
		return dh
	}
	return r.cfg.Default
}

// Window resolves the open and close instants bounding the business day that
// starts on the given calendar date. The result always satisfies close > open:
//
//   - close hour 24 means midnight at the start of the next day
//   - a close hour in [0,23] at or below the open hour means the business day
//     crosses midnight and closes the next day
//   - a close hour above 24 closes close/24 days later at close%24 o'clock
func (r *Resolver) Window(date time.Time) (time.Time, time.Time) {
	loc := r.cfg.Location
	local := date.In(loc)
	y, m, d := local.Date()

	dh := r.DayHours(local)
	open := time.Date(y, m, d, dh.Open, 0, 0, 0, loc)

	var close time.Time
	switch ch := dh.Close; {
	case ch == 24:
		close = time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	case ch <= 23:
		close = time.Date(y, m, d, ch, 0, 0, 0, loc)
		if ch <= dh.Open {
			close = close.AddDate(0, 0, 1)
		}
	default:
		close = time.Date(y, m, d+ch/24, ch%24, 0, 0, 0, loc)
	}
	return open, close
}

// CrossesMidnight reports whether the window closes on a later calendar day
// than it opens.
func CrossesMidnight(open, close time.Time) bool {
	oy, om, od := open.Date()
	cy, cm, cd := close.Date()
	return cy != oy || cm != om || cd != od
}

// ParseWeekdayOverrides parses a deployment override table of the form
// "fri=15-26,sat=15-26" into per-weekday hours.
func ParseWeekdayOverrides(raw string) (map[time.Weekday]DayHours, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[time.Weekday]DayHours)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, hoursSpec, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("hours: invalid weekday override %q", part)
		}
		wd, err := ParseWeekday(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		openRaw, closeRaw, ok := strings.Cut(strings.TrimSpace(hoursSpec), "-")
		if !ok {
			return nil, fmt.Errorf("hours: invalid override hours %q (want open-close)", hoursSpec)
		}
		open, err := strconv.Atoi(strings.TrimSpace(openRaw))
		if err != nil {
			return nil, fmt.Errorf("hours: invalid open hour in %q", part)
		}
		close, err := strconv.Atoi(strings.TrimSpace(closeRaw))
		if err != nil {
			return nil, fmt.Errorf("hours: invalid close hour in %q", part)
		}
		out[wd] = DayHours{Open: open, Close: close}
	}
	return out, nil
}

// ParseWeekday accepts both short and full English weekday names.
func ParseWeekday(name string) (time.Weekday, error) {
	switch strings.ToLower(name) {
	case "sun", "sunday":
		return time.Sunday, nil
	case "mon", "monday":
		return time.Monday, nil
	case "tue", "tuesday":
		return time.Tuesday, nil
	case "wed", "wednesday":
		return time.Wednesday, nil
	case "thu", "thursday":
		return time.Thursday, nil
	case "fri", "friday":
		return time.Friday, nil
	case "sat", "saturday":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("hours: unknown weekday %q", name)
}
