/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/friendsincode/storeplay/internal/playback"
)

// TimeOfDay is a number of seconds since local midnight.
type TimeOfDay int

const (
	Midnight TimeOfDay = 0
	EndOfDay TimeOfDay = 24 * 60 * 60
)

// Clock builds a TimeOfDay from hours and minutes.
func Clock(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*3600 + minute*60)
}

// At returns the time of day of t in its own location.
func At(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*3600 + t.Minute()*60 + t.Second())
}

// ParseTimeOfDay parses "HH:MM". "24:00" is accepted and means end of day.
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	raw = strings.TrimSpace(raw)
	hh, mm, ok := strings.Cut(raw, ":")
	if !ok || len(mm) != 2 || len(hh) == 0 || len(hh) > 2 {
		return 0, fmt.Errorf("time %q: want HH:MM", raw)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("time %q: bad hour", raw)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("time %q: bad minute", raw)
	}
	if hour == 24 && minute == 0 {
		return EndOfDay, nil
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("time %q: out of range", raw)
	}
	return Clock(hour, minute), nil
}

// String formats as HH:MM (seconds are dropped).
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/3600, (int(t)%3600)/60)
}

// Window is a daily half-open interval [Start, End). When Start > End the
// window wraps past midnight.
type Window struct {
	Start TimeOfDay
	End   TimeOfDay
}

// ParseWindow parses and validates a rule window.
func ParseWindow(start, end string) (Window, error) {
	s, err := ParseTimeOfDay(start)
	if err != nil {
		return Window{}, playback.Misconfigured("start_time", err.Error())
	}
	if s == EndOfDay {
		return Window{}, playback.Misconfigured("start_time", "24:00 is only valid as an end time")
	}
	e, err := ParseTimeOfDay(end)
	if err != nil {
		return Window{}, playback.Misconfigured("end_time", err.Error())
	}
	if s == e {
		return Window{}, playback.Misconfigured("end_time", "window start and end must differ")
	}
	return Window{Start: s, End: e}, nil
}

// Wraps reports whether the window crosses midnight.
func (w Window) Wraps() bool {
	return w.Start > w.End
}

// Contains reports whether now falls inside the window.
func (w Window) Contains(now TimeOfDay) bool {
	if w.Wraps() {
		return now >= w.Start || now < w.End
	}
	return now >= w.Start && now < w.End
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}
