package timer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrBadPredicate = errors.New("timer: bad reset predicate")

// Predicate computes forced reset times.
type Predicate interface {
	// Next returns the first reset time strictly after from.
	Next(from time.Time) time.Time
	String() string
}

// DayPredicate fires every day at a local wall-clock time.
type DayPredicate struct {
	Hour   int
	Minute int
}

func (p DayPredicate) Next(from time.Time) time.Time {
	y, m, d := from.Date()
	next := time.Date(y, m, d, p.Hour, p.Minute, 0, 0, from.Location())
	if !next.After(from) {
		next = time.Date(y, m, d+1, p.Hour, p.Minute, 0, 0, from.Location())
	}
	return next
}

func (p DayPredicate) String() string {
	return fmt.Sprintf("day/%d:%02d", p.Hour, p.Minute)
}

// WeekPredicate fires once a week at a local weekday and wall-clock time.
type WeekPredicate struct {
	Weekday time.Weekday
	Hour    int
	Minute  int
}

func (p WeekPredicate) Next(from time.Time) time.Time {
	y, m, d := from.Date()
	days := (int(p.Weekday) - int(from.Weekday()) + 7) % 7
	next := time.Date(y, m, d+days, p.Hour, p.Minute, 0, 0, from.Location())
	if !next.After(from) {
		next = time.Date(y, m, d+days+7, p.Hour, p.Minute, 0, 0, from.Location())
	}
	return next
}

func (p WeekPredicate) String() string {
	return fmt.Sprintf("week/%d %d:%02d", int(p.Weekday), p.Hour, p.Minute)
}

// ParsePredicate accepts "day/HH:MM" and "week/D HH:MM" with D in 0..6
// (0 is Sunday). An empty string yields a nil predicate.
func ParsePredicate(s string) (Predicate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	kind, rest, ok := strings.Cut(s, "/")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadPredicate, s)
	}

	switch kind {
	case "day":
		h, m, err := parseClock(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadPredicate, s, err)
		}
		return DayPredicate{Hour: h, Minute: m}, nil
	case "week":
		day, clockPart, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok {
			return nil, fmt.Errorf("%w: %q: missing time", ErrBadPredicate, s)
		}
		wd, err := strconv.Atoi(day)
		if err != nil || wd < 0 || wd > 6 {
			return nil, fmt.Errorf("%w: %q: weekday %q", ErrBadPredicate, s, day)
		}
		h, m, err := parseClock(clockPart)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadPredicate, s, err)
		}
		return WeekPredicate{Weekday: time.Weekday(wd), Hour: h, Minute: m}, nil
	default:
		return nil, fmt.Errorf("%w: %q: unknown kind %q", ErrBadPredicate, s, kind)
	}
}

func parseClock(s string) (int, int, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("hour %q", hs)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("minute %q", ms)
	}
	return h, m, nil
}
