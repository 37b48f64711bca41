package core

import (
	"fmt"
	"time"
)

// Recurrence kinds. Unrecognized kinds are rejected at definition creation
// time; nothing in the engine falls back to a no-op schedule.
const (
	KindDaily      Kind = "daily"
	KindWeekly     Kind = "weekly"
	KindBiweekly   Kind = "biweekly"
	KindMonthly    Kind = "monthly"
	KindBimonthly  Kind = "bimonthly"
	KindQuarterly  Kind = "quarterly"
	KindSemiannual Kind = "semiannual"
	KindAnnual     Kind = "annual"
	KindCustom     Kind = "custom"
)

// Day-overflow policies for the monthly family: what to do when the
// configured day of month does not exist in the target month.
const (
	// OverflowLastAvailable clamps to the last day of the target month.
	OverflowLastAvailable OverflowPolicy = "lastAvailable"
	// OverflowFirstAvailable rolls forward to day 1 of the following month.
	OverflowFirstAvailable OverflowPolicy = "firstAvailable"
)

type (
	Kind           string
	OverflowPolicy string

	// ScheduleConfig is the flat wire/storage representation of a schedule.
	// Which fields are meaningful depends on the kind; ScheduleFromConfig
	// turns it into the variant that carries only what it needs.
	ScheduleConfig struct {
		Day       int
		Month     int
		Overflow  OverflowPolicy
		MonthStep int
		StepDays  int
	}

	// Schedule computes the next occurrence date for one recurrence kind.
	// Next is pure: no side effects, deterministic, and the result is always
	// strictly after from.
	Schedule interface {
		Kind() Kind
		Next(from Date) Date
		Validate() error
		Config() ScheduleConfig
	}

	// DaySchedule advances by a fixed number of days: daily (1), weekly (7),
	// biweekly (14), or a custom positive step.
	DaySchedule struct {
		kind     Kind
		StepDays int
	}

	// MonthSchedule advances by MonthStep months, landing on Day with the
	// configured overflow policy. Covers monthly, bimonthly, quarterly and
	// semiannual (steps 1/2/3/6).
	MonthSchedule struct {
		kind      Kind
		Day       int
		MonthStep int
		Overflow  OverflowPolicy
	}

	// YearSchedule lands on the same month and day one year later.
	YearSchedule struct {
		Month int
		Day   int
	}
)

// monthSteps gives the conventional step for each monthly-family kind.
var monthSteps = map[Kind]int{
	KindMonthly:    1,
	KindBimonthly:  2,
	KindQuarterly:  3,
	KindSemiannual: 6,
}

// ScheduleFromConfig builds the schedule variant for a kind, applying the
// conventional defaults. Unknown kinds are a configuration error.
func ScheduleFromConfig(kind Kind, cfg ScheduleConfig) (Schedule, error) {
	switch kind {
	case KindDaily:
		return DaySchedule{kind: kind, StepDays: 1}, nil
	case KindWeekly:
		return DaySchedule{kind: kind, StepDays: 7}, nil
	case KindBiweekly:
		return DaySchedule{kind: kind, StepDays: 14}, nil
	case KindCustom:
		s := DaySchedule{kind: kind, StepDays: cfg.StepDays}
		return s, s.Validate()
	case KindMonthly, KindBimonthly, KindQuarterly, KindSemiannual:
		step := cfg.MonthStep
		if step == 0 {
			step = monthSteps[kind]
		}
		overflow := cfg.Overflow
		if overflow == "" {
			overflow = OverflowLastAvailable
		}
		s := MonthSchedule{kind: kind, Day: cfg.Day, MonthStep: step, Overflow: overflow}
		return s, s.Validate()
	case KindAnnual:
		s := YearSchedule{Month: cfg.Month, Day: cfg.Day}
		return s, s.Validate()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func (s DaySchedule) Kind() Kind { return s.kind }

func (s DaySchedule) Next(from Date) Date {
	return from.AddDays(s.StepDays)
}

func (s DaySchedule) Validate() error {
	if s.StepDays < 1 {
		return fmt.Errorf("%w: step must be at least 1 day", ErrInvalidStep)
	}
	return nil
}

func (s DaySchedule) Config() ScheduleConfig {
	if s.kind == KindCustom {
		return ScheduleConfig{StepDays: s.StepDays}
	}
	return ScheduleConfig{}
}

func (s MonthSchedule) Kind() Kind { return s.kind }

// Next advances MonthStep months from the month of from, landing on the
// configured day. A firstAvailable roll lands on day 1 of the month after
// the target; when stepping from such a date the walk resumes from the
// intended target month, not the landing month, so day 1 of March after a
// missing Feb 31 is followed by March 31, not April.
func (s MonthSchedule) Next(from Date) Date {
	year, month := from.Year(), from.Month()

	if s.Overflow == OverflowFirstAvailable && from.Day() == 1 {
		prevYear, prevMonth := year, month-1
		if prevMonth == 0 {
			prevYear, prevMonth = year-1, 12
		}
		if s.Day > daysIn(prevYear, prevMonth) {
			year, month = prevYear, prevMonth
		}
	}

	month += s.MonthStep
	for month > 12 {
		month -= 12
		year++
	}

	day := s.Day
	if last := daysIn(year, month); day > last {
		if s.Overflow == OverflowFirstAvailable {
			month++
			if month > 12 {
				month = 1
				year++
			}
			day = 1
		} else {
			day = last
		}
	}
	return NewDate(year, month, day)
}

func (s MonthSchedule) Validate() error {
	if s.Day < 1 || s.Day > 31 {
		return ErrInvalidDay
	}
	if s.MonthStep < 1 {
		return fmt.Errorf("%w: month step must be at least 1", ErrInvalidStep)
	}
	switch s.Overflow {
	case OverflowLastAvailable, OverflowFirstAvailable:
		return nil
	default:
		return fmt.Errorf("unknown overflow policy: %q", s.Overflow)
	}
}

func (s MonthSchedule) Config() ScheduleConfig {
	return ScheduleConfig{Day: s.Day, MonthStep: s.MonthStep, Overflow: s.Overflow}
}

func (s YearSchedule) Kind() Kind { return KindAnnual }

// Next lands on the configured month and day in the following year,
// clamping Feb 29 to Feb 28 outside leap years.
func (s YearSchedule) Next(from Date) Date {
	year := from.Year() + 1
	day := s.Day
	if last := daysIn(year, s.Month); day > last {
		day = last
	}
	return NewDate(year, s.Month, day)
}

func (s YearSchedule) Validate() error {
	if s.Month < 1 || s.Month > 12 {
		return ErrInvalidMonth
	}
	if s.Day < 1 || s.Day > 31 {
		return ErrInvalidDay
	}
	return nil
}

func (s YearSchedule) Config() ScheduleConfig {
	return ScheduleConfig{Day: s.Day, Month: s.Month}
}

// daysIn returns the number of days in a month (month is 1-12).
func daysIn(year, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
