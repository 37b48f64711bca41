package core

import (
	"errors"
	"strings"
	"time"
)

type (
	// Date is a calendar date at day granularity, normalized to UTC midnight.
	Date struct {
		time.Time
	}

	// Money is a signed amount in cents. Negative amounts are expenses,
	// positive amounts are income; the sign is preserved through generation.
	Money struct {
		Cents int64
	}

	// LedgerEntry records one materialized occurrence of a definition.
	LedgerEntry struct {
		Date          Date
		TransactionID int64
	}

	// Definition is a recurring-transaction template owned by a single user.
	// The Ledger lists every occurrence date that has already been
	// materialized, in strictly increasing order. Version increases on every
	// edit and on every ledger append.
	Definition struct {
		ID          int64
		OwnerID     string
		Amount      Money
		Category    string
		Description string
		Schedule    Schedule
		StartDate   Date
		EndDate     Date // zero = unbounded
		Active      bool
		Ledger      []LedgerEntry
		Version     int64
	}

	// Transaction is a concrete expense or income record. Generated marks
	// records materialized from a definition.
	Transaction struct {
		ID          int64
		OwnerID     string
		Amount      Money
		Category    string
		Description string
		Date        Date
		Generated   bool
	}

	// Notification is a user-facing record emitted for each generated
	// transaction. Fire-and-forget: losing one is acceptable.
	Notification struct {
		Kind    string
		Message string
		Date    Date
		Icon    string
	}
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrEmptyDescription = errors.New("empty description")
	ErrEmptyCategory    = errors.New("empty category")
	ErrInvalidDay       = errors.New("invalid day of month")
	ErrInvalidMonth     = errors.New("invalid month")
	ErrInvalidStep      = errors.New("invalid step")
	ErrUnknownKind      = errors.New("unknown recurrence kind")
	ErrInvalidDates     = errors.New("end date before start date")
	ErrVersionConflict  = errors.New("definition modified concurrently")
)

const dateLayout = "2006-01-02"

// NewDate creates a Date from year, month, day.
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates a timestamp to its calendar date.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), int(t.Month()), t.Day())
}

// ParseDate parses a date in YYYY-MM-DD form.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// AddDays returns the date n days later.
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time.AddDate(0, 0, n))
}

// Day returns the day of the month.
func (d Date) Day() int {
	return d.Time.Day()
}

// Month returns the month as 1-12.
func (d Date) Month() int {
	return int(d.Time.Month())
}

// Year returns the year.
func (d Date) Year() int {
	return d.Time.Year()
}

// After reports whether d falls on a later calendar day than o.
func (d Date) After(o Date) bool {
	return d.Time.After(o.Time)
}

// Before reports whether d falls on an earlier calendar day than o.
func (d Date) Before(o Date) bool {
	return d.Time.Before(o.Time)
}

// Equal reports whether d and o are the same calendar day.
func (d Date) Equal(o Date) bool {
	return d.Time.Equal(o.Time)
}

func (m Money) Validate() error {
	if m.Cents == 0 {
		return ErrInvalidAmount
	}
	return nil
}

// IsExpense reports whether the amount is negative (expense convention).
func (m Money) IsExpense() bool {
	return m.Cents < 0
}

// Abs returns the amount with its sign stripped.
func (m Money) Abs() Money {
	if m.Cents < 0 {
		return Money{Cents: -m.Cents}
	}
	return m
}

// Ledgered reports whether the given date is already recorded in the ledger.
func (d Definition) Ledgered(on Date) bool {
	for _, e := range d.Ledger {
		if e.Date.Equal(on) {
			return true
		}
	}
	return false
}

func (d Definition) Validate() error {
	if d.StartDate.IsZero() {
		return errors.New("start date is required")
	}
	if !d.EndDate.IsZero() && d.EndDate.Before(d.StartDate) {
		return ErrInvalidDates
	}
	if err := d.Amount.Validate(); err != nil {
		return err
	}
	if len(strings.TrimSpace(d.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(d.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	if strings.TrimSpace(d.Category) == "" {
		return ErrEmptyCategory
	}
	if d.Schedule == nil {
		return ErrUnknownKind
	}
	return d.Schedule.Validate()
}

// GeneratedSuffix marks transactions materialized from a definition.
const GeneratedSuffix = " (ricorrente)"

// AnnotateGenerated appends the provenance marker to a description.
func AnnotateGenerated(description string) string {
	return description + GeneratedSuffix
}
