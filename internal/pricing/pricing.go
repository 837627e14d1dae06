// Package pricing turns nightly prices and ISO date ranges into exact
// minor-unit totals and the list of nights a booking occupies.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar date format used on the wire and in events
const DateLayout = "2006-01-02"

var (
	ErrInvalidDate  = errors.New("invalid date")
	ErrInvalidRange = errors.New("check-out must be after check-in")
	ErrPastDate     = errors.New("check-in is in the past")
	ErrInvalidPrice = errors.New("invalid price")
)

var maxInt64 = decimal.NewFromInt(math.MaxInt64)

// zeroDecimalCurrencies have no minor unit
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// DateRange is a validated stay. CheckOut is exclusive.
type DateRange struct {
	CheckIn  time.Time
	CheckOut time.Time
	Nights   int
}

// ParseDateRange parses both dates as UTC calendar dates and validates the
// stay against the calendar date of now.
func ParseDateRange(checkInISO, checkOutISO string, now time.Time) (DateRange, error) {
	checkIn, err := ParseDate(checkInISO)
	if err != nil {
		return DateRange{}, err
	}
	checkOut, err := ParseDate(checkOutISO)
	if err != nil {
		return DateRange{}, err
	}

	if !checkOut.After(checkIn) {
		return DateRange{}, fmt.Errorf("%w: %s -> %s", ErrInvalidRange,
			checkIn.Format(DateLayout), checkOut.Format(DateLayout))
	}

	if checkIn.Before(Day(now)) {
		return DateRange{}, fmt.Errorf("%w: %s", ErrPastDate, checkIn.Format(DateLayout))
	}

	return DateRange{
		CheckIn:  checkIn,
		CheckOut: checkOut,
		Nights:   DaysBetween(checkIn, checkOut),
	}, nil
}

// ParseDate accepts YYYY-MM-DD or RFC3339 and drops the time of day
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Day(t), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

// Day truncates t to midnight UTC of its UTC calendar date
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole calendar days from a to b
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// ExpandNights lists the occupied nights starting at checkIn.
// The check-out day is the departure day and is not included.
func ExpandNights(checkIn time.Time, nights int) []time.Time {
	start := Day(checkIn)
	out := make([]time.Time, 0, nights)
	for i := 0; i < nights; i++ {
		out = append(out, start.AddDate(0, 0, i))
	}
	return out
}

// CurrencyExponent returns the number of minor-unit digits of a currency
func CurrencyExponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return 0
	}
	return 2
}

// ToMinorUnits converts an exact positive decimal amount into minor units
// (12.34 -> 1234)
func ToMinorUnits(price decimal.Decimal, currency string) (int64, error) {
	if !price.IsPositive() {
		return 0, fmt.Errorf("%w: amount %s must be positive", ErrInvalidPrice, price)
	}

	shifted := price.Shift(CurrencyExponent(currency))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more precision than %s allows",
			ErrInvalidPrice, price, strings.ToUpper(currency))
	}
	if shifted.GreaterThan(maxInt64) {
		return 0, fmt.Errorf("%w: %s overflows", ErrInvalidPrice, price)
	}

	return shifted.IntPart(), nil
}

// FromMinorUnits converts minor units back into an exact decimal amount
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -CurrencyExponent(currency))
}

// Total computes nightly price times nights in minor units
func Total(nightlyPrice decimal.Decimal, nights int, currency string) (int64, error) {
	unit, err := ToMinorUnits(nightlyPrice, currency)
	if err != nil {
		return 0, err
	}
	if nights < 1 {
		return 0, fmt.Errorf("%w: total must be positive", ErrInvalidPrice)
	}
	if unit > math.MaxInt64/int64(nights) {
		return 0, fmt.Errorf("%w: total overflows", ErrInvalidPrice)
	}
	return unit * int64(nights), nil
}
