package mis

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// BirthDateLayout is the canonical birth date form used inside the pipeline.
const BirthDateLayout = "2006-01-02"

var (
	phoneSeparators = regexp.MustCompile(`[;,]+`)
	positionPattern = regexp.MustCompile(`\((.*?)\)`)

	errInvalidBirthDate = errors.New("invalid birth date")
	errInvalidVisitTime = errors.New("invalid visit time")
)

var visitTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02.01.2006 15:04:05",
}

// NormalizePhone coerces a single phone string to +7XXXXXXXXXX.
// It reports false when the value cannot be coerced.
func NormalizePhone(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	hasPlus := strings.HasPrefix(raw, "+")

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	var normalized string
	switch {
	case hasPlus:
		if !strings.HasPrefix(digits, "7") || len(digits) < 11 {
			return "", false
		}
		normalized = "+" + digits[:11]
	case len(digits) == 10:
		normalized = "+7" + digits
	case len(digits) >= 11 && (digits[0] == '7' || digits[0] == '8'):
		normalized = "+7" + digits[1:11]
	default:
		return "", false
	}
	if len(normalized) != 12 {
		return "", false
	}
	return normalized, true
}

// NormalizePhones splits a phone field on ';' or ',' and returns the
// distinct valid numbers in input order.
func NormalizePhones(raw string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, part := range phoneSeparators.Split(raw, -1) {
		phone, ok := NormalizePhone(part)
		if !ok {
			continue
		}
		if _, dup := seen[phone]; dup {
			continue
		}
		seen[phone] = struct{}{}
		out = append(out, phone)
	}
	return out
}

// NormalizeBirthDate keeps the date part of an ISO value and validates it.
func NormalizeBirthDate(raw string) (string, error) {
	datePart, _, _ := strings.Cut(strings.TrimSpace(raw), "T")
	if _, err := time.Parse(BirthDateLayout, datePart); err != nil {
		return "", errInvalidBirthDate
	}
	return datePart, nil
}

// FullName joins name parts into the uppercase single-spaced form used for matching.
func FullName(parts ...string) string {
	return strings.ToUpper(DisplayName(parts...))
}

// DisplayName joins name parts with single spaces, preserving case.
func DisplayName(parts ...string) string {
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// ParseVisitTime accepts the timestamp layouts the MIS is known to emit.
// Values without an offset are read in loc.
func ParseVisitTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range visitTimeLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errInvalidVisitTime
}

// SplitSpecialist separates "Name (Position)" into its parts.
func SplitSpecialist(raw string) (name, position string) {
	raw = strings.TrimSpace(raw)
	if m := positionPattern.FindStringSubmatch(raw); m != nil {
		position = strings.TrimSpace(m[1])
	}
	name = DisplayName(positionPattern.ReplaceAllString(raw, " "))
	return name, position
}

// Tomorrow returns the start of the day after now in loc.
func Tomorrow(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

// DayWindow returns [start, start+1 day) for the day starting at start.
func DayWindow(start time.Time) (time.Time, time.Time) {
	return start, start.AddDate(0, 0, 1)
}

// SameDay reports whether t falls on the calendar date of day in loc.
func SameDay(t, day time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	a, b := t.In(loc), day.In(loc)
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
