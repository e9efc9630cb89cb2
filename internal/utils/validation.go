package utils

import (
	"strconv"
	"strings"
	"time"
)

// DateFormat is the absolute form accepted for task dates.
const DateFormat = "2006-01-02"

// ValidatePriority checks a task priority: 0 means unset, 1 is highest, 9 lowest.
func ValidatePriority(priority int) error {
	if priority < 0 || priority > 9 {
		return ErrInvalidPriority(priority)
	}
	return nil
}

// ValidateSummary trims a task summary and rejects empty or multi-line
// values, which would not survive the one-line list output.
func ValidateSummary(summary string) (string, error) {
	s := strings.TrimSpace(summary)
	if s == "" || strings.ContainsAny(s, "\r\n") {
		return "", ErrInvalidSummary(summary)
	}
	return s, nil
}

// ParseDateFlag parses a due date relative to the current day.
// See ParseDate for the accepted forms.
func ParseDateFlag(value string) (*time.Time, error) {
	return ParseDate(value, time.Now())
}

// ParseDate parses a due date. Empty and "none" clear the date; "today",
// "tomorrow", "yesterday" and +N/-N with a d, w or m unit are relative to
// the day of now; anything else must be YYYY-MM-DD. Results are midnight in
// now's location.
func ParseDate(value string, now time.Time) (*time.Time, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" || v == "none" {
		return nil, nil
	}

	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch v {
	case "today":
		return &day, nil
	case "tomorrow":
		t := day.AddDate(0, 0, 1)
		return &t, nil
	case "yesterday":
		t := day.AddDate(0, 0, -1)
		return &t, nil
	}

	if v[0] == '+' || v[0] == '-' {
		t, ok := shiftDay(day, v)
		if !ok {
			return nil, ErrInvalidDate(value)
		}
		return &t, nil
	}

	t, err := time.ParseInLocation(DateFormat, v, now.Location())
	if err != nil {
		return nil, ErrInvalidDate(value)
	}
	return &t, nil
}

// shiftDay applies an offset like "+3d", "-2w" or "+1m" to day.
func shiftDay(day time.Time, offset string) (time.Time, bool) {
	if len(offset) < 3 {
		return time.Time{}, false
	}
	digits := offset[1 : len(offset)-1]
	for _, r := range digits {
		if r < '0' || r > '9' {
			return time.Time{}, false
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return time.Time{}, false
	}
	if offset[0] == '-' {
		n = -n
	}

	switch offset[len(offset)-1] {
	case 'd':
		return day.AddDate(0, 0, n), true
	case 'w':
		return day.AddDate(0, 0, 7*n), true
	case 'm':
		return day.AddDate(0, n, 0), true
	}
	return time.Time{}, false
}
