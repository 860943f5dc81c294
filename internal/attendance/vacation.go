package attendance

import "strings"

const (
	QuarterDay = 0.25
	HalfDay    = 0.5
	FullDay    = 1.0
)

// DefaultVacationDays maps a vacation type to a day count when the email
// does not state one. AM/PM half days and half-half days are quarter days,
// plain 반차 is a half day, everything else counts as a full day.
func DefaultVacationDays(vacationType string) float64 {
	vtype := strings.ToLower(vacationType)
	switch {
	case strings.Contains(vtype, "오전반차"),
		strings.Contains(vtype, "오후반차"),
		strings.Contains(vtype, "반반차"):
		return QuarterDay
	case strings.Contains(vtype, "반차"):
		return HalfDay
	case strings.Contains(vtype, "연차"), strings.Contains(vtype, "휴가"):
		return FullDay
	}
	return FullDay
}
