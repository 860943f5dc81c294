package attendance

import (
	"fmt"
	"sort"
	"time"
)

// Category is the top-level classification of a request email
type Category string

const (
	CategoryVacation   Category = "휴가신고"
	CategoryAttendance Category = "근태공유"
	CategoryUnknown    Category = "미분류"
)

// Subtype narrows an attendance email down to the kind of absence
type Subtype string

const (
	SubtypeNone        Subtype = ""
	SubtypeLateArrival Subtype = "출근지연"
	SubtypeOuting      Subtype = "외출"
	SubtypeEarlyLeave  Subtype = "조기퇴근"
	SubtypeUnknown     Subtype = "미분류"
)

// Date is a calendar day without a time component
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate returns the date and whether it names a real calendar day
// (time.Date would silently normalize February 30th to March 1st).
func NewDate(year int, month time.Month, day int) (Date, bool) {
	if month < time.January || month > time.December || day < 1 || day > 31 {
		return Date{}, false
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || t.Month() != month || t.Day() != day {
		return Date{}, false
	}
	return Date{Year: year, Month: month, Day: day}, true
}

// MustDate is NewDate for literals known to be valid
func MustDate(year int, month time.Month, day int) Date {
	d, ok := NewDate(year, month, day)
	if !ok {
		panic(fmt.Sprintf("attendance: invalid date %04d-%02d-%02d", year, month, day))
	}
	return d
}

// DateOf returns the calendar day of t in t's location
func DateOf(t time.Time) Date {
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) AddDays(n int) Date { return DateOf(d.Time().AddDate(0, 0, n)) }

func (d Date) Before(o Date) bool { return d.Time().Before(o.Time()) }

func (d Date) After(o Date) bool { return d.Time().After(o.Time()) }

func (d Date) Weekday() time.Weekday { return d.Time().Weekday() }

// String formats the date as YYYY-MM-DD, or "" for the zero date
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// SortDates sorts ascending and drops duplicates
func SortDates(dates []Date) []Date {
	if len(dates) == 0 {
		return nil
	}
	out := make([]Date, len(dates))
	copy(out, dates)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })

	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

// Clock is a wall-clock time of day
type Clock struct {
	Hour   int
	Minute int
}

// NewClock validates hour in [0,23] and minute in [0,59]
func NewClock(hour, minute int) (Clock, bool) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return Clock{}, false
	}
	return Clock{Hour: hour, Minute: minute}, true
}

// Minutes returns minutes since midnight
func (c Clock) Minutes() int { return c.Hour*60 + c.Minute }

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// TimeRange is a start/end pair extracted from a message body
type TimeRange struct {
	Start Clock
	End   Clock
}

// Minutes is end minus start, clipped at zero. A range that crosses midnight
// counts as zero.
func (r TimeRange) Minutes() int {
	return max(0, r.End.Minutes()-r.Start.Minutes())
}

// AttendanceRecord is one late-arrival, outing or early-leave notice
type AttendanceRecord struct {
	Applicant     string
	Subtype       Subtype
	Date          Date // zero when no date could be extracted
	TimeRange     *TimeRange
	Department    string
	Reason        string
	ReceivedAt    time.Time
	MessageID     string
	SourceSubject string
}

// Minutes returns the attendance minutes this record accounts for
func (r AttendanceRecord) Minutes() int {
	if r.TimeRange == nil {
		return 0
	}
	return r.TimeRange.Minutes()
}

func (r AttendanceRecord) String() string {
	date := r.Date.String()
	if date == "" {
		date = "날짜없음"
	}
	span := ""
	if r.TimeRange != nil {
		span = fmt.Sprintf(" %s~%s", r.TimeRange.Start, r.TimeRange.End)
	}
	return fmt.Sprintf("[%s] %s - %s%s", r.Subtype, r.Applicant, date, span)
}

// VacationRecord is one vacation notice, possibly covering several days
type VacationRecord struct {
	Applicant     string
	Dates         []Date // ascending, no duplicates
	Department    string
	VacationType  string
	VacationDays  *float64 // explicit day count from the body, if any
	Reason        string
	ReceivedAt    time.Time
	MessageID     string
	SourceSubject string
}

// FirstDate returns the earliest vacation day, or the zero date
func (v VacationRecord) FirstDate() Date {
	if len(v.Dates) == 0 {
		return Date{}
	}
	return v.Dates[0]
}

// DateRange renders "YYYY-MM-DD" or "YYYY-MM-DD ~ YYYY-MM-DD"
func (v VacationRecord) DateRange() string {
	switch len(v.Dates) {
	case 0:
		return "날짜없음"
	case 1:
		return v.Dates[0].String()
	default:
		return v.Dates[0].String() + " ~ " + v.Dates[len(v.Dates)-1].String()
	}
}

// Days returns the explicit day count when present, otherwise a default
// derived from the vacation type.
func (v VacationRecord) Days() float64 {
	if v.VacationDays != nil {
		return *v.VacationDays
	}
	return DefaultVacationDays(v.VacationType)
}

func (v VacationRecord) String() string {
	vtype := ""
	if v.VacationType != "" {
		vtype = "(" + v.VacationType + ")"
	}
	return fmt.Sprintf("[휴가신고%s] %s - %s", vtype, v.Applicant, v.DateRange())
}

// UnclassifiedMessage is a message that could not be bucketed
type UnclassifiedMessage struct {
	Subject    string
	Sender     string
	ReceivedAt time.Time
	Reason     string
}

// Buckets holds one run's records per category
type Buckets struct {
	Vacations    []VacationRecord
	LateArrivals []AttendanceRecord
	Outings      []AttendanceRecord
	EarlyLeaves  []AttendanceRecord
	Unclassified []UnclassifiedMessage
}

// Attendance returns late-arrival, outing and early-leave records together
func (b *Buckets) Attendance() []AttendanceRecord {
	all := make([]AttendanceRecord, 0, len(b.LateArrivals)+len(b.Outings)+len(b.EarlyLeaves))
	all = append(all, b.LateArrivals...)
	all = append(all, b.Outings...)
	all = append(all, b.EarlyLeaves...)
	return all
}

// Counts summarizes bucket sizes
type Counts struct {
	Vacations    int `json:"vacations"`
	LateArrivals int `json:"late_arrivals"`
	Outings      int `json:"outings"`
	EarlyLeaves  int `json:"early_leaves"`
	Unclassified int `json:"unclassified"`
	Total        int `json:"total"`
}

func (b *Buckets) Counts() Counts {
	c := Counts{
		Vacations:    len(b.Vacations),
		LateArrivals: len(b.LateArrivals),
		Outings:      len(b.Outings),
		EarlyLeaves:  len(b.EarlyLeaves),
		Unclassified: len(b.Unclassified),
	}
	c.Total = c.Vacations + c.LateArrivals + c.Outings + c.EarlyLeaves + c.Unclassified
	return c
}
