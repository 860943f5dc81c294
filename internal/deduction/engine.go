package deduction

import (
	"sort"
	"strconv"

	"github.com/attendance-mail/attendance/internal/attendance"
)

const (
	// BlockMinutes of accumulated absence convert to one BlockDays deduction
	BlockMinutes = 120
	BlockDays    = attendance.QuarterDay
)

// Resolver maps an applicant's display name to a canonical employee key
type Resolver interface {
	Canonical(name string) string
}

type identity struct{}

func (identity) Canonical(name string) string { return name }

// Decision is the deduction outcome for one employee in one run
type Decision struct {
	Employee        string // canonical key
	DisplayName     string // applicant name as first seen in the run
	TotalMinutes    int    // this run's late-arrival, outing and early-leave minutes
	AlreadyDeducted int    // minutes covered by earlier notices
	Remaining       int    // TotalMinutes - AlreadyDeducted, may be negative
	Days            float64
	DeductedMinutes int
	Records         []attendance.AttendanceRecord

	EmailSent bool
	MessageID string
}

// Deducts reports whether a notice is due
func (d Decision) Deducts() bool { return d.Days > 0 }

// Days converts remaining minutes into whole quarter days. Partial blocks
// carry no deduction.
func Days(remaining int) float64 {
	if remaining < BlockMinutes {
		return 0
	}
	return float64(remaining/BlockMinutes) * BlockDays
}

// MinutesFor converts deduction days back into the minutes they cover
func MinutesFor(days float64) int {
	return int(days/BlockDays) * BlockMinutes
}

// FormatDays renders 0.25 as "0.25" and 1 as "1"
func FormatDays(days float64) string {
	return strconv.FormatFloat(days, 'f', -1, 64)
}

// Compute groups attendance records by canonical employee, nets out
// minutes already deducted according to history and returns one decision
// per employee, ordered by employee key. Decisions with zero Days are
// included so callers can log or report them.
func Compute(records []attendance.AttendanceRecord, resolver Resolver, history *History) []Decision {
	if resolver == nil {
		resolver = identity{}
	}

	byEmployee := make(map[string]*Decision)
	var order []string
	for _, r := range records {
		key := resolver.Canonical(r.Applicant)
		d, ok := byEmployee[key]
		if !ok {
			d = &Decision{Employee: key, DisplayName: r.Applicant}
			byEmployee[key] = d
			order = append(order, key)
		}
		d.TotalMinutes += r.Minutes()
		d.Records = append(d.Records, r)
	}

	sort.Strings(order)
	decisions := make([]Decision, 0, len(order))
	for _, key := range order {
		d := byEmployee[key]
		d.AlreadyDeducted = history.Deducted(key)
		d.Remaining = d.TotalMinutes - d.AlreadyDeducted
		d.Days = Days(d.Remaining)
		if d.Days > 0 {
			d.DeductedMinutes = MinutesFor(d.Days)
		}
		sortRecords(d.Records)
		decisions = append(decisions, *d)
	}
	return decisions
}

// FromHistory rebuilds decisions for notices that were already sent, e.g.
// today's entries when only the report is regenerated.
func FromHistory(entries []Entry) []Decision {
	decisions := make([]Decision, 0, len(entries))
	for _, e := range entries {
		decisions = append(decisions, Decision{
			Employee:        e.Employee,
			DisplayName:     e.Employee,
			Days:            float64(e.Minutes) / BlockMinutes * BlockDays,
			DeductedMinutes: e.Minutes,
			EmailSent:       true,
		})
	}
	sort.SliceStable(decisions, func(i, j int) bool { return decisions[i].Employee < decisions[j].Employee })
	return decisions
}

// Due filters decisions down to those that deduct
func Due(decisions []Decision) []Decision {
	var due []Decision
	for _, d := range decisions {
		if d.Deducts() {
			due = append(due, d)
		}
	}
	return due
}

// sortRecords orders by date then received time; undated records go last
func sortRecords(records []attendance.AttendanceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		switch {
		case a.Date.IsZero() != b.Date.IsZero():
			return !a.Date.IsZero()
		case a.Date != b.Date:
			return a.Date.Before(b.Date)
		}
		return a.ReceivedAt.Before(b.ReceivedAt)
	})
}
