// Package report arranges one run's records into the tables that end up in
// the report spreadsheet.
package report

import (
	"sort"
	"time"

	"github.com/attendance-mail/attendance/internal/attendance"
	"github.com/attendance-mail/attendance/internal/deduction"
)

// Report is everything the spreadsheet and summary email need
type Report struct {
	Date        attendance.Date
	GeneratedAt time.Time
	Counts      attendance.Counts
	Employees   []EmployeeBlock
	Vacations   []VacationBlock
	Deductions  []deduction.Decision // notices due or sent in this run
}

// EmployeeBlock is one employee's rows on the attendance sheet
type EmployeeBlock struct {
	Employee     string
	LateArrivals []attendance.AttendanceRecord
	EarlyLeaves  []attendance.AttendanceRecord
	Outings      []attendance.AttendanceRecord
	Deductions   []deduction.Entry

	TotalMinutes    int
	DeductedMinutes int
}

// Remaining is the minutes not yet covered by any deduction
func (b EmployeeBlock) Remaining() int {
	return b.TotalMinutes - b.DeductedMinutes
}

// Rows is the number of sheet rows the block spans
func (b EmployeeBlock) Rows() int {
	return max(len(b.LateArrivals), len(b.EarlyLeaves), len(b.Outings), len(b.Deductions), 1)
}

// VacationBlock is one employee's rows on the vacation sheet
type VacationBlock struct {
	No       int
	Employee string
	Rows     []VacationRow
}

// VacationRow carries a running total of days within its block
type VacationRow struct {
	DateRange  string
	Days       float64
	Cumulative float64
	Type       string
}

// Total returns the block's last cumulative value
func (b VacationBlock) Total() float64 {
	if len(b.Rows) == 0 {
		return 0
	}
	return b.Rows[len(b.Rows)-1].Cumulative
}

// Assemble folds buckets and deduction history into a Report. history must
// already contain the entries for notices sent in this run.
func Assemble(buckets *attendance.Buckets, decisions []deduction.Decision, history *deduction.History,
	resolver deduction.Resolver, today attendance.Date, generatedAt time.Time) *Report {
	if resolver == nil {
		resolver = identityResolver{}
	}

	return &Report{
		Date:        today,
		GeneratedAt: generatedAt,
		Counts:      buckets.Counts(),
		Employees:   employeeBlocks(buckets, history, resolver),
		Vacations:   vacationBlocks(buckets.Vacations, resolver),
		Deductions:  decisions,
	}
}

type identityResolver struct{}

func (identityResolver) Canonical(name string) string { return name }

func employeeBlocks(buckets *attendance.Buckets, history *deduction.History, resolver deduction.Resolver) []EmployeeBlock {
	blocks := make(map[string]*EmployeeBlock)
	get := func(r attendance.AttendanceRecord) *EmployeeBlock {
		key := resolver.Canonical(r.Applicant)
		b, ok := blocks[key]
		if !ok {
			b = &EmployeeBlock{Employee: key}
			blocks[key] = b
		}
		b.TotalMinutes += r.Minutes()
		return b
	}

	for _, r := range buckets.LateArrivals {
		b := get(r)
		b.LateArrivals = append(b.LateArrivals, r)
	}
	for _, r := range buckets.EarlyLeaves {
		b := get(r)
		b.EarlyLeaves = append(b.EarlyLeaves, r)
	}
	for _, r := range buckets.Outings {
		b := get(r)
		b.Outings = append(b.Outings, r)
	}

	keys := make([]string, 0, len(blocks))
	for k := range blocks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]EmployeeBlock, 0, len(keys))
	for _, k := range keys {
		b := blocks[k]
		sortByDate(b.LateArrivals)
		sortByDate(b.EarlyLeaves)
		sortByDate(b.Outings)
		b.Deductions = history.For(k)
		for _, e := range b.Deductions {
			b.DeductedMinutes += e.Minutes
		}
		out = append(out, *b)
	}
	return out
}

func vacationBlocks(vacations []attendance.VacationRecord, resolver deduction.Resolver) []VacationBlock {
	byEmployee := make(map[string][]attendance.VacationRecord)
	for _, v := range vacations {
		key := resolver.Canonical(v.Applicant)
		byEmployee[key] = append(byEmployee[key], v)
	}

	keys := make([]string, 0, len(byEmployee))
	for k := range byEmployee {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]VacationBlock, 0, len(keys))
	for i, k := range keys {
		list := byEmployee[k]
		// undated vacations sort last
		sort.SliceStable(list, func(a, b int) bool {
			da, db := list[a].FirstDate(), list[b].FirstDate()
			if da.IsZero() != db.IsZero() {
				return !da.IsZero()
			}
			return da.Before(db)
		})

		block := VacationBlock{No: i + 1, Employee: k}
		total := 0.0
		for _, v := range list {
			days := v.Days()
			total += days
			block.Rows = append(block.Rows, VacationRow{
				DateRange:  v.DateRange(),
				Days:       days,
				Cumulative: total,
				Type:       v.VacationType,
			})
		}
		out = append(out, block)
	}
	return out
}

func sortByDate(records []attendance.AttendanceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].Date, records[j].Date
		if a.IsZero() != b.IsZero() {
			return !a.IsZero()
		}
		return a.Before(b)
	})
}

// FileName is the attachment name for a report dated reportDate (YYYYMMDD)
func FileName(reportDate string) string {
	return "근태_보고서_" + reportDate + ".xlsx"
}
