package notify

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/attendance-mail/attendance/internal/attendance"
	"github.com/attendance-mail/attendance/internal/deduction"
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

const (
	templateDeduction = "deduction"
	templateSummary   = "summary"

	generatedAtLayout = "2006년 01월 02일 15:04"
)

// Email is a rendered notification ready to send
type Email struct {
	Subject  string
	HTMLBody string
}

// Cell is one date/minutes pair in the breakdown table; empty when the
// column has fewer entries than the longest one.
type Cell struct {
	Date    string
	Minutes string
}

// BreakdownRow is one line of the deduction notice table
type BreakdownRow struct {
	Late   Cell
	Early  Cell
	Outing Cell
}

// DeductionData contains the data available to the deduction template
type DeductionData struct {
	Name    string
	Date    string
	Minutes int
	Days    string
	Rows    []BreakdownRow
}

// DayRow is one weekday line of the weekly deduction table
type DayRow struct {
	Weekday string
	Date    string
	Count   int
	Names   string
}

// SummaryData contains the data available to the report template
type SummaryData struct {
	GeneratedAt string
	Counts      attendance.Counts
	Week        []DayRow
}

// Engine handles notification rendering
type Engine struct {
	templates map[string]*template.Template
}

// NewEngine parses the embedded templates
func NewEngine() (*Engine, error) {
	e := &Engine{
		templates: make(map[string]*template.Template),
	}

	for _, name := range []string{templateDeduction, templateSummary} {
		content, err := embeddedTemplates.ReadFile("templates/" + name + ".html.tmpl")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded template %s: %w", name, err)
		}

		tmpl, err := template.New(name).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}

		e.templates[name] = tmpl
	}

	return e, nil
}

func (e *Engine) render(name string, data any) (string, error) {
	tmpl, ok := e.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown template: %s", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return buf.String(), nil
}

// DeductionSubject is "[근태공유] {name}({days}일, 휴가차감)". Replay reads the
// name back out of this subject.
func DeductionSubject(name string, days float64) string {
	return fmt.Sprintf("[근태공유] %s(%s일, %s)", name, deduction.FormatDays(days), deduction.NoticeMarker)
}

// Deduction renders the notice for one decision dated on
func (e *Engine) Deduction(d deduction.Decision, on attendance.Date) (*Email, error) {
	body, err := e.render(templateDeduction, DeductionData{
		Name:    d.Employee,
		Date:    on.String(),
		Minutes: d.DeductedMinutes,
		Days:    deduction.FormatDays(d.Days),
		Rows:    Breakdown(d.Records),
	})
	if err != nil {
		return nil, err
	}

	return &Email{
		Subject:  DeductionSubject(d.Employee, d.Days),
		HTMLBody: body,
	}, nil
}

// Breakdown lays the records out in three side-by-side columns. There is
// always at least one row.
func Breakdown(records []attendance.AttendanceRecord) []BreakdownRow {
	var late, early, outing []Cell
	for _, r := range records {
		c := Cell{Date: r.Date.String(), Minutes: fmt.Sprint(r.Minutes())}
		switch r.Subtype {
		case attendance.SubtypeLateArrival:
			late = append(late, c)
		case attendance.SubtypeEarlyLeave:
			early = append(early, c)
		case attendance.SubtypeOuting:
			outing = append(outing, c)
		}
	}

	n := max(len(late), len(early), len(outing), 1)
	rows := make([]BreakdownRow, n)
	for i := range rows {
		rows[i] = BreakdownRow{Late: cellAt(late, i), Early: cellAt(early, i), Outing: cellAt(outing, i)}
	}
	return rows
}

func cellAt(cells []Cell, i int) Cell {
	if i < len(cells) {
		return cells[i]
	}
	return Cell{}
}

// ReportSubject is "[근태 보고서] YYYYMMDD"
func ReportSubject(reportDate string) string {
	return "[근태 보고서] " + reportDate
}

// Summary renders the report email body
func (e *Engine) Summary(reportDate string, generatedAt time.Time, counts attendance.Counts, week []DayRow) (*Email, error) {
	body, err := e.render(templateSummary, SummaryData{
		GeneratedAt: generatedAt.Format(generatedAtLayout),
		Counts:      counts,
		Week:        week,
	})
	if err != nil {
		return nil, err
	}
	return &Email{Subject: ReportSubject(reportDate), HTMLBody: body}, nil
}

var weekdayNames = [...]string{"일", "월", "화", "수", "목", "금", "토"}

// WeekOf returns Monday through Friday of the week containing d
func WeekOf(d attendance.Date) []attendance.Date {
	offset := (int(d.Weekday()) + 6) % 7
	monday := d.AddDays(-offset)
	week := make([]attendance.Date, 5)
	for i := range week {
		week[i] = monday.AddDays(i)
	}
	return week
}

// WeekRows builds the weekly table for the week containing today
func WeekRows(today attendance.Date, entries []deduction.Entry) []DayRow {
	byDate := make(map[attendance.Date][]deduction.Entry)
	for _, e := range entries {
		byDate[e.Date] = append(byDate[e.Date], e)
	}

	var rows []DayRow
	for _, d := range WeekOf(today) {
		day := byDate[d]
		names := "-"
		if len(day) > 0 {
			parts := make([]string, len(day))
			for i, e := range day {
				parts[i] = fmt.Sprintf("%s(%d분)", e.Employee, e.Minutes)
			}
			names = strings.Join(parts, ", ")
		}
		rows = append(rows, DayRow{
			Weekday: weekdayNames[d.Weekday()],
			Date:    fmt.Sprintf("%02d/%02d", int(d.Month), d.Day),
			Count:   len(day),
			Names:   names,
		})
	}
	return rows
}
