package report

import (
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/width"

	"github.com/attendance-mail/attendance/internal/attendance"
	"github.com/attendance-mail/attendance/internal/deduction"
)

const (
	SheetAttendance = "근태공유"
	SheetVacation   = "휴가신고"
	SheetSummary    = "요약"

	minColumnWidth = 10
	maxColumnWidth = 50
)

var (
	attendanceHeaders = []string{
		"이름",
		"출근지연-일자", "출근지연-시간(분)",
		"조기퇴근-일자", "조기퇴근-시간(분)",
		"외출-일자", "외출-시간(분)",
		"휴가차감-일자", "차감시간",
		"누계",
	}
	vacationHeaders = []string{"No", "이름", "휴가일자", "휴가일수", "누적"}
	summaryHeaders  = []string{"구분", "건수"}
)

type styles struct {
	header int
	cell   int
	label  int
	total  int
	title  int
}

func newStyles(f *excelize.File) (*styles, error) {
	border := []excelize.Border{
		{Type: "left", Color: "000000", Style: 1},
		{Type: "right", Color: "000000", Style: 1},
		{Type: "top", Color: "000000", Style: 1},
		{Type: "bottom", Color: "000000", Style: 1},
	}
	center := &excelize.Alignment{Horizontal: "center", Vertical: "center"}

	s := &styles{}
	defs := []struct {
		dst   *int
		style *excelize.Style
	}{
		{&s.header, &excelize.Style{
			Fill:      excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
			Font:      &excelize.Font{Bold: true, Color: "FFFFFF", Size: 11},
			Border:    border,
			Alignment: center,
		}},
		{&s.cell, &excelize.Style{Border: border, Alignment: center}},
		{&s.label, &excelize.Style{
			Fill:      excelize.Fill{Type: "pattern", Color: []string{"E2EFDA"}, Pattern: 1},
			Border:    border,
			Alignment: center,
		}},
		{&s.total, &excelize.Style{
			Fill:      excelize.Fill{Type: "pattern", Color: []string{"FFF2CC"}, Pattern: 1},
			Font:      &excelize.Font{Bold: true},
			Border:    border,
			Alignment: center,
		}},
		{&s.title, &excelize.Style{Font: &excelize.Font{Bold: true, Size: 14}, Alignment: center}},
	}

	for _, d := range defs {
		id, err := f.NewStyle(d.style)
		if err != nil {
			return nil, fmt.Errorf("failed to create cell style: %w", err)
		}
		*d.dst = id
	}
	return s, nil
}

// sheetWriter tracks content widths while writing so columns can be sized
type sheetWriter struct {
	f      *excelize.File
	sheet  string
	st     *styles
	widths map[int]int
	err    error
}

func (w *sheetWriter) set(col, row int, value any, style int) {
	if w.err != nil {
		return
	}
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		w.err = err
		return
	}
	if value != nil {
		if w.err = w.f.SetCellValue(w.sheet, cell, value); w.err != nil {
			return
		}
		w.widths[col] = max(w.widths[col], displayWidth(fmt.Sprint(value)))
	}
	w.err = w.f.SetCellStyle(w.sheet, cell, cell, style)
}

func (w *sheetWriter) headers(row int, headers []string) {
	for i, h := range headers {
		w.set(i+1, row, h, w.st.header)
	}
}

func (w *sheetWriter) merge(col, fromRow, toRow int) {
	if w.err != nil || toRow <= fromRow {
		return
	}
	from, _ := excelize.CoordinatesToCellName(col, fromRow)
	to, _ := excelize.CoordinatesToCellName(col, toRow)
	w.err = w.f.MergeCell(w.sheet, from, to)
}

func (w *sheetWriter) autoWidth(columns int) {
	for col := 1; col <= columns && w.err == nil; col++ {
		name, err := excelize.ColumnNumberToName(col)
		if err != nil {
			w.err = err
			return
		}
		wd := min(max(w.widths[col]+2, minColumnWidth), maxColumnWidth)
		w.err = w.f.SetColWidth(w.sheet, name, name, float64(wd))
	}
}

// displayWidth counts East Asian wide and fullwidth runes as two columns
func displayWidth(s string) int {
	n := 0
	for _, r := range s {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			n += 2
		default:
			n++
		}
	}
	return n
}

// WriteXLSX renders the report as an xlsx workbook
func WriteXLSX(r *Report) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetAttendance); err != nil {
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}
	for _, name := range []string{SheetVacation, SheetSummary} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, fmt.Errorf("failed to create sheet %s: %w", name, err)
		}
	}

	st, err := newStyles(f)
	if err != nil {
		return nil, err
	}

	writers := []struct {
		sheet string
		fn    func(*sheetWriter, *Report)
	}{
		{SheetAttendance, writeAttendance},
		{SheetVacation, writeVacations},
		{SheetSummary, writeSummary},
	}
	for _, wr := range writers {
		w := &sheetWriter{f: f, sheet: wr.sheet, st: st, widths: make(map[int]int)}
		wr.fn(w, r)
		if w.err != nil {
			return nil, fmt.Errorf("failed to write sheet %s: %w", wr.sheet, w.err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeAttendance(w *sheetWriter, r *Report) {
	w.headers(1, attendanceHeaders)

	row := 2
	for _, b := range r.Employees {
		start := row
		for i := 0; i < b.Rows(); i++ {
			cells := make([]any, len(attendanceHeaders))
			if i == 0 {
				cells[0] = b.Employee
				cells[9] = b.Remaining()
			}
			putRecord(cells, 1, b.LateArrivals, i)
			putRecord(cells, 3, b.EarlyLeaves, i)
			putRecord(cells, 5, b.Outings, i)
			if i < len(b.Deductions) {
				cells[7] = b.Deductions[i].Date.String()
				cells[8] = b.Deductions[i].Minutes
			}
			for col, v := range cells {
				w.set(col+1, row, v, w.st.cell)
			}
			row++
		}
		w.merge(1, start, row-1)
		w.merge(10, start, row-1)
	}
	w.autoWidth(len(attendanceHeaders))
}

func putRecord(cells []any, col int, records []attendance.AttendanceRecord, i int) {
	if i >= len(records) {
		return
	}
	cells[col] = records[i].Date.String()
	cells[col+1] = records[i].Minutes()
}

func writeVacations(w *sheetWriter, r *Report) {
	w.headers(1, vacationHeaders)

	row := 2
	for _, b := range r.Vacations {
		start := row
		for i, v := range b.Rows {
			var no, name any
			if i == 0 {
				no, name = b.No, b.Employee
			}
			w.set(1, row, no, w.st.cell)
			w.set(2, row, name, w.st.cell)
			w.set(3, row, v.DateRange, w.st.cell)
			w.set(4, row, v.Days, w.st.cell)
			w.set(5, row, v.Cumulative, w.st.cell)
			row++
		}
		w.merge(1, start, row-1)
		w.merge(2, start, row-1)
	}
	w.autoWidth(len(vacationHeaders))
}

func writeSummary(w *sheetWriter, r *Report) {
	if w.err = w.f.MergeCell(w.sheet, "A1", "B1"); w.err != nil {
		return
	}
	w.set(1, 1, fmt.Sprintf("휴가/근태 보고서 (%s)", r.Date), w.st.title)
	w.headers(3, summaryHeaders)

	c := r.Counts
	rows := []struct {
		label string
		count int
	}{
		{string(attendance.CategoryVacation), c.Vacations},
		{string(attendance.SubtypeLateArrival), c.LateArrivals},
		{string(attendance.SubtypeOuting), c.Outings},
		{string(attendance.SubtypeEarlyLeave), c.EarlyLeaves},
	}

	row := 4
	total := 0
	for _, s := range rows {
		w.set(1, row, s.label, w.st.label)
		w.set(2, row, s.count, w.st.cell)
		total += s.count
		row++
	}
	w.set(1, row, "총계", w.st.total)
	w.set(2, row, total, w.st.total)
	row++
	w.set(1, row, string(attendance.CategoryUnknown), w.st.label)
	w.set(2, row, c.Unclassified, w.st.cell)
	row++

	due := deduction.Due(r.Deductions)
	w.set(1, row, deduction.NoticeMarker, w.st.label)
	w.set(2, row, len(due), w.st.cell)
	for _, d := range due {
		row++
		w.set(1, row, d.Employee, w.st.cell)
		w.set(2, row, deduction.FormatDays(d.Days)+"일 ("+strconv.Itoa(d.DeductedMinutes)+"분)", w.st.cell)
	}

	w.autoWidth(len(summaryHeaders))
}
