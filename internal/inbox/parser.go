package inbox

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/attendance-mail/attendance/internal/attendance"
)

const (
	// UnknownApplicant is used when neither the body nor the sender names anyone
	UnknownApplicant = "미상"
	// NoReason is used when the body has no reason label
	NoReason = "사유 미기재"

	maxReasonRunes  = 200
	maxRangeDays    = 30
	maxVacationDays = 30
)

// ExtractedInfo contains the structured fields read from one email body
type ExtractedInfo struct {
	Applicant    string
	Dates        []attendance.Date // ascending, no duplicates
	Reason       string
	TimeRange    *attendance.TimeRange
	VacationType string   // empty when no type was found
	VacationDays *float64 // nil when the body states no day count
}

// rule pairs a pattern with the function that turns its submatches into a
// value. Rules are evaluated in order and the first accepted value wins.
type rule[T any] struct {
	pattern *regexp.Regexp
	extract func(m []string) (T, bool)
}

// firstMatch returns the value of the first rule whose leftmost match is
// accepted by its extractor.
func firstMatch[T any](rules []rule[T], text string) (T, bool) {
	for _, r := range rules {
		m := r.pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if v, ok := r.extract(m); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func group1(m []string) (string, bool) {
	s := strings.TrimSpace(m[1])
	return s, s != ""
}

var applicantRules = []rule[string]{
	// Latin captures first: a body that spells the reporter in English wins
	{regexp.MustCompile(`신고자\s*[:\-]?\s*([A-Za-z]+)`), group1},
	{regexp.MustCompile(`신청자\s*[:\-]?\s*([A-Za-z]+)`), group1},
	{regexp.MustCompile(`신고자\s*[:\-]?\s*([가-힣]{2,4})`), group1},
	{regexp.MustCompile(`신청자\s*[:\-]?\s*([가-힣]{2,4})`), group1},
	{regexp.MustCompile(`성명\s*[:\-]?\s*([가-힣]{2,4})`), group1},
	{regexp.MustCompile(`이름\s*[:\-]?\s*([가-힣]{2,4})`), group1},
	{regexp.MustCompile(`작성자\s*[:\-]?\s*([가-힣]{2,4})`), group1},
	{regexp.MustCompile(`성\s*명\s*[:\-]?\s*([가-힣]{2,4})`), group1},
}

var (
	trailingAddress = regexp.MustCompile(`\s*[<(\[]\s*[^<>()\[\]\s]+@[^<>()\[\]\s]+\s*[>)\]]\s*$`)
	leadingHangul   = regexp.MustCompile(`^[가-힣]+`)
)

var phoneNumber = regexp.MustCompile(`0\d{2}[-.\s]?\d{3,4}[-.\s]?\d{4}`)

const dateEndpoint = `\d{4}[년.\-/]?\s*\d{1,2}[월.\-/]?\s*\d{1,2}[일]?`

var (
	dateRange   = regexp.MustCompile(`(` + dateEndpoint + `)\s*[~\-]\s*(` + dateEndpoint + `)`)
	endpointYMD = regexp.MustCompile(`(\d{4})[년.\-/]?\s*(\d{1,2})[월.\-/]?\s*(\d{1,2})`)
	endpointMD  = regexp.MustCompile(`(\d{1,2})[월.\-/]\s*(\d{1,2})`)
)

// Single-date families, most specific first. Only the first valid date of
// the first productive family is kept.
var (
	dateYMDWords = regexp.MustCompile(`(\d{4})\s*년\s*(\d{1,2})\s*월\s*(\d{1,2})\s*일`)
	dateYMD      = regexp.MustCompile(`(\d{4})[년.\-/]?\s*(\d{1,2})[월.\-/]?\s*(\d{1,2})[일]?`)
	dateMD       = regexp.MustCompile(`(\d{1,2})[월.\-/]\s*(\d{1,2})[일]?`)
)

var (
	timeClockWords = regexp.MustCompile(`(\d{1,2})[시:]\s*(\d{0,2})[분]?\s*[~\-]\s*(\d{1,2})[시:]\s*(\d{0,2})[분]?`)
	timeColon      = regexp.MustCompile(`(\d{1,2}):(\d{2})\s*[~\-]\s*(\d{1,2}):(\d{2})`)
	timeMeridiem   = regexp.MustCompile(`(오전|오후)\s*(\d{1,2})[시]\s*[~\-]\s*(오전|오후)\s*(\d{1,2})[시]`)
)

var timeRules = []rule[attendance.TimeRange]{
	{timeClockWords, numericTimeRange},
	{timeColon, numericTimeRange},
	{timeMeridiem, meridiemTimeRange},
}

var reasonRules = []rule[string]{
	{regexp.MustCompile(`(?m)사유\s*[:\-]?\s*(.+?)(?:\n|$)`), group1},
	{regexp.MustCompile(`(?m)내용\s*[:\-]?\s*(.+?)(?:\n|$)`), group1},
	{regexp.MustCompile(`(?m)비고\s*[:\-]?\s*(.+?)(?:\n|$)`), group1},
	{regexp.MustCompile(`(?m)사\s*유\s*[:\-]?\s*(.+?)(?:\n|$)`), group1},
}

var vacationTypeRules = []rule[string]{
	{regexp.MustCompile(`(연차|반차|오전반차|오후반차|반반차|병가|경조사|공가|특별휴가|연차휴가|반차휴가)`), group1},
	{regexp.MustCompile(`휴가\s*종류\s*[:\-]?\s*(\S+)`), group1},
	{regexp.MustCompile(`휴가종류\s*[:\-]?\s*(\S+)`), group1},
}

var vacationDaysRules = []rule[float64]{
	{regexp.MustCompile(`휴가\s*일수\s*[:\-]?\s*(\d+(?:\.\d+)?)\s*일`), dayCount},
	{regexp.MustCompile(`휴가일수\s*[:\-]?\s*(\d+(?:\.\d+)?)\s*일`), dayCount},
	{regexp.MustCompile(`일\s*수\s*[:\-]?\s*(\d+(?:\.\d+)?)\s*일`), dayCount},
	{regexp.MustCompile(`일수\s*[:\-]?\s*(\d+(?:\.\d+)?)\s*일`), dayCount},
	{regexp.MustCompile(`(\d+(?:\.\d+)?)\s*일\s*(?:사용|신청|휴가)`), dayCount},
	{regexp.MustCompile(`총\s*(\d+(?:\.\d+)?)\s*일`), dayCount},
}

// Parser extracts structured fields from request email bodies.
// The zero value uses the wall clock.
type Parser struct {
	// Now anchors the "current year" used to judge and complete dates
	Now func() time.Time
}

// NewParser creates a parser that uses the wall clock
func NewParser() *Parser {
	return &Parser{Now: time.Now}
}

func (p *Parser) now() time.Time {
	if p == nil || p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// Parse reads applicant, dates, time range, reason and vacation fields from
// a plain-text body. The subject is only consulted for the vacation type.
func (p *Parser) Parse(body, senderName, subject string) ExtractedInfo {
	info := ExtractedInfo{
		Applicant: extractApplicant(body, senderName),
		Dates:     p.extractDates(body),
		Reason:    extractReason(body),
	}

	if tr, ok := firstMatch(timeRules, body); ok {
		info.TimeRange = &tr
	}

	if vtype, ok := firstMatch(vacationTypeRules, subject); ok {
		info.VacationType = vtype
	} else if vtype, ok := firstMatch(vacationTypeRules, body); ok {
		info.VacationType = vtype
	}

	if days, ok := firstMatch(vacationDaysRules, body); ok {
		info.VacationDays = &days
	}

	return info
}

func extractApplicant(body, senderName string) string {
	if name, ok := firstMatch(applicantRules, body); ok {
		return name
	}

	// "홍길동 <hong@company.com>" style display names
	sender := strings.TrimSpace(trailingAddress.ReplaceAllString(senderName, ""))
	if name := leadingHangul.FindString(sender); name != "" {
		return name
	}
	if before, _, _ := strings.Cut(sender, "<"); strings.TrimSpace(before) != "" {
		return strings.TrimSpace(before)
	}

	return UnknownApplicant
}

func (p *Parser) extractDates(body string) []attendance.Date {
	currentYear := p.now().Year()
	clean := phoneNumber.ReplaceAllString(body, "")

	if dates := rangeDates(clean, currentYear); len(dates) > 0 {
		return dates
	}

	for _, pattern := range []*regexp.Regexp{dateYMDWords, dateYMD, dateMD} {
		for _, m := range pattern.FindAllStringSubmatch(clean, -1) {
			if d, ok := singleDate(m, currentYear); ok {
				return []attendance.Date{d}
			}
		}
	}

	return nil
}

// rangeDates materializes "start ~ end" into consecutive days, capped
func rangeDates(body string, currentYear int) []attendance.Date {
	m := dateRange.FindStringSubmatch(body)
	if m == nil {
		return nil
	}

	start, ok := parseEndpoint(m[1], currentYear)
	if !ok || !reasonableYear(start.Year, currentYear) {
		return nil
	}
	end, ok := parseEndpoint(m[2], currentYear)
	if !ok || !reasonableYear(end.Year, currentYear) {
		return nil
	}

	var dates []attendance.Date
	for d := start; !d.After(end) && len(dates) < maxRangeDays; d = d.AddDays(1) {
		dates = append(dates, d)
	}
	return dates
}

func parseEndpoint(s string, currentYear int) (attendance.Date, bool) {
	if m := endpointYMD.FindStringSubmatch(s); m != nil {
		if d, ok := attendance.NewDate(atoi(m[1]), time.Month(atoi(m[2])), atoi(m[3])); ok {
			return d, true
		}
	}
	if m := endpointMD.FindStringSubmatch(s); m != nil {
		return attendance.NewDate(currentYear, time.Month(atoi(m[1])), atoi(m[2]))
	}
	return attendance.Date{}, false
}

// singleDate validates one year-month-day or month-day submatch
func singleDate(m []string, currentYear int) (attendance.Date, bool) {
	var d attendance.Date
	var ok bool

	switch len(m) {
	case 4:
		year := atoi(m[1])
		if !reasonableYear(year, currentYear) {
			return attendance.Date{}, false
		}
		d, ok = attendance.NewDate(year, time.Month(atoi(m[2])), atoi(m[3]))
	case 3:
		d, ok = attendance.NewDate(currentYear, time.Month(atoi(m[1])), atoi(m[2]))
	}

	if !ok || !reasonableYear(d.Year, currentYear) {
		return attendance.Date{}, false
	}
	return d, true
}

func reasonableYear(year, currentYear int) bool {
	return year >= currentYear-1 && year <= currentYear+1
}

func numericTimeRange(m []string) (attendance.TimeRange, bool) {
	return clockRange(atoi(m[1]), atoi(m[2]), atoi(m[3]), atoi(m[4]))
}

// meridiemTimeRange converts 오후 hours by adding 12, except 12 itself which
// is never adjusted in either direction.
func meridiemTimeRange(m []string) (attendance.TimeRange, bool) {
	startHour, endHour := atoi(m[2]), atoi(m[4])
	if m[1] == "오후" && startHour != 12 {
		startHour += 12
	}
	if m[3] == "오후" && endHour != 12 {
		endHour += 12
	}
	return clockRange(startHour, 0, endHour, 0)
}

func clockRange(startHour, startMin, endHour, endMin int) (attendance.TimeRange, bool) {
	start, ok := attendance.NewClock(startHour, startMin)
	if !ok {
		return attendance.TimeRange{}, false
	}
	end, ok := attendance.NewClock(endHour, endMin)
	if !ok {
		return attendance.TimeRange{}, false
	}
	return attendance.TimeRange{Start: start, End: end}, true
}

func extractReason(body string) string {
	reason, ok := firstMatch(reasonRules, body)
	if !ok {
		return NoReason
	}
	if r := []rune(reason); len(r) > maxReasonRunes {
		reason = string(r[:maxReasonRunes]) + "..."
	}
	return reason
}

func dayCount(m []string) (float64, bool) {
	days, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return days, days >= attendance.QuarterDay && days <= maxVacationDays
}

// atoi parses a submatch; empty groups (optional minutes) read as zero
func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
