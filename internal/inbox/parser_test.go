package inbox

import (
	"strings"
	"testing"
	"time"

	"github.com/attendance-mail/attendance/internal/attendance"
)

func testParser() *Parser {
	return &Parser{Now: func() time.Time {
		return time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)
	}}
}

func dates(ds ...attendance.Date) []attendance.Date { return ds }

func equalDates(a, b []attendance.Date) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestParseApplicantAndDate(t *testing.T) {
	info := testParser().Parse("신청자: 홍길동\n날짜: 2024년 1월 15일", "", "")

	if info.Applicant != "홍길동" {
		t.Errorf("applicant: got %q, want 홍길동", info.Applicant)
	}
	if want := dates(attendance.MustDate(2024, 1, 15)); !equalDates(info.Dates, want) {
		t.Errorf("dates: got %v, want %v", info.Dates, want)
	}
	if info.Reason != NoReason {
		t.Errorf("reason: got %q, want %q", info.Reason, NoReason)
	}
}

func TestParseApplicant(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		sender   string
		expected string
	}{
		{"latin reporter", "신고자: Janice\n사유: 병원", "", "Janice"},
		{"latin before hangul for same label", "신고자: 홍길동\n신청자: Janice", "", "Janice"},
		{"hangul reporter", "신고자 - 김철수", "", "김철수"},
		{"name label", "성명: 이영희", "", "이영희"},
		{"spaced name label", "성 명 : 박민수", "", "박민수"},
		{"author label", "작성자: 최수진", "", "최수진"},
		{"sender with address", "내용 없음", "홍길동 <hong@company.com>", "홍길동"},
		{"sender with bracketed address", "", "홍길동 [hong@company.com]", "홍길동"},
		{"latin sender", "", "Janice Kim <janice@company.com>", "Janice Kim"},
		{"no name anywhere", "출근지연", "", UnknownApplicant},
		{"address only sender", "", "<hong@company.com>", UnknownApplicant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := testParser().Parse(tt.body, tt.sender, "")
			if info.Applicant != tt.expected {
				t.Errorf("got %q, want %q", info.Applicant, tt.expected)
			}
		})
	}
}

func TestParseDates(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected []attendance.Date
	}{
		{
			name:     "dotted range",
			body:     "휴가기간: 2024.1.15 ~ 2024.1.17",
			expected: dates(attendance.MustDate(2024, 1, 15), attendance.MustDate(2024, 1, 16), attendance.MustDate(2024, 1, 17)),
		},
		{
			name:     "korean range across month",
			body:     "2024년 1월 31일 ~ 2024년 2월 2일",
			expected: dates(attendance.MustDate(2024, 1, 31), attendance.MustDate(2024, 2, 1), attendance.MustDate(2024, 2, 2)),
		},
		{
			name:     "spaced korean words",
			body:     "일자: 2024 년 3 월 4 일",
			expected: dates(attendance.MustDate(2024, 3, 4)),
		},
		{
			name:     "dashed date",
			body:     "일자: 2024-05-20",
			expected: dates(attendance.MustDate(2024, 5, 20)),
		},
		{
			name:     "month-day assumes current year",
			body:     "일자: 3월 4일",
			expected: dates(attendance.MustDate(2024, 3, 4)),
		},
		{
			name:     "only first single date is kept",
			body:     "일자: 2024년 3월 4일, 2024년 3월 6일",
			expected: dates(attendance.MustDate(2024, 3, 4)),
		},
		{
			name:     "year too far away is skipped",
			body:     "입사 2019년 3월 4일, 요청 2024년 5월 2일",
			expected: dates(attendance.MustDate(2024, 5, 2)),
		},
		{
			name:     "invalid day is skipped",
			body:     "2024년 2월 30일 아니고 2024년 2월 28일",
			expected: dates(attendance.MustDate(2024, 2, 28)),
		},
		{
			name:     "phone numbers are not dates",
			body:     "연락처 010-1234-5678",
			expected: nil,
		},
		{
			name:     "range outside one year falls back to single dates",
			body:     "2020.1.1 ~ 2020.1.3",
			expected: nil,
		},
		{
			name:     "reversed range yields nothing and falls back",
			body:     "2024.1.17 ~ 2024.1.15",
			expected: dates(attendance.MustDate(2024, 1, 17)),
		},
		{
			name:     "no date",
			body:     "오늘 출근이 늦어집니다",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := testParser().Parse(tt.body, "", "")
			if !equalDates(info.Dates, tt.expected) {
				t.Errorf("got %v, want %v", info.Dates, tt.expected)
			}
		})
	}
}

func TestParseDateRangeCap(t *testing.T) {
	info := testParser().Parse("2024.1.1 ~ 2024.3.31", "", "")
	if len(info.Dates) != 30 {
		t.Fatalf("got %d dates, want 30", len(info.Dates))
	}
	if info.Dates[29] != attendance.MustDate(2024, 1, 30) {
		t.Errorf("last date: got %s, want 2024-01-30", info.Dates[29])
	}
}

func TestParseTimeRange(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected *attendance.TimeRange
	}{
		{
			name:     "colon format",
			body:     "시간: 09:30 ~ 11:00",
			expected: &attendance.TimeRange{Start: attendance.Clock{Hour: 9, Minute: 30}, End: attendance.Clock{Hour: 11}},
		},
		{
			name:     "clock words",
			body:     "09시 30분 ~ 11시 00분",
			expected: &attendance.TimeRange{Start: attendance.Clock{Hour: 9, Minute: 30}, End: attendance.Clock{Hour: 11}},
		},
		{
			name:     "clock words without minutes",
			body:     "14시 ~ 16시",
			expected: &attendance.TimeRange{Start: attendance.Clock{Hour: 14}, End: attendance.Clock{Hour: 16}},
		},
		{
			name:     "dash separator",
			body:     "9:00-10:15 출근지연",
			expected: &attendance.TimeRange{Start: attendance.Clock{Hour: 9}, End: attendance.Clock{Hour: 10, Minute: 15}},
		},
		{
			name:     "am pm words",
			body:     "오전 9시 ~ 오후 2시",
			expected: &attendance.TimeRange{Start: attendance.Clock{Hour: 9}, End: attendance.Clock{Hour: 14}},
		},
		{
			name:     "pm twelve stays twelve",
			body:     "오후 12시 ~ 오후 3시",
			expected: &attendance.TimeRange{Start: attendance.Clock{Hour: 12}, End: attendance.Clock{Hour: 15}},
		},
		{
			name:     "am twelve stays twelve",
			body:     "오전 12시 ~ 오후 1시",
			expected: &attendance.TimeRange{Start: attendance.Clock{Hour: 12}, End: attendance.Clock{Hour: 13}},
		},
		{
			name:     "out of range hour is rejected",
			body:     "25:00 ~ 26:00",
			expected: nil,
		},
		{
			name:     "no time",
			body:     "출근지연 공유드립니다",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := testParser().Parse(tt.body, "", "")
			switch {
			case tt.expected == nil && info.TimeRange != nil:
				t.Errorf("got %v, want none", *info.TimeRange)
			case tt.expected != nil && info.TimeRange == nil:
				t.Errorf("got none, want %v", *tt.expected)
			case tt.expected != nil && *info.TimeRange != *tt.expected:
				t.Errorf("got %v, want %v", *info.TimeRange, *tt.expected)
			}
		})
	}
}

func TestParseReason(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected string
	}{
		{"reason label", "사유: 병원 진료\n시간: 09:00 ~ 10:00", "병원 진료"},
		{"content label", "내용 - 은행 업무", "은행 업무"},
		{"note label", "비고: 오후 복귀", "오후 복귀"},
		{"spaced label", "사 유 : 가족 행사", "가족 행사"},
		{"reason preferred over content", "내용: 외출\n사유: 관공서 방문", "관공서 방문"},
		{"missing", "출근지연", NoReason},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := testParser().Parse(tt.body, "", "")
			if info.Reason != tt.expected {
				t.Errorf("got %q, want %q", info.Reason, tt.expected)
			}
		})
	}
}

func TestParseReasonTruncates(t *testing.T) {
	long := strings.Repeat("가", 250)
	info := testParser().Parse("사유: "+long, "", "")

	want := strings.Repeat("가", 200) + "..."
	if info.Reason != want {
		t.Errorf("got %d runes, want 200 plus ellipsis", len([]rune(info.Reason)))
	}
}

func TestParseVacationType(t *testing.T) {
	tests := []struct {
		name     string
		subject  string
		body     string
		expected string
	}{
		{"subject wins", "[휴가신고] 홍길동 반차", "휴가 종류: 연차", "반차"},
		{"body vocabulary", "[휴가신고] 홍길동", "오전반차 사용합니다", "오전반차"},
		{"leftmost alternative", "[휴가신고] 홍길동", "연차휴가 신청", "연차"},
		{"explicit label", "[휴가신고] 홍길동", "휴가 종류: 보상휴가", "보상휴가"},
		{"none", "[휴가신고] 홍길동", "휴가 갑니다", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := testParser().Parse(tt.body, "", tt.subject)
			if info.VacationType != tt.expected {
				t.Errorf("got %q, want %q", info.VacationType, tt.expected)
			}
		})
	}
}

func TestParseVacationDays(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected float64 // 0 means none
	}{
		{"labeled", "휴가 일수: 2일", 2},
		{"labeled decimal", "휴가일수: 0.5일", 0.5},
		{"short label", "일수 : 3일", 3},
		{"usage phrase", "1.5일 사용 예정", 1.5},
		{"total phrase", "총 4일", 4},
		{"below quarter day", "휴가일수: 0.1일", 0},
		{"out of range falls through to next label", "휴가일수: 45일\n총 2일", 2},
		{"none", "연차 신청합니다", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := testParser().Parse(tt.body, "", "")
			if tt.expected == 0 {
				if info.VacationDays != nil {
					t.Errorf("got %v, want none", *info.VacationDays)
				}
				return
			}
			if info.VacationDays == nil {
				t.Fatalf("got none, want %v", tt.expected)
			}
			if *info.VacationDays != tt.expected {
				t.Errorf("got %v, want %v", *info.VacationDays, tt.expected)
			}
		})
	}
}

func TestTextFromHTML(t *testing.T) {
	html := `<html><head><style>p{color:red}</style></head><body>
<p>1. 신고자: 홍길동</p><div>2. 사유: 병원&nbsp;진료</div>
시간: 09:30<br>~ 11:00
<table><tr><td>출근지연</td><td>60</td></tr></table>
</body></html>`

	text := TextFromHTML(html)

	for _, want := range []string{"1. 신고자: 홍길동", "2. 사유: 병원 진료", "출근지연 60"} {
		if !strings.Contains(text, want) {
			t.Errorf("text %q does not contain %q", text, want)
		}
	}
	if strings.Contains(text, "color") {
		t.Errorf("style content leaked into %q", text)
	}

	info := testParser().Parse(text, "", "")
	if info.Applicant != "홍길동" || info.Reason != "병원 진료" {
		t.Errorf("got applicant %q reason %q", info.Applicant, info.Reason)
	}
}

func TestPlainBodyLeavesTextAlone(t *testing.T) {
	if got := PlainBody("사유: 병원\r\n\r\n시간: 09:00 ~ 10:00"); got != "사유: 병원\n시간: 09:00 ~ 10:00" {
		t.Errorf("got %q", got)
	}
}
