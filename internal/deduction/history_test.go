package deduction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attendance-mail/attendance/internal/attendance"
)

var seoul = time.FixedZone("KST", 9*60*60)

func TestParseNotice(t *testing.T) {
	n := Notice{
		Subject:    "[근태공유] Gildong(0.25일, 휴가차감)",
		Body:       "<div>1. 신고자: Gildong</div><div>4. 시간: 120분 (0.25일)</div><table><tr><td>출근지연-시간(분)</td></tr></table>",
		ReceivedAt: time.Date(2024, 1, 15, 16, 0, 0, 0, time.UTC),
	}

	e, ok := ParseNotice(n, seoul)
	require.True(t, ok)
	assert.Equal(t, "Gildong", e.Employee)
	assert.Equal(t, 120, e.Minutes)
	// 16:00 UTC is already the next day in Seoul
	assert.Equal(t, attendance.MustDate(2024, time.January, 16), e.Date)
}

func TestParseNoticeRejects(t *testing.T) {
	tests := []struct {
		name string
		n    Notice
	}{
		{"not a deduction", Notice{Subject: "[근태공유] 홍길동 외출", Body: "시간: 60분"}},
		{"no name", Notice{Subject: "휴가차감 안내", Body: "시간: 60분"}},
		{"no minutes", Notice{Subject: "[근태공유] Gildong(0.25일, 휴가차감)", Body: "내용 없음"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ParseNotice(tt.n, seoul)
			assert.False(t, ok)
		})
	}
}

func TestParseNoticePlainTextBody(t *testing.T) {
	e, ok := ParseNotice(Notice{
		Subject:    "RE: [근태공유] 홍길동 (0.5일, 휴가차감)",
		Body:       "4. 시간 240 분",
		ReceivedAt: time.Date(2024, 1, 15, 9, 0, 0, 0, seoul),
	}, seoul)
	require.True(t, ok)
	assert.Equal(t, "홍길동", e.Employee)
	assert.Equal(t, 240, e.Minutes)
}

func TestReplayKeepsMostRecentNoticePerDay(t *testing.T) {
	day := func(h int) time.Time { return time.Date(2024, 1, 15, h, 0, 0, 0, seoul) }
	notices := []Notice{
		{Subject: "[근태공유] Gildong(0.25일, 휴가차감)", Body: "시간: 120분", ReceivedAt: day(10)},
		{Subject: "[근태공유] Gildong(0.5일, 휴가차감)", Body: "시간: 240분", ReceivedAt: day(18)},
		{Subject: "[근태공유] Gildong(0.25일, 휴가차감)", Body: "시간: 120분", ReceivedAt: day(18).AddDate(0, 0, -1)},
		{Subject: "[근태공유] Chulsoo(0.25일, 휴가차감)", Body: "시간: 120분", ReceivedAt: day(12)},
		{Subject: "[근태 보고서] 20240115", Body: "시간: 999분", ReceivedAt: day(19)},
	}

	h := Replay(notices, seoul)
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, 360, h.Deducted("Gildong"))
	assert.Equal(t, 120, h.Deducted("Chulsoo"))
	assert.Equal(t, 0, h.Deducted("Younghee"))

	today := h.On(attendance.MustDate(2024, time.January, 15))
	require.Len(t, today, 2)
	assert.Equal(t, "Chulsoo", today[0].Employee)
	assert.Equal(t, 240, today[1].Minutes)

	gildong := h.For("Gildong")
	require.Len(t, gildong, 2)
	assert.True(t, gildong[0].Date.Before(gildong[1].Date))
}

func TestReplayIsOrderIndependent(t *testing.T) {
	a := Notice{Subject: "[근태공유] Gildong(0.25일, 휴가차감)", Body: "시간: 120분", ReceivedAt: time.Date(2024, 1, 15, 10, 0, 0, 0, seoul)}
	b := Notice{Subject: "[근태공유] Gildong(0.5일, 휴가차감)", Body: "시간: 240분", ReceivedAt: time.Date(2024, 1, 15, 18, 0, 0, 0, seoul)}

	assert.Equal(t, Replay([]Notice{a, b}, seoul).Entries(), Replay([]Notice{b, a}, seoul).Entries())
}

func TestHistoryAddAndClone(t *testing.T) {
	d := attendance.MustDate(2024, time.January, 15)
	h := NewHistory()
	assert.True(t, h.Add(Entry{Employee: "Gildong", Date: d, Minutes: 120}))
	assert.False(t, h.Add(Entry{Employee: "Gildong", Date: d, Minutes: 480}))

	c := h.Clone()
	c.Add(Entry{Employee: "Gildong", Date: d.AddDays(1), Minutes: 120})
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 2, c.Len())

	var nilHistory *History
	assert.Equal(t, 0, nilHistory.Deducted("Gildong"))
	assert.Equal(t, 0, nilHistory.Len())
	assert.Equal(t, 0, nilHistory.Clone().Len())
}
