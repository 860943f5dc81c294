package deduction

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/attendance-mail/attendance/internal/attendance"
	"github.com/attendance-mail/attendance/internal/inbox"
	"github.com/attendance-mail/attendance/internal/logger"
)

// NoticeMarker identifies deduction notices among attendance emails
const NoticeMarker = "휴가차감"

var (
	// "[근태공유] Gildong(0.25일, 휴가차감)"; the name may be unmapped Hangul
	noticeName    = regexp.MustCompile(`\[근태공유\]\s*([^\s(]+)\s*\(`)
	noticeMinutes = regexp.MustCompile(`시간[:\s]*(\d+)\s*분`)
)

// Entry is one previously sent deduction
type Entry struct {
	Employee string
	Date     attendance.Date
	Minutes  int
}

type entryKey struct {
	employee string
	date     attendance.Date
}

// History holds at most one entry per (employee, date). The first entry
// added for a key wins.
type History struct {
	entries []Entry
	seen    map[entryKey]bool
}

func NewHistory() *History {
	return &History{seen: make(map[entryKey]bool)}
}

// Add records e unless an entry for the same employee and date exists
func (h *History) Add(e Entry) bool {
	k := entryKey{employee: e.Employee, date: e.Date}
	if h.seen[k] {
		return false
	}
	h.seen[k] = true
	h.entries = append(h.entries, e)
	return true
}

// Deducted sums minutes already deducted for employee. A nil History has
// no entries.
func (h *History) Deducted(employee string) int {
	if h == nil {
		return 0
	}
	total := 0
	for _, e := range h.entries {
		if e.Employee == employee {
			total += e.Minutes
		}
	}
	return total
}

// Entries returns a copy of all entries ordered by date then employee
func (h *History) Entries() []Entry {
	if h == nil {
		return nil
	}
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Employee < out[j].Employee
	})
	return out
}

// For returns the entries of one employee in date order
func (h *History) For(employee string) []Entry {
	var out []Entry
	for _, e := range h.Entries() {
		if e.Employee == employee {
			out = append(out, e)
		}
	}
	return out
}

// On returns the entries dated d
func (h *History) On(d attendance.Date) []Entry {
	var out []Entry
	for _, e := range h.Entries() {
		if e.Date == d {
			out = append(out, e)
		}
	}
	return out
}

// Clone returns an independent copy
func (h *History) Clone() *History {
	c := NewHistory()
	if h == nil {
		return c
	}
	for _, e := range h.entries {
		c.Add(e)
	}
	return c
}

func (h *History) Len() int {
	if h == nil {
		return 0
	}
	return len(h.entries)
}

// Notice is a sent deduction email as read back from the mailbox
type Notice struct {
	Subject    string
	Body       string // HTML or plain text
	ReceivedAt time.Time
}

// ParseNotice extracts an entry from one notice. Dates are taken from the
// received time in loc.
func ParseNotice(n Notice, loc *time.Location) (Entry, bool) {
	if !strings.Contains(n.Subject, NoticeMarker) {
		return Entry{}, false
	}
	m := noticeName.FindStringSubmatch(n.Subject)
	if m == nil {
		return Entry{}, false
	}

	mm := noticeMinutes.FindStringSubmatch(inbox.PlainBody(n.Body))
	if mm == nil {
		return Entry{}, false
	}
	minutes, err := strconv.Atoi(mm[1])
	if err != nil {
		return Entry{}, false
	}

	if loc == nil {
		loc = time.Local
	}
	received := n.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}

	return Entry{
		Employee: m[1],
		Date:     attendance.DateOf(received.In(loc)),
		Minutes:  minutes,
	}, true
}

// Replay rebuilds history from notices. Notices are scanned most recent
// first and the first one seen for an (employee, date) pair wins, so the
// result does not depend on the order notices are passed in.
func Replay(notices []Notice, loc *time.Location) *History {
	sorted := make([]Notice, len(notices))
	copy(sorted, notices)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ReceivedAt.After(sorted[j].ReceivedAt)
	})

	h := NewHistory()
	for _, n := range sorted {
		e, ok := ParseNotice(n, loc)
		if !ok {
			continue
		}
		if h.Add(e) {
			logger.Log.WithField("employee", e.Employee).
				WithField("date", e.Date.String()).
				WithField("minutes", e.Minutes).
				Debug("previous deduction found")
		}
	}
	logger.Log.WithField("entries", h.Len()).Info("deduction history replayed")
	return h
}
