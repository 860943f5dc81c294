package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attendance-mail/attendance/internal/attendance"
	"github.com/attendance-mail/attendance/internal/config"
	"github.com/attendance-mail/attendance/internal/email"
	"github.com/attendance-mail/attendance/internal/history"
	"github.com/attendance-mail/attendance/internal/inbox"
	"github.com/attendance-mail/attendance/internal/logger"
	"github.com/attendance-mail/attendance/internal/mailbox"
)

var kst = time.FixedZone("KST", 9*60*60)

// 2024-01-17 is a Wednesday
var runTime = time.Date(2024, 1, 17, 18, 0, 0, 0, kst)

type fakeMailbox struct {
	folders map[string][]mailbox.Message
	err     error
	calls   []mailbox.FetchOptions
}

func (f *fakeMailbox) Fetch(ctx context.Context, opts mailbox.FetchOptions) ([]mailbox.Message, error) {
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return nil, f.err
	}
	var out []mailbox.Message
	for _, m := range f.folders[opts.Folder] {
		for _, s := range opts.SubjectContainsAny {
			if strings.Contains(m.Subject, s) {
				out = append(out, m)
				break
			}
		}
	}
	return out, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []email.Message
	fail map[string]bool // by first recipient
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) Send(ctx context.Context, msg email.Message) email.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(msg.To) > 0 && f.fail[msg.To[0]] {
		return email.Result{Error: errors.New("mailbox full")}
	}
	f.sent = append(f.sent, msg)
	return email.Result{Success: true, MessageID: "<id@example.com>"}
}

func (f *fakeSender) bySubject(prefix string) []email.Message {
	var out []email.Message
	for _, m := range f.sent {
		if strings.HasPrefix(m.Subject, prefix) {
			out = append(out, m)
		}
	}
	return out
}

type fakeDirectory map[string]string

func (d fakeDirectory) Canonical(name string) string {
	if v, ok := d[name]; ok {
		return v
	}
	return name
}

func (d fakeDirectory) Department(email string) string {
	if email == "hong@example.com" {
		return "개발팀"
	}
	return ""
}

type fakeStore struct {
	runs    map[string]*history.Run
	notices []history.Notice
}

func newFakeStore() *fakeStore { return &fakeStore{runs: make(map[string]*history.Run)} }

func (s *fakeStore) StartRun(r *history.Run) error {
	c := *r
	s.runs[r.ID] = &c
	return nil
}

func (s *fakeStore) FinishRun(r *history.Run) error {
	c := *r
	s.runs[r.ID] = &c
	return nil
}

func (s *fakeStore) AddNotice(n *history.Notice) error {
	s.notices = append(s.notices, *n)
	return nil
}

func request(subject, body string, at time.Time) mailbox.Message {
	return mailbox.Message{
		ID:          subject,
		Subject:     subject,
		Body:        body,
		SenderName:  "홍길동",
		SenderEmail: "hong@example.com",
		ReceivedAt:  at,
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Mailbox:   config.MailboxConfig{Folder: "근태", HistoryFolder: "근태", FetchLimit: 500},
		Report:    config.ReportConfig{Recipients: []string{"hr@example.com"}, CC: []string{"boss@example.com"}},
		Deduction: config.DeductionConfig{CC: []string{"lead@example.com"}, RecipientDomain: "example.com"},
		Location:  kst,
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config, mb *fakeMailbox, sender *fakeSender, store AuditStore) *Pipeline {
	t.Helper()
	logger.Silence()
	p, err := New(cfg, Deps{
		Mailbox:   mb,
		Sender:    sender,
		Directory: fakeDirectory{"홍길동": "Gildong", "김철수": "Chulsoo"},
		Store:     store,
		Now:       func() time.Time { return runTime },
	})
	require.NoError(t, err)
	return p
}

func standardFolder() []mailbox.Message {
	day := func(d, h int) time.Time { return time.Date(2024, 1, d, h, 0, 0, 0, kst) }
	return []mailbox.Message{
		request("[근태공유] 출근지연", "신청자: 홍길동\n날짜: 2024년 1월 15일\n출근지연\n시간: 09:00 ~ 11:00\n사유: 병원", day(15, 11)),
		request("[근태공유] 외출", "신청자: 홍길동\n날짜: 2024년 1월 16일\n외출\n시간: 13:00 ~ 14:30\n사유: 은행", day(16, 15)),
		request("[근태공유] 조기퇴근", "신청자: 김철수\n날짜: 2024년 1월 16일\n조기퇴근\n시간: 17:00 ~ 18:00", day(16, 18)),
		request("[휴가신고] 연차", "신청자: 홍길동\n날짜: 2024.1.19\n휴가 종류: 연차", day(17, 9)),
		request("[근태공유] 당직", "당직휴식 사용", day(17, 10)),
		request("주간 회의", "회의", day(17, 11)),
	}
}

func TestRunAllSendsNoticesAndReport(t *testing.T) {
	mb := &fakeMailbox{folders: map[string][]mailbox.Message{"근태": standardFolder()}}
	sender := &fakeSender{}
	store := newFakeStore()
	p := newTestPipeline(t, testConfig(), mb, sender, store)

	res, err := p.RunAll(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, attendance.Counts{Vacations: 1, LateArrivals: 1, Outings: 1, EarlyLeaves: 1, Unclassified: 1, Total: 5}, res.Counts)

	// Gildong has 210 minutes, Chulsoo 60
	require.Len(t, res.Deductions, 1)
	d := res.Deductions[0]
	assert.Equal(t, "Gildong", d.Employee)
	assert.Equal(t, "홍길동", d.DisplayName)
	assert.Equal(t, 210, d.TotalMinutes)
	assert.Equal(t, 0.25, d.Days)
	assert.Equal(t, 120, d.DeductedMinutes)
	assert.True(t, d.EmailSent)

	notices := sender.bySubject("[근태공유]")
	require.Len(t, notices, 1)
	assert.Equal(t, "[근태공유] Gildong(0.25일, 휴가차감)", notices[0].Subject)
	assert.Equal(t, []string{"gildong@example.com"}, notices[0].To)
	assert.Equal(t, []string{"lead@example.com"}, notices[0].Cc)
	assert.Contains(t, inbox.TextFromHTML(notices[0].HTMLBody), "4. 시간: 120분 (0.25일)")

	reports := sender.bySubject("[근태 보고서]")
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, "[근태 보고서] 20240117", r.Subject)
	assert.Equal(t, []string{"hr@example.com"}, r.To)
	require.NotNil(t, r.Attachment)
	assert.Equal(t, "근태_보고서_20240117.xlsx", r.Attachment.Name)
	assert.NotEmpty(t, r.Attachment.Bytes)
	assert.Contains(t, r.HTMLBody, "Gildong(120분)")
	assert.True(t, res.ReportSent)

	run := store.runs[res.RunID]
	require.NotNil(t, run)
	assert.True(t, run.Success)
	assert.Equal(t, 1, run.Deductions)
	require.Len(t, store.notices, 2)
	assert.Equal(t, history.KindDeduction, store.notices[0].Kind)
	assert.Equal(t, history.StatusSent, store.notices[0].Status)
	assert.Equal(t, history.KindReport, store.notices[1].Kind)
}

func TestRunDeductionsIsIdempotentAcrossRuns(t *testing.T) {
	folder := standardFolder()
	mb := &fakeMailbox{folders: map[string][]mailbox.Message{"근태": folder}}
	sender := &fakeSender{}
	p := newTestPipeline(t, testConfig(), mb, sender, nil)

	first, err := p.RunDeductions(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Deductions, 1)
	assert.False(t, first.ReportSent)
	assert.Empty(t, sender.bySubject("[근태 보고서]"))

	// the sent notice lands in the same folder
	sent := sender.sent[0]
	mb.folders["근태"] = append(folder, mailbox.Message{
		Subject:    sent.Subject,
		HTMLBody:   sent.HTMLBody,
		Body:       inbox.TextFromHTML(sent.HTMLBody),
		ReceivedAt: runTime,
	})

	second, err := p.RunDeductions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second.Deductions)
	assert.Len(t, sender.sent, 1)
	assert.Equal(t, first.Counts, second.Counts, "notices are not counted as requests")
}

func TestRunReportRebuildsTodaysDeductions(t *testing.T) {
	folder := append(standardFolder(), mailbox.Message{
		Subject:    "[근태공유] Gildong(0.5일, 휴가차감)",
		Body:       "4. 시간: 240분 (0.5일)",
		ReceivedAt: runTime.Add(-time.Hour),
	}, mailbox.Message{
		Subject:    "[근태공유] Chulsoo(0.25일, 휴가차감)",
		Body:       "4. 시간: 120분 (0.25일)",
		ReceivedAt: runTime.AddDate(0, 0, -1),
	})
	mb := &fakeMailbox{folders: map[string][]mailbox.Message{"근태": folder}}
	sender := &fakeSender{}
	p := newTestPipeline(t, testConfig(), mb, sender, nil)

	res, err := p.RunReport(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Deductions, 1)
	assert.Equal(t, "Gildong", res.Deductions[0].Employee)
	assert.Equal(t, 0.5, res.Deductions[0].Days)
	assert.True(t, res.Deductions[0].EmailSent)

	assert.Empty(t, sender.bySubject("[근태공유]"))
	reports := sender.bySubject("[근태 보고서]")
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].HTMLBody, "Gildong(240분)")
	assert.Contains(t, reports[0].HTMLBody, "Chulsoo(120분)")
}

func TestSeparateHistoryFolder(t *testing.T) {
	cfg := testConfig()
	cfg.Mailbox.HistoryFolder = "보낸편지함"
	mb := &fakeMailbox{folders: map[string][]mailbox.Message{
		"근태": standardFolder(),
		"보낸편지함": {{
			Subject:    "[근태공유] Gildong(0.25일, 휴가차감)",
			Body:       "시간: 120분",
			ReceivedAt: runTime.AddDate(0, 0, -2),
		}},
	}}
	sender := &fakeSender{}
	p := newTestPipeline(t, cfg, mb, sender, nil)

	res, err := p.RunDeductions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Deductions, "210 minutes minus 120 already deducted leaves 90")
	require.Len(t, mb.calls, 2)
	assert.Equal(t, "보낸편지함", mb.calls[1].Folder)
}

func TestTestModeRedirectsNotices(t *testing.T) {
	cfg := testConfig()
	cfg.Deduction.TestMode = true
	cfg.Deduction.TestRecipient = "qa@example.com"
	mb := &fakeMailbox{folders: map[string][]mailbox.Message{"근태": standardFolder()}}
	sender := &fakeSender{}
	p := newTestPipeline(t, cfg, mb, sender, nil)

	_, err := p.RunDeductions(context.Background())
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, []string{"qa@example.com"}, sender.sent[0].To)
}

func TestFailedSendIsRecordedAndRunContinues(t *testing.T) {
	mb := &fakeMailbox{folders: map[string][]mailbox.Message{"근태": standardFolder()}}
	sender := &fakeSender{fail: map[string]bool{"gildong@example.com": true}}
	store := newFakeStore()
	p := newTestPipeline(t, testConfig(), mb, sender, store)

	res, err := p.RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Deductions, 1)
	assert.False(t, res.Deductions[0].EmailSent)
	assert.True(t, res.ReportSent)

	reports := sender.bySubject("[근태 보고서]")
	require.Len(t, reports, 1)
	assert.NotContains(t, reports[0].HTMLBody, "Gildong(120분)", "unsent notices stay out of the weekly table")

	require.NotEmpty(t, store.notices)
	assert.Equal(t, history.StatusFailed, store.notices[0].Status)
	assert.Equal(t, "mailbox full", store.notices[0].Error)
}

func TestFetchFailureAbortsRun(t *testing.T) {
	mb := &fakeMailbox{err: mailbox.ErrAuth}
	sender := &fakeSender{}
	store := newFakeStore()
	p := newTestPipeline(t, testConfig(), mb, sender, store)

	res, err := p.RunAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, mailbox.ErrAuth)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, sender.sent)
	assert.False(t, store.runs[res.RunID].Success)
}

func TestCancelledRun(t *testing.T) {
	mb := &fakeMailbox{folders: map[string][]mailbox.Message{"근태": standardFolder()}}
	p := newTestPipeline(t, testConfig(), mb, &fakeSender{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.RunAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, Deps{})
	assert.Error(t, err)
	_, err = New(testConfig(), Deps{Mailbox: &fakeMailbox{}})
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"all": ModeAll, " Deductions ": ModeDeductions, "report": ModeReport} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("weekly")
	assert.Error(t, err)
}
