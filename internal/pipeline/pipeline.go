// Package pipeline runs one attendance job end to end: fetch requests,
// bucket them, send deduction notices and mail the report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/attendance-mail/attendance/internal/attendance"
	"github.com/attendance-mail/attendance/internal/config"
	"github.com/attendance-mail/attendance/internal/deduction"
	"github.com/attendance-mail/attendance/internal/email"
	"github.com/attendance-mail/attendance/internal/history"
	"github.com/attendance-mail/attendance/internal/inbox"
	"github.com/attendance-mail/attendance/internal/logger"
	"github.com/attendance-mail/attendance/internal/mailbox"
	"github.com/attendance-mail/attendance/internal/notify"
	"github.com/attendance-mail/attendance/internal/report"
)

// Mode selects which parts of a run execute
type Mode = history.Mode

const (
	ModeAll        = history.ModeAll
	ModeDeductions = history.ModeDeductions
	ModeReport     = history.ModeReport
)

// ParseMode accepts "all", "deductions" or "report"
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAll, ModeDeductions, ModeReport:
		return m, nil
	}
	return "", fmt.Errorf("unknown run mode: %q", s)
}

// Mailbox is the part of the IMAP client a run needs
type Mailbox interface {
	Fetch(ctx context.Context, opts mailbox.FetchOptions) ([]mailbox.Message, error)
}

// Directory resolves names and departments
type Directory interface {
	Canonical(name string) string
	Department(email string) string
}

// AuditStore records runs and notices. history.Store implements it.
type AuditStore interface {
	StartRun(run *history.Run) error
	FinishRun(run *history.Run) error
	AddNotice(n *history.Notice) error
}

// Deps are the collaborators of a Pipeline. Store and Now are optional.
type Deps struct {
	Mailbox   Mailbox
	Sender    email.Sender
	Directory Directory
	Store     AuditStore
	Now       func() time.Time
}

// DeductionResult is one employee's deduction in a run result
type DeductionResult struct {
	Employee        string  `json:"employee"`
	DisplayName     string  `json:"display_name"`
	TotalMinutes    int     `json:"total_minutes"`
	Days            float64 `json:"deduction_days"`
	DeductedMinutes int     `json:"deducted_minutes"`
	EmailSent       bool    `json:"email_sent"`
}

// Result is returned by every run, including partially failed ones
type Result struct {
	RunID      string            `json:"run_id"`
	Mode       Mode              `json:"mode"`
	Success    bool              `json:"success"`
	Counts     attendance.Counts `json:"counts"`
	Deductions []DeductionResult `json:"deductions"`
	ReportSent bool              `json:"report_sent"`
	Error      string            `json:"error,omitempty"`
}

// Pipeline runs jobs against one validated configuration
type Pipeline struct {
	cfg       *config.Config
	mailbox   Mailbox
	sender    email.Sender
	directory Directory
	store     AuditStore
	parser    *inbox.Parser
	notices   *notify.Engine
	now       func() time.Time
}

func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if deps.Mailbox == nil || deps.Sender == nil || deps.Directory == nil {
		return nil, errors.New("mailbox, sender and directory are required")
	}

	notices, err := notify.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to load notification templates: %w", err)
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Pipeline{
		cfg:       cfg,
		mailbox:   deps.Mailbox,
		sender:    deps.Sender,
		directory: deps.Directory,
		store:     deps.Store,
		parser:    &inbox.Parser{Now: now},
		notices:   notices,
		now:       now,
	}, nil
}

func (p *Pipeline) location() *time.Location {
	if p.cfg.Location != nil {
		return p.cfg.Location
	}
	return time.Local
}

// RunAll sends deduction notices and then the report
func (p *Pipeline) RunAll(ctx context.Context) (*Result, error) {
	return p.Run(ctx, ModeAll)
}

// RunDeductions sends deduction notices only
func (p *Pipeline) RunDeductions(ctx context.Context) (*Result, error) {
	return p.Run(ctx, ModeDeductions)
}

// RunReport mails the report only. Today's deductions are read back from
// notices already sent.
func (p *Pipeline) RunReport(ctx context.Context) (*Result, error) {
	return p.Run(ctx, ModeReport)
}

// Run executes one job. A non-nil error means the run aborted (mailbox
// failure or cancellation); the Result is still populated.
func (p *Pipeline) Run(ctx context.Context, mode Mode) (*Result, error) {
	now := p.now().In(p.location())
	today := attendance.DateOf(now)
	res := &Result{RunID: uuid.NewString(), Mode: mode}
	log := logger.Log.WithField("run_id", res.RunID).WithField("mode", mode)

	audit := &history.Run{ID: res.RunID, Mode: mode, StartedAt: now}
	p.audit(log, func(s AuditStore) error { return s.StartRun(audit) })

	err := p.run(ctx, log, mode, now, today, res)

	res.Success = err == nil
	if err != nil {
		res.Error = err.Error()
		log.WithError(err).Error("run failed")
	} else {
		log.WithField("deductions", len(res.Deductions)).
			WithField("report_sent", res.ReportSent).
			Info("run complete")
	}

	audit.Success = res.Success
	audit.Error = res.Error
	audit.Vacations = res.Counts.Vacations
	audit.LateArrivals = res.Counts.LateArrivals
	audit.Outings = res.Counts.Outings
	audit.EarlyLeaves = res.Counts.EarlyLeaves
	audit.Unclassified = res.Counts.Unclassified
	audit.Deductions = len(res.Deductions)
	audit.FinishedAt = p.now()
	p.audit(log, func(s AuditStore) error { return s.FinishRun(audit) })

	return res, err
}

func (p *Pipeline) run(ctx context.Context, log *logrus.Entry, mode Mode, now time.Time, today attendance.Date, res *Result) error {
	opts := mailbox.FetchOptions{
		Folder:             p.cfg.Mailbox.Folder,
		SubjectContainsAny: inbox.TargetSubjectMarkers,
		Limit:              p.cfg.Mailbox.FetchLimit,
	}
	if days := p.cfg.Mailbox.LookbackDays; days > 0 {
		opts.Since = now.AddDate(0, 0, -days)
	}

	msgs, err := p.mailbox.Fetch(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to fetch request emails: %w", err)
	}
	log.WithField("messages", len(msgs)).Info("request emails fetched")

	buckets, err := p.collect(ctx, msgs)
	if err != nil {
		return err
	}
	res.Counts = buckets.Counts()

	snapshot, err := p.loadHistory(ctx, msgs)
	if err != nil {
		return err
	}

	// entries sent during this run join a copy of the snapshot
	working := snapshot.Clone()

	var decisions []deduction.Decision
	switch mode {
	case ModeReport:
		decisions = deduction.FromHistory(snapshot.On(today))
	default:
		decisions = deduction.Compute(buckets.Attendance(), p.directory, snapshot)
		for _, d := range decisions {
			log.WithField("employee", d.Employee).
				WithField("minutes", d.TotalMinutes).
				WithField("already_deducted", d.AlreadyDeducted).
				WithField("remaining", d.Remaining).
				Info("deduction computed")
		}
		decisions = deduction.Due(decisions)
		for i := range decisions {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.sendDeduction(ctx, res.RunID, &decisions[i], today)
			if decisions[i].EmailSent {
				working.Add(deduction.Entry{Employee: decisions[i].Employee, Date: today, Minutes: decisions[i].DeductedMinutes})
			}
		}
	}

	for _, d := range decisions {
		res.Deductions = append(res.Deductions, DeductionResult{
			Employee:        d.Employee,
			DisplayName:     d.DisplayName,
			TotalMinutes:    d.TotalMinutes,
			Days:            d.Days,
			DeductedMinutes: d.DeductedMinutes,
			EmailSent:       d.EmailSent,
		})
	}

	if mode == ModeDeductions {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rep := report.Assemble(buckets, decisions, working, p.directory, today, now)
	res.ReportSent = p.sendReport(ctx, res.RunID, rep, working.Entries())
	return nil
}

// loadHistory replays sent deduction notices. When notices share the
// request folder the already fetched messages are reused.
func (p *Pipeline) loadHistory(ctx context.Context, requests []mailbox.Message) (*deduction.History, error) {
	folder := p.cfg.Mailbox.HistoryFolder
	msgs := requests
	if folder != "" && folder != p.cfg.Mailbox.Folder {
		var err error
		msgs, err = p.mailbox.Fetch(ctx, mailbox.FetchOptions{
			Folder:             folder,
			SubjectContainsAny: []string{deduction.NoticeMarker},
			Limit:              p.cfg.Mailbox.FetchLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch deduction history: %w", err)
		}
	}

	var notices []deduction.Notice
	for _, m := range msgs {
		if !isNotice(m) {
			continue
		}
		body := m.HTMLBody
		if body == "" {
			body = m.Body
		}
		notices = append(notices, deduction.Notice{Subject: m.Subject, Body: body, ReceivedAt: m.ReceivedAt})
	}
	return deduction.Replay(notices, p.location()), nil
}

func (p *Pipeline) noticeRecipient(employee string) string {
	if p.cfg.Deduction.TestMode {
		return p.cfg.Deduction.TestRecipient
	}
	return strings.ToLower(employee) + "@" + p.cfg.Deduction.RecipientDomain
}

func (p *Pipeline) sendDeduction(ctx context.Context, runID string, d *deduction.Decision, today attendance.Date) {
	log := logger.Log.WithField("employee", d.Employee).WithField("days", d.Days)

	notice := &history.Notice{
		RunID:    runID,
		Kind:     history.KindDeduction,
		Employee: d.Employee,
		Minutes:  d.DeductedMinutes,
		Days:     d.Days,
		Status:   history.StatusFailed,
	}
	defer func() { p.audit(log, func(s AuditStore) error { return s.AddNotice(notice) }) }()

	rendered, err := p.notices.Deduction(*d, today)
	if err != nil {
		log.WithError(err).Error("failed to render deduction notice")
		notice.Error = err.Error()
		return
	}
	notice.Subject = rendered.Subject

	msg := email.Message{
		To:       []string{p.noticeRecipient(d.Employee)},
		Cc:       p.cfg.Deduction.CC,
		Subject:  rendered.Subject,
		HTMLBody: rendered.HTMLBody,
	}
	notice.Recipients = append(append([]string{}, msg.To...), msg.Cc...)

	result := p.sender.Send(ctx, msg)
	if !result.Success {
		log.WithError(result.Error).Error("failed to send deduction notice")
		if result.Error != nil {
			notice.Error = result.Error.Error()
		}
		return
	}

	d.EmailSent = true
	d.MessageID = result.MessageID
	notice.Status = history.StatusSent
	notice.MessageID = result.MessageID
	log.WithField("to", msg.To[0]).Info("deduction notice sent")
}

func (p *Pipeline) sendReport(ctx context.Context, runID string, rep *report.Report, entries []deduction.Entry) bool {
	reportDate := config.ReportDate(rep.GeneratedAt)
	log := logger.Log.WithField("report_date", reportDate)

	notice := &history.Notice{
		RunID:      runID,
		Kind:       history.KindReport,
		Subject:    notify.ReportSubject(reportDate),
		Recipients: append(append([]string{}, p.cfg.Report.Recipients...), p.cfg.Report.CC...),
		Status:     history.StatusFailed,
	}
	defer func() { p.audit(log, func(s AuditStore) error { return s.AddNotice(notice) }) }()

	xlsx, err := report.WriteXLSX(rep)
	if err != nil {
		log.WithError(err).Error("failed to build report spreadsheet")
		notice.Error = err.Error()
		return false
	}

	week := notify.WeekRows(rep.Date, entries)
	rendered, err := p.notices.Summary(reportDate, rep.GeneratedAt, rep.Counts, week)
	if err != nil {
		log.WithError(err).Error("failed to render report email")
		notice.Error = err.Error()
		return false
	}

	result := p.sender.Send(ctx, email.Message{
		To:       p.cfg.Report.Recipients,
		Cc:       p.cfg.Report.CC,
		Subject:  rendered.Subject,
		HTMLBody: rendered.HTMLBody,
		Attachment: &email.Attachment{
			Name:  report.FileName(reportDate),
			Bytes: xlsx,
			MIME:  email.XLSXMime,
		},
	})
	if !result.Success {
		log.WithError(result.Error).Error("failed to send report")
		if result.Error != nil {
			notice.Error = result.Error.Error()
		}
		return false
	}

	notice.Status = history.StatusSent
	notice.MessageID = result.MessageID
	log.WithField("recipients", len(p.cfg.Report.Recipients)).Info("report sent")
	return true
}

// audit writes to the store when one is configured. Audit failures are
// logged and never fail a run.
func (p *Pipeline) audit(log *logrus.Entry, fn func(AuditStore) error) {
	if p.store == nil {
		return
	}
	if err := fn(p.store); err != nil {
		log.WithError(err).Warn("failed to write audit log")
	}
}
