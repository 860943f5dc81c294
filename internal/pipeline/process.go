package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/attendance-mail/attendance/internal/attendance"
	"github.com/attendance-mail/attendance/internal/deduction"
	"github.com/attendance-mail/attendance/internal/inbox"
	"github.com/attendance-mail/attendance/internal/logger"
	"github.com/attendance-mail/attendance/internal/mailbox"
)

const processWorkers = 8

// Outcome is the result of processing one message. Exactly one field is set.
type Outcome struct {
	Vacation   *attendance.VacationRecord
	Attendance *attendance.AttendanceRecord
	Skipped    *attendance.UnclassifiedMessage
}

func skipped(msg mailbox.Message, reason string) Outcome {
	return Outcome{Skipped: &attendance.UnclassifiedMessage{
		Subject:    msg.Subject,
		Sender:     msg.SenderEmail,
		ReceivedAt: msg.ReceivedAt,
		Reason:     reason,
	}}
}

// Process classifies and parses one message into an Outcome. A failure
// while extracting never escapes; the message is reported as skipped.
func Process(parser *inbox.Parser, msg mailbox.Message, department string) (out Outcome) {
	log := logger.Log.WithField("subject", msg.Subject)

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("failed to process message")
			out = skipped(msg, fmt.Sprintf("처리 오류: %v", r))
		}
	}()

	result := inbox.Classify(msg.Subject, msg.Body)
	if result.Category == attendance.CategoryUnknown {
		log.WithField("category", result.Category).Warn("message not classified")
		return skipped(msg, "분류 불가")
	}

	info := parser.Parse(msg.Body, msg.SenderName, msg.Subject)
	log = log.WithField("applicant", info.Applicant).WithField("category", result.String())

	if result.Category == attendance.CategoryVacation {
		log.Debug("vacation notice")
		return Outcome{Vacation: &attendance.VacationRecord{
			Applicant:     info.Applicant,
			Dates:         info.Dates,
			Department:    department,
			VacationType:  info.VacationType,
			VacationDays:  info.VacationDays,
			Reason:        info.Reason,
			ReceivedAt:    msg.ReceivedAt,
			MessageID:     msg.ID,
			SourceSubject: msg.Subject,
		}}
	}

	if result.Subtype == attendance.SubtypeUnknown {
		log.Warn("attendance subtype not recognized")
		return skipped(msg, "근태 유형 불명")
	}

	rec := &attendance.AttendanceRecord{
		Applicant:     info.Applicant,
		Subtype:       result.Subtype,
		TimeRange:     info.TimeRange,
		Department:    department,
		Reason:        info.Reason,
		ReceivedAt:    msg.ReceivedAt,
		MessageID:     msg.ID,
		SourceSubject: msg.Subject,
	}
	if len(info.Dates) > 0 {
		rec.Date = info.Dates[0]
	}
	log.WithField("minutes", rec.Minutes()).Debug("attendance notice")
	return Outcome{Attendance: rec}
}

// bucketer appends outcomes from concurrent workers
type bucketer struct {
	mu      sync.Mutex
	buckets attendance.Buckets
}

func (b *bucketer) add(o Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case o.Vacation != nil:
		b.buckets.Vacations = append(b.buckets.Vacations, *o.Vacation)
	case o.Attendance != nil:
		switch o.Attendance.Subtype {
		case attendance.SubtypeLateArrival:
			b.buckets.LateArrivals = append(b.buckets.LateArrivals, *o.Attendance)
		case attendance.SubtypeOuting:
			b.buckets.Outings = append(b.buckets.Outings, *o.Attendance)
		case attendance.SubtypeEarlyLeave:
			b.buckets.EarlyLeaves = append(b.buckets.EarlyLeaves, *o.Attendance)
		}
	case o.Skipped != nil:
		b.buckets.Unclassified = append(b.buckets.Unclassified, *o.Skipped)
	}
}

// sorted orders every bucket by received time so results do not depend on
// worker scheduling
func (b *bucketer) sorted() *attendance.Buckets {
	out := b.buckets
	sort.SliceStable(out.Vacations, func(i, j int) bool {
		return out.Vacations[i].ReceivedAt.Before(out.Vacations[j].ReceivedAt)
	})
	for _, list := range [][]attendance.AttendanceRecord{out.LateArrivals, out.Outings, out.EarlyLeaves} {
		sort.SliceStable(list, func(i, j int) bool { return list[i].ReceivedAt.Before(list[j].ReceivedAt) })
	}
	sort.SliceStable(out.Unclassified, func(i, j int) bool {
		return out.Unclassified[i].ReceivedAt.Before(out.Unclassified[j].ReceivedAt)
	})
	return &out
}

// isNotice reports whether msg is a deduction notice this system sent
func isNotice(msg mailbox.Message) bool {
	return strings.Contains(msg.Subject, deduction.NoticeMarker)
}

// collect processes request messages concurrently. Deduction notices that
// share the request folder are left out of the buckets.
func (p *Pipeline) collect(ctx context.Context, msgs []mailbox.Message) (*attendance.Buckets, error) {
	var b bucketer

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(processWorkers)
	for _, msg := range msgs {
		if isNotice(msg) || !inbox.IsTargetEmail(msg.Subject) {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			department := p.directory.Department(msg.SenderEmail)
			b.add(Process(p.parser, msg, department))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	buckets := b.sorted()
	c := buckets.Counts()
	logger.Log.WithField("vacations", c.Vacations).
		WithField("late_arrivals", c.LateArrivals).
		WithField("outings", c.Outings).
		WithField("early_leaves", c.EarlyLeaves).
		WithField("unclassified", c.Unclassified).
		Info("messages processed")
	return buckets, nil
}
