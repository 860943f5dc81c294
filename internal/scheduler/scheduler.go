package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/attendance-mail/attendance/internal/config"
	"github.com/attendance-mail/attendance/internal/logger"
	"github.com/attendance-mail/attendance/internal/pipeline"
)

// Runner executes one pipeline run
type Runner interface {
	Run(ctx context.Context, mode pipeline.Mode) (*pipeline.Result, error)
}

// Scheduler fires the deduction and report runs on their cron specs. Runs
// never overlap: a tick that arrives while another run is active is skipped.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	ctx    context.Context

	mu      sync.Mutex
	running bool
	entries map[pipeline.Mode]cron.EntryID
}

// cronLogger adapts logrus to cron.Logger
type cronLogger struct {
	log *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}

// New registers the deduction and report jobs. An empty spec disables that
// job.
func New(cfg config.ScheduleConfig, loc *time.Location, runner Runner) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	clog := cronLogger{log: logger.Log.WithField("component", "scheduler")}

	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog)),
		),
		runner:  runner,
		ctx:     context.Background(),
		entries: make(map[pipeline.Mode]cron.EntryID),
	}

	jobs := []struct {
		mode pipeline.Mode
		spec string
	}{
		{pipeline.ModeDeductions, cfg.Deductions},
		{pipeline.ModeReport, cfg.Report},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		mode := j.mode
		id, err := s.cron.AddFunc(j.spec, func() { s.Trigger(mode) })
		if err != nil {
			return nil, fmt.Errorf("failed to schedule %s run %q: %w", mode, j.spec, err)
		}
		s.entries[mode] = id
	}
	return s, nil
}

// Trigger runs mode now unless another run is active. It reports whether the
// run happened.
func (s *Scheduler) Trigger(mode pipeline.Mode) bool {
	log := logger.Log.WithField("component", "scheduler").WithField("mode", mode)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Warn("previous run still active, skipping")
		return false
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	log.Info("Scheduled run starting")
	res, err := s.runner.Run(s.ctx, mode)
	if err != nil {
		log.WithError(err).Error("scheduled run failed")
		return true
	}
	log.WithField("run_id", res.RunID).
		WithField("deductions", len(res.Deductions)).
		WithField("report_sent", res.ReportSent).
		Info("Scheduled run finished")
	return true
}

// Next returns the next activation time of mode's job
func (s *Scheduler) Next(mode pipeline.Mode) (time.Time, bool) {
	id, ok := s.entries[mode]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Run starts the timers and blocks until ctx is cancelled, then waits for
// an active run to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()

	for mode := range s.entries {
		if next, ok := s.Next(mode); ok {
			logger.Log.WithField("mode", mode).WithField("next", next).Info("Job scheduled")
		}
	}

	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
