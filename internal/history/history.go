package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Status string

const (
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Mode is the kind of run being audited
type Mode string

const (
	ModeAll        Mode = "all"
	ModeDeductions Mode = "deductions"
	ModeReport     Mode = "report"
)

// NoticeKind tells deduction notices and report emails apart
type NoticeKind string

const (
	KindDeduction NoticeKind = "deduction"
	KindReport    NoticeKind = "report"
)

// Run is one pipeline execution
type Run struct {
	ID           string
	Mode         Mode
	StartedAt    time.Time
	FinishedAt   time.Time
	Success      bool
	Error        string
	Vacations    int
	LateArrivals int
	Outings      int
	EarlyLeaves  int
	Unclassified int
	Deductions   int
}

// Notice is one outgoing email sent (or attempted) during a run
type Notice struct {
	ID         int64
	RunID      string
	Kind       NoticeKind
	Employee   string
	Recipients []string
	Subject    string
	Minutes    int
	Days       float64
	Status     Status
	MessageID  string
	Error      string
	SentAt     time.Time
}

// Stats summarizes the audit log
type Stats struct {
	Runs        int
	FailedRuns  int
	NoticesSent int
	Failed      int
	LastRun     *Run
}

type Store struct {
	db *sql.DB
}

// scanRun handles nullable columns when scanning a row
func scanRun(scanner interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var finishedAt sql.NullTime
	var errStr sql.NullString

	err := scanner.Scan(&r.ID, &r.Mode, &r.StartedAt, &finishedAt, &r.Success, &errStr,
		&r.Vacations, &r.LateArrivals, &r.Outings, &r.EarlyLeaves, &r.Unclassified, &r.Deductions)
	if err != nil {
		return nil, err
	}

	r.FinishedAt = finishedAt.Time
	r.Error = errStr.String
	return &r, nil
}

func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps :memory: databases shared across calls
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		success INTEGER DEFAULT 0,
		error TEXT,
		vacations INTEGER DEFAULT 0,
		late_arrivals INTEGER DEFAULT 0,
		outings INTEGER DEFAULT 0,
		early_leaves INTEGER DEFAULT 0,
		unclassified INTEGER DEFAULT 0,
		deductions INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_mode ON runs(mode);

	CREATE TABLE IF NOT EXISTS notices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		employee TEXT,
		recipients TEXT,
		subject TEXT NOT NULL,
		minutes INTEGER DEFAULT 0,
		days REAL DEFAULT 0,
		status TEXT NOT NULL,
		message_id TEXT,
		error TEXT,
		sent_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_notices_run_id ON notices(run_id);
	CREATE INDEX IF NOT EXISTS idx_notices_employee ON notices(employee);
	CREATE INDEX IF NOT EXISTS idx_notices_status ON notices(status);
	`

	_, err := s.db.Exec(query)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// StartRun inserts a run row; FinishRun completes it
func (s *Store) StartRun(run *Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO runs (id, mode, started_at) VALUES (?, ?, ?)`,
		run.ID, run.Mode, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(run *Run) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	query := `UPDATE runs SET finished_at = ?, success = ?, error = ?, vacations = ?, late_arrivals = ?,
		outings = ?, early_leaves = ?, unclassified = ?, deductions = ? WHERE id = ?`

	result, err := s.db.Exec(query, run.FinishedAt, run.Success, run.Error, run.Vacations,
		run.LateArrivals, run.Outings, run.EarlyLeaves, run.Unclassified, run.Deductions, run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

func (s *Store) GetRun(id string) (*Run, error) {
	query := `SELECT id, mode, started_at, finished_at, success, error, vacations, late_arrivals,
		outings, early_leaves, unclassified, deductions FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return run, nil
}

func (s *Store) GetRecentRuns(limit int) ([]Run, error) {
	query := `SELECT id, mode, started_at, finished_at, success, error, vacations, late_arrivals,
		outings, early_leaves, unclassified, deductions FROM runs ORDER BY started_at DESC LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// AddNotice records one outgoing email
func (s *Store) AddNotice(n *Notice) error {
	query := `
	INSERT INTO notices (run_id, kind, employee, recipients, subject, minutes, days, status, message_id, error, sent_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if n.SentAt.IsZero() {
		n.SentAt = time.Now()
	}

	result, err := s.db.Exec(query,
		n.RunID, n.Kind, n.Employee, strings.Join(n.Recipients, ","), n.Subject,
		n.Minutes, n.Days, n.Status, n.MessageID, n.Error, n.SentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notice: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	n.ID = id
	return nil
}

// GetNotices returns the notices of one run in insertion order
func (s *Store) GetNotices(runID string) ([]Notice, error) {
	query := `SELECT id, run_id, kind, employee, recipients, subject, minutes, days, status, message_id, error, sent_at
		FROM notices WHERE run_id = ? ORDER BY id`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notices: %w", err)
	}
	defer rows.Close()

	var notices []Notice
	for rows.Next() {
		var n Notice
		var employee, recipients, messageID, errStr sql.NullString
		var sentAt sql.NullTime

		err := rows.Scan(&n.ID, &n.RunID, &n.Kind, &employee, &recipients, &n.Subject,
			&n.Minutes, &n.Days, &n.Status, &messageID, &errStr, &sentAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notice: %w", err)
		}

		n.Employee = employee.String
		if recipients.String != "" {
			n.Recipients = strings.Split(recipients.String, ",")
		}
		n.MessageID = messageID.String
		n.Error = errStr.String
		n.SentAt = sentAt.Time
		notices = append(notices, n)
	}
	return notices, rows.Err()
}

func (s *Store) GetStats() (*Stats, error) {
	var stats Stats
	var failedRuns, sent, failed sql.NullInt64

	err := s.db.QueryRow(`SELECT COUNT(*), SUM(CASE WHEN success=0 THEN 1 ELSE 0 END) FROM runs`).
		Scan(&stats.Runs, &failedRuns)
	if err != nil {
		return nil, fmt.Errorf("failed to get run stats: %w", err)
	}

	err = s.db.QueryRow(`SELECT SUM(CASE WHEN status='sent' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END) FROM notices`).Scan(&sent, &failed)
	if err != nil {
		return nil, fmt.Errorf("failed to get notice stats: %w", err)
	}

	stats.FailedRuns = int(failedRuns.Int64)
	stats.NoticesSent = int(sent.Int64)
	stats.Failed = int(failed.Int64)

	recent, err := s.GetRecentRuns(1)
	if err != nil {
		return nil, err
	}
	if len(recent) > 0 {
		stats.LastRun = &recent[0]
	}
	return &stats, nil
}

// Prune deletes runs and their notices started before cutoff
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM notices WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to prune notices: %w", err)
	}
	result, err := tx.Exec(`DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) Close() error { return s.db.Close() }

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "attendance.db"
	}
	return filepath.Join(home, ".attendance", "attendance.db")
}
