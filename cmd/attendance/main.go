package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/attendance-mail/attendance/internal/config"
	"github.com/attendance-mail/attendance/internal/directory"
	"github.com/attendance-mail/attendance/internal/email"
	"github.com/attendance-mail/attendance/internal/history"
	"github.com/attendance-mail/attendance/internal/inbox"
	"github.com/attendance-mail/attendance/internal/logger"
	"github.com/attendance-mail/attendance/internal/mailbox"
	"github.com/attendance-mail/attendance/internal/pipeline"
	"github.com/attendance-mail/attendance/internal/scheduler"
	"github.com/attendance-mail/attendance/internal/server"
)

var cfgFile string

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "attendance",
		Short: "Attendance - vacation and attendance mail processing",
		Long: `Attendance reads vacation and attendance request emails from a shared
mailbox, sends vacation deduction notices for accumulated late arrivals,
outings and early leaves, and mails a daily spreadsheet report.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.attendance/config.yaml)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(modeCmd("deductions", pipeline.ModeDeductions, "Send deduction notices only"))
	rootCmd.AddCommand(modeCmd("report", pipeline.ModeReport, "Mail the daily report only"))
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(pruneCmd())
	rootCmd.AddCommand(parseCmd())
	rootCmd.AddCommand(foldersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}
			if err := config.Save(path, config.Example()); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Printf("Configuration written to: %s\n", path)
			fmt.Println()
			fmt.Println("Next steps:")
			fmt.Println("  1. Fill in the mailbox and email credentials")
			fmt.Println("  2. Run 'attendance folders' to check the mailbox folder name")
			fmt.Println("  3. Run 'attendance run' with deduction.test_mode enabled")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	return cmd
}

func runCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the mailbox once",
		Long:  "Fetch request emails, send deduction notices and mail the report.",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := pipeline.ParseMode(mode)
			if err != nil {
				return err
			}
			return runOnce(m)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(pipeline.ModeAll), "Run mode: all, deductions or report")

	return cmd
}

func modeCmd(use string, mode pipeline.Mode, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(mode)
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP trigger server",
		Long: `Start an HTTP server that runs the pipeline on demand:

  POST /run/all          deductions and report
  POST /run/deductions   deduction notices only
  POST /run/report       report only
  GET  /health

Trigger routes require "Authorization: Bearer <server.token>" when a token
is configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")

	return cmd
}

func scheduleCmd() *cobra.Command {
	var withServer bool

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run deductions and report on their cron schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchedule(withServer)
		},
	}

	cmd.Flags().BoolVar(&withServer, "serve", false, "Also start the HTTP trigger server")

	return cmd
}

func statusCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show run history and statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "Number of recent runs to show")

	return cmd
}

func pruneCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete audit records older than the given number of days",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := history.NewStore(cfg.History.Path)
			if err != nil {
				return fmt.Errorf("failed to open history: %w", err)
			}
			defer store.Close()

			n, err := store.Prune(time.Now().AddDate(0, 0, -days))
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d runs older than %d days\n", n, days)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 90, "Keep runs from the last N days")

	return cmd
}

func parseCmd() *cobra.Command {
	var subject, sender string

	cmd := &cobra.Command{
		Use:   "parse <file>",
		Short: "Classify and extract a saved message body",
		Long:  "Print the classification and extracted fields of a message body saved as text or HTML.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParse(args[0], subject, sender)
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Message subject")
	cmd.Flags().StringVar(&sender, "sender", "", "Sender display name")

	return cmd
}

func foldersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "folders",
		Short: "List mailbox folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFolders()
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// app holds a ready pipeline and the resources to release afterwards
type app struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	store    *history.Store
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := directory.New(nil)
	if cfg.Directory.Path != "" {
		dir, err = directory.LoadFromFile(cfg.Directory.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to load employee directory: %w", err)
		}
		logger.Log.WithField("employees", dir.Len()).Info("Employee directory loaded")
	}

	sender, err := email.NewSender(cfg.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize email sender: %w", err)
	}

	a := &app{cfg: cfg}
	deps := pipeline.Deps{
		Mailbox:   mailbox.NewDialer(cfg.Mailbox),
		Sender:    sender,
		Directory: dir,
	}

	// The audit log is optional; a run proceeds without it
	store, err := history.NewStore(cfg.History.Path)
	if err != nil {
		logger.Log.WithError(err).Warn("audit log unavailable")
	} else {
		a.store = store
		deps.Store = store
	}

	a.pipeline, err = pipeline.New(cfg, deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runOnce(mode pipeline.Mode) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	res, runErr := a.pipeline.Run(ctx, mode)
	if res != nil {
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Println(string(out))
	}
	return runErr
}

func runServe(addr string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if addr != "" {
		a.cfg.Server.Addr = addr
	}

	ctx, cancel := signalContext()
	defer cancel()

	return newServer(a).Start(ctx)
}

func newServer(a *app) *server.Server {
	// a nil *history.Store must not become a non-nil interface
	var runs server.RunLister
	if a.store != nil {
		runs = a.store
	}
	return server.NewServer(a.cfg.Server, a.pipeline, runs)
}

func runSchedule(withServer bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := scheduler.New(a.cfg.Schedule, a.cfg.Location, a.pipeline)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if !withServer {
		return sched.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		err := newServer(a).Start(ctx)
		if err != nil {
			cancel()
		}
		errCh <- err
	}()

	schedErr := sched.Run(ctx)
	if err := <-errCh; err != nil {
		return err
	}
	return schedErr
}

func runStatus(limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := history.NewStore(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer store.Close()

	stats, err := store.GetStats()
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Println("Attendance Statistics")
	fmt.Println("----------------------------------------")
	fmt.Printf("  Runs: %d (%d failed)\n", stats.Runs, stats.FailedRuns)
	fmt.Printf("  Emails sent: %d\n", stats.NoticesSent)
	fmt.Printf("  Emails failed: %d\n", stats.Failed)

	runs, err := store.GetRecentRuns(limit)
	if err != nil {
		return fmt.Errorf("failed to get recent runs: %w", err)
	}
	if len(runs) == 0 {
		return nil
	}

	fmt.Println()
	fmt.Printf("Recent Runs (last %d)\n", limit)
	fmt.Println("----------------------------------------")
	for _, r := range runs {
		status := "ok"
		if !r.Success {
			status = "FAILED"
		}
		fmt.Printf("%-6s %s  %-10s vac=%d late=%d out=%d early=%d unclassified=%d deductions=%d\n",
			status,
			r.StartedAt.In(cfg.Location).Format("2006-01-02 15:04"),
			r.Mode,
			r.Vacations, r.LateArrivals, r.Outings, r.EarlyLeaves, r.Unclassified, r.Deductions,
		)
		if r.Error != "" {
			fmt.Printf("       Error: %s\n", r.Error)
		}

		notices, err := store.GetNotices(r.ID)
		if err != nil {
			return fmt.Errorf("failed to get notices: %w", err)
		}
		for _, n := range notices {
			fmt.Printf("       %-7s %-9s %s -> %s\n", n.Status, n.Kind, n.Subject, strings.Join(n.Recipients, ", "))
		}
	}
	return nil
}

func runParse(path, subject, sender string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	body := string(data)
	if inbox.LooksLikeHTML(body) {
		body = inbox.TextFromHTML(body)
	} else {
		body = inbox.PlainBody(body)
	}

	logger.Silence()
	class := inbox.Classify(subject, body)
	info := inbox.NewParser().Parse(body, sender, subject)

	fmt.Printf("Target:         %t\n", inbox.IsTargetEmail(subject))
	fmt.Printf("Classification: %s (confidence %.2f)\n", class, class.Confidence)
	fmt.Printf("Applicant:      %s\n", info.Applicant)

	dates := make([]string, 0, len(info.Dates))
	for _, d := range info.Dates {
		dates = append(dates, d.String())
	}
	fmt.Printf("Dates:          %s\n", strings.Join(dates, ", "))

	if info.TimeRange != nil {
		fmt.Printf("Time:           %s ~ %s (%d min)\n", info.TimeRange.Start, info.TimeRange.End, info.TimeRange.Minutes())
	}
	fmt.Printf("Reason:         %s\n", info.Reason)
	if info.VacationType != "" {
		fmt.Printf("Vacation type:  %s\n", info.VacationType)
	}
	if info.VacationDays != nil {
		fmt.Printf("Vacation days:  %g\n", *info.VacationDays)
	}
	return nil
}

func runFolders() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	c := mailbox.New(cfg.Mailbox)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()

	folders, err := c.ListFolders(ctx)
	if err != nil {
		return err
	}
	for _, f := range folders {
		marker := " "
		if strings.EqualFold(f, cfg.Mailbox.Folder) {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, f)
	}

	if name, ok, err := c.ResolveFolder(ctx, cfg.Mailbox.Folder); err == nil {
		if ok {
			fmt.Printf("\nRequest folder %q resolves to %q\n", cfg.Mailbox.Folder, name)
		} else {
			fmt.Printf("\nRequest folder %q not found; runs will scan INBOX\n", cfg.Mailbox.Folder)
		}
	}
	return nil
}
