package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Asia/Seoul must resolve on minimal images

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingSetting is returned by Validate when required keys are empty
var ErrMissingSetting = errors.New("missing required setting")

const (
	defaultFolder          = "INBOX"
	defaultFetchLimit      = 500
	defaultTimezone        = "Asia/Seoul"
	defaultDeductionsCron  = "0 18 * * 1-5"
	defaultReportCron      = "0 19 * * 1-5"
	defaultServerAddr      = ":8080"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultIMAPPort        = 993
	defaultSMTPPort        = 587
	defaultSubjectDateForm = "20060102"
)

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	Mailbox   MailboxConfig   `yaml:"mailbox"`
	Email     EmailConfig     `yaml:"email"`
	Report    ReportConfig    `yaml:"report"`
	Deduction DeductionConfig `yaml:"deduction"`
	Directory DirectoryConfig `yaml:"directory"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Server    ServerConfig    `yaml:"server"`
	History   HistoryConfig   `yaml:"history"`
	Log       LogConfig       `yaml:"log"`

	Location *time.Location `yaml:"-"` // computed from Schedule.Timezone
}

// MailboxConfig holds IMAP settings for the mailbox that receives requests
type MailboxConfig struct {
	Provider      string `yaml:"provider"`       // "gmail", "outlook", "imap"
	Server        string `yaml:"server"`         // e.g., "outlook.office365.com"
	Port          int    `yaml:"port"`           // e.g., 993
	Username      string `yaml:"username"`       // Login for the shared mailbox
	Password      string `yaml:"password"`       // App password
	Folder        string `yaml:"folder"`         // Folder with request emails (default: "INBOX")
	HistoryFolder string `yaml:"history_folder"` // Folder with sent deduction notices (default: Folder)
	FetchLimit    int    `yaml:"fetch_limit"`    // Max messages per fetch (default: 500)
	LookbackDays  int    `yaml:"lookback_days"`  // 0 scans the whole folder
}

type EmailConfig struct {
	Provider string     `yaml:"provider"` // "smtp", "sendgrid" or "resend"
	From     string     `yaml:"from"`
	FromName string     `yaml:"from_name,omitempty"`
	APIKey   string     `yaml:"api_key,omitempty"` // sendgrid and resend
	SMTP     SMTPConfig `yaml:"smtp,omitempty"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

// ReportConfig controls who receives the daily spreadsheet
type ReportConfig struct {
	Recipients []string `yaml:"recipients"`
	CC         []string `yaml:"cc,omitempty"`
}

// DeductionConfig controls deduction notices
type DeductionConfig struct {
	CC              []string `yaml:"cc,omitempty"`
	TestMode        bool     `yaml:"test_mode"`        // send every notice to TestRecipient
	TestRecipient   string   `yaml:"test_recipient"`   // used when TestMode is set
	RecipientDomain string   `yaml:"recipient_domain"` // notices go to {name}@{domain}
}

type DirectoryConfig struct {
	Path string `yaml:"path"` // employee directory YAML; empty means identity lookup
}

type ScheduleConfig struct {
	Timezone   string `yaml:"timezone"`
	Deductions string `yaml:"deductions"` // cron spec
	Report     string `yaml:"report"`     // cron spec
}

type ServerConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"` // bearer token for trigger routes; empty disables auth
}

type HistoryConfig struct {
	Path string `yaml:"path"` // sqlite audit log
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".attendance", "config.yaml")
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "attendance.db"
	}
	return filepath.Join(home, ".attendance", "attendance.db")
}

// Load reads the YAML file at path, then a .env file in the working
// directory, then ATTENDANCE_* environment overrides. A missing file is not
// an error so that container deployments can run on environment alone.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := checkFilePermissions(path); err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// godotenv does not override variables that are already set
	_ = godotenv.Load()

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Mailbox.Folder == "" {
		c.Mailbox.Folder = defaultFolder
	}
	if c.Mailbox.HistoryFolder == "" {
		c.Mailbox.HistoryFolder = c.Mailbox.Folder
	}
	if c.Mailbox.FetchLimit == 0 {
		c.Mailbox.FetchLimit = defaultFetchLimit
	}
	if c.Mailbox.Provider == "gmail" && c.Mailbox.Server == "" {
		c.Mailbox.Server = "imap.gmail.com"
	}
	if c.Mailbox.Provider == "outlook" && c.Mailbox.Server == "" {
		c.Mailbox.Server = "outlook.office365.com"
	}
	if c.Mailbox.Port == 0 {
		c.Mailbox.Port = defaultIMAPPort
	}

	if c.Email.Provider == "smtp" && c.Email.SMTP.Port == 0 {
		c.Email.SMTP.Port = defaultSMTPPort
	}

	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.Deductions == "" {
		c.Schedule.Deductions = defaultDeductionsCron
	}
	if c.Schedule.Report == "" {
		c.Schedule.Report = defaultReportCron
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultServerAddr
	}
	if c.History.Path == "" {
		c.History.Path = defaultHistoryPath()
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}

	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("invalid schedule.timezone %q: %w", c.Schedule.Timezone, err)
	}
	c.Location = loc
	return nil
}

func applyEnv(c *Config) error {
	envOverride(&c.Mailbox.Server, "ATTENDANCE_IMAP_SERVER")
	envOverride(&c.Mailbox.Username, "ATTENDANCE_IMAP_USERNAME")
	envOverride(&c.Mailbox.Password, "ATTENDANCE_IMAP_PASSWORD")
	envOverride(&c.Mailbox.Folder, "ATTENDANCE_TARGET_FOLDER")
	envOverride(&c.Mailbox.HistoryFolder, "ATTENDANCE_HISTORY_FOLDER")
	envOverride(&c.Email.Provider, "ATTENDANCE_EMAIL_PROVIDER")
	envOverride(&c.Email.From, "ATTENDANCE_EMAIL_FROM")
	envOverride(&c.Email.APIKey, "ATTENDANCE_EMAIL_API_KEY")
	envOverride(&c.Email.SMTP.Host, "ATTENDANCE_SMTP_HOST")
	envOverride(&c.Email.SMTP.Username, "ATTENDANCE_SMTP_USERNAME")
	envOverride(&c.Email.SMTP.Password, "ATTENDANCE_SMTP_PASSWORD")
	envOverrideList(&c.Report.Recipients, "ATTENDANCE_REPORT_RECIPIENTS")
	envOverrideList(&c.Report.CC, "ATTENDANCE_REPORT_CC")
	envOverrideList(&c.Deduction.CC, "ATTENDANCE_DEDUCTION_CC")
	envOverrideBool(&c.Deduction.TestMode, "ATTENDANCE_TEST_MODE")
	envOverride(&c.Deduction.TestRecipient, "ATTENDANCE_TEST_RECIPIENT")
	envOverride(&c.Deduction.RecipientDomain, "ATTENDANCE_RECIPIENT_DOMAIN")
	envOverride(&c.Directory.Path, "ATTENDANCE_DIRECTORY_PATH")
	envOverride(&c.Schedule.Timezone, "ATTENDANCE_TIMEZONE")
	envOverride(&c.Server.Addr, "ATTENDANCE_SERVER_ADDR")
	envOverride(&c.Server.Token, "ATTENDANCE_SERVER_TOKEN")
	envOverride(&c.History.Path, "ATTENDANCE_HISTORY_DB")
	envOverride(&c.Log.Level, "ATTENDANCE_LOG_LEVEL")
	envOverride(&c.Log.Format, "ATTENDANCE_LOG_FORMAT")

	if err := envOverrideInt(&c.Mailbox.Port, "ATTENDANCE_IMAP_PORT"); err != nil {
		return err
	}
	if err := envOverrideInt(&c.Email.SMTP.Port, "ATTENDANCE_SMTP_PORT"); err != nil {
		return err
	}
	return nil
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = strings.EqualFold(val, "true") || val == "1"
	}
}

// envOverrideList reads a comma separated list
func envOverrideList(field *[]string, envKey string) {
	val := os.Getenv(envKey)
	if val == "" {
		return
	}
	*field = nil
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			*field = append(*field, item)
		}
	}
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate reports every missing required setting at once, before any
// network I/O happens.
func (c *Config) Validate() error {
	var missing []string
	require := func(ok bool, key string) {
		if !ok {
			missing = append(missing, key)
		}
	}

	require(c.Mailbox.Server != "", "mailbox.server")
	require(c.Mailbox.Username != "", "mailbox.username")
	require(c.Mailbox.Password != "", "mailbox.password")
	require(c.Email.Provider != "", "email.provider")
	require(c.Email.From != "", "email.from")
	require(len(c.Report.Recipients) > 0, "report.recipients")

	switch c.Email.Provider {
	case "":
	case "smtp":
		require(c.Email.SMTP.Host != "", "email.smtp.host")
		require(c.Email.SMTP.Port != 0, "email.smtp.port")
	case "sendgrid", "resend":
		require(c.Email.APIKey != "", "email.api_key")
	default:
		return fmt.Errorf("email: unknown provider %q (smtp, sendgrid or resend)", c.Email.Provider)
	}

	if c.Deduction.TestMode {
		require(c.Deduction.TestRecipient != "", "deduction.test_recipient")
	} else {
		require(c.Deduction.RecipientDomain != "", "deduction.recipient_domain")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingSetting, strings.Join(missing, ", "))
	}
	return nil
}

// ReportDate formats t as the YYYYMMDD stamp used in report subjects and
// attachment names.
func ReportDate(t time.Time) string {
	return t.Format(defaultSubjectDateForm)
}

// Example returns the starter configuration written by `attendance init`
func Example() *Config {
	return &Config{
		Mailbox: MailboxConfig{
			Provider: "outlook",
			Server:   "outlook.office365.com",
			Port:     defaultIMAPPort,
			Username: "attendance@example.com",
			Folder:   defaultFolder,
		},
		Email: EmailConfig{
			Provider: "smtp",
			From:     "attendance@example.com",
			SMTP:     SMTPConfig{Host: "smtp.office365.com", Port: defaultSMTPPort, UseTLS: true},
		},
		Report:    ReportConfig{Recipients: []string{"hr@example.com"}},
		Deduction: DeductionConfig{TestMode: true, TestRecipient: "hr@example.com", RecipientDomain: "example.com"},
		Directory: DirectoryConfig{Path: "employees.yaml"},
		Schedule:  ScheduleConfig{Timezone: defaultTimezone, Deductions: defaultDeductionsCron, Report: defaultReportCron},
		Server:    ServerConfig{Addr: defaultServerAddr},
		Log:       LogConfig{Level: defaultLogLevel, Format: defaultLogFormat},
	}
}
