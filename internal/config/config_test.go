package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
mailbox:
  server: imap.example.com
  username: attendance@example.com
  password: secret
  folder: 근태 자동화
email:
  provider: smtp
  from: attendance@example.com
  smtp:
    host: smtp.example.com
report:
  recipients: [hr@example.com]
deduction:
  recipient_domain: example.com
  cc: [lead@example.com]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "근태 자동화", cfg.Mailbox.Folder)
	assert.Equal(t, "근태 자동화", cfg.Mailbox.HistoryFolder, "history folder defaults to the request folder")
	assert.Equal(t, 993, cfg.Mailbox.Port)
	assert.Equal(t, 500, cfg.Mailbox.FetchLimit)
	assert.Equal(t, 587, cfg.Email.SMTP.Port)
	assert.Equal(t, "Asia/Seoul", cfg.Schedule.Timezone)
	assert.Equal(t, "0 18 * * 1-5", cfg.Schedule.Deductions)
	assert.Equal(t, "0 19 * * 1-5", cfg.Schedule.Report)
	require.NotNil(t, cfg.Location)
	assert.Equal(t, "Asia/Seoul", cfg.Location.String())
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("ATTENDANCE_IMAP_PASSWORD", "from-env")
	t.Setenv("ATTENDANCE_REPORT_RECIPIENTS", "a@example.com, b@example.com,")
	t.Setenv("ATTENDANCE_TEST_MODE", "true")
	t.Setenv("ATTENDANCE_IMAP_PORT", "1993")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Mailbox.Password)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Report.Recipients)
	assert.True(t, cfg.Deduction.TestMode)
	assert.Equal(t, 1993, cfg.Mailbox.Port)
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("ATTENDANCE_IMAP_PORT", "imap")
	_, err := Load(writeConfig(t, sampleConfig))
	assert.Error(t, err)
}

func TestLoadMissingFileUsesEnvironment(t *testing.T) {
	t.Setenv("ATTENDANCE_IMAP_SERVER", "imap.example.com")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "imap.example.com", cfg.Mailbox.Server)
	assert.Equal(t, "INBOX", cfg.Mailbox.Folder)
}

func TestValidateListsEveryMissingKey(t *testing.T) {
	cfg := &Config{Email: EmailConfig{Provider: "sendgrid"}}

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrMissingSetting)
	for _, key := range []string{
		"mailbox.server", "mailbox.username", "mailbox.password",
		"email.from", "report.recipients", "email.api_key", "deduction.recipient_domain",
	} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestValidateTestModeNeedsRecipient(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	cfg.Deduction.TestMode = true
	err = cfg.Validate()
	require.ErrorIs(t, err, ErrMissingSetting)
	assert.Contains(t, err.Error(), "deduction.test_recipient")

	cfg.Deduction.TestRecipient = "qa@example.com"
	assert.NoError(t, cfg.Validate())
}

func TestValidateUnknownProvider(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	cfg.Email.Provider = "pigeon"
	err = cfg.Validate()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMissingSetting)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, Save(path, Example()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "outlook.office365.com", cfg.Mailbox.Server)
	assert.True(t, cfg.Deduction.TestMode)
}
