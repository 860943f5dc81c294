package email

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/attendance-mail/attendance/internal/config"
)

// XLSXMime is the content type of spreadsheet attachments
const XLSXMime = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Attachment struct {
	Name  string
	Bytes []byte
	MIME  string
}

type Message struct {
	To         []string
	Cc         []string
	Subject    string
	HTMLBody   string
	Attachment *Attachment // optional
}

type Result struct {
	Success   bool
	MessageID string
	Error     error
}

type Sender interface {
	Send(ctx context.Context, msg Message) Result
	Name() string
}

// NewSender builds the sender for cfg.Provider
func NewSender(cfg config.EmailConfig) (Sender, error) {
	switch cfg.Provider {
	case "", "smtp":
		return NewSMTPSender(cfg.SMTP, cfg.From, cfg.FromName), nil
	case "sendgrid":
		return NewSendGridSender(cfg.APIKey, cfg.From, cfg.FromName), nil
	case "resend":
		return NewResendSender(cfg.APIKey, cfg.From, cfg.FromName), nil
	}
	return nil, fmt.Errorf("unknown email provider: %s", cfg.Provider)
}

// ValidateEmail checks for injection characters and RFC 5322 compliance
func ValidateEmail(email string) error {
	if strings.ContainsAny(email, "\r\n,;") {
		return fmt.Errorf("email contains invalid characters")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	return nil
}

func validateMessage(from string, msg Message) error {
	if err := ValidateEmail(from); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("no recipients")
	}
	for _, to := range msg.To {
		if err := ValidateEmail(to); err != nil {
			return fmt.Errorf("invalid recipient: %w", err)
		}
	}
	for _, cc := range msg.Cc {
		if err := ValidateEmail(cc); err != nil {
			return fmt.Errorf("invalid cc: %w", err)
		}
	}
	// Reject headers with CRLF to prevent injection
	if strings.ContainsAny(msg.Subject, "\r\n") {
		return fmt.Errorf("subject contains invalid characters")
	}
	if msg.Attachment != nil && msg.Attachment.Name == "" {
		return fmt.Errorf("attachment has no name")
	}
	return nil
}

func formatFrom(name, address string) string {
	if name == "" {
		return address
	}
	return (&mail.Address{Name: name, Address: address}).String()
}
