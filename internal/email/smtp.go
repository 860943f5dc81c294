package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/attendance-mail/attendance/internal/config"
)

type SMTPSender struct {
	config   config.SMTPConfig
	from     string
	fromName string
}

func NewSMTPSender(cfg config.SMTPConfig, from, fromName string) *SMTPSender {
	return &SMTPSender{config: cfg, from: from, fromName: fromName}
}

func (s *SMTPSender) Name() string { return "smtp" }

func (s *SMTPSender) Send(ctx context.Context, msg Message) Result {
	if err := validateMessage(s.from, msg); err != nil {
		return Result{Success: false, Error: err}
	}

	raw, messageID, err := buildMIME(s.fromName, s.from, msg, time.Now())
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("failed to build message: %w", err)}
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	rcpts := append(append([]string{}, msg.To...), msg.Cc...)

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	if s.config.UseTLS {
		err = s.sendWithTLS(addr, auth, rcpts, raw)
	} else {
		// SendMail upgrades with STARTTLS when the server offers it, and
		// PlainAuth refuses to send credentials otherwise.
		err = smtp.SendMail(addr, auth, s.from, rcpts, raw)
	}
	if err != nil {
		return Result{Success: false, Error: sanitizeSMTPError(err)}
	}

	return Result{Success: true, MessageID: messageID}
}

// buildMIME renders msg as an RFC 5322 message: a single HTML part, or
// multipart/mixed when there is an attachment.
func buildMIME(fromName, from string, msg Message, now time.Time) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetSubject(msg.Subject)
	h.SetAddressList("From", []*mail.Address{{Name: fromName, Address: from}})
	h.SetAddressList("To", addressList(msg.To))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", addressList(msg.Cc))
	}
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", err
	}
	messageID, _ := h.MessageID()

	var buf bytes.Buffer
	if err := writeMIME(&buf, h, msg); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), messageID, nil
}

// writeMIME writes the body parts under h. Every part is closed and checked
// so a short write never yields a truncated attachment.
func writeMIME(out io.Writer, h mail.Header, msg Message) error {
	if msg.Attachment == nil {
		h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(out, h)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, msg.HTMLBody); err != nil {
			return err
		}
		return w.Close()
	}

	mw, err := mail.CreateWriter(out, h)
	if err != nil {
		return err
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return err
	}
	var th mail.InlineHeader
	th.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	pw, err := tw.CreatePart(th)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, msg.HTMLBody); err != nil {
		return err
	}
	if err := pw.Close(); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	var ah mail.AttachmentHeader
	ah.SetContentType(msg.Attachment.MIME, nil)
	ah.SetFilename(msg.Attachment.Name)
	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return err
	}
	if _, err := aw.Write(msg.Attachment.Bytes); err != nil {
		return err
	}
	if err := aw.Close(); err != nil {
		return err
	}

	return mw.Close()
}

func addressList(addrs []string) []*mail.Address {
	list := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, &mail.Address{Address: a})
	}
	return list
}

func sanitizeSMTPError(err error) error {
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "auth") {
		return fmt.Errorf("SMTP authentication failed")
	}
	if strings.Contains(s, "certificate") {
		return fmt.Errorf("TLS certificate error")
	}
	return fmt.Errorf("SMTP error: %v", err)
}

func (s *SMTPSender) sendWithTLS(addr string, auth smtp.Auth, rcpts []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		ServerName: s.config.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("TLS connection failed: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("SMTP client creation failed: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}
	if err := client.Mail(s.from); err != nil {
		return fmt.Errorf("sender rejected: %w", err)
	}
	for _, to := range rcpts {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("recipient rejected: %w", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data command failed: %w", err)
	}
	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("message write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message finalization failed: %w", err)
	}
	return client.Quit()
}
