package email

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"
)

type ResendSender struct {
	client   *resend.Client
	from     string
	fromName string
}

func NewResendSender(apiKey, from, fromName string) *ResendSender {
	return &ResendSender{client: resend.NewClient(apiKey), from: from, fromName: fromName}
}

func (s *ResendSender) Name() string { return "resend" }

func (s *ResendSender) Send(ctx context.Context, msg Message) Result {
	if err := validateMessage(s.from, msg); err != nil {
		return Result{Success: false, Error: err}
	}

	sent, err := s.client.Emails.SendWithContext(ctx, buildResendRequest(s.fromName, s.from, msg))
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("resend request failed: %w", err)}
	}
	return Result{Success: true, MessageID: sent.Id}
}

func buildResendRequest(fromName, from string, msg Message) *resend.SendEmailRequest {
	req := &resend.SendEmailRequest{
		From:    formatFrom(fromName, from),
		To:      msg.To,
		Cc:      msg.Cc,
		Subject: msg.Subject,
		Html:    msg.HTMLBody,
	}
	if msg.Attachment != nil {
		req.Attachments = []*resend.Attachment{{
			Content:  msg.Attachment.Bytes,
			Filename: msg.Attachment.Name,
		}}
	}
	return req
}
