package notify

import (
	"context"

	"github.com/monitorbot/monitorbot/internal/domain"
)

// EmailSender is a stub notify channel: it leaves a seam for SMTP
// delivery without requiring one. It is never Enabled() unless a future
// caller explicitly configures it through SMTPConfigured.
type EmailSender struct {
	configured bool
}

// NewEmailSender creates an EmailSender. SMTPConfigured should be true
// only once real SMTP settings are wired in; until then the channel
// stays disabled and Send always reports failure.
func NewEmailSender(smtpConfigured bool) *EmailSender {
	return &EmailSender{configured: smtpConfigured}
}

// Name returns the channel identifier.
func (e *EmailSender) Name() string { return "email" }

// Enabled reports whether SMTP delivery has been configured.
func (e *EmailSender) Enabled() bool { return e.configured }

// Send always returns false: no SMTP transport is wired in yet.
func (e *EmailSender) Send(ctx context.Context, alert domain.FormattedAlert) bool {
	return false
}

var _ domain.NotifyChannel = (*EmailSender)(nil)
