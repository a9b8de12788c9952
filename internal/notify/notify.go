// Package notify delivers lifecycle email to tenant contacts: the one-time
// admin credential after provisioning, trial-ended notices, and
// payment-required warnings.
//
// Delivery is fire-and-forget. A failed send is logged and dropped; it never
// fails or rolls back the operation that triggered it.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"gopkg.in/gomail.v2"
)

// Sender delivers a notification to a tenant contact.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPConfig configures the mail relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender sends mail through the configured relay.
type SMTPSender struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
}

// NewSMTPSender creates an SMTP-backed sender.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

func (s *SMTPSender) Send(_ context.Context, to, subject, body string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("notify: send to %s failed: %w", to, err)
	}
	return nil
}

var _ Sender = (*SMTPSender)(nil)

// NopSender discards notifications; used in dev when SMTP is not configured.
type NopSender struct{}

func (NopSender) Send(context.Context, string, string, string) error { return nil }

var _ Sender = NopSender{}

// Notifier wraps a Sender with the platform's message templates and the
// swallow-and-log failure policy.
type Notifier struct {
	sender Sender
	logger *slog.Logger
}

// New creates a Notifier.
func New(sender Sender, logger *slog.Logger) *Notifier {
	return &Notifier{sender: sender, logger: logger}
}

// AdminCredential delivers the generated admin password. The credential is
// not re-derivable, so this is its only delivery channel; it must never be
// written to logs.
func (n *Notifier) AdminCredential(ctx context.Context, email, appURL, password string) {
	body := fmt.Sprintf(
		"Your workspace is ready at %s\n\nAdmin login: %s\nTemporary password: %s\n\nPlease change this password after your first login.\n",
		appURL, email, password)
	n.send(ctx, email, "Your workspace is ready", body)
}

// TrialEnded tells the contact their trial expired and the instance was
// suspended pending payment.
func (n *Notifier) TrialEnded(ctx context.Context, email, name string) {
	body := fmt.Sprintf(
		"Hi %s,\n\nYour trial has ended and your workspace has been paused. Add a payment method to pick up where you left off — your data is safe.\n",
		name)
	n.send(ctx, email, "Your trial has ended", body)
}

// PaymentRequired warns the contact about failed charges before suspension.
func (n *Notifier) PaymentRequired(ctx context.Context, email, name string) {
	body := fmt.Sprintf(
		"Hi %s,\n\nWe could not collect your latest payment and your workspace has been paused. Update your payment details to restore access.\n",
		name)
	n.send(ctx, email, "Payment required", body)
}

func (n *Notifier) send(ctx context.Context, to, subject, body string) {
	if err := n.sender.Send(ctx, to, subject, body); err != nil {
		// Notification failure must not surface to the caller.
		n.logger.Warn("notification not delivered", "to", to, "subject", subject, "error", err)
	}
}
