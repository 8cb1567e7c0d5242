package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/wolfman30/appointment-sync/pkg/logging"
)

const defaultFromName = "Appointment Sync"

// EmailSender delivers operator e-mail such as sync failure alerts.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is an operator e-mail. To may hold several comma-separated addresses.
type EmailMessage struct {
	To      string
	Subject string
	Body    string
	HTML    string
}

// Recipients splits To into trimmed, non-empty addresses.
func (m EmailMessage) Recipients() []string {
	var out []string
	for _, addr := range strings.Split(m.To, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// SendGridConfig holds configuration for SendGrid.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// SendGridSender sends e-mail through the SendGrid v3 API.
type SendGridSender struct {
	client *sendgrid.Client
	from   *mail.Email
	logger *logging.Logger
}

// NewSendGridSender returns nil when no API key is configured.
func NewSendGridSender(cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.FromName == "" {
		cfg.FromName = defaultFromName
	}
	return &SendGridSender{
		client: sendgrid.NewSendClient(cfg.APIKey),
		from:   mail.NewEmail(cfg.FromName, cfg.FromEmail),
		logger: logger,
	}
}

func (s *SendGridSender) buildMessage(msg EmailMessage) (*mail.SGMailV3, error) {
	recipients := msg.Recipients()
	if len(recipients) == 0 {
		return nil, fmt.Errorf("notify: email has no recipients")
	}
	p := mail.NewPersonalization()
	for _, addr := range recipients {
		p.AddTos(mail.NewEmail("", addr))
	}

	m := mail.NewV3Mail()
	m.SetFrom(s.from)
	m.Subject = msg.Subject
	m.AddPersonalizations(p)
	m.AddContent(mail.NewContent("text/plain", msg.Body))
	if msg.HTML != "" {
		m.AddContent(mail.NewContent("text/html", msg.HTML))
	}
	return m, nil
}

// Send delivers msg to every recipient in one request.
func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("notify: sendgrid client not configured")
	}
	m, err := s.buildMessage(msg)
	if err != nil {
		return err
	}

	resp, err := s.client.SendWithContext(ctx, m)
	if err != nil {
		s.logger.Error("sendgrid send failed", "error", err, "to", msg.To)
		return fmt.Errorf("notify: sendgrid send failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		s.logger.Error("sendgrid returned error status", "status", resp.StatusCode, "body", resp.Body)
		return fmt.Errorf("notify: sendgrid returned status %d", resp.StatusCode)
	}
	s.logger.Info("alert email sent via sendgrid", "to", msg.To, "subject", msg.Subject)
	return nil
}

// StubEmailSender logs e-mail instead of sending it; used when no provider is configured.
type StubEmailSender struct {
	logger *logging.Logger
}

func NewStubEmailSender(logger *logging.Logger) *StubEmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubEmailSender{logger: logger}
}

func (s *StubEmailSender) Send(_ context.Context, msg EmailMessage) error {
	s.logger.Warn("email delivery disabled, dropping message", "to", msg.To, "subject", msg.Subject)
	return nil
}
