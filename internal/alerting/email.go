package alerting

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
)

// EmailOptions configure the SMTP transport.
type EmailOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailNotifier delivers alerts over SMTP. The message address is the
// recipient email address.
type EmailNotifier struct {
	opts   EmailOptions
	logger zerolog.Logger
	send   func(addr string, auth smtp.Auth, from string, to []string, body []byte) error
}

// NewEmailNotifier constructs an SMTP notifier.
func NewEmailNotifier(opts EmailOptions, logger zerolog.Logger) *EmailNotifier {
	if opts.Port <= 0 {
		opts.Port = 587
	}
	return &EmailNotifier{
		opts:   opts,
		logger: logger.With().Str("component", "alert_email").Logger(),
		send:   smtp.SendMail,
	}
}

// Notify sends the rendered alert as a plain-text email.
func (n *EmailNotifier) Notify(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := fmt.Sprintf("Price Alert: %s", msg.ProductName)
	body := strings.Join([]string{
		fmt.Sprintf("From: %s", n.opts.From),
		fmt.Sprintf("To: %s", msg.Address),
		fmt.Sprintf("Subject: %s", subject),
		"",
		Render(msg),
	}, "\r\n")

	var auth smtp.Auth
	if n.opts.Username != "" {
		auth = smtp.PlainAuth("", n.opts.Username, n.opts.Password, n.opts.Host)
	}

	addr := fmt.Sprintf("%s:%d", n.opts.Host, n.opts.Port)
	if err := n.send(addr, auth, n.opts.From, []string{msg.Address}, []byte(body)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info().
		Str("product", msg.ProductName).
		Str("recipient", msg.Address).
		Msg("alert delivered via email")
	return nil
}

var _ Notifier = (*EmailNotifier)(nil)
