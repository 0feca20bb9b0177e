package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rba-platform/login-guard/configs"
)

// Mailer delivers a one-time code to a recipient.
type Mailer interface {
	SendCode(ctx context.Context, to, code string, expiresAt time.Time) error
}

// SMTPMailer sends codes over plain SMTP with STARTTLS auth.
type SMTPMailer struct {
	cfg configs.SMTPConfig
}

func NewSMTPMailer(cfg configs.SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// SendCode delivers the code by email. The configured timeout bounds
// the whole exchange; the context can cancel it earlier.
func (m *SMTPMailer) SendCode(ctx context.Context, to, code string, expiresAt time.Time) error {
	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprintf("%d", m.cfg.Port))

	deadline := time.Now().Add(m.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := &net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial smtp server: %w", err)
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open smtp session: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(m.tlsConfig()); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	auth := smtp.PlainAuth("", m.cfg.Sender, m.cfg.Password, m.cfg.Host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth failed: %w", err)
	}

	if err := client.Mail(m.cfg.Sender); err != nil {
		return fmt.Errorf("smtp mail from failed: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to failed: %w", err)
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data failed: %w", err)
	}

	body := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: Your verification code\r\n\r\n"+
			"Your verification code is: %s\r\n\r\nIt expires at %s.\r\n"+
			"If you did not request this code, ignore this message.\r\n",
		m.cfg.Sender, to, code, expiresAt.Format(time.RFC1123),
	)
	if _, err := wc.Write([]byte(body)); err != nil {
		wc.Close()
		return fmt.Errorf("failed to write mail body: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to finish mail body: %w", err)
	}

	return client.Quit()
}

// tlsConfig names the server so the handshake can verify its
// certificate.
func (m *SMTPMailer) tlsConfig() *tls.Config {
	return &tls.Config{ServerName: m.cfg.Host}
}

// ConsoleMailer logs codes instead of sending them. Used when SMTP is
// disabled, so local setups still surface the code.
type ConsoleMailer struct{}

func NewConsoleMailer() *ConsoleMailer {
	return &ConsoleMailer{}
}

func (m *ConsoleMailer) SendCode(ctx context.Context, to, code string, expiresAt time.Time) error {
	log.Info().
		Str("to", to).
		Str("code", code).
		Time("expires_at", expiresAt).
		Msg("SMTP disabled, code logged instead of sent")
	return nil
}
