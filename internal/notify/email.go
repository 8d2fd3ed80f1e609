// Package notify composes and delivers plain-text email.
//
// With no SMTP host configured the notifier runs in dev mode and writes
// the full message to the operator log instead of the wire.
package notify

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/rewire/rewire/internal/config"
	"github.com/rewire/rewire/internal/metrics"
)

const sendTimeout = 20 * time.Second

// Notifier sends plain-text email over SMTP.
type Notifier struct {
	smtp    config.SMTPConfig
	metrics *metrics.Metrics
	logger  *log.Logger
}

// New creates a notifier. metrics may be nil.
func New(smtpCfg config.SMTPConfig, m *metrics.Metrics) *Notifier {
	return &Notifier{
		smtp:    smtpCfg,
		metrics: m,
		logger:  log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
}

// SendEmail delivers one message. In dev mode (no host) it logs the message
// and reports success.
func (n *Notifier) SendEmail(to, subject, body string) error {
	if n.smtp.Host == "" {
		n.logger.Printf("--- EMAIL to=%s\nSUBJ: %s\n\n%s\n---", to, subject, body)
		n.count("devlog")
		return nil
	}

	if err := n.sendSMTP(to, subject, body); err != nil {
		n.count("error")
		n.logger.Printf("email to %s failed: %v", to, err)
		return err
	}
	n.count("ok")
	return nil
}

func (n *Notifier) sendSMTP(to, subject, body string) error {
	addr := net.JoinHostPort(n.smtp.Host, fmt.Sprintf("%d", n.smtp.Port))
	conn, err := net.DialTimeout("tcp", addr, sendTimeout)
	if err != nil {
		return fmt.Errorf("notify: dial %s: %w", addr, err)
	}
	// One deadline bounds the whole exchange.
	_ = conn.SetDeadline(time.Now().Add(sendTimeout))

	c, err := smtp.NewClient(conn, n.smtp.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("notify: smtp client: %w", err)
	}
	defer c.Close()

	if err := c.Hello("rewire"); err != nil {
		return fmt.Errorf("notify: ehlo: %w", err)
	}

	// Opportunistic TLS: a refusal is tolerated, a handshake failure is not.
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: n.smtp.Host}); err != nil {
			return fmt.Errorf("notify: starttls: %w", err)
		}
	}

	if n.smtp.User != "" && n.smtp.Password != "" {
		auth := smtp.PlainAuth("", n.smtp.User, n.smtp.Password, n.smtp.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("notify: auth: %w", err)
		}
	}

	if err := c.Mail(n.smtp.From); err != nil {
		return fmt.Errorf("notify: mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("notify: rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("notify: data: %w", err)
	}
	if _, err := w.Write([]byte(formatMessage(n.smtp.From, to, subject, body))); err != nil {
		_ = w.Close()
		return fmt.Errorf("notify: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("notify: close data: %w", err)
	}
	return c.Quit()
}

func (n *Notifier) count(outcome string) {
	if n.metrics != nil {
		n.metrics.EmailsSent.WithLabelValues(outcome).Inc()
	}
}

func formatMessage(from, to, subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.String()
}
