package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
)

// EmailConfig holds SMTP relay settings. Port 465 dials with implicit
// TLS, everything else upgrades with STARTTLS when the server offers
// it.
type EmailConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	To       []string
}

// EmailNotifier delivers plain-text mail over SMTP.
type EmailNotifier struct {
	cfg     EmailConfig
	enabled bool
}

// NewEmailNotifier builds the provider. It stays disabled unless host,
// sender and at least one recipient are set.
func NewEmailNotifier(cfg EmailConfig) *EmailNotifier {
	if cfg.FromName == "" {
		cfg.FromName = "Crypto Screener"
	}
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	return &EmailNotifier{
		cfg:     cfg,
		enabled: cfg.Enabled && cfg.Host != "" && cfg.From != "" && len(cfg.To) > 0,
	}
}

func (e *EmailNotifier) Name() string { return "email" }

func (e *EmailNotifier) IsEnabled() bool { return e.enabled }

// Send mails the notification to every configured recipient.
func (e *EmailNotifier) Send(ctx context.Context, n *Notification) error {
	if !e.enabled {
		return nil
	}
	if err := e.send(ctx, e.message(n)); err != nil {
		return fmt.Errorf("notify: email send: %w", err)
	}
	return nil
}

// send speaks SMTP over a context-bound connection.
func (e *EmailNotifier) send(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(e.cfg.Host, e.cfg.Port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if e.cfg.Port == "465" {
		conn = tls.Client(conn, &tls.Config{ServerName: e.cfg.Host})
	}

	client, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if e.cfg.Port != "465" {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: e.cfg.Host}); err != nil {
				return err
			}
		}
	}
	if e.cfg.Username != "" {
		auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return err
		}
	}

	if err := client.Mail(e.cfg.From); err != nil {
		return err
	}
	for _, rcpt := range e.cfg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// message renders the notification with RFC 5322 headers and a
// plain-text body.
func (e *EmailNotifier) message(n *Notification) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\r\n", e.cfg.FromName, e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", n.Title)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(n.Message)
	b.WriteString("\r\n")
	return []byte(b.String())
}
