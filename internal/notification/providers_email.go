package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"trade-lifecycle-engine/config"
)

// =============================================================================
// EMAIL NOTIFIER
// =============================================================================

// sendMailFunc matches smtp.SendMail
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier mails errors, warnings and closed trades to the operator
type EmailNotifier struct {
	cfg      config.EmailConfig
	sendMail sendMailFunc
	logger   zerolog.Logger
}

// NewEmailNotifier creates an SMTP notifier. Port 465 dials implicit TLS; other
// ports use smtp.SendMail, which upgrades with STARTTLS when offered.
func NewEmailNotifier(cfg config.EmailConfig, logger zerolog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		cfg:    cfg,
		logger: logger.With().Str("notifier", "email").Logger(),
	}
	n.sendMail = smtp.SendMail
	if cfg.Port == "465" {
		n.sendMail = sendMailTLS
	}
	return n
}

func (e *EmailNotifier) Name() string { return "email" }

func (e *EmailNotifier) IsEnabled() bool {
	return e.cfg.Enabled && e.cfg.Host != "" && len(e.cfg.To) > 0
}

// wants limits mail to events that need the operator's attention
func (e *EmailNotifier) wants(t NotificationType) bool {
	return t == NotifyError || t == NotifyWarning || t == NotifyTradeClose
}

// Send mails one notification; other types are skipped
func (e *EmailNotifier) Send(ctx context.Context, n *Notification) error {
	if !e.wants(n.Type) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	addr := net.JoinHostPort(e.cfg.Host, e.cfg.Port)

	if err := e.sendMail(addr, auth, e.cfg.From, e.cfg.To, e.buildMessage(n)); err != nil {
		return fmt.Errorf("SMTP error: %w", err)
	}
	e.logger.Debug().Str("trade_id", n.TradeID).Strs("to", e.cfg.To).Msg("Notification mailed")
	return nil
}

func (e *EmailNotifier) buildMessage(n *Notification) []byte {
	from := e.cfg.From
	if e.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", e.cfg.FromName, e.cfg.From)
	}

	var body strings.Builder
	body.WriteString(n.Message)
	body.WriteString("\r\n\r\n")
	fmt.Fprintf(&body, "Trade:  %s\r\n", n.TradeID)
	fmt.Fprintf(&body, "Symbol: %s\r\n", n.Symbol)
	fmt.Fprintf(&body, "Time:   %s\r\n", n.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	keys := make([]string, 0, len(n.Extra))
	for k := range n.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&body, "%s: %s\r\n", k, n.Extra[k])
	}

	return []byte(
		"From: " + from + "\r\n" +
			"To: " + strings.Join(e.cfg.To, ", ") + "\r\n" +
			"Subject: [trade-engine] " + n.Title + "\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=UTF-8\r\n" +
			"\r\n" +
			body.String(),
	)
}

// sendMailTLS sends over an implicit TLS connection (port 465)
func sendMailTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err = client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	if err = client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, recipient := range to {
		if err = client.Rcpt(recipient); err != nil {
			return fmt.Errorf("failed to add recipient: %w", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}
	return client.Quit()
}
