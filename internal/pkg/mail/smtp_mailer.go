package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/config"
)

const dialTimeout = 10 * time.Second

var subjects = map[billing.TemplateKind]string{
	billing.TemplateWelcome:               "Welcome aboard",
	billing.TemplatePaymentFailed:         "Your payment failed",
	billing.TemplatePaymentRecovered:      "Your payment went through",
	billing.TemplateFinalNotice:           "Your subscription is suspended",
	billing.TemplateCancellationScheduled: "Your subscription will end",
	billing.TemplateCancellationConfirmed: "Your subscription has ended",
	billing.TemplatePlanChanged:           "Your plan has changed",
	billing.TemplateSubscriptionPaused:    "Your subscription is paused",
	billing.TemplateSubscriptionResumed:   "Your subscription is active again",
	billing.TemplateTrialEnding:           "Your trial ends soon",
	billing.TemplatePaymentReceipt:        "Payment receipt",
	billing.TemplatePurchaseReceipt:       "Thank you for your purchase",
	billing.TemplateRefundConfirmation:    "Your refund",
	billing.TemplatePaymentActionRequired: "Action required to complete your payment",
	billing.TemplatePaymentMethodUpdated:  "Your payment method was updated",
	billing.TemplateDisputeOpened:         "A payment dispute was opened",
}

var bodyTemplate = template.Must(template.New("body").Parse(`<!doctype html>
<html><body>
<h2>{{.Subject}}</h2>
{{if .Params}}<table>
{{range .Params}}<tr><td>{{.Key}}</td><td>{{.Value}}</td></tr>
{{end}}</table>{{end}}
</body></html>`))

type param struct {
	Key   string
	Value string
}

// SMTPMailer sends billing emails via SMTP.
type SMTPMailer struct {
	cfg config.SMTPConfig
}

func NewSMTPMailer(cfg config.SMTPConfig) *SMTPMailer {
	if cfg.Sender == "" {
		cfg.Sender = "no-reply@localhost"
		log.Warnf("[Mail] SMTP_SENDER not set, using default sender: %s", cfg.Sender)
	}
	return &SMTPMailer{cfg: cfg}
}

// Subject returns the subject line of a template.
func Subject(kind billing.TemplateKind) string {
	if s, ok := subjects[kind]; ok {
		return s
	}
	return strings.ReplaceAll(string(kind), "_", " ")
}

// Render builds the full RFC 5322 message for a template.
func Render(sender, to string, kind billing.TemplateKind, params map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([]param, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, param{Key: strings.ReplaceAll(k, "_", " "), Value: params[k]})
	}

	subject := Subject(kind)
	var body bytes.Buffer
	if err := bodyTemplate.Execute(&body, struct {
		Subject string
		Params  []param
	}{Subject: subject, Params: rows}); err != nil {
		return nil, fmt.Errorf("render %s: %w", kind, err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\nTo: %s\r\nSubject: %s\r\n", sender, to, subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

// Send implements billing.Mailer.
func (m *SMTPMailer) Send(ctx context.Context, kind billing.TemplateKind, to string, params map[string]string) error {
	if m.cfg.Host == "" {
		return billing.Permanent(fmt.Errorf("%w: SMTP_HOST is not set", billing.ErrConfiguration))
	}
	if strings.ContainsAny(to, "\r\n") {
		return billing.Permanent(fmt.Errorf("invalid recipient %q", to))
	}
	msg, err := Render(m.cfg.Sender, to, kind, params)
	if err != nil {
		return billing.Permanent(err)
	}

	addr := net.JoinHostPort(m.cfg.Host, m.cfg.Port)
	if err := m.send(ctx, addr, to, msg); err != nil {
		log.Errorf("[Mail] SMTP send error for %s to %s: %v", kind, to, err)
		return err
	}
	log.Infof("[Mail] Sent %s to %s via %s", kind, to, addr)
	return nil
}

// send is smtp.SendMail with a dial and deadline bound to ctx.
func (m *SMTPMailer) send(ctx context.Context, addr, to string, msg []byte) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return err
		}
	}
	if m.cfg.Username != "" && m.cfg.Password != "" {
		if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
			return err
		}
	}
	if err := c.Mail(m.cfg.Sender); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
