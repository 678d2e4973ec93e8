package email

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/smtp"
	"os"
	"strings"
	"sync"
)

//go:embed templates/*.html
var embeddedTemplates embed.FS

var ErrNoRecipients = errors.New("email_no_recipients")

type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	From        string
	TemplateDir string
}

type SMTPProvider struct {
	cfg Config

	once      sync.Once
	templates *template.Template
	parseErr  error
}

func NewSMTP(cfg Config) *SMTPProvider {
	return &SMTPProvider{cfg: cfg}
}

func (p *SMTPProvider) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if p.cfg.Username != "" {
		auth = smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)

	return smtp.SendMail(addr, auth, p.cfg.From, msg.To, buildMIME(p.cfg.From, msg))
}

func (p *SMTPProvider) SendTemplate(ctx context.Context, msg Message, templateName string, data interface{}) error {
	set, err := p.templateSet()
	if err != nil {
		return err
	}

	var body bytes.Buffer
	if err := set.ExecuteTemplate(&body, templateName+".html", data); err != nil {
		return fmt.Errorf("failed to execute template %s: %w", templateName, err)
	}
	msg.HTML = body.String()
	if msg.Subject == "" {
		msg.Subject = subjectFor(templateName)
	}

	return p.Send(ctx, msg)
}

func (p *SMTPProvider) templateSet() (*template.Template, error) {
	p.once.Do(func() {
		var source fs.FS = embeddedTemplates
		pattern := "templates/*.html"
		if dir := strings.TrimSpace(p.cfg.TemplateDir); dir != "" {
			source = os.DirFS(dir)
			pattern = "*.html"
		}
		p.templates, p.parseErr = template.ParseFS(source, pattern)
		if p.parseErr != nil {
			p.parseErr = fmt.Errorf("failed to parse templates: %w", p.parseErr)
		}
	})
	return p.templates, p.parseErr
}

func buildMIME(from string, msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	if msg.ID != "" {
		fmt.Fprintf(&b, "Message-ID: <%s@dunningd>\r\n", msg.ID)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(msg.HTML)
	return []byte(b.String())
}

func subjectFor(templateName string) string {
	switch {
	case templateName == "dunning_final_notice":
		return "Final notice: your subscription will be suspended"
	case strings.HasPrefix(templateName, "dunning_reminder_"):
		return "Action needed: we couldn't process your payment"
	case templateName == "payment_recovered":
		return "Your payment went through"
	case strings.HasPrefix(templateName, "winback_"):
		return "We'd love to have you back"
	default:
		return "A message about your subscription"
	}
}
