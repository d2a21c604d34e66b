package services

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log"
	"net/smtp"

	"github.com/statuswatch/oncall/internal/config"
)

// Mail templates for incident notifications. Kept inline so a deploy
// is a single binary.
var mailTemplates = template.Must(template.New("mail").Parse(`
{{define "incident_created"}}
<h2>Incident #{{.IDNumber}}: {{.MonitorName}} is down</h2>
<p>{{.Reason}}</p>
<p>Project: {{.ProjectName}}</p>
{{if .AckURL}}<p><a href="{{.AckURL}}">Acknowledge</a> | <a href="{{.ResolveURL}}">Resolve</a></p>{{end}}
{{end}}

{{define "incident_acknowledged"}}
<h2>Incident #{{.IDNumber}} acknowledged</h2>
<p>{{.MonitorName}} was acknowledged by {{.ActorName}}.</p>
{{end}}

{{define "incident_resolved"}}
<h2>Incident #{{.IDNumber}} resolved</h2>
<p>{{.MonitorName}} was resolved by {{.ActorName}}.</p>
{{end}}

{{define "investigation_note"}}
<h2>Investigation update on incident #{{.IDNumber}}</h2>
<p>{{.Note}}</p>
{{end}}

{{define "subscriber_incident"}}
<h2>{{.MonitorName}} status update</h2>
<p>{{.Message}}</p>
<p style="color:#888;font-size:12px">You receive this because you subscribed to {{.StatusPageName}}.</p>
{{end}}
`))

// MailService sends incident mail over SMTP. It satisfies
// MailProvider.
type MailService struct {
	cfg config.SMTPConfig
}

func NewMailService(cfg config.SMTPConfig) *MailService {
	return &MailService{cfg: cfg}
}

// Configured reports whether hosted SMTP credentials are present.
func (s *MailService) Configured() bool {
	return s.cfg.Host != "" && s.cfg.From != ""
}

// SendIncidentMail renders the named template and sends it. The
// context is accepted for interface symmetry; net/smtp does not take
// one.
func (s *MailService) SendIncidentMail(ctx context.Context, m IncidentMail) error {
	if !s.Configured() {
		return fmt.Errorf("smtp is not configured")
	}

	var body bytes.Buffer
	if err := mailTemplates.ExecuteTemplate(&body, m.Template, m.Data); err != nil {
		return fmt.Errorf("failed to render mail template %q: %w", m.Template, err)
	}

	headers := fmt.Sprintf("To: %s\r\nFrom: %s\r\nSubject: %s\r\n", m.To, s.cfg.From, m.Subject)
	if m.ReplyTo != "" {
		headers += fmt.Sprintf("Reply-To: %s\r\n", m.ReplyTo)
	}
	headers += "MIME-version: 1.0;\r\nContent-Type: text/html; charset=\"UTF-8\";\r\n\r\n"

	msg := append([]byte(headers), body.Bytes()...)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)

	if err := smtp.SendMail(addr, auth, s.cfg.From, []string{m.To}, msg); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", m.To, err)
	}

	log.Printf("Sent %s mail to %s", m.Template, m.To)
	return nil
}
