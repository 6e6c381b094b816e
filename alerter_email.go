package main

import (
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

type EmailConfig struct {
	// Service selects a preset: smtp, sendgrid or mailgun.
	Service       string `yaml:"service" envconfig:"EMAIL_SERVICE" default:"smtp"`
	Host          string `yaml:"host" envconfig:"SMTP_HOST" default:"smtp.gmail.com"`
	Port          int    `yaml:"port" envconfig:"SMTP_PORT" default:"587"`
	Username      string `yaml:"username" envconfig:"SMTP_USER"`
	Password      string `yaml:"password" envconfig:"SMTP_PASS"`
	SendgridKey   string `yaml:"sendgrid_api_key" envconfig:"SENDGRID_API_KEY"`
	MailgunDomain string `yaml:"mailgun_domain" envconfig:"MAILGUN_DOMAIN"`
	MailgunKey    string `yaml:"mailgun_api_key" envconfig:"MAILGUN_API_KEY"`
	From          string `yaml:"from" envconfig:"EMAIL_FROM" default:"noreply@uptimemonitor.com"`
}

// smtpSettings resolves the preset into host, port and credentials.
func (c EmailConfig) smtpSettings() (host string, port int, username, password string, err error) {
	switch strings.ToLower(c.Service) {
	case "sendgrid":
		return "smtp.sendgrid.net", 587, "apikey", c.SendgridKey, nil
	case "mailgun":
		if c.MailgunDomain == "" {
			return "", 0, "", "", fmt.Errorf("%w: mailgun requires a domain", ErrNotifierNotConfigured)
		}
		return "smtp.mailgun.org", 587, "postmaster@" + c.MailgunDomain, c.MailgunKey, nil
	case "", "smtp":
		if c.Host == "" {
			return "", 0, "", "", fmt.Errorf("%w: smtp host is empty", ErrNotifierNotConfigured)
		}
		port = c.Port
		if port == 0 {
			port = 587
		}
		return c.Host, port, c.Username, c.Password, nil
	default:
		return "", 0, "", "", fmt.Errorf("%w: unknown email service %q", ErrNotifierNotConfigured, c.Service)
	}
}

// mailSender is satisfied by *mail.Client.
type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

type EmailNotifier struct {
	sender       mailSender
	from         string
	dashboardURL string
}

func NewEmailNotifier(config EmailConfig, dashboardURL string) (*EmailNotifier, error) {
	host, port, username, password, err := config.smtpSettings()
	if err != nil {
		return nil, err
	}

	options := []mail.Option{
		mail.WithPort(port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(DefaultDeliveryTimeout),
	}
	if username != "" {
		options = append(options,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(username),
			mail.WithPassword(password),
		)
	}
	client, err := mail.NewClient(host, options...)
	if err != nil {
		return nil, fmt.Errorf("creating mail client: %w", err)
	}

	return newEmailNotifier(client, config.From, dashboardURL), nil
}

func newEmailNotifier(sender mailSender, from, dashboardURL string) *EmailNotifier {
	return &EmailNotifier{sender: sender, from: from, dashboardURL: dashboardURL}
}

func (e *EmailNotifier) Channel() Channel {
	return ChannelEmail
}

var emailTemplate = template.Must(template.New("alert").Parse(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <div style="background: {{.Background}}; padding: 20px; border-radius: 8px; margin-bottom: 20px;">
    <h2 style="color: {{.Accent}}; margin: 0;">{{.Heading}}</h2>
  </div>
  <div style="background: #f8fafc; padding: 20px; border-radius: 8px; border-left: 4px solid {{.Accent}};">
    <h3 style="margin-top: 0; color: #1f2937;">Monitor Details</h3>
    <p><strong>Service:</strong> {{.Alert.MonitorName}}</p>
    <p><strong>URL:</strong> <a href="{{.Alert.URL}}" style="color: #3b82f6;">{{.Alert.URL}}</a></p>
    <p><strong>Status:</strong> <span style="color: {{.Accent}}; font-weight: bold;">{{.Status}}</span></p>
    {{- if .Alert.ResponseTimeMs.Valid}}
    <p><strong>Response Time:</strong> {{.Alert.ResponseTimeMs.Int64}}ms</p>
    {{- end}}
    {{- if .Alert.ErrorMessage.Valid}}
    <p><strong>Error:</strong> {{.Alert.ErrorMessage.String}}</p>
    {{- end}}
    <p><strong>Time:</strong> {{.Time}}</p>
  </div>
  <div style="margin-top: 20px; padding: 15px; background: #e5e7eb; border-radius: 6px;">
    <p style="margin: 0; font-size: 14px; color: #6b7280;">
      This is an automated alert from your Uptime Monitor.
      {{- if .DashboardURL}}
      <br><a href="{{.DashboardURL}}" style="color: #3b82f6;">View Dashboard</a>
      {{- end}}
    </p>
  </div>
</div>`))

type emailTemplateData struct {
	Alert        Alert
	Heading      string
	Status       string
	Background   string
	Accent       string
	Time         string
	DashboardURL string
}

func emailSubject(alert Alert) string {
	if alert.Kind == AlertKindRecovery {
		return fmt.Sprintf("RECOVERY: %s is back UP", alert.MonitorName)
	}
	return fmt.Sprintf("ALERT: %s is DOWN", alert.MonitorName)
}

func (e *EmailNotifier) buildMessage(destination string, alert Alert) (*mail.Msg, error) {
	data := emailTemplateData{
		Alert:        alert,
		Heading:      "Service Down Alert",
		Status:       strings.ToUpper(alertStatusLine(alert)),
		Background:   "#fee2e2",
		Accent:       "#dc2626",
		Time:         alert.OccurredAt.Format(time.RFC1123),
		DashboardURL: e.dashboardURL,
	}
	if alert.Kind == AlertKindRecovery {
		data.Heading = "Service Recovery"
		data.Background = "#d1fae5"
		data.Accent = "#059669"
	}

	message := mail.NewMsg()
	if err := message.From(e.from); err != nil {
		return nil, fmt.Errorf("setting sender: %w", err)
	}
	if err := message.To(destination); err != nil {
		return nil, fmt.Errorf("setting recipient: %w", err)
	}
	message.Subject(emailSubject(alert))
	if err := message.SetBodyHTMLTemplate(emailTemplate, data); err != nil {
		return nil, fmt.Errorf("rendering email body: %w", err)
	}
	message.AddAlternativeString(mail.TypeTextPlain, fmt.Sprintf("%s\n\nService: %s\nURL: %s\nStatus: %s\nTime: %s\n",
		data.Heading, alert.MonitorName, alert.URL, data.Status, data.Time))
	return message, nil
}

func (e *EmailNotifier) Deliver(ctx context.Context, destination string, alert Alert) error {
	if destination == "" {
		return ErrNotifierNotConfigured
	}
	message, err := e.buildMessage(destination, alert)
	if err != nil {
		return err
	}
	if err := e.sender.DialAndSendWithContext(ctx, message); err != nil {
		return fmt.Errorf("%w: %w", ErrNotifierDropped, err)
	}
	return nil
}
