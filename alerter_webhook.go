package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const webhookUserAgent = "upwatch-webhook/1.0"

// postJSON sends body to url and maps the response to the notifier errors.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", webhookUserAgent)
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer func() {
		if response.Body != nil {
			_ = response.Body.Close()
		}
	}()
	if response.StatusCode == http.StatusTooManyRequests {
		return ErrNotifierRateLimited
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("%w: received non-2xx response code %d", ErrNotifierDropped, response.StatusCode)
	}
	return nil
}

func alertStatusLine(alert Alert) string {
	if alert.Headline != "" {
		return alert.Headline
	}
	return strings.ToUpper(string(alert.Status))
}

func responseTimeText(alert Alert) string {
	if alert.ResponseTimeMs.Valid {
		return fmt.Sprintf("%dms", alert.ResponseTimeMs.Int64)
	}
	return "N/A"
}

type SlackNotifier struct {
	httpClient *http.Client
}

func NewSlackNotifier(httpClient *http.Client) *SlackNotifier {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &SlackNotifier{httpClient: httpClient}
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type string    `json:"type"`
	Text slackText `json:"text"`
}

type slackPayload struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

func (s *SlackNotifier) Channel() Channel {
	return ChannelSlack
}

func (s *SlackNotifier) Deliver(ctx context.Context, destination string, alert Alert) error {
	if destination == "" {
		return ErrNotifierNotConfigured
	}

	title := "Monitor Alert: " + alert.MonitorName
	if alert.Kind == AlertKindRecovery {
		title = "Monitor Recovered: " + alert.MonitorName
	}
	body, err := json.Marshal(slackPayload{
		Text: title,
		Blocks: []slackBlock{{
			Type: "section",
			Text: slackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("*Monitor:* %s\n*URL:* %s\n*Status:* %s\n*Response Time:* %s",
					alert.MonitorName, alert.URL, alertStatusLine(alert), responseTimeText(alert)),
			},
		}},
	})
	if err != nil {
		return err
	}
	return postJSON(ctx, s.httpClient, destination, body, nil)
}

type DiscordNotifier struct {
	httpClient *http.Client
}

func NewDiscordNotifier(httpClient *http.Client) *DiscordNotifier {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &DiscordNotifier{httpClient: httpClient}
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title     string         `json:"title"`
	URL       string         `json:"url"`
	Color     int            `json:"color"`
	Fields    []discordField `json:"fields"`
	Timestamp string         `json:"timestamp"`
}

type discordPayload struct {
	Content string         `json:"content"`
	Embeds  []discordEmbed `json:"embeds"`
}

const (
	discordColorDown = 0xff0000
	discordColorUp   = 0x00ff00
)

func (d *DiscordNotifier) Channel() Channel {
	return ChannelDiscord
}

func (d *DiscordNotifier) Deliver(ctx context.Context, destination string, alert Alert) error {
	if destination == "" {
		return ErrNotifierNotConfigured
	}

	color := discordColorDown
	content := fmt.Sprintf("**Monitor Alert: %s**", alert.MonitorName)
	if alert.Kind == AlertKindRecovery {
		color = discordColorUp
		content = fmt.Sprintf("**Monitor Recovered: %s**", alert.MonitorName)
	}
	errorText := "None"
	if alert.ErrorMessage.Valid && alert.ErrorMessage.String != "" {
		errorText = alert.ErrorMessage.String
	}

	body, err := json.Marshal(discordPayload{
		Content: content,
		Embeds: []discordEmbed{{
			Title: alert.MonitorName,
			URL:   alert.URL,
			Color: color,
			Fields: []discordField{
				{Name: "Status", Value: alertStatusLine(alert), Inline: true},
				{Name: "Response Time", Value: responseTimeText(alert), Inline: true},
				{Name: "Error", Value: errorText, Inline: false},
			},
			Timestamp: alert.OccurredAt.Format(time.RFC3339),
		}},
	})
	if err != nil {
		return err
	}
	return postJSON(ctx, d.httpClient, destination, body, nil)
}

// WebhookNotifier posts every alert as JSON to an operator endpoint. When a
// secret is set, the body is signed with HMAC-SHA256 in the X-Signature header.
type WebhookNotifier struct {
	httpClient    *http.Client
	hmacSecret    string
	customHeaders map[string]string
}

func NewWebhookNotifier(httpClient *http.Client, hmacSecret string, customHeaders map[string]string) *WebhookNotifier {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WebhookNotifier{
		httpClient:    httpClient,
		hmacSecret:    hmacSecret,
		customHeaders: customHeaders,
	}
}

type webhookRequestPayload struct {
	Message string `json:"message"`
	Alert   Alert  `json:"alert"`
}

func (w *WebhookNotifier) Channel() Channel {
	return ChannelWebhook
}

func (w *WebhookNotifier) Deliver(ctx context.Context, destination string, alert Alert) error {
	if destination == "" {
		return ErrNotifierNotConfigured
	}

	requestBody, err := json.Marshal(webhookRequestPayload{
		Message: fmt.Sprintf("Alert for monitor '%s': %s at %s", alert.MonitorName, alertStatusLine(alert), alert.OccurredAt.Format(time.RFC3339)),
		Alert:   alert,
	})
	if err != nil {
		return err
	}

	headers := make(map[string]string, len(w.customHeaders)+1)
	for key, value := range w.customHeaders {
		headers[key] = value
	}
	if w.hmacSecret != "" {
		headers["X-Signature"] = signPayload(w.hmacSecret, requestBody)
	}
	return postJSON(ctx, w.httpClient, destination, requestBody, headers)
}

func signPayload(secret string, body []byte) string {
	signer := hmac.New(sha256.New, []byte(secret))
	signer.Write(body)
	return fmt.Sprintf("%x", signer.Sum(nil))
}
