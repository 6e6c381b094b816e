package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guregu/null/v5"
)

type capturedRequest struct {
	header http.Header
	body   []byte
}

func newCapturingServer(t *testing.T, status int) (*httptest.Server, <-chan capturedRequest) {
	t.Helper()
	requests := make(chan capturedRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- capturedRequest{header: r.Header.Clone(), body: body}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, requests
}

var testAlert = Alert{
	Kind:            AlertKindEscalation,
	MonitorID:       "monitor-1",
	MonitorName:     "API",
	URL:             "https://api.example.com/health",
	Status:          MonitorStatusDown,
	Headline:        "Service is DOWN (3min downtime)",
	Level:           1,
	DowntimeMinutes: 3,
	ErrorMessage:    null.StringFrom("Service has been down for 3 minutes"),
	OccurredAt:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
}

func TestSlackNotifier_Deliver(t *testing.T) {
	server, requests := newCapturingServer(t, http.StatusOK)
	notifier := NewSlackNotifier(server.Client())

	if err := notifier.Deliver(t.Context(), server.URL, testAlert); err != nil {
		t.Fatalf("failed to deliver: %v", err)
	}

	request := <-requests
	if request.header.Get("User-Agent") != webhookUserAgent {
		t.Errorf("unexpected user agent %q", request.header.Get("User-Agent"))
	}
	var payload slackPayload
	if err := json.Unmarshal(request.body, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.Text != "Monitor Alert: API" {
		t.Errorf("unexpected text %q", payload.Text)
	}
	if len(payload.Blocks) != 1 || !strings.Contains(payload.Blocks[0].Text.Text, "*Status:* Service is DOWN (3min downtime)") {
		t.Errorf("unexpected blocks %+v", payload.Blocks)
	}
	if !strings.Contains(payload.Blocks[0].Text.Text, "*Response Time:* N/A") {
		t.Errorf("expected missing response time to read N/A, got %q", payload.Blocks[0].Text.Text)
	}
}

func TestDiscordNotifier_Deliver(t *testing.T) {
	server, requests := newCapturingServer(t, http.StatusNoContent)
	notifier := NewDiscordNotifier(server.Client())

	recovery := testAlert
	recovery.Kind = AlertKindRecovery
	recovery.Status = MonitorStatusUp
	recovery.Headline = "Service is back UP after 3min downtime"
	recovery.ResponseTimeMs = null.IntFrom(87)
	recovery.ErrorMessage = null.String{}

	if err := notifier.Deliver(t.Context(), server.URL, recovery); err != nil {
		t.Fatalf("failed to deliver: %v", err)
	}

	var payload discordPayload
	if err := json.Unmarshal((<-requests).body, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.Content != "**Monitor Recovered: API**" {
		t.Errorf("unexpected content %q", payload.Content)
	}
	if len(payload.Embeds) != 1 {
		t.Fatalf("expected one embed, got %d", len(payload.Embeds))
	}
	embed := payload.Embeds[0]
	if embed.Color != discordColorUp {
		t.Errorf("expected the recovery color, got %x", embed.Color)
	}
	if embed.Fields[1].Value != "87ms" || embed.Fields[2].Value != "None" {
		t.Errorf("unexpected fields %+v", embed.Fields)
	}
	if embed.Timestamp != "2025-03-01T12:00:00Z" {
		t.Errorf("unexpected timestamp %q", embed.Timestamp)
	}
}

func TestWebhookNotifier_Deliver(t *testing.T) {
	server, requests := newCapturingServer(t, http.StatusAccepted)
	notifier := NewWebhookNotifier(server.Client(), "s3cret", map[string]string{"X-Team": "platform"})

	if err := notifier.Deliver(t.Context(), server.URL, testAlert); err != nil {
		t.Fatalf("failed to deliver: %v", err)
	}

	request := <-requests
	if request.header.Get("X-Team") != "platform" {
		t.Errorf("expected custom header, got %q", request.header.Get("X-Team"))
	}
	if signature := request.header.Get("X-Signature"); signature != signPayload("s3cret", request.body) {
		t.Errorf("signature %q does not match the body", signature)
	}

	var payload webhookRequestPayload
	if err := json.Unmarshal(request.body, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.Alert.MonitorID != "monitor-1" || payload.Alert.Level != 1 {
		t.Errorf("unexpected alert %+v", payload.Alert)
	}
	if payload.Message != "Alert for monitor 'API': Service is DOWN (3min downtime) at 2025-03-01T12:00:00Z" {
		t.Errorf("unexpected message %q", payload.Message)
	}

	t.Run("without secret", func(t *testing.T) {
		server, requests := newCapturingServer(t, http.StatusOK)
		notifier := NewWebhookNotifier(server.Client(), "", nil)
		if err := notifier.Deliver(t.Context(), server.URL, testAlert); err != nil {
			t.Fatalf("failed to deliver: %v", err)
		}
		if signature := (<-requests).header.Get("X-Signature"); signature != "" {
			t.Errorf("expected no signature, got %q", signature)
		}
	})
}

func TestSignPayload(t *testing.T) {
	// HMAC-SHA256("key", "The quick brown fox jumps over the lazy dog")
	expected := "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if got := signPayload("key", []byte("The quick brown fox jumps over the lazy dog")); got != expected {
		t.Errorf("expected %s, got %s", expected, got)
	}
}

func TestPostJSON_ResponseMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		expected error
	}{
		{name: "ok", status: http.StatusOK},
		{name: "rate limited", status: http.StatusTooManyRequests, expected: ErrNotifierRateLimited},
		{name: "server error", status: http.StatusInternalServerError, expected: ErrNotifierDropped},
		{name: "not found", status: http.StatusNotFound, expected: ErrNotifierDropped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := newCapturingServer(t, tt.status)
			err := NewSlackNotifier(server.Client()).Deliver(t.Context(), server.URL, testAlert)
			if tt.expected == nil && err != nil {
				t.Errorf("expected success, got %v", err)
			}
			if tt.expected != nil && !errors.Is(err, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, err)
			}
		})
	}
}

func TestNotifiers_RequireDestination(t *testing.T) {
	notifiers := []Notifier{
		NewSlackNotifier(nil),
		NewDiscordNotifier(nil),
		NewWebhookNotifier(nil, "", nil),
	}
	for _, notifier := range notifiers {
		t.Run(string(notifier.Channel()), func(t *testing.T) {
			if err := notifier.Deliver(t.Context(), "", testAlert); !errors.Is(err, ErrNotifierNotConfigured) {
				t.Errorf("expected not configured, got %v", err)
			}
		})
	}
}
