package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/guregu/null/v5"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"
)

func TestTopicPublisher_Publish(t *testing.T) {
	ctx := t.Context()

	topic, err := pubsub.OpenTopic(ctx, "mem://publisher-test")
	if err != nil {
		t.Fatalf("failed to open topic: %v", err)
	}
	defer topic.Shutdown(ctx)

	subscription, err := pubsub.OpenSubscription(ctx, "mem://publisher-test")
	if err != nil {
		t.Fatalf("failed to open subscription: %v", err)
	}
	defer subscription.Shutdown(ctx)

	event := StatusChangeEvent{
		MonitorID:      "monitor-1",
		Name:           "API",
		URL:            "https://api.example.com/health",
		PreviousStatus: MonitorStatusUp,
		Status:         MonitorStatusDown,
		ResponseTimeMs: 5000,
		ErrorMessage:   null.StringFrom(ProbeErrorTimeout),
		CheckedAt:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	// A cancelled caller context must not drop the event.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	NewTopicPublisher(topic).Publish(cancelled, userTopic("owner-1"), EventMonitorStatusChange, event)

	receiveCtx, receiveCancel := context.WithTimeout(ctx, 5*time.Second)
	defer receiveCancel()
	message, err := subscription.Receive(receiveCtx)
	if err != nil {
		t.Fatalf("failed to receive message: %v", err)
	}
	message.Ack()

	if message.Metadata["topic"] != "user_owner-1" || message.Metadata["event"] != EventMonitorStatusChange {
		t.Errorf("unexpected metadata %v", message.Metadata)
	}

	var received StatusChangeEvent
	if err := json.Unmarshal(message.Body, &received); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if received.MonitorID != "monitor-1" || received.Status != MonitorStatusDown || received.ErrorMessage.String != ProbeErrorTimeout {
		t.Errorf("unexpected event %+v", received)
	}
	if received.StatusCode.Valid {
		t.Errorf("expected no status code, got %d", received.StatusCode.Int64)
	}
}

func TestTopicNames(t *testing.T) {
	if got := userTopic("abc"); got != "user_abc" {
		t.Errorf("unexpected user topic %q", got)
	}
	if got := monitorTopic("xyz"); got != "monitor_xyz" {
		t.Errorf("unexpected monitor topic %q", got)
	}
}
