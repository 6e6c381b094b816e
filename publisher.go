package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/guregu/null/v5"
	"gocloud.dev/pubsub"
)

const (
	EventMonitorStatusChange = "monitor-status-change"
	EventStatusUpdate        = "status-update"
)

func userTopic(ownerID string) string {
	return "user_" + ownerID
}

func monitorTopic(monitorID string) string {
	return "monitor_" + monitorID
}

// EventPublisher pushes realtime events to dashboard subscribers. Publishing
// is best effort and never fails the caller.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event string, payload any)
}

const publishTimeout = 5 * time.Second

// TopicPublisher sends realtime events to a single pubsub topic. The logical
// topic and event name travel as message metadata so a fan-out consumer can
// route them to subscribed clients.
type TopicPublisher struct {
	topic *pubsub.Topic
}

func NewTopicPublisher(topic *pubsub.Topic) *TopicPublisher {
	return &TopicPublisher{topic: topic}
}

func (p *TopicPublisher) Publish(ctx context.Context, topic string, event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "marshaling realtime event", slog.String("topic", topic), slog.String("event", event), slog.String("error", err.Error()))
		return
	}

	// We don't want the event to be dropped if the probe context is cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err = p.topic.Send(ctx, &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			"topic": topic,
			"event": event,
		},
	})
	if err != nil {
		slog.ErrorContext(ctx, "publishing realtime event", slog.String("topic", topic), slog.String("event", event), slog.String("error", err.Error()))
	}
}

type StatusChangeEvent struct {
	MonitorID      string        `json:"monitor_id"`
	Name           string        `json:"name"`
	URL            string        `json:"url"`
	PreviousStatus MonitorStatus `json:"previous_status"`
	Status         MonitorStatus `json:"status"`
	ResponseTimeMs int64         `json:"response_time_ms"`
	StatusCode     null.Int      `json:"status_code"`
	ErrorMessage   null.String   `json:"error_message"`
	CheckedAt      time.Time     `json:"checked_at"`
}
