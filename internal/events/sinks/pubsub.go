package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/render-gateway/internal/events"
)

// MessagePublisher publishes one message and returns its server id.
type MessagePublisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error)
}

// TopicPublisher adapts a Pub/Sub publisher to MessagePublisher.
type TopicPublisher struct {
	publisher *pubsub.Publisher
}

// NewTopicPublisher wraps publisher.
func NewTopicPublisher(publisher *pubsub.Publisher) *TopicPublisher {
	return &TopicPublisher{publisher: publisher}
}

// Publish sends data and waits for the server acknowledgement.
func (p *TopicPublisher) Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	result := p.publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// AlertSink forwards alerting events (memory alerts and non-routine
// removals) to Pub/Sub as JSON.
type AlertSink struct {
	publisher MessagePublisher
}

// NewAlertSink creates an AlertSink.
func NewAlertSink(publisher MessagePublisher) (*AlertSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	return &AlertSink{publisher: publisher}, nil
}

// Consume publishes each alerting event in the batch.
func (s *AlertSink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		if !evt.Alerting() {
			continue
		}
		data, err := json.Marshal(evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal %s event: %w", evt.Kind, err))
			continue
		}
		attrs := map[string]string{"kind": string(evt.Kind)}
		if evt.BrowserID != "" {
			attrs["browser_id"] = evt.BrowserID
		}
		if _, err := s.publisher.Publish(ctx, data, attrs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; the publisher is owned by the caller.
func (s *AlertSink) Close(context.Context) error {
	return nil
}
