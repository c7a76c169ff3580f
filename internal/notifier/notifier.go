// Package notifier publishes fan-out notifications (negative-feedback
// alerts, etc.) over Google Cloud Pub/Sub.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
)

// Kind discriminates the notification payload shape.
type Kind string

const (
	// KindNegativeFeedback fires when Tracker.Update records FeedbackNegative.
	KindNegativeFeedback Kind = "negative_feedback"
)

// Notifier publishes one-shot fan-out messages. Notify never blocks the
// caller on downstream delivery beyond the publish-acknowledgement round
// trip itself; callers that must not block at all should invoke Notify from
// their own background goroutine (see internal/tracker.Service.Update).
type Notifier interface {
	Notify(ctx context.Context, kind Kind, payload any) error
}

// PubSubNotifier publishes to a single fixed topic.
type PubSubNotifier struct {
	topic *pubsub.Topic
}

// New wraps an existing, already-configured *pubsub.Topic.
func New(topic *pubsub.Topic) *PubSubNotifier {
	return &PubSubNotifier{topic: topic}
}

type envelope struct {
	Kind      Kind      `json:"kind"`
	Payload   any       `json:"payload"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Notify publishes payload wrapped in an envelope carrying kind and the
// emission time, and blocks for the publish result.
func (n *PubSubNotifier) Notify(ctx context.Context, kind Kind, payload any) error {
	body, err := json.Marshal(envelope{Kind: kind, Payload: payload, EmittedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("notifier.Notify: marshal: %w", err)
	}

	result := n.topic.Publish(ctx, &pubsub.Message{
		Data: body,
		Attributes: map[string]string{
			"kind": string(kind),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("notifier.Notify: publish: %w", err)
	}
	return nil
}
