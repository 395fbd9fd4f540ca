package convstore

import (
	"context"
	"encoding/json"
	"log/slog"

	"cloud.google.com/go/pubsub"

	"github.com/connexus/finchat/internal/cacheclient"
)

// invalidationMessage is the payload published when a session's messages
// change. Replicas other than the one that made the change use it to drop
// their own local history cache entry ahead of HistoryTTL's expiry.
type invalidationMessage struct {
	SessionID string `json:"session_id"`
}

// Invalidator publishes session-changed notifications to a pubsub topic so
// other replicas can proactively drop their local history:{session_id}
// cache entry. This is purely a latency optimization: HistoryTTL alone is
// sufficient for correctness, so a publish failure is logged and swallowed
// rather than surfaced to the caller.
type Invalidator struct {
	topic *pubsub.Topic
}

// NewInvalidator wraps an already-configured topic.
func NewInvalidator(topic *pubsub.Topic) *Invalidator {
	return &Invalidator{topic: topic}
}

// Publish announces that sessionID's messages changed. Best-effort: errors
// are logged, never returned, since no caller's correctness depends on
// delivery.
func (n *Invalidator) Publish(ctx context.Context, sessionID string) {
	if n == nil || n.topic == nil {
		return
	}
	payload, err := json.Marshal(invalidationMessage{SessionID: sessionID})
	if err != nil {
		return
	}
	result := n.topic.Publish(ctx, &pubsub.Message{Data: payload})
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			slog.Warn("convstore: invalidation publish failed", "session_id", sessionID, "error", err)
		}
	}()
}

// Subscriber drops a replica's local history cache entry on receipt of an
// invalidation notification from another replica.
type Subscriber struct {
	sub   *pubsub.Subscription
	cache cacheclient.Cache
}

// NewSubscriber wraps an already-configured subscription.
func NewSubscriber(sub *pubsub.Subscription, cache cacheclient.Cache) *Subscriber {
	return &Subscriber{sub: sub, cache: cache}
}

// Run blocks, invalidating local history cache entries until ctx is
// canceled or the subscription's Receive returns an error. Intended to run
// in its own goroutine for the lifetime of the process.
func (s *Subscriber) Run(ctx context.Context) error {
	return s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var payload invalidationMessage
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			msg.Nack()
			return
		}
		s.cache.Delete(ctx, cacheclient.HistoryKey(payload.SessionID))
		msg.Ack()
	})
}
