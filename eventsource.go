package physicaltwin

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"gocloud.dev/pubsub"
)

// EventSource wraps a pubsub subscription and decodes incoming messages into
// Events published by a Notifier.
type EventSource struct {
	subscription *pubsub.Subscription
}

// NewEventSource returns an EventSource receiving from the given subscription.
// The caller owns the subscription and shuts it down.
func NewEventSource(sub *pubsub.Subscription) EventSource {
	return EventSource{subscription: sub}
}

// Next blocks until the next message arrives and returns the Event it carries.
// The message is acknowledged even when it cannot be decoded, so a corrupt
// message is never redelivered.
func (s EventSource) Next(ctx context.Context) (Event, error) {
	msg, err := s.subscription.Receive(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("receive: %w", err)
	}
	msg.Ack()

	var ev Event
	if err := gob.NewDecoder(bytes.NewReader(msg.Body)).Decode(&ev); err != nil {
		return Event{}, fmt.Errorf("decode: %w", err)
	}
	return ev, nil
}
