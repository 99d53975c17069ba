package physicaltwin

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/danielorbach/go-component"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/pubsub"
)

// An EventKind tells what an Event reports.
type EventKind int

const (
	// EventDispatched reports a command handed to the device.
	EventDispatched EventKind = iota + 1
	// EventSnapshot reports a recorded output snapshot.
	EventSnapshot
	// EventResult reports a recorded command result.
	EventResult
)

func (k EventKind) String() string {
	switch k {
	case EventDispatched:
		return kindDispatched
	case EventSnapshot:
		return kindSnapshot
	case EventResult:
		return kindResult
	default:
		return "EventKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// An Event notifies downstream consumers (typically the digital twin running
// the simulation) that the engine recorded something in the data lake. The
// record itself stays in the data lake; the event only points at it.
type Event struct {
	// ID is unique per event, so consumers can drop redeliveries.
	ID        uuid.UUID
	Kind      EventKind
	Twin      Twin
	Timestamp int64
	// CommandID is set for EventDispatched and EventResult.
	CommandID int64
}

func newEvent(kind EventKind, twin Twin, timestamp, commandID int64) Event {
	return Event{
		ID:        uuid.New(),
		Kind:      kind,
		Twin:      twin,
		Timestamp: timestamp,
		CommandID: commandID,
	}
}

// A Notifier publishes gob-encoded Events to a pubsub topic.
type Notifier struct {
	sink *pubsub.Topic
}

// NewNotifier returns a Notifier publishing to the given topic. The caller owns
// the topic and shuts it down.
func NewNotifier(sink *pubsub.Topic) *Notifier {
	return &Notifier{sink: sink}
}

// Send publishes a single event.
func (n *Notifier) Send(ctx context.Context, ev Event) error {
	ctx, span := tracer.Start(ctx, "physicaltwin.Notifier.Send", trace.WithAttributes(
		attribute.Stringer("event.id", ev.ID),
		attribute.Stringer("event.kind", ev.Kind),
	))
	defer span.End()
	logger := component.Logger(ctx).With(slog.Any("event-id", ev.ID))

	logger.Debug("Encoding Event message using gob...")
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(ev); err != nil {
		err := fmt.Errorf("encode gob: %w", err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// Brokers that partition by key (e.g. Kafka) keep the events of a twin in
	// order when the twin is the message key.
	msg := &pubsub.Message{
		Body: b.Bytes(),
		Metadata: map[string]string{
			"twinID": ev.Twin.String(),
			"kind":   ev.Kind.String(),
		},
	}
	if err := n.sink.Send(ctx, msg); err != nil {
		err := fmt.Errorf("send: %w", err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger.Debug("Event message sent successfully")
	return nil
}
