package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-digitaltwin/go-physicaltwin"
)

// defaultEventsURL names the in-process topic run publishes to when asked to
// print events without an events URL.
const defaultEventsURL = "mem://ptdriver-events"

// eventsDrainTimeout bounds the wait for events still queued once the engine
// returned.
const eventsDrainTimeout = 200 * time.Millisecond

// followEvents prints one line per event received from source until done is
// closed, then prints the events still queued and returns. Canceling ctx stops
// it at once.
func followEvents(ctx context.Context, source physicaltwin.EventSource, out io.Writer, done <-chan struct{}) error {
	live, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-done:
			stop()
		case <-live.Done():
		}
	}()

	for {
		ev, err := source.Next(live)
		if interrupted(err) {
			break
		}
		if err != nil {
			return err
		}
		if err := printEvent(out, ev); err != nil {
			return err
		}
	}

	for {
		drainCtx, cancel := context.WithTimeout(ctx, eventsDrainTimeout)
		ev, err := source.Next(drainCtx)
		cancel()
		if interrupted(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := printEvent(out, ev); err != nil {
			return err
		}
	}
}

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func printEvent(out io.Writer, ev physicaltwin.Event) error {
	_, err := fmt.Fprintf(out, "%v %v t=%d command=%d\n", ev.Kind, ev.Twin, ev.Timestamp, ev.CommandID)
	return err
}
