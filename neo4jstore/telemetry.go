package neo4jstore

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-physicaltwin/neo4jstore")
var meter = otel.Meter("github.com/go-digitaltwin/go-physicaltwin/neo4jstore")

var (
	// timelineInsertCounter counts the Time nodes created by this process. Paired
	// with the number of appended events, it shows how often events share a
	// timestamp.
	timelineInsertCounter metric.Int64Counter
)

func init() {
	// Failing to create an instrument is a programming error, most likely in the
	// options applied to it.
	var err error
	timelineInsertCounter, err = meter.Int64Counter(
		"physicaltwin.neo4j.timeline.inserted",
		metric.WithDescription("Number of Time nodes created on the timeline."),
	)
	if err != nil {
		s := fmt.Sprintf("neo4jstore: failed to init 'physicaltwin.neo4j.timeline.inserted' instrument: %v", err)
		panic(s)
	}
}
