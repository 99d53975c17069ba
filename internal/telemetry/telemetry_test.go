package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupDisabled(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := Setup(context.Background(), "", "ptdriver")
	if err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() failed: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Error("Setup() without an endpoint replaced the global tracer provider")
	}
}

func TestSetupInstallsProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	// The exporter connects lazily, so nothing needs to listen there.
	shutdown, err := Setup(context.Background(), "http://127.0.0.1:4318", "ptdriver")
	if err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Errorf("global tracer provider is %T, want %T", otel.GetTracerProvider(), &sdktrace.TracerProvider{})
	}
	// No span was recorded, so there is nothing to flush.
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() failed: %v", err)
	}
}
