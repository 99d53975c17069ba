package dbtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/wait"
)

// requireContainers skips t in '-short' mode and marks it parallel otherwise:
// container-based tests are long-running.
func requireContainers(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping container-based test in short mode...")
	}
	t.Parallel()
}

// containerOptions prepends a logger writing to tb to the given customizers.
func containerOptions(tb testing.TB, opts ...testcontainers.ContainerCustomizer) []testcontainers.ContainerCustomizer {
	return append([]testcontainers.ContainerCustomizer{testcontainers.WithLogger(log.TestLogger(tb))}, opts...)
}

// WithWaitForExposedPort adds waiting for the exposed port to the wait strategy
// of the container. Modules that consider a container ready before its port
// accepts connections make tests fail spontaneously.
//
// Do not use it with containers exposing more than a single port.
func WithWaitForExposedPort() testcontainers.CustomizeRequestOption {
	return func(req *testcontainers.GenericContainerRequest) error {
		strategies := []wait.Strategy{wait.ForExposedPort()}
		if req.WaitingFor != nil {
			strategies = append(strategies, req.WaitingFor)
		}
		return testcontainers.WithWaitStrategy(strategies...).Customize(req)
	}
}

// cleanupContainer terminates c once t completes, unless t failed with the
// Inspect flag set: then it keeps c running, printing how to reach it, until
// Ctrl+C.
//
// Register it before the clients connected to c, so they are closed first.
func cleanupContainer(t *testing.T, c testcontainers.Container, name string, reach ...string) {
	t.Cleanup(func() {
		if t.Failed() && *Inspect {
			t.Logf("Container %v is still running for inspection (Ctrl+C to terminate)...", c.GetContainerID())
			for _, line := range reach {
				t.Log(line)
			}
			waitForInspection()
		}
		t.Logf("Terminating %v container %q...", name, c.GetContainerID())
		if err := c.Terminate(context.Background()); err != nil {
			t.Error("Encountered an error during cleanup; terminate container:", err)
		}
	})
}

// retry calls check until it succeeds, up to a few times with a short pause in
// between. Containers sometimes report ready before the database accepts
// clients.
func retry(t *testing.T, ctx context.Context, what string, check func(context.Context) error) error {
	t.Helper()

	const attempts = 6
	const pause = 100 * time.Millisecond

	err := check(ctx)
	for r := 1; err != nil && r < attempts; r++ {
		t.Logf("Retrying [%d/%d] after failing to %v: %v", r, attempts-1, what, err)
		select {
		case <-time.After(pause):
		case <-ctx.Done():
			return fmt.Errorf("%v: retry pause interrupted: %w", what, ctx.Err())
		}
		err = check(ctx)
	}
	return err
}
