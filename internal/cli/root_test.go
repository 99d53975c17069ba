package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/pubsub/mempubsub"

	"github.com/go-digitaltwin/go-physicaltwin"
	"github.com/go-digitaltwin/go-physicaltwin/device"
	"github.com/go-digitaltwin/go-physicaltwin/internal/config"
	"github.com/go-digitaltwin/go-physicaltwin/memstore"
)

var braccio = physicaltwin.Twin{TwinID: "braccio", ExecutionID: "exec-1"}

// fakeBackends runs the commands against the given lake and device. A nil
// device fails to open.
func fakeBackends(lake physicaltwin.DataLake, dev deviceChannel) backends {
	return backends{
		openLake: func(context.Context, config.StoreConfig) (physicaltwin.DataLake, func(context.Context) error, error) {
			return lake, func(context.Context) error { return nil }, nil
		},
		openDevice: func(context.Context, config.DeviceConfig) (deviceChannel, error) {
			if dev == nil {
				return nil, errors.New("no device attached")
			}
			return dev, nil
		},
	}
}

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ptdriver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

const completeConfig = `
twin_id: braccio
poll_interval: 10ms
device:
  target: /dev/ttyACM0
  read_timeout: 50ms
store:
  kind: redis
  address: localhost:6379
`

// execute runs the root command with the given arguments and returns what it
// wrote to its standard output.
func execute(t *testing.T, b backends, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(b)
	var out, errOut bytes.Buffer
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.Execute()
	t.Logf("stderr:\n%s", errOut.String())
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ptdriver", cmd.Use)
	assert.Contains(t, cmd.Long, "Braccio")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"run"},
		{"bootstrap"},
		{"relink"},
		{"execution", "start"},
		{"execution", "show"},
		{"send"},
		{"timeline"},
	}
	for _, path := range commands {
		t.Run(strings.Join(path, " "), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	assert.NotNil(t, runCmd.Flags().Lookup("no-prompt"))
	assert.NotNil(t, runCmd.Flags().Lookup("events-url"))
	assert.NotNil(t, runCmd.Flags().Lookup("print-events"))
	// Events only travel within the process.
	assert.Contains(t, runCmd.Long, "in-process")
	assert.Contains(t, runCmd.Flags().Lookup("events-url").Usage, "mem://")
}

func TestExecutionStartAndShow(t *testing.T) {
	lake := memstore.New()
	b := fakeBackends(lake, nil)
	path := writeConfig(t, completeConfig)

	out, err := execute(t, b, "", "--config", path, "execution", "start", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "Started execution \"exec-1\"\n", out)

	require.NoError(t, lake.RegisterRobot(context.Background(), braccio))
	out, err = execute(t, b, "", "-c", path, "execution", "show")
	require.NoError(t, err)
	assert.Equal(t, "Execution: exec-1\nClock:     0\nRobot:     braccio\n", out)
}

func TestExecutionShowWithoutExecution(t *testing.T) {
	_, err := execute(t, fakeBackends(memstore.New(), nil), "", "-c", writeConfig(t, completeConfig), "execution", "show")
	assert.ErrorIs(t, err, physicaltwin.ErrTwinNotInitialized)
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	lake := memstore.New()
	require.NoError(t, lake.StartExecution(ctx, "exec-1"))
	b := fakeBackends(lake, nil)
	path := writeConfig(t, completeConfig)

	out, err := execute(t, b, "", "-c", path, "send", "MOVE", "90", "45", "180")
	require.NoError(t, err)
	assert.Equal(t, "Queued command 1 for braccio:exec-1\n", out)

	out, err = execute(t, b, "", "-c", path, "send", "--twin", "braccio-2", "HOME")
	require.NoError(t, err)
	assert.Equal(t, "Queued command 2 for braccio-2:exec-1\n", out)

	c, ok, err := lake.FindNextCommand(ctx, braccio)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, physicaltwin.Command{ID: 1, Twin: braccio, Name: "MOVE", Arguments: "90 45 180"}, c)
}

func TestSendWithoutExecution(t *testing.T) {
	_, err := execute(t, fakeBackends(memstore.New(), nil), "", "-c", writeConfig(t, completeConfig), "send", "HOME")
	assert.ErrorIs(t, err, physicaltwin.ErrTwinNotInitialized)
}

func TestSendRequiresName(t *testing.T) {
	_, err := execute(t, fakeBackends(memstore.New(), nil), "", "-c", writeConfig(t, completeConfig), "send")
	assert.Error(t, err)
}

func TestTimeline(t *testing.T) {
	ctx := context.Background()
	lake := memstore.New()
	require.NoError(t, lake.StartExecution(ctx, "exec-1"))
	for _, ts := range []int64{30, 10, 20} {
		require.NoError(t, lake.EnsureTimelineNode(ctx, ts))
	}
	require.NoError(t, lake.AppendSnapshot(ctx, physicaltwin.OutputSnapshot{Twin: braccio, Timestamp: 20}))
	b := fakeBackends(lake, nil)
	path := writeConfig(t, completeConfig)

	out, err := execute(t, b, "", "-c", path, "timeline")
	require.NoError(t, err)
	assert.Equal(t, "10\n20\n30\n", out)

	out, err = execute(t, b, "", "-c", path, "timeline", "--twin", "braccio")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[3], "OutputSnapshot:braccio:exec-1:20("), "got %q", lines[3])
}

func TestMaintenanceCommandsRequireNeo4j(t *testing.T) {
	path := writeConfig(t, completeConfig)
	for _, name := range []string{"bootstrap", "relink"} {
		t.Run(name, func(t *testing.T) {
			_, err := execute(t, fakeBackends(memstore.New(), nil), "", "-c", path, name)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "only applies to neo4j")
		})
	}
}

func TestStoreCommandsValidateStore(t *testing.T) {
	path := writeConfig(t, "twin_id: braccio\nstore:\n  kind: mongo\n  address: localhost\n")
	_, err := execute(t, fakeBackends(memstore.New(), nil), "", "-c", path, "timeline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongo")
}

func TestRunNoPrompt(t *testing.T) {
	path := writeConfig(t, "store:\n  kind: redis\n  address: localhost\n")
	_, err := execute(t, fakeBackends(memstore.New(), nil), "", "-c", path, "run", "--no-prompt")
	assert.ErrorIs(t, err, config.ErrNotInteractive)
}

func TestRunWithoutExecution(t *testing.T) {
	// The device is never opened: the twin cannot join any execution.
	_, err := execute(t, fakeBackends(memstore.New(), nil), "", "-c", writeConfig(t, completeConfig), "run", "--no-prompt")
	assert.ErrorIs(t, err, physicaltwin.ErrTwinNotInitialized)
}

func TestRunDeviceFailure(t *testing.T) {
	lake := memstore.New()
	require.NoError(t, lake.StartExecution(context.Background(), "exec-1"))
	_, err := execute(t, fakeBackends(lake, nil), "", "-c", writeConfig(t, completeConfig), "run", "--no-prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no device attached")
}

// TestRun drives a whole session: the operator completes the configuration on
// the terminal, the driver dispatches a queued command, and the robot answers
// then disconnects.
func TestRun(t *testing.T) {
	ctx := context.Background()
	lake := memstore.New()
	require.NoError(t, lake.StartExecution(ctx, "exec-1"))
	_, err := lake.EnqueueCommand(ctx, braccio, "HOME", "")
	require.NoError(t, err)

	driverSide, robotSide := net.Pipe()
	conn := device.New(driverSide, device.WithReadTimeout(50*time.Millisecond))

	robotErr := echoRobot(robotSide)

	path := writeConfig(t, `
poll_interval: 10ms
store:
  kind: redis
  address: localhost:6379
`)
	_, err = execute(t, fakeBackends(lake, conn), "/dev/ttyACM0\nbraccio\n", "-c", path, "run")
	require.NoError(t, err)
	require.NoError(t, <-robotErr)

	results, err := lake.CommandResults(ctx, braccio)
	require.NoError(t, err)
	assert.Equal(t, []physicaltwin.CommandResult{{
		Twin:             braccio,
		CommandID:        1,
		CommandName:      "HOME",
		CommandTimestamp: 0,
		Timestamp:        40,
		Return:           "ok",
	}}, results)

	chain, err := lake.TimelineChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 40}, chain)
}

// echoRobot plays the robot side of TestRun's exchange and hangs up.
func echoRobot(robotSide net.Conn) <-chan error {
	robotErr := make(chan error, 1)
	go func() {
		defer robotSide.Close()
		_ = robotSide.SetDeadline(time.Now().Add(10 * time.Second))
		line, err := bufio.NewReader(robotSide).ReadString('\n')
		if err != nil {
			robotErr <- err
			return
		}
		if line != "COM HOME\n" {
			robotErr <- errors.New("unexpected command line " + line)
			return
		}
		_, err = robotSide.Write([]byte("OUT 40:90,45,180,180,90,10:90,45,180,180,90,10:0,0,0,0,0,0\r\nRET ok\n"))
		robotErr <- err
	}()
	return robotErr
}

func TestRunPrintsEvents(t *testing.T) {
	ctx := context.Background()
	lake := memstore.New()
	require.NoError(t, lake.StartExecution(ctx, "exec-1"))
	_, err := lake.EnqueueCommand(ctx, braccio, "HOME", "")
	require.NoError(t, err)

	driverSide, robotSide := net.Pipe()
	conn := device.New(driverSide, device.WithReadTimeout(50*time.Millisecond))
	robotErr := echoRobot(robotSide)

	out, err := execute(t, fakeBackends(lake, conn), "", "-c", writeConfig(t, completeConfig),
		"run", "--no-prompt", "--print-events", "--events-url", "mem://run-prints-events")
	require.NoError(t, err)
	require.NoError(t, <-robotErr)

	// The dispatcher and the ingestor publish concurrently.
	assert.ElementsMatch(t, []string{
		"dispatched braccio:exec-1 t=0 command=1",
		"snapshot braccio:exec-1 t=40 command=0",
		"result braccio:exec-1 t=40 command=1",
	}, strings.Split(strings.TrimSpace(out), "\n"))
}

func TestRunRejectsNetworkedEventsURL(t *testing.T) {
	ctx := context.Background()
	lake := memstore.New()
	require.NoError(t, lake.StartExecution(ctx, "exec-1"))

	_, err := execute(t, fakeBackends(lake, nil), "", "-c", writeConfig(t, completeConfig),
		"run", "--no-prompt", "--events-url", "nats://ptdriver-events")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open events topic")
}

func TestFollowEvents(t *testing.T) {
	ctx := context.Background()
	topic := mempubsub.NewTopic()
	defer topic.Shutdown(ctx)
	sub := mempubsub.NewSubscription(topic, time.Minute)
	defer sub.Shutdown(ctx)

	notifier := physicaltwin.NewNotifier(topic)
	for _, ev := range []physicaltwin.Event{
		{Kind: physicaltwin.EventDispatched, Twin: braccio, Timestamp: 0, CommandID: 1},
		{Kind: physicaltwin.EventSnapshot, Twin: braccio, Timestamp: 40},
	} {
		require.NoError(t, notifier.Send(ctx, ev))
	}

	// Events published before the engine returned are still printed.
	done := make(chan struct{})
	close(done)
	var out bytes.Buffer
	require.NoError(t, followEvents(ctx, physicaltwin.NewEventSource(sub), &out, done))
	assert.Equal(t, "dispatched braccio:exec-1 t=0 command=1\nsnapshot braccio:exec-1 t=40 command=0\n", out.String())
}

func TestFollowEventsInterrupted(t *testing.T) {
	ctx := context.Background()
	topic := mempubsub.NewTopic()
	defer topic.Shutdown(ctx)
	sub := mempubsub.NewSubscription(topic, time.Minute)
	defer sub.Shutdown(ctx)

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	assert.NoError(t, followEvents(ctx, physicaltwin.NewEventSource(sub), &out, make(chan struct{})))
	assert.Empty(t, out.String())
}
