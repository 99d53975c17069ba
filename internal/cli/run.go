package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/danielorbach/go-component"
	"github.com/spf13/cobra"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	"golang.org/x/sync/errgroup"

	"github.com/go-digitaltwin/go-physicaltwin"
	"github.com/go-digitaltwin/go-physicaltwin/internal/config"
	"github.com/go-digitaltwin/go-physicaltwin/internal/telemetry"
)

type runOptions struct {
	*rootOptions
	noPrompt    bool
	eventsURL   string
	printEvents bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Synchronize the robot with its data lake until interrupted",
		Long: `Run connects to the data lake and to the robot, then dispatches queued
commands and records the robot's observations until interrupted.

Values missing from the configuration (the device, the store address and the
twin ID) are asked for on the terminal, unless --no-prompt is given.

The twin joins the execution currently active in the data lake; start one
with 'ptdriver execution start' first.

Every record is announced as an event on the topic given by --events-url.
Only in-process topics (mem://name) are linked into ptdriver, so events reach
subscribers in the same process only: --print-events subscribes to the topic
and prints one line per event.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.noPrompt, "no-prompt", false, "fail instead of prompting for missing configuration")
	cmd.Flags().StringVar(&opts.eventsURL, "events-url", "", "in-process pubsub topic URL (mem://name) receiving an event per record (overrides events_url)")
	cmd.Flags().BoolVar(&opts.printEvents, "print-events", false, "print a line per event to the standard output")

	return cmd
}

func runEngine(cmd *cobra.Command, opts *runOptions) error {
	ctx := opts.context(cmd)
	logger := component.Logger(ctx)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.noPrompt {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%w: %w", config.ErrNotInteractive, err)
		}
	} else if err := cfg.Prompt(cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if opts.eventsURL != "" {
		cfg.EventsURL = opts.eventsURL
	}
	if opts.printEvents && cfg.EventsURL == "" {
		cfg.EventsURL = defaultEventsURL
	}

	// Interrupting asks the engine to quit; both loops finish their current
	// iteration first.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to flush traces", slog.Any("error", err))
		}
	}()

	lake, closeLake, err := opts.backends.openLake(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLake(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to close the data lake", slog.Any("error", err))
		}
	}()

	// Resolve the twin before touching the device: without an active execution
	// there is nothing to synchronize.
	twin, err := physicaltwin.ResolveTwin(ctx, lake, cfg.TwinID)
	if err != nil {
		return err
	}

	engineOpts := []physicaltwin.EngineOption{physicaltwin.WithPollInterval(cfg.PollInterval)}
	var events *pubsub.Subscription
	if cfg.EventsURL != "" {
		topic, err := pubsub.OpenTopic(ctx, cfg.EventsURL)
		if err != nil {
			return fmt.Errorf("open events topic: %w", err)
		}
		defer func() {
			if err := topic.Shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("Failed to shut down the events topic", slog.Any("error", err))
			}
		}()
		engineOpts = append(engineOpts, physicaltwin.WithNotifier(physicaltwin.NewNotifier(topic)))

		if opts.printEvents {
			// Subscribe before the engine starts so that no event is missed.
			events, err = pubsub.OpenSubscription(ctx, cfg.EventsURL)
			if err != nil {
				return fmt.Errorf("open events subscription: %w", err)
			}
			defer func() {
				if err := events.Shutdown(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("Failed to shut down the events subscription", slog.Any("error", err))
				}
			}()
		}
	}

	ch, err := opts.backends.openDevice(ctx, cfg.Device)
	if err != nil {
		return fmt.Errorf("open device %v: %w", cfg.Device.Target, err)
	}
	defer func() {
		if err := ch.Close(); err != nil {
			logger.Warn("Failed to close the device", slog.Any("error", err))
		}
	}()
	logger.Info("Connected to the robot", slog.String("device", cfg.Device.Target), slog.Any("twin", twin))

	engine, err := physicaltwin.NewEngine(ctx, twin, ch, lake, engineOpts...)
	if err != nil {
		return err
	}
	if events == nil {
		return engine.Run(ctx)
	}

	done := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(done)
		return engine.Run(ctx)
	})
	g.Go(func() error {
		return followEvents(ctx, physicaltwin.NewEventSource(events), cmd.OutOrStdout(), done)
	})
	return g.Wait()
}
