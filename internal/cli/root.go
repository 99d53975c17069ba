// Package cli implements the commands of the ptdriver binary.
package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/danielorbach/go-component"
	"github.com/spf13/cobra"

	"github.com/go-digitaltwin/go-physicaltwin"
	"github.com/go-digitaltwin/go-physicaltwin/device"
	"github.com/go-digitaltwin/go-physicaltwin/internal/config"
)

// A deviceChannel is the connection to the robot the run command drives.
type deviceChannel interface {
	physicaltwin.Channel
	io.Closer
}

// Backends of the commands. Tests replace them to run the commands against an
// in-memory data lake and a fake device.
type backends struct {
	openLake   func(ctx context.Context, cfg config.StoreConfig) (lake physicaltwin.DataLake, closeLake func(context.Context) error, err error)
	openDevice func(ctx context.Context, cfg config.DeviceConfig) (deviceChannel, error)
}

var defaultBackends = backends{
	openLake:   openLake,
	openDevice: func(ctx context.Context, cfg config.DeviceConfig) (deviceChannel, error) {
		return device.Open(ctx, cfg.Target, device.SerialConfig{
			BaudRate:    cfg.BaudRate,
			ReadTimeout: cfg.ReadTimeout,
			SettleTime:  cfg.SettleTime,
		})
	},
}

// rootOptions holds the global flags shared by all commands.
type rootOptions struct {
	configPath string
	verbose    bool

	backends backends
}

// NewRootCommand creates the root command for the ptdriver binary.
func NewRootCommand() *cobra.Command {
	return newRootCommand(defaultBackends)
}

func newRootCommand(b backends) *cobra.Command {
	opts := &rootOptions{backends: b}

	cmd := &cobra.Command{
		Use:   "ptdriver",
		Short: "Drive a physical robotic arm and mirror it into a data lake",
		Long: `ptdriver connects a Braccio robotic arm to the data lake of its digital twin.

It dispatches the commands queued in the lake to the arm, one at a time, and
records what the arm reports: output snapshots and command results, each
attached to a single global timeline ordered by a logical clock.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewBootstrapCommand(opts))
	cmd.AddCommand(NewRelinkCommand(opts))
	cmd.AddCommand(NewExecutionCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewTimelineCommand(opts))

	return cmd
}

// context returns the context of cmd carrying a logger that writes text to the
// error output of cmd.
func (o *rootOptions) context(cmd *cobra.Command) context.Context {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return component.InjectLogger(ctx, logger)
}

// loadStore loads the configuration and validates the part the store commands
// need.
func (o *rootOptions) loadStore() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Store.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withLake loads the configuration, opens the data lake and hands both to fn.
func (o *rootOptions) withLake(ctx context.Context, fn func(cfg *config.Config, lake physicaltwin.DataLake) error) error {
	cfg, err := o.loadStore()
	if err != nil {
		return err
	}
	lake, closeLake, err := o.backends.openLake(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLake(ctx); err != nil {
			component.Logger(ctx).Warn("Failed to close the data lake", slog.Any("error", err))
		}
	}()
	return fn(cfg, lake)
}
