// Package cli holds the terminal commands shared by the emulator client and
// the PC/SC client. Each command opens the card, runs one complete
// workflow and closes it again, so every command starts a new session.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/schjonhaug/carcard/internal/config"
	"github.com/schjonhaug/carcard/terminal"
)

// Connector opens the card. The returned close func removes it from the
// reader.
type Connector func(cfg *config.Config) (terminal.Transmitter, func() error, error)

type options struct {
	configFile string
	verbose    bool
	logFormat  string
}

// NewTerminalCommand builds the root command of a terminal CLI.
func NewTerminalCommand(use string, connect Connector) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           use,
		Short:         "Reception and car terminal for car-sharing cards",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "config.yaml", "config file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: text or json (overrides config)")

	run := func(flow func(*Terminals, terminal.Transmitter, io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile, config.ValidationTerminal)
			if err != nil {
				return err
			}
			SetupLogging(cfg.Log, opts.verbose, opts.logFormat)

			terminals, err := LoadTerminals(cfg)
			if err != nil {
				return err
			}
			t, closeCard, err := connect(cfg)
			if err != nil {
				return err
			}
			defer closeCard()

			if err := terminal.Select(t); err != nil {
				return err
			}
			return flow(terminals, t, cmd.OutOrStdout())
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "assign",
		Short: "Authenticate at the reception and assign the configured car",
		Args:  cobra.NoArgs,
		RunE:  run(Assign),
	})
	root.AddCommand(&cobra.Command{
		Use:   "drive DISTANCE...",
		Short: "Insert the card into the car and report odometer readings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			distances := make([]uint32, 0, len(args))
			for _, arg := range args {
				distance, err := strconv.ParseUint(arg, 10, 32)
				if err != nil {
					return fmt.Errorf("invalid distance %q: %w", arg, err)
				}
				distances = append(distances, uint32(distance))
			}
			return run(func(terminals *Terminals, t terminal.Transmitter, out io.Writer) error {
				return Drive(terminals, t, out, distances)
			})(cmd, args)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "return",
		Short: "Authenticate at the reception and return the car",
		Args:  cobra.NoArgs,
		RunE:  run(Return),
	})
	root.AddCommand(&cobra.Command{
		Use:   "retire",
		Short: "Put the card out of service for good",
		Args:  cobra.NoArgs,
		RunE:  run(Retire),
	})

	return root
}

// SetupLogging installs the default slog logger. verbose and format
// override the config.
func SetupLogging(cfg config.LogConfig, verbose bool, format string) {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	if format == "" {
		format = cfg.Format
	}

	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}
}
