package main

import (
	"fmt"
	"os"

	"github.com/schjonhaug/carcard/internal/cli"
	"github.com/schjonhaug/carcard/internal/config"
	"github.com/schjonhaug/carcard/internal/emulator"
	"github.com/schjonhaug/carcard/terminal"
)

// Terminal CLI against the card emulator.
func main() {
	root := cli.NewTerminalCommand("carcard", func(cfg *config.Config) (terminal.Transmitter, func() error, error) {
		client, err := emulator.Dial(cfg.Emulator.Socket)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to emulator at %s: %w", cfg.Emulator.Socket, err)
		}
		return client, client.Close, nil
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
