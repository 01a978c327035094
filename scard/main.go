package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ebfe/scard"

	"github.com/schjonhaug/carcard/internal/cli"
	"github.com/schjonhaug/carcard/internal/config"
	"github.com/schjonhaug/carcard/terminal"
)

// Terminal CLI against a card in a PC/SC reader.
func main() {
	root := cli.NewTerminalCommand("carcard-scard", connect)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect(cfg *config.Config) (terminal.Transmitter, func() error, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, nil, err
	}

	readers, err := ctx.ListReaders()
	if err != nil {
		ctx.Release()
		return nil, nil, err
	}
	if len(readers) == 0 {
		ctx.Release()
		return nil, nil, errors.New("no readers found")
	}
	for i, reader := range readers {
		slog.Debug("Reader", "Index", i, "Name", reader)
	}

	var index int
	if cfg.Terminal.ReaderIndex != nil {
		index = *cfg.Terminal.ReaderIndex
		if index >= len(readers) {
			ctx.Release()
			return nil, nil, fmt.Errorf("reader index %d out of range, found %d readers", index, len(readers))
		}
	} else {
		fmt.Fprintln(os.Stderr, "Waiting for a card")
		index, err = waitUntilCardPresent(ctx, readers)
		if err != nil {
			ctx.Release()
			return nil, nil, err
		}
	}

	slog.Debug("Connecting to card", "Reader", readers[index])
	card, err := ctx.Connect(readers[index], scard.ShareExclusive, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, nil, err
	}

	status, err := card.Status()
	if err == nil {
		slog.Debug("Card status", "Reader", status.Reader, "ATR", fmt.Sprintf("% x", status.Atr))
	}

	closeCard := func() error {
		err := card.Disconnect(scard.ResetCard)
		ctx.Release()
		return err
	}
	return card, closeCard, nil
}

func waitUntilCardPresent(ctx *scard.Context, readers []string) (int, error) {
	rs := make([]scard.ReaderState, len(readers))
	for i := range rs {
		rs[i].Reader = readers[i]
		rs[i].CurrentState = scard.StateUnaware
	}

	for {
		for i := range rs {
			if rs[i].EventState&scard.StatePresent != 0 {
				return i, nil
			}
			rs[i].CurrentState = rs[i].EventState
		}
		if err := ctx.GetStatusChange(rs, -1); err != nil {
			return -1, err
		}
	}
}
