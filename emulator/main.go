package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/schjonhaug/carcard"
	"github.com/schjonhaug/carcard/internal/cli"
	"github.com/schjonhaug/carcard/internal/config"
	"github.com/schjonhaug/carcard/internal/emulator"
	"github.com/schjonhaug/carcard/internal/metrics"
	"github.com/schjonhaug/carcard/internal/store"
	"github.com/schjonhaug/carcard/terminal"
)

var (
	configFile string
	verbose    bool
	logFormat  string
)

func main() {
	root := &cobra.Command{
		Use:           "carcard-emulator",
		Short:         "Software car-sharing card served over a unix socket",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "config.yaml", "config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (overrides config)")

	root.AddCommand(serveCmd, provisionCmd, statusCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the card until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, card, closeStore, err := openCard(carcard.WithMetrics(metrics.Recorder{}))
		if err != nil {
			return err
		}
		defer closeStore()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cfg.Emulator.MetricsAddr != "" {
			go serveMetrics(ctx, cfg.Emulator.MetricsAddr)
		}

		listener, err := emulator.Listen(cfg.Emulator.Socket)
		if err != nil {
			return err
		}
		defer os.Remove(cfg.Emulator.Socket)

		status := card.Status()
		slog.Info("Serving card", "ID", status.ID, "Lifecycle", status.Lifecycle.String(), "Socket", cfg.Emulator.Socket)

		return emulator.NewServer(card, slog.Default()).Serve(ctx, listener)
	},
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Install identity and database key into the card",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, card, closeStore, err := openCard()
		if err != nil {
			return err
		}
		defer closeStore()

		databaseKey, err := config.LoadKeyHexFile(cfg.Keys.DatabaseKeyFile)
		if err != nil {
			return err
		}
		database, err := terminal.NewDatabase(databaseKey)
		if err != nil {
			return err
		}

		var identity carcard.CardIdentity
		if cfg.Keys.CardKeyFile == "" {
			identity, err = database.NewCardIdentity(cfg.Card.ID)
		} else {
			identity, err = cardIdentity(database, cfg)
		}
		if err != nil {
			return err
		}

		if err := card.Provision(identity, database.TrustAnchors()); err != nil {
			return err
		}

		status := card.Status()
		fmt.Fprintf(cmd.OutOrStdout(), "Provisioned card %s (%s)\n", status.ID, status.Fingerprint)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored card state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, card, closeStore, err := openCard()
		if err != nil {
			return err
		}
		defer closeStore()

		status := card.Status()
		out := cmd.OutOrStdout()
		if status.ID == "" {
			fmt.Fprintln(out, "Card not provisioned")
			return nil
		}
		fmt.Fprintf(out, "ID:          %s\n", status.ID)
		fmt.Fprintf(out, "Fingerprint: %s\n", status.Fingerprint)
		fmt.Fprintf(out, "Lifecycle:   %s\n", status.Lifecycle)
		fmt.Fprintf(out, "Distance:    %d\n", status.Distance)
		fmt.Fprintf(out, "Tampered:    %t\n", status.Tampered)
		if status.CarID != "" {
			fmt.Fprintf(out, "Car:         %s\n", status.CarID)
		}
		return nil
	},
}

func openCard(opts ...carcard.Option) (*config.Config, *carcard.Card, func() error, error) {
	cfg, err := config.Load(configFile, config.ValidationEmulator)
	if err != nil {
		return nil, nil, nil, err
	}
	cli.SetupLogging(cfg.Log, verbose, logFormat)

	backend, err := store.NewFile(cfg.Card.StoreDir)
	if err != nil {
		return nil, nil, nil, err
	}
	card, err := carcard.NewCard(backend, append(opts, carcard.WithLogger(slog.Default()))...)
	if err != nil {
		backend.Close()
		return nil, nil, nil, err
	}
	return cfg, card, backend.Close, nil
}

func cardIdentity(database *terminal.Database, cfg *config.Config) (carcard.CardIdentity, error) {
	cardKey, err := config.LoadKeyHexFile(cfg.Keys.CardKeyFile)
	if err != nil {
		return carcard.CardIdentity{}, err
	}
	wallet := carcard.NewSoftwareWallet()
	if err := wallet.StorePrivateKey(cardKey); err != nil {
		return carcard.CardIdentity{}, err
	}
	publicKey, err := wallet.PublicKey()
	if err != nil {
		return carcard.CardIdentity{}, err
	}
	certificate, err := database.Issue(publicKey, cfg.Card.ID)
	if err != nil {
		return carcard.CardIdentity{}, err
	}
	return carcard.CardIdentity{ID: cfg.Card.ID, Certificate: certificate, PrivateKey: cardKey}, nil
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("Serving metrics", "Addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server failed", "error", err)
	}
}
