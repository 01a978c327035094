package cli

import (
	"fmt"
	"io"

	"github.com/schjonhaug/carcard"
	"github.com/schjonhaug/carcard/internal/config"
	"github.com/schjonhaug/carcard/terminal"
)

// Terminals is the lab setup described by the config: one reception, one
// car and the database that certified both.
type Terminals struct {
	Database  *terminal.Database
	Reception *terminal.Reception
	Auto      *terminal.Auto
	Car       carcard.Certificate
}

func LoadTerminals(cfg *config.Config) (*Terminals, error) {
	databaseKey, err := config.LoadKeyHexFile(cfg.Keys.DatabaseKeyFile)
	if err != nil {
		return nil, err
	}
	database, err := terminal.NewDatabase(databaseKey)
	if err != nil {
		return nil, err
	}

	receptionKey, err := config.LoadKeyHexFile(cfg.Keys.ReceptionKeyFile)
	if err != nil {
		return nil, err
	}
	carKey, err := config.LoadKeyHexFile(cfg.Keys.CarKeyFile)
	if err != nil {
		return nil, err
	}

	auto, err := terminal.NewAuto(cfg.Terminal.CarID, carKey, database.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("car: %w", err)
	}
	car, err := database.Issue(auto.PublicKey(), cfg.Terminal.CarID)
	if err != nil {
		return nil, err
	}

	reception, err := database.NewReception(cfg.Terminal.ReceptionID, receptionKey)
	if err != nil {
		return nil, fmt.Errorf("reception: %w", err)
	}

	return &Terminals{Database: database, Reception: reception, Auto: auto, Car: car}, nil
}

// Assign runs AuthReception followed by CarAssignment.
func Assign(terminals *Terminals, t terminal.Transmitter, out io.Writer) error {
	reception := terminals.Reception
	if err := terminal.Run(t, reception, reception.AuthenticateRequest); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	err := terminal.Run(t, reception, func() ([]byte, error) {
		return reception.AssignCarRequest(terminals.Car)
	})
	if err != nil {
		return fmt.Errorf("assign car: %w", err)
	}
	fmt.Fprintf(out, "Card %s assigned to car %s\n", reception.CardID(), terminals.Car.ID)
	return nil
}

// Drive runs Insert and then one KilometerageUpdate per distance.
func Drive(terminals *Terminals, t terminal.Transmitter, out io.Writer, distances []uint32) error {
	auto := terminals.Auto
	if err := terminal.Run(t, auto, auto.InsertRequest); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	fmt.Fprintf(out, "Card %s inserted into car %s\n", auto.CardID(), auto.ID())

	for _, distance := range distances {
		err := terminal.Run(t, auto, func() ([]byte, error) {
			return auto.KilometerageRequest(distance)
		})
		if err != nil {
			return fmt.Errorf("kilometerage %d: %w", distance, err)
		}
		fmt.Fprintf(out, "Distance: %d\n", auto.Distance)
	}
	return nil
}

// Return runs AuthReception followed by CarReturn.
func Return(terminals *Terminals, t terminal.Transmitter, out io.Writer) error {
	reception := terminals.Reception
	if err := terminal.Run(t, reception, reception.AuthenticateRequest); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := terminal.Run(t, reception, reception.ReturnCarRequest); err != nil {
		return fmt.Errorf("return car: %w", err)
	}

	report := reception.Report
	fmt.Fprintf(out, "Card:     %s\n", report.CardID)
	fmt.Fprintf(out, "Distance: %d\n", report.Distance)
	fmt.Fprintf(out, "Tampered: %t\n", report.Tampered)
	return nil
}

// Retire authenticates the card and then sends EndOfLife.
func Retire(terminals *Terminals, t terminal.Transmitter, out io.Writer) error {
	reception := terminals.Reception
	if err := terminal.Run(t, reception, reception.AuthenticateRequest); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := terminal.Run(t, reception, reception.EndOfLifeRequest); err != nil {
		return fmt.Errorf("end of life: %w", err)
	}
	fmt.Fprintf(out, "Card %s retired\n", reception.CardID())
	return nil
}
