package terminal

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/schjonhaug/carcard"
	"github.com/schjonhaug/carcard/internal/wire"
)

// Auto is the car unit. It authenticates the card with Insert and then
// reports kilometerage.
type Auto struct {
	peer

	nonceAuto uint16
	requested uint32

	// Authenticated is set after a successful Insert.
	Authenticated bool
	// Distance is the last distance the card confirmed.
	Distance uint32
}

func NewAuto(id string, privateKey []byte, database *btcec.PublicKey, opts ...Option) (*Auto, error) {
	p, err := newPeer(id, privateKey, database, opts)
	if err != nil {
		return nil, err
	}
	return &Auto{peer: p}, nil
}

// InsertRequest starts the Insert authentication. The card must be
// selected and hold an assignment for this car.
func (a *Auto) InsertRequest() ([]byte, error) {
	a.Authenticated = false
	return a.request(commandInsert, carcard.Message{
		Category:    carcard.CategoryAuth,
		Step:        carcard.StepAuth,
		Instruction: carcard.InstructionInsert,
	})
}

// KilometerageRequest reports the car's odometer reading.
func (a *Auto) KilometerageRequest(distance uint32) ([]byte, error) {
	a.requested = distance
	signature := a.sign(wire.Uint32Bytes(distance))
	return a.request(commandKilometerage, carcard.Message{
		Category:    carcard.CategoryProcess,
		Step:        carcard.StepProc,
		Instruction: carcard.InstructionKilometerage,
		Data:        wire.NewBuilder().Uint32(distance).Block(signature).Bytes(),
	})
}

func (a *Auto) ParseResponse(response []byte) ([]byte, error) {
	pending, data, err := a.next(response)
	if err != nil {
		if pending != commandKilometerage {
			a.Authenticated = false
		}
		return nil, err
	}

	switch pending {
	case commandInsert:
		return a.parseInsert(data)
	case commandInsertM2:
		return a.parseInsertM2(data)
	case commandInsertSuccess:
		a.Authenticated = true
		slog.Debug("Insert complete", "Car", a.id, "CardID", a.cardID)
		return nil, nil
	case commandKilometerage:
		return nil, a.parseKilometerage(data)
	default:
		return nil, fmt.Errorf("unexpected command %s", pending)
	}
}

// parseInsert answers lp(cert) ‖ nonceCard with
// nonceCard ‖ lp(sig_auto(nonceCard)) ‖ nonceAuto.
func (a *Auto) parseInsert(data []byte) ([]byte, error) {
	if err := a.acceptCard(data); err != nil {
		return nil, err
	}
	nonceAuto, err := a.createNonce()
	if err != nil {
		return nil, err
	}
	a.nonceAuto = nonceAuto

	return a.request(commandInsertM2, carcard.Message{
		Category: carcard.CategoryContinue,
		Step:     carcard.StepInsertM2,
		Data: wire.NewBuilder().
			Uint16(a.nonceCard).
			Block(a.sign(wire.Uint16Bytes(a.nonceCard))).
			Uint16(nonceAuto).
			Bytes(),
	})
}

// parseInsertM2 checks nonceAuto ‖ lp(sig_card(nonceAuto)) and confirms
// with 0x01 ‖ nonceCard+1 ‖ lp(sig_auto(0x01 ‖ nonce)).
func (a *Auto) parseInsertM2(data []byte) ([]byte, error) {
	body, err := a.verifyCard(data, 2)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(body, wire.Uint16Bytes(a.nonceAuto)) {
		return nil, ErrUnexpectedReply
	}

	confirmation := wire.NewBuilder().Byte(carcard.SuccessByte).Uint16(a.nonceCard + 1).Bytes()
	return a.request(commandInsertSuccess, carcard.Message{
		Category: carcard.CategoryContinue,
		Step:     carcard.StepInsertSuccess,
		Data:     wire.NewBuilder().Raw(confirmation).Block(a.sign(confirmation)).Bytes(),
	})
}

// parseKilometerage checks 0x01 ‖ distance ‖ lp(sig_card(0x01 ‖ distance))
// for the distance last requested.
func (a *Auto) parseKilometerage(data []byte) error {
	body, err := a.verifyCard(data, 5)
	if err != nil {
		return err
	}
	r := wire.NewReader(body)
	success := r.Byte()
	distance := r.Uint32()
	if success != carcard.SuccessByte || r.Done() != nil || distance != a.requested {
		return ErrUnexpectedReply
	}
	a.Distance = distance

	slog.Debug("Kilometerage confirmed", "Car", a.id, "Distance", distance)

	return nil
}
