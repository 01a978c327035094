package terminal

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/schjonhaug/carcard"
	"github.com/schjonhaug/carcard/internal/wire"
)

// ReturnReport is what the card discloses when a car is returned.
type ReturnReport struct {
	CardID   string
	CarID    string
	Distance uint32
	Tampered bool
}

// Reception is the reception kiosk. It authenticates the card, hands out
// cars and takes them back.
type Reception struct {
	peer

	certificate    carcard.Certificate
	nonceReception uint16
	distanceNonce  uint16

	car      *carcard.Certificate
	tampered bool

	// Authenticated is set after a successful AuthReception and cleared
	// when the card leaves the administrative session.
	Authenticated bool
	// Report is filled in by a successful car return.
	Report *ReturnReport
}

// NewReception creates a reception terminal holding a certificate issued by
// the database for its key.
func NewReception(id string, privateKey []byte, certificate carcard.Certificate, database *btcec.PublicKey, opts ...Option) (*Reception, error) {
	p, err := newPeer(id, privateKey, database, opts)
	if err != nil {
		return nil, err
	}
	certified, err := certificate.Verify(database)
	if err != nil {
		return nil, err
	}
	if !certified.IsEqual(p.PublicKey()) || certificate.ID != id {
		return nil, errors.New("certificate does not belong to this terminal")
	}
	return &Reception{peer: p, certificate: certificate}, nil
}

// AuthenticateRequest starts AuthReception. The card must be selected.
func (r *Reception) AuthenticateRequest() ([]byte, error) {
	return r.authenticate(carcard.StepAuth)
}

// TakeOverRequest starts AuthReception on a card that is still in a car
// session, so a car can be returned without pulling the card first.
func (r *Reception) TakeOverRequest() ([]byte, error) {
	return r.authenticate(carcard.StepProc)
}

func (r *Reception) authenticate(step carcard.Step) ([]byte, error) {
	r.Authenticated = false
	return r.request(commandAuthenticate, carcard.Message{
		Category:    carcard.CategoryAuth,
		Step:        step,
		Instruction: carcard.InstructionAuthReception,
	})
}

// AssignCarRequest binds the car named by certificate to the card.
func (r *Reception) AssignCarRequest(car carcard.Certificate) ([]byte, error) {
	r.car = &car
	return r.request(commandAssignCar, carcard.Message{
		Category:    carcard.CategoryProcess,
		Step:        carcard.StepProc,
		Instruction: carcard.InstructionCarAssign,
	})
}

// ReturnCarRequest takes the car back and collects the final distance.
func (r *Reception) ReturnCarRequest() ([]byte, error) {
	r.Report = nil
	return r.request(commandReturnCar, carcard.Message{
		Category:    carcard.CategoryProcess,
		Step:        carcard.StepProc,
		Instruction: carcard.InstructionCarReturn,
	})
}

// EndOfLifeRequest retires the card for good. It needs an authenticated
// reception session.
func (r *Reception) EndOfLifeRequest() ([]byte, error) {
	return r.request(commandEndOfLife, carcard.Message{
		Category:    carcard.CategoryLifecycle,
		Step:        carcard.StepAuth,
		Instruction: carcard.InstructionEndOfLife,
	})
}

func (r *Reception) ParseResponse(response []byte) ([]byte, error) {
	pending, data, err := r.next(response)
	if err != nil {
		var statusErr *carcard.StatusError
		switch {
		case pending == commandAuthenticate, pending == commandAuthenticateM2, pending == commandAuthenticateSuccess:
			r.Authenticated = false
		case errors.As(err, &statusErr) && statusErr.Status == carcard.StatusNotAuthenticated:
			r.Authenticated = false
		}
		return nil, err
	}

	switch pending {
	case commandAuthenticate:
		return r.parseAuthenticate(data)
	case commandAuthenticateM2:
		return r.parseAuthenticateM2(data)
	case commandAuthenticateSuccess:
		r.Authenticated = true
		slog.Debug("Reception session open", "Terminal", r.id, "CardID", r.cardID)
		return nil, nil
	case commandAssignCar:
		return r.parseAssignCar(data)
	case commandAssignCarM2:
		return nil, r.parseAssignCarM2(data)
	case commandReturnCar:
		return r.parseReturnCar(data)
	case commandReturnCarM2:
		return r.parseReturnCarM2(data)
	case commandReturnCarSuccess:
		// The card starts over after a return.
		r.Authenticated = false
		return nil, nil
	case commandEndOfLife:
		return nil, r.parseEndOfLife(data)
	default:
		return nil, fmt.Errorf("unexpected command %s", pending)
	}
}

// parseAuthenticate answers lp(cert) ‖ nonceCard with the terminal
// certificate and a fresh nonceReception.
func (r *Reception) parseAuthenticate(data []byte) ([]byte, error) {
	if err := r.acceptCard(data); err != nil {
		return nil, err
	}
	nonceReception, err := r.createNonce()
	if err != nil {
		return nil, err
	}
	r.nonceReception = nonceReception

	return r.request(commandAuthenticateM2, carcard.Message{
		Category: carcard.CategoryContinue,
		Step:     carcard.StepAuthReceptionM2,
		Data:     carcard.NewCertificateBuilder(r.certificate).Uint16(nonceReception).Bytes(),
	})
}

// parseAuthenticateM2 checks nonceReception ‖ lp(sig_card(nonceReception))
// and confirms with 0x01 ‖ nonceCard ‖ lp(sig_rt(0x01 ‖ nonceCard)).
func (r *Reception) parseAuthenticateM2(data []byte) ([]byte, error) {
	body, err := r.verifyCard(data, 2)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(body, wire.Uint16Bytes(r.nonceReception)) {
		return nil, ErrUnexpectedReply
	}

	return r.request(commandAuthenticateSuccess, carcard.Message{
		Category: carcard.CategoryContinue,
		Step:     carcard.StepAuthReceptionSuccess,
		Data:     r.confirm(r.nonceCard),
	})
}

// parseAssignCar checks "Car?" ‖ nonceReception+1 and sends the car
// certificate countersigned with nonceCard+1.
func (r *Reception) parseAssignCar(data []byte) ([]byte, error) {
	body, err := r.verifyCard(data, len(carcard.TagCarQuery)+2)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(body, wire.Concat(carcard.TagCarQuery, wire.Uint16Bytes(r.nonceReception+1))) {
		return nil, ErrUnexpectedReply
	}
	if r.car == nil {
		return nil, errors.New("no car to assign")
	}

	sequence := r.nonceCard + 1
	signed := wire.Concat(r.car.PublicKey, []byte(r.car.ID), r.car.Signature, wire.Uint16Bytes(sequence))
	return r.request(commandAssignCarM2, carcard.Message{
		Category: carcard.CategoryContinue,
		Step:     carcard.StepCarAssignM2,
		Data:     carcard.NewCertificateBuilder(*r.car).Uint16(sequence).Block(r.sign(signed)).Bytes(),
	})
}

// parseAssignCarM2 checks 0x01 ‖ nonceReception+2. The card drops back to
// Auth afterwards.
func (r *Reception) parseAssignCarM2(data []byte) error {
	if err := r.checkConfirmation(data, r.nonceReception+2); err != nil {
		return err
	}

	slog.Debug("Car assigned", "Terminal", r.id, "CardID", r.cardID, "CarID", r.car.ID)

	r.Authenticated = false
	return nil
}

// parseReturnCar reads "Car Return" ‖ nonceReception+1 ‖ tamper and asks
// for the distance with a fresh nonce.
func (r *Reception) parseReturnCar(data []byte) ([]byte, error) {
	body, err := r.verifyCard(data, len(carcard.TagCarReturn)+3)
	if err != nil {
		return nil, err
	}
	reader := wire.NewReader(body)
	tag := reader.Raw(len(carcard.TagCarReturn))
	sequence := reader.Uint16()
	tampered := reader.Byte()
	if reader.Done() != nil || !bytes.Equal(tag, carcard.TagCarReturn) || sequence != r.nonceReception+1 || tampered > 1 {
		return nil, ErrUnexpectedReply
	}
	r.tampered = tampered == 1

	distanceNonce, err := r.createNonce()
	if err != nil {
		return nil, err
	}
	r.distanceNonce = distanceNonce

	signed := wire.NewBuilder().Uint16(distanceNonce).Uint16(r.nonceCard + 1).Bytes()
	return r.request(commandReturnCarM2, carcard.Message{
		Category: carcard.CategoryContinue,
		Step:     carcard.StepCarReturnM2,
		Data:     wire.NewBuilder().Raw(signed).Block(r.sign(signed)).Bytes(),
	})
}

// parseReturnCarM2 reads distance ‖ distNonce ‖ nonceReception+2 and
// confirms with 0x01 ‖ nonceCard+2.
func (r *Reception) parseReturnCarM2(data []byte) ([]byte, error) {
	body, err := r.verifyCard(data, 8)
	if err != nil {
		return nil, err
	}
	reader := wire.NewReader(body)
	distance := reader.Uint32()
	distanceNonce := reader.Uint16()
	sequence := reader.Uint16()
	if reader.Done() != nil || distanceNonce != r.distanceNonce || sequence != r.nonceReception+2 {
		return nil, ErrUnexpectedReply
	}

	r.Report = &ReturnReport{
		CardID:   r.cardID,
		Distance: distance,
		Tampered: r.tampered,
	}
	if r.car != nil {
		r.Report.CarID = r.car.ID
	}

	slog.Debug("Car return reported", "Terminal", r.id, "CardID", r.cardID, "Distance", distance, "Tampered", r.tampered)

	return r.request(commandReturnCarSuccess, carcard.Message{
		Category: carcard.CategoryContinue,
		Step:     carcard.StepCarReturnSuccess,
		Data:     r.confirm(r.nonceCard + 2),
	})
}

// parseEndOfLife checks 0x01 ‖ lp(sig_card(0x01)).
func (r *Reception) parseEndOfLife(data []byte) error {
	body, err := r.verifyCard(data, 1)
	if err != nil {
		return err
	}
	if body[0] != carcard.SuccessByte {
		return ErrUnexpectedReply
	}
	r.Authenticated = false
	return nil
}

// confirm builds 0x01 ‖ nonce ‖ lp(sig_rt(0x01 ‖ nonce)).
func (r *Reception) confirm(nonce uint16) []byte {
	confirmation := wire.NewBuilder().Byte(carcard.SuccessByte).Uint16(nonce).Bytes()
	return wire.NewBuilder().Raw(confirmation).Block(r.sign(confirmation)).Bytes()
}

// checkConfirmation checks a card-signed 0x01 ‖ nonce.
func (r *Reception) checkConfirmation(data []byte, nonce uint16) error {
	body, err := r.verifyCard(data, 3)
	if err != nil {
		return err
	}
	if !bytes.Equal(body, wire.NewBuilder().Byte(carcard.SuccessByte).Uint16(nonce).Bytes()) {
		return ErrUnexpectedReply
	}
	return nil
}
