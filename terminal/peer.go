package terminal

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/schjonhaug/carcard"
	"github.com/schjonhaug/carcard/internal/wire"
)

var (
	// ErrDropped means the card ignored the message because it expected a
	// different step.
	ErrDropped = errors.New("message dropped by card")

	// ErrQueueEmpty means a response arrived with no request pending.
	ErrQueueEmpty = errors.New("queue empty")

	// ErrForgedReply means a card reply did not carry a valid card
	// signature.
	ErrForgedReply = errors.New("card signature does not verify")

	// ErrUnexpectedReply means a correctly signed reply had the wrong tag
	// or nonce.
	ErrUnexpectedReply = errors.New("unexpected card reply")
)

type Option func(*peer)

// WithRandom replaces the nonce source.
func WithRandom(random io.Reader) Option {
	return func(p *peer) {
		p.random = random
	}
}

// peer is the state every terminal keeps about the card it talks to.
type peer struct {
	id       string
	key      *btcec.PrivateKey
	database *btcec.PublicKey
	random   io.Reader

	cardKey   *btcec.PublicKey
	cardID    string
	nonceCard uint16

	queue
}

func newPeer(id string, privateKey []byte, database *btcec.PublicKey, opts []Option) (peer, error) {
	if id == "" {
		return peer{}, errors.New("terminal id is required")
	}
	if database == nil {
		return peer{}, errors.New("database key is required")
	}
	key, err := parsePrivateKey(privateKey)
	if err != nil {
		return peer{}, err
	}
	p := peer{id: id, key: key, database: database, random: rand.Reader}
	for _, opt := range opts {
		opt(&p)
	}
	return p, nil
}

func (p *peer) ID() string {
	return p.id
}

func (p *peer) PublicKey() *btcec.PublicKey {
	return p.key.PubKey()
}

// CardID is the id from the certificate of the last authenticated card.
func (p *peer) CardID() string {
	return p.cardID
}

func (p *peer) createNonce() (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(p.random, b[:]); err != nil {
		return 0, err
	}
	nonce := binary.BigEndian.Uint16(b[:])

	slog.Debug("Created nonce", "Terminal", p.id, "Nonce", fmt.Sprintf("%04x", nonce))

	return nonce, nil
}

func (p *peer) sign(data []byte) []byte {
	return sign(p.key, data)
}

// acceptCard parses lp(cert) ‖ nonceCard, the opening of every
// authentication, and trusts the card key once its certificate verifies.
func (p *peer) acceptCard(data []byte) error {
	r := wire.NewReader(data)
	encoded := r.Block()
	nonceCard := r.Uint16()
	if err := r.Done(); err != nil {
		return err
	}

	certificate, err := carcard.DecodeCertificate(encoded)
	if err != nil {
		return err
	}
	cardKey, err := certificate.Verify(p.database)
	if err != nil {
		return err
	}

	slog.Debug("Card certificate verified", "Terminal", p.id, "CardID", certificate.ID, "NonceCard", fmt.Sprintf("%04x", nonceCard))

	p.cardKey = cardKey
	p.cardID = certificate.ID
	p.nonceCard = nonceCard
	return nil
}

// verifyCard checks body ‖ lp(signature) signed by the card and returns
// body.
func (p *peer) verifyCard(data []byte, bodyLength int) ([]byte, error) {
	r := wire.NewReader(data)
	body := r.Raw(bodyLength)
	signature := r.Block()
	if err := r.Done(); err != nil {
		return nil, err
	}
	if !carcard.Verify(body, signature, p.cardKey) {
		return nil, ErrForgedReply
	}
	return body, nil
}

// request frames a message and remembers what its response will be.
func (p *peer) request(pending command, msg carcard.Message) ([]byte, error) {
	request, err := carcard.EncodeCommand(msg)
	if err != nil {
		return nil, err
	}
	p.queue.enqueue(pending)
	return request, nil
}

// next takes a response off the wire and pairs it with the pending
// command. Card errors come back as *carcard.StatusError.
func (p *peer) next(response []byte) (command, []byte, error) {
	pending, ok := p.queue.dequeue()
	if !ok {
		return 0, nil, ErrQueueEmpty
	}

	resp, err := carcard.DecodeResponse(response)
	if err != nil {
		p.queue.reset()
		return pending, nil, err
	}

	switch resp.Outcome {
	case carcard.OutcomeDropped:
		p.queue.reset()
		return pending, nil, fmt.Errorf("%s: %w", pending, ErrDropped)
	case carcard.OutcomeError:
		p.queue.reset()
		return pending, nil, p.cardError(pending, resp)
	}

	slog.Debug("Card response", "Terminal", p.id, "Command", pending.String(), "Data", fmt.Sprintf("%x", resp.Data))

	return pending, resp.Data, nil
}

func (p *peer) cardError(pending command, resp carcard.Response) error {
	reply, err := carcard.DecodeErrorReply(resp.Data)
	if err != nil {
		return fmt.Errorf("%s: malformed card error SW=0x%04X: %w", pending, uint16(resp.Status), err)
	}
	// Errors before the card presented its certificate cannot be checked.
	if p.cardKey != nil && len(reply.Signature) > 0 && !carcard.Verify(reply.SignedData(), reply.Signature, p.cardKey) {
		return fmt.Errorf("%s: %w", pending, ErrForgedReply)
	}

	slog.Debug("Card rejected command", "Terminal", p.id, "Command", pending.String(), "Status", reply.Status.String())

	return reply.Err()
}

// Transmitter carries one command APDU to the card and returns its response.
type Transmitter interface {
	Transmit(command []byte) ([]byte, error)
}

// Driver consumes card responses.
type Driver interface {
	ParseResponse(response []byte) ([]byte, error)
}

// Run drives one complete exchange: it sends the command from request and
// keeps feeding responses to d until d has nothing more to send.
func Run(t Transmitter, d Driver, request func() ([]byte, error)) error {
	command, err := request()
	if err != nil {
		return err
	}
	for command != nil {
		response, err := t.Transmit(command)
		if err != nil {
			return err
		}
		command, err = d.ParseResponse(response)
		if err != nil {
			return err
		}
	}
	return nil
}

// Select selects the card application. A retired card reports
// carcard.ErrEndOfLife.
func Select(t Transmitter) error {
	command, err := carcard.SelectCommand()
	if err != nil {
		return err
	}
	response, err := t.Transmit(command)
	if err != nil {
		return err
	}
	resp, err := carcard.DecodeResponse(response)
	if err != nil {
		return err
	}
	switch {
	case resp.Status == carcard.StatusOK:
		return nil
	case resp.Status == carcard.StatusEndOfLife:
		return carcard.ErrEndOfLife
	default:
		return fmt.Errorf("select failed with SW=0x%04X", uint16(resp.Status))
	}
}

// Abort reports a terminal side failure at step, so the card abandons the
// running sub-protocol.
func Abort(t Transmitter, step carcard.Step, status carcard.Status) error {
	command, err := carcard.EncodeCommand(carcard.Message{
		Category: carcard.CategoryError,
		Step:     step,
		Data:     wire.Uint16Bytes(uint16(status)),
	})
	if err != nil {
		return err
	}
	response, err := t.Transmit(command)
	if err != nil {
		return err
	}
	resp, err := carcard.DecodeResponse(response)
	if err != nil {
		return err
	}
	if resp.Outcome == carcard.OutcomeDropped {
		return ErrDropped
	}
	if resp.Outcome != carcard.OutcomeReply {
		return fmt.Errorf("abort failed with SW=0x%04X", uint16(resp.Status))
	}
	return nil
}

// Idle reports whether no exchange is waiting for a card response.
func (p *peer) Idle() bool {
	return p.queue.isEmpty()
}
