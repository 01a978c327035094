// Package carcard implements the card side of a car-sharing access token.
//
// The card authenticates against a car ("Auto") and a reception terminal,
// and walks a strict workflow: a reception terminal assigns a car, the car
// meters kilometerage while the card is inserted, and a reception terminal
// takes the card back. Every step is a signed request/response exchange
// driven by a single state machine (see Step).
package carcard

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/schjonhaug/carcard/internal/store"
	"github.com/schjonhaug/carcard/internal/wire"
)

// Card is the card-side protocol engine. It processes one message at a
// time; all state changes happen inside Process, Select, Deselect and
// Provision.
type Card struct {
	mu sync.Mutex

	store  store.Backend
	logger *slog.Logger
	random io.Reader

	metrics Recorder

	identity *CardIdentity
	anchors  TrustAnchors
	crypto   Crypto

	ledger  UsageLedger
	session SessionState
}

type Option func(*Card)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Card) {
		c.logger = logger
	}
}

// Recorder receives engine events. internal/metrics provides the
// Prometheus implementation.
type Recorder interface {
	RecordMessage(category, outcome string)
	RecordCommit()
}

type nopRecorder struct{}

func (nopRecorder) RecordMessage(string, string) {}
func (nopRecorder) RecordCommit()                {}

func WithMetrics(recorder Recorder) Option {
	return func(c *Card) {
		c.metrics = recorder
	}
}

// WithRandom replaces the nonce source. Tests use it to pin nonces.
func WithRandom(random io.Reader) Option {
	return func(c *Card) {
		c.random = random
	}
}

// NewCard opens a card backed by backend, restoring identity and ledger if
// the card was provisioned before. A nil backend keeps state in memory.
func NewCard(backend store.Backend, opts ...Option) (*Card, error) {
	if backend == nil {
		backend = store.NewMemory()
	}

	c := &Card{
		store:   backend,
		logger:  slog.Default(),
		metrics: nopRecorder{},
		session: newSession(),
	}
	for _, opt := range opts {
		opt(c)
	}

	state, err := loadState(backend)
	if errors.Is(err, store.ErrNotFound) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := c.restore(state); err != nil {
		return nil, fmt.Errorf("restore card state: %w", err)
	}

	c.logger.Debug("Card restored", "ID", c.identity.ID, "Lifecycle", c.ledger.Lifecycle.String())

	return c, nil
}

func (c *Card) restore(state *persistedState) error {
	database, err := btcec.ParsePubKey(state.DatabaseKey)
	if err != nil {
		return fmt.Errorf("database key: %w", err)
	}
	wallet := NewSoftwareWallet()
	if err := wallet.StorePrivateKey(state.PrivateKey); err != nil {
		return err
	}

	c.identity = &CardIdentity{
		ID:          state.ID,
		Certificate: state.Certificate,
		PrivateKey:  state.PrivateKey,
	}
	c.anchors = TrustAnchors{Database: database}
	c.crypto = NewProvider(wallet, c.random)
	c.ledger = state.Ledger
	return nil
}

// Provision installs the card identity and the database trust anchor and
// resets the ledger, clearing the tamper flag. A retired card cannot be
// provisioned again.
func (c *Card) Provision(identity CardIdentity, anchors TrustAnchors) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ledger.Lifecycle == LifecycleEndOfLife {
		return ErrEndOfLife
	}
	if anchors.Database == nil {
		return errors.New("provision: database key is required")
	}
	if identity.ID == "" {
		return errors.New("provision: card id is required")
	}

	wallet := NewSoftwareWallet()
	if err := wallet.StorePrivateKey(identity.PrivateKey); err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	publicKey, err := wallet.PublicKey()
	if err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	certified, err := identity.Certificate.Verify(anchors.Database)
	if err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	if !certified.IsEqual(publicKey) {
		return errors.New("provision: certificate does not match private key")
	}
	if identity.Certificate.ID != identity.ID {
		return fmt.Errorf("provision: certificate issued to %q, not %q", identity.Certificate.ID, identity.ID)
	}

	// The caller may wipe its buffers once provisioning returns.
	identity.PrivateKey = bytes.Clone(identity.PrivateKey)
	identity.Certificate.PublicKey = bytes.Clone(identity.Certificate.PublicKey)
	identity.Certificate.Signature = bytes.Clone(identity.Certificate.Signature)

	ledger := UsageLedger{Lifecycle: LifecycleAssignedNone}
	state := &persistedState{
		ID:          identity.ID,
		Certificate: identity.Certificate,
		PrivateKey:  identity.PrivateKey,
		DatabaseKey: anchors.Database.SerializeCompressed(),
		Ledger:      ledger,
	}
	if err := saveState(c.store, state); err != nil {
		return fmt.Errorf("provision: %w", err)
	}

	c.identity = &identity
	c.anchors = anchors
	c.crypto = NewProvider(wallet, c.random)
	c.ledger = ledger
	c.session = newSession()

	fingerprint, _ := Fingerprint(identity.Certificate.PublicKey)
	c.logger.Info("Card provisioned", "ID", identity.ID, "Fingerprint", fingerprint)

	return nil
}

// Select is called when the card is powered up or reselected. It starts a
// fresh session and reports a retired card as unusable.
func (c *Card) Select() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = newSession()
	if c.ledger.Lifecycle == LifecycleEndOfLife {
		return ErrEndOfLife
	}
	return nil
}

// Deselect is called when the card leaves the reader.
func (c *Card) Deselect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = newSession()
}

// Process handles one inbound message and returns the card's answer.
func (c *Card) Process(msg Message) Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp := c.process(msg)
	c.metrics.RecordMessage(msg.Category.String(), resp.Outcome.String())
	return resp
}

func (c *Card) process(msg Message) Response {
	c.logger.Debug("Process",
		"Category", msg.Category.String(),
		"Step", msg.Step.String(),
		"Instruction", msg.Instruction.String(),
		"Expected", c.session.Expected.String(),
		"Data", fmt.Sprintf("%x", msg.Data))

	switch {
	case c.ledger.Lifecycle == LifecycleEndOfLife:
		return c.signedError(msg.Step, StatusEndOfLife)
	case c.identity == nil:
		// Nothing to sign with yet.
		return Response{
			Outcome: OutcomeError,
			Status:  StatusNotInitialized,
			Data:    wire.NewBuilder().Raw(errorData(StatusNotInitialized, msg.Step)).Block(nil).Bytes(),
		}
	case msg.Category == CategoryLifecycle:
		return c.apply(msg.Step, c.handleLifecycle(c.session, msg))
	case msg.Step != c.session.Expected:
		c.logger.Debug("Dropped message", "Step", msg.Step.String(), "Expected", c.session.Expected.String())
		return Response{Outcome: OutcomeDropped, Status: StatusStepMismatch}
	}

	h, status := lookup(msg)
	if h == nil {
		return c.signedError(msg.Step, status)
	}
	return c.apply(msg.Step, h(c, c.session, msg.Data))
}

// apply commits a step's result. A failed commit leaves ledger and session
// as they were before the step, apart from the usual failure fallback.
func (c *Card) apply(step Step, res stepResult) Response {
	if res.ledger != nil {
		if err := c.commit(*res.ledger); err != nil {
			c.logger.Error("Commit failed", "Step", step.String(), "error", err)
			c.session = c.session.fallback(step)
			return c.signedError(step, StatusStorageFailure)
		}
	}
	c.session = res.session

	if res.status != StatusOK {
		c.logger.Debug("Step failed", "Step", step.String(), "Status", fmt.Sprintf("0x%04X", uint16(res.status)), "Expected", c.session.Expected.String())
		return c.signedError(step, res.status)
	}
	return Response{Outcome: OutcomeReply, Status: StatusOK, Data: res.reply}
}

func (c *Card) commit(ledger UsageLedger) error {
	state := &persistedState{
		ID:          c.identity.ID,
		Certificate: c.identity.Certificate,
		PrivateKey:  c.identity.PrivateKey,
		DatabaseKey: c.anchors.Database.SerializeCompressed(),
		Ledger:      ledger,
	}
	if err := saveState(c.store, state); err != nil {
		return err
	}
	c.ledger = ledger
	c.metrics.RecordCommit()
	return nil
}

// signedError builds status ‖ step ‖ lp(signature).
func (c *Card) signedError(step Step, status Status) Response {
	signature, err := c.crypto.Sign(errorData(status, step))
	if err != nil {
		c.logger.Error("Cannot sign error reply", "error", err)
	}
	return Response{
		Outcome: OutcomeError,
		Status:  status,
		Data:    wire.NewBuilder().Raw(errorData(status, step)).Block(signature).Bytes(),
	}
}

// carKey returns the key of the assigned car.
func (c *Card) carKey() (*btcec.PublicKey, error) {
	if c.ledger.Assignment == nil {
		return nil, errors.New("no car assigned")
	}
	return btcec.ParsePubKey(c.ledger.Assignment.CarKey)
}

// CardStatus is a read-only snapshot of the card.
type CardStatus struct {
	ID          string
	Fingerprint string

	Lifecycle Lifecycle
	Distance  uint32
	Tampered  bool
	CarID     string

	Expected              Step
	TerminalAuthenticated bool
	CarAuthenticated      bool
}

func (c *Card) Status() CardStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := CardStatus{
		Lifecycle:             c.ledger.Lifecycle,
		Distance:              c.ledger.Distance,
		Tampered:              c.ledger.Tampered,
		Expected:              c.session.Expected,
		TerminalAuthenticated: c.session.TerminalAuthenticated,
		CarAuthenticated:      c.session.CarAuthenticated,
	}
	if c.identity != nil {
		status.ID = c.identity.ID
		status.Fingerprint, _ = Fingerprint(c.identity.Certificate.PublicKey)
	}
	if c.ledger.Assignment != nil {
		status.CarID = c.ledger.Assignment.CarID
	}
	return status
}

// EnableDebugLogging routes slog's default logger to stderr at debug level.
func EnableDebugLogging() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))
}
