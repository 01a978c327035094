package carcard

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/stretchr/testify/require"

	"github.com/schjonhaug/carcard/internal/store"
	"github.com/schjonhaug/carcard/internal/wire"
)

// party is a certified participant: card, car or reception terminal.
type party struct {
	key  *btcec.PrivateKey
	cert Certificate
}

func (p party) sign(data []byte) []byte {
	return signWith(p.key, data)
}

func signWith(key *btcec.PrivateKey, data []byte) []byte {
	digest := sha256.Sum256(data)
	return ecdsa.Sign(key, digest[:]).Serialize()
}

func newKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return key
}

func certify(t *testing.T, database *btcec.PrivateKey, key *btcec.PrivateKey, id string) Certificate {
	t.Helper()
	cert := Certificate{PublicKey: key.PubKey().SerializeCompressed(), ID: id}
	cert.Signature = signWith(database, cert.SignedData())
	return cert
}

type fixture struct {
	t *testing.T

	database  *btcec.PrivateKey
	identity  CardIdentity
	card      *Card
	reception party
	car       party

	nonceCard      uint16
	nonceReception uint16
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithBackend(t, store.NewMemory(), opts...)
}

func newFixtureWithBackend(t *testing.T, backend store.Backend, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{t: t, database: newKey(t)}

	cardKey := newKey(t)
	f.identity = CardIdentity{
		ID:          "C1",
		Certificate: certify(t, f.database, cardKey, "C1"),
		PrivateKey:  cardKey.Serialize(),
	}

	receptionKey := newKey(t)
	f.reception = party{key: receptionKey, cert: certify(t, f.database, receptionKey, "RT1")}
	carKey := newKey(t)
	f.car = party{key: carKey, cert: certify(t, f.database, carKey, "AUTO1")}

	card, err := NewCard(backend, opts...)
	require.NoError(t, err)
	require.NoError(t, card.Provision(f.identity, TrustAnchors{Database: f.database.PubKey()}))
	f.card = card

	return f
}

func (f *fixture) cardKey() *btcec.PublicKey {
	key, err := btcec.ParsePubKey(f.identity.Certificate.PublicKey)
	require.NoError(f.t, err)
	return key
}

func (f *fixture) process(category Category, step Step, instruction Instruction, data []byte) Response {
	return f.card.Process(Message{Category: category, Step: step, Instruction: instruction, Data: data})
}

// requireReply asserts a successful reply and returns its data.
func (f *fixture) requireReply(resp Response) []byte {
	f.t.Helper()
	require.Equal(f.t, OutcomeReply, resp.Outcome, "status %s", resp.Status)
	return resp.Data
}

// requireError asserts a card-signed error with status.
func (f *fixture) requireError(resp Response, status Status) {
	f.t.Helper()
	require.Equal(f.t, OutcomeError, resp.Outcome)
	require.Equal(f.t, status, resp.Status, "got %s", resp.Status)

	reply, err := DecodeErrorReply(resp.Data)
	require.NoError(f.t, err)
	require.Equal(f.t, status, reply.Status)
	require.True(f.t, Verify(reply.SignedData(), reply.Signature, f.cardKey()), "error reply must be signed by the card")
}

// requireSigned splits body ‖ lp(sig) and checks the card signature.
func (f *fixture) requireSigned(data []byte, bodyLength int) []byte {
	f.t.Helper()
	r := wire.NewReader(data)
	body := r.Raw(bodyLength)
	signature := r.Block()
	require.NoError(f.t, r.Done())
	require.True(f.t, Verify(body, signature, f.cardKey()), "reply must be signed by the card")
	return body
}

// start opens an authentication from the card's current step and returns
// the card nonce.
func (f *fixture) start(instruction Instruction) uint16 {
	f.t.Helper()
	step := f.card.Status().Expected
	require.Contains(f.t, []Step{StepAuth, StepProc}, step)
	data := f.requireReply(f.process(CategoryAuth, step, instruction, nil))

	r := wire.NewReader(data)
	cert, err := DecodeCertificate(r.Block())
	require.NoError(f.t, err)
	nonce := r.Uint16()
	require.NoError(f.t, r.Done())
	require.Equal(f.t, f.identity.Certificate, cert)

	f.nonceCard = nonce
	return nonce
}

func confirmation(p party, nonce uint16) []byte {
	body := wire.NewBuilder().Byte(SuccessByte).Uint16(nonce).Bytes()
	return wire.NewBuilder().Raw(body).Block(p.sign(body)).Bytes()
}

func (f *fixture) authReceptionM2(nonceReception uint16) []byte {
	return NewCertificateBuilder(f.reception.cert).Uint16(nonceReception).Bytes()
}

// authReception runs AuthReception to completion.
func (f *fixture) authReception() {
	f.t.Helper()
	nonceCard := f.start(InstructionAuthReception)

	f.nonceReception = 0x1234
	data := f.requireReply(f.process(CategoryContinue, StepAuthReceptionM2, InstructionNone, f.authReceptionM2(f.nonceReception)))
	require.Equal(f.t, wire.Uint16Bytes(f.nonceReception), f.requireSigned(data, 2))

	data = f.requireReply(f.process(CategoryContinue, StepAuthReceptionSuccess, InstructionNone, confirmation(f.reception, nonceCard)))
	require.Empty(f.t, data)

	status := f.card.Status()
	require.True(f.t, status.TerminalAuthenticated)
	require.Equal(f.t, StepProc, status.Expected)
}

func (f *fixture) carAssignM2(sequence uint16) []byte {
	cert := f.car.cert
	signed := wire.Concat(cert.PublicKey, []byte(cert.ID), cert.Signature, wire.Uint16Bytes(sequence))
	return NewCertificateBuilder(cert).Uint16(sequence).Block(f.reception.sign(signed)).Bytes()
}

// assignCar runs AuthReception and CarAssignment.
func (f *fixture) assignCar() {
	f.t.Helper()
	f.authReception()

	data := f.requireReply(f.process(CategoryProcess, StepProc, InstructionCarAssign, nil))
	require.Equal(f.t, wire.Concat(TagCarQuery, wire.Uint16Bytes(f.nonceReception+1)), f.requireSigned(data, len(TagCarQuery)+2))

	data = f.requireReply(f.process(CategoryContinue, StepCarAssignM2, InstructionNone, f.carAssignM2(f.nonceCard+1)))
	require.Equal(f.t, []byte{SuccessByte, byte((f.nonceReception + 2) >> 8), byte(f.nonceReception + 2)}, f.requireSigned(data, 3))

	status := f.card.Status()
	require.Equal(f.t, LifecycleAssigned, status.Lifecycle)
	require.Equal(f.t, "AUTO1", status.CarID)
	require.Equal(f.t, StepAuth, status.Expected)
}

func (f *fixture) insertM2(nonceCard, nonceAuto uint16) []byte {
	return wire.NewBuilder().
		Uint16(nonceCard).
		Block(f.car.sign(wire.Uint16Bytes(nonceCard))).
		Uint16(nonceAuto).
		Bytes()
}

// insert runs Insert with the assigned car.
func (f *fixture) insert() {
	f.t.Helper()
	nonceCard := f.start(InstructionInsert)

	data := f.requireReply(f.process(CategoryContinue, StepInsertM2, InstructionNone, f.insertM2(nonceCard, 0x4321)))
	require.Equal(f.t, wire.Uint16Bytes(0x4321), f.requireSigned(data, 2))

	data = f.requireReply(f.process(CategoryContinue, StepInsertSuccess, InstructionNone, confirmation(f.car, nonceCard+1)))
	require.Empty(f.t, data)

	status := f.card.Status()
	require.True(f.t, status.CarAuthenticated)
	require.Equal(f.t, StepProc, status.Expected)
}

func (f *fixture) kilometerage(distance uint32) Response {
	data := wire.NewBuilder().Uint32(distance).Block(f.car.sign(wire.Uint32Bytes(distance))).Bytes()
	return f.process(CategoryProcess, StepProc, InstructionKilometerage, data)
}

// returnCar runs CarReturn on an authenticated reception session and
// returns the disclosed tamper flag and distance.
func (f *fixture) returnCar() (bool, uint32) {
	f.t.Helper()

	data := f.requireReply(f.process(CategoryProcess, StepProc, InstructionCarReturn, nil))
	body := f.requireSigned(data, len(TagCarReturn)+3)
	require.Equal(f.t, TagCarReturn, body[:len(TagCarReturn)])
	require.Equal(f.t, wire.Uint16Bytes(f.nonceReception+1), body[len(TagCarReturn):len(TagCarReturn)+2])
	tampered := body[len(TagCarReturn)+2] == 1

	const distanceNonce = 0x0BEE
	signed := wire.NewBuilder().Uint16(distanceNonce).Uint16(f.nonceCard + 1).Bytes()
	m2 := wire.NewBuilder().Raw(signed).Block(f.reception.sign(signed)).Bytes()
	data = f.requireReply(f.process(CategoryContinue, StepCarReturnM2, InstructionNone, m2))

	r := wire.NewReader(f.requireSigned(data, 8))
	distance := r.Uint32()
	require.Equal(f.t, uint16(distanceNonce), r.Uint16())
	require.Equal(f.t, f.nonceReception+2, r.Uint16())

	data = f.requireReply(f.process(CategoryContinue, StepCarReturnSuccess, InstructionNone, confirmation(f.reception, f.nonceCard+2)))
	require.Empty(f.t, data)

	return tampered, distance
}

// constantReader returns the same byte forever.
type constantReader byte

func (c constantReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(c)
	}
	return len(p), nil
}
