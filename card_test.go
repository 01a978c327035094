package carcard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schjonhaug/carcard/internal/store"
	"github.com/schjonhaug/carcard/internal/wire"
)

func TestProcessBeforeProvisioning(t *testing.T) {
	card, err := NewCard(nil)
	require.NoError(t, err)

	resp := card.Process(Message{Category: CategoryAuth, Step: StepAuth, Instruction: InstructionInsert})
	require.Equal(t, OutcomeError, resp.Outcome)
	assert.Equal(t, StatusNotInitialized, resp.Status)

	reply, err := DecodeErrorReply(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, StatusNotInitialized, reply.Status)
	assert.Empty(t, reply.Signature)
	assert.EqualError(t, reply.Err(), "card step Auth failed with SW=0x6985 (card not initialized)")
	assert.True(t, IsPreconditionError(reply.Err()))

	status := card.Status()
	assert.Equal(t, LifecycleEmpty, status.Lifecycle)
	assert.Equal(t, StepAuth, status.Expected)
	assert.Empty(t, status.ID)
}

func TestProvision(t *testing.T) {
	f := newFixture(t)

	status := f.card.Status()
	assert.Equal(t, "C1", status.ID)
	assert.Equal(t, LifecycleAssignedNone, status.Lifecycle)
	assert.Len(t, status.Fingerprint, 23)

	t.Run("certificate from another database", func(t *testing.T) {
		card, err := NewCard(nil)
		require.NoError(t, err)
		err = card.Provision(f.identity, TrustAnchors{Database: newKey(t).PubKey()})
		assert.Error(t, err)
		assert.Equal(t, LifecycleEmpty, card.Status().Lifecycle)
	})

	t.Run("certificate for another key", func(t *testing.T) {
		card, err := NewCard(nil)
		require.NoError(t, err)
		identity := f.identity
		identity.PrivateKey = newKey(t).Serialize()
		err = card.Provision(identity, TrustAnchors{Database: f.database.PubKey()})
		assert.ErrorContains(t, err, "does not match")
	})

	t.Run("certificate for another id", func(t *testing.T) {
		card, err := NewCard(nil)
		require.NoError(t, err)
		identity := f.identity
		identity.ID = "C2"
		err = card.Provision(identity, TrustAnchors{Database: f.database.PubKey()})
		assert.ErrorContains(t, err, "issued to")
	})
}

func TestStepMismatchIsDropped(t *testing.T) {
	f := newFixture(t)

	before := f.card.Status()
	resp := f.process(CategoryContinue, StepInsertM2, InstructionNone, f.insertM2(1, 2))
	assert.Equal(t, OutcomeDropped, resp.Outcome)
	assert.Empty(t, resp.Data)
	assert.Equal(t, before, f.card.Status())

	f.authReception()
	resp = f.process(CategoryContinue, StepAuthReceptionSuccess, InstructionNone, confirmation(f.reception, f.nonceCard))
	assert.Equal(t, OutcomeDropped, resp.Outcome)
	assert.Equal(t, StepProc, f.card.Status().Expected)
}

func TestUnknownRoutes(t *testing.T) {
	f := newFixture(t)

	f.requireError(f.process(CategoryAuth, StepAuth, InstructionKilometerage, nil), StatusUnknownInstruction)
	assert.Equal(t, StepAuth, f.card.Status().Expected)

	f.requireError(f.process(Category(0x99), StepAuth, InstructionNone, nil), StatusUnknownCategory)

	f.authReception()
	f.requireError(f.process(CategoryProcess, StepProc, InstructionInsert, nil), StatusUnknownInstruction)
	status := f.card.Status()
	assert.Equal(t, StepProc, status.Expected)
	assert.True(t, status.TerminalAuthenticated)
}

func TestAuthReception(t *testing.T) {
	f := newFixture(t)
	f.authReception()
	assert.False(t, f.card.Status().CarAuthenticated)
}

func TestAuthReceptionFailures(t *testing.T) {
	tests := []struct {
		name   string
		run    func(f *fixture) Response
		status Status
	}{
		{
			name: "certificate from another database",
			run: func(f *fixture) Response {
				f.start(InstructionAuthReception)
				cert := certify(f.t, newKey(f.t), f.reception.key, "RT1")
				m2 := NewCertificateBuilder(cert).Uint16(1).Bytes()
				return f.process(CategoryContinue, StepAuthReceptionM2, InstructionNone, m2)
			},
			status: StatusSecurityNotSatisfied,
		},
		{
			name: "certificate with altered id",
			run: func(f *fixture) Response {
				f.start(InstructionAuthReception)
				cert := f.reception.cert
				cert.ID = "RT2"
				m2 := NewCertificateBuilder(cert).Uint16(1).Bytes()
				return f.process(CategoryContinue, StepAuthReceptionM2, InstructionNone, m2)
			},
			status: StatusSecurityNotSatisfied,
		},
		{
			name: "truncated m2",
			run: func(f *fixture) Response {
				f.start(InstructionAuthReception)
				m2 := f.authReceptionM2(1)
				return f.process(CategoryContinue, StepAuthReceptionM2, InstructionNone, m2[:len(m2)-1])
			},
			status: StatusWrongLength,
		},
		{
			name: "success with wrong nonce",
			run: func(f *fixture) Response {
				nonceCard := f.start(InstructionAuthReception)
				f.requireReply(f.process(CategoryContinue, StepAuthReceptionM2, InstructionNone, f.authReceptionM2(1)))
				return f.process(CategoryContinue, StepAuthReceptionSuccess, InstructionNone, confirmation(f.reception, nonceCard+1))
			},
			status: StatusWrongNonce,
		},
		{
			name: "success signed by the car",
			run: func(f *fixture) Response {
				nonceCard := f.start(InstructionAuthReception)
				f.requireReply(f.process(CategoryContinue, StepAuthReceptionM2, InstructionNone, f.authReceptionM2(1)))
				return f.process(CategoryContinue, StepAuthReceptionSuccess, InstructionNone, confirmation(f.car, nonceCard))
			},
			status: StatusSecurityNotSatisfied,
		},
		{
			name: "start with data",
			run: func(f *fixture) Response {
				return f.process(CategoryAuth, StepAuth, InstructionAuthReception, []byte{0x00})
			},
			status: StatusWrongLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.requireError(tt.run(f), tt.status)

			status := f.card.Status()
			assert.Equal(t, StepAuth, status.Expected)
			assert.False(t, status.TerminalAuthenticated)
		})
	}
}

func TestInsertCorruptedFields(t *testing.T) {
	const nonceAuto = 0x0042

	tests := []struct {
		name    string
		corrupt func(f *fixture, nonceCard uint16) Response
		status  Status
	}{
		{
			name: "echoed nonce is subsequent instead of equal",
			corrupt: func(f *fixture, nonceCard uint16) Response {
				return f.process(CategoryContinue, StepInsertM2, InstructionNone, f.insertM2(nonceCard+1, nonceAuto))
			},
			status: StatusWrongNonce,
		},
		{
			name: "nonce signed by another key",
			corrupt: func(f *fixture, nonceCard uint16) Response {
				m2 := wire.NewBuilder().Uint16(nonceCard).Block(f.reception.sign(wire.Uint16Bytes(nonceCard))).Uint16(nonceAuto).Bytes()
				return f.process(CategoryContinue, StepInsertM2, InstructionNone, m2)
			},
			status: StatusSecurityNotSatisfied,
		},
		{
			name: "trailing byte",
			corrupt: func(f *fixture, nonceCard uint16) Response {
				m2 := append(f.insertM2(nonceCard, nonceAuto), 0x00)
				return f.process(CategoryContinue, StepInsertM2, InstructionNone, m2)
			},
			status: StatusWrongLength,
		},
		{
			name: "wrong success byte",
			corrupt: func(f *fixture, nonceCard uint16) Response {
				f.requireReply(f.process(CategoryContinue, StepInsertM2, InstructionNone, f.insertM2(nonceCard, nonceAuto)))
				body := wire.NewBuilder().Byte(0x02).Uint16(nonceCard + 1).Bytes()
				success := wire.NewBuilder().Raw(body).Block(f.car.sign(body)).Bytes()
				return f.process(CategoryContinue, StepInsertSuccess, InstructionNone, success)
			},
			status: StatusIncorrectData,
		},
		{
			name: "success nonce skips ahead",
			corrupt: func(f *fixture, nonceCard uint16) Response {
				f.requireReply(f.process(CategoryContinue, StepInsertM2, InstructionNone, f.insertM2(nonceCard, nonceAuto)))
				return f.process(CategoryContinue, StepInsertSuccess, InstructionNone, confirmation(f.car, nonceCard+2))
			},
			status: StatusWrongNonce,
		},
		{
			name: "success nonce repeats",
			corrupt: func(f *fixture, nonceCard uint16) Response {
				f.requireReply(f.process(CategoryContinue, StepInsertM2, InstructionNone, f.insertM2(nonceCard, nonceAuto)))
				return f.process(CategoryContinue, StepInsertSuccess, InstructionNone, confirmation(f.car, nonceCard))
			},
			status: StatusWrongNonce,
		},
		{
			name: "success signed by the reception",
			corrupt: func(f *fixture, nonceCard uint16) Response {
				f.requireReply(f.process(CategoryContinue, StepInsertM2, InstructionNone, f.insertM2(nonceCard, nonceAuto)))
				return f.process(CategoryContinue, StepInsertSuccess, InstructionNone, confirmation(f.reception, nonceCard+1))
			},
			status: StatusSecurityNotSatisfied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.assignCar()
			ledger := f.card.Status()

			nonceCard := f.start(InstructionInsert)
			f.requireError(tt.corrupt(f, nonceCard), tt.status)

			status := f.card.Status()
			assert.Equal(t, StepAuth, status.Expected)
			assert.False(t, status.CarAuthenticated)
			assert.False(t, status.TerminalAuthenticated)
			assert.Equal(t, ledger.Lifecycle, status.Lifecycle)
			assert.Equal(t, ledger.Distance, status.Distance)
			assert.False(t, status.Tampered)
		})
	}
}

func TestInsertWithoutAssignedCar(t *testing.T) {
	f := newFixture(t)
	f.requireError(f.process(CategoryAuth, StepAuth, InstructionInsert, nil), StatusNoCarAssigned)
	assert.Equal(t, StepAuth, f.card.Status().Expected)
}

func TestRejectionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.assignCar()

	forged := func(nonceCard uint16) []byte {
		return wire.NewBuilder().Uint16(nonceCard).Block([]byte{0x30, 0x00}).Uint16(7).Bytes()
	}

	for i := 0; i < 2; i++ {
		nonceCard := f.start(InstructionInsert)
		m2 := forged(nonceCard)

		f.requireError(f.process(CategoryContinue, StepInsertM2, InstructionNone, m2), StatusSecurityNotSatisfied)
		assert.Equal(t, StepAuth, f.card.Status().Expected)

		// The replayed message no longer matches the step.
		assert.Equal(t, OutcomeDropped, f.process(CategoryContinue, StepInsertM2, InstructionNone, m2).Outcome)

		status := f.card.Status()
		assert.Equal(t, StepAuth, status.Expected)
		assert.Equal(t, LifecycleAssigned, status.Lifecycle)
		assert.False(t, status.CarAuthenticated)
	}
}

func TestCarAssignmentRequiresReceptionAuthentication(t *testing.T) {
	t.Run("before any authentication", func(t *testing.T) {
		f := newFixture(t)
		resp := f.process(CategoryProcess, StepProc, InstructionCarAssign, nil)
		assert.Equal(t, OutcomeDropped, resp.Outcome)
		assert.Equal(t, LifecycleAssignedNone, f.card.Status().Lifecycle)
	})

	t.Run("with only the car authenticated", func(t *testing.T) {
		f := newFixture(t)
		f.assignCar()
		f.insert()

		f.requireError(f.process(CategoryProcess, StepProc, InstructionCarAssign, nil), StatusNotAuthenticated)

		status := f.card.Status()
		assert.Equal(t, StepAuth, status.Expected)
		assert.Equal(t, LifecycleAssigned, status.Lifecycle)
		assert.False(t, status.CarAuthenticated)
	})

	t.Run("card already assigned", func(t *testing.T) {
		f := newFixture(t)
		f.assignCar()
		f.authReception()

		f.requireError(f.process(CategoryProcess, StepProc, InstructionCarAssign, nil), StatusWrongLifecycle)
		status := f.card.Status()
		assert.Equal(t, StepProc, status.Expected)
		assert.Equal(t, "AUTO1", status.CarID)
	})
}

func TestCarAssignmentFailures(t *testing.T) {
	tests := []struct {
		name   string
		m2     func(f *fixture) []byte
		status Status
	}{
		{
			name:   "sequence not subsequent",
			m2:     func(f *fixture) []byte { return f.carAssignM2(f.nonceCard + 2) },
			status: StatusWrongNonce,
		},
		{
			name: "car certificate from another database",
			m2: func(f *fixture) []byte {
				f.car.cert = certify(f.t, newKey(f.t), f.car.key, "AUTO1")
				return f.carAssignM2(f.nonceCard + 1)
			},
			status: StatusSecurityNotSatisfied,
		},
		{
			name: "countersigned by the car",
			m2: func(f *fixture) []byte {
				cert := f.car.cert
				sequence := f.nonceCard + 1
				signed := wire.Concat(cert.PublicKey, []byte(cert.ID), cert.Signature, wire.Uint16Bytes(sequence))
				return NewCertificateBuilder(cert).Uint16(sequence).Block(f.car.sign(signed)).Bytes()
			},
			status: StatusSecurityNotSatisfied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.authReception()
			f.requireReply(f.process(CategoryProcess, StepProc, InstructionCarAssign, nil))

			f.requireError(f.process(CategoryContinue, StepCarAssignM2, InstructionNone, tt.m2(f)), tt.status)

			status := f.card.Status()
			assert.Equal(t, StepProc, status.Expected)
			assert.True(t, status.TerminalAuthenticated)
			assert.Equal(t, LifecycleAssignedNone, status.Lifecycle)
			assert.Empty(t, status.CarID)
		})
	}
}

func TestKilometerage(t *testing.T) {
	f := newFixture(t)
	f.assignCar()
	f.insert()

	for _, distance := range []uint32{100, 250, 251} {
		data := f.requireReply(f.kilometerage(distance))
		body := f.requireSigned(data, 5)
		assert.Equal(t, wire.NewBuilder().Byte(SuccessByte).Uint32(distance).Bytes(), body)
		assert.Equal(t, distance, f.card.Status().Distance)
	}

	status := f.card.Status()
	assert.Equal(t, StepProc, status.Expected)
	assert.False(t, status.Tampered)
}

func TestKilometerageRegressionSetsTamper(t *testing.T) {
	f := newFixture(t)
	f.assignCar()
	f.insert()

	f.requireReply(f.kilometerage(500))

	for _, distance := range []uint32{500, 499, 0} {
		resp := f.kilometerage(distance)
		f.requireError(resp, StatusDistanceRejected)

		status := f.card.Status()
		assert.Equal(t, uint32(500), status.Distance)
		assert.True(t, status.Tampered)
		assert.Equal(t, StepProc, status.Expected)
		assert.True(t, status.CarAuthenticated)
	}

	// Later successful updates leave the flag set.
	f.requireReply(f.kilometerage(600))
	status := f.card.Status()
	assert.Equal(t, uint32(600), status.Distance)
	assert.True(t, status.Tampered)
}

func TestKilometerageForgedSignatureSetsTamper(t *testing.T) {
	f := newFixture(t)
	f.assignCar()
	f.insert()

	data := wire.NewBuilder().Uint32(900).Block(f.reception.sign(wire.Uint32Bytes(900))).Bytes()
	f.requireError(f.process(CategoryProcess, StepProc, InstructionKilometerage, data), StatusDistanceRejected)

	status := f.card.Status()
	assert.Zero(t, status.Distance)
	assert.True(t, status.Tampered)

	// Malformed payloads are not tamper evidence.
	g := newFixture(t)
	g.assignCar()
	g.insert()
	g.requireError(g.process(CategoryProcess, StepProc, InstructionKilometerage, []byte{0x00, 0x01}), StatusWrongLength)
	assert.False(t, g.card.Status().Tampered)
}

func TestKilometerageRequiresCarAuthentication(t *testing.T) {
	f := newFixture(t)
	f.assignCar()
	f.authReception()

	f.requireError(f.kilometerage(100), StatusNotAuthenticated)
	status := f.card.Status()
	assert.Zero(t, status.Distance)
	assert.False(t, status.Tampered)
	assert.Equal(t, StepProc, status.Expected)
}

func TestCarReturn(t *testing.T) {
	f := newFixture(t)
	f.assignCar()
	f.insert()
	f.requireReply(f.kilometerage(100))
	f.requireError(f.kilometerage(50), StatusDistanceRejected)

	require.NoError(t, f.card.Select())
	f.authReception()

	tampered, distance := f.returnCar()
	assert.True(t, tampered)
	assert.Equal(t, uint32(100), distance)

	status := f.card.Status()
	assert.Equal(t, LifecycleAssignedNone, status.Lifecycle)
	assert.Zero(t, status.Distance)
	assert.Empty(t, status.CarID)
	assert.Equal(t, StepAuth, status.Expected)

	// Reassignment keeps the flag; provisioning clears it.
	f.assignCar()
	assert.True(t, f.card.Status().Tampered)

	require.NoError(t, f.card.Provision(f.identity, TrustAnchors{Database: f.database.PubKey()}))
	status = f.card.Status()
	assert.False(t, status.Tampered)
	assert.Equal(t, LifecycleAssignedNone, status.Lifecycle)
}

func TestCarReturnFailures(t *testing.T) {
	t.Run("without reception authentication", func(t *testing.T) {
		f := newFixture(t)
		f.assignCar()
		f.insert()

		f.requireError(f.process(CategoryProcess, StepProc, InstructionCarReturn, nil), StatusNotAuthenticated)
		status := f.card.Status()
		assert.Equal(t, StepAuth, status.Expected)
		assert.Equal(t, LifecycleAssigned, status.Lifecycle)
	})

	t.Run("no car assigned", func(t *testing.T) {
		f := newFixture(t)
		f.authReception()

		f.requireError(f.process(CategoryProcess, StepProc, InstructionCarReturn, nil), StatusNoCarAssigned)
		assert.Equal(t, StepProc, f.card.Status().Expected)
	})

	t.Run("m2 sequence reused", func(t *testing.T) {
		f := newFixture(t)
		f.assignCar()
		f.authReception()
		f.requireReply(f.process(CategoryProcess, StepProc, InstructionCarReturn, nil))

		signed := wire.NewBuilder().Uint16(1).Uint16(f.nonceCard).Bytes()
		m2 := wire.NewBuilder().Raw(signed).Block(f.reception.sign(signed)).Bytes()
		f.requireError(f.process(CategoryContinue, StepCarReturnM2, InstructionNone, m2), StatusWrongNonce)

		status := f.card.Status()
		assert.Equal(t, StepProc, status.Expected)
		assert.Equal(t, LifecycleAssigned, status.Lifecycle)
		assert.Equal(t, "AUTO1", status.CarID)
	})

	t.Run("success with delta one", func(t *testing.T) {
		f := newFixture(t)
		f.assignCar()
		f.authReception()
		f.requireReply(f.process(CategoryProcess, StepProc, InstructionCarReturn, nil))

		signed := wire.NewBuilder().Uint16(1).Uint16(f.nonceCard + 1).Bytes()
		m2 := wire.NewBuilder().Raw(signed).Block(f.reception.sign(signed)).Bytes()
		f.requireReply(f.process(CategoryContinue, StepCarReturnM2, InstructionNone, m2))

		f.requireError(f.process(CategoryContinue, StepCarReturnSuccess, InstructionNone, confirmation(f.reception, f.nonceCard+1)), StatusWrongNonce)

		status := f.card.Status()
		assert.Equal(t, StepProc, status.Expected)
		// The release was committed with the distance report.
		assert.Equal(t, LifecycleAssignedNone, status.Lifecycle)
	})
}

func TestPeerError(t *testing.T) {
	abort := wire.Uint16Bytes(uint16(StatusSecurityNotSatisfied))

	t.Run("during authentication", func(t *testing.T) {
		f := newFixture(t)
		f.start(InstructionAuthReception)

		resp := f.process(CategoryError, StepAuthReceptionM2, InstructionNone, abort)
		assert.Equal(t, OutcomeReply, resp.Outcome)
		assert.Empty(t, resp.Data)
		assert.Equal(t, StepAuth, f.card.Status().Expected)
	})

	t.Run("during processing", func(t *testing.T) {
		f := newFixture(t)
		f.assignCar()
		f.authReception()
		f.requireReply(f.process(CategoryProcess, StepProc, InstructionCarReturn, nil))

		f.requireReply(f.process(CategoryError, StepCarReturnM2, InstructionNone, abort))

		status := f.card.Status()
		assert.Equal(t, StepProc, status.Expected)
		assert.True(t, status.TerminalAuthenticated)
		assert.Equal(t, LifecycleAssigned, status.Lifecycle)
	})

	t.Run("for another step", func(t *testing.T) {
		f := newFixture(t)
		f.start(InstructionAuthReception)

		resp := f.process(CategoryError, StepInsertM2, InstructionNone, abort)
		assert.Equal(t, OutcomeDropped, resp.Outcome)
		assert.Equal(t, StepAuthReceptionM2, f.card.Status().Expected)
	})
}

func TestAuthenticationRestartsFromProc(t *testing.T) {
	f := newFixture(t)
	f.assignCar()
	f.insert()

	data := f.requireReply(f.process(CategoryAuth, StepProc, InstructionAuthReception, nil))
	assert.NotEmpty(t, data)

	status := f.card.Status()
	assert.Equal(t, StepAuthReceptionM2, status.Expected)
	assert.False(t, status.CarAuthenticated)
}

func TestRentalWithoutReselect(t *testing.T) {
	f := newFixture(t)
	f.assignCar()
	f.insert()

	for distance := uint32(100); distance <= 1000; distance += 100 {
		data := f.requireReply(f.kilometerage(distance))
		assert.Equal(t, wire.NewBuilder().Byte(SuccessByte).Uint32(distance).Bytes(), f.requireSigned(data, 5))
	}
	status := f.card.Status()
	assert.Equal(t, uint32(1000), status.Distance)
	assert.False(t, status.Tampered)

	// The reception takes over while the card is still in the car session.
	f.authReception()
	tampered, distance := f.returnCar()
	assert.False(t, tampered)
	assert.Equal(t, uint32(1000), distance)

	status = f.card.Status()
	assert.Zero(t, status.Distance)
	assert.Equal(t, LifecycleAssignedNone, status.Lifecycle)
	assert.Equal(t, StepAuth, status.Expected)
}

func TestEndOfLifeRequiresReceptionSession(t *testing.T) {
	f := newFixture(t)
	f.assignCar()
	f.insert()

	f.requireError(f.process(CategoryLifecycle, StepInsertM2, InstructionEndOfLife, nil), StatusNotAuthenticated)
	status := f.card.Status()
	assert.Equal(t, LifecycleAssigned, status.Lifecycle)
	assert.Equal(t, StepProc, status.Expected)
	assert.True(t, status.CarAuthenticated)

	require.NoError(t, f.card.Select())
	f.requireError(f.process(CategoryLifecycle, StepAuth, InstructionEndOfLife, nil), StatusNotAuthenticated)
	assert.Equal(t, LifecycleAssigned, f.card.Status().Lifecycle)
}

func TestEndOfLife(t *testing.T) {
	f := newFixture(t)
	f.assignCar()
	f.insert()
	f.authReception()

	data := f.requireReply(f.process(CategoryLifecycle, StepProc, InstructionEndOfLife, nil))
	assert.Equal(t, []byte{SuccessByte}, f.requireSigned(data, 1))
	assert.Equal(t, LifecycleEndOfLife, f.card.Status().Lifecycle)

	err := f.card.Select()
	assert.ErrorIs(t, err, ErrEndOfLife)
	assert.True(t, IsEndOfLife(err))

	f.requireError(f.process(CategoryAuth, StepAuth, InstructionAuthReception, nil), StatusEndOfLife)
	f.requireError(f.process(CategoryLifecycle, StepAuth, InstructionEndOfLife, nil), StatusEndOfLife)
	f.requireError(f.process(CategoryContinue, StepInsertM2, InstructionNone, nil), StatusEndOfLife)

	err = f.card.Provision(f.identity, TrustAnchors{Database: f.database.PubKey()})
	assert.ErrorIs(t, err, ErrEndOfLife)
}

func TestUnknownLifecycleInstruction(t *testing.T) {
	f := newFixture(t)
	f.requireError(f.process(CategoryLifecycle, StepAuth, InstructionInsert, nil), StatusUnknownInstruction)
	assert.Equal(t, LifecycleAssignedNone, f.card.Status().Lifecycle)
}

// failingBackend fails every write once armed.
type failingBackend struct {
	store.Backend
	fail bool
}

func (b *failingBackend) Put(key string, value []byte) error {
	if b.fail {
		return errors.New("disk full")
	}
	return b.Backend.Put(key, value)
}

func TestCommitFailureLeavesLedger(t *testing.T) {
	backend := &failingBackend{Backend: store.NewMemory()}
	f := newFixtureWithBackend(t, backend)
	f.assignCar()
	f.insert()
	f.requireReply(f.kilometerage(100))

	backend.fail = true
	f.requireError(f.kilometerage(200), StatusStorageFailure)

	status := f.card.Status()
	assert.Equal(t, uint32(100), status.Distance)
	assert.Equal(t, StepProc, status.Expected)
	assert.True(t, status.CarAuthenticated)

	backend.fail = false
	f.requireReply(f.kilometerage(200))
	assert.Equal(t, uint32(200), f.card.Status().Distance)
}

func TestStateSurvivesRestart(t *testing.T) {
	backend, err := store.NewFile(t.TempDir())
	require.NoError(t, err)

	f := newFixtureWithBackend(t, backend)
	f.assignCar()
	f.insert()
	f.requireReply(f.kilometerage(42))
	f.requireError(f.kilometerage(41), StatusDistanceRejected)

	card, err := NewCard(backend)
	require.NoError(t, err)

	status := card.Status()
	assert.Equal(t, "C1", status.ID)
	assert.Equal(t, LifecycleAssigned, status.Lifecycle)
	assert.Equal(t, uint32(42), status.Distance)
	assert.True(t, status.Tampered)
	assert.Equal(t, "AUTO1", status.CarID)
	assert.Equal(t, StepAuth, status.Expected)
	assert.False(t, status.CarAuthenticated)

	// The restored card still talks to the assigned car.
	f.card = card
	f.insert()
}

func TestProvisionKeepsOwnCopyOfIdentity(t *testing.T) {
	backend := store.NewMemory()
	f := newFixtureWithBackend(t, backend)
	f.assignCar()

	for i := range f.identity.PrivateKey {
		f.identity.PrivateKey[i] = 0
	}

	f.insert()
	f.requireReply(f.kilometerage(10))

	card, err := NewCard(backend)
	require.NoError(t, err)
	status := card.Status()
	assert.Equal(t, "C1", status.ID)
	assert.Equal(t, uint32(10), status.Distance)
}

func TestDeselectResetsSession(t *testing.T) {
	f := newFixture(t)
	f.authReception()

	f.card.Deselect()
	status := f.card.Status()
	assert.Equal(t, StepAuth, status.Expected)
	assert.False(t, status.TerminalAuthenticated)
}

func TestNonceWraparound(t *testing.T) {
	f := newFixture(t, WithRandom(constantReader(0xFF)))

	nonceCard := f.start(InstructionAuthReception)
	require.Equal(t, uint16(0xFFFF), nonceCard)

	f.nonceReception = 0xFFFF
	f.requireReply(f.process(CategoryContinue, StepAuthReceptionM2, InstructionNone, f.authReceptionM2(f.nonceReception)))
	f.requireReply(f.process(CategoryContinue, StepAuthReceptionSuccess, InstructionNone, confirmation(f.reception, nonceCard)))

	data := f.requireReply(f.process(CategoryProcess, StepProc, InstructionCarAssign, nil))
	assert.Equal(t, wire.Concat(TagCarQuery, []byte{0x00, 0x00}), f.requireSigned(data, len(TagCarQuery)+2))

	data = f.requireReply(f.process(CategoryContinue, StepCarAssignM2, InstructionNone, f.carAssignM2(0x0000)))
	assert.Equal(t, []byte{SuccessByte, 0x00, 0x01}, f.requireSigned(data, 3))
	assert.Equal(t, LifecycleAssigned, f.card.Status().Lifecycle)
}
