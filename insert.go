package carcard

import (
	"fmt"

	"github.com/schjonhaug/carcard/internal/wire"
)

// Insert authenticates card and car to each other. The car's key comes from
// the assignment made by a reception terminal in an earlier session.

func (c *Card) startInsert(_ SessionState, data []byte) stepResult {
	if len(data) != 0 {
		return authFailure(StatusWrongLength)
	}
	if c.ledger.Lifecycle != LifecycleAssigned || c.ledger.Assignment == nil {
		return authFailure(StatusNoCarAssigned)
	}
	return c.openAuthentication(StepInsertM2)
}

// openAuthentication starts a fresh session and sends lp(cert) ‖ nonceCard.
func (c *Card) openAuthentication(next Step) stepResult {
	nonce, err := c.crypto.GenerateNonce()
	if err != nil {
		c.logger.Error("Nonce generation failed", "error", err)
		return authFailure(StatusInternalError)
	}

	s := newSession()
	s.NonceCard = nonce
	s.Expected = next

	c.logger.Debug("Authentication started", "Next", next.String(), "NonceCard", fmt.Sprintf("%04x", nonce))

	return ok(s, wire.NewBuilder().Block(c.identity.Certificate.Encode()).Uint16(nonce).Bytes())
}

// insertM2 parses nonceCard ‖ lp(sig_auto(nonceCard)) ‖ nonceAuto.
func (c *Card) insertM2(s SessionState, data []byte) stepResult {
	r := wire.NewReader(data)
	echo := r.Uint16()
	signature := r.Block()
	nonceAuto := r.Uint16()
	if err := r.Done(); err != nil {
		return authFailure(StatusWrongLength)
	}

	if echo != s.NonceCard {
		return authFailure(StatusWrongNonce)
	}
	carKey, err := c.carKey()
	if err != nil {
		return authFailure(StatusNoCarAssigned)
	}
	if !c.crypto.Verify(wire.Uint16Bytes(echo), signature, carKey) {
		return authFailure(StatusSecurityNotSatisfied)
	}

	reply, err := c.echoNonce(nonceAuto)
	if err != nil {
		return authFailure(StatusInternalError)
	}

	s.NonceAuto = nonceAuto
	s.Expected = StepInsertSuccess
	return ok(s, reply)
}

// insertSuccess parses 0x01 ‖ nonceCard+1 ‖ lp(sig_auto(0x01 ‖ nonce)).
func (c *Card) insertSuccess(s SessionState, data []byte) stepResult {
	success, nonce, signature, status := readConfirmation(data)
	if status != StatusOK {
		return authFailure(status)
	}
	if !IsSubsequent(s.NonceCard, nonce, 1) {
		return authFailure(StatusWrongNonce)
	}
	carKey, err := c.carKey()
	if err != nil {
		return authFailure(StatusNoCarAssigned)
	}
	if !c.crypto.Verify(confirmationData(success, nonce), signature, carKey) {
		return authFailure(StatusSecurityNotSatisfied)
	}

	c.logger.Debug("Car authenticated", "CarID", c.ledger.Assignment.CarID)

	s.CarAuthenticated = true
	s.Expected = StepProc
	return ok(s, nil)
}

// echoNonce returns nonce ‖ lp(sig_card(nonce)).
func (c *Card) echoNonce(nonce uint16) ([]byte, error) {
	return c.signedBody(wire.Uint16Bytes(nonce))
}

// readConfirmation parses a success message: 0x01 ‖ nonce ‖ lp(signature).
func readConfirmation(data []byte) (byte, uint16, []byte, Status) {
	r := wire.NewReader(data)
	success := r.Byte()
	nonce := r.Uint16()
	signature := r.Block()
	if err := r.Done(); err != nil {
		return 0, 0, nil, StatusWrongLength
	}
	if success != SuccessByte {
		return 0, 0, nil, StatusIncorrectData
	}
	return success, nonce, signature, StatusOK
}

func confirmationData(success byte, nonce uint16) []byte {
	return wire.NewBuilder().Byte(success).Uint16(nonce).Bytes()
}
