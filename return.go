package carcard

import (
	"github.com/schjonhaug/carcard/internal/wire"
)

// startCarReturn discloses the tamper flag:
// "Car Return" ‖ nonceReception+1 ‖ tamper ‖ lp(sig_card(...)).
func (c *Card) startCarReturn(s SessionState, data []byte) stepResult {
	if !s.TerminalAuthenticated {
		return authFailure(StatusNotAuthenticated)
	}
	if c.ledger.Lifecycle != LifecycleAssigned {
		return procFailure(s, StatusNoCarAssigned)
	}
	if len(data) != 0 {
		return procFailure(s, StatusWrongLength)
	}

	var tampered byte
	if c.ledger.Tampered {
		tampered = 1
	}
	body := wire.NewBuilder().Raw(TagCarReturn).Uint16(s.NonceReception + 1).Byte(tampered).Bytes()
	reply, err := c.signedBody(body)
	if err != nil {
		return procFailure(s, StatusInternalError)
	}

	s.Expected = StepCarReturnM2
	return ok(s, reply)
}

// carReturnM2 parses distNonce ‖ nonceCard+1 ‖ lp(sig_rt(distNonce ‖ seq)),
// reports the final distance and releases the car.
func (c *Card) carReturnM2(s SessionState, data []byte) stepResult {
	r := wire.NewReader(data)
	distanceNonce := r.Uint16()
	sequence := r.Uint16()
	signature := r.Block()
	if err := r.Done(); err != nil {
		return procFailure(s, StatusWrongLength)
	}

	if !IsSubsequent(s.NonceCard, sequence, 1) {
		return procFailure(s, StatusWrongNonce)
	}
	signed := wire.NewBuilder().Uint16(distanceNonce).Uint16(sequence).Bytes()
	if !c.crypto.Verify(signed, signature, s.ReceptionKey) {
		return procFailure(s, StatusSecurityNotSatisfied)
	}

	body := wire.NewBuilder().
		Uint32(c.ledger.Distance).
		Uint16(distanceNonce).
		Uint16(s.NonceReception + 2).
		Bytes()
	reply, err := c.signedBody(body)
	if err != nil {
		return procFailure(s, StatusInternalError)
	}

	c.logger.Debug("Car returned",
		"CarID", c.ledger.Assignment.CarID,
		"Distance", c.ledger.Distance,
		"Tampered", c.ledger.Tampered)

	ledger := c.ledger.release()
	s.Expected = StepCarReturnSuccess
	return stepResult{session: s, ledger: &ledger, reply: reply, status: StatusOK}
}

// carReturnSuccess parses 0x01 ‖ nonceCard+2 ‖ lp(sig_rt(0x01 ‖ nonce)).
func (c *Card) carReturnSuccess(s SessionState, data []byte) stepResult {
	success, nonce, signature, status := readConfirmation(data)
	if status != StatusOK {
		return procFailure(s, status)
	}
	if !IsSubsequent(s.NonceCard, nonce, 2) {
		return procFailure(s, StatusWrongNonce)
	}
	if !c.crypto.Verify(confirmationData(success, nonce), signature, s.ReceptionKey) {
		return procFailure(s, StatusSecurityNotSatisfied)
	}
	return ok(newSession(), nil)
}
