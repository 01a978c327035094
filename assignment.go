package carcard

import (
	"github.com/schjonhaug/carcard/internal/wire"
)

// startCarAssign sends "Car?" ‖ nonceReception+1 ‖ lp(sig_card(...)).
func (c *Card) startCarAssign(s SessionState, data []byte) stepResult {
	if !s.TerminalAuthenticated {
		return authFailure(StatusNotAuthenticated)
	}
	if c.ledger.Lifecycle != LifecycleAssignedNone {
		return procFailure(s, StatusWrongLifecycle)
	}
	if len(data) != 0 {
		return procFailure(s, StatusWrongLength)
	}

	reply, err := c.signedBody(wire.Concat(TagCarQuery, wire.Uint16Bytes(s.NonceReception+1)))
	if err != nil {
		return procFailure(s, StatusInternalError)
	}

	s.Expected = StepCarAssignM2
	return ok(s, reply)
}

// carAssignM2 parses the car certificate countersigned by the terminal:
// lp(carPub) ‖ lp(carID) ‖ lp(certSig) ‖ nonceCard+1 ‖
// lp(sig_rt(carPub ‖ carID ‖ certSig ‖ nonceCard+1)).
func (c *Card) carAssignM2(s SessionState, data []byte) stepResult {
	r := wire.NewReader(data)
	certificate := ReadCertificate(r)
	sequence := r.Uint16()
	signature := r.Block()
	if err := r.Done(); err != nil {
		return procFailure(s, StatusWrongLength)
	}

	if !IsSubsequent(s.NonceCard, sequence, 1) {
		return procFailure(s, StatusWrongNonce)
	}
	signed := wire.Concat(certificate.PublicKey, []byte(certificate.ID), certificate.Signature, wire.Uint16Bytes(sequence))
	if !c.crypto.Verify(signed, signature, s.ReceptionKey) {
		return procFailure(s, StatusSecurityNotSatisfied)
	}
	carKey, err := certificate.Verify(c.anchors.Database)
	if err != nil {
		c.logger.Debug("Car certificate rejected", "ID", certificate.ID, "error", err)
		return procFailure(s, StatusSecurityNotSatisfied)
	}

	body := confirmationData(SuccessByte, s.NonceReception+2)
	reply, err := c.signedBody(body)
	if err != nil {
		return procFailure(s, StatusInternalError)
	}

	ledger := c.ledger.assign(Assignment{
		CarID:  certificate.ID,
		CarKey: carKey.SerializeCompressed(),
	})

	c.logger.Debug("Car assigned", "CarID", certificate.ID, "Reception", s.ReceptionID)

	// The car authenticates itself next, in a new Insert.
	return stepResult{session: newSession(), ledger: &ledger, reply: reply, status: StatusOK}
}

// signedBody returns body ‖ lp(sig_card(body)).
func (c *Card) signedBody(body []byte) ([]byte, error) {
	signature, err := c.crypto.Sign(body)
	if err != nil {
		return nil, err
	}
	return wire.NewBuilder().Raw(body).Block(signature).Bytes(), nil
}
