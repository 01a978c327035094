package carcard

import (
	"fmt"

	"github.com/schjonhaug/carcard/internal/wire"
)

func (c *Card) startAuthReception(_ SessionState, data []byte) stepResult {
	if len(data) != 0 {
		return authFailure(StatusWrongLength)
	}
	return c.openAuthentication(StepAuthReceptionM2)
}

// authReceptionM2 parses the terminal certificate and its nonce:
// lp(rtPub) ‖ lp(rtID) ‖ lp(sig_db(rtPub ‖ rtID)) ‖ nonceReception.
// The terminal key is trusted only once the certificate verifies.
func (c *Card) authReceptionM2(s SessionState, data []byte) stepResult {
	r := wire.NewReader(data)
	certificate := ReadCertificate(r)
	nonceReception := r.Uint16()
	if err := r.Done(); err != nil {
		return authFailure(StatusWrongLength)
	}

	receptionKey, err := certificate.Verify(c.anchors.Database)
	if err != nil {
		c.logger.Debug("Reception certificate rejected", "ID", certificate.ID, "error", err)
		return authFailure(StatusSecurityNotSatisfied)
	}

	reply, err := c.echoNonce(nonceReception)
	if err != nil {
		return authFailure(StatusInternalError)
	}

	s.ReceptionKey = receptionKey
	s.ReceptionID = certificate.ID
	s.NonceReception = nonceReception
	s.Expected = StepAuthReceptionSuccess

	c.logger.Debug("Reception certificate accepted",
		"ID", certificate.ID,
		"NonceReception", fmt.Sprintf("%04x", nonceReception))

	return ok(s, reply)
}

// authReceptionSuccess parses 0x01 ‖ nonceCard ‖ lp(sig_rt(0x01 ‖ nonceCard)).
func (c *Card) authReceptionSuccess(s SessionState, data []byte) stepResult {
	success, nonce, signature, status := readConfirmation(data)
	if status != StatusOK {
		return authFailure(status)
	}
	if nonce != s.NonceCard {
		return authFailure(StatusWrongNonce)
	}
	if !c.crypto.Verify(confirmationData(success, nonce), signature, s.ReceptionKey) {
		return authFailure(StatusSecurityNotSatisfied)
	}

	c.logger.Debug("Reception terminal authenticated", "ID", s.ReceptionID)

	s.TerminalAuthenticated = true
	s.Expected = StepProc
	return ok(s, nil)
}
