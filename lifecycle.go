package carcard

import (
	"fmt"

	"github.com/schjonhaug/carcard/internal/wire"
)

// handleLifecycle serves the out of band lifecycle channel. It runs at any
// step, but only an authenticated reception may retire the card.
func (c *Card) handleLifecycle(s SessionState, msg Message) stepResult {
	if msg.Instruction != InstructionEndOfLife {
		return stepResult{session: s, status: StatusUnknownInstruction}
	}
	if !s.TerminalAuthenticated {
		c.logger.Warn("End of life without reception session", "ID", c.identity.ID)
		return stepResult{session: s, status: StatusNotAuthenticated}
	}

	reply, err := c.signedBody([]byte{SuccessByte})
	if err != nil {
		return stepResult{session: s, status: StatusInternalError}
	}

	c.logger.Info("Card retired", "ID", c.identity.ID)

	ledger := c.ledger.retire()
	return stepResult{session: newSession(), ledger: &ledger, reply: reply, status: StatusOK}
}

// peerError handles a failure reported by the counterparty for the step the
// card is waiting on. The running sub-protocol is abandoned.
func (c *Card) peerError(s SessionState, data []byte) stepResult {
	r := wire.NewReader(data)
	status := Status(r.Uint16())
	if err := r.Done(); err != nil {
		c.logger.Debug("Malformed peer error", "Data", fmt.Sprintf("%x", data))
	} else {
		c.logger.Debug("Peer reported error",
			"Step", s.Expected.String(),
			"Status", fmt.Sprintf("0x%04X", uint16(status)))
	}

	return ok(s.fallback(s.Expected), nil)
}
