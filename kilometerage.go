package carcard

import (
	"github.com/schjonhaug/carcard/internal/wire"
)

// updateKilometerage parses distance ‖ lp(sig_auto(distance)). The car may
// send any number of updates while it holds the session. A forged or
// regressing value marks the ledger tampered and is answered with a signed
// error only; nothing is confirmed for a rejected value.
func (c *Card) updateKilometerage(s SessionState, data []byte) stepResult {
	if c.ledger.Lifecycle != LifecycleAssigned {
		return procFailure(s, StatusNoCarAssigned)
	}
	if !s.CarAuthenticated {
		return procFailure(s, StatusNotAuthenticated)
	}

	r := wire.NewReader(data)
	distance := r.Uint32()
	signature := r.Block()
	if err := r.Done(); err != nil {
		return procFailure(s, StatusWrongLength)
	}

	carKey, err := c.carKey()
	if err != nil {
		return procFailure(s, StatusNoCarAssigned)
	}

	if !c.crypto.Verify(wire.Uint32Bytes(distance), signature, carKey) || distance <= c.ledger.Distance {
		c.logger.Warn("Kilometerage rejected",
			"Distance", distance,
			"Stored", c.ledger.Distance,
			"CarID", c.ledger.Assignment.CarID)

		ledger := c.ledger.tamper()
		res := procFailure(s, StatusDistanceRejected)
		res.ledger = &ledger
		return res
	}

	reply, err := c.signedBody(wire.NewBuilder().Byte(SuccessByte).Uint32(distance).Bytes())
	if err != nil {
		return procFailure(s, StatusInternalError)
	}

	c.logger.Debug("Kilometerage recorded", "Distance", distance)

	ledger := c.ledger.record(distance)
	return stepResult{session: s, ledger: &ledger, reply: reply, status: StatusOK}
}
