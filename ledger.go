package carcard

import "fmt"

// Lifecycle is the coarse card status, independent of the protocol step.
type Lifecycle uint8

const (
	LifecycleEmpty Lifecycle = iota
	LifecycleAssignedNone
	LifecycleAssigned
	LifecycleEndOfLife
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleEmpty:
		return "Empty"
	case LifecycleAssignedNone:
		return "AssignedNone"
	case LifecycleAssigned:
		return "Assigned"
	case LifecycleEndOfLife:
		return "EndOfLife"
	default:
		return fmt.Sprintf("Lifecycle(%d)", l)
	}
}

// Assignment is the car bound to the card by CarAssignment. Its key was
// verified against the database key before it was stored.
type Assignment struct {
	CarID  string `cbor:"car_id"`
	CarKey []byte `cbor:"car_key"`
}

// UsageLedger is the durable usage state. The engine works on copies and
// commits a new value at the end of a successful step.
type UsageLedger struct {
	Lifecycle  Lifecycle   `cbor:"lifecycle"`
	Distance   uint32      `cbor:"distance"`
	Tampered   bool        `cbor:"tampered"`
	Assignment *Assignment `cbor:"assignment,omitempty"`
}

func (l UsageLedger) assign(a Assignment) UsageLedger {
	l.Lifecycle = LifecycleAssigned
	l.Distance = 0
	l.Assignment = &a
	return l
}

// record stores a new distance. The caller has checked monotonicity.
func (l UsageLedger) record(distance uint32) UsageLedger {
	l.Distance = distance
	return l
}

// tamper sets the sticky tamper flag. Nothing but provisioning clears it.
func (l UsageLedger) tamper() UsageLedger {
	l.Tampered = true
	return l
}

func (l UsageLedger) release() UsageLedger {
	l.Lifecycle = LifecycleAssignedNone
	l.Distance = 0
	l.Assignment = nil
	return l
}

func (l UsageLedger) retire() UsageLedger {
	l.Lifecycle = LifecycleEndOfLife
	return l
}
