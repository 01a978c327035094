package carcard

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Step is the next message the card expects. It is the sole driver of the
// state machine.
type Step uint8

const (
	StepAuth Step = iota
	StepProc
	StepInsertM2
	StepInsertSuccess
	StepAuthReceptionM2
	StepAuthReceptionSuccess
	StepCarAssignM2
	StepCarReturnM2
	StepCarReturnSuccess
)

func (s Step) String() string {
	switch s {
	case StepAuth:
		return "Auth"
	case StepProc:
		return "Proc"
	case StepInsertM2:
		return "InsertM2"
	case StepInsertSuccess:
		return "InsertSuccess"
	case StepAuthReceptionM2:
		return "AuthReceptionM2"
	case StepAuthReceptionSuccess:
		return "AuthReceptionSuccess"
	case StepCarAssignM2:
		return "CarAssignM2"
	case StepCarReturnM2:
		return "CarReturnM2"
	case StepCarReturnSuccess:
		return "CarReturnSuccess"
	default:
		return fmt.Sprintf("Step(%d)", s)
	}
}

// recovery is the step a failure in s falls back to: authentication
// protocols restart at Auth, processing protocols keep the session at Proc.
func (s Step) recovery() Step {
	switch s {
	case StepCarAssignM2, StepCarReturnM2, StepCarReturnSuccess, StepProc:
		return StepProc
	default:
		return StepAuth
	}
}

// SessionState is everything that lives only as long as the card stays in
// the reader. It is passed to and returned from each step handler.
type SessionState struct {
	Expected Step

	NonceCard      uint16
	NonceReception uint16
	NonceAuto      uint16

	// Set only after the terminal's certificate verified against the
	// database key.
	ReceptionKey *btcec.PublicKey
	ReceptionID  string

	TerminalAuthenticated bool
	CarAuthenticated      bool
}

func newSession() SessionState {
	return SessionState{Expected: StepAuth}
}

// fallback returns the session after a failure at step s.
func (s SessionState) fallback(step Step) SessionState {
	if step.recovery() == StepAuth {
		return newSession()
	}
	s.Expected = StepProc
	return s
}
