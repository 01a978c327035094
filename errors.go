package carcard

import (
	"errors"
	"fmt"
)

// Status is an ISO 7816 style status word carried by error replies.
type Status uint16

const (
	StatusOK                   Status = 0x9000 // success
	StatusEndOfLife            Status = 0x6283 // card retired
	StatusStorageFailure       Status = 0x6581 // commit to durable storage failed
	StatusWrongLength          Status = 0x6700 // message does not match its schema
	StatusSecurityNotSatisfied Status = 0x6982 // signature or certificate did not verify
	StatusNotInitialized       Status = 0x6985 // card not provisioned
	StatusNotAuthenticated     Status = 0x6986 // reception terminal not authenticated
	StatusIncorrectData        Status = 0x6A80 // wrong success byte or malformed field
	StatusWrongLifecycle       Status = 0x6A81 // operation not allowed in this lifecycle
	StatusStepMismatch         Status = 0x6A86 // message dropped, unexpected step
	StatusNoCarAssigned        Status = 0x6A88 // no car bound to the card
	StatusDistanceRejected     Status = 0x6A89 // kilometerage regression or bad signature
	StatusWrongNonce           Status = 0x6A8B // nonce echo or sequence mismatch
	StatusUnknownInstruction   Status = 0x6D00 // no handler for this instruction
	StatusUnknownCategory      Status = 0x6E00 // no handler for this category
	StatusInternalError        Status = 0x6F00 // key facility failure
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "success"
	case StatusEndOfLife:
		return "card end of life"
	case StatusStorageFailure:
		return "storage failure"
	case StatusWrongLength:
		return "malformed message"
	case StatusSecurityNotSatisfied:
		return "signature verification failed"
	case StatusNotInitialized:
		return "card not initialized"
	case StatusNotAuthenticated:
		return "terminal not authenticated"
	case StatusIncorrectData:
		return "incorrect data"
	case StatusWrongLifecycle:
		return "operation not allowed in lifecycle state"
	case StatusStepMismatch:
		return "unexpected step"
	case StatusNoCarAssigned:
		return "no car assigned"
	case StatusDistanceRejected:
		return "distance rejected"
	case StatusWrongNonce:
		return "nonce mismatch"
	case StatusUnknownInstruction:
		return "unknown instruction"
	case StatusUnknownCategory:
		return "unknown category"
	case StatusInternalError:
		return "internal error"
	default:
		return "unknown error"
	}
}

var (
	// ErrNotInitialized is returned for operations on a card that was
	// never provisioned.
	ErrNotInitialized = errors.New("card not initialized")

	// ErrEndOfLife is returned by Select and Provision on a retired card.
	ErrEndOfLife = errors.New("card end of life")
)

// StatusError is a rejection reported by the card at a specific step.
type StatusError struct {
	Status Status
	Step   Step
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("card step %s failed with SW=0x%04X (%s)", e.Step, uint16(e.Status), e.Status)
}

// IsAuthError reports whether err is a failed signature, nonce or success
// byte check.
func IsAuthError(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Status {
		case StatusSecurityNotSatisfied, StatusWrongNonce, StatusIncorrectData:
			return true
		}
	}
	return false
}

// IsPreconditionError reports whether err is a rejection of an operation
// the card was not ready for.
func IsPreconditionError(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Status {
		case StatusNotInitialized, StatusNotAuthenticated, StatusWrongLifecycle, StatusNoCarAssigned:
			return true
		}
	}
	return false
}

// IsEndOfLife reports whether err says the card is retired.
func IsEndOfLife(err error) bool {
	if errors.Is(err, ErrEndOfLife) {
		return true
	}
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Status == StatusEndOfLife
}
