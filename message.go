package carcard

import (
	"fmt"

	"github.com/schjonhaug/carcard/internal/wire"
)

// Category is the coarse kind of an inbound message.
type Category byte

const (
	CategoryAuth      Category = 0x10 // starts Insert or AuthReception
	CategoryProcess   Category = 0x20 // starts CarAssignment, KilometerageUpdate or CarReturn
	CategoryContinue  Category = 0x30 // next message of a running sub-protocol
	CategoryError     Category = 0x40 // counterparty reports a failure
	CategoryLifecycle Category = 0x50 // out of band lifecycle control
)

func (c Category) String() string {
	switch c {
	case CategoryAuth:
		return "auth"
	case CategoryProcess:
		return "process"
	case CategoryContinue:
		return "continue"
	case CategoryError:
		return "error"
	case CategoryLifecycle:
		return "lifecycle"
	default:
		return fmt.Sprintf("category(0x%02x)", byte(c))
	}
}

// Instruction selects the sub-protocol a starting message opens.
type Instruction byte

const (
	InstructionNone Instruction = iota
	InstructionInsert
	InstructionAuthReception
	InstructionCarAssign
	InstructionKilometerage
	InstructionCarReturn
	InstructionEndOfLife
)

func (i Instruction) String() string {
	switch i {
	case InstructionNone:
		return "none"
	case InstructionInsert:
		return "insert"
	case InstructionAuthReception:
		return "auth-reception"
	case InstructionCarAssign:
		return "car-assign"
	case InstructionKilometerage:
		return "kilometerage"
	case InstructionCarReturn:
		return "car-return"
	case InstructionEndOfLife:
		return "end-of-life"
	default:
		return fmt.Sprintf("instruction(%d)", byte(i))
	}
}

// Message is one inbound request. Step is the step the sender believes the
// card is at.
type Message struct {
	Category    Category
	Step        Step
	Instruction Instruction
	Data        []byte
}

// Outcome tells the transport what to do with a Response.
type Outcome int

const (
	// OutcomeReply carries the next protocol message (possibly empty).
	OutcomeReply Outcome = iota
	// OutcomeError carries a card-signed error.
	OutcomeError
	// OutcomeDropped means the message was ignored.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReply:
		return "reply"
	case OutcomeError:
		return "error"
	case OutcomeDropped:
		return "dropped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Response is the card's answer to one Message.
type Response struct {
	Outcome Outcome
	Status  Status
	Data    []byte
}

const (
	// SuccessByte opens every success confirmation.
	SuccessByte byte = 0x01
)

var (
	TagCarQuery  = []byte("Car?")
	TagCarReturn = []byte("Car Return")
)

// ErrorReply is the decoded payload of a signed error.
type ErrorReply struct {
	Status    Status
	Step      Step
	Signature []byte
}

// SignedData is what the card signs in an error reply.
func (e ErrorReply) SignedData() []byte {
	return errorData(e.Status, e.Step)
}

func errorData(status Status, step Step) []byte {
	return wire.NewBuilder().Uint16(uint16(status)).Byte(byte(step)).Bytes()
}

// DecodeErrorReply parses status ‖ step ‖ lp(signature). The signature
// block is empty for rejections from an unprovisioned card.
func DecodeErrorReply(data []byte) (ErrorReply, error) {
	r := wire.NewReader(data)
	reply := ErrorReply{
		Status:    Status(r.Uint16()),
		Step:      Step(r.Byte()),
		Signature: r.Block(),
	}
	if err := r.Done(); err != nil {
		return ErrorReply{}, err
	}
	return reply, nil
}

// Err returns the reply as a *StatusError.
func (e ErrorReply) Err() error {
	return &StatusError{Status: e.Status, Step: e.Step}
}
