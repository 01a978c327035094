package carcard

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/skythen/apdu"
)

// Messages travel as ISO 7816 APDUs: INS carries the category, P1 the step
// and P2 the instruction. Error replies carry their status as the status
// word; dropped messages answer with SW 0x6A86 and no data.

const (
	ClaProprietary byte = 0x80
	ClaISO         byte = 0x00
	InsSelect      byte = 0xA4
	P1SelectByName byte = 0x04
)

// AID is the application identifier selected before any message.
var AID = []byte{0xF0, 'C', 'a', 'r', 'C', 'a', 'r', 'd', 'v', '1'}

const swFileNotFound Status = 0x6A82

var errUnexpectedClass = errors.New("unexpected APDU class")

// SelectCommand builds the SELECT by AID command.
func SelectCommand() ([]byte, error) {
	capdu := apdu.Capdu{Cla: ClaISO, Ins: InsSelect, P1: P1SelectByName, Data: AID, Ne: apdu.MaxLenResponseDataStandard}
	return capdu.Bytes()
}

// EncodeCommand wraps a message into a command APDU.
func EncodeCommand(msg Message) ([]byte, error) {
	capdu := apdu.Capdu{
		Cla:  ClaProprietary,
		Ins:  byte(msg.Category),
		P1:   byte(msg.Step),
		P2:   byte(msg.Instruction),
		Data: msg.Data,
		Ne:   apdu.MaxLenResponseDataStandard,
	}
	return capdu.Bytes()
}

// DecodeCommand parses a command APDU built by EncodeCommand.
func DecodeCommand(command []byte) (Message, error) {
	capdu, err := apdu.ParseCapdu(command)
	if err != nil {
		return Message{}, err
	}
	if capdu.Cla != ClaProprietary {
		return Message{}, fmt.Errorf("%w: 0x%02X", errUnexpectedClass, capdu.Cla)
	}
	return Message{
		Category:    Category(capdu.Ins),
		Step:        Step(capdu.P1),
		Instruction: Instruction(capdu.P2),
		Data:        capdu.Data,
	}, nil
}

// EncodeResponse wraps a card response into a response APDU.
func EncodeResponse(resp Response) ([]byte, error) {
	var rapdu *apdu.Rapdu
	switch resp.Outcome {
	case OutcomeReply:
		rapdu = statusRapdu(StatusOK, resp.Data)
	case OutcomeDropped:
		rapdu = statusRapdu(StatusStepMismatch, nil)
	default:
		rapdu = statusRapdu(resp.Status, resp.Data)
	}
	return rapdu.Bytes()
}

// DecodeResponse parses a response APDU built by EncodeResponse.
func DecodeResponse(response []byte) (Response, error) {
	rapdu, err := apdu.ParseRapdu(response)
	if err != nil {
		return Response{}, err
	}
	status := Status(uint16(rapdu.SW1)<<8 | uint16(rapdu.SW2))

	switch {
	case rapdu.IsSuccess():
		return Response{Outcome: OutcomeReply, Status: StatusOK, Data: rapdu.Data}, nil
	case status == StatusStepMismatch && len(rapdu.Data) == 0:
		return Response{Outcome: OutcomeDropped, Status: status}, nil
	default:
		return Response{Outcome: OutcomeError, Status: status, Data: rapdu.Data}, nil
	}
}

func statusRapdu(status Status, data []byte) *apdu.Rapdu {
	return &apdu.Rapdu{Data: data, SW1: byte(status >> 8), SW2: byte(status)}
}

// Transmit is the card's half of the APDU exchange: one command in, one
// response out.
func (c *Card) Transmit(command []byte) ([]byte, error) {
	capdu, err := apdu.ParseCapdu(command)
	if err != nil {
		return nil, err
	}

	switch {
	case capdu.Cla == ClaISO && capdu.Ins == InsSelect && capdu.P1 == P1SelectByName:
		return c.transmitSelect(capdu.Data)
	case capdu.Cla == ClaISO:
		return statusRapdu(StatusUnknownInstruction, nil).Bytes()
	case capdu.Cla != ClaProprietary:
		return statusRapdu(StatusUnknownCategory, nil).Bytes()
	}

	msg := Message{
		Category:    Category(capdu.Ins),
		Step:        Step(capdu.P1),
		Instruction: Instruction(capdu.P2),
		Data:        capdu.Data,
	}
	return EncodeResponse(c.Process(msg))
}

func (c *Card) transmitSelect(aid []byte) ([]byte, error) {
	if !bytes.Equal(aid, AID) {
		return statusRapdu(swFileNotFound, nil).Bytes()
	}
	if err := c.Select(); errors.Is(err, ErrEndOfLife) {
		return statusRapdu(StatusEndOfLife, nil).Bytes()
	}
	return statusRapdu(StatusOK, nil).Bytes()
}
