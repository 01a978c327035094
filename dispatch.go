package carcard

// handler runs one protocol step. It reads the card's identity and ledger
// but never mutates the card; everything it changes is returned.
type handler func(c *Card, s SessionState, data []byte) stepResult

type stepResult struct {
	session SessionState
	ledger  *UsageLedger // committed before the reply when non-nil
	reply   []byte
	status  Status
}

func ok(s SessionState, reply []byte) stepResult {
	return stepResult{session: s, reply: reply, status: StatusOK}
}

// authFailure ends an authentication protocol. The session starts over.
func authFailure(status Status) stepResult {
	return stepResult{session: newSession(), status: status}
}

// procFailure ends a processing protocol. The authenticated session stays
// open at Proc.
func procFailure(s SessionState, status Status) stepResult {
	s.Expected = StepProc
	return stepResult{session: s, status: status}
}

type route struct {
	category    Category
	step        Step
	instruction Instruction
}

var routes = map[route]handler{
	{CategoryAuth, StepAuth, InstructionInsert}:            (*Card).startInsert,
	{CategoryAuth, StepProc, InstructionInsert}:            (*Card).startInsert,
	{CategoryContinue, StepInsertM2, InstructionNone}:      (*Card).insertM2,
	{CategoryContinue, StepInsertSuccess, InstructionNone}: (*Card).insertSuccess,

	{CategoryAuth, StepAuth, InstructionAuthReception}:            (*Card).startAuthReception,
	{CategoryAuth, StepProc, InstructionAuthReception}:            (*Card).startAuthReception,
	{CategoryContinue, StepAuthReceptionM2, InstructionNone}:      (*Card).authReceptionM2,
	{CategoryContinue, StepAuthReceptionSuccess, InstructionNone}: (*Card).authReceptionSuccess,

	{CategoryProcess, StepProc, InstructionCarAssign}:    (*Card).startCarAssign,
	{CategoryContinue, StepCarAssignM2, InstructionNone}: (*Card).carAssignM2,

	{CategoryProcess, StepProc, InstructionKilometerage}: (*Card).updateKilometerage,

	{CategoryProcess, StepProc, InstructionCarReturn}:         (*Card).startCarReturn,
	{CategoryContinue, StepCarReturnM2, InstructionNone}:      (*Card).carReturnM2,
	{CategoryContinue, StepCarReturnSuccess, InstructionNone}: (*Card).carReturnSuccess,
}

func init() {
	for step := StepAuth; step <= StepCarReturnSuccess; step++ {
		routes[route{CategoryError, step, InstructionNone}] = (*Card).peerError
	}
}

// lookup finds the handler for msg. A nil handler comes with the status to
// reject the message with.
func lookup(msg Message) (handler, Status) {
	if h, ok := routes[route{msg.Category, msg.Step, msg.Instruction}]; ok {
		return h, StatusOK
	}
	switch msg.Category {
	case CategoryAuth, CategoryProcess, CategoryContinue, CategoryError:
		return nil, StatusUnknownInstruction
	default:
		return nil, StatusUnknownCategory
	}
}
