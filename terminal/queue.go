package terminal

// command is a pending card exchange, waiting for its response.
type command int

const (
	commandInsert command = iota
	commandInsertM2
	commandInsertSuccess
	commandKilometerage
	commandAuthenticate
	commandAuthenticateM2
	commandAuthenticateSuccess
	commandAssignCar
	commandAssignCarM2
	commandReturnCar
	commandReturnCarM2
	commandReturnCarSuccess
	commandEndOfLife
)

func (c command) String() string {
	switch c {
	case commandInsert:
		return "insert"
	case commandInsertM2:
		return "insert-m2"
	case commandInsertSuccess:
		return "insert-success"
	case commandKilometerage:
		return "kilometerage"
	case commandAuthenticate:
		return "authenticate"
	case commandAuthenticateM2:
		return "authenticate-m2"
	case commandAuthenticateSuccess:
		return "authenticate-success"
	case commandAssignCar:
		return "assign-car"
	case commandAssignCarM2:
		return "assign-car-m2"
	case commandReturnCar:
		return "return-car"
	case commandReturnCarM2:
		return "return-car-m2"
	case commandReturnCarSuccess:
		return "return-car-success"
	case commandEndOfLife:
		return "end-of-life"
	default:
		return "unknown"
	}
}

type queue struct {
	elements []command
}

func (q *queue) enqueue(element command) {
	q.elements = append(q.elements, element)
}

func (q *queue) dequeue() (command, bool) {
	if len(q.elements) == 0 {
		return 0, false
	}
	element := q.elements[0]
	q.elements = q.elements[1:]
	return element, true
}

func (q *queue) reset() {
	q.elements = nil
}

func (q *queue) isEmpty() bool {
	return len(q.elements) == 0
}
