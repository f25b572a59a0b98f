package prescription

import "strings"

// Status is the lifecycle state of a prescription.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusSigned    Status = "SIGNED"
	StatusPrinted   Status = "PRINTED"
	StatusSent      Status = "SENT"
	StatusCancelled Status = "CANCELLED"
)

// Statuses lists every state in lifecycle order.
var Statuses = []Status{StatusDraft, StatusSigned, StatusPrinted, StatusSent, StatusCancelled}

var transitions = map[Status]map[Status]bool{
	StatusDraft:   {StatusSigned: true, StatusCancelled: true},
	StatusSigned:  {StatusPrinted: true, StatusSent: true, StatusCancelled: true},
	StatusPrinted: {StatusSent: true},
}

// CanTransition reports whether a prescription may move from one status to
// another. SENT and CANCELLED are terminal.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// ParseStatus accepts the lower or upper case status name.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Statuses {
		if st == known {
			return st, true
		}
	}
	return "", false
}

// Signed reports whether the document has been generated.
func (s Status) Signed() bool {
	return s == StatusSigned || s == StatusPrinted || s == StatusSent
}

// Sendable reports whether a prescription in s may be delivered.
func (s Status) Sendable() bool {
	return s == StatusSigned || s == StatusPrinted
}

// CommunicationStatus is the delivery state of one send attempt.
type CommunicationStatus string

const (
	CommPending CommunicationStatus = "PENDING"
	CommSent    CommunicationStatus = "SENT"
	CommFailed  CommunicationStatus = "FAILED"
)
