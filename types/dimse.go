// Package types contains the DIMSE command model shared by the gateway layers.
package types

// DIMSE Command types
const (
	CStoreRQ  = 0x0001
	CStoreRSP = 0x8001
	CFindRQ   = 0x0020
	CFindRSP  = 0x8020
	CMoveRQ   = 0x0021
	CMoveRSP  = 0x8021
	CEchoRQ   = 0x0030
	CEchoRSP  = 0x8030
	CCancelRQ = 0x0FFF
)

// CommandDataSetType values (0000,0800)
const (
	DataSetPresent = 0x0000
	NoDataSet      = 0x0101
)

// Priority values (0000,0700)
const (
	PriorityMedium = 0x0000
	PriorityHigh   = 0x0001
	PriorityLow    = 0x0002
)

// DIMSE Status codes
const (
	StatusSuccess = 0x0000
	StatusPending = 0xFF00
	StatusCancel  = 0xFE00
	StatusFailure = 0xC000

	// StatusOutOfResources is the C-STORE refusal used when forwarding fails.
	StatusOutOfResources = 0xA700
	// StatusSubOperationsOutOfResources refuses a C-MOVE whose sub-operations could not be performed.
	StatusSubOperationsOutOfResources = 0xA702
	// StatusMoveDestinationUnknown refuses a C-MOVE naming no known destination.
	StatusMoveDestinationUnknown = 0xA801
	// StatusSubOperationsCompleteWithFailures is the C-MOVE warning status.
	StatusSubOperationsCompleteWithFailures = 0xB000
)

// StatusClass groups DIMSE status codes by meaning.
type StatusClass int

// Status classes
const (
	ClassSuccess StatusClass = iota
	ClassPending
	ClassWarning
	ClassCancel
	ClassFailure
)

func (c StatusClass) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassPending:
		return "pending"
	case ClassWarning:
		return "warning"
	case ClassCancel:
		return "cancel"
	default:
		return "failure"
	}
}

// ClassifyStatus maps a DIMSE status code to its class (PS3.7 Annex C).
func ClassifyStatus(status uint16) StatusClass {
	switch {
	case status == StatusSuccess:
		return ClassSuccess
	case status == StatusPending || status == 0xFF01:
		return ClassPending
	case status == StatusCancel:
		return ClassCancel
	case status == 0x0001 || status&0xFF00 == 0x0100 || status&0xF000 == 0xB000:
		return ClassWarning
	default:
		return ClassFailure
	}
}

// Message represents a parsed DIMSE command
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	MessageIDBeingRespondedTo uint16
	MoveDestination           string // C-MOVE-RQ: AE title of the move destination
	ErrorComment              string // (0000,0902)
	TransferSyntaxUID         string // Negotiated transfer syntax for associated dataset

	// C-MOVE response counters
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// HasDataSet reports whether a data set follows the command.
func (m *Message) HasDataSet() bool {
	return m.CommandDataSetType != NoDataSet
}

// ResponseCommandFor maps a DIMSE request command to its corresponding response command.
func ResponseCommandFor(request uint16) uint16 {
	switch request {
	case CStoreRQ:
		return CStoreRSP
	case CFindRQ:
		return CFindRSP
	case CMoveRQ:
		return CMoveRSP
	case CEchoRQ:
		return CEchoRSP
	default:
		return request | 0x8000
	}
}

// SubOperations holds the C-MOVE sub-operation counters.
type SubOperations struct {
	Remaining int
	Completed int
	Failed    int
	Warning   int
}

// Apply copies the counters into msg, clamped to the 16-bit wire range.
func (s SubOperations) Apply(msg *Message) {
	msg.NumberOfRemainingSuboperations = clamp(s.Remaining)
	msg.NumberOfCompletedSuboperations = clamp(s.Completed)
	msg.NumberOfFailedSuboperations = clamp(s.Failed)
	msg.NumberOfWarningSuboperations = clamp(s.Warning)
}

func clamp(v int) *uint16 {
	var u uint16
	switch {
	case v < 0:
	case v > 0xFFFF:
		u = 0xFFFF
	default:
		u = uint16(v)
	}
	return &u
}
