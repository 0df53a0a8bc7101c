// Package errors provides the gateway's typed errors.
//
// Protocol-level errors (AssociationError, AbortError, PDUError) describe what
// happened on the wire. Dispatch-level errors (UnknownDestinationError,
// ConnectionError, RemoteStoreRejectedError, TransmissionError, RetrieveError)
// describe how one (instance, destination) transfer failed and drive the
// dispatcher's failure isolation.
package errors

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrConnectionClosed  = errors.New("dicom: connection closed")
	ErrNoPresentationCtx = errors.New("dicom: no suitable presentation context")
	ErrInvalidMessage    = errors.New("dicom: invalid DIMSE message")
	ErrSenderClosed      = errors.New("dicom: sender closed")
	ErrNoCloudSource     = errors.New("dicom: no cloud source configured")

	// ErrCanceled is the cause attached to a dispatch context when the
	// requesting association goes away.
	ErrCanceled = errors.New("dicom: requesting association torn down")
	// ErrCanceledByPeer is the cause attached when the peer sends C-CANCEL.
	ErrCanceledByPeer = errors.New("dicom: canceled by peer")
)

// AssociationError represents an A-ASSOCIATE-RJ received from a peer
type AssociationError struct {
	Result byte
	Source AssociationRejectSource
	Reason byte
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("association rejected (result: %d, source: %s, reason: %d)",
		e.Result, e.Source, e.Reason)
}

// AssociationRejectSource represents who rejected the association
type AssociationRejectSource byte

// Reject sources
const (
	RejectSourceServiceUser                 AssociationRejectSource = 0x01
	RejectSourceServiceProviderACSE         AssociationRejectSource = 0x02
	RejectSourceServiceProviderPresentation AssociationRejectSource = 0x03
)

func (s AssociationRejectSource) String() string {
	switch s {
	case RejectSourceServiceUser:
		return "service-user"
	case RejectSourceServiceProviderACSE:
		return "service-provider-acse"
	case RejectSourceServiceProviderPresentation:
		return "service-provider-presentation"
	default:
		return "unknown"
	}
}

// AbortError represents an A-ABORT PDU received
type AbortError struct {
	Source byte
	Reason byte
}

func (e *AbortError) Error() string {
	sourceStr := "unknown"
	switch e.Source {
	case 0x00:
		sourceStr = "service-user"
	case 0x02:
		sourceStr = "service-provider"
	}

	return fmt.Sprintf("connection aborted by %s (reason: 0x%02X)", sourceStr, e.Reason)
}

// PDUError represents a PDU-level protocol error
type PDUError struct {
	PDUType byte
	Msg     string
}

func (e *PDUError) Error() string {
	return fmt.Sprintf("PDU error (type: 0x%02X): %s", e.PDUType, e.Msg)
}

// UnknownDestinationError is returned by directory lookups of unregistered names.
type UnknownDestinationError struct {
	Name string
}

func (e *UnknownDestinationError) Error() string {
	return fmt.Sprintf("unknown destination %q", e.Name)
}

// ConnectionError means the association to a destination could not be
// established or could not carry the instance (no common presentation context).
type ConnectionError struct {
	Destination string
	Err         error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Destination, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RemoteStoreRejectedError carries a failure status returned by the peer.
type RemoteStoreRejectedError struct {
	Status  uint16
	Comment string
}

func (e *RemoteStoreRejectedError) Error() string {
	if e.Comment == "" {
		return fmt.Sprintf("store rejected by peer (status: 0x%04X)", e.Status)
	}
	return fmt.Sprintf("store rejected by peer (status: 0x%04X): %s", e.Status, e.Comment)
}

// TransmissionError is a local I/O failure while streaming an instance, a
// response timeout included.
type TransmissionError struct {
	Op  string
	Err error
}

func (e *TransmissionError) Error() string {
	return fmt.Sprintf("transmission failed during %s: %v", e.Op, e.Err)
}

func (e *TransmissionError) Unwrap() error {
	return e.Err
}

// RetrieveError means instances could not be queried or fetched from the
// cloud source during an emulated move.
type RetrieveError struct {
	Query string
	Err   error
}

func (e *RetrieveError) Error() string {
	return fmt.Sprintf("retrieve %s failed: %v", e.Query, e.Err)
}

func (e *RetrieveError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is, or wraps, a ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}
