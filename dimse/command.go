// Package dimse encodes, fragments and reassembles DIMSE messages.
package dimse

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/caio-sobreiro/dicomgateway/types"
)

// Command types
const (
	CStoreRQ  = types.CStoreRQ
	CStoreRSP = types.CStoreRSP
	CMoveRQ   = types.CMoveRQ
	CMoveRSP  = types.CMoveRSP
	CEchoRQ   = types.CEchoRQ
	CEchoRSP  = types.CEchoRSP
	CCancelRQ = types.CCancelRQ
)

// Status codes
const (
	StatusSuccess = types.StatusSuccess
	StatusPending = types.StatusPending
	StatusFailure = types.StatusFailure
)

// Command group element numbers
const (
	elemGroupLength         = 0x0000
	elemAffectedSOPClass    = 0x0002
	elemCommandField        = 0x0100
	elemMessageID           = 0x0110
	elemMessageIDRespondTo  = 0x0120
	elemMoveDestination     = 0x0600
	elemPriority            = 0x0700
	elemCommandDataSetType  = 0x0800
	elemStatus              = 0x0900
	elemErrorComment        = 0x0902
	elemAffectedSOPInstance = 0x1000
	elemRemaining           = 0x1020
	elemCompleted           = 0x1021
	elemFailed              = 0x1022
	elemWarning             = 0x1023
)

func isResponse(commandField uint16) bool {
	return commandField&0x8000 != 0
}

// EncodeCommand encodes a DIMSE command message using Implicit VR Little Endian
func EncodeCommand(msg *types.Message) ([]byte, error) {
	if msg.CommandField == 0 {
		return nil, errors.New("command field is required")
	}

	buf := make([]byte, 0, 256)

	// Command Group Length (0000,0000), patched below
	buf = AppendImplicitElement(buf, elemGroupLength, make([]byte, 4))

	if msg.AffectedSOPClassUID != "" {
		buf = AppendImplicitElement(buf, elemAffectedSOPClass, uidBytes(msg.AffectedSOPClassUID))
	}

	buf = AppendImplicitElement(buf, elemCommandField, u16(msg.CommandField))

	response := isResponse(msg.CommandField)
	if !response && msg.CommandField != CCancelRQ {
		buf = AppendImplicitElement(buf, elemMessageID, u16(msg.MessageID))
	}
	if response || msg.CommandField == CCancelRQ {
		buf = AppendImplicitElement(buf, elemMessageIDRespondTo, u16(msg.MessageIDBeingRespondedTo))
	}

	if msg.MoveDestination != "" {
		dest := []byte(msg.MoveDestination)
		if len(dest)%2 == 1 {
			dest = append(dest, ' ')
		}
		buf = AppendImplicitElement(buf, elemMoveDestination, dest)
	}

	// Priority is mandatory on C-STORE/C-FIND/C-MOVE requests and zero is a valid value (MEDIUM).
	if !response && msg.CommandField != CEchoRQ && msg.CommandField != CCancelRQ {
		buf = AppendImplicitElement(buf, elemPriority, u16(msg.Priority))
	}

	buf = AppendImplicitElement(buf, elemCommandDataSetType, u16(msg.CommandDataSetType))

	if response {
		buf = AppendImplicitElement(buf, elemStatus, u16(msg.Status))
	}

	if msg.ErrorComment != "" {
		comment := []byte(msg.ErrorComment)
		if len(comment) > 64 {
			comment = comment[:64]
		}
		if len(comment)%2 == 1 {
			comment = append(comment, ' ')
		}
		buf = AppendImplicitElement(buf, elemErrorComment, comment)
	}

	if msg.AffectedSOPInstanceUID != "" {
		buf = AppendImplicitElement(buf, elemAffectedSOPInstance, uidBytes(msg.AffectedSOPInstanceUID))
	}

	for _, counter := range []struct {
		element uint16
		value   *uint16
	}{
		{elemRemaining, msg.NumberOfRemainingSuboperations},
		{elemCompleted, msg.NumberOfCompletedSuboperations},
		{elemFailed, msg.NumberOfFailedSuboperations},
		{elemWarning, msg.NumberOfWarningSuboperations},
	} {
		if counter.value != nil {
			buf = AppendImplicitElement(buf, counter.element, u16(*counter.value))
		}
	}

	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(buf)-12))
	return buf, nil
}

// AppendImplicitElement appends a command group element using Implicit VR
func AppendImplicitElement(buf []byte, element uint16, value []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, 0x0000)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

func u16(v uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, v)
}

func uidBytes(uid string) []byte {
	b := []byte(uid)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	return b
}

// DecodeCommand decodes a DIMSE command message
func DecodeCommand(data []byte) (*types.Message, error) {
	msg := &types.Message{
		CommandDataSetType: types.NoDataSet,
	}
	var seenCommandField bool

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		end := offset + 8 + int(length)
		if end > len(data) {
			return nil, errors.Errorf("command element (%04x,%04x) length %d exceeds command set", group, element, length)
		}
		value := data[offset+8 : end]
		offset = end

		if group != 0x0000 {
			continue
		}

		switch element {
		case elemAffectedSOPClass:
			msg.AffectedSOPClassUID = types.TrimUID(string(value))
		case elemCommandField:
			msg.CommandField, seenCommandField = readU16(value), true
		case elemMessageID:
			msg.MessageID = readU16(value)
		case elemMessageIDRespondTo:
			msg.MessageIDBeingRespondedTo = readU16(value)
		case elemMoveDestination:
			msg.MoveDestination = types.TrimUID(string(value))
		case elemPriority:
			msg.Priority = readU16(value)
		case elemCommandDataSetType:
			msg.CommandDataSetType = readU16(value)
		case elemStatus:
			msg.Status = readU16(value)
		case elemErrorComment:
			msg.ErrorComment = types.TrimUID(string(value))
		case elemAffectedSOPInstance:
			msg.AffectedSOPInstanceUID = types.TrimUID(string(value))
		case elemRemaining:
			msg.NumberOfRemainingSuboperations = readU16Ptr(value)
		case elemCompleted:
			msg.NumberOfCompletedSuboperations = readU16Ptr(value)
		case elemFailed:
			msg.NumberOfFailedSuboperations = readU16Ptr(value)
		case elemWarning:
			msg.NumberOfWarningSuboperations = readU16Ptr(value)
		}
	}

	if !seenCommandField {
		return nil, errors.New("command set has no command field")
	}
	return msg, nil
}

func readU16(value []byte) uint16 {
	if len(value) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(value[:2])
}

func readU16Ptr(value []byte) *uint16 {
	v := readU16(value)
	return &v
}
