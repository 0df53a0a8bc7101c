// Package pdu implements the DICOM upper layer: PDU framing, association
// negotiation and the acceptor-side connection state machine.
package pdu

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/caio-sobreiro/dicomgateway/types"
)

// PDU types
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// Variable item types
const (
	itemApplicationContext = 0x10
	itemPresentationRQ     = 0x20
	itemPresentationAC     = 0x21
	itemAbstractSyntax     = 0x30
	itemTransferSyntax     = 0x40
	itemUserInformation    = 0x50
	itemMaxLength          = 0x51
	itemImplementationUID  = 0x52
	itemImplementationName = 0x55
)

// Presentation context results
const (
	ResultAcceptance           byte = 0x00
	ResultUserRejection        byte = 0x01
	ResultNoReason             byte = 0x02
	ResultAbstractNotSupported byte = 0x03
	ResultTransferNotSupported byte = 0x04
)

const (
	headerLength       = 6
	fixedFieldsLength  = 68
	maxBodyLength      = 32 << 20
	protocolVersion    = 0x0001
	aeTitleFieldLength = 16
)

// PDU represents a Protocol Data Unit
type PDU struct {
	Type   byte
	Length uint32
	Data   []byte
}

// ReadPDU reads one complete PDU.
func ReadPDU(r io.Reader) (*PDU, error) {
	header := make([]byte, headerLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxBodyLength {
		return nil, errors.Errorf("PDU type 0x%02x announces %d bytes", header[0], length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrap(err, "reading PDU body")
	}

	return &PDU{Type: header[0], Length: length, Data: data}, nil
}

func encodePDU(pduType byte, body []byte) []byte {
	buf := make([]byte, 0, headerLength+len(body))
	buf = append(buf, pduType, 0x00)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	return append(buf, body...)
}

func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

// walkItems calls fn for each type/length/value item in data.
func walkItems(data []byte, fn func(itemType byte, value []byte) error) error {
	for offset := 0; offset < len(data); {
		if offset+4 > len(data) {
			return errors.New("truncated item header")
		}
		itemType := data[offset]
		end := offset + 4 + int(binary.BigEndian.Uint16(data[offset+2:offset+4]))
		if end > len(data) {
			return errors.Errorf("item 0x%02x exceeds its container", itemType)
		}
		if err := fn(itemType, data[offset+4:end]); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

func fixedFields(called, calling string) []byte {
	buf := make([]byte, fixedFieldsLength)
	binary.BigEndian.PutUint16(buf[0:2], protocolVersion)
	copy(buf[4:20], fmt.Sprintf("%-16.16s", called))
	copy(buf[20:36], fmt.Sprintf("%-16.16s", calling))
	return buf
}

func aeTitle(raw []byte) string {
	return strings.TrimSpace(strings.TrimRight(string(raw), "\x00"))
}

func userInformation(maxPDULength uint32) []byte {
	var info []byte
	info = appendItem(info, itemMaxLength, binary.BigEndian.AppendUint32(nil, maxPDULength))
	info = appendItem(info, itemImplementationUID, []byte(types.ImplementationClassUID))
	info = appendItem(info, itemImplementationName, []byte(types.ImplementationVersionName))
	return appendItem(nil, itemUserInformation, info)
}

func parseMaxPDULength(data []byte) (uint32, error) {
	var maxPDULength uint32
	err := walkItems(data, func(itemType byte, value []byte) error {
		if itemType == itemMaxLength && len(value) == 4 {
			maxPDULength = binary.BigEndian.Uint32(value)
		}
		return nil
	})
	return maxPDULength, err
}

// ProposedContext is a presentation context offered in an A-ASSOCIATE-RQ.
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// AssociateRQ is the content of an A-ASSOCIATE-RQ PDU.
type AssociateRQ struct {
	CalledAETitle  string
	CallingAETitle string
	Contexts       []ProposedContext
	MaxPDULength   uint32
}

// Encode returns the full PDU.
func (rq *AssociateRQ) Encode() []byte {
	body := fixedFields(rq.CalledAETitle, rq.CallingAETitle)
	body = appendItem(body, itemApplicationContext, []byte(types.ApplicationContextUID))

	for _, pc := range rq.Contexts {
		value := []byte{pc.ID, 0x00, 0x00, 0x00}
		value = appendItem(value, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			value = appendItem(value, itemTransferSyntax, []byte(ts))
		}
		body = appendItem(body, itemPresentationRQ, value)
	}

	body = append(body, userInformation(rq.MaxPDULength)...)
	return encodePDU(TypeAssociateRQ, body)
}

// ParseAssociateRQ decodes the body of an A-ASSOCIATE-RQ PDU.
func ParseAssociateRQ(data []byte) (*AssociateRQ, error) {
	if len(data) < fixedFieldsLength {
		return nil, errors.New("association request too short")
	}

	rq := &AssociateRQ{
		CalledAETitle:  aeTitle(data[4:20]),
		CallingAETitle: aeTitle(data[20:36]),
	}

	err := walkItems(data[fixedFieldsLength:], func(itemType byte, value []byte) error {
		switch itemType {
		case itemPresentationRQ:
			if len(value) < 4 {
				return errors.New("presentation context item too short")
			}
			pc := ProposedContext{ID: value[0]}
			if err := walkItems(value[4:], func(subType byte, sub []byte) error {
				switch subType {
				case itemAbstractSyntax:
					pc.AbstractSyntax = types.TrimUID(string(sub))
				case itemTransferSyntax:
					pc.TransferSyntaxes = append(pc.TransferSyntaxes, types.TrimUID(string(sub)))
				}
				return nil
			}); err != nil {
				return errors.Wrapf(err, "presentation context %d", pc.ID)
			}
			rq.Contexts = append(rq.Contexts, pc)
		case itemUserInformation:
			maxPDULength, err := parseMaxPDULength(value)
			if err != nil {
				return errors.Wrap(err, "user information")
			}
			rq.MaxPDULength = maxPDULength
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rq, nil
}

// PresentationContext represents a negotiated presentation context
type PresentationContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
}

// AssociateAC is the content of an A-ASSOCIATE-AC PDU.
type AssociateAC struct {
	CalledAETitle  string
	CallingAETitle string
	Contexts       []PresentationContext
	MaxPDULength   uint32
}

// Encode returns the full PDU. Contexts must be ordered by ID.
func (ac *AssociateAC) Encode() []byte {
	body := fixedFields(ac.CalledAETitle, ac.CallingAETitle)
	body = appendItem(body, itemApplicationContext, []byte(types.ApplicationContextUID))

	for _, pc := range ac.Contexts {
		value := []byte{pc.ID, 0x00, pc.Result, 0x00}
		if pc.Result == ResultAcceptance {
			value = appendItem(value, itemTransferSyntax, []byte(pc.TransferSyntax))
		}
		body = appendItem(body, itemPresentationAC, value)
	}

	body = append(body, userInformation(ac.MaxPDULength)...)
	return encodePDU(TypeAssociateAC, body)
}

// ParseAssociateAC decodes the body of an A-ASSOCIATE-AC PDU. Abstract
// syntaxes are not carried by the AC and stay empty.
func ParseAssociateAC(data []byte) (*AssociateAC, error) {
	if len(data) < fixedFieldsLength {
		return nil, errors.New("association accept too short")
	}

	ac := &AssociateAC{
		CalledAETitle:  aeTitle(data[4:20]),
		CallingAETitle: aeTitle(data[20:36]),
	}

	err := walkItems(data[fixedFieldsLength:], func(itemType byte, value []byte) error {
		switch itemType {
		case itemPresentationAC:
			if len(value) < 4 {
				return errors.New("presentation context item too short")
			}
			pc := PresentationContext{ID: value[0], Result: value[2]}
			if err := walkItems(value[4:], func(subType byte, sub []byte) error {
				if subType == itemTransferSyntax {
					pc.TransferSyntax = types.TrimUID(string(sub))
				}
				return nil
			}); err != nil {
				return errors.Wrapf(err, "presentation context %d", pc.ID)
			}
			ac.Contexts = append(ac.Contexts, pc)
		case itemUserInformation:
			maxPDULength, err := parseMaxPDULength(value)
			if err != nil {
				return errors.Wrap(err, "user information")
			}
			ac.MaxPDULength = maxPDULength
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ac, nil
}

// AssociateRJ is the content of an A-ASSOCIATE-RJ PDU.
type AssociateRJ struct {
	Result byte
	Source byte
	Reason byte
}

// Encode returns the full PDU.
func (rj AssociateRJ) Encode() []byte {
	return encodePDU(TypeAssociateRJ, []byte{0x00, rj.Result, rj.Source, rj.Reason})
}

// ParseAssociateRJ decodes the body of an A-ASSOCIATE-RJ PDU.
func ParseAssociateRJ(data []byte) (AssociateRJ, error) {
	if len(data) < 4 {
		return AssociateRJ{}, errors.New("association reject too short")
	}
	return AssociateRJ{Result: data[1], Source: data[2], Reason: data[3]}, nil
}

// EncodeReleaseRQ returns an A-RELEASE-RQ PDU.
func EncodeReleaseRQ() []byte {
	return encodePDU(TypeReleaseRQ, make([]byte, 4))
}

// EncodeReleaseRP returns an A-RELEASE-RP PDU.
func EncodeReleaseRP() []byte {
	return encodePDU(TypeReleaseRP, make([]byte, 4))
}

// EncodeAbort returns an A-ABORT PDU.
func EncodeAbort(source, reason byte) []byte {
	return encodePDU(TypeAbort, []byte{0x00, 0x00, source, reason})
}
