package pdu

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Message control header bits
const (
	ControlCommand = 0x01
	ControlLast    = 0x02
)

const pdvHeaderLength = 6

// DefaultMaxPDULength is used when a peer announces no limit.
const DefaultMaxPDULength = 16384

// MaxFragment is the largest PDV value that fits in one P-DATA-TF of maxPDULength.
func MaxFragment(maxPDULength uint32) int {
	if maxPDULength == 0 {
		maxPDULength = DefaultMaxPDULength
	}
	return int(maxPDULength) - pdvHeaderLength
}

// FragmentWriter writes PDVs, one per P-DATA-TF PDU, reusing one buffer.
type FragmentWriter struct {
	w             io.Writer
	presContextID byte
	buf           []byte
}

// NewFragmentWriter sizes fragments for a peer accepting maxPDULength.
func NewFragmentWriter(w io.Writer, presContextID byte, maxPDULength uint32) *FragmentWriter {
	return &FragmentWriter{
		w:             w,
		presContextID: presContextID,
		buf:           make([]byte, headerLength+pdvHeaderLength+MaxFragment(maxPDULength)),
	}
}

// FragmentSize is the maximum value length one Write accepts.
func (f *FragmentWriter) FragmentSize() int {
	return len(f.buf) - headerLength - pdvHeaderLength
}

// Write sends data (at most FragmentSize bytes) in a single PDU.
func (f *FragmentWriter) Write(data []byte, isCommand, isLast bool) error {
	pdvLength := uint32(len(data) + 2)

	f.buf[0] = TypePDataTF
	f.buf[1] = 0x00
	binary.BigEndian.PutUint32(f.buf[2:6], pdvLength+4)
	binary.BigEndian.PutUint32(f.buf[6:10], pdvLength)
	f.buf[10] = f.presContextID

	control := byte(0)
	if isCommand {
		control |= ControlCommand
	}
	if isLast {
		control |= ControlLast
	}
	f.buf[11] = control

	n := copy(f.buf[headerLength+pdvHeaderLength:], data)
	if _, err := f.w.Write(f.buf[:headerLength+pdvHeaderLength+n]); err != nil {
		return errors.Wrap(err, "writing P-DATA-TF")
	}
	return nil
}

// WriteAll splits data into as many fragments as needed, setting the last
// fragment bit on the final one.
func (f *FragmentWriter) WriteAll(data []byte, isCommand bool) error {
	size := f.FragmentSize()
	for {
		chunk := data
		if len(chunk) > size {
			chunk = chunk[:size]
		}
		data = data[len(chunk):]
		if err := f.Write(chunk, isCommand, len(data) == 0); err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
	}
}

// PDV is one presentation data value from a P-DATA-TF PDU.
type PDV struct {
	PresContextID byte
	Control       byte
	Value         []byte
}

// ParsePDataTF splits a P-DATA-TF body into its PDVs.
func ParsePDataTF(data []byte) ([]PDV, error) {
	var pdvs []PDV
	for offset := 0; offset < len(data); {
		if offset+pdvHeaderLength > len(data) {
			return nil, errors.New("malformed PDV")
		}
		length := binary.BigEndian.Uint32(data[offset : offset+4])
		end := offset + 4 + int(length)
		if length < 2 || end > len(data) {
			return nil, errors.New("PDV length exceeds PDU payload")
		}
		pdvs = append(pdvs, PDV{
			PresContextID: data[offset+4],
			Control:       data[offset+5],
			Value:         data[offset+6 : end],
		})
		offset = end
	}
	return pdvs, nil
}
