package dimse

import (
	"io"

	"github.com/pkg/errors"

	dicomerrors "github.com/caio-sobreiro/dicomgateway/errors"
	"github.com/caio-sobreiro/dicomgateway/pdu"
	"github.com/caio-sobreiro/dicomgateway/types"
)

// DefaultMaxPDULength is used when a peer announces no limit.
const DefaultMaxPDULength = pdu.DefaultMaxPDULength

const (
	controlCommand = pdu.ControlCommand
	controlLast    = pdu.ControlLast
)

func maxFragment(maxPDULength uint32) int {
	return pdu.MaxFragment(maxPDULength)
}

// SendPDataTF sends data as one or more P-DATA-TF PDUs, setting the last
// fragment bit on the final one.
func SendPDataTF(conn io.Writer, presContextID byte, maxPDULength uint32, data []byte, isCommand bool) error {
	return pdu.NewFragmentWriter(conn, presContextID, maxPDULength).WriteAll(data, isCommand)
}

// SendCommand encodes msg and sends it as a command PDV sequence.
func SendCommand(conn io.Writer, presContextID byte, maxPDULength uint32, msg *types.Message) error {
	commandData, err := EncodeCommand(msg)
	if err != nil {
		return err
	}
	return SendPDataTF(conn, presContextID, maxPDULength, commandData, true)
}

// ReadError marks a failure reading the data set source, as opposed to
// writing to the association.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return "reading data set: " + e.Err.Error()
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// SendDataSet streams r as data set fragments and returns the number of bytes
// sent. At most two fragments are held in memory; one fragment of look-ahead
// decides where the last fragment bit goes.
func SendDataSet(conn io.Writer, presContextID byte, maxPDULength uint32, r io.Reader) (int64, error) {
	fw := pdu.NewFragmentWriter(conn, presContextID, maxPDULength)
	size := fw.FragmentSize()

	cur := make([]byte, size)
	next := make([]byte, size)
	var sent int64

	n, err := io.ReadFull(r, cur)
	for {
		switch {
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			if werr := fw.Write(cur[:n], false, true); werr != nil {
				return sent, werr
			}
			return sent + int64(n), nil
		case err != nil:
			return sent, &ReadError{Err: err}
		}

		m, nextErr := io.ReadFull(r, next)
		last := m == 0 && errors.Is(nextErr, io.EOF)
		if nextErr != nil && !last && !errors.Is(nextErr, io.ErrUnexpectedEOF) {
			return sent, &ReadError{Err: nextErr}
		}
		if werr := fw.Write(cur[:n], false, last); werr != nil {
			return sent, werr
		}
		sent += int64(n)
		if last {
			return sent, nil
		}

		cur, next = next, cur
		n, err = m, nextErr
	}
}

// ReceiveDIMSEMessage reads PDUs until one complete DIMSE message (command
// and, if announced, its data set) has arrived.
func ReceiveDIMSEMessage(conn io.Reader) (*types.Message, []byte, error) {
	var (
		commandData []byte
		datasetData []byte
		msg         *types.Message
		dataDone    bool
	)

	for {
		p, err := pdu.ReadPDU(conn)
		if err != nil {
			return nil, nil, errors.Wrap(err, "reading PDU")
		}

		switch p.Type {
		case pdu.TypePDataTF:
		case pdu.TypeAbort:
			abortErr := &dicomerrors.AbortError{}
			if len(p.Data) >= 4 {
				abortErr.Source = p.Data[2]
				abortErr.Reason = p.Data[3]
			}
			return nil, nil, abortErr
		case pdu.TypeReleaseRQ:
			return nil, nil, dicomerrors.ErrConnectionClosed
		default:
			return nil, nil, &dicomerrors.PDUError{PDUType: p.Type, Msg: "unexpected PDU while awaiting DIMSE message"}
		}

		pdvs, err := pdu.ParsePDataTF(p.Data)
		if err != nil {
			return nil, nil, &dicomerrors.PDUError{PDUType: p.Type, Msg: err.Error()}
		}

		for _, v := range pdvs {
			if v.Control&controlCommand != 0 {
				commandData = append(commandData, v.Value...)
				if v.Control&controlLast != 0 {
					decoded, err := DecodeCommand(commandData)
					if err != nil {
						return nil, nil, err
					}
					msg = decoded
				}
				continue
			}

			datasetData = append(datasetData, v.Value...)
			if v.Control&controlLast != 0 {
				dataDone = true
			}
		}

		if msg != nil && (!msg.HasDataSet() || dataDone) {
			return msg, datasetData, nil
		}
	}
}
