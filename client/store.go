package client

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgateway/dimse"
	dicomerrors "github.com/caio-sobreiro/dicomgateway/errors"
	"github.com/caio-sobreiro/dicomgateway/types"
)

// CStoreRequest represents a C-STORE request
type CStoreRequest struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	Priority          uint16
}

// CStoreResponse represents a C-STORE response
type CStoreResponse struct {
	Status       uint16
	MessageID    uint16
	ErrorComment string
	BytesSent    int64
}

// SendCStore streams data as the data set of a C-STORE-RQ on the presentation
// context negotiated for the request's SOP class and transfer syntax, then
// waits for the matching C-STORE-RSP.
//
// Errors reading data are returned as *dimse.ReadError. Any other error leaves
// the association in an unknown state and the caller should abort it.
func (a *Association) SendCStore(ctx context.Context, req CStoreRequest, data io.Reader) (*CStoreResponse, error) {
	if a.closed {
		return nil, errors.WithStack(dicomerrors.ErrConnectionClosed)
	}

	pc, proposed := a.Lookup(req.SOPClassUID, req.TransferSyntaxUID)
	if !proposed || !pc.Accepted {
		return nil, errors.Wrapf(dicomerrors.ErrNoPresentationCtx, "%s with transfer syntax %s", req.SOPClassUID, req.TransferSyntaxUID)
	}

	stop := a.interruptOn(ctx)
	defer stop()

	messageID := a.nextMessageID()
	command := &types.Message{
		CommandField:           dimse.CStoreRQ,
		MessageID:              messageID,
		Priority:               req.Priority,
		CommandDataSetType:     types.DataSetPresent,
		AffectedSOPClassUID:    req.SOPClassUID,
		AffectedSOPInstanceUID: req.SOPInstanceUID,
	}

	w := a.writer()
	if err := dimse.SendCommand(w, pc.ID, a.peerMaxPDU, command); err != nil {
		return nil, a.opError(ctx, errors.Wrap(err, "sending C-STORE-RQ"))
	}
	sent, err := dimse.SendDataSet(w, pc.ID, a.peerMaxPDU, data)
	if err != nil {
		var readErr *dimse.ReadError
		if errors.As(err, &readErr) {
			return nil, err
		}
		return nil, a.opError(ctx, errors.Wrap(err, "sending C-STORE data set"))
	}

	a.logger.Debug("Sent C-STORE-RQ",
		zap.String("sop_class", req.SOPClassUID),
		zap.String("sop_instance", req.SOPInstanceUID),
		zap.Int64("bytes", sent))

	resp, _, err := a.awaitResponse(ctx, dimse.CStoreRSP, messageID)
	if err != nil {
		return nil, err
	}

	return &CStoreResponse{
		Status:       resp.Status,
		MessageID:    resp.MessageIDBeingRespondedTo,
		ErrorComment: resp.ErrorComment,
		BytesSent:    sent,
	}, nil
}

// awaitResponse reads the next DIMSE message and checks it answers messageID.
func (a *Association) awaitResponse(ctx context.Context, commandField, messageID uint16) (*types.Message, []byte, error) {
	if err := a.conn.SetReadDeadline(time.Now().Add(a.config.ResponseTimeout)); err != nil {
		return nil, nil, errors.Wrap(err, "setting response deadline")
	}

	msg, data, err := dimse.ReceiveDIMSEMessage(a.conn)
	if err != nil {
		return nil, nil, a.opError(ctx, err)
	}
	if msg.CommandField != commandField {
		return nil, nil, errors.Errorf("unexpected command: 0x%04x (expected 0x%04x)", msg.CommandField, commandField)
	}
	if msg.MessageIDBeingRespondedTo != messageID {
		return nil, nil, errors.Errorf("response to message %d, expected %d", msg.MessageIDBeingRespondedTo, messageID)
	}
	return msg, data, nil
}
