package client

import (
	"context"

	"github.com/pkg/errors"

	"github.com/caio-sobreiro/dicomgateway/dimse"
	"github.com/caio-sobreiro/dicomgateway/types"
)

// CEchoResponse represents the result of a C-ECHO operation.
type CEchoResponse struct {
	Status    uint16
	MessageID uint16
}

// SendCEcho performs a DICOM C-ECHO (verification) request and returns the response status.
func (a *Association) SendCEcho(ctx context.Context) (*CEchoResponse, error) {
	presContextID, err := a.GetPresentationContextID(types.VerificationSOPClass)
	if err != nil {
		return nil, err
	}

	stop := a.interruptOn(ctx)
	defer stop()

	messageID := a.nextMessageID()
	command := &types.Message{
		CommandField:        dimse.CEchoRQ,
		MessageID:           messageID,
		CommandDataSetType:  types.NoDataSet,
		AffectedSOPClassUID: types.VerificationSOPClass,
	}

	if err := dimse.SendCommand(a.writer(), presContextID, a.peerMaxPDU, command); err != nil {
		return nil, a.opError(ctx, errors.Wrap(err, "failed to send C-ECHO request"))
	}

	msg, _, err := a.awaitResponse(ctx, dimse.CEchoRSP, messageID)
	if err != nil {
		return nil, err
	}

	return &CEchoResponse{
		Status:    msg.Status,
		MessageID: msg.MessageIDBeingRespondedTo,
	}, nil
}
