package services

import (
	"github.com/caio-sobreiro/dicomgateway/types"
)

// ResponseBuilder creates DIMSE responses to one request, copying the message
// ID and affected SOP class from it.
type ResponseBuilder struct {
	request *types.Message
}

// NewResponseBuilder creates a new response builder for the given request message.
func NewResponseBuilder(request *types.Message) *ResponseBuilder {
	return &ResponseBuilder{request: request}
}

// CEchoResponse creates a C-ECHO-RSP message.
func (b *ResponseBuilder) CEchoResponse(status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.CEchoRSP,
		MessageIDBeingRespondedTo: b.request.MessageID,
		AffectedSOPClassUID:       types.VerificationSOPClass,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}
}

// CMoveResponse creates a C-MOVE-RSP message. A nil ops leaves the
// sub-operation counters out, as refusals do.
func (b *ResponseBuilder) CMoveResponse(status uint16, ops *types.SubOperations) *types.Message {
	msg := &types.Message{
		CommandField:              types.CMoveRSP,
		MessageIDBeingRespondedTo: b.request.MessageID,
		AffectedSOPClassUID:       b.request.AffectedSOPClassUID,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}
	if ops != nil {
		ops.Apply(msg)
	}
	return msg
}

// CStoreResponse creates a C-STORE-RSP message for the request's instance.
func (b *ResponseBuilder) CStoreResponse(status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.CStoreRSP,
		MessageIDBeingRespondedTo: b.request.MessageID,
		AffectedSOPClassUID:       b.request.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    b.request.AffectedSOPInstanceUID,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}
}

// NewCEchoResponse creates a C-ECHO-RSP message from a request.
func NewCEchoResponse(request *types.Message, status uint16) *types.Message {
	return NewResponseBuilder(request).CEchoResponse(status)
}

// NewCMovePendingResponse creates a pending C-MOVE-RSP carrying ops.
func NewCMovePendingResponse(request *types.Message, ops types.SubOperations) *types.Message {
	return NewResponseBuilder(request).CMoveResponse(types.StatusPending, &ops)
}

// NewCMoveFinalResponse creates the last C-MOVE-RSP of a move that ran.
func NewCMoveFinalResponse(request *types.Message, status uint16, ops types.SubOperations) *types.Message {
	return NewResponseBuilder(request).CMoveResponse(status, &ops)
}

// NewCMoveErrorResponse creates a C-MOVE-RSP refusing the request.
func NewCMoveErrorResponse(request *types.Message, status uint16) *types.Message {
	return NewResponseBuilder(request).CMoveResponse(status, nil)
}

// NewCStoreResponse creates a C-STORE-RSP message.
func NewCStoreResponse(request *types.Message, status uint16) *types.Message {
	return NewResponseBuilder(request).CStoreResponse(status)
}
