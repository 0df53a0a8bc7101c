// Package interfaces contains the service and handler interfaces shared by the
// DIMSE layer and the gateway services.
package interfaces

import (
	"context"

	"github.com/caio-sobreiro/dicomgateway/types"
)

// ServiceHandler handles DIMSE operations with a single response
type ServiceHandler interface {
	HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error)
}

// StreamingServiceHandler handles DIMSE operations that send pending responses
// before the final one (C-MOVE).
//
// ctx is canceled when the requesting association is released or aborted, or
// when the peer sends C-CANCEL for this message; context.Cause tells which.
type StreamingServiceHandler interface {
	HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, responder ResponseSender) error
}

// ResponseSender sends responses on the requesting association
type ResponseSender interface {
	SendResponse(msg *types.Message, data []byte) error
}
