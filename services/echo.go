// Package services holds the gateway's DIMSE service handlers: C-ECHO,
// C-MOVE emulated from the cloud repository, and C-STORE forwarding.
package services

import (
	"context"

	"github.com/outofforest/logger"
	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgateway/types"
)

// EchoService answers C-ECHO verification requests.
type EchoService struct{}

// NewEchoService creates a new C-ECHO service instance.
func NewEchoService() *EchoService {
	return &EchoService{}
}

// HandleDIMSE returns a successful C-ECHO-RSP. C-ECHO carries no data set.
func (s *EchoService) HandleDIMSE(ctx context.Context, msg *types.Message, _ []byte) (*types.Message, []byte, error) {
	logger.Get(ctx).Info("C-ECHO request successful", zap.Uint16("message_id", msg.MessageID))
	return NewCEchoResponse(msg, types.StatusSuccess), nil, nil
}
