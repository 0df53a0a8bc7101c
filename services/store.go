package services

import (
	"bytes"
	"context"
	"io"

	"github.com/outofforest/logger"
	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgateway/dispatch"
	"github.com/caio-sobreiro/dicomgateway/types"
)

// StoreService forwards every received instance to a fixed set of
// destinations before answering the C-STORE.
type StoreService struct {
	dispatcher Dispatcher
	forward    []string
}

// NewStoreService creates a C-STORE forwarding service.
func NewStoreService(dispatcher Dispatcher, forward []string) *StoreService {
	return &StoreService{dispatcher: dispatcher, forward: forward}
}

// HandleDIMSE forwards data and answers Success unless forwarding failed
// under the status policy, in which case it answers Out of Resources.
func (s *StoreService) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	log := logger.Get(ctx).With(
		zap.Uint16("message_id", msg.MessageID),
		zap.String("instance", msg.AffectedSOPInstanceUID))
	ctx = logger.WithLogger(ctx, log)

	if len(s.forward) == 0 {
		log.Warn("C-STORE received with no forward destinations")
		return NewCStoreResponse(msg, types.StatusOutOfResources), nil, nil
	}

	result, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		Destinations: s.forward,
		Instances: []dispatch.Instance{{
			ID:                msg.AffectedSOPInstanceUID,
			SOPClassUID:       msg.AffectedSOPClassUID,
			TransferSyntaxUID: msg.TransferSyntaxUID,
			Open: func(context.Context) (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(data)), nil
			},
		}},
	}, nil)
	if err != nil {
		log.Warn("Forwarding instance failed", zap.Error(err))
		return NewCStoreResponse(msg, types.StatusOutOfResources), nil, nil
	}
	if result.Status == dispatch.StatusFailure {
		return NewCStoreResponse(msg, types.StatusOutOfResources), nil, nil
	}

	log.Debug("Instance forwarded", zap.Stringer("status", result.Status))
	return NewCStoreResponse(msg, types.StatusSuccess), nil, nil
}
