package services

import (
	"context"
	"io"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgateway/cloud"
	"github.com/caio-sobreiro/dicomgateway/dicom"
	"github.com/caio-sobreiro/dicomgateway/dispatch"
	dicomerrors "github.com/caio-sobreiro/dicomgateway/errors"
	"github.com/caio-sobreiro/dicomgateway/interfaces"
	"github.com/caio-sobreiro/dicomgateway/types"
)

// Dispatcher delivers instances to named destinations.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request, progress dispatch.ProgressFunc) (dispatch.Result, error)
}

// Routes maps a Move Destination AE title to the destinations it fans out
// to. An AE title with no route is its own single destination.
type Routes map[string][]string

// Resolve returns the destinations for aeTitle.
func (r Routes) Resolve(aeTitle string) []string {
	if dests, ok := r[aeTitle]; ok && len(dests) > 0 {
		return dests
	}
	return []string{aeTitle}
}

// MoveService emulates C-MOVE on top of the cloud repository: matching
// instances are retrieved from the cloud and dispatched to the destinations
// the Move Destination resolves to.
type MoveService struct {
	dispatcher Dispatcher
	source     cloud.Source
	routes     Routes
}

// NewMoveService creates a C-MOVE service.
func NewMoveService(dispatcher Dispatcher, source cloud.Source, routes Routes) *MoveService {
	return &MoveService{dispatcher: dispatcher, source: source, routes: routes}
}

// HandleDIMSE runs the move without pending responses and returns the final one.
func (s *MoveService) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	var final *types.Message
	err := s.move(ctx, msg, data, nil, func(rsp *types.Message) error {
		final = rsp
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if final == nil {
		return nil, nil, errors.WithStack(context.Cause(ctx))
	}
	return final, nil, nil
}

// HandleDIMSEStreaming runs the move, sending a pending response after each
// sub-operation and a final response once all of them have finished.
func (s *MoveService) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	send := func(rsp *types.Message) error {
		return responder.SendResponse(rsp, nil)
	}
	return s.move(ctx, msg, data, send, send)
}

func (s *MoveService) move(ctx context.Context, msg *types.Message, data []byte, pending, final func(*types.Message) error) error {
	log := logger.Get(ctx).With(
		zap.Uint16("message_id", msg.MessageID),
		zap.String("move_destination", msg.MoveDestination))
	ctx = logger.WithLogger(ctx, log)

	query, err := parseMoveIdentifier(data, msg.TransferSyntaxUID)
	if err != nil {
		log.Warn("Invalid C-MOVE identifier", zap.Error(err))
		return final(NewCMoveErrorResponse(msg, types.StatusFailure))
	}
	log.Info("C-MOVE request", zap.Stringer("query", query))

	instances, err := s.collect(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return s.finishCanceled(ctx, msg, types.SubOperations{}, final)
		}
		log.Warn("Querying cloud source failed", zap.Error(err))
		return final(NewCMoveErrorResponse(msg, types.StatusSubOperationsOutOfResources))
	}

	var progress dispatch.ProgressFunc
	if pending != nil {
		progress = func(ops types.SubOperations) error {
			return pending(NewCMovePendingResponse(msg, ops))
		}
	}

	result, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		Destinations: s.routes.Resolve(msg.MoveDestination),
		Instances:    instances,
	}, progress)
	if err != nil {
		var unknown *dicomerrors.UnknownDestinationError
		if errors.As(err, &unknown) {
			log.Warn("Move destination unknown", zap.Error(err))
			return final(NewCMoveErrorResponse(msg, types.StatusMoveDestinationUnknown))
		}
		log.Error("Dispatching move failed", zap.Error(err))
		return final(NewCMoveErrorResponse(msg, types.StatusSubOperationsOutOfResources))
	}

	if ctx.Err() != nil {
		return s.finishCanceled(ctx, msg, result.Totals, final)
	}
	return final(NewCMoveFinalResponse(msg, moveStatus(result.Status), result.Totals))
}

// finishCanceled answers a C-CANCEL with the counters reached so far. When
// the requesting association is gone there is nobody to answer.
func (s *MoveService) finishCanceled(ctx context.Context, msg *types.Message, ops types.SubOperations, final func(*types.Message) error) error {
	if !errors.Is(context.Cause(ctx), dicomerrors.ErrCanceledByPeer) {
		logger.Get(ctx).Info("C-MOVE abandoned, requesting association closed")
		return nil
	}
	logger.Get(ctx).Info("C-MOVE canceled by peer",
		zap.Int("completed", ops.Completed),
		zap.Int("remaining", ops.Remaining))
	return final(NewCMoveFinalResponse(msg, types.StatusCancel, ops))
}

func (s *MoveService) collect(ctx context.Context, query cloud.MoveQuery) ([]dispatch.Instance, error) {
	if s.source == nil {
		return nil, errors.WithStack(dicomerrors.ErrNoCloudSource)
	}

	var instances []dispatch.Instance
	for ref, err := range s.source.Query(ctx, query) {
		if err != nil {
			return nil, err
		}
		instances = append(instances, dispatch.Instance{
			ID:                ref.SOPInstanceUID,
			SOPClassUID:       ref.SOPClassUID,
			TransferSyntaxUID: ref.TransferSyntaxUID,
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return s.source.Retrieve(ctx, ref)
			},
		})
	}
	return instances, nil
}

func parseMoveIdentifier(data []byte, transferSyntaxUID string) (cloud.MoveQuery, error) {
	ds, err := dicom.ParseDataset(data, transferSyntaxUID)
	if err != nil {
		return cloud.MoveQuery{}, err
	}
	level, err := cloud.ParseLevel(ds.GetString(dicom.TagQueryRetrieveLevel))
	if err != nil {
		return cloud.MoveQuery{}, err
	}
	query := cloud.MoveQuery{
		Level:             level,
		PatientID:         ds.GetString(dicom.TagPatientID),
		StudyInstanceUID:  ds.GetString(dicom.TagStudyInstanceUID),
		SeriesInstanceUID: ds.GetString(dicom.TagSeriesInstanceUID),
		SOPInstanceUID:    ds.GetString(dicom.TagSOPInstanceUID),
	}
	if err := query.Validate(); err != nil {
		return cloud.MoveQuery{}, err
	}
	return query, nil
}

func moveStatus(status dispatch.Status) uint16 {
	switch status {
	case dispatch.StatusSuccess:
		return types.StatusSuccess
	case dispatch.StatusWarning:
		return types.StatusSubOperationsCompleteWithFailures
	default:
		return types.StatusSubOperationsOutOfResources
	}
}
