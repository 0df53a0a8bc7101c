package dimse

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	dicomerrors "github.com/caio-sobreiro/dicomgateway/errors"
	"github.com/caio-sobreiro/dicomgateway/interfaces"
	"github.com/caio-sobreiro/dicomgateway/types"
)

// PDULayer is the part of the upper layer the DIMSE service talks back to
type PDULayer interface {
	SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error
	GetTransferSyntax(presContextID byte) (string, error)
}

// Service reassembles inbound DIMSE messages and runs them against a handler.
//
// One operation runs at a time per association. The operation runs on its own
// goroutine so the upper layer keeps reading PDUs, which is how C-CANCEL,
// A-RELEASE and A-ABORT reach a long-running C-MOVE. Requests arriving while
// an operation runs are queued and started in arrival order.
type Service struct {
	handler interfaces.ServiceHandler
	log     *zap.Logger

	commandData []byte
	datasetData []byte
	currentMsg  *types.Message

	mu       sync.Mutex
	inflight *operation
	queued   []*operation
	wg       sync.WaitGroup
}

type operation struct {
	ctx       context.Context
	cancel    context.CancelCauseFunc
	msg       *types.Message
	data      []byte
	responder *responseHandler
}

// responseHandler implements ResponseSender for one operation
type responseHandler struct {
	presContextID byte
	pduLayer      PDULayer
}

// SendResponse implements ResponseSender interface
func (r *responseHandler) SendResponse(msg *types.Message, data []byte) error {
	commandData, err := EncodeCommand(msg)
	if err != nil {
		return err
	}
	return r.pduLayer.SendDIMSEResponseWithDataset(r.presContextID, commandData, data)
}

// NewService creates a new DIMSE service with a handler
func NewService(handler interfaces.ServiceHandler, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		handler: handler,
		log:     log,
	}
}

// HandleDIMSEMessage consumes one PDV. ctx bounds every operation started
// from this association.
func (d *Service) HandleDIMSEMessage(ctx context.Context, presContextID byte, msgCtrlHeader byte, data []byte, pduLayer PDULayer) error {
	isLast := msgCtrlHeader&controlLast != 0

	if msgCtrlHeader&controlCommand != 0 {
		d.commandData = append(d.commandData, data...)
		if !isLast {
			return nil
		}

		msg, err := DecodeCommand(d.commandData)
		d.commandData = nil
		if err != nil {
			return errors.Wrap(err, "decoding DIMSE command")
		}

		d.log.Debug("Received DIMSE command",
			zap.String("command_field", fmt.Sprintf("0x%04x", msg.CommandField)),
			zap.Uint16("message_id", msg.MessageID))

		if msg.CommandField == CCancelRQ {
			d.cancelOperation(msg.MessageIDBeingRespondedTo)
			return nil
		}
		if msg.HasDataSet() {
			d.currentMsg = msg
			return nil
		}
		return d.start(ctx, presContextID, msg, nil, pduLayer)
	}

	if d.currentMsg == nil {
		return errors.WithStack(dicomerrors.ErrInvalidMessage)
	}
	d.datasetData = append(d.datasetData, data...)
	if !isLast {
		return nil
	}

	msg, dataset := d.currentMsg, d.datasetData
	d.currentMsg, d.datasetData = nil, nil
	return d.start(ctx, presContextID, msg, dataset, pduLayer)
}

// Busy reports whether an operation is running.
func (d *Service) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight != nil
}

// Wait blocks until every started operation has returned.
func (d *Service) Wait() {
	d.wg.Wait()
}

func (d *Service) cancelOperation(messageID uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	op := d.inflight
	if op == nil || op.msg.MessageID != messageID {
		op = nil
		for _, q := range d.queued {
			if q.msg.MessageID == messageID {
				op = q
				break
			}
		}
	}
	if op == nil {
		d.log.Debug("C-CANCEL for no running operation", zap.Uint16("message_id", messageID))
		return
	}
	d.log.Info("C-CANCEL received", zap.Uint16("message_id", messageID))
	op.cancel(dicomerrors.ErrCanceledByPeer)
}

func (d *Service) start(ctx context.Context, presContextID byte, msg *types.Message, data []byte, pduLayer PDULayer) error {
	if ts, err := pduLayer.GetTransferSyntax(presContextID); err == nil {
		msg.TransferSyntaxUID = ts
	}

	opCtx, cancel := context.WithCancelCause(ctx)
	op := &operation{
		ctx:       opCtx,
		cancel:    cancel,
		msg:       msg,
		data:      data,
		responder: &responseHandler{presContextID: presContextID, pduLayer: pduLayer},
	}

	d.mu.Lock()
	if d.inflight != nil {
		// The peer did not negotiate asynchronous operations; run them one after another.
		d.log.Warn("DIMSE request received while another is running",
			zap.Uint16("running", d.inflight.msg.MessageID),
			zap.Uint16("message_id", msg.MessageID))
		d.queued = append(d.queued, op)
		d.mu.Unlock()
		return nil
	}
	d.inflight = op
	d.mu.Unlock()

	d.run(op)
	return nil
}

// run executes op and then the next queued operation, if any. d.inflight
// must already be op.
func (d *Service) run(op *operation) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if err := d.process(op.ctx, op.msg, op.data, op.responder); err != nil {
			d.log.Warn("DIMSE operation failed",
				zap.String("command_field", fmt.Sprintf("0x%04x", op.msg.CommandField)),
				zap.Uint16("message_id", op.msg.MessageID),
				zap.Error(err))
		}
		op.cancel(nil)

		d.mu.Lock()
		if len(d.queued) == 0 {
			d.inflight = nil
			d.mu.Unlock()
			return
		}
		next := d.queued[0]
		d.queued = d.queued[1:]
		d.inflight = next
		d.mu.Unlock()

		d.run(next)
	}()
}

func (d *Service) process(ctx context.Context, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	if streamingHandler, ok := d.handler.(interfaces.StreamingServiceHandler); ok {
		return streamingHandler.HandleDIMSEStreaming(ctx, msg, data, responder)
	}

	responseMsg, responseData, err := d.handler.HandleDIMSE(ctx, msg, data)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return stdErrors.Join(err, responder.SendResponse(FailureResponse(msg, types.StatusFailure), nil))
	}
	return responder.SendResponse(responseMsg, responseData)
}

// FailureResponse builds a response to req carrying status and no data set.
func FailureResponse(req *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.ResponseCommandFor(req.CommandField),
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    req.AffectedSOPInstanceUID,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}
}
