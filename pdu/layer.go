package pdu

import (
	"context"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	dicomerrors "github.com/caio-sobreiro/dicomgateway/errors"
	"github.com/caio-sobreiro/dicomgateway/types"
)

// DIMSEHandler consumes the PDVs of an association.
//
// HandleDIMSEMessage may start work that outlives the call. Busy reports
// whether such work is running and Wait blocks until it has finished.
type DIMSEHandler interface {
	HandleDIMSEMessage(ctx context.Context, presContextID byte, msgCtrlHeader byte, data []byte, pduLayer *Layer) error
	Busy() bool
	Wait()
}

// Layer handles the DICOM Upper Layer Protocol on the acceptor side
type Layer struct {
	conn           net.Conn
	associationCtx *AssociationContext
	dimseHandler   DIMSEHandler
	serverAETitle  string
	logger         *zap.Logger

	// ReadTimeout bounds the wait for the next PDU while no operation runs.
	ReadTimeout time.Duration
	// WriteTimeout bounds each PDU write.
	WriteTimeout time.Duration
	// MaxPDULength is announced to the requestor.
	MaxPDULength uint32

	writeMu sync.Mutex
}

// AssociationContext holds association state
type AssociationContext struct {
	CalledAETitle    string
	CallingAETitle   string
	MaxPDULength     uint32
	PresentationCtxs map[byte]*PresentationContext
}

var supportedTransferSyntaxes = []string{
	types.ExplicitVRLittleEndian,
	types.ImplicitVRLittleEndian,
}

// Storage contexts are forwarded byte for byte, so compressed syntaxes the
// destinations understand are accepted as well.
var storageTransferSyntaxes = []string{
	types.ExplicitVRLittleEndian,
	types.ImplicitVRLittleEndian,
	types.JPEGBaseline8Bit,
	types.JPEG2000Lossless,
}

// negotiate picks the first proposed transfer syntax this gateway accepts.
func negotiate(pc ProposedContext) PresentationContext {
	result := PresentationContext{ID: pc.ID, AbstractSyntax: pc.AbstractSyntax}

	var accepted []string
	switch {
	case pc.AbstractSyntax == types.VerificationSOPClass, types.IsMoveSOPClass(pc.AbstractSyntax):
		accepted = supportedTransferSyntaxes
	case types.IsStorageSOPClass(pc.AbstractSyntax):
		accepted = storageTransferSyntaxes
	default:
		result.Result = ResultAbstractNotSupported
		return result
	}

	for _, ts := range pc.TransferSyntaxes {
		if slices.Contains(accepted, ts) {
			result.Result = ResultAcceptance
			result.TransferSyntax = ts
			return result
		}
	}
	result.Result = ResultTransferNotSupported
	return result
}

// NewLayer creates a new PDU layer handler
func NewLayer(conn net.Conn, dimseHandler DIMSEHandler, serverAETitle string, logger *zap.Logger) *Layer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Layer{
		conn:          conn,
		dimseHandler:  dimseHandler,
		serverAETitle: serverAETitle,
		logger:        logger,
		MaxPDULength:  DefaultMaxPDULength,
	}
}

// HandleConnection manages the complete DICOM connection lifecycle.
//
// Operations started on the association run under a context that is canceled
// with dicomerrors.ErrCanceled once the association is released, aborted or
// lost, or ctx is done.
func (p *Layer) HandleConnection(ctx context.Context) error {
	defer p.conn.Close()

	opCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(dicomerrors.ErrCanceled)

	// Unblock the read loop on shutdown.
	stop := context.AfterFunc(ctx, func() {
		_ = p.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	p.logger.Info("New DICOM connection")

	if err := p.handleAssociationPhase(); err != nil {
		return errors.Wrap(err, "association failed")
	}

	teardown := func() {
		cancel(dicomerrors.ErrCanceled)
		p.dimseHandler.Wait()
	}

	for {
		p.armReadDeadline()

		pdu, err := ReadPDU(p.conn)
		if err != nil {
			teardown()
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				p.logger.Info("Connection closed")
				return nil
			}
			return errors.Wrap(err, "reading PDU")
		}

		done, err := p.handlePDU(opCtx, pdu, teardown)
		if err != nil {
			teardown()
			_ = p.write(EncodeAbort(0x02, 0x00))
			return errors.Wrap(err, "handling PDU")
		}
		if done {
			return nil
		}
	}
}

// armReadDeadline applies ReadTimeout only while the association is idle; a
// running C-MOVE may legitimately keep the requestor silent for a long time.
func (p *Layer) armReadDeadline() {
	var deadline time.Time
	if p.ReadTimeout > 0 && !p.dimseHandler.Busy() {
		deadline = time.Now().Add(p.ReadTimeout)
	}
	if err := p.conn.SetReadDeadline(deadline); err != nil {
		p.logger.Warn("Failed to set read deadline", zap.Error(err))
	}
}

// handlePDU routes PDUs to appropriate handlers and reports whether the
// association is over.
func (p *Layer) handlePDU(ctx context.Context, pdu *PDU, teardown func()) (bool, error) {
	p.logger.Debug("Received PDU", zap.String("type", fmt.Sprintf("0x%02x", pdu.Type)), zap.Uint32("length", pdu.Length))

	switch pdu.Type {
	case TypePDataTF:
		return false, p.handlePDataTF(ctx, pdu)
	case TypeReleaseRQ:
		p.logger.Debug("Received A-RELEASE-RQ")
		teardown()
		if err := p.write(EncodeReleaseRP()); err != nil {
			return true, errors.Wrap(err, "sending A-RELEASE-RP")
		}
		return true, nil
	case TypeAbort:
		p.logger.Info("Received A-ABORT")
		teardown()
		return true, nil
	default:
		return false, errors.Errorf("unexpected PDU type 0x%02x", pdu.Type)
	}
}

// handleAssociationPhase handles the association establishment
func (p *Layer) handleAssociationPhase() error {
	if p.ReadTimeout > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(p.ReadTimeout))
	}

	pdu, err := ReadPDU(p.conn)
	if err != nil {
		return errors.Wrap(err, "reading association request")
	}
	if pdu.Type != TypeAssociateRQ {
		return errors.Errorf("expected A-ASSOCIATE-RQ, got PDU type: 0x%02x", pdu.Type)
	}

	rq, err := ParseAssociateRQ(pdu.Data)
	if err != nil {
		_ = p.write(AssociateRJ{Result: 0x01, Source: 0x01, Reason: 0x01}.Encode())
		return err
	}

	if rq.CalledAETitle != p.serverAETitle {
		p.logger.Warn("Called AE title does not match",
			zap.String("called_ae", rq.CalledAETitle),
			zap.String("server_ae", p.serverAETitle))
	}

	p.associationCtx = &AssociationContext{
		CalledAETitle:    rq.CalledAETitle,
		CallingAETitle:   rq.CallingAETitle,
		MaxPDULength:     rq.MaxPDULength,
		PresentationCtxs: make(map[byte]*PresentationContext, len(rq.Contexts)),
	}

	ac := &AssociateAC{
		CalledAETitle:  rq.CalledAETitle,
		CallingAETitle: rq.CallingAETitle,
		MaxPDULength:   p.MaxPDULength,
	}
	accepted := 0
	for _, proposed := range rq.Contexts {
		pc := negotiate(proposed)
		p.associationCtx.PresentationCtxs[pc.ID] = &pc
		ac.Contexts = append(ac.Contexts, pc)
		if pc.Result == ResultAcceptance {
			accepted++
		}
		p.logger.Debug("Presentation context negotiated",
			zap.Uint8("context_id", pc.ID),
			zap.String("abstract_syntax", pc.AbstractSyntax),
			zap.String("transfer_syntax", pc.TransferSyntax),
			zap.Uint8("result", pc.Result))
	}
	slices.SortFunc(ac.Contexts, func(a, b PresentationContext) int { return int(a.ID) - int(b.ID) })

	if accepted == 0 {
		_ = p.write(AssociateRJ{Result: 0x01, Source: 0x01, Reason: 0x01}.Encode())
		return errors.WithStack(dicomerrors.ErrNoPresentationCtx)
	}

	if err := p.write(ac.Encode()); err != nil {
		return errors.Wrap(err, "sending A-ASSOCIATE-AC")
	}

	p.logger.Info("Association accepted",
		zap.String("calling_ae", rq.CallingAETitle),
		zap.Int("proposed", len(rq.Contexts)),
		zap.Int("accepted", accepted),
		zap.Uint32("max_pdu_length", rq.MaxPDULength))
	return nil
}

// handlePDataTF forwards every PDV of the PDU to the DIMSE layer
func (p *Layer) handlePDataTF(ctx context.Context, pdu *PDU) error {
	pdvs, err := ParsePDataTF(pdu.Data)
	if err != nil {
		return err
	}
	for _, v := range pdvs {
		if _, ok := p.associationCtx.PresentationCtxs[v.PresContextID]; !ok {
			return errors.Errorf("PDV references unknown presentation context %d", v.PresContextID)
		}
		if err := p.dimseHandler.HandleDIMSEMessage(ctx, v.PresContextID, v.Control, v.Value, p); err != nil {
			return err
		}
	}
	return nil
}

func (p *Layer) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.WriteTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.WriteTimeout))
	}
	_, err := p.conn.Write(data)
	return err
}

type lockedWriter struct {
	p *Layer
}

func (w lockedWriter) Write(data []byte) (int, error) {
	if w.p.WriteTimeout > 0 {
		_ = w.p.conn.SetWriteDeadline(time.Now().Add(w.p.WriteTimeout))
	}
	return w.p.conn.Write(data)
}

// SendDIMSEResponseWithDataset sends a DIMSE response with optional dataset
// via P-DATA-TF, fragmented to the requestor's maximum PDU length. Concurrent
// callers do not interleave.
func (p *Layer) SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	w := lockedWriter{p: p}
	if err := NewFragmentWriter(w, presContextID, p.associationCtx.MaxPDULength).WriteAll(commandData, true); err != nil {
		return errors.Wrap(err, "sending command")
	}
	if len(datasetData) > 0 {
		if err := NewFragmentWriter(w, presContextID, p.associationCtx.MaxPDULength).WriteAll(datasetData, false); err != nil {
			return errors.Wrap(err, "sending data set")
		}
	}
	return nil
}

// GetTransferSyntax returns the negotiated transfer syntax for the given presentation context.
func (p *Layer) GetTransferSyntax(presContextID byte) (string, error) {
	if p.associationCtx == nil {
		return "", errors.New("association context not initialized")
	}

	ctx, ok := p.associationCtx.PresentationCtxs[presContextID]
	if !ok {
		return "", errors.Errorf("presentation context %d not found", presContextID)
	}
	if ctx.Result != ResultAcceptance {
		return "", errors.Errorf("presentation context %d was not accepted", presContextID)
	}

	return ctx.TransferSyntax, nil
}

// CallingAETitle returns the requestor's AE title once associated.
func (p *Layer) CallingAETitle() string {
	if p.associationCtx == nil {
		return ""
	}
	return p.associationCtx.CallingAETitle
}
