package sender

import (
	"context"
	"io"
	"net"
	"slices"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgateway/client"
	"github.com/caio-sobreiro/dicomgateway/dicom"
	"github.com/caio-sobreiro/dicomgateway/dimse"
	"github.com/caio-sobreiro/dicomgateway/directory"
	dicomerrors "github.com/caio-sobreiro/dicomgateway/errors"
	"github.com/caio-sobreiro/dicomgateway/types"
)

// SessionConfig configures the outbound associations of a StoreSession.
type SessionConfig struct {
	CallingAETitle  string
	MaxPDULength    uint32
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	Logger          *zap.Logger
}

type contextPair struct {
	abstractSyntax string
	transferSyntax string
}

// StoreSession owns at most one outbound association and pushes instances
// through it one at a time, in the order Store was called. Presentation contexts are proposed lazily: when an
// instance needs a (SOP class, transfer syntax) pair the open association
// never proposed, the association is released and opened again with every
// pair seen so far.
type StoreSession struct {
	config SessionConfig
	log    *zap.Logger

	queue  fifo
	assoc  *client.Association
	dest   directory.Destination
	pairs  []contextPair
	closed bool
}

// NewStoreSession creates a session. No connection is made until the first Store.
func NewStoreSession(config SessionConfig) *StoreSession {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &StoreSession{config: config, log: config.Logger}
}

// Store sends the instance read from r to dest.
//
// r is either a bare data set described by info or a Part 10 stream, whose
// file meta overrides the transfer syntax in info and fills its empty fields.
// Only the data set is sent and counted in BytesSent.
func (s *StoreSession) Store(ctx context.Context, dest directory.Destination, info InstanceInfo, r io.Reader) (StoreResult, error) {
	if err := s.queue.acquire(ctx); err != nil {
		return StoreResult{}, &dicomerrors.TransmissionError{Op: "waiting for session", Err: err}
	}
	defer s.queue.release()

	if s.closed {
		return StoreResult{}, &dicomerrors.TransmissionError{Op: "store", Err: dicomerrors.ErrSenderClosed}
	}

	meta, body, err := dicom.SplitPart10(r)
	if err != nil {
		return StoreResult{}, &dicomerrors.TransmissionError{Op: "reading file meta", Err: err}
	}
	if meta != nil {
		if meta.TransferSyntaxUID != "" {
			info.TransferSyntaxUID = meta.TransferSyntaxUID
		}
		if info.SOPClassUID == "" {
			info.SOPClassUID = meta.SOPClassUID
		}
		if info.SOPInstanceUID == "" {
			info.SOPInstanceUID = meta.SOPInstanceUID
		}
	}
	if info.SOPClassUID == "" || info.SOPInstanceUID == "" || info.TransferSyntaxUID == "" {
		return StoreResult{}, &dicomerrors.TransmissionError{
			Op:  "inspecting instance",
			Err: errors.New("SOP class, SOP instance and transfer syntax must be known"),
		}
	}

	pair := contextPair{abstractSyntax: info.SOPClassUID, transferSyntax: info.TransferSyntaxUID}
	if err := s.ensureAssociation(ctx, dest, pair); err != nil {
		// A timed out connect costs this instance only; refusals and
		// negotiation failures cost the destination.
		if isTimeout(err) {
			return StoreResult{}, &dicomerrors.TransmissionError{Op: "opening association", Err: err}
		}
		return StoreResult{}, &dicomerrors.ConnectionError{Destination: dest.Name, Err: err}
	}

	resp, err := s.assoc.SendCStore(ctx, client.CStoreRequest{
		SOPClassUID:       info.SOPClassUID,
		SOPInstanceUID:    info.SOPInstanceUID,
		TransferSyntaxUID: info.TransferSyntaxUID,
		Priority:          types.PriorityMedium,
	}, body)
	if err != nil {
		// A partly sent message leaves the association unusable.
		s.abort()
		var readErr *dimse.ReadError
		if errors.As(err, &readErr) {
			return StoreResult{}, &dicomerrors.TransmissionError{Op: "reading instance", Err: readErr.Err}
		}
		return StoreResult{}, &dicomerrors.TransmissionError{Op: "C-STORE", Err: err}
	}

	log := s.log.With(
		zap.String("destination", dest.Name),
		zap.String("instance", info.SOPInstanceUID),
		zap.String("status", types.ClassifyStatus(resp.Status).String()))

	switch types.ClassifyStatus(resp.Status) {
	case types.ClassSuccess:
		log.Debug("Instance stored", zap.Int64("bytes", resp.BytesSent))
	case types.ClassWarning:
		log.Info("Instance stored with warning",
			zap.Uint16("status_code", resp.Status),
			zap.String("comment", resp.ErrorComment))
	default:
		return StoreResult{BytesSent: resp.BytesSent}, &dicomerrors.RemoteStoreRejectedError{
			Status:  resp.Status,
			Comment: resp.ErrorComment,
		}
	}
	return StoreResult{BytesSent: resp.BytesSent, Status: resp.Status}, nil
}

// ensureAssociation leaves s.assoc open to dest with pair accepted.
func (s *StoreSession) ensureAssociation(ctx context.Context, dest directory.Destination, pair contextPair) error {
	if s.assoc != nil && s.dest != dest {
		s.release()
		s.pairs = nil
	}

	if s.assoc != nil {
		pc, proposed := s.assoc.Lookup(pair.abstractSyntax, pair.transferSyntax)
		if proposed {
			return acceptedOrErr(pc, pair)
		}
		s.log.Debug("Renegotiating for new presentation context",
			zap.String("destination", dest.Name),
			zap.String("abstract_syntax", pair.abstractSyntax),
			zap.String("transfer_syntax", pair.transferSyntax))
		s.release()
	}

	if !slices.Contains(s.pairs, pair) {
		s.pairs = append(s.pairs, pair)
	}

	assoc, err := client.Connect(ctx, dest.Address(), client.Config{
		CallingAETitle:  s.config.CallingAETitle,
		CalledAETitle:   dest.Name,
		MaxPDULength:    s.config.MaxPDULength,
		ConnectTimeout:  s.config.ConnectTimeout,
		ResponseTimeout: s.config.ResponseTimeout,
		Logger:          s.log,
		Contexts:        proposals(s.pairs),
	})
	if err != nil {
		return err
	}
	s.assoc = assoc
	s.dest = dest

	pc, _ := assoc.Lookup(pair.abstractSyntax, pair.transferSyntax)
	return acceptedOrErr(pc, pair)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func acceptedOrErr(pc client.PresentationContext, pair contextPair) error {
	if !pc.Accepted {
		return errors.Wrapf(dicomerrors.ErrNoPresentationCtx, "%s with transfer syntax %s", pair.abstractSyntax, pair.transferSyntax)
	}
	return nil
}

// proposals groups pairs by abstract syntax, keeping first-seen order.
func proposals(pairs []contextPair) []client.ContextProposal {
	var out []client.ContextProposal
	index := map[string]int{}
	for _, p := range pairs {
		i, ok := index[p.abstractSyntax]
		if !ok {
			i = len(out)
			index[p.abstractSyntax] = i
			out = append(out, client.ContextProposal{AbstractSyntax: p.abstractSyntax})
		}
		out[i].TransferSyntaxes = append(out[i].TransferSyntaxes, p.transferSyntax)
	}
	return out
}

func (s *StoreSession) release() {
	if s.assoc == nil {
		return
	}
	if err := s.assoc.Release(); err != nil {
		s.log.Warn("Association release failed", zap.String("destination", s.dest.Name), zap.Error(err))
	}
	s.assoc = nil
}

func (s *StoreSession) abort() {
	if s.assoc == nil {
		return
	}
	_ = s.assoc.Abort()
	s.assoc = nil
}

// Close releases the association, if any. Calls after the first do nothing.
func (s *StoreSession) Close() error {
	_ = s.queue.acquire(context.Background())
	defer s.queue.release()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.assoc == nil {
		return nil
	}
	err := s.assoc.Release()
	s.assoc = nil
	return errors.Wrapf(err, "releasing association to %s", s.dest.Name)
}
