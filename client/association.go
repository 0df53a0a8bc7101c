// Package client implements the requestor side of a DICOM association.
package client

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	dicomerrors "github.com/caio-sobreiro/dicomgateway/errors"
	"github.com/caio-sobreiro/dicomgateway/pdu"
	"github.com/caio-sobreiro/dicomgateway/types"
)

// maxContexts is the number of odd presentation context IDs available.
const maxContexts = 128

// ContextProposal is one abstract syntax offered with its transfer syntaxes.
// Every transfer syntax is proposed as its own presentation context so the
// peer decides on each pair independently.
type ContextProposal struct {
	AbstractSyntax   string
	TransferSyntaxes []string
}

// Config holds client configuration
type Config struct {
	CallingAETitle  string
	CalledAETitle   string
	MaxPDULength    uint32
	ConnectTimeout  time.Duration // Timeout for TCP connect and association negotiation (default: 30s)
	ResponseTimeout time.Duration // Timeout waiting for a DIMSE response (default: 60s)
	WriteTimeout    time.Duration // Timeout for each PDU write (default: 60s)
	Logger          *zap.Logger
	Contexts        []ContextProposal
}

func (c *Config) setDefaults() {
	if c.MaxPDULength == 0 {
		c.MaxPDULength = pdu.DefaultMaxPDULength
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if len(c.Contexts) == 0 {
		c.Contexts = []ContextProposal{{
			AbstractSyntax:   types.VerificationSOPClass,
			TransferSyntaxes: []string{types.ImplicitVRLittleEndian},
		}}
	}
}

// PresentationContext holds negotiated presentation context info
type PresentationContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
	Accepted       bool
}

type contextKey struct {
	abstractSyntax string
	transferSyntax string
}

// Association represents a client-side DICOM association. It is not safe for
// concurrent use.
type Association struct {
	conn           net.Conn
	config         Config
	peerMaxPDU     uint32
	contexts       map[contextKey]*PresentationContext
	logger         *zap.Logger
	lastMessageID  uint16
	closed         bool
	remoteAddress  string
	acceptedTotals int
}

// Connect establishes a DICOM association with a remote SCP
func Connect(ctx context.Context, address string, config Config) (*Association, error) {
	config.setDefaults()

	assoc := &Association{
		config:        config,
		contexts:      map[contextKey]*PresentationContext{},
		logger:        config.Logger.With(zap.String("remote_addr", address), zap.String("called_ae", config.CalledAETitle)),
		remoteAddress: address,
	}

	rq := &pdu.AssociateRQ{
		CalledAETitle:  config.CalledAETitle,
		CallingAETitle: config.CallingAETitle,
		MaxPDULength:   config.MaxPDULength,
	}
	ids := map[byte]*PresentationContext{}
	for _, proposal := range config.Contexts {
		for _, ts := range proposal.TransferSyntaxes {
			key := contextKey{abstractSyntax: proposal.AbstractSyntax, transferSyntax: ts}
			if _, exists := assoc.contexts[key]; exists {
				continue
			}
			if len(ids) == maxContexts {
				return nil, errors.Errorf("more than %d presentation contexts proposed", maxContexts)
			}
			pc := &PresentationContext{
				ID:             byte(2*len(ids) + 1),
				AbstractSyntax: proposal.AbstractSyntax,
				TransferSyntax: ts,
			}
			assoc.contexts[key] = pc
			ids[pc.ID] = pc
			rq.Contexts = append(rq.Contexts, pdu.ProposedContext{
				ID:               pc.ID,
				AbstractSyntax:   pc.AbstractSyntax,
				TransferSyntaxes: []string{ts},
			})
		}
	}

	dialer := &net.Dialer{Timeout: config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect")
	}
	assoc.conn = conn

	if err := assoc.negotiate(ctx, rq, ids); err != nil {
		_ = conn.Close()
		return nil, err
	}

	assoc.logger.Info("DICOM association established",
		zap.String("calling_ae", config.CallingAETitle),
		zap.Int("accepted_contexts", assoc.acceptedTotals),
		zap.Uint32("peer_max_pdu_length", assoc.peerMaxPDU))

	return assoc, nil
}

func (a *Association) negotiate(ctx context.Context, rq *pdu.AssociateRQ, ids map[byte]*PresentationContext) error {
	if err := a.conn.SetDeadline(time.Now().Add(a.config.ConnectTimeout)); err != nil {
		return errors.Wrap(err, "setting negotiation deadline")
	}
	stop := a.interruptOn(ctx)
	defer stop()

	if _, err := a.conn.Write(rq.Encode()); err != nil {
		return a.opError(ctx, errors.Wrap(err, "failed to send A-ASSOCIATE-RQ"))
	}

	resp, err := pdu.ReadPDU(a.conn)
	if err != nil {
		return a.opError(ctx, errors.Wrap(err, "failed to receive A-ASSOCIATE response"))
	}

	switch resp.Type {
	case pdu.TypeAssociateAC:
	case pdu.TypeAssociateRJ:
		rj, err := pdu.ParseAssociateRJ(resp.Data)
		if err != nil {
			return err
		}
		return &dicomerrors.AssociationError{
			Result: rj.Result,
			Source: dicomerrors.AssociationRejectSource(rj.Source),
			Reason: rj.Reason,
		}
	case pdu.TypeAbort:
		abortErr := &dicomerrors.AbortError{}
		if len(resp.Data) >= 4 {
			abortErr.Source, abortErr.Reason = resp.Data[2], resp.Data[3]
		}
		return abortErr
	default:
		return &dicomerrors.PDUError{PDUType: resp.Type, Msg: "unexpected PDU during association"}
	}

	ac, err := pdu.ParseAssociateAC(resp.Data)
	if err != nil {
		return errors.Wrap(err, "parsing A-ASSOCIATE-AC")
	}

	a.peerMaxPDU = ac.MaxPDULength
	for _, result := range ac.Contexts {
		pc, ok := ids[result.ID]
		if !ok {
			continue
		}
		// The peer may only echo the proposed syntax back.
		pc.Accepted = result.Result == pdu.ResultAcceptance &&
			(result.TransferSyntax == "" || result.TransferSyntax == pc.TransferSyntax)
		if pc.Accepted {
			a.acceptedTotals++
		}
		a.logger.Debug("Presentation context negotiation",
			zap.Uint8("context_id", pc.ID),
			zap.String("abstract_syntax", pc.AbstractSyntax),
			zap.String("transfer_syntax", pc.TransferSyntax),
			zap.Uint8("result", result.Result))
	}

	return errors.Wrap(a.conn.SetDeadline(time.Time{}), "clearing negotiation deadline")
}

// interruptOn makes blocked I/O fail as soon as ctx is done.
func (a *Association) interruptOn(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = a.conn.SetDeadline(time.Now())
	})
}

// opError replaces an I/O error caused by ctx with ctx's cause.
func (a *Association) opError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(context.Cause(ctx), err.Error())
	}
	return err
}

// Lookup reports whether the pair was proposed and, if so, its negotiation result.
func (a *Association) Lookup(abstractSyntax, transferSyntax string) (pc PresentationContext, proposed bool) {
	p, ok := a.contexts[contextKey{abstractSyntax: abstractSyntax, transferSyntax: transferSyntax}]
	if !ok {
		return PresentationContext{}, false
	}
	return *p, true
}

// GetPresentationContextID finds an accepted presentation context for the given abstract syntax
func (a *Association) GetPresentationContextID(abstractSyntax string) (byte, error) {
	for _, proposal := range a.config.Contexts {
		if proposal.AbstractSyntax != abstractSyntax {
			continue
		}
		for _, ts := range proposal.TransferSyntaxes {
			if pc, ok := a.Lookup(abstractSyntax, ts); ok && pc.Accepted {
				return pc.ID, nil
			}
		}
	}
	return 0, errors.Wrapf(dicomerrors.ErrNoPresentationCtx, "abstract syntax %s", abstractSyntax)
}

// PeerMaxPDULength is the maximum PDU length the peer accepts.
func (a *Association) PeerMaxPDULength() uint32 {
	return a.peerMaxPDU
}

func (a *Association) nextMessageID() uint16 {
	a.lastMessageID++
	if a.lastMessageID == 0 {
		a.lastMessageID = 1
	}
	return a.lastMessageID
}

type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w deadlineWriter) Write(data []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return 0, err
	}
	return w.conn.Write(data)
}

func (a *Association) writer() deadlineWriter {
	return deadlineWriter{conn: a.conn, timeout: a.config.WriteTimeout}
}

// Release performs an orderly A-RELEASE and closes the connection. Calling it
// more than once is harmless.
func (a *Association) Release() error {
	if a.closed {
		return nil
	}
	a.closed = true
	defer a.conn.Close()

	if _, err := a.writer().Write(pdu.EncodeReleaseRQ()); err != nil {
		return errors.Wrap(err, "sending A-RELEASE-RQ")
	}

	if err := a.conn.SetReadDeadline(time.Now().Add(a.config.ResponseTimeout)); err != nil {
		return errors.Wrap(err, "setting release deadline")
	}
	for {
		resp, err := pdu.ReadPDU(a.conn)
		if err != nil {
			return errors.Wrap(err, "awaiting A-RELEASE-RP")
		}
		switch resp.Type {
		case pdu.TypeReleaseRP:
			a.logger.Debug("Association released")
			return nil
		case pdu.TypeAbort:
			return nil
		}
		// A late P-DATA-TF may still precede the release response.
	}
}

// Abort sends A-ABORT and closes the connection without waiting.
func (a *Association) Abort() error {
	if a.closed {
		return nil
	}
	a.closed = true
	defer a.conn.Close()

	_, err := a.writer().Write(pdu.EncodeAbort(0x00, 0x00))
	return errors.Wrap(err, "sending A-ABORT")
}

// Close releases the association.
func (a *Association) Close() error {
	return a.Release()
}
