package client

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/caio-sobreiro/dicomgateway/dimse"
	dicomerrors "github.com/caio-sobreiro/dicomgateway/errors"
	"github.com/caio-sobreiro/dicomgateway/pdu"
	"github.com/caio-sobreiro/dicomgateway/types"
)

// scriptedSCP accepts one association and answers it through the given script.
type scriptedSCP struct {
	listener net.Listener
	done     chan error
}

func startSCP(t *testing.T, accept func(rq *pdu.AssociateRQ) []byte, script func(conn net.Conn) error) *scriptedSCP {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	scp := &scriptedSCP{listener: listener, done: make(chan error, 1)}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			scp.done <- err
			return
		}
		defer conn.Close()

		p, err := pdu.ReadPDU(conn)
		if err != nil {
			scp.done <- err
			return
		}
		rq, err := pdu.ParseAssociateRQ(p.Data)
		if err != nil {
			scp.done <- err
			return
		}
		if _, err := conn.Write(accept(rq)); err != nil {
			scp.done <- err
			return
		}
		if script == nil {
			scp.done <- nil
			return
		}
		scp.done <- script(conn)
	}()
	return scp
}

func (s *scriptedSCP) addr() string { return s.listener.Addr().String() }

// acceptOnly accepts the listed transfer syntaxes and rejects everything else.
func acceptOnly(maxPDU uint32, transferSyntaxes ...string) func(rq *pdu.AssociateRQ) []byte {
	return func(rq *pdu.AssociateRQ) []byte {
		ac := &pdu.AssociateAC{CalledAETitle: rq.CalledAETitle, CallingAETitle: rq.CallingAETitle, MaxPDULength: maxPDU}
		for _, pc := range rq.Contexts {
			result := pdu.PresentationContext{ID: pc.ID, Result: pdu.ResultTransferNotSupported}
			for _, ts := range transferSyntaxes {
				if pc.TransferSyntaxes[0] == ts {
					result.Result = pdu.ResultAcceptance
					result.TransferSyntax = ts
				}
			}
			ac.Contexts = append(ac.Contexts, result)
		}
		return ac.Encode()
	}
}

func serveRelease(conn net.Conn) error {
	p, err := pdu.ReadPDU(conn)
	if err != nil {
		return err
	}
	if p.Type != pdu.TypeReleaseRQ {
		return errors.New("expected A-RELEASE-RQ")
	}
	_, err = conn.Write(pdu.EncodeReleaseRP())
	return err
}

func storeConfig() Config {
	return Config{
		CallingAETitle: "GATEWAY",
		CalledAETitle:  "ARCHIVE",
		ConnectTimeout: 5 * time.Second,
		Contexts: []ContextProposal{
			{AbstractSyntax: types.CTImageStorage, TransferSyntaxes: []string{types.ExplicitVRLittleEndian, types.JPEGBaseline8Bit}},
			{AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
		},
	}
}

func TestConnectNegotiatesEachPair(t *testing.T) {
	var proposed []pdu.ProposedContext
	scp := startSCP(t, func(rq *pdu.AssociateRQ) []byte {
		proposed = rq.Contexts
		return acceptOnly(8192, types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian)(rq)
	}, serveRelease)

	assoc, err := Connect(context.Background(), scp.addr(), storeConfig())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if len(proposed) != 3 {
		t.Fatalf("proposed %d contexts, want 3", len(proposed))
	}
	for i, pc := range proposed {
		if pc.ID != byte(2*i+1) || len(pc.TransferSyntaxes) != 1 {
			t.Errorf("context %d = %+v", i, pc)
		}
	}

	if pc, ok := assoc.Lookup(types.CTImageStorage, types.ExplicitVRLittleEndian); !ok || !pc.Accepted {
		t.Error("explicit CT pair must be accepted")
	}
	if pc, ok := assoc.Lookup(types.CTImageStorage, types.JPEGBaseline8Bit); !ok || pc.Accepted {
		t.Error("JPEG CT pair must be proposed and rejected")
	}
	if _, ok := assoc.Lookup(types.MRImageStorage, types.ExplicitVRLittleEndian); ok {
		t.Error("MR was never proposed")
	}
	if assoc.PeerMaxPDULength() != 8192 {
		t.Errorf("peer max PDU = %d", assoc.PeerMaxPDULength())
	}

	if err := assoc.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := assoc.Release(); err != nil {
		t.Fatalf("second Release must be a no-op: %v", err)
	}
	if err := <-scp.done; err != nil {
		t.Fatal(err)
	}
}

func TestConnectRejected(t *testing.T) {
	scp := startSCP(t, func(*pdu.AssociateRQ) []byte {
		return pdu.AssociateRJ{Result: 1, Source: 1, Reason: 7}.Encode()
	}, nil)

	_, err := Connect(context.Background(), scp.addr(), storeConfig())
	var assocErr *dicomerrors.AssociationError
	if !errors.As(err, &assocErr) {
		t.Fatalf("expected AssociationError, got %v", err)
	}
	if assocErr.Reason != 7 || assocErr.Source != dicomerrors.RejectSourceServiceUser {
		t.Errorf("unexpected rejection %+v", assocErr)
	}
}

func TestConnectUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	if _, err := Connect(context.Background(), addr, storeConfig()); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestSendCStoreStreamsDataSet(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 5000)
	received := make(chan []byte, 1)

	scp := startSCP(t, acceptOnly(4096, types.ExplicitVRLittleEndian), func(conn net.Conn) error {
		msg, data, err := dimse.ReceiveDIMSEMessage(conn)
		if err != nil {
			return err
		}
		received <- data
		resp := &types.Message{
			CommandField:              dimse.CStoreRSP,
			MessageIDBeingRespondedTo: msg.MessageID,
			AffectedSOPClassUID:       msg.AffectedSOPClassUID,
			AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
			CommandDataSetType:        types.NoDataSet,
			Status:                    0xB007,
			ErrorComment:              "coerced",
		}
		if err := dimse.SendCommand(conn, 1, 16384, resp); err != nil {
			return err
		}
		return serveRelease(conn)
	})

	assoc, err := Connect(context.Background(), scp.addr(), storeConfig())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	resp, err := assoc.SendCStore(context.Background(), CStoreRequest{
		SOPClassUID:       types.CTImageStorage,
		SOPInstanceUID:    "1.2.3.4",
		TransferSyntaxUID: types.ExplicitVRLittleEndian,
	}, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("SendCStore failed: %v", err)
	}
	if resp.Status != 0xB007 || resp.ErrorComment != "coerced" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.BytesSent != int64(len(payload)) {
		t.Errorf("bytes sent = %d, want %d", resp.BytesSent, len(payload))
	}
	if got := <-received; !bytes.Equal(got, payload) {
		t.Error("SCP received different bytes")
	}

	if err := assoc.Release(); err != nil {
		t.Fatal(err)
	}
	if err := <-scp.done; err != nil {
		t.Fatal(err)
	}
}

func TestSendCStoreWithoutContext(t *testing.T) {
	scp := startSCP(t, acceptOnly(4096, types.ExplicitVRLittleEndian), serveRelease)

	assoc, err := Connect(context.Background(), scp.addr(), storeConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer assoc.Release()

	_, err = assoc.SendCStore(context.Background(), CStoreRequest{
		SOPClassUID:       types.CTImageStorage,
		SOPInstanceUID:    "1.2.3.4",
		TransferSyntaxUID: types.JPEGBaseline8Bit,
	}, strings.NewReader("x"))
	if !errors.Is(err, dicomerrors.ErrNoPresentationCtx) {
		t.Fatalf("expected ErrNoPresentationCtx, got %v", err)
	}
}

func TestSendCStoreCanceled(t *testing.T) {
	scp := startSCP(t, acceptOnly(4096, types.ExplicitVRLittleEndian), func(conn net.Conn) error {
		_, _, err := dimse.ReceiveDIMSEMessage(conn)
		if err != nil {
			return err
		}
		// Never answer.
		_, _ = pdu.ReadPDU(conn)
		return nil
	})

	assoc, err := Connect(context.Background(), scp.addr(), storeConfig())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel(dicomerrors.ErrCanceled)
	}()

	_, err = assoc.SendCStore(ctx, CStoreRequest{
		SOPClassUID:       types.CTImageStorage,
		SOPInstanceUID:    "1.2.3.4",
		TransferSyntaxUID: types.ExplicitVRLittleEndian,
	}, strings.NewReader("data"))
	if !errors.Is(err, dicomerrors.ErrCanceled) {
		t.Fatalf("expected cancellation cause, got %v", err)
	}
	_ = assoc.Abort()
}

func TestSendCEcho(t *testing.T) {
	scp := startSCP(t, acceptOnly(0, types.ImplicitVRLittleEndian), func(conn net.Conn) error {
		msg, _, err := dimse.ReceiveDIMSEMessage(conn)
		if err != nil {
			return err
		}
		resp := &types.Message{
			CommandField:              dimse.CEchoRSP,
			MessageIDBeingRespondedTo: msg.MessageID,
			CommandDataSetType:        types.NoDataSet,
			Status:                    types.StatusSuccess,
		}
		if err := dimse.SendCommand(conn, 5, 0, resp); err != nil {
			return err
		}
		return serveRelease(conn)
	})

	assoc, err := Connect(context.Background(), scp.addr(), storeConfig())
	if err != nil {
		t.Fatal(err)
	}

	resp, err := assoc.SendCEcho(context.Background())
	if err != nil {
		t.Fatalf("SendCEcho failed: %v", err)
	}
	if resp.Status != types.StatusSuccess || resp.MessageID != 1 {
		t.Errorf("unexpected response %+v", resp)
	}
	if err := assoc.Release(); err != nil {
		t.Fatal(err)
	}
}
