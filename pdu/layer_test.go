package pdu

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caio-sobreiro/dicomgateway/types"
)

// MockDIMSEHandler is a mock implementation of DIMSEHandler for testing
type MockDIMSEHandler struct {
	HandleDIMSEMessageFunc func(ctx context.Context, presContextID byte, msgCtrlHeader byte, data []byte, pduLayer *Layer) error
	busy                   atomic.Bool
	wg                     sync.WaitGroup
}

func (m *MockDIMSEHandler) HandleDIMSEMessage(ctx context.Context, presContextID byte, msgCtrlHeader byte, data []byte, pduLayer *Layer) error {
	if m.HandleDIMSEMessageFunc != nil {
		return m.HandleDIMSEMessageFunc(ctx, presContextID, msgCtrlHeader, data, pduLayer)
	}
	return nil
}

func (m *MockDIMSEHandler) Busy() bool { return m.busy.Load() }

func (m *MockDIMSEHandler) Wait() { m.wg.Wait() }

func TestPDUTypeConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant byte
		expected byte
	}{
		{"Associate-RQ", TypeAssociateRQ, 0x01},
		{"Associate-AC", TypeAssociateAC, 0x02},
		{"Associate-RJ", TypeAssociateRJ, 0x03},
		{"P-DATA-TF", TypePDataTF, 0x04},
		{"Release-RQ", TypeReleaseRQ, 0x05},
		{"Release-RP", TypeReleaseRP, 0x06},
		{"Abort", TypeAbort, 0x07},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.constant != tt.expected {
				t.Errorf("%s = 0x%02x, want 0x%02x", tt.name, tt.constant, tt.expected)
			}
		})
	}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name     string
		proposed ProposedContext
		result   byte
		ts       string
	}{
		{
			name:     "verification",
			proposed: ProposedContext{ID: 1, AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
			result:   ResultAcceptance,
			ts:       types.ImplicitVRLittleEndian,
		},
		{
			name:     "move picks first supported",
			proposed: ProposedContext{ID: 3, AbstractSyntax: types.StudyRootQueryRetrieveInformationModelMove, TransferSyntaxes: []string{types.JPEGBaseline8Bit, types.ExplicitVRLittleEndian}},
			result:   ResultAcceptance,
			ts:       types.ExplicitVRLittleEndian,
		},
		{
			name:     "storage accepts compressed",
			proposed: ProposedContext{ID: 5, AbstractSyntax: types.CTImageStorage, TransferSyntaxes: []string{types.JPEG2000Lossless}},
			result:   ResultAcceptance,
			ts:       types.JPEG2000Lossless,
		},
		{
			name:     "unsupported transfer syntax",
			proposed: ProposedContext{ID: 7, AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{"1.2.840.10008.1.2.5"}},
			result:   ResultTransferNotSupported,
		},
		{
			name:     "unsupported abstract syntax",
			proposed: ProposedContext{ID: 9, AbstractSyntax: "1.2.840.10008.5.1.4.1.2.2.1", TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
			result:   ResultAbstractNotSupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := negotiate(tt.proposed)
			if got.ID != tt.proposed.ID || got.Result != tt.result || got.TransferSyntax != tt.ts {
				t.Errorf("negotiate = %+v, want result %d ts %q", got, tt.result, tt.ts)
			}
		})
	}
}

func TestAssociateRQRoundTrip(t *testing.T) {
	rq := &AssociateRQ{
		CalledAETitle:  "GATEWAY",
		CallingAETitle: "MODALITY",
		MaxPDULength:   32768,
		Contexts: []ProposedContext{
			{ID: 1, AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
			{ID: 3, AbstractSyntax: types.MRImageStorage, TransferSyntaxes: []string{types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian}},
		},
	}

	encoded := rq.Encode()
	if encoded[0] != TypeAssociateRQ {
		t.Fatalf("type = 0x%02x", encoded[0])
	}
	got, err := ParseAssociateRQ(encoded[6:])
	if err != nil {
		t.Fatalf("ParseAssociateRQ failed: %v", err)
	}

	if got.CalledAETitle != "GATEWAY" || got.CallingAETitle != "MODALITY" || got.MaxPDULength != 32768 {
		t.Errorf("unexpected header %+v", got)
	}
	if len(got.Contexts) != 2 || got.Contexts[1].AbstractSyntax != types.MRImageStorage || len(got.Contexts[1].TransferSyntaxes) != 2 {
		t.Errorf("unexpected contexts %+v", got.Contexts)
	}
}

func TestAssociateACRoundTrip(t *testing.T) {
	ac := &AssociateAC{
		CalledAETitle:  "DEST",
		CallingAETitle: "GATEWAY",
		MaxPDULength:   4096,
		Contexts: []PresentationContext{
			{ID: 1, Result: ResultAcceptance, TransferSyntax: types.ExplicitVRLittleEndian},
			{ID: 3, Result: ResultAbstractNotSupported},
		},
	}

	got, err := ParseAssociateAC(ac.Encode()[6:])
	if err != nil {
		t.Fatalf("ParseAssociateAC failed: %v", err)
	}
	if got.MaxPDULength != 4096 || len(got.Contexts) != 2 {
		t.Fatalf("unexpected accept %+v", got)
	}
	if got.Contexts[0].TransferSyntax != types.ExplicitVRLittleEndian || got.Contexts[1].Result != ResultAbstractNotSupported {
		t.Errorf("unexpected contexts %+v", got.Contexts)
	}
}

func TestParseAssociateRQRejectsBrokenItems(t *testing.T) {
	encoded := (&AssociateRQ{CalledAETitle: "A", CallingAETitle: "B"}).Encode()
	body := encoded[6 : len(encoded)-3]
	if _, err := ParseAssociateRQ(body); err == nil {
		t.Fatal("expected error for truncated item")
	}
}

type testPeer struct {
	conn net.Conn
	t    *testing.T
}

func (p testPeer) read() *PDU {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	pdu, err := ReadPDU(p.conn)
	if err != nil {
		p.t.Fatalf("reading PDU: %v", err)
	}
	return pdu
}

func (p testPeer) write(data []byte) {
	p.t.Helper()
	if _, err := p.conn.Write(data); err != nil {
		p.t.Fatalf("writing PDU: %v", err)
	}
}

func startLayer(t *testing.T, handler DIMSEHandler) (testPeer, <-chan error) {
	t.Helper()
	client, server := net.Pipe()
	layer := NewLayer(server, handler, "GATEWAY", nil)

	done := make(chan error, 1)
	go func() {
		done <- layer.HandleConnection(context.Background())
	}()
	t.Cleanup(func() { _ = client.Close() })
	return testPeer{conn: client, t: t}, done
}

func associate(peer testPeer) *AssociateAC {
	peer.t.Helper()
	peer.write((&AssociateRQ{
		CalledAETitle:  "GATEWAY",
		CallingAETitle: "SCU",
		MaxPDULength:   16384,
		Contexts: []ProposedContext{
			{ID: 1, AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
		},
	}).Encode())

	pdu := peer.read()
	if pdu.Type != TypeAssociateAC {
		peer.t.Fatalf("expected A-ASSOCIATE-AC, got 0x%02x", pdu.Type)
	}
	ac, err := ParseAssociateAC(pdu.Data)
	if err != nil {
		peer.t.Fatal(err)
	}
	return ac
}

func TestLayerReleaseCancelsRunningOperation(t *testing.T) {
	handler := &MockDIMSEHandler{}
	started := make(chan struct{})
	var cause error
	handler.HandleDIMSEMessageFunc = func(ctx context.Context, presContextID byte, _ byte, data []byte, _ *Layer) error {
		handler.busy.Store(true)
		handler.wg.Add(1)
		go func() {
			defer handler.wg.Done()
			defer handler.busy.Store(false)
			close(started)
			<-ctx.Done()
			cause = context.Cause(ctx)
		}()
		return nil
	}

	peer, done := startLayer(t, handler)
	ac := associate(peer)
	if ac.CallingAETitle != "SCU" || ac.Contexts[0].Result != ResultAcceptance {
		t.Fatalf("unexpected accept %+v", ac)
	}

	peer.write([]byte{TypePDataTF, 0, 0, 0, 0, 8, 0, 0, 0, 4, 1, ControlCommand | ControlLast, 0xAA, 0xBB})
	<-started

	peer.write(EncodeReleaseRQ())
	if pdu := peer.read(); pdu.Type != TypeReleaseRP {
		t.Fatalf("expected A-RELEASE-RP, got 0x%02x", pdu.Type)
	}
	if err := <-done; err != nil {
		t.Fatalf("HandleConnection returned %v", err)
	}
	if cause == nil {
		t.Fatal("running operation was not canceled")
	}
}

func TestLayerRejectsWhenNothingAccepted(t *testing.T) {
	peer, done := startLayer(t, &MockDIMSEHandler{})
	peer.write((&AssociateRQ{
		CalledAETitle:  "GATEWAY",
		CallingAETitle: "SCU",
		Contexts: []ProposedContext{
			{ID: 1, AbstractSyntax: "1.2.3.4", TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
		},
	}).Encode())

	pdu := peer.read()
	if pdu.Type != TypeAssociateRJ {
		t.Fatalf("expected A-ASSOCIATE-RJ, got 0x%02x", pdu.Type)
	}
	if err := <-done; err == nil {
		t.Fatal("expected association error")
	}
}

func TestLayerFragmentsResponsesToPeerLimit(t *testing.T) {
	var layer *Layer
	handler := &MockDIMSEHandler{}
	sent := make(chan error, 1)
	handler.HandleDIMSEMessageFunc = func(_ context.Context, presContextID byte, _ byte, _ []byte, l *Layer) error {
		layer = l
		go func() {
			sent <- layer.SendDIMSEResponseWithDataset(presContextID, make([]byte, 20), make([]byte, 40))
		}()
		return nil
	}

	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	peer := testPeer{conn: client, t: t}
	go func() {
		_ = NewLayer(server, handler, "GATEWAY", nil).HandleConnection(context.Background())
	}()

	peer.write((&AssociateRQ{
		CalledAETitle:  "GATEWAY",
		CallingAETitle: "SCU",
		MaxPDULength:   22,
		Contexts: []ProposedContext{
			{ID: 1, AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
		},
	}).Encode())
	if pdu := peer.read(); pdu.Type != TypeAssociateAC {
		t.Fatalf("expected A-ASSOCIATE-AC, got 0x%02x", pdu.Type)
	}

	peer.write([]byte{TypePDataTF, 0, 0, 0, 0, 6, 0, 0, 0, 2, 1, ControlCommand | ControlLast})

	var commandBytes, dataBytes int
	for commandBytes < 20 || dataBytes < 40 {
		pdu := peer.read()
		if pdu.Length > 22 {
			t.Fatalf("PDU of %d bytes exceeds negotiated 22", pdu.Length)
		}
		pdvs, err := ParsePDataTF(pdu.Data)
		if err != nil {
			t.Fatal(err)
		}
		for _, v := range pdvs {
			if v.Control&ControlCommand != 0 {
				commandBytes += len(v.Value)
			} else {
				dataBytes += len(v.Value)
			}
		}
	}
	if err := <-sent; err != nil {
		t.Fatal(err)
	}
}
