// Package scptest runs an in-process C-STORE SCP for tests.
package scptest

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/outofforest/qa"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgateway/directory"
	"github.com/caio-sobreiro/dicomgateway/server"
	"github.com/caio-sobreiro/dicomgateway/types"
)

// Received is one stored instance.
type Received struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	Data              []byte
}

// Option configures an SCP.
type Option func(*SCP)

// WithStatus sets the status returned for each C-STORE.
func WithStatus(status func(Received) uint16) Option {
	return func(s *SCP) {
		s.status = status
	}
}

// WithDelay delays every C-STORE response.
func WithDelay(d time.Duration) Option {
	return func(s *SCP) {
		s.delay = d
	}
}

// SCP records what it receives.
type SCP struct {
	aeTitle string
	addr    *net.TCPAddr
	status  func(Received) uint16
	delay   time.Duration

	associations atomic.Int32

	mu       sync.Mutex
	received []Received
	arrived  chan struct{}
}

// Start serves until the test ends.
func Start(t *testing.T, aeTitle string, opts ...Option) *SCP {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := &SCP{
		aeTitle: aeTitle,
		addr:    listener.Addr().(*net.TCPAddr),
		status:  func(Received) uint16 { return types.StatusSuccess },
		arrived: make(chan struct{}, 1024),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithCancel(qa.NewContext(t))
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv := server.New(aeTitle, s, server.WithLogger(zap.NewNop()))
		_ = srv.Serve(ctx, &countingListener{Listener: listener, count: &s.associations})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

// Destination returns the directory entry addressing the SCP.
func (s *SCP) Destination() directory.Destination {
	return directory.Destination{Name: s.aeTitle, Host: s.addr.IP.String(), Port: s.addr.Port}
}

// Associations is the number of associations accepted so far.
func (s *SCP) Associations() int {
	return int(s.associations.Load())
}

// Received returns the instances stored so far, in arrival order.
func (s *SCP) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

// Arrived signals once per stored instance.
func (s *SCP) Arrived() <-chan struct{} {
	return s.arrived
}

// HandleDIMSE implements interfaces.ServiceHandler.
func (s *SCP) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	resp := &types.Message{
		CommandField:              types.ResponseCommandFor(msg.CommandField),
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
		CommandDataSetType:        types.NoDataSet,
		Status:                    types.StatusSuccess,
	}

	switch msg.CommandField {
	case types.CEchoRQ:
		return resp, nil, nil
	case types.CStoreRQ:
	default:
		return nil, nil, errors.Errorf("unsupported command 0x%04x", msg.CommandField)
	}

	r := Received{
		SOPClassUID:       msg.AffectedSOPClassUID,
		SOPInstanceUID:    msg.AffectedSOPInstanceUID,
		TransferSyntaxUID: msg.TransferSyntaxUID,
		Data:              append([]byte(nil), data...),
	}
	s.mu.Lock()
	s.received = append(s.received, r)
	s.mu.Unlock()
	s.arrived <- struct{}{}

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, nil, context.Cause(ctx)
		}
	}

	resp.Status = s.status(r)
	return resp, nil, nil
}

type countingListener struct {
	net.Listener
	count *atomic.Int32
}

func (l *countingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		l.count.Add(1)
	}
	return conn, err
}
