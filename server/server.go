// Package server exposes a DICOM listener wiring the DIMSE and PDU layers.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgateway/dimse"
	"github.com/caio-sobreiro/dicomgateway/interfaces"
	"github.com/caio-sobreiro/dicomgateway/pdu"
)

// Option configures a Server instance.
type Option func(*Server)

// WithLogger overrides the logger used by the server. By default the logger
// carried by the Serve context is used.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		s.Logger = log
	}
}

// WithReadTimeout sets how long an idle association may stay silent.
func WithReadTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.ReadTimeout = timeout
	}
}

// WithWriteTimeout sets the write timeout for client connections.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.WriteTimeout = timeout
	}
}

// WithMaxPDULength sets the maximum PDU length announced to requestors.
func WithMaxPDULength(length uint32) Option {
	return func(s *Server) {
		s.MaxPDULength = length
	}
}

// Server exposes a reusable DICOM listener that wires the DIMSE and PDU layers.
type Server struct {
	AETitle      string
	Handler      interfaces.ServiceHandler
	Logger       *zap.Logger
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxPDULength uint32
}

// New builds a Server with the provided AE title and handler.
func New(aeTitle string, handler interfaces.ServiceHandler, opts ...Option) *Server {
	srv := &Server{AETitle: aeTitle, Handler: handler, MaxPDULength: pdu.DefaultMaxPDULength}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// ListenAndServe listens on the given address and serves until the context is done or an error occurs.
func ListenAndServe(ctx context.Context, address, aeTitle string, handler interfaces.ServiceHandler, opts ...Option) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.WithStack(err)
	}
	defer listener.Close()

	return New(aeTitle, handler, opts...).Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is cancelled or an unrecoverable error occurs.
// Open associations are torn down and waited for before Serve returns.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if listener == nil {
		return errors.New("dicomserver: listener is required")
	}
	if s.Handler == nil {
		return errors.New("dicomserver: handler is required")
	}
	if s.AETitle == "" {
		return errors.New("dicomserver: AE title is required")
	}

	log := s.Logger
	if log == nil {
		log = logger.Get(ctx)
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	log.Info("DICOM server listening",
		zap.String("address", listener.Addr().String()),
		zap.String("ae_title", s.AETitle))

	var (
		wg       sync.WaitGroup
		serveErr error
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Warn("Accept timeout", zap.Error(err))
				continue
			}
			serveErr = errors.WithStack(err)
			break
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			s.handleConnection(ctx, c, log)
		}(conn)
	}

	cancel()
	wg.Wait()

	if serveErr != nil {
		return serveErr
	}
	return errors.WithStack(parent.Err())
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, log *zap.Logger) {
	log = log.With(zap.Stringer("remote_addr", conn.RemoteAddr()))
	ctx = logger.WithLogger(ctx, log)

	adapter := &dimseHandlerAdapter{service: dimse.NewService(s.Handler, log)}
	layer := pdu.NewLayer(conn, adapter, s.AETitle, log)
	layer.ReadTimeout = s.ReadTimeout
	layer.WriteTimeout = s.WriteTimeout
	if s.MaxPDULength > 0 {
		layer.MaxPDULength = s.MaxPDULength
	}

	if err := layer.HandleConnection(ctx); err != nil && ctx.Err() == nil {
		log.Warn("DIMSE connection ended", zap.Error(err))
		return
	}
	log.Debug("DIMSE connection closed")
}

type dimseHandlerAdapter struct {
	service *dimse.Service
}

func (a *dimseHandlerAdapter) HandleDIMSEMessage(ctx context.Context, presContextID byte, msgCtrlHeader byte, data []byte, layer *pdu.Layer) error {
	return a.service.HandleDIMSEMessage(ctx, presContextID, msgCtrlHeader, data, layer)
}

func (a *dimseHandlerAdapter) Busy() bool {
	return a.service.Busy()
}

func (a *dimseHandlerAdapter) Wait() {
	a.service.Wait()
}
