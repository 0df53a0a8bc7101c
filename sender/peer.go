package sender

import (
	"context"
	"io"

	"github.com/caio-sobreiro/dicomgateway/cloud"
	"github.com/caio-sobreiro/dicomgateway/directory"
)

// PeerSender delivers to a DICOM peer over C-STORE.
type PeerSender struct {
	*StoreSession
	source cloud.Source
}

// NewPeerSender wraps session. source serves emulated moves and may be nil.
func NewPeerSender(session *StoreSession, source cloud.Source) *PeerSender {
	return &PeerSender{StoreSession: session, source: source}
}

// RetrieveEmulatedMove stores every instance matching query to dest over the
// sender's association.
func (p *PeerSender) RetrieveEmulatedMove(ctx context.Context, dest directory.Destination, query cloud.MoveQuery) (int, error) {
	return emulateMove(ctx, p.source, query, func(ctx context.Context, info InstanceInfo, r io.Reader) error {
		_, err := p.Store(ctx, dest, info, r)
		return err
	})
}
