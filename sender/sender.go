// Package sender delivers instances to one destination.
//
// A Sender owns whatever transport its destination needs (one DICOM
// association for a peer, an HTTP client for the cloud store) and is used by
// exactly one dispatch session. Calls on one Sender are processed in order.
package sender

//go:generate mockgen -destination=../mocks/mock_sender.go -package=mocks github.com/caio-sobreiro/dicomgateway/sender Sender,Factory

import (
	"context"
	"io"

	"github.com/caio-sobreiro/dicomgateway/cloud"
	"github.com/caio-sobreiro/dicomgateway/directory"
	dicomerrors "github.com/caio-sobreiro/dicomgateway/errors"
)

// InstanceInfo describes the stream handed to Store. Empty fields are read
// from the Part 10 header when the stream carries one.
type InstanceInfo struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
}

// StoreResult is the outcome of a successful Store. Status is the peer's
// success or warning status.
type StoreResult struct {
	BytesSent int64
	Status    uint16
}

// Sender delivers instances to a destination.
type Sender interface {
	// Store sends one instance. It fails with *errors.ConnectionError,
	// *errors.RemoteStoreRejectedError or *errors.TransmissionError. A Store
	// after Close is a *errors.TransmissionError wrapping
	// errors.ErrSenderClosed.
	Store(ctx context.Context, dest directory.Destination, info InstanceInfo, r io.Reader) (StoreResult, error)
	// RetrieveEmulatedMove pulls the instances matching query from the cloud
	// and stores them to dest, returning how many were stored. It fails
	// with *errors.RetrieveError.
	RetrieveEmulatedMove(ctx context.Context, dest directory.Destination, query cloud.MoveQuery) (int, error)
	// Close releases everything the sender holds. It is idempotent.
	Close() error
}

// Factory creates one Sender per destination and session.
type Factory interface {
	Create(entry directory.Entry) (Sender, error)
}

type storeFunc func(ctx context.Context, info InstanceInfo, r io.Reader) error

// emulateMove runs query against source and stores every match. The
// destination transport is left to store.
func emulateMove(ctx context.Context, source cloud.Source, query cloud.MoveQuery, store storeFunc) (int, error) {
	retrieveErr := func(err error) error {
		return &dicomerrors.RetrieveError{Query: query.String(), Err: err}
	}
	if source == nil {
		return 0, retrieveErr(dicomerrors.ErrNoCloudSource)
	}

	count := 0
	for ref, err := range source.Query(ctx, query) {
		if err != nil {
			return count, retrieveErr(err)
		}

		rc, err := source.Retrieve(ctx, ref)
		if err != nil {
			return count, retrieveErr(err)
		}
		err = store(ctx, InstanceInfo{
			SOPClassUID:       ref.SOPClassUID,
			SOPInstanceUID:    ref.SOPInstanceUID,
			TransferSyntaxUID: ref.TransferSyntaxUID,
		}, rc)
		_ = rc.Close()
		if err != nil {
			return count, retrieveErr(err)
		}
		count++
	}
	return count, nil
}
