package sender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgateway/cloud"
	"github.com/caio-sobreiro/dicomgateway/dicom"
	"github.com/caio-sobreiro/dicomgateway/directory"
	dicomerrors "github.com/caio-sobreiro/dicomgateway/errors"
	"github.com/caio-sobreiro/dicomgateway/types"
)

// CloudSender delivers to the cloud DICOM store over STOW-RS.
type CloudSender struct {
	store  cloud.Store
	source cloud.Source
	log    *zap.Logger

	queue  fifo
	closed bool
}

// NewCloudSender creates a sender uploading to store. source serves emulated
// moves and may be nil.
func NewCloudSender(store cloud.Store, source cloud.Source, log *zap.Logger) *CloudSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &CloudSender{store: store, source: source, log: log}
}

// Store uploads the instance as a Part 10 object. A bare data set gets file
// meta built from info.
func (c *CloudSender) Store(ctx context.Context, dest directory.Destination, info InstanceInfo, r io.Reader) (StoreResult, error) {
	if err := c.queue.acquire(ctx); err != nil {
		return StoreResult{}, &dicomerrors.TransmissionError{Op: "waiting for sender", Err: err}
	}
	defer c.queue.release()

	if c.closed {
		return StoreResult{}, &dicomerrors.TransmissionError{Op: "store", Err: dicomerrors.ErrSenderClosed}
	}

	meta, body, err := dicom.SplitPart10(r)
	if err != nil {
		return StoreResult{}, &dicomerrors.TransmissionError{Op: "reading file meta", Err: err}
	}
	if meta == nil {
		meta = &dicom.FileMeta{
			SOPClassUID:       info.SOPClassUID,
			SOPInstanceUID:    info.SOPInstanceUID,
			TransferSyntaxUID: info.TransferSyntaxUID,
		}
	}
	if meta.SOPClassUID == "" || meta.SOPInstanceUID == "" || meta.TransferSyntaxUID == "" {
		return StoreResult{}, &dicomerrors.TransmissionError{
			Op:  "inspecting instance",
			Err: errors.New("SOP class, SOP instance and transfer syntax must be known"),
		}
	}

	header := dicom.EncodeFileMeta(*meta)
	src := &sourceReader{r: body}
	n, err := c.store.Store(ctx, io.MultiReader(bytes.NewReader(header), src))
	sent := max(n-int64(len(header)), 0)
	if err != nil {
		return StoreResult{BytesSent: sent}, c.mapError(dest, src.err, err)
	}

	c.log.Debug("Instance uploaded",
		zap.String("destination", dest.Name),
		zap.String("instance", meta.SOPInstanceUID),
		zap.Int64("bytes", sent))
	return StoreResult{BytesSent: sent, Status: types.StatusSuccess}, nil
}

func (c *CloudSender) mapError(dest directory.Destination, readErr, err error) error {
	if readErr != nil {
		return &dicomerrors.TransmissionError{Op: "reading instance", Err: readErr}
	}

	var statusErr *cloud.StatusError
	if !errors.As(err, &statusErr) {
		return &dicomerrors.ConnectionError{Destination: dest.Name, Err: err}
	}
	if statusErr.StatusCode >= http.StatusInternalServerError {
		return &dicomerrors.TransmissionError{Op: "STOW-RS", Err: err}
	}
	return &dicomerrors.RemoteStoreRejectedError{
		Status:  types.StatusFailure,
		Comment: fmt.Sprintf("HTTP %d: %s", statusErr.StatusCode, statusErr.Message),
	}
}

// RetrieveEmulatedMove copies every instance matching query into the cloud store.
func (c *CloudSender) RetrieveEmulatedMove(ctx context.Context, dest directory.Destination, query cloud.MoveQuery) (int, error) {
	return emulateMove(ctx, c.source, query, func(ctx context.Context, info InstanceInfo, r io.Reader) error {
		_, err := c.Store(ctx, dest, info, r)
		return err
	})
}

// Close marks the sender closed. The HTTP client holds no per-session state.
func (c *CloudSender) Close() error {
	_ = c.queue.acquire(context.Background())
	defer c.queue.release()

	c.closed = true
	return nil
}

// sourceReader remembers the first error of the instance stream so it can be
// told apart from upload failures.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && s.err == nil {
		s.err = err
	}
	return n, err
}
