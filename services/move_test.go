package services

import (
	"bytes"
	"context"
	"io"
	"iter"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/outofforest/qa"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomgateway/cloud"
	"github.com/caio-sobreiro/dicomgateway/dicom"
	"github.com/caio-sobreiro/dicomgateway/directory"
	"github.com/caio-sobreiro/dicomgateway/dispatch"
	dicomerrors "github.com/caio-sobreiro/dicomgateway/errors"
	"github.com/caio-sobreiro/dicomgateway/scptest"
	"github.com/caio-sobreiro/dicomgateway/sender"
	"github.com/caio-sobreiro/dicomgateway/types"
)

type memorySource struct {
	mu        sync.Mutex
	refs      []cloud.InstanceRef
	data      map[string][]byte
	queryErr  error
	queries   []cloud.MoveQuery
	retrieved int
}

func newMemorySource(ids ...string) *memorySource {
	src := &memorySource{data: map[string][]byte{}}
	for _, id := range ids {
		src.refs = append(src.refs, cloud.InstanceRef{
			StudyInstanceUID:  "1.2.3",
			SeriesInstanceUID: "1.2.3.1",
			SOPInstanceUID:    id,
			SOPClassUID:       types.CTImageStorage,
			TransferSyntaxUID: types.ExplicitVRLittleEndian,
		})
		src.data[id] = []byte("dataset-" + id)
	}
	return src
}

func (s *memorySource) Query(_ context.Context, q cloud.MoveQuery) iter.Seq2[cloud.InstanceRef, error] {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()

	return func(yield func(cloud.InstanceRef, error) bool) {
		if s.queryErr != nil {
			yield(cloud.InstanceRef{}, s.queryErr)
			return
		}
		for _, ref := range s.refs {
			if !yield(ref, nil) {
				return
			}
		}
	}
}

func (s *memorySource) Retrieve(_ context.Context, ref cloud.InstanceRef) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retrieved++
	return io.NopCloser(bytes.NewReader(s.data[ref.SOPInstanceUID])), nil
}

type dispatchFunc func(ctx context.Context, req dispatch.Request, progress dispatch.ProgressFunc) (dispatch.Result, error)

func (f dispatchFunc) Dispatch(ctx context.Context, req dispatch.Request, progress dispatch.ProgressFunc) (dispatch.Result, error) {
	return f(ctx, req, progress)
}

func identifier(level, study, series string) []byte {
	ds := dicom.NewDataset()
	ds.Set(dicom.TagQueryRetrieveLevel, level)
	ds.Set(dicom.TagStudyInstanceUID, study)
	if series != "" {
		ds.Set(dicom.TagSeriesInstanceUID, series)
	}
	return ds.EncodeImplicit()
}

func cMoveRQ(dest string) *types.Message {
	return &types.Message{
		CommandField:        types.CMoveRQ,
		MessageID:           11,
		AffectedSOPClassUID: types.StudyRootQueryRetrieveInformationModelMove,
		MoveDestination:     dest,
		TransferSyntaxUID:   types.ImplicitVRLittleEndian,
	}
}

func unreachable(t *testing.T, name string) directory.Entry {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return directory.Entry{Destination: directory.Destination{Name: name, Host: "127.0.0.1", Port: port}}
}

func newDispatcher(t *testing.T, entries ...directory.Entry) *dispatch.Dispatcher {
	t.Helper()
	dir, err := directory.New(entries)
	require.NoError(t, err)
	return dispatch.New(dir, &sender.DefaultFactory{Session: sender.SessionConfig{
		CallingAETitle:  "GATEWAY",
		ConnectTimeout:  2 * time.Second,
		ResponseTimeout: 5 * time.Second,
	}}, dispatch.Config{Retry: dispatch.DefaultRetryPolicy()})
}

func lastResponse(t *testing.T, r *mockResponder) *types.Message {
	t.Helper()
	require.NotEmpty(t, r.responses)
	return r.responses[len(r.responses)-1]
}

func ops(msg *types.Message) types.SubOperations {
	value := func(v *uint16) int {
		if v == nil {
			return -1
		}
		return int(*v)
	}
	return types.SubOperations{
		Remaining: value(msg.NumberOfRemainingSuboperations),
		Completed: value(msg.NumberOfCompletedSuboperations),
		Failed:    value(msg.NumberOfFailedSuboperations),
		Warning:   value(msg.NumberOfWarningSuboperations),
	}
}

func TestMoveServiceFansOutThroughRoute(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	scp1 := scptest.Start(t, "D1")
	scp2 := scptest.Start(t, "D2")
	src := newMemorySource("I1", "I2", "I3")
	service := NewMoveService(
		newDispatcher(t, directory.Entry{Destination: scp1.Destination()}, directory.Entry{Destination: scp2.Destination()}),
		src,
		Routes{"ARCHIVES": {"D1", "D2"}},
	)

	responder := &mockResponder{}
	requireT.NoError(service.HandleDIMSEStreaming(ctx, cMoveRQ("ARCHIVES"), identifier("STUDY", "1.2.3", ""), responder))

	requireT.Len(responder.responses, 6)
	for i, rsp := range responder.responses[:5] {
		requireT.Equal(uint16(types.StatusPending), rsp.Status)
		requireT.Equal(5-i, ops(rsp).Remaining)
		requireT.Equal(uint16(11), rsp.MessageIDBeingRespondedTo)
	}
	final := lastResponse(t, responder)
	requireT.Equal(uint16(types.StatusSuccess), final.Status)
	requireT.Equal(types.SubOperations{Completed: 6}, ops(final))

	requireT.Len(scp1.Received(), 3)
	requireT.Len(scp2.Received(), 3)
	requireT.Equal([]byte("dataset-I2"), scp1.Received()[1].Data)
	requireT.Equal(6, src.retrieved)
	requireT.Equal([]cloud.MoveQuery{{Level: cloud.LevelStudy, StudyInstanceUID: "1.2.3"}}, src.queries)
}

func TestMoveServiceDefaultsRouteToMoveDestination(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	scp := scptest.Start(t, "VIEWER")
	service := NewMoveService(newDispatcher(t, directory.Entry{Destination: scp.Destination()}), newMemorySource("I1"), nil)

	responder := &mockResponder{}
	requireT.NoError(service.HandleDIMSEStreaming(ctx, cMoveRQ("VIEWER"), identifier("SERIES", "1.2.3", "1.2.3.1"), responder))

	requireT.Equal(uint16(types.StatusSuccess), lastResponse(t, responder).Status)
	requireT.Len(scp.Received(), 1)
}

func TestMoveServicePartialFailureIsWarning(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	scp := scptest.Start(t, "D1")
	service := NewMoveService(
		newDispatcher(t, directory.Entry{Destination: scp.Destination()}, unreachable(t, "D2")),
		newMemorySource("I1", "I2", "I3"),
		Routes{"BOTH": {"D1", "D2"}},
	)

	responder := &mockResponder{}
	requireT.NoError(service.HandleDIMSEStreaming(ctx, cMoveRQ("BOTH"), identifier("STUDY", "1.2.3", ""), responder))

	final := lastResponse(t, responder)
	requireT.Equal(uint16(types.StatusSubOperationsCompleteWithFailures), final.Status)
	requireT.Equal(types.SubOperations{Completed: 3, Failed: 3}, ops(final))
}

func TestMoveServiceRefusals(t *testing.T) {
	scp := scptest.Start(t, "D1")

	tests := []struct {
		name       string
		dest       string
		identifier []byte
		queryErr   error
		status     uint16
	}{
		{
			name:       "unknown destination",
			dest:       "NOWHERE",
			identifier: identifier("STUDY", "1.2.3", ""),
			status:     types.StatusMoveDestinationUnknown,
		},
		{
			name:       "unsupported level",
			dest:       "D1",
			identifier: identifier("FRAME", "1.2.3", ""),
			status:     types.StatusFailure,
		},
		{
			name:       "series level without series UID",
			dest:       "D1",
			identifier: identifier("SERIES", "1.2.3", ""),
			status:     types.StatusFailure,
		},
		{
			name:       "malformed identifier",
			dest:       "D1",
			identifier: []byte{0x08, 0x00, 0x52},
			status:     types.StatusFailure,
		},
		{
			name:       "query failure",
			dest:       "D1",
			identifier: identifier("STUDY", "1.2.3", ""),
			queryErr:   &cloud.StatusError{StatusCode: 503},
			status:     types.StatusSubOperationsOutOfResources,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireT := require.New(t)

			src := newMemorySource("I1")
			src.queryErr = tt.queryErr
			service := NewMoveService(newDispatcher(t, directory.Entry{Destination: scp.Destination()}), src, nil)

			responder := &mockResponder{}
			requireT.NoError(service.HandleDIMSEStreaming(qa.NewContext(t), cMoveRQ(tt.dest), tt.identifier, responder))

			requireT.Len(responder.responses, 1)
			requireT.Equal(tt.status, responder.responses[0].Status)
			requireT.Nil(responder.responses[0].NumberOfCompletedSuboperations)
		})
	}
	require.Empty(t, scp.Received())
}

func TestMoveServiceNoSource(t *testing.T) {
	requireT := require.New(t)

	service := NewMoveService(dispatchFunc(func(context.Context, dispatch.Request, dispatch.ProgressFunc) (dispatch.Result, error) {
		t.Fatal("dispatch must not run without a source")
		return dispatch.Result{}, nil
	}), nil, nil)

	responder := &mockResponder{}
	requireT.NoError(service.HandleDIMSEStreaming(qa.NewContext(t), cMoveRQ("D1"), identifier("STUDY", "1.2.3", ""), responder))
	requireT.Equal(uint16(types.StatusSubOperationsOutOfResources), lastResponse(t, responder).Status)
}

func TestMoveServiceCancelByPeer(t *testing.T) {
	requireT := require.New(t)
	ctx, cancel := context.WithCancelCause(qa.NewContext(t))
	defer cancel(nil)

	service := NewMoveService(dispatchFunc(func(_ context.Context, req dispatch.Request, progress dispatch.ProgressFunc) (dispatch.Result, error) {
		requireT.Len(req.Instances, 3)
		requireT.NoError(progress(types.SubOperations{Remaining: 2, Completed: 1}))
		cancel(dicomerrors.ErrCanceledByPeer)
		return dispatch.Result{
			Status:   dispatch.StatusSuccess,
			Totals:   types.SubOperations{Remaining: 2, Completed: 1},
			Canceled: true,
		}, nil
	}), newMemorySource("I1", "I2", "I3"), nil)

	responder := &mockResponder{}
	requireT.NoError(service.HandleDIMSEStreaming(ctx, cMoveRQ("D1"), identifier("STUDY", "1.2.3", ""), responder))

	requireT.Len(responder.responses, 2)
	final := lastResponse(t, responder)
	requireT.Equal(uint16(types.StatusCancel), final.Status)
	requireT.Equal(types.SubOperations{Remaining: 2, Completed: 1}, ops(final))
}

func TestMoveServiceAssociationTeardownIsSilent(t *testing.T) {
	requireT := require.New(t)
	ctx, cancel := context.WithCancelCause(qa.NewContext(t))
	defer cancel(nil)

	service := NewMoveService(dispatchFunc(func(context.Context, dispatch.Request, dispatch.ProgressFunc) (dispatch.Result, error) {
		cancel(dicomerrors.ErrCanceled)
		return dispatch.Result{Totals: types.SubOperations{Remaining: 3}, Canceled: true}, nil
	}), newMemorySource("I1", "I2", "I3"), nil)

	responder := &mockResponder{}
	requireT.NoError(service.HandleDIMSEStreaming(ctx, cMoveRQ("D1"), identifier("STUDY", "1.2.3", ""), responder))
	requireT.Empty(responder.responses)
}

func TestMoveServiceStopsPendingWhenResponderFails(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	scp := scptest.Start(t, "D1")
	service := NewMoveService(newDispatcher(t, directory.Entry{Destination: scp.Destination()}), newMemorySource("I1", "I2", "I3"), nil)

	sendErr := errors.New("association gone")
	var pending int
	responder := &mockResponder{sendFunc: func(msg *types.Message, _ []byte) error {
		if msg.Status == types.StatusPending {
			pending++
			return sendErr
		}
		return nil
	}}
	requireT.NoError(service.HandleDIMSEStreaming(ctx, cMoveRQ("D1"), identifier("STUDY", "1.2.3", ""), responder))

	requireT.Equal(1, pending)
	requireT.Equal(uint16(types.StatusSuccess), lastResponse(t, responder).Status)
	requireT.Len(scp.Received(), 3)
}

func TestMoveServiceHandleDIMSEReturnsFinalOnly(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	scp := scptest.Start(t, "D1")
	service := NewMoveService(newDispatcher(t, directory.Entry{Destination: scp.Destination()}), newMemorySource("I1", "I2"), nil)

	rsp, data, err := service.HandleDIMSE(ctx, cMoveRQ("D1"), identifier("STUDY", "1.2.3", ""))
	requireT.NoError(err)
	requireT.Nil(data)
	requireT.Equal(uint16(types.StatusSuccess), rsp.Status)
	requireT.Equal(types.SubOperations{Completed: 2}, ops(rsp))
}

func TestRoutesResolve(t *testing.T) {
	requireT := require.New(t)

	routes := Routes{"GROUP": {"A", "B"}, "EMPTY": {}}
	requireT.Equal([]string{"A", "B"}, routes.Resolve("GROUP"))
	requireT.Equal([]string{"EMPTY"}, routes.Resolve("EMPTY"))
	requireT.Equal([]string{"SELF"}, routes.Resolve("SELF"))
	requireT.Equal([]string{"SELF"}, Routes(nil).Resolve("SELF"))
}
