package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

const storePrefix = "/v1/projects/p/locations/l/datasets/d/dicomStores/s/dicomWeb/"

func testConfig() Config {
	return Config{Project: "p", Location: "l", Dataset: "d", DICOMStore: "s", PageSize: 2}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *DICOMWeb {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.Endpoint = srv.URL + "/"
	c, err := NewDICOMWeb(context.Background(), cfg, nil, option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func instanceJSON(study, series, sop string) string {
	return fmt.Sprintf(`{"0020000D":{"vr":"UI","Value":["%s"]},"0020000E":{"vr":"UI","Value":["%s"]},`+
		`"00080018":{"vr":"UI","Value":["%s"]},"00080016":{"vr":"UI","Value":["1.2.840.10008.5.1.4.1.1.2"]},`+
		`"00201208":{"vr":"IS","Value":[3]}}`, study, series, sop)
}

func TestQueryPagesThroughResults(t *testing.T) {
	requireT := require.New(t)

	var (
		mu      sync.Mutex
		offsets []string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != storePrefix+"studies/1.2/instances" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		offsets = append(offsets, r.URL.Query().Get("offset"))
		mu.Unlock()

		var page []string
		switch r.URL.Query().Get("offset") {
		case "0":
			page = []string{instanceJSON("1.2", "1.2.1", "1.2.1.1"), instanceJSON("1.2", "1.2.1", "1.2.1.2")}
		case "2":
			page = []string{instanceJSON("1.2", "1.2.2", "1.2.2.1")}
		}
		w.Header().Set("Content-Type", "application/dicom+json")
		_, _ = io.WriteString(w, "["+strings.Join(page, ",")+"]")
	})

	var got []string
	for ref, err := range c.Query(context.Background(), MoveQuery{Level: LevelStudy, StudyInstanceUID: "1.2"}) {
		requireT.NoError(err)
		requireT.Equal("1.2.840.10008.5.1.4.1.1.2", ref.SOPClassUID)
		got = append(got, ref.SOPInstanceUID)
	}
	requireT.Equal([]string{"1.2.1.1", "1.2.1.2", "1.2.2.1"}, got)
	requireT.Equal([]string{"0", "2"}, offsets)
}

func TestQueryNoContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	count := 0
	for _, err := range c.Query(context.Background(), MoveQuery{Level: LevelSeries, StudyInstanceUID: "1", SeriesInstanceUID: "2"}) {
		require.NoError(t, err)
		count++
	}
	require.Zero(t, count)
}

func TestQueryFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	var errs []error
	for _, err := range c.Query(context.Background(), MoveQuery{Level: LevelStudy, PatientID: "P1"}) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	var statusErr *StatusError
	require.True(t, errors.As(errs[0], &statusErr))
	require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
}

func TestQueryInvalid(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	for _, err := range c.Query(context.Background(), MoveQuery{Level: LevelImage}) {
		require.Error(t, err)
	}
}

func TestRetrieve(t *testing.T) {
	requireT := require.New(t)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != storePrefix+"studies/1/series/2/instances/3" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Accept") != acceptOriginalTransferSyntax {
			http.Error(w, "bad accept", http.StatusNotAcceptable)
			return
		}
		w.Header().Set("Content-Type", contentTypeDICOM)
		_, _ = io.WriteString(w, "part10-bytes")
	})

	rc, err := c.Retrieve(context.Background(), InstanceRef{StudyInstanceUID: "1", SeriesInstanceUID: "2", SOPInstanceUID: "3"})
	requireT.NoError(err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	requireT.NoError(err)
	requireT.Equal("part10-bytes", string(body))

	_, err = c.Retrieve(context.Background(), InstanceRef{StudyInstanceUID: "1", SeriesInstanceUID: "2", SOPInstanceUID: "4"})
	var statusErr *StatusError
	requireT.True(errors.As(err, &statusErr))
	requireT.Equal(http.StatusNotFound, statusErr.StatusCode)
}

func TestStore(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    bool
	}{
		{name: "accepted", status: http.StatusOK},
		{name: "conflict", status: http.StatusConflict, err: true},
		{name: "unavailable", status: http.StatusServiceUnavailable, err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireT := require.New(t)

			var received string
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != storePrefix+"studies" {
					http.NotFound(w, r)
					return
				}
				b, _ := io.ReadAll(r.Body)
				received = string(b)
				w.WriteHeader(tt.status)
			})

			n, err := c.Store(context.Background(), strings.NewReader("instance"))
			if !tt.err {
				requireT.NoError(err)
				requireT.EqualValues(len("instance"), n)
				requireT.Equal("instance", received)
				return
			}
			var statusErr *StatusError
			requireT.True(errors.As(err, &statusErr))
			requireT.Equal(tt.status, statusErr.StatusCode)
		})
	}
}

func TestSearchPath(t *testing.T) {
	tests := []struct {
		query  MoveQuery
		path   string
		params string
	}{
		{MoveQuery{Level: LevelStudy, StudyInstanceUID: "1"}, "studies/1/instances", ""},
		{MoveQuery{Level: LevelStudy, PatientID: "P"}, "instances", "PatientID=P"},
		{MoveQuery{Level: LevelSeries, StudyInstanceUID: "1", SeriesInstanceUID: "2"}, "studies/1/series/2/instances", ""},
		{MoveQuery{Level: LevelSeries, SeriesInstanceUID: "2"}, "instances", "SeriesInstanceUID=2"},
		{MoveQuery{Level: LevelImage, StudyInstanceUID: "1", SeriesInstanceUID: "2", SOPInstanceUID: "3"}, "studies/1/series/2/instances", "SOPInstanceUID=3"},
		{MoveQuery{Level: LevelImage, SOPInstanceUID: "3"}, "instances", "SOPInstanceUID=3"},
	}

	for i, tt := range tests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			path, params := searchPath(tt.query)
			var kv []string
			for _, p := range params {
				kv = append(kv, p.key+"="+p.value)
			}
			require.Equal(t, tt.path, path)
			require.Equal(t, tt.params, strings.Join(kv, "&"))
		})
	}
}

func TestParseLevel(t *testing.T) {
	requireT := require.New(t)

	for in, want := range map[string]Level{"STUDY": LevelStudy, "patient": LevelStudy, "SERIES ": LevelSeries, "IMAGE": LevelImage} {
		got, err := ParseLevel(in)
		requireT.NoError(err)
		requireT.Equal(want, got)
	}
	_, err := ParseLevel("FRAME")
	requireT.Error(err)
}

func TestMoveQueryString(t *testing.T) {
	q := MoveQuery{Level: LevelSeries, StudyInstanceUID: "1", SeriesInstanceUID: "2"}
	require.Equal(t, "SERIES study=1 series=2", q.String())
}
