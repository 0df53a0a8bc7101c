package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	healthcare "google.golang.org/api/healthcare/v1"
	"google.golang.org/api/option"
)

const defaultPageSize = 100

// DICOMweb JSON tags read from search results.
const (
	jsonSOPClassUID              = "00080016"
	jsonSOPInstanceUID           = "00080018"
	jsonAvailableTransferSyntax  = "00083002"
	jsonStudyInstanceUID         = "0020000D"
	jsonSeriesInstanceUID        = "0020000E"
	contentTypeDICOM             = "application/dicom"
	acceptOriginalTransferSyntax = "application/dicom; transfer-syntax=*"
)

// Config locates a Cloud Healthcare DICOM store.
type Config struct {
	Project    string
	Location   string
	Dataset    string
	DICOMStore string

	// Endpoint overrides the API base URL.
	Endpoint        string
	CredentialsFile string
	PageSize        int
}

// Parent returns the DICOM store resource name.
func (c Config) Parent() string {
	return fmt.Sprintf("projects/%s/locations/%s/datasets/%s/dicomStores/%s",
		c.Project, c.Location, c.Dataset, c.DICOMStore)
}

// Validate checks that the store is fully named.
func (c Config) Validate() error {
	if c.Project == "" || c.Location == "" || c.Dataset == "" || c.DICOMStore == "" {
		return errors.New("cloud: project, location, dataset and dicom_store are required")
	}
	return nil
}

// StatusError is a non-2xx DICOMweb response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("DICOMweb request failed with HTTP %d: %s", e.StatusCode, e.Message)
}

// DICOMWeb talks to a Cloud Healthcare DICOM store. It implements Source and Store.
type DICOMWeb struct {
	parent    string
	pageSize  int
	stores    *healthcare.ProjectsLocationsDatasetsDicomStoresService
	instances *healthcare.ProjectsLocationsDatasetsDicomStoresStudiesSeriesInstancesService
	log       *zap.Logger
}

// NewDICOMWeb creates a client for cfg. Extra options are passed to the
// Healthcare API client.
func NewDICOMWeb(ctx context.Context, cfg Config, log *zap.Logger, opts ...option.ClientOption) (*DICOMWeb, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if log == nil {
		log = zap.NewNop()
	}

	svc, err := healthcare.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating healthcare service")
	}

	return &DICOMWeb{
		parent:    cfg.Parent(),
		pageSize:  cfg.PageSize,
		stores:    svc.Projects.Locations.Datasets.DicomStores,
		instances: svc.Projects.Locations.Datasets.DicomStores.Studies.Series.Instances,
		log:       log.With(zap.String("dicom_store", cfg.Parent())),
	}, nil
}

type queryParam struct {
	key, value string
}

// searchPath maps q to a QIDO-RS path and its matching keys.
func searchPath(q MoveQuery) (string, []queryParam) {
	var params []queryParam
	if q.PatientID != "" {
		params = append(params, queryParam{"PatientID", q.PatientID})
	}
	if q.Level == LevelImage {
		params = append(params, queryParam{"SOPInstanceUID", q.SOPInstanceUID})
	}

	switch {
	case q.StudyInstanceUID != "" && q.SeriesInstanceUID != "" && q.Level != LevelStudy:
		return fmt.Sprintf("studies/%s/series/%s/instances", q.StudyInstanceUID, q.SeriesInstanceUID), params
	case q.StudyInstanceUID != "":
		if q.Level == LevelSeries {
			params = append(params, queryParam{"SeriesInstanceUID", q.SeriesInstanceUID})
		}
		return fmt.Sprintf("studies/%s/instances", q.StudyInstanceUID), params
	default:
		if q.Level == LevelSeries {
			params = append(params, queryParam{"SeriesInstanceUID", q.SeriesInstanceUID})
		}
		return "instances", params
	}
}

// Query implements Source. Results are fetched one page at a time.
func (c *DICOMWeb) Query(ctx context.Context, q MoveQuery) iter.Seq2[InstanceRef, error] {
	return func(yield func(InstanceRef, error) bool) {
		if err := q.Validate(); err != nil {
			yield(InstanceRef{}, err)
			return
		}
		path, params := searchPath(q)

		for offset := 0; ; {
			refs, err := c.searchPage(ctx, path, params, offset)
			if err != nil {
				yield(InstanceRef{}, err)
				return
			}
			for _, ref := range refs {
				if !yield(ref, nil) {
					return
				}
			}
			if len(refs) < c.pageSize {
				return
			}
			offset += len(refs)
		}
	}
}

type jsonElement struct {
	VR    string            `json:"vr"`
	Value []json.RawMessage `json:"Value"`
}

func (e jsonElement) str() string {
	if len(e.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Value[0], &s); err != nil {
		return ""
	}
	return s
}

func (c *DICOMWeb) searchPage(ctx context.Context, path string, params []queryParam, offset int) ([]InstanceRef, error) {
	opts := []googleapi.CallOption{
		googleapi.QueryParameter("limit", strconv.Itoa(c.pageSize)),
		googleapi.QueryParameter("offset", strconv.Itoa(offset)),
	}
	for _, p := range params {
		opts = append(opts, googleapi.QueryParameter(p.key, p.value))
	}

	c.log.Debug("Searching instances", zap.String("path", path), zap.Int("offset", offset))

	resp, err := c.stores.SearchForInstances(c.parent, path).Context(ctx).Do(opts...)
	if err := checkResponse(resp, err); err != nil {
		return nil, errors.Wrapf(err, "searching %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var results []map[string]jsonElement
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, errors.Wrap(err, "decoding search results")
	}

	refs := make([]InstanceRef, 0, len(results))
	for _, r := range results {
		ref := InstanceRef{
			StudyInstanceUID:  r[jsonStudyInstanceUID].str(),
			SeriesInstanceUID: r[jsonSeriesInstanceUID].str(),
			SOPInstanceUID:    r[jsonSOPInstanceUID].str(),
			SOPClassUID:       r[jsonSOPClassUID].str(),
			TransferSyntaxUID: r[jsonAvailableTransferSyntax].str(),
		}
		if ref.StudyInstanceUID == "" || ref.SeriesInstanceUID == "" || ref.SOPInstanceUID == "" {
			return nil, errors.Errorf("search result without instance identifiers: %v", r)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Retrieve implements Source. The instance is returned in its stored
// transfer syntax.
func (c *DICOMWeb) Retrieve(ctx context.Context, ref InstanceRef) (io.ReadCloser, error) {
	path := fmt.Sprintf("studies/%s/series/%s/instances/%s",
		ref.StudyInstanceUID, ref.SeriesInstanceUID, ref.SOPInstanceUID)

	call := c.instances.RetrieveInstance(c.parent, path).Context(ctx)
	call.Header().Set("Accept", acceptOriginalTransferSyntax)

	resp, err := call.Do()
	if err := checkResponse(resp, err); err != nil {
		return nil, errors.Wrapf(err, "retrieving %s", ref.SOPInstanceUID)
	}
	return resp.Body, nil
}

// Store implements Store by posting r to the STOW-RS endpoint. It returns the
// number of bytes uploaded.
func (c *DICOMWeb) Store(ctx context.Context, r io.Reader) (int64, error) {
	body := &countingReader{r: r}

	call := c.stores.StoreInstances(c.parent, "studies", body).Context(ctx)
	call.Header().Set("Content-Type", contentTypeDICOM)

	resp, err := call.Do()
	if err := checkResponse(resp, err); err != nil {
		return body.n, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return body.n, nil
}

// checkResponse turns a failed call or a non-2xx response into an error.
// Errors that are not HTTP statuses are returned unchanged.
func checkResponse(resp *http.Response, err error) error {
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			return &StatusError{StatusCode: apiErr.Code, Message: apiErr.Message}
		}
		return err
	}
	if resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Message: string(msg)}
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
