// Package cloud is the gateway's view of the cloud imaging repository: a lazy
// instance query, a per-instance retrieve and an upload.
package cloud

import (
	"context"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/pkg/errors"
)

// Level is a Query/Retrieve level.
type Level string

// Query/Retrieve levels
const (
	LevelStudy  Level = "STUDY"
	LevelSeries Level = "SERIES"
	LevelImage  Level = "IMAGE"
)

// ParseLevel parses a (0008,0052) value. PATIENT is served as STUDY keyed by
// patient ID.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STUDY", "PATIENT":
		return LevelStudy, nil
	case "SERIES":
		return LevelSeries, nil
	case "IMAGE":
		return LevelImage, nil
	default:
		return "", errors.Errorf("unsupported query/retrieve level %q", s)
	}
}

// MoveQuery selects the instances of an emulated move.
type MoveQuery struct {
	Level             Level
	PatientID         string
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
}

// Validate checks that the keys required by the level are present.
func (q MoveQuery) Validate() error {
	switch q.Level {
	case LevelStudy:
		if q.StudyInstanceUID == "" && q.PatientID == "" {
			return errors.New("study level move needs a study instance UID or a patient ID")
		}
	case LevelSeries:
		if q.SeriesInstanceUID == "" {
			return errors.New("series level move needs a series instance UID")
		}
	case LevelImage:
		if q.SOPInstanceUID == "" {
			return errors.New("image level move needs a SOP instance UID")
		}
	default:
		return errors.Errorf("unsupported query/retrieve level %q", q.Level)
	}
	return nil
}

func (q MoveQuery) String() string {
	var b strings.Builder
	b.WriteString(string(q.Level))
	for _, kv := range [][2]string{
		{"patient", q.PatientID},
		{"study", q.StudyInstanceUID},
		{"series", q.SeriesInstanceUID},
		{"instance", q.SOPInstanceUID},
	} {
		if kv[1] != "" {
			fmt.Fprintf(&b, " %s=%s", kv[0], kv[1])
		}
	}
	return b.String()
}

// InstanceRef identifies one instance in the repository.
type InstanceRef struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntaxUID string
}

// Source is the repository side of an emulated move.
type Source interface {
	// Query lists the instances matching q. The sequence is lazy and can be
	// ranged over once; an error ends it.
	Query(ctx context.Context, q MoveQuery) iter.Seq2[InstanceRef, error]
	// Retrieve opens the Part 10 stream of ref.
	Retrieve(ctx context.Context, ref InstanceRef) (io.ReadCloser, error)
}

// Store uploads Part 10 instances.
type Store interface {
	Store(ctx context.Context, r io.Reader) (int64, error)
}
