package dispatch

import (
	"context"

	"github.com/caio-sobreiro/dicomgateway/types"
)

// Status is the classification of a transfer or of a whole session.
type Status int

// Statuses
const (
	StatusSuccess Status = iota
	StatusWarning
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusWarning:
		return "warning"
	default:
		return "failure"
	}
}

// Outcome records one (instance, destination) transfer.
type Outcome struct {
	SessionID   string
	InstanceID  string
	Destination string
	Status      Status
	// StatusCode is the peer's DIMSE status when it answered.
	StatusCode uint16
	BytesSent  int64
	// Attempts is zero when the destination was already dead.
	Attempts int
	Err      error
}

// Result summarizes a finished session.
type Result struct {
	SessionID      string
	Status         Status
	Totals         types.SubOperations
	PerDestination map[string]types.SubOperations
	// Unknown lists requested destinations missing from the directory.
	Unknown  []string
	Outcomes []Outcome
	// Canceled is set when the session stopped before every transfer was attempted.
	Canceled bool
}

// Observer is told about every outcome and every finished session. Calls
// come from a single goroutine per session.
type Observer interface {
	OnOutcome(ctx context.Context, outcome Outcome)
	OnSessionFinished(ctx context.Context, result Result)
}

// ProgressFunc receives session-wide counters while transfers remain.
type ProgressFunc func(progress types.SubOperations) error

// finalStatus applies the session status policy to per-destination counters.
//
// A session with no failure succeeds. With required destinations, it fails
// when every attempt to some required destination failed. Without, it fails
// when every destination failed entirely. Anything else is a warning.
func finalStatus(counters map[string]types.SubOperations, required map[string]bool) Status {
	failed := 0
	for _, c := range counters {
		failed += c.Failed
	}
	if failed == 0 {
		return StatusSuccess
	}

	allFailed := func(c types.SubOperations) bool {
		return c.Failed > 0 && c.Completed == 0 && c.Warning == 0
	}

	if len(required) > 0 {
		for name := range required {
			if c, ok := counters[name]; ok && allFailed(c) {
				return StatusFailure
			}
		}
		return StatusWarning
	}

	for _, c := range counters {
		if !allFailed(c) {
			return StatusWarning
		}
	}
	return StatusFailure
}
