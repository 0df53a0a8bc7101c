// Package dispatch fans one request out to several destinations.
//
// Every destination gets its own Sender and its own worker; the worker walks
// the instance list in order, so a destination sees instances in submission
// order while destinations progress independently. Workers report outcomes
// over a channel to a single aggregator that owns the counters, emits
// progress and notifies observers.
package dispatch

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgateway/directory"
	dicomerrors "github.com/caio-sobreiro/dicomgateway/errors"
	"github.com/caio-sobreiro/dicomgateway/sender"
	"github.com/caio-sobreiro/dicomgateway/types"
)

// Instance is one unit of work. Open is called once per attempt and
// destination, so every Sender reads its own stream.
type Instance struct {
	ID                string
	SOPClassUID       string
	TransferSyntaxUID string
	Open              func(ctx context.Context) (io.ReadCloser, error)
}

// Request is the input of one dispatch session.
type Request struct {
	Destinations []string
	Instances    []Instance
}

// RetryPolicy controls connection-level retries.
type RetryPolicy struct {
	// ConnectRetries is how many times a transfer failing with a
	// ConnectionError is tried again before the destination is given up.
	ConnectRetries int
	ConnectBackoff time.Duration
}

// DefaultRetryPolicy retries once without backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{ConnectRetries: 1}
}

// Config configures a Dispatcher.
type Config struct {
	Retry RetryPolicy
	// ProgressInterval throttles pending responses. Zero reports every outcome.
	ProgressInterval time.Duration
	Observers        []Observer
}

// Dispatcher runs dispatch sessions.
type Dispatcher struct {
	directory *directory.Directory
	factory   sender.Factory
	config    Config
}

// New creates a Dispatcher.
func New(dir *directory.Directory, factory sender.Factory, config Config) *Dispatcher {
	return &Dispatcher{directory: dir, factory: factory, config: config}
}

type destination struct {
	entry  directory.Entry
	sender sender.Sender
	// dead is set when the sender could not be created.
	dead error
}

// Dispatch sends every instance of req to every destination of req and
// blocks until all transfers finished or ctx is done.
//
// progress, if not nil, is called with session-wide counters while transfers
// remain. Once ctx is done no new transfer is started and progress is no
// longer called; transfers already on the wire complete or time out. All
// senders are closed before Dispatch returns.
//
// An error is returned only when no requested destination is known.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	sessionID := uuid.NewString()
	log := logger.Get(ctx).With(zap.String("session_id", sessionID))
	ctx = logger.WithLogger(ctx, log)

	result := Result{SessionID: sessionID, PerDestination: map[string]types.SubOperations{}}

	var (
		dests    []*destination
		required = map[string]bool{}
		seen     = map[string]bool{}
	)
	for _, name := range req.Destinations {
		if seen[name] {
			continue
		}
		seen[name] = true

		entry, err := d.directory.Entry(name)
		if err != nil {
			log.Warn("Skipping destination", zap.String("destination", name), zap.Error(err))
			result.Unknown = append(result.Unknown, name)
			continue
		}
		if entry.Required {
			required[name] = true
		}
		dests = append(dests, &destination{entry: entry})
	}
	if len(dests) == 0 {
		result.Status = StatusFailure
		name := ""
		if len(req.Destinations) > 0 {
			name = req.Destinations[0]
		}
		return result, errors.WithStack(&dicomerrors.UnknownDestinationError{Name: name})
	}

	for _, dest := range dests {
		s, err := d.factory.Create(dest.entry)
		if err != nil {
			log.Warn("Creating sender failed", zap.String("destination", dest.entry.Name), zap.Error(err))
			dest.dead = &dicomerrors.ConnectionError{Destination: dest.entry.Name, Err: err}
			continue
		}
		dest.sender = s
	}
	defer closeSenders(log, dests)

	log.Info("Dispatch session started",
		zap.Int("destinations", len(dests)),
		zap.Int("instances", len(req.Instances)))

	total := len(dests) * len(req.Instances)
	for _, dest := range dests {
		result.PerDestination[dest.entry.Name] = types.SubOperations{Remaining: len(req.Instances)}
	}
	result.Totals = types.SubOperations{Remaining: total}
	result.Outcomes = make([]Outcome, 0, total)

	outcomes := make(chan Outcome, total)
	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("workers", parallel.Continue, func(ctx context.Context) error {
			defer close(outcomes)

			return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
				for _, dest := range dests {
					spawn("destination-"+dest.entry.Name, parallel.Continue, func(ctx context.Context) error {
						d.runDestination(ctx, sessionID, dest, req.Instances, outcomes)
						return nil
					})
				}
				return nil
			})
		})
		spawn("aggregator", parallel.Continue, func(ctx context.Context) error {
			d.aggregate(ctx, &result, outcomes, progress)
			return nil
		})
		return nil
	})
	if err != nil && ctx.Err() == nil {
		log.Error("Dispatch session failed", zap.Error(err))
	}

	result.Canceled = result.Totals.Remaining > 0
	result.Status = finalStatus(result.PerDestination, required)

	closeSenders(log, dests)
	for _, o := range d.config.Observers {
		o.OnSessionFinished(context.WithoutCancel(ctx), result)
	}

	log.Info("Dispatch session finished",
		zap.Stringer("status", result.Status),
		zap.Bool("canceled", result.Canceled),
		zap.Int("completed", result.Totals.Completed),
		zap.Int("warning", result.Totals.Warning),
		zap.Int("failed", result.Totals.Failed),
		zap.Int("remaining", result.Totals.Remaining))
	return result, nil
}

// runDestination sends the instances to one destination in order. After a
// connection failure survives the retry policy, the remaining instances are
// failed without touching the network.
func (d *Dispatcher) runDestination(ctx context.Context, sessionID string, dest *destination, instances []Instance, outcomes chan<- Outcome) {
	log := logger.Get(ctx).With(zap.String("destination", dest.entry.Name))
	dead := dest.dead

	for _, inst := range instances {
		if ctx.Err() != nil {
			log.Debug("Session canceled, not starting further transfers")
			return
		}

		if dead != nil {
			outcomes <- Outcome{
				SessionID:   sessionID,
				InstanceID:  inst.ID,
				Destination: dest.entry.Name,
				Status:      StatusFailure,
				Err:         dead,
			}
			continue
		}

		out := d.transfer(ctx, log, dest, inst)
		out.SessionID = sessionID
		if dicomerrors.IsConnectionError(out.Err) {
			log.Warn("Destination unreachable, failing its remaining instances", zap.Error(out.Err))
			dead = out.Err
		}
		outcomes <- out
	}
}

// transfer sends one instance, retrying connection failures per policy.
// Network operations do not observe ctx cancellation; they finish or time out.
func (d *Dispatcher) transfer(ctx context.Context, log *zap.Logger, dest *destination, inst Instance) Outcome {
	out := Outcome{InstanceID: inst.ID, Destination: dest.entry.Name, Status: StatusFailure}
	opCtx := context.WithoutCancel(ctx)
	info := sender.InstanceInfo{
		SOPClassUID:       inst.SOPClassUID,
		SOPInstanceUID:    inst.ID,
		TransferSyntaxUID: inst.TransferSyntaxUID,
	}

	for {
		out.Attempts++

		r, err := inst.Open(opCtx)
		if err != nil {
			out.Err = errors.Wrapf(err, "opening instance %s", inst.ID)
			return out
		}
		res, err := dest.sender.Store(opCtx, dest.entry.Destination, info, r)
		_ = r.Close()

		out.BytesSent = res.BytesSent
		if err == nil {
			out.StatusCode = res.Status
			out.Err = nil
			out.Status = StatusSuccess
			if types.ClassifyStatus(res.Status) == types.ClassWarning {
				out.Status = StatusWarning
			}
			return out
		}

		out.Err = err
		var rejected *dicomerrors.RemoteStoreRejectedError
		if errors.As(err, &rejected) {
			out.StatusCode = rejected.Status
		}
		if !dicomerrors.IsConnectionError(err) || out.Attempts > d.config.Retry.ConnectRetries {
			log.Warn("Transfer failed", zap.String("instance", inst.ID), zap.Int("attempts", out.Attempts), zap.Error(err))
			return out
		}

		log.Info("Retrying after connection failure", zap.String("instance", inst.ID), zap.Error(err))
		if d.config.Retry.ConnectBackoff > 0 {
			select {
			case <-ctx.Done():
				return out
			case <-time.After(d.config.Retry.ConnectBackoff):
			}
		}
	}
}

// aggregate owns the session counters until the workers are done.
func (d *Dispatcher) aggregate(ctx context.Context, result *Result, outcomes <-chan Outcome, progress ProgressFunc) {
	log := logger.Get(ctx)
	obsCtx := context.WithoutCancel(ctx)
	var lastProgress time.Time

	for out := range outcomes {
		c := result.PerDestination[out.Destination]
		c.Remaining--
		result.Totals.Remaining--
		switch out.Status {
		case StatusSuccess:
			c.Completed++
			result.Totals.Completed++
		case StatusWarning:
			c.Warning++
			result.Totals.Warning++
		default:
			c.Failed++
			result.Totals.Failed++
		}
		result.PerDestination[out.Destination] = c
		result.Outcomes = append(result.Outcomes, out)

		for _, o := range d.config.Observers {
			o.OnOutcome(obsCtx, out)
		}

		if progress == nil || ctx.Err() != nil || result.Totals.Remaining == 0 {
			continue
		}
		if d.config.ProgressInterval > 0 && time.Since(lastProgress) < d.config.ProgressInterval {
			continue
		}
		lastProgress = time.Now()
		if err := progress(result.Totals); err != nil {
			log.Warn("Sending progress failed, suppressing further progress", zap.Error(err))
			progress = nil
		}
	}
}

// closeSenders closes every sender once; later calls are no-ops.
func closeSenders(log *zap.Logger, dests []*destination) {
	for _, dest := range dests {
		if dest.sender == nil {
			continue
		}
		if err := dest.sender.Close(); err != nil {
			log.Warn("Closing sender failed", zap.String("destination", dest.entry.Name), zap.Error(err))
		}
		dest.sender = nil
	}
}
