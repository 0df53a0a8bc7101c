// Package journal persists transfer outcomes and session summaries in BadgerDB.
//
// Keys are laid out so one session can be read back with a prefix scan:
//
//	session/<session id>
//	outcome/<session id>/<destination>/<instance id>
package journal

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgateway/dispatch"
)

const gcDiscardRatio = 0.5

// ErrNotFound is returned for unknown sessions.
var ErrNotFound = errors.New("session not found")

// OutcomeRecord is the stored form of a dispatch.Outcome.
type OutcomeRecord struct {
	SessionID   string    `json:"session_id"`
	InstanceID  string    `json:"instance_id"`
	Destination string    `json:"destination"`
	Status      string    `json:"status"`
	StatusCode  uint16    `json:"status_code"`
	BytesSent   int64     `json:"bytes_sent"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`
}

// SessionRecord is the stored form of a dispatch.Result without its outcomes.
type SessionRecord struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	Completed int       `json:"completed"`
	Warning   int       `json:"warning"`
	Failed    int       `json:"failed"`
	Remaining int       `json:"remaining"`
	Canceled  bool      `json:"canceled"`
	Unknown   []string  `json:"unknown,omitempty"`
	Time      time.Time `json:"time"`
}

// Journal is a dispatch.Observer writing to BadgerDB.
type Journal struct {
	db        *badger.DB
	retention time.Duration
	log       *zap.Logger
}

// Open opens the journal in dir. An empty dir keeps the journal in memory.
// Records expire after retention; zero keeps them forever.
func Open(dir string, retention time.Duration, log *zap.Logger) (*Journal, error) {
	if log == nil {
		log = zap.NewNop()
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create journal directory")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger db")
	}
	return &Journal{db: db, retention: retention, log: log}, nil
}

func outcomeKey(sessionID, destination, instanceID string) []byte {
	return []byte("outcome/" + sessionID + "/" + destination + "/" + instanceID)
}

func sessionKey(sessionID string) []byte {
	return []byte("session/" + sessionID)
}

func (j *Journal) put(key []byte, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return errors.WithStack(err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key, value)
		if j.retention > 0 {
			e = e.WithTTL(j.retention)
		}
		return txn.SetEntry(e)
	})
}

// OnOutcome implements dispatch.Observer.
func (j *Journal) OnOutcome(_ context.Context, o dispatch.Outcome) {
	rec := OutcomeRecord{
		SessionID:   o.SessionID,
		InstanceID:  o.InstanceID,
		Destination: o.Destination,
		Status:      o.Status.String(),
		StatusCode:  o.StatusCode,
		BytesSent:   o.BytesSent,
		Attempts:    o.Attempts,
		Time:        time.Now().UTC(),
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	if err := j.put(outcomeKey(o.SessionID, o.Destination, o.InstanceID), rec); err != nil {
		j.log.Error("Journaling outcome failed", zap.String("session_id", o.SessionID), zap.Error(err))
	}
}

// OnSessionFinished implements dispatch.Observer.
func (j *Journal) OnSessionFinished(_ context.Context, r dispatch.Result) {
	rec := SessionRecord{
		SessionID: r.SessionID,
		Status:    r.Status.String(),
		Completed: r.Totals.Completed,
		Warning:   r.Totals.Warning,
		Failed:    r.Totals.Failed,
		Remaining: r.Totals.Remaining,
		Canceled:  r.Canceled,
		Unknown:   r.Unknown,
		Time:      time.Now().UTC(),
	}
	if err := j.put(sessionKey(r.SessionID), rec); err != nil {
		j.log.Error("Journaling session failed", zap.String("session_id", r.SessionID), zap.Error(err))
	}
}

// Session returns the summary of a finished session.
func (j *Journal) Session(sessionID string) (SessionRecord, error) {
	var rec SessionRecord
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(sessionID))
		if err != nil {
			if stdErrors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, errors.WithStack(err)
}

// Outcomes returns the outcomes of a session ordered by destination and instance.
func (j *Journal) Outcomes(sessionID string) ([]OutcomeRecord, error) {
	var records []OutcomeRecord
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("outcome/" + sessionID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec OutcomeRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, errors.WithStack(err)
}

// RunGC reclaims value log space every interval until ctx is done. Expired
// records only free disk space once their value log file is rewritten.
func (j *Journal) RunGC(ctx context.Context, interval time.Duration) error {
	if j.db.Opts().InMemory {
		<-ctx.Done()
		return errors.WithStack(ctx.Err())
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
		}

		for {
			err := j.db.RunValueLogGC(gcDiscardRatio)
			if stdErrors.Is(err, badger.ErrNoRewrite) {
				break
			}
			if err != nil {
				j.log.Warn("Journal value log GC failed", zap.Error(err))
				break
			}
			j.log.Debug("Journal value log file rewritten")
		}
	}
}

// Close closes the database.
func (j *Journal) Close() error {
	return errors.WithStack(j.db.Close())
}
