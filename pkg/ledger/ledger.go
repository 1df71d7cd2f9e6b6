// Package ledger keeps a durable history of enrichment runs in BadgerDB.
//
// Every run is stored as one JSON record. Entries that succeeded are also
// indexed by (stage, name, fingerprint) so a later run can skip work whose
// configuration has not changed since it last succeeded.
//
// Key layout:
//
//	0x01 | startedAt (8 bytes, big endian nanos) | runID  -> RunRecord JSON
//	0x02 | stage 0x00 name 0x00 fingerprint              -> runID
//
// Example:
//
//	l, err := ledger.Open(ledger.Options{Dir: cfg.Ledger.Dir})
//	if err != nil {
//		return err
//	}
//	defer l.Close()
//
//	p := enrich.New(engine, enrich.Options{Skip: l.SkipSucceeded()}, log)
//	res, _ := p.Run(ctx, plan)
//	_ = l.Record(res, "plan.yaml")
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/orneryd/ekgenrich/pkg/enrich"
)

const (
	prefixRun       = byte(0x01)
	prefixSucceeded = byte(0x02)
)

// ErrClosed is returned by every operation on a closed ledger.
var ErrClosed = errors.New("ledger: closed")

// Options configures Open.
type Options struct {
	// Dir holds the Badger files; ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in RAM. For tests.
	InMemory bool
	// SyncWrites fsyncs every run record.
	SyncWrites bool
	// Logger receives Badger's own diagnostics; nil keeps Badger quiet.
	Logger *zap.Logger
}

// EntryRecord is the persisted form of one enrich.EntryResult.
type EntryRecord struct {
	Stage       enrich.Stage   `json:"stage"`
	Index       int            `json:"index"`
	Name        string         `json:"name"`
	Fingerprint string         `json:"fingerprint"`
	Outcome     enrich.Outcome `json:"outcome"`
	Count       int64          `json:"count"`
	Processed   int64          `json:"processed"`
	Ambiguities int            `json:"ambiguities,omitempty"`
	Error       string         `json:"error,omitempty"`
	Duration    time.Duration  `json:"duration"`
}

// RunRecord is the persisted form of one enrich.RunResult.
type RunRecord struct {
	ID         string        `json:"id"`
	Plan       string        `json:"plan,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Entries    []EntryRecord `json:"entries"`
}

// Failed counts the failed entries.
func (r RunRecord) Failed() int {
	n := 0
	for _, e := range r.Entries {
		if e.Outcome == enrich.OutcomeFailed {
			n++
		}
	}
	return n
}

// Ledger is a run history backed by BadgerDB. Safe for concurrent use.
type Ledger struct {
	db *badger.DB

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) a ledger.
func Open(opts Options) (*Ledger, error) {
	dir := opts.Dir
	if opts.InMemory {
		dir = ""
	} else if dir == "" {
		return nil, fmt.Errorf("ledger: no directory")
	}

	badgerOpts := badger.DefaultOptions(dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(16 << 20).
		WithNumMemtables(1).
		WithBlockCacheSize(4 << 20).
		WithIndexCacheSize(2 << 20)
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(&badgerLogger{log: opts.Logger.Sugar().Named("badger")})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database. Further calls return ErrClosed.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

func (l *Ledger) withView(fn func(txn *badger.Txn) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	return l.db.View(fn)
}

func (l *Ledger) withUpdate(fn func(txn *badger.Txn) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	return l.db.Update(fn)
}

// NewRecord converts a run result into its persisted form.
func NewRecord(res *enrich.RunResult, plan string) RunRecord {
	rec := RunRecord{
		ID:         res.ID,
		Plan:       plan,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Entries:    make([]EntryRecord, 0, len(res.Entries)),
	}
	for _, e := range res.Entries {
		er := EntryRecord{
			Stage:       e.Stage,
			Index:       e.Index,
			Name:        e.Name,
			Fingerprint: e.Fingerprint,
			Outcome:     e.Outcome,
			Count:       e.Count,
			Processed:   e.Processed,
			Ambiguities: len(e.Ambiguities),
			Duration:    e.Duration,
		}
		if e.Err != nil {
			er.Error = e.Err.Error()
		}
		rec.Entries = append(rec.Entries, er)
	}
	return rec
}

// Record stores a finished run and marks its succeeded entries.
func (l *Ledger) Record(res *enrich.RunResult, plan string) error {
	if res == nil {
		return fmt.Errorf("ledger: nil run")
	}
	rec := NewRecord(res, plan)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", rec.ID, err)
	}

	return l.withUpdate(func(txn *badger.Txn) error {
		if err := txn.Set(runKey(rec.StartedAt, rec.ID), data); err != nil {
			return err
		}
		for _, e := range res.Entries {
			if e.Outcome != enrich.OutcomeSucceeded {
				continue
			}
			if err := txn.Set(succeededKey(e.EntryRef), []byte(rec.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Succeeded reports whether an entry with the same stage, name and
// fingerprint succeeded in any recorded run.
func (l *Ledger) Succeeded(ref enrich.EntryRef) (bool, error) {
	found := false
	err := l.withView(func(txn *badger.Txn) error {
		_, err := txn.Get(succeededKey(ref))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			return nil
		case err != nil:
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// SkipSucceeded returns an enrich.Options.Skip function that skips entries
// already recorded as succeeded. Lookup errors never skip.
func (l *Ledger) SkipSucceeded() func(enrich.EntryRef) bool {
	return func(ref enrich.EntryRef) bool {
		ok, err := l.Succeeded(ref)
		return err == nil && ok
	}
}

// Forget removes the succeeded marks of every entry of a stage so the next
// skip-succeeded run repeats it.
func (l *Ledger) Forget(stage enrich.Stage) (int, error) {
	prefix := append([]byte{prefixSucceeded}, string(stage)...)
	prefix = append(prefix, 0)

	var keys [][]byte
	err := l.withView(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	err = l.withUpdate(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// History returns up to limit runs, newest first. limit <= 0 returns all.
func (l *Ledger) History(limit int) ([]RunRecord, error) {
	var out []RunRecord
	err := l.withView(func(txn *badger.Txn) error {
		prefix := []byte{prefixRun}
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte{prefixRun, 0xff}); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec RunRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("failed to decode run record: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func runKey(startedAt time.Time, id string) []byte {
	key := make([]byte, 9, 9+len(id))
	key[0] = prefixRun
	binary.BigEndian.PutUint64(key[1:], uint64(startedAt.UnixNano()))
	return append(key, id...)
}

func succeededKey(ref enrich.EntryRef) []byte {
	key := make([]byte, 0, 3+len(ref.Stage)+len(ref.Name)+len(ref.Fingerprint))
	key = append(key, prefixSucceeded)
	key = append(key, string(ref.Stage)...)
	key = append(key, 0)
	key = append(key, ref.Name...)
	key = append(key, 0)
	return append(key, ref.Fingerprint...)
}

// badgerLogger routes Badger's printf-style diagnostics to zap.
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (b *badgerLogger) Errorf(f string, v ...any)   { b.log.Errorf(f, v...) }
func (b *badgerLogger) Warningf(f string, v ...any) { b.log.Warnf(f, v...) }
func (b *badgerLogger) Infof(f string, v ...any)    { b.log.Debugf(f, v...) }
func (b *badgerLogger) Debugf(f string, v ...any)   { b.log.Debugf(f, v...) }
