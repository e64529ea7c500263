// Package store persists pipeline run records in an embedded Badger
// database, so run history survives restarts and can be served by the API.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/medvision/pillpipe/internal/log"
)

// ErrNotFound is returned when a run id has no record.
var ErrNotFound = errors.New("run not found")

const runPrefix = "run:"

// StageResult records one stage of a finished run.
type StageResult struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Run is the persisted record of one pipeline execution.
type Run struct {
	ID         string        `json:"id"`
	Profile    string        `json:"profile"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Stages     []StageResult `json:"stages"`
	Error      string        `json:"error,omitempty"`

	// Dataset headline numbers captured at the end of the run.
	TrainImages  int     `json:"train_images"`
	ValImages    int     `json:"val_images"`
	TestImages   int     `json:"test_images"`
	BalanceScore float64 `json:"balance_score"`
	QualityScore float64 `json:"quality_score"`
	PackagePath  string  `json:"package_path,omitempty"`
}

// Store wraps the Badger database holding run records.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{log.WithComponent("store")}).
		WithCompactL0OnClose(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func runKey(r *Run) []byte {
	// timestamp-prefixed keys give lexicographic == chronological order
	return []byte(fmt.Sprintf("%s%s:%s", runPrefix, r.StartedAt.UTC().Format(time.RFC3339), r.ID))
}

// Put writes a run record.
func (s *Store) Put(r *Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(r), data)
	})
}

// Get returns the run with the given id.
func (s *Store) Get(id string) (*Run, error) {
	var found *Run
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek([]byte(runPrefix)); it.ValidForPrefix([]byte(runPrefix)); it.Next() {
			var r Run
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			if r.ID == id {
				found = &r
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// List returns up to limit runs, newest first. A non-positive limit returns
// everything.
func (s *Store) List(limit int) ([]*Run, error) {
	var runs []*Run
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek([]byte(runPrefix)); it.ValidForPrefix([]byte(runPrefix)); it.Next() {
			var r Run
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			runs = append(runs, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// badgerLogger adapts zerolog to badger's Logger interface. Badger is chatty
// at info level, so its info and debug output is demoted to debug.
type badgerLogger struct {
	l zerolog.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Error().Msgf(strings.TrimSpace(format), args...)
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.l.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.l.Debug().Msgf(strings.TrimSpace(format), args...)
}
