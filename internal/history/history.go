// Package history archives a summary of every finished control run.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/sweeney/anneal-control/internal/control"
	"github.com/sweeney/anneal-control/internal/metrics"
)

var (
	// ErrNotFound is returned by Get for an unknown run ID.
	ErrNotFound = errors.New("history: run not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("history: store closed")
)

// RunSummary is the archived record of one run.
type RunSummary struct {
	ID             string    `json:"id"`
	Mode           string    `json:"mode"`
	Setpoint       *float64  `json:"setpoint,omitempty"`
	HeatingRate    *float64  `json:"heating_rate,omitempty"`
	HeatingTime    float64   `json:"heating_time_seconds,omitempty"`
	Voltage        float64   `json:"voltage"`
	MaxCurrent     float64   `json:"max_current"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Reason         string    `json:"reason"`
	Ticks          int       `json:"ticks"`
	FinalCurrent   float64   `json:"final_current"`
	OutputOff      bool      `json:"output_off"`
	HeatingElapsed float64   `json:"heating_elapsed_seconds"`
	Warnings       []string  `json:"warnings,omitempty"`
	Campaign       bool      `json:"campaign,omitempty"`
	LogPath        string    `json:"log_path,omitempty"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Summarize builds the archive record for a finished run.
func Summarize(id string, cfg control.Config, res control.Result) RunSummary {
	s := RunSummary{
		ID:             id,
		Mode:           res.Mode.String(),
		HeatingTime:    cfg.HeatingTime.Seconds(),
		Voltage:        cfg.Voltage,
		MaxCurrent:     cfg.MaxCurrent,
		Start:          res.Start,
		End:            res.End,
		Reason:         res.Reason.String(),
		Ticks:          res.Ticks,
		FinalCurrent:   res.FinalCurrent,
		OutputOff:      res.OutputOff,
		HeatingElapsed: res.HeatingElapsed.Seconds(),
	}
	if cfg.Profile != nil {
		sp, hr := cfg.Profile.Setpoint, cfg.Profile.HeatingRate
		s.Setpoint, s.HeatingRate = &sp, &hr
	}
	for _, w := range res.Warnings {
		s.Warnings = append(s.Warnings, w.String())
	}
	return s
}

// Store is a badger-backed run archive. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	db     *badger.DB
	closed bool
}

// Open opens (or creates) the archive in dir.
func Open(dir string) (*Store, error) {
	return open(badger.DefaultOptions(dir))
}

// OpenInMemory opens an archive that is lost on Close. Used by tests and
// when no data directory is configured.
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Store, error) {
	opts = opts.
		WithLogger(nil).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(16 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(8 << 20).
		WithIndexCacheSize(4 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return &Store{db: db}, nil
}

// Runs are keyed by start time so iteration is chronological; a second
// key maps the run ID to its primary key.
const (
	prefixRun = "run/"
	prefixID  = "id/"
)

func runKey(s RunSummary) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefixRun, s.Start.UnixNano(), s.ID))
}

func idKey(id string) []byte {
	return []byte(prefixID + id)
}

// Save stores s, replacing any earlier record with the same ID.
func (st *Store) Save(s RunSummary) error {
	if s.ID == "" {
		return errors.New("history: empty run id")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.closed {
		return ErrClosed
	}

	err = st.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(idKey(s.ID))
		switch {
		case err == nil:
			old, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(old); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		key := runKey(s)
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(idKey(s.ID), key)
	})
	if err != nil {
		return fmt.Errorf("save run %s: %w", s.ID, err)
	}
	metrics.RunsTotal.WithLabelValues(s.Reason).Inc()
	return nil
}

// Get returns the run with the given ID.
func (st *Store) Get(id string) (RunSummary, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.closed {
		return RunSummary{}, ErrClosed
	}

	var s RunSummary
	err := st.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &s)
		})
	})
	return s, err
}

// List returns up to limit runs, newest first. A non-positive limit returns all.
func (st *Store) List(limit int) ([]RunSummary, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.closed {
		return nil, ErrClosed
	}

	var runs []RunSummary
	err := st.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(prefixRun)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks from just past the prefix.
		for it.Seek([]byte(prefixRun + "\xff")); it.ValidForPrefix(opts.Prefix); it.Next() {
			var s RunSummary
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			}); err != nil {
				return err
			}
			runs = append(runs, s)
			if limit > 0 && len(runs) == limit {
				break
			}
		}
		return nil
	})
	return runs, err
}

// Close closes the underlying database. Safe to call more than once.
func (st *Store) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true
	return st.db.Close()
}
