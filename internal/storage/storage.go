// Package storage archives inference runs in a BoltDB file: one summary per run and
// the scored rows of that run, keyed so a run's rows can be scanned by prefix.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"rainfall-scorer/internal/evaluation"

	"go.etcd.io/bbolt"
)

const (
	runsBucket   = "runs"   // Run summaries keyed by run ID
	scoresBucket = "scores" // Scored rows keyed by runID_index
)

// ErrRunNotFound is returned when no run is stored under an ID.
var ErrRunNotFound = errors.New("run not found")

// Run summarises one inference pass.
type Run struct {
	ID         string              `json:"id"`
	Source     string              `json:"source"`
	ModelPath  string              `json:"model_path"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Total      int                 `json:"total"`
	Scored     int                 `json:"scored"`
	NaN        int                 `json:"nan"`
	Failed     int                 `json:"failed"`
	Evaluation *evaluation.Metrics `json:"evaluation,omitempty"`
}

// Score is one scored row of a run. Value and Actual are nil when undefined.
type Score struct {
	RunID      string   `json:"run_id"`
	Index      int      `json:"index"`
	State      string   `json:"state"`
	Prediction string   `json:"prediction"`
	Value      *float64 `json:"value,omitempty"`
	Actual     *float64 `json:"actual,omitempty"`
}

// Store provides persistent storage for runs using BoltDB.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the database file at path, creating parent directories.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(runsBucket)); err != nil {
			return fmt.Errorf("create runs bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(scoresBucket)); err != nil {
			return fmt.Errorf("create scores bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database. Calling it twice is safe.
func (s *Store) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// SaveRun writes or replaces a run summary.
func (s *Store) SaveRun(run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("marshal run: %w", err)
		}
		return tx.Bucket([]byte(runsBucket)).Put([]byte(run.ID), data)
	})
}

// GetRun returns the run stored under id.
func (s *Store) GetRun(id string) (Run, error) {
	var run Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(runsBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return json.Unmarshal(data, &run)
	})
	return run, err
}

// ListRuns returns every run, newest first.
func (s *Store) ListRuns() ([]Run, error) {
	runs := []Run{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(runsBucket)).ForEach(func(_, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return nil // Skip malformed records
			}
			runs = append(runs, run)
			return nil
		})
	})
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, err
}

// DeleteRun removes a run and its scores.
func (s *Store) DeleteRun(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(runsBucket)).Delete([]byte(id)); err != nil {
			return err
		}
		b := tx.Bucket([]byte(scoresBucket))
		c := b.Cursor()
		prefix := scorePrefix(id)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveScores stores the scored rows of a run in one transaction.
func (s *Store) SaveScores(runID string, scores []Score) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(scoresBucket))
		for _, score := range scores {
			score.RunID = runID
			data, err := json.Marshal(score)
			if err != nil {
				return fmt.Errorf("marshal score %d: %w", score.Index, err)
			}
			if err := b.Put(scoreKey(runID, score.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetScores returns the scored rows of a run in row order.
func (s *Store) GetScores(runID string) ([]Score, error) {
	scores := []Score{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(scoresBucket)).Cursor()
		prefix := scorePrefix(runID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var score Score
			if err := json.Unmarshal(v, &score); err != nil {
				continue
			}
			scores = append(scores, score)
		}
		return nil
	})
	return scores, err
}

func scorePrefix(runID string) []byte {
	return []byte(runID + "_")
}

// Zero padding keeps byte order equal to row order.
func scoreKey(runID string, index int) []byte {
	return []byte(fmt.Sprintf("%s_%010d", runID, index))
}
