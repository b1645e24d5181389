// Package storage keeps a history of finished runs in a bbolt file.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

const (
	BucketRuns   = "runs"
	BucketByTime = "by_time"
)

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("run not found")

type Store struct {
	db *bbolt.DB
}

// DefaultPath is ~/.surgeq/history.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".surgeq", "history.db"), nil
}

func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{BucketRuns, BucketByTime} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// timeKey sorts lexically in start order.
func timeKey(r Record) []byte {
	return []byte(fmt.Sprintf("%020d-%s", r.Timestamp.UnixNano(), r.ID))
}

func (s *Store) Save(r Record) error {
	if r.ID == "" {
		return errors.New("record has no id")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(BucketRuns)).Put([]byte(r.ID), data); err != nil {
			return err
		}
		return tx.Bucket([]byte(BucketByTime)).Put(timeKey(r), []byte(r.ID))
	})
}

// List returns up to limit records, newest first. A limit of 0 means all.
func (s *Store) List(limit int) ([]Record, error) {
	var items []Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		runs := tx.Bucket([]byte(BucketRuns))
		c := tx.Bucket([]byte(BucketByTime)).Cursor()

		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			if limit > 0 && len(items) >= limit {
				break
			}
			v := runs.Get(id)
			if v == nil {
				continue
			}
			var item Record
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode run %s: %w", id, err)
			}
			items = append(items, item)
		}
		return nil
	})
	return items, err
}

func (s *Store) Get(id string) (*Record, error) {
	var item Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(BucketRuns)).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(v, &item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}
