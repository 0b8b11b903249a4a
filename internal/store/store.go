// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store implements the per-workspace, memory-mapped,
// multi-database, transactional key/value store. It wraps
// go.etcd.io/bbolt, which provides the same memory-mapped,
// single-writer/concurrent-reader, ACID-transaction properties as the
// LMDB store the reference Python implementation used directly.
package store

import (
	"bytes"
	"time"

	writeiterrors "github.com/nibzard/writeit/pkg/errors"
	"go.etcd.io/bbolt"
)

// MaxKeyBytes bounds key length.
const MaxKeyBytes = 511

// Store is a handle on one workspace's memory-mapped database.
type Store struct {
	db          *bbolt.DB
	maxMapBytes int64
}

// Open opens (or creates) the store at path. maxMapBytes, when non-zero,
// is a soft ceiling enforced on writes; past it, Put returns
// StorageFullError instead of growing unbounded. workspace is used only
// for error messages.
func Open(path string, maxMapBytes int64, workspace string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, writeiterrors.Wrapf(err, "opening storage engine for workspace %q at %s", workspace, path)
	}
	return &Store{db: db, maxMapBytes: maxMapBytes}, nil
}

// Close releases the memory map.
func (s *Store) Close() error {
	return s.db.Close()
}

func checkKey(key []byte) error {
	if len(key) == 0 {
		return &writeiterrors.ValidationError{Field: "key", Message: "key must not be empty"}
	}
	if len(key) > MaxKeyBytes {
		return &writeiterrors.ValidationError{Field: "key", Message: "key exceeds maximum length"}
	}
	return nil
}

func (s *Store) sizeCheck() error {
	if s.maxMapBytes <= 0 {
		return nil
	}
	size := s.db.Stats().TxStats.PageAlloc
	if int64(size) >= s.maxMapBytes {
		return &writeiterrors.StorageFullError{MaxBytes: s.maxMapBytes}
	}
	return nil
}

// Put writes key/value into subdb inside its own transaction.
func (s *Store) Put(subdb string, key, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := s.sizeCheck(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(subdb))
		if err != nil {
			return writeiterrors.Wrapf(err, "opening subdb %s", subdb)
		}
		return b.Put(key, value)
	})
}

// Get reads key from subdb. ok is false if the key (or the subdb) does
// not exist.
func (s *Store) Get(subdb string, key []byte) (value []byte, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(subdb))
		if b == nil {
			return nil
		}
		v := b.Get(key)
		if v == nil {
			return nil
		}
		// bbolt's Get result is only valid for the lifetime of the
		// transaction; copy it out.
		value = append([]byte(nil), v...)
		ok = true
		return nil
	})
	return value, ok, err
}

// Exists reports whether key is present in subdb.
func (s *Store) Exists(subdb string, key []byte) (bool, error) {
	_, ok, err := s.Get(subdb, key)
	return ok, err
}

// Delete removes key from subdb. removed is false if the key was absent.
func (s *Store) Delete(subdb string, key []byte) (removed bool, err error) {
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(subdb))
		if b == nil {
			return nil
		}
		if b.Get(key) == nil {
			return nil
		}
		removed = true
		return b.Delete(key)
	})
	return removed, err
}

// Scan iterates subdb's keys in lexicographic order, restricted to those
// with the given prefix, invoking fn with (key, value) for each. fn
// returns false to stop early. Scan runs inside a single read
// transaction so callers see a consistent snapshot.
func (s *Store) Scan(subdb string, prefix []byte, fn func(key, value []byte) (bool, error)) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(subdb))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			cont, err := fn(k, v)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

// Transaction runs fn inside a single atomic read-write batch: all of
// fn's writes commit together or not at all.
func (s *Store) Transaction(fn func(tx *Tx) error) error {
	if err := s.sizeCheck(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// Tx is a scoped atomic batch handed to Transaction's callback.
type Tx struct {
	btx *bbolt.Tx
}

// Put writes key/value into subdb within the enclosing transaction.
func (t *Tx) Put(subdb string, key, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	b, err := t.btx.CreateBucketIfNotExists([]byte(subdb))
	if err != nil {
		return writeiterrors.Wrapf(err, "opening subdb %s", subdb)
	}
	return b.Put(key, value)
}

// Get reads key from subdb within the enclosing transaction.
func (t *Tx) Get(subdb string, key []byte) ([]byte, bool) {
	b := t.btx.Bucket([]byte(subdb))
	if b == nil {
		return nil, false
	}
	v := b.Get(key)
	if v == nil {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Delete removes key from subdb within the enclosing transaction.
func (t *Tx) Delete(subdb string, key []byte) error {
	b := t.btx.Bucket([]byte(subdb))
	if b == nil {
		return nil
	}
	return b.Delete(key)
}
