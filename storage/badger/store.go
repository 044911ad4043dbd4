// Copyright 2024 The Tessera authors. All Rights Reserved.
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

// Package badger implements core.Substrate on top of an embedded BadgerDB
// instance (https://github.com/hypermodeinc/badger).
package badger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/lseqkv/lseqkv/core"
	"k8s.io/klog/v2"
)

// seqCounterKey holds the substrate-wide monotonic sequence counter. Byte
// 0x00 sorts before every key family core's codec produces ('!', '#', '@',
// and the ASCII digits of a current-pointer's replica-id prefix), so it can
// never collide with application data.
var seqCounterKey = []byte{0x00}

// maxConflictRetries bounds how many times a write transaction is retried
// after Badger reports a write-write conflict under its optimistic
// concurrency control.
const maxConflictRetries = 50

// Store is a core.Substrate backed by an embedded Badger database.
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) a Badger database at path.
func Open(path string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(path))
	if err != nil {
		return nil, fmt.Errorf("storage/badger: open %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database's resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutSequence implements core.Substrate.
func (s *Store) PutSequence(key, value []byte) (uint64, error) {
	var seq uint64
	err := s.updateWithRetry(func(txn *badger.Txn) error {
		n, err := nextSeq(txn)
		if err != nil {
			return err
		}
		if err := txn.Set(key, value); err != nil {
			return err
		}
		seq = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage/badger: PutSequence: %w", err)
	}
	return seq, nil
}

// DeleteSequence implements core.Substrate.
func (s *Store) DeleteSequence(key []byte) (uint64, error) {
	var seq uint64
	err := s.updateWithRetry(func(txn *badger.Txn) error {
		n, err := nextSeq(txn)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		seq = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage/badger: DeleteSequence: %w", err)
	}
	return seq, nil
}

// WriteBatch implements core.Substrate.
func (s *Store) WriteBatch(muts []core.Mutation) error {
	err := s.updateWithRetry(func(txn *badger.Txn) error {
		for _, m := range muts {
			if m.Delete {
				if err := txn.Delete(m.Key); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(m.Key, m.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage/badger: WriteBatch: %w", err)
	}
	return nil
}

// Snapshot implements core.Substrate using a pinned Badger read transaction,
// which Badger serves from a fixed MVCC read timestamp: writes committed
// after Snapshot returns are invisible to it.
func (s *Store) Snapshot() core.Snapshot {
	return &snapshot{txn: s.db.NewTransaction(false)}
}

// nextSeq increments and returns the substrate-wide sequence counter within
// txn. Folding the counter into the same transaction as the data write it
// numbers is what makes PutSequence/DeleteSequence's (write, assign-seq) pair
// atomic: either both land, or Badger aborts the whole transaction.
func nextSeq(txn *badger.Txn) (uint64, error) {
	var cur uint64
	switch item, err := txn.Get(seqCounterKey); {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return 0, err
	default:
		if err := item.Value(func(v []byte) error {
			cur = binary.BigEndian.Uint64(v)
			return nil
		}); err != nil {
			return 0, err
		}
	}
	next := cur + 1
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, next)
	if err := txn.Set(seqCounterKey, b); err != nil {
		return 0, err
	}
	return next, nil
}

// updateWithRetry runs fn in a read-write transaction, retrying on
// badger.ErrConflict. Every sequenced write touches seqCounterKey, so any two
// concurrent sequenced writers conflict at the optimistic-concurrency layer; retrying
// here is what lets PutSequence/DeleteSequence/WriteBatch present as
// unconditional successes to core rather than surfacing Badger's retry
// contract to every caller.
func (s *Store) updateWithRetry(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		klog.V(2).Infof("storage/badger: retrying write after conflict (attempt %d)", attempt+1)
	}
	return fmt.Errorf("storage/badger: exceeded %d conflict retries: %w", maxConflictRetries, err)
}

type snapshot struct {
	txn *badger.Txn
}

func (sn *snapshot) Get(key []byte) ([]byte, bool, error) {
	item, err := sn.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (sn *snapshot) NewIterator() core.Iterator {
	return &iterator{it: sn.txn.NewIterator(badger.DefaultIteratorOptions)}
}

func (sn *snapshot) Release() {
	sn.txn.Discard()
}

type iterator struct {
	it *badger.Iterator
}

func (i *iterator) Seek(key []byte) { i.it.Seek(key) }
func (i *iterator) Valid() bool     { return i.it.Valid() }
func (i *iterator) Next()           { i.it.Next() }
func (i *iterator) Key() []byte     { return i.it.Item().KeyCopy(nil) }
func (i *iterator) Value() ([]byte, error) {
	return i.it.Item().ValueCopy(nil)
}
func (i *iterator) Close() { i.it.Close() }
