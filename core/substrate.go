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

package core

// Mutation is one write in an atomic batch against the substrate: either a
// put (Delete == false) or a delete (Delete == true).
type Mutation struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Substrate is the ordered KV substrate (O) the engine is built on: point
// get/put/delete, write-batches applied atomically, and consistent read
// snapshots with ordered iteration. See storage/badger for the concrete
// implementation.
type Substrate interface {
	// PutSequence writes key->value and returns the substrate-assigned,
	// process-wide-monotonic sequence number for the write.
	PutSequence(key, value []byte) (seq uint64, err error)
	// DeleteSequence deletes key and returns the substrate-assigned,
	// process-wide-monotonic sequence number for the delete.
	DeleteSequence(key []byte) (seq uint64, err error)
	// WriteBatch applies muts atomically; either all or none are visible to
	// subsequent reads.
	WriteBatch(muts []Mutation) error
	// Snapshot opens a consistent point-in-time read view. Callers must call
	// Release on the returned Snapshot.
	Snapshot() Snapshot
}

// Snapshot is a consistent, point-in-time read view of the substrate.
type Snapshot interface {
	// Get returns the value for key, and found=false if no such key exists
	// in this snapshot.
	Get(key []byte) (value []byte, found bool, err error)
	// NewIterator returns an iterator over this snapshot, ordered by raw
	// byte-lexicographic key comparison.
	NewIterator() Iterator
	// Release returns the snapshot's resources. Must be called exactly once.
	Release()
}

// Iterator walks a Snapshot in byte-lexicographic key order.
type Iterator interface {
	// Seek positions the iterator at the first key >= key.
	Seek(key []byte)
	// Valid reports whether the iterator is positioned at a usable entry.
	Valid() bool
	// Next advances the iterator.
	Next()
	// Key returns the current entry's key. Only valid while Valid().
	Key() []byte
	// Value returns the current entry's value. Only valid while Valid().
	Value() ([]byte, error)
	// Close releases the iterator's resources.
	Close()
}
