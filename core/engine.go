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

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/lseqkv/lseqkv/internal/telemetry"
	"k8s.io/klog/v2"
)

const (
	// readRetryAttempts bounds the number of snapshots Get will take while
	// waiting for a concurrent local remove's second sub-batch to land.
	readRetryAttempts = 100
	// readRetryDelay is the fixed back-off between read-repair attempts.
	readRetryDelay = 100 * time.Millisecond
)

var tracer = telemetry.Tracer("lseqkv.core")

// Engine is the local storage engine (S): the put/remove/get/scan surface
// built on a Substrate using the key codec and the sequence vector.
type Engine struct {
	o      Substrate
	v      *SeqVector
	selfID uint32
}

// NewEngine opens an Engine over o for the given selfID, recovering the
// sequence vector from whatever events o already holds.
func NewEngine(o Substrate, selfID uint32, maxReplicaID uint32) (*Engine, error) {
	if selfID >= maxReplicaID {
		return nil, fmt.Errorf("core: selfID %d out of range [0,%d)", selfID, maxReplicaID)
	}
	v := NewSeqVector(maxReplicaID)
	if err := v.Recover(o); err != nil {
		return nil, fmt.Errorf("core: recovering sequence vector: %w", err)
	}
	klog.Infof("core: recovered sequence vector, self=%d seq=%d", selfID, v.Read(selfID))
	return &Engine{o: o, v: v, selfID: selfID}, nil
}

// SelfID returns the replica id this engine writes events under.
func (e *Engine) SelfID() uint32 { return e.selfID }

// Put performs a local write: assign the next sequence for selfID, index it,
// and observe it in the sequence vector.
func (e *Engine) Put(ctx context.Context, userKey, value []byte) ([]byte, error) {
	_, span := tracer.Start(ctx, "lseqkv.core.Put")
	defer span.End()

	currentKey := encodeCurrent(userKey, e.selfID)
	seq, err := e.o.PutSequence(currentKey, value)
	if err != nil {
		return nil, fmt.Errorf("core: PutSequence: %w", err)
	}

	lseqKey := encodeLseqIndex(seq, e.selfID)
	batch := []Mutation{
		{Key: encodeReverse(currentKey), Value: lseqKey},
		{Key: lseqKey, Value: currentKey},
		{Key: encodeStamped(userKey, seq, e.selfID), Value: value},
	}
	if err := e.o.WriteBatch(batch); err != nil {
		// seq is now a tolerated hole: allocated but un-indexed. The
		// current-pointer was never advanced past the value just written,
		// and no index entry exposes the hole to readers.
		return nil, fmt.Errorf("core: indexing put(seq=%d): %w", seq, err)
	}
	e.v.Observe(e.selfID, seq)
	return lseqKey, nil
}

// Remove performs a local delete as a deliberate double-delete: the first
// sequenced-delete retires the value, the second retires the LSEQ-index key
// the reverse-pointer was just redirected to, so the index never exposes a
// dangling entry for the removed key once the second delete commits.
func (e *Engine) Remove(ctx context.Context, userKey []byte) ([]byte, error) {
	_, span := tracer.Start(ctx, "lseqkv.core.Remove")
	defer span.End()

	currentKey := encodeCurrent(userKey, e.selfID)
	seq1, err := e.o.DeleteSequence(currentKey)
	if err != nil {
		return nil, fmt.Errorf("core: DeleteSequence(current): %w", err)
	}
	lseqKey1 := encodeLseqIndex(seq1, e.selfID)

	if err := e.o.WriteBatch([]Mutation{{Key: encodeReverse(currentKey), Value: lseqKey1}}); err != nil {
		return nil, fmt.Errorf("core: overwriting reverse-pointer(seq=%d): %w", seq1, err)
	}

	seq2, err := e.o.DeleteSequence(lseqKey1)
	if err != nil {
		return nil, fmt.Errorf("core: DeleteSequence(lseq-index): %w", err)
	}
	e.v.Observe(e.selfID, seq2)
	return lseqKey1, nil
}

// Get resolves the latest value for userKey. If replicaID is nil, selfID is
// used and the read-repair retry loop applies; for any other replica id the
// read is single-shot, since foreign data is only ever modified through
// PutBatch's single atomic batch and the race Remove opens cannot arise.
func (e *Engine) Get(ctx context.Context, userKey []byte, replicaID *uint32) (*Result, error) {
	_, span := tracer.Start(ctx, "lseqkv.core.Get")
	defer span.End()

	if replicaID != nil && *replicaID != e.selfID {
		return e.getForeign(userKey, *replicaID)
	}
	return e.getSelf(ctx, userKey)
}

func (e *Engine) getForeign(userKey []byte, replicaID uint32) (*Result, error) {
	currentKey := encodeCurrent(userKey, replicaID)
	snap := e.o.Snapshot()
	defer snap.Release()

	value, found, err := snap.Get(currentKey)
	if err != nil {
		return nil, fmt.Errorf("core: Get(current): %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	lseqKey, _, err := snap.Get(encodeReverse(currentKey))
	if err != nil {
		return nil, fmt.Errorf("core: Get(reverse): %w", err)
	}
	return &Result{LseqKey: lseqKey, Value: value}, nil
}

func (e *Engine) getSelf(ctx context.Context, userKey []byte) (*Result, error) {
	currentKey := encodeCurrent(userKey, e.selfID)
	reverseKey := encodeReverse(currentKey)

	var result *Result
	var notFound bool
	errRetry := errors.New("core: read-repair witness mismatch")

	attempt := func() error {
		snap := e.o.Snapshot()
		defer snap.Release()

		value, found, err := snap.Get(currentKey)
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("core: Get(current): %w", err))
		}
		if !found {
			notFound = true
			return nil
		}

		lseqKey, haveReverse, err := snap.Get(reverseKey)
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("core: Get(reverse): %w", err))
		}
		if !haveReverse {
			return errRetry
		}

		echoKey, haveEcho, err := snap.Get(lseqKey)
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("core: Get(lseq-index): %w", err))
		}
		if !haveEcho || !bytes.Equal(echoKey, currentKey) {
			return errRetry
		}

		result = &Result{LseqKey: lseqKey, Value: value}
		return nil
	}

	err := retry.Do(attempt,
		retry.Context(ctx),
		retry.Attempts(readRetryAttempts),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(readRetryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if !errors.Is(err, errRetry) {
			return nil, err
		}
		klog.Warningf("core: Get(%q) exceeded read-repair retry cap: %v", userKey, err)
		return nil, ErrLivelock
	}
	if notFound {
		return nil, ErrNotFound
	}
	return result, nil
}

// GetByLseq scans the LSEQ-index family for replicaID, starting at seq
// (inclusive in GreaterEqual mode, exclusive in Greater mode), honoring limit
// (unbounded if negative).
func (e *Engine) GetByLseq(ctx context.Context, seq uint64, replicaID uint32, limit int, mode Compare) ([]Item, error) {
	_, span := tracer.Start(ctx, "lseqkv.core.GetByLseq")
	defer span.End()

	start := seq
	if mode == Greater {
		start++
	}

	snap := e.o.Snapshot()
	defer snap.Release()
	it := snap.NewIterator()
	defer it.Close()

	var items []Item
	for it.Seek(encodeLseqIndex(start, replicaID)); it.Valid(); it.Next() {
		k := it.Key()
		if len(k) == 0 || k[0] != familyLseq {
			break
		}
		if parseLseqIndexReplicaID(k) != replicaID {
			break
		}
		if limit >= 0 && len(items) >= limit {
			break
		}

		currentKey, err := it.Value()
		if err != nil {
			return nil, fmt.Errorf("core: GetByLseq: reading current-key: %w", err)
		}
		// Resolve the value from the stamped-key family rather than the
		// current-pointer: the current-pointer holds only the latest value
		// (and is gone entirely after a Remove), while the stamped entry
		// carries the value as of this exact event and is never rewritten.
		stamped := encodeStamped(parseCurrentUserKey(currentKey), parseLseqIndexSeq(k), replicaID)
		value, found, err := snap.Get(stamped)
		if err != nil {
			return nil, fmt.Errorf("core: GetByLseq: resolving value: %w", err)
		}
		if !found {
			return nil, fmt.Errorf("core: GetByLseq: lseq-index entry %x has no stamped entry", k)
		}

		lseqKey := append([]byte(nil), k...)
		items = append(items, Item{LseqKey: lseqKey, CurrentKey: currentKey, Value: value})
	}
	return items, nil
}

// GetValuesForKey scans the stamped-key family for userKey, starting at
// (seq, replicaID) per mode, returning versions ordered by (seq, replicaID):
// interleaved across replicas, chronological within each.
func (e *Engine) GetValuesForKey(ctx context.Context, userKey []byte, seq uint64, replicaID uint32, limit int, mode Compare) ([]Item, error) {
	_, span := tracer.Start(ctx, "lseqkv.core.GetValuesForKey")
	defer span.End()

	startSeq := seq
	if mode == Greater {
		startSeq++
	}

	snap := e.o.Snapshot()
	defer snap.Release()
	it := snap.NewIterator()
	defer it.Close()

	var items []Item
	for it.Seek(encodeStamped(userKey, startSeq, replicaID)); it.Valid(); it.Next() {
		k := it.Key()
		if len(k) == 0 || k[0] != familyStamped {
			break
		}
		uk, kseq, krep := parseStamped(k)
		if !bytes.Equal(uk, userKey) {
			break
		}
		if limit >= 0 && len(items) >= limit {
			break
		}

		value, err := it.Value()
		if err != nil {
			return nil, fmt.Errorf("core: GetValuesForKey: reading value: %w", err)
		}
		items = append(items, Item{
			LseqKey:    encodeLseqIndex(kseq, krep),
			CurrentKey: stampedCurrentFromStamped(k),
			Value:      value,
		})
	}
	return items, nil
}

// GetAllValuesForKey is GetValuesForKey(userKey, 0, replicaID, ...); the
// replicaID argument seeds the scan start but does not filter results.
func (e *Engine) GetAllValuesForKey(ctx context.Context, userKey []byte, replicaID uint32, limit int, mode Compare) ([]Item, error) {
	return e.GetValuesForKey(ctx, userKey, 0, replicaID, limit, mode)
}

// SequenceNumberForReplica returns the highest sequence observed from replicaID.
func (e *Engine) SequenceNumberForReplica(replicaID uint32) uint64 {
	return e.v.Read(replicaID)
}
