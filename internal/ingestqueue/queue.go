// Copyright 2024 Google LLC. All Rights Reserved.
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

// Package ingestqueue coalesces individual foreign events arriving from
// SyncPut_ calls into batched core.Engine.PutBatch calls.
package ingestqueue

import (
	"context"
	"sync"
	"time"

	"github.com/globocom/go-buffer"
	"github.com/lseqkv/lseqkv/core"
)

// WaitFunc blocks until the tuple it was returned for has been flushed,
// returning any error from the PutBatch call that carried it.
type WaitFunc func() error

// FlushFunc applies a coalesced batch of foreign events to the local engine.
type FlushFunc func(ctx context.Context, tuples []core.IngestTuple) error

// Queue knows how to queue up foreign IngestTuples in arrival order, taking
// care of deduplication as they're added.
//
// When the buffered queue reaches maxSize, or the age of its oldest tuple
// reaches maxAge, the queue calls FlushFunc with every queued tuple in the
// order they were added. Tuples that arrive again (same LSEQ key) while
// still in flight are squashed into the pending one rather than queued
// twice; the squashed caller observes the same outcome as the first.
//
// The sequence number of every queued tuple was assigned by the originating
// replica, not by this process, so there is nothing for FlushFunc to return
// beyond success or failure.
type Queue struct {
	buf   *buffer.Buffer
	flush FlushFunc

	inFlightMu sync.Mutex
	inFlight   map[string]*pending
}

// New creates a new queue with the specified maximum age and size.
//
// f is invoked with the contents of the queue, in arrival order, whenever
// the oldest tuple in the queue has been there for maxAge, or the queue
// reaches maxSize. The flush runs on a worker goroutine decoupled from the
// calls to Add so that a slow PutBatch never blocks the filling of the next
// batch.
func New(ctx context.Context, maxAge time.Duration, maxSize uint, f FlushFunc) *Queue {
	q := &Queue{
		flush:    f,
		inFlight: make(map[string]*pending, maxSize),
	}

	work := make(chan []*pending, 1)
	toWork := func(items []interface{}) {
		batch := make([]*pending, len(items))
		for i, t := range items {
			batch[i] = t.(*pending)
		}
		work <- batch
	}

	q.buf = buffer.New(
		buffer.WithSize(maxSize),
		buffer.WithFlushInterval(maxAge),
		buffer.WithFlusher(buffer.FlusherFunc(toWork)),
	)

	go func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case batch := <-work:
				q.doFlush(ctx, batch)
			}
		}
	}(ctx)
	return q
}

// squashDupes tracks in-flight tuples by LSEQ key, enabling dupe squashing
// for tuples currently queued. Returns the pending entry, and whether it was
// already known (and therefore must not be queued again).
func (q *Queue) squashDupes(t core.IngestTuple) (*pending, bool) {
	q.inFlightMu.Lock()
	defer q.inFlightMu.Unlock()

	k := string(t.LseqKey)
	p, known := q.inFlight[k]
	if !known {
		p = newPending(t)
		q.inFlight[k] = p
	}
	return p, known
}

// Add places t into the queue, and returns a func which blocks for the
// outcome of whichever flush eventually carries it.
func (q *Queue) Add(ctx context.Context, t core.IngestTuple) WaitFunc {
	p, isDupe := q.squashDupes(t)
	if isDupe {
		return p.wait
	}
	if err := q.buf.Push(p); err != nil {
		p.assign(err)
	}
	return p.wait
}

// doFlush hands the queued batch to FlushFunc and releases every waiter,
// including dupes, with its outcome.
func (q *Queue) doFlush(ctx context.Context, batch []*pending) {
	tuples := make([]core.IngestTuple, 0, len(batch))
	for _, p := range batch {
		tuples = append(tuples, p.data)
	}

	err := q.flush(ctx, tuples)

	q.inFlightMu.Lock()
	defer q.inFlightMu.Unlock()
	for _, p := range batch {
		p.assign(err)
		delete(q.inFlight, string(p.data.LseqKey))
	}
}

// pending represents an in-flight tuple in the queue.
//
// wait acts as a future for the tuple's flush outcome, and will hang until
// assign is called.
type pending struct {
	data core.IngestTuple
	c    chan WaitFunc
	wait WaitFunc
}

func newPending(data core.IngestTuple) *pending {
	p := &pending{
		data: data,
		c:    make(chan WaitFunc, 1),
	}
	p.wait = sync.OnceValue(func() error {
		return (<-p.c)()
	})
	return p
}

// assign sets the flush outcome for the tuple.
//
// Must only be called once; any current or future caller of wait() observes
// the value provided here.
func (p *pending) assign(err error) {
	p.c <- func() error { return err }
	close(p.c)
}
