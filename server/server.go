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

// Package server mounts an Engine's RPC surface as JSON-over-HTTP handlers,
// served as HTTP/2 cleartext via golang.org/x/net/http2/h2c so that peers
// keep a single multiplexed connection per pair without needing TLS inside
// the replication group.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lseqkv/lseqkv/api/lseqpb"
	"github.com/lseqkv/lseqkv/core"
	"github.com/lseqkv/lseqkv/internal/ingestqueue"
	"k8s.io/klog/v2"
)

// ingestQueueMaxAge/ingestQueueMaxSize bound how long a SyncPut_ batch from a
// given source replica waits to be coalesced with concurrent ones before
// the batch is applied to the engine.
const (
	ingestQueueMaxAge  = 50 * time.Millisecond
	ingestQueueMaxSize = 200
)

// Engine is the subset of *core.Engine the server depends on.
type Engine interface {
	SelfID() uint32
	Put(ctx context.Context, userKey, value []byte) ([]byte, error)
	Remove(ctx context.Context, userKey []byte) ([]byte, error)
	Get(ctx context.Context, userKey []byte, replicaID *uint32) (*core.Result, error)
	GetByLseq(ctx context.Context, seq uint64, replicaID uint32, limit int, mode core.Compare) ([]core.Item, error)
	GetValuesForKey(ctx context.Context, userKey []byte, seq uint64, replicaID uint32, limit int, mode core.Compare) ([]core.Item, error)
	SequenceNumberForReplica(replicaID uint32) uint64
	PutBatch(ctx context.Context, tuples []core.IngestTuple) error
}

// Mux mounts Engine's RPC surface over net/http.
//
// SyncPut_ (the authenticated peer ingest entrypoint) must serialize calls
// per originating replica, per core.Engine.PutBatch's own
// contract: two concurrent syncers delivering events from the same peer
// could otherwise race the current-pointer forward and backward. ingestMus
// is one mutex per replica id, the caller-side lock core.Engine.PutBatch's
// doc comment requires but does not itself provide.
//
// queues coalesces concurrent SyncPut_ calls carrying events from the same
// source replica into fewer, larger PutBatch calls, one ingestqueue.Queue
// per replica id so that coalescing never mixes events from two sources.
type Mux struct {
	engine       Engine
	maxReplicaID uint32
	ingestMus    []chan struct{}
	queues       []*ingestqueue.Queue
}

// New builds a Mux serving engine's RPCs, with a per-replica ingest mutex
// and ingest queue sized for replica ids in [0, maxReplicaID). ctx bounds the
// lifetime of the queues' flush workers.
func New(ctx context.Context, engine Engine, maxReplicaID uint32) *Mux {
	mus := make([]chan struct{}, maxReplicaID)
	for i := range mus {
		mus[i] = make(chan struct{}, 1)
	}
	m := &Mux{engine: engine, maxReplicaID: maxReplicaID, ingestMus: mus}

	m.queues = make([]*ingestqueue.Queue, maxReplicaID)
	for i := range m.queues {
		replicaID := uint32(i)
		m.queues[i] = ingestqueue.New(ctx, ingestQueueMaxAge, ingestQueueMaxSize,
			func(ctx context.Context, tuples []core.IngestTuple) error {
				return m.ingestLocked(ctx, replicaID, tuples)
			})
	}
	return m
}

// ingestLocked acquires replicaID's ingest mutex and applies tuples, the
// coalesced flush of one ingestqueue.Queue.
func (m *Mux) ingestLocked(ctx context.Context, replicaID uint32, tuples []core.IngestTuple) error {
	unlock, err := m.lockReplica(replicaID)
	if err != nil {
		return err
	}
	defer unlock()
	return m.engine.PutBatch(ctx, tuples)
}

// Handler returns the http.Handler serving every RPC route.
func (m *Mux) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /get", m.handleGetValue)
	mux.HandleFunc("POST /put", m.handlePut)
	mux.HandleFunc("POST /remove", m.handleRemove)
	mux.HandleFunc("POST /seekget", m.handleSeekGet)
	mux.HandleFunc("POST /events", m.handleGetReplicaEvents)
	mux.HandleFunc("GET /config", m.handleGetConfig)
	mux.HandleFunc("POST /sync/get", m.handleSyncGet)
	mux.HandleFunc("POST /sync/put", m.handleSyncPut)
	return mux
}

// GetValue wraps core.Engine.Get.
func (m *Mux) handleGetValue(w http.ResponseWriter, r *http.Request) {
	var req lseqpb.ReplicaKey
	if !decode(w, r, &req) {
		return
	}
	res, err := m.engine.Get(r.Context(), req.Key, req.ReplicaID)
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lseqpb.GetValueResponse{
		Lseq:  lseqFromKey(res.LseqKey),
		Value: res.Value,
	})
}

// Put wraps core.Engine.Put.
func (m *Mux) handlePut(w http.ResponseWriter, r *http.Request) {
	var req lseqpb.PutRequest
	if !decode(w, r, &req) {
		return
	}
	lseqKey, err := m.engine.Put(r.Context(), req.Key, req.Value)
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lseqpb.PutResponse{Lseq: lseqFromKey(lseqKey)})
}

// Remove wraps core.Engine.Remove.
func (m *Mux) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req lseqpb.RemoveRequest
	if !decode(w, r, &req) {
		return
	}
	lseqKey, err := m.engine.Remove(r.Context(), req.Key)
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lseqpb.RemoveResponse{Lseq: lseqFromKey(lseqKey)})
}

// SeekGet wraps GetValuesForKey when Key is set, else GetByLseq, both in
// Greater mode.
func (m *Mux) handleSeekGet(w http.ResponseWriter, r *http.Request) {
	var req lseqpb.SeekGetRequest
	if !decode(w, r, &req) {
		return
	}

	var items []core.Item
	var err error
	if len(req.Key) > 0 {
		items, err = m.engine.GetValuesForKey(r.Context(), req.Key, req.Lseq.Seq, req.Lseq.ReplicaID, req.Limit, core.Greater)
	} else {
		items, err = m.engine.GetByLseq(r.Context(), req.Lseq.Seq, req.Lseq.ReplicaID, req.Limit, core.Greater)
	}
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dbItemsFromCore(items))
}

// GetReplicaEvents defaults lseq to (replica_id, 0) and delegates to
// GetByLseq.
func (m *Mux) handleGetReplicaEvents(w http.ResponseWriter, r *http.Request) {
	var req lseqpb.EventsRequest
	if !decode(w, r, &req) {
		return
	}
	seq := uint64(0)
	mode := core.GreaterEqual
	if req.Lseq != nil {
		seq = req.Lseq.Seq
		mode = core.Greater
	}
	items, err := m.engine.GetByLseq(r.Context(), seq, req.ReplicaID, req.Limit, mode)
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dbItemsFromCore(items))
}

// GetConfig reports this replica's identity and the replicated group's size.
func (m *Mux) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, lseqpb.Config{
		SelfReplicaID: m.engine.SelfID(),
		MaxReplicaID:  m.maxReplicaID,
	})
}

// SyncGet_ is the gossip peer-probe: reports sequenceNumberForReplica(id).
func (m *Mux) handleSyncGet(w http.ResponseWriter, r *http.Request) {
	var req lseqpb.SyncGetRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ReplicaID >= m.maxReplicaID {
		writeError(w, http.StatusBadRequest, fmt.Errorf("replica id %d out of range [0,%d)", req.ReplicaID, m.maxReplicaID))
		return
	}
	seq := m.engine.SequenceNumberForReplica(req.ReplicaID)
	writeJSON(w, http.StatusOK, lseqpb.SyncGetResponse{Lseq: lseqpb.LSeq{ReplicaID: req.ReplicaID, Seq: seq}})
}

// SyncPut_ is the authenticated peer ingest entrypoint: queues every item for
// coalescing with concurrent pushes from the same source replica, then waits
// for the coalesced Batch Ingest call that carries it to complete.
func (m *Mux) handleSyncPut(w http.ResponseWriter, r *http.Request) {
	var req lseqpb.DBItems
	if !decode(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	srcReplica := req.Items[0].Lseq.ReplicaID
	if srcReplica >= m.maxReplicaID {
		writeError(w, http.StatusBadRequest, fmt.Errorf("replica id %d out of range [0,%d)", srcReplica, m.maxReplicaID))
		return
	}
	for _, it := range req.Items {
		if it.Lseq.ReplicaID != srcReplica {
			writeError(w, http.StatusBadRequest, errors.New("SyncPut_: items from more than one source replica in a single call"))
			return
		}
	}

	// Only queue once the whole request has been validated, so a rejected
	// request never leaves a partial batch enqueued behind it.
	waits := make([]ingestqueue.WaitFunc, len(req.Items))
	for i, it := range req.Items {
		tuple := core.IngestTuple{
			LseqKey:    encodeLseqIndexKey(it.Lseq),
			CurrentKey: it.Key,
			Value:      it.Value,
		}
		waits[i] = m.queues[srcReplica].Add(r.Context(), tuple)
	}

	for _, wait := range waits {
		if err := wait(); err != nil {
			writeEngineErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// lockReplica acquires the ingest mutex for replicaID, returning a func that
// releases it.
func (m *Mux) lockReplica(replicaID uint32) (func(), error) {
	if replicaID >= m.maxReplicaID {
		return nil, fmt.Errorf("replica id %d out of range [0,%d)", replicaID, m.maxReplicaID)
	}
	ch := m.ingestMus[replicaID]
	ch <- struct{}{}
	return func() { <-ch }, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.Errorf("server: writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, lseqpb.ErrorResponse{Error: err.Error()})
}

func writeEngineErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, core.ErrLivelock):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func lseqFromKey(lseqKey []byte) lseqpb.LSeq {
	replicaID, seq := core.DecodeLseqKey(lseqKey)
	return lseqpb.LSeq{ReplicaID: replicaID, Seq: seq}
}

func encodeLseqIndexKey(l lseqpb.LSeq) []byte {
	return core.EncodeLseqKey(l.ReplicaID, l.Seq)
}

func dbItemsFromCore(items []core.Item) lseqpb.DBItems {
	out := lseqpb.DBItems{Items: make([]lseqpb.DBItem, len(items))}
	for i, it := range items {
		out.Items[i] = lseqpb.DBItem{
			Lseq:  lseqFromKey(it.LseqKey),
			Key:   it.CurrentKey,
			Value: it.Value,
		}
	}
	return out
}
