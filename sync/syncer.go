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

// Package sync implements the best-effort pairwise gossip loop that keeps
// replicas converging: each tick, a replica pushes whatever of its own
// events are newer than what a peer has already seen.
package sync

import (
	"context"
	"math/rand"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/avast/retry-go/v4"
	"k8s.io/klog/v2"

	"github.com/lseqkv/lseqkv/api/lseqpb"
	"github.com/lseqkv/lseqkv/core"
)

// transferDelay is the fixed pause between successive transfers to the same
// peer, so one tick never saturates a peer's ingest path.
const transferDelay = 100 * time.Millisecond

// peerCallAttempts bounds retries of a single SyncGet_/SyncPut_ call against
// an unreliable peer before that (peer, replica) pair is skipped for the
// tick.
const peerCallAttempts = 3

// backoffCacheSize bounds the number of peers tracked for consecutive-failure
// backoff.
const backoffCacheSize = 256

// skipAfterFailures is how many consecutive tick failures make a peer get
// skipped for skipTicks ticks.
const skipAfterFailures = 3
const skipTicks = 5

// Engine is the subset of *core.Engine the syncer depends on.
type Engine interface {
	SequenceNumberForReplica(replicaID uint32) uint64
	GetByLseq(ctx context.Context, seq uint64, replicaID uint32, limit int, mode core.Compare) ([]core.Item, error)
}

// Syncer periodically pushes local events to a fixed set of peers.
type Syncer struct {
	engine       Engine
	peers        []string
	maxReplicaID uint32
	interval     time.Duration

	backoff *lru.Cache[string, *peerBackoff]
}

type peerBackoff struct {
	consecutiveFailures int
	skipUntilTick       int
}

// New builds a Syncer over engine, gossiping with peers (host:port,
// addressing server.Mux's listener) every interval for replica ids in
// [0, maxReplicaID).
func New(engine Engine, peers []string, maxReplicaID uint32, interval time.Duration) *Syncer {
	backoff, err := lru.New[string, *peerBackoff](backoffCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which backoffCacheSize never is.
		panic(err)
	}
	return &Syncer{
		engine:       engine,
		peers:        peers,
		maxReplicaID: maxReplicaID,
		interval:     interval,
		backoff:      backoff,
	}
}

// Run blocks, ticking every s.interval until ctx is done.
func (s *Syncer) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for tick := 0; ; tick++ {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.tick(ctx, tick)
	}
}

func (s *Syncer) tick(ctx context.Context, tick int) {
	peerOrder := rand.Perm(len(s.peers))
	replicaOrder := rand.Perm(int(s.maxReplicaID))

	for _, pi := range peerOrder {
		peer := s.peers[pi]
		if s.isBackedOff(peer, tick) {
			continue
		}

		lat := movingaverage.New(10)
		client := NewClient(peer)
		failed := false

		for _, ri := range replicaOrder {
			replicaID := uint32(ri)
			start := time.Now()
			pushed, err := s.syncOneReplica(ctx, client, replicaID)
			if err != nil {
				klog.Warningf("sync: pushing replica %d to %s: %v", replicaID, peer, err)
				failed = true
				continue
			}
			lat.Add(float64(time.Since(start).Milliseconds()))
			if pushed {
				time.Sleep(transferDelay)
			}
		}

		if avg := lat.Avg(); avg > 0 {
			klog.V(1).Infof("sync: %s avg transfer latency %.1fms", peer, avg)
		}
		s.recordOutcome(peer, tick, failed)
	}
}

// syncOneReplica pushes every local event for replicaID newer than what the
// peer reports it has already seen, and reports whether a batch was pushed.
func (s *Syncer) syncOneReplica(ctx context.Context, client *Client, replicaID uint32) (bool, error) {
	localSeq := s.engine.SequenceNumberForReplica(replicaID)
	if localSeq == 0 {
		return false, nil
	}

	var remote lseqpb.SyncGetResponse
	err := retry.Do(func() error {
		var err error
		remote, err = client.SyncGet(ctx, replicaID)
		return err
	}, retry.Context(ctx), retry.Attempts(peerCallAttempts))
	if err != nil {
		return false, err
	}

	if localSeq <= remote.Lseq.Seq {
		return false, nil
	}

	items, err := s.engine.GetByLseq(ctx, remote.Lseq.Seq, replicaID, -1, core.Greater)
	if err != nil {
		return false, err
	}
	if len(items) == 0 {
		return false, nil
	}

	batch := lseqpb.DBItems{Items: make([]lseqpb.DBItem, len(items))}
	for i, it := range items {
		itemReplicaID, itemSeq := core.DecodeLseqKey(it.LseqKey)
		batch.Items[i] = lseqpb.DBItem{
			Lseq:  lseqpb.LSeq{ReplicaID: itemReplicaID, Seq: itemSeq},
			Key:   it.CurrentKey,
			Value: it.Value,
		}
	}

	err = retry.Do(func() error {
		return client.SyncPut(ctx, batch)
	}, retry.Context(ctx), retry.Attempts(peerCallAttempts))
	return err == nil, err
}

func (s *Syncer) isBackedOff(peer string, tick int) bool {
	b, ok := s.backoff.Get(peer)
	if !ok {
		return false
	}
	return b.consecutiveFailures >= skipAfterFailures && tick < b.skipUntilTick
}

func (s *Syncer) recordOutcome(peer string, tick int, failed bool) {
	b, ok := s.backoff.Get(peer)
	if !ok {
		b = &peerBackoff{}
		s.backoff.Add(peer, b)
	}
	if !failed {
		b.consecutiveFailures = 0
		return
	}
	b.consecutiveFailures++
	if b.consecutiveFailures >= skipAfterFailures {
		b.skipUntilTick = tick + 1 + skipTicks
		klog.Warningf("sync: %s failed %d consecutive ticks, skipping until tick %d", peer, b.consecutiveFailures, b.skipUntilTick)
	}
}
