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

package sync_test

import (
	"context"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/lseqkv/lseqkv/core"
	"github.com/lseqkv/lseqkv/server"
	lsync "github.com/lseqkv/lseqkv/sync"
)

// fakeEngine is shared test scaffolding between server and sync, each
// package keeping its own minimal copy scoped to the interface it depends on.
type fakeEngine struct {
	mu            sync.Mutex
	seqForReplica map[uint32]uint64
	byLseqItems   map[uint32][]core.Item

	selfID uint32

	putBatchTuples []core.IngestTuple
}

func (f *fakeEngine) SelfID() uint32 { return f.selfID }
func (f *fakeEngine) Put(_ context.Context, _, _ []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeEngine) Remove(_ context.Context, _ []byte) ([]byte, error) { return nil, nil }
func (f *fakeEngine) Get(_ context.Context, _ []byte, _ *uint32) (*core.Result, error) {
	return nil, core.ErrNotFound
}
func (f *fakeEngine) GetByLseq(_ context.Context, seq uint64, replicaID uint32, limit int, _ core.Compare) ([]core.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Item
	for _, it := range f.byLseqItems[replicaID] {
		_, itSeq := core.DecodeLseqKey(it.LseqKey)
		if itSeq > seq {
			out = append(out, it)
		}
	}
	return out, nil
}
func (f *fakeEngine) GetValuesForKey(_ context.Context, _ []byte, _ uint64, _ uint32, _ int, _ core.Compare) ([]core.Item, error) {
	return nil, nil
}
func (f *fakeEngine) SequenceNumberForReplica(replicaID uint32) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seqForReplica[replicaID]
}
func (f *fakeEngine) PutBatch(_ context.Context, tuples []core.IngestTuple) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putBatchTuples = append(f.putBatchTuples, tuples...)
	if f.seqForReplica == nil {
		f.seqForReplica = map[uint32]uint64{}
	}
	for _, tp := range tuples {
		replicaID, seq := core.DecodeLseqKey(tp.LseqKey)
		if seq > f.seqForReplica[replicaID] {
			f.seqForReplica[replicaID] = seq
		}
	}
	return nil
}

func mustAddr(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", rawURL, err)
	}
	return u.Host
}

func TestSyncerPushesNewerLocalEvents(t *testing.T) {
	peerEngine := &fakeEngine{seqForReplica: map[uint32]uint64{0: 2}}
	peerSrv := httptest.NewServer(server.New(context.Background(), peerEngine, 4).Handler())
	defer peerSrv.Close()

	localEngine := &fakeEngine{
		seqForReplica: map[uint32]uint64{0: 5},
		byLseqItems: map[uint32][]core.Item{
			0: {
				{LseqKey: core.EncodeLseqKey(0, 3), CurrentKey: []byte("0000000000k3"), Value: []byte("v3")},
				{LseqKey: core.EncodeLseqKey(0, 4), CurrentKey: []byte("0000000000k4"), Value: []byte("v4")},
				{LseqKey: core.EncodeLseqKey(0, 5), CurrentKey: []byte("0000000000k5"), Value: []byte("v5")},
			},
		},
	}

	syncer := lsync.New(localEngine, []string{mustAddr(t, peerSrv.URL)}, 4, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	syncer.Run(ctx)

	if len(peerEngine.putBatchTuples) != 3 {
		t.Fatalf("peer received %d tuples, want 3", len(peerEngine.putBatchTuples))
	}
}

func TestSyncerSkipsWhenLocalNotAhead(t *testing.T) {
	peerEngine := &fakeEngine{seqForReplica: map[uint32]uint64{0: 9}}
	peerSrv := httptest.NewServer(server.New(context.Background(), peerEngine, 4).Handler())
	defer peerSrv.Close()

	localEngine := &fakeEngine{seqForReplica: map[uint32]uint64{0: 3}}
	syncer := lsync.New(localEngine, []string{mustAddr(t, peerSrv.URL)}, 4, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	syncer.Run(ctx)

	if len(peerEngine.putBatchTuples) != 0 {
		t.Fatalf("peer received %d tuples, want 0", len(peerEngine.putBatchTuples))
	}
}
