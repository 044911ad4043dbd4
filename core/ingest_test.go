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

package core_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/lseqkv/lseqkv/core"
)

func TestPutBatchAppliesForeignEvents(t *testing.T) {
	e := newTestEngine(t, 0, 4)
	ctx := context.Background()

	tuples := []core.IngestTuple{
		{LseqKey: core.EncodeLseqKey(1, 12), CurrentKey: currentKey("ab", 1), Value: []byte("val")},
		{LseqKey: core.EncodeLseqKey(1, 15), CurrentKey: currentKey("ab2", 1), Value: []byte("val2")},
		{LseqKey: core.EncodeLseqKey(1, 16), CurrentKey: currentKey("abc", 1), Value: []byte("valc")},
		{LseqKey: core.EncodeLseqKey(3, 19), CurrentKey: currentKey("ab", 3), Value: []byte("val3")},
	}
	if err := e.PutBatch(ctx, tuples); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}

	for _, tc := range []struct {
		key       string
		replicaID uint32
		want      string
	}{
		{"ab", 1, "val"},
		{"ab2", 1, "val2"},
		{"abc", 1, "valc"},
		{"ab", 3, "val3"},
	} {
		res, err := e.Get(ctx, []byte(tc.key), replica(tc.replicaID))
		if err != nil {
			t.Fatalf("Get(%q, %d): %v", tc.key, tc.replicaID, err)
		}
		if !bytes.Equal(res.Value, []byte(tc.want)) {
			t.Errorf("Get(%q, %d).Value = %q, want %q", tc.key, tc.replicaID, res.Value, tc.want)
		}
	}

	if _, err := e.Get(ctx, []byte("ab"), replica(2)); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get(ab, 2): err = %v, want ErrNotFound", err)
	}

	if got := e.SequenceNumberForReplica(1); got != 16 {
		t.Errorf("SequenceNumberForReplica(1) = %d, want 16", got)
	}
	if got := e.SequenceNumberForReplica(3); got != 19 {
		t.Errorf("SequenceNumberForReplica(3) = %d, want 19", got)
	}
}

func TestPutBatchReplayIsIdempotent(t *testing.T) {
	e := newTestEngine(t, 0, 4)
	ctx := context.Background()

	tuples := []core.IngestTuple{
		{LseqKey: core.EncodeLseqKey(1, 7), CurrentKey: currentKey("k", 1), Value: []byte("v")},
		{LseqKey: core.EncodeLseqKey(1, 9), CurrentKey: currentKey("k", 1), Value: []byte("v2")},
	}

	// Peer replication resends tuples; applying the same batch again must
	// converge to the same state rather than corrupt it.
	for i := 0; i < 2; i++ {
		if err := e.PutBatch(ctx, tuples); err != nil {
			t.Fatalf("PutBatch (apply %d): %v", i+1, err)
		}
	}

	res, err := e.Get(ctx, []byte("k"), replica(1))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(res.Value, []byte("v2")) {
		t.Errorf("Get(k, 1).Value = %q, want %q", res.Value, "v2")
	}
	if got := e.SequenceNumberForReplica(1); got != 9 {
		t.Errorf("SequenceNumberForReplica(1) = %d, want 9", got)
	}

	items, err := e.GetByLseq(ctx, 0, 1, -1, core.GreaterEqual)
	if err != nil {
		t.Fatalf("GetByLseq: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d events for replica 1 after replay, want 2", len(items))
	}
}

func TestPutBatchRecordsVersionHistory(t *testing.T) {
	e := newTestEngine(t, 0, 4)
	ctx := context.Background()

	if err := e.PutBatch(ctx, []core.IngestTuple{
		{LseqKey: core.EncodeLseqKey(1, 5), CurrentKey: currentKey("h", 1), Value: []byte("old")},
		{LseqKey: core.EncodeLseqKey(1, 8), CurrentKey: currentKey("h", 1), Value: []byte("new")},
	}); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}

	items, err := e.GetAllValuesForKey(ctx, []byte("h"), 0, -1, core.GreaterEqual)
	if err != nil {
		t.Fatalf("GetAllValuesForKey: %v", err)
	}
	var values []string
	for _, it := range items {
		values = append(values, string(it.Value))
	}
	if diff := cmp.Diff([]string{"old", "new"}, values); diff != "" {
		t.Errorf("ingested version history (-want +got):\n%s", diff)
	}
}

func TestPutBatchEmptyIsNoOp(t *testing.T) {
	e := newTestEngine(t, 0, 4)
	if err := e.PutBatch(context.Background(), nil); err != nil {
		t.Fatalf("PutBatch(nil): %v", err)
	}
	if got := e.SequenceNumberForReplica(1); got != 0 {
		t.Errorf("SequenceNumberForReplica(1) = %d, want 0", got)
	}
}
