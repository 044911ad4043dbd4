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
	"context"
	"fmt"
)

// IngestTuple is one foreign event as received from a peer: the peer's
// LSEQ-index key, its current-key, and the value.
type IngestTuple struct {
	LseqKey    []byte
	CurrentKey []byte
	Value      []byte
}

// PutBatch applies a batch of foreign events in one atomic substrate
// write-batch, then observes each event's sequence in the vector.
//
// PutBatch is unsafe against untrusted input: it blindly overwrites local
// current-pointers for whatever replica id each tuple claims. Callers MUST
// serialize calls per originating replica (e.g. one mutex per replica id)
// and MUST ensure tuples come from an authenticated peer and pertain to a
// replica id other than this engine's selfID.
func (e *Engine) PutBatch(ctx context.Context, tuples []IngestTuple) error {
	_, span := tracer.Start(ctx, "lseqkv.core.PutBatch")
	defer span.End()

	muts := make([]Mutation, 0, 4*len(tuples))
	type observation struct {
		replicaID uint32
		seq       uint64
	}
	obs := make([]observation, 0, len(tuples))

	for _, t := range tuples {
		replicaID := parseLseqIndexReplicaID(t.LseqKey)
		seq := parseLseqIndexSeq(t.LseqKey)
		userKey := parseCurrentUserKey(t.CurrentKey)

		muts = append(muts,
			Mutation{Key: t.LseqKey, Value: t.CurrentKey},
			Mutation{Key: t.CurrentKey, Value: t.Value},
			Mutation{Key: encodeReverse(t.CurrentKey), Value: t.LseqKey},
			Mutation{Key: encodeStamped(userKey, seq, replicaID), Value: t.Value},
		)
		obs = append(obs, observation{replicaID: replicaID, seq: seq})
	}

	if err := e.o.WriteBatch(muts); err != nil {
		return fmt.Errorf("core: PutBatch: %w", err)
	}
	for _, o := range obs {
		e.v.Observe(o.replicaID, o.seq)
	}
	return nil
}
