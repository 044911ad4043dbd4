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
	"fmt"
	"sync/atomic"
)

// SeqVector is an in-memory vector of atomic per-replica sequence counters,
// tracking the highest sequence observed from each replica. It is the only
// mutable shared state in the core besides the substrate itself.
type SeqVector struct {
	counters []atomic.Uint64
}

// NewSeqVector allocates a vector sized for replica ids in [0, maxReplicaID).
func NewSeqVector(maxReplicaID uint32) *SeqVector {
	return &SeqVector{counters: make([]atomic.Uint64, maxReplicaID)}
}

// Observe raises V[replicaID] to max(V[replicaID], seq) via a CAS loop. It
// never lowers the counter.
func (v *SeqVector) Observe(replicaID uint32, seq uint64) {
	v.checkReplica(replicaID)
	c := &v.counters[replicaID]
	for {
		cur := c.Load()
		if seq <= cur {
			return
		}
		if c.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Read acquire-loads V[replicaID].
func (v *SeqVector) Read(replicaID uint32) uint64 {
	v.checkReplica(replicaID)
	return v.counters[replicaID].Load()
}

// Recover rebuilds the vector from the substrate's LSEQ-index family. For
// each replica it scans starting at encodeLseqIndex(0, r), stopping at the
// first key whose family byte isn't '#' or whose parsed replica id differs
// from r (the '#' family holds every replica contiguously, sorted by replica
// id then seq, so both checks are required), and sets V[r] to the last seq
// seen (0 if none).
func (v *SeqVector) Recover(s Substrate) error {
	snap := s.Snapshot()
	defer snap.Release()

	for r := uint32(0); r < uint32(len(v.counters)); r++ {
		it := snap.NewIterator()
		var last uint64
		for it.Seek(encodeLseqIndex(0, r)); it.Valid(); it.Next() {
			k := it.Key()
			if len(k) == 0 || k[0] != familyLseq {
				break
			}
			if parseLseqIndexReplicaID(k) != r {
				break
			}
			last = parseLseqIndexSeq(k)
		}
		it.Close()
		v.counters[r].Store(last)
	}
	return nil
}

func (v *SeqVector) checkReplica(replicaID uint32) {
	if replicaID >= uint32(len(v.counters)) {
		panic(fmt.Sprintf("core: replica id %d out of range [0,%d)", replicaID, len(v.counters)))
	}
}
