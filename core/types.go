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

import "errors"

// Compare selects the cut-off semantics for a range scan's starting position.
type Compare int

const (
	// GreaterEqual includes the starting LSEQ/seq in the scan.
	GreaterEqual Compare = iota
	// Greater excludes the starting LSEQ/seq from the scan.
	Greater
)

var (
	// ErrNotFound is returned by Get when the current-pointer for a key is absent.
	ErrNotFound = errors.New("core: key not found")
	// ErrLivelock is returned by Get when the read-repair retry cap is exceeded.
	ErrLivelock = errors.New("core: read retry cap exceeded, back off and retry")
)

// Item is one (LSEQ, current-key, value) tuple, the unit exchanged between
// replicas and returned by the range-scan operations.
type Item struct {
	LseqKey    []byte
	CurrentKey []byte
	Value      []byte
}

// Result is the outcome of a point Get: the LSEQ of the value's event, and
// the value itself.
type Result struct {
	LseqKey []byte
	Value   []byte
}

// EncodeLseqKey builds the opaque LSEQ-index key for (replicaID, seq), for
// callers (server) that need to construct one from a wire (replica id, seq)
// pair rather than receiving it from an Engine method.
func EncodeLseqKey(replicaID uint32, seq uint64) []byte {
	return encodeLseqIndex(seq, replicaID)
}

// DecodeLseqKey is the inverse of EncodeLseqKey: it recovers (replicaID, seq)
// from an opaque LSEQ-index key such as Result.LseqKey or Item.LseqKey.
func DecodeLseqKey(lseqKey []byte) (replicaID uint32, seq uint64) {
	return parseLseqIndexReplicaID(lseqKey), parseLseqIndexSeq(lseqKey)
}
