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

// Package core implements the local storage engine of an LSEQ-replicated
// key/value store: the key-schema design and the read/write protocols that
// sit on top of an ordered embedded KV substrate.
package core

import (
	"fmt"
	"strconv"
)

const (
	// idLen is the width, in bytes, of a zero-padded replica id field. The
	// leading byte of that field doubles as a family tag for the '#' and '@'
	// families, so those families carry idLen-1 digits of replica id.
	idLen = 10
	// seqLen is the width, in bytes, of a zero-padded sequence number field.
	seqLen = 15

	familyStamped = '!'
	familyLseq    = '#'
	familyReverse = '@'
)

// encodeCurrent returns the current-pointer key for (userKey, replicaID):
// pad(replicaID, idLen) ++ userKey.
func encodeCurrent(userKey []byte, replicaID uint32) []byte {
	out := make([]byte, 0, idLen+len(userKey))
	out = appendPadded(out, uint64(replicaID), idLen)
	out = append(out, userKey...)
	return out
}

// encodeReverse rewrites a current-pointer key into its reverse-pointer key
// by replacing the leading family byte with '@'.
func encodeReverse(currentKey []byte) []byte {
	if len(currentKey) < idLen {
		panic(fmt.Sprintf("core: current key too short: %d", len(currentKey)))
	}
	out := make([]byte, len(currentKey))
	copy(out, currentKey)
	out[0] = familyReverse
	return out
}

// encodeLseqIndex returns the LSEQ-index key for (replicaID, seq):
// '#' ++ pad(replicaID, idLen-1) ++ pad(seq, seqLen).
func encodeLseqIndex(seq uint64, replicaID uint32) []byte {
	out := make([]byte, 0, idLen+seqLen)
	out = append(out, familyLseq)
	out = appendPadded(out, uint64(replicaID), idLen-1)
	out = appendPadded(out, seq, seqLen)
	return out
}

// encodeStamped returns the append-only stamped-key for (userKey, seq, replicaID):
// '!' ++ userKey ++ pad(seq, seqLen) ++ pad(replicaID, idLen).
func encodeStamped(userKey []byte, seq uint64, replicaID uint32) []byte {
	out := make([]byte, 0, 1+len(userKey)+seqLen+idLen)
	out = append(out, familyStamped)
	out = append(out, userKey...)
	out = appendPadded(out, seq, seqLen)
	out = appendPadded(out, uint64(replicaID), idLen)
	return out
}

// stampedCurrentFromStamped rewrites a stamped key's family prefix to produce
// the corresponding current-key: strips the leading '!' and the trailing
// (seq, replicaID) suffix, replacing the stripped prefix with the current-key's
// zero-padded replica-id prefix.
func stampedCurrentFromStamped(stamped []byte) []byte {
	userKey, _, replicaID := parseStamped(stamped)
	return encodeCurrent(userKey, replicaID)
}

// parseLseqIndexReplicaID extracts the replica id from an LSEQ-index key
// (bytes 1..idLen).
func parseLseqIndexReplicaID(lseqKey []byte) uint32 {
	if len(lseqKey) < idLen {
		panic(fmt.Sprintf("core: lseq-index key too short: %d", len(lseqKey)))
	}
	return mustParseUint32(lseqKey[1:idLen])
}

// parseLseqIndexSeq extracts the seq from an LSEQ-index key (bytes idLen..idLen+seqLen).
func parseLseqIndexSeq(lseqKey []byte) uint64 {
	if len(lseqKey) < idLen+seqLen {
		panic(fmt.Sprintf("core: lseq-index key too short: %d", len(lseqKey)))
	}
	return mustParseUint64(lseqKey[idLen : idLen+seqLen])
}

// parseStamped extracts (userKey, seq, replicaID) from a stamped key, given
// that the layout ends with fixed-width seq then replicaID fields following
// a leading family byte and the variable-width userKey.
func parseStamped(stamped []byte) (userKey []byte, seq uint64, replicaID uint32) {
	n := len(stamped)
	if n < 1+seqLen+idLen {
		panic(fmt.Sprintf("core: stamped key too short: %d", n))
	}
	keyEnd := n - seqLen - idLen
	userKey = stamped[1:keyEnd]
	seq = mustParseUint64(stamped[keyEnd : keyEnd+seqLen])
	replicaID = mustParseUint32(stamped[keyEnd+seqLen:])
	return userKey, seq, replicaID
}

// parseCurrentReplicaID extracts the replica id encoded in a current-pointer key.
func parseCurrentReplicaID(currentKey []byte) uint32 {
	if len(currentKey) < idLen {
		panic(fmt.Sprintf("core: current key too short: %d", len(currentKey)))
	}
	return mustParseUint32(currentKey[:idLen])
}

// parseCurrentUserKey extracts the user key encoded in a current-pointer key.
func parseCurrentUserKey(currentKey []byte) []byte {
	if len(currentKey) < idLen {
		panic(fmt.Sprintf("core: current key too short: %d", len(currentKey)))
	}
	return currentKey[idLen:]
}

func appendPadded(dst []byte, v uint64, width int) []byte {
	s := strconv.FormatUint(v, 10)
	if len(s) > width {
		panic(fmt.Sprintf("core: value %d does not fit in %d-digit field", v, width))
	}
	for i := 0; i < width-len(s); i++ {
		dst = append(dst, '0')
	}
	return append(dst, s...)
}

func mustParseUint64(b []byte) uint64 {
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		panic(fmt.Sprintf("core: malformed zero-padded uint64 field %q: %v", b, err))
	}
	return v
}

func mustParseUint32(b []byte) uint32 {
	v, err := strconv.ParseUint(string(b), 10, 32)
	if err != nil {
		panic(fmt.Sprintf("core: malformed zero-padded uint32 field %q: %v", b, err))
	}
	return uint32(v)
}
