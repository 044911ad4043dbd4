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
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeCurrentRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		userKey   string
		replicaID uint32
	}{
		{"a", 0},
		{"a2", 7},
		{"", 42},
	} {
		key := encodeCurrent([]byte(tc.userKey), tc.replicaID)
		if got := parseCurrentReplicaID(key); got != tc.replicaID {
			t.Errorf("parseCurrentReplicaID(encodeCurrent(%q, %d)) = %d, want %d", tc.userKey, tc.replicaID, got, tc.replicaID)
		}
		if got := parseCurrentUserKey(key); !bytes.Equal(got, []byte(tc.userKey)) {
			t.Errorf("parseCurrentUserKey(encodeCurrent(%q, %d)) = %q, want %q", tc.userKey, tc.replicaID, got, tc.userKey)
		}
	}
}

func TestEncodeReverseKeepsKeyBytesExceptFamily(t *testing.T) {
	current := encodeCurrent([]byte("a"), 3)
	reverse := encodeReverse(current)
	if len(reverse) != len(current) {
		t.Fatalf("reverse key length = %d, want %d", len(reverse), len(current))
	}
	if reverse[0] != familyReverse {
		t.Fatalf("reverse key family byte = %q, want %q", reverse[0], familyReverse)
	}
	if !bytes.Equal(reverse[1:], current[1:]) {
		t.Fatalf("reverse key body = %q, want %q", reverse[1:], current[1:])
	}
}

func TestEncodeLseqIndexRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		seq       uint64
		replicaID uint32
	}{
		{0, 0},
		{1, 1},
		{999999999999999, 999999999},
	} {
		key := encodeLseqIndex(tc.seq, tc.replicaID)
		if key[0] != familyLseq {
			t.Fatalf("encodeLseqIndex family byte = %q, want %q", key[0], familyLseq)
		}
		if got := parseLseqIndexReplicaID(key); got != tc.replicaID {
			t.Errorf("parseLseqIndexReplicaID = %d, want %d", got, tc.replicaID)
		}
		if got := parseLseqIndexSeq(key); got != tc.seq {
			t.Errorf("parseLseqIndexSeq = %d, want %d", got, tc.seq)
		}
	}
}

func TestEncodeLseqIndexOrdersBySeqWithinReplica(t *testing.T) {
	seqs := []uint64{3, 1, 200, 15, 0}
	keys := make([][]byte, len(seqs))
	for i, s := range seqs {
		keys[i] = encodeLseqIndex(s, 1)
	}

	sorted := append([][]byte(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	sortedSeqs := make([]uint64, len(sorted))
	for i, k := range sorted {
		sortedSeqs[i] = parseLseqIndexSeq(k)
	}
	want := []uint64{0, 1, 3, 15, 200}
	if diff := cmp.Diff(want, sortedSeqs); diff != "" {
		t.Errorf("byte-lex order does not match numeric order (-want +got):\n%s", diff)
	}
}

func TestEncodeLseqIndexOrdersByReplicaThenSeq(t *testing.T) {
	// The '#' family holds every replica contiguously, sorted by replica id
	// then seq: SeqVector.Recover and GetByLseq's boundary checks depend on
	// this.
	k1 := encodeLseqIndex(999, 1)
	k2 := encodeLseqIndex(0, 2)
	if bytes.Compare(k1, k2) >= 0 {
		t.Fatalf("encodeLseqIndex(999, 1) should sort before encodeLseqIndex(0, 2)")
	}
}

func TestEncodeStampedRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		userKey   string
		seq       uint64
		replicaID uint32
	}{
		{"abcde", 1000, 2},
		{"", 0, 0},
		{"k", 123456789, 999999999},
	} {
		key := encodeStamped([]byte(tc.userKey), tc.seq, tc.replicaID)
		if key[0] != familyStamped {
			t.Fatalf("encodeStamped family byte = %q, want %q", key[0], familyStamped)
		}
		uk, seq, replicaID := parseStamped(key)
		if !bytes.Equal(uk, []byte(tc.userKey)) {
			t.Errorf("parseStamped userKey = %q, want %q", uk, tc.userKey)
		}
		if seq != tc.seq {
			t.Errorf("parseStamped seq = %d, want %d", seq, tc.seq)
		}
		if replicaID != tc.replicaID {
			t.Errorf("parseStamped replicaID = %d, want %d", replicaID, tc.replicaID)
		}
	}
}

func TestEncodeStampedOrdersByKeyThenSeqThenReplica(t *testing.T) {
	keys := [][]byte{
		encodeStamped([]byte("abcde"), 3000, 2),
		encodeStamped([]byte("abcde"), 1000, 2),
		encodeStamped([]byte("abcf"), 1200, 2),
		encodeStamped([]byte("abcde"), 1500, 3),
		encodeStamped([]byte("abcde"), 2000, 2),
	}
	sorted := append([][]byte(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	var gotSeqs []uint64
	for _, k := range sorted {
		uk, seq, _ := parseStamped(k)
		if bytes.Equal(uk, []byte("abcde")) {
			gotSeqs = append(gotSeqs, seq)
		}
	}
	want := []uint64{1000, 1500, 2000, 3000}
	if diff := cmp.Diff(want, gotSeqs); diff != "" {
		t.Errorf("stamped-key scan order for \"abcde\" (-want +got):\n%s", diff)
	}
}

func TestStampedCurrentFromStamped(t *testing.T) {
	stamped := encodeStamped([]byte("ab"), 19, 3)
	got := stampedCurrentFromStamped(stamped)
	want := encodeCurrent([]byte("ab"), 3)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stampedCurrentFromStamped mismatch (-want +got):\n%s", diff)
	}
}

func TestAppendPaddedPanicsOnOverflow(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("appendPadded did not panic on a value wider than its field")
		}
	}()
	appendPadded(nil, 100, 2)
}

func TestMustParseUint64PanicsOnMalformedField(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("mustParseUint64 did not panic on a malformed field")
		}
	}()
	mustParseUint64([]byte("not-a-number"))
}
