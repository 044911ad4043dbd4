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

// Package lseqpb holds the wire message shapes exchanged between lseqkv
// replicas and clients, carried over HTTP as JSON (see server.Mux).
package lseqpb

// ReplicaKey addresses a user key, optionally pinned to a specific replica.
// ReplicaID is nil when the caller wants the local replica's read-repaired
// view (see core.Engine.Get).
type ReplicaKey struct {
	Key       []byte  `json:"key"`
	ReplicaID *uint32 `json:"replica_id,omitempty"`
}

// LSeq names one (replica id, sequence) pair.
type LSeq struct {
	ReplicaID uint32 `json:"replica_id"`
	Seq       uint64 `json:"seq"`
}

// PutRequest is the payload of POST /put.
type PutRequest struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// PutResponse is the payload returned by POST /put.
type PutResponse struct {
	Lseq LSeq `json:"lseq"`
}

// RemoveRequest is the payload of POST /remove.
type RemoveRequest struct {
	Key []byte `json:"key"`
}

// RemoveResponse is the payload returned by POST /remove: the LSEQ of the
// delete event.
type RemoveResponse struct {
	Lseq LSeq `json:"lseq"`
}

// GetValueResponse is the payload returned by POST /get.
type GetValueResponse struct {
	Lseq  LSeq   `json:"lseq"`
	Value []byte `json:"value"`
}

// DBItem is one (lseq, key, value) tuple as exchanged in a DBItems response.
type DBItem struct {
	Lseq  LSeq   `json:"lseq"`
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// DBItems is a sequence of DBItem, returned by SeekGet, GetReplicaEvents, and
// sent as the request body of SyncPut_.
type DBItems struct {
	Items []DBItem `json:"items"`
}

// SeekGetRequest is the payload of POST /seekget. If Key is non-empty the
// scan follows the stamped-key family (getValuesForKey); otherwise it
// follows the LSEQ-index family (getByLseq).
type SeekGetRequest struct {
	Lseq  LSeq   `json:"lseq"`
	Key   []byte `json:"key,omitempty"`
	Limit int    `json:"limit"`
}

// EventsRequest is the payload of POST /events: GetReplicaEvents(replica_id[,
// lseq][, limit]). A nil Lseq defaults the scan to (replica_id, 0).
type EventsRequest struct {
	ReplicaID uint32 `json:"replica_id"`
	Lseq      *LSeq  `json:"lseq,omitempty"`
	Limit     int    `json:"limit"`
}

// Config is the payload returned by GET /config.
type Config struct {
	SelfReplicaID uint32 `json:"self_replica_id"`
	MaxReplicaID  uint32 `json:"max_replica_id"`
}

// SyncGetRequest is the payload of POST /sync/get: the gossip peer-probe.
type SyncGetRequest struct {
	ReplicaID uint32 `json:"replica_id"`
}

// SyncGetResponse reports the requested replica's locally observed sequence.
type SyncGetResponse struct {
	Lseq LSeq `json:"lseq"`
}

// ErrorResponse is the JSON body written on any non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
