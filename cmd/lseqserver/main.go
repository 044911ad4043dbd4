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

// lseqserver runs one replica of an LSEQ-replicated key/value store: the RPC
// surface over server.Mux, and the background gossip loop that keeps it
// converging with its peers.
package main

import (
	"context"
	"flag"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"k8s.io/klog/v2"

	"net/http"

	"github.com/lseqkv/lseqkv/core"
	"github.com/lseqkv/lseqkv/internal/telemetry"
	"github.com/lseqkv/lseqkv/server"
	"github.com/lseqkv/lseqkv/storage/badger"
	lsync "github.com/lseqkv/lseqkv/sync"
)

var (
	storageDir   = flag.String("storage_dir", "", "Directory to store the Badger database in")
	listen       = flag.String("listen", ":8080", "Address:port to listen on")
	selfID       = flag.Uint("replica_id", 0, "This replica's id")
	maxReplicaID = flag.Uint("max_replica_id", 1, "Number of replicas in the group (replica ids run [0, max_replica_id))")
	peers        = flag.String("peers", "", "Comma-separated address:port list of peer replicas to gossip with")
	syncInterval = flag.Duration("sync_interval", 5*time.Second, "How frequently to gossip with peers")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx := context.Background()

	if *storageDir == "" {
		klog.Exit("Supply --storage_dir")
	}

	shutdownTelemetry := telemetry.Init(ctx)
	defer shutdownTelemetry(ctx)

	store, err := badger.Open(*storageDir)
	if err != nil {
		klog.Exitf("Failed to open storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			klog.Errorf("Closing storage: %v", err)
		}
	}()

	engine, err := core.NewEngine(store, uint32(*selfID), uint32(*maxReplicaID))
	if err != nil {
		klog.Exitf("Failed to construct engine: %v", err)
	}

	mux := server.New(ctx, engine, uint32(*maxReplicaID))

	if peerList := parsePeers(*peers); len(peerList) > 0 {
		syncer := lsync.New(engine, peerList, uint32(*maxReplicaID), *syncInterval)
		go syncer.Run(ctx)
	} else {
		klog.Infof("No --peers configured, running standalone")
	}

	h2s := &http2.Server{}
	h1s := &http.Server{
		Addr:    *listen,
		Handler: h2c.NewHandler(mux.Handler(), h2s),
	}
	if err := http2.ConfigureServer(h1s, h2s); err != nil {
		klog.Exitf("http2.ConfigureServer: %v", err)
	}

	klog.Infof("lseqserver replica=%d listening on %s", *selfID, *listen)
	if err := h1s.ListenAndServe(); err != nil {
		klog.Exitf("ListenAndServe: %v", err)
	}
}

func parsePeers(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
