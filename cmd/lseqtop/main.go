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

// lseqtop is an interactive terminal dashboard showing one replica's
// sequence vector and recent gossip activity.
package main

import (
	"context"
	"flag"

	"k8s.io/klog/v2"

	"github.com/lseqkv/lseqkv/internal/dashboard"
	lsync "github.com/lseqkv/lseqkv/sync"
)

var (
	addr     = flag.String("addr", "localhost:8080", "address:port of the replica to watch")
	interval = flag.Duration("poll_interval", 0, "how often to poll the replica; 0 uses dashboard's default")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx := context.Background()

	client := lsync.NewClient(*addr)
	ctrl := dashboard.NewController(client, *addr)
	ctrl.Run(ctx, *interval)
}
