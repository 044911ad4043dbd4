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

package sync

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/net/http2"

	"github.com/lseqkv/lseqkv/api/lseqpb"
)

// Client talks server.Mux's JSON-over-HTTP/2-cleartext RPC surface to one
// peer address. It is exported so that other binaries (cmd/lseqtop) can poll
// a replica's state without duplicating the transport setup.
type Client struct {
	addr string
	hc   *http.Client
}

// NewClient dials addr using http2.Transport configured for h2c (cleartext
// HTTP/2), mirroring the server side of the connection (server.Mux is
// mounted behind golang.org/x/net/http2/h2c.NewHandler).
func NewClient(addr string) *Client {
	return &Client{
		addr: addr,
		hc: &http.Client{
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, network, addr)
				},
			},
		},
	}
}

// SyncGet calls SyncGet_(replicaID) on the peer.
func (c *Client) SyncGet(ctx context.Context, replicaID uint32) (lseqpb.SyncGetResponse, error) {
	var out lseqpb.SyncGetResponse
	err := c.doJSON(ctx, "POST", "/sync/get", lseqpb.SyncGetRequest{ReplicaID: replicaID}, &out)
	return out, err
}

// SyncPut calls SyncPut_(items) on the peer.
func (c *Client) SyncPut(ctx context.Context, items lseqpb.DBItems) error {
	return c.doJSON(ctx, "POST", "/sync/put", items, nil)
}

// Config calls GetConfig() on the peer.
func (c *Client) Config(ctx context.Context) (lseqpb.Config, error) {
	var out lseqpb.Config
	err := c.doJSON(ctx, "GET", "/config", nil, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var bodyReader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("sync: marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	} else {
		bodyReader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+c.addr+path, bodyReader)
	if err != nil {
		return fmt.Errorf("sync: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("sync: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var e lseqpb.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("sync: %s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sync: decoding %s %s response: %w", method, path, err)
	}
	return nil
}
