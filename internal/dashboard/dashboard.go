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

// Package dashboard implements an interactive terminal view of a replica's
// sequence vector, polling a running lseqserver over its RPC surface.
package dashboard

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"k8s.io/klog/v2"

	"github.com/lseqkv/lseqkv/api/lseqpb"
)

// defaultPollInterval is used when Run is given a zero interval.
const defaultPollInterval = 2 * time.Second

// Client is the subset of *sync.Client the dashboard polls.
type Client interface {
	Config(ctx context.Context) (lseqpb.Config, error)
	SyncGet(ctx context.Context, replicaID uint32) (lseqpb.SyncGetResponse, error)
}

// Controller drives a tview application showing one replica's sequence
// vector, refreshed on a timer, with a scrolling log view and growth rate
// per replica.
type Controller struct {
	client Client
	addr   string

	app        *tview.Application
	statusView *tview.TextView
	logView    *tview.TextView
	helpView   *tview.TextView
}

// NewController builds a Controller polling client, labeling the dashboard
// with addr.
func NewController(client Client, addr string) *Controller {
	c := &Controller{
		client: client,
		addr:   addr,
		app:    tview.NewApplication(),
	}
	grid := tview.NewGrid()
	grid.SetRows(3, 0, 3).SetColumns(0).SetBorders(true)

	statusView := tview.NewTextView()
	grid.AddItem(statusView, 0, 0, 1, 1, 0, 0, false)
	c.statusView = statusView

	logView := tview.NewTextView()
	logView.ScrollToEnd()
	logView.SetMaxLines(10000)
	grid.AddItem(logView, 1, 0, 1, 1, 0, 0, false)
	c.logView = logView

	helpView := tview.NewTextView()
	helpView.SetText(fmt.Sprintf("watching %s, press q to quit", addr))
	grid.AddItem(helpView, 2, 0, 1, 1, 0, 0, false)
	c.helpView = helpView

	c.app.SetRoot(grid, true)
	return c
}

// Run blocks, polling and redrawing until ctx is done or the user quits.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPollInterval
	}

	if err := flag.Set("logtostderr", "false"); err != nil {
		klog.Exitf("Failed to set flag: %v", err)
	}
	klog.SetOutput(c.logView)

	go c.pollLoop(ctx, interval)

	c.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'q' {
			c.app.Stop()
			return nil
		}
		return event
	})
	if err := c.app.Run(); err != nil {
		klog.Exitf("dashboard: %v", err)
	}
}

func (c *Controller) pollLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	maSlots := int((30 * time.Second) / interval)
	if maSlots < 1 {
		maSlots = 1
	}
	var growth []*movingaverage.ConcurrentMovingAverage
	var lastSeq []uint64

	for {
		select {
		case <-ctx.Done():
			c.app.Stop()
			return
		case <-ticker.C:
		}

		cfg, err := c.client.Config(ctx)
		if err != nil {
			klog.Warningf("dashboard: Config: %v", err)
			continue
		}
		if int(cfg.MaxReplicaID) != len(growth) {
			growth = make([]*movingaverage.ConcurrentMovingAverage, cfg.MaxReplicaID)
			for i := range growth {
				growth[i] = movingaverage.Concurrent(movingaverage.New(maSlots))
			}
			lastSeq = make([]uint64, cfg.MaxReplicaID)
		}

		var lines []string
		lines = append(lines, fmt.Sprintf("replica %d of [0,%d) @ %s", cfg.SelfReplicaID, cfg.MaxReplicaID, c.addr))
		for r := uint32(0); r < cfg.MaxReplicaID; r++ {
			resp, err := c.client.SyncGet(ctx, r)
			if err != nil {
				klog.Warningf("dashboard: SyncGet(%d): %v", r, err)
				continue
			}
			growth[r].Add(float64(resp.Lseq.Seq - lastSeq[r]))
			lastSeq[r] = resp.Lseq.Seq
			qps := growth[r].Avg() / interval.Seconds()
			lines = append(lines, fmt.Sprintf("replica %2d: seq=%-10d (Δ %.2f/s)", r, resp.Lseq.Seq, qps))
		}
		c.statusView.SetText(strings.Join(lines, "\n"))
		c.app.Draw()
	}
}
