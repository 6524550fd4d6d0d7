// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package barrier

import (
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/stretchr/testify/require"
)

func formatDrained(nodes []*EpochNode) string {
	if len(nodes) == 0 {
		return "drained: none"
	}
	var b strings.Builder
	b.WriteString("drained:")
	for _, n := range nodes {
		fmt.Fprintf(&b, " %d->%d", n.CommandCtx.PrevEpoch(), n.CommandCtx.CurrEpoch())
		if n.Err != nil {
			fmt.Fprintf(&b, "(%s)", n.Err)
		}
	}
	return b.String()
}

func TestCheckpointControl(t *testing.T) {
	var c CheckpointControl
	var last base.Epoch
	lens := func() string {
		inFlight, total := c.BarrierLen()
		return fmt.Sprintf("in-flight=%d total=%d", inFlight, total)
	}
	datadriven.RunTest(t, "testdata/checkpoint_control", func(t *testing.T, td *datadriven.TestData) string {
		switch td.Cmd {
		case "inject":
			var epoch int
			td.ScanArgs(t, "epoch", &epoch)
			cmd := Checkpoint()
			if td.HasArg("pause") {
				cmd = DropMaterializedView(1)
			}
			c.Inject(newCommandContext(nil, last, base.Epoch(epoch), cmd, nil), nil, crtime.NowMono())
			last = base.Epoch(epoch)
			return lens()

		case "complete":
			var prev int
			td.ScanArgs(t, "prev", &prev)
			var err error
			if td.HasArg("err") {
				err = errors.New("injected failure")
			}
			drained := c.Complete(base.Epoch(prev), nil, err)
			return formatDrained(drained) + "\n" + lens()

		case "fail":
			return formatDrained(c.Fail()) + "\n" + lens()

		case "can-inject":
			var bound int
			td.ScanArgs(t, "bound", &bound)
			return fmt.Sprint(c.CanInjectBarrier(bound))

		default:
			return fmt.Sprintf("unknown command: %s", td.Cmd)
		}
	})
}

func TestCheckpointControlAssertions(t *testing.T) {
	var c CheckpointControl
	c.Inject(newCommandContext(nil, 2, 3, Checkpoint(), nil), nil, crtime.NowMono())
	require.Panics(t, func() {
		c.Inject(newCommandContext(nil, 2, 3, Checkpoint(), nil), nil, crtime.NowMono())
	})
	require.Panics(t, func() { c.Complete(7, nil, nil) })

	drained := c.Complete(2, nil, nil)
	require.Len(t, drained, 1)
	require.Panics(t, func() { c.Complete(2, nil, nil) })
	require.Nil(t, c.Fail())
}
