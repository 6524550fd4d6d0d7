// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package barrier

import (
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/streampb"
)

// EpochState is the state of an EpochNode.
type EpochState uint8

const (
	// EpochInFlight is set while the barrier is being collected.
	EpochInFlight EpochState = iota
	// EpochComplete is set once a verdict for the barrier arrived.
	EpochComplete
)

// String implements fmt.Stringer.
func (s EpochState) String() string {
	if s == EpochInFlight {
		return "in-flight"
	}
	return "complete"
}

// EpochNode is an injected barrier not yet drained from CheckpointControl.
type EpochNode struct {
	CommandCtx *CommandContext
	Start      crtime.Mono
	State      EpochState
	// Responses and Err hold the verdict of a complete node.
	Responses []*streampb.BarrierCompleteResponse
	Err       error
	Notifiers []*Notifier
}

// CheckpointControl tracks injected barriers in epoch order and drains them
// in that order, whatever the order their verdicts arrive in.
type CheckpointControl struct {
	queue []*EpochNode
	// isBuildActor pauses injection while a topology change is in flight.
	isBuildActor bool
}

// Inject appends an in-flight node for cmdCtx. Epochs are assigned in
// increasing order, so appending keeps the queue in epoch order.
func (c *CheckpointControl) Inject(cmdCtx *CommandContext, ns []*Notifier, start crtime.Mono) {
	if n := len(c.queue); n > 0 && c.queue[n-1].CommandCtx.currEpoch >= cmdCtx.currEpoch {
		panic(errors.AssertionFailedf("barrier for epoch %s injected after %s",
			cmdCtx.currEpoch, c.queue[n-1].CommandCtx.currEpoch))
	}
	if cmdCtx.command.ShouldPauseInjectBarrier() {
		c.isBuildActor = true
	}
	c.queue = append(c.queue, &EpochNode{
		CommandCtx: cmdCtx,
		Start:      start,
		State:      EpochInFlight,
		Notifiers:  ns,
	})
}

// Complete records the verdict of the barrier following prevEpoch and
// returns the nodes drained from the head of the queue: the longest prefix
// of complete nodes. It panics if no in-flight node closes prevEpoch.
func (c *CheckpointControl) Complete(
	prevEpoch base.Epoch, resps []*streampb.BarrierCompleteResponse, err error,
) []*EpochNode {
	var node *EpochNode
	for _, n := range c.queue {
		if n.CommandCtx.prevEpoch == prevEpoch {
			node = n
			break
		}
	}
	if node == nil {
		panic(errors.AssertionFailedf("no barrier in flight after epoch %s", prevEpoch))
	}
	if node.State != EpochInFlight {
		panic(errors.AssertionFailedf("barrier after epoch %s completed twice", prevEpoch))
	}
	node.State = EpochComplete
	node.Responses = resps
	node.Err = err

	i := 0
	for i < len(c.queue) && c.queue[i].State == EpochComplete {
		i++
	}
	drained := c.drain(i)
	for _, n := range drained {
		if n.CommandCtx.command.ShouldPauseInjectBarrier() {
			c.isBuildActor = false
		}
	}
	return drained
}

func (c *CheckpointControl) drain(n int) []*EpochNode {
	if n == 0 {
		return nil
	}
	drained := make([]*EpochNode, n)
	copy(drained, c.queue[:n])
	clear(c.queue[:n])
	c.queue = c.queue[n:]
	if len(c.queue) == 0 {
		c.queue = nil
	}
	return drained
}

// Fail drains every node.
func (c *CheckpointControl) Fail() []*EpochNode {
	drained := c.drain(len(c.queue))
	for _, n := range drained {
		if n.CommandCtx.command.ShouldPauseInjectBarrier() {
			c.isBuildActor = false
		}
	}
	return drained
}

// CanInjectBarrier returns false while a topology change is in flight or
// inFlightBarrierNums barriers are in flight.
func (c *CheckpointControl) CanInjectBarrier(inFlightBarrierNums int) bool {
	inFlight, _ := c.BarrierLen()
	return !c.isBuildActor && inFlight < inFlightBarrierNums
}

// BarrierLen returns the number of in-flight nodes and of all nodes.
func (c *CheckpointControl) BarrierLen() (inFlight, total int) {
	for _, n := range c.queue {
		if n.State == EpochInFlight {
			inFlight++
		}
	}
	return inFlight, len(c.queue)
}
