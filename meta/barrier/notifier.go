// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package barrier

import "github.com/cockroachdb/errors"

// ErrAborted is delivered to the notifiers of commands dropped at shutdown.
var ErrAborted = errors.New("barrier: command aborted")

// Notifier is a set of one-shot channels tracking the progress of a
// scheduled command. Unset channels are ignored. Every channel is buffered
// so firing never blocks, and each fires at most once.
type Notifier struct {
	// ToSend is closed when the barrier carrying the command is about to be
	// sent.
	ToSend chan struct{}
	// Collected receives nil once the barrier is collected from every node
	// and committed, or the error that failed it.
	Collected chan error
	// Finished receives nil once the side effects of the command are done,
	// or the error that failed it.
	Finished chan error

	sent, collected, finished bool
}

// NewNotifier returns a notifier with the requested channels.
func NewNotifier(toSend, collected, finished bool) *Notifier {
	n := &Notifier{}
	if toSend {
		n.ToSend = make(chan struct{})
	}
	if collected {
		n.Collected = make(chan error, 1)
	}
	if finished {
		n.Finished = make(chan error, 1)
	}
	return n
}

func (n *Notifier) notifyToSend() {
	if n.ToSend != nil && !n.sent {
		close(n.ToSend)
	}
	n.sent = true
}

func (n *Notifier) notifyCollected(err error) {
	if n.Collected != nil && !n.collected {
		n.Collected <- err
	}
	n.collected = true
}

func (n *Notifier) notifyFinished(err error) {
	if n.Finished != nil && !n.finished {
		n.Finished <- err
	}
	n.finished = true
}

// notifyFailed fails every channel yet to fire.
func (n *Notifier) notifyFailed(err error) {
	n.notifyCollected(err)
	n.notifyFinished(err)
}

type notifiers []*Notifier

func (ns notifiers) toSend() {
	for _, n := range ns {
		n.notifyToSend()
	}
}

func (ns notifiers) collected(err error) {
	for _, n := range ns {
		n.notifyCollected(err)
	}
}

func (ns notifiers) finished(err error) {
	for _, n := range ns {
		n.notifyFinished(err)
	}
}

func (ns notifiers) failed(err error) {
	for _, n := range ns {
		n.notifyFailed(err)
	}
}
