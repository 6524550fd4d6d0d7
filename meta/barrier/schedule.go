// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package barrier

import (
	"context"
	"sync"

	"github.com/cockroachdb/hummock/streampb"
)

// Scheduled is a command waiting to be injected, with the notifiers to fire
// as it progresses.
type Scheduled struct {
	Command   Command
	Notifiers []*Notifier
}

// ScheduledBarriers is the FIFO queue of commands awaiting injection.
type ScheduledBarriers struct {
	mu struct {
		sync.Mutex
		buf []Scheduled
		// nonEmpty is closed while buf is not empty.
		nonEmpty chan struct{}
	}
}

// NewScheduledBarriers returns an empty queue.
func NewScheduledBarriers() *ScheduledBarriers {
	s := &ScheduledBarriers{}
	s.mu.nonEmpty = make(chan struct{})
	return s
}

func (s *ScheduledBarriers) pushLocked(scheduled ...Scheduled) {
	wasEmpty := len(s.mu.buf) == 0
	s.mu.buf = append(s.mu.buf, scheduled...)
	if wasEmpty && len(s.mu.buf) > 0 {
		close(s.mu.nonEmpty)
	}
}

// Push appends scheduled to the tail, in order and atomically.
func (s *ScheduledBarriers) Push(scheduled ...Scheduled) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(scheduled...)
}

// PopOrDefault pops the head, or returns a checkpoint without notifiers if
// the queue is empty.
func (s *ScheduledBarriers) PopOrDefault() Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.mu.buf) == 0 {
		return Scheduled{Command: Checkpoint()}
	}
	head := s.mu.buf[0]
	s.mu.buf[0] = Scheduled{}
	s.mu.buf = s.mu.buf[1:]
	if len(s.mu.buf) == 0 {
		s.mu.buf = nil
		s.mu.nonEmpty = make(chan struct{})
	}
	return head
}

// NonEmpty returns a channel closed once the queue holds a command.
func (s *ScheduledBarriers) NonEmpty() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.nonEmpty
}

// WaitOne blocks until the queue holds a command.
func (s *ScheduledBarriers) WaitOne(ctx context.Context) error {
	select {
	case <-s.NonEmpty():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AttachNotifiers attaches ns to the head command, or schedules a checkpoint
// carrying them if the queue is empty.
func (s *ScheduledBarriers) AttachNotifiers(ns ...*Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.mu.buf) > 0 {
		s.mu.buf[0].Notifiers = append(s.mu.buf[0].Notifiers, ns...)
		return
	}
	s.pushLocked(Scheduled{Command: Checkpoint(), Notifiers: ns})
}

// Abort drains the queue and fails every notifier with ErrAborted.
func (s *ScheduledBarriers) Abort() {
	s.mu.Lock()
	buf := s.mu.buf
	s.mu.buf = nil
	if len(buf) > 0 {
		s.mu.nonEmpty = make(chan struct{})
	}
	s.mu.Unlock()
	for _, sc := range buf {
		notifiers(sc.Notifiers).failed(ErrAborted)
	}
}

// Len returns the number of queued commands.
func (s *ScheduledBarriers) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mu.buf)
}

// CreatingTables returns the tables created by queued commands.
func (s *ScheduledBarriers) CreatingTables() map[streampb.TableID]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make(map[streampb.TableID]struct{})
	for _, sc := range s.mu.buf {
		if id, ok := sc.Command.CreatingTableID(); ok {
			res[id] = struct{}{}
		}
	}
	return res
}
