// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"
	"time"

	"github.com/absmach/pulse/core"
)

// unackedTracker remembers delivered-but-unacknowledged message
// identifiers and triggers redelivery when any of them stays
// outstanding for the configured timeout.
//
// Identifiers rotate through two generations. New deliveries enter the
// current generation; every tick the generations swap, so an entry that
// survives a full tick in the old generation has been outstanding for
// between one and two timeout periods when redelivery fires.
//
// All methods are safe on a nil tracker, which is how a consumer with
// redelivery disabled carries it.
type unackedTracker struct {
	mu      sync.Mutex
	current map[core.MessageID]struct{}
	oldOpen map[core.MessageID]struct{}

	redeliver func()
	stop      chan struct{}
	stopOnce  sync.Once
}

// newUnackedTracker starts a tracker firing redeliver on timeout.
// A zero timeout disables tracking entirely and returns nil.
func newUnackedTracker(timeout time.Duration, redeliver func()) *unackedTracker {
	if timeout <= 0 {
		return nil
	}
	t := &unackedTracker{
		current:   make(map[core.MessageID]struct{}),
		oldOpen:   make(map[core.MessageID]struct{}),
		redeliver: redeliver,
		stop:      make(chan struct{}),
	}
	go t.run(timeout)
	return t
}

func (t *unackedTracker) run(timeout time.Duration) {
	ticker := time.NewTicker(timeout)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			expired := len(t.oldOpen) > 0
			t.oldOpen = t.current
			t.current = make(map[core.MessageID]struct{})
			t.mu.Unlock()
			if expired {
				t.redeliver()
			}
		}
	}
}

// add registers a delivered message identifier.
func (t *unackedTracker) add(id core.MessageID) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.current[id] = struct{}{}
	t.mu.Unlock()
}

// remove forgets one identifier after an individual ack.
func (t *unackedTracker) remove(id core.MessageID) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.current, id)
	delete(t.oldOpen, id)
	t.mu.Unlock()
}

// removeMessagesTill forgets every identifier ordered at or below id
// and returns how many were forgotten. Used on cumulative acks.
func (t *unackedTracker) removeMessagesTill(id core.MessageID) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for _, set := range []map[core.MessageID]struct{}{t.current, t.oldOpen} {
		for tracked := range set {
			if tracked.Compare(id) <= 0 {
				delete(set, tracked)
				removed++
			}
		}
	}
	return removed
}

// size returns the number of tracked identifiers.
func (t *unackedTracker) size() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.current) + len(t.oldOpen)
}

// clear forgets everything, done when a new connection takes over.
func (t *unackedTracker) clear() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.current = make(map[core.MessageID]struct{})
	t.oldOpen = make(map[core.MessageID]struct{})
	t.mu.Unlock()
}

// close stops the timer and forgets everything.
func (t *unackedTracker) close() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() { close(t.stop) })
	t.clear()
}
