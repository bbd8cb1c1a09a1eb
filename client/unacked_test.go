// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/pulse/core"
)

func TestUnackedTrackerDisabled(t *testing.T) {
	tracker := newUnackedTracker(0, func() {})
	require.Nil(t, tracker)

	// Every operation is a safe no-op on the nil tracker.
	tracker.add(core.NewMessageID(1, 1, -1))
	tracker.remove(core.NewMessageID(1, 1, -1))
	assert.Zero(t, tracker.removeMessagesTill(core.NewMessageID(1, 1, -1)))
	assert.Zero(t, tracker.size())
	tracker.clear()
	tracker.close()
}

func TestUnackedTrackerAddRemove(t *testing.T) {
	tracker := newUnackedTracker(time.Hour, func() {})
	defer tracker.close()

	id := core.NewMessageID(1, 2, -1)
	tracker.add(id)
	assert.Equal(t, 1, tracker.size())

	tracker.remove(id)
	assert.Zero(t, tracker.size())
}

func TestUnackedTrackerRemoveMessagesTill(t *testing.T) {
	tracker := newUnackedTracker(time.Hour, func() {})
	defer tracker.close()

	for entry := uint64(1); entry <= 5; entry++ {
		tracker.add(core.NewMessageID(7, entry, -1))
	}
	// Batch indexes of covered entries count individually.
	tracker.add(core.NewBatchMessageID(7, 2, -1, 0))
	tracker.add(core.NewBatchMessageID(7, 2, -1, 1))

	removed := tracker.removeMessagesTill(core.NewMessageID(7, 3, -1))
	assert.Equal(t, 5, removed)
	assert.Equal(t, 2, tracker.size())
}

func TestUnackedTrackerClear(t *testing.T) {
	tracker := newUnackedTracker(time.Hour, func() {})
	defer tracker.close()

	tracker.add(core.NewMessageID(1, 1, -1))
	tracker.add(core.NewMessageID(1, 2, -1))
	tracker.clear()
	assert.Zero(t, tracker.size())
}

func TestUnackedTrackerRedeliversOnTimeout(t *testing.T) {
	var fired atomic.Int32
	tracker := newUnackedTracker(20*time.Millisecond, func() { fired.Add(1) })
	defer tracker.close()

	tracker.add(core.NewMessageID(1, 1, -1))

	// The entry must survive one full generation swap before the
	// timeout fires, so between one and two periods pass.
	require.Eventually(t, func() bool { return fired.Load() > 0 }, time.Second, 5*time.Millisecond)
}

func TestUnackedTrackerAckedMessagesDoNotRedeliver(t *testing.T) {
	var fired atomic.Int32
	tracker := newUnackedTracker(20*time.Millisecond, func() { fired.Add(1) })
	defer tracker.close()

	id := core.NewMessageID(1, 1, -1)
	tracker.add(id)
	tracker.remove(id)

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, fired.Load())
}
