// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPermitAccountantRefillAtThreshold(t *testing.T) {
	p := newPermitAccountant(10)

	var flows []uint32
	flow := func(permits uint32) { flows = append(flows, permits) }

	// Four processed messages stay below the threshold of five.
	for i := 0; i < 4; i++ {
		p.record(flow)
	}
	assert.Empty(t, flows)
	assert.Equal(t, int32(4), p.current())

	// The fifth reaches the threshold and grants everything back.
	p.record(flow)
	assert.Equal(t, []uint32{5}, flows)
	assert.Zero(t, p.current())
}

func TestPermitAccountantQueueSizeOne(t *testing.T) {
	// Queue size 1 rounds the threshold down to zero: every processed
	// message triggers a flow.
	p := newPermitAccountant(1)

	var flows []uint32
	for i := 0; i < 3; i++ {
		p.record(func(permits uint32) { flows = append(flows, permits) })
	}
	assert.Equal(t, []uint32{1, 1, 1}, flows)
}

func TestPermitAccountantReset(t *testing.T) {
	p := newPermitAccountant(10)
	for i := 0; i < 3; i++ {
		p.record(func(uint32) {})
	}
	assert.Equal(t, int32(3), p.current())

	p.reset()
	assert.Zero(t, p.current())
}

func TestPermitAccountantConcurrentSum(t *testing.T) {
	// However the refills interleave, the granted permits must sum to
	// exactly the number of processed messages, and every grant must
	// be at least the threshold.
	const workers = 8
	const perWorker = 2500

	p := newPermitAccountant(100)
	var granted atomic.Uint64
	var belowThreshold atomic.Uint64

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				p.record(func(permits uint32) {
					granted.Add(uint64(permits))
					if permits < 50 {
						belowThreshold.Add(1)
					}
				})
			}
		}()
	}
	wg.Wait()

	total := granted.Load() + uint64(p.current())
	assert.Equal(t, uint64(workers*perWorker), total)
	assert.Zero(t, belowThreshold.Load())
}
