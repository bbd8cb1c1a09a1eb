// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// permitAccountant tracks how many messages the application has
// consumed since the last Flow command. Once the count reaches the
// refill threshold it is swapped to zero and granted back to the broker
// in one command, so flow traffic stays amortized while the broker can
// never outrun the configured queue size by more than one refill.
type permitAccountant struct {
	available       atomic.Int32
	refillThreshold int32
}

func newPermitAccountant(receiverQueueSize int) *permitAccountant {
	return &permitAccountant{refillThreshold: int32(receiverQueueSize / 2)}
}

// record notes one consumed (or discarded) message. When the counter
// reaches the threshold it is atomically swapped to zero and flow is
// called with the swapped value. The CAS loop re-reads the counter on
// failure so concurrent callers can neither double-grant nor lose a
// refill.
func (p *permitAccountant) record(flow func(permits uint32)) {
	available := p.available.Add(1)
	for available >= p.refillThreshold {
		if p.available.CompareAndSwap(available, 0) {
			flow(uint32(available))
			return
		}
		available = p.available.Load()
	}
}

// reset zeroes the counter, done when a new connection takes over.
func (p *permitAccountant) reset() {
	p.available.Store(0)
}

// current returns the permits accumulated since the last grant.
func (p *permitAccountant) current() int32 {
	return p.available.Load()
}
