// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"sync"
	"time"
)

// pendingRequest is a request awaiting its broker reply.
type pendingRequest struct {
	requestID uint64
	done      chan struct{}
	err       error
	created   time.Time
}

// pendingRequests correlates request identifiers with in-flight
// requests on one connection.
type pendingRequests struct {
	mu      sync.Mutex
	pending map[uint64]*pendingRequest
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{
		pending: make(map[uint64]*pendingRequest),
	}
}

// add registers a new in-flight request.
func (ps *pendingRequests) add(requestID uint64) *pendingRequest {
	req := &pendingRequest{
		requestID: requestID,
		done:      make(chan struct{}),
		created:   time.Now(),
	}

	ps.mu.Lock()
	ps.pending[requestID] = req
	ps.mu.Unlock()
	return req
}

// complete resolves an in-flight request. Unknown identifiers are
// ignored; the requester may have timed out already.
func (ps *pendingRequests) complete(requestID uint64, err error) bool {
	ps.mu.Lock()
	req, exists := ps.pending[requestID]
	if exists {
		delete(ps.pending, requestID)
	}
	ps.mu.Unlock()

	if !exists {
		return false
	}
	req.err = err
	close(req.done)
	return true
}

// remove drops an in-flight request without resolving it.
func (ps *pendingRequests) remove(requestID uint64) {
	ps.mu.Lock()
	delete(ps.pending, requestID)
	ps.mu.Unlock()
}

// clear fails every in-flight request, typically on connection loss.
func (ps *pendingRequests) clear(err error) {
	ps.mu.Lock()
	pending := ps.pending
	ps.pending = make(map[uint64]*pendingRequest)
	ps.mu.Unlock()

	for _, req := range pending {
		req.err = err
		close(req.done)
	}
}

// wait blocks until the request resolves or the timeout elapses.
func (req *pendingRequest) wait(timeout time.Duration) error {
	select {
	case <-req.done:
		return req.err
	case <-time.After(timeout):
		return ErrRequestTimeout
	}
}
