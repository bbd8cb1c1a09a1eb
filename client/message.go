// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"
	"time"

	"github.com/absmach/pulse/core"
)

// Message is a single message delivered to the application. Ownership
// transfers on delivery; the consumer keeps only the identifier for
// redelivery tracking.
type Message struct {
	ID           core.MessageID
	Payload      []byte
	Properties   map[string]string
	ProducerName string
	PublishTime  time.Time

	// cnx is the connection the message arrived on. Messages from a
	// retired connection are filtered out of zero-queue receives and
	// skipped by permit accounting.
	cnx core.Cnx
}

func newMessage(id core.MessageID, meta *core.MessageMetadata, single *core.SingleMessageMetadata, payload []byte, cnx core.Cnx) *Message {
	props := meta.Properties
	if single != nil && single.Properties != nil {
		props = single.Properties
	}
	return &Message{
		ID:           id,
		Payload:      payload,
		Properties:   props,
		ProducerName: meta.ProducerName,
		PublishTime:  time.UnixMilli(int64(meta.PublishTime)),
		cnx:          cnx,
	}
}

// ReceiveFuture is the result of an asynchronous receive.
type ReceiveFuture struct {
	done chan struct{}
	once sync.Once
	msg  *Message
	err  error
}

func newReceiveFuture() *ReceiveFuture {
	return &ReceiveFuture{done: make(chan struct{})}
}

func (f *ReceiveFuture) complete(msg *Message, err error) {
	f.once.Do(func() {
		f.msg = msg
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the receive completes.
func (f *ReceiveFuture) Wait() (*Message, error) {
	<-f.done
	return f.msg, f.err
}

// WaitTimeout blocks until the receive completes or the timeout
// elapses.
func (f *ReceiveFuture) WaitTimeout(timeout time.Duration) (*Message, error) {
	select {
	case <-f.done:
		return f.msg, f.err
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// Done returns a channel that closes when the receive completes.
func (f *ReceiveFuture) Done() <-chan struct{} {
	return f.done
}

// future tracks a one-shot asynchronous outcome, the subscribe promise
// in particular. complete reports whether this call resolved it first.
type future struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) complete(err error) bool {
	completed := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		completed = true
	})
	return completed
}

func (f *future) completed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *future) wait() error {
	<-f.done
	return f.err
}
