// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements the consumer side of the messaging
// protocol: subscription lifecycle, credit-based flow control, batch
// acknowledgment tracking and the message receive path.
package client

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/pulse/core"
)

// clientVersion is announced to the broker during the handshake.
const clientVersion = "pulse-go-0.1.0"

// Client owns the broker connection shared by its consumers and hands
// out the process-wide consumer and request identifiers.
type Client struct {
	opts   *ClientOptions
	logger *slog.Logger

	consumerIDSeq atomic.Uint64
	requestIDSeq  atomic.Uint64

	mu        sync.Mutex
	consumers map[uint64]*Consumer
	cnx       core.Cnx
	closed    bool

	// dial is swappable so tests can supply in-memory connections.
	dial func() (core.Cnx, error)
}

// NewClient creates a client for one broker.
func NewClient(opts *ClientOptions) (*Client, error) {
	if opts == nil {
		return nil, ErrNilOptions
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:      opts,
		logger:    opts.Logger,
		consumers: make(map[uint64]*Consumer),
	}
	c.dial = func() (core.Cnx, error) {
		return core.Dial(core.DialConfig{
			Addr:           opts.Addr,
			TLSConfig:      opts.TLSConfig,
			ConnectTimeout: opts.ConnectTimeout,
			WriteTimeout:   opts.WriteTimeout,
			KeepAlive:      opts.KeepAlive,
			ClientVersion:  clientVersion,
			Logger:         opts.Logger,
		})
	}
	return c, nil
}

// Subscribe attaches a new consumer to a topic and blocks until the
// subscription is established or definitively failed.
func (c *Client) Subscribe(opts *Options) (*Consumer, error) {
	return c.subscribe(opts, -1)
}

// SubscribePartition attaches a new consumer to a single partition of a
// partitioned topic.
func (c *Client) SubscribePartition(opts *Options, partition int32) (*Consumer, error) {
	return c.subscribe(opts, partition)
}

func (c *Client) subscribe(opts *Options, partition int32) (*Consumer, error) {
	if opts == nil {
		return nil, ErrNilOptions
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrAlreadyClosed
	}
	c.mu.Unlock()

	consumer, err := newConsumer(c, opts, partition)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.consumers[consumer.consumerID] = consumer
	c.mu.Unlock()

	consumer.grabCnxAsync()

	if err := consumer.subscribeFuture.wait(); err != nil {
		return nil, err
	}
	return consumer, nil
}

// Close closes every consumer and the shared connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	consumers := make([]*Consumer, 0, len(c.consumers))
	for _, consumer := range c.consumers {
		consumers = append(consumers, consumer)
	}
	cnx := c.cnx
	c.mu.Unlock()

	var firstErr error
	for _, consumer := range consumers {
		if err := consumer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if cnx != nil {
		cnx.Close()
	}
	return firstErr
}

// getConnection returns the healthy shared connection, dialing a new
// one when the previous connection has been torn down.
func (c *Client) getConnection() (core.Cnx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrAlreadyClosed
	}
	if c.cnx != nil && !c.cnx.Closed() {
		return c.cnx, nil
	}
	cnx, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.cnx = cnx
	return cnx, nil
}

func (c *Client) newConsumerID() uint64 {
	return c.consumerIDSeq.Add(1)
}

func (c *Client) newRequestID() uint64 {
	return c.requestIDSeq.Add(1)
}

func (c *Client) operationTimeout() time.Duration {
	return c.opts.OperationTimeout
}

// cleanupConsumer drops a consumer that closed or failed.
func (c *Client) cleanupConsumer(consumer *Consumer) {
	c.mu.Lock()
	delete(c.consumers, consumer.consumerID)
	c.mu.Unlock()
}
