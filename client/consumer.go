// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/absmach/pulse/compress"
	"github.com/absmach/pulse/core"
)

// Consumer attaches to one topic (or one partition of a partitioned
// topic) over the shared broker connection, receives pushed messages
// and acknowledges them individually or cumulatively.
//
// The consumer does not own its connection; the connection is shared
// with other consumers and producers and is swapped underneath the
// consumer on reconnect.
type Consumer struct {
	client *Client
	opts   *Options
	logger *slog.Logger

	consumerID     uint64
	partitionIndex int32

	state *stateManager

	// cnxMu guards the read-mostly reference to the current shared
	// connection.
	cnxMu     sync.RWMutex
	activeCnx core.Cnx

	// mu is the consumer monitor. It serializes permit accounting and
	// the connection-identity check of zero-queue receives against
	// connectionOpened.
	mu sync.Mutex

	// recvMu guards the decision between completing an async waiter
	// and enqueuing into the incoming queue. The receive path enqueues
	// under the read lock; ReceiveAsync registers waiters under the
	// write lock so its check-then-wait is one atomic step.
	recvMu sync.RWMutex

	// zeroQueueMu serializes concurrent zero-queue fetches.
	zeroQueueMu sync.Mutex

	incoming *messageQueue
	pending  *pendingQueue

	permits            *permitAccountant
	waitingOnZeroQueue atomic.Bool

	batchTracker *batchAckTracker
	unacked      *unackedTracker
	stats        *Stats
	codecs       *compress.Provider

	subscribeFuture   *future
	subscribeDeadline time.Time

	boMu sync.Mutex
	bo   *backoff.ExponentialBackOff

	listenerExec *serialExecutor

	closeCh   chan struct{}
	closeOnce sync.Once
}

func newConsumer(client *Client, opts *Options, partitionIndex int32) (*Consumer, error) {
	codecs, err := compress.NewProvider()
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		client:            client,
		opts:              opts,
		logger:            client.logger,
		consumerID:        client.newConsumerID(),
		partitionIndex:    partitionIndex,
		state:             newStateManager(),
		incoming:          newMessageQueue(),
		pending:           newPendingQueue(),
		permits:           newPermitAccountant(opts.ReceiverQueueSize),
		batchTracker:      newBatchAckTracker(),
		stats:             newStats(),
		codecs:            codecs,
		subscribeFuture:   newFuture(),
		subscribeDeadline: time.Now().Add(client.operationTimeout()),
		bo:                newReconnectBackoff(),
		listenerExec:      newSerialExecutor(),
		closeCh:           make(chan struct{}),
	}
	c.unacked = newUnackedTracker(opts.AckTimeout, c.RedeliverUnacknowledgedMessages)
	c.stats.startReporter(opts.StatsInterval, c.logger, opts.Topic, opts.Subscription)
	return c, nil
}

func newReconnectBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = DefaultReconnectMin
	bo.MaxInterval = DefaultReconnectMax
	return bo
}

// Topic returns the topic this consumer is attached to.
func (c *Consumer) Topic() string { return c.opts.Topic }

// Subscription returns the subscription name.
func (c *Consumer) Subscription() string { return c.opts.Subscription }

// ConsumerName returns the broker-visible consumer name.
func (c *Consumer) ConsumerName() string { return c.opts.ConsumerName }

// State returns the current lifecycle state.
func (c *Consumer) State() State { return c.state.get() }

// IsConnected returns true when the consumer holds a connection and is
// in the Ready state.
func (c *Consumer) IsConnected() bool {
	return c.cnx() != nil && c.state.get() == StateReady
}

// AvailablePermits returns the permits accumulated since the last flow
// command.
func (c *Consumer) AvailablePermits() int32 { return c.permits.current() }

// NumMessagesInQueue returns the messages buffered ahead of the
// application.
func (c *Consumer) NumMessagesInQueue() int { return c.incoming.size() }

// IsBatchTrackerEmpty reports whether every delivered batch has been
// fully acknowledged.
func (c *Consumer) IsBatchTrackerEmpty() bool { return c.batchTracker.isEmpty() }

// Stats returns the consumer statistics counters.
func (c *Consumer) Stats() *Stats { return c.stats }

func (c *Consumer) cnx() core.Cnx {
	c.cnxMu.RLock()
	defer c.cnxMu.RUnlock()
	return c.activeCnx
}

func (c *Consumer) setCnx(cnx core.Cnx) {
	c.cnxMu.Lock()
	c.activeCnx = cnx
	c.cnxMu.Unlock()
}

// grabCnxAsync requests a connection from the client and drives the
// subscribe handshake in the background.
func (c *Consumer) grabCnxAsync() {
	c.state.transitionFrom(StateConnecting, StateUninitialized, StateReady)
	go c.grabCnx()
}

func (c *Consumer) grabCnx() {
	if c.state.isClosingOrClosed() || c.state.get() == StateFailed {
		return
	}

	cnx, err := c.client.getConnection()
	if err != nil {
		c.connectionFailed(err)
		if c.state.get() != StateFailed && !errors.Is(err, ErrAlreadyClosed) {
			c.reconnectLater(err)
		}
		return
	}
	c.connectionOpened(cnx)
}

// connectionOpened registers the consumer on a fresh connection and
// (re)subscribes.
func (c *Consumer) connectionOpened(cnx core.Cnx) {
	c.setCnx(cnx)
	cnx.RegisterConsumer(c.consumerID, c)

	c.logger.Info("Subscribing to topic",
		"topic", c.opts.Topic,
		"subscription", c.opts.Subscription,
		"consumer_id", c.consumerID)

	requestID := c.client.newRequestID()
	err := cnx.SendRequest(requestID, &core.Subscribe{
		Topic:        c.opts.Topic,
		Subscription: c.opts.Subscription,
		ConsumerID:   c.consumerID,
		RequestID:    requestID,
		SubType:      c.opts.Type,
		ConsumerName: c.opts.ConsumerName,
	}, c.client.operationTimeout())

	if err != nil {
		c.handleSubscribeFailure(cnx, err)
		return
	}

	c.mu.Lock()
	c.incoming.clear()
	c.unacked.clear()
	c.batchTracker.clear()
	if !c.state.transition(StateConnecting, StateReady) {
		// Consumer was closed while reconnecting. Close the connection
		// so the broker drops the consumer on its side.
		c.state.set(StateClosed)
		cnx.RemoveConsumer(c.consumerID)
		cnx.Close()
		c.mu.Unlock()
		return
	}
	c.permits.reset()
	// If the connection was reset while a zero-queue receive was
	// blocked, re-issue its single-permit flow on the new connection.
	if c.waitingOnZeroQueue.Load() {
		c.flowPermits(cnx, 1)
	}
	c.mu.Unlock()

	c.logger.Info("Subscribed to topic",
		"topic", c.opts.Topic,
		"subscription", c.opts.Subscription,
		"consumer_id", c.consumerID)

	c.resetBackoff()

	firstTime := c.subscribeFuture.complete(nil)
	// A partitioned consumer gets its initial credit from the parent
	// on first connect; every other case grants the full queue here.
	if !(firstTime && c.partitionIndex > -1) && c.opts.ReceiverQueueSize != 0 {
		c.flowPermits(cnx, uint32(c.opts.ReceiverQueueSize))
	}
}

func (c *Consumer) handleSubscribeFailure(cnx core.Cnx, err error) {
	cnx.RemoveConsumer(c.consumerID)

	if c.state.isClosingOrClosed() {
		// Consumer was closed while reconnecting. Close the connection
		// so the broker drops the consumer on its side.
		cnx.Close()
		return
	}

	c.logger.Warn("Failed to subscribe to topic",
		"topic", c.opts.Topic,
		"subscription", c.opts.Subscription,
		"error", err)

	if isRetriableError(err) && time.Now().Before(c.subscribeDeadline) {
		c.reconnectLater(err)
		return
	}

	if !c.subscribeFuture.completed() {
		// Unable to create the consumer at all: fail the subscription.
		c.state.set(StateFailed)
		c.subscribeFuture.complete(err)
		c.client.cleanupConsumer(c)
		return
	}
	// The consumer was subscribed before; keep trying.
	c.reconnectLater(err)
}

// connectionFailed gives up on the subscription once the deadline has
// passed.
func (c *Consumer) connectionFailed(err error) {
	if time.Now().After(c.subscribeDeadline) && c.subscribeFuture.complete(fmt.Errorf("%w: %v", ErrTimeout, err)) {
		c.state.set(StateFailed)
		c.client.cleanupConsumer(c)
	}
}

// ConnectionClosed implements core.ConsumerHandler. The shared
// connection died; reconnect unless the consumer is going away.
func (c *Consumer) ConnectionClosed(cnx core.Cnx) {
	if c.cnx() != cnx {
		return
	}
	c.setCnx(nil)
	if c.state.isClosingOrClosed() || c.state.get() == StateFailed {
		return
	}
	c.state.transitionFrom(StateConnecting, StateReady, StateUninitialized)
	c.reconnectLater(core.ErrConnectionClosed)
}

func (c *Consumer) reconnectLater(err error) {
	if c.state.isClosingOrClosed() || c.state.get() == StateFailed {
		return
	}
	c.state.set(StateConnecting)

	c.boMu.Lock()
	delay := c.bo.NextBackOff()
	c.boMu.Unlock()
	if delay < 0 {
		delay = DefaultReconnectMax
	}

	c.logger.Info("Reconnecting consumer",
		"topic", c.opts.Topic,
		"subscription", c.opts.Subscription,
		"delay", delay,
		"error", err)
	time.AfterFunc(delay, c.grabCnx)
}

func (c *Consumer) resetBackoff() {
	c.boMu.Lock()
	c.bo = newReconnectBackoff()
	c.boMu.Unlock()
}

func isRetriableError(err error) bool {
	// Broker rejections are authoritative; transport hiccups and
	// timeouts are worth another attempt.
	var se *core.ServerError
	return !errors.As(err, &se)
}

// flowPermits grants the broker additional push permits.
func (c *Consumer) flowPermits(cnx core.Cnx, permits uint32) {
	if cnx == nil {
		return
	}
	c.logger.Debug("Adding permits",
		"topic", c.opts.Topic,
		"subscription", c.opts.Subscription,
		"permits", permits)
	if err := cnx.WriteCommand(&core.Flow{ConsumerID: c.consumerID, Permits: permits}); err != nil {
		c.logger.Debug("Failed to send flow command", "error", err)
	}
}

// messageProcessed records that the application consumed one message,
// feeding the permit refill loop. Messages from a retired connection
// belong to a queue that was already cleared and are not counted.
func (c *Consumer) messageProcessed(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentCnx := c.cnx()
	if msg.cnx != currentCnx {
		return
	}
	c.increaseAvailablePermits(currentCnx)
	c.stats.updateNumMsgsReceived(msg)
}

func (c *Consumer) increaseAvailablePermits(cnx core.Cnx) {
	c.permits.record(func(permits uint32) {
		c.flowPermits(cnx, permits)
	})
}

// Ack acknowledges a single message.
func (c *Consumer) Ack(msg *Message) error {
	return c.AckID(msg.ID)
}

// AckID acknowledges a single message by identifier.
func (c *Consumer) AckID(id core.MessageID) error {
	return c.doAcknowledge(id, core.AckIndividual)
}

// AckCumulative acknowledges a message and everything the broker
// delivered before it on this subscription.
func (c *Consumer) AckCumulative(msg *Message) error {
	return c.AckCumulativeID(msg.ID)
}

// AckCumulativeID acknowledges cumulatively by identifier.
func (c *Consumer) AckCumulativeID(id core.MessageID) error {
	return c.doAcknowledge(id, core.AckCumulative)
}

func (c *Consumer) doAcknowledge(id core.MessageID, mode core.AckType) error {
	if s := c.state.get(); s != StateReady && s != StateConnecting {
		c.stats.incrementNumAcksFailed()
		return fmt.Errorf("%w: state %s", ErrNotReady, s)
	}

	completedBatch := 0
	if id.IsBatch() {
		ackable, batchSize, prior := c.batchTracker.markAck(id, mode)
		if prior != nil {
			// The target entry is still partially outstanding, but
			// everything below it is complete; flush that to the
			// broker now.
			c.logger.Debug("Acking prior entry on cumulative ack",
				"subscription", c.opts.Subscription,
				"consumer_id", c.consumerID,
				"prior", prior,
				"message_id", id)
			c.sendAcknowledge(*prior, core.AckCumulative, 0)
		}
		if !ackable {
			// Deferred until the rest of the batch is acknowledged.
			return nil
		}
		if mode == core.AckIndividual {
			completedBatch = batchSize
		}
	}

	// A cumulative ack on a non-batch identifier logically covers all
	// lower batch entries.
	if mode == core.AckCumulative && !id.IsBatch() {
		c.batchTracker.pruneBelow(id)
	}
	return c.sendAcknowledge(id, mode, completedBatch)
}

// sendAcknowledge emits the broker-visible ack. There is no reply;
// success is the write-flush outcome on the connection.
func (c *Consumer) sendAcknowledge(id core.MessageID, mode core.AckType, completedBatch int) error {
	cnx := c.cnx()
	if cnx == nil || c.state.get() != StateReady {
		c.stats.incrementNumAcksFailed()
		return fmt.Errorf("%w: state %s", ErrNotConnected, c.state.get())
	}

	err := cnx.WriteCommand(&core.Ack{
		ConsumerID:      c.consumerID,
		LedgerID:        id.LedgerID,
		EntryID:         id.EntryID,
		Mode:            mode,
		ValidationError: core.ValidationNone,
	})
	if err != nil {
		c.stats.incrementNumAcksFailed()
		return fmt.Errorf("ack write failed: %w", err)
	}

	switch mode {
	case core.AckIndividual:
		c.unacked.remove(id)
		if completedBatch > 0 {
			c.stats.incrementNumAcksSent(uint64(completedBatch))
		} else if !id.IsBatch() {
			c.stats.incrementNumAcksSent(1)
		}
	case core.AckCumulative:
		acked := c.unacked.removeMessagesTill(id)
		c.stats.incrementNumAcksSent(uint64(acked))
	}
	return nil
}

// RedeliverUnacknowledgedMessages asks the broker to push every
// unacknowledged message again. On brokers older than protocol v2 the
// channel is closed instead; the reconnect implies redelivery.
func (c *Consumer) RedeliverUnacknowledgedMessages() {
	cnx := c.cnx()
	if c.IsConnected() && cnx.RemoteProtocolVersion() >= core.ProtocolVersionV2 {
		c.unacked.clear()
		if err := cnx.WriteCommand(&core.RedeliverUnacknowledgedMessages{ConsumerID: c.consumerID}); err != nil {
			c.logger.Debug("Failed to send redeliver command", "error", err)
		}
		return
	}
	if cnx == nil || c.state.get() == StateConnecting {
		c.logger.Warn("Connection needed for redelivery of unacknowledged messages",
			"topic", c.opts.Topic, "subscription", c.opts.Subscription)
		return
	}
	c.logger.Warn("Reconnecting consumer to redeliver unacknowledged messages",
		"topic", c.opts.Topic, "subscription", c.opts.Subscription)
	cnx.Close()
}

// Unsubscribe removes the subscription binding on the broker and closes
// the consumer.
func (c *Consumer) Unsubscribe() error {
	if c.state.isClosingOrClosed() {
		return ErrAlreadyClosed
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.state.set(StateClosing)
	cnx := c.cnx()
	requestID := c.client.newRequestID()
	err := cnx.SendRequest(requestID, &core.Unsubscribe{
		ConsumerID: c.consumerID,
		RequestID:  requestID,
	}, c.client.operationTimeout())
	if err != nil {
		c.logger.Error("Failed to unsubscribe",
			"topic", c.opts.Topic,
			"subscription", c.opts.Subscription,
			"error", err)
		c.state.set(StateReady)
		return fmt.Errorf("unsubscribe failed: %w", err)
	}

	cnx.RemoveConsumer(c.consumerID)
	c.logger.Info("Successfully unsubscribed from topic",
		"topic", c.opts.Topic,
		"subscription", c.opts.Subscription)
	c.state.set(StateClosed)
	c.cleanup()
	c.client.cleanupConsumer(c)
	return nil
}

// Close detaches the consumer from the broker and releases its
// resources. Closing an already closed consumer is a no-op.
func (c *Consumer) Close() error {
	if c.state.isClosingOrClosed() {
		c.unacked.close()
		return nil
	}

	if !c.IsConnected() {
		c.logger.Info("Closed consumer (not connected)",
			"topic", c.opts.Topic, "subscription", c.opts.Subscription)
		c.state.set(StateClosed)
		c.cleanup()
		c.client.cleanupConsumer(c)
		return nil
	}

	c.stats.stopReporter()
	c.state.set(StateClosing)

	cnx := c.cnx()
	requestID := c.client.newRequestID()
	err := cnx.SendRequest(requestID, &core.CloseConsumer{
		ConsumerID: c.consumerID,
		RequestID:  requestID,
	}, c.client.operationTimeout())

	cnx.RemoveConsumer(c.consumerID)
	if err == nil || cnx.Closed() {
		c.logger.Info("Closed consumer",
			"topic", c.opts.Topic, "subscription", c.opts.Subscription)
		c.state.set(StateClosed)
		c.cleanup()
		c.client.cleanupConsumer(c)
		return nil
	}
	return fmt.Errorf("close consumer failed: %w", err)
}

// cleanup releases consumer resources: pending receives fail, queued
// messages are dropped, trackers and timers stop.
func (c *Consumer) cleanup() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.stats.stopReporter()
		c.batchTracker.clear()
		c.unacked.close()
		for _, f := range c.pending.drain() {
			f.complete(nil, ErrAlreadyClosed)
		}
		c.incoming.clear()
		c.listenerExec.close()
	})
}
