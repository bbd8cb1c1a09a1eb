// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"time"

	"github.com/absmach/pulse/core"
)

// Receive blocks until the next message is available. With a zero
// receiver queue size it performs a rendezvous with the broker: a
// single permit is granted and the call waits for that one message.
func (c *Consumer) Receive() (*Message, error) {
	if c.opts.Listener != nil {
		return nil, ErrListenerSet
	}
	if c.state.isClosingOrClosed() {
		return nil, ErrAlreadyClosed
	}
	return c.internalReceive()
}

func (c *Consumer) internalReceive() (*Message, error) {
	if c.opts.ReceiverQueueSize == 0 {
		return c.fetchSingleMessage()
	}

	msg, err := c.incoming.take(c.closeCh)
	if err != nil {
		c.stats.incrementNumReceiveFailed()
		return nil, err
	}
	c.messageProcessed(msg)
	c.unacked.add(msg.ID)
	return msg, nil
}

// ReceiveWithTimeout blocks until the next message is available or the
// timeout elapses, returning ErrTimeout in the latter case.
func (c *Consumer) ReceiveWithTimeout(timeout time.Duration) (*Message, error) {
	if c.opts.Listener != nil {
		return nil, ErrListenerSet
	}
	if c.state.isClosingOrClosed() {
		return nil, ErrAlreadyClosed
	}
	if c.opts.ReceiverQueueSize == 0 {
		return nil, ErrZeroQueuePoll
	}

	msg, err := c.incoming.pollTimeout(timeout, c.closeCh)
	if err != nil {
		c.stats.incrementNumReceiveFailed()
		return nil, err
	}
	if msg == nil {
		return nil, ErrTimeout
	}
	c.messageProcessed(msg)
	c.unacked.add(msg.ID)
	return msg, nil
}

// ReceiveAsync registers interest in the next message without blocking.
// The returned future completes with the next available message, or
// with an error if the consumer closes first.
func (c *Consumer) ReceiveAsync() *ReceiveFuture {
	f := newReceiveFuture()
	if c.opts.Listener != nil {
		f.complete(nil, ErrListenerSet)
		return f
	}
	if c.state.isClosingOrClosed() {
		f.complete(nil, ErrAlreadyClosed)
		return f
	}

	// The write lock makes "queue empty, so register a waiter" one
	// atomic decision that cannot race with an enqueue on the receive
	// path.
	c.recvMu.Lock()
	msg := c.incoming.poll()
	if msg == nil {
		c.pending.add(f)
	}
	c.recvMu.Unlock()

	if msg == nil {
		if c.state.isClosingOrClosed() {
			// Close may have drained the waiter queue before this
			// waiter landed; fail it rather than leave it hanging.
			f.complete(nil, ErrAlreadyClosed)
			return f
		}
		if c.opts.ReceiverQueueSize == 0 {
			c.flowPermits(c.cnx(), 1)
		}
		return f
	}

	c.messageProcessed(msg)
	c.unacked.add(msg.ID)
	f.complete(msg, nil)
	return f
}

// fetchSingleMessage is the zero-queue receive: grant one permit, then
// wait for the single message it buys. Messages that arrived through a
// connection that has since been retired are stale leftovers of an old
// flow command and are discarded.
func (c *Consumer) fetchSingleMessage() (*Message, error) {
	c.zeroQueueMu.Lock()
	defer c.zeroQueueMu.Unlock()

	if c.incoming.size() > 0 {
		c.logger.Error("Incoming queue must be empty when the receiver queue size is 0",
			"topic", c.opts.Topic, "subscription", c.opts.Subscription)
		c.incoming.clear()
	}

	defer func() {
		// Also runs when the blocked take is interrupted by close:
		// stop advertising the waiter and drop whatever raced in.
		c.waitingOnZeroQueue.Store(false)
		c.incoming.clear()
	}()

	c.waitingOnZeroQueue.Store(true)
	if c.IsConnected() {
		c.flowPermits(c.cnx(), 1)
	}

	for {
		msg, err := c.incoming.take(c.closeCh)
		if err != nil {
			c.stats.incrementNumReceiveFailed()
			return nil, err
		}

		// The monitor serializes this identity check against
		// connectionOpened so a message of a retired connection can
		// never win after the swap.
		c.mu.Lock()
		current := msg.cnx == c.cnx()
		if current {
			c.waitingOnZeroQueue.Store(false)
		}
		c.mu.Unlock()

		if current {
			c.unacked.add(msg.ID)
			c.stats.updateNumMsgsReceived(msg)
			return msg, nil
		}
		// Stale message from an earlier flow command; keep waiting for
		// the one bought on the current connection.
	}
}

// MessageReceived implements core.ConsumerHandler: the entry point of
// the receive path. It runs on the connection read goroutine.
func (c *Consumer) MessageReceived(cmd *core.Message, cnx core.Cnx) {
	c.logger.Debug("Received message",
		"topic", c.opts.Topic,
		"subscription", c.opts.Subscription,
		"message_id", cmd.ID)

	r := bytes.NewReader(cmd.HeadersAndPayload)
	meta, err := core.DecodeMessageMetadata(r)
	if err != nil {
		// Any framing corruption is reported as a checksum mismatch.
		c.discardCorruptedMessage(cmd.ID, cnx, core.ValidationChecksumMismatch)
		return
	}
	payload := cmd.HeadersAndPayload[len(cmd.HeadersAndPayload)-r.Len():]

	uncompressed, ok := c.uncompressPayloadIfNeeded(cmd.ID, meta, payload, cnx)
	if !ok {
		return
	}
	if !c.verifyChecksum(cmd.ID, meta, uncompressed, cnx) {
		return
	}

	numMessages := 1
	if meta.NumMessagesInBatch != nil {
		numMessages = int(*meta.NumMessagesInBatch)
	}

	if numMessages == 1 && !meta.HasNumMessagesInBatch() {
		id := core.NewMessageID(cmd.ID.LedgerID, cmd.ID.EntryID, c.partitionIndex)
		msg := newMessage(id, meta, nil, uncompressed, cnx)

		c.recvMu.RLock()
		// A waiting async receive bypasses the queue entirely. With a
		// zero queue size and nobody waiting the message is dropped;
		// the broker only pushed it because a receive asked for it.
		asyncWaiting := !c.pending.empty()
		if (c.opts.ReceiverQueueSize != 0 || c.waitingOnZeroQueue.Load()) && !asyncWaiting {
			c.incoming.add(msg)
		}
		if asyncWaiting {
			c.notifyPendingReceive(msg, nil)
		}
		c.recvMu.RUnlock()
	} else {
		if c.opts.ReceiverQueueSize == 0 {
			// Batches cannot be split under rendezvous flow control:
			// one permit bought numMessages messages.
			c.logger.Warn("Closing consumer due to unsupported batch message with zero receiver queue size",
				"subscription", c.opts.Subscription,
				"consumer_name", c.opts.ConsumerName)
			c.notifyPendingReceive(nil, ErrInvalidMessage)
			go func() {
				if err := c.Close(); err != nil {
					c.logger.Error("Failed to close consumer", "error", err)
				}
			}()
			return
		}
		c.receiveIndividualMessagesFromBatch(meta, uncompressed, cmd.ID, cnx)
	}

	if c.opts.Listener != nil {
		// Pull through the same internal receive the application would
		// use so permits and the unacked tracker stay accounted, off
		// the read goroutine.
		c.listenerExec.Execute(func() {
			for i := 0; i < numMessages; i++ {
				msg, err := c.internalReceive()
				if err != nil {
					c.logger.Warn("Failed to dequeue message for listener",
						"topic", c.opts.Topic,
						"subscription", c.opts.Subscription,
						"error", err)
					return
				}
				c.opts.Listener(c, msg)
			}
		})
	}
}

// notifyPendingReceive completes the oldest waiting async receive.
// Completions run on the listener executor so user callbacks never run
// on the read goroutine; the zero-queue path completes inline because
// the caller is already blocked waiting for exactly this message.
func (c *Consumer) notifyPendingReceive(msg *Message, err error) {
	f := c.pending.poll()
	if f == nil {
		return
	}

	if err != nil {
		if c.opts.ReceiverQueueSize == 0 {
			f.complete(nil, err)
			return
		}
		c.listenerExec.Execute(func() { f.complete(nil, err) })
		return
	}

	c.unacked.add(msg.ID)
	if c.opts.ReceiverQueueSize == 0 {
		f.complete(msg, nil)
		return
	}
	c.messageProcessed(msg)
	c.listenerExec.Execute(func() { f.complete(msg, nil) })
}

// receiveIndividualMessagesFromBatch splits an uncompressed batch
// payload into its individual messages, registering the batch in the
// ack tracker first.
func (c *Consumer) receiveIndividualMessagesFromBatch(meta *core.MessageMetadata, uncompressed []byte, id core.MessageID, cnx core.Cnx) {
	batchSize := int(*meta.NumMessagesInBatch)
	entryKey := core.NewMessageID(id.LedgerID, id.EntryID, c.partitionIndex)
	c.batchTracker.add(entryKey, batchSize)

	c.logger.Debug("Added batch tracker entry",
		"subscription", c.opts.Subscription,
		"consumer_name", c.opts.ConsumerName,
		"message_id", entryKey,
		"batch_size", batchSize)

	r := bytes.NewReader(uncompressed)
	for i := 0; i < batchSize; i++ {
		single, payload, err := core.DeserializeSingleMessageInBatch(r)
		if err != nil {
			c.logger.Warn("Unable to obtain message in batch",
				"subscription", c.opts.Subscription,
				"consumer_name", c.opts.ConsumerName,
				"error", err)
			c.batchTracker.remove(entryKey)
			c.discardCorruptedMessage(id, cnx, core.ValidationBatchDeSerializeError)
			return
		}

		batchID := core.NewBatchMessageID(id.LedgerID, id.EntryID, c.partitionIndex, int32(i))
		msg := newMessage(batchID, meta, single, payload, cnx)

		c.recvMu.RLock()
		if c.pending.empty() {
			c.incoming.add(msg)
		} else {
			c.notifyPendingReceive(msg, nil)
		}
		c.recvMu.RUnlock()
	}
}

// uncompressPayloadIfNeeded validates the advertised size and runs the
// codec indicated by the metadata.
func (c *Consumer) uncompressPayloadIfNeeded(id core.MessageID, meta *core.MessageMetadata, payload []byte, cnx core.Cnx) ([]byte, bool) {
	if meta.UncompressedSize > core.MaxMessageSize {
		// The size itself is corrupted; it can never exceed the
		// protocol maximum.
		c.logger.Error("Got corrupted uncompressed message size",
			"topic", c.opts.Topic,
			"subscription", c.opts.Subscription,
			"uncompressed_size", meta.UncompressedSize,
			"message_id", id)
		c.discardCorruptedMessage(id, cnx, core.ValidationUncompressedSizeCorruption)
		return nil, false
	}

	codec, err := c.codecs.Get(meta.Compression)
	if err != nil {
		c.logger.Error("Unknown compression codec",
			"topic", c.opts.Topic,
			"subscription", c.opts.Subscription,
			"compression", meta.Compression,
			"message_id", id)
		c.discardCorruptedMessage(id, cnx, core.ValidationDecompressionError)
		return nil, false
	}

	uncompressed, err := codec.Decompress(payload, int(meta.UncompressedSize))
	if err != nil {
		c.logger.Error("Failed to decompress message",
			"topic", c.opts.Topic,
			"subscription", c.opts.Subscription,
			"compression", meta.Compression,
			"message_id", id,
			"error", err)
		c.discardCorruptedMessage(id, cnx, core.ValidationDecompressionError)
		return nil, false
	}
	return uncompressed, true
}

// verifyChecksum compares the stored checksum, when present, with one
// computed over the uncompressed payload.
func (c *Consumer) verifyChecksum(id core.MessageID, meta *core.MessageMetadata, payload []byte, cnx core.Cnx) bool {
	if !meta.HasChecksum() {
		return true
	}

	computed := core.Checksum64(payload)
	if computed == *meta.Checksum {
		return true
	}

	c.logger.Error("Checksum mismatch for message",
		"topic", c.opts.Topic,
		"subscription", c.opts.Subscription,
		"message_id", id,
		"stored_checksum", *meta.Checksum,
		"computed_checksum", computed)
	c.discardCorruptedMessage(id, cnx, core.ValidationChecksumMismatch)
	return false
}

// discardCorruptedMessage acks the entry with a validation error so the
// broker can record the corruption, returns the flow credit the broker
// already spent on it and counts the failure.
func (c *Consumer) discardCorruptedMessage(id core.MessageID, cnx core.Cnx, validationError core.ValidationError) {
	c.logger.Error("Discarding corrupted message",
		"topic", c.opts.Topic,
		"subscription", c.opts.Subscription,
		"message_id", id,
		"validation_error", validationError)

	err := cnx.WriteCommand(&core.Ack{
		ConsumerID:      c.consumerID,
		LedgerID:        id.LedgerID,
		EntryID:         id.EntryID,
		Mode:            core.AckIndividual,
		ValidationError: validationError,
	})
	if err != nil {
		c.logger.Debug("Failed to ack corrupted message", "error", err)
	}
	c.increaseAvailablePermits(cnx)
	c.stats.incrementNumReceiveFailed()
}
