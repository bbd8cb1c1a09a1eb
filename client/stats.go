// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks consumer statistics. Interval counters are swapped to
// zero by the periodic reporter and rolled into totals; totals only
// ever grow.
type Stats struct {
	startTime time.Time

	// Interval counters.
	msgsReceived  atomic.Uint64
	bytesReceived atomic.Uint64
	receiveFailed atomic.Uint64
	acksSent      atomic.Uint64
	acksFailed    atomic.Uint64

	// Totals.
	totalMsgsReceived  atomic.Uint64
	totalBytesReceived atomic.Uint64
	totalReceiveFailed atomic.Uint64
	totalAcksSent      atomic.Uint64
	totalAcksFailed    atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newStats() *Stats {
	return &Stats{
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
	}
}

// startReporter periodically logs interval rates. An interval of zero
// disables reporting; counters are still maintained.
func (s *Stats) startReporter(interval time.Duration, logger *slog.Logger, topic, subscription string) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				msgs := s.msgsReceived.Swap(0)
				bytes := s.bytesReceived.Swap(0)
				failed := s.receiveFailed.Swap(0)
				acks := s.acksSent.Swap(0)
				ackFailed := s.acksFailed.Swap(0)

				s.totalMsgsReceived.Add(msgs)
				s.totalBytesReceived.Add(bytes)
				s.totalReceiveFailed.Add(failed)
				s.totalAcksSent.Add(acks)
				s.totalAcksFailed.Add(ackFailed)

				seconds := interval.Seconds()
				logger.Info("Consumer stats",
					"topic", topic,
					"subscription", subscription,
					"receive_rate", float64(msgs)/seconds,
					"receive_throughput_bytes", float64(bytes)/seconds,
					"ack_rate", float64(acks)/seconds,
					"receive_failures", failed,
					"ack_failures", ackFailed)
			}
		}
	}()
}

// stopReporter cancels the periodic report.
func (s *Stats) stopReporter() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Stats) updateNumMsgsReceived(msg *Message) {
	s.msgsReceived.Add(1)
	if msg != nil {
		s.bytesReceived.Add(uint64(len(msg.Payload)))
	}
}

func (s *Stats) incrementNumReceiveFailed() {
	s.receiveFailed.Add(1)
}

func (s *Stats) incrementNumAcksSent(n uint64) {
	s.acksSent.Add(n)
}

func (s *Stats) incrementNumAcksFailed() {
	s.acksFailed.Add(1)
}

// MsgsReceived returns the number of received messages, totals plus the
// current interval.
func (s *Stats) MsgsReceived() uint64 {
	return s.totalMsgsReceived.Load() + s.msgsReceived.Load()
}

// BytesReceived returns the received payload bytes.
func (s *Stats) BytesReceived() uint64 {
	return s.totalBytesReceived.Load() + s.bytesReceived.Load()
}

// ReceiveFailures returns the number of discarded or failed receives.
func (s *Stats) ReceiveFailures() uint64 {
	return s.totalReceiveFailed.Load() + s.receiveFailed.Load()
}

// AcksSent returns the number of acknowledged messages.
func (s *Stats) AcksSent() uint64 {
	return s.totalAcksSent.Load() + s.acksSent.Load()
}

// AckFailures returns the number of failed acknowledgments.
func (s *Stats) AckFailures() uint64 {
	return s.totalAcksFailed.Load() + s.acksFailed.Load()
}

// Uptime returns the time since the consumer was created.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}
