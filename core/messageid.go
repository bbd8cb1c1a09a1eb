// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package core implements the binary wire protocol spoken between
// consumers and brokers: command framing, message metadata codecs and
// the shared broker connection.
package core

import "fmt"

// NoBatchIndex marks an identifier that does not address a message
// inside a batch entry.
const NoBatchIndex int32 = -1

// MessageID identifies a message within a topic partition. Identifiers
// are totally ordered by (ledger, entry, partition); the batch index is
// excluded from the order, so an identifier addressing message i of a
// batch compares equal to the identifier of its enclosing entry.
type MessageID struct {
	LedgerID   uint64
	EntryID    uint64
	Partition  int32
	BatchIndex int32
}

// NewMessageID returns an identifier for a non-batched entry.
func NewMessageID(ledgerID, entryID uint64, partition int32) MessageID {
	return MessageID{
		LedgerID:   ledgerID,
		EntryID:    entryID,
		Partition:  partition,
		BatchIndex: NoBatchIndex,
	}
}

// NewBatchMessageID returns an identifier for message batchIndex inside
// a batch entry.
func NewBatchMessageID(ledgerID, entryID uint64, partition, batchIndex int32) MessageID {
	return MessageID{
		LedgerID:   ledgerID,
		EntryID:    entryID,
		Partition:  partition,
		BatchIndex: batchIndex,
	}
}

// IsBatch returns true if the identifier addresses a message inside a
// batch entry.
func (id MessageID) IsBatch() bool {
	return id.BatchIndex > NoBatchIndex
}

// EntryKey returns the identifier of the enclosing entry, stripping the
// batch index. Trackers that account whole entries key on this form.
func (id MessageID) EntryKey() MessageID {
	id.BatchIndex = NoBatchIndex
	return id
}

// Compare orders identifiers lexicographically on
// (ledger, entry, partition).
func (id MessageID) Compare(other MessageID) int {
	switch {
	case id.LedgerID < other.LedgerID:
		return -1
	case id.LedgerID > other.LedgerID:
		return 1
	case id.EntryID < other.EntryID:
		return -1
	case id.EntryID > other.EntryID:
		return 1
	case id.Partition < other.Partition:
		return -1
	case id.Partition > other.Partition:
		return 1
	default:
		return 0
	}
}

// Less reports whether id orders strictly before other.
func (id MessageID) Less(other MessageID) bool {
	return id.Compare(other) < 0
}

// String returns the identifier in ledger:entry:partition[:batchIndex]
// form.
func (id MessageID) String() string {
	if id.IsBatch() {
		return fmt.Sprintf("%d:%d:%d:%d", id.LedgerID, id.EntryID, id.Partition, id.BatchIndex)
	}
	return fmt.Sprintf("%d:%d:%d", id.LedgerID, id.EntryID, id.Partition)
}
