// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"bytes"
	"fmt"
	"io"

	"github.com/absmach/pulse/codec"
	"github.com/absmach/pulse/internal/bufpool"
)

// Protocol constants.
const (
	// ProtocolVersionV2 added broker-side redelivery of unacknowledged
	// messages.
	ProtocolVersionV2 int32 = 2

	// ProtocolVersion is the version spoken by this client.
	ProtocolVersion int32 = 2

	// MaxMessageSize bounds the uncompressed payload of a single entry.
	// A larger advertised size is treated as corruption.
	MaxMessageSize = 5 * 1024 * 1024

	// maxFrameSize bounds a whole command frame: the largest payload
	// plus headroom for command fields and metadata.
	maxFrameSize = MaxMessageSize + 64*1024
)

// CommandType identifies a wire command.
type CommandType byte

// Wire commands.
const (
	CmdConnect CommandType = iota + 1
	CmdConnected
	CmdSubscribe
	CmdSuccess
	CmdError
	CmdUnsubscribe
	CmdCloseConsumer
	CmdFlow
	CmdAck
	CmdRedeliver
	CmdMessage
	CmdPing
	CmdPong
)

// String returns the command name.
func (t CommandType) String() string {
	switch t {
	case CmdConnect:
		return "CONNECT"
	case CmdConnected:
		return "CONNECTED"
	case CmdSubscribe:
		return "SUBSCRIBE"
	case CmdSuccess:
		return "SUCCESS"
	case CmdError:
		return "ERROR"
	case CmdUnsubscribe:
		return "UNSUBSCRIBE"
	case CmdCloseConsumer:
		return "CLOSE_CONSUMER"
	case CmdFlow:
		return "FLOW"
	case CmdAck:
		return "ACK"
	case CmdRedeliver:
		return "REDELIVER_UNACKNOWLEDGED_MESSAGES"
	case CmdMessage:
		return "MESSAGE"
	case CmdPing:
		return "PING"
	case CmdPong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}

// SubscriptionType selects how a subscription distributes messages
// across its consumers.
type SubscriptionType byte

// Subscription types.
const (
	SubscriptionExclusive SubscriptionType = iota
	SubscriptionShared
	SubscriptionFailover
)

// String returns the subscription type name.
func (t SubscriptionType) String() string {
	switch t {
	case SubscriptionExclusive:
		return "exclusive"
	case SubscriptionShared:
		return "shared"
	case SubscriptionFailover:
		return "failover"
	default:
		return "unknown"
	}
}

// AckType selects individual or cumulative acknowledgment.
type AckType byte

// Acknowledgment types.
const (
	AckIndividual AckType = iota
	AckCumulative
)

// String returns the ack type name.
func (t AckType) String() string {
	switch t {
	case AckIndividual:
		return "individual"
	case AckCumulative:
		return "cumulative"
	default:
		return "unknown"
	}
}

// ValidationError reports why a delivered message was discarded by the
// consumer instead of being delivered to the application.
type ValidationError byte

// Validation errors attached to discard acks.
const (
	ValidationNone ValidationError = iota
	ValidationUncompressedSizeCorruption
	ValidationDecompressionError
	ValidationChecksumMismatch
	ValidationBatchDeSerializeError
)

// String returns the validation error name.
func (v ValidationError) String() string {
	switch v {
	case ValidationNone:
		return "none"
	case ValidationUncompressedSizeCorruption:
		return "uncompressed size corruption"
	case ValidationDecompressionError:
		return "decompression error"
	case ValidationChecksumMismatch:
		return "checksum mismatch"
	case ValidationBatchDeSerializeError:
		return "batch deserialize error"
	default:
		return "unknown"
	}
}

// Command is a single framed protocol command.
type Command interface {
	CommandType() CommandType
	Pack(w io.Writer) error
}

// Connect opens the protocol session and announces the client version.
type Connect struct {
	ClientVersion   string
	ProtocolVersion int32
}

func (c *Connect) CommandType() CommandType { return CmdConnect }

func (c *Connect) Pack(w io.Writer) error {
	if err := codec.EncodeString(w, c.ClientVersion); err != nil {
		return err
	}
	return codec.EncodeUint32(w, uint32(c.ProtocolVersion))
}

// Connected is the broker reply to Connect.
type Connected struct {
	ServerVersion   string
	ProtocolVersion int32
}

func (c *Connected) CommandType() CommandType { return CmdConnected }

func (c *Connected) Pack(w io.Writer) error {
	if err := codec.EncodeString(w, c.ServerVersion); err != nil {
		return err
	}
	return codec.EncodeUint32(w, uint32(c.ProtocolVersion))
}

// Subscribe attaches a consumer to a subscription on a topic.
type Subscribe struct {
	Topic        string
	Subscription string
	ConsumerID   uint64
	RequestID    uint64
	SubType      SubscriptionType
	ConsumerName string
}

func (c *Subscribe) CommandType() CommandType { return CmdSubscribe }

func (c *Subscribe) Pack(w io.Writer) error {
	if err := codec.EncodeString(w, c.Topic); err != nil {
		return err
	}
	if err := codec.EncodeString(w, c.Subscription); err != nil {
		return err
	}
	if err := codec.EncodeUint64(w, c.ConsumerID); err != nil {
		return err
	}
	if err := codec.EncodeUint64(w, c.RequestID); err != nil {
		return err
	}
	if err := codec.EncodeByte(w, byte(c.SubType)); err != nil {
		return err
	}
	return codec.EncodeString(w, c.ConsumerName)
}

// Success is the broker reply to a request that succeeded.
type Success struct {
	RequestID uint64
}

func (c *Success) CommandType() CommandType { return CmdSuccess }

func (c *Success) Pack(w io.Writer) error {
	return codec.EncodeUint64(w, c.RequestID)
}

// Error is the broker reply to a request that failed.
type Error struct {
	RequestID uint64
	Message   string
}

func (c *Error) CommandType() CommandType { return CmdError }

func (c *Error) Pack(w io.Writer) error {
	if err := codec.EncodeUint64(w, c.RequestID); err != nil {
		return err
	}
	return codec.EncodeString(w, c.Message)
}

// Unsubscribe removes the subscription binding of a consumer.
type Unsubscribe struct {
	ConsumerID uint64
	RequestID  uint64
}

func (c *Unsubscribe) CommandType() CommandType { return CmdUnsubscribe }

func (c *Unsubscribe) Pack(w io.Writer) error {
	if err := codec.EncodeUint64(w, c.ConsumerID); err != nil {
		return err
	}
	return codec.EncodeUint64(w, c.RequestID)
}

// CloseConsumer detaches a consumer from the broker.
type CloseConsumer struct {
	ConsumerID uint64
	RequestID  uint64
}

func (c *CloseConsumer) CommandType() CommandType { return CmdCloseConsumer }

func (c *CloseConsumer) Pack(w io.Writer) error {
	if err := codec.EncodeUint64(w, c.ConsumerID); err != nil {
		return err
	}
	return codec.EncodeUint64(w, c.RequestID)
}

// Flow grants the broker additional push permits. No reply.
type Flow struct {
	ConsumerID uint64
	Permits    uint32
}

func (c *Flow) CommandType() CommandType { return CmdFlow }

func (c *Flow) Pack(w io.Writer) error {
	if err := codec.EncodeUint64(w, c.ConsumerID); err != nil {
		return err
	}
	return codec.EncodeUint32(w, c.Permits)
}

// Ack acknowledges one entry, or cumulatively everything up to it.
// Discards carry a validation error so the broker can record the
// corruption. No reply.
type Ack struct {
	ConsumerID      uint64
	LedgerID        uint64
	EntryID         uint64
	Mode            AckType
	ValidationError ValidationError
}

func (c *Ack) CommandType() CommandType { return CmdAck }

func (c *Ack) Pack(w io.Writer) error {
	if err := codec.EncodeUint64(w, c.ConsumerID); err != nil {
		return err
	}
	if err := codec.EncodeUint64(w, c.LedgerID); err != nil {
		return err
	}
	if err := codec.EncodeUint64(w, c.EntryID); err != nil {
		return err
	}
	if err := codec.EncodeByte(w, byte(c.Mode)); err != nil {
		return err
	}
	return codec.EncodeByte(w, byte(c.ValidationError))
}

// RedeliverUnacknowledgedMessages asks the broker to push every
// delivered-but-unacknowledged message again. No reply.
type RedeliverUnacknowledgedMessages struct {
	ConsumerID uint64
}

func (c *RedeliverUnacknowledgedMessages) CommandType() CommandType { return CmdRedeliver }

func (c *RedeliverUnacknowledgedMessages) Pack(w io.Writer) error {
	return codec.EncodeUint64(w, c.ConsumerID)
}

// Message is an inbound entry pushed by the broker. HeadersAndPayload
// is the VBI-framed MessageMetadata followed by the (possibly
// compressed, possibly batched) payload bytes.
type Message struct {
	ConsumerID        uint64
	ID                MessageID
	HeadersAndPayload []byte
}

func (c *Message) CommandType() CommandType { return CmdMessage }

func (c *Message) Pack(w io.Writer) error {
	if err := codec.EncodeUint64(w, c.ConsumerID); err != nil {
		return err
	}
	if err := codec.EncodeUint64(w, c.ID.LedgerID); err != nil {
		return err
	}
	if err := codec.EncodeUint64(w, c.ID.EntryID); err != nil {
		return err
	}
	if err := codec.EncodeUint32(w, uint32(c.ID.Partition)); err != nil {
		return err
	}
	_, err := w.Write(c.HeadersAndPayload)
	return err
}

// Ping probes connection liveness.
type Ping struct{}

func (c *Ping) CommandType() CommandType { return CmdPing }

func (c *Ping) Pack(io.Writer) error { return nil }

// Pong answers a Ping.
type Pong struct{}

func (c *Pong) CommandType() CommandType { return CmdPong }

func (c *Pong) Pack(io.Writer) error { return nil }

// WriteCommand frames cmd as [u32 frame length][type][body] and writes
// it to w in a single Write call.
func WriteCommand(w io.Writer, cmd Command) error {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	// Reserve the length prefix, fill it in after packing.
	buf.Write([]byte{0, 0, 0, 0})
	buf.WriteByte(byte(cmd.CommandType()))
	if err := cmd.Pack(buf); err != nil {
		return err
	}
	frame := buf.Bytes()
	frameLen := len(frame) - 4
	if frameLen > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, frameLen)
	}
	frame[0] = byte(frameLen >> 24)
	frame[1] = byte(frameLen >> 16)
	frame[2] = byte(frameLen >> 8)
	frame[3] = byte(frameLen)
	_, err := w.Write(frame)
	return err
}

// ReadCommand reads one framed command from r.
func ReadCommand(r io.Reader) (Command, error) {
	frameLen, err := codec.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	if frameLen == 0 || frameLen > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, frameLen)
	}
	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return unpackCommand(CommandType(frame[0]), bytes.NewReader(frame[1:]))
}

func unpackCommand(t CommandType, r *bytes.Reader) (Command, error) {
	switch t {
	case CmdConnect:
		cmd := &Connect{}
		var err error
		if cmd.ClientVersion, err = codec.DecodeString(r); err != nil {
			return nil, err
		}
		version, err := codec.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		cmd.ProtocolVersion = int32(version)
		return cmd, nil
	case CmdConnected:
		cmd := &Connected{}
		var err error
		if cmd.ServerVersion, err = codec.DecodeString(r); err != nil {
			return nil, err
		}
		version, err := codec.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		cmd.ProtocolVersion = int32(version)
		return cmd, nil
	case CmdSubscribe:
		cmd := &Subscribe{}
		var err error
		if cmd.Topic, err = codec.DecodeString(r); err != nil {
			return nil, err
		}
		if cmd.Subscription, err = codec.DecodeString(r); err != nil {
			return nil, err
		}
		if cmd.ConsumerID, err = codec.DecodeUint64(r); err != nil {
			return nil, err
		}
		if cmd.RequestID, err = codec.DecodeUint64(r); err != nil {
			return nil, err
		}
		subType, err := codec.DecodeByte(r)
		if err != nil {
			return nil, err
		}
		cmd.SubType = SubscriptionType(subType)
		if cmd.ConsumerName, err = codec.DecodeString(r); err != nil {
			return nil, err
		}
		return cmd, nil
	case CmdSuccess:
		requestID, err := codec.DecodeUint64(r)
		if err != nil {
			return nil, err
		}
		return &Success{RequestID: requestID}, nil
	case CmdError:
		cmd := &Error{}
		var err error
		if cmd.RequestID, err = codec.DecodeUint64(r); err != nil {
			return nil, err
		}
		if cmd.Message, err = codec.DecodeString(r); err != nil {
			return nil, err
		}
		return cmd, nil
	case CmdUnsubscribe:
		cmd := &Unsubscribe{}
		var err error
		if cmd.ConsumerID, err = codec.DecodeUint64(r); err != nil {
			return nil, err
		}
		if cmd.RequestID, err = codec.DecodeUint64(r); err != nil {
			return nil, err
		}
		return cmd, nil
	case CmdCloseConsumer:
		cmd := &CloseConsumer{}
		var err error
		if cmd.ConsumerID, err = codec.DecodeUint64(r); err != nil {
			return nil, err
		}
		if cmd.RequestID, err = codec.DecodeUint64(r); err != nil {
			return nil, err
		}
		return cmd, nil
	case CmdFlow:
		cmd := &Flow{}
		var err error
		if cmd.ConsumerID, err = codec.DecodeUint64(r); err != nil {
			return nil, err
		}
		if cmd.Permits, err = codec.DecodeUint32(r); err != nil {
			return nil, err
		}
		return cmd, nil
	case CmdAck:
		cmd := &Ack{}
		var err error
		if cmd.ConsumerID, err = codec.DecodeUint64(r); err != nil {
			return nil, err
		}
		if cmd.LedgerID, err = codec.DecodeUint64(r); err != nil {
			return nil, err
		}
		if cmd.EntryID, err = codec.DecodeUint64(r); err != nil {
			return nil, err
		}
		mode, err := codec.DecodeByte(r)
		if err != nil {
			return nil, err
		}
		cmd.Mode = AckType(mode)
		validationError, err := codec.DecodeByte(r)
		if err != nil {
			return nil, err
		}
		cmd.ValidationError = ValidationError(validationError)
		return cmd, nil
	case CmdRedeliver:
		consumerID, err := codec.DecodeUint64(r)
		if err != nil {
			return nil, err
		}
		return &RedeliverUnacknowledgedMessages{ConsumerID: consumerID}, nil
	case CmdMessage:
		cmd := &Message{}
		var err error
		if cmd.ConsumerID, err = codec.DecodeUint64(r); err != nil {
			return nil, err
		}
		if cmd.ID.LedgerID, err = codec.DecodeUint64(r); err != nil {
			return nil, err
		}
		if cmd.ID.EntryID, err = codec.DecodeUint64(r); err != nil {
			return nil, err
		}
		partition, err := codec.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		cmd.ID.Partition = int32(partition)
		cmd.ID.BatchIndex = NoBatchIndex
		cmd.HeadersAndPayload = make([]byte, r.Len())
		if _, err := io.ReadFull(r, cmd.HeadersAndPayload); err != nil {
			return nil, err
		}
		return cmd, nil
	case CmdPing:
		return &Ping{}, nil
	case CmdPong:
		return &Pong{}, nil
	default:
		return nil, fmt.Errorf("%w: type %d", ErrUnknownCommand, t)
	}
}
