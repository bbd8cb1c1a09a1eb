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

// CompressionType identifies the codec a payload was compressed with.
type CompressionType byte

// Payload compression codecs.
const (
	CompressionNone CompressionType = iota
	CompressionLZ4
	CompressionZlib
	CompressionZstd
)

// String returns the codec name.
func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZlib:
		return "zlib"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Metadata presence flags.
const (
	metaFlagChecksum byte = 1 << iota
	metaFlagNumMessagesInBatch
	metaFlagProperties
)

// MessageMetadata is the per-entry header preceding every payload
// pushed by the broker. It is framed as a variable byte integer length
// followed by the encoded fields.
type MessageMetadata struct {
	ProducerName     string
	SequenceID       uint64
	PublishTime      uint64 // milliseconds since the Unix epoch
	Compression      CompressionType
	UncompressedSize uint32

	// Optional fields. Nil means absent on the wire.
	Checksum           *uint64
	NumMessagesInBatch *uint32

	Properties map[string]string
}

// HasChecksum returns true if a payload checksum was attached.
func (m *MessageMetadata) HasChecksum() bool {
	return m.Checksum != nil
}

// HasNumMessagesInBatch returns true if the entry was explicitly marked
// as a batch, regardless of the batch size.
func (m *MessageMetadata) HasNumMessagesInBatch() bool {
	return m.NumMessagesInBatch != nil
}

// Pack writes the metadata as [VBI length][fields].
func (m *MessageMetadata) Pack(w io.Writer) error {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	flags := byte(0)
	if m.Checksum != nil {
		flags |= metaFlagChecksum
	}
	if m.NumMessagesInBatch != nil {
		flags |= metaFlagNumMessagesInBatch
	}
	if len(m.Properties) > 0 {
		flags |= metaFlagProperties
	}

	buf.WriteByte(flags)
	if err := codec.EncodeString(buf, m.ProducerName); err != nil {
		return err
	}
	if err := codec.EncodeUint64(buf, m.SequenceID); err != nil {
		return err
	}
	if err := codec.EncodeUint64(buf, m.PublishTime); err != nil {
		return err
	}
	buf.WriteByte(byte(m.Compression))
	if err := codec.EncodeUint32(buf, m.UncompressedSize); err != nil {
		return err
	}
	if m.Checksum != nil {
		if err := codec.EncodeUint64(buf, *m.Checksum); err != nil {
			return err
		}
	}
	if m.NumMessagesInBatch != nil {
		if err := codec.EncodeUint32(buf, *m.NumMessagesInBatch); err != nil {
			return err
		}
	}
	if len(m.Properties) > 0 {
		if err := encodeProperties(buf, m.Properties); err != nil {
			return err
		}
	}

	if err := codec.EncodeVBI(w, buf.Len()); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// DecodeMessageMetadata reads a VBI-framed metadata section. Fields
// beyond the ones known to this implementation are skipped, so newer
// brokers remain readable.
func DecodeMessageMetadata(r io.Reader) (*MessageMetadata, error) {
	length, err := codec.DecodeVBI(r)
	if err != nil {
		return nil, err
	}
	lr := &io.LimitedReader{R: r, N: int64(length)}

	m := &MessageMetadata{}
	flags, err := codec.DecodeByte(lr)
	if err != nil {
		return nil, err
	}
	if m.ProducerName, err = codec.DecodeString(lr); err != nil {
		return nil, err
	}
	if m.SequenceID, err = codec.DecodeUint64(lr); err != nil {
		return nil, err
	}
	if m.PublishTime, err = codec.DecodeUint64(lr); err != nil {
		return nil, err
	}
	compression, err := codec.DecodeByte(lr)
	if err != nil {
		return nil, err
	}
	m.Compression = CompressionType(compression)
	if m.UncompressedSize, err = codec.DecodeUint32(lr); err != nil {
		return nil, err
	}
	if flags&metaFlagChecksum != 0 {
		checksum, err := codec.DecodeUint64(lr)
		if err != nil {
			return nil, err
		}
		m.Checksum = &checksum
	}
	if flags&metaFlagNumMessagesInBatch != 0 {
		numMessages, err := codec.DecodeUint32(lr)
		if err != nil {
			return nil, err
		}
		m.NumMessagesInBatch = &numMessages
	}
	if flags&metaFlagProperties != 0 {
		if m.Properties, err = decodeProperties(lr); err != nil {
			return nil, err
		}
	}
	if _, err := io.Copy(io.Discard, lr); err != nil {
		return nil, err
	}
	return m, nil
}

// SingleMessageMetadata is the per-message header inside a batched
// payload, framed the same way as MessageMetadata.
type SingleMessageMetadata struct {
	PayloadSize uint32
	Properties  map[string]string
}

// Pack writes the single-message metadata as [VBI length][fields].
func (m *SingleMessageMetadata) Pack(w io.Writer) error {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	flags := byte(0)
	if len(m.Properties) > 0 {
		flags |= metaFlagProperties
	}
	buf.WriteByte(flags)
	if err := codec.EncodeUint32(buf, m.PayloadSize); err != nil {
		return err
	}
	if len(m.Properties) > 0 {
		if err := encodeProperties(buf, m.Properties); err != nil {
			return err
		}
	}

	if err := codec.EncodeVBI(w, buf.Len()); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// DecodeSingleMessageMetadata reads a VBI-framed single-message
// metadata section.
func DecodeSingleMessageMetadata(r io.Reader) (*SingleMessageMetadata, error) {
	length, err := codec.DecodeVBI(r)
	if err != nil {
		return nil, err
	}
	lr := &io.LimitedReader{R: r, N: int64(length)}

	m := &SingleMessageMetadata{}
	flags, err := codec.DecodeByte(lr)
	if err != nil {
		return nil, err
	}
	if m.PayloadSize, err = codec.DecodeUint32(lr); err != nil {
		return nil, err
	}
	if flags&metaFlagProperties != 0 {
		if m.Properties, err = decodeProperties(lr); err != nil {
			return nil, err
		}
	}
	if _, err := io.Copy(io.Discard, lr); err != nil {
		return nil, err
	}
	return m, nil
}

// SerializeSingleMessageInBatch appends one [metadata][payload] slot to
// a batch payload under construction.
func SerializeSingleMessageInBatch(w io.Writer, meta *SingleMessageMetadata, payload []byte) error {
	meta.PayloadSize = uint32(len(payload))
	if err := meta.Pack(w); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// DeserializeSingleMessageInBatch reads the next [metadata][payload]
// slot from an uncompressed batch payload.
func DeserializeSingleMessageInBatch(r *bytes.Reader) (*SingleMessageMetadata, []byte, error) {
	meta, err := DecodeSingleMessageMetadata(r)
	if err != nil {
		return nil, nil, err
	}
	if int64(meta.PayloadSize) > int64(r.Len()) {
		return nil, nil, fmt.Errorf("%w: single message payload size %d exceeds remaining %d",
			ErrCorruptedFrame, meta.PayloadSize, r.Len())
	}
	payload := make([]byte, meta.PayloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, err
	}
	return meta, payload, nil
}

func encodeProperties(w io.Writer, props map[string]string) error {
	if err := codec.EncodeUint16(w, uint16(len(props))); err != nil {
		return err
	}
	for k, v := range props {
		if err := codec.EncodeString(w, k); err != nil {
			return err
		}
		if err := codec.EncodeString(w, v); err != nil {
			return err
		}
	}
	return nil
}

func decodeProperties(r io.Reader) (map[string]string, error) {
	count, err := codec.DecodeUint16(r)
	if err != nil {
		return nil, err
	}
	props := make(map[string]string, count)
	for i := 0; i < int(count); i++ {
		k, err := codec.DecodeString(r)
		if err != nil {
			return nil, err
		}
		v, err := codec.DecodeString(r)
		if err != nil {
			return nil, err
		}
		props[k] = v
	}
	return props, nil
}
