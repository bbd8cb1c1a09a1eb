// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBroker scripts the broker side of an in-memory connection.
type testBroker struct {
	conn net.Conn
}

func (b *testBroker) serveHandshake(t *testing.T) {
	t.Helper()
	cmd, err := ReadCommand(b.conn)
	require.NoError(t, err)
	require.IsType(t, &Connect{}, cmd)
	require.NoError(t, WriteCommand(b.conn, &Connected{ServerVersion: "test-broker", ProtocolVersion: 2}))
}

type recordingHandler struct {
	mu       sync.Mutex
	messages []*Message
	closed   bool
}

func (h *recordingHandler) MessageReceived(cmd *Message, cnx Cnx) {
	h.mu.Lock()
	h.messages = append(h.messages, cmd)
	h.mu.Unlock()
}

func (h *recordingHandler) ConnectionClosed(cnx Cnx) {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() ([]*Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Message(nil), h.messages...), h.closed
}

func newTestConnection(t *testing.T) (*Connection, *testBroker) {
	t.Helper()
	clientSide, brokerSide := net.Pipe()
	broker := &testBroker{conn: brokerSide}

	done := make(chan struct{})
	go func() {
		defer close(done)
		broker.serveHandshake(t)
	}()

	cnx, err := NewConnection(clientSide, DialConfig{
		ConnectTimeout: time.Second,
		WriteTimeout:   time.Second,
		ClientVersion:  "test-client",
	})
	<-done
	require.NoError(t, err)
	t.Cleanup(func() { cnx.Close(); brokerSide.Close() })
	return cnx, broker
}

func TestConnectionHandshake(t *testing.T) {
	cnx, _ := newTestConnection(t)
	assert.Equal(t, int32(2), cnx.RemoteProtocolVersion())
	assert.False(t, cnx.Closed())
}

func TestConnectionSendRequestSuccess(t *testing.T) {
	cnx, broker := newTestConnection(t)

	go func() {
		cmd, err := ReadCommand(broker.conn)
		if err != nil {
			return
		}
		sub := cmd.(*Subscribe)
		WriteCommand(broker.conn, &Success{RequestID: sub.RequestID})
	}()

	err := cnx.SendRequest(1, &Subscribe{
		Topic:        "topic",
		Subscription: "sub",
		ConsumerID:   1,
		RequestID:    1,
	}, time.Second)
	require.NoError(t, err)
}

func TestConnectionSendRequestServerError(t *testing.T) {
	cnx, broker := newTestConnection(t)

	go func() {
		cmd, err := ReadCommand(broker.conn)
		if err != nil {
			return
		}
		sub := cmd.(*Subscribe)
		WriteCommand(broker.conn, &Error{RequestID: sub.RequestID, Message: "exclusive subscription busy"})
	}()

	err := cnx.SendRequest(2, &Subscribe{RequestID: 2}, time.Second)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, uint64(2), se.RequestID)
}

func TestConnectionSendRequestTimeout(t *testing.T) {
	cnx, broker := newTestConnection(t)

	go func() {
		// Swallow the request, never reply.
		ReadCommand(broker.conn)
	}()

	err := cnx.SendRequest(3, &Unsubscribe{RequestID: 3}, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)
}

func TestConnectionDispatchesMessages(t *testing.T) {
	cnx, broker := newTestConnection(t)

	handler := &recordingHandler{}
	cnx.RegisterConsumer(9, handler)

	require.NoError(t, WriteCommand(broker.conn, &Message{
		ConsumerID:        9,
		ID:                NewMessageID(1, 2, -1),
		HeadersAndPayload: []byte{0xAA},
	}))

	require.Eventually(t, func() bool {
		messages, _ := handler.snapshot()
		return len(messages) == 1
	}, time.Second, 10*time.Millisecond)

	messages, _ := handler.snapshot()
	assert.Equal(t, NewMessageID(1, 2, -1), messages[0].ID)
}

func TestConnectionAnswersPing(t *testing.T) {
	cnx, broker := newTestConnection(t)
	defer cnx.Close()

	require.NoError(t, WriteCommand(broker.conn, &Ping{}))
	cmd, err := ReadCommand(broker.conn)
	require.NoError(t, err)
	assert.IsType(t, &Pong{}, cmd)
}

func TestConnectionCloseNotifiesConsumers(t *testing.T) {
	cnx, _ := newTestConnection(t)

	handler := &recordingHandler{}
	cnx.RegisterConsumer(9, handler)

	require.NoError(t, cnx.Close())
	require.Eventually(t, func() bool {
		_, closed := handler.snapshot()
		return closed
	}, time.Second, 10*time.Millisecond)
	assert.True(t, cnx.Closed())

	// New requests are rejected immediately.
	err := cnx.SendRequest(4, &Unsubscribe{RequestID: 4}, time.Second)
	require.ErrorIs(t, err, ErrConnectionClosed)
}
