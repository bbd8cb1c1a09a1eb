// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ConsumerHandler receives inbound events for one consumer registered
// on a connection. Message dispatch happens on the connection read
// goroutine; handlers must not block it.
type ConsumerHandler interface {
	MessageReceived(cmd *Message, cnx Cnx)
	ConnectionClosed(cnx Cnx)
}

// Cnx is the broker connection as seen by consumers. One connection is
// shared by any number of consumers and producers and may outlive each
// of them.
type Cnx interface {
	// SendRequest writes a request command and blocks until the broker
	// replies with Success or Error, or the timeout elapses.
	SendRequest(requestID uint64, cmd Command, timeout time.Duration) error
	// WriteCommand writes and flushes a fire-and-forget command. The
	// returned error is the flush outcome.
	WriteCommand(cmd Command) error
	RegisterConsumer(consumerID uint64, h ConsumerHandler)
	RemoveConsumer(consumerID uint64)
	RemoteProtocolVersion() int32
	Closed() bool
	Close() error
}

var _ Cnx = (*Connection)(nil)

// DialConfig configures a broker connection.
type DialConfig struct {
	Addr           string
	TLSConfig      *tls.Config // nil for plain TCP
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	KeepAlive      time.Duration // 0 disables pings
	ClientVersion  string
	Logger         *slog.Logger
}

// Connection is a TCP broker connection. A single read goroutine
// dispatches inbound commands; writes are serialized by a mutex.
type Connection struct {
	conn         net.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration

	pending *pendingRequests

	consumersMu sync.RWMutex
	consumers   map[uint64]ConsumerHandler

	remoteVersion int32
	logger        *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	doneCh    chan struct{}
	pingStop  chan struct{}
}

// Dial connects to a broker, performs the Connect handshake and starts
// the read loop.
func Dial(cfg DialConfig) (*Connection, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	var conn net.Conn
	var err error
	if cfg.TLSConfig != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", cfg.Addr, cfg.TLSConfig)
	} else {
		conn, err = dialer.Dial("tcp", cfg.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}

	c, err := newConnection(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewConnection wraps an established transport connection, performs the
// handshake and starts the read loop. Used directly by tests with
// in-memory pipes.
func NewConnection(conn net.Conn, cfg DialConfig) (*Connection, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return newConnection(conn, cfg)
}

func newConnection(conn net.Conn, cfg DialConfig) (*Connection, error) {
	c := &Connection{
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		pending:      newPendingRequests(),
		consumers:    make(map[uint64]ConsumerHandler),
		logger:       cfg.Logger,
		doneCh:       make(chan struct{}),
	}

	if err := c.handshake(cfg); err != nil {
		return nil, err
	}

	go c.readLoop()
	if cfg.KeepAlive > 0 {
		c.pingStop = make(chan struct{})
		go c.keepAlive(cfg.KeepAlive)
	}
	return c, nil
}

func (c *Connection) handshake(cfg DialConfig) error {
	if err := c.WriteCommand(&Connect{
		ClientVersion:   cfg.ClientVersion,
		ProtocolVersion: ProtocolVersion,
	}); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(cfg.ConnectTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	cmd, err := ReadCommand(c.conn)
	if err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	connected, ok := cmd.(*Connected)
	if !ok {
		return fmt.Errorf("%w: %s during handshake", ErrUnexpectedCommand, cmd.CommandType())
	}
	c.remoteVersion = connected.ProtocolVersion
	c.logger.Debug("Connected to broker",
		"remote_addr", c.conn.RemoteAddr(),
		"server_version", connected.ServerVersion,
		"protocol_version", connected.ProtocolVersion)
	return nil
}

// SendRequest writes a request and waits for the matching reply.
func (c *Connection) SendRequest(requestID uint64, cmd Command, timeout time.Duration) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	req := c.pending.add(requestID)
	if err := c.WriteCommand(cmd); err != nil {
		c.pending.remove(requestID)
		return err
	}

	err := req.wait(timeout)
	if err == ErrRequestTimeout {
		c.pending.remove(requestID)
	}
	return err
}

// WriteCommand frames and flushes a single command.
func (c *Connection) WriteCommand(cmd Command) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	defer c.conn.SetWriteDeadline(time.Time{})
	return WriteCommand(c.conn, cmd)
}

// RegisterConsumer routes inbound Message commands for consumerID to h.
func (c *Connection) RegisterConsumer(consumerID uint64, h ConsumerHandler) {
	c.consumersMu.Lock()
	c.consumers[consumerID] = h
	c.consumersMu.Unlock()
}

// RemoveConsumer stops routing for consumerID.
func (c *Connection) RemoveConsumer(consumerID uint64) {
	c.consumersMu.Lock()
	delete(c.consumers, consumerID)
	c.consumersMu.Unlock()
}

// RemoteProtocolVersion returns the version announced by the broker.
func (c *Connection) RemoteProtocolVersion() int32 {
	return c.remoteVersion
}

// Closed reports whether the connection has been torn down.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// Close tears the connection down and fails all in-flight requests.
func (c *Connection) Close() error {
	c.closeWith(ErrConnectionClosed)
	return nil
}

// Done is closed when the read loop exits.
func (c *Connection) Done() <-chan struct{} {
	return c.doneCh
}

func (c *Connection) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.pingStop != nil {
			close(c.pingStop)
		}
		c.conn.Close()
		c.pending.clear(err)

		c.consumersMu.Lock()
		consumers := c.consumers
		c.consumers = make(map[uint64]ConsumerHandler)
		c.consumersMu.Unlock()

		for _, h := range consumers {
			h.ConnectionClosed(c)
		}
		close(c.doneCh)
	})
}

func (c *Connection) readLoop() {
	for {
		cmd, err := ReadCommand(c.conn)
		if err != nil {
			if !c.closed.Load() {
				c.logger.Debug("Connection read failed", "remote_addr", c.conn.RemoteAddr(), "error", err)
			}
			c.closeWith(ErrConnectionClosed)
			return
		}
		c.handleCommand(cmd)
	}
}

func (c *Connection) handleCommand(cmd Command) {
	switch cmd := cmd.(type) {
	case *Success:
		c.pending.complete(cmd.RequestID, nil)
	case *Error:
		c.pending.complete(cmd.RequestID, &ServerError{RequestID: cmd.RequestID, Reason: cmd.Message})
	case *Message:
		c.consumersMu.RLock()
		h, ok := c.consumers[cmd.ConsumerID]
		c.consumersMu.RUnlock()
		if !ok {
			c.logger.Debug("Message for unknown consumer", "consumer_id", cmd.ConsumerID, "message_id", cmd.ID)
			return
		}
		h.MessageReceived(cmd, c)
	case *Ping:
		if err := c.WriteCommand(&Pong{}); err != nil {
			c.logger.Debug("Failed to answer ping", "error", err)
		}
	case *Pong:
		// Liveness confirmed, nothing to do.
	default:
		c.logger.Warn("Unexpected command on client connection", "type", cmd.CommandType())
	}
}

func (c *Connection) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.pingStop:
			return
		case <-ticker.C:
			if err := c.WriteCommand(&Ping{}); err != nil {
				return
			}
		}
	}
}
