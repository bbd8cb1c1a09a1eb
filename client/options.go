// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/pulse/core"
)

// Default values.
const (
	DefaultReceiverQueueSize = 1000
	DefaultConnectTimeout    = 10 * time.Second
	DefaultOperationTimeout  = 30 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultKeepAlive         = 30 * time.Second
	DefaultReconnectMin      = 100 * time.Millisecond
	DefaultReconnectMax      = time.Minute
)

// MessageListener is called for every delivered message when a
// listener-driven consumer is configured. It runs on the listener
// executor, never on the connection read goroutine.
type MessageListener func(c *Consumer, msg *Message)

// ClientOptions configures a Client.
type ClientOptions struct {
	Addr             string        // Broker address (host:port)
	TLSConfig        *tls.Config   // TLS configuration (nil for plain TCP)
	ConnectTimeout   time.Duration // Timeout for connection attempts
	OperationTimeout time.Duration // Timeout for request/response operations
	WriteTimeout     time.Duration // Timeout for write operations
	KeepAlive        time.Duration // Ping interval (0 to disable)
	Logger           *slog.Logger  // nil uses slog.Default
}

// NewClientOptions creates ClientOptions with sensible defaults.
func NewClientOptions(addr string) *ClientOptions {
	return &ClientOptions{
		Addr:             addr,
		ConnectTimeout:   DefaultConnectTimeout,
		OperationTimeout: DefaultOperationTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		KeepAlive:        DefaultKeepAlive,
	}
}

// SetTLSConfig sets TLS configuration.
func (o *ClientOptions) SetTLSConfig(cfg *tls.Config) *ClientOptions {
	o.TLSConfig = cfg
	return o
}

// SetConnectTimeout sets the connection timeout.
func (o *ClientOptions) SetConnectTimeout(d time.Duration) *ClientOptions {
	o.ConnectTimeout = d
	return o
}

// SetOperationTimeout sets the request/response timeout. It also bounds
// how long a subscription keeps retrying before it fails.
func (o *ClientOptions) SetOperationTimeout(d time.Duration) *ClientOptions {
	o.OperationTimeout = d
	return o
}

// SetLogger sets the structured logger.
func (o *ClientOptions) SetLogger(l *slog.Logger) *ClientOptions {
	o.Logger = l
	return o
}

// Validate checks the options for errors and applies defaults.
func (o *ClientOptions) Validate() error {
	if o.Addr == "" {
		return ErrEmptyAddr
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

// Options configures a consumer subscription.
type Options struct {
	Topic        string
	Subscription string
	Type         core.SubscriptionType

	// ConsumerName identifies the consumer to the broker. Generated
	// when empty.
	ConsumerName string

	// ReceiverQueueSize bounds the messages buffered ahead of the
	// application. Zero turns receives into a strict rendezvous with
	// the broker: one permit is granted per receive call and batched
	// entries become unsupported.
	ReceiverQueueSize int

	// AckTimeout enables redelivery of messages that stay
	// unacknowledged longer than this. Zero disables the tracker.
	AckTimeout time.Duration

	// StatsInterval enables the periodic stats report. Zero disables
	// it.
	StatsInterval time.Duration

	// Listener switches the consumer to push mode. Receive calls are
	// rejected while a listener is set.
	Listener MessageListener
}

// NewConsumerOptions creates Options with sensible defaults.
func NewConsumerOptions(topic, subscription string) *Options {
	return &Options{
		Topic:             topic,
		Subscription:      subscription,
		Type:              core.SubscriptionExclusive,
		ReceiverQueueSize: DefaultReceiverQueueSize,
	}
}

// SetType sets the subscription type.
func (o *Options) SetType(t core.SubscriptionType) *Options {
	o.Type = t
	return o
}

// SetConsumerName sets the consumer name.
func (o *Options) SetConsumerName(name string) *Options {
	o.ConsumerName = name
	return o
}

// SetReceiverQueueSize sets the receiver queue size. Zero selects
// rendezvous receives.
func (o *Options) SetReceiverQueueSize(size int) *Options {
	o.ReceiverQueueSize = size
	return o
}

// SetAckTimeout enables unacked-message redelivery.
func (o *Options) SetAckTimeout(d time.Duration) *Options {
	o.AckTimeout = d
	return o
}

// SetStatsInterval enables the periodic stats report.
func (o *Options) SetStatsInterval(d time.Duration) *Options {
	o.StatsInterval = d
	return o
}

// SetListener sets the message listener.
func (o *Options) SetListener(l MessageListener) *Options {
	o.Listener = l
	return o
}

// Validate checks the options for errors and applies defaults.
func (o *Options) Validate() error {
	if o.Topic == "" {
		return ErrEmptyTopic
	}
	if o.Subscription == "" {
		return ErrEmptySubscription
	}
	if o.ReceiverQueueSize < 0 {
		o.ReceiverQueueSize = DefaultReceiverQueueSize
	}
	if o.ConsumerName == "" {
		o.ConsumerName = "consumer-" + uuid.NewString()[:8]
	}
	return nil
}
