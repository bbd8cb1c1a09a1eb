// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs a consumer against a broker: it subscribes, prints
// every received message and acknowledges it.
package main

import (
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/pulse/client"
	"github.com/absmach/pulse/config"
	"github.com/absmach/pulse/core"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	clientOpts := client.NewClientOptions(cfg.Broker.Addr).SetLogger(logger)
	clientOpts.ConnectTimeout = cfg.Broker.ConnectTimeout
	clientOpts.OperationTimeout = cfg.Broker.OperationTimeout
	clientOpts.KeepAlive = cfg.Broker.KeepAlive

	if cfg.Broker.TLSEnabled {
		tlsConfig, err := newTLSConfig(&cfg.Broker)
		if err != nil {
			slog.Error("Failed to create TLS config", "error", err)
			os.Exit(1)
		}
		clientOpts.SetTLSConfig(tlsConfig)
	}

	c, err := client.NewClient(clientOpts)
	if err != nil {
		slog.Error("Failed to create client", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	subType := core.SubscriptionExclusive
	switch cfg.Consumer.Type {
	case "shared":
		subType = core.SubscriptionShared
	case "failover":
		subType = core.SubscriptionFailover
	}

	consumerOpts := client.NewConsumerOptions(cfg.Consumer.Topic, cfg.Consumer.Subscription).
		SetType(subType).
		SetConsumerName(cfg.Consumer.Name).
		SetReceiverQueueSize(cfg.Consumer.ReceiverQueueSize).
		SetAckTimeout(cfg.Consumer.AckTimeout).
		SetStatsInterval(cfg.Consumer.StatsInterval)

	consumer, err := c.Subscribe(consumerOpts)
	if err != nil {
		slog.Error("Failed to subscribe", "topic", cfg.Consumer.Topic, "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	slog.Info("Consuming messages",
		"topic", cfg.Consumer.Topic,
		"subscription", cfg.Consumer.Subscription)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msg, err := consumer.Receive()
			if err != nil {
				slog.Info("Receive stopped", "error", err)
				return
			}
			slog.Info("Received message",
				"message_id", msg.ID,
				"payload_bytes", len(msg.Payload),
				"publish_time", msg.PublishTime)
			if err := consumer.Ack(msg); err != nil {
				slog.Warn("Failed to ack message", "message_id", msg.ID, "error", err)
			}
		}
	}()

	<-sigCh
	slog.Info("Shutting down")
	consumer.Close()
	<-done
}

func newTLSConfig(cfg *config.BrokerConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.TLSCAFile != "" {
		caCert, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA cert")
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert/key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
