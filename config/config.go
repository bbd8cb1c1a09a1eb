// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads the consumer tooling configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the consumer tooling.
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Log      LogConfig      `yaml:"log"`
}

// BrokerConfig holds broker connection settings.
type BrokerConfig struct {
	Addr             string        `yaml:"addr"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	KeepAlive        time.Duration `yaml:"keep_alive"`
	TLSEnabled       bool          `yaml:"tls_enabled"`
	TLSCertFile      string        `yaml:"tls_cert_file"`
	TLSKeyFile       string        `yaml:"tls_key_file"`
	TLSCAFile        string        `yaml:"tls_ca_file"`
}

// ConsumerConfig holds subscription settings.
type ConsumerConfig struct {
	Topic             string        `yaml:"topic"`
	Subscription      string        `yaml:"subscription"`
	Type              string        `yaml:"type"` // "exclusive", "shared" or "failover"
	Name              string        `yaml:"name"`
	ReceiverQueueSize int           `yaml:"receiver_queue_size"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	StatsInterval     time.Duration `yaml:"stats_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Addr:             "localhost:6650",
			ConnectTimeout:   10 * time.Second,
			OperationTimeout: 30 * time.Second,
			KeepAlive:        30 * time.Second,
		},
		Consumer: ConsumerConfig{
			Type:              "exclusive",
			ReceiverQueueSize: 1000,
			StatsInterval:     time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Broker.Addr == "" {
		return fmt.Errorf("broker.addr cannot be empty")
	}
	if c.Consumer.ReceiverQueueSize < 0 {
		return fmt.Errorf("consumer.receiver_queue_size cannot be negative")
	}
	switch c.Consumer.Type {
	case "exclusive", "shared", "failover":
	default:
		return fmt.Errorf("consumer.type must be exclusive, shared or failover, got %q", c.Consumer.Type)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}
