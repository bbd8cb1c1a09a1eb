// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:6650", cfg.Broker.Addr)
	assert.Equal(t, 1000, cfg.Consumer.ReceiverQueueSize)
	assert.Equal(t, "exclusive", cfg.Consumer.Type)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "localhost:6650", cfg.Broker.Addr)
}

func TestLoadFile(t *testing.T) {
	content := `
broker:
  addr: broker-1:6650
  connect_timeout: 5s
consumer:
  topic: persistent://tenant/ns/topic
  subscription: sub-1
  type: shared
  receiver_queue_size: 50
  ack_timeout: 1m
log:
  level: debug
  format: json
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "broker-1:6650", cfg.Broker.Addr)
	assert.Equal(t, 5*time.Second, cfg.Broker.ConnectTimeout)
	assert.Equal(t, "shared", cfg.Consumer.Type)
	assert.Equal(t, 50, cfg.Consumer.ReceiverQueueSize)
	assert.Equal(t, time.Minute, cfg.Consumer.AckTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Broker.Addr = ""
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Consumer.ReceiverQueueSize = -1
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Consumer.Type = "roundrobin"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Log.Level = "loud"
	require.Error(t, cfg.Validate())
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broker: ["), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
