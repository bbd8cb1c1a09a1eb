// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools the scratch buffers used to frame outbound
// commands and assemble metadata sections.
package bufpool

import (
	"bytes"
	"sync"
)

// Buffers that grew past 1 MiB are dropped instead of pooled.
const maxPooledCap = 1024 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}
