// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import "github.com/cespare/xxhash/v2"

// Checksum64 computes the 64-bit xxhash checksum carried in message
// metadata. It is always computed over the uncompressed payload.
func Checksum64(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}
