/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
#
# The Initial Developer of the Original Code is the Mozilla Foundation.
# Portions created by the Initial Developer are Copyright (C) 2013
# the Initial Developer. All Rights Reserved.
#
# ***** END LICENSE BLOCK *****/

// Package obuf implements the sandbox's single growable output buffer
// (spec.md §4.5). It is reused by output(), the circular buffer's textual
// emission, JSON table serialization, and protobuf framing — one growable
// region per sandbox, per spec.md §9.
package obuf

import (
	"errors"

	"github.com/jbli/lua-sandbox/sandbox"
)

// ErrLimitExceeded is raised (as a script-level error, by the caller) when
// a write would push the buffer past its configured limit.
var ErrLimitExceeded = errors.New("output_limit exceeded")

// minCapacity matches sandbox.DefaultOutputSize (spec.md §6's "default
// output buffer size 1 KiB") so a freshly created buffer never has to grow
// just to hold a first ordinary-sized write.
const minCapacity = sandbox.DefaultOutputSize

// Buffer is a growable byte buffer bounded by a hard limit. Fields:
// capacity, position, bytes — exactly spec.md §3's Output buffer model.
type Buffer struct {
	limit uint
	data  []byte
	pos   uint
}

// New creates a Buffer whose capacity never exceeds limit. The caller is
// responsible for clamping limit to sandbox.MaxOutput.
func New(limit uint) *Buffer {
	return &Buffer{limit: limit}
}

// Limit returns the configured ceiling.
func (b *Buffer) Limit() uint { return b.limit }

// Capacity returns the buffer's current backing allocation.
func (b *Buffer) Capacity() uint { return uint(cap(b.data)) }

// Position returns the number of valid bytes currently staged.
func (b *Buffer) Position() uint { return b.pos }

// Bytes returns the staged bytes, from position 0 to the current position.
func (b *Buffer) Bytes() []byte { return b.data[:b.pos] }

// Reset returns the buffer to position 0 without releasing its backing
// array; inject_message calls this once it has consumed Bytes().
func (b *Buffer) Reset() { b.pos = 0 }

// Write appends p, growing the backing array by doubling until it is large
// enough, but never past limit. Returns ErrLimitExceeded if the append
// would exceed limit; the buffer is left unchanged on that error.
func (b *Buffer) Write(p []byte) error {
	needed := b.pos + uint(len(p))
	if needed > b.limit {
		return ErrLimitExceeded
	}
	b.grow(needed)
	copy(b.data[b.pos:needed], p)
	b.pos = needed
	return nil
}

// WriteString is the string convenience wrapper around Write.
func (b *Buffer) WriteString(s string) error {
	return b.Write([]byte(s))
}

// WriteByte appends a single byte, honoring the same limit as Write.
func (b *Buffer) WriteByte(c byte) error {
	return b.Write([]byte{c})
}

// Patch overwrites len(replacement) bytes at pos in place. Used by the
// protobuf encoder to fill in a previously-written length placeholder.
func (b *Buffer) Patch(pos uint, replacement []byte) {
	copy(b.data[pos:pos+uint(len(replacement))], replacement)
}

// InsertAt splices extra bytes into the buffer at pos, shifting
// already-written bytes at and after pos to the right. Used by the
// protobuf encoder when a one-byte length placeholder turns out to be too
// small for the final varint-encoded length (spec.md §4.4's single
// forward-pass back-patch).
func (b *Buffer) InsertAt(pos uint, extra []byte) error {
	needed := b.pos + uint(len(extra))
	if needed > b.limit {
		return ErrLimitExceeded
	}
	b.grow(needed)
	copy(b.data[pos+uint(len(extra)):needed], b.data[pos:b.pos])
	copy(b.data[pos:pos+uint(len(extra))], extra)
	b.pos = needed
	return nil
}

func (b *Buffer) grow(needed uint) {
	if uint(cap(b.data)) >= needed {
		b.data = b.data[:cap(b.data)]
		return
	}
	newCap := uint(cap(b.data))
	if newCap == 0 {
		newCap = minCapacity
	}
	for newCap < needed {
		newCap *= 2
	}
	if newCap > b.limit {
		newCap = b.limit
	}
	grown := make([]byte, newCap)
	copy(grown, b.data[:b.pos])
	b.data = grown
}
