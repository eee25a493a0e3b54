// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package payload holds the buffer pool used by the forwarding loops and the
// observational text decoding attached to message events.
package payload

import (
	"sync"
	"unicode/utf8"
)

const (
	// DefaultBufferSize is the default read buffer size in bytes.
	DefaultBufferSize = 1024

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535
)

// Text decodes b as UTF-8, replacing every maximal invalid subsequence
// with one U+FFFD, so a truncated multi-byte rune yields a single
// replacement. The result is only used for events; forwarded bytes are
// never altered.
func Text(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}

	out := make([]rune, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			size = invalidLen(b)
		}
		out = append(out, r)
		b = b[size:]
	}
	return string(out)
}

// invalidLen returns the length of the invalid sequence at the start of b:
// the lead byte plus the continuation bytes that still form a valid prefix
// of some encoded rune.
func invalidLen(b []byte) int {
	n, lo, hi := 0, byte(0x80), byte(0xBF)
	switch c := b[0]; {
	case c >= 0xC2 && c <= 0xDF:
		n = 2
	case c == 0xE0:
		n, lo = 3, 0xA0
	case c == 0xED:
		n, hi = 3, 0x9F
	case c >= 0xE1 && c <= 0xEF:
		n = 3
	case c == 0xF0:
		n, lo = 4, 0x90
	case c == 0xF4:
		n, hi = 4, 0x8F
	case c >= 0xF1 && c <= 0xF3:
		n = 4
	default:
		return 1
	}

	i := 1
	for ; i < n && i < len(b); i++ {
		if b[i] < lo || b[i] > hi {
			break
		}
		lo, hi = 0x80, 0xBF
	}
	return i
}

// Pool hands out fixed-size byte buffers.
type Pool struct {
	size int
	pool sync.Pool
}

// NewPool returns a pool of buffers of size bytes.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Size returns the length of buffers handed out by the pool.
func (p *Pool) Size() int {
	return p.size
}

// Get returns a buffer of Size bytes.
func (p *Pool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns buf to the pool.
func (p *Pool) Put(buf *[]byte) {
	p.pool.Put(buf)
}
