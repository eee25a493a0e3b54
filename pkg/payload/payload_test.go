// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package payload

import "testing"

func TestText(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"ascii", []byte("ping"), "ping"},
		{"utf8", []byte("héllo"), "héllo"},
		{"empty", nil, ""},
		{"invalid byte", []byte{'a', 0xff, 'b'}, "a�b"},
		{"two invalid bytes", []byte{0xc3, 0x28}, "�("},
		{"truncated rune", []byte{'x', 0xe2, 0x82}, "x\uFFFD"},
		{"truncated emoji", []byte{0xf0, 0x9f, 0x98}, "\uFFFD"},
		{"truncated emoji then ascii", []byte{0xf0, 0x9f, 0x98, 'a'}, "\uFFFDa"},
		{"surrogate", []byte{0xed, 0xa0, 0x80}, "\uFFFD\uFFFD\uFFFD"},
		{"overlong lead", []byte{0xc0, 0x80}, "\uFFFD\uFFFD"},
		{"lead then lead", []byte{0xe2, 0xe2, 0x82, 0xac}, "\uFFFD€"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Text(tt.in); got != tt.want {
				t.Errorf("Text(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestText_DoesNotAlterInput(t *testing.T) {
	in := []byte{0xff, 0xfe}
	_ = Text(in)
	if in[0] != 0xff || in[1] != 0xfe {
		t.Error("Expected input bytes to be untouched")
	}
}

func TestPool(t *testing.T) {
	p := NewPool(0)
	if p.Size() != DefaultBufferSize {
		t.Errorf("Expected default size %d, got %d", DefaultBufferSize, p.Size())
	}

	p = NewPool(16)
	buf := p.Get()
	if len(*buf) != 16 {
		t.Errorf("Expected buffer of 16 bytes, got %d", len(*buf))
	}
	p.Put(buf)
}
