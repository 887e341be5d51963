// ABOUTME: Tests for composite key encoding
// ABOUTME: Verifies order-preserving properties and roundtrip encoding

package storage

import (
	"bytes"
	"testing"
	"time"
)

func TestEncodeInt64(t *testing.T) {
	vals := []Value{
		NewInt64Value(-1000),
		NewInt64Value(-1),
		NewInt64Value(0),
		NewInt64Value(1),
		NewInt64Value(1000),
	}

	// Encode all values
	encoded := make([][]byte, len(vals))
	for i, v := range vals {
		encoded[i] = EncodeValues([]Value{v})
	}

	// Verify ordering
	for i := 0; i < len(encoded)-1; i++ {
		if bytes.Compare(encoded[i], encoded[i+1]) >= 0 {
			t.Errorf("Order violated: %d should be < %d", vals[i].I64, vals[i+1].I64)
		}
	}

	// Verify roundtrip
	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		if err != nil {
			t.Fatalf("Failed to decode: %v", err)
		}
		if len(decoded) != 1 {
			t.Fatalf("Expected 1 value, got %d", len(decoded))
		}
		if decoded[0].I64 != vals[i].I64 {
			t.Errorf("Roundtrip failed: expected %d, got %d", vals[i].I64, decoded[0].I64)
		}
	}
}

func TestEncodeBytes(t *testing.T) {
	vals := []Value{
		NewBytesValue([]byte("")),
		NewBytesValue([]byte("a")),
		NewBytesValue([]byte("aa")),
		NewBytesValue([]byte("ab")),
		NewBytesValue([]byte("b")),
	}

	// Encode all values
	encoded := make([][]byte, len(vals))
	for i, v := range vals {
		encoded[i] = EncodeValues([]Value{v})
	}

	// Verify ordering
	for i := 0; i < len(encoded)-1; i++ {
		if bytes.Compare(encoded[i], encoded[i+1]) >= 0 {
			t.Errorf("Order violated: %s should be < %s", vals[i].Str, vals[i+1].Str)
		}
	}

	// Verify roundtrip
	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		if err != nil {
			t.Fatalf("Failed to decode: %v", err)
		}
		if len(decoded) != 1 {
			t.Fatalf("Expected 1 value, got %d", len(decoded))
		}
		if !bytes.Equal(decoded[0].Str, vals[i].Str) {
			t.Errorf("Roundtrip failed: expected %s, got %s", vals[i].Str, decoded[0].Str)
		}
	}
}

func TestEncodeComposite(t *testing.T) {
	// Test composite keys with ordering
	keys := [][]Value{
		{NewBytesValue([]byte("a")), NewInt64Value(1)},
		{NewBytesValue([]byte("a")), NewInt64Value(2)},
		{NewBytesValue([]byte("b")), NewInt64Value(1)},
		{NewBytesValue([]byte("b")), NewInt64Value(2)},
	}

	// Encode all keys
	encoded := make([][]byte, len(keys))
	for i, k := range keys {
		encoded[i] = EncodeValues(k)
	}

	// Verify ordering
	for i := 0; i < len(encoded)-1; i++ {
		if bytes.Compare(encoded[i], encoded[i+1]) >= 0 {
			t.Errorf("Order violated at index %d", i)
		}
	}

	// Verify roundtrip
	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		if err != nil {
			t.Fatalf("Failed to decode: %v", err)
		}
		if len(decoded) != len(keys[i]) {
			t.Fatalf("Expected %d values, got %d", len(keys[i]), len(decoded))
		}
		for j := range decoded {
			if decoded[j].Type != keys[i][j].Type {
				t.Errorf("Type mismatch at index %d,%d", i, j)
			}
		}
	}
}

func TestEncodeKeyWithPrefix(t *testing.T) {
	prefix := uint32(100)
	vals := []Value{
		NewBytesValue([]byte("test")),
		NewInt64Value(42),
	}

	encoded := EncodeKey(prefix, vals)

	// The prefix is the leading 4 big-endian bytes.
	if got := uint32(encoded[0])<<24 | uint32(encoded[1])<<16 | uint32(encoded[2])<<8 | uint32(encoded[3]); got != prefix {
		t.Errorf("Expected prefix %d, got %d", prefix, got)
	}

	// The values round-trip from the remainder.
	extractedVals, err := DecodeValues(encoded[4:])
	if err != nil {
		t.Fatalf("Failed to extract values: %v", err)
	}

	if len(extractedVals) != len(vals) {
		t.Fatalf("Expected %d values, got %d", len(vals), len(extractedVals))
	}

	if !bytes.Equal(extractedVals[0].Str, vals[0].Str) {
		t.Errorf("Value 0 mismatch")
	}
	if extractedVals[1].I64 != vals[1].I64 {
		t.Errorf("Value 1 mismatch")
	}

	// Prefixes order keys before any value comparison happens.
	other := EncodeKey(prefix+1, []Value{NewBytesValue([]byte("aaaa"))})
	if bytes.Compare(encoded, other) >= 0 {
		t.Error("key with smaller prefix must sort first")
	}
}

func TestEncodeTime(t *testing.T) {
	now := time.Now()
	times := []Value{
		NewTimeValue(now.Add(-time.Hour)),
		NewTimeValue(now),
		NewTimeValue(now.Add(time.Hour)),
	}

	// Encode all times
	encoded := make([][]byte, len(times))
	for i, v := range times {
		encoded[i] = EncodeValues([]Value{v})
	}

	// Verify ordering
	for i := 0; i < len(encoded)-1; i++ {
		if bytes.Compare(encoded[i], encoded[i+1]) >= 0 {
			t.Errorf("Time order violated at index %d", i)
		}
	}

	// Verify roundtrip (note: precision is seconds)
	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		if err != nil {
			t.Fatalf("Failed to decode: %v", err)
		}
		if len(decoded) != 1 {
			t.Fatalf("Expected 1 value, got %d", len(decoded))
		}
		if decoded[0].Time.Unix() != times[i].Time.Unix() {
			t.Errorf("Time roundtrip failed")
		}
	}
}

func TestEscapeString(t *testing.T) {
	tests := []struct {
		input []byte
		name  string
	}{
		{[]byte("normal"), "normal string"},
		{[]byte{0x00}, "null byte"},
		{[]byte{0xFE}, "escape introducer byte"},
		{[]byte{0xFF}, "0xFF byte"},
		{[]byte{0x00, 0xFF}, "null and 0xFF"},
		{[]byte{0xFE, 0x41}, "escape introducer before data"},
		{[]byte{0xFE, 0xFE, 0x00, 0xFF}, "all escaped values mixed"},
		{[]byte("test\x00string"), "embedded null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			escaped := escapeString(tt.input)
			unescaped := unescapeString(escaped)

			if !bytes.Equal(unescaped, tt.input) {
				t.Errorf("Escape/unescape failed for %v", tt.input)
			}
		})
	}
}

func TestEncodeReal64(t *testing.T) {
	vals := []float64{-1e300, -1.5, 0.0, 1e-10, 2.5, 1e300}

	encoded := make([][]byte, len(vals))
	for i, f := range vals {
		encoded[i] = EncodeValues([]Value{NewReal64Value(f)})
	}

	// Byte order matches numeric order.
	for i := 0; i < len(encoded)-1; i++ {
		if bytes.Compare(encoded[i], encoded[i+1]) >= 0 {
			t.Errorf("real64 order violated between %g and %g", vals[i], vals[i+1])
		}
	}

	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		if err != nil {
			t.Fatalf("decode %g: %v", vals[i], err)
		}
		if decoded[0].F64 != vals[i] {
			t.Errorf("real64 roundtrip: expected %g, got %g", vals[i], decoded[0].F64)
		}
	}
}

func TestEncodeBytesWithEscapeIntroducer(t *testing.T) {
	// A literal 0xFE in a TYPE_BYTES component must survive the full
	// encode/decode pipeline without swallowing its neighbour.
	inputs := [][]byte{
		{0xFE, 0x41},
		{0x41, 0xFE},
		{0xFE},
		{0xFE, 0x00, 0xFE, 0xFF, 0xFE},
	}
	for _, in := range inputs {
		encoded := EncodeValues([]Value{NewBytesValue(in)})
		decoded, err := DecodeValues(encoded)
		if err != nil {
			t.Fatalf("decode %v: %v", in, err)
		}
		if len(decoded) != 1 || !bytes.Equal(decoded[0].Str, in) {
			t.Errorf("round-trip corrupted %v: got %v", in, decoded[0].Str)
		}
	}
}
