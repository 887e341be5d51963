// ABOUTME: Tests for inline duplicate-record list encoding
// ABOUTME: Verifies round-trip, insert-at-index, and remove-at-index

package btree

import (
	"bytes"
	"testing"
)

func TestDuplicateListRoundTrip(t *testing.T) {
	records := []DupRecord{
		{Value: []byte("first")},
		{Value: []byte("second")},
		{Value: []byte("ref-to-blob"), IsRef: true},
	}

	encoded := EncodeDuplicateList(records)
	decoded := DecodeDuplicateList(encoded)

	if len(decoded) != len(records) {
		t.Fatalf("expected %d records, got %d", len(records), len(decoded))
	}
	for i, r := range records {
		if !bytes.Equal(decoded[i].Value, r.Value) {
			t.Errorf("record %d: expected %q, got %q", i, r.Value, decoded[i].Value)
		}
		if decoded[i].IsRef != r.IsRef {
			t.Errorf("record %d: expected IsRef=%v, got %v", i, r.IsRef, decoded[i].IsRef)
		}
	}
}

func TestDuplicateListInsertAndRemove(t *testing.T) {
	records := []DupRecord{{Value: []byte("a")}, {Value: []byte("c")}}

	records = InsertDuplicate(records, 1, DupRecord{Value: []byte("b")})
	if len(records) != 3 || string(records[1].Value) != "b" {
		t.Fatalf("unexpected list after insert: %+v", records)
	}

	records = RemoveDuplicate(records, 0)
	if len(records) != 2 || string(records[0].Value) != "b" {
		t.Fatalf("unexpected list after remove: %+v", records)
	}
}

func TestDuplicateListEmpty(t *testing.T) {
	encoded := EncodeDuplicateList(nil)
	decoded := DecodeDuplicateList(encoded)
	if len(decoded) != 0 {
		t.Fatalf("expected empty list, got %d records", len(decoded))
	}
}
