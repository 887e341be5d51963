// ABOUTME: Inline duplicate-key record list encoding for leaf slots
// ABOUTME: A duplicate slot holds either this inline list or a BlobRef to an overflow table

package btree

import "encoding/binary"

// DuplicateInlineMax is the largest number of duplicate records kept
// inline in a leaf slot before the list spills into an out-of-leaf blob.
// Chosen so a slot stays well under one BTREE_PAGE_SIZE page (see
// SPEC_FULL.md Open Question #2).
const DuplicateInlineMax = 8

// DupRecord is one record in a duplicate-key list. Value holds either the
// inline record bytes or, for oversized records (IsRef set), the encoded
// overflow location understood by the storage layer.
type DupRecord struct {
	Value []byte
	IsRef bool   // true when Value is a storage.BlobRef encoding, not raw data
}

// EncodeDuplicateList packs records into the wire form stored in a leaf
// slot: count (u16) followed by length-prefixed (u32) entries, each
// tagged with a one-byte is-ref flag.
func EncodeDuplicateList(records []DupRecord) []byte {
	size := 2
	for _, r := range records {
		size += 1 + 4 + len(r.Value)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(records)))
	pos := 2
	for _, r := range records {
		if r.IsRef {
			buf[pos] = 1
		}
		pos++
		binary.LittleEndian.PutUint32(buf[pos:], uint32(len(r.Value)))
		pos += 4
		copy(buf[pos:], r.Value)
		pos += len(r.Value)
	}
	return buf
}

// DecodeDuplicateList unpacks a leaf slot's duplicate-list bytes.
func DecodeDuplicateList(buf []byte) []DupRecord {
	if len(buf) < 2 {
		return nil
	}
	n := binary.LittleEndian.Uint16(buf[0:2])
	records := make([]DupRecord, 0, n)
	pos := 2
	for i := uint16(0); i < n; i++ {
		isRef := buf[pos] != 0
		pos++
		vlen := int(binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
		val := buf[pos : pos+vlen]
		pos += vlen
		records = append(records, DupRecord{Value: val, IsRef: isRef})
	}
	return records
}

// InsertDuplicate returns a new record list with value inserted at index
// (spec's ups_cursor_insert UPS_DUPLICATE_INSERT_BEFORE/AFTER/FIRST/LAST),
// or appended when index is out of range.
func InsertDuplicate(records []DupRecord, index int, rec DupRecord) []DupRecord {
	if index < 0 || index > len(records) {
		index = len(records)
	}
	out := make([]DupRecord, 0, len(records)+1)
	out = append(out, records[:index]...)
	out = append(out, rec)
	out = append(out, records[index:]...)
	return out
}

// RemoveDuplicate returns a new record list with the record at index removed.
func RemoveDuplicate(records []DupRecord, index int) []DupRecord {
	if index < 0 || index >= len(records) {
		return records
	}
	out := make([]DupRecord, 0, len(records)-1)
	out = append(out, records[:index]...)
	out = append(out, records[index+1:]...)
	return out
}
