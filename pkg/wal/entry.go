// ABOUTME: Journal entry wire format: fixed 32-byte header plus a typed, CRC-framed followup
// ABOUTME: Integers are little-endian; the CRC32 covers the followup body only

package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Entry types. Begin/commit entries carry no followup; insert and erase
// carry the operation's key (and record), changeset carries the full set
// of pages one commit touched.
const (
	EntryTxnBegin uint32 = iota + 1
	EntryTxnCommit
	EntryInsert
	EntryErase
	EntryChangeset
)

// EntryHeaderSize is the fixed header prefix of every entry:
// lsn(8) + followup_size(8) + txn_id(8) + type(4) + dbname(2) + reserved(2).
const EntryHeaderSize = 32

// PageWrite is one page image inside a changeset followup.
type PageWrite struct {
	Address uint64
	Data    []byte
}

// Entry is a single journal record. Which fields are meaningful depends
// on Type: Key/Record/Flags for insert (Key/Flags for erase), Pages for
// changeset, none for txn-begin/txn-commit.
type Entry struct {
	LSN    uint64
	TxnID  uint64
	Type   uint32
	DBName uint16

	Flags  uint32
	Key    []byte
	Record []byte

	Pages []PageWrite
}

// followupSize returns the encoded size of the entry's followup body,
// including the trailing CRC32 (0 for begin/commit markers).
func (e *Entry) followupSize() int {
	switch e.Type {
	case EntryInsert:
		return 4 + 2 + 2 + 4 + len(e.Key) + len(e.Record) + 4
	case EntryErase:
		return 4 + 2 + 2 + len(e.Key) + 4
	case EntryChangeset:
		n := 4
		for _, p := range e.Pages {
			n += 8 + 4 + len(p.Data)
		}
		return n + 4
	default:
		return 0
	}
}

// Size returns the total encoded size of the entry.
func (e *Entry) Size() int {
	return EntryHeaderSize + e.followupSize()
}

// Encode serializes the entry: header, then followup body, then CRC32
// over the followup body.
func (e *Entry) Encode() []byte {
	fsize := e.followupSize()
	buf := make([]byte, EntryHeaderSize+fsize)

	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(fsize))
	binary.LittleEndian.PutUint64(buf[16:24], e.TxnID)
	binary.LittleEndian.PutUint32(buf[24:28], e.Type)
	binary.LittleEndian.PutUint16(buf[28:30], e.DBName)

	if fsize == 0 {
		return buf
	}

	body := buf[EntryHeaderSize:]
	pos := 0
	switch e.Type {
	case EntryInsert:
		binary.LittleEndian.PutUint32(body[pos:], e.Flags)
		pos += 4
		binary.LittleEndian.PutUint16(body[pos:], uint16(len(e.Key)))
		pos += 4 // 2-byte length + 2 reserved
		binary.LittleEndian.PutUint32(body[pos:], uint32(len(e.Record)))
		pos += 4
		pos += copy(body[pos:], e.Key)
		pos += copy(body[pos:], e.Record)
	case EntryErase:
		binary.LittleEndian.PutUint32(body[pos:], e.Flags)
		pos += 4
		binary.LittleEndian.PutUint16(body[pos:], uint16(len(e.Key)))
		pos += 4
		pos += copy(body[pos:], e.Key)
	case EntryChangeset:
		binary.LittleEndian.PutUint32(body[pos:], uint32(len(e.Pages)))
		pos += 4
		for _, p := range e.Pages {
			binary.LittleEndian.PutUint64(body[pos:], p.Address)
			pos += 8
			binary.LittleEndian.PutUint32(body[pos:], uint32(len(p.Data)))
			pos += 4
			pos += copy(body[pos:], p.Data)
		}
	}
	binary.LittleEndian.PutUint32(body[pos:], crc32.ChecksumIEEE(body[:pos]))
	return buf
}

// decodeHeader parses the fixed header, returning the partially-filled
// entry and its followup size.
func decodeHeader(header []byte) (*Entry, int, error) {
	if len(header) < EntryHeaderSize {
		return nil, 0, ErrTruncated
	}
	e := &Entry{
		LSN:    binary.LittleEndian.Uint64(header[0:8]),
		TxnID:  binary.LittleEndian.Uint64(header[16:24]),
		Type:   binary.LittleEndian.Uint32(header[24:28]),
		DBName: binary.LittleEndian.Uint16(header[28:30]),
	}
	fsize := int(binary.LittleEndian.Uint64(header[8:16]))
	if e.Type < EntryTxnBegin || e.Type > EntryChangeset {
		return nil, 0, ErrInvalidEntry
	}
	return e, fsize, nil
}

// decodeFollowup verifies the CRC and fills in the entry's typed payload.
func decodeFollowup(e *Entry, body []byte) error {
	if len(body) == 0 {
		if e.Type == EntryTxnBegin || e.Type == EntryTxnCommit {
			return nil
		}
		return ErrTruncated
	}
	if len(body) < 4 {
		return ErrTruncated
	}
	payload := body[:len(body)-4]
	stored := binary.LittleEndian.Uint32(body[len(body)-4:])
	if stored != crc32.ChecksumIEEE(payload) {
		return ErrCorrupted
	}

	pos := 0
	switch e.Type {
	case EntryInsert:
		if len(payload) < 12 {
			return ErrTruncated
		}
		e.Flags = binary.LittleEndian.Uint32(payload[pos:])
		pos += 4
		klen := int(binary.LittleEndian.Uint16(payload[pos:]))
		pos += 4
		rlen := int(binary.LittleEndian.Uint32(payload[pos:]))
		pos += 4
		if pos+klen+rlen > len(payload) {
			return ErrTruncated
		}
		e.Key = append([]byte(nil), payload[pos:pos+klen]...)
		pos += klen
		e.Record = append([]byte(nil), payload[pos:pos+rlen]...)
	case EntryErase:
		if len(payload) < 8 {
			return ErrTruncated
		}
		e.Flags = binary.LittleEndian.Uint32(payload[pos:])
		pos += 4
		klen := int(binary.LittleEndian.Uint16(payload[pos:]))
		pos += 4
		if pos+klen > len(payload) {
			return ErrTruncated
		}
		e.Key = append([]byte(nil), payload[pos:pos+klen]...)
	case EntryChangeset:
		if len(payload) < 4 {
			return ErrTruncated
		}
		n := int(binary.LittleEndian.Uint32(payload[pos:]))
		pos += 4
		e.Pages = make([]PageWrite, 0, n)
		for i := 0; i < n; i++ {
			if pos+12 > len(payload) {
				return ErrTruncated
			}
			addr := binary.LittleEndian.Uint64(payload[pos:])
			pos += 8
			dlen := int(binary.LittleEndian.Uint32(payload[pos:]))
			pos += 4
			if pos+dlen > len(payload) {
				return ErrTruncated
			}
			e.Pages = append(e.Pages, PageWrite{
				Address: addr,
				Data:    append([]byte(nil), payload[pos:pos+dlen]...),
			})
			pos += dlen
		}
	default:
		return ErrInvalidEntry
	}
	return nil
}

// String returns a human-readable form, for log lines and test failures.
func (e *Entry) String() string {
	name := "UNKNOWN"
	switch e.Type {
	case EntryTxnBegin:
		name = "TXN_BEGIN"
	case EntryTxnCommit:
		name = "TXN_COMMIT"
	case EntryInsert:
		name = "INSERT"
	case EntryErase:
		name = "ERASE"
	case EntryChangeset:
		name = "CHANGESET"
	}
	return fmt.Sprintf("jrn[lsn=%d txn=%d %s db=%d klen=%d rlen=%d pages=%d]",
		e.LSN, e.TxnID, name, e.DBName, len(e.Key), len(e.Record), len(e.Pages))
}
