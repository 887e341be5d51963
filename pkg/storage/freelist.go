// ABOUTME: Free-page tracking as an address-to-run-length map
// ABOUTME: Persisted with a nibble-packed run-length encoding; freed pages are held pending until their transaction commits

package storage

import "encoding/binary"

// FreeList tracks free page runs as addr -> run-length (in pages). Pages
// freed during the in-flight transaction are held in pending until
// Commit merges them into committed, matching the teacher's original
// "freeze tailSeq during a transaction" trick (FreeList.SetMaxSeq in the
// prior revision of this file) so a transaction never reuses a page it
// itself just freed before it is durable.
type FreeList struct {
	committed map[uint64]uint64
	pending   map[uint64]uint64
}

// NewFreeList returns an empty free list.
func NewFreeList() *FreeList {
	return &FreeList{
		committed: make(map[uint64]uint64),
		pending:   make(map[uint64]uint64),
	}
}

// Total returns the number of free pages immediately available for reuse.
func (fl *FreeList) Total() int {
	n := 0
	for _, length := range fl.committed {
		n += int(length)
	}
	return n
}

// Alloc removes and returns the lowest-addressed free page, if any.
func (fl *FreeList) Alloc() (uint64, bool) {
	if len(fl.committed) == 0 {
		return 0, false
	}
	start := fl.lowestRunStart()
	length := fl.committed[start]
	addr := start
	if length == 1 {
		delete(fl.committed, start)
	} else {
		delete(fl.committed, start)
		fl.committed[start+1] = length - 1
	}
	return addr, true
}

func (fl *FreeList) lowestRunStart() uint64 {
	var min uint64
	first := true
	for start := range fl.committed {
		if first || start < min {
			min = start
			first = false
		}
	}
	return min
}

// Contains reports whether addr is on the free list, committed or
// pending. Integrity checks use it to prove no reachable page is freed.
func (fl *FreeList) Contains(addr uint64) bool {
	for _, runs := range []map[uint64]uint64{fl.committed, fl.pending} {
		for start, length := range runs {
			if addr >= start && addr < start+length {
				return true
			}
		}
	}
	return false
}

// Free marks a page as freed by the in-flight transaction; it becomes
// reusable only after Commit.
func (fl *FreeList) Free(addr uint64) {
	mergeRun(fl.pending, addr)
}

// Commit folds all pages freed by the finished transaction into the
// reusable pool.
func (fl *FreeList) Commit() {
	for start, length := range fl.pending {
		for i := uint64(0); i < length; i++ {
			mergeRun(fl.committed, start+i)
		}
	}
	fl.pending = make(map[uint64]uint64)
}

// Rollback discards pages freed by an aborted transaction; they remain
// in use (owned by whatever page table still references them).
func (fl *FreeList) Rollback() {
	fl.pending = make(map[uint64]uint64)
}

// mergeRun inserts addr into runs, coalescing with adjacent runs on
// either side so the map stays compact.
func mergeRun(runs map[uint64]uint64, addr uint64) {
	length := uint64(1)
	start := addr

	// Merge with a run ending exactly at addr.
	for s, l := range runs {
		if s+l == addr {
			start = s
			length += l
			delete(runs, s)
			break
		}
	}
	// Merge with a run starting exactly after the (possibly extended) run.
	if l, ok := runs[start+length]; ok {
		length += l
		delete(runs, start+length-l)
	}
	runs[start] = length
}

// Serialize packs committed runs into the nibble run-length wire format:
// a u32 entry count, then per entry a tag byte (high nibble = run length
// 1..15, 0 meaning an extended run length follows as a u32; low nibble =
// byte-count of the address field) followed by that many little-endian
// address bytes.
func (fl *FreeList) Serialize() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(fl.committed)))

	for start, length := range fl.committed {
		addrBytes := minBytesFor(start)
		var tag byte
		var extended []byte
		if length >= 1 && length <= 15 {
			tag = byte(length<<4) | byte(len(addrBytes))
		} else {
			tag = byte(len(addrBytes)) // high nibble 0 => extended form
			extended = make([]byte, 4)
			binary.LittleEndian.PutUint32(extended, uint32(length))
		}
		buf = append(buf, tag)
		buf = append(buf, extended...)
		addrBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(addrBuf, start)
		buf = append(buf, addrBuf[:len(addrBytes)]...)
	}
	return buf
}

// Deserialize restores committed runs from Serialize's wire format.
func (fl *FreeList) Deserialize(data []byte) {
	fl.committed = make(map[uint64]uint64)
	fl.pending = make(map[uint64]uint64)
	if len(data) < 4 {
		return
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	pos := 4
	for i := uint32(0); i < count; i++ {
		tag := data[pos]
		pos++
		runLen := uint64(tag >> 4)
		byteCount := int(tag & 0x0f)
		if runLen == 0 {
			runLen = uint64(binary.LittleEndian.Uint32(data[pos:]))
			pos += 4
		}
		addrBuf := make([]byte, 8)
		copy(addrBuf, data[pos:pos+byteCount])
		pos += byteCount
		addr := binary.LittleEndian.Uint64(addrBuf)
		fl.committed[addr] = runLen
	}
}

// minBytesFor returns how many little-endian bytes are needed to hold v
// (at least 1, so an address of 0 still emits one byte).
func minBytesFor(v uint64) []byte {
	n := 1
	for shifted := v >> 8; shifted != 0; shifted >>= 8 {
		n++
	}
	return make([]byte, n)
}
