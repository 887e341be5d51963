// ABOUTME: Physical page envelope: header (type/flags/lsn/crc32) wrapping a btree-sized payload
// ABOUTME: Generalizes the teacher's bare BTREE_PAGE_SIZE page into a framed, checksummed one

package storage

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/upscaledb-go/ups/pkg/btree"
)

// PageHeaderSize is the fixed envelope prepended to every physical page:
// type(2) + flags(2) + lsn(8) + crc32(4) + reserved(4).
const PageHeaderSize = 20

// PhysicalPageSize is what's actually read/written to the device; the
// btree package only ever sees the PageSize-sized payload that follows
// the header, unchanged from the teacher's hardcoded node size.
const PhysicalPageSize = PageHeaderSize + btree.BTREE_PAGE_SIZE

// Page types recorded in the header, used by recovery/integrity checks.
const (
	PageTypeUnknown = iota
	PageTypeHeader
	PageTypeBtreeNode
	PageTypeBlob
	PageTypeFreelist
)

const pageFlagDirty = 1 << 0

// Page wraps one physical, on-disk page.
type Page []byte

// NewPage allocates a zeroed physical page tagged with the given type.
func NewPage(ptype uint16) Page {
	p := make(Page, PhysicalPageSize)
	p.SetType(ptype)
	return p
}

func (p Page) Type() uint16        { return binary.LittleEndian.Uint16(p[0:2]) }
func (p Page) SetType(t uint16)    { binary.LittleEndian.PutUint16(p[0:2], t) }
func (p Page) Flags() uint16       { return binary.LittleEndian.Uint16(p[2:4]) }
func (p Page) setFlags(f uint16)   { binary.LittleEndian.PutUint16(p[2:4], f) }
func (p Page) LSN() uint64         { return binary.LittleEndian.Uint64(p[4:12]) }
func (p Page) SetLSN(lsn uint64)   { binary.LittleEndian.PutUint64(p[4:12], lsn) }
func (p Page) storedCRC() uint32   { return binary.LittleEndian.Uint32(p[12:16]) }

func (p Page) MarkDirty()   { p.setFlags(p.Flags() | pageFlagDirty) }
func (p Page) ClearDirty()  { p.setFlags(p.Flags() &^ pageFlagDirty) }
func (p Page) IsDirty() bool { return p.Flags()&pageFlagDirty != 0 }

// Payload returns the btree-sized region a BTree node callback operates on.
func (p Page) Payload() []byte { return p[PageHeaderSize:] }

// Seal recomputes and stores the CRC32 over the payload, the way spec's
// page header field protects against torn/partial writes.
func (p Page) Seal() {
	binary.LittleEndian.PutUint32(p[12:16], crc32.ChecksumIEEE(p.Payload()))
}

// Verify reports whether the stored CRC32 matches the payload.
func (p Page) Verify() bool {
	return p.storedCRC() == crc32.ChecksumIEEE(p.Payload())
}
