// ABOUTME: Out-of-leaf storage for records and duplicate lists too large to inline
// ABOUTME: Grounded in original_source/src/3blob_manager/blob_manager_disk.h's multi-page blob spans

package storage

import (
	"encoding/binary"

	"github.com/upscaledb-go/ups/internal/metrics"
	"github.com/upscaledb-go/ups/pkg/btree"
)

// InlineRecordMax is the largest record kept directly in a leaf slot;
// anything bigger is written through the BlobManager and the slot holds
// a BlobRef instead, per spec.md's leaf-slot/overflow split (see §5 of
// SPEC_FULL.md).
const InlineRecordMax = 256

// blobChunkCapacity is how many payload bytes one blob page holds after
// its 8-byte next-page-pointer header.
const blobChunkCapacity = btree.BTREE_PAGE_SIZE - 8

// BlobRef is what a leaf slot holds in place of a record once the record
// has spilled to the blob manager.
type BlobRef struct {
	FirstPage uint64
	Size      uint64
}

// EncodeBlobRef packs a BlobRef into the fixed 16-byte slot form.
func EncodeBlobRef(ref BlobRef) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], ref.FirstPage)
	binary.LittleEndian.PutUint64(buf[8:16], ref.Size)
	return buf
}

// DecodeBlobRef unpacks a leaf slot's 16-byte BlobRef encoding.
func DecodeBlobRef(buf []byte) BlobRef {
	return BlobRef{
		FirstPage: binary.LittleEndian.Uint64(buf[0:8]),
		Size:      binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// BlobManager stores records (and large duplicate-list overflow tables)
// as a linked chain of full-page chunks. The original's per-page 32-slot
// packing freelist for small blobs sharing a page is not reproduced here
// — every blob owns whole pages — see DESIGN.md for that simplification.
type BlobManager struct {
	pager   *Pager
	metrics *metrics.Metrics
}

// NewBlobManager wraps pager for blob storage.
func NewBlobManager(pager *Pager, m *metrics.Metrics) *BlobManager {
	return &BlobManager{pager: pager, metrics: m}
}

// Allocate writes data as a new blob and returns its reference.
func (bm *BlobManager) Allocate(data []byte) BlobRef {
	if len(data) == 0 {
		return BlobRef{}
	}
	if bm.metrics != nil {
		bm.metrics.RecordBlobWrite(len(data))
	}

	nChunks := (len(data) + blobChunkCapacity - 1) / blobChunkCapacity
	ptrs := make([]uint64, nChunks)

	// Allocate back-to-front so each chunk can record the next pointer.
	var next uint64
	for i := nChunks - 1; i >= 0; i-- {
		start := i * blobChunkCapacity
		end := start + blobChunkCapacity
		if end > len(data) {
			end = len(data)
		}
		payload := make([]byte, btree.BTREE_PAGE_SIZE)
		binary.LittleEndian.PutUint64(payload[0:8], next)
		copy(payload[8:], data[start:end])

		ptr := bm.pager.AllocBlobPage(payload)
		ptrs[i] = ptr
		next = ptr
	}

	return BlobRef{FirstPage: ptrs[0], Size: uint64(len(data))}
}

// Read reconstructs the full blob referenced by ref.
func (bm *BlobManager) Read(ref BlobRef) []byte {
	if ref.Size == 0 {
		return nil
	}
	out := make([]byte, 0, ref.Size)
	ptr := ref.FirstPage
	for uint64(len(out)) < ref.Size {
		payload := bm.pager.ReadPayload(ptr)
		next := binary.LittleEndian.Uint64(payload[0:8])
		remaining := ref.Size - uint64(len(out))
		chunk := uint64(blobChunkCapacity)
		if remaining < chunk {
			chunk = remaining
		}
		out = append(out, payload[8:8+chunk]...)
		ptr = next
	}
	return out
}

// Region names a byte span of a blob that changed, for targeted
// partial updates.
type Region struct {
	Offset uint64
	Size   uint64
}

// Overwrite replaces the blob's content. A same-size replacement keeps
// the existing page chain and patches it in place; a resize reallocates
// (erase + allocate).
func (bm *BlobManager) Overwrite(ref BlobRef, data []byte) BlobRef {
	if ref.Size != 0 && uint64(len(data)) == ref.Size {
		return bm.OverwriteRegions(ref, data, []Region{{Offset: 0, Size: ref.Size}})
	}
	bm.Erase(ref)
	return bm.Allocate(data)
}

// OverwriteRegions patches only the pages of the chain that a changed
// region touches, leaving the rest of the blob untouched on disk.
// record is the full new image (same size as the blob); regions say
// which spans of it differ. Used to patch duplicate tables and
// same-size record overwrites without rewriting the whole blob.
// A record of a different size cannot be patched and falls back to a
// full Overwrite.
func (bm *BlobManager) OverwriteRegions(ref BlobRef, record []byte, regions []Region) BlobRef {
	if ref.Size == 0 || uint64(len(record)) != ref.Size {
		return bm.Overwrite(ref, record)
	}

	ptr := ref.FirstPage
	var base uint64
	for ptr != 0 && base < ref.Size {
		payload := bm.pager.ReadPayload(ptr)
		next := binary.LittleEndian.Uint64(payload[0:8])
		end := base + blobChunkCapacity
		if end > ref.Size {
			end = ref.Size
		}
		if regionsTouch(regions, base, end) {
			patched := make([]byte, btree.BTREE_PAGE_SIZE)
			copy(patched[0:8], payload[0:8]) // keep the chain link
			copy(patched[8:], record[base:end])
			bm.pager.RewritePage(ptr, PageTypeBlob, patched)
		}
		base = end
		ptr = next
	}
	return ref
}

// regionsTouch reports whether any region intersects [start, end).
func regionsTouch(regions []Region, start, end uint64) bool {
	for _, r := range regions {
		if r.Offset < end && r.Offset+r.Size > start {
			return true
		}
	}
	return false
}

// Erase frees every page in the blob's chain.
func (bm *BlobManager) Erase(ref BlobRef) {
	if ref.Size == 0 {
		return
	}
	ptr := ref.FirstPage
	var freed uint64
	for freed < ref.Size {
		payload := bm.pager.ReadPayload(ptr)
		next := binary.LittleEndian.Uint64(payload[0:8])
		bm.pager.Free(ptr)
		freed += blobChunkCapacity
		ptr = next
	}
}
