// ABOUTME: Blob manager tests: targeted region patches and same-size in-place overwrites
// ABOUTME: Verifies the chain keeps its pages (no reallocation) when only content changes

package storage

import (
	"bytes"
	"testing"
)

func TestBlobOverwriteRegionsPartialPatch(t *testing.T) {
	env, err := OpenInMemoryEnvironment()
	if err != nil {
		t.Fatal(err)
	}
	defer env.Close()

	// Three chunks, last one partial.
	size := 3*blobChunkCapacity - 100
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 3)
	}
	ref := env.blobs.Allocate(data)

	pagesBefore := env.pager.flushed + uint64(len(env.pager.temp))

	// Change a span inside the middle chunk only.
	patched := append([]byte(nil), data...)
	start := blobChunkCapacity + 10
	for i := start; i < start+40; i++ {
		patched[i] = 0xAB
	}
	out := env.blobs.OverwriteRegions(ref, patched, []Region{{Offset: uint64(start), Size: 40}})

	if out.FirstPage != ref.FirstPage || out.Size != ref.Size {
		t.Fatalf("region patch changed the reference: %+v -> %+v", ref, out)
	}
	pagesAfter := env.pager.flushed + uint64(len(env.pager.temp))
	if pagesAfter != pagesBefore {
		t.Errorf("region patch allocated pages: %d -> %d", pagesBefore, pagesAfter)
	}
	if got := env.blobs.Read(out); !bytes.Equal(got, patched) {
		t.Error("patched blob does not read back the new image")
	}
	if env.pager.free.Total() != 0 {
		t.Error("region patch freed pages it should have kept")
	}
}

func TestBlobOverwriteSameSizeKeepsChain(t *testing.T) {
	env, err := OpenInMemoryEnvironment()
	if err != nil {
		t.Fatal(err)
	}
	defer env.Close()

	data := bytes.Repeat([]byte{0x11}, 2*blobChunkCapacity)
	ref := env.blobs.Allocate(data)

	replacement := bytes.Repeat([]byte{0x22}, len(data))
	out := env.blobs.Overwrite(ref, replacement)

	if out.FirstPage != ref.FirstPage {
		t.Errorf("same-size overwrite reallocated the chain")
	}
	if got := env.blobs.Read(out); !bytes.Equal(got, replacement) {
		t.Error("overwritten blob does not read back")
	}

	// A resize falls back to erase + allocate and frees the old chain.
	smaller := bytes.Repeat([]byte{0x33}, blobChunkCapacity/2)
	out = env.blobs.Overwrite(out, smaller)
	if got := env.blobs.Read(out); !bytes.Equal(got, smaller) {
		t.Error("resized blob does not read back")
	}
	if env.pager.free.Total() == 0 && len(env.pager.free.pending) == 0 {
		t.Error("resize should return the old chain's pages to the free list")
	}
}

func TestBlobSameSizeRecordOverwriteInPlace(t *testing.T) {
	// Through the Database path: overwriting a blob record with one of
	// the same size patches the chain instead of reallocating.
	env, err := OpenInMemoryEnvironment()
	if err != nil {
		t.Fatal(err)
	}
	defer env.Close()
	db, _ := env.CreateDatabase(1, KeyTypeBinaryVariable)

	data := bytes.Repeat([]byte{0x01}, 3000)
	if err := db.Insert([]byte("k"), data); err != nil {
		t.Fatal(err)
	}

	replacement := bytes.Repeat([]byte{0x02}, 3000)
	if err := db.Overwrite([]byte("k"), replacement); err != nil {
		t.Fatal(err)
	}

	if env.pager.free.Total() != 0 {
		t.Error("same-size record overwrite should not free or reallocate blob pages")
	}
	got, err := db.Get([]byte("k"))
	if err != nil || !bytes.Equal(got, replacement) {
		t.Errorf("record not replaced: err=%v", err)
	}
}
