// ABOUTME: Device abstracts the backing store a Pager writes pages to
// ABOUTME: fileDevice wraps syscall mmap/pread/pwrite the way the teacher's KV did; memDevice backs UPS_IN_MEMORY environments

package storage

import (
	"fmt"
	"os"
	"path"
	"syscall"
)

// Device is the pager's I/O backend: a real file (mmap-backed, durable) or
// an in-memory arena (spec.md's UPS_IN_MEMORY environments, never persisted).
type Device interface {
	// ReadPage returns the physical page at the given page index. The
	// returned slice may alias device-owned memory (e.g. an mmap region)
	// and must not be retained past the next mutating call.
	ReadPage(idx uint64) ([]byte, error)
	// WritePage stores page at the given page index; it is durable once
	// Flush returns.
	WritePage(idx uint64, page []byte) error
	// Truncate grows the device to hold at least nPages pages.
	Truncate(nPages uint64) error
	// Flush forces all buffered writes to stable storage.
	Flush() error
	// Close releases device resources.
	Close() error
	// PageCount reports how many physical pages the device currently holds.
	PageCount() (uint64, error)
}

// fileDevice is a real file, mmap'd for reads and pwrite'd for writes,
// generalized from pkg/storage/kv.go's KV.mmap/KV.fd handling. One
// window is mapped at open covering the file as it was then; pages
// written past it are served by pread and the pager's cache.
type fileDevice struct {
	path string
	fd   int

	mmapData []byte
}

// OpenFileDevice opens or creates path, fsyncing the containing directory
// the way the teacher's createFileSync did for crash-safe file creation.
func OpenFileDevice(path string) (Device, error) {
	fd, err := createFileSync(path)
	if err != nil {
		return nil, err
	}

	// Single writer per file. A held lock fails immediately, not after
	// a timeout.
	if err := syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		syscall.Close(fd)
		if err == syscall.EWOULDBLOCK {
			return nil, newStatus(StatusWouldBlock, "environment file is locked by another process")
		}
		return nil, wrapStatus(StatusIOError, "flock", err)
	}

	d := &fileDevice{path: path, fd: fd}

	var stat syscall.Stat_t
	if err := syscall.Fstat(fd, &stat); err != nil {
		syscall.Close(fd)
		return nil, wrapStatus(StatusIOError, "fstat", err)
	}
	if stat.Size > 0 {
		// Map only whole pages; a trailing partial page (never written
		// by this engine) reads through pread.
		size := int(stat.Size) - int(stat.Size)%PhysicalPageSize
		if size > 0 {
			data, err := syscall.Mmap(fd, 0, size, syscall.PROT_READ, syscall.MAP_SHARED)
			if err != nil {
				syscall.Close(fd)
				return nil, wrapStatus(StatusIOError, "mmap", err)
			}
			d.mmapData = data
		}
	}
	return d, nil
}

func (d *fileDevice) ReadPage(idx uint64) ([]byte, error) {
	offset := idx * PhysicalPageSize
	if offset+PhysicalPageSize <= uint64(len(d.mmapData)) {
		return d.mmapData[offset : offset+PhysicalPageSize], nil
	}
	// Past the mapped window (written since open): fall back to pread.
	buf := make([]byte, PhysicalPageSize)
	n, err := syscall.Pread(d.fd, buf, int64(offset))
	if err != nil {
		return nil, wrapStatus(StatusIOError, "pread", err)
	}
	if n != PhysicalPageSize {
		return nil, wrapStatus(StatusIntegrityViolated, "short page read", nil)
	}
	return buf, nil
}

func (d *fileDevice) WritePage(idx uint64, page []byte) error {
	if len(page) != PhysicalPageSize {
		return newStatus(StatusInvalidPageSize, "page size mismatch")
	}
	if _, err := syscall.Pwrite(d.fd, page, int64(idx*PhysicalPageSize)); err != nil {
		return wrapStatus(StatusIOError, "pwrite", err)
	}
	return nil
}

func (d *fileDevice) Truncate(nPages uint64) error {
	size := int64(nPages * PhysicalPageSize)

	var stat syscall.Stat_t
	if err := syscall.Fstat(d.fd, &stat); err != nil {
		return wrapStatus(StatusIOError, "fstat", err)
	}
	if size > stat.Size {
		if err := syscall.Ftruncate(d.fd, size); err != nil {
			return wrapStatus(StatusIOError, "ftruncate", err)
		}
	}
	return nil
}

func (d *fileDevice) Flush() error {
	if err := syscall.Fsync(d.fd); err != nil {
		return wrapStatus(StatusIOError, "fsync", err)
	}
	return nil
}

func (d *fileDevice) Close() error {
	if d.mmapData != nil {
		if err := syscall.Munmap(d.mmapData); err != nil {
			return wrapStatus(StatusIOError, "munmap", err)
		}
		d.mmapData = nil
	}
	return syscall.Close(d.fd)
}

func (d *fileDevice) PageCount() (uint64, error) {
	var stat syscall.Stat_t
	if err := syscall.Fstat(d.fd, &stat); err != nil {
		return 0, wrapStatus(StatusIOError, "fstat", err)
	}
	return uint64(stat.Size) / PhysicalPageSize, nil
}

// createFileSync creates/opens file with directory fsync, exactly the
// teacher's pattern from pkg/storage/kv.go.
func createFileSync(file string) (int, error) {
	flags := os.O_RDWR | os.O_CREATE
	fd, err := syscall.Open(file, flags, 0o644)
	if err != nil {
		return -1, wrapStatus(StatusIOError, "open file", err)
	}

	dirfd, err := syscall.Open(path.Dir(file), os.O_RDONLY, 0)
	if err != nil {
		_ = syscall.Close(fd)
		return -1, wrapStatus(StatusIOError, "open directory", err)
	}
	defer syscall.Close(dirfd)

	if err = syscall.Fsync(dirfd); err != nil {
		_ = syscall.Close(fd)
		return -1, wrapStatus(StatusIOError, "fsync directory", err)
	}

	return fd, nil
}

// memDevice is a growable in-memory arena backing UPS_IN_MEMORY
// environments; Flush/Close are no-ops since nothing is ever persisted.
type memDevice struct {
	pages [][]byte
}

// OpenMemDevice creates a fresh in-memory device.
func OpenMemDevice() Device {
	return &memDevice{}
}

func (d *memDevice) ReadPage(idx uint64) ([]byte, error) {
	if idx >= uint64(len(d.pages)) || d.pages[idx] == nil {
		return nil, wrapStatus(StatusIOError, fmt.Sprintf("page %d not allocated", idx), nil)
	}
	return d.pages[idx], nil
}

func (d *memDevice) WritePage(idx uint64, page []byte) error {
	if len(page) != PhysicalPageSize {
		return newStatus(StatusInvalidPageSize, "page size mismatch")
	}
	if idx >= uint64(len(d.pages)) {
		return wrapStatus(StatusIOError, "write past device end", nil)
	}
	buf := make([]byte, PhysicalPageSize)
	copy(buf, page)
	d.pages[idx] = buf
	return nil
}

func (d *memDevice) Truncate(nPages uint64) error {
	for uint64(len(d.pages)) < nPages {
		d.pages = append(d.pages, make([]byte, PhysicalPageSize))
	}
	return nil
}

func (d *memDevice) Flush() error { return nil }
func (d *memDevice) Close() error { return nil }

func (d *memDevice) PageCount() (uint64, error) {
	return uint64(len(d.pages)), nil
}
