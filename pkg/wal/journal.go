// ABOUTME: Journal: two rotating append-only files shadowing an environment's data file
// ABOUTME: Writes switch files once the active one passes a size threshold and no transaction spans it

package wal

import (
	"os"
	"sync"
	"sync/atomic"
)

const (
	// SwitchThreshold is how large the active file may grow before
	// writes move to the sibling file (which is truncated first).
	SwitchThreshold = 4 << 20

	// File0Suffix and File1Suffix name the two journal files relative
	// to the environment's data file.
	File0Suffix = ".jrn0"
	File1Suffix = ".jrn1"
)

// Journal is the environment's write-ahead log. Entries are appended to
// one of two files; once the active file exceeds SwitchThreshold and no
// transaction is still open, writes continue in the other file, whose
// committed tail is truncated away. Durably-flushed state is tracked via
// MarkDurable so recovery can skip transactions already in the data file.
type Journal struct {
	// Path is the environment data file; the journal lives at
	// Path+".jrn0" / Path+".jrn1".
	Path string

	// Threshold overrides SwitchThreshold when non-zero (tests).
	Threshold int64

	mu         sync.Mutex
	fds        [2]*os.File
	sizes      [2]int64
	current    int
	activeTxns map[uint64]struct{}
	closed     bool

	lsn        uint64 // atomic
	durableLSN uint64 // atomic
}

// Files returns the two journal file paths.
func (j *Journal) Files() [2]string {
	return [2]string{j.Path + File0Suffix, j.Path + File1Suffix}
}

func (j *Journal) threshold() int64 {
	if j.Threshold > 0 {
		return j.Threshold
	}
	return SwitchThreshold
}

// Open opens or creates both journal files and seeds the LSN counter
// from the highest LSN already on disk.
func (j *Journal) Open() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.activeTxns = make(map[uint64]struct{})

	files := j.Files()
	var maxLSN uint64
	maxFile := 0
	for i, path := range files {
		fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		stat, err := fd.Stat()
		if err != nil {
			fd.Close()
			return err
		}
		j.fds[i] = fd
		j.sizes[i] = stat.Size()

		entries, err := readFile(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.LSN > maxLSN {
				maxLSN = e.LSN
				maxFile = i
			}
		}
	}

	// Continue in the file holding the newest entry.
	j.current = maxFile
	atomic.StoreUint64(&j.lsn, maxLSN)
	j.closed = false
	return nil
}

// NextLSN reserves and returns the next log sequence number.
func (j *Journal) NextLSN() uint64 {
	return atomic.AddUint64(&j.lsn, 1)
}

// CurrentLSN returns the last LSN handed out.
func (j *Journal) CurrentLSN() uint64 {
	return atomic.LoadUint64(&j.lsn)
}

// SeedLSN raises the LSN counter to at least lsn, used when the data
// file's header records a higher watermark than the journal files hold.
func (j *Journal) SeedLSN(lsn uint64) {
	for {
		cur := atomic.LoadUint64(&j.lsn)
		if lsn <= cur || atomic.CompareAndSwapUint64(&j.lsn, cur, lsn) {
			return
		}
	}
}

// MarkDurable records that every entry with LSN <= lsn is reflected in
// the data file itself and only exists in the journal for idempotence.
func (j *Journal) MarkDurable(lsn uint64) {
	for {
		cur := atomic.LoadUint64(&j.durableLSN)
		if lsn <= cur || atomic.CompareAndSwapUint64(&j.durableLSN, cur, lsn) {
			return
		}
	}
}

// DurableLSN returns the durability watermark set by MarkDurable.
func (j *Journal) DurableLSN() uint64 {
	return atomic.LoadUint64(&j.durableLSN)
}

// Append writes one entry to the active file. A txn-begin entry may
// first switch files if the active one is over the threshold and no
// other transaction is still open, so one transaction's entries never
// straddle a truncation.
func (j *Journal) Append(e *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrLogClosed
	}

	if e.Type == EntryTxnBegin && len(j.activeTxns) == 0 && j.sizes[j.current] >= j.threshold() {
		if err := j.switchFileLocked(); err != nil {
			return err
		}
	}

	switch e.Type {
	case EntryTxnBegin:
		j.activeTxns[e.TxnID] = struct{}{}
	case EntryTxnCommit:
		delete(j.activeTxns, e.TxnID)
	}

	data := e.Encode()
	n, err := j.fds[j.current].Write(data)
	if err != nil {
		return err
	}
	j.sizes[j.current] += int64(n)
	return nil
}

// switchFileLocked moves writes to the sibling file, truncating its
// committed tail. Caller holds mu.
func (j *Journal) switchFileLocked() error {
	if err := j.fds[j.current].Sync(); err != nil {
		return err
	}
	next := j.current ^ 1
	if err := j.fds[next].Truncate(0); err != nil {
		return err
	}
	if _, err := j.fds[next].Seek(0, 0); err != nil {
		return err
	}
	j.sizes[next] = 0
	j.current = next
	return nil
}

// Fsync forces all appended entries to stable storage.
func (j *Journal) Fsync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrLogClosed
	}
	return j.fds[j.current].Sync()
}

// Clear truncates both files. Only legal once every entry is durable
// (MarkDurable at the current LSN) and no transaction is open.
func (j *Journal) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrLogClosed
	}
	if len(j.activeTxns) > 0 {
		return nil
	}
	for i, fd := range j.fds {
		if err := fd.Truncate(0); err != nil {
			return err
		}
		if _, err := fd.Seek(0, 0); err != nil {
			return err
		}
		j.sizes[i] = 0
	}
	return nil
}

// Close closes both files. The journal is left on disk; a clean
// environment close calls Clear first so reopening finds it empty.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	for _, fd := range j.fds {
		if fd == nil {
			continue
		}
		if err := fd.Close(); err != nil {
			return err
		}
	}
	return nil
}
