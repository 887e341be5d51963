// Package wal implements the environment's write-ahead journal: two
// rotating files of CRC-framed entries replayed on open for crash recovery.
package wal

import "errors"

var (
	// ErrCorrupted indicates a journal entry whose CRC32 does not match
	// its followup body.
	ErrCorrupted = errors.New("wal: corrupted entry")

	// ErrInvalidEntry indicates an entry with an unknown type tag.
	ErrInvalidEntry = errors.New("wal: invalid entry")

	// ErrLogClosed indicates an operation on a closed journal.
	ErrLogClosed = errors.New("wal: journal closed")

	// ErrLogNotFound indicates the journal files don't exist.
	ErrLogNotFound = errors.New("wal: journal not found")

	// ErrTruncated indicates an entry cut short by a crash mid-append.
	ErrTruncated = errors.New("wal: truncated entry")
)
