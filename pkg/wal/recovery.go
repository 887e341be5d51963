// ABOUTME: Crash recovery: rebuild the transaction map from the journal and replay committed work
// ABOUTME: Changeset pages are re-written first (idempotent), then committed ops in commit order

package wal

import (
	"fmt"
	"sort"
)

// ReplayFunc applies one committed insert or erase entry to its database.
type ReplayFunc func(e *Entry) error

// PageFunc re-writes one changeset page image at its address. May be nil
// to skip page-level replay and rely on op replay alone.
type PageFunc func(address uint64, data []byte) error

// Recovery replays a journal against an environment being opened.
type Recovery struct {
	journal *Journal
}

// NewRecovery creates a recovery pass over the journal's files.
func NewRecovery(journal *Journal) *Recovery {
	return &Recovery{journal: journal}
}

// RecoveryStats summarizes one recovery pass.
type RecoveryStats struct {
	TotalEntries  int
	CommittedTxns int
	AbortedTxns   int
	ReplayedOps   int
	ReplayedPages int

	// MaxLSN and MaxTxnID reseed the environment's counters.
	MaxLSN   uint64
	MaxTxnID uint64
}

// journalTxn groups one transaction's entries during the scan.
type journalTxn struct {
	txnID     uint64
	ops       []*Entry
	pages     []*Entry
	commitLSN uint64
	committed bool
}

// Recover scans both journal files in LSN order, discards transactions
// with no commit marker, and replays the rest whose commit LSN is past
// durableLSN: changeset pages first, then each op. Replay order across
// transactions is commit-LSN order; txn ids are assigned at begin, so a
// later transaction can commit first.
func (r *Recovery) Recover(durableLSN uint64, pages PageFunc, replay ReplayFunc) (*RecoveryStats, error) {
	stats := &RecoveryStats{}

	entries, err := ReadAll(r.journal.Files())
	if err != nil {
		return nil, err
	}
	stats.TotalEntries = len(entries)
	if len(entries) == 0 {
		return stats, nil
	}

	txns := make(map[uint64]*journalTxn)
	var order []uint64
	for _, e := range entries {
		if e.LSN > stats.MaxLSN {
			stats.MaxLSN = e.LSN
		}
		if e.TxnID > stats.MaxTxnID {
			stats.MaxTxnID = e.TxnID
		}
		txn, ok := txns[e.TxnID]
		if !ok {
			txn = &journalTxn{txnID: e.TxnID}
			txns[e.TxnID] = txn
			order = append(order, e.TxnID)
		}
		switch e.Type {
		case EntryTxnBegin:
			// Membership in txns is the begin record.
		case EntryTxnCommit:
			txn.committed = true
			txn.commitLSN = e.LSN
		case EntryInsert, EntryErase:
			txn.ops = append(txn.ops, e)
		case EntryChangeset:
			txn.pages = append(txn.pages, e)
		}
	}
	sort.Slice(order, func(i, k int) bool {
		a, b := txns[order[i]], txns[order[k]]
		if a.commitLSN != b.commitLSN {
			return a.commitLSN < b.commitLSN
		}
		return a.txnID < b.txnID
	})

	// Page images first: re-writing a page already in the data file is
	// idempotent, and pages a crash kept out of the file are restored
	// before any op descends through them.
	for _, id := range order {
		txn := txns[id]
		if !txn.committed || txn.commitLSN <= durableLSN {
			continue
		}
		if pages == nil {
			continue
		}
		for _, cs := range txn.pages {
			for _, p := range cs.Pages {
				if err := pages(p.Address, p.Data); err != nil {
					return stats, fmt.Errorf("page replay at lsn %d addr %d: %w", cs.LSN, p.Address, err)
				}
				stats.ReplayedPages++
			}
		}
	}

	for _, id := range order {
		txn := txns[id]
		if !txn.committed {
			stats.AbortedTxns++
			continue
		}
		if txn.commitLSN <= durableLSN {
			continue
		}
		stats.CommittedTxns++
		for _, e := range txn.ops {
			if err := replay(e); err != nil {
				return stats, fmt.Errorf("op replay at lsn %d: %w", e.LSN, err)
			}
			stats.ReplayedOps++
		}
	}

	j := r.journal
	j.SeedLSN(stats.MaxLSN)
	return stats, nil
}
