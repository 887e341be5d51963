// ABOUTME: Page allocation, staged-page bookkeeping and the LRU read cache over a Device
// ABOUTME: Generalizes the teacher's KV.page/KV.mmap bookkeeping into a reusable, framed-page Pager

package storage

import (
	"fmt"

	"github.com/upscaledb-go/ups/internal/metrics"
)

// Pager owns page allocation, the free list, the read cache, and the
// boundary between already-durable pages and pages staged for the next
// flush. It plays the role the teacher's KV struct played directly
// (page.flushed, page.temp, page.updates, free FreeList), generalized so
// an Environment can share one Pager across every Database it hosts.
type Pager struct {
	device Device
	free   *FreeList
	cache  *pageCache

	flushed uint64
	temp    []Page
	updates map[uint64]Page

	// limit caps the backing device's size in pages; 0 is unlimited.
	limit uint64

	metrics *metrics.Metrics

	workCh     chan pagerMsg
	workDoneCh chan struct{}
}

// NewPager wraps device with a fresh page cache and free list.
func NewPager(device Device, cachePages int) *Pager {
	return &Pager{
		device:  device,
		free:    NewFreeList(),
		cache:   newPageCache(cachePages),
		flushed: 1, // page 0 is reserved for the environment header
		updates: make(map[uint64]Page),
	}
}

// SetLimit caps the device at limit pages; allocations past it raise
// StatusLimitsReached.
func (p *Pager) SetLimit(limit uint64) { p.limit = limit }

// SetMetrics wires the pager's counters to the environment's registry.
func (p *Pager) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// ReadPayload returns the btree-sized payload of the page at ptr.
func (p *Pager) ReadPayload(ptr uint64) []byte {
	return p.readPage(ptr).Payload()
}

func (p *Pager) readPage(ptr uint64) Page {
	if page, ok := p.updates[ptr]; ok {
		return page
	}
	if ptr >= p.flushed {
		idx := ptr - p.flushed
		if idx < uint64(len(p.temp)) {
			return p.temp[idx]
		}
	}

	if page, ok := p.cache.get(ptr); ok {
		if p.metrics != nil {
			p.metrics.PageCacheHitsTotal.Inc()
		}
		return page
	}
	if p.metrics != nil {
		p.metrics.PageCacheMissesTotal.Inc()
	}

	raw, err := p.device.ReadPage(ptr)
	if err != nil {
		panic(wrapStatus(StatusIOError, fmt.Sprintf("read page %d", ptr), err))
	}
	page := Page(raw)
	if !page.Verify() {
		panic(newStatus(StatusIntegrityViolated, fmt.Sprintf("page %d checksum mismatch", ptr)))
	}
	if p.cache.put(ptr, page) {
		p.schedulePurge()
	}
	return page
}

// AllocBTreeNode wraps payload (exactly btree.BTREE_PAGE_SIZE bytes) in a
// fresh physical page, reusing a freed page address when one is available.
func (p *Pager) AllocBTreeNode(payload []byte) uint64 {
	return p.allocPage(PageTypeBtreeNode, payload)
}

// AllocBlobPage is AllocBTreeNode for blob chunk pages; the distinct
// type tag keeps integrity checks honest about what each page holds.
func (p *Pager) AllocBlobPage(payload []byte) uint64 {
	return p.allocPage(PageTypeBlob, payload)
}

func (p *Pager) allocPage(ptype uint16, payload []byte) uint64 {
	page := NewPage(ptype)
	copy(page.Payload(), payload)
	page.MarkDirty()
	page.Seal()

	if p.metrics != nil {
		p.metrics.PageAllocationsTotal.Inc()
	}

	if ptr, ok := p.free.Alloc(); ok {
		p.updates[ptr] = page
		p.cache.drop(ptr)
		return ptr
	}

	ptr := p.flushed + uint64(len(p.temp))
	if p.limit > 0 && ptr >= p.limit {
		panic(newStatus(StatusLimitsReached, "file size limit reached"))
	}
	p.temp = append(p.temp, page)
	return ptr
}

// Free returns ptr to the free list, including pages staged since the
// last Flush; the free list hands it out again only after Commit.
func (p *Pager) Free(ptr uint64) {
	p.free.Free(ptr)
	if p.metrics != nil {
		p.metrics.PageFreesTotal.Inc()
	}
}

// StagedPages returns the address and image of every page staged since
// the last Flush: the changeset one commit is about to journal.
func (p *Pager) StagedPages() ([]uint64, []Page) {
	addrs := make([]uint64, 0, len(p.updates)+len(p.temp))
	pages := make([]Page, 0, len(p.updates)+len(p.temp))
	for ptr, page := range p.updates {
		addrs = append(addrs, ptr)
		pages = append(pages, page)
	}
	for i, page := range p.temp {
		addrs = append(addrs, p.flushed+uint64(i))
		pages = append(pages, page)
	}
	return addrs, pages
}

// Flush writes every staged page to the device and advances the
// flushed boundary. Callers are responsible for fsync-ing the device
// (via Device.Flush) at the appropriate points in the commit protocol.
func (p *Pager) Flush() error {
	for ptr, page := range p.updates {
		if err := p.device.WritePage(ptr, page); err != nil {
			return err
		}
		if p.cache.put(ptr, page) {
			p.schedulePurge()
		}
	}
	p.updates = make(map[uint64]Page)

	if len(p.temp) == 0 {
		return nil
	}

	if err := p.device.Truncate(p.flushed + uint64(len(p.temp))); err != nil {
		return err
	}
	for i, page := range p.temp {
		ptr := p.flushed + uint64(i)
		if err := p.device.WritePage(ptr, page); err != nil {
			return err
		}
		if p.cache.put(ptr, page) {
			p.schedulePurge()
		}
	}
	p.flushed += uint64(len(p.temp))
	p.temp = p.temp[:0]
	return nil
}

// RewritePage stages a new payload for an existing page without
// changing its address. Blob chunk patches use this; B+tree nodes stay
// copy-on-write and never do.
func (p *Pager) RewritePage(ptr uint64, ptype uint16, payload []byte) {
	page := NewPage(ptype)
	copy(page.Payload(), payload)
	page.MarkDirty()
	page.Seal()

	if ptr >= p.flushed {
		idx := ptr - p.flushed
		if idx < uint64(len(p.temp)) {
			p.temp[idx] = page
			return
		}
	}
	p.updates[ptr] = page
	p.cache.drop(ptr)
}

// RestorePage writes a journaled page image straight to the device
// during crash recovery, extending the device when the page never made
// it to disk before the crash.
func (p *Pager) RestorePage(addr uint64, data []byte) error {
	count, err := p.device.PageCount()
	if err != nil {
		return err
	}
	if addr >= count {
		if err := p.device.Truncate(addr + 1); err != nil {
			return err
		}
	}
	if err := p.device.WritePage(addr, data); err != nil {
		return err
	}
	p.cache.drop(addr)
	if addr >= p.flushed {
		p.flushed = addr + 1
	}
	return nil
}

// DiscardStaged drops every page staged since the last Flush, used when a
// commit fails after partial writes and the in-memory B+tree roots must
// be rolled back to their pre-transaction values.
func (p *Pager) DiscardStaged() {
	p.temp = p.temp[:0]
	p.updates = make(map[uint64]Page)
}

// pagerMsg is one unit of background work. Blocking messages carry a
// done channel the sender waits on.
type pagerMsg struct {
	kind pagerMsgKind
	done chan error
}

type pagerMsgKind int

const (
	msgPurgeCache pagerMsgKind = iota
	msgFlushPages
	msgStop
)

// StartWorker launches the background strand that purges the cache and
// runs deferred durable flushes. flushFn is called for msgFlushPages and
// must be safe to invoke from the worker goroutine (it takes the
// environment lock itself).
func (p *Pager) StartWorker(flushFn func() error) {
	p.workCh = make(chan pagerMsg, 64)
	p.workDoneCh = make(chan struct{})
	go func() {
		defer close(p.workDoneCh)
		for msg := range p.workCh {
			switch msg.kind {
			case msgPurgeCache:
				evicted := p.cache.purge()
				if p.metrics != nil && evicted > 0 {
					p.metrics.PageCacheEvictionsTotal.Add(float64(evicted))
				}
			case msgFlushPages:
				err := flushFn()
				if msg.done != nil {
					msg.done <- err
				}
			case msgStop:
				if msg.done != nil {
					msg.done <- nil
				}
				return
			}
		}
	}()
}

// StopWorker drains and stops the background strand.
func (p *Pager) StopWorker() {
	if p.workCh == nil {
		return
	}
	done := make(chan error, 1)
	p.workCh <- pagerMsg{kind: msgStop, done: done}
	<-done
	<-p.workDoneCh
	close(p.workCh)
	p.workCh = nil
}

// schedulePurge asks the worker to trim the cache; without a worker (or
// with a full queue) the purge runs inline, so the cache never grows
// without bound either way.
func (p *Pager) schedulePurge() {
	if p.workCh != nil {
		select {
		case p.workCh <- pagerMsg{kind: msgPurgeCache}:
			return
		default:
		}
	}
	evicted := p.cache.purge()
	if p.metrics != nil && evicted > 0 {
		p.metrics.PageCacheEvictionsTotal.Add(float64(evicted))
	}
}

// ScheduleFlush runs a durable flush on the worker strand, blocking
// until it completes. Falls back to calling flushFn inline when no
// worker is running.
func (p *Pager) ScheduleFlush(flushFn func() error) error {
	if p.workCh == nil {
		return flushFn()
	}
	done := make(chan error, 1)
	p.workCh <- pagerMsg{kind: msgFlushPages, done: done}
	return <-done
}
