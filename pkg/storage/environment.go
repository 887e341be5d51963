// ABOUTME: Environment ties a Device, Pager, write-ahead journal and named-database catalog together
// ABOUTME: Grounded in the teacher's KV.Open/updateFile two-phase fsync commit protocol, generalized to many databases

package storage

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upscaledb-go/ups/internal/logger"
	"github.com/upscaledb-go/ups/internal/metrics"
	"github.com/upscaledb-go/ups/pkg/btree"
	"github.com/upscaledb-go/ups/pkg/wal"
)

// envSignature identifies a valid environment header page. Fixed at 16
// bytes the way the teacher's KV.DB_SIG was.
const envSignature = "UPSENV-GO-01\x00\x00\x00\x00"

// maxCatalogEntries bounds how many named databases one environment can
// hold, so the catalog fits in a single header page alongside the
// freelist's serialized form.
const maxCatalogEntries = 64

const catalogEntrySize = 12 // name(2) + keyType(2) + root(8)

// Header page payload layout: signature, catalog count, durability
// watermark, txn-id seed, catalog entries, serialized free list.
const (
	metaCountOff   = 16
	metaLSNOff     = 20
	metaTxnIDOff   = 28
	metaCatalogOff = 36
	metaFreeOff    = metaCatalogOff + maxCatalogEntries*catalogEntrySize
)

type catalogEntry struct {
	name    uint16
	keyType KeyType
	root    uint64
	inUse   bool
}

// config collects the environment's tunables; built from Options.
type config struct {
	pageLimit      uint64
	cachePages     int
	disableJournal bool
	readOnly       bool
	flushInterval  time.Duration
	log            *logger.Logger
	metrics        *metrics.Metrics
}

// Option configures an environment at create/open time.
type Option func(*config)

// WithPageLimit caps the backing file at limit pages (the spec's
// file-size-limit parameter); allocations past it fail with
// StatusLimitsReached.
func WithPageLimit(limit uint64) Option {
	return func(c *config) { c.pageLimit = limit }
}

// WithCachePages sets the page-cache capacity in pages.
func WithCachePages(n int) Option {
	return func(c *config) { c.cachePages = n }
}

// WithoutJournal disables the write-ahead journal: transactions lose
// crash durability but commits skip the journal fsync.
func WithoutJournal() Option {
	return func(c *config) { c.disableJournal = true }
}

// WithFlushInterval starts a background checkpointer that flushes and
// truncates the journal on the given cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(c *config) { c.flushInterval = d }
}

// WithReadOnly rejects every mutating operation with
// StatusWriteProtected. The exclusive file lock is still taken (the
// engine is single-writer either way).
func WithReadOnly() Option {
	return func(c *config) { c.readOnly = true }
}

// WithLogger attaches a structured logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithMetrics attaches a metrics registry; the pager, transaction
// manager and journal paths record into it.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// Environment is the top-level handle spec-level env_create/env_open
// operate on: one backing Device, one Pager/free list, one journal, and a
// catalog of named Databases that all share the same page address space,
// mirroring upscaledb's Environment/Database split.
type Environment struct {
	path     string
	inMemory bool
	cfg      config

	device  Device
	pager   *Pager
	blobs   *BlobManager
	journal *wal.Journal
	chkpt   *wal.Checkpointer

	mu        sync.RWMutex
	databases map[uint16]*Database
	catalog   map[uint16]*catalogEntry

	txnMgr *txnManager

	lsn        uint64 // atomic; stamped on every op and journal entry
	durableLSN uint64 // guarded by mu; entries at or below are in the data file

	failedLastCommit bool
}

// CreateEnvironment creates a new file-backed environment at path.
func CreateEnvironment(path string, opts ...Option) (*Environment, error) {
	cfg := buildConfig(opts)
	device, err := OpenFileDevice(path)
	if err != nil {
		return nil, err
	}
	env := newEnvironment(path, device, false, cfg)
	if err := env.device.Truncate(1); err != nil {
		return nil, err
	}
	if err := env.writeMeta(); err != nil {
		return nil, err
	}
	if err := env.device.Flush(); err != nil {
		return nil, err
	}
	if err := env.openJournal(); err != nil {
		return nil, err
	}
	env.startBackground()
	return env, nil
}

// OpenEnvironment opens an existing file-backed environment, replaying
// its journal before handing control back to the caller.
func OpenEnvironment(path string, opts ...Option) (*Environment, error) {
	cfg := buildConfig(opts)
	device, err := OpenFileDevice(path)
	if err != nil {
		return nil, err
	}
	env := newEnvironment(path, device, false, cfg)
	if err := env.readMeta(); err != nil {
		return nil, err
	}
	for _, entry := range env.catalog {
		env.openDatabaseFromCatalog(entry)
	}
	if err := env.openJournal(); err != nil {
		return nil, err
	}
	if err := env.recoverJournal(); err != nil {
		return nil, err
	}
	env.startBackground()
	return env, nil
}

// OpenInMemoryEnvironment creates an in-memory environment: nothing it
// does is ever persisted, and Close discards everything.
func OpenInMemoryEnvironment(opts ...Option) (*Environment, error) {
	cfg := buildConfig(opts)
	device := OpenMemDevice()
	if err := device.Truncate(1); err != nil {
		return nil, err
	}
	env := newEnvironment("", device, true, cfg)
	env.startBackground()
	return env, nil
}

func buildConfig(opts []Option) config {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func newEnvironment(path string, device Device, inMemory bool, cfg config) *Environment {
	pager := NewPager(device, cfg.cachePages)
	pager.SetLimit(cfg.pageLimit)
	pager.SetMetrics(cfg.metrics)
	env := &Environment{
		path:      path,
		inMemory:  inMemory,
		cfg:       cfg,
		device:    device,
		pager:     pager,
		databases: make(map[uint16]*Database),
		catalog:   make(map[uint16]*catalogEntry),
		txnMgr:    &txnManager{},
	}
	env.blobs = NewBlobManager(pager, cfg.metrics)
	return env
}

func (env *Environment) nextLSN() uint64 {
	return atomic.AddUint64(&env.lsn, 1)
}

func (env *Environment) currentLSN() uint64 {
	return atomic.LoadUint64(&env.lsn)
}

func (env *Environment) seedLSN(lsn uint64) {
	for {
		cur := atomic.LoadUint64(&env.lsn)
		if lsn <= cur || atomic.CompareAndSwapUint64(&env.lsn, cur, lsn) {
			return
		}
	}
}

// openJournal opens (or creates) the two rotating journal files that
// shadow this environment's data file. A no-op for in-memory
// environments and under WithoutJournal.
func (env *Environment) openJournal() error {
	if env.inMemory || env.cfg.disableJournal || env.cfg.readOnly {
		return nil
	}
	j := &wal.Journal{Path: env.path}
	if err := j.Open(); err != nil {
		return wrapStatus(StatusIOError, "open journal", err)
	}
	j.SeedLSN(env.currentLSN())
	j.MarkDurable(env.durableLSN)
	env.journal = j
	return nil
}

// startBackground launches the pager's worker strand and, when
// configured, the periodic journal checkpointer.
func (env *Environment) startBackground() {
	env.pager.StartWorker(env.flushDirect)
	if env.journal != nil && env.cfg.flushInterval > 0 {
		env.chkpt = wal.NewCheckpointer(env.journal, env.Flush)
		env.chkpt.SetInterval(env.cfg.flushInterval)
		env.chkpt.Start()
	}
}

// recoverJournal replays committed transactions the journal holds past
// the header's durability watermark: page images first, then each op,
// routed to its database by name.
func (env *Environment) recoverJournal() error {
	if env.journal == nil {
		return nil
	}
	rec := wal.NewRecovery(env.journal)
	stats, err := rec.Recover(env.durableLSN, env.restorePage, env.replayEntry)
	if err != nil {
		return wrapStatus(StatusIOError, "journal recovery", err)
	}
	env.seedLSN(stats.MaxLSN)
	env.txnMgr.seed(stats.MaxTxnID)

	if env.cfg.log != nil && (stats.ReplayedOps > 0 || stats.ReplayedPages > 0) {
		env.cfg.log.Info("journal recovery complete").
			Int("replayed_ops", stats.ReplayedOps).
			Int("replayed_pages", stats.ReplayedPages).
			Int("aborted_txns", stats.AbortedTxns).
			Uint64("max_lsn", stats.MaxLSN).
			Send()
	}

	if stats.ReplayedOps == 0 && stats.ReplayedPages == 0 {
		return nil
	}
	// Make the replayed state durable and drop the journal tail so a
	// second crash doesn't replay twice onto an already-updated file.
	if err := env.Flush(); err != nil {
		return err
	}
	return env.journal.Clear()
}

func (env *Environment) restorePage(addr uint64, data []byte) error {
	return env.pager.RestorePage(addr, data)
}

func (env *Environment) replayEntry(e *wal.Entry) error {
	db, ok := env.databases[e.DBName]
	if !ok {
		// The database was created inside the crashed run and never
		// reached the catalog; nothing to route the op to.
		return nil
	}
	op := decodeJournalOp(e)
	db.applyOp(op)
	return nil
}

// Close flushes any staged work and releases the backing device.
func (env *Environment) Close() error {
	if env.chkpt != nil {
		env.chkpt.Stop()
		env.chkpt = nil
	}
	env.pager.StopWorker()

	env.mu.Lock()
	defer env.mu.Unlock()

	if !env.inMemory {
		if err := env.flushLocked(); err != nil {
			return err
		}
		if env.journal != nil {
			if err := env.journal.Clear(); err != nil {
				return err
			}
			if err := env.journal.Close(); err != nil {
				return err
			}
		}
	}
	return env.device.Close()
}

// CloseDirty releases the environment without flushing or clearing the
// journal, simulating a crash. Tests use it to exercise recovery.
func (env *Environment) CloseDirty() error {
	if env.chkpt != nil {
		env.chkpt.Stop()
		env.chkpt = nil
	}
	env.pager.StopWorker()
	if env.journal != nil {
		if err := env.journal.Close(); err != nil {
			return err
		}
	}
	return env.device.Close()
}

// Begin starts a new transaction against this environment.
func (env *Environment) Begin() *Txn {
	return env.txnMgr.begin(env)
}

// Flush durably persists every database's current root, the free list,
// and all staged pages (the spec's env_flush operation). The write runs
// on the pager's worker strand so it serializes FIFO with other
// background work; before the worker starts it runs inline.
func (env *Environment) Flush() error {
	return env.pager.ScheduleFlush(env.flushDirect)
}

// flushDirect is the worker-safe flush body: it takes the environment
// lock itself and never re-enters the worker queue.
func (env *Environment) flushDirect() error {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.flushLocked()
}

// FailedLastCommit reports whether the most recent durable commit
// attempt failed partway through. An admin health check uses this to
// flip the environment's gRPC serving status to NOT_SERVING.
func (env *Environment) FailedLastCommit() bool {
	env.mu.RLock()
	defer env.mu.RUnlock()
	return env.failedLastCommit
}

// CreateDatabase adds a fresh, empty named database to the catalog and
// persists the catalog immediately.
func (env *Environment) CreateDatabase(name uint16, keyType KeyType) (*Database, error) {
	env.mu.Lock()
	defer env.mu.Unlock()

	if env.cfg.readOnly {
		return nil, ErrWriteProtected
	}
	if _, exists := env.catalog[name]; exists {
		return nil, ErrDatabaseAlreadyOpen
	}
	if len(env.catalog) >= maxCatalogEntries {
		return nil, ErrLimitsReached
	}

	entry := &catalogEntry{name: name, keyType: keyType, inUse: true}
	env.catalog[name] = entry
	db := env.openDatabaseFromCatalog(entry)

	if !env.inMemory {
		if err := env.flushLocked(); err != nil {
			delete(env.catalog, name)
			delete(env.databases, name)
			return nil, err
		}
	}
	return db, nil
}

// OpenDatabase returns the already-open Database for name, or opens it
// fresh from the catalog entry persisted on disk.
func (env *Environment) OpenDatabase(name uint16) (*Database, error) {
	env.mu.Lock()
	defer env.mu.Unlock()

	if db, ok := env.databases[name]; ok {
		return db, nil
	}
	entry, ok := env.catalog[name]
	if !ok {
		return nil, ErrDatabaseNotFound
	}
	return env.openDatabaseFromCatalog(entry), nil
}

// openDatabaseFromCatalog must be called with env.mu held.
func (env *Environment) openDatabaseFromCatalog(entry *catalogEntry) *Database {
	db := &Database{
		env:      env,
		name:     entry.name,
		keyType:  entry.keyType,
		txnIndex: NewTxnIndex(ComparatorFor(entry.keyType)),
		blobs:    env.blobs,
	}
	db.index.Cmp = ComparatorFor(entry.keyType)
	db.index.SetRoot(entry.root)
	db.index.SetCallbacks(
		env.pager.ReadPayload,
		func(payload []byte) uint64 { return env.pager.AllocBTreeNode(payload) },
		env.pager.Free,
	)
	env.databases[entry.name] = db
	return db
}

// RenameDatabase moves a catalog entry to a new name, failing if the
// destination is already taken.
func (env *Environment) RenameDatabase(oldName, newName uint16) error {
	env.mu.Lock()
	defer env.mu.Unlock()

	if env.cfg.readOnly {
		return ErrWriteProtected
	}
	entry, ok := env.catalog[oldName]
	if !ok {
		return ErrDatabaseNotFound
	}
	if _, taken := env.catalog[newName]; taken {
		return ErrDatabaseAlreadyOpen
	}

	entry.name = newName
	delete(env.catalog, oldName)
	env.catalog[newName] = entry

	if db, ok := env.databases[oldName]; ok {
		db.name = newName
		delete(env.databases, oldName)
		env.databases[newName] = db
	}

	if env.inMemory {
		return nil
	}
	return env.flushLocked()
}

// EraseDatabase removes a database, freeing its blob storage and every
// page reachable from its root.
func (env *Environment) EraseDatabase(name uint16) (err error) {
	env.mu.Lock()
	defer env.mu.Unlock()
	defer catchStatus(&err)

	if env.cfg.readOnly {
		return ErrWriteProtected
	}
	entry, ok := env.catalog[name]
	if !ok {
		return ErrDatabaseNotFound
	}

	db, ok := env.databases[name]
	if !ok {
		db = env.openDatabaseFromCatalog(entry)
	}

	// Out-of-leaf storage first, while the leaves are still readable.
	cur := db.index.NewCursor()
	for ok := cur.First(); ok; ok = cur.Next() {
		if flags := cur.Flags(); flags != btree.FlagNone {
			db.freeSlot(cur.Value(), flags)
		}
	}
	env.freeTreePages(db.index.GetRoot())
	env.pager.free.Commit()

	delete(env.catalog, name)
	delete(env.databases, name)

	if env.inMemory {
		return nil
	}
	return env.flushLocked()
}

func (env *Environment) freeTreePages(root uint64) {
	if root == 0 {
		return
	}
	node := btree.BNode(env.pager.ReadPayload(root))
	if node.Btype() == btree.BNODE_NODE {
		for i := uint16(0); i < node.Nkeys(); i++ {
			env.freeTreePages(node.GetPtr(i))
		}
	}
	env.pager.Free(root)
}

// commitTxn is the whole commit protocol for one transaction: journal
// the ops, apply them to the B+trees, journal the page changeset, fsync
// the journal, then flush pages and header durably. On an apply failure
// the B+tree roots and staged pages roll back and the transaction stays
// active so the caller can Rollback (or retry).
func (env *Environment) commitTxn(t *Txn) (err error) {
	env.mu.Lock()
	defer env.mu.Unlock()
	defer catchStatus(&err)

	if env.journal != nil {
		if err := env.journal.Append(&wal.Entry{
			LSN: env.nextLSN(), TxnID: t.id, Type: wal.EntryTxnBegin,
		}); err != nil {
			return wrapStatus(StatusIOError, "journal txn-begin", err)
		}
		for _, ref := range t.ops {
			if err := env.journal.Append(encodeJournalOp(env.nextLSN(), t.id, ref)); err != nil {
				return wrapStatus(StatusIOError, "journal op", err)
			}
			if env.cfg.metrics != nil {
				env.cfg.metrics.JournalAppendsTotal.Inc()
			}
		}
	}

	// Snapshot roots so a failed apply can roll the trees back.
	roots := make(map[*Database]uint64)
	for _, ref := range t.ops {
		if _, ok := roots[ref.db]; !ok {
			roots[ref.db] = ref.db.index.GetRoot()
		}
	}

	applyErr := func() (err error) {
		defer catchStatus(&err)
		for _, ref := range t.ops {
			ref.db.applyOp(ref.op)
		}
		return nil
	}()
	if applyErr != nil {
		for db, root := range roots {
			db.index.SetRoot(root)
		}
		env.pager.DiscardStaged()
		env.pager.free.Rollback()
		return applyErr
	}

	if env.journal != nil {
		if err := env.journal.Append(&wal.Entry{
			LSN: env.nextLSN(), TxnID: t.id, Type: wal.EntryTxnCommit,
		}); err != nil {
			return wrapStatus(StatusIOError, "journal txn-commit", err)
		}
		addrs, pages := env.pager.StagedPages()
		if len(addrs) > 0 {
			cs := &wal.Entry{LSN: env.nextLSN(), TxnID: t.id, Type: wal.EntryChangeset}
			for i, addr := range addrs {
				cs.Pages = append(cs.Pages, wal.PageWrite{Address: addr, Data: pages[i]})
			}
			if err := env.journal.Append(cs); err != nil {
				return wrapStatus(StatusIOError, "journal changeset", err)
			}
		}
		if err := env.journal.Fsync(); err != nil {
			return wrapStatus(StatusIOError, "journal fsync", err)
		}
		if env.cfg.metrics != nil {
			env.cfg.metrics.JournalFsyncsTotal.Inc()
		}
	}

	for _, ref := range t.ops {
		ref.op.flushed = true
		t.detach(ref.db, ref.op)
	}
	t.state = txnCommitted

	env.pager.free.Commit()
	if err := env.flushLocked(); err != nil {
		return err
	}

	if env.cfg.metrics != nil {
		env.cfg.metrics.RecordTxnCommit()
		env.scrapeBtreeStats()
	}
	if env.cfg.log != nil {
		env.cfg.log.TxnLogger(t.id).Debug("transaction committed").
			Int("ops", len(t.ops)).Send()
	}
	return nil
}

// scrapeBtreeStats folds each database's split/merge deltas into the
// metrics registry. Caller holds env.mu.
func (env *Environment) scrapeBtreeStats() {
	for _, db := range env.databases {
		stats := db.index.Stats
		if d := stats.Splits - db.prevStats.Splits; d > 0 {
			env.cfg.metrics.BtreeSplitsTotal.Add(float64(d))
		}
		if d := stats.Merges - db.prevStats.Merges; d > 0 {
			env.cfg.metrics.BtreeMergesTotal.Add(float64(d))
		}
		db.prevStats = stats
	}
	env.cfg.metrics.UpdatePagerStats(env.pager.free.Total())
}

// flushLocked persists every database's current root, the free list,
// and all staged pages to the device, then advances the durability
// watermark. Caller holds env.mu.
func (env *Environment) flushLocked() error {
	if env.cfg.readOnly {
		return nil
	}
	if env.inMemory {
		// No durability, but moving staged pages into the arena
		// advances the flushed boundary so freed pages become
		// reusable.
		return env.pager.Flush()
	}

	for name, db := range env.databases {
		if entry, ok := env.catalog[name]; ok {
			entry.root = db.index.GetRoot()
		}
	}

	if err := env.pager.Flush(); err != nil {
		env.failedLastCommit = true
		return err
	}
	if err := env.device.Flush(); err != nil {
		env.failedLastCommit = true
		return err
	}
	if err := env.writeMeta(); err != nil {
		env.failedLastCommit = true
		return err
	}
	if err := env.device.Flush(); err != nil {
		env.failedLastCommit = true
		return err
	}
	env.failedLastCommit = false

	env.durableLSN = env.currentLSN()
	if env.journal != nil {
		env.journal.MarkDurable(env.durableLSN)
	}
	return nil
}

// writeMeta serializes the catalog and free list into the header page
// (page 0) and writes it, mirroring the teacher's KV.writeMeta.
func (env *Environment) writeMeta() error {
	page := NewPage(PageTypeHeader)
	payload := page.Payload()
	copy(payload[:16], []byte(envSignature))

	binary.LittleEndian.PutUint16(payload[metaCountOff:], uint16(len(env.catalog)))
	binary.LittleEndian.PutUint64(payload[metaLSNOff:], env.currentLSN())
	binary.LittleEndian.PutUint64(payload[metaTxnIDOff:], env.txnMgr.current())

	off := metaCatalogOff
	for _, entry := range env.catalog {
		binary.LittleEndian.PutUint16(payload[off:], entry.name)
		binary.LittleEndian.PutUint16(payload[off+2:], uint16(entry.keyType))
		binary.LittleEndian.PutUint64(payload[off+4:], entry.root)
		off += catalogEntrySize
	}

	freeData := env.pager.free.Serialize()
	if len(freeData) > len(payload)-metaFreeOff-4 {
		return newStatus(StatusLimitsReached, "free list exceeds header page")
	}
	binary.LittleEndian.PutUint32(payload[metaFreeOff:], uint32(len(freeData)))
	copy(payload[metaFreeOff+4:], freeData)

	page.SetLSN(env.currentLSN())
	page.Seal()
	return env.device.WritePage(0, page)
}

// readMeta loads the catalog, free list and counter seeds from the
// header page.
func (env *Environment) readMeta() error {
	raw, err := env.device.ReadPage(0)
	if err != nil {
		return err
	}
	page := Page(raw)
	if !page.Verify() {
		return wrapStatus(StatusIntegrityViolated, "header page checksum mismatch", nil)
	}
	payload := page.Payload()
	if string(payload[:16]) != envSignature {
		return ErrInvalidFileHeader
	}

	count := binary.LittleEndian.Uint16(payload[metaCountOff:])
	env.durableLSN = binary.LittleEndian.Uint64(payload[metaLSNOff:])
	atomic.StoreUint64(&env.lsn, env.durableLSN)
	env.txnMgr.seed(binary.LittleEndian.Uint64(payload[metaTxnIDOff:]))

	off := metaCatalogOff
	for i := uint16(0); i < count; i++ {
		name := binary.LittleEndian.Uint16(payload[off:])
		keyType := KeyType(binary.LittleEndian.Uint16(payload[off+2:]))
		root := binary.LittleEndian.Uint64(payload[off+4:])
		env.catalog[name] = &catalogEntry{name: name, keyType: keyType, root: root, inUse: true}
		off += catalogEntrySize
	}

	freeLen := binary.LittleEndian.Uint32(payload[metaFreeOff:])
	env.pager.free.Deserialize(payload[metaFreeOff+4 : metaFreeOff+4+int(freeLen)])

	n, err := env.device.PageCount()
	if err != nil {
		return err
	}
	env.pager.flushed = n
	return nil
}

// catchStatus converts a *Status panic raised deep inside the pager or
// B+tree callbacks back into an error return at the public boundary.
func catchStatus(err *error) {
	if r := recover(); r != nil {
		if s, ok := r.(*Status); ok {
			if *err == nil {
				*err = s
			}
			return
		}
		panic(r)
	}
}
