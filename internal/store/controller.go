package store

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/measurement-factory/squid-sub000/internal/config"
	"github.com/measurement-factory/squid-sub000/internal/metrics"
)

const defaultMaxAnchorAttempts = 10

// Options wires a Controller to its coordination backends. Transients and
// Disk are required; Notifier, Metrics, and Logger may be nil.
type Options struct {
	Kid        int
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Transients Transients
	Notifier   Notifier
	Disk       DiskStore
	MemCache   config.MemoryCacheConfig
	Tunables   config.Tunables

	// MaxAnchorAttempts bounds how many resyncs a collapsed entry may
	// spend unanchored before it is aborted instead of waiting forever on
	// a writer that may have crashed mid-fetch.
	MaxAnchorAttempts int
}

// Controller is the single entry point for locating, creating, and retiring
// StoreEntry objects across the local in-transit table, the shared transients
// index, the memory cache of completed objects, and the disk store.
type Controller struct {
	kid        int
	logger     *slog.Logger
	metrics    *metrics.Recorder
	transients Transients
	notifier   Notifier
	disk       DiskStore
	memCache   *MemCache

	tunables          atomic.Pointer[config.Tunables]
	maxAnchorAttempts int

	mu        sync.Mutex
	inTransit map[Key]*StoreEntry
	byXit     map[int32]*StoreEntry

	privateSerial atomic.Uint64
}

type noopNotifier struct{}

func (noopNotifier) Broadcast(int32) {}

// NewController assembles the store facade for one worker process.
func NewController(opts Options) (*Controller, error) {
	if opts.Transients == nil {
		return nil, errors.New("store: controller requires a transients index")
	}
	if opts.Disk == nil {
		return nil, errors.New("store: controller requires a disk store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	maxAnchor := opts.MaxAnchorAttempts
	if maxAnchor <= 0 {
		maxAnchor = defaultMaxAnchorAttempts
	}
	s := &Controller{
		kid:               opts.Kid,
		logger:            logger.With(slog.String("component", "store")),
		metrics:           opts.Metrics,
		transients:        opts.Transients,
		notifier:          notifier,
		disk:              opts.Disk,
		memCache:          NewMemCache(opts.MemCache),
		maxAnchorAttempts: maxAnchor,
		inTransit:         make(map[Key]*StoreEntry),
		byXit:             make(map[int32]*StoreEntry),
	}
	tun := opts.Tunables
	s.tunables.Store(&tun)
	return s, nil
}

// SetTunables re-applies the live-reloadable configuration subset.
func (s *Controller) SetTunables(t config.Tunables) {
	s.tunables.Store(&t)
	s.memCache.SetLimits(t.MemoryCache)
}

// PrivateSerial issues a unique serial for deriving private keys.
func (s *Controller) PrivateSerial() uint64 {
	return s.privateSerial.Add(1)
}

func (s *Controller) newEntry(key Key, flags Flag) *StoreEntry {
	return &StoreEntry{
		key:      key,
		ctrl:     s,
		status:   StatusPending,
		flags:    flags,
		mem:      newMemObject(),
		xitIndex: -1,
	}
}

// Create makes a fresh PENDING entry for a fetch this worker initiates. The
// returned handle keeps the entry alive; the caller releases it when its
// fetch job ends. Private entries stay invisible to other local requests.
func (s *Controller) Create(key Key, flags Flag) *EntryHandle {
	e := s.newEntry(key, flags)
	h := e.Lock()
	if flags&FlagPrivate == 0 {
		s.mu.Lock()
		s.inTransit[key] = e
		s.mu.Unlock()
	}
	return h
}

// Find locates an existing entry for key, checking, in order: the local
// in-transit table, the shared transients index, the memory cache of
// completed objects, and the disk cache. Absence at any stage just continues
// the search; only a full miss returns found=false.
func (s *Controller) Find(key Key) (*EntryHandle, bool) {
	// A tombstoned key is being purged somewhere in the group; no arm of
	// the cascade may serve it as a fresh hit, even transiently.
	if s.keyTombstoned(key) {
		s.metrics.ObserveFind("miss")
		return nil, false
	}

	s.mu.Lock()
	e := s.inTransit[key]
	s.mu.Unlock()
	if e != nil && !e.HasFlag(FlagReleaseRequested) {
		s.metrics.ObserveFind("local")
		return e.Lock(), true
	}

	if h, ok := s.findCollapsed(key); ok {
		s.metrics.ObserveFind("transients")
		return h, true
	}

	if body, ok := s.memCache.Lookup(key); ok {
		e := s.newEntry(key, 0)
		e.status = StatusOK
		e.memStatus = InMemory
		e.mem.data = body
		e.mem.expectedLen = int64(len(body))
		s.metrics.ObserveFind("memory")
		return e.Lock(), true
	}

	if meta, ok, err := s.disk.Stat(key); err == nil && ok && meta.Complete && !meta.Aborted {
		e := s.newEntry(key, 0)
		e.status = StatusOK
		e.hasSwap = true
		e.mem.expectedLen = meta.ObjectLen
		s.metrics.ObserveFind("disk")
		return e.Lock(), true
	}

	s.metrics.ObserveFind("miss")
	return nil, false
}

// FindOrCreate atomically resolves the no-double-fetch contract for local
// concurrency: when several local requests race for a missing key, exactly
// one sees created=true and owns the upstream fetch.
func (s *Controller) FindOrCreate(key Key, flags Flag) (h *EntryHandle, created bool) {
	tombstoned := s.keyTombstoned(key)
	s.mu.Lock()
	if e := s.inTransit[key]; e != nil && !e.HasFlag(FlagReleaseRequested) && !tombstoned {
		s.mu.Unlock()
		s.metrics.ObserveFind("local")
		return e.Lock(), false
	}
	e := s.newEntry(key, flags)
	h = e.Lock()
	if flags&FlagPrivate == 0 {
		s.inTransit[key] = e
	}
	s.mu.Unlock()

	// The rest of the cascade runs outside the table lock; if it hits,
	// the freshly created entry is abandoned.
	if existing, ok := s.findBeyondLocal(key); ok {
		s.dropEntry(e)
		h.Close()
		return existing, false
	}
	return h, true
}

// keyTombstoned checks the shared purge tombstone. Backend errors fail open:
// a coordination hiccup must not blind the whole cache.
func (s *Controller) keyTombstoned(key Key) bool {
	tomb, err := s.transients.MarkedForDeletion(key)
	if err != nil {
		s.logger.Warn("transients tombstone check failed", "key", key.String(), "err", err)
		return false
	}
	return tomb
}

func (s *Controller) findBeyondLocal(key Key) (*EntryHandle, bool) {
	if s.keyTombstoned(key) {
		return nil, false
	}
	if h, ok := s.findCollapsed(key); ok {
		s.metrics.ObserveFind("transients")
		return h, true
	}
	if body, ok := s.memCache.Lookup(key); ok {
		e := s.newEntry(key, 0)
		e.status = StatusOK
		e.memStatus = InMemory
		e.mem.data = body
		e.mem.expectedLen = int64(len(body))
		s.metrics.ObserveFind("memory")
		return e.Lock(), true
	}
	if meta, ok, err := s.disk.Stat(key); err == nil && ok && meta.Complete && !meta.Aborted {
		e := s.newEntry(key, 0)
		e.status = StatusOK
		e.hasSwap = true
		e.mem.expectedLen = meta.ObjectLen
		s.metrics.ObserveFind("disk")
		return e.Lock(), true
	}
	return nil, false
}

// findCollapsed discovers an entry another worker is writing and attaches to
// it as a collapsed reader. An entry that cannot be anchored consistently is
// released rather than risk serving corrupt data.
func (s *Controller) findCollapsed(key Key) (*EntryHandle, bool) {
	if s.keyTombstoned(key) {
		return nil, false
	}
	idx, found, err := s.transients.OpenReader(key, s.kid)
	if err != nil {
		s.logger.Warn("transients reader open failed", "key", key.String(), "err", err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	e := s.newEntry(key, FlagCollapsible)
	e.xitIndex = idx
	h := e.Lock()
	s.mu.Lock()
	s.inTransit[key] = e
	s.byXit[idx] = e
	s.mu.Unlock()
	s.metrics.ObserveCollapse(metrics.CollapseReader)

	anchored, aborted := s.anchorCollapsed(e)
	if aborted {
		s.abortLocal(e)
		s.release(e)
		h.Close()
		return nil, false
	}
	_ = anchored // not yet anchored is fine; the entry waits for the writer
	return h, true
}

// AllowCollapsing marks an entry publicly key-addressable and registers this
// worker as the key's writer. Called once per entry, before the first byte
// is fetched. collision=true means another worker beat us to the writer
// role; the caller must become a reader instead of re-fetching.
func (s *Controller) AllowCollapsing(e *StoreEntry) (collision bool, err error) {
	e.SetFlag(FlagCollapsible)
	collision, err = s.CreateTransientsEntry(e, false)
	if err != nil || collision {
		return collision, err
	}
	// Attach the disk swap copy now so collapsed readers in other workers
	// have a place to anchor to and read from.
	dw, err := s.disk.Create(e.key, e.ObjectLen())
	if err != nil {
		// Local delivery still works from memory; remote readers will
		// hit the bounded-anchoring rule.
		s.logger.Warn("swap-out create failed", "key", e.key.String(), "err", err)
		return false, nil
	}
	e.mu.Lock()
	e.diskWriter = dw
	e.hasSwap = true
	e.mu.Unlock()
	return false, nil
}

// CreateTransientsEntry registers this worker in the shared index for the
// entry's key: as the writer when the slot is free, as a reader when another
// worker already writes it (reported via collision, which is not an error).
func (s *Controller) CreateTransientsEntry(e *StoreEntry, switchToReading bool) (collision bool, err error) {
	idx, collision, err := s.transients.StartWriting(e.key, s.kid)
	if err != nil {
		if errors.Is(err, ErrTableFull) {
			// Proceed uncollapsed; only cross-worker sharing is lost.
			s.logger.Debug("transients table full", "key", e.key.String())
			return false, nil
		}
		return false, err
	}
	e.mu.Lock()
	e.xitIndex = idx
	e.xitWriter = !collision && !switchToReading
	e.mu.Unlock()
	s.mu.Lock()
	s.byXit[idx] = e
	s.mu.Unlock()
	if collision {
		s.metrics.ObserveCollapse(metrics.CollapseReader)
	} else {
		s.metrics.ObserveCollapse(metrics.CollapseWriter)
	}
	return collision, nil
}

// SyncCollapsed re-evaluates one collapsed entry after a cross-worker
// notification: releases it when unused, propagates a writer abort, or
// (re)anchors it to the backing cache and resumes parked consumers.
func (s *Controller) SyncCollapsed(xitIndex int32) {
	s.mu.Lock()
	e := s.byXit[xitIndex]
	s.mu.Unlock()
	if e == nil {
		s.metrics.ObserveSync(metrics.SyncStale)
		return
	}
	if e.xitWriterRole() {
		// Writers produce changes; they do not sync to them.
		return
	}
	if e.LockCount() == 0 && e.pendingClients() == 0 {
		s.release(e)
		s.metrics.ObserveSync(metrics.SyncReleased)
		return
	}

	st, err := s.transients.Status(xitIndex)
	if err != nil {
		s.logger.Warn("transients status failed", "xit", xitIndex, "err", err)
		return
	}
	if st.AbortedByWriter {
		s.abortLocal(e)
		s.metrics.ObserveSync(metrics.SyncAborted)
		return
	}
	if st.WaitingToBeFreed {
		s.abortLocal(e)
		s.release(e)
		s.metrics.ObserveSync(metrics.SyncReleased)
		return
	}

	anchored, aborted := s.anchorCollapsed(e)
	switch {
	case aborted:
		s.abortLocal(e)
		s.metrics.ObserveSync(metrics.SyncAborted)
	case anchored:
		e.mu.Lock()
		e.anchorAttempts = 0
		e.mu.Unlock()
		s.metrics.ObserveSync(metrics.SyncAnchored)
		e.KickReads()
	default:
		e.mu.Lock()
		e.anchorAttempts++
		exhausted := e.anchorAttempts > s.maxAnchorAttempts
		e.mu.Unlock()
		if exhausted {
			s.logger.Warn("collapsed entry never anchored, aborting",
				"key", e.key.String(), "attempts", s.maxAnchorAttempts)
			s.abortLocal(e)
			s.metrics.ObserveSync(metrics.SyncAborted)
			return
		}
		s.metrics.ObserveSync(metrics.SyncWaiting)
	}
}

// anchorCollapsed synchronizes a collapsed entry with the physical cache the
// writer attached it to. Today that is the disk swap store; the writer's
// process-local memory is unreachable from here by definition.
func (s *Controller) anchorCollapsed(e *StoreEntry) (anchored, aborted bool) {
	meta, ok, err := s.disk.Stat(e.key)
	if err != nil {
		s.logger.Warn("anchor stat failed", "key", e.key.String(), "err", err)
		return false, false
	}
	if !ok {
		return false, false
	}
	if meta.Aborted {
		return false, true
	}
	e.mu.Lock()
	e.hasSwap = true
	if meta.ObjectLen >= 0 {
		e.mem.expectedLen = meta.ObjectLen
	}
	if meta.Complete && e.status == StatusPending {
		e.status = StatusOK
	}
	e.mu.Unlock()
	return true, false
}

func (e *StoreEntry) xitWriterRole() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.xitWriter
}

// abortLocal propagates an abort to this worker's consumers of the entry.
func (s *Controller) abortLocal(e *StoreEntry) {
	e.mu.Lock()
	if e.status == StatusPending {
		e.status = StatusAborted
	}
	e.mu.Unlock()
	e.KickReads()
}

// TransientReaders counts readers attached to the entry's transients slot
// across all workers.
func (s *Controller) TransientReaders(e *StoreEntry) int {
	xit := e.XitIndex()
	if xit < 0 {
		return 0
	}
	n, err := s.transients.Readers(xit)
	if err != nil {
		s.logger.Warn("transients readers failed", "xit", xit, "err", err)
		return 0
	}
	return n
}

// broadcast tells sibling workers the entry changed. Broadcasting to an
// entry nobody reads is wasted work, so the reader-count gate is mandatory.
func (s *Controller) broadcast(e *StoreEntry) {
	xit := e.XitIndex()
	if xit < 0 {
		return
	}
	n, err := s.transients.Readers(xit)
	if err != nil || n == 0 {
		return
	}
	s.notifier.Broadcast(xit)
}

// MarkForUnlink plants deletion intent everywhere a fresh hit could come
// from, without waiting for the bytes to disappear.
func (s *Controller) MarkForUnlink(key Key) {
	if err := s.transients.MarkForDeletion(key); err != nil {
		s.logger.Warn("transients tombstone failed", "key", key.String(), "err", err)
	}
	s.mu.Lock()
	e := s.inTransit[key]
	s.mu.Unlock()
	if e != nil {
		e.SetFlag(FlagReleaseRequested)
	}
}

// Unlink purges a key from every backing store so no worker keeps serving
// stale bytes for it.
func (s *Controller) Unlink(key Key) {
	s.MarkForUnlink(key)
	s.memCache.Unlink(key)
	if err := s.disk.Unlink(key); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("disk unlink failed", "key", key.String(), "err", err)
	}
	s.mu.Lock()
	e := s.inTransit[key]
	s.mu.Unlock()
	if e != nil && e.LockCount() == 0 && e.pendingClients() == 0 {
		s.release(e)
	}
}

// maybeRelease retires an entry once the last handle dropped, unless local
// consumers remain. A still-pending entry with no owner left is aborted
// first; collapsed readers elsewhere learn through transients.
func (s *Controller) maybeRelease(e *StoreEntry) {
	if e.LockCount() != 0 || e.pendingClients() != 0 {
		return
	}
	if e.Status() == StatusPending {
		if e.xitWriterRole() {
			e.Abort()
		}
	}
	s.release(e)
}

// release detaches the entry from the controller's tables and from the
// shared index.
func (s *Controller) release(e *StoreEntry) {
	s.mu.Lock()
	if s.inTransit[e.key] == e {
		delete(s.inTransit, e.key)
	}
	e.mu.Lock()
	xit := e.xitIndex
	e.xitIndex = -1
	e.mu.Unlock()
	if xit >= 0 {
		if s.byXit[xit] == e {
			delete(s.byXit, xit)
		}
	}
	s.mu.Unlock()
	if xit >= 0 {
		if err := s.transients.Disconnect(xit, s.kid); err != nil {
			s.logger.Warn("transients disconnect failed", "xit", xit, "err", err)
		}
	}
}

// dropEntry removes a just-created entry that lost a FindOrCreate race.
func (s *Controller) dropEntry(e *StoreEntry) {
	s.mu.Lock()
	if s.inTransit[e.key] == e {
		delete(s.inTransit, e.key)
	}
	s.mu.Unlock()
}

// Report is a point-in-time snapshot for the manager endpoint.
type Report struct {
	Kid             int `json:"kid"`
	InTransit       int `json:"inTransit"`
	CollapsedLocal  int `json:"collapsedLocal"`
	MemCacheObjects int `json:"memCacheObjects"`
}

// Report snapshots table sizes for introspection.
func (s *Controller) Report() Report {
	s.mu.Lock()
	inTransit := len(s.inTransit)
	collapsed := len(s.byXit)
	s.mu.Unlock()
	return Report{
		Kid:             s.kid,
		InTransit:       inTransit,
		CollapsedLocal:  collapsed,
		MemCacheObjects: s.memCache.Len(),
	}
}

// TransientsEntryReport describes one shared in-transit slot this worker is
// attached to, as seen at snapshot time.
type TransientsEntryReport struct {
	Index     int32  `json:"index"`
	Key       string `json:"key"`
	WriterKid int32  `json:"writerKid"`
	Readers   int32  `json:"readers"`
	Completed bool   `json:"completed"`
	Aborted   bool   `json:"aborted"`
}

// TransientsReport lists the shared slots this worker participates in.
type TransientsReport struct {
	Kid     int                     `json:"kid"`
	Entries []TransientsEntryReport `json:"entries"`
}

// TransientsReport snapshots the worker's view of the shared index for the
// manager endpoint. Slots may change between Status calls; the report is
// advisory, not transactional.
func (s *Controller) TransientsReport() TransientsReport {
	s.mu.Lock()
	entries := make([]*StoreEntry, 0, len(s.byXit))
	for _, e := range s.byXit {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	report := TransientsReport{Kid: s.kid, Entries: make([]TransientsEntryReport, 0, len(entries))}
	for _, e := range entries {
		e.mu.Lock()
		idx := e.xitIndex
		key := e.key
		e.mu.Unlock()
		if idx < 0 {
			continue
		}
		status, err := s.transients.Status(idx)
		if err != nil {
			continue
		}
		report.Entries = append(report.Entries, TransientsEntryReport{
			Index:     idx,
			Key:       key.String(),
			WriterKid: status.WriterKid,
			Readers:   status.Readers,
			Completed: status.Completed,
			Aborted:   status.AbortedByWriter,
		})
	}
	sort.Slice(report.Entries, func(i, j int) bool {
		return report.Entries[i].Index < report.Entries[j].Index
	})
	return report
}

// Close releases controller-held entries and disconnects from the shared
// index. Backends themselves are closed by their owner.
func (s *Controller) Close() error {
	s.mu.Lock()
	entries := make([]*StoreEntry, 0, len(s.byXit))
	for _, e := range s.byXit {
		entries = append(entries, e)
	}
	s.mu.Unlock()
	for _, e := range entries {
		s.release(e)
	}
	return nil
}
