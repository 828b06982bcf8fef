package store

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// EntryStatus tracks the single irreversible lifecycle transition of a
// StoreEntry: Pending becomes exactly one of OK or Aborted, never the other
// way around.
type EntryStatus int32

const (
	StatusPending EntryStatus = iota
	StatusOK
	StatusAborted
)

func (s EntryStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusOK:
		return "ok"
	case StatusAborted:
		return "aborted"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// MemStatus reports whether the entry's bytes are resident locally.
type MemStatus int32

const (
	NotInMemory MemStatus = iota
	InMemory
)

// Flag bits on a StoreEntry.
type Flag uint32

const (
	// FlagSpecial marks internally generated entries that are never
	// subject to eviction-driven destruction.
	FlagSpecial Flag = 1 << iota
	// FlagPrivate entries are invisible to other workers and other local
	// requests; they are never collapsed onto.
	FlagPrivate
	// FlagCollapsible is set once the entry became publicly
	// key-addressable so other workers may discover it.
	FlagCollapsible
	// FlagReleaseRequested marks an entry being purged; Find must never
	// return it as a hit while removal propagates.
	FlagReleaseRequested
)

// StoreEntry is the canonical record for one cached response. Entries are
// created through a Controller and share its coordination backends.
type StoreEntry struct {
	key  Key
	ctrl *Controller

	mu        sync.Mutex
	status    EntryStatus
	memStatus MemStatus
	flags     Flag
	mem       *MemObject

	refs atomic.Int32

	// nudges counts kick-worthy changes. A parked consumer compares it
	// against the value it saw when deciding "nothing to deliver", so a
	// kick that raced the park decision is never lost.
	nudges uint64

	// xitIndex is the transients slot for this key, -1 when the entry is
	// not visible across workers. xitWriter records our role there.
	xitIndex  int32
	xitWriter bool

	// hasSwap is set once the entry is attached to the disk store, either
	// by our own writer or while anchoring a collapsed entry.
	hasSwap    bool
	diskWriter DiskWriter

	anchorAttempts int
}

// Key returns the entry's immutable cache key.
func (e *StoreEntry) Key() Key { return e.key }

// Status returns the entry's lifecycle status.
func (e *StoreEntry) Status() EntryStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// MemStatus reports local byte residency.
func (e *StoreEntry) MemStatus() MemStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.memStatus
}

// HasFlag tests one flag bit.
func (e *StoreEntry) HasFlag(f Flag) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags&f != 0
}

// SetFlag raises one flag bit.
func (e *StoreEntry) SetFlag(f Flag) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flags |= f
}

// HasTransients reports whether the entry occupies a transients slot.
func (e *StoreEntry) HasTransients() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.xitIndex >= 0
}

// XitIndex returns the transients slot index, -1 when none.
func (e *StoreEntry) XitIndex() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.xitIndex
}

// ObjectLen returns the known total object length, or -1 while unknown.
func (e *StoreEntry) ObjectLen() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.objectLenLocked()
}

// objectLenLocked is the known total length: the expected length from the
// response headers, the final length recorded on Complete, or the anchored
// disk metadata. -1 while nothing has revealed it yet.
func (e *StoreEntry) objectLenLocked() int64 {
	return e.mem.expectedLen
}

// EndOffset is the exclusive upper bound of locally buffered bytes.
func (e *StoreEntry) EndOffset() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mem.endOffset()
}

// SetExpectedLength records the total body length once the response headers
// reveal it, on the local entry and on its swap copy so remote readers learn
// it too. Harmless to call more than once with the same value.
func (e *StoreEntry) SetExpectedLength(n int64) {
	e.mu.Lock()
	e.mem.expectedLen = n
	dw := e.diskWriter
	e.mu.Unlock()
	if dw != nil {
		if err := dw.SetObjectLen(n); err != nil {
			e.ctrl.logger.Warn("swap-out length update failed",
				"key", e.key.String(), "err", err)
		}
	}
}

// Lock takes a shared-ownership handle. The entry is never destroyed while
// any handle is outstanding.
func (e *StoreEntry) Lock() *EntryHandle {
	e.refs.Add(1)
	return &EntryHandle{entry: e}
}

// LockCount returns the number of outstanding handles.
func (e *StoreEntry) LockCount() int32 {
	return e.refs.Load()
}

// EntryHandle is the explicit shared-ownership token replacing manual
// lock()/unlock() counter bookkeeping. Dropping the last handle retires the
// entry automatically, provided no collapsed readers remain attached.
type EntryHandle struct {
	entry *StoreEntry
	once  sync.Once
}

// Entry exposes the held entry.
func (h *EntryHandle) Entry() *StoreEntry { return h.entry }

// Close releases the handle. Closing twice is harmless.
func (h *EntryHandle) Close() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.entry.refs.Add(-1) == 0 {
			h.entry.ctrl.maybeRelease(h.entry)
		}
	})
}

// Append adds fetched bytes to the entry. Only the fetch job that owns the
// entry may call it. Bytes become visible to local consumers immediately and
// to other workers once they land in the disk store and a change broadcast
// goes out (possibly deferred by an open BroadcastMonitor).
func (e *StoreEntry) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	e.mu.Lock()
	if e.status != StatusPending {
		e.mu.Unlock()
		return fmt.Errorf("store: append to %s entry %s", e.status, e.key)
	}
	e.mem.append(p)
	e.memStatus = InMemory
	var swapErr error
	if e.diskWriter != nil {
		swapErr = e.diskWriter.Append(p)
	}
	broadcastNow := e.noteChangeLocked()
	e.mu.Unlock()

	if swapErr != nil {
		// Losing the swap copy degrades remote readers but local
		// delivery from memory still works; remote readers abort via
		// the bounded-anchoring rule.
		e.ctrl.logger.Warn("swap-out append failed",
			"key", e.key.String(), "err", swapErr)
	}
	e.KickReads()
	if broadcastNow {
		e.ctrl.broadcast(e)
	}
	return nil
}

// noteChangeLocked records a change for broadcasting and reports whether the
// caller should broadcast immediately (no deferral guard active).
func (e *StoreEntry) noteChangeLocked() bool {
	if e.mem.broadcastGuards > 0 {
		e.mem.sawChanges = true
		return false
	}
	return true
}

// Complete marks a successful fetch. The status flips Pending->OK exactly
// once, the swap copy is finalized, sibling workers get a last broadcast, and
// the completed object is offered to the memory cache.
func (e *StoreEntry) Complete() error {
	e.mu.Lock()
	if e.status != StatusPending {
		e.mu.Unlock()
		return fmt.Errorf("store: complete %s entry %s", e.status, e.key)
	}
	e.status = StatusOK
	e.mem.expectedLen = e.mem.endOffset()
	dw := e.diskWriter
	xit := e.xitIndex
	writer := e.xitWriter
	broadcastNow := e.noteChangeLocked()
	e.mu.Unlock()

	if dw != nil {
		if err := dw.Complete(); err != nil {
			e.ctrl.logger.Warn("swap-out complete failed",
				"key", e.key.String(), "err", err)
		}
	}
	if xit >= 0 && writer {
		if err := e.ctrl.transients.CompleteWriting(xit, e.ctrl.kid); err != nil {
			e.ctrl.logger.Warn("transients complete failed",
				"key", e.key.String(), "err", err)
		}
		e.mu.Lock()
		e.xitWriter = false
		e.mu.Unlock()
	}
	e.ctrl.memCache.Offer(e)
	e.KickReads()
	if broadcastNow {
		e.ctrl.broadcast(e)
	}
	return nil
}

// Abort marks a failed fetch. Local consumers are failed, the abort is
// published through transients so remote readers observe it on their next
// sync, and a final broadcast hurries that observation along.
func (e *StoreEntry) Abort() {
	e.mu.Lock()
	if e.status != StatusPending {
		e.mu.Unlock()
		return
	}
	e.status = StatusAborted
	dw := e.diskWriter
	xit := e.xitIndex
	writer := e.xitWriter
	broadcastNow := e.noteChangeLocked()
	e.mu.Unlock()

	if dw != nil {
		if err := dw.Abort(); err != nil {
			e.ctrl.logger.Warn("swap-out abort failed",
				"key", e.key.String(), "err", err)
		}
	}
	if xit >= 0 && writer {
		if err := e.ctrl.transients.AbortWriting(xit, e.ctrl.kid); err != nil {
			e.ctrl.logger.Warn("transients abort failed",
				"key", e.key.String(), "err", err)
		}
	}
	e.KickReads()
	if broadcastNow {
		e.ctrl.broadcast(e)
	}
}

// KickReads re-schedules every attached consumer with a parked Copy so it can
// re-check byte availability.
func (e *StoreEntry) KickReads() {
	e.mu.Lock()
	e.nudges++
	waiting := make([]*Client, 0, len(e.mem.clients))
	for _, c := range e.mem.clients {
		waiting = append(waiting, c)
	}
	e.mu.Unlock()
	for _, c := range waiting {
		c.kick()
	}
}

// pendingClients counts attached consumers with an unanswered Copy.
func (e *StoreEntry) pendingClients() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.mem.clients {
		if c.hasOutstanding() {
			n++
		}
	}
	return n
}
