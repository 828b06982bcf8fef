package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/measurement-factory/squid-sub000/internal/metrics"
)

// ErrAborted reports that the entry's fetch was aborted before the requested
// bytes arrived.
var ErrAborted = errors.New("store: entry aborted")

// ErrUnregistered reports that the consumer detached while its Copy was
// still parked.
var ErrUnregistered = errors.New("store: client unregistered")

// CopyResult is what a Copy callback receives: delivered bytes, a clean EOF,
// or an error — exactly one of the three, exactly once per Copy.
type CopyResult struct {
	N   int
	EOF bool
	Err error
}

// CopyCallback consumes one CopyResult. A zero-N, EOF-flagged result is the
// end-of-body signal; a set Err is a hard failure.
type CopyCallback func(CopyResult)

// Client is one consumer's read cursor over a StoreEntry. Bytes are served
// from local memory when resident, from the disk swap store otherwise, or the
// request parks until the writer makes progress. At most one Copy may be
// outstanding at a time.
type Client struct {
	entry *StoreEntry
	ctrl  *Controller

	// deliverMu serializes delivery attempts so concurrent kicks cannot
	// double-run the state machine.
	deliverMu sync.Mutex

	mu          sync.Mutex
	outstanding bool
	waiting     bool
	buf         []byte
	offset      int64
	cb          CopyCallback
	started     time.Time
	objectOK    bool
	reader      DiskReader
}

// NewClient attaches a consumer cursor to the entry. The consumer must hold
// an EntryHandle for as long as the client is registered.
func (e *StoreEntry) NewClient() *Client {
	c := &Client{entry: e, ctrl: e.ctrl, objectOK: true}
	e.mu.Lock()
	e.mem.clients = append(e.mem.clients, c)
	e.mu.Unlock()
	return c
}

// Copy requests bytes at offset. The callback is invoked exactly once,
// asynchronously, with delivered bytes, a clean EOF, or an error. Issuing a
// Copy while one is outstanding violates the per-consumer contract and
// panics.
func (c *Client) Copy(buf []byte, offset int64, cb CopyCallback) {
	if cb == nil {
		panic("store: Copy requires a callback")
	}
	if offset < 0 {
		panic(fmt.Sprintf("store: Copy offset %d negative", offset))
	}
	c.mu.Lock()
	if c.outstanding {
		c.mu.Unlock()
		panic("store: Copy while a copy is outstanding")
	}
	c.outstanding = true
	c.waiting = false
	c.buf = buf
	c.offset = offset
	c.cb = cb
	c.started = time.Now()
	c.mu.Unlock()

	// A consumer asking for more may be what a readahead-limited producer
	// is waiting on.
	c.entry.KickReads()
	go c.attempt()
}

// MoreToSend reports false (clean EOF) only when the fetch has concluded and
// the cursor sits at or beyond the known total length. Unknown length means
// more might still arrive — possibly only discoverable by opening the swap
// file.
func (c *Client) MoreToSend() bool {
	c.mu.Lock()
	offset := c.offset
	c.mu.Unlock()
	e := c.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	return moreToSend(e.status, offset, e.objectLenLocked())
}

func moreToSend(status EntryStatus, offset, objectLen int64) bool {
	if status == StatusPending {
		return true
	}
	if objectLen < 0 {
		return true
	}
	return offset < objectLen
}

// Fail marks the client broken and, if a Copy is outstanding, answers it
// with an error. Used for swap-open failures, disk read errors, and swap
// metadata mismatches.
func (c *Client) Fail(err error) {
	c.mu.Lock()
	c.objectOK = false
	c.mu.Unlock()
	c.finish(CopyResult{Err: err}, metrics.CopyError)
}

// Unregister detaches the consumer. A still-parked Copy is answered with
// ErrUnregistered so the exactly-one-callback guarantee holds. Whether the
// underlying fetch survives is decided by the quick-abort heuristic, never
// by this one departure alone.
func (c *Client) Unregister() {
	c.finish(CopyResult{Err: ErrUnregistered}, metrics.CopyError)

	e := c.entry
	e.mu.Lock()
	e.mem.removeClient(c)
	e.mu.Unlock()

	c.mu.Lock()
	if c.reader != nil {
		_ = c.reader.Close()
		c.reader = nil
	}
	c.mu.Unlock()

	c.ctrl.noteClientGone(e)
}

func (c *Client) hasOutstanding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

// kick re-schedules a parked delivery attempt.
func (c *Client) kick() {
	c.mu.Lock()
	parked := c.outstanding && c.waiting
	if parked {
		c.waiting = false
	}
	c.mu.Unlock()
	if parked {
		go c.attempt()
	}
}

// attempt runs the delivery state machine: deliver from memory, deliver from
// disk, answer EOF, fail, or park until the next kick. A pass that would park
// re-runs instead when a kick raced its decision.
func (c *Client) attempt() {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	for c.attemptOnce() {
	}
}

// attemptOnce makes one delivery pass and reports whether the entry changed
// under it while it was deciding to park, requiring another pass.
func (c *Client) attemptOnce() bool {
	c.mu.Lock()
	if !c.outstanding {
		c.mu.Unlock()
		return false
	}
	buf, offset, ok := c.buf, c.offset, c.objectOK
	c.mu.Unlock()

	if !ok {
		c.finish(CopyResult{Err: ErrAborted}, metrics.CopyError)
		return false
	}

	e := c.entry
	e.mu.Lock()
	seen := e.nudges
	status := e.status
	n := e.mem.readAt(buf, offset)
	hasSwap := e.hasSwap
	objectLen := e.objectLenLocked()
	e.mu.Unlock()

	if status == StatusAborted {
		c.finish(CopyResult{Err: ErrAborted}, metrics.CopyError)
		return false
	}
	if n > 0 {
		c.finish(CopyResult{N: n}, metrics.CopyFromMemory)
		return false
	}
	if hasSwap {
		if done := c.attemptDisk(buf, offset); done {
			return false
		}
		// attemptDisk may have refreshed the known length.
		e.mu.Lock()
		status = e.status
		objectLen = e.objectLenLocked()
		e.mu.Unlock()
	}
	if !moreToSend(status, offset, objectLen) {
		c.finish(CopyResult{EOF: true}, metrics.CopyEOF)
		return false
	}

	c.mu.Lock()
	if !c.outstanding {
		c.mu.Unlock()
		return false
	}
	c.waiting = true
	c.mu.Unlock()

	// "Nothing to deliver" was decided without locks held (the disk path
	// even does I/O in that window), so a kick may have landed before the
	// park above became visible. Re-check and reclaim the park if so.
	e.mu.Lock()
	raced := e.nudges != seen
	e.mu.Unlock()
	if !raced {
		return false
	}
	c.mu.Lock()
	reclaimed := c.outstanding && c.waiting
	if reclaimed {
		c.waiting = false
	}
	c.mu.Unlock()
	// If a kick already claimed the park it has its own attempt queued.
	return reclaimed
}

// attemptDisk tries to satisfy the copy from the swap store. It reports true
// when it answered the callback (delivery or failure) and false when the
// caller should keep evaluating EOF-or-park.
func (c *Client) attemptDisk(buf []byte, offset int64) bool {
	e := c.entry

	c.mu.Lock()
	reader := c.reader
	c.mu.Unlock()
	if reader == nil {
		// First use: opening the handle consumes and validates the
		// swap metadata header before any body byte moves.
		r, err := c.ctrl.disk.OpenReader(e.key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Writer has not attached the entry to disk
				// yet; park and retry on the next kick.
				return false
			}
			c.Fail(fmt.Errorf("store: swap-in open: %w", err))
			return true
		}
		c.mu.Lock()
		c.reader = r
		reader = r
		c.mu.Unlock()
	}

	meta, err := reader.Meta()
	if err != nil {
		c.Fail(fmt.Errorf("store: swap meta: %w", err))
		return true
	}
	if meta.Aborted {
		c.Fail(ErrAborted)
		return true
	}

	// Publish the writer's progress on the local entry so EOF and
	// quick-abort decisions use current numbers.
	e.mu.Lock()
	if meta.ObjectLen >= 0 {
		e.mem.expectedLen = meta.ObjectLen
	}
	if meta.Complete && e.status == StatusPending {
		e.status = StatusOK
	}
	e.mu.Unlock()

	if offset >= meta.CurLen {
		return false
	}
	n, err := reader.ReadAt(buf, offset)
	if err != nil {
		c.Fail(fmt.Errorf("store: swap-in read: %w", err))
		return true
	}
	if n == 0 {
		return false
	}
	c.finish(CopyResult{N: n}, metrics.CopyFromDisk)
	return true
}

// finish answers the outstanding Copy at most once.
func (c *Client) finish(result CopyResult, source metrics.CopySource) {
	c.mu.Lock()
	if !c.outstanding {
		c.mu.Unlock()
		return
	}
	c.outstanding = false
	c.waiting = false
	cb := c.cb
	c.cb = nil
	started := c.started
	c.mu.Unlock()

	c.ctrl.metrics.ObserveCopy(source, time.Since(started))
	cb(result)
}
