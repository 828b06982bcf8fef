package store

// MemObject holds the accumulated response bytes of one StoreEntry while the
// entry exists, plus the local consumers attached to it. It is owned
// exclusively by its entry and guarded by the entry's mutex.
type MemObject struct {
	data []byte

	// expectedLen is the total object length once known, -1 until then.
	expectedLen int64

	clients []*Client

	// broadcastGuards counts nested BroadcastMonitor scopes; while any are
	// active a change is recorded here instead of broadcast immediately.
	broadcastGuards int
	sawChanges      bool
}

func newMemObject() *MemObject {
	return &MemObject{expectedLen: -1}
}

// endOffset is the exclusive upper bound of locally buffered bytes.
func (m *MemObject) endOffset() int64 {
	return int64(len(m.data))
}

func (m *MemObject) append(p []byte) {
	m.data = append(m.data, p...)
}

// inWindow reports whether offset falls inside the resident byte range.
func (m *MemObject) inWindow(offset int64) bool {
	return offset >= 0 && offset < m.endOffset()
}

// readAt copies resident bytes starting at off into p and returns the count.
func (m *MemObject) readAt(p []byte, off int64) int {
	if !m.inWindow(off) {
		return 0
	}
	return copy(p, m.data[off:])
}

func (m *MemObject) removeClient(c *Client) {
	for i, other := range m.clients {
		if other == c {
			m.clients = append(m.clients[:i], m.clients[i+1:]...)
			return
		}
	}
}

// BroadcastMonitor defers cross-worker change notifications while a
// scope-guarded operation is in progress. Several appends inside one guarded
// code path collapse into a single broadcast when the last guard closes.
type BroadcastMonitor struct {
	entry *StoreEntry
	done  bool
}

// DeferBroadcasts opens a broadcast deferral scope. Guards nest; only the
// outermost Close may fire the pending broadcast.
func (e *StoreEntry) DeferBroadcasts() *BroadcastMonitor {
	e.mu.Lock()
	e.mem.broadcastGuards++
	e.mu.Unlock()
	return &BroadcastMonitor{entry: e}
}

// Close exits the deferral scope, broadcasting once if changes accumulated
// and this was the outermost guard. Closing twice is harmless.
func (b *BroadcastMonitor) Close() {
	if b == nil || b.done {
		return
	}
	b.done = true
	e := b.entry
	e.mu.Lock()
	e.mem.broadcastGuards--
	fire := e.mem.broadcastGuards == 0 && e.mem.sawChanges
	if fire {
		e.mem.sawChanges = false
	}
	e.mu.Unlock()
	if fire {
		e.ctrl.broadcast(e)
	}
}
