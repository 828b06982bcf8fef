package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryLifecycleCompletes(t *testing.T) {
	ctrl, b := newTestController(t, 1)
	key := PublicKey("GET", "http://example.com/a")

	h := ctrl.Create(key, 0)
	e := h.Entry()
	assert.Equal(t, StatusPending, e.Status())
	assert.Equal(t, int64(-1), e.ObjectLen())

	collision, err := ctrl.AllowCollapsing(e)
	require.NoError(t, err)
	assert.False(t, collision)
	assert.True(t, e.HasFlag(FlagCollapsible))
	assert.True(t, e.HasTransients())

	require.NoError(t, e.Append([]byte("hello ")))
	require.NoError(t, e.Append([]byte("world")))
	assert.Equal(t, InMemory, e.MemStatus())
	assert.Equal(t, int64(11), e.EndOffset())

	require.NoError(t, e.Complete())
	assert.Equal(t, StatusOK, e.Status())
	assert.Equal(t, int64(11), e.ObjectLen())

	// Completion propagated to the shared index and the swap copy.
	st, err := b.transients.Status(e.XitIndex())
	require.NoError(t, err)
	assert.True(t, st.Completed)
	meta, found, err := b.disk.Stat(key)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, meta.Complete)
	assert.Equal(t, int64(11), meta.CurLen)

	// The lifecycle transition is irreversible.
	assert.Error(t, e.Append([]byte("more")))
	assert.Error(t, e.Complete())
	e.Abort()
	assert.Equal(t, StatusOK, e.Status())
}

func TestEntryAbortPublishes(t *testing.T) {
	ctrl, b := newTestController(t, 1)
	key := PublicKey("GET", "http://example.com/failed")

	h := ctrl.Create(key, 0)
	e := h.Entry()
	_, err := ctrl.AllowCollapsing(e)
	require.NoError(t, err)
	require.NoError(t, e.Append([]byte("partial")))

	e.Abort()
	assert.Equal(t, StatusAborted, e.Status())

	st, err := b.transients.Status(e.XitIndex())
	require.NoError(t, err)
	assert.True(t, st.AbortedByWriter)
	meta, _, err := b.disk.Stat(key)
	require.NoError(t, err)
	assert.True(t, meta.Aborted)

	assert.Error(t, e.Complete(), "an aborted entry never completes")
}

func TestEntryHandleKeepsEntryAlive(t *testing.T) {
	ctrl, _ := newTestController(t, 1)
	key := PublicKey("GET", "http://example.com/held")

	h := ctrl.Create(key, 0)
	e := h.Entry()
	require.NoError(t, e.Append([]byte("x")))
	require.NoError(t, e.Complete())
	assert.Equal(t, int32(1), e.LockCount())

	h2 := e.Lock()
	assert.Equal(t, int32(2), e.LockCount())

	h.Close()
	h.Close() // double close is harmless
	assert.Equal(t, int32(1), e.LockCount())
	fh, found := ctrl.Find(key)
	assert.True(t, found, "entry survives while a handle is held")
	fh.Close()

	h2.Close()
	ctrl.mu.Lock()
	_, stillThere := ctrl.inTransit[key]
	ctrl.mu.Unlock()
	assert.False(t, stillThere, "last handle retires the entry")
}

func TestEntryLastHandleAbortsPendingWriter(t *testing.T) {
	ctrl, b := newTestController(t, 1)
	key := PublicKey("GET", "http://example.com/abandoned")

	h := ctrl.Create(key, 0)
	e := h.Entry()
	_, err := ctrl.AllowCollapsing(e)
	require.NoError(t, err)
	xit := e.XitIndex()

	// A remote reader keeps the slot alive past our disconnect so the
	// abort stays observable.
	_, found, err := b.transients.OpenReader(key, 2)
	require.NoError(t, err)
	require.True(t, found)

	h.Close()
	assert.Equal(t, StatusAborted, e.Status())
	st, err := b.transients.Status(xit)
	require.NoError(t, err)
	assert.True(t, st.AbortedByWriter)
}

func TestBroadcastRequiresRemoteReaders(t *testing.T) {
	ctrl, b := newTestController(t, 1)
	key := PublicKey("GET", "http://example.com/quiet")

	h := ctrl.Create(key, 0)
	defer h.Close()
	e := h.Entry()
	_, err := ctrl.AllowCollapsing(e)
	require.NoError(t, err)

	require.NoError(t, e.Append([]byte("nobody listens")))
	assert.Zero(t, b.notifier.count(), "no readers, no broadcast")

	// A sibling worker attaches; now changes must be announced.
	_, found, err := b.transients.OpenReader(key, 2)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, e.Append([]byte("now they do")))
	assert.Equal(t, 1, b.notifier.count())

	require.NoError(t, e.Complete())
	assert.Equal(t, 2, b.notifier.count())
}

func TestBroadcastMonitorCoalesces(t *testing.T) {
	ctrl, b := newTestController(t, 1)
	key := PublicKey("GET", "http://example.com/deferred")

	h := ctrl.Create(key, 0)
	defer h.Close()
	e := h.Entry()
	_, err := ctrl.AllowCollapsing(e)
	require.NoError(t, err)
	_, found, err := b.transients.OpenReader(key, 2)
	require.NoError(t, err)
	require.True(t, found)

	guard := e.DeferBroadcasts()
	require.NoError(t, e.Append([]byte("one")))
	require.NoError(t, e.Append([]byte("two")))
	require.NoError(t, e.Append([]byte("three")))
	assert.Zero(t, b.notifier.count(), "broadcasts deferred inside the guard")

	guard.Close()
	assert.Equal(t, 1, b.notifier.count(), "one broadcast for the whole scope")
	guard.Close()
	assert.Equal(t, 1, b.notifier.count())
}

func TestBroadcastMonitorNests(t *testing.T) {
	ctrl, b := newTestController(t, 1)
	key := PublicKey("GET", "http://example.com/nested")

	h := ctrl.Create(key, 0)
	defer h.Close()
	e := h.Entry()
	_, err := ctrl.AllowCollapsing(e)
	require.NoError(t, err)
	_, found, err := b.transients.OpenReader(key, 2)
	require.NoError(t, err)
	require.True(t, found)

	outer := e.DeferBroadcasts()
	inner := e.DeferBroadcasts()
	require.NoError(t, e.Append([]byte("deep")))
	inner.Close()
	assert.Zero(t, b.notifier.count(), "inner close must not fire early")
	outer.Close()
	assert.Equal(t, 1, b.notifier.count())
}

func TestBroadcastMonitorNoChangesNoBroadcast(t *testing.T) {
	ctrl, b := newTestController(t, 1)
	key := PublicKey("GET", "http://example.com/unchanged")

	h := ctrl.Create(key, 0)
	defer h.Close()
	e := h.Entry()
	_, err := ctrl.AllowCollapsing(e)
	require.NoError(t, err)

	guard := e.DeferBroadcasts()
	guard.Close()
	assert.Zero(t, b.notifier.count())
}

func TestSetExpectedLength(t *testing.T) {
	ctrl, _ := newTestController(t, 1)
	h := ctrl.Create(PublicKey("GET", "http://example.com/sized"), 0)
	defer h.Close()
	e := h.Entry()

	assert.Equal(t, int64(-1), e.ObjectLen())
	e.SetExpectedLength(4096)
	assert.Equal(t, int64(4096), e.ObjectLen())
}
