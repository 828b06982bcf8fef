package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/measurement-factory/squid-sub000/internal/config"
)

func quickAbortEntry(ctrl *Controller, flags Flag, curlen, expectlen int64) *StoreEntry {
	e := ctrl.newEntry(PublicKey("GET", "http://example.com/qa"), flags)
	e.mem.data = make([]byte, curlen)
	e.mem.expectedLen = expectlen
	return e
}

func TestQuickAbortHeuristic(t *testing.T) {
	// Thresholds: min 16 KiB, max 16384 KiB, pct 95.
	tests := []struct {
		name      string
		flags     Flag
		status    EntryStatus
		curlen    int64
		expectlen int64
		want      bool
	}{
		{"completed entry never aborts", 0, StatusOK, 100, 200, false},
		{"special entry never aborts", FlagSpecial, StatusPending, 0, 1 << 20, false},
		{"private entry always aborts", FlagPrivate, StatusPending, 0, 1 << 20, true},
		{"fully received", 0, StatusPending, 4096, 4096, false},
		{"unknown length aborts", 0, StatusPending, 4096, -1, true},
		{"over-received aborts", 0, StatusPending, 5000, 4096, true},
		{"little remaining finishes", 0, StatusPending, 1 << 20, 1<<20 + 8<<10, false},
		{"too much remaining aborts", 0, StatusPending, 0, 17000 << 10, true},
		{"tiny object finishes", 0, StatusPending, 10, 99, false},
		{"mostly done finishes", 0, StatusPending, 1000 << 10, 1024 << 10, false},
		{"mostly missing aborts", 0, StatusPending, 20 << 10, 128 << 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl, _ := newTestController(t, 1)
			e := quickAbortEntry(ctrl, tt.flags, tt.curlen, tt.expectlen)
			e.status = tt.status
			assert.Equal(t, tt.want, ctrl.CheckQuickAbortIsReasonable(e))
		})
	}
}

func TestQuickAbortDisabledByNegativeMin(t *testing.T) {
	ctrl, _ := newTestController(t, 1)
	ctrl.SetTunables(config.Tunables{
		QuickAbort:  config.QuickAbortConfig{MinKiB: -1},
		MemoryCache: config.MemoryCacheConfig{TTLSeconds: 300, MaxObjectKiB: 512},
	})
	e := quickAbortEntry(ctrl, 0, 0, 17000<<10)
	assert.False(t, ctrl.CheckQuickAbortIsReasonable(e),
		"negative minimum disables the heuristic")
}

func TestQuickAbortVetoedByLocalClients(t *testing.T) {
	ctrl, _ := newTestController(t, 1)
	h := ctrl.Create(PublicKey("GET", "http://example.com/busy"), 0)
	defer h.Close()
	e := h.Entry()

	c := e.NewClient()
	results := copyInto(c, make([]byte, 8), 0)
	time.Sleep(20 * time.Millisecond) // let the copy park

	assert.False(t, ctrl.CheckQuickAbortIsReasonable(e),
		"a pending local copy keeps the fetch alive")

	c.Unregister()
	<-results
}

func TestQuickAbortVetoedByRemoteReaders(t *testing.T) {
	ctrl, b := newTestController(t, 1)
	key := PublicKey("GET", "http://example.com/shared")
	h := ctrl.Create(key, 0)
	defer h.Close()
	e := h.Entry()
	_, err := ctrl.AllowCollapsing(e)
	require.NoError(t, err)

	// Two collapsed readers in sibling workers.
	_, _, err = b.transients.OpenReader(key, 2)
	require.NoError(t, err)
	_, _, err = b.transients.OpenReader(key, 3)
	require.NoError(t, err)

	assert.False(t, ctrl.CheckQuickAbortIsReasonable(e),
		"remote readers keep the fetch alive")
}

func TestNoteClientGoneAborts(t *testing.T) {
	ctrl, _ := newTestController(t, 1)
	key := PublicKey("GET", "http://example.com/unwanted")
	h := ctrl.Create(key, 0)
	defer h.Close()
	e := h.Entry()
	// Length still unknown: the heuristic says abort once nobody reads.

	c := e.NewClient()
	c.Unregister()
	assert.Equal(t, StatusAborted, e.Status())
}
