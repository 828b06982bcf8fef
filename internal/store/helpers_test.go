package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/measurement-factory/squid-sub000/internal/config"
)

// fakeTransients is an in-memory, single-process stand-in for the shared
// index, faithful to the interface contract: atomic writer election,
// collision as a value, reader counts, tombstones.
type fakeTransients struct {
	mu    sync.Mutex
	slots map[int32]*fakeSlot
	byKey map[Key]int32
	next  int32
	full  bool
}

type fakeSlot struct {
	key       Key
	writer    int
	readers   int
	completed bool
	aborted   bool
	waiting   bool
}

func newFakeTransients() *fakeTransients {
	return &fakeTransients{
		slots: make(map[int32]*fakeSlot),
		byKey: make(map[Key]int32),
	}
}

func (f *fakeTransients) StartWriting(key Key, kid int) (int32, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx, ok := f.byKey[key]; ok {
		f.slots[idx].readers++
		return idx, true, nil
	}
	if f.full {
		return 0, false, ErrTableFull
	}
	idx := f.next
	f.next++
	f.slots[idx] = &fakeSlot{key: key, writer: kid}
	f.byKey[key] = idx
	return idx, false, nil
}

func (f *fakeTransients) OpenReader(key Key, kid int) (int32, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.byKey[key]
	if !ok {
		return 0, false, nil
	}
	f.slots[idx].readers++
	return idx, true, nil
}

func (f *fakeTransients) CompleteWriting(index int32, kid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// The writer stays recorded until it disconnects, as in the real
	// backends, so Disconnect can tell the roles apart.
	if s, ok := f.slots[index]; ok && s.writer == kid {
		s.completed = true
	}
	return nil
}

func (f *fakeTransients) AbortWriting(index int32, kid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.slots[index]; ok && s.writer == kid {
		s.aborted = true
	}
	return nil
}

func (f *fakeTransients) Status(index int32) (TransientsStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slots[index]
	if !ok {
		return TransientsStatus{}, nil
	}
	return TransientsStatus{
		WriterKid:        int32(s.writer),
		Readers:          int32(s.readers),
		Completed:        s.completed,
		AbortedByWriter:  s.aborted,
		WaitingToBeFreed: s.waiting,
	}, nil
}

func (f *fakeTransients) Readers(index int32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.slots[index]; ok {
		return s.readers, nil
	}
	return 0, nil
}

func (f *fakeTransients) MarkForDeletion(key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx, ok := f.byKey[key]; ok {
		f.slots[idx].waiting = true
	}
	return nil
}

func (f *fakeTransients) MarkedForDeletion(key Key) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx, ok := f.byKey[key]; ok {
		return f.slots[idx].waiting, nil
	}
	return false, nil
}

func (f *fakeTransients) Disconnect(index int32, kid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slots[index]
	if !ok {
		return nil
	}
	if s.writer == kid {
		if !s.completed {
			s.aborted = true
		}
		s.writer = 0
	} else if s.readers > 0 {
		s.readers--
	}
	if s.writer == 0 && s.readers == 0 {
		delete(f.slots, index)
		delete(f.byKey, s.key)
	}
	return nil
}

func (f *fakeTransients) Close() error { return nil }

// setAborted simulates a remote writer's abort becoming visible.
func (f *fakeTransients) setAborted(index int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.slots[index]; ok {
		s.aborted = true
		s.writer = 0
	}
}

// fakeDisk is an in-memory DiskStore with the same incremental visibility
// the swap store has: writer progress is observable through Stat and
// readers' Meta refreshes.
type fakeDisk struct {
	mu      sync.Mutex
	entries map[Key]*fakeDiskEntry
}

type fakeDiskEntry struct {
	data      []byte
	objectLen int64
	complete  bool
	aborted   bool
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{entries: make(map[Key]*fakeDiskEntry)}
}

func (d *fakeDisk) Create(key Key, expectedLen int64) (DiskWriter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = &fakeDiskEntry{objectLen: expectedLen}
	return &fakeDiskWriter{disk: d, key: key}, nil
}

func (d *fakeDisk) OpenReader(key Key) (DiskReader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[key]; !ok {
		return nil, ErrNotFound
	}
	return &fakeDiskReader{disk: d, key: key}, nil
}

func (d *fakeDisk) Stat(key Key) (DiskMeta, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if !ok {
		return DiskMeta{}, false, nil
	}
	return DiskMeta{
		ObjectLen: e.objectLen,
		CurLen:    int64(len(e.data)),
		Complete:  e.complete,
		Aborted:   e.aborted,
	}, true, nil
}

func (d *fakeDisk) Unlink(key Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, key)
	return nil
}

// seed plants a completed disk entry, as if a past worker swapped it out.
func (d *fakeDisk) seed(key Key, body []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = &fakeDiskEntry{
		data:      append([]byte(nil), body...),
		objectLen: int64(len(body)),
		complete:  true,
	}
}

type fakeDiskWriter struct {
	disk *fakeDisk
	key  Key
}

func (w *fakeDiskWriter) Append(p []byte) error {
	w.disk.mu.Lock()
	defer w.disk.mu.Unlock()
	e := w.disk.entries[w.key]
	e.data = append(e.data, p...)
	return nil
}

func (w *fakeDiskWriter) SetObjectLen(n int64) error {
	w.disk.mu.Lock()
	defer w.disk.mu.Unlock()
	w.disk.entries[w.key].objectLen = n
	return nil
}

func (w *fakeDiskWriter) Complete() error {
	w.disk.mu.Lock()
	defer w.disk.mu.Unlock()
	e := w.disk.entries[w.key]
	e.complete = true
	if e.objectLen < 0 {
		e.objectLen = int64(len(e.data))
	}
	return nil
}

func (w *fakeDiskWriter) Abort() error {
	w.disk.mu.Lock()
	defer w.disk.mu.Unlock()
	w.disk.entries[w.key].aborted = true
	return nil
}

type fakeDiskReader struct {
	disk *fakeDisk
	key  Key
}

func (r *fakeDiskReader) ReadAt(p []byte, off int64) (int, error) {
	r.disk.mu.Lock()
	defer r.disk.mu.Unlock()
	e, ok := r.disk.entries[r.key]
	if !ok {
		return 0, ErrNotFound
	}
	if off >= int64(len(e.data)) {
		return 0, nil
	}
	return copy(p, e.data[off:]), nil
}

func (r *fakeDiskReader) Meta() (DiskMeta, error) {
	meta, ok, err := r.disk.Stat(r.key)
	if err != nil {
		return DiskMeta{}, err
	}
	if !ok {
		return DiskMeta{}, ErrNotFound
	}
	return meta, nil
}

func (r *fakeDiskReader) Close() error { return nil }

// recordingNotifier captures broadcast indexes for assertions.
type recordingNotifier struct {
	mu      sync.Mutex
	indexes []int32
}

func (n *recordingNotifier) Broadcast(xitIndex int32) {
	n.mu.Lock()
	n.indexes = append(n.indexes, xitIndex)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.indexes)
}

type testBackends struct {
	transients *fakeTransients
	disk       *fakeDisk
	notifier   *recordingNotifier
}

func testTunables() config.Tunables {
	return config.Tunables{
		QuickAbort:  config.QuickAbortConfig{MinKiB: 16, MaxKiB: 16384, Pct: 95},
		MemoryCache: config.MemoryCacheConfig{TTLSeconds: 300, MaxObjectKiB: 512},
	}
}

func newTestController(t *testing.T, kid int) (*Controller, *testBackends) {
	t.Helper()
	b := &testBackends{
		transients: newFakeTransients(),
		disk:       newFakeDisk(),
		notifier:   &recordingNotifier{},
	}
	ctrl, err := NewController(Options{
		Kid:        kid,
		Transients: b.transients,
		Notifier:   b.notifier,
		Disk:       b.disk,
		MemCache:   config.MemoryCacheConfig{TTLSeconds: 300, MaxObjectKiB: 512},
		Tunables:   testTunables(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl, b
}
