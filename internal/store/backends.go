package store

import "errors"

// ErrNotFound reports that a backend holds nothing for the requested key.
// Absence is routine during Find's cascade, so callers usually translate it
// into "keep searching" rather than propagate it.
var ErrNotFound = errors.New("store: entry not found")

// ErrTableFull reports that the transients index has no free slot for a new
// writer. The caller proceeds without collapsing; the fetch itself is fine.
var ErrTableFull = errors.New("store: transients table full")

// TransientsStatus is a reader's view of one shared in-transit slot.
type TransientsStatus struct {
	WriterKid        int32
	Readers          int32
	Completed        bool
	AbortedByWriter  bool
	WaitingToBeFreed bool
}

// Transients is the cross-worker authority on "who is writing key K right
// now". Implementations must make StartWriting atomic: for any key, at most
// one concurrent caller may be accepted.
type Transients interface {
	// StartWriting attempts to register kid as the writer for key. On
	// success collision is false and index identifies the slot. When
	// another writer already holds the key, the caller is registered as a
	// reader instead and collision is true; that is not an error.
	StartWriting(key Key, kid int) (index int32, collision bool, err error)

	// OpenReader registers kid as a reader of an existing slot for key.
	// found is false when no worker currently shares the key.
	OpenReader(key Key, kid int) (index int32, found bool, err error)

	// CompleteWriting records that the writer finished successfully and
	// releases the writer role. Readers observe Completed on next Status.
	CompleteWriting(index int32, kid int) error

	// AbortWriting records a writer failure so every reader can observe
	// AbortedByWriter and abort its local delivery independently.
	AbortWriting(index int32, kid int) error

	// Status reports the slot state readers poll after a notification.
	Status(index int32) (TransientsStatus, error)

	// Readers counts attached readers, across all workers. Quick-abort
	// consults this before cancelling a fetch with no local consumers.
	Readers(index int32) (int, error)

	// MarkForDeletion plants a tombstone so the key is never served as a
	// fresh hit while its removal propagates.
	MarkForDeletion(key Key) error

	// MarkedForDeletion checks for the tombstone.
	MarkedForDeletion(key Key) (bool, error)

	// Disconnect withdraws kid from the slot in whatever role it holds.
	Disconnect(index int32, kid int) error

	Close() error
}

// Notifier fans a "this entry changed, re-check it" hint out to sibling
// workers. Delivery is best effort: implementations drop on overflow and the
// periodic resync machinery compensates.
type Notifier interface {
	Broadcast(xitIndex int32)
}

// DiskMeta describes an entry's swap state as recorded by the disk store.
type DiskMeta struct {
	// ObjectLen is the expected total body length, or -1 while unknown.
	ObjectLen int64
	// CurLen is how many body bytes have been swapped out so far.
	CurLen   int64
	Complete bool
	Aborted  bool
}

// DiskWriter swaps one entry's body out incrementally.
type DiskWriter interface {
	Append(p []byte) error
	// SetObjectLen records the expected total length once it is known.
	SetObjectLen(n int64) error
	Complete() error
	Abort() error
}

// DiskReader serves byte ranges of a (possibly still growing) swapped entry.
// Opening a reader validates the entry's swap metadata header first; a
// key mismatch is a fetch failure surfaced at open time.
type DiskReader interface {
	// ReadAt returns body bytes at off, bounded by the bytes swapped out
	// so far. It refreshes the entry's metadata before reading so a
	// collapsed reader sees the writer's progress.
	ReadAt(p []byte, off int64) (int, error)
	Meta() (DiskMeta, error)
	Close() error
}

// DiskStore is the closed set of operations the controller needs from the
// on-disk cache.
type DiskStore interface {
	Create(key Key, expectedLen int64) (DiskWriter, error)
	OpenReader(key Key) (DiskReader, error)
	Stat(key Key) (DiskMeta, bool, error)
	Unlink(key Key) error
}
