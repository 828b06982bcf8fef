// Package transients implements the shared in-transit index: the only
// cross-worker authority on who is writing a given cache key. Two backends
// exist, mirroring each other's semantics: a shared-memory slot table for
// same-host worker groups and a valkey-backed index for workers that cannot
// share memory.
package transients

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/measurement-factory/squid-sub000/internal/shm"
	"github.com/measurement-factory/squid-sub000/internal/store"
)

// Slot table layout. Each slot is one cache line so independent keys never
// contend on the same line.
const (
	tableMagic = 0x78697431 // "xit1"

	headerSize = 16
	slotSize   = 64

	offState   = 0
	offWriter  = 4
	offReaders = 8
	offFlags   = 12
	offKey     = 16

	slotFree     = 0
	slotClaiming = 1
	slotValid    = 2

	flagAborted   = 1 << 0
	flagWaiting   = 1 << 1
	flagCompleted = 1 << 2

	// maxProbe bounds open addressing; past this the table is full for
	// the probed neighborhood and the caller proceeds uncollapsed.
	maxProbe = 16

	// claimSpins bounds how long we watch a mid-claim slot before trying
	// the next one.
	claimSpins = 256
)

// SegmentName is the shared mapping the slot table lives in.
const SegmentName = "transients"

// attachTimeout bounds how long an attacher waits for a sibling that created
// the segment to finish writing the header.
const attachTimeout = 2 * time.Second

// ShmTable is the shared-memory transients index. Writer election is a
// compare-and-swap on the slot's state word; no cross-process locks exist.
type ShmTable struct {
	seg   *shm.Segment
	slots int
}

// TableSize returns the mapping size needed for the given slot count.
func TableSize(slots int) int {
	return headerSize + slots*slotSize
}

// OpenShm maps (creating if needed) the slot table under dir. All workers of
// one group must use identical slot counts.
func OpenShm(dir string, slots int) (*ShmTable, error) {
	if slots < 1 {
		return nil, fmt.Errorf("transients: slot count invalid: %d", slots)
	}
	seg, err := shm.Open(dir, SegmentName, TableSize(slots))
	if err != nil {
		return nil, err
	}
	t := &ShmTable{seg: seg, slots: slots}
	if seg.Created() {
		atomic.StoreUint32(seg.Uint32(4), uint32(slots))
		// Magic last: attachers wait for it as the sign the header is
		// complete, so a sibling racing our creation does not read a
		// half-written table.
		atomic.StoreUint32(seg.Uint32(0), tableMagic)
	} else {
		if !seg.AwaitUint32(0, tableMagic, attachTimeout) {
			_ = seg.Close()
			return nil, fmt.Errorf("transients: %s is not a slot table", seg.Path())
		}
		if got := atomic.LoadUint32(seg.Uint32(4)); got != uint32(slots) {
			_ = seg.Close()
			return nil, fmt.Errorf("transients: %s has %d slots, want %d", seg.Path(), got, slots)
		}
	}
	return t, nil
}

func (t *ShmTable) slotOff(index int32) int {
	return headerSize + int(index)*slotSize
}

func (t *ShmTable) state(index int32) *uint32 {
	return t.seg.Uint32(t.slotOff(index) + offState)
}

func (t *ShmTable) writer(index int32) *int32 {
	return t.seg.Int32(t.slotOff(index) + offWriter)
}

func (t *ShmTable) readers(index int32) *int32 {
	return t.seg.Int32(t.slotOff(index) + offReaders)
}

func (t *ShmTable) flags(index int32) *uint32 {
	return t.seg.Uint32(t.slotOff(index) + offFlags)
}

func (t *ShmTable) keyBytes(index int32) []byte {
	off := t.slotOff(index) + offKey
	return t.seg.Bytes()[off : off+store.KeySize]
}

func (t *ShmTable) keyMatches(index int32, key store.Key) bool {
	return bytes.Equal(t.keyBytes(index), key[:])
}

// StartWriting atomically elects a writer for key. At most one concurrent
// caller is accepted; the rest join as readers and get collision=true.
func (t *ShmTable) StartWriting(key store.Key, kid int) (int32, bool, error) {
	base := key.Hash32() % uint32(t.slots)
	for probe := 0; probe < maxProbe && probe < t.slots; probe++ {
		index := int32((base + uint32(probe)) % uint32(t.slots))
		joined, claimed := t.visitSlot(index, key, kid, true)
		if claimed {
			return index, false, nil
		}
		if joined {
			return index, true, nil
		}
	}
	return 0, false, store.ErrTableFull
}

// OpenReader joins an existing slot for key as a reader.
func (t *ShmTable) OpenReader(key store.Key, kid int) (int32, bool, error) {
	base := key.Hash32() % uint32(t.slots)
	for probe := 0; probe < maxProbe && probe < t.slots; probe++ {
		index := int32((base + uint32(probe)) % uint32(t.slots))
		joined, _ := t.visitSlot(index, key, kid, false)
		if joined {
			return index, true, nil
		}
	}
	return 0, false, nil
}

// visitSlot inspects one slot for key. With claim set it may take a free
// slot for kid (claimed=true); a valid slot holding key is joined as a
// reader (joined=true). Neither outcome means the probe continues.
func (t *ShmTable) visitSlot(index int32, key store.Key, kid int, claim bool) (joined, claimed bool) {
	statePtr := t.state(index)
	for spin := 0; spin < claimSpins; spin++ {
		switch atomic.LoadUint32(statePtr) {
		case slotFree:
			if !claim {
				return false, false
			}
			if !atomic.CompareAndSwapUint32(statePtr, slotFree, slotClaiming) {
				continue
			}
			copy(t.keyBytes(index), key[:])
			atomic.StoreInt32(t.writer(index), int32(kid))
			atomic.StoreInt32(t.readers(index), 0)
			atomic.StoreUint32(t.flags(index), 0)
			atomic.StoreUint32(statePtr, slotValid)
			return false, true
		case slotClaiming:
			// Another worker is mid-claim; watch briefly, the
			// window is a handful of stores.
			continue
		case slotValid:
			if !t.keyMatches(index, key) {
				return false, false
			}
			atomic.AddInt32(t.readers(index), 1)
			// Re-verify: the slot may have been freed and re-used
			// between the match and the increment.
			if atomic.LoadUint32(statePtr) != slotValid || !t.keyMatches(index, key) {
				atomic.AddInt32(t.readers(index), -1)
				continue
			}
			return true, false
		}
	}
	return false, false
}

// CompleteWriting records a successful fetch. The writer field keeps
// recording kid until it disconnects: the role outcome and the attachment are
// separate facts, and conflating them would make the ex-writer's later
// Disconnect look like a reader leaving.
func (t *ShmTable) CompleteWriting(index int32, kid int) error {
	if err := t.checkIndex(index); err != nil {
		return err
	}
	if atomic.LoadInt32(t.writer(index)) != int32(kid) {
		return fmt.Errorf("transients: kid %d does not write slot %d", kid, index)
	}
	atomic.OrUint32(t.flags(index), flagCompleted)
	return nil
}

// AbortWriting publishes a writer failure for every reader to observe. Like
// CompleteWriting it leaves the writer field in place until Disconnect.
func (t *ShmTable) AbortWriting(index int32, kid int) error {
	if err := t.checkIndex(index); err != nil {
		return err
	}
	if atomic.LoadInt32(t.writer(index)) != int32(kid) {
		return fmt.Errorf("transients: kid %d does not write slot %d", kid, index)
	}
	atomic.OrUint32(t.flags(index), flagAborted)
	return nil
}

// Status reports the slot state readers poll after a notification.
func (t *ShmTable) Status(index int32) (store.TransientsStatus, error) {
	if err := t.checkIndex(index); err != nil {
		return store.TransientsStatus{}, err
	}
	flags := atomic.LoadUint32(t.flags(index))
	return store.TransientsStatus{
		WriterKid:        atomic.LoadInt32(t.writer(index)),
		Readers:          atomic.LoadInt32(t.readers(index)),
		Completed:        flags&flagCompleted != 0,
		AbortedByWriter:  flags&flagAborted != 0,
		WaitingToBeFreed: flags&flagWaiting != 0,
	}, nil
}

// Readers counts attached readers across all workers.
func (t *ShmTable) Readers(index int32) (int, error) {
	if err := t.checkIndex(index); err != nil {
		return 0, err
	}
	n := atomic.LoadInt32(t.readers(index))
	if n < 0 {
		n = 0
	}
	return int(n), nil
}

// MarkForDeletion plants the tombstone on the key's slot, if one exists.
func (t *ShmTable) MarkForDeletion(key store.Key) error {
	if index, ok := t.findValid(key); ok {
		atomic.OrUint32(t.flags(index), flagWaiting)
	}
	return nil
}

// MarkedForDeletion checks for the tombstone.
func (t *ShmTable) MarkedForDeletion(key store.Key) (bool, error) {
	if index, ok := t.findValid(key); ok {
		return atomic.LoadUint32(t.flags(index))&flagWaiting != 0, nil
	}
	return false, nil
}

// Disconnect withdraws kid from the slot in whatever role it holds. The
// writer field identifies the role, so an ex-writer never decrements the
// reader count. A writer leaving without completing counts as an abort.
func (t *ShmTable) Disconnect(index int32, kid int) error {
	if err := t.checkIndex(index); err != nil {
		return err
	}
	if atomic.LoadUint32(t.state(index)) != slotValid {
		return nil
	}
	if atomic.CompareAndSwapInt32(t.writer(index), int32(kid), 0) {
		if atomic.LoadUint32(t.flags(index))&flagCompleted == 0 {
			atomic.OrUint32(t.flags(index), flagAborted)
		}
	} else if atomic.LoadInt32(t.readers(index)) > 0 {
		atomic.AddInt32(t.readers(index), -1)
	}
	t.tryFree(index)
	return nil
}

// Close unmaps the table, leaving the shared state for sibling workers.
func (t *ShmTable) Close() error {
	return t.seg.Close()
}

// Len counts occupied slots, for introspection.
func (t *ShmTable) Len() int {
	n := 0
	for i := 0; i < t.slots; i++ {
		if atomic.LoadUint32(t.state(int32(i))) == slotValid {
			n++
		}
	}
	return n
}

func (t *ShmTable) findValid(key store.Key) (int32, bool) {
	base := key.Hash32() % uint32(t.slots)
	for probe := 0; probe < maxProbe && probe < t.slots; probe++ {
		index := int32((base + uint32(probe)) % uint32(t.slots))
		if atomic.LoadUint32(t.state(index)) == slotValid && t.keyMatches(index, key) {
			return index, true
		}
	}
	return 0, false
}

// tryFree reclaims a slot nobody writes or reads anymore. The claim-verify-
// clear sequence keeps a racing reader's join from landing on a half-freed
// slot: joiners re-verify state and key after incrementing.
func (t *ShmTable) tryFree(index int32) {
	if atomic.LoadInt32(t.readers(index)) > 0 || atomic.LoadInt32(t.writer(index)) != 0 {
		return
	}
	statePtr := t.state(index)
	if !atomic.CompareAndSwapUint32(statePtr, slotValid, slotClaiming) {
		return
	}
	if atomic.LoadInt32(t.readers(index)) > 0 || atomic.LoadInt32(t.writer(index)) != 0 {
		atomic.StoreUint32(statePtr, slotValid)
		return
	}
	clear(t.keyBytes(index))
	atomic.StoreUint32(t.flags(index), 0)
	atomic.StoreUint32(statePtr, slotFree)
}

func (t *ShmTable) checkIndex(index int32) error {
	if index < 0 || int(index) >= t.slots {
		return fmt.Errorf("transients: slot index %d out of range 0..%d", index, t.slots-1)
	}
	return nil
}

var _ store.Transients = (*ShmTable)(nil)
