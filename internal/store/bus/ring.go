// Package bus carries collapsed-forwarding change notifications between
// workers. Each ordered worker pair owns a bounded single-producer
// single-consumer ring in shared memory; a unix datagram per broadcast wakes
// the receiver. Delivery is best effort: a full ring drops the notification
// and the reader recovers on its next sync.
package bus

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/measurement-factory/squid-sub000/internal/shm"
)

// ErrFull reports a ring at capacity. Callers drop the notification rather
// than block: blocking a writer on a slow reader would stall the fetch every
// other consumer is waiting on.
var ErrFull = errors.New("bus: ring full")

const (
	ringMagic = 0x63667131 // "cfq1"

	ringHeaderSize = 64 // one cache line keeps producer and consumer words apart

	offMagic = 0
	offCap   = 4
	offTail  = 8  // producer cursor, only the sender writes it
	offHead  = 12 // consumer cursor, only the receiver writes it
	offDrops = 16

	// attachTimeout bounds how long an attacher waits for a sibling that
	// created the segment to finish writing the header.
	attachTimeout = 2 * time.Second
)

// Message is one queued notification: the transients slot that changed and
// the kid that produced the change. It packs into a fixed 8-byte slot.
type Message struct {
	SenderKid int32
	XitIndex  int32
}

func (m Message) pack() uint64 {
	return uint64(uint32(m.SenderKid))<<32 | uint64(uint32(m.XitIndex))
}

func unpackMessage(v uint64) Message {
	return Message{SenderKid: int32(v >> 32), XitIndex: int32(uint32(v))}
}

// Ring is one direction of a worker pair's notification queue. Exactly one
// process pushes and exactly one pops; the cursors are free-running uint32
// counters masked into the slot array.
type Ring struct {
	seg  *shm.Segment
	mask uint32
	capa uint32
}

// RingSize returns the mapping size for the given capacity.
func RingSize(capacity int) int {
	return ringHeaderSize + capacity*8
}

// RingName names the segment carrying notifications from one kid to another.
func RingName(from, to int) string {
	return fmt.Sprintf("cf-q-%d-%d", from, to)
}

// OpenRing maps (creating if needed) the ring from kid from to kid to.
// Capacity must be a power of two so cursor masking works.
func OpenRing(dir string, from, to, capacity int) (*Ring, error) {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("bus: ring capacity %d not a power of two", capacity)
	}
	seg, err := shm.Open(dir, RingName(from, to), RingSize(capacity))
	if err != nil {
		return nil, err
	}
	r := &Ring{seg: seg, mask: uint32(capacity - 1), capa: uint32(capacity)}
	if seg.Created() {
		atomic.StoreUint32(seg.Uint32(offCap), uint32(capacity))
		// Magic last: attachers wait for it as the sign the header is
		// complete, so a sibling racing our creation does not read a
		// half-written ring.
		atomic.StoreUint32(seg.Uint32(offMagic), ringMagic)
	} else {
		if !seg.AwaitUint32(offMagic, ringMagic, attachTimeout) {
			_ = seg.Close()
			return nil, fmt.Errorf("bus: %s is not a notification ring", seg.Path())
		}
		if got := atomic.LoadUint32(seg.Uint32(offCap)); got != uint32(capacity) {
			_ = seg.Close()
			return nil, fmt.Errorf("bus: %s has capacity %d, want %d", seg.Path(), got, capacity)
		}
	}
	return r, nil
}

func (r *Ring) slot(i uint32) *uint64 {
	return r.seg.Uint64(ringHeaderSize + int(i&r.mask)*8)
}

// Push enqueues one notification record. Only the owning sender may call it.
func (r *Ring) Push(m Message) error {
	tail := atomic.LoadUint32(r.seg.Uint32(offTail))
	head := atomic.LoadUint32(r.seg.Uint32(offHead))
	if tail-head >= r.capa {
		atomic.AddUint32(r.seg.Uint32(offDrops), 1)
		return ErrFull
	}
	atomic.StoreUint64(r.slot(tail), m.pack())
	atomic.StoreUint32(r.seg.Uint32(offTail), tail+1)
	return nil
}

// Pop dequeues one record. Only the owning receiver may call it.
func (r *Ring) Pop() (Message, bool) {
	head := atomic.LoadUint32(r.seg.Uint32(offHead))
	tail := atomic.LoadUint32(r.seg.Uint32(offTail))
	if head == tail {
		return Message{}, false
	}
	value := atomic.LoadUint64(r.slot(head))
	atomic.StoreUint32(r.seg.Uint32(offHead), head+1)
	return unpackMessage(value), true
}

// Len reports queued notifications.
func (r *Ring) Len() int {
	tail := atomic.LoadUint32(r.seg.Uint32(offTail))
	head := atomic.LoadUint32(r.seg.Uint32(offHead))
	return int(tail - head)
}

// Drops reports how many notifications the sender has discarded to a full
// ring over the segment's lifetime.
func (r *Ring) Drops() uint64 {
	return uint64(atomic.LoadUint32(r.seg.Uint32(offDrops)))
}

// Close unmaps the ring, leaving its contents for a successor worker.
func (r *Ring) Close() error {
	return r.seg.Close()
}
