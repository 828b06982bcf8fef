package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/measurement-factory/squid-sub000/internal/metrics"
	"github.com/measurement-factory/squid-sub000/internal/store"
)

// Handler consumes one drained notification: the transients index of an
// entry whose shared state changed.
type Handler func(xitIndex int32)

// Options configures a worker's attachment to the notification bus.
type Options struct {
	Dir     string
	Kid     int
	Workers int
	// Capacity is the per-ring notification capacity, a power of two.
	Capacity int
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// Bus is one worker's endpoint on the notification fabric. It owns the
// outgoing ring to every sibling, the incoming ring from every sibling, and
// the wakeup socket siblings ping after pushing.
type Bus struct {
	dir     string
	kid     int
	logger  *slog.Logger
	metrics *metrics.Recorder

	outgoing map[int]*Ring // peer kid -> ring this worker pushes
	incoming map[int]*Ring // peer kid -> ring this worker drains
	listener *wakeListener

	mu      sync.Mutex
	closed  bool
	stopped chan struct{}
}

// Attach maps every ring this worker participates in and binds its wakeup
// socket. Kids are numbered 1..Workers.
func Attach(opts Options) (*Bus, error) {
	if opts.Kid < 1 || opts.Kid > opts.Workers {
		return nil, fmt.Errorf("bus: kid %d outside 1..%d", opts.Kid, opts.Workers)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Bus{
		dir:      opts.Dir,
		kid:      opts.Kid,
		logger:   logger.With(slog.String("component", "bus")),
		metrics:  opts.Metrics,
		outgoing: make(map[int]*Ring),
		incoming: make(map[int]*Ring),
		stopped:  make(chan struct{}),
	}
	for peer := 1; peer <= opts.Workers; peer++ {
		if peer == opts.Kid {
			continue
		}
		out, err := OpenRing(opts.Dir, opts.Kid, peer, opts.Capacity)
		if err != nil {
			b.closeRings()
			return nil, err
		}
		b.outgoing[peer] = out
		in, err := OpenRing(opts.Dir, peer, opts.Kid, opts.Capacity)
		if err != nil {
			b.closeRings()
			return nil, err
		}
		b.incoming[peer] = in
	}
	listener, err := listenWake(opts.Dir, opts.Kid)
	if err != nil {
		b.closeRings()
		return nil, err
	}
	b.listener = listener
	return b, nil
}

// Broadcast pushes the changed entry's index to every sibling and wakes
// them. A full ring loses this notification for that sibling only; the loss
// is logged and counted, never fatal.
func (b *Bus) Broadcast(xitIndex int32) {
	b.metrics.ObserveBroadcast()
	m := Message{SenderKid: int32(b.kid), XitIndex: xitIndex}
	for peer, ring := range b.outgoing {
		if err := ring.Push(m); err != nil {
			b.metrics.ObserveNotifyDrop()
			b.logger.Warn("notification dropped",
				slog.Int("peer", peer),
				slog.Int("xitIndex", int(xitIndex)))
			continue
		}
		if err := wake(b.dir, b.kid, peer); err != nil {
			// The peer drains every ring on its next wakeup, so a
			// lost ping only delays delivery.
			b.logger.Debug("wakeup failed",
				slog.Int("peer", peer),
				slog.String("error", err.Error()))
		}
	}
}

// HandleNotification drains every incoming ring and dispatches each queued
// index. Draining all rings, not just the waker's, covers lost pings.
func (b *Bus) HandleNotification(handler Handler) {
	for _, ring := range b.incoming {
		for {
			m, ok := ring.Pop()
			if !ok {
				break
			}
			if m.SenderKid == int32(b.kid) {
				// Own records cannot appear on incoming rings;
				// treat one as a stale or corrupt slot.
				continue
			}
			b.metrics.ObserveNotification()
			handler(m.XitIndex)
		}
	}
}

// HandleNewDataAtStart drains notifications a predecessor worker left behind
// so a restarted kid resyncs before serving. It reports how many were
// dispatched.
func (b *Bus) HandleNewDataAtStart(handler Handler) int {
	handled := 0
	b.HandleNotification(func(index int32) {
		handled++
		handler(index)
	})
	if handled > 0 {
		b.logger.Info("drained notifications left by predecessor",
			slog.Int("count", handled))
	}
	return handled
}

// Start runs the wakeup loop until ctx ends or Close is called. Every wakeup
// triggers a full drain through handler.
func (b *Bus) Start(ctx context.Context, handler Handler) {
	go func() {
		<-ctx.Done()
		_ = b.Close()
	}()
	go b.run(handler)
}

func (b *Bus) run(handler Handler) {
	defer close(b.stopped)
	for {
		if _, err := b.listener.next(); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				b.logger.Error("wakeup listener failed",
					slog.String("error", err.Error()))
			}
			return
		}
		b.HandleNotification(handler)
	}
}

// Close detaches from the fabric. Ring contents stay mapped on disk for a
// successor worker.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var err error
	if b.listener != nil {
		err = b.listener.close()
	}
	b.closeRings()
	return err
}

func (b *Bus) closeRings() {
	for _, ring := range b.outgoing {
		_ = ring.Close()
	}
	for _, ring := range b.incoming {
		_ = ring.Close()
	}
}

// Drops sums notifications this worker's outgoing rings have discarded.
func (b *Bus) Drops() uint64 {
	var total uint64
	for _, ring := range b.outgoing {
		total += ring.Drops()
	}
	return total
}

var _ store.Notifier = (*Bus)(nil)
