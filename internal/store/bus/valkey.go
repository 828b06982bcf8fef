package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/measurement-factory/squid-sub000/internal/metrics"
	"github.com/measurement-factory/squid-sub000/internal/store"
)

// notifyChannel carries change notifications for valkey-backed worker
// groups. Messages are "<kid>:<xitIndex>"; the sender kid lets receivers
// skip their own broadcasts.
const notifyChannel = "xit:notify"

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// ValkeyBus is the notification fabric for workers coordinating through a
// valkey server instead of shared memory. Pub/sub replaces the rings: the
// server fans out, so there is no per-pair queue to overflow, but delivery
// is still best effort (a disconnected subscriber simply resyncs late).
type ValkeyBus struct {
	client  valkey.Client
	kid     int
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// AttachValkey wraps an established client; the caller keeps ownership of
// the connection used by the transients table and shares it here.
func AttachValkey(client valkey.Client, kid int, logger *slog.Logger, rec *metrics.Recorder) *ValkeyBus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ValkeyBus{
		client:  client,
		kid:     kid,
		logger:  logger.With(slog.String("component", "bus")),
		metrics: rec,
	}
}

// Broadcast publishes the changed entry's index to every subscribed worker.
func (b *ValkeyBus) Broadcast(xitIndex int32) {
	b.metrics.ObserveBroadcast()
	ctx, cancel := opContext()
	defer cancel()
	payload := fmt.Sprintf("%d:%d", b.kid, xitIndex)
	cmd := b.client.B().Publish().Channel(notifyChannel).Message(payload).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		b.metrics.ObserveNotifyDrop()
		b.logger.Warn("notification publish failed",
			slog.Int("xitIndex", int(xitIndex)),
			slog.String("error", err.Error()))
	}
}

// Start subscribes and dispatches until ctx ends or Close is called.
func (b *ValkeyBus) Start(ctx context.Context, handler Handler) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.mu.Lock()
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	go func() {
		defer close(done)
		cmd := b.client.B().Subscribe().Channel(notifyChannel).Build()
		err := b.client.Receive(ctx, cmd, func(msg valkey.PubSubMessage) {
			b.dispatch(msg.Message, handler)
		})
		if err != nil && ctx.Err() == nil {
			b.logger.Error("notification subscription failed",
				slog.String("error", err.Error()))
		}
	}()
}

func (b *ValkeyBus) dispatch(payload string, handler Handler) {
	from, index, err := parseNotification(payload)
	if err != nil {
		b.logger.Warn("malformed notification",
			slog.String("payload", payload))
		return
	}
	if from == b.kid {
		return
	}
	b.metrics.ObserveNotification()
	handler(index)
}

func parseNotification(payload string) (kid int, xitIndex int32, err error) {
	fromPart, indexPart, ok := strings.Cut(payload, ":")
	if !ok {
		return 0, 0, fmt.Errorf("bus: notification %q has no separator", payload)
	}
	kid, err = strconv.Atoi(fromPart)
	if err != nil {
		return 0, 0, fmt.Errorf("bus: notification sender: %w", err)
	}
	index, err := strconv.ParseInt(indexPart, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bus: notification index: %w", err)
	}
	return kid, int32(index), nil
}

// Close stops the subscription. The shared client itself stays open for the
// transients table.
func (b *ValkeyBus) Close() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

var _ store.Notifier = (*ValkeyBus)(nil)
