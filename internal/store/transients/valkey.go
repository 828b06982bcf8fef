package transients

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/measurement-factory/squid-sub000/internal/config"
	"github.com/measurement-factory/squid-sub000/internal/store"
)

const (
	writerKeyPrefix = "xit:w:"
	readerKeyPrefix = "xit:r:"
	flagsKeyPrefix  = "xit:f:"

	// entryTTL bounds how long an orphaned slot survives a crashed worker
	// group. Live writers refresh nothing: an in-transit entry outliving
	// this is a leak, not a fetch.
	entryTTL = time.Hour

	opTimeout = 5 * time.Second
)

// ValkeyTable is the transients index for worker groups that cannot share
// memory. Writer election is SET NX on the writer key; everything else is
// plain counters and flag hashes. Slot indexes are derived from the key so
// all workers agree on them without an allocation protocol.
type ValkeyTable struct {
	client valkey.Client

	mu   sync.Mutex
	keys map[int32]store.Key // index -> key, local to this worker
}

// OpenValkey connects and verifies the server before any election runs.
func OpenValkey(cfg config.ValkeyConfig) (*ValkeyTable, error) {
	if cfg.Address == "" {
		return nil, errors.New("transients: valkey address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}
	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("transients: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("transients: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("transients: valkey client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("transients: valkey ping: %w", err)
	}
	return &ValkeyTable{client: client, keys: make(map[int32]store.Key)}, nil
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// Client exposes the underlying connection so the notification bus can share
// it instead of dialing twice.
func (t *ValkeyTable) Client() valkey.Client {
	return t.client
}

// slotIndex folds the key into the index every worker derives identically.
func slotIndex(key store.Key) int32 {
	return int32(key.Hash32() & 0x7fffffff)
}

func (t *ValkeyTable) remember(index int32, key store.Key) {
	t.mu.Lock()
	t.keys[index] = key
	t.mu.Unlock()
}

func (t *ValkeyTable) lookup(index int32) (store.Key, error) {
	t.mu.Lock()
	key, ok := t.keys[index]
	t.mu.Unlock()
	if !ok {
		return store.Key{}, fmt.Errorf("transients: slot %d unknown to this worker", index)
	}
	return key, nil
}

func (t *ValkeyTable) forget(index int32) {
	t.mu.Lock()
	delete(t.keys, index)
	t.mu.Unlock()
}

// StartWriting elects the writer via SET NX. Losers attach as readers and
// report the collision.
func (t *ValkeyTable) StartWriting(key store.Key, kid int) (int32, bool, error) {
	ctx, cancel := opContext()
	defer cancel()

	index := slotIndex(key)
	hex := key.String()
	cmd := t.client.B().Set().Key(writerKeyPrefix + hex).Value(strconv.Itoa(kid)).
		Nx().Ex(entryTTL).Build()
	err := t.client.Do(ctx, cmd).Error()
	switch {
	case err == nil:
		t.remember(index, key)
		return index, false, nil
	case errors.Is(err, valkey.Nil):
		// Somebody else won; join as reader.
		if err := t.addReader(ctx, hex, 1); err != nil {
			return 0, false, err
		}
		t.remember(index, key)
		return index, true, nil
	default:
		return 0, false, fmt.Errorf("transients: valkey elect writer: %w", err)
	}
}

// OpenReader attaches to an active fetch, if any.
func (t *ValkeyTable) OpenReader(key store.Key, kid int) (int32, bool, error) {
	ctx, cancel := opContext()
	defer cancel()

	hex := key.String()
	resp := t.client.Do(ctx, t.client.B().Exists().Key(writerKeyPrefix+hex).Build())
	n, err := resp.ToInt64()
	if err != nil {
		return 0, false, fmt.Errorf("transients: valkey probe writer: %w", err)
	}
	if n == 0 {
		return 0, false, nil
	}
	if err := t.addReader(ctx, hex, 1); err != nil {
		return 0, false, err
	}
	index := slotIndex(key)
	t.remember(index, key)
	return index, true, nil
}

func (t *ValkeyTable) addReader(ctx context.Context, hex string, delta int64) error {
	cmd := t.client.B().Incrby().Key(readerKeyPrefix + hex).Increment(delta).Build()
	if err := t.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("transients: valkey adjust readers: %w", err)
	}
	expire := t.client.B().Expire().Key(readerKeyPrefix + hex).Seconds(int64(entryTTL / time.Second)).Build()
	if err := t.client.Do(ctx, expire).Error(); err != nil {
		return fmt.Errorf("transients: valkey expire readers: %w", err)
	}
	return nil
}

func (t *ValkeyTable) setFlag(hex, field string) error {
	ctx, cancel := opContext()
	defer cancel()
	cmd := t.client.B().Hset().Key(flagsKeyPrefix+hex).FieldValue().
		FieldValue(field, "1").Build()
	if err := t.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("transients: valkey set %s: %w", field, err)
	}
	expire := t.client.B().Expire().Key(flagsKeyPrefix + hex).Seconds(int64(entryTTL / time.Second)).Build()
	if err := t.client.Do(ctx, expire).Error(); err != nil {
		return fmt.Errorf("transients: valkey expire flags: %w", err)
	}
	return nil
}

func (t *ValkeyTable) dropWriter(hex string) error {
	ctx, cancel := opContext()
	defer cancel()
	cmd := t.client.B().Del().Key(writerKeyPrefix + hex).Build()
	if err := t.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("transients: valkey drop writer: %w", err)
	}
	return nil
}

// CompleteWriting records success. The writer key survives until the writer
// disconnects: dropping it here would make the ex-writer's Disconnect look
// like a reader leaving and steal a reader's count.
func (t *ValkeyTable) CompleteWriting(index int32, kid int) error {
	key, err := t.lookup(index)
	if err != nil {
		return err
	}
	return t.setFlag(key.String(), "completed")
}

// AbortWriting publishes a writer failure. Like CompleteWriting it keeps the
// writer key until Disconnect.
func (t *ValkeyTable) AbortWriting(index int32, kid int) error {
	key, err := t.lookup(index)
	if err != nil {
		return err
	}
	return t.setFlag(key.String(), "aborted")
}

// Status assembles the slot view readers poll after a notification.
func (t *ValkeyTable) Status(index int32) (store.TransientsStatus, error) {
	key, err := t.lookup(index)
	if err != nil {
		return store.TransientsStatus{}, err
	}
	ctx, cancel := opContext()
	defer cancel()
	hex := key.String()

	var status store.TransientsStatus
	resp := t.client.Do(ctx, t.client.B().Get().Key(writerKeyPrefix+hex).Build())
	if err := resp.Error(); err == nil {
		kid, err := resp.AsInt64()
		if err != nil {
			return store.TransientsStatus{}, fmt.Errorf("transients: valkey writer kid: %w", err)
		}
		status.WriterKid = int32(kid)
	} else if !errors.Is(err, valkey.Nil) {
		return store.TransientsStatus{}, fmt.Errorf("transients: valkey read writer: %w", err)
	}

	readers, err := t.readerCount(ctx, hex)
	if err != nil {
		return store.TransientsStatus{}, err
	}
	status.Readers = int32(readers)

	flagsResp := t.client.Do(ctx, t.client.B().Hgetall().Key(flagsKeyPrefix+hex).Build())
	flags, err := flagsResp.AsStrMap()
	if err != nil {
		return store.TransientsStatus{}, fmt.Errorf("transients: valkey read flags: %w", err)
	}
	status.Completed = flags["completed"] == "1"
	status.AbortedByWriter = flags["aborted"] == "1"
	status.WaitingToBeFreed = flags["waiting"] == "1"
	return status, nil
}

// Readers counts attached readers across all workers.
func (t *ValkeyTable) Readers(index int32) (int, error) {
	key, err := t.lookup(index)
	if err != nil {
		return 0, err
	}
	ctx, cancel := opContext()
	defer cancel()
	return t.readerCount(ctx, key.String())
}

func (t *ValkeyTable) readerCount(ctx context.Context, hex string) (int, error) {
	resp := t.client.Do(ctx, t.client.B().Get().Key(readerKeyPrefix+hex).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("transients: valkey read readers: %w", err)
	}
	n, err := resp.AsInt64()
	if err != nil {
		return 0, fmt.Errorf("transients: valkey readers count: %w", err)
	}
	if n < 0 {
		n = 0
	}
	return int(n), nil
}

// MarkForDeletion plants the tombstone on the key's slot, if one exists.
func (t *ValkeyTable) MarkForDeletion(key store.Key) error {
	ctx, cancel := opContext()
	defer cancel()
	hex := key.String()
	resp := t.client.Do(ctx, t.client.B().Exists().
		Key(writerKeyPrefix+hex).Key(readerKeyPrefix+hex).Key(flagsKeyPrefix+hex).Build())
	n, err := resp.ToInt64()
	if err != nil {
		return fmt.Errorf("transients: valkey probe slot: %w", err)
	}
	if n == 0 {
		return nil
	}
	return t.setFlag(hex, "waiting")
}

// MarkedForDeletion checks for the tombstone.
func (t *ValkeyTable) MarkedForDeletion(key store.Key) (bool, error) {
	ctx, cancel := opContext()
	defer cancel()
	resp := t.client.Do(ctx, t.client.B().Hget().
		Key(flagsKeyPrefix+key.String()).Field("waiting").Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("transients: valkey read tombstone: %w", err)
	}
	value, err := resp.ToString()
	if err != nil {
		return false, fmt.Errorf("transients: valkey tombstone value: %w", err)
	}
	return value == "1", nil
}

// Disconnect withdraws kid from the slot in whatever role it holds. A writer
// leaving without completing counts as an abort.
func (t *ValkeyTable) Disconnect(index int32, kid int) error {
	key, err := t.lookup(index)
	if err != nil {
		return err
	}
	ctx, cancel := opContext()
	defer cancel()
	hex := key.String()

	resp := t.client.Do(ctx, t.client.B().Get().Key(writerKeyPrefix+hex).Build())
	switch werr := resp.Error(); {
	case werr == nil:
		writerKid, err := resp.AsInt64()
		if err != nil {
			return fmt.Errorf("transients: valkey writer kid: %w", err)
		}
		if int(writerKid) == kid {
			t.forget(index)
			completed, err := t.flagSet(ctx, hex, "completed")
			if err != nil {
				return err
			}
			if !completed {
				if err := t.setFlag(hex, "aborted"); err != nil {
					return err
				}
			}
			if err := t.dropWriter(hex); err != nil {
				return err
			}
			return t.freeIfUnused(ctx, hex)
		}
	case !errors.Is(werr, valkey.Nil):
		return fmt.Errorf("transients: valkey read writer: %w", werr)
	}

	// Reader role.
	t.forget(index)
	if err := t.addReader(ctx, hex, -1); err != nil {
		return err
	}
	return t.freeIfUnused(ctx, hex)
}

func (t *ValkeyTable) flagSet(ctx context.Context, hex, field string) (bool, error) {
	resp := t.client.Do(ctx, t.client.B().Hget().Key(flagsKeyPrefix+hex).Field(field).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("transients: valkey read %s: %w", field, err)
	}
	value, err := resp.ToString()
	if err != nil {
		return false, fmt.Errorf("transients: valkey %s value: %w", field, err)
	}
	return value == "1", nil
}

// freeIfUnused drops the slot's remaining keys once neither a writer nor any
// reader is attached.
func (t *ValkeyTable) freeIfUnused(ctx context.Context, hex string) error {
	readers, err := t.readerCount(ctx, hex)
	if err != nil {
		return err
	}
	if readers > 0 {
		return nil
	}
	exists := t.client.Do(ctx, t.client.B().Exists().Key(writerKeyPrefix+hex).Build())
	n, err := exists.ToInt64()
	if err != nil {
		return fmt.Errorf("transients: valkey probe writer: %w", err)
	}
	if n > 0 {
		return nil
	}
	del := t.client.B().Del().Key(readerKeyPrefix + hex).Key(flagsKeyPrefix + hex).Build()
	if err := t.client.Do(ctx, del).Error(); err != nil {
		return fmt.Errorf("transients: valkey free slot: %w", err)
	}
	return nil
}

// Close releases the client. Shared slot state stays on the server for the
// surviving workers.
func (t *ValkeyTable) Close() error {
	t.client.Close()
	return nil
}

var _ store.Transients = (*ValkeyTable)(nil)
