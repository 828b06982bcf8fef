// Package swap is the disk cache behind the store: entry bodies chunked into
// fixed-size slabs inside a LevelDB database, with a per-entry metadata
// record tracking swap-out progress. Writers flush every append so collapsed
// readers can follow a still-growing entry.
package swap

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/measurement-factory/squid-sub000/internal/metrics"
	"github.com/measurement-factory/squid-sub000/internal/store"
)

const (
	metaMagic   = 0x73777031 // "swp1"
	metaVersion = 1

	// metaSize is the packed metadata record: magic, version+flags, key
	// echo, object length, current length.
	metaSize = 4 + 1 + 1 + store.KeySize + 8 + 8

	flagComplete = 1 << 0
	flagAborted  = 1 << 1
)

// Options configures a swap store.
type Options struct {
	Dir     string
	SlabKiB int
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Store owns one LevelDB database. A single process opens it; sibling
// workers coordinate through their own stores or a shared instance.
type Store struct {
	db       *leveldb.DB
	slabSize int64
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// Open creates or reopens the swap database under dir.
func Open(opts Options) (*Store, error) {
	if opts.SlabKiB < 1 {
		return nil, fmt.Errorf("swap: slab size invalid: %d KiB", opts.SlabKiB)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	db, err := leveldb.OpenFile(opts.Dir, nil)
	if err != nil {
		return nil, fmt.Errorf("swap: open %s: %w", opts.Dir, err)
	}
	return &Store{
		db:       db,
		slabSize: int64(opts.SlabKiB) * 1024,
		logger:   logger.With(slog.String("component", "swap")),
		metrics:  opts.Metrics,
	}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("swap: close: %w", err)
	}
	return nil
}

func metaKey(key store.Key) []byte {
	return append([]byte("m/"), key[:]...)
}

func slabPrefix(key store.Key) []byte {
	return append(append([]byte("b/"), key[:]...), '/')
}

func slabKey(key store.Key, index int64) []byte {
	k := slabPrefix(key)
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(index))
	return append(k, idx[:]...)
}

type metaRecord struct {
	key       store.Key
	objectLen int64
	curLen    int64
	flags     uint8
}

func packMeta(m metaRecord) []byte {
	buf := make([]byte, metaSize)
	binary.BigEndian.PutUint32(buf[0:], metaMagic)
	buf[4] = metaVersion
	buf[5] = m.flags
	copy(buf[6:], m.key[:])
	binary.BigEndian.PutUint64(buf[6+store.KeySize:], uint64(m.objectLen))
	binary.BigEndian.PutUint64(buf[6+store.KeySize+8:], uint64(m.curLen))
	return buf
}

// unpackMeta validates the record against the key it was looked up under. A
// key echo mismatch means the database serves bytes for the wrong entry;
// that is a hard failure, not a miss.
func unpackMeta(key store.Key, buf []byte) (metaRecord, error) {
	if len(buf) != metaSize {
		return metaRecord{}, fmt.Errorf("swap: metadata for %s is %d bytes, want %d", key, len(buf), metaSize)
	}
	if binary.BigEndian.Uint32(buf[0:]) != metaMagic {
		return metaRecord{}, fmt.Errorf("swap: metadata for %s has bad magic", key)
	}
	if buf[4] != metaVersion {
		return metaRecord{}, fmt.Errorf("swap: metadata for %s has version %d, want %d", key, buf[4], metaVersion)
	}
	var m metaRecord
	m.flags = buf[5]
	copy(m.key[:], buf[6:])
	if m.key != key {
		return metaRecord{}, fmt.Errorf("swap: metadata key echo mismatch: stored %s, want %s", m.key, key)
	}
	m.objectLen = int64(binary.BigEndian.Uint64(buf[6+store.KeySize:]))
	m.curLen = int64(binary.BigEndian.Uint64(buf[6+store.KeySize+8:]))
	return m, nil
}

func (m metaRecord) diskMeta() store.DiskMeta {
	return store.DiskMeta{
		ObjectLen: m.objectLen,
		CurLen:    m.curLen,
		Complete:  m.flags&flagComplete != 0,
		Aborted:   m.flags&flagAborted != 0,
	}
}

func (s *Store) readMeta(key store.Key) (metaRecord, bool, error) {
	buf, err := s.db.Get(metaKey(key), nil)
	if err == leveldb.ErrNotFound {
		return metaRecord{}, false, nil
	}
	if err != nil {
		return metaRecord{}, false, fmt.Errorf("swap: read metadata for %s: %w", key, err)
	}
	m, err := unpackMeta(key, buf)
	if err != nil {
		return metaRecord{}, false, err
	}
	return m, true, nil
}

// Create starts swapping a new entry out, discarding any previous incarnation
// of the key.
func (s *Store) Create(key store.Key, expectedLen int64) (store.DiskWriter, error) {
	if err := s.Unlink(key); err != nil {
		return nil, err
	}
	w := &writer{
		store: s,
		meta:  metaRecord{key: key, objectLen: expectedLen},
	}
	if err := s.db.Put(metaKey(key), packMeta(w.meta), nil); err != nil {
		return nil, fmt.Errorf("swap: create %s: %w", key, err)
	}
	return w, nil
}

// OpenReader validates the entry's metadata and returns a range reader.
// ErrNotFound means the key has no swap state at all.
func (s *Store) OpenReader(key store.Key) (store.DiskReader, error) {
	m, found, err := s.readMeta(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, store.ErrNotFound
	}
	return &reader{store: s, key: key, meta: m}, nil
}

// Stat reports the entry's swap state without opening it.
func (s *Store) Stat(key store.Key) (store.DiskMeta, bool, error) {
	m, found, err := s.readMeta(key)
	if err != nil {
		return store.DiskMeta{}, false, err
	}
	if !found {
		return store.DiskMeta{}, false, nil
	}
	return m.diskMeta(), true, nil
}

// Unlink removes the entry's metadata and every body slab.
func (s *Store) Unlink(key store.Key) error {
	batch := new(leveldb.Batch)
	batch.Delete(metaKey(key))
	iter := s.db.NewIterator(util.BytesPrefix(slabPrefix(key)), nil)
	for iter.Next() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		batch.Delete(k)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("swap: scan slabs for %s: %w", key, err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("swap: unlink %s: %w", key, err)
	}
	return nil
}

// Len counts stored entries, for introspection.
func (s *Store) Len() (int, error) {
	n := 0
	iter := s.db.NewIterator(util.BytesPrefix([]byte("m/")), nil)
	for iter.Next() {
		n++
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("swap: scan metadata: %w", err)
	}
	return n, nil
}

// writer appends body bytes slab by slab. Every Append persists the partial
// tail slab too, so readers following the entry see each byte as soon as it
// is swapped out.
type writer struct {
	store *Store

	mu   sync.Mutex
	meta metaRecord
	tail []byte // content of the partial last slab
	done bool
}

func (w *writer) Append(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return fmt.Errorf("swap: append to finished entry %s", w.meta.key)
	}
	if len(p) == 0 {
		return nil
	}

	slab := w.store.slabSize
	batch := new(leveldb.Batch)
	w.tail = append(w.tail, p...)
	// The tail always holds exactly curLen%slab bytes before this append,
	// so the slab it occupies is curLen/slab.
	index := w.meta.curLen / slab
	for int64(len(w.tail)) >= slab {
		batch.Put(slabKey(w.meta.key, index), w.tail[:slab])
		w.tail = w.tail[slab:]
		index++
	}
	if len(w.tail) > 0 {
		batch.Put(slabKey(w.meta.key, index), w.tail)
	}
	w.meta.curLen += int64(len(p))
	batch.Put(metaKey(w.meta.key), packMeta(w.meta))
	if err := w.store.db.Write(batch, nil); err != nil {
		return fmt.Errorf("swap: append to %s: %w", w.meta.key, err)
	}
	w.store.metrics.ObserveSwapOut(len(p))
	return nil
}

func (w *writer) SetObjectLen(n int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return fmt.Errorf("swap: update finished entry %s", w.meta.key)
	}
	w.meta.objectLen = n
	if err := w.store.db.Put(metaKey(w.meta.key), packMeta(w.meta), nil); err != nil {
		return fmt.Errorf("swap: set object length for %s: %w", w.meta.key, err)
	}
	return nil
}

func (w *writer) Complete() error {
	return w.finish(flagComplete)
}

// Abort keeps the metadata record with the aborted flag so readers opening
// late learn the outcome instead of finding a hole.
func (w *writer) Abort() error {
	return w.finish(flagAborted)
}

func (w *writer) finish(flag uint8) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true
	w.meta.flags |= flag
	if flag == flagComplete && w.meta.objectLen < 0 {
		w.meta.objectLen = w.meta.curLen
	}
	if err := w.store.db.Put(metaKey(w.meta.key), packMeta(w.meta), nil); err != nil {
		return fmt.Errorf("swap: finish %s: %w", w.meta.key, err)
	}
	return nil
}

var _ store.DiskWriter = (*writer)(nil)

// reader serves byte ranges of one entry, refreshing metadata on every read
// so a collapsed reader observes the writer's progress.
type reader struct {
	store *Store
	key   store.Key

	mu   sync.Mutex
	meta metaRecord
}

func (r *reader) Meta() (store.DiskMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refresh(); err != nil {
		return store.DiskMeta{}, err
	}
	return r.meta.diskMeta(), nil
}

func (r *reader) refresh() error {
	m, found, err := r.store.readMeta(r.key)
	if err != nil {
		return err
	}
	if !found {
		return store.ErrNotFound
	}
	r.meta = m
	return nil
}

func (r *reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("swap: negative read offset %d", off)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refresh(); err != nil {
		return 0, err
	}
	if off >= r.meta.curLen {
		return 0, nil
	}
	want := int64(len(p))
	if avail := r.meta.curLen - off; want > avail {
		want = avail
	}

	slab := r.store.slabSize
	read := int64(0)
	for read < want {
		pos := off + read
		index := pos / slab
		within := pos % slab
		chunk, err := r.store.db.Get(slabKey(r.key, index), nil)
		if err != nil {
			return int(read), fmt.Errorf("swap: read slab %d of %s: %w", index, r.key, err)
		}
		if within >= int64(len(chunk)) {
			break
		}
		n := copy(p[read:want], chunk[within:])
		read += int64(n)
	}
	r.store.metrics.ObserveSwapIn(int(read))
	return int(read), nil
}

func (r *reader) Close() error {
	return nil
}

var _ store.DiskReader = (*reader)(nil)
var _ store.DiskStore = (*Store)(nil)
