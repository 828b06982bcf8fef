// Package shm maps named, file-backed shared memory segments so cooperating
// worker processes on one host can share fixed-layout coordination state.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"
)

// Segment is one mapped shared memory region. The zero offset of Bytes is
// page-aligned, so any naturally aligned word inside the segment may be used
// with sync/atomic via Uint32/Int32/Uint64.
type Segment struct {
	file    *os.File
	data    []byte
	path    string
	created bool
}

// Open maps the named segment under dir, creating the backing file when it
// does not exist yet. Existing content is preserved: a successor worker must
// be able to observe state left behind by a dead predecessor. The file is
// grown to size when shorter; an existing longer file is rejected because it
// means two incompatible layouts are in play.
func Open(dir, name string, size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: segment %s size invalid: %d", name, size)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("shm: create dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name+".shm")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	created := info.Size() == 0
	if info.Size() > int64(size) {
		_ = f.Close()
		return nil, fmt.Errorf("shm: segment %s is %d bytes, want %d", path, info.Size(), size)
	}
	if info.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("shm: grow %s: %w", path, err)
		}
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &Segment{file: f, data: data, path: path, created: created}, nil
}

// Created reports whether Open made the backing file rather than attaching to
// an existing one.
func (s *Segment) Created() bool {
	return s.created
}

// Path returns the backing file path.
func (s *Segment) Path() string {
	return s.path
}

// Bytes exposes the raw mapping. Callers coordinating across processes must
// go through the typed atomic accessors for any word another process mutates.
func (s *Segment) Bytes() []byte {
	return s.data
}

// Uint32 returns a pointer suitable for sync/atomic operations. The offset
// must be 4-byte aligned; misalignment is a layout bug, not a runtime
// condition, so it panics.
func (s *Segment) Uint32(off int) *uint32 {
	s.check(off, 4)
	return (*uint32)(unsafe.Pointer(&s.data[off]))
}

// Int32 returns a pointer suitable for sync/atomic operations.
func (s *Segment) Int32(off int) *int32 {
	s.check(off, 4)
	return (*int32)(unsafe.Pointer(&s.data[off]))
}

// Uint64 returns a pointer suitable for sync/atomic operations. The offset
// must be 8-byte aligned.
func (s *Segment) Uint64(off int) *uint64 {
	s.check(off, 8)
	return (*uint64)(unsafe.Pointer(&s.data[off]))
}

// AwaitUint32 polls the word at off until it equals want or the timeout
// expires, reporting whether it did. Attachers use it to ride out the window
// where a sibling has created the backing file but has not finished writing
// the header: a creator must publish its magic word last so a successful wait
// implies the rest of the header is in place.
func (s *Segment) AwaitUint32(off int, want uint32, timeout time.Duration) bool {
	word := s.Uint32(off)
	deadline := time.Now().Add(timeout)
	for {
		if atomic.LoadUint32(word) == want {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *Segment) check(off, width int) {
	if off < 0 || off+width > len(s.data) {
		panic(fmt.Sprintf("shm: offset %d out of segment %s (%d bytes)", off, s.path, len(s.data)))
	}
	if off%width != 0 {
		panic(fmt.Sprintf("shm: offset %d not %d-byte aligned in %s", off, width, s.path))
	}
}

// Close unmaps the segment and closes the backing file. The file itself is
// left in place for other workers; use Remove to delete it.
func (s *Segment) Close() error {
	if s == nil || s.data == nil {
		return nil
	}
	unmapErr := syscall.Munmap(s.data)
	s.data = nil
	closeErr := s.file.Close()
	if unmapErr != nil {
		return fmt.Errorf("shm: munmap %s: %w", s.path, unmapErr)
	}
	if closeErr != nil {
		return fmt.Errorf("shm: close %s: %w", s.path, closeErr)
	}
	return nil
}

// Remove deletes the named segment's backing file. Missing files are not an
// error so teardown stays idempotent across workers.
func Remove(dir, name string) error {
	path := filepath.Join(dir, name+".shm")
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("shm: remove %s: %w", path, err)
	}
	return nil
}
