package shm

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesAndReattaches(t *testing.T) {
	dir := t.TempDir()

	seg, err := Open(dir, "cf", 4096)
	require.NoError(t, err)
	assert.True(t, seg.Created())
	assert.Len(t, seg.Bytes(), 4096)

	atomic.StoreUint32(seg.Uint32(64), 0xdeadbeef)
	require.NoError(t, seg.Close())

	// A successor attach must observe the predecessor's state.
	again, err := Open(dir, "cf", 4096)
	require.NoError(t, err)
	assert.False(t, again.Created())
	assert.Equal(t, uint32(0xdeadbeef), atomic.LoadUint32(again.Uint32(64)))
	require.NoError(t, again.Close())
}

func TestOpenSharesMappingBetweenAttachments(t *testing.T) {
	dir := t.TempDir()

	a, err := Open(dir, "slots", 4096)
	require.NoError(t, err)
	b, err := Open(dir, "slots", 4096)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, a.Close())
		require.NoError(t, b.Close())
	}()

	require.True(t, atomic.CompareAndSwapUint32(a.Uint32(0), 0, 7))
	assert.Equal(t, uint32(7), atomic.LoadUint32(b.Uint32(0)))
	// The writer slot is taken; a second CAS from the other mapping loses.
	assert.False(t, atomic.CompareAndSwapUint32(b.Uint32(0), 0, 9))
}

func TestOpenRejectsShrinkingLayout(t *testing.T) {
	dir := t.TempDir()
	seg, err := Open(dir, "cf", 8192)
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	_, err = Open(dir, "cf", 4096)
	require.Error(t, err)
}

func TestOpenRejectsBadSize(t *testing.T) {
	_, err := Open(t.TempDir(), "cf", 0)
	require.Error(t, err)
}

func TestAccessorPanicsOnMisalignment(t *testing.T) {
	seg, err := Open(t.TempDir(), "cf", 4096)
	require.NoError(t, err)
	defer func() { require.NoError(t, seg.Close()) }()

	assert.Panics(t, func() { seg.Uint32(2) })
	assert.Panics(t, func() { seg.Uint64(4) })
	assert.Panics(t, func() { seg.Uint32(4096) })
}

func TestRemoveIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	seg, err := Open(dir, "cf", 4096)
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	require.NoError(t, Remove(dir, "cf"))
	require.NoError(t, Remove(dir, "cf"))
}
