package storage

import (
	"testing"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := openTestStorage(t)

	require.NoError(t, store.Put("k1", []byte("v1"), 0))

	value, version, exists, err := store.Get("k1")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, []byte("v1"), value)
	assert.Equal(t, int64(1), version)

	_, _, exists, err = store.Get("missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPutVersionCheck(t *testing.T) {
	store := openTestStorage(t)

	require.NoError(t, store.Put("k1", []byte("a"), 0))
	require.NoError(t, store.Put("k1", []byte("b"), 1))

	err := store.Put("k1", []byte("c"), 1)
	require.Error(t, err)
	var se *domain.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.ErrVersionMismatch, se.Type)
}

func TestAtomicIncrement(t *testing.T) {
	store := openTestStorage(t)

	first, err := store.AtomicIncrement("counter")
	require.NoError(t, err)
	second, err := store.AtomicIncrement("counter")
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
}

func TestGetNextSkipsShadowKeys(t *testing.T) {
	store := openTestStorage(t)

	require.NoError(t, store.Put("queue:a:001", []byte("first"), 0))
	require.NoError(t, store.Put("queue:a:002", []byte("second"), 0))

	key, value, exists, err := store.GetNext("queue:a:")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, "queue:a:001", key)
	assert.Equal(t, []byte("first"), value)

	nextKey, _, exists, err := store.GetNextAfter("queue:a:", key)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, "queue:a:002", nextKey)
}

func TestBatchWriteAtomicity(t *testing.T) {
	store := openTestStorage(t)
	require.NoError(t, store.Put("old", []byte("x"), 0))

	ops := []ports.WriteOp{
		{Type: ports.OpPut, Key: "new1", Value: []byte("1")},
		{Type: ports.OpPut, Key: "new2", Value: []byte("2")},
		{Type: ports.OpDelete, Key: "old"},
	}
	require.NoError(t, store.BatchWrite(ops))

	_, _, exists, err := store.Get("old")
	require.NoError(t, err)
	assert.False(t, exists)
	_, _, exists, err = store.Get("new1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestListAndDeleteByPrefix(t *testing.T) {
	store := openTestStorage(t)

	require.NoError(t, store.Put("seg:d1:001", []byte("a"), 0))
	require.NoError(t, store.Put("seg:d1:002", []byte("b"), 0))
	require.NoError(t, store.Put("seg:d2:001", []byte("c"), 0))

	items, err := store.ListByPrefix("seg:d1:")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	count, err := store.CountPrefix("seg:d1:")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	deleted, err := store.DeleteByPrefix("seg:d1:")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	count, err = store.CountPrefix("seg:d1:")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = store.CountPrefix("seg:d2:")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestClosedStorageReturnsTypedError(t *testing.T) {
	store, err := Open("", nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, _, _, err = store.Get("k")
	require.Error(t, err)
	var se *domain.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.ErrClosed, se.Type)
}
