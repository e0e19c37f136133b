package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type kvRecord struct {
	Version uint32
	Name    string
	Count   uint64
}

func TestKVPutGetRoundTrip(t *testing.T) {
	store := NewKVStore(NewMemDB())
	want := kvRecord{Version: 1, Name: "alpha", Count: 42}
	require.NoError(t, store.KVPut([]byte("records/alpha"), want))

	var got kvRecord
	ok, err := store.KVGet([]byte("records/alpha"), &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestKVGetMissing(t *testing.T) {
	store := NewKVStore(NewMemDB())
	var got kvRecord
	ok, err := store.KVGet([]byte("records/missing"), &got)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKVGetExistenceOnly(t *testing.T) {
	store := NewKVStore(NewMemDB())
	require.NoError(t, store.KVPut([]byte("records/alpha"), kvRecord{Name: "alpha"}))
	ok, err := store.KVGet([]byte("records/alpha"), nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestKVRejectsEmptyKey(t *testing.T) {
	store := NewKVStore(NewMemDB())
	require.Error(t, store.KVPut(nil, kvRecord{}))
	_, err := store.KVGet(nil, &kvRecord{})
	require.Error(t, err)
}

func TestKVAppendDeduplicates(t *testing.T) {
	store := NewKVStore(NewMemDB())
	key := []byte("records/index")
	require.NoError(t, store.KVAppend(key, []byte("one")))
	require.NoError(t, store.KVAppend(key, []byte("two")))
	require.NoError(t, store.KVAppend(key, []byte("one")))

	var list [][]byte
	require.NoError(t, store.KVGetList(key, &list))
	require.Equal(t, [][]byte{[]byte("one"), []byte("two")}, list)
}

func TestKVGetListEmptyInitialises(t *testing.T) {
	store := NewKVStore(NewMemDB())
	var list [][]byte
	require.NoError(t, store.KVGetList([]byte("records/none"), &list))
	require.NotNil(t, list)
	require.Len(t, list, 0)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	value := []byte{1, 2, 3}
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 9

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)

	got[1] = 9
	again, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, again)
}

func TestMemDBHasAndMissing(t *testing.T) {
	db := NewMemDB()
	ok, err := db.Has([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = db.Get([]byte("k"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	ok, err = db.Has([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
}
