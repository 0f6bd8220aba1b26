package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFileStore(FileStoreOptions{
		StatePath:    filepath.Join(dir, "state.json"),
		PollInterval: 10 * time.Millisecond,
		LockTimeout:  time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

func TestFileStoreSetGetRoundTrip(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, fs.Set(ctx, "k1", []byte("v1"), 0))
	v, err := fs.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
}

func TestFileStoreGetMissingIsNotFound(t *testing.T) {
	fs := newTestFileStore(t)
	_, err := fs.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreGetExpiredIsNotFound(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	require.NoError(t, fs.Set(ctx, "k1", []byte("v1"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	_, err := fs.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreCASCreateRequiresAbsence(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	ok, err := fs.CAS(ctx, "lease", nil, []byte("holder-a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = fs.CAS(ctx, "lease", nil, []byte("holder-b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "CAS with expected=nil must fail once the key exists")

	ok, err = fs.CAS(ctx, "lease", []byte("holder-a"), []byte("holder-b"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := fs.Get(ctx, "lease")
	require.NoError(t, err)
	assert.Equal(t, []byte("holder-b"), v)
}

func TestFileStoreCASOnExpiredKeyBehavesAsAbsent(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	require.NoError(t, fs.Set(ctx, "lease", []byte("holder-a"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	ok, err := fs.CAS(ctx, "lease", nil, []byte("holder-b"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStorePublishSubscribeOrdering(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, fs.Publish(ctx, "room", []byte{byte(i)}))
	}

	sub, err := fs.Subscribe(ctx, "room", "client-1")
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		readCtx, cancel := context.WithTimeout(ctx, time.Second)
		msg, ok, err := sub.Next(readCtx)
		cancel()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, byte(i), msg.Data[0])
	}
}

func TestFileStoreSubscribeResumesFromReadPosition(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, fs.Publish(ctx, "room", []byte("first")))

	sub, err := fs.Subscribe(ctx, "room", "client-1")
	require.NoError(t, err)
	readCtx, cancel := context.WithTimeout(ctx, time.Second)
	_, ok, err := sub.Next(readCtx)
	cancel()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, sub.Close())

	require.NoError(t, fs.Publish(ctx, "room", []byte("second")))

	sub2, err := fs.Subscribe(ctx, "room", "client-1")
	require.NoError(t, err)
	defer sub2.Close()
	readCtx2, cancel2 := context.WithTimeout(ctx, time.Second)
	msg, ok, err := sub2.Next(readCtx2)
	cancel2()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), msg.Data, "resumed subscriber must not re-deliver already-read messages")
}

func TestFileStoreMessageRingBufferTrims(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(FileStoreOptions{
		StatePath:    filepath.Join(dir, "state.json"),
		PollInterval: 10 * time.Millisecond,
		MaxMessages:  3,
	})
	require.NoError(t, err)
	defer fs.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, fs.Publish(ctx, "room", []byte{byte(i)}))
	}

	state, _, err := fs.load()
	require.NoError(t, err)
	assert.Len(t, state.Messages["room"], 3)
	assert.Equal(t, byte(9), state.Messages["room"][2].Data[0])
}

func TestFileStoreHashAndListPrimitives(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, fs.HSet(ctx, "agent:a1", "phase", []byte("build")))
	v, err := fs.HGet(ctx, "agent:a1", "phase")
	require.NoError(t, err)
	assert.Equal(t, []byte("build"), v)

	all, err := fs.HGetAll(ctx, "agent:a1")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"phase": []byte("build")}, all)

	require.NoError(t, fs.LPush(ctx, "queue", []byte("a")))
	require.NoError(t, fs.LPush(ctx, "queue", []byte("b")))
	items, err := fs.LRange(ctx, "queue", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("b"), []byte("a")}, items)

	popped, err := fs.RPop(ctx, "queue")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), popped)
}

func TestFileStoreExpireAppliesToHashAndString(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, fs.HSet(ctx, "pop:patterns:p1", "insight", []byte("x")))
	require.NoError(t, fs.Expire(ctx, "pop:patterns:p1", 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	_, err := fs.HGet(ctx, "pop:patterns:p1", "insight")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, fs.Set(ctx, "k1", []byte("v1"), time.Hour))
	require.NoError(t, fs.Expire(ctx, "k1", 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	_, err = fs.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreXAddXRange(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := fs.XAdd(ctx, "ledger", []byte{byte(i)})
		require.NoError(t, err)
	}

	entries, err := fs.XRange(ctx, "ledger", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, byte(0), entries[0].Data[0])
	assert.Equal(t, byte(2), entries[2].Data[0])
}

func TestFileStoreCorruptFileIsResetNotFatal(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(statePath, []byte("{not valid json"), 0o644))

	fs, err := NewFileStore(FileStoreOptions{StatePath: statePath, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer fs.Close()

	ctx := context.Background()
	err = fs.Set(ctx, "k", []byte("v"), 0)
	assert.ErrorIs(t, err, ErrStoreReset, "first write after a corrupt file must surface ErrStoreReset")

	require.NoError(t, fs.Set(ctx, "k", []byte("v"), 0))
	v, err := fs.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestFileStoreInvalidKeyRejected(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	assert.ErrorIs(t, fs.Set(ctx, "", []byte("v"), 0), ErrInvalidKey)
	assert.ErrorIs(t, fs.Publish(ctx, "", []byte("v")), ErrInvalidKey)
}
