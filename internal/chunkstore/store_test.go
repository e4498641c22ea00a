package chunkstore

import (
	"bytes"
	"os"
	"testing"

	"retro-ingest-go/pkg/hashing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestWriteChunk(t *testing.T) {
	store := newTestStore(t)
	data := []byte("chunk payload bytes")

	n, sum, err := store.WriteChunk("sess-1", 0, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, hashing.HashBytes(data), sum)

	got, err := os.ReadFile(store.ChunkPath("sess-1", 0))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWriteChunkOverwriteSameIndex(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.WriteChunk("sess-1", 3, bytes.NewReader([]byte("first")))
	require.NoError(t, err)
	_, _, err = store.WriteChunk("sess-1", 3, bytes.NewReader([]byte("second")))
	require.NoError(t, err)

	got, err := os.ReadFile(store.ChunkPath("sess-1", 3))
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestStageChunkDoesNotTouchFinalPath(t *testing.T) {
	store := newTestStore(t)
	data := []byte("staged bytes")

	staged, err := store.StageChunk("sess-1", 0, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), staged.Size)
	assert.Equal(t, hashing.HashBytes(data), staged.Hash)

	// 暂存不落位：chunk_0 还不存在
	_, err = os.Stat(store.ChunkPath("sess-1", 0))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, store.CommitChunk("sess-1", 0, staged))
	got, err := os.ReadFile(store.ChunkPath("sess-1", 0))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// 落位后 Discard 不会动已提交的分片
	staged.Discard()
	_, err = os.Stat(store.ChunkPath("sess-1", 0))
	assert.NoError(t, err)
}

func TestDiscardStagedChunk(t *testing.T) {
	store := newTestStore(t)
	staged, err := store.StageChunk("sess-1", 0, bytes.NewReader([]byte("abandoned")))
	require.NoError(t, err)

	staged.Discard()
	// 临时文件已删，目录里没有残留
	entries, err := os.ReadDir(store.SessionDir("sess-1"))
	require.NoError(t, err)
	assert.Empty(t, entries)
	// 幂等
	staged.Discard()
}

func TestAssembleOrderIndependent(t *testing.T) {
	store := newTestStore(t)
	parts := [][]byte{[]byte("alpha-"), []byte("bravo-"), []byte("charlie")}

	// 乱序写入
	for _, i := range []int{2, 0, 1} {
		_, _, err := store.WriteChunk("sess-1", i, bytes.NewReader(parts[i]))
		require.NoError(t, err)
	}

	path, err := store.Assemble("sess-1", len(parts), "game.nes")
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha-bravo-charlie"), got)
}

func TestAssembleMissingChunk(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.WriteChunk("sess-1", 0, bytes.NewReader([]byte("only")))
	require.NoError(t, err)

	_, err = store.Assemble("sess-1", 2, "game.nes")
	assert.Error(t, err)
	// 失败时不留半成品
	_, statErr := os.Stat(store.SessionDir("sess-1") + "/game.nes")
	assert.True(t, os.IsNotExist(statErr))
}

func TestAssembleSanitizesFileName(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.WriteChunk("sess-1", 0, bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	path, err := store.Assemble("sess-1", 1, "../../escape.nes")
	require.NoError(t, err)
	assert.Equal(t, store.SessionDir("sess-1")+"/escape.nes", path)
}

func TestRelease(t *testing.T) {
	store := newTestStore(t)
	_, err := store.AllocateSession("sess-1")
	require.NoError(t, err)
	assert.True(t, store.SessionDirExists("sess-1"))

	require.NoError(t, store.Release("sess-1"))
	assert.False(t, store.SessionDirExists("sess-1"))
	// 幂等
	require.NoError(t, store.Release("sess-1"))
}
