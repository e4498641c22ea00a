package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFileName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"mario.nes", "mario.nes"},
		{"../../etc/passwd", "passwd"},
		{`..\..\windows\system32`, "system32"},
		{"a/b/c.zip", "c.zip"},
		{"weird:name*?.gba", "weird_name__.gba"},
		{"trailing. ", "trailing"},
		{"\x00\x01\x02", "unnamed"},
		{"..", "unnamed"},
		{"", "unnamed"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SanitizeFileName(tc.in), "input %q", tc.in)
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	require.NoError(t, EnsureDir(dir))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	// 幂等
	require.NoError(t, EnsureDir(dir))
}

func TestAtomicMove(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src.bin")
	dst := filepath.Join(root, "nested", "dst.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	require.NoError(t, AtomicMove(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestAtomicMoveMissingSource(t *testing.T) {
	root := t.TempDir()
	err := AtomicMove(filepath.Join(root, "ghost"), filepath.Join(root, "dst"))
	assert.Error(t, err)
}

func TestUniquePath(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "game.nes")

	// 不存在时原样返回
	assert.Equal(t, path, UniquePath(path))

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	first := UniquePath(path)
	assert.Equal(t, filepath.Join(root, "game_1.nes"), first)

	require.NoError(t, os.WriteFile(first, nil, 0o644))
	assert.Equal(t, filepath.Join(root, "game_2.nes"), UniquePath(path))
}

func TestRemoveDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gone")
	require.NoError(t, EnsureDir(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644))
	require.NoError(t, RemoveDir(dir))
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	// 不存在时视为成功
	require.NoError(t, RemoveDir(dir))
}
