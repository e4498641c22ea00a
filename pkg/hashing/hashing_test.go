package hashing

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashBytes(t *testing.T) {
	// 空串的 SHA-256 是固定常量
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
	assert.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		HashBytes([]byte("hello")))
}

func TestHashReaderMatchesHashBytes(t *testing.T) {
	data := []byte("chunked upload test payload")
	sum, n, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, HashBytes(data), sum)
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rom.bin")
	data := []byte{0x01, 0x02, 0x03, 0x04}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	sum, n, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, HashBytes(data), sum)
}

func TestSniffFormat(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name   string
		head   []byte
		format string
	}{
		{"zip", []byte{0x50, 0x4b, 0x03, 0x04, 0x00}, FormatZip},
		{"empty zip", []byte{0x50, 0x4b, 0x05, 0x06}, FormatZip},
		{"gzip", []byte{0x1f, 0x8b, 0x08}, FormatGzip},
		{"nes", []byte{0x4e, 0x45, 0x53, 0x1a, 0x10}, FormatNES},
		{"rar", []byte("Rar!\x1a\x07"), FormatRar},
		{"unknown", []byte{0xde, 0xad, 0xbe, 0xef}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name)
			require.NoError(t, os.WriteFile(path, tc.head, 0o644))
			got, err := SniffFormat(path)
			require.NoError(t, err)
			assert.Equal(t, tc.format, got)
		})
	}
}

func TestExpectedFormats(t *testing.T) {
	assert.Equal(t, []string{FormatZip}, ExpectedFormats("Game.ZIP"))
	assert.Equal(t, []string{FormatNES}, ExpectedFormats("mario.nes"))
	// 无签名预期的扩展名返回 nil
	assert.Nil(t, ExpectedFormats("game.sfc"))
	assert.Nil(t, ExpectedFormats("noext"))
}

func TestIsContainerFormat(t *testing.T) {
	assert.True(t, IsContainerFormat(FormatZip))
	assert.True(t, IsContainerFormat(FormatGzip))
	assert.False(t, IsContainerFormat(FormatNES))
	assert.False(t, IsContainerFormat(""))
}

func TestDetectPlatform(t *testing.T) {
	assert.Equal(t, "NES", DetectPlatform("mario.nes"))
	assert.Equal(t, "SNES", DetectPlatform("zelda.SFC"))
	assert.Equal(t, "unknown", DetectPlatform("readme.txt"))
	// 压缩包看内层扩展
	assert.Equal(t, "NES", DetectPlatform("mario.nes.zip"))
	assert.Equal(t, "archive", DetectPlatform("collection.zip"))
	assert.Equal(t, "GameBoyAdvance", DetectPlatform("pokemon.gba.7z"))
}
