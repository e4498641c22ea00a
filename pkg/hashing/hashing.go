// Package hashing 提供流式哈希计算与文件字节签名嗅探。
package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// HashReader 流式读取 r 并返回 SHA-256 十六进制摘要与读取的字节数。
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("读取数据流计算哈希失败: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashFile 计算文件的 SHA-256 十六进制摘要与大小。
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("打开文件失败: %w", err)
	}
	defer f.Close()
	return HashReader(f)
}

// HashBytes 计算内存字节的 SHA-256 十六进制摘要。
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// 已知的文件格式签名。Offset 指签名在文件中的起始偏移。
type signature struct {
	format string
	offset int64
	magic  []byte
}

var signatures = []signature{
	{format: FormatZip, offset: 0, magic: []byte{0x50, 0x4b, 0x03, 0x04}},
	{format: FormatZip, offset: 0, magic: []byte{0x50, 0x4b, 0x05, 0x06}}, // 空 zip
	{format: Format7z, offset: 0, magic: []byte{0x37, 0x7a, 0xbc, 0xaf, 0x27, 0x1c}},
	{format: FormatRar, offset: 0, magic: []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07}},
	{format: FormatGzip, offset: 0, magic: []byte{0x1f, 0x8b}},
	{format: FormatTar, offset: 257, magic: []byte("ustar")},
	{format: FormatISO, offset: 0x8001, magic: []byte("CD001")},
	{format: FormatNES, offset: 0, magic: []byte{0x4e, 0x45, 0x53, 0x1a}}, // "NES\x1a"
}

// 嗅探可识别的格式名。
const (
	FormatZip  = "zip"
	Format7z   = "7z"
	FormatRar  = "rar"
	FormatGzip = "gzip"
	FormatTar  = "tar"
	FormatISO  = "iso"
	FormatNES  = "nes"
)

// sniffWindow 嗅探时读取的最大头部窗口，覆盖 ISO 的 0x8001 偏移。
const sniffWindow = 0x8006

// SniffFormat 读取文件头部并返回命中的格式名；无法识别时返回空串。
func SniffFormat(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("打开文件失败: %w", err)
	}
	defer f.Close()

	head := make([]byte, sniffWindow)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("读取文件头失败: %w", err)
	}
	head = head[:n]

	for _, sig := range signatures {
		end := sig.offset + int64(len(sig.magic))
		if int64(len(head)) < end {
			continue
		}
		if bytes.Equal(head[sig.offset:end], sig.magic) {
			return sig.format, nil
		}
	}
	return "", nil
}

// expectedFormats 记录扩展名对应的已知签名格式。未收录的扩展名没有签名预期，
// 嗅探结果仅作参考。
var expectedFormats = map[string][]string{
	".zip": {FormatZip},
	".7z":  {Format7z},
	".rar": {FormatRar},
	".gz":  {FormatGzip},
	".tgz": {FormatGzip},
	".tar": {FormatTar},
	".iso": {FormatISO},
	".nes": {FormatNES},
}

// ExpectedFormats 返回扩展名声明的签名格式集合；无预期时返回 nil。
func ExpectedFormats(fileName string) []string {
	return expectedFormats[strings.ToLower(filepath.Ext(fileName))]
}

// containerFormats 需要经过压缩包安全校验的格式。
var containerFormats = map[string]bool{
	FormatZip:  true,
	Format7z:   true,
	FormatRar:  true,
	FormatGzip: true,
	FormatTar:  true,
}

// IsContainerFormat 判断嗅探出的格式是否为容器（压缩包）格式。
func IsContainerFormat(format string) bool {
	return containerFormats[format]
}

// platformByExt 扩展名到平台的推断表。推断结果只用于归类展示，不参与校验。
var platformByExt = map[string]string{
	".nes": "NES",
	".sfc": "SNES",
	".smc": "SNES",
	".gb":  "GameBoy",
	".gbc": "GameBoyColor",
	".gba": "GameBoyAdvance",
	".n64": "Nintendo64",
	".z64": "Nintendo64",
	".v64": "Nintendo64",
	".md":  "MegaDrive",
	".gen": "MegaDrive",
	".smd": "MegaDrive",
	".sms": "MasterSystem",
	".gg":  "GameGear",
	".pce": "PCEngine",
	".a26": "Atari2600",
	".a78": "Atari7800",
	".lnx": "AtariLynx",
	".ngp": "NeoGeoPocket",
	".ws":  "WonderSwan",
	".iso": "DiscImage",
	".bin": "DiscImage",
	".cue": "DiscImage",
	".chd": "DiscImage",
}

// DetectPlatform 根据文件名扩展推断平台归类，未知时返回 "unknown"。
func DetectPlatform(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	// 压缩包看内层扩展：game.nes.zip -> .nes
	if ext == ".zip" || ext == ".7z" || ext == ".rar" || ext == ".gz" || ext == ".tar" || ext == ".tgz" {
		inner := strings.ToLower(filepath.Ext(strings.TrimSuffix(fileName, ext)))
		if p, ok := platformByExt[inner]; ok {
			return p
		}
		return "archive"
	}
	if p, ok := platformByExt[ext]; ok {
		return p
	}
	return "unknown"
}
