// Package archive 实现压缩包的安全校验与受限解压。
// 原则：任何解压都不允许消耗无界的磁盘、inode，或逃出目标目录。
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"retro-ingest-go/internal/config"
	"retro-ingest-go/pkg/fsutil"
	"retro-ingest-go/pkg/hashing"
	"retro-ingest-go/pkg/log"
)

var (
	// ErrUnsafeArchive 表示压缩包未通过安全校验，不会自动重试。
	ErrUnsafeArchive = errors.New("unsafe archive")
	// ErrUnsupportedFormat 表示无法处理的容器格式（如外部工具被禁用时的 7z/RAR）。
	ErrUnsupportedFormat = errors.New("unsupported archive format")
)

// Limits 是一次校验/解压的资源边界。
type Limits struct {
	MaxCompressionRatio  float64
	MaxEntryCount        int
	MaxTotalUncompressed int64
}

// ValidationResult 汇总一次压缩包校验的结论与派生指标。
type ValidationResult struct {
	Valid             bool     `json:"valid"`
	Errors            []string `json:"errors,omitempty"`   // 致命
	Warnings          []string `json:"warnings,omitempty"` // 非致命
	EntryCount        int      `json:"entryCount"`
	TotalUncompressed int64    `json:"totalUncompressed"`
	CompressedSize    int64    `json:"compressedSize"`
	CompressionRatio  float64  `json:"compressionRatio"`
}

func (r *ValidationResult) addError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) addWarning(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// finish 根据已累计的指标做边界判定并定稿 Valid 标志。
func (r *ValidationResult) finish(limits Limits) {
	if limits.MaxEntryCount > 0 && r.EntryCount > limits.MaxEntryCount {
		r.addError("条目数 %d 超过上限 %d", r.EntryCount, limits.MaxEntryCount)
	}
	if limits.MaxTotalUncompressed > 0 && r.TotalUncompressed > limits.MaxTotalUncompressed {
		r.addError("解压后总大小 %d 超过上限 %d", r.TotalUncompressed, limits.MaxTotalUncompressed)
	}
	if r.CompressedSize > 0 {
		r.CompressionRatio = float64(r.TotalUncompressed) / float64(r.CompressedSize)
		if limits.MaxCompressionRatio > 0 && r.CompressionRatio > limits.MaxCompressionRatio {
			r.addError("压缩比 %.1f:1 超过上限 %.0f:1（疑似 zip bomb）", r.CompressionRatio, limits.MaxCompressionRatio)
		}
	}
	r.Valid = len(r.Errors) == 0
}

// Format 是一种容器格式的统一校验/解压契约。
// Validate 不向磁盘写入任何解压字节；Extract 只在 Validate 通过后调用。
type Format interface {
	Name() string
	Validate(ctx context.Context, archivePath string, limits Limits) (*ValidationResult, error)
	Extract(ctx context.Context, archivePath, destDir string, limits Limits) error
}

// Guard 按配置边界守卫所有压缩包的进入。
type Guard struct {
	limits        Limits
	allowExternal bool
	sevenZipPath  string
}

// NewGuard 根据配置创建守卫。
func NewGuard(cfg config.ArchiveConfig) *Guard {
	return &Guard{
		limits: Limits{
			MaxCompressionRatio:  cfg.MaxCompressionRatio,
			MaxEntryCount:        cfg.MaxEntryCount,
			MaxTotalUncompressed: cfg.MaxTotalUncompressed,
		},
		allowExternal: cfg.EnableExternalTools,
		sevenZipPath:  cfg.SevenZipPath,
	}
}

// formatFor 根据字节签名（回退到扩展名）选择格式实现。
func (g *Guard) formatFor(archivePath string) (Format, error) {
	sniffed, err := hashing.SniffFormat(archivePath)
	if err != nil {
		return nil, err
	}
	if sniffed == "" {
		// 签名缺失时按扩展名兜底
		switch strings.ToLower(filepath.Ext(archivePath)) {
		case ".zip":
			sniffed = hashing.FormatZip
		case ".tar":
			sniffed = hashing.FormatTar
		case ".gz", ".tgz":
			sniffed = hashing.FormatGzip
		case ".7z":
			sniffed = hashing.Format7z
		case ".rar":
			sniffed = hashing.FormatRar
		}
	}

	switch sniffed {
	case hashing.FormatZip:
		return zipFormat{}, nil
	case hashing.FormatTar:
		return tarFormat{}, nil
	case hashing.FormatGzip:
		return gzipFormat{}, nil
	case hashing.Format7z, hashing.FormatRar:
		if !g.allowExternal {
			return nil, fmt.Errorf("%w: %s 需要外部工具且已被禁用", ErrUnsupportedFormat, sniffed)
		}
		return externalFormat{format: sniffed, sevenZip: g.sevenZipPath}, nil
	}
	return nil, fmt.Errorf("%w: 无法识别的容器格式", ErrUnsupportedFormat)
}

// Process 对压缩包执行完整的守卫流程：校验边界，通过后受限解压到 destDir。
// 任何一步失败都会整体丢弃 destDir，从调用方视角解压是全有或全无的。
func (g *Guard) Process(ctx context.Context, archivePath, destDir string) (*ValidationResult, error) {
	format, err := g.formatFor(archivePath)
	if err != nil {
		return nil, err
	}

	log.Infof("[ArchiveGuard] 开始校验压缩包: %s, 格式: %s", archivePath, format.Name())
	result, err := format.Validate(ctx, archivePath, g.limits)
	if err != nil {
		return nil, fmt.Errorf("校验压缩包失败: %w", err)
	}
	if !result.Valid {
		return result, fmt.Errorf("%w: %s", ErrUnsafeArchive, strings.Join(result.Errors, "; "))
	}
	for _, w := range result.Warnings {
		log.Warnf("[ArchiveGuard] 压缩包告警: %s: %s", archivePath, w)
	}

	if err := fsutil.EnsureDir(destDir); err != nil {
		return result, err
	}
	if err := format.Extract(ctx, archivePath, destDir, g.limits); err != nil {
		// 已写出的兄弟条目一并丢弃
		_ = fsutil.RemoveDir(destDir)
		return result, fmt.Errorf("解压失败，已丢弃全部解压内容: %w", err)
	}

	log.Infof("[ArchiveGuard] 压缩包通过校验并完成解压: %s, 条目数: %d, 解压后大小: %d",
		archivePath, result.EntryCount, result.TotalUncompressed)
	return result, nil
}

// entryNameUnsafe 在没有解压根目录上下文时检查条目名本身是否安全：
// 规范化后不允许绝对路径，也不允许父目录穿越片段。
func entryNameUnsafe(name string) bool {
	if name == "" {
		return true
	}
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return true
	}
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) {
		return true
	}
	return cleaned == ".." || strings.HasPrefix(cleaned, "../")
}

// secureJoin 把条目名约束在 root 之内，返回目标路径。
func secureJoin(root, name string) (string, error) {
	if entryNameUnsafe(name) {
		return "", fmt.Errorf("条目路径不安全: %q", name)
	}
	dest := filepath.Join(root, filepath.Clean(strings.ReplaceAll(name, "\\", "/")))
	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("条目路径逃出解压根目录: %q", name)
	}
	return dest, nil
}

// validateDestination 在打开写句柄前的最后一刻重新校验目标路径：
// 解析已存在祖先目录的符号链接，确认真实落点仍在 root 之内（防 TOCTOU）。
func validateDestination(root, dest string) error {
	rootReal, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("解析解压根目录失败: %w", err)
	}

	// 找到 dest 已存在的最近祖先
	ancestor := filepath.Dir(dest)
	for {
		if _, err := os.Lstat(ancestor); err == nil {
			break
		}
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			break
		}
		ancestor = parent
	}

	ancestorReal, err := filepath.EvalSymlinks(ancestor)
	if err != nil {
		return fmt.Errorf("解析目标祖先目录失败: %w", err)
	}
	rel, err := filepath.Rel(rootReal, ancestorReal)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return fmt.Errorf("目标路径经符号链接逃出解压根目录: %q", dest)
	}
	return nil
}
