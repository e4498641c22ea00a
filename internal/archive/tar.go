package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"retro-ingest-go/pkg/fsutil"

	"github.com/klauspost/compress/gzip"
)

// tarFormat 处理未压缩的 tar 包。tar 没有中央目录，预检通过一次
// 只读头部的扫描完成，不写出任何解压字节。
type tarFormat struct{}

func (tarFormat) Name() string { return "tar" }

func (tarFormat) Validate(ctx context.Context, archivePath string, limits Limits) (*ValidationResult, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("打开压缩包失败: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	result := &ValidationResult{CompressedSize: info.Size()}
	scanTarStream(ctx, tar.NewReader(f), limits, result)
	result.finish(limits)
	return result, nil
}

func (tarFormat) Extract(ctx context.Context, archivePath, destDir string, limits Limits) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("打开压缩包失败: %w", err)
	}
	defer f.Close()
	return extractTarStream(ctx, tar.NewReader(f), destDir)
}

// gzipFormat 处理 gzip 输入：内容是 tar 流时按 tar.gz 处理，
// 否则视作单文件压缩（如 game.nes.gz）。
type gzipFormat struct{}

func (gzipFormat) Name() string { return "gzip" }

func (gzipFormat) Validate(ctx context.Context, archivePath string, limits Limits) (*ValidationResult, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("打开压缩包失败: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	result := &ValidationResult{CompressedSize: info.Size()}

	gz, err := gzip.NewReader(f)
	if err != nil {
		result.addError("无法解析 gzip 头: %v", err)
		result.Valid = false
		return result, nil
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	if _, err := tr.Next(); err != nil {
		// 非 tar 内容：按单文件压缩计量，读取受绝对上限约束
		return validateSingleGzip(ctx, archivePath, limits, result)
	}

	// 回到流起点重新扫描完整 tar
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	gz2, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz2.Close()
	scanTarStream(ctx, tar.NewReader(gz2), limits, result)
	result.finish(limits)
	return result, nil
}

func (gzipFormat) Extract(ctx context.Context, archivePath, destDir string, limits Limits) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("打开压缩包失败: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("解析 gzip 头失败: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	if _, err := tr.Next(); err != nil {
		return extractSingleGzip(ctx, archivePath, destDir, limits)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	gz2, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz2.Close()
	return extractTarStream(ctx, tar.NewReader(gz2), destDir)
}

// scanTarStream 只读遍历 tar 头部，累计条目数与解压大小并检查路径。
// 任一绝对上限被突破时提前终止扫描，避免在炸弹输入上空转。
func scanTarStream(ctx context.Context, tr *tar.Reader, limits Limits, result *ValidationResult) {
	for {
		if err := ctx.Err(); err != nil {
			result.addError("扫描被取消: %v", err)
			return
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			result.addError("tar 流损坏: %v", err)
			return
		}

		result.EntryCount++
		switch hdr.Typeflag {
		case tar.TypeReg:
			result.TotalUncompressed += hdr.Size
		case tar.TypeDir:
			// 目录不计大小
		case tar.TypeSymlink, tar.TypeLink:
			result.addError("包含链接条目: %q", hdr.Name)
		default:
			result.addError("包含不支持的条目类型 %q: %q", hdr.Typeflag, hdr.Name)
		}
		if entryNameUnsafe(hdr.Name) {
			result.addError("条目路径不安全: %q", hdr.Name)
		}

		if limits.MaxEntryCount > 0 && result.EntryCount > limits.MaxEntryCount {
			result.addError("条目数超过上限 %d，终止扫描", limits.MaxEntryCount)
			return
		}
		if limits.MaxTotalUncompressed > 0 && result.TotalUncompressed > limits.MaxTotalUncompressed {
			result.addError("解压后总大小超过上限 %d，终止扫描", limits.MaxTotalUncompressed)
			return
		}
	}
}

// extractTarStream 流式写出 tar 条目，只接受普通文件与目录。
func extractTarStream(ctx context.Context, tr *tar.Reader, destDir string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("读取 tar 头失败: %w", err)
		}

		dest, err := secureJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fsutil.EnsureDir(dest); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := fsutil.EnsureDir(filepath.Dir(dest)); err != nil {
				return err
			}
			if err := validateDestination(destDir, dest); err != nil {
				return err
			}
			if err := writeEntry(dest, tr, hdr.Size); err != nil {
				return fmt.Errorf("写出条目 %q 失败: %w", hdr.Name, err)
			}
		default:
			return fmt.Errorf("拒绝条目类型 %q: %q", hdr.Typeflag, hdr.Name)
		}
	}
}

// validateSingleGzip 计量单文件 gzip 的解压大小，读取被绝对上限截断。
func validateSingleGzip(ctx context.Context, archivePath string, limits Limits, result *ValidationResult) (*ValidationResult, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		result.addError("无法解析 gzip 头: %v", err)
		result.Valid = false
		return result, nil
	}
	defer gz.Close()

	result.EntryCount = 1
	limit := limits.MaxTotalUncompressed
	if limit <= 0 {
		limit = int64(64) << 30
	}
	n, err := io.Copy(io.Discard, io.LimitReader(ctxReader{ctx: ctx, r: gz}, limit+1))
	if err != nil {
		result.addError("解码 gzip 内容失败: %v", err)
	}
	result.TotalUncompressed = n
	result.finish(limits)
	return result, nil
}

// extractSingleGzip 把单文件 gzip 解压为去掉 .gz 后缀的文件。
func extractSingleGzip(ctx context.Context, archivePath, destDir string, limits Limits) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("解析 gzip 头失败: %w", err)
	}
	defer gz.Close()

	name := strings.TrimSuffix(filepath.Base(archivePath), ".gz")
	name = strings.TrimSuffix(name, ".tgz")
	if name == "" {
		name = "content"
	}
	dest, err := secureJoin(destDir, name)
	if err != nil {
		return err
	}
	if err := validateDestination(destDir, dest); err != nil {
		return err
	}

	limit := limits.MaxTotalUncompressed
	if limit <= 0 {
		limit = int64(64) << 30
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	written, err := io.Copy(out, io.LimitReader(ctxReader{ctx: ctx, r: gz}, limit+1))
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("写出解压内容失败: %w", err)
	}
	if written > limit {
		return fmt.Errorf("解压内容超过绝对上限 %d 字节", limit)
	}
	return nil
}

// writeEntry 把一个 tar 条目写到 dest，按头部声明的大小设限。
func writeEntry(dest string, r io.Reader, declared int64) error {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	written, err := io.Copy(out, io.LimitReader(r, declared+1))
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if written > declared {
		return fmt.Errorf("条目实际大小超过声明的 %d 字节", declared)
	}
	return nil
}

// ctxReader 在长读取中响应取消。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
