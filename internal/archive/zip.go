package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"retro-ingest-go/pkg/fsutil"

	"github.com/klauspost/compress/zip"
)

// zipFormat 基于 ZIP 中央目录实现无解压预检，再逐条目流式解压。
type zipFormat struct{}

func (zipFormat) Name() string { return "zip" }

// Validate 只读中央目录，不解压任何字节。
func (zipFormat) Validate(ctx context.Context, archivePath string, limits Limits) (*ValidationResult, error) {
	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("读取压缩包信息失败: %w", err)
	}
	result := &ValidationResult{CompressedSize: info.Size()}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		result.addError("无法解析 ZIP 中央目录: %v", err)
		result.Valid = false
		return result, nil
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.EntryCount++
		result.TotalUncompressed += int64(f.UncompressedSize64)

		if entryNameUnsafe(f.Name) {
			result.addError("条目路径不安全: %q", f.Name)
		}
		if f.Mode()&os.ModeSymlink != 0 {
			result.addError("包含符号链接条目: %q", f.Name)
		}
	}

	result.finish(limits)
	return result, nil
}

// Extract 逐条目解压，落笔前对每个目标路径做最后一次校验。
func (zipFormat) Extract(ctx context.Context, archivePath, destDir string, limits Limits) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("打开 ZIP 失败: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := extractZipEntry(f, destDir); err != nil {
			return fmt.Errorf("解压条目 %q 失败: %w", f.Name, err)
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, destDir string) error {
	dest, err := secureJoin(destDir, f.Name)
	if err != nil {
		return err
	}

	if f.FileInfo().IsDir() {
		return fsutil.EnsureDir(dest)
	}
	if f.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("拒绝符号链接条目")
	}

	if err := fsutil.EnsureDir(filepath.Dir(dest)); err != nil {
		return err
	}
	// 打开写句柄前的最后一次路径校验
	if err := validateDestination(destDir, dest); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("打开条目数据失败: %w", err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("创建目标文件失败: %w", err)
	}

	// 按中央目录声明的大小设限，条目实际膨胀超过声明即失败
	declared := int64(f.UncompressedSize64)
	written, err := io.Copy(out, io.LimitReader(rc, declared+1))
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("写出条目内容失败: %w", err)
	}
	if written > declared {
		return fmt.Errorf("条目实际大小超过声明的 %d 字节", declared)
	}
	return nil
}
