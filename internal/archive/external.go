package archive

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// externalFormat 通过 7z 命令行处理 7z 与 RAR。
// 安全约束：参数化调用（不经过 shell）、工作目录限制在解压根内、
// 由调用方的 context 限定最长耗时，解压完成后再整体复查产物路径。
type externalFormat struct {
	format   string
	sevenZip string
}

func (e externalFormat) Name() string { return e.format }

// Validate 用 `7z l -slt` 读取清单，不解压任何字节。
func (e externalFormat) Validate(ctx context.Context, archivePath string, limits Limits) (*ValidationResult, error) {
	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("读取压缩包信息失败: %w", err)
	}
	result := &ValidationResult{CompressedSize: info.Size()}

	// "--" 之后的路径不会被解释为选项
	cmd := exec.CommandContext(ctx, e.sevenZip, "l", "-slt", "-ba", "--", archivePath)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		result.addError("读取压缩包清单失败: %v", err)
		result.Valid = false
		return result, nil
	}

	parseSevenZipListing(&out, limits, result)
	result.finish(limits)
	return result, nil
}

// parseSevenZipListing 解析 -slt 输出的 "Key = Value" 条目块。
func parseSevenZipListing(out *bytes.Buffer, limits Limits, result *ValidationResult) {
	var entryPath string
	var isDir bool

	flush := func() {
		if entryPath == "" {
			return
		}
		result.EntryCount++
		if entryNameUnsafe(entryPath) {
			result.addError("条目路径不安全: %q", entryPath)
		}
		entryPath = ""
		isDir = false
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}
		key, value, found := strings.Cut(line, " = ")
		if !found {
			continue
		}
		switch key {
		case "Path":
			flush()
			entryPath = value
		case "Folder":
			isDir = value == "+"
		case "Size":
			if !isDir {
				if size, err := strconv.ParseInt(value, 10, 64); err == nil {
					result.TotalUncompressed += size
				}
			}
		case "Attributes":
			// 7z 用 "D" 前缀标记目录属性
			if strings.HasPrefix(value, "D") {
				isDir = true
			}
		}
	}
	flush()
}

// Extract 调用 `7z x` 落盘，完成后整体复查：拒绝符号链接与逃逸路径。
func (e externalFormat) Extract(ctx context.Context, archivePath, destDir string, limits Limits) error {
	cmd := exec.CommandContext(ctx, e.sevenZip, "x", "-y", "-o"+destDir, "--", archivePath)
	cmd.Dir = destDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("外部解压失败: %v, 输出: %s", err, truncateOutput(out.String()))
	}
	return auditExtractedTree(destDir)
}

// auditExtractedTree 解压后复查产物树：外部工具写出的任何符号链接
// 或解析后逃出根目录的路径都判定为失败。
func auditExtractedTree(destDir string) error {
	rootReal, err := filepath.EvalSymlinks(destDir)
	if err != nil {
		return err
	}
	return filepath.Walk(destDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("解压产物中发现符号链接: %q", path)
		}
		real, err := filepath.EvalSymlinks(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(rootReal, real)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			return fmt.Errorf("解压产物逃出根目录: %q", path)
		}
		return nil
	})
}

func truncateOutput(s string) string {
	const max = 512
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
