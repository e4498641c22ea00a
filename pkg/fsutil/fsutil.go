// Package fsutil 提供安全的文件系统操作：原子移动、目录管理与文件名清洗。
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"retro-ingest-go/pkg/log"
)

// renameAttempts 重命名失败时的有限重试次数（对应存储层瞬时故障）。
const renameAttempts = 3

// EnsureDir 确保目录存在，不存在时递归创建。
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("创建目录 %s 失败: %w", path, err)
	}
	return nil
}

// SanitizeFileName 将客户端声明的文件名压缩为一个安全的基础名：
// 去除路径分隔符与父目录片段，过滤控制字符，拒绝空结果。
func SanitizeFileName(name string) string {
	// 统一分隔符后仅保留最后一段
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// 丢弃控制字符
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	cleaned := strings.Trim(b.String(), " .")
	if cleaned == "" || cleaned == "_" {
		return "unnamed"
	}
	return cleaned
}

// AtomicMove 将 src 原子地移动到 dst：同卷时直接重命名，跨卷时退化为
// 复制+删除，任何失败都会清理目标端的半成品文件。
func AtomicMove(src, dst string) error {
	if err := EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}

	var lastErr error
	for i := 0; i < renameAttempts; i++ {
		if err := os.Rename(src, dst); err == nil {
			return nil
		} else if isCrossDevice(err) {
			return copyAndRemove(src, dst)
		} else {
			lastErr = err
			time.Sleep(time.Duration(i+1) * 50 * time.Millisecond)
		}
	}
	return fmt.Errorf("重命名 %s -> %s 失败: %w", src, dst, lastErr)
}

// isCrossDevice 判断错误是否为跨文件系统的 rename 失败 (EXDEV)。
func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

// copyAndRemove 跨卷移动的回退路径：写入 dst 的临时文件，fsync 后改名到位，
// 最后删除 src。任何一步失败都会移除已写入的目标字节。
func copyAndRemove(src, dst string) error {
	tmp := dst + ".partial"

	if err := copyFile(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("跨卷移动落位失败: %w", err)
	}
	if err := os.Remove(src); err != nil {
		// 目标已经完整，源残留仅记录告警
		log.Warnf("[AtomicMove] 移动完成但源文件删除失败: %s, err=%v", src, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("打开源文件失败: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("创建目标文件失败: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("复制文件内容失败: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("刷盘失败: %w", err)
	}
	return out.Close()
}

// RemoveDir 删除整个目录树。目录不存在时视为成功。
func RemoveDir(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("删除目录 %s 失败: %w", path, err)
	}
	return nil
}

// UniquePath 在 path 已存在时派生一个不冲突的路径（插入短后缀）。
func UniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
