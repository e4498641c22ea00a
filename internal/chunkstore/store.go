// Package chunkstore 管理每个会话的暂存目录与分片文件。
// 布局：<staging>/<sessionID>/chunk_<index>，装配产物也先落在会话目录内。
package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"retro-ingest-go/pkg/fsutil"

	"github.com/google/uuid"
)

// Store 以一个暂存根目录为界管理所有会话的分片文件。
type Store struct {
	root string
}

// NewStore 创建分片存储，确保暂存根目录存在。
func NewStore(root string) (*Store, error) {
	if err := fsutil.EnsureDir(root); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

// SessionDir 返回会话的暂存目录路径。
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// ChunkPath 返回某个分片在暂存区内的文件路径。
func (s *Store) ChunkPath(sessionID string, chunkIndex int) string {
	return filepath.Join(s.SessionDir(sessionID), fmt.Sprintf("chunk_%d", chunkIndex))
}

// AllocateSession 为新会话创建暂存目录并返回其路径。
func (s *Store) AllocateSession(sessionID string) (string, error) {
	dir := s.SessionDir(sessionID)
	if err := fsutil.EnsureDir(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// SessionDirExists 报告会话的暂存目录是否仍然存在。
func (s *Store) SessionDirExists(sessionID string) bool {
	info, err := os.Stat(s.SessionDir(sessionID))
	return err == nil && info.IsDir()
}

// StagedChunk 是已写入临时文件但尚未落位的分片。
// Size 与 Hash 在写入时即算出，供落位前的大小校验与重复比对使用。
type StagedChunk struct {
	path string
	Size int64
	Hash string
}

// Discard 删除暂存的临时文件。已落位（改名后）或已删除时为无操作。
func (c *StagedChunk) Discard() {
	_ = os.Remove(c.path)
}

// StageChunk 把分片字节写入唯一命名的临时文件，返回其大小与 SHA-256 摘要。
// 此步不落位：chunk_<index> 路径只能由 CommitChunk 在会话锁内写入，
// 同一索引的并发提交在落位前先通过在位位图分出先后。
func (s *Store) StageChunk(sessionID string, chunkIndex int, r io.Reader) (*StagedChunk, error) {
	dir := s.SessionDir(sessionID)
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, err
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".chunk_%d.%s", chunkIndex, uuid.NewString()[:8]))
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("创建分片临时文件失败: %w", err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("写入分片数据失败: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("关闭分片文件失败: %w", err)
	}
	return &StagedChunk{path: tmp, Size: n, Hash: hex.EncodeToString(h.Sum(nil))}, nil
}

// CommitChunk 把暂存分片改名到 chunk_<index> 的最终路径。
func (s *Store) CommitChunk(sessionID string, chunkIndex int, staged *StagedChunk) error {
	final := s.ChunkPath(sessionID, chunkIndex)
	if err := os.Rename(staged.path, final); err != nil {
		_ = os.Remove(staged.path)
		return fmt.Errorf("分片落位失败: %w", err)
	}
	return nil
}

// WriteChunk 是暂存加落位的一步式写入，供调用方自行保证索引互斥时使用。
func (s *Store) WriteChunk(sessionID string, chunkIndex int, r io.Reader) (int64, string, error) {
	staged, err := s.StageChunk(sessionID, chunkIndex, r)
	if err != nil {
		return 0, "", err
	}
	if err := s.CommitChunk(sessionID, chunkIndex, staged); err != nil {
		return staged.Size, "", err
	}
	return staged.Size, staged.Hash, nil
}

// Assemble 把 0..totalChunks-1 的分片按索引顺序拼接成候选文件，
// 返回候选文件路径。拼接结果与分片到达顺序无关。
func (s *Store) Assemble(sessionID string, totalChunks int, fileName string) (string, error) {
	dir := s.SessionDir(sessionID)
	candidate := filepath.Join(dir, fsutil.SanitizeFileName(fileName))

	out, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("创建装配目标文件失败: %w", err)
	}

	for i := 0; i < totalChunks; i++ {
		if err := appendChunk(out, s.ChunkPath(sessionID, i)); err != nil {
			_ = out.Close()
			_ = os.Remove(candidate)
			return "", fmt.Errorf("拼接分片 %d 失败: %w", i, err)
		}
	}

	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(candidate)
		return "", fmt.Errorf("装配文件刷盘失败: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(candidate)
		return "", fmt.Errorf("关闭装配文件失败: %w", err)
	}
	return candidate, nil
}

func appendChunk(out *os.File, chunkPath string) error {
	in, err := os.Open(chunkPath)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(out, in)
	return err
}

// Release 回收会话的全部暂存字节。
func (s *Store) Release(sessionID string) error {
	return fsutil.RemoveDir(s.SessionDir(sessionID))
}
