// Package pipeline 实现分片齐备后的后台装配管道：
// 拼接 -> 完整性校验 -> 格式嗅探 -> 压缩包安全校验 -> 入库。
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"retro-ingest-go/internal/archive"
	"retro-ingest-go/internal/broadcast"
	"retro-ingest-go/internal/chunkstore"
	"retro-ingest-go/internal/config"
	"retro-ingest-go/internal/model"
	"retro-ingest-go/internal/repository"
	"retro-ingest-go/internal/sessionlock"
	"retro-ingest-go/pkg/fsutil"
	"retro-ingest-go/pkg/hashing"
	"retro-ingest-go/pkg/log"
	"retro-ingest-go/pkg/storage"
	"retro-ingest-go/pkg/tasks"
)

// 校验结论。
const (
	OutcomePassed     = "PASSED"
	OutcomeNotArchive = "NOT_ARCHIVE"
)

// artifactMetadata 是写入会话 Metadata 字段的装配结果快照。
type artifactMetadata struct {
	Format     string                    `json:"format,omitempty"`
	Platform   string                    `json:"platform"`
	FileSize   int64                     `json:"fileSize"`
	SHA256     string                    `json:"sha256"`
	Validation *archive.ValidationResult `json:"validation,omitempty"`
}

// Processor 消费装配任务并把会话推进到终态。
// 实现 kafka.TaskProcessor，也可由 DirectDispatcher 在进程内直接调用。
type Processor struct {
	sessionRepo repository.SessionRepository
	catalogRepo repository.CatalogRepository
	chunks      *chunkstore.Store
	guard       *archive.Guard
	broadcaster *broadcast.Broadcaster
	locks       *sessionlock.Registry
	storageCfg  config.StorageConfig
	archiveCfg  config.ArchiveConfig
	minioCfg    config.MinIOConfig
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	sessionRepo repository.SessionRepository,
	catalogRepo repository.CatalogRepository,
	chunks *chunkstore.Store,
	guard *archive.Guard,
	broadcaster *broadcast.Broadcaster,
	locks *sessionlock.Registry,
	storageCfg config.StorageConfig,
	archiveCfg config.ArchiveConfig,
	minioCfg config.MinIOConfig,
) *Processor {
	return &Processor{
		sessionRepo: sessionRepo,
		catalogRepo: catalogRepo,
		chunks:      chunks,
		guard:       guard,
		broadcaster: broadcaster,
		locks:       locks,
		storageCfg:  storageCfg,
		archiveCfg:  archiveCfg,
		minioCfg:    minioCfg,
	}
}

// Process 执行一次完整的装配。任何一步失败都把会话记为 FAILED 并
// 回收暂存字节；会话已被并发取消时放弃提交，不覆盖终态。
func (p *Processor) Process(ctx context.Context, task tasks.AssemblyTask) error {
	sessionID := task.SessionID
	log.Infof("[Process] 开始装配, sessionID: %s, fileName: %s", sessionID, task.FileName)

	session, err := p.sessionRepo.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("读取会话记录失败: %w", err)
	}
	if session.Status != model.StatusProcessing {
		log.Warnf("[Process] 会话状态为 %s, 跳过装配, sessionID: %s", session.Status, sessionID)
		return nil
	}

	// 1. 按索引顺序拼接分片
	assembledPath, err := p.chunks.Assemble(sessionID, session.TotalChunks, session.FileName)
	if err != nil {
		return p.fail(ctx, sessionID, fmt.Errorf("拼接分片失败: %w", err))
	}

	// 2. 整文件哈希与完整性校验
	wholeHash, size, err := hashing.HashFile(assembledPath)
	if err != nil {
		return p.fail(ctx, sessionID, fmt.Errorf("计算整文件哈希失败: %w", err))
	}
	if size != session.FileSize {
		return p.fail(ctx, sessionID, fmt.Errorf("拼接结果 %d 字节与声明的 %d 字节不一致", size, session.FileSize))
	}
	if session.DeclaredHash != "" && wholeHash != session.DeclaredHash {
		return p.fail(ctx, sessionID, fmt.Errorf("整文件哈希不匹配: 实际 %s, 声明 %s", wholeHash, session.DeclaredHash))
	}
	session.WholeFileHash = wholeHash

	// 3. 未声明哈希的会话在此刻补做查重
	if session.DeclaredHash == "" {
		exists, err := p.catalogRepo.HashExists(wholeHash)
		if err != nil {
			return p.fail(ctx, sessionID, fmt.Errorf("查询目录库失败: %w", err))
		}
		if exists {
			return p.fail(ctx, sessionID, fmt.Errorf("产物已存在: hash=%s", wholeHash))
		}
	}

	// 4. 字节签名嗅探：扩展名有签名预期而实际对不上的，一律拒收
	sniffed, err := hashing.SniffFormat(assembledPath)
	if err != nil {
		return p.fail(ctx, sessionID, fmt.Errorf("嗅探文件格式失败: %w", err))
	}
	if expected := hashing.ExpectedFormats(session.FileName); len(expected) > 0 {
		if !containsFormat(expected, sniffed) {
			return p.fail(ctx, sessionID,
				fmt.Errorf("文件签名与扩展名不符: 扩展名期望 %v, 实际 %q", expected, sniffed))
		}
	}

	// 5. 容器格式走压缩包安全校验：校验 + 试解压到暂存目录，解压产物
	// 不入库，压缩包本身才是产物
	meta := artifactMetadata{
		Format:   sniffed,
		Platform: session.Platform,
		FileSize: size,
		SHA256:   wholeHash,
	}
	outcome := OutcomeNotArchive
	if hashing.IsContainerFormat(sniffed) {
		result, err := p.validateArchive(ctx, sessionID, assembledPath)
		if err != nil {
			return p.fail(ctx, sessionID, err)
		}
		meta.Validation = result
		outcome = OutcomePassed
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return p.fail(ctx, sessionID, fmt.Errorf("序列化装配元数据失败: %w", err))
	}

	// 6. 锁内提交：并发取消赢了就放弃，不碰文件系统的最终布局
	lock := p.locks.Get(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err = p.sessionRepo.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("读取会话记录失败: %w", err)
	}
	if session.Status != model.StatusProcessing {
		log.Warnf("[Process] 会话在装配期间进入 %s 状态, 放弃提交, sessionID: %s", session.Status, sessionID)
		return nil
	}

	finalPath, err := p.commitArtifact(session, assembledPath)
	if err != nil {
		return p.failLocked(ctx, session, err)
	}

	now := time.Now()
	session.WholeFileHash = wholeHash
	session.FinalPath = finalPath
	session.ValidationOutcome = outcome
	session.Metadata = string(metaJSON)
	session.Status = model.StatusCompleted
	session.ProcessingEnded = &now
	if err := p.sessionRepo.UpdateSession(session); err != nil {
		return p.failLocked(ctx, session, fmt.Errorf("更新会话记录失败: %w", err))
	}

	// 7. 回收暂存资源。哈希预留只能在 COMPLETED 记录落库之后释放：
	// 发起端先预留再查目录库，依赖这个顺序不漏判刚完成的同哈希会话
	if err := p.chunks.Release(sessionID); err != nil {
		log.Warnf("[Process] 回收暂存目录失败, sessionID: %s, error: %v", sessionID, err)
	}
	if err := p.sessionRepo.DeleteUploadMark(ctx, sessionID); err != nil {
		log.Warnf("[Process] 删除分片位图失败, sessionID: %s, error: %v", sessionID, err)
	}
	if session.DeclaredHash != "" {
		if err := p.catalogRepo.ReleaseHash(ctx, session.DeclaredHash, sessionID); err != nil {
			log.Warnf("[Process] 释放哈希预留失败, sessionID: %s, error: %v", sessionID, err)
		}
	}
	p.locks.Forget(sessionID)

	p.broadcaster.Publish(broadcast.Event{
		SessionID:      sessionID,
		Type:           broadcast.EventSessionCompleted,
		Status:         session.Status,
		UploadedChunks: session.UploadedChunks,
		TotalChunks:    session.TotalChunks,
	})
	log.Infof("[Process] 装配完成, sessionID: %s, finalPath: %s, sha256: %s", sessionID, finalPath, wholeHash)

	// 8. 可选：异步镜像到对象存储，失败只告警不影响会话终态
	if p.minioCfg.Enabled {
		go p.mirror(session.ID, wholeHash, session.FileName, finalPath)
	}
	return nil
}

// validateArchive 对容器格式做校验 + 受限试解压，解压产物随后丢弃。
func (p *Processor) validateArchive(ctx context.Context, sessionID, archivePath string) (*archive.ValidationResult, error) {
	extractDir := filepath.Join(p.chunks.SessionDir(sessionID), ".extract")
	timeout := time.Duration(p.archiveCfg.ExtractTimeoutSeconds) * time.Second
	extractCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := p.guard.Process(extractCtx, archivePath, extractDir)
	if err != nil {
		if errors.Is(err, archive.ErrUnsafeArchive) || errors.Is(err, archive.ErrUnsupportedFormat) {
			return nil, fmt.Errorf("压缩包安全校验未通过: %w", err)
		}
		return nil, fmt.Errorf("压缩包校验失败: %w", err)
	}
	if err := fsutil.RemoveDir(extractDir); err != nil {
		log.Warnf("[Process] 清理试解压目录失败, sessionID: %s, error: %v", sessionID, err)
	}
	return result, nil
}

// commitArtifact 把拼接产物原子落位到 <library>/<platform>/<name>，
// 同名文件通过追加序号避让，不覆盖已入库的产物。
func (p *Processor) commitArtifact(session *model.UploadSession, assembledPath string) (string, error) {
	platform := session.Platform
	if platform == "" {
		platform = "unknown"
	}
	destDir := filepath.Join(p.storageCfg.LibraryDir, fsutil.SanitizeFileName(platform))
	if err := fsutil.EnsureDir(destDir); err != nil {
		return "", fmt.Errorf("创建入库目录失败: %w", err)
	}
	dest := fsutil.UniquePath(filepath.Join(destDir, fsutil.SanitizeFileName(session.FileName)))
	if err := fsutil.AtomicMove(assembledPath, dest); err != nil {
		return "", fmt.Errorf("产物入库失败: %w", err)
	}
	return dest, nil
}

// mirror 把已入库的产物上传到对象存储。
func (p *Processor) mirror(sessionID, fileHash, fileName, filePath string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := storage.MirrorArtifact(ctx, p.minioCfg.BucketName, fileHash, fileName, filePath); err != nil {
		log.Errorf("[mirror] 镜像产物到对象存储失败, sessionID: %s, error: %v", sessionID, err)
		return
	}
	log.Infof("[mirror] 产物已镜像到对象存储, sessionID: %s, hash: %s", sessionID, fileHash)
}

// fail 把会话记为 FAILED 并回收暂存资源（先取锁再重读）。
func (p *Processor) fail(ctx context.Context, sessionID string, cause error) error {
	lock := p.locks.Get(sessionID)
	lock.Lock()
	defer lock.Unlock()
	session, err := p.sessionRepo.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("读取会话记录失败: %w (原始错误: %v)", err, cause)
	}
	return p.failLocked(ctx, session, cause)
}

// failLocked 在会话锁内执行失败落库。会话已不在 PROCESSING（例如被
// 并发取消）时不覆盖其状态。
func (p *Processor) failLocked(ctx context.Context, session *model.UploadSession, cause error) error {
	log.Errorf("[Process] 装配失败, sessionID: %s, error: %v", session.ID, cause)
	if session.Status != model.StatusProcessing {
		return cause
	}
	now := time.Now()
	session.Status = model.StatusFailed
	session.ProcessingError = cause.Error()
	session.ProcessingEnded = &now
	if err := p.sessionRepo.UpdateSession(session); err != nil {
		log.Errorf("[Process] 更新失败状态落库失败, sessionID: %s, error: %v", session.ID, err)
		return cause
	}

	if err := p.chunks.Release(session.ID); err != nil {
		log.Warnf("[Process] 回收暂存目录失败, sessionID: %s, error: %v", session.ID, err)
	}
	if err := p.sessionRepo.DeleteUploadMark(ctx, session.ID); err != nil {
		log.Warnf("[Process] 删除分片位图失败, sessionID: %s, error: %v", session.ID, err)
	}
	if session.DeclaredHash != "" {
		if err := p.catalogRepo.ReleaseHash(ctx, session.DeclaredHash, session.ID); err != nil {
			log.Warnf("[Process] 释放哈希预留失败, sessionID: %s, error: %v", session.ID, err)
		}
	}
	p.locks.Forget(session.ID)

	p.broadcaster.Publish(broadcast.Event{
		SessionID:      session.ID,
		Type:           broadcast.EventSessionFailed,
		Status:         session.Status,
		UploadedChunks: session.UploadedChunks,
		TotalChunks:    session.TotalChunks,
	})
	return cause
}

func containsFormat(formats []string, format string) bool {
	for _, f := range formats {
		if f == format {
			return true
		}
	}
	return false
}

// DirectDispatcher 在进程内直接起 goroutine 执行装配，
// 用于未启用 Kafka 的部署形态。
type DirectDispatcher struct {
	processor *Processor
}

// NewDirectDispatcher 创建一个进程内装配派发器。
func NewDirectDispatcher(processor *Processor) *DirectDispatcher {
	return &DirectDispatcher{processor: processor}
}

// Dispatch 异步执行装配任务。派发本身永不失败。
func (d *DirectDispatcher) Dispatch(_ context.Context, task tasks.AssemblyTask) error {
	go func() {
		if err := d.processor.Process(context.Background(), task); err != nil {
			log.Errorf("[Dispatch] 装配任务执行失败, sessionID: %s, error: %v", task.SessionID, err)
		}
	}()
	return nil
}
