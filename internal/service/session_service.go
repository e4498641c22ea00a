// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"
	"time"

	"retro-ingest-go/internal/broadcast"
	"retro-ingest-go/internal/chunkstore"
	"retro-ingest-go/internal/config"
	"retro-ingest-go/internal/model"
	"retro-ingest-go/internal/repository"
	"retro-ingest-go/internal/sessionlock"
	"retro-ingest-go/pkg/hashing"
	"retro-ingest-go/pkg/log"
	"retro-ingest-go/pkg/tasks"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AssemblyDispatcher 把"所有分片齐备"的会话派发到后台装配管道。
// 派发与执行解耦：实现可以写 Kafka，也可以直接起 goroutine。
type AssemblyDispatcher interface {
	Dispatch(ctx context.Context, task tasks.AssemblyTask) error
}

// InitiateRequest 是发起上传会话的全部参数。
type InitiateRequest struct {
	FileName     string
	FileSize     int64
	DeclaredHash string // 可选，客户端声明的整文件 SHA-256
	ChunkSize    int64  // 0 表示使用默认值
	MimeType     string
}

// ChunkReceipt 是一次分片提交的结果。
type ChunkReceipt struct {
	Accepted        bool
	SessionComplete bool
	UploadedChunks  int
	TotalChunks     int
}

// SessionStatus 是状态查询的完整视图，含分片在位位图供客户端断线重同步。
type SessionStatus struct {
	Session         *model.UploadSession
	UploadedIndexes []int
	Present         []bool
}

// SessionService 接口定义了上传会话生命周期的全部业务操作。
type SessionService interface {
	Initiate(ctx context.Context, req InitiateRequest) (*model.UploadSession, error)
	AdmitChunk(ctx context.Context, sessionID string, chunkIndex int, declaredSize int64, data io.Reader) (*ChunkReceipt, error)
	Complete(ctx context.Context, sessionID string) error
	Cancel(ctx context.Context, sessionID string) error
	GetStatus(ctx context.Context, sessionID string) (*SessionStatus, error)
	List(ctx context.Context, status string) ([]model.UploadSession, error)
}

type sessionService struct {
	sessionRepo repository.SessionRepository
	catalogRepo repository.CatalogRepository
	chunks      *chunkstore.Store
	broadcaster *broadcast.Broadcaster
	dispatcher  AssemblyDispatcher
	locks       *sessionlock.Registry
	uploadCfg   config.UploadConfig
}

// NewSessionService 创建一个新的 SessionService 实例。
func NewSessionService(
	sessionRepo repository.SessionRepository,
	catalogRepo repository.CatalogRepository,
	chunks *chunkstore.Store,
	broadcaster *broadcast.Broadcaster,
	dispatcher AssemblyDispatcher,
	locks *sessionlock.Registry,
	uploadCfg config.UploadConfig,
) SessionService {
	return &sessionService{
		sessionRepo: sessionRepo,
		catalogRepo: catalogRepo,
		chunks:      chunks,
		broadcaster: broadcaster,
		dispatcher:  dispatcher,
		locks:       locks,
		uploadCfg:   uploadCfg,
	}
}

// Initiate 校验发起参数并创建新的上传会话。
func (s *sessionService) Initiate(ctx context.Context, req InitiateRequest) (*model.UploadSession, error) {
	log.Infof("[Initiate] 收到上传发起请求, fileName: %s, fileSize: %d, declaredHash: %s",
		req.FileName, req.FileSize, req.DeclaredHash)

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = s.uploadCfg.DefaultChunkSize
	}
	if err := s.validateInitiate(req, chunkSize); err != nil {
		return nil, err
	}

	// 查重 + 原子预留。必须先预留再查目录库：完成中的会话先落 COMPLETED
	// 记录再释放预留，所以预留到手之后的查重不会漏掉恰好在此刻完成的同哈希会话。
	sessionID := uuid.NewString()
	if req.DeclaredHash != "" {
		reserved, err := s.catalogRepo.ReserveHash(ctx, req.DeclaredHash, sessionID)
		if err != nil {
			return nil, fmt.Errorf("预留产物哈希失败: %w", err)
		}
		if !reserved {
			return nil, fmt.Errorf("%w: hash=%s 已被在途会话持有", ErrDuplicateArtifact, req.DeclaredHash)
		}
		exists, err := s.catalogRepo.HashExists(req.DeclaredHash)
		if err != nil {
			s.releaseReservation(ctx, req.DeclaredHash, sessionID)
			return nil, fmt.Errorf("查询目录库失败: %w", err)
		}
		if exists {
			s.releaseReservation(ctx, req.DeclaredHash, sessionID)
			return nil, fmt.Errorf("%w: hash=%s", ErrDuplicateArtifact, req.DeclaredHash)
		}
	}

	stagingPath, err := s.chunks.AllocateSession(sessionID)
	if err != nil {
		s.releaseReservation(ctx, req.DeclaredHash, sessionID)
		return nil, fmt.Errorf("分配暂存目录失败: %w", err)
	}

	now := time.Now()
	session := &model.UploadSession{
		ID:           sessionID,
		FileName:     req.FileName,
		FileSize:     req.FileSize,
		DeclaredHash: req.DeclaredHash,
		ChunkSize:    chunkSize,
		TotalChunks:  int(math.Ceil(float64(req.FileSize) / float64(chunkSize))),
		Status:       model.StatusInitiated,
		Platform:     hashing.DetectPlatform(req.FileName),
		MimeType:     req.MimeType,
		StagingPath:  stagingPath,
		ExpiresAt:    now.Add(time.Duration(s.uploadCfg.SessionTTLHours) * time.Hour),
	}
	if err := s.sessionRepo.CreateSession(session); err != nil {
		_ = s.chunks.Release(sessionID)
		s.releaseReservation(ctx, req.DeclaredHash, sessionID)
		return nil, fmt.Errorf("创建会话记录失败: %w", err)
	}

	s.broadcaster.Publish(broadcast.Event{
		SessionID:   session.ID,
		Type:        broadcast.EventSessionCreated,
		Status:      session.Status,
		TotalChunks: session.TotalChunks,
	})
	log.Infof("[Initiate] 会话创建成功, sessionID: %s, totalChunks: %d, platform: %s",
		session.ID, session.TotalChunks, session.Platform)
	return session, nil
}

// validateInitiate 检查发起参数的所有边界。
func (s *sessionService) validateInitiate(req InitiateRequest, chunkSize int64) error {
	if req.FileName == "" {
		return fmt.Errorf("%w: 缺少文件名", ErrInvalidRequest)
	}
	if req.FileSize <= 0 {
		return fmt.Errorf("%w: 文件大小必须为正", ErrInvalidRequest)
	}
	if req.FileSize > s.uploadCfg.MaxFileSize {
		return fmt.Errorf("%w: 文件大小 %d 超过上限 %d", ErrInvalidRequest, req.FileSize, s.uploadCfg.MaxFileSize)
	}
	if chunkSize < s.uploadCfg.MinChunkSize || chunkSize > s.uploadCfg.MaxChunkSize {
		return fmt.Errorf("%w: 分片大小 %d 不在允许区间 [%d, %d]",
			ErrInvalidRequest, chunkSize, s.uploadCfg.MinChunkSize, s.uploadCfg.MaxChunkSize)
	}
	if len(s.uploadCfg.AllowedExtensions) > 0 {
		ext := strings.ToLower(filepath.Ext(req.FileName))
		allowed := false
		for _, e := range s.uploadCfg.AllowedExtensions {
			if ext == e {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: 不支持的文件类型 %q", ErrInvalidRequest, ext)
		}
	}
	return nil
}

// expectedChunkSize 计算某个索引的期望分片大小：除最后一片外都等于协商
// 分片大小，最后一片等于余数。
func expectedChunkSize(session *model.UploadSession, chunkIndex int) int64 {
	if chunkIndex < session.TotalChunks-1 {
		return session.ChunkSize
	}
	remainder := session.FileSize - session.ChunkSize*int64(session.TotalChunks-1)
	return remainder
}

// AdmitChunk 接收一个分片。分片可以乱序、并发、重复提交；
// 对已在位索引的重复提交按哈希比对做幂等处理。
func (s *sessionService) AdmitChunk(ctx context.Context, sessionID string, chunkIndex int, declaredSize int64, data io.Reader) (*ChunkReceipt, error) {
	session, err := s.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.checkAdmissible(session, chunkIndex, declaredSize); err != nil {
		return nil, err
	}

	// 幂等快路径：索引已在位时只比对哈希，不落盘
	uploaded, err := s.sessionRepo.IsChunkUploaded(ctx, sessionID, chunkIndex)
	if err != nil {
		return nil, fmt.Errorf("查询分片在位状态失败: %w", err)
	}
	if uploaded {
		return s.handleDuplicate(ctx, session, chunkIndex, data)
	}

	// 分片字节先写入临时文件，落位改名推迟到会话锁内。
	// 大小校验必须在落位之前：错误大小的字节不允许出现在 chunk_<index> 路径上。
	staged, err := s.chunks.StageChunk(sessionID, chunkIndex, data)
	if err != nil {
		return nil, fmt.Errorf("持久化分片失败: %w", err)
	}
	defer staged.Discard()
	if expected := expectedChunkSize(session, chunkIndex); staged.Size != expected {
		return nil, fmt.Errorf("%w: 索引 %d 实际 %d 字节, 期望 %d 字节",
			ErrSizeMismatch, chunkIndex, staged.Size, expected)
	}

	// 落位与状态变更都在会话锁内序列化：同一索引的并发首传在位图上分出
	// 先后，后到者绝不改名覆盖已提交的分片，装配也只被触发一次
	lock := s.locks.Get(sessionID)
	lock.Lock()
	receipt, event, task, err := s.commitChunk(ctx, sessionID, chunkIndex, staged)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	if event != nil {
		s.broadcaster.Publish(*event)
	}
	if task != nil {
		log.Infof("[AdmitChunk] 会话 %s 全部分片齐备，派发装配任务", sessionID)
		if err := s.dispatcher.Dispatch(ctx, *task); err != nil {
			log.Errorf("[AdmitChunk] 派发装配任务失败, sessionID: %s, error: %v", sessionID, err)
			s.failDispatch(ctx, sessionID, err)
		}
	}
	return receipt, nil
}

// commitChunk 在会话锁内落位分片、登记记录并推进状态机。
// 返回要发布的事件与（在本次提交恰好凑齐所有分片时）要派发的装配任务。
func (s *sessionService) commitChunk(ctx context.Context, sessionID string, chunkIndex int, staged *chunkstore.StagedChunk) (*ChunkReceipt, *broadcast.Event, *tasks.AssemblyTask, error) {
	// 锁内重读：并发提交或并发取消可能已经改变会话
	session, err := s.loadSession(sessionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if model.IsTerminalStatus(session.Status) || session.Status == model.StatusProcessing {
		return nil, nil, nil, fmt.Errorf("%w: 状态 %s 不再接收分片", ErrSessionGone, session.Status)
	}

	// 同索引并发竞争：对方先落位则按重复提交处理，暂存字节由调用方丢弃，
	// 已提交的原分片在磁盘上原样保留
	uploaded, err := s.sessionRepo.IsChunkUploaded(ctx, sessionID, chunkIndex)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("查询分片在位状态失败: %w", err)
	}
	if uploaded {
		receipt, err := s.compareDuplicateHash(sessionID, chunkIndex, staged.Hash, session)
		return receipt, nil, nil, err
	}

	if err := s.chunks.CommitChunk(sessionID, chunkIndex, staged); err != nil {
		return nil, nil, nil, err
	}

	record := &model.UploadChunk{
		SessionID:   sessionID,
		ChunkIndex:  chunkIndex,
		Size:        staged.Size,
		Hash:        staged.Hash,
		StoragePath: s.chunks.ChunkPath(sessionID, chunkIndex),
		Uploaded:    true,
	}
	if err := s.sessionRepo.CreateChunkRecord(record); err != nil {
		return nil, nil, nil, fmt.Errorf("创建分片记录失败: %w", err)
	}
	if err := s.sessionRepo.MarkChunkUploaded(ctx, sessionID, chunkIndex); err != nil {
		return nil, nil, nil, fmt.Errorf("标记分片在位失败: %w", err)
	}

	indexes, err := s.sessionRepo.GetUploadedChunks(ctx, sessionID, session.TotalChunks)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("读取分片位图失败: %w", err)
	}
	session.UploadedChunks = len(indexes)
	if session.Status == model.StatusInitiated {
		session.Status = model.StatusUploading
	}

	complete := session.UploadedChunks == session.TotalChunks
	eventType := broadcast.EventChunkReceived
	var task *tasks.AssemblyTask
	if complete {
		// 唯一的 PROCESSING 入口。锁内判定保证并发提交最后两片时只走一次。
		session.Status = model.StatusProcessing
		now := time.Now()
		session.ProcessingStarted = &now
		eventType = broadcast.EventSessionProcessing
		task = &tasks.AssemblyTask{SessionID: sessionID, FileName: session.FileName}
	}
	if err := s.sessionRepo.UpdateSession(session); err != nil {
		return nil, nil, nil, fmt.Errorf("更新会话记录失败: %w", err)
	}

	receipt := &ChunkReceipt{
		Accepted:        true,
		SessionComplete: complete,
		UploadedChunks:  session.UploadedChunks,
		TotalChunks:     session.TotalChunks,
	}
	event := &broadcast.Event{
		SessionID:      sessionID,
		Type:           eventType,
		Status:         session.Status,
		UploadedChunks: session.UploadedChunks,
		TotalChunks:    session.TotalChunks,
	}
	return receipt, event, task, nil
}

// handleDuplicate 处理已在位索引的重复提交：字节一致为静默成功，
// 不一致说明客户端重传有缺陷，保留原分片并报告损坏。
func (s *sessionService) handleDuplicate(ctx context.Context, session *model.UploadSession, chunkIndex int, data io.Reader) (*ChunkReceipt, error) {
	newHash, _, err := hashing.HashReader(data)
	if err != nil {
		return nil, fmt.Errorf("计算重复分片哈希失败: %w", err)
	}
	return s.compareDuplicateHash(session.ID, chunkIndex, newHash, session)
}

func (s *sessionService) compareDuplicateHash(sessionID string, chunkIndex int, newHash string, session *model.UploadSession) (*ChunkReceipt, error) {
	record, err := s.sessionRepo.GetChunkRecord(sessionID, chunkIndex)
	if err != nil {
		return nil, fmt.Errorf("读取分片记录失败: %w", err)
	}
	if record.Hash != newHash {
		log.Warnf("[AdmitChunk] 重复分片哈希不一致, sessionID: %s, index: %d, 原: %s, 新: %s",
			sessionID, chunkIndex, record.Hash, newHash)
		return nil, fmt.Errorf("%w: 索引 %d", ErrCorruptionDetected, chunkIndex)
	}
	log.Debugf("[AdmitChunk] 重复分片与原分片一致，幂等跳过, sessionID: %s, index: %d", sessionID, chunkIndex)
	return &ChunkReceipt{
		Accepted:        true,
		SessionComplete: session.UploadedChunks == session.TotalChunks,
		UploadedChunks:  session.UploadedChunks,
		TotalChunks:     session.TotalChunks,
	}, nil
}

// checkAdmissible 做锁外的快速准入检查。
func (s *sessionService) checkAdmissible(session *model.UploadSession, chunkIndex int, declaredSize int64) error {
	if model.IsTerminalStatus(session.Status) {
		return fmt.Errorf("%w: 状态 %s", ErrSessionGone, session.Status)
	}
	if time.Now().After(session.ExpiresAt) {
		return fmt.Errorf("%w: 会话已于 %s 过期", ErrSessionGone, session.ExpiresAt.Format(time.RFC3339))
	}
	if session.Status == model.StatusProcessing {
		return fmt.Errorf("%w: 会话正在处理中", ErrSessionGone)
	}
	if chunkIndex < 0 || chunkIndex >= session.TotalChunks {
		return fmt.Errorf("%w: 索引 %d, totalChunks %d", ErrIndexOutOfRange, chunkIndex, session.TotalChunks)
	}
	if declaredSize >= 0 {
		if expected := expectedChunkSize(session, chunkIndex); declaredSize != expected {
			return fmt.Errorf("%w: 索引 %d 声明 %d 字节, 期望 %d 字节",
				ErrSizeMismatch, chunkIndex, declaredSize, expected)
		}
	}
	return nil
}

// Complete 是显式的"完成"触发：客户端确认分片发送完毕，不等自动检测。
// 已在 PROCESSING 时幂等返回成功。
func (s *sessionService) Complete(ctx context.Context, sessionID string) error {
	lock := s.locks.Get(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.loadSession(sessionID)
	if err != nil {
		return err
	}
	switch session.Status {
	case model.StatusProcessing:
		return nil
	case model.StatusInitiated, model.StatusUploading:
		// 继续
	default:
		return fmt.Errorf("%w: 状态 %s", ErrInvalidState, session.Status)
	}
	// 与 checkAdmissible 同口径：已过截止时间的会话即使清扫还没到也不再推进
	if time.Now().After(session.ExpiresAt) {
		return fmt.Errorf("%w: 会话已于 %s 过期", ErrSessionGone, session.ExpiresAt.Format(time.RFC3339))
	}

	indexes, err := s.sessionRepo.GetUploadedChunks(ctx, sessionID, session.TotalChunks)
	if err != nil {
		return fmt.Errorf("读取分片位图失败: %w", err)
	}
	if len(indexes) != session.TotalChunks {
		return fmt.Errorf("%w: 分片未齐备 (%d/%d)", ErrInvalidRequest, len(indexes), session.TotalChunks)
	}

	session.UploadedChunks = len(indexes)
	session.Status = model.StatusProcessing
	now := time.Now()
	session.ProcessingStarted = &now
	if err := s.sessionRepo.UpdateSession(session); err != nil {
		return fmt.Errorf("更新会话记录失败: %w", err)
	}

	s.broadcaster.Publish(broadcast.Event{
		SessionID:      sessionID,
		Type:           broadcast.EventSessionProcessing,
		Status:         session.Status,
		UploadedChunks: session.UploadedChunks,
		TotalChunks:    session.TotalChunks,
	})
	if err := s.dispatcher.Dispatch(ctx, tasks.AssemblyTask{SessionID: sessionID, FileName: session.FileName}); err != nil {
		log.Errorf("[Complete] 派发装配任务失败, sessionID: %s, error: %v", sessionID, err)
		s.failDispatchLocked(ctx, session, err)
		return fmt.Errorf("派发装配任务失败: %w", err)
	}
	return nil
}

// Cancel 用户主动取消会话，回收暂存字节。只允许从非终态取消。
// 正在运行的装配不会被强行打断，它会在最终落库前发现状态不再是
// PROCESSING 并放弃提交。
func (s *sessionService) Cancel(ctx context.Context, sessionID string) error {
	lock := s.locks.Get(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.loadSession(sessionID)
	if err != nil {
		return err
	}
	if model.IsTerminalStatus(session.Status) {
		return fmt.Errorf("%w: 状态 %s", ErrInvalidState, session.Status)
	}

	session.Status = model.StatusCancelled
	if err := s.sessionRepo.UpdateSession(session); err != nil {
		return fmt.Errorf("更新会话记录失败: %w", err)
	}
	s.reclaim(ctx, session)
	s.locks.Forget(sessionID)

	s.broadcaster.Publish(broadcast.Event{
		SessionID:      sessionID,
		Type:           broadcast.EventSessionCancelled,
		Status:         session.Status,
		UploadedChunks: session.UploadedChunks,
		TotalChunks:    session.TotalChunks,
	})
	log.Infof("[Cancel] 会话已取消, sessionID: %s", sessionID)
	return nil
}

// GetStatus 只读返回会话详情与分片在位位图。
func (s *sessionService) GetStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	session, err := s.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	indexes, err := s.sessionRepo.GetUploadedChunks(ctx, sessionID, session.TotalChunks)
	if err != nil {
		return nil, fmt.Errorf("读取分片位图失败: %w", err)
	}
	present := make([]bool, session.TotalChunks)
	for _, i := range indexes {
		if i < len(present) {
			present[i] = true
		}
	}
	return &SessionStatus{Session: session, UploadedIndexes: indexes, Present: present}, nil
}

// List 按状态筛选会话，供运维可见性使用。
func (s *sessionService) List(ctx context.Context, status string) ([]model.UploadSession, error) {
	if status != "" && !isKnownStatus(status) {
		return nil, fmt.Errorf("%w: 未知状态 %q", ErrInvalidRequest, status)
	}
	return s.sessionRepo.ListSessionsByStatus(status)
}

func isKnownStatus(status string) bool {
	switch status {
	case model.StatusInitiated, model.StatusUploading, model.StatusProcessing,
		model.StatusCompleted, model.StatusFailed, model.StatusCancelled, model.StatusExpired:
		return true
	}
	return false
}

// loadSession 读取会话并把 gorm 未找到映射为领域错误。
func (s *sessionService) loadSession(sessionID string) (*model.UploadSession, error) {
	session, err := s.sessionRepo.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("读取会话记录失败: %w", err)
	}
	return session, nil
}

// reclaim 回收会话的暂存字节、位图与哈希预留。
func (s *sessionService) reclaim(ctx context.Context, session *model.UploadSession) {
	if err := s.chunks.Release(session.ID); err != nil {
		log.Warnf("[reclaim] 回收暂存目录失败, sessionID: %s, error: %v", session.ID, err)
	}
	if err := s.sessionRepo.DeleteUploadMark(ctx, session.ID); err != nil {
		log.Warnf("[reclaim] 删除分片位图失败, sessionID: %s, error: %v", session.ID, err)
	}
	s.releaseReservation(ctx, session.DeclaredHash, session.ID)
}

func (s *sessionService) releaseReservation(ctx context.Context, hash, sessionID string) {
	if hash == "" {
		return
	}
	if err := s.catalogRepo.ReleaseHash(ctx, hash, sessionID); err != nil {
		log.Warnf("[reclaim] 释放哈希预留失败, hash: %s, error: %v", hash, err)
	}
}

// failDispatch 在派发失败时把会话记为 FAILED（锁内重读后执行）。
func (s *sessionService) failDispatch(ctx context.Context, sessionID string, dispatchErr error) {
	lock := s.locks.Get(sessionID)
	lock.Lock()
	defer lock.Unlock()
	session, err := s.loadSession(sessionID)
	if err != nil {
		log.Errorf("[failDispatch] 读取会话失败, sessionID: %s, error: %v", sessionID, err)
		return
	}
	s.failDispatchLocked(ctx, session, dispatchErr)
}

func (s *sessionService) failDispatchLocked(ctx context.Context, session *model.UploadSession, dispatchErr error) {
	if session.Status != model.StatusProcessing {
		return
	}
	session.Status = model.StatusFailed
	session.ProcessingError = fmt.Sprintf("派发装配任务失败: %v", dispatchErr)
	now := time.Now()
	session.ProcessingEnded = &now
	if err := s.sessionRepo.UpdateSession(session); err != nil {
		log.Errorf("[failDispatch] 更新会话失败, sessionID: %s, error: %v", session.ID, err)
		return
	}
	s.reclaim(ctx, session)
	s.broadcaster.Publish(broadcast.Event{
		SessionID:      session.ID,
		Type:           broadcast.EventSessionFailed,
		Status:         session.Status,
		UploadedChunks: session.UploadedChunks,
		TotalChunks:    session.TotalChunks,
	})
}
