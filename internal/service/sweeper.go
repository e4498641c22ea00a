package service

import (
	"context"
	"time"

	"retro-ingest-go/internal/broadcast"
	"retro-ingest-go/internal/chunkstore"
	"retro-ingest-go/internal/model"
	"retro-ingest-go/internal/repository"
	"retro-ingest-go/internal/sessionlock"
	"retro-ingest-go/pkg/log"
)

// Sweeper 周期性回收超过存活期的上传会话：标记 EXPIRED 并释放暂存
// 字节、分片位图与哈希预留。PROCESSING 状态的会话不在回收范围内，
// 装配管道会自己走向终态。
type Sweeper struct {
	sessionRepo repository.SessionRepository
	catalogRepo repository.CatalogRepository
	chunks      *chunkstore.Store
	broadcaster *broadcast.Broadcaster
	locks       *sessionlock.Registry
	interval    time.Duration
}

// NewSweeper 创建一个新的 Sweeper 实例。
func NewSweeper(
	sessionRepo repository.SessionRepository,
	catalogRepo repository.CatalogRepository,
	chunks *chunkstore.Store,
	broadcaster *broadcast.Broadcaster,
	locks *sessionlock.Registry,
	interval time.Duration,
) *Sweeper {
	return &Sweeper{
		sessionRepo: sessionRepo,
		catalogRepo: catalogRepo,
		chunks:      chunks,
		broadcaster: broadcaster,
		locks:       locks,
		interval:    interval,
	}
}

// Start 启动清扫循环，直到 ctx 取消。
func (w *Sweeper) Start(ctx context.Context) {
	log.Infof("[Sweeper] 会话清扫器启动, interval: %s", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("[Sweeper] 会话清扫器退出")
			return
		case <-ticker.C:
			if n, err := w.RunOnce(ctx); err != nil {
				log.Errorf("[Sweeper] 清扫失败, error: %v", err)
			} else if n > 0 {
				log.Infof("[Sweeper] 本轮回收会话数: %d", n)
			}
		}
	}
}

// RunOnce 执行一轮清扫，返回回收的会话数。
func (w *Sweeper) RunOnce(ctx context.Context) (int, error) {
	sessions, err := w.sessionRepo.ListExpiredSessions(time.Now())
	if err != nil {
		return 0, err
	}
	swept := 0
	for i := range sessions {
		if err := w.sweepOne(ctx, sessions[i].ID); err != nil {
			log.Errorf("[Sweeper] 回收会话失败, sessionID: %s, error: %v", sessions[i].ID, err)
			continue
		}
		swept++
	}
	return swept, nil
}

// sweepOne 回收单个会话。与分片提交、取消共用会话锁，锁内重读
// 决胜：对方先拿到锁推进了状态，这里就什么都不做。
func (w *Sweeper) sweepOne(ctx context.Context, sessionID string) error {
	lock := w.locks.Get(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := w.sessionRepo.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session.Status != model.StatusInitiated && session.Status != model.StatusUploading {
		return nil
	}
	if time.Now().Before(session.ExpiresAt) {
		return nil
	}

	session.Status = model.StatusExpired
	if err := w.sessionRepo.UpdateSession(session); err != nil {
		return err
	}

	if err := w.chunks.Release(sessionID); err != nil {
		log.Warnf("[Sweeper] 回收暂存目录失败, sessionID: %s, error: %v", sessionID, err)
	}
	if err := w.sessionRepo.DeleteUploadMark(ctx, sessionID); err != nil {
		log.Warnf("[Sweeper] 删除分片位图失败, sessionID: %s, error: %v", sessionID, err)
	}
	if session.DeclaredHash != "" {
		if err := w.catalogRepo.ReleaseHash(ctx, session.DeclaredHash, sessionID); err != nil {
			log.Warnf("[Sweeper] 释放哈希预留失败, sessionID: %s, error: %v", sessionID, err)
		}
	}
	w.locks.Forget(sessionID)

	w.broadcaster.Publish(broadcast.Event{
		SessionID:      sessionID,
		Type:           broadcast.EventSessionExpired,
		Status:         session.Status,
		UploadedChunks: session.UploadedChunks,
		TotalChunks:    session.TotalChunks,
	})
	log.Infof("[Sweeper] 会话已过期回收, sessionID: %s, 已上传分片: %d/%d",
		sessionID, session.UploadedChunks, session.TotalChunks)
	return nil
}
