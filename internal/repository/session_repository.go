// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"time"

	"retro-ingest-go/internal/model"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SessionRepository 接口定义了上传会话相关的数据持久化操作。
type SessionRepository interface {
	// UploadSession operations (GORM)
	CreateSession(session *model.UploadSession) error
	GetSession(id string) (*model.UploadSession, error)
	UpdateSession(session *model.UploadSession) error
	ListSessionsByStatus(status string) ([]model.UploadSession, error)
	// ListExpiredSessions 返回 expiresAt 已过且仍处于 INITIATED/UPLOADING 的会话。
	// PROCESSING 会话对过期清扫免疫。
	ListExpiredSessions(now time.Time) ([]model.UploadSession, error)

	// UploadChunk operations (GORM)
	CreateChunkRecord(record *model.UploadChunk) error
	GetChunkRecord(sessionID string, chunkIndex int) (*model.UploadChunk, error)

	// Chunk presence operations (Redis bitmap)
	IsChunkUploaded(ctx context.Context, sessionID string, chunkIndex int) (bool, error)
	MarkChunkUploaded(ctx context.Context, sessionID string, chunkIndex int) error
	GetUploadedChunks(ctx context.Context, sessionID string, totalChunks int) ([]int, error)
	DeleteUploadMark(ctx context.Context, sessionID string) error
}

// sessionRepository 是 SessionRepository 接口的 GORM+Redis 实现。
type sessionRepository struct {
	db          *gorm.DB
	redisClient *redis.Client
}

// NewSessionRepository 创建一个新的 SessionRepository 实例。
func NewSessionRepository(db *gorm.DB, redisClient *redis.Client) SessionRepository {
	return &sessionRepository{db: db, redisClient: redisClient}
}

// getRedisChunkKey generates the redis key holding the chunk presence bitmap.
func (r *sessionRepository) getRedisChunkKey(sessionID string) string {
	return "ingest:chunks:" + sessionID
}

// CreateSession 在数据库中创建一条新的上传会话记录。
func (r *sessionRepository) CreateSession(session *model.UploadSession) error {
	return r.db.Create(session).Error
}

// GetSession 根据会话 ID 检索上传会话记录。
func (r *sessionRepository) GetSession(id string) (*model.UploadSession, error) {
	var session model.UploadSession
	err := r.db.Where("id = ?", id).First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateSession 保存会话记录的全部字段。
func (r *sessionRepository) UpdateSession(session *model.UploadSession) error {
	return r.db.Save(session).Error
}

// ListSessionsByStatus 按状态筛选会话，status 为空时返回全部。
func (r *sessionRepository) ListSessionsByStatus(status string) ([]model.UploadSession, error) {
	var sessions []model.UploadSession
	q := r.db.Order("created_at desc")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Find(&sessions).Error
	return sessions, err
}

// ListExpiredSessions 查找已过期且可回收的会话。
func (r *sessionRepository) ListExpiredSessions(now time.Time) ([]model.UploadSession, error) {
	var sessions []model.UploadSession
	err := r.db.
		Where("expires_at < ?", now).
		Where("status IN ?", []string{model.StatusInitiated, model.StatusUploading}).
		Find(&sessions).Error
	return sessions, err
}

// CreateChunkRecord 在数据库中创建一条新的分片记录。
func (r *sessionRepository) CreateChunkRecord(record *model.UploadChunk) error {
	return r.db.Create(record).Error
}

// GetChunkRecord 读取 (session, index) 对应的分片记录。
func (r *sessionRepository) GetChunkRecord(sessionID string, chunkIndex int) (*model.UploadChunk, error) {
	var record model.UploadChunk
	err := r.db.Where("session_id = ? AND chunk_index = ?", sessionID, chunkIndex).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// IsChunkUploaded checks if a chunk is marked as uploaded in Redis.
func (r *sessionRepository) IsChunkUploaded(ctx context.Context, sessionID string, chunkIndex int) (bool, error) {
	key := r.getRedisChunkKey(sessionID)
	val, err := r.redisClient.GetBit(ctx, key, int64(chunkIndex)).Result()
	if err != nil {
		// key 不存在时 Redis 返回 0 而不是错误，这里只需处理真实错误。
		return false, err
	}
	return val == 1, nil
}

// MarkChunkUploaded marks a chunk as uploaded in Redis.
func (r *sessionRepository) MarkChunkUploaded(ctx context.Context, sessionID string, chunkIndex int) error {
	key := r.getRedisChunkKey(sessionID)
	return r.redisClient.SetBit(ctx, key, int64(chunkIndex), 1).Err()
}

// GetUploadedChunks retrieves the list of uploaded chunk indexes from the Redis bitmap.
func (r *sessionRepository) GetUploadedChunks(ctx context.Context, sessionID string, totalChunks int) ([]int, error) {
	if totalChunks == 0 {
		return []int{}, nil
	}
	key := r.getRedisChunkKey(sessionID)
	bitmap, err := r.redisClient.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return []int{}, nil // key 不存在，尚无分片
		}
		return nil, err
	}

	uploaded := make([]int, 0)
	for i := 0; i < totalChunks; i++ {
		byteIndex := i / 8
		bitIndex := i % 8
		if byteIndex < len(bitmap) && (bitmap[byteIndex]>>(7-bitIndex))&1 == 1 {
			uploaded = append(uploaded, i)
		}
	}
	return uploaded, nil
}

// DeleteUploadMark deletes the chunk presence bitmap from Redis.
func (r *sessionRepository) DeleteUploadMark(ctx context.Context, sessionID string) error {
	key := r.getRedisChunkKey(sessionID)
	return r.redisClient.Del(ctx, key).Err()
}
