package repository

import (
	"context"
	"errors"

	"retro-ingest-go/internal/model"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// CatalogRepository 是本核心对外部目录库的全部依赖：
// 按声明哈希查重，以及避免两个并发会话同时认领同一哈希的原子预留。
type CatalogRepository interface {
	// HashExists 检查目录中是否已存在该哈希的产物（已完成的会话）。
	HashExists(hash string) (bool, error)
	// ReserveHash 原子地把哈希预留给一个会话（check-and-reserve）。
	// 返回 false 表示哈希已被其他会话持有。
	ReserveHash(ctx context.Context, hash, sessionID string) (bool, error)
	// ReleaseHash 释放预留，仅当持有者是 sessionID 时生效。
	ReleaseHash(ctx context.Context, hash, sessionID string) error
}

// catalogRepository 基于 GORM（已入库产物）与 Redis SETNX（在途预留）实现。
type catalogRepository struct {
	db          *gorm.DB
	redisClient *redis.Client
}

// NewCatalogRepository 创建一个新的 CatalogRepository 实例。
func NewCatalogRepository(db *gorm.DB, redisClient *redis.Client) CatalogRepository {
	return &catalogRepository{db: db, redisClient: redisClient}
}

func (r *catalogRepository) getReservationKey(hash string) string {
	return "ingest:artifact:" + hash
}

// HashExists 查询是否已有 COMPLETED 会话入库了同一哈希的产物。
func (r *catalogRepository) HashExists(hash string) (bool, error) {
	var count int64
	err := r.db.Model(&model.UploadSession{}).
		Where("status = ?", model.StatusCompleted).
		Where("declared_hash = ? OR whole_file_hash = ?", hash, hash).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ReserveHash 通过 SETNX 实现原子的 check-and-reserve，值为持有会话 ID。
func (r *catalogRepository) ReserveHash(ctx context.Context, hash, sessionID string) (bool, error) {
	return r.redisClient.SetNX(ctx, r.getReservationKey(hash), sessionID, 0).Result()
}

// ReleaseHash 校验持有者后删除预留键，不是持有者时静默返回。
func (r *catalogRepository) ReleaseHash(ctx context.Context, hash, sessionID string) error {
	key := r.getReservationKey(hash)
	holder, err := r.redisClient.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if holder != sessionID {
		return nil
	}
	return r.redisClient.Del(ctx, key).Err()
}
