// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"

	"echo-bot-go/internal/model"

	"gorm.io/gorm"
)

// ResponseRepository 接口定义了回声响应记录的数据持久化操作。
type ResponseRepository interface {
	// Insert 写入一条生成记录。
	Insert(ctx context.Context, resp *model.EchoResponse) error
	// CountBySession 统计会话名下的响应数。
	CountBySession(ctx context.Context, sessionID uint) (int64, error)
}

// responseRepository 是 ResponseRepository 接口的 GORM 实现。
type responseRepository struct {
	db *gorm.DB
}

// NewResponseRepository 创建一个新的 ResponseRepository 实例。
func NewResponseRepository(db *gorm.DB) ResponseRepository {
	return &responseRepository{db: db}
}

// Insert 写入一条生成记录。
func (r *responseRepository) Insert(ctx context.Context, resp *model.EchoResponse) error {
	return withRetry(func() error {
		return translate(r.db.WithContext(ctx).Create(resp).Error)
	})
}

// CountBySession 统计会话名下的响应数。
func (r *responseRepository) CountBySession(ctx context.Context, sessionID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.EchoResponse{}).
		Where("session_id = ?", sessionID).
		Count(&count).Error
	return count, translate(err)
}
