// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"time"

	"echo-bot-go/internal/model"

	"gorm.io/gorm"
)

// MessageRepository 接口定义了原始聊天消息的数据持久化操作。
// 写入方是 Kafka 采集器，读取方是画像分析的采集/预处理阶段，
// 删除方是保留期清理任务，三者互不感知。
type MessageRepository interface {
	// Insert 写入一条消息；message_id 重复返回 ErrConstraintViolation。
	Insert(ctx context.Context, msg *model.UserMessage) error
	// CountEligible 统计截止日期之前该用户在该服务器的消息数，受 limit 封顶。
	CountEligible(ctx context.Context, userID, serverID string, before time.Time, limit int) (int64, error)
	// ListEligible 按时间升序分页读取可用于训练的消息。
	ListEligible(ctx context.Context, userID, serverID string, before time.Time, offset, batch int) ([]model.UserMessage, error)
	// MarkProcessed 将一批消息标记为已进入训练数据集。
	MarkProcessed(ctx context.Context, ids []uint) error
	// DeleteOlderThan 删除时间戳早于 cutoff 的消息，返回删除行数。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// messageRepository 是 MessageRepository 接口的 GORM 实现。
type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建一个新的 MessageRepository 实例。
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

// Insert 写入一条消息，重复 message_id 由唯一索引拒绝。
func (r *messageRepository) Insert(ctx context.Context, msg *model.UserMessage) error {
	return withRetry(func() error {
		return translate(r.db.WithContext(ctx).Create(msg).Error)
	})
}

// CountEligible 统计截止日期之前的消息数。
func (r *messageRepository) CountEligible(ctx context.Context, userID, serverID string, before time.Time, limit int) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.UserMessage{}).
		Where("user_id = ? AND server_id = ? AND timestamp < ?", userID, serverID, before).
		Count(&count).Error
	if err != nil {
		return 0, translate(err)
	}
	if limit > 0 && count > int64(limit) {
		count = int64(limit)
	}
	return count, nil
}

// ListEligible 按时间升序分页读取训练语料。
func (r *messageRepository) ListEligible(ctx context.Context, userID, serverID string, before time.Time, offset, batch int) ([]model.UserMessage, error) {
	var messages []model.UserMessage
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND server_id = ? AND timestamp < ?", userID, serverID, before).
		Order("timestamp asc").
		Offset(offset).Limit(batch).
		Find(&messages).Error
	return messages, translate(err)
}

// MarkProcessed 批量标记消息为已处理。
func (r *messageRepository) MarkProcessed(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return withRetry(func() error {
		return r.db.WithContext(ctx).Model(&model.UserMessage{}).
			Where("id IN ?", ids).
			Update("is_processed", true).Error
	})
}

// DeleteOlderThan 删除过期消息并返回行数。
func (r *messageRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&model.UserMessage{})
	if result.Error != nil {
		return 0, translate(result.Error)
	}
	return result.RowsAffected, nil
}
