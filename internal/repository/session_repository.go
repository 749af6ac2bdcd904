// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"time"

	"echo-bot-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionRepository 接口定义了回声会话的数据持久化操作。
// 两个并发关键不变量都在这里的单事务内保证：
// 每频道至多一个活跃会话（active_channel 唯一索引），
// 以及每服务器活跃会话数不超过上限（事务内 FOR UPDATE 计数）。
type SessionRepository interface {
	// Insert 原子地完成"容量检查 + 插入活跃会话"。
	// 频道已有活跃会话返回 ErrConstraintViolation；
	// 服务器达到上限返回 ErrLimitExceeded。
	Insert(ctx context.Context, session *model.EchoSession, maxPerServer int) error
	// GetActiveByChannel 返回频道内当前活跃的会话。
	GetActiveByChannel(ctx context.Context, channelID string) (*model.EchoSession, error)
	// Deactivate 停用频道内的活跃会话并记录原因；无活跃会话返回 ErrNotFound。
	Deactivate(ctx context.Context, channelID, reason string, stoppedAt time.Time) (*model.EchoSession, error)
	// DeactivateByID 按主键停用会话，仅当其仍然活跃；用于收割与级联停用。
	DeactivateByID(ctx context.Context, sessionID uint, reason string, stoppedAt time.Time) error
	// RecordActivity 累加生成计数并刷新 last_activity，仅对活跃会话生效；
	// 会话已被并发停用时返回 ErrNotFound。
	RecordActivity(ctx context.Context, sessionID uint, generated, conversations int, at time.Time) error
	// ListActive 返回服务器内全部活跃会话。
	ListActive(ctx context.Context, serverID string) ([]model.EchoSession, error)
	// CountActive 返回服务器内活跃会话数。
	CountActive(ctx context.Context, serverID string) (int64, error)
	// ListActiveIdleSince 返回 last_activity 早于给定时刻的活跃会话，供收割器使用。
	ListActiveIdleSince(ctx context.Context, before time.Time) ([]model.EchoSession, error)
	// ListByProfile 返回画像名下的全部会话（含历史），按开始时间倒序。
	ListByProfile(ctx context.Context, profileID uint) ([]model.EchoSession, error)
}

// sessionRepository 是 SessionRepository 接口的 GORM 实现。
type sessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository 创建一个新的 SessionRepository 实例。
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

// Insert 在单个事务内锁定服务器的活跃会话集合做容量检查，再插入新行。
// active_channel 唯一索引兜底频道维度的竞争：事务外的并发插入
// 会命中重复键，翻译为 ErrConstraintViolation。
func (r *sessionRepository) Insert(ctx context.Context, session *model.EchoSession, maxPerServer int) error {
	return withRetry(func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&model.EchoSession{}).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("server_id = ? AND is_active = ?", session.ServerID, true).
				Count(&count).Error; err != nil {
				return err
			}
			if maxPerServer > 0 && count >= int64(maxPerServer) {
				return ErrLimitExceeded
			}
			session.IsActive = true
			channel := session.ChannelID
			session.ActiveChannel = &channel
			if err := tx.Create(session).Error; err != nil {
				return translate(err)
			}
			return nil
		})
	})
}

// GetActiveByChannel 返回频道内当前活跃的会话。
func (r *sessionRepository) GetActiveByChannel(ctx context.Context, channelID string) (*model.EchoSession, error) {
	var session model.EchoSession
	err := r.db.WithContext(ctx).
		Where("channel_id = ? AND is_active = ?", channelID, true).
		First(&session).Error
	if err != nil {
		return nil, translate(err)
	}
	return &session, nil
}

// Deactivate 停用频道内的活跃会话：is_active 置 false、active_channel 置 NULL、
// 记录停止时间与原因。行保留用于统计。
func (r *sessionRepository) Deactivate(ctx context.Context, channelID, reason string, stoppedAt time.Time) (*model.EchoSession, error) {
	var session model.EchoSession
	err := withRetry(func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("channel_id = ? AND is_active = ?", channelID, true).
				First(&session).Error; err != nil {
				return translate(err)
			}
			return tx.Model(&model.EchoSession{}).Where("id = ?", session.ID).
				Updates(map[string]interface{}{
					"is_active":      false,
					"active_channel": nil,
					"stop_reason":    reason,
					"stopped_at":     stoppedAt,
				}).Error
		})
	})
	if err != nil {
		return nil, err
	}
	session.IsActive = false
	session.ActiveChannel = nil
	session.StopReason = &reason
	session.StoppedAt = &stoppedAt
	return &session, nil
}

// DeactivateByID 条件停用：WHERE is_active = true 保证与并发停用幂等共存。
func (r *sessionRepository) DeactivateByID(ctx context.Context, sessionID uint, reason string, stoppedAt time.Time) error {
	return withRetry(func() error {
		result := r.db.WithContext(ctx).Model(&model.EchoSession{}).
			Where("id = ? AND is_active = ?", sessionID, true).
			Updates(map[string]interface{}{
				"is_active":      false,
				"active_channel": nil,
				"stop_reason":    reason,
				"stopped_at":     stoppedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RecordActivity 仅对活跃会话累加计数；0 行受影响说明会话已被并发停用。
func (r *sessionRepository) RecordActivity(ctx context.Context, sessionID uint, generated, conversations int, at time.Time) error {
	return withRetry(func() error {
		result := r.db.WithContext(ctx).Model(&model.EchoSession{}).
			Where("id = ? AND is_active = ?", sessionID, true).
			Updates(map[string]interface{}{
				"messages_generated":    gorm.Expr("messages_generated + ?", generated),
				"conversations_started": gorm.Expr("conversations_started + ?", conversations),
				"last_activity":         at,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListActive 返回服务器内全部活跃会话。
func (r *sessionRepository) ListActive(ctx context.Context, serverID string) ([]model.EchoSession, error) {
	var sessions []model.EchoSession
	err := r.db.WithContext(ctx).
		Where("server_id = ? AND is_active = ?", serverID, true).
		Find(&sessions).Error
	return sessions, translate(err)
}

// CountActive 返回服务器内活跃会话数。
func (r *sessionRepository) CountActive(ctx context.Context, serverID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.EchoSession{}).
		Where("server_id = ? AND is_active = ?", serverID, true).
		Count(&count).Error
	return count, translate(err)
}

// ListActiveIdleSince 返回闲置超期的活跃会话。
func (r *sessionRepository) ListActiveIdleSince(ctx context.Context, before time.Time) ([]model.EchoSession, error) {
	var sessions []model.EchoSession
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND last_activity < ?", true, before).
		Find(&sessions).Error
	return sessions, translate(err)
}

// ListByProfile 返回画像名下的全部会话，按开始时间倒序。
func (r *sessionRepository) ListByProfile(ctx context.Context, profileID uint) ([]model.EchoSession, error) {
	var sessions []model.EchoSession
	err := r.db.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Order("started_at desc").
		Find(&sessions).Error
	return sessions, translate(err)
}
