// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"echo-bot-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// contextWindowSize 是每个频道保留的上下文消息条数。
const contextWindowSize = 10

// contextTTL 是频道上下文在 Redis 中的过期时间。
const contextTTL = 7 * 24 * time.Hour

// ContextRepository 定义了频道对话上下文的操作接口。
// 上下文是人格生成时喂给模型的滚动窗口，属于可丢失的缓存数据，
// 不参与持久状态的单一可信来源。
type ContextRepository interface {
	GetChannelContext(ctx context.Context, channelID string) ([]model.ChatMessage, error)
	AppendChannelContext(ctx context.Context, channelID string, messages ...model.ChatMessage) error
	ClearChannelContext(ctx context.Context, channelID string) error
	// Ping 校验 Redis 可达性，供健康检查使用。
	Ping(ctx context.Context) error
}

type redisContextRepository struct {
	redisClient *redis.Client
}

// NewContextRepository 创建一个新的 ContextRepository 实例。
func NewContextRepository(redisClient *redis.Client) ContextRepository {
	return &redisContextRepository{redisClient: redisClient}
}

func contextKey(channelID string) string {
	return fmt.Sprintf("echo:context:%s", channelID)
}

// GetChannelContext 从 Redis 获取频道的上下文窗口。
func (r *redisContextRepository) GetChannelContext(ctx context.Context, channelID string) ([]model.ChatMessage, error) {
	jsonData, err := r.redisClient.Get(ctx, contextKey(channelID)).Result()
	if err == redis.Nil {
		return []model.ChatMessage{}, nil // 尚无上下文
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel context: %w", err)
	}
	var messages []model.ChatMessage
	if err := json.Unmarshal([]byte(jsonData), &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal channel context: %w", err)
	}
	return messages, nil
}

// AppendChannelContext 追加消息并裁剪到窗口大小。
func (r *redisContextRepository) AppendChannelContext(ctx context.Context, channelID string, messages ...model.ChatMessage) error {
	history, err := r.GetChannelContext(ctx, channelID)
	if err != nil {
		return err
	}
	history = append(history, messages...)
	// 只保留最近 N 条
	if len(history) > contextWindowSize {
		history = history[len(history)-contextWindowSize:]
	}
	jsonData, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to marshal channel context: %w", err)
	}
	if err := r.redisClient.Set(ctx, contextKey(channelID), jsonData, contextTTL).Err(); err != nil {
		return fmt.Errorf("failed to set channel context: %w", err)
	}
	return nil
}

// ClearChannelContext 清空频道上下文（会话停用时调用）。
func (r *redisContextRepository) ClearChannelContext(ctx context.Context, channelID string) error {
	if err := r.redisClient.Del(ctx, contextKey(channelID)).Err(); err != nil {
		return fmt.Errorf("failed to clear channel context: %w", err)
	}
	return nil
}

// Ping 校验 Redis 连接可达。
func (r *redisContextRepository) Ping(ctx context.Context) error {
	return r.redisClient.Ping(ctx).Err()
}
