// Package pipeline 定义了消息采集的核心流程。
package pipeline

import (
	"context"
	"errors"

	"echo-bot-go/internal/model"
	"echo-bot-go/internal/repository"
	"echo-bot-go/pkg/events"
	"echo-bot-go/pkg/log"
)

// 可入库消息的长度约束。机器人消息和超出范围的消息
// 对人格训练没有价值，在入库前直接丢弃。
const (
	minMessageLen = 3
	maxMessageLen = 2000
)

// Collector 消费网关发布的聊天消息事件，持久化为训练语料。
// 它实现了 kafka.MessageProcessor 接口。
type Collector struct {
	messageRepo repository.MessageRepository
}

// NewCollector 创建一个新的 Collector 实例。
func NewCollector(messageRepo repository.MessageRepository) *Collector {
	return &Collector{messageRepo: messageRepo}
}

// Process 处理一条聊天消息事件。
// Kafka 的至少一次投递意味着事件可能重复到达：message_id 唯一索引
// 拒绝重复行，此时视为处理成功，让消费循环正常提交 offset。
func (c *Collector) Process(ctx context.Context, event events.ChatMessageEvent) error {
	if event.IsBot {
		return nil
	}
	if len(event.Content) < minMessageLen || len(event.Content) > maxMessageLen {
		return nil
	}

	msg := &model.UserMessage{
		UserID:         event.UserID,
		ServerID:       event.ServerID,
		ChannelID:      event.ChannelID,
		MessageContent: event.Content,
		Timestamp:      event.Timestamp,
		MessageID:      event.MessageID,
	}

	err := c.messageRepo.Insert(ctx, msg)
	if errors.Is(err, repository.ErrConstraintViolation) {
		log.Infof("[Collector] 重复消息事件，已跳过: messageID=%s", event.MessageID)
		return nil
	}
	return err
}
