// Package events defines the payload structures that flow through Kafka.
package events

import "time"

// ChatMessageEvent 是网关为每条服务器消息发布到 Kafka 的事件。
// 采集器消费后持久化为 user_messages 行，作为画像分析的语料来源。
type ChatMessageEvent struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ServerID  string    `json:"server_id"`
	ChannelID string    `json:"channel_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsBot     bool      `json:"is_bot"`
}
