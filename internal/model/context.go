// Package model 包含了应用的数据模型定义。
package model

import "time"

// ChatMessage 代表存储在 Redis 中的单条频道上下文消息。
// 它是人格生成时喂给模型的滚动窗口的基本单元。
type ChatMessage struct {
	Role      string    `json:"role"` // "user" 或 "assistant"
	Author    string    `json:"author,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
