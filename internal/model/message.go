// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// UserMessage 定义了 user_messages 表的 ORM 模型。
// 网关把聊天平台的消息流发到 Kafka，采集器消费后写入本表；
// 画像分析的采集阶段从这里读取训练语料。message_id 上的唯一索引
// 保证 Kafka 至少一次投递下的去重。
type UserMessage struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         string    `gorm:"type:varchar(32);not null;index:idx_user_server" json:"userId"`
	ServerID       string    `gorm:"type:varchar(32);not null;index:idx_user_server" json:"serverId"`
	ChannelID      string    `gorm:"type:varchar(32);not null" json:"channelId"`
	MessageContent string    `gorm:"type:text;not null" json:"messageContent"`
	Timestamp      time.Time `gorm:"not null;index" json:"timestamp"`
	MessageID      string    `gorm:"type:varchar(32);not null;uniqueIndex" json:"messageId"`
	IsProcessed    bool      `gorm:"not null;default:false" json:"isProcessed"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (UserMessage) TableName() string {
	return "user_messages"
}
