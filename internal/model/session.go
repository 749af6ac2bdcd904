// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// 会话停止原因，写入 stop_reason 字段用于观测。
const (
	StopReasonManual  = "manual"
	StopReasonEvicted = "evicted"
	StopReasonReaped  = "reaped"
)

// EchoSession 定义了 echo_sessions 表的 ORM 模型。
// ActiveChannel 在会话激活期间等于 ChannelID，停用后置为 NULL；
// 它上面的唯一索引在数据库层面保证了"每个频道至多一个活跃会话"，
// 多个 NULL 不会冲突，因此历史会话可以随意保留。
type EchoSession struct {
	ID                   uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	ProfileID            uint       `gorm:"not null;index" json:"profileId"`
	ChannelID            string     `gorm:"type:varchar(32);not null;index" json:"channelId"`
	ServerID             string     `gorm:"type:varchar(32);not null;index" json:"serverId"`
	IsActive             bool       `gorm:"not null;default:true" json:"isActive"`
	ActiveChannel        *string    `gorm:"type:varchar(32);uniqueIndex" json:"-"`
	RequesterID          string     `gorm:"type:varchar(32);not null" json:"requesterId"`
	MessagesGenerated    int        `gorm:"not null;default:0" json:"messagesGenerated"`
	ConversationsStarted int        `gorm:"not null;default:0" json:"conversationsStarted"`
	StopReason           *string    `gorm:"type:varchar(16)" json:"stopReason"`
	StartedAt            time.Time  `gorm:"not null" json:"startedAt"`
	StoppedAt            *time.Time `gorm:"default:null" json:"stoppedAt"`
	LastActivity         time.Time  `gorm:"not null;index" json:"lastActivity"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (EchoSession) TableName() string {
	return "echo_sessions"
}
