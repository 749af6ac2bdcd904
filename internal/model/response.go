// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// EchoResponse 定义了 echo_responses 表的 ORM 模型。
// 每次回声人格在频道中生成一条回复就落一行，归属其会话；
// 画像被保留期清理删除时随会话一起级联删除。
type EchoResponse struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID        uint      `gorm:"not null;index" json:"sessionId"`
	ResponseContent  string    `gorm:"type:text;not null" json:"responseContent"`
	ContextMessages  string    `gorm:"type:text" json:"contextMessages"` // 生成时上下文的 JSON 快照
	GenerationTimeMs int64     `gorm:"not null;default:0" json:"generationTimeMs"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (EchoResponse) TableName() string {
	return "echo_responses"
}
