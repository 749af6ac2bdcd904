// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// TrainingStatus 表示回声画像生命周期中的一个状态。
// 状态机是一个封闭集合，所有变更都必须经过 CanTransitionTo 校验。
type TrainingStatus string

const (
	StatusNotStarted    TrainingStatus = "not_started"
	StatusCollecting    TrainingStatus = "collecting"
	StatusPreprocessing TrainingStatus = "preprocessing"
	StatusTraining      TrainingStatus = "training"
	StatusReady         TrainingStatus = "ready"
	StatusFailed        TrainingStatus = "failed"
)

// statusTransitions 是状态机的转移表。
// failed 可以从任何非终态到达；ready/failed 是终态，
// 终态画像只能通过一次新的分析请求整体重置，不存在状态内转移。
var statusTransitions = map[TrainingStatus][]TrainingStatus{
	StatusNotStarted:    {StatusCollecting, StatusFailed},
	StatusCollecting:    {StatusPreprocessing, StatusFailed},
	StatusPreprocessing: {StatusTraining, StatusFailed},
	StatusTraining:      {StatusReady, StatusFailed},
	StatusReady:         {},
	StatusFailed:        {},
}

// CanTransitionTo 判断从当前状态到目标状态的转移是否合法。
func (s TrainingStatus) CanTransitionTo(next TrainingStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal 判断当前状态是否为终态。
func (s TrainingStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusFailed
}

// IsValid 判断状态值是否属于封闭集合。
func (s TrainingStatus) IsValid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// EchoProfile 定义了 echo_profiles 表的 ORM 模型。
// 每个 (user_id, server_id) 至多存在一条记录，由联合唯一索引保证。
type EchoProfile struct {
	ID                uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID            string         `gorm:"type:varchar(32);not null;uniqueIndex:uk_user_server" json:"userId"`
	ServerID          string         `gorm:"type:varchar(32);not null;uniqueIndex:uk_user_server" json:"serverId"`
	CutoffDate        time.Time      `gorm:"not null" json:"cutoffDate"`
	ModelReference    *string        `gorm:"type:varchar(128)" json:"modelReference"`
	TrainingStatus    TrainingStatus `gorm:"type:varchar(16);not null;default:'not_started'" json:"trainingStatus"`
	TrainingProgress  int            `gorm:"not null;default:0" json:"trainingProgress"`
	TotalMessages     int            `gorm:"not null;default:0" json:"totalMessages"`
	ProcessedMessages int            `gorm:"not null;default:0" json:"processedMessages"`
	RequesterID       string         `gorm:"type:varchar(32);not null" json:"requesterId"`
	ErrorMessage      *string        `gorm:"type:varchar(512)" json:"errorMessage"`
	StartedAt         time.Time      `gorm:"not null" json:"startedAt"`
	CompletedAt       *time.Time     `gorm:"default:null" json:"completedAt"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (EchoProfile) TableName() string {
	return "echo_profiles"
}
