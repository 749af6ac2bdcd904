// Package service 实现了应用的核心业务逻辑。
package service

import "errors"

// 领域层哨兵错误。handler 层根据这些错误映射 HTTP 状态码，
// 仓储层的哨兵错误不直接穿透到 handler。
var (
	// ErrInvalidCutoff 表示截止日期不合法（在未来，或早于允许的最早日期）。
	ErrInvalidCutoff = errors.New("service: invalid cutoff date")
	// ErrAlreadyInProgress 表示该用户在该服务器已有一个进行中的画像分析。
	ErrAlreadyInProgress = errors.New("service: analysis already in progress")
	// ErrNotFound 表示目标画像或会话不存在。
	ErrNotFound = errors.New("service: not found")
	// ErrNotCancellable 表示画像已处于终态，无法取消。
	ErrNotCancellable = errors.New("service: analysis not cancellable")
	// ErrProfileNotReady 表示画像不存在或尚未训练完成，无法用于会话。
	ErrProfileNotReady = errors.New("service: profile not ready")
	// ErrChannelAlreadyActive 表示频道内已有一个活跃会话。
	ErrChannelAlreadyActive = errors.New("service: channel already has an active session")
	// ErrServerSessionLimit 表示服务器活跃会话数已达上限。
	ErrServerSessionLimit = errors.New("service: server session limit reached")
	// ErrNoActiveSession 表示频道内没有活跃会话。
	ErrNoActiveSession = errors.New("service: no active session in channel")
	// ErrSessionNotActive 表示会话在操作期间已被并发停用。
	ErrSessionNotActive = errors.New("service: session no longer active")
	// ErrUnknownJob 表示手动触发了一个不存在的维护任务。
	ErrUnknownJob = errors.New("service: unknown maintenance job")
	// ErrStorageUnavailable 表示底层存储重试后仍不可用。
	ErrStorageUnavailable = errors.New("service: storage unavailable")
)
