// Package repository 提供了数据访问层的实现。
package repository

import (
	"errors"
	"strings"
	"time"

	"echo-bot-go/pkg/log"

	"gorm.io/gorm"
)

// 仓储层的哨兵错误。上层业务根据这些错误翻译出对应的领域错误，
// 不直接感知具体驱动的错误类型。
var (
	// ErrNotFound 表示目标行不存在。
	ErrNotFound = errors.New("repository: record not found")
	// ErrConstraintViolation 表示唯一约束或状态前置条件校验失败。
	// 这是并发竞争下的预期信号，而非异常情况。
	ErrConstraintViolation = errors.New("repository: constraint violation")
	// ErrLimitExceeded 表示原子计数检查超出配置上限。
	ErrLimitExceeded = errors.New("repository: limit exceeded")
	// ErrStorageUnavailable 表示重试后存储仍不可达。
	ErrStorageUnavailable = errors.New("repository: storage unavailable")
)

// translate 将 GORM / 驱动错误翻译为仓储层哨兵错误。
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConstraintViolation
	}
	if isTransient(err) {
		return ErrStorageUnavailable
	}
	return err
}

// isTransient 判断错误是否为可重试的瞬时存储错误。
func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "invalid connection") ||
		strings.Contains(msg, "bad connection") ||
		strings.Contains(msg, "i/o timeout")
}

const (
	maxRetries = 3
	baseDelay  = 100 * time.Millisecond
)

// withRetry 对瞬时存储错误做有界指数退避重试（100ms、200ms、400ms），
// 重试耗尽后以 ErrStorageUnavailable 上抛，绝不无限挂起。
func withRetry(op func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return translate(err)
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			log.Warnf("[repository] 存储瞬时错误，第 %d 次重试，延迟 %s, error: %v", i+1, delay, err)
			time.Sleep(delay)
		}
	}
	return ErrStorageUnavailable
}
