package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// 提交被拒绝的原因。PartialDegradation 不是错误，而是成功结果上的 Degraded 字段。
var (
	ErrInvalidInput       = errors.New("提交内容不合法")
	ErrUnauthorized       = errors.New("未授权")
	ErrRateLimited        = errors.New("提交过于频繁")
	ErrDuplicateOwnership = errors.New("会话指纹已归属其他用户")
	ErrStorageFailure     = errors.New("存储失败")
)

type RateLimitError struct {
	RetryAfter time.Duration
	Used       int
	Max        int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s：窗口内已接受 %d/%d 次，%d 秒后重试", ErrRateLimited.Error(), e.Used, e.Max, e.RetryAfterSeconds())
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds 向上取整，最少 1 秒。
func (e *RateLimitError) RetryAfterSeconds() int64 {
	secs := int64((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type OwnershipConflictError struct {
	Conflicts []string
}

func (e *OwnershipConflictError) Error() string {
	return fmt.Sprintf("%s（%d 个）", ErrDuplicateOwnership.Error(), len(e.Conflicts))
}

func (e *OwnershipConflictError) Unwrap() error { return ErrDuplicateOwnership }

// Reason 返回对外的机器可读原因码。
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrDuplicateOwnership):
		return "duplicate_ownership"
	default:
		return "storage_failure"
	}
}

func storageFailure(stage string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageFailure, stage, err)
}
