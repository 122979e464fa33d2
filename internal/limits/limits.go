// Package limits 提供提交入口的护栏：基于提交日志的滑动窗口限流，以及单实例的同用户并发保护。
package limits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tokenboard/internal/store"
)

var ErrExceeded = errors.New("提交过于频繁")

// ExceededError 携带窗口内已用次数与建议的重试等待时间。
type ExceededError struct {
	Used       int
	Max        int
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("窗口内已接受 %d/%d 次提交，请 %d 秒后重试", e.Used, e.Max, int64(e.RetryAfter/time.Second))
}

func (e *ExceededError) Unwrap() error { return ErrExceeded }

type SlotStore interface {
	ReserveSubmissionSlot(ctx context.Context, in store.SlotInput) (store.SlotResult, error)
	ReleaseSubmissionSlot(ctx context.Context, submissionID string) error
}

// SubmissionLimiter 在提交日志上做滚动窗口计数：每行代表一次被接受的提交，与请求次数、天数无关。
type SubmissionLimiter struct {
	slots  SlotStore
	max    int
	window time.Duration
	now    func() time.Time
}

func NewSubmissionLimiter(slots SlotStore, max int, window time.Duration) *SubmissionLimiter {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Hour
	}
	return &SubmissionLimiter{
		slots:  slots,
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// WithClock 替换时钟，测试用。
func (l *SubmissionLimiter) WithClock(now func() time.Time) *SubmissionLimiter {
	if now != nil {
		l.now = now
	}
	return l
}

func (l *SubmissionLimiter) Max() int              { return l.max }
func (l *SubmissionLimiter) Window() time.Duration { return l.window }
func (l *SubmissionLimiter) Now() time.Time        { return l.now() }

type Request struct {
	UserID           int64
	SubmissionID     string
	DeviceID         string
	Source           string
	DayCount         int
	FingerprintCount int
}

type Reservation struct {
	ID           int64
	SubmissionID string
	Used         int
	AcceptedAt   time.Time
}

// Reserve 原子地检查窗口并占位。超限时返回 *ExceededError（errors.Is(err, ErrExceeded)）。
func (l *SubmissionLimiter) Reserve(ctx context.Context, req Request) (Reservation, error) {
	now := l.now()
	res, err := l.slots.ReserveSubmissionSlot(ctx, store.SlotInput{
		UserID:           req.UserID,
		SubmissionID:     req.SubmissionID,
		DeviceID:         req.DeviceID,
		Source:           req.Source,
		DayCount:         req.DayCount,
		FingerprintCount: req.FingerprintCount,
		Now:              now,
		Window:           l.window,
		Max:              l.max,
	})
	if err != nil {
		return Reservation{}, err
	}
	if !res.Allowed {
		return Reservation{}, &ExceededError{Used: res.Used, Max: l.max, RetryAfter: res.RetryAfter}
	}
	return Reservation{
		ID:           res.ID,
		SubmissionID: req.SubmissionID,
		Used:         res.Used,
		AcceptedAt:   now,
	}, nil
}

// Release 归还尚未落账的占位；已落账的提交不受影响。
func (l *SubmissionLimiter) Release(ctx context.Context, submissionID string) error {
	return l.slots.ReleaseSubmissionSlot(ctx, submissionID)
}

// UserInflight 限制同一用户在本实例上同时处理中的提交数量。
type UserInflight struct {
	maxInflight int

	mu       sync.Mutex
	inflight map[int64]int
}

func NewUserInflight(maxInflight int) *UserInflight {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	return &UserInflight{
		maxInflight: maxInflight,
		inflight:    make(map[int64]int),
	}
}

func (l *UserInflight) Acquire(userID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight[userID] >= l.maxInflight {
		return false
	}
	l.inflight[userID]++
	return true
}

func (l *UserInflight) Release(userID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight[userID] > 0 {
		l.inflight[userID]--
	}
	if l.inflight[userID] == 0 {
		delete(l.inflight, userID)
	}
}
