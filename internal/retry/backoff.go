// Package retry 指数退避
package retry

import (
	"context"
	"math"
	"time"
)

// Backoff 第 attempt 次重试前的等待时间（attempt 从 1 开始）：base * 2^(attempt-1)
// 不设上限，仅在溢出时截断到 math.MaxInt64
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 1 {
		return base
	}

	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Sleep 可被 ctx 取消的等待
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
