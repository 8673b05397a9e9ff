// internal/genai/retry.go
package genai

import (
	"context"
	"time"
)

// 阶梯时序参数
// 包级变量而非常量，测试在init()里调小避免真实等待
var (
	// PrimaryTimeout 首选层单次调用超时
	PrimaryTimeout = 30 * time.Second

	// RetryDelay 降级重试前的固定等待
	RetryDelay = 2 * time.Second

	// RetryTimeout 降级重试层单次调用超时
	RetryTimeout = 15 * time.Second

	// BatchSpacing 批量生成相邻章节之间的固定间隔
	BatchSpacing = 500 * time.Millisecond
)

// WaitRetry 等待降级重试间隔，ctx取消时立即返回
func WaitRetry(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(RetryDelay):
		return nil
	}
}

// WaitSpacing 等待批量间隔，ctx取消时立即返回
func WaitSpacing(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(BatchSpacing):
		return nil
	}
}
