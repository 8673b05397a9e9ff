// internal/genai/errors.go
package genai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// FailureKind 生成失败的分类
// 分类结果决定降级阶梯走哪条分支
type FailureKind string

const (
	FailureOverloaded       FailureKind = "overloaded"
	FailureRateLimited      FailureKind = "rate-limited"
	FailureInvalidConfig    FailureKind = "invalid-config"
	FailureTransientNetwork FailureKind = "transient-network"
	FailureUnknown          FailureKind = "unknown"
)

// ServiceError 生成服务返回的可分类错误
type ServiceError struct {
	Kind       FailureKind
	StatusCode int
	Provider   string
	Msg        string
	Err        error
}

// Error 实现 error 接口
func (e *ServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s api错误(%d): %s", e.Provider, e.StatusCode, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Msg)
}

// Unwrap 实现错误链接
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError 创建指定分类的服务错误
func NewServiceError(kind FailureKind, provider, msg string, err error) *ServiceError {
	return &ServiceError{Kind: kind, Provider: provider, Msg: msg, Err: err}
}

// NewStatusError 按HTTP状态码创建服务错误
func NewStatusError(provider string, statusCode int, body string) *ServiceError {
	return &ServiceError{
		Kind:       KindFromStatus(statusCode, body),
		StatusCode: statusCode,
		Provider:   provider,
		Msg:        body,
	}
}

// KindFromStatus HTTP状态码到失败分类的映射
func KindFromStatus(statusCode int, body string) FailureKind {
	switch statusCode {
	case http.StatusTooManyRequests:
		return FailureRateLimited
	case 529, http.StatusServiceUnavailable:
		return FailureOverloaded
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return FailureInvalidConfig
	}

	// 部分提供商用200段之外的自定义码报过载，靠消息体兜底
	lower := strings.ToLower(body)
	if strings.Contains(lower, "overloaded") || strings.Contains(lower, "过载") {
		return FailureOverloaded
	}

	if statusCode >= 500 {
		return FailureTransientNetwork
	}
	return FailureUnknown
}

// Classify 对一次生成失败做分类
// 超时一律归为transient-network；主动取消不属于服务失败，调用方应先检查ctx
func Classify(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}

	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransientNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTransientNetwork
	}

	// 没有结构化信息时按消息内容兜底
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "overloaded") || strings.Contains(msg, "过载"):
		return FailureOverloaded
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return FailureRateLimited
	case strings.Contains(msg, "api key") || strings.Contains(msg, "密钥") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "未配置"):
		return FailureInvalidConfig
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "eof") ||
		strings.Contains(msg, "connection reset"):
		return FailureTransientNetwork
	default:
		return FailureUnknown
	}
}

// Retryable 该分类是否进入降级重试层
// 限流时追加请求只会加剧限流，配置错误重试也不会自愈，都直接走模板兜底
func Retryable(kind FailureKind) bool {
	return kind == FailureOverloaded || kind == FailureTransientNetwork
}
