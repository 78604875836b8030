package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited 表示全局并发抓取配额已满且排队超时，调用方不应重试。
	ErrRateLimited = errors.New("fetch concurrency limit reached")
	// ErrIntegrity 表示抓取结果未通过大小/哈希校验，不会自动重试。
	ErrIntegrity = errors.New("fetched content failed integrity check")
	// ErrUpstream 表示上游在重试预算耗尽后仍不可用，或返回了不可重试的状态。
	ErrUpstream = errors.New("upstream fetch failed")
	// ErrUpstreamNotFound 表示上游明确返回 404。
	ErrUpstreamNotFound = errors.New("upstream content not found")
)

// statusError 携带上游状态码，用于区分可重试的 5xx 与立即失败的 4xx。
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.status)
}

func (e *statusError) transient() bool {
	return e.status >= 500
}
