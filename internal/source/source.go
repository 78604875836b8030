// Package source abstracts the upstream repositories that host packaged
// Trainz content. The download manager depends only on the Source contract;
// the HTTP implementation and the registry of configured upstreams live here
// so that tests can swap in fakes without touching the pipeline.
package source

import (
	"context"
	"io"
	"net/url"
)

// Descriptor 描述一次上游抓取所需的全部信息，由 locator 生成。
type Descriptor struct {
	// Key 是规范化后的 ContentKey（KUID），仅用于日志。
	Key string
	// URL 是解析完成的上游下载地址。
	URL *url.URL
	// SourceName 记录命中的 Source 配置名，供日志字段使用。
	SourceName string
	// ExpectedSize 为上游声明的字节数，<=0 表示未知。
	ExpectedSize int64
	// ExpectedSHA1 为目录中记录的内容哈希，空串表示不校验。
	ExpectedSHA1 string
	// Username/Password 为当前 Source 的上游凭证，可为空。
	Username string
	Password string
}

// Response 是对一次上游 GET 的最小抽象，屏蔽具体协议细节。
type Response struct {
	Status        int
	ContentLength int64
	ETag          string
	LastModified  string
	Body          io.ReadCloser
}

// Validator 组合 ETag 与 Last-Modified，作为缓存条目的校验令牌。
func (r *Response) Validator() string {
	if r.ETag != "" {
		return r.ETag
	}
	return r.LastModified
}

// Source 是抽象的上游抓取能力。实现必须尊重 ctx 取消并流式返回 Body。
type Source interface {
	Fetch(ctx context.Context, desc Descriptor) (*Response, error)
}

// FetchFunc 将函数适配为 Source，测试中用它注入假上游。
type FetchFunc func(ctx context.Context, desc Descriptor) (*Response, error)

// Fetch 使 FetchFunc 满足 Source 接口。
func (f FetchFunc) Fetch(ctx context.Context, desc Descriptor) (*Response, error) {
	return f(ctx, desc)
}
