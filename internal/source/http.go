package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/trainz-dl/trainz-dl/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client，用于所有上游请求。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// NewHTTPSource 基于共享 client 构造 HTTP 上游实现。
func NewHTTPSource(client *http.Client) Source {
	return &httpSource{client: client}
}

type httpSource struct {
	client *http.Client
}

// Fetch 对 descriptor 指向的地址发起 GET 并返回流式响应。
func (s *httpSource) Fetch(ctx context.Context, desc Descriptor) (*Response, error) {
	if desc.URL == nil {
		return nil, errors.New("descriptor url required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.URL.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("构造上游请求失败: %w", err)
	}
	if desc.Username != "" && desc.Password != "" {
		req.SetBasicAuth(desc.Username, desc.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}

	return &Response{
		Status:        resp.StatusCode,
		ContentLength: resp.ContentLength,
		ETag:          normalizeETag(resp.Header.Get("Etag")),
		LastModified:  resp.Header.Get("Last-Modified"),
		Body:          resp.Body,
	}, nil
}

func normalizeETag(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return strings.Trim(value, "\"")
}
