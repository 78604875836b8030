// Package gateway 是下载入口：把 HTTP 请求翻译成 resolve → 缓存查找 →
// 抓取 的流水线，并把内部错误映射为稳定的对外状态码。
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/trainz-dl/trainz-dl/internal/cache"
	"github.com/trainz-dl/trainz-dl/internal/fetch"
	"github.com/trainz-dl/trainz-dl/internal/index"
	"github.com/trainz-dl/trainz-dl/internal/locator"
	"github.com/trainz-dl/trainz-dl/internal/logging"
	"github.com/trainz-dl/trainz-dl/internal/server"
	"github.com/trainz-dl/trainz-dl/internal/source"
)

// Handler serves GET/HEAD /download/:kuid. A fresh cache entry is streamed
// directly; a miss or stale entry goes through the fetch manager, which
// deduplicates concurrent requests for the same asset.
type Handler struct {
	locator *locator.Locator
	store   cache.Store
	manager *fetch.Manager
	logger  *logrus.Logger
	ttl     time.Duration
	now     func() time.Time
}

// NewHandler 构造下载处理器；ttl<=0 表示缓存条目永不过期。
func NewHandler(
	loc *locator.Locator,
	store cache.Store,
	manager *fetch.Manager,
	logger *logrus.Logger,
	ttl time.Duration,
) *Handler {
	return &Handler{
		locator: loc,
		store:   store,
		manager: manager,
		logger:  logger,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Handle 执行一次下载请求的完整流程，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	key, desc, err := h.locator.Resolve(requestKUID(c))
	if err != nil {
		h.logResult(key, desc, requestID, false, started, err)
		return h.writeError(c, err)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := h.store.Lookup(ctx, key)
	switch {
	case err == nil:
		if h.fresh(result.Entry) {
			return h.serve(c, desc, result, true, requestID, started)
		}
		// 过期条目：关闭读取端并重新抓取，提交后旧字节被原子替换。
		result.Reader.Close()
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	default:
		h.logger.WithError(err).
			WithFields(logrus.Fields{"action": "cache_lookup", "kuid": key}).
			Warn("cache_lookup_failed")
	}

	result, err = h.manager.Fetch(ctx, key, desc)
	if err != nil {
		h.logResult(key, desc, requestID, false, started, err)
		return h.writeError(c, err)
	}
	return h.serve(c, desc, result, false, requestID, started)
}

// fresh 在服务时判定新鲜度；写入侧从不主动过期。
func (h *Handler) fresh(entry cache.Entry) bool {
	if h.ttl <= 0 {
		return true
	}
	return h.now().Before(entry.FetchedAt.Add(h.ttl))
}

func (h *Handler) serve(
	c fiber.Ctx,
	desc source.Descriptor,
	result *cache.ReadResult,
	cacheHit bool,
	requestID string,
	started time.Time,
) error {
	c.Set("Content-Type", "application/octet-stream")
	if result.Entry.SizeBytes > 0 {
		c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	}
	if result.Entry.SHA1 != "" {
		c.Set("X-Trainz-Dl-Sha1", result.Entry.SHA1)
	}
	c.Set("X-Trainz-Dl-Cache-Hit", boolHeader(cacheHit))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(fiber.StatusOK)

	if c.Method() == http.MethodHead {
		result.Reader.Close()
		h.logResult(result.Entry.Key, desc, requestID, cacheHit, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), result.Reader)
	result.Reader.Close()
	h.logResult(result.Entry.Key, desc, requestID, cacheHit, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "read cache failed")
	}
	return nil
}

// writeError 将内部错误翻译为稳定的 JSON 错误码。
func (h *Handler) writeError(c fiber.Ctx, err error) error {
	status, code := classifyError(err)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, locator.ErrInvalidIdentifier):
		return fiber.StatusBadRequest, "invalid_identifier"
	case errors.Is(err, index.ErrAssetNotFound),
		errors.Is(err, fetch.ErrUpstreamNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, fetch.ErrRateLimited):
		return fiber.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, fetch.ErrIntegrity):
		return fiber.StatusBadGateway, "integrity_error"
	default:
		return fiber.StatusBadGateway, "upstream_failed"
	}
}

func (h *Handler) logResult(
	key string,
	desc source.Descriptor,
	requestID string,
	cacheHit bool,
	started time.Time,
	err error,
) {
	if h.logger == nil {
		return
	}
	fields := logging.RequestFields(key, desc.SourceName, authMode(desc), cacheHit)
	fields["action"] = "download"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("download_failed")
		return
	}
	h.logger.WithFields(fields).Info("download_complete")
}

func authMode(desc source.Descriptor) string {
	if desc.Username != "" && desc.Password != "" {
		return "credentialed"
	}
	return "anonymous"
}

// requestKUID 取路径参数并解码；客户端通常会把尖括号形式 percent-encode。
func requestKUID(c fiber.Ctx) string {
	raw := c.Params("kuid")
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

func boolHeader(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
