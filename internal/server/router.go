package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DownloadHandler describes the component serving /download/:kuid. It allows
// injecting fake handlers during tests.
type DownloadHandler interface {
	Handle(fiber.Ctx) error
}

// DownloadHandlerFunc adapts a function to the DownloadHandler interface.
type DownloadHandlerFunc func(fiber.Ctx) error

// Handle makes DownloadHandlerFunc satisfy DownloadHandler.
func (f DownloadHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Download   DownloadHandler
	ListenPort int
}

const contextKeyRequestID = "_trainzdl_request_id"

// NewApp builds a Fiber application with request-ID middleware, panic
// recovery and the download route wired up. Catalog and diagnostics routes
// are registered separately by the caller.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Download == nil {
		return nil, errors.New("download handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.Get("/download/:kuid", opts.Download.Handle)
	app.Head("/download/:kuid", opts.Download.Handle)

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID；/api/* 一律禁止客户端缓存，
// 目录内容随导入随时变化。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isCatalogPath(string(c.Request().URI().Path())) {
			c.Set("Cache-Control", "no-cache")
		}
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isCatalogPath(path string) bool {
	return strings.HasPrefix(path, "/api/")
}
