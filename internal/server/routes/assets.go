package routes

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/trainz-dl/trainz-dl/internal/index"
	"github.com/trainz-dl/trainz-dl/internal/locator"
)

// RegisterAssetRoutes 暴露只读的资产目录接口，供同步脚本与客户端增量拉取。
func RegisterAssetRoutes(app *fiber.App, idx *index.Index) {
	if app == nil || idx == nil {
		return
	}

	app.Get("/api/assets.json", func(c fiber.Ctx) error {
		filter, err := parseFilter(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"assets": idx.List(filter)})
	})

	app.Get("/api/assets/by-kuid/:kuid", func(c fiber.Ctx) error {
		key, err := locator.CanonicalKUID(pathParam(c, "kuid"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_identifier"})
		}
		asset, err := idx.ByKUID(key)
		if errors.Is(err, index.ErrAssetNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "asset_not_found"})
		}
		return c.JSON(asset)
	})

	app.Get("/api/assets/by-file/:file_id", func(c fiber.Ctx) error {
		fileID := strings.TrimSpace(pathParam(c, "file_id"))
		if fileID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "file_id_required"})
		}
		asset, err := idx.ByFileID(fileID)
		if errors.Is(err, index.ErrAssetNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "asset_not_found"})
		}
		return c.JSON(asset)
	})
}

// parseFilter 解析增量查询条件：revision 为最小修订号，
// last_update 为 RFC3339 时间戳。
func parseFilter(c fiber.Ctx) (index.Filter, error) {
	var filter index.Filter

	if raw := c.Query("revision"); raw != "" {
		rev, err := strconv.Atoi(raw)
		if err != nil || rev < 0 {
			return index.Filter{}, errors.New("invalid_revision")
		}
		filter.MinRevision = rev
	}
	if raw := c.Query("last_update"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return index.Filter{}, errors.New("invalid_last_update")
		}
		filter.MinLastUpdate = ts
	}
	return filter, nil
}

func pathParam(c fiber.Ctx, name string) string {
	raw := c.Params(name)
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}
