package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/trainz-dl/trainz-dl/internal/cache"
	"github.com/trainz-dl/trainz-dl/internal/index"
	"github.com/trainz-dl/trainz-dl/internal/source"
	"github.com/trainz-dl/trainz-dl/internal/version"
)

// RegisterStatusRoutes 暴露 /-/status 诊断接口，供运维查看缓存水位与上游配置。
func RegisterStatusRoutes(app *fiber.App, store cache.Store, registry *source.Registry, idx *index.Index) {
	if app == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"version": version.Full(),
		}
		if idx != nil {
			payload["assets"] = idx.Len()
		}
		if store != nil {
			payload["cache"] = encodeStats(store.Stats())
		}
		if registry != nil {
			payload["sources"] = encodeSources(registry.List())
		}
		return c.JSON(payload)
	})
}

type statsPayload struct {
	ReadyEntries  int    `json:"ready_entries"`
	PendingWrites int    `json:"pending_writes"`
	TotalBytes    int64  `json:"total_bytes"`
	CapacityBytes int64  `json:"capacity_bytes"`
	Evictions     uint64 `json:"evictions"`
	FailedWrites  uint64 `json:"failed_writes"`
}

type sourcePayload struct {
	Name     string `json:"name"`
	Upstream string `json:"upstream"`
	AuthMode string `json:"auth_mode"`
}

func encodeStats(stats cache.Stats) statsPayload {
	return statsPayload{
		ReadyEntries:  stats.ReadyEntries,
		PendingWrites: stats.PendingWrites,
		TotalBytes:    stats.TotalBytes,
		CapacityBytes: stats.CapacityBytes,
		Evictions:     stats.Evictions,
		FailedWrites:  stats.FailedWrites,
	}
}

func encodeSources(routes []source.Route) []sourcePayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]sourcePayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, sourcePayload{
			Name:     route.Config.Name,
			Upstream: route.Config.Upstream,
			AuthMode: route.Config.AuthMode(),
		})
	}
	return result
}
