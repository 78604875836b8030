package source

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/trainz-dl/trainz-dl/internal/config"
)

// Route 将 Source 配置与解析后的上游 URL 聚合在一起，供 locator 直接复用，
// 避免每次请求重复解析配置。
type Route struct {
	// Config 是用户在 config.toml 中声明的 Source 字段副本，避免外部修改。
	Config config.SourceConfig
	// UpstreamURL 在构造 Registry 时提前解析完成，便于后续请求快速复用。
	UpstreamURL *url.URL
}

// Registry 提供 Source 名称到 Route 的查询能力；第一个配置项作为默认上游。
type Registry struct {
	routes  map[string]*Route
	ordered []*Route
}

// NewRegistry 根据配置构建 Source 映射。调用方应在启动阶段创建一次并复用。
func NewRegistry(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if len(cfg.Sources) == 0 {
		return nil, errors.New("at least one source required")
	}

	registry := &Registry{
		routes: make(map[string]*Route, len(cfg.Sources)),
	}

	for _, src := range cfg.Sources {
		name := normalizeName(src.Name)
		if name == "" {
			return nil, fmt.Errorf("invalid name for source %q", src.Name)
		}
		if _, exists := registry.routes[name]; exists {
			return nil, fmt.Errorf("duplicate source name detected for %s", name)
		}

		upstreamURL, err := url.Parse(src.Upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream for source %s: %w", src.Name, err)
		}

		route := &Route{Config: src, UpstreamURL: upstreamURL}
		registry.routes[name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据名称查找 Route。
func (r *Registry) Lookup(name string) (*Route, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.routes[normalizeName(name)]
	return route, ok
}

// Default 返回配置顺序中的第一个 Source，作为无法按名路由时的回退。
func (r *Registry) Default() *Route {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return r.ordered[0]
}

// List 返回当前注册的 Route 列表（按配置定义的顺序），用于 /-/status 输出。
func (r *Registry) List() []Route {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	result := make([]Route, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func normalizeName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
