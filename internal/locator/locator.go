// Package locator turns user-supplied KUIDs into canonical cache keys and
// upstream descriptors. Resolution is pure over the request input, the asset
// index snapshot and the configured source registry; it never touches the
// network.
package locator

import (
	"fmt"
	"net/url"

	"github.com/trainz-dl/trainz-dl/internal/index"
	"github.com/trainz-dl/trainz-dl/internal/source"
)

// Locator 聚合资产目录与 Source 注册表，对外提供 Resolve。
type Locator struct {
	index   *index.Index
	sources *source.Registry
}

// New 构造 Locator；两个依赖都由启动阶段注入，便于测试替换。
func New(idx *index.Index, registry *source.Registry) *Locator {
	return &Locator{index: idx, sources: registry}
}

// Resolve 将原始 KUID 规范化并解析为上游 descriptor。
// 返回 ErrInvalidIdentifier（输入不合法）或 index.ErrAssetNotFound（目录无此资产）。
func (l *Locator) Resolve(raw string) (string, source.Descriptor, error) {
	key, err := CanonicalKUID(raw)
	if err != nil {
		return "", source.Descriptor{}, err
	}

	asset, err := l.index.ByKUID(key)
	if err != nil {
		return key, source.Descriptor{}, err
	}

	route := l.routeFor(asset)
	if route == nil {
		return key, source.Descriptor{}, fmt.Errorf("no source configured for asset %s", key)
	}

	desc := source.Descriptor{
		Key:          key,
		URL:          downloadURL(route.UpstreamURL, asset.FileID),
		SourceName:   route.Config.Name,
		ExpectedSHA1: asset.SHA1,
		Username:     route.Config.Username,
		Password:     route.Config.Password,
	}
	return key, desc, nil
}

// routeFor 按资产作者名匹配 Source，未命中时回退到默认上游。
func (l *Locator) routeFor(asset index.Asset) *source.Route {
	if route, ok := l.sources.Lookup(asset.Username); ok {
		return route
	}
	return l.sources.Default()
}

// downloadURL 拼出上游打包文件地址：<upstream>/files/<file_id>.cdp。
func downloadURL(base *url.URL, fileID string) *url.URL {
	relative := &url.URL{Path: fmt.Sprintf("files/%s.cdp", fileID)}
	return base.ResolveReference(relative)
}
