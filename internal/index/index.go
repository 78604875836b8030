// Package index holds the asset catalog of the download station: every known
// Trainz asset with its KUID, content hash, upstream file id and revision. The
// catalog is a single JSON document on disk, rewritten atomically on change;
// lookups are served from memory. The locator resolves download requests
// against this catalog, and the /api routes expose it read-only, mirroring the
// upstream sync job that feeds it.
package index

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// ErrAssetNotFound 表示目录中不存在对应资产。
var ErrAssetNotFound = errors.New("asset not found")

// Asset 描述一条已知的 Trainz 资产记录。
type Asset struct {
	Username   string    `json:"username"`
	KUID       string    `json:"kuid"`
	SHA1       string    `json:"sha1"`
	FileID     string    `json:"file_id"`
	Revision   int       `json:"revision"`
	LastUpdate time.Time `json:"last_update"`
}

// Filter 限定 List 返回的资产范围，零值表示不过滤。
type Filter struct {
	MinRevision   int
	MinLastUpdate time.Time
}

// Index 将资产目录加载进内存，并负责 JSON 文件的原子回写。
type Index struct {
	path string

	mu     sync.RWMutex
	byKUID map[string]Asset
	byFile map[string]Asset
}

type document struct {
	Assets []Asset `json:"assets"`
}

// Load 从 path 读取资产目录；文件不存在时返回空目录，首次 Save 会创建它。
func Load(path string) (*Index, error) {
	if path == "" {
		return nil, errors.New("index path required")
	}

	idx := &Index{
		path:   path,
		byKUID: make(map[string]Asset),
		byFile: make(map[string]Asset),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return idx, nil
		}
		return nil, fmt.Errorf("读取索引文件失败: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("解析索引文件失败: %w", err)
	}

	for _, asset := range doc.Assets {
		idx.insertLocked(asset)
	}
	return idx, nil
}

// ByKUID 按规范化 KUID 查找资产。
func (i *Index) ByKUID(kuid string) (Asset, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	asset, ok := i.byKUID[kuid]
	if !ok {
		return Asset{}, ErrAssetNotFound
	}
	return asset, nil
}

// ByFileID 按上游文件 ID 查找资产。
func (i *Index) ByFileID(fileID string) (Asset, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	asset, ok := i.byFile[fileID]
	if !ok {
		return Asset{}, ErrAssetNotFound
	}
	return asset, nil
}

// List 返回按 username 排序的资产列表，应用 Filter 中的增量条件。
func (i *Index) List(filter Filter) []Asset {
	i.mu.RLock()
	defer i.mu.RUnlock()

	result := make([]Asset, 0, len(i.byKUID))
	for _, asset := range i.byKUID {
		if filter.MinRevision > 0 && asset.Revision < filter.MinRevision {
			continue
		}
		if !filter.MinLastUpdate.IsZero() && asset.LastUpdate.Before(filter.MinLastUpdate) {
			continue
		}
		result = append(result, asset)
	}
	sort.Slice(result, func(a, b int) bool {
		if result[a].Username != result[b].Username {
			return result[a].Username < result[b].Username
		}
		return result[a].KUID < result[b].KUID
	})
	return result
}

// Len 返回目录中的资产数量，供启动日志与 /-/status 使用。
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.byKUID)
}

// Upsert 插入或替换一条资产记录（同一 KUID 视为同一资产）。
func (i *Index) Upsert(asset Asset) error {
	if strings.TrimSpace(asset.KUID) == "" {
		return errors.New("asset kuid required")
	}
	if strings.TrimSpace(asset.FileID) == "" {
		return errors.New("asset file_id required")
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.insertLocked(asset)
	return nil
}

// Save 将当前目录原子写回磁盘。
func (i *Index) Save() error {
	i.mu.RLock()
	doc := document{Assets: make([]Asset, 0, len(i.byKUID))}
	for _, asset := range i.byKUID {
		doc.Assets = append(doc.Assets, asset)
	}
	i.mu.RUnlock()

	sort.Slice(doc.Assets, func(a, b int) bool {
		return doc.Assets[a].KUID < doc.Assets[b].KUID
	})

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化索引失败: %w", err)
	}
	if err := atomic.WriteFile(i.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("写入索引文件失败: %w", err)
	}
	return nil
}

// ImportFile 合并一份导出的资产列表（与索引文件同构）并落盘，返回合并条数。
func (i *Index) ImportFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("读取导入文件失败: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("解析导入文件失败: %w", err)
	}

	for _, asset := range doc.Assets {
		if err := i.Upsert(asset); err != nil {
			return 0, fmt.Errorf("导入资产 %s 失败: %w", asset.KUID, err)
		}
	}
	if err := i.Save(); err != nil {
		return 0, err
	}
	return len(doc.Assets), nil
}

// insertLocked 维护两个查找表；替换同一 KUID 时先清理旧的 file_id 映射。
func (i *Index) insertLocked(asset Asset) {
	if old, ok := i.byKUID[asset.KUID]; ok {
		delete(i.byFile, old.FileID)
	}
	i.byKUID[asset.KUID] = asset
	i.byFile[asset.FileID] = asset
}
