package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	blobsDir   = "blobs"
	bodySuffix = ".cdp"
	metaSuffix = ".cdp.meta"
	lockFile   = ".lock"
	tempPrefix = ".cache-"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
// 启动时独占持有目录锁并重建元数据表；capacityBytes 控制 LRU 驱逐水位。
func NewStore(basePath string, capacityBytes int64) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if capacityBytes <= 0 {
		return nil, errors.New("capacity must be positive")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(abs, blobsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dirLock := flock.New(filepath.Join(abs, lockFile))
	locked, err := dirLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock storage path: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("storage path %s is locked by another process", abs)
	}

	store := &fileStore{
		basePath: abs,
		capacity: capacityBytes,
		dirLock:  dirLock,
		now:      time.Now,
		entries:  make(map[string]*entryRecord),
		writes:   make(map[string]*writeHandle),
	}
	if err := store.rescan(); err != nil {
		_ = dirLock.Unlock()
		return nil, err
	}
	return store, nil
}

// fileStore 持有条目表与在途写入表，二者的全部状态迁移都在 mu 之下完成，
// 以维持 “每个 key 至多一次在途写入” 的约束。
type fileStore struct {
	basePath string
	capacity int64
	dirLock  *flock.Flock
	now      func() time.Time

	mu         sync.Mutex
	entries    map[string]*entryRecord
	writes     map[string]*writeHandle
	totalBytes int64
	evictions  uint64
	failed     uint64
}

// entryRecord 在 Entry 之外记录最近读取时间，驱动 LRU 驱逐。
type entryRecord struct {
	entry    Entry
	lastRead time.Time
}

// metadata 是落盘的 sidecar 结构，重启后据此重建条目表。
type metadata struct {
	Key       string    `json:"key"`
	SizeBytes int64     `json:"size_bytes"`
	SHA1      string    `json:"sha1"`
	FetchedAt time.Time `json:"fetched_at"`
	Validator string    `json:"validator,omitempty"`
}

func (s *fileStore) Lookup(ctx context.Context, key string) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	rec, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	rec.lastRead = s.now()
	entry := rec.entry
	s.mu.Unlock()

	f, err := os.Open(entry.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// 条目表与磁盘不一致（外部删除），自愈后按未命中处理。
			s.dropEntry(key)
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{Entry: entry, Reader: f}, nil
}

func (s *fileStore) BeginWrite(ctx context.Context, key string, opts WriteOptions) (WriteHandle, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if key == "" {
		return nil, errors.New("cache key required")
	}

	s.mu.Lock()
	if _, inFlight := s.writes[key]; inFlight {
		s.mu.Unlock()
		return nil, ErrWriteInProgress
	}

	dir := filepath.Dir(s.bodyPath(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	tempFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	handle := &writeHandle{
		store:  s,
		key:    key,
		opts:   opts,
		temp:   tempFile,
		hasher: sha1.New(),
	}
	s.writes[key] = handle
	s.mu.Unlock()
	return handle, nil
}

func (s *fileStore) Evict(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, inFlight := s.writes[key]; inFlight {
		return ErrPendingEntry
	}
	rec, ok := s.entries[key]
	if !ok {
		return nil
	}
	return s.removeLocked(key, rec)
}

func (s *fileStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ReadyEntries:  len(s.entries),
		PendingWrites: len(s.writes),
		TotalBytes:    s.totalBytes,
		CapacityBytes: s.capacity,
		Evictions:     s.evictions,
		FailedWrites:  s.failed,
	}
}

func (s *fileStore) Close() error {
	return s.dirLock.Unlock()
}

// commit 由 writeHandle 在持有自身锁的情况下调用，完成 Pending→Ready 的原子迁移。
func (s *fileStore) commit(entry Entry) error {
	meta := metadata{
		Key:       entry.Key,
		SizeBytes: entry.SizeBytes,
		SHA1:      entry.SHA1,
		FetchedAt: entry.FetchedAt,
		Validator: entry.Validator,
	}
	if err := writeMetadata(s.metaPath(entry.Key), meta); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[entry.Key]; ok {
		s.totalBytes -= old.entry.SizeBytes
	}
	s.entries[entry.Key] = &entryRecord{entry: entry, lastRead: s.now()}
	s.totalBytes += entry.SizeBytes
	delete(s.writes, entry.Key)
	s.evictOverCapacityLocked()
	return nil
}

// abandon 由 writeHandle 在 Abort 或失败的 Commit 后调用，释放在途写入。
func (s *fileStore) abandon(key string) {
	s.mu.Lock()
	delete(s.writes, key)
	s.failed++
	s.mu.Unlock()
}

// evictOverCapacityLocked 按最近读取时间从旧到新驱逐 Ready 条目，直至回到容量内。
func (s *fileStore) evictOverCapacityLocked() {
	if s.totalBytes <= s.capacity {
		return
	}

	type candidate struct {
		key      string
		lastRead time.Time
	}
	candidates := make([]candidate, 0, len(s.entries))
	for key, rec := range s.entries {
		candidates = append(candidates, candidate{key: key, lastRead: rec.lastRead})
	}
	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].lastRead.Before(candidates[b].lastRead)
	})

	for _, cand := range candidates {
		if s.totalBytes <= s.capacity {
			return
		}
		if rec, ok := s.entries[cand.key]; ok {
			_ = s.removeLocked(cand.key, rec)
		}
	}
}

// removeLocked 删除条目及其磁盘文件。已打开的读取者持有自己的 fd，不受 unlink 影响。
func (s *fileStore) removeLocked(key string, rec *entryRecord) error {
	if err := os.Remove(rec.entry.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(s.metaPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	s.totalBytes -= rec.entry.SizeBytes
	delete(s.entries, key)
	s.evictions++
	return nil
}

func (s *fileStore) dropEntry(key string) {
	s.mu.Lock()
	if rec, ok := s.entries[key]; ok {
		s.totalBytes -= rec.entry.SizeBytes
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

// rescan 在启动时重建条目表：元数据完好的正文登记为 Ready，
// 孤儿正文与遗留临时文件一律清除。
func (s *fileStore) rescan() error {
	root := filepath.Join(s.basePath, blobsDir)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		name := d.Name()
		switch {
		case strings.HasPrefix(name, tempPrefix):
			return os.Remove(path)
		case strings.HasSuffix(name, metaSuffix):
			return s.restoreEntry(path)
		case strings.HasSuffix(name, bodySuffix):
			if _, err := os.Stat(path + ".meta"); errors.Is(err, fs.ErrNotExist) {
				return os.Remove(path)
			}
			return nil
		default:
			return nil
		}
	})
}

func (s *fileStore) restoreEntry(metaPath string) error {
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return err
	}

	var meta metadata
	bodyPath := strings.TrimSuffix(metaPath, ".meta")
	if err := json.Unmarshal(data, &meta); err != nil {
		// 元数据损坏：同时丢弃正文，下一次请求会重新抓取。
		_ = os.Remove(bodyPath)
		return os.Remove(metaPath)
	}

	info, err := os.Stat(bodyPath)
	if err != nil || info.Size() != meta.SizeBytes {
		_ = os.Remove(bodyPath)
		return os.Remove(metaPath)
	}

	s.entries[meta.Key] = &entryRecord{
		entry: Entry{
			Key:       meta.Key,
			FilePath:  bodyPath,
			SizeBytes: meta.SizeBytes,
			SHA1:      meta.SHA1,
			FetchedAt: meta.FetchedAt,
			Validator: meta.Validator,
			State:     StateReady,
		},
		lastRead: meta.FetchedAt,
	}
	s.totalBytes += meta.SizeBytes
	return nil
}

// bodyPath 按 key 的 sha1 做两级散列目录，避免单目录条目过多。
func (s *fileStore) bodyPath(key string) string {
	sum := sha1.Sum([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(s.basePath, blobsDir, name[:2], name+bodySuffix)
}

func (s *fileStore) metaPath(key string) string {
	return s.bodyPath(key) + ".meta"
}
