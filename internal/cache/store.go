package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// State 描述条目生命周期阶段。Pending 条目没有可读字节；Ready 条目的
// 落盘长度等于记录的 SizeBytes，且哈希已在写入时校验。
type State string

const (
	StatePending State = "pending"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/blobs/<hh>/<sha1(key)>.cdp       # 实际正文
//	<StoragePath>/blobs/<hh>/<sha1(key)>.cdp.meta  # JSON 元数据
//
// 同一 key 至多存在一个条目；Lookup 绝不触网，也绝不阻塞在写入上。
type Store interface {
	// Lookup 返回一个可流式读取的 Ready 条目。不存在（或仍在写入）则返回 ErrNotFound。
	Lookup(ctx context.Context, key string) (*ReadResult, error)

	// BeginWrite 为 key 开启一次流式写入。若该 key 已有写入在途则返回
	// ErrWriteInProgress，调用方应改为加入已有的抓取任务。
	BeginWrite(ctx context.Context, key string, opts WriteOptions) (WriteHandle, error)

	// Evict 删除一个 Ready 条目；对不存在的 key 是幂等空操作；
	// 拒绝删除写入在途的条目（ErrPendingEntry）。已打开的读取者不受影响。
	Evict(ctx context.Context, key string) error

	// Stats 返回当前容量占用与条目计数，供 /-/status 输出。
	Stats() Stats

	// Close 释放存储目录锁。进程退出前调用一次。
	Close() error
}

// WriteOptions 声明写入的预期属性，Commit 时逐项校验。
type WriteOptions struct {
	// ExpectedSize 为上游声明的字节数，<=0 表示未知。写入超出即失败。
	ExpectedSize int64
	// ExpectedSHA1 为目录记录的内容哈希（hex），空串表示不校验。
	ExpectedSHA1 string
}

// WriteHandle 是一次 Pending 写入的所有权凭证：流式写入字节，
// 最终 Commit 原子晋升为 Ready，或 Abort 丢弃部分字节。
type WriteHandle interface {
	io.Writer

	// Commit 校验长度与哈希后原子落盘（rename + 原子元数据），返回 Ready 条目。
	// 对已完成的句柄重复调用返回 ErrAlreadyCommitted。
	Commit(validator string) (*Entry, error)

	// Abort 终止写入并清理临时文件；reason 仅用于日志。幂等。
	Abort(reason error) error

	// BytesWritten 返回至今写入的字节数。
	BytesWritten() int64
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及校验信息。
type Entry struct {
	Key       string    `json:"key"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	SHA1      string    `json:"sha1"`
	FetchedAt time.Time `json:"fetched_at"`
	Validator string    `json:"validator,omitempty"`
	State     State     `json:"state"`
}

// ReadResult 组合 Entry 与正文 Reader，便于网关层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// Stats 汇总存储占用情况。
type Stats struct {
	ReadyEntries  int    `json:"ready_entries"`
	PendingWrites int    `json:"pending_writes"`
	TotalBytes    int64  `json:"total_bytes"`
	CapacityBytes int64  `json:"capacity_bytes"`
	Evictions     uint64 `json:"evictions"`
	FailedWrites  uint64 `json:"failed_writes"`
}

var (
	// ErrNotFound 表示缓存不存在（或尚未 Ready）。
	ErrNotFound = errors.New("cache entry not found")
	// ErrWriteInProgress 表示该 key 已有 Pending 写入。
	ErrWriteInProgress = errors.New("cache write already in progress")
	// ErrAlreadyCommitted 表示句柄已经完成，重复 Commit 被拒绝。
	ErrAlreadyCommitted = errors.New("cache write already finished")
	// ErrPendingEntry 表示条目写入在途，不可被驱逐。
	ErrPendingEntry = errors.New("cache entry is pending")
	// ErrSizeExceeded 表示写入超出声明的预期大小。
	ErrSizeExceeded = errors.New("cache write exceeds expected size")
	// ErrSizeMismatch 表示提交时的字节数与声明不符。
	ErrSizeMismatch = errors.New("cache entry size mismatch")
	// ErrHashMismatch 表示内容哈希与目录记录不符。
	ErrHashMismatch = errors.New("cache entry hash mismatch")
)
