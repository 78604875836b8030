package cache

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// writeHandle 是一次 Pending 写入的独占句柄：边写边哈希，Commit 时
// 校验长度与摘要后以 rename + 原子 sidecar 落盘。
type writeHandle struct {
	store  *fileStore
	key    string
	opts   WriteOptions
	temp   *os.File
	hasher hash.Hash

	mu       sync.Mutex
	written  int64
	finished bool
}

func (h *writeHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished {
		return 0, ErrAlreadyCommitted
	}
	if h.opts.ExpectedSize > 0 && h.written+int64(len(p)) > h.opts.ExpectedSize {
		return 0, ErrSizeExceeded
	}

	n, err := h.temp.Write(p)
	if n > 0 {
		h.hasher.Write(p[:n])
		h.written += int64(n)
	}
	return n, err
}

func (h *writeHandle) BytesWritten() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.written
}

func (h *writeHandle) Commit(validator string) (*Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished {
		return nil, ErrAlreadyCommitted
	}
	h.finished = true

	tempName := h.temp.Name()
	if err := h.temp.Close(); err != nil {
		h.discard(tempName)
		return nil, err
	}

	if h.opts.ExpectedSize > 0 && h.written != h.opts.ExpectedSize {
		h.discard(tempName)
		return nil, fmt.Errorf("%w: expected %d bytes, wrote %d", ErrSizeMismatch, h.opts.ExpectedSize, h.written)
	}

	digest := hex.EncodeToString(h.hasher.Sum(nil))
	if h.opts.ExpectedSHA1 != "" && !strings.EqualFold(digest, h.opts.ExpectedSHA1) {
		h.discard(tempName)
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, h.opts.ExpectedSHA1, digest)
	}

	bodyPath := h.store.bodyPath(h.key)
	if err := os.Rename(tempName, bodyPath); err != nil {
		h.discard(tempName)
		return nil, err
	}

	entry := Entry{
		Key:       h.key,
		FilePath:  bodyPath,
		SizeBytes: h.written,
		SHA1:      digest,
		FetchedAt: time.Now().UTC(),
		Validator: validator,
		State:     StateReady,
	}
	if err := h.store.commit(entry); err != nil {
		_ = os.Remove(bodyPath)
		h.store.abandon(h.key)
		return nil, err
	}
	return &entry, nil
}

func (h *writeHandle) Abort(reason error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished {
		return nil
	}
	h.finished = true

	tempName := h.temp.Name()
	_ = h.temp.Close()
	h.discard(tempName)
	return nil
}

// discard 清理临时文件并把在途写入标记为失败。
func (h *writeHandle) discard(tempName string) {
	_ = os.Remove(tempName)
	h.store.abandon(h.key)
}

// writeMetadata 通过原子写保证 sidecar 不会出现半截 JSON。
func writeMetadata(path string, meta metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}
