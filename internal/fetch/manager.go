// Package fetch orchestrates upstream downloads: one in-flight fetch per
// ContentKey shared by all concurrent requesters, bounded global concurrency,
// bounded retries with exponential backoff, and streaming into the cache
// store so payloads are never buffered whole in memory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/trainz-dl/trainz-dl/internal/cache"
	"github.com/trainz-dl/trainz-dl/internal/source"
)

// Options 汇总抓取行为的全部可调参数，由配置层填充。
type Options struct {
	// MaxConcurrent 限制全局在途抓取数，超出的请求在 QueueWait 内排队。
	MaxConcurrent int
	// QueueWait 是排队等待配额的上限，超时返回 ErrRateLimited。
	QueueWait time.Duration
	// MaxRetries 是单次抓取的总尝试次数（含首次）。
	MaxRetries int
	// BackoffBase 是第一次重试前的等待时间，此后逐次翻倍。
	BackoffBase time.Duration
}

// Manager 按 key 去重上游抓取：同一 key 同一时刻至多一个任务在途，
// 后到的请求登记为 waiter，在提交后统一从缓存读取同一份字节。
type Manager struct {
	source source.Source
	store  cache.Store
	logger *logrus.Logger
	opts   Options
	sem    *semaphore.Weighted

	mu    sync.Mutex
	tasks map[string]*task
}

// task 是一次在途抓取的协调对象；waiters 记录仍在等待的消费者数量，
// 归零且尚未完成时取消上游请求。
type task struct {
	done     chan struct{}
	err      error
	waiters  int
	finished bool
	cancel   context.CancelFunc
}

// NewManager 构造抓取管理器；零值选项会被替换为保守默认值。
func NewManager(src source.Source, store cache.Store, logger *logrus.Logger, opts Options) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.QueueWait < 0 {
		opts.QueueWait = 0
	}
	return &Manager{
		source: src,
		store:  store,
		logger: logger,
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		tasks:  make(map[string]*task),
	}
}

// Fetch 确保 key 对应的内容进入缓存并返回其可读结果。
// 已有任务在途时加入等待；ctx 取消只影响当前调用者，最后一个
// 等待者离开才会取消上游抓取。
func (m *Manager) Fetch(ctx context.Context, key string, desc source.Descriptor) (*cache.ReadResult, error) {
	m.mu.Lock()
	if t, ok := m.tasks[key]; ok {
		t.waiters++
		m.mu.Unlock()
		return m.await(ctx, key, t)
	}

	fetchCtx, cancel := context.WithCancel(context.Background())
	t := &task{
		done:    make(chan struct{}),
		waiters: 1,
		cancel:  cancel,
	}
	m.tasks[key] = t
	m.mu.Unlock()

	go m.run(fetchCtx, key, desc, t)
	return m.await(ctx, key, t)
}

// await 阻塞直至任务提交或调用方离开；提交后所有等待者读取同一个 Ready 条目，
// 保证无论何时加入都拿到字节一致的内容。
func (m *Manager) await(ctx context.Context, key string, t *task) (*cache.ReadResult, error) {
	select {
	case <-t.done:
		if t.err != nil {
			return nil, t.err
		}
		return m.store.Lookup(ctx, key)
	case <-ctx.Done():
		m.detach(t)
		return nil, ctx.Err()
	}
}

// detach 注销一个等待者；计数归零且任务未完成时取消上游请求。
func (m *Manager) detach(t *task) {
	m.mu.Lock()
	t.waiters--
	cancelNow := t.waiters == 0 && !t.finished
	m.mu.Unlock()
	if cancelNow {
		t.cancel()
	}
}

func (m *Manager) run(ctx context.Context, key string, desc source.Descriptor, t *task) {
	err := m.acquireSlot(ctx)
	if err == nil {
		err = m.download(ctx, key, desc)
		m.sem.Release(1)
	}
	m.finish(key, t, err)
	m.logResult(key, desc, err)
}

// acquireSlot 在 QueueWait 内排队等待全局配额，超时折算为 ErrRateLimited。
func (m *Manager) acquireSlot(ctx context.Context) error {
	if m.opts.QueueWait == 0 {
		if !m.sem.TryAcquire(1) {
			return ErrRateLimited
		}
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.opts.QueueWait)
	defer cancel()
	if err := m.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrRateLimited
	}
	return nil
}

// finish 发布任务结果：先在锁内落定 err 与注销任务，再关闭 done 唤醒等待者。
func (m *Manager) finish(key string, t *task, err error) {
	m.mu.Lock()
	t.err = err
	t.finished = true
	delete(m.tasks, key)
	m.mu.Unlock()
	t.cancel()
	close(t.done)
}

// download 执行带退避的重试循环。瞬时错误（网络、超时、5xx）按
// BackoffBase 指数退避重试；其余错误立即向所有等待者传播。
func (m *Manager) download(ctx context.Context, key string, desc source.Descriptor) error {
	backoff := m.opts.BackoffBase
	var lastErr error

	for attempt := 1; attempt <= m.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		err := m.attempt(ctx, key, desc)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
		m.logRetry(key, desc, attempt, err)
	}

	return fmt.Errorf("%w: %d attempts exhausted: %v", ErrUpstream, m.opts.MaxRetries, lastErr)
}

// attempt 完成一次完整的 抓取→流式写入→提交。任何失败都会放弃在途写入，
// 下一次尝试（或下一次请求）从零开始。
func (m *Manager) attempt(ctx context.Context, key string, desc source.Descriptor) error {
	resp, err := m.source.Fetch(ctx, desc)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.Status >= 200 && resp.Status < 300:
		// continue
	case resp.Status == 404:
		return fmt.Errorf("%w: %s", ErrUpstreamNotFound, desc.Key)
	case resp.Status >= 500:
		return &statusError{status: resp.Status}
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrUpstream, resp.Status)
	}

	expectedSize := desc.ExpectedSize
	if expectedSize <= 0 && resp.ContentLength > 0 {
		expectedSize = resp.ContentLength
	}

	handle, err := m.store.BeginWrite(ctx, key, cache.WriteOptions{
		ExpectedSize: expectedSize,
		ExpectedSHA1: desc.ExpectedSHA1,
	})
	if err != nil {
		return err
	}

	if err := copyWithContext(ctx, handle, resp.Body); err != nil {
		_ = handle.Abort(err)
		if errors.Is(err, cache.ErrSizeExceeded) {
			return fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		return err
	}

	if _, err := handle.Commit(resp.Validator()); err != nil {
		if errors.Is(err, cache.ErrSizeMismatch) || errors.Is(err, cache.ErrHashMismatch) {
			return fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		return err
	}
	return nil
}

// isTransient 判定是否值得重试：完整性/404/不可重试状态/取消 均直接失败，
// 5xx 与网络层错误（含超时）视为瞬时。
func isTransient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.transient()
	}
	switch {
	case errors.Is(err, ErrIntegrity),
		errors.Is(err, ErrUpstream),
		errors.Is(err, ErrUpstreamNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, cache.ErrWriteInProgress):
		return false
	}
	return true
}

// copyWithContext 在拷贝间隙检查 ctx，保证等待者清零后尽快停止消耗上游。
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			if wErr != nil {
				return wErr
			}
			if w < n {
				return io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (m *Manager) logRetry(key string, desc source.Descriptor, attempt int, err error) {
	if m.logger == nil {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"action":  "fetch_retry",
		"kuid":    key,
		"source":  desc.SourceName,
		"attempt": attempt,
		"error":   err.Error(),
	}).Warn("fetch_attempt_failed")
}

func (m *Manager) logResult(key string, desc source.Descriptor, err error) {
	if m.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "fetch",
		"kuid":   key,
		"source": desc.SourceName,
	}
	if err != nil {
		fields["error"] = err.Error()
		m.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	m.logger.WithFields(fields).Info("fetch_complete")
}
