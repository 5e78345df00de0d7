package payout

import (
	"context"
	"log/slog"
	"sync"

	xerrors "BioScholar-Vault/internal/errors"
	"BioScholar-Vault/pkg/logger"
)

// MemoryQueue 使用 channel 模拟消息队列，适用于单进程部署。
type MemoryQueue struct {
	ch     chan string
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish 将放款单投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, payoutID string) error {
	// 持有读锁直到写入完成，避免与 Close 竞争导致向已关闭的 channel 写入。
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- payoutID:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的放款单。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case payoutID, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, payoutID); err != nil {
						logger.L().Warn("处理放款单失败", slog.String("payout_id", payoutID), slog.Any("error", err))
					}
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
